package main

import "Storyloom/client/chapter-cli/cmd"

func main() {
	cmd.Execute()
}

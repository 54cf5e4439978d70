package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	operatorID string
)

var rootCmd = &cobra.Command{
	Use:   "chapter-cli",
	Short: "A CLI client to drive the Storyloom chapter pipeline service",
	Long: `A command-line interface for starting chapter pipelines, watching their progress,
pausing, resuming or cancelling them, and recovering or summarizing chapters.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Whoops. There was an error while executing your CLI: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("STORYLOOM_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "pipeline service base URL (env STORYLOOM_SERVER)")
	rootCmd.PersistentFlags().StringVar(&operatorID, "operator", os.Getenv("USER"), "operator id sent with control requests")
}

func newClient() *apiClient {
	return &apiClient{baseURL: serverURL, operator: operatorID}
}

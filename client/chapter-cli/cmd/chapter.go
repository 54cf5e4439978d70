package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var chapterCmd = &cobra.Command{
	Use:   "chapter",
	Short: "Recover or summarize chapters",
}

type chapterFlags struct {
	projectID string
	chapterID string
}

func (f *chapterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.projectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.chapterID, "chapter", "", "chapter id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("chapter")
}

func (f *chapterFlags) path(action string) string {
	return "/api/v1/projects/" + f.projectID + "/chapters/" + f.chapterID + "/" + action
}

func newRecoverCmd() *cobra.Command {
	var flags chapterFlags
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild chapter content from the last completed editor or writer output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Source        string `json:"source"`
				TaskID        string `json:"taskId"`
				ContentLength int    `json:"contentLength"`
				WordCount     int    `json:"wordCount"`
			}
			if err := newClient().do(cmd.Context(), http.MethodPost, flags.path("recover"), nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Recovered %d characters (%d words) from %s output of task %s.\n",
				resp.ContentLength, resp.WordCount, resp.Source, resp.TaskID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newSummaryCmd() *cobra.Command {
	var flags chapterFlags
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Generate and store the brief and detailed chapter summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Brief    string `json:"brief"`
				Detailed string `json:"detailed"`
				Degraded bool   `json:"degraded"`
			}
			if err := newClient().do(cmd.Context(), http.MethodPost, flags.path("summary"), nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Brief:\n  %s\n\nDetailed:\n  %s\n", resp.Brief, resp.Detailed)
			if resp.Degraded {
				fmt.Println("\n(the agent reply was not structured; summaries are excerpts of the raw reply)")
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(chapterCmd)
	chapterCmd.AddCommand(newRecoverCmd())
	chapterCmd.AddCommand(newSummaryCmd())
}

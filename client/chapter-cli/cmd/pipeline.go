package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"text/tabwriter"

	"Storyloom/backend/go/pkg/models"

	"github.com/spf13/cobra"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Start and control chapter pipelines",
}

// startFlags are shared by start and run.
type startFlags struct {
	projectID string
	chapterID string
	context   map[string]string
}

func (f *startFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.projectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.chapterID, "chapter", "", "chapter id")
	cmd.Flags().StringToStringVar(&f.context, "context", nil, "extra context passed to every agent, key=value")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("chapter")
}

func (f *startFlags) payload() map[string]any {
	body := map[string]any{"projectId": f.projectID, "chapterId": f.chapterID}
	if len(f.context) > 0 {
		ctx := make(map[string]any, len(f.context))
		for k, v := range f.context {
			ctx[k] = v
		}
		body["context"] = ctx
	}
	return body
}

func newStartCmd() *cobra.Command {
	var flags startFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a pipeline in the background and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				PipelineID string `json:"pipelineId"`
			}
			if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/pipelines", flags.payload(), &resp); err != nil {
				return err
			}
			fmt.Printf("Pipeline started!\nPipeline ID: %s\n", resp.PipelineID)
			fmt.Printf("To watch its progress, run: chapter-cli pipeline watch %s\n", resp.PipelineID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		flags              startFlags
		cancelOnDisconnect bool
		quiet              bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a pipeline and stream its progress until it ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := flags.payload()
			body["cancelOnDisconnect"] = cancelOnDisconnect

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			resp, err := newClient().stream(ctx, http.MethodPost, "/api/v1/pipelines/stream", body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Fprintf(os.Stderr, "Pipeline ID: %s\n", resp.Header.Get("X-Pipeline-ID"))
			if quiet {
				return consumeQuietly(os.Stdout, resp.Body)
			}
			return renderStream(os.Stdout, resp.Body)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&cancelOnDisconnect, "cancel-on-disconnect", true, "cancel the pipeline if this client goes away")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the outcome")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [pipeline-id]",
		Short: "Stream the progress of a pipeline, starting from its retained history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			resp, err := newClient().stream(ctx, http.MethodGet, "/api/v1/pipelines/"+args[0]+"/events", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return renderStream(os.Stdout, resp.Body)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [pipeline-id]",
		Short: "Show the state and progress of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap models.PipelineSnapshot
			if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/pipelines/"+args[0], nil, &snap); err != nil {
				return err
			}
			printSnapshot(snap)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the ids of running and paused pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Pipelines []string `json:"pipelines"`
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/pipelines", nil, &resp); err != nil {
				return err
			}
			if len(resp.Pipelines) == 0 {
				fmt.Println("No active pipelines.")
				return nil
			}
			for _, id := range resp.Pipelines {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [pipeline-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := control(cmd.Context(), newClient(), args[0], action)
			if err != nil {
				return err
			}
			printSnapshot(snap)
			return nil
		},
	}
}

func control(ctx context.Context, c *apiClient, id, action string) (models.PipelineSnapshot, error) {
	var snap models.PipelineSnapshot
	err := c.do(ctx, http.MethodPost, "/api/v1/pipelines/"+id+"/control", map[string]string{"action": action}, &snap)
	return snap, err
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks [pipeline-id]",
		Short: "List the persisted step records of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Tasks []models.TaskRecord `json:"tasks"`
			}
			if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/pipelines/"+args[0]+"/tasks", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tAGENT\tSTATUS\tTOKENS\tERROR")
			for _, t := range resp.Tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\n", t.StepIndex+1, t.AgentType, t.Status, t.InputTokens, t.OutputTokens, t.Error)
			}
			return w.Flush()
		},
	}
}

func printSnapshot(s models.PipelineSnapshot) {
	fmt.Printf("Pipeline:  %s\n", s.PipelineID)
	fmt.Printf("Chapter:   %s/%s\n", s.ProjectID, s.ChapterID)
	fmt.Printf("State:     %s\n", s.State)
	fmt.Printf("Progress:  %d/%d", s.Progress.CompletedSteps, s.Progress.TotalSteps)
	if s.Progress.CurrentAgentType != "" {
		fmt.Printf(" (current: %s)", s.Progress.CurrentAgentType)
	}
	fmt.Println()
	if s.Paused {
		fmt.Println("Paused:    yes")
	}
	if s.CancelRequested {
		fmt.Println("Cancel:    requested")
	}
	if s.Error != "" {
		fmt.Printf("Error:     %s\n", s.Error)
	}
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(newStartCmd())
	pipelineCmd.AddCommand(newRunCmd())
	pipelineCmd.AddCommand(newWatchCmd())
	pipelineCmd.AddCommand(newStatusCmd())
	pipelineCmd.AddCommand(newListCmd())
	pipelineCmd.AddCommand(newTasksCmd())
	pipelineCmd.AddCommand(newControlCmd("pause", "Pause a pipeline at its next step boundary"))
	pipelineCmd.AddCommand(newControlCmd("resume", "Resume a paused pipeline"))
	pipelineCmd.AddCommand(newControlCmd("cancel", "Cancel a pipeline at its next step boundary"))
}

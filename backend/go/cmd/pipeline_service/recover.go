package main

import (
	"encoding/json"
	"os"

	"Storyloom/backend/go/internal/pipeline_service/service"

	"github.com/spf13/cobra"
)

func newRecoverCmd(configPath *string) *cobra.Command {
	var projectID, chapterID string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Rebuild a chapter from the persisted output of its last run",
		Long: `Overwrites the chapter with the latest completed editor output, or the latest
completed writer output when there is no usable editor output. Useful when a run
finished its agent steps but the chapter was never saved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			s, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer closeStore(log)

			result, err := service.NewRecovery(s, s, log).Recover(cmd.Context(), projectID, chapterID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&chapterID, "chapter", "", "chapter id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("chapter")
	return cmd
}

package main

import (
	"Storyloom/backend/go/internal/database/mysql"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the task record and chapter tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := mysql.GetDB(&cfg.Databases.MySQL)
			if err != nil {
				return err
			}
			defer closeStore(log)
			if err := mysql.AutoMigrate(db); err != nil {
				return err
			}
			log.Info("Migration finished")
			return nil
		},
	}
}

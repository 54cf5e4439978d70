package main

import (
	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/internal/database/mysql"
	"Storyloom/backend/go/internal/pipeline_service/store"
	"Storyloom/backend/go/pkg/logger"
	"Storyloom/backend/go/pkg/models"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "backend/go/internal/config/config.yaml"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "pipeline_service",
		Short:         "Chapter generation pipeline service",
		Long:          `Runs the multi-agent chapter pipeline behind an HTTP API and streams progress to clients.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newRecoverCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	return cmd
}

// loadConfig reads the config file and initializes the global logger from it.
func loadConfig(path string) (*config.AppConfig, *logger.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger.Init(logger.ParseLevel(cfg.Logger.Level))
	return cfg, logger.New("PipelineService", "", ""), nil
}

// openStore connects to MySQL and migrates the schema when configured to.
func openStore(cfg *config.AppConfig, log *logger.Logger) (*store.Store, error) {
	db, err := mysql.GetDB(&cfg.Databases.MySQL)
	if err != nil {
		return nil, err
	}
	if cfg.Databases.MySQL.AutoMigrate {
		if err := mysql.AutoMigrate(db); err != nil {
			return nil, err
		}
		log.Info("Database schema is up to date")
	}
	return store.NewStore(db), nil
}

func closeStore(log *logger.Logger) {
	if err := mysql.Close(); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing MySQL")
	}
}

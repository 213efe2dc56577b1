package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dkrstev/promptflow/internal/cli"
	"github.com/dkrstev/promptflow/internal/config"
	internal_http "github.com/dkrstev/promptflow/internal/http"
	"github.com/dkrstev/promptflow/internal/log"
	internal_storage "github.com/dkrstev/promptflow/internal/storage"
	"github.com/dkrstev/promptflow/pkg/enhance"
	"github.com/dkrstev/promptflow/pkg/retry"
	"github.com/dkrstev/promptflow/pkg/service"
	pkg_storage "github.com/dkrstev/promptflow/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "promptflow"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PromptFlow server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.GetLogger().Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.DB = db
		}
		if cfg.ModelEndpoint == "" {
			fmt.Fprintln(os.Stderr, "Error: model_endpoint (or MODEL_ENDPOINT) is required")
			os.Exit(1)
		}

		var store pkg_storage.Store
		if cfg.DB != "" {
			pgStore, err := internal_storage.InitStore(cfg.DB)
			if err != nil {
				log.GetLogger().Errorf("Failed to initialize store: %v", err)
				os.Exit(1)
			}
			defer pgStore.Close()
			store = pgStore
		} else {
			log.GetLogger().Infof("No database configured, using in-memory store")
			store = pkg_storage.NewMemoryStore()
		}

		client := enhance.NewHTTPClient(cfg.ModelEndpoint)
		svc := service.NewPipelineService(context.Background(), store, enhance.Steps(client), log.GetLogger(),
			service.WithRetryPolicy(retry.Exponential{
				Initial:     cfg.InitialDelay(),
				MaxDelay:    cfg.MaxDelay(),
				MaxAttempts: cfg.Retry.MaxAttempts,
			}),
			service.WithStepTimeout(cfg.StepTimeout()),
			service.WithRetention(cfg.Retention()),
		)

		// periodic retention sweep
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if err := svc.Sweep(); err != nil {
					log.GetLogger().Errorf("Retention sweep failed: %v", err)
				}
			}
		}()

		if err := internal_http.StartServer(cfg.Port, svc); err != nil {
			log.GetLogger().Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

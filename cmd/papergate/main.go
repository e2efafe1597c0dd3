package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/kertaslab/papergate/internal/app"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "papergate",
		Short: "Metering and billing gateway for LLM endpoints",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, configPath)
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Migrate(cmd.Context(), configPath)
		},
	}

	root.AddCommand(serve, migrate)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("exit")
	}
}

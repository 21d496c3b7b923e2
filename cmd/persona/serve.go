package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the eviction scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			cfg.Server.Host = host
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _, err := server.Start(ctx, cfg, a.engine, logger)
		if err != nil {
			return err
		}
		logger.Info("persona running", "url", "http://"+addr)

		if cfg.Eviction.Schedule != "" {
			sched, err := engine.NewScheduler(a.engine, cfg.Eviction.Schedule, logger)
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()
		}

		<-ctx.Done()
		logger.Info("shutting down gracefully")
		// Let the server drain before the store closes.
		time.Sleep(time.Second)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "bind address (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

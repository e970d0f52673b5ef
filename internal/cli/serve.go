package cli

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/edumesones/executive-sql-to-text/api/handlers"
	"github.com/edumesones/executive-sql-to-text/api/metrics"
	"github.com/edumesones/executive-sql-to-text/api/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type ServeCmd struct {
	build BuildInfo
}

func NewServeCmd(build BuildInfo) *ServeCmd {
	return &ServeCmd{build: build}
}

func (c *ServeCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, SSE and WebSocket streams and the MCP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := buildApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			log, cfg := app.Log, app.Config

			if cfg.MetricsAddr != "" {
				metrics.BuildInfo.WithLabelValues(c.build.Version, c.build.Commit, c.build.Date).Set(1)
				go func() {
					listener, err := net.Listen("tcp", cfg.MetricsAddr)
					if err != nil {
						log.Error("failed to start prometheus metrics server listener", "error", err)
						return
					}
					log.Info("prometheus metrics server listening", "address", listener.Addr().String())
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("failed to start prometheus metrics server", "error", err)
					}
				}()
			}

			manager := handlers.NewWorkflowManager(log, app.Workflow, cfg.WorkflowConcurrency)
			h, err := handlers.New(handlers.Config{
				Logger:            log,
				Manager:           manager,
				Catalog:           app.Catalog,
				Sessions:          app.Sessions,
				Datastore:         app.Datastore,
				Cache:             app.Cache,
				MaxQuestionLength: cfg.MaxQuestionLength,
				AllowedOrigins:    cfg.AllowedOrigins,
				Version:           c.build.Version,
			})
			if err != nil {
				return err
			}

			srv, err := server.New(server.Config{
				Logger:         log,
				Handler:        h,
				Manager:        manager,
				ListenAddr:     cfg.ListenAddr,
				AllowedOrigins: cfg.AllowedOrigins,
			})
			if err != nil {
				return err
			}

			if err := srv.Run(ctx); err != nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			return nil
		},
	}
}

// Package cli implements the analytics command line: the API server, one-off
// questions, schema inspection and CSV import.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/edumesones/executive-sql-to-text/api/config"
	"github.com/edumesones/executive-sql-to-text/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess ExitCode = 0
	exitCodeError   ExitCode = 1
)

// BuildInfo is stamped at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func Run(build BuildInfo) ExitCode {
	if err := NewRootCmd(build, os.Stdout).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(build BuildInfo, out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "analytics",
		Short:        "Ask business questions about the loans portfolio in plain language.",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", build.Version, build.Commit, build.Date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before reading the environment, ignored when missing")

	rootCmd.AddCommand(
		NewServeCmd(build).Command(),
		NewAskCmd().Command(),
		NewSchemaCmd().Command(),
		NewImportCSVCmd().Command(),
	)
	return rootCmd
}

// loadConfig reads the dotenv file and the environment, then applies the
// flags that were set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.Verbose), nil
}

// buildApp loads the configuration and wires the components it names.
func buildApp(ctx context.Context, cmd *cobra.Command) (*config.App, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return config.Build(ctx, log, cfg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/logger"
	slackbot "github.com/edumesones/executive-sql-to-text/slack/internal/slack"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultMetricsAddr = "0.0.0.0:0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the Slack bot in socket mode.
//
// Required Slack Bot Token Scopes:
//   - app_mentions:read - Receive mentions
//   - chat:write - Post and edit answers
//   - reactions:write - Mark answered questions
//   - channels:history, groups:history, mpim:history - Follow thread replies
//   - im:history - Read DMs
//
// Required Event Subscriptions:
//   - app_mention
//   - message.channels, message.groups, message.mpim, message.im
func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	apiURLFlag := flag.String("api-url", "", "Analytics API base URL (or set ANALYTICS_API_URL env var)")
	envFileFlag := flag.String("env-file", ".env", "Optional dotenv file to load before reading the environment")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := slackbot.LoadFromEnv(*apiURLFlag, *metricsAddrFlag, *verboseFlag)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		slackbot.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	var botUserID string
	if auth, err := api.AuthTestContext(ctx); err != nil {
		log.Warn("slack auth test failed, continuing anyway", "error", err)
	} else {
		botUserID = auth.UserID
		log.Info("slack bot authenticated", "user_id", botUserID, "team", auth.Team)
	}

	threads := slackbot.NewThreadSessions(cfg.ThreadTTL)
	defer threads.Close()

	processor, err := slackbot.NewProcessor(slackbot.ProcessorConfig{
		Logger:    log,
		Slack:     api,
		API:       slackbot.NewAPIClient(cfg.APIURL, log),
		Threads:   threads,
		BotUserID: botUserID,
	})
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}
	processor.StartCleanup(ctx)

	eventHandler := slackbot.NewEventHandler(ctx, log, processor, threads)
	log.Info("slack bot starting", "api_url", cfg.APIURL, "version", version)

	err = runSocketMode(ctx, api, eventHandler, log)

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		log.Info("shutdown signal received, waiting for in-flight questions", "timeout", cfg.ShutdownTimeout)
		wait := eventHandler.StopAcceptingNew()

		waitDone := make(chan struct{})
		go func() {
			wait()
			close(waitDone)
		}()

		select {
		case <-waitDone:
			log.Info("all in-flight questions completed")
		case <-time.After(cfg.ShutdownTimeout):
			log.Warn("timeout waiting for in-flight questions, proceeding with shutdown", "timeout", cfg.ShutdownTimeout)
		}
		log.Info("slack bot shutting down", "reason", err)
		return nil
	}
	return err
}

func runSocketMode(ctx context.Context, api *slack.Client, eventHandler *slackbot.EventHandler, log *slog.Logger) error {
	client := socketmode.New(api)

	go func() {
		if err := client.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("socketmode client error", "error", err)
		}
	}()

	return eventHandler.HandleSocketMode(ctx, client)
}

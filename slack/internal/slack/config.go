package slack

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

const (
	DefaultAPIURL          = "http://localhost:8080"
	DefaultThreadTTL       = 24 * time.Hour
	DefaultShutdownTimeout = 60 * time.Second
)

// Config holds all configuration for the Slack bot.
type Config struct {
	BotToken string
	AppToken string

	// APIURL is the base URL of the analytics API the bot forwards questions to.
	APIURL string

	ThreadTTL       time.Duration
	ShutdownTimeout time.Duration
	MetricsAddr     string
	Verbose         bool
}

// LoadFromEnv loads configuration from environment variables. Non-empty
// flag values take precedence over ANALYTICS_API_URL.
func LoadFromEnv(apiURLFlag, metricsAddrFlag string, verbose bool) (*Config, error) {
	cfg := &Config{
		APIURL:          apiURLFlag,
		MetricsAddr:     metricsAddrFlag,
		Verbose:         verbose,
		ThreadTTL:       DefaultThreadTTL,
		ShutdownTimeout: DefaultShutdownTimeout,
	}

	cfg.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	cfg.AppToken = os.Getenv("SLACK_APP_TOKEN")
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("SLACK_APP_TOKEN is required for socket mode")
	}

	if cfg.APIURL == "" {
		cfg.APIURL = os.Getenv("ANALYTICS_API_URL")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid analytics API URL: %q", cfg.APIURL)
	}

	if raw := os.Getenv("SLACK_THREAD_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("invalid SLACK_THREAD_TTL: %q", raw)
		}
		cfg.ThreadTTL = ttl
	}

	return cfg, nil
}

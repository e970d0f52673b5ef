// Package config loads the analytics service configuration from the
// environment and flags, and wires the components it describes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/catalog"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/edumesones/executive-sql-to-text/pkg/querycache"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/edumesones/executive-sql-to-text/pkg/turnlog"
	"github.com/spf13/pflag"
)

const (
	DefaultListenAddr          = ":8000"
	DefaultMetricsAddr         = "0.0.0.0:9090"
	DefaultMaxConns            = 10
	DefaultWorkflowConcurrency = 16
	DefaultMaxQuestionLength   = 500
)

var DefaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// APIKeys holds LLM provider credentials.
type APIKeys struct {
	Anthropic     string
	OpenAI        string
	OpenAIBaseURL string
}

type Config struct {
	// Server
	ListenAddr     string
	MetricsAddr    string
	AllowedOrigins []string

	// Datastore
	DatastoreDriver string
	DatastoreURL    string
	MaxConns        int
	QueryTimeout    time.Duration
	AcquireTimeout  time.Duration
	MaxRows         int
	Tables          []string
	CatalogTTL      time.Duration

	// Application state. Without AppDatabaseURL sessions and the cache live
	// in memory.
	AppDatabaseURL string
	CacheTTL       time.Duration
	CacheCapacity  int
	HistoryTurns   int

	WorkflowConcurrency int
	MaxQuestionLength   int

	KafkaBrokers []string
	KafkaTopic   string

	AgentsFile string
	Agents     *AgentsConfig
	Keys       APIKeys

	Verbose bool
}

// LoadFromEnv loads configuration from environment variables. Callers
// typically load a .env file with godotenv first.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envString("API_LISTEN_ADDR", DefaultListenAddr),
		MetricsAddr:         envString("METRICS_ADDR", DefaultMetricsAddr),
		AllowedOrigins:      envList("CORS_ALLOWED_ORIGINS", DefaultAllowedOrigins),
		DatastoreURL:        os.Getenv("DATABASE_URL"),
		DatastoreDriver:     os.Getenv("DATASTORE_DRIVER"),
		Tables:              envList("CATALOG_TABLES", catalog.DefaultTables),
		AppDatabaseURL:      os.Getenv("APP_DATABASE_URL"),
		KafkaBrokers:        envList("KAFKA_BROKERS", nil),
		KafkaTopic:          envString("KAFKA_TOPIC", turnlog.DefaultTopic),
		AgentsFile:          os.Getenv("AGENTS_CONFIG"),
		MaxQuestionLength:   DefaultMaxQuestionLength,
		WorkflowConcurrency: DefaultWorkflowConcurrency,
		Keys: APIKeys{
			Anthropic:     os.Getenv("ANTHROPIC_API_KEY"),
			OpenAI:        os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
	}

	var err error
	if cfg.MaxConns, err = envInt("DATASTORE_MAX_CONNS", DefaultMaxConns); err != nil {
		return nil, err
	}
	if cfg.MaxRows, err = envInt("MAX_ROWS", querier.DefaultMaxRows); err != nil {
		return nil, err
	}
	if cfg.CacheCapacity, err = envInt("CACHE_CAPACITY", querycache.DefaultCapacity); err != nil {
		return nil, err
	}
	if cfg.HistoryTurns, err = envInt("HISTORY_TURNS", session.DefaultHistoryTurns); err != nil {
		return nil, err
	}
	if cfg.WorkflowConcurrency, err = envInt("WORKFLOW_CONCURRENCY", DefaultWorkflowConcurrency); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout, err = envDuration("QUERY_TIMEOUT", querier.DefaultQueryTimeout); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout, err = envDuration("ACQUIRE_TIMEOUT", querier.DefaultAcquireTimeout); err != nil {
		return nil, err
	}
	if cfg.CatalogTTL, err = envDuration("CATALOG_TTL", catalog.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDuration("CACHE_TTL", querycache.DefaultTTL); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RegisterFlags adds the flags that may override the environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen-addr", DefaultListenAddr, "Address for the HTTP API (or set API_LISTEN_ADDR)")
	fs.String("metrics-addr", DefaultMetricsAddr, "Address for prometheus metrics, empty to disable (or set METRICS_ADDR)")
	fs.String("database-url", "", "Datastore connection string (or set DATABASE_URL)")
	fs.String("datastore-driver", "", "Datastore driver: postgres, sqlite, duckdb or clickhouse (or set DATASTORE_DRIVER)")
	fs.String("app-database-url", "", "Postgres connection string for sessions and the persistent cache (or set APP_DATABASE_URL)")
	fs.String("agents-config", "", "Path to an agents.yaml overriding the embedded default (or set AGENTS_CONFIG)")
	fs.StringSlice("kafka-brokers", nil, "Kafka seed brokers for the turn log (or set KAFKA_BROKERS)")
	fs.Int("workflow-concurrency", DefaultWorkflowConcurrency, "Maximum concurrently running questions (or set WORKFLOW_CONCURRENCY)")
	fs.Bool("verbose", false, "Enable verbose (debug) logging")
}

// ApplyFlags overrides the configuration with every flag set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "listen-addr":
			c.ListenAddr = f.Value.String()
		case "metrics-addr":
			c.MetricsAddr = f.Value.String()
		case "database-url":
			c.DatastoreURL = f.Value.String()
		case "datastore-driver":
			c.DatastoreDriver = f.Value.String()
		case "app-database-url":
			c.AppDatabaseURL = f.Value.String()
		case "agents-config":
			c.AgentsFile = f.Value.String()
		case "kafka-brokers":
			c.KafkaBrokers, err = fs.GetStringSlice(f.Name)
		case "workflow-concurrency":
			c.WorkflowConcurrency, err = fs.GetInt(f.Name)
		case "verbose":
			c.Verbose, err = fs.GetBool(f.Name)
		}
	})
	return err
}

// Validate checks the configuration and resolves derived fields: the
// datastore driver and the agents file.
func (c *Config) Validate() error {
	if c.DatastoreURL == "" {
		return fmt.Errorf("DATABASE_URL is required (use --database-url flag or DATABASE_URL env var)")
	}
	if c.DatastoreDriver == "" {
		c.DatastoreDriver = DriverFor(c.DatastoreURL)
	}
	switch c.DatastoreDriver {
	case querier.DriverPostgres, querier.DriverSQLite, querier.DriverDuckDB, querier.DriverClickHouse:
	default:
		return fmt.Errorf("unsupported datastore driver %q", c.DatastoreDriver)
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("DATASTORE_MAX_CONNS must be positive")
	}
	if c.WorkflowConcurrency <= 0 {
		return fmt.Errorf("WORKFLOW_CONCURRENCY must be positive")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("CATALOG_TABLES must name at least one table")
	}
	if c.Agents == nil {
		agents, err := LoadAgents(c.AgentsFile)
		if err != nil {
			return err
		}
		c.Agents = agents
	}
	return nil
}

// DriverFor infers the datastore driver from a connection string.
func DriverFor(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return querier.DriverPostgres
	case strings.HasPrefix(lower, "clickhouse://"):
		return querier.DriverClickHouse
	case strings.HasSuffix(lower, ".duckdb"), strings.HasPrefix(lower, "duckdb:"):
		return querier.DriverDuckDB
	default:
		return querier.DriverSQLite
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// Package pipeline implements the LLM-backed stages of answering a question:
// SQL generation, query execution and insight generation. Orchestration lives
// in the workflow package; each method here is one stage.
package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/sqlguard"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
)

const (
	DefaultLLMTimeout     = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultConnectRetries = 3
	DefaultInsightRetries = 2
	DefaultConnectBackoff = 200 * time.Millisecond
)

// Config holds the configuration for the pipeline.
type Config struct {
	Logger *slog.Logger
	SQLLLM LLMClient
	// InsightLLM defaults to SQLLLM.
	InsightLLM LLMClient
	Querier    querier.Datastore
	Prompts    *Prompts

	LLMTimeout     time.Duration // per generation attempt (default 60s)
	InsightTimeout time.Duration // per insight attempt (default LLMTimeout)
	MaxRetries     int           // generation attempts per turn (default 3)
	ConnectRetries int           // execution attempts on connection errors (default 3)
	ConnectBackoff time.Duration // initial backoff between connection retries
	InsightRetries int           // insight retries after the first attempt (default 2, negative for none)
	RowCap         int           // LIMIT ceiling enforced by the guard (default 1000)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.SQLLLM == nil {
		return fmt.Errorf("SQL LLM client is required")
	}
	if cfg.Querier == nil {
		return fmt.Errorf("querier is required")
	}
	if cfg.Prompts == nil {
		return fmt.Errorf("prompts are required")
	}
	return nil
}

func (cfg *Config) setDefaults() {
	if cfg.InsightLLM == nil {
		cfg.InsightLLM = cfg.SQLLLM
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.InsightTimeout <= 0 {
		cfg.InsightTimeout = cfg.LLMTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = DefaultConnectRetries
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = DefaultConnectBackoff
	}
	if cfg.InsightRetries < 0 {
		cfg.InsightRetries = 0
	} else if cfg.InsightRetries == 0 {
		cfg.InsightRetries = DefaultInsightRetries
	}
	if cfg.RowCap <= 0 {
		cfg.RowCap = sqlguard.DefaultRowCap
	}
}

// Pipeline runs the individual stages.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

// New creates a new Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate pipeline config: %w", err)
	}
	cfg.setDefaults()
	return &Pipeline{cfg: cfg, log: cfg.Logger}, nil
}

// MaxRetries is the generation budget shared across a turn.
func (p *Pipeline) MaxRetries() int { return p.cfg.MaxRetries }

// RowCap is the LIMIT ceiling applied to generated SQL.
func (p *Pipeline) RowCap() int { return p.cfg.RowCap }

// Package turnlog publishes finished turns to a Kafka topic so downstream
// consumers can audit questions and answers.
package turnlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"
)

const DefaultTopic = "analytics_turns"

type Config struct {
	Logger  *slog.Logger
	Brokers []string
	Topic   string
	// Linger batches records for up to this long before sending.
	Linger time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return nil
}

// Record is the message written for each turn. Result rows are left out;
// consumers that need them read the conversation store.
type Record struct {
	TurnID          uuid.UUID             `json:"turn_id"`
	SessionID       uuid.UUID             `json:"session_id"`
	Question        string                `json:"question"`
	SQL             string                `json:"sql,omitempty"`
	RowCount        int                   `json:"row_count"`
	ChartKind       string                `json:"chart_kind,omitempty"`
	Insights        []string              `json:"insights"`
	Recommendations []string              `json:"recommendations"`
	DurationMs      int64                 `json:"duration_ms"`
	Error           string                `json:"error,omitempty"`
	FromCache       bool                  `json:"from_cache"`
	Stages          []session.StageRecord `json:"stages"`
	CreatedAt       time.Time             `json:"created_at"`
}

// NewRecord flattens turn into its log record.
func NewRecord(turn session.Turn) Record {
	rec := Record{
		TurnID:          turn.ID,
		SessionID:       turn.SessionID,
		Question:        turn.Question,
		SQL:             turn.SQL,
		Insights:        turn.Insights,
		Recommendations: turn.Recommendations,
		DurationMs:      turn.Duration.Milliseconds(),
		Error:           turn.Error,
		FromCache:       turn.FromCache,
		Stages:          turn.Stages,
		CreatedAt:       turn.CreatedAt,
	}
	if turn.Result != nil {
		rec.RowCount = turn.Result.Count
	}
	if turn.Chart != nil {
		rec.ChartKind = string(turn.Chart.Kind)
	}
	return rec
}

type KafkaPublisher struct {
	log    *slog.Logger
	cfg    Config
	client *kgo.Client
}

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate turnlog config: %w", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.MaxVersions(kversion.V2_8_0()),
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaPublisher{log: cfg.Logger, cfg: cfg, client: client}, nil
}

// EnsureTopic creates the topic when it does not exist yet.
func (p *KafkaPublisher) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(p.client)
	_, err := adm.CreateTopic(ctx, partitions, replication, nil, p.cfg.Topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

// Publish writes turn and waits for the broker to acknowledge it. Records are
// keyed by session so a session's turns stay in order on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, turn session.Turn) error {
	value, err := json.Marshal(NewRecord(turn))
	if err != nil {
		return fmt.Errorf("failed to marshal turn record: %w", err)
	}
	outcome := "completed"
	if turn.Error != "" {
		outcome = "failed"
	}
	record := &kgo.Record{
		Key:     []byte(turn.SessionID.String()),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: "outcome", Value: []byte(outcome)}},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce turn record: %w", err)
	}
	p.log.Debug("turnlog: turn published", "turn_id", turn.ID, "topic", p.cfg.Topic)
	return nil
}

func (p *KafkaPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaPublisher) Close() {
	p.client.Close()
}

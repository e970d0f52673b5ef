package slack

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack"
)

const (
	respondedMessagesMaxAge = 1 * time.Hour
	// progressInterval is the minimum gap between placeholder edits.
	progressInterval = time.Second
)

const helpText = "Ask me a question about the loans data, for example: _What is the default rate by grade?_"

var mentionRegex = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]+)?>`)

// Poster is the part of the Slack Web API the processor uses.
// *slack.Client implements it.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
}

// Asker answers questions. *APIClient implements it.
type Asker interface {
	Ask(ctx context.Context, question string, sessionID uuid.UUID, userID string, onStage func(workflow.Event)) (*Answer, error)
}

// Message is a Slack message addressed to the bot.
type Message struct {
	Channel  string
	User     string
	Text     string
	TS       string
	ThreadTS string
}

// ThreadRoot is the timestamp replies to m are threaded under.
func (m Message) ThreadRoot() string {
	if m.ThreadTS != "" {
		return m.ThreadTS
	}
	return m.TS
}

func (m Message) key() string {
	return m.Channel + ":" + m.TS
}

type ProcessorConfig struct {
	Logger    *slog.Logger
	Slack     Poster
	API       Asker
	Threads   *ThreadSessions
	BotUserID string
	Clock     clockwork.Clock
}

func (cfg *ProcessorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Slack == nil {
		return errors.New("slack client is required")
	}
	if cfg.API == nil {
		return errors.New("api client is required")
	}
	if cfg.Threads == nil {
		return errors.New("thread sessions are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Processor answers Slack messages through the analytics API, editing a
// placeholder reply in the thread as stages complete.
type Processor struct {
	log *slog.Logger
	cfg ProcessorConfig

	// Messages already answered, keyed by channel and timestamp. A channel
	// mention arrives as both a message and an app_mention event.
	respondedMessages   map[string]time.Time
	respondedMessagesMu sync.Mutex
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		log:               cfg.Logger,
		cfg:               cfg,
		respondedMessages: make(map[string]time.Time),
	}, nil
}

// StartCleanup starts a background goroutine to forget old responded messages.
func (p *Processor) StartCleanup(ctx context.Context) {
	go func() {
		ticker := p.cfg.Clock.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.cleanup()
			}
		}
	}()
}

func (p *Processor) cleanup() {
	now := p.cfg.Clock.Now()
	p.respondedMessagesMu.Lock()
	for key, ts := range p.respondedMessages {
		if now.Sub(ts) > respondedMessagesMaxAge {
			delete(p.respondedMessages, key)
		}
	}
	p.respondedMessagesMu.Unlock()
}

// claim marks a message as handled and reports whether it was new.
func (p *Processor) claim(key string) bool {
	p.respondedMessagesMu.Lock()
	defer p.respondedMessagesMu.Unlock()
	if _, ok := p.respondedMessages[key]; ok {
		return false
	}
	p.respondedMessages[key] = p.cfg.Clock.Now()
	return true
}

// RemoveBotMention strips mentions of the bot from text.
func (p *Processor) RemoveBotMention(text string) string {
	if p.cfg.BotUserID == "" {
		return strings.TrimSpace(text)
	}
	text = mentionRegex.ReplaceAllStringFunc(text, func(m string) string {
		if mentionRegex.FindStringSubmatch(m)[1] == p.cfg.BotUserID {
			return ""
		}
		return m
	})
	return strings.Join(strings.Fields(text), " ")
}

// ContainsNonBotMention reports whether text mentions a user other than the bot.
func (p *Processor) ContainsNonBotMention(text string) bool {
	for _, match := range mentionRegex.FindAllStringSubmatch(text, -1) {
		if match[1] != p.cfg.BotUserID {
			return true
		}
	}
	return false
}

// Process answers msg in its thread. Duplicate deliveries are ignored.
func (p *Processor) Process(ctx context.Context, msg Message) {
	if !p.claim(msg.key()) {
		MessagesTotal.WithLabelValues("duplicate").Inc()
		return
	}

	start := p.cfg.Clock.Now()
	InFlight.Inc()
	defer InFlight.Dec()

	threadTS := msg.ThreadRoot()
	question := p.RemoveBotMention(msg.Text)
	if question == "" {
		p.post(ctx, msg.Channel, threadTS, nil, helpText)
		MessagesTotal.WithLabelValues("help").Inc()
		return
	}

	threadKey := ThreadKey(msg.Channel, threadTS)
	sessionID, _ := p.cfg.Threads.Get(threadKey)

	p.log.Info("slack: answering question",
		"channel", msg.Channel,
		"user", msg.User,
		"message_ts", msg.TS,
		"thread_ts", threadTS,
		"session_id", sessionID,
	)

	placeholderTS := p.post(ctx, msg.Channel, threadTS, nil, ProgressText(nil))

	var done []workflow.Stage
	var lastUpdate time.Time
	onStage := func(ev workflow.Event) {
		if strings.HasPrefix(ev.Note, "skipped") || ev.Error != "" {
			return
		}
		done = append(done, ev.Stage)
		now := p.cfg.Clock.Now()
		if placeholderTS == "" || now.Sub(lastUpdate) < progressInterval {
			return
		}
		lastUpdate = now
		p.update(ctx, msg.Channel, placeholderTS, nil, ProgressText(done))
	}

	ans, err := p.cfg.API.Ask(ctx, question, sessionID, msg.User, onStage)
	if ans != nil && ans.SessionID != uuid.Nil {
		p.cfg.Threads.Bind(threadKey, ans.SessionID)
	}

	var blocks []slack.Block
	var text, reaction, outcome string
	if err != nil {
		p.log.Error("slack: question failed", "error", err, "channel", msg.Channel, "message_ts", msg.TS)
		reason := SanitizeErrorMessage(err.Error())
		if ans != nil && ans.Error != nil && *ans.Error != "" {
			reason = *ans.Error
		}
		blocks, text = FormatError(reason)
		reaction, outcome = "x", "error"
	} else {
		blocks, text = FormatAnswer(ans)
		reaction, outcome = "white_check_mark", "success"
	}

	if placeholderTS != "" {
		p.update(ctx, msg.Channel, placeholderTS, blocks, text)
	} else {
		p.post(ctx, msg.Channel, threadTS, blocks, text)
	}
	if err := p.cfg.Slack.AddReactionContext(ctx, reaction, slack.NewRefToMessage(msg.Channel, msg.TS)); err != nil {
		p.log.Debug("slack: failed to add reaction", "error", err)
		SlackAPIErrors.WithLabelValues("add_reaction").Inc()
	}

	MessagesTotal.WithLabelValues(outcome).Inc()
	ResponseDuration.Observe(p.cfg.Clock.Since(start).Seconds())
}

func messageOptions(threadTS string, blocks []slack.Block, text string) []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	return opts
}

// post sends a threaded message and returns its timestamp, or "" on failure.
func (p *Processor) post(ctx context.Context, channel, threadTS string, blocks []slack.Block, text string) string {
	_, ts, err := p.cfg.Slack.PostMessageContext(ctx, channel, messageOptions(threadTS, blocks, text)...)
	if err != nil {
		p.log.Error("slack: failed to post message", "error", err, "channel", channel)
		SlackAPIErrors.WithLabelValues("post_message").Inc()
		return ""
	}
	return ts
}

func (p *Processor) update(ctx context.Context, channel, ts string, blocks []slack.Block, text string) {
	if _, _, _, err := p.cfg.Slack.UpdateMessageContext(ctx, channel, ts, messageOptions("", blocks, text)...); err != nil {
		p.log.Warn("slack: failed to update message", "error", err, "channel", channel)
		SlackAPIErrors.WithLabelValues("update_message").Inc()
	}
}

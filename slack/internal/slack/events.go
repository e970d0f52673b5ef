package slack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// processTimeout bounds one question, including Slack updates.
const processTimeout = 5 * time.Minute

// EventHandler routes Slack events to the processor.
//
// The bot answers every direct message, every mention, and replies in a
// thread it already answered unless the reply mentions someone else.
type EventHandler struct {
	log       *slog.Logger
	processor *Processor
	threads   *ThreadSessions

	// Processing outlives the socket connection so in-flight answers finish
	// during shutdown.
	baseCtx context.Context

	mu        sync.Mutex
	accepting bool
	wg        sync.WaitGroup
}

func NewEventHandler(ctx context.Context, log *slog.Logger, processor *Processor, threads *ThreadSessions) *EventHandler {
	return &EventHandler{
		log:       log,
		processor: processor,
		threads:   threads,
		baseCtx:   context.WithoutCancel(ctx),
		accepting: true,
	}
}

// HandleSocketMode consumes socket mode events until ctx is done.
func (h *EventHandler) HandleSocketMode(ctx context.Context, client *socketmode.Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-client.Events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				h.log.Info("slack: connecting to socket mode")
			case socketmode.EventTypeConnected:
				h.log.Info("slack: connected to socket mode")
			case socketmode.EventTypeConnectionError:
				h.log.Warn("slack: socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeEventsAPI:
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					h.log.Debug("slack: ignoring unexpected events api payload")
					continue
				}
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				h.HandleEvent(ev)
			}
		}
	}
}

// HandleEvent dispatches a callback event. It returns without waiting for
// the answer.
func (h *EventHandler) HandleEvent(ev slackevents.EventsAPIEvent) {
	if ev.Type != slackevents.CallbackEvent {
		return
	}

	switch inner := ev.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if inner.BotID != "" {
			return
		}
		h.dispatch(Message{
			Channel:  inner.Channel,
			User:     inner.User,
			Text:     inner.Text,
			TS:       inner.TimeStamp,
			ThreadTS: inner.ThreadTimeStamp,
		})

	case *slackevents.MessageEvent:
		if inner.BotID != "" || inner.SubType != "" || inner.User == "" || inner.User == h.processor.cfg.BotUserID {
			return
		}
		msg := Message{
			Channel:  inner.Channel,
			User:     inner.User,
			Text:     inner.Text,
			TS:       inner.TimeStamp,
			ThreadTS: inner.ThreadTimeStamp,
		}
		if inner.ChannelType != "im" {
			// Channel messages are only followed in threads the bot is part of.
			if msg.ThreadTS == "" {
				return
			}
			if _, ok := h.threads.Get(ThreadKey(msg.Channel, msg.ThreadTS)); !ok {
				return
			}
			if h.processor.ContainsNonBotMention(msg.Text) {
				MessagesTotal.WithLabelValues("ignored").Inc()
				return
			}
		}
		h.dispatch(msg)
	}
}

func (h *EventHandler) dispatch(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.accepting {
		h.log.Info("slack: dropping message during shutdown", "channel", msg.Channel, "message_ts", msg.TS)
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.baseCtx, processTimeout)
		defer cancel()
		h.processor.Process(ctx, msg)
	}()
}

// StopAcceptingNew stops dispatching and returns a function that blocks
// until in-flight messages finish.
func (h *EventHandler) StopAcceptingNew() func() {
	h.mu.Lock()
	h.accepting = false
	h.mu.Unlock()
	return h.wg.Wait
}

package slack

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/google/uuid"
	"github.com/slack-go/slack/slackevents"
	"github.com/stretchr/testify/require"
)

func callback(data any) slackevents.EventsAPIEvent {
	return slackevents.EventsAPIEvent{
		Type:       slackevents.CallbackEvent,
		InnerEvent: slackevents.EventsAPIInnerEvent{Data: data},
	}
}

func TestAnalytics_Slack_EventHandler_Routing(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var questions []string
	asker := &mockAsker{AskFunc: func(_ context.Context, question string, _ uuid.UUID, _ string, _ func(workflow.Event)) (*Answer, error) {
		mu.Lock()
		questions = append(questions, question)
		mu.Unlock()
		return &Answer{Insights: []string{"ok"}}, nil
	}}
	rec := &recordingPoster{}
	p, threads := newTestProcessor(t, rec.poster(t), asker)
	threads.Bind(ThreadKey("C1", "100.0"), uuid.New())

	h := NewEventHandler(context.Background(), p.log, p, threads)

	events := []slackevents.EventsAPIEvent{
		// Answered.
		callback(&slackevents.AppMentionEvent{Channel: "C1", User: "U1", Text: "<@UBOT> mention", TimeStamp: "1.1"}),
		callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", Text: "direct", TimeStamp: "1.2"}),
		callback(&slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", Text: "thread reply", TimeStamp: "1.3", ThreadTimeStamp: "100.0"}),
		// The app_mention event carries this one.
		callback(&slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", Text: "<@UBOT> mention", TimeStamp: "1.1"}),
		// Redelivered.
		callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", Text: "direct", TimeStamp: "1.2"}),

		// Ignored.
		callback(&slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", Text: "chatter", TimeStamp: "2.1"}),
		callback(&slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", Text: "unknown thread", TimeStamp: "2.2", ThreadTimeStamp: "999.0"}),
		callback(&slackevents.MessageEvent{Channel: "C1", ChannelType: "channel", User: "U1", Text: "<@U2> can you check", TimeStamp: "2.3", ThreadTimeStamp: "100.0"}),
		callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", BotID: "B1", Text: "bot echo", TimeStamp: "2.4"}),
		callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", SubType: "message_changed", Text: "edited", TimeStamp: "2.5"}),
		callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "UBOT", Text: "self", TimeStamp: "2.6"}),
		{Type: slackevents.URLVerification},
	}
	for _, ev := range events {
		h.HandleEvent(ev)
	}
	h.StopAcceptingNew()()

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(questions)
	require.Equal(t, []string{"direct", "mention", "thread reply"}, questions)
}

func TestAnalytics_Slack_EventHandler_StopAcceptingNew(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var finished bool
	asker := &mockAsker{AskFunc: func(context.Context, string, uuid.UUID, string, func(workflow.Event)) (*Answer, error) {
		close(started)
		<-release
		finished = true
		return &Answer{}, nil
	}}
	rec := &recordingPoster{}
	p, threads := newTestProcessor(t, rec.poster(t), asker)
	h := NewEventHandler(context.Background(), p.log, p, threads)

	h.HandleEvent(callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", Text: "first", TimeStamp: "1.1"}))
	<-started

	wait := h.StopAcceptingNew()
	// Dropped: the handler no longer dispatches.
	h.HandleEvent(callback(&slackevents.MessageEvent{Channel: "D1", ChannelType: "im", User: "U1", Text: "second", TimeStamp: "1.2"}))

	close(release)
	wait()
	require.True(t, finished)

	calls, _ := rec.snapshot()
	for _, c := range calls {
		require.NotEqual(t, "1.2", c.threadTS)
	}
}

func TestAnalytics_Slack_ThreadSessions(t *testing.T) {
	t.Parallel()

	threads := NewThreadSessions(time.Hour)
	t.Cleanup(threads.Close)

	key := ThreadKey("C1", "100.0")
	require.Equal(t, "C1:100.0", key)

	_, ok := threads.Get(key)
	require.False(t, ok)

	first := uuid.New()
	require.Equal(t, first, threads.Bind(key, first))
	require.Equal(t, first, threads.Bind(key, uuid.New()), "an existing binding wins")

	got, ok := threads.Get(key)
	require.True(t, ok)
	require.Equal(t, first, got)
	require.Equal(t, 1, threads.Len())
}

package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wsReceived struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/query/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntilTerminal(t *testing.T, conn *websocket.Conn) []wsReceived {
	t.Helper()
	var msgs []wsReceived
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg wsReceived
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type == EventDone || msg.Type == EventError {
			return msgs
		}
	}
}

func TestAnalytics_Handlers_QueryWS_Answers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "loans by grade"}))
	msgs := readUntilTerminal(t, conn)
	require.Len(t, msgs, 4)
	require.Equal(t, EventWorkflowStarted, msgs[0].Type)
	require.Equal(t, EventStage, msgs[1].Type)
	require.Equal(t, EventDone, msgs[3].Type)

	var done doneEvent
	require.NoError(t, json.Unmarshal(msgs[3].Data, &done))
	require.Equal(t, 2, done.Response.RowCount)

	// The connection takes another question in the same session.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "query", "question": "and by state?", "session_id": done.Response.SessionID.String()}))
	msgs = readUntilTerminal(t, conn)
	require.Equal(t, EventDone, msgs[len(msgs)-1].Type)

	var second doneEvent
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Data, &second))
	require.Equal(t, done.Response.SessionID, second.Response.SessionID)
}

func TestAnalytics_Handlers_QueryWS_RejectsInvalid(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, answering())
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(map[string]string{"question": " "}))
	msgs := readUntilTerminal(t, conn)
	require.Len(t, msgs, 1)
	require.Equal(t, EventError, msgs[0].Type)
	require.Contains(t, string(msgs[0].Data), "Question is required")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	msgs = readUntilTerminal(t, conn)
	require.Contains(t, string(msgs[0].Data), "Unknown message type")
}

func TestAnalytics_Handlers_QueryWS_Cancel(t *testing.T) {
	t.Parallel()

	started := make(chan workflow.Request, 1)
	env := newTestEnv(t, blocking(make(chan struct{}), started))
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "slow question"}))
	<-started

	// A second question while one is running is refused.
	require.NoError(t, conn.WriteJSON(map[string]string{"question": "another"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))

	var sawBusy bool
	msgs := readUntilTerminal(t, conn)
	for msgs[len(msgs)-1].Type == EventError && strings.Contains(string(msgs[len(msgs)-1].Data), "already running") {
		sawBusy = true
		msgs = readUntilTerminal(t, conn)
	}
	require.True(t, sawBusy)

	last := msgs[len(msgs)-1]
	require.Equal(t, EventError, last.Type)
	require.Contains(t, string(last.Data), "cancelled")
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second

	wsTypeQuery  = "query"
	wsTypeCancel = "cancel"
)

// wsInbound is a client message. An empty type is a query.
type wsInbound struct {
	Type string `json:"type"`
	QueryRequest
}

// wsMessage carries one workflow event to the client.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// QueryWS answers questions over a WebSocket. Each question streams the
// same events as the SSE endpoint. One question runs at a time per
// connection; a cancel message cancels it.
func (h *Handler) QueryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("handlers: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongWait := 2 * h.cfg.HeartbeatInterval
	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	inbound := make(chan wsInbound)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg wsInbound
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	write := func(v wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	var (
		rw  *RunningWorkflow
		sub *WorkflowSubscriber
	)
	detach := func() {
		if sub != nil {
			h.cfg.Manager.Unsubscribe(rw, sub)
		}
		rw, sub = nil, nil
	}
	defer detach()

	ping := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ping.Stop()

	for {
		var (
			events <-chan WorkflowEvent
			done   <-chan struct{}
		)
		if sub != nil {
			events, done = sub.Events, sub.Done
		}

		select {
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("handlers: websocket read failed", "error", err)
			}
			return

		case msg := <-inbound:
			switch msg.Type {
			case wsTypeCancel:
				if rw != nil {
					h.cfg.Manager.Cancel(rw.ID)
				}
			case "", wsTypeQuery:
				if rw != nil {
					if err := write(wsMessage{Type: EventError, Data: errorEvent{Error: "A question is already running"}}); err != nil {
						return
					}
					continue
				}
				var failure string
				req, err := h.parseQuery(msg.QueryRequest)
				if err != nil {
					failure = err.Error()
				} else if rw, err = h.cfg.Manager.Start(req); err != nil {
					failure = "Failed to start workflow"
					if errors.Is(err, ErrManagerStopped) {
						failure = "Server is shutting down"
					}
				}
				if failure != "" {
					if err := write(wsMessage{Type: EventError, Data: errorEvent{Error: failure}}); err != nil {
						return
					}
					continue
				}
				sub = h.cfg.Manager.subscribe(rw)
			default:
				if err := write(wsMessage{Type: EventError, Data: errorEvent{Error: "Unknown message type"}}); err != nil {
					return
				}
			}

		case ev := <-events:
			if err := write(wsMessage{Type: ev.Type, Data: ev.Data}); err != nil {
				return
			}
			if ev.Terminal() {
				detach()
			}

		case <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					if err := write(wsMessage{Type: ev.Type, Data: ev.Data}); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			detach()

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

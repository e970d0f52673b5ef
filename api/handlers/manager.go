package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/pipeline"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/edumesones/executive-sql-to-text/api/metrics"
	"github.com/edumesones/executive-sql-to-text/pkg/session"
	"github.com/google/uuid"
)

// Event types sent to stream subscribers.
const (
	EventWorkflowStarted = "workflow_started"
	EventStage           = "stage"
	EventDone            = "done"
	EventError           = "error"
	EventHeartbeat       = "heartbeat"
)

const subscriberBuffer = 128

var ErrManagerStopped = errors.New("workflow manager is stopped")

// Runner answers one question. *workflow.Workflow implements it.
type Runner interface {
	Run(ctx context.Context, req workflow.Request, progress workflow.ProgressFunc) (*session.Turn, error)
}

// WorkflowEvent is a progress event from a running workflow.
type WorkflowEvent struct {
	Type string
	Data any
}

// Terminal reports whether no event follows e.
func (e WorkflowEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// WorkflowSubscriber receives events from a running workflow.
type WorkflowSubscriber struct {
	Events chan WorkflowEvent
	Done   chan struct{}
}

type startedEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	SessionID uuid.UUID `json:"session_id"`
}

type errorEvent struct {
	Error    string         `json:"error"`
	Response *QueryResponse `json:"response,omitempty"`
}

type doneEvent struct {
	Response QueryResponse `json:"response"`
}

// RunningWorkflow tracks a question executing in the background. Its run
// is detached from the request that started it.
type RunningWorkflow struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Question  string

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	subscribers map[*WorkflowSubscriber]struct{}
	history     []WorkflowEvent
	finished    bool
	turn        *session.Turn
	err         error
}

// Done is closed when the run has finished and its final event was sent.
func (rw *RunningWorkflow) Done() <-chan struct{} { return rw.done }

// Result returns the run's turn and error once Done is closed.
func (rw *RunningWorkflow) Result() (*session.Turn, error) {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.turn, rw.err
}

// addSubscriber replays the events so far to sub before it sees new ones.
func (rw *RunningWorkflow) addSubscriber(sub *WorkflowSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for _, ev := range rw.history {
		select {
		case sub.Events <- ev:
		default:
		}
	}
	if rw.finished {
		close(sub.Done)
		return
	}
	rw.subscribers[sub] = struct{}{}
}

func (rw *RunningWorkflow) removeSubscriber(sub *WorkflowSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	delete(rw.subscribers, sub)
}

func (rw *RunningWorkflow) broadcast(log *slog.Logger, event WorkflowEvent) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.history = append(rw.history, event)
	for sub := range rw.subscribers {
		select {
		case sub.Events <- event:
		default:
			log.Warn("handlers: subscriber buffer full, skipping event", "workflow_id", rw.ID, "event_type", event.Type)
		}
	}
}

func (rw *RunningWorkflow) finish(turn *session.Turn, err error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.turn, rw.err = turn, err
	rw.finished = true
	for sub := range rw.subscribers {
		close(sub.Done)
	}
	rw.subscribers = make(map[*WorkflowSubscriber]struct{})
	close(rw.done)
}

// WorkflowManager runs questions on a bounded worker pool and fans their
// progress out to any number of subscribers.
type WorkflowManager struct {
	log    *slog.Logger
	runner Runner
	pool   pond.Pool

	mu        sync.RWMutex
	stopped   bool
	running   map[uuid.UUID]*RunningWorkflow // workflowID -> running workflow
	bySession map[uuid.UUID]uuid.UUID        // sessionID -> latest workflowID
}

func NewWorkflowManager(log *slog.Logger, runner Runner, concurrency int) *WorkflowManager {
	return &WorkflowManager{
		log:       log,
		runner:    runner,
		pool:      pond.NewPool(concurrency),
		running:   make(map[uuid.UUID]*RunningWorkflow),
		bySession: make(map[uuid.UUID]uuid.UUID),
	}
}

// Start queues req and returns immediately. The run ID and session ID are
// generated when unset.
func (m *WorkflowManager) Start(req workflow.Request) (*RunningWorkflow, error) {
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}
	if req.SessionID == uuid.Nil {
		req.SessionID = uuid.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rw := &RunningWorkflow{
		ID:          req.RunID,
		SessionID:   req.SessionID,
		Question:    req.Question,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[*WorkflowSubscriber]struct{}),
	}
	rw.broadcast(m.log, WorkflowEvent{Type: EventWorkflowStarted, Data: startedEvent{RunID: rw.ID, SessionID: rw.SessionID}})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		cancel()
		metrics.WorkflowQueueRejections.Inc()
		return nil, ErrManagerStopped
	}
	m.running[rw.ID] = rw
	m.bySession[rw.SessionID] = rw.ID
	m.pool.Submit(func() { m.run(ctx, rw, req) })

	m.log.Info("handlers: queued workflow",
		"workflow_id", rw.ID,
		"session_id", rw.SessionID,
		"waiting", m.pool.WaitingTasks())
	return rw, nil
}

func (m *WorkflowManager) run(ctx context.Context, rw *RunningWorkflow, req workflow.Request) {
	var (
		turn *session.Turn
		err  error
	)
	defer func() {
		m.mu.Lock()
		delete(m.running, rw.ID)
		if m.bySession[rw.SessionID] == rw.ID {
			delete(m.bySession, rw.SessionID)
		}
		m.mu.Unlock()
		rw.cancel()
		rw.finish(turn, err)
	}()

	turn, err = m.runner.Run(ctx, req, func(ev workflow.Event) {
		rw.broadcast(m.log, WorkflowEvent{Type: EventStage, Data: ev})
	})

	switch {
	case turn == nil:
		m.log.Error("handlers: workflow did not start", "workflow_id", rw.ID, "error", err)
		rw.broadcast(m.log, WorkflowEvent{Type: EventError, Data: errorEvent{Error: userMessage(err)}})
	case err != nil:
		resp := NewQueryResponse(turn)
		rw.broadcast(m.log, WorkflowEvent{Type: EventError, Data: errorEvent{Error: turn.Error, Response: &resp}})
	default:
		rw.broadcast(m.log, WorkflowEvent{Type: EventDone, Data: doneEvent{Response: NewQueryResponse(turn)}})
	}
}

// Subscribe attaches to a running workflow. It returns nil when the
// workflow is not running.
func (m *WorkflowManager) Subscribe(workflowID uuid.UUID) *WorkflowSubscriber {
	m.mu.RLock()
	rw, exists := m.running[workflowID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}
	return m.subscribe(rw)
}

func (m *WorkflowManager) subscribe(rw *RunningWorkflow) *WorkflowSubscriber {
	sub := &WorkflowSubscriber{
		Events: make(chan WorkflowEvent, subscriberBuffer),
		Done:   make(chan struct{}),
	}
	rw.addSubscriber(sub)
	metrics.StreamSubscribers.Inc()
	return sub
}

// Unsubscribe detaches sub. The workflow keeps running.
func (m *WorkflowManager) Unsubscribe(rw *RunningWorkflow, sub *WorkflowSubscriber) {
	rw.removeSubscriber(sub)
	metrics.StreamSubscribers.Dec()
}

// Get returns a running workflow.
func (m *WorkflowManager) Get(workflowID uuid.UUID) (*RunningWorkflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rw, ok := m.running[workflowID]
	return rw, ok
}

// RunningForSession returns the latest workflow running for a session.
func (m *WorkflowManager) RunningForSession(sessionID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	return id, ok
}

// Cancel cancels a running workflow. The run still records its turn.
func (m *WorkflowManager) Cancel(workflowID uuid.UUID) bool {
	rw, ok := m.Get(workflowID)
	if !ok {
		return false
	}
	m.log.Info("handlers: cancelling workflow", "workflow_id", workflowID)
	rw.cancel()
	return true
}

// Stats reports pool occupancy.
func (m *WorkflowManager) Stats() PoolStats {
	return PoolStats{
		Running: m.pool.RunningWorkers(),
		Waiting: m.pool.WaitingTasks(),
	}
}

type PoolStats struct {
	Running int64  `json:"running"`
	Waiting uint64 `json:"waiting"`
}

// Shutdown stops accepting questions and waits for queued and running ones.
// When ctx expires first, the remaining runs are cancelled and awaited.
func (m *WorkflowManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.pool.StopAndWait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	m.mu.RLock()
	n := len(m.running)
	for _, rw := range m.running {
		rw.cancel()
	}
	m.mu.RUnlock()
	m.log.Warn("handlers: shutdown timed out, cancelled running workflows", "count", n)
	<-drained
	return fmt.Errorf("workflow manager shutdown: %w", ctx.Err())
}

// userMessage is the message shown for a run that never produced a turn.
func userMessage(err error) string {
	if pe, ok := pipeline.AsError(err); ok {
		return pe.Message
	}
	if errors.Is(err, workflow.ErrEmptyQuestion) {
		return err.Error()
	}
	return "The question could not be processed."
}

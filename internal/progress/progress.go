// Package progress publishes advisory task progress to a pub/sub sink.
package progress

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

type Event struct {
	TaskID     string `json:"task_id"`
	Message    string `json:"message"`
	Progress   int    `json:"progress"`
	Done       bool   `json:"done"`
	StatusCode string `json:"status_code,omitempty"`
}

// Sink delivers events for a client session. Delivery is best-effort.
type Sink interface {
	Publish(ctx context.Context, sessionID string, ev Event) error
}

// Checkpoint is a named point in an extraction with a fixed percentage.
type Checkpoint struct {
	Name     string
	Progress int
	Message  string
}

// Emitter publishes checkpoints for one extraction attempt. Each checkpoint
// is sent at most once and only if its percentage is above the last one
// sent; publish failures are logged and swallowed.
type Emitter struct {
	sink      Sink
	sessionID string
	taskID    string
	logger    *zap.Logger
	lo, span  int

	mu   sync.Mutex
	last int
	sent map[string]bool
	done bool
}

func NewEmitter(sink Sink, sessionID, taskID string, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{sink: sink, sessionID: sessionID, taskID: taskID, logger: logger, span: 100, last: -1, sent: map[string]bool{}}
}

// Band rescales checkpoint percentages into [lo, hi) so consecutive
// attempts of one task keep reporting increasing progress.
func (e *Emitter) Band(lo, hi int) *Emitter {
	if e == nil || hi <= lo {
		return e
	}
	e.lo, e.span = lo, hi-lo
	return e
}

// Emit reports whether the checkpoint was published.
func (e *Emitter) Emit(ctx context.Context, cp Checkpoint) bool {
	if e == nil {
		return false
	}
	pct := e.lo + cp.Progress*e.span/100
	e.mu.Lock()
	if e.done || e.sent[cp.Name] || pct <= e.last {
		e.mu.Unlock()
		return false
	}
	e.sent[cp.Name] = true
	e.last = pct
	e.mu.Unlock()

	e.publish(ctx, Event{TaskID: e.taskID, Message: cp.Message, Progress: pct})
	return true
}

// Finish publishes the single terminal event. Later calls are no-ops.
func (e *Emitter) Finish(ctx context.Context, success bool, message string) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return false
	}
	e.done = true
	e.mu.Unlock()

	status := StatusSuccess
	if !success {
		status = StatusFailure
	}
	e.publish(ctx, Event{TaskID: e.taskID, Message: message, Progress: 100, Done: true, StatusCode: status})
	return true
}

func (e *Emitter) publish(ctx context.Context, ev Event) {
	if e.sink == nil || e.sessionID == "" {
		return
	}
	if err := e.sink.Publish(ctx, e.sessionID, ev); err != nil {
		e.logger.Warn("progress: publish failed",
			zap.String("task_id", e.taskID), zap.Int("progress", ev.Progress), zap.Error(err))
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, Event) error { return nil }

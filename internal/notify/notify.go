// Package notify delivers engine notifications. Delivery is best-effort: a
// failed or dropped notification never affects the state change that caused it.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"innoflow/internal/metrics"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification types emitted by the engine.
const (
	TypeApprovalRequired  = "approval.required"
	TypeApprovalCompleted = "approval.completed"
	TypeApprovalRejected  = "approval.rejected"
	TypeMilestoneApproved = "milestone.approved"
	TypeTRLAssessed       = "trl.assessed"
	TypeEntityCreated     = "entity.created"
	TypeStatusChanged     = "entity.status_changed"
	TypeBudgetDecided     = "scaling.budget_decided"
	TypeIntegrationDone   = "scaling.integration_decided"
	TypePhaseAdvanced     = "scaling.phase_advanced"
)

type Notification struct {
	Type       string   `json:"type"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Priority   Priority `json:"priority"`
	EntityKind string   `json:"entity_kind"`
	EntityID   string   `json:"entity_id"`
	// Recipients are role ids or actor ids. Empty means broadcast.
	Recipients []string `json:"recipients,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// Sink delivers a notification synchronously.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"type", n.Type,
		"title", n.Title,
		"priority", n.Priority,
		"entity_kind", n.EntityKind,
		"entity_id", n.EntityID,
		"recipients", n.Recipients)
	return nil
}

const (
	defaultQueueSize = 256
	deliverTimeout   = 10 * time.Second
)

// Dispatcher queues notifications and delivers them on a background worker.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

func NewDispatcher(sink Sink, queueSize int, logger *slog.Logger, m *metrics.Recorder) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		metrics: m,
		queue:   make(chan Notification, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue never blocks. When the queue is full or closed the notification is dropped.
func (d *Dispatcher) Enqueue(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.drop(n, "closed")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue_full")
	}
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.logger.Warn("notification dropped", "reason", reason, "type", n.Type, "entity_kind", n.EntityKind, "entity_id", n.EntityID)
	d.metrics.NotificationFailed(reason)
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := d.sink.Notify(ctx, n); err != nil {
		d.logger.Warn("notification delivery failed", "type", n.Type, "entity_kind", n.EntityKind, "entity_id", n.EntityID, "error", err)
		d.metrics.NotificationFailed("sink_error")
	}
}

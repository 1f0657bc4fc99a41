package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/metrics"
	"eg4-assistant/internal/notify"
	"eg4-assistant/internal/portal"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/snapshot"
)

type EventStore interface {
	PutEvent(e *reading.Event) error
}

type Broadcaster interface {
	PublishEvent(e *reading.Event)
	Current() snapshot.Composite
}

type Sender interface {
	Notify(ctx context.Context, e *reading.Event, snap snapshot.Composite) error
}

// Dispatcher persists, broadcasts and mails events off the caller's
// goroutine. Emit never blocks; events beyond the backlog are dropped.
type Dispatcher struct {
	events chan *reading.Event
	store  EventStore
	bus    Broadcaster
	sender Sender
	now    func() time.Time
	log    *zap.Logger
}

func NewDispatcher(store EventStore, bus Broadcaster, sender Sender, backlog int, log *zap.Logger) *Dispatcher {
	if backlog <= 0 {
		backlog = 128
	}
	return &Dispatcher{
		events: make(chan *reading.Event, backlog),
		store:  store,
		bus:    bus,
		sender: sender,
		now:    time.Now,
		log:    log,
	}
}

func (d *Dispatcher) Emit(e *reading.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now()
	}
	select {
	case d.events <- e:
	default:
		d.log.Warn("event backlog full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.String("message", e.Message),
		)
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-d.events:
			d.handle(ctx, e)
		}
	}
}

// shouldMail is true for threshold alerts and critical diagnostics.
func shouldMail(e *reading.Event) bool {
	return e.Kind.IsAlert() || e.Severity == reading.SeverityCritical
}

func (d *Dispatcher) handle(ctx context.Context, e *reading.Event) {
	metrics.AlertsTotal.WithLabelValues(string(e.Kind)).Inc()

	if err := d.store.PutEvent(e); err != nil {
		metrics.StoreErrors.Inc()
		d.log.Error("failed to store event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
	d.bus.PublishEvent(e)
	d.log.Info("event",
		zap.String("kind", string(e.Kind)),
		zap.String("severity", string(e.Severity)),
		zap.String("portal", string(e.Portal)),
		zap.String("message", e.Message),
	)

	if !shouldMail(e) || d.sender == nil {
		return
	}
	err := d.sender.Notify(ctx, e, d.bus.Current())
	if err == nil || errors.Is(err, notify.ErrSkipped) || ctx.Err() != nil {
		return
	}
	metrics.NotifyFailures.Inc()
	d.log.Error("notification failed", zap.Error(err))
	d.Emit(&reading.Event{
		Timestamp: d.now(),
		Kind:      reading.EventError,
		Severity:  reading.SeverityError,
		Message:   fmt.Sprintf("could not send %s notification: %v", e.Kind, err),
		Portal:    e.Portal,
		Context:   map[string]any{"error_kind": portal.NotifyError.String()},
	})
}

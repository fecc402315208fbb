// Package notify fans market events out to the process's collaborators:
// the journal, the WebSocket hub and the cross-instance brokers.
//
// The market calls Dispatcher.Notify while its owner holds the trade lock,
// so Notify never blocks: events are queued on a buffered channel and
// dropped when it is full. Sinks run on the dispatcher's goroutine.
package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/atmx/fx-market/internal/metrics"
	"github.com/atmx/fx-market/internal/model"
)

// Sink consumes market events.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, e model.Event) error
}

func (s SinkFunc) Name() string { return s.ID }

func (s SinkFunc) Handle(ctx context.Context, e model.Event) error { return s.Fn(ctx, e) }

// Dispatcher queues events and delivers each to every sink in order.
type Dispatcher struct {
	events  chan model.Event
	sinks   []Sink
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		events: make(chan model.Event, buffer),
		sinks:  sinks,
		logger: logger,
	}
}

// Notify queues e. It implements market.Notifier.
func (d *Dispatcher) Notify(e model.Event) {
	select {
	case d.events <- e:
	default:
		// Drop if buffer full to avoid blocking the market.
		d.dropped.Add(1)
		metrics.EventsDropped.Inc()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Run delivers queued events until ctx is cancelled. Must be called in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.events:
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e model.Event) {
	for _, s := range d.sinks {
		if err := s.Handle(ctx, e); err != nil {
			metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
			d.logger.Warn("event delivery failed",
				"sink", s.Name(),
				"type", string(e.Type),
				"token", e.Token,
				"err", err,
			)
		}
	}
}

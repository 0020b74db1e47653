// Package alert fans incident events out to notifier sinks. Delivery is
// asynchronous and best-effort: a failing sink never blocks or fails the
// component that raised the alert.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Dennicka/propbot-sub002/internal/core"
	"github.com/Dennicka/propbot-sub002/pkg/concurrency"
)

// Severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is one incident.
type Event struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Detail   string            `json:"detail,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Ctx      map[string]string `json:"ctx,omitempty"`
	Ts       time.Time         `json:"ts"`
}

// Sink delivers events somewhere: a chat webhook, a pager, a log.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Dispatcher multiplexes events to all registered sinks on a worker pool.
type Dispatcher struct {
	sinks  []Sink
	pool   *concurrency.WorkerPool
	now    func() time.Time
	logger core.ILogger
}

// NewDispatcher creates a dispatcher with the given sinks.
func NewDispatcher(logger core.ILogger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks: sinks,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  4,
			MaxCapacity: 256,
			NonBlocking: true,
		}, logger),
		now:    time.Now,
		logger: logger.WithField("component", "alerts"),
	}
}

// Emit queues an event for delivery to every sink. Never blocks the caller.
func (d *Dispatcher) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Ts.IsZero() {
		e.Ts = d.now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	for _, sink := range d.sinks {
		sink := sink
		err := d.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Deliver(ctx, e); err != nil {
				d.logger.Error("Alert delivery failed",
					"sink", sink.Name(), "event_id", e.ID, "kind", e.Kind, "error", err)
			}
		})
		if err != nil {
			d.logger.Warn("Alert queue full, event dropped",
				"sink", sink.Name(), "event_id", e.ID, "kind", e.Kind)
		}
	}
}

// Close drains pending deliveries.
func (d *Dispatcher) Close() { d.pool.Stop() }

// LogSink writes events to the structured log. Always registered so incidents
// are never lost even with no external notifier configured.
type LogSink struct {
	logger core.ILogger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger core.ILogger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "alert_log_sink")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, e Event) error {
	fields := []interface{}{
		"event_id", e.ID, "kind", e.Kind, "title", e.Title, "detail", e.Detail,
	}
	switch e.Severity {
	case SeverityCritical, SeverityError:
		s.logger.Error("Incident", fields...)
	case SeverityWarn:
		s.logger.Warn("Incident", fields...)
	default:
		s.logger.Info("Incident", fields...)
	}
	return nil
}

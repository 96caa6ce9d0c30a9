// Package notify publishes settlement events to riders, drivers and
// downstream consumers. Publishing happens after commit and never blocks
// or fails a settlement: a full queue drops the event and counts it.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/carpool/internal/idgen"
	"github.com/mbd888/carpool/internal/metrics"
	"github.com/mbd888/carpool/internal/money"
)

// EventType names a settlement event.
type EventType string

const (
	EventEscrowOpened  EventType = "escrow.opened"
	EventTripSettled   EventType = "trip.settled"
	EventRefundIssued  EventType = "refund.issued"
	EventPairingFrozen EventType = "pairing.frozen"
)

// Event is one settlement notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	PairingID string    `json:"pairingId"`
	EscrowID  string    `json:"escrowId,omitempty"`
	UserIDs   []string  `json:"userIds"`
	Amount    string    `json:"amount,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(typ EventType, pairingID, escrowID string, amount money.Amount, outcome string, userIDs ...string) *Event {
	ev := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      typ,
		PairingID: pairingID,
		EscrowID:  escrowID,
		UserIDs:   userIDs,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
	if amount != 0 {
		ev.Amount = amount.String()
	}
	return ev
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *Event) error
}

// Emitter queues events and fans them out to sinks on a worker goroutine.
type Emitter struct {
	sinks   []Sink
	queue   chan *Event
	logger  *slog.Logger
	timeout time.Duration
	done    chan struct{}
}

// NewEmitter creates an emitter with the given queue size.
func NewEmitter(logger *slog.Logger, buffer int, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		sinks:   sinks,
		queue:   make(chan *Event, buffer),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Emit queues ev. It never blocks; a nil emitter discards.
func (e *Emitter) Emit(ev *Event) {
	if e == nil || ev == nil {
		return
	}
	select {
	case e.queue <- ev:
	default:
		metrics.EventsTotal.WithLabelValues("queue", "dropped").Inc()
		e.logger.Warn("event queue full, dropping event", "type", ev.Type, "pairing_id", ev.PairingID)
	}
}

// Run delivers queued events until ctx is done, then flushes what is left
// in the queue. Call in a goroutine.
func (e *Emitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		err := s.Publish(ctx, ev)
		cancel()
		if err != nil {
			metrics.EventsTotal.WithLabelValues(s.Name(), "failed").Inc()
			e.logger.Warn("event publish failed", "sink", s.Name(), "type", ev.Type, "event_id", ev.ID, "error", err)
			continue
		}
		metrics.EventsTotal.WithLabelValues(s.Name(), "published").Inc()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, ev *Event) error {
	s.logger.Info("settlement event",
		"event_id", ev.ID, "type", ev.Type, "pairing_id", ev.PairingID,
		"escrow_id", ev.EscrowID, "amount", ev.Amount, "outcome", ev.Outcome)
	return nil
}

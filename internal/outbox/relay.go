package outbox

import (
	"context"
	"log"
	"time"
)

// BusPublisher delivers a message body to a named stream.
type BusPublisher interface {
	Publish(ctx context.Context, stream string, values map[string]any) error
}

// RelayConfig tunes the recurring outbox relay.
type RelayConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	// StaleAfter is how long a message may sit in publishing before it
	// is treated as a crashed delivery and picked up again.
	StaleAfter time.Duration
}

// Relay drains pending outbox messages to the bus on a fixed interval.
type Relay struct {
	store    Store
	bus      BusPublisher
	route    func(eventType string) string
	cfg      RelayConfig
	logf     func(format string, args ...any)
	observer Observer
}

// Observer receives relay telemetry.
type Observer interface {
	OutboxPublished()
	OutboxAttemptFailed()
}

type nopObserver struct{}

func (nopObserver) OutboxPublished()     {}
func (nopObserver) OutboxAttemptFailed() {}

// NewRelay constructs a relay. route maps an event type to its target
// stream; a nil route publishes to the event type itself.
func NewRelay(store Store, bus BusPublisher, route func(eventType string) string, cfg RelayConfig, logf func(format string, args ...any)) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Minute
	}
	if route == nil {
		route = func(eventType string) string { return eventType }
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Relay{
		store:    store,
		bus:      bus,
		route:    route,
		cfg:      cfg,
		logf:     logf,
		observer: nopObserver{},
	}
}

// SetObserver attaches relay telemetry.
func (r *Relay) SetObserver(obs Observer) {
	if obs != nil {
		r.observer = obs
	}
}

// Run drains the outbox until the context ends. It reads from durable
// storage each cycle, so it survives restarts between cycles.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Cycle(ctx); err != nil {
				r.logf("outbox cycle: %v", err)
			}
		}
	}
}

// Cycle performs one fetch-and-deliver pass.
func (r *Relay) Cycle(ctx context.Context) error {
	batch, err := r.store.FetchDue(ctx, r.cfg.BatchSize, r.cfg.StaleAfter)
	if err != nil {
		return err
	}

	for _, msg := range batch {
		stream := r.route(msg.EventType)
		err := r.bus.Publish(ctx, stream, map[string]any{
			"message_id":   msg.ID,
			"aggregate_id": msg.AggregateID,
			"event_type":   msg.EventType,
			"payload":      string(msg.Payload),
		})
		if err != nil {
			r.logf("outbox publish %s (%s): %v", msg.ID, msg.EventType, err)
			r.observer.OutboxAttemptFailed()
			if markErr := r.store.MarkFailedAttempt(ctx, msg.ID, r.cfg.MaxRetries); markErr != nil {
				r.logf("outbox mark failed %s: %v", msg.ID, markErr)
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, msg.ID); err != nil {
			// The broker has the event; the next cycle will re-deliver
			// and consumers dedup on message id.
			r.logf("outbox mark published %s: %v", msg.ID, err)
			continue
		}
		r.observer.OutboxPublished()
	}
	return nil
}

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/store"
)

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts is the number of failed publishes after which a message is
	// marked failed and no longer retried.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    100,
		MaxAttempts:  10,
		BaseBackoff:  time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

// Relay polls pending outbox messages and hands them to a Publisher.
type Relay struct {
	store     store.OutboxStore
	publisher Publisher
	cfg       RelayConfig
	clock     clock.WithTicker
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. Zero config fields take their defaults.
func NewRelay(s store.OutboxStore, p Publisher, cfg RelayConfig, c clock.WithTicker, logger *slog.Logger) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: s, publisher: p, cfg: cfg, clock: c, logger: logger}
}

// Start launches the background publish loop.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay already started")
	}
	relayCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(relayCtx)
	r.logger.Info("outbox relay started", slog.Duration("interval", r.cfg.PollInterval))
	return nil
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.tick(ctx)
		}
	}
}

func (r *Relay) tick(ctx context.Context) {
	if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("outbox relay: flush failed", slog.String("error", err.Error()))
	}
}

// Flush publishes one batch of due messages and returns how many were published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	msgs, err := r.store.ListPendingOutbox(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending outbox: %w", err)
	}

	published := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.markFailed(ctx, msg, err)
			continue
		}
		if err := r.store.MarkOutboxPublished(ctx, msg.ID, r.clock.Now().UTC()); err != nil {
			return published, fmt.Errorf("mark outbox %s published: %w", msg.ID, err)
		}
		published++
	}
	return published, nil
}

func (r *Relay) markFailed(ctx context.Context, msg *store.OutboxMessage, pubErr error) {
	attempt := msg.Attempts + 1
	giveUp := attempt >= r.cfg.MaxAttempts
	retryAt := r.clock.Now().UTC().Add(Backoff(r.cfg.BaseBackoff, r.cfg.MaxBackoff, msg.Attempts))

	log := r.logger.With(
		slog.String("message_id", msg.ID),
		slog.String("event_type", msg.EventType),
		slog.Int("attempt", attempt),
		slog.String("error", pubErr.Error()),
	)
	if giveUp {
		log.Error("outbox relay: giving up on message")
	} else {
		log.Warn("outbox relay: publish failed, will retry", slog.Time("retry_at", retryAt))
	}

	if err := r.store.MarkOutboxFailed(ctx, msg.ID, pubErr.Error(), retryAt, giveUp); err != nil {
		log.Error("outbox relay: mark failed", slog.String("store_error", err.Error()))
	}
}

// Stop cancels the loop and waits for the in-progress batch.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	done := r.done
	r.mu.Unlock()

	<-done

	r.mu.Lock()
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	r.logger.Info("outbox relay stopped")
	return nil
}

// Backoff returns base * 2^attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

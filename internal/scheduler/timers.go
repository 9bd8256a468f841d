// Package scheduler fires durable timers whose due time has passed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Signaler delivers timer signals. engine.Executor satisfies it.
type Signaler interface {
	Signal(ctx context.Context, req schema.SignalRequest) (*engine.RunInfo, error)
}

// Config tunes the poller.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

// DefaultConfig returns the poller defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
		Workers:      4,
	}
}

// TimerPoller lists due timers and signals their runs over a bounded pool.
// A timer is never signalled twice concurrently; the executor's revision
// check and the signal's idempotency key make repeated deliveries no-ops.
type TimerPoller struct {
	timers   store.TimerStore
	signaler Signaler
	cfg      Config
	clock    clock.WithTicker
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	pool   *Pool

	inflightMu sync.Mutex
	inflight   map[string]struct{} // signal names being delivered
}

// NewTimerPoller creates a poller. Zero config fields take their defaults.
func NewTimerPoller(timers store.TimerStore, signaler Signaler, cfg Config, c clock.WithTicker, logger *slog.Logger) *TimerPoller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerPoller{
		timers:   timers,
		signaler: signaler,
		cfg:      cfg,
		clock:    c,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the polling loop.
func (p *TimerPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("timer poller already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.pool = NewPool(p.cfg.Workers, func(err error) {
		p.logger.Error("timer delivery failed", slog.String("error", err.Error()))
	})
	pool := p.pool
	p.mu.Unlock()

	go p.loop(loopCtx, pool)
	p.logger.Info("timer poller started", slog.Duration("interval", p.cfg.PollInterval), slog.Int("workers", p.cfg.Workers))
	return nil
}

func (p *TimerPoller) loop(ctx context.Context, pool *Pool) {
	defer close(p.done)

	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Overdue timers from before a restart fire on the first tick.
	p.tick(ctx, pool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.tick(ctx, pool)
		}
	}
}

// tick dispatches every due timer not already in flight.
func (p *TimerPoller) tick(ctx context.Context, pool *Pool) int {
	due, err := p.timers.ListDueTimers(ctx, p.clock.Now().UTC(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("failed to list due timers", slog.String("error", err.Error()))
		return 0
	}

	dispatched := 0
	for _, t := range due {
		if !p.tryAcquire(t.SignalName) {
			continue
		}
		timer := t
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			defer p.release(timer.SignalName)
			return p.fire(ctx, timer)
		}); err != nil {
			p.release(t.SignalName)
			if ctx.Err() == nil {
				p.logger.Warn("timer dispatch rejected", slog.String("signal", t.SignalName), slog.String("error", err.Error()))
			}
			return dispatched
		}
		dispatched++
	}
	return dispatched
}

// fire signals the timer's run. A timer is retired without a resume only
// once its run has moved past the step that armed it.
func (p *TimerPoller) fire(ctx context.Context, t *store.Timer) error {
	info, err := p.signaler.Signal(ctx, schema.SignalRequest{
		Name:           t.SignalName,
		RunID:          t.RunID,
		StepID:         t.StepID,
		IdempotencyKey: TimerIdempotencyKey(t),
	})
	switch {
	case schema.IsCode(err, schema.ErrCodeNotFound):
		p.logger.Warn("timer run not found, retiring timer", slog.String("signal", t.SignalName))
	case err != nil:
		return fmt.Errorf("signal %s: %w", t.SignalName, err)
	case !info.Ignored:
		p.logger.Debug("timer fired", slog.String("signal", t.SignalName), slog.String("run_status", string(info.Status)))
		return nil
	case !movedPast(info, t):
		p.logger.Debug("timer signal ignored, run still at step",
			slog.String("signal", t.SignalName), slog.String("reason", info.Reason))
		return nil
	default:
		p.logger.Info("timer signal ignored, retiring timer",
			slog.String("signal", t.SignalName), slog.String("reason", info.Reason))
	}

	if _, err := p.timers.RetireTimer(ctx, t.SignalName, t.ID, p.clock.Now().UTC()); err != nil {
		return fmt.Errorf("retire timer %s: %w", t.SignalName, err)
	}
	return nil
}

// TimerIdempotencyKey identifies one arming of a timer. A step visited again
// re-arms its timer under a new id, so each visit resumes once.
func TimerIdempotencyKey(t *store.Timer) string {
	return t.SignalName + ":" + t.ID
}

func movedPast(info *engine.RunInfo, t *store.Timer) bool {
	if info.Status.Terminal() || info.CurrentStepID != t.StepID {
		return true
	}
	return info.Status == schema.RunStatusPaused && info.AwaitingSignal != t.SignalName
}

func (p *TimerPoller) tryAcquire(name string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[name]; ok {
		return false
	}
	p.inflight[name] = struct{}{}
	return true
}

func (p *TimerPoller) release(name string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, name)
}

// Stop ends the loop and waits for in-flight deliveries.
func (p *TimerPoller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.pool.Shutdown()
	p.cancel = nil
	p.done = nil
	p.pool = nil

	p.logger.Info("timer poller stopped")
	return nil
}

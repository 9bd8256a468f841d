package apiproxy

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rendis/stepflow/pkg/schema"
)

// CircuitState is the state of a per-method circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures when a method's circuit opens and how it recovers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	Cooldown         time.Duration // time spent open before a trial call is let through
	HalfOpenMax      int           // trial calls allowed while half-open
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	trials      int
}

// Breakers tracks one circuit per API method. A disabled threshold (<= 0)
// never opens.
type Breakers struct {
	cfg   BreakerConfig
	clock clock.PassiveClock

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewBreakers(cfg BreakerConfig, clk clock.PassiveClock) *Breakers {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{cfg: cfg, clock: clk, breakers: make(map[string]*breaker)}
}

// Allow returns a CIRCUIT_OPEN error when calls to method are currently rejected.
func (b *Breakers) Allow(method string) error {
	cb := b.get(method)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if b.clock.Since(cb.lastFailure) < b.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for api method %q after %d consecutive failures", method, cb.failures).
				WithDetails(map[string]any{"method": method, "consecutive_failures": cb.failures})
		}
		cb.state = CircuitHalfOpen
		cb.trials = 1
	case CircuitHalfOpen:
		if cb.trials >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for api method %q: trial in progress", method)
		}
		cb.trials++
	}
	return nil
}

func (b *Breakers) Success(method string) {
	cb := b.get(method)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.trials = 0
	cb.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state.
func (b *Breakers) Failure(method string) CircuitState {
	cb := b.get(method)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = b.clock.Now()
	if cb.state == CircuitHalfOpen || (b.cfg.FailureThreshold > 0 && cb.failures >= b.cfg.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

func (b *Breakers) State(method string) CircuitState {
	cb := b.get(method)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && b.clock.Since(cb.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

func (b *Breakers) get(method string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[method]
	if !ok {
		cb = &breaker{}
		b.breakers[method] = cb
	}
	return cb
}

package stage

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/storyflowhq/storyflow/internal/proc"
)

// DelayConfig paces the gap between failed attempts of one stage.
type DelayConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultDelayConfig returns the default inter-attempt pacing.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		InitialInterval:     time.Second,
		MaxInterval:         15 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff builds a fresh exponential policy for one stage execution.
func (c DelayConfig) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.InitialInterval
	policy.MaxInterval = c.MaxInterval
	policy.Multiplier = c.Multiplier
	policy.RandomizationFactor = c.RandomizationFactor
	policy.MaxElapsedTime = 0 // attempts are bounded by RetryPolicy, not time
	return policy
}

// errLaunch marks results where the agent binary could not even start;
// these are the only failures the circuit breaker counts. A non-zero exit
// is the agent doing its job and must not trip anything.
var errLaunch = errors.New("process launch failed")

// BreakerRegistry keeps one circuit breaker per executable name. Repeated
// inability to start a binary (missing executable, permissions) trips the
// breaker so later stages fail fast instead of burning their attempt
// budgets on a dead command.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty breaker registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Launch breaker %q: %s -> %s", name, from, to)
		},
	})
	r.breakers[name] = cb
	return cb
}

// Run executes fn under the breaker for the given executable name. When the
// breaker is open the invocation is skipped entirely and a synthesized
// launch-failure result is returned.
func (r *BreakerRegistry) Run(name string, fn func() proc.TaskResult) proc.TaskResult {
	cb := r.get(name)

	out, err := cb.Execute(func() (interface{}, error) {
		res := fn()
		if !res.Launched && res.Status == proc.StatusFailed {
			return res, errLaunch
		}
		return res, nil
	})

	if res, ok := out.(proc.TaskResult); ok {
		return res
	}
	// Breaker refused the call (open or half-open saturation).
	return proc.TaskResult{
		Error:    fmt.Sprintf("launch circuit open for %q: %v", name, err),
		ExitCode: -1,
		Status:   proc.StatusFailed,
	}
}

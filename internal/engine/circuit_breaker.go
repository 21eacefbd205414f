package engine

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vallit/flowexec/internal/expressions"

	"github.com/vallit/flowexec/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls rejected until cooldown elapses
	CircuitHalfOpen                     // probing recovery
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

// BreakerStepTypes are the step types that call external collaborators and
// therefore run behind a breaker.
var BreakerStepTypes = map[schema.StepType]bool{
	schema.StepTypeAIAnalysis:     true,
	schema.StepTypeExternalAction: true,
	schema.StepTypeWebhook:        true,
}

// BreakerKey names the collaborator a guarded step calls. Webhook steps are
// keyed by the host they call; the other guarded types share one
// collaborator per process.
type BreakerKey struct {
	StepType schema.StepType
	Target   string
}

func (k BreakerKey) String() string {
	if k.Target == "" {
		return string(k.StepType)
	}
	return string(k.StepType) + ":" + k.Target
}

// breakerKeyFor returns the breaker that guards step, and false when the
// step type runs unguarded.
func breakerKeyFor(step *schema.StepDefinition, scope expressions.Lookuper) (BreakerKey, bool) {
	if !BreakerStepTypes[step.Type] {
		return BreakerKey{}, false
	}
	key := BreakerKey{StepType: step.Type}
	if step.Type == schema.StepTypeWebhook {
		raw, _ := expressions.ResolveValue(step.Config["url"], scope).(string)
		if u, err := url.Parse(strings.TrimSpace(raw)); err == nil {
			key.Target = strings.ToLower(u.Host)
		}
	}
	return key, true
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used when none is given.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	openedAt         time.Time
	probeAt          time.Time
	halfOpenAttempts int
}

// CircuitBreakerRegistry holds one breaker per BreakerKey. Breakers are shared
// across runs so a failing collaborator is shed by every workflow using it,
// while a healthy one stays reachable.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[BreakerKey]*circuitBreaker
	config   CircuitBreakerConfig
	onOpen   func(ctx context.Context, key BreakerKey, failures int)
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero config fields take defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[BreakerKey]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnOpen registers a callback invoked (outside the breaker lock) whenever a
// breaker transitions to open.
func (r *CircuitBreakerRegistry) OnOpen(fn func(ctx context.Context, key BreakerKey, failures int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

// Allow reports whether a step may call the collaborator behind key. It returns a
// CIRCUIT_OPEN FlowError while the breaker is open.
func (r *CircuitBreakerRegistry) Allow(key BreakerKey) error {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.openedAt)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			cb.probeAt = r.now()
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %s after %d consecutive failures", key, cb.failures).
			WithDetails(map[string]any{
				"step_type":            string(key.StepType),
				"target":               key.Target,
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		// A probe that never reported back (cancelled run) frees its slot
		// after one cooldown.
		if cb.halfOpenAttempts >= r.config.HalfOpenMax && r.now().Sub(cb.probeAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %s: probe in flight", key)
		}
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			cb.halfOpenAttempts = 0
		}
		cb.halfOpenAttempts++
		cb.probeAt = r.now()
	}
	return nil
}

// RecordSuccess closes the breaker for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key BreakerKey) {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(ctx context.Context, key BreakerKey) CircuitState {
	cb := r.get(key)
	cb.mu.Lock()
	cb.failures++
	opened := false
	if cb.state == CircuitHalfOpen || (cb.state == CircuitClosed && cb.failures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
		cb.openedAt = r.now()
		opened = true
	}
	state, failures := cb.state, cb.failures
	cb.mu.Unlock()

	if opened {
		r.mu.Lock()
		hook := r.onOpen
		r.mu.Unlock()
		if hook != nil {
			hook(ctx, key, failures)
		}
	}
	return state
}

// State returns the current state of the breaker for key, moving an
// expired open breaker to half-open.
func (r *CircuitBreakerRegistry) State(key BreakerKey) CircuitState {
	cb := r.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.openedAt) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information for every breaker seen so far.
func (r *CircuitBreakerRegistry) Stats() map[string]any {
	r.mu.Lock()
	keys := make([]BreakerKey, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		cb := r.get(k)
		cb.mu.Lock()
		out[k.String()] = map[string]any{
			"state":                cb.state.String(),
			"consecutive_failures": cb.failures,
			"failure_threshold":    r.config.FailureThreshold,
			"cooldown":             r.config.Cooldown.String(),
		}
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) get(key BreakerKey) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[key] = cb
	}
	return cb
}

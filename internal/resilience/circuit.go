// Package resilience provides the per-artifact-type circuit breaker and the
// retry helpers used for read-only calls to the notebook CLI.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/artifact-guard/internal/model"
)

// CircuitState represents the derived state of a breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Attempts flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the failure streak hit the threshold and the cooldown
	// has not elapsed. Attempts are skipped.
	CircuitOpen
	// CircuitHalfOpen means the cooldown elapsed but the streak was never
	// cleared by a success. One more failure reopens the breaker.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *CircuitState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half-open":
		*s = CircuitHalfOpen
	default:
		return eris.Errorf("resilience: unknown circuit state %q", text)
	}
	return nil
}

// CircuitBreakerConfig controls breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Zero disables tripping. Default: 3.
	FailureThreshold int

	// Cooldown is how long the breaker stays open, measured from the most
	// recent failure. Default: 90m.
	Cooldown time.Duration

	// OnStateChange is called when a recorded outcome changes the derived
	// state of an artifact type's breaker.
	OnStateChange func(t model.ArtifactType, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the defaults used by the CLI.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         90 * time.Minute,
	}
}

// Breakers manages one breaker per artifact type over persisted state. A
// breaker for one type never affects another.
type Breakers struct {
	cfg    CircuitBreakerConfig
	mu     sync.Mutex
	states model.BreakerMap
}

// NewBreakers wraps the persisted breaker map. The map is copied.
func NewBreakers(cfg CircuitBreakerConfig, states model.BreakerMap) *Breakers {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if states == nil {
		states = make(model.BreakerMap)
	}
	return &Breakers{cfg: cfg, states: states.Clone()}
}

// IsOpen reports whether attempts for t must be skipped at now.
func (b *Breakers) IsOpen(t model.ArtifactType, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return isOpen(b.states[t], now)
}

// OpenFor returns the remaining cooldown for t, or zero when not open.
func (b *Breakers) OpenFor(t model.ArtifactType, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.states[t]
	if !isOpen(st, now) {
		return 0
	}
	return st.OpenUntil.Sub(now)
}

// State returns the derived state for t at now.
func (b *Breakers) State(t model.ArtifactType, now time.Time) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.states[t], now)
}

// RecordOutcome folds one executed attempt into the breaker for t. It
// returns true when this failure opened (or re-opened) the breaker.
func (b *Breakers) RecordOutcome(t model.ArtifactType, success bool, now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.states[t]
	from := b.stateLocked(st, now)
	at := now

	if success {
		st.ConsecutiveFailures = 0
		st.OpenUntil = nil
		st.LastSuccessAt = &at
	} else {
		st.ConsecutiveFailures++
		st.LastFailureAt = &at
		if b.cfg.FailureThreshold > 0 && st.ConsecutiveFailures >= b.cfg.FailureThreshold {
			until := now.Add(b.cfg.Cooldown)
			st.OpenUntil = &until
			opened = true
		}
	}
	b.states[t] = st

	if to := b.stateLocked(st, now); to != from && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(t, from, to)
	}
	return opened
}

// Reset clears the breaker for t.
func (b *Breakers) Reset(t model.ArtifactType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.states[t]
	st.ConsecutiveFailures = 0
	st.OpenUntil = nil
	b.states[t] = st
}

// ResetAll clears every breaker, keeping the informational timestamps.
func (b *Breakers) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, st := range b.states {
		st.ConsecutiveFailures = 0
		st.OpenUntil = nil
		b.states[t] = st
	}
}

// Get returns a copy of the state for t.
func (b *Breakers) Get(t model.ArtifactType) model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[t]
}

// Snapshot returns a copy of all breaker states for persistence.
func (b *Breakers) Snapshot() model.BreakerMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states.Clone()
}

// States returns the derived state of every known breaker.
func (b *Breakers) States(now time.Time) map[model.ArtifactType]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[model.ArtifactType]CircuitState, len(b.states))
	for t, st := range b.states {
		out[t] = b.stateLocked(st, now)
	}
	return out
}

func (b *Breakers) stateLocked(st model.BreakerState, now time.Time) CircuitState {
	if isOpen(st, now) {
		return CircuitOpen
	}
	if st.OpenUntil != nil && b.cfg.FailureThreshold > 0 && st.ConsecutiveFailures >= b.cfg.FailureThreshold {
		return CircuitHalfOpen
	}
	return CircuitClosed
}

func isOpen(st model.BreakerState, now time.Time) bool {
	return st.OpenUntil != nil && now.Before(*st.OpenUntil)
}

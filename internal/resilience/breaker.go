package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrNoEndpointAvailable = errors.New("no endpoint available")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// FailureThreshold is the consecutive failure count that trips the breaker
	FailureThreshold int
	// RecoveryTimeout is the period of the open state until transitioning to half-open
	RecoveryTimeout time.Duration
	// Interval is the cyclic period of the closed state to clear internal counts
	Interval time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
}

// Counts holds the statistics for the circuit breaker
type Counts struct {
	TotalSuccesses      uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

// Breaker isolates one endpoint behind the circuit breaker pattern.
//
// Unlike a request-scoped breaker, attempts here are long-lived: the
// caller asks for permission with Allow and reports the outcome later
// via RecordSuccess/RecordFailure. In half-open state exactly one trial
// attempt is admitted at a time; the slot is held until its outcome is
// reported.
type Breaker struct {
	name     string
	settings Settings
	clk      clock.Clock

	mu            sync.Mutex
	state         State
	counts        Counts
	openedAt      time.Time
	windowExpiry  time.Time
	trialInFlight bool
	lastSuccessAt time.Time
}

// New creates a new circuit breaker with the given settings
func New(name string, settings Settings, clk clock.Clock) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout == 0 {
		settings.RecoveryTimeout = 30 * time.Second
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Breaker{
		name:         name,
		settings:     settings,
		clk:          clk,
		state:        StateClosed,
		windowExpiry: clk.Now().Add(settings.Interval),
	}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a new attempt against this endpoint may proceed.
// In half-open state a positive answer reserves the single trial slot;
// the caller must follow up with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refreshState(b.clk.Now()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful operation through this endpoint.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.counts.TotalSuccesses++
	b.counts.ConsecutiveFailures = 0
	b.lastSuccessAt = now

	if b.refreshState(now) == StateHalfOpen {
		b.trialInFlight = false
		b.setState(StateClosed, now)
	}
}

// RecordFailure reports a failed operation through this endpoint.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++

	switch b.refreshState(now) {
	case StateClosed:
		if int(b.counts.ConsecutiveFailures) >= b.settings.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Failed trial, restart the recovery timeout
		b.trialInFlight = false
		b.setState(StateOpen, now)
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshState(b.clk.Now())
}

// Counts returns a copy of the internal counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// LastSuccessAt returns when the endpoint last served a successful operation.
func (b *Breaker) LastSuccessAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSuccessAt
}

// RetryAt returns when an open breaker becomes eligible for a trial.
// Zero when the breaker is not open.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refreshState(b.clk.Now()) != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.settings.RecoveryTimeout)
}

// refreshState applies time-driven transitions and returns the state.
// Caller must hold b.mu.
func (b *Breaker) refreshState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.windowExpiry.IsZero() && b.windowExpiry.Before(now) {
			b.counts = Counts{}
			b.windowExpiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		if !b.openedAt.Add(b.settings.RecoveryTimeout).After(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

// setState changes the state of the circuit breaker. Caller must hold b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}

	switch state {
	case StateClosed:
		b.windowExpiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.trialInFlight = false
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

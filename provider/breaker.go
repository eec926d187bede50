package provider

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vvtv/llmpool/types"
)

// State is one of the three circuit-breaker states (spec §3, §4.3).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// BreakerConfig parameterizes one provider's breaker (spec §4.3).
type BreakerConfig struct {
	// FailRate is the failure-rate threshold F in (0,1).
	FailRate float64
	// Window is the sliding outcome window size W.
	Window int
	// Cooldown is the Open-state duration D before a HalfOpen probe
	// is admitted.
	Cooldown time.Duration
	// OnStateChange is an optional observability hook.
	OnStateChange func(provider string, from, to State)
}

func (c BreakerConfig) sanitized() BreakerConfig {
	if c.FailRate <= 0 || c.FailRate > 1 {
		c.FailRate = 0.5
	}
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker is a per-provider circuit breaker guarding calls with a
// sliding failure-rate window (spec §4.3). Unlike a consecutive-failure
// counter, the trip decision is "W samples observed AND failure rate
// over those W samples >= FailRate".
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger *zap.Logger

	mu    sync.Mutex
	state State
	until time.Time // valid only while state == StateOpen

	ring    []bool // true = failure
	ringPos int
	filled  int // number of valid samples in ring, <= len(ring)

	// halfOpenInFlight implements "admit exactly one probe" via a
	// single compare-and-swap, per the design note that a mutex-guarded
	// FSM plus a CAS boolean suffices without a lock-free breaker.
	halfOpenInFlight atomic.Bool
}

// NewBreaker constructs a Closed breaker for the named provider.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	cfg = cfg.sanitized()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
		ring:   make([]bool, cfg.Window),
	}
}

// MayAttempt reports whether a call may proceed. It returns a
// types.Error{Code: ErrCircuitBreakerOpen} when rejected.
func (b *Breaker) MayAttempt() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Now().Before(b.until) {
			return types.NewError(types.ErrCircuitBreakerOpen, "provider breaker open").WithProvider(b.name)
		}
		b.setState(StateHalfOpen)
		b.halfOpenInFlight.Store(false)
		// fall through to admit the first probe below

	case StateHalfOpen:
		// handled below
	}

	// StateHalfOpen (either just transitioned into, or already there):
	// admit exactly one probe via CAS.
	if !b.halfOpenInFlight.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCircuitBreakerOpen, "provider breaker half-open probe in flight").WithProvider(b.name)
	}
	return nil
}

// Record reports the outcome of an admitted call. Calls that were
// cancelled before completion must never reach Record (spec §5: "A
// cancelled provider call must not record an outcome on its breaker").
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight.Store(false)
		if failure {
			b.openFrom(StateHalfOpen)
		} else {
			b.setState(StateClosed)
			b.resetWindow()
		}
		return

	case StateOpen:
		// A racing call admitted just before the state flipped to
		// Open; outcome is still informative for the window but must
		// not re-trip an already-open breaker.
		b.pushOutcome(failure)
		return

	default: // StateClosed
		b.pushOutcome(failure)
		if b.filled == len(b.ring) && b.failureRate() >= b.cfg.FailRate {
			b.openFrom(StateClosed)
		}
	}
}

func (b *Breaker) pushOutcome(failure bool) {
	if len(b.ring) == 0 {
		return
	}
	b.ring[b.ringPos] = failure
	b.ringPos = (b.ringPos + 1) % len(b.ring)
	if b.filled < len(b.ring) {
		b.filled++
	}
}

func (b *Breaker) failureRate() float64 {
	if b.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.ring[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *Breaker) resetWindow() {
	b.ring = make([]bool, len(b.ring))
	b.ringPos = 0
	b.filled = 0
}

func (b *Breaker) openFrom(from State) {
	b.until = time.Now().Add(b.cfg.Cooldown)
	b.setState(StateOpen)
	b.logger.Warn("provider breaker opened",
		zap.String("provider", b.name),
		zap.String("from", from.String()),
		zap.Duration("cooldown", b.cfg.Cooldown),
	)
}

func (b *Breaker) setState(next State) {
	prev := b.state
	b.state = next
	if prev != next && b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, prev, next)
	}
}

// State returns the current state for observability/tests.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Peek reports whether a call would currently be admitted, without
// transitioning Open to HalfOpen or reserving the half-open probe
// slot. Used to filter candidate lists before the real MayAttempt
// check immediately precedes each Infer call (spec §4.8).
func (b *Breaker) Peek() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return !time.Now().Before(b.until)
	}
	return true
}

// Reset forces the breaker back to Closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.resetWindow()
	b.halfOpenInFlight.Store(false)
}

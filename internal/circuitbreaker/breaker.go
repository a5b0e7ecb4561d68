// Package circuitbreaker guards the wallet against runaway spend: repeated paid failures or a
// rolling-window budget overrun open the circuit and block further payments.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, no payments allowed
	StateHalfOpen              // Testing if providers have recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the circuit is open
	ErrOpen = errors.New("circuit breaker open: payments suspended")
	// ErrBudgetExceeded is returned when a payment would exceed the rolling spend budget
	ErrBudgetExceeded = errors.New("spend budget exceeded")
)

// Thresholds defines the limits that trip the circuit breaker
type Thresholds struct {
	// Consecutive paid calls that failed after money moved; 0 disables
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`

	// Atomic-unit budget per asset within Window; nil or zero disables
	SpendBudget *big.Int `json:"-" yaml:"-"`

	// Rolling window for SpendBudget
	Window time.Duration `json:"window" yaml:"window"`
}

type spend struct {
	asset  string
	amount *big.Int
	at     time.Time
}

// CircuitBreaker sits in front of the payment orchestrator.
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time

	// Duration before a half-open attempt
	resetDelay time.Duration

	mu sync.RWMutex

	failures int
	spends   []spend

	// Count of consecutive successes in HalfOpen state
	successCount     int
	successThreshold int

	onTripCallback func(reason string)

	now func() time.Time
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	if t.Window <= 0 {
		t.Window = time.Hour
	}
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 1,
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of successful payments needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a callback function that is called when the circuit trips
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock overrides the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Check decides whether a payment of amount in asset may proceed. It never records spend.
func (cb *CircuitBreaker) Check(asset string, amount *big.Int) error {
	cb.mu.RLock()
	state := cb.state
	lastTrip := cb.lastTrip
	cb.mu.RUnlock()

	if state == StateOpen {
		if cb.now().Sub(lastTrip) > cb.resetDelay {
			cb.transitionToHalfOpen()
		} else {
			return ErrOpen
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	budget := cb.thresholds.SpendBudget
	if budget == nil || budget.Sign() <= 0 || amount == nil {
		return nil
	}

	cb.pruneLocked()
	total := new(big.Int).Add(cb.windowSpendLocked(asset), amount)
	if total.Cmp(budget) > 0 {
		reason := fmt.Sprintf("spend within %s would reach %s of budget %s", cb.thresholds.Window, total, budget)
		cb.trip(reason)
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, reason)
	}
	return nil
}

// RecordSuccess records a delivered paid call
func (cb *CircuitBreaker) RecordSuccess(asset string, amount *big.Int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.addSpendLocked(asset, amount)
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: payments resumed")
		}
	}
}

// RecordFailure records a paid call that did not deliver. spent reports whether money moved.
func (cb *CircuitBreaker) RecordFailure(asset string, amount *big.Int, spent bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if spent {
		cb.addSpendLocked(asset, amount)
	}
	cb.failures++

	if cb.state == StateHalfOpen {
		cb.trip("paid call failed while half-open")
		return
	}
	if max := cb.thresholds.MaxConsecutiveFailures; max > 0 && cb.failures >= max && cb.state == StateClosed {
		cb.trip(fmt.Sprintf("%d consecutive paid calls failed", cb.failures))
	}
}

// WindowSpend returns the amount of asset spent inside the rolling window
func (cb *CircuitBreaker) WindowSpend(asset string) *big.Int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked()
	return cb.windowSpendLocked(asset)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.failures = 0
	logrus.Info("Circuit breaker manually reset to closed state")
}

func (cb *CircuitBreaker) transitionToHalfOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.state = StateHalfOpen
		cb.successCount = 0
		logrus.Info("Circuit breaker half-open: allowing a trial payment")
	}
}

// trip must be called with the lock held
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	cb.failures = 0
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	if cb.onTripCallback != nil {
		go cb.onTripCallback(reason)
	}
}

func (cb *CircuitBreaker) addSpendLocked(asset string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	cb.spends = append(cb.spends, spend{asset: asset, amount: new(big.Int).Set(amount), at: cb.now()})
	cb.pruneLocked()
}

// pruneLocked drops spends older than the window; spends are appended in time order
func (cb *CircuitBreaker) pruneLocked() {
	cutoff := cb.now().Add(-cb.thresholds.Window)
	i := 0
	for i < len(cb.spends) && cb.spends[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.spends = append(cb.spends[:0], cb.spends[i:]...)
	}
}

func (cb *CircuitBreaker) windowSpendLocked(asset string) *big.Int {
	total := new(big.Int)
	for _, s := range cb.spends {
		if s.asset == asset {
			total.Add(total, s.amount)
		}
	}
	return total
}

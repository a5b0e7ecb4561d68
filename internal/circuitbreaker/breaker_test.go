package circuitbreaker

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdc = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	cb := New(Thresholds{MaxConsecutiveFailures: 3})
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	assert.NoError(t, cb.Check(usdc, big.NewInt(10000)))
	cb.RecordSuccess(usdc, big.NewInt(10000))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, big.NewInt(10000), cb.WindowSpend(usdc))
}

func TestCircuitBreaker_ConsecutiveFailures(t *testing.T) {
	cb := New(Thresholds{MaxConsecutiveFailures: 2})

	cb.RecordFailure(usdc, big.NewInt(100), true)
	assert.Equal(t, StateClosed, cb.GetState())

	cb.RecordSuccess(usdc, big.NewInt(100))
	cb.RecordFailure(usdc, big.NewInt(100), true)
	assert.Equal(t, StateClosed, cb.GetState(), "a success resets the failure streak")

	cb.RecordFailure(usdc, big.NewInt(100), false)
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Check(usdc, big.NewInt(1))
	assert.True(t, errors.Is(err, ErrOpen))
}

func TestCircuitBreaker_SpendBudget(t *testing.T) {
	clock := newClock()
	cb := New(Thresholds{SpendBudget: big.NewInt(100000), Window: time.Hour}).WithClock(clock.Now)

	require.NoError(t, cb.Check(usdc, big.NewInt(60000)))
	cb.RecordSuccess(usdc, big.NewInt(60000))

	require.NoError(t, cb.Check(usdc, big.NewInt(40000)), "exactly reaching the budget is allowed")

	err := cb.Check(usdc, big.NewInt(40001))
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_BudgetIsPerAsset(t *testing.T) {
	cb := New(Thresholds{SpendBudget: big.NewInt(100)})
	cb.RecordSuccess(usdc, big.NewInt(100))

	assert.NoError(t, cb.Check("0xother", big.NewInt(100)))
}

func TestCircuitBreaker_WindowExpiry(t *testing.T) {
	clock := newClock()
	cb := New(Thresholds{SpendBudget: big.NewInt(100), Window: time.Minute}).WithClock(clock.Now)

	cb.RecordSuccess(usdc, big.NewInt(100))
	assert.Equal(t, big.NewInt(100), cb.WindowSpend(usdc))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, cb.WindowSpend(usdc).Sign())
	assert.NoError(t, cb.Check(usdc, big.NewInt(100)))
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newClock()
	cb := New(Thresholds{MaxConsecutiveFailures: 1}).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2).
		WithClock(clock.Now)

	cb.RecordFailure(usdc, big.NewInt(1), true)
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Check(usdc, big.NewInt(1)))
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordSuccess(usdc, big.NewInt(1))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	cb.RecordSuccess(usdc, big.NewInt(1))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newClock()
	cb := New(Thresholds{MaxConsecutiveFailures: 5}).WithResetDelay(time.Minute).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		cb.RecordFailure(usdc, big.NewInt(1), true)
	}
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Check(usdc, big.NewInt(1)))
	cb.RecordFailure(usdc, big.NewInt(1), true)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_ResetAndCallback(t *testing.T) {
	tripped := make(chan string, 1)
	cb := New(Thresholds{MaxConsecutiveFailures: 1}).WithTripCallback(func(reason string) {
		tripped <- reason
	})

	cb.RecordFailure(usdc, big.NewInt(1), true)

	select {
	case reason := <-tripped:
		assert.Contains(t, reason, "consecutive")
	case <-time.After(time.Second):
		t.Fatal("trip callback not invoked")
	}

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Check(usdc, big.NewInt(1)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}

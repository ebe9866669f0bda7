package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerConsecutiveErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveErrors: 2})
	require.NoError(t, cb.AllowTrading())

	cb.OnError()
	cb.OnSuccess()
	cb.OnError()
	require.NoError(t, cb.AllowTrading())

	cb.OnError()
	assert.ErrorIs(t, cb.AllowTrading(), ErrCircuitBreakerOpen)
	assert.True(t, cb.Halted())

	cb.Resume()
	assert.NoError(t, cb.AllowTrading())
}

func TestCircuitBreakerDailyLiability(t *testing.T) {
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.Local)
	cb := NewCircuitBreaker(CircuitBreakerConfig{DailyLiabilityLimitCents: 10_000})
	cb.now = func() time.Time { return day }

	require.NoError(t, cb.AllowLiability(6_000))
	cb.AddLiabilityCents(6_000)
	assert.ErrorIs(t, cb.AllowLiability(5_000), ErrDailyLiabilityLimit)
	assert.NoError(t, cb.AllowLiability(4_000))
	assert.Equal(t, int64(6_000), cb.DailyLiabilityCents())

	// 跨日清零
	day = day.Add(2 * time.Hour)
	assert.NoError(t, cb.AllowLiability(9_000))
	assert.Zero(t, cb.DailyLiabilityCents())
}

func TestCircuitBreakerHaltAndNil(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	cb.Halt()
	assert.ErrorIs(t, cb.AllowLiability(1), ErrCircuitBreakerOpen)

	var nilBreaker *CircuitBreaker
	assert.NoError(t, nilBreaker.AllowTrading())
	assert.NoError(t, nilBreaker.AllowLiability(1_000_000))
	nilBreaker.OnError()
	nilBreaker.AddLiabilityCents(1)
}

package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowAndRefill(t *testing.T) {
	tb := NewTokenBucket(2, 100)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "桶应该已经用完")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tb.Wait(ctx))
}

func TestTokenBucketWaitCancelled(t *testing.T) {
	tb := NewTokenBucket(1, 0)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)
}

func TestHeaderTrackerObserve(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewHeaderTracker()
	h.now = func() time.Time { return now }

	assert.Equal(t, -1, h.GetRemaining())
	assert.True(t, h.Allow())

	hdr := http.Header{}
	hdr.Set("X-RateLimit-Remaining", "0")
	hdr.Set("X-RateLimit-Reset", "30")
	h.Observe(hdr)

	assert.Equal(t, 0, h.GetRemaining())
	assert.Equal(t, now.Add(30*time.Second), h.GetResetTime())
	assert.False(t, h.Allow())
	assert.Equal(t, 30*time.Second, h.RetryAfter(time.Second))

	now = now.Add(31 * time.Second)
	assert.True(t, h.Allow())
	assert.Equal(t, time.Second, h.RetryAfter(time.Second))
}

func TestHeaderTrackerUnixReset(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := NewHeaderTracker()
	h.now = func() time.Time { return now }

	hdr := http.Header{}
	hdr.Set("X-RateLimit-Reset", "1767269100") // 2026-01-01T12:05:00Z
	h.Observe(hdr)
	assert.Equal(t, 5*time.Minute, h.RetryAfter(0))
}

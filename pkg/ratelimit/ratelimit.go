package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	GetRemaining() int
	GetResetTime() time.Time
}

// TokenBucket 令牌桶速率限制器（本地节流，每次请求前调用 Wait）
type TokenBucket struct {
	capacity   float64   // 桶容量
	tokens     float64   // 当前令牌数
	refillRate float64   // 每秒补充的令牌数
	lastRefill time.Time // 上次补充时间
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶；refillRate<=0 时桶用完即永久拒绝
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill 按流逝时间补充令牌（调用方持锁）
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Allow 检查是否允许请求（允许则消耗一个令牌）
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 等待直到允许请求
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}

		tb.mu.Lock()
		wait := time.Second
		if tb.refillRate > 0 {
			// 距离下一个完整令牌的时间
			wait = time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		tb.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// GetRemaining 获取剩余令牌数
func (tb *TokenBucket) GetRemaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// GetResetTime 桶重新填满的时间
func (tb *TokenBucket) GetResetTime() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= tb.capacity || tb.refillRate <= 0 {
		return time.Now()
	}
	seconds := (tb.capacity - tb.tokens) / tb.refillRate
	return time.Now().Add(time.Duration(seconds * float64(time.Second)))
}

// HeaderTracker 记录交易所响应头中的限流信息：
// X-RateLimit-Remaining（剩余请求数）和 X-RateLimit-Reset（重置秒数或 unix 时间戳）。
// 剩余为 0 时 Wait 会阻塞到重置时间。
type HeaderTracker struct {
	mu        sync.RWMutex
	remaining int
	resetAt   time.Time
	known     bool
	now       func() time.Time
}

// NewHeaderTracker 创建响应头限流跟踪器
func NewHeaderTracker() *HeaderTracker {
	return &HeaderTracker{remaining: -1, now: time.Now}
}

// Observe 从响应头更新状态；缺少头部时保持不变
func (h *HeaderTracker) Observe(header http.Header) {
	if header == nil {
		return
	}
	rem := strings.TrimSpace(header.Get("X-RateLimit-Remaining"))
	reset := strings.TrimSpace(header.Get("X-RateLimit-Reset"))
	if rem == "" && reset == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if n, err := strconv.Atoi(rem); err == nil {
		h.remaining = n
		h.known = true
	}
	if at, ok := parseReset(reset, h.now()); ok {
		h.resetAt = at
	}
}

// parseReset 兼容“秒数”与“unix 秒时间戳”两种格式
func parseReset(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, false
	}
	// 大于 10 年的秒数视为 unix 时间戳
	if n > 10*365*24*3600 {
		return time.Unix(int64(n), 0), true
	}
	return now.Add(time.Duration(n * float64(time.Second))), true
}

// RetryAfter 根据已知的重置时间计算建议等待，未知时返回 fallback
func (h *HeaderTracker) RetryAfter(fallback time.Duration) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.resetAt.IsZero() {
		return fallback
	}
	d := h.resetAt.Sub(h.now())
	if d <= 0 {
		return fallback
	}
	return d
}

// Allow 剩余额度未知或大于 0，或者已过重置时间
func (h *HeaderTracker) Allow() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.known || h.remaining != 0 {
		return true
	}
	return !h.resetAt.IsZero() && !h.now().Before(h.resetAt)
}

// Wait 额度用尽时阻塞到重置时间
func (h *HeaderTracker) Wait(ctx context.Context) error {
	if h.Allow() {
		return nil
	}
	d := h.RetryAfter(time.Second)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetRemaining 最近一次观测到的剩余额度，未知时为 -1
func (h *HeaderTracker) GetRemaining() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.known {
		return -1
	}
	return h.remaining
}

// GetResetTime 最近一次观测到的重置时间
func (h *HeaderTracker) GetResetTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resetAt
}

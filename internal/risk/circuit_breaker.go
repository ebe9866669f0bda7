package risk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 表示断路器已打开，禁止继续下单。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// ErrDailyLiabilityLimit 本次方案会让当日已下单风险超过上限。
var ErrDailyLiabilityLimit = fmt.Errorf("daily liability limit reached")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续下单失败上限。
	MaxConsecutiveErrors int64 `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`

	// DailyLiabilityLimitCents 当日已下单风险敞口上限（分）。
	DailyLiabilityLimitCents int64 `yaml:"daily_liability_limit_cents" json:"daily_liability_limit_cents"`
}

// CircuitBreaker 快路径只读原子变量。
// 当日风险在每次成功下单后由执行器调用 AddLiabilityCents 累加，跨日自动清零。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors   atomic.Int64
	dailyLiabilityCents atomic.Int64
	dayKey              atomic.Int64 // YYYYMMDD

	maxConsecutiveErrors     atomic.Int64
	dailyLiabilityLimitCents atomic.Int64

	now func() time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{now: time.Now}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
	cb.dailyLiabilityLimitCents.Store(cfg.DailyLiabilityLimitCents)
}

// Halt 手动熔断（如人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

// Halted 当前是否处于熔断状态
func (cb *CircuitBreaker) Halted() bool {
	return cb != nil && cb.halted.Load()
}

// AllowTrading 快路径检查是否允许下单。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}

	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.halted.Store(true)
		return ErrCircuitBreakerOpen
	}
	return nil
}

// AllowLiability 检查再下 cents 风险后是否仍在当日上限内。
// 只做检查，不占用额度。
func (cb *CircuitBreaker) AllowLiability(cents int64) error {
	if cb == nil {
		return nil
	}
	if err := cb.AllowTrading(); err != nil {
		return err
	}
	limit := cb.dailyLiabilityLimitCents.Load()
	if limit <= 0 {
		return nil
	}
	cb.rollDayIfNeeded()
	if cb.dailyLiabilityCents.Load()+cents > limit {
		return ErrDailyLiabilityLimit
	}
	return nil
}

// OnSuccess 一笔下单成功后调用，清空连续错误计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 一笔下单失败后调用，累计连续错误计数。
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// AddLiabilityCents 累加当日已下单风险（分）。
func (cb *CircuitBreaker) AddLiabilityCents(delta int64) {
	if cb == nil {
		return
	}
	cb.rollDayIfNeeded()
	cb.dailyLiabilityCents.Add(delta)
}

// DailyLiabilityCents 当日已下单风险（分）
func (cb *CircuitBreaker) DailyLiabilityCents() int64 {
	if cb == nil {
		return 0
	}
	cb.rollDayIfNeeded()
	return cb.dailyLiabilityCents.Load()
}

func (cb *CircuitBreaker) rollDayIfNeeded() {
	// YYYYMMDD，本地时间
	now := cb.now()
	key := int64(now.Year()*10000 + int(now.Month())*100 + now.Day())
	prev := cb.dayKey.Load()
	if prev == key {
		return
	}
	// 切换成功者负责清零
	if cb.dayKey.CompareAndSwap(prev, key) {
		cb.dailyLiabilityCents.Store(0)
	}
}

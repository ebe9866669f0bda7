// Package retry 提供统一的重试策略：指数退避 + 抖动，登录、行情请求、下单共用同一套参数。
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "retry")

// ErrExhausted 重试次数耗尽
var ErrExhausted = errors.New("retries exhausted")

// Policy 重试参数
type Policy struct {
	MaxAttempts int           // 最大尝试次数（含第一次），<=0 按 1 处理
	BaseDelay   time.Duration // 第一次重试前的等待
	MaxDelay    time.Duration // 单次等待上限，0 表示不限
	Jitter      float64       // 抖动比例 [0,1]，0.2 表示 ±20%
}

// DefaultPolicy 3 次尝试，2s 起步逐次翻倍
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff 第 attempt 次失败后的等待时长（attempt 从 1 开始）
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return addJitter(d, p.Jitter)
}

func addJitter(d time.Duration, ratio float64) time.Duration {
	if ratio <= 0 || d <= 0 {
		return d
	}
	if ratio > 1 {
		ratio = 1
	}
	// [-ratio, +ratio]
	delta := (rand.Float64()*2 - 1) * ratio * float64(d)
	out := time.Duration(float64(d) + delta)
	if out < 0 {
		return 0
	}
	return out
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// ExhaustedError 重试耗尽，Last 为最后一次失败原因
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记为不可重试错误，Do 会立即返回（不包装为 ExhaustedError）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 错误链中是否带有 Permanent 标记
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// delayHinter 由限流类错误实现，给出服务端建议的等待时间
type delayHinter interface {
	RetryDelay() time.Duration
}

// Sleep 可取消的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do 执行 op，失败时按策略重试。
// - Permanent 错误和 ctx 取消立即返回
// - 限流错误优先使用其建议等待时间
// - 耗尽后返回 *ExhaustedError（可用 errors.Is(err, ErrExhausted) 判断）
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	limit := p.attempts()
	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) {
			return zero, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return zero, err
			}
		}
		last = err
		if attempt == limit {
			break
		}

		wait := p.Backoff(attempt)
		var hint delayHinter
		if errors.As(err, &hint) && hint.RetryDelay() > 0 {
			wait = hint.RetryDelay()
		}
		log.Warnf("%s 第 %d/%d 次失败: %v，%v 后重试", name, attempt, limit, err, wait)
		if err := Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: limit, Last: last}
}

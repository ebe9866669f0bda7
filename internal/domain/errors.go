package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrBadRequest HTTP 400：请求本身有误，不重试
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthorized HTTP 401 或会话失效：重新登录后可重试
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden HTTP 403：无权限，不重试
	ErrForbidden = errors.New("forbidden")
	// ErrServer HTTP 5xx：服务端错误，可重试
	ErrServer = errors.New("server error")
	// ErrInvalidOrder 本地校验失败的订单（不会发到网络）
	ErrInvalidOrder = errors.New("invalid order")
	// ErrEmptyResult 远端返回空结果，按可重试处理
	ErrEmptyResult = errors.New("empty result")
)

// ConfigError 必需配置缺失或不可用，启动即失败，不重试
type ConfigError struct {
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) == 0 {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("missing required configuration: %v", e.Missing)
}

// AuthError 登录重试耗尽
type AuthError struct {
	Attempts int
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// TransportError 网络层失败（连接、超时、读取），可重试
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// RateLimitError HTTP 429，RetryAfter 为建议等待时间
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryDelay 供重试策略使用的等待时间
func (e *RateLimitError) RetryDelay() time.Duration { return e.RetryAfter }

// ExecutionError 方案执行失败，Placed 笔已成交（部分执行时 > 0）
type ExecutionError struct {
	Placed  int
	Planned int
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution stopped after %d/%d bets: %v", e.Placed, e.Planned, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// IsConfigError 判断错误链中是否包含 ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsAuthError 判断错误链中是否包含 AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

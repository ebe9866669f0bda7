// Package http is the JSON-RPC transport shared by the betting and account APIs.
// It owns header injection, HTTP status mapping and rate-limit header capture;
// retrying is left to the caller's retry.Policy.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/ratelimit"
	"github.com/betbot/dutchbet/pkg/retry"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRateLimitPause = 10 * time.Second
)

// TokenSource supplies the session token used for X-Authentication.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
	AppKey() string
}

// Options configures the transport.
type Options struct {
	Timeout time.Duration
	// RequestsPerSecond paces outbound calls locally; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

type Client struct {
	client   *resty.Client
	tokens   TokenSource
	limits   *ratelimit.HeaderTracker
	throttle ratelimit.RateLimiter
	seq      atomic.Int64
}

func NewClient(tokens TokenSource, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "dutchbet/1.0"
	}
	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", opts.UserAgent)

	c := &Client{
		client: rc,
		tokens: tokens,
		limits: ratelimit.NewHeaderTracker(),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		c.throttle = ratelimit.NewTokenBucket(burst, opts.RequestsPerSecond)
	}
	return c
}

// Limits exposes the most recent X-RateLimit-* observations.
func (c *Client) Limits() *ratelimit.HeaderTracker {
	return c.limits
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int64           `json:"id"`
}

// RPCError is the JSON-RPC error member. Betting API failures carry an
// APINGException with a symbolic error code.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *struct {
		ExceptionName  string `json:"exceptionname"`
		APINGException *struct {
			ErrorCode    string `json:"errorCode"`
			ErrorDetails string `json:"errorDetails"`
			RequestUUID  string `json:"requestUUID"`
		} `json:"APINGException"`
		AccountAPINGException *struct {
			ErrorCode    string `json:"errorCode"`
			ErrorDetails string `json:"errorDetails"`
		} `json:"AccountAPINGException"`
	} `json:"data,omitempty"`
}

// ErrorCode returns the exchange error code, or the message when none is present.
func (e *RPCError) ErrorCode() string {
	if e.Data != nil {
		if e.Data.APINGException != nil && e.Data.APINGException.ErrorCode != "" {
			return e.Data.APINGException.ErrorCode
		}
		if e.Data.AccountAPINGException != nil && e.Data.AccountAPINGException.ErrorCode != "" {
			return e.Data.AccountAPINGException.ErrorCode
		}
	}
	return e.Message
}

func (e *RPCError) Error() string {
	return "rpc error " + strconv.Itoa(e.Code) + ": " + e.ErrorCode()
}

// Call performs a single JSON-RPC request and decodes result into out.
// Errors are classified for retry.Do: permanent failures are wrapped with
// retry.Permanent, everything else may be retried.
func (c *Client) Call(ctx context.Context, url, method string, params any, out any) error {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.limits.Wait(ctx); err != nil {
		return err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		// login already retried internally; do not loop on it again
		return retry.Permanent(errors.Wrap(err, "obtain session token"))
	}

	if params == nil {
		params = map[string]any{}
	}
	body := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.seq.Add(1)}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Application", c.tokens.AppKey()).
		SetHeader("X-Authentication", token).
		SetBody(body).
		Post(url)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransportError{Op: method, Cause: err}
	}
	c.limits.Observe(resp.Header())

	if err := c.statusError(resp, method, token); err != nil {
		return err
	}

	var env rpcResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &domain.TransportError{Op: method, Cause: errors.Wrap(err, "decode json-rpc envelope")}
	}
	if env.Error != nil {
		return c.rpcError(env.Error, method, token)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return errors.Wrap(domain.ErrEmptyResult, method)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return retry.Permanent(errors.Wrapf(err, "decode %s result", method))
	}
	return nil
}

func (c *Client) statusError(resp *resty.Response, method, token string) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	detail := strings.TrimSpace(string(resp.Body()))
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	switch {
	case code == http.StatusBadRequest:
		return retry.Permanent(errors.Wrapf(domain.ErrBadRequest, "%s: %s", method, detail))
	case code == http.StatusUnauthorized:
		c.tokens.Invalidate(token)
		return errors.Wrapf(domain.ErrUnauthorized, "%s", method)
	case code == http.StatusForbidden:
		return retry.Permanent(errors.Wrapf(domain.ErrForbidden, "%s: %s", method, detail))
	case code == http.StatusTooManyRequests:
		return &domain.RateLimitError{RetryAfter: c.rateLimitWait(resp.Header())}
	case code >= 500:
		return errors.Wrapf(domain.ErrServer, "%s: status %d", method, code)
	default:
		return retry.Permanent(errors.Errorf("%s: unexpected status %d: %s", method, code, detail))
	}
}

func (c *Client) rateLimitWait(h http.Header) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return c.limits.RetryAfter(defaultRateLimitPause)
}

func (c *Client) rpcError(e *RPCError, method, token string) error {
	switch e.ErrorCode() {
	case "INVALID_SESSION_INFORMATION", "NO_SESSION":
		c.tokens.Invalidate(token)
		return errors.Wrapf(domain.ErrUnauthorized, "%s: %s", method, e.ErrorCode())
	case "TOO_MANY_REQUESTS":
		return &domain.RateLimitError{RetryAfter: c.limits.RetryAfter(defaultRateLimitPause)}
	case "UNEXPECTED_ERROR", "SERVICE_BUSY", "TIMEOUT_ERROR":
		return errors.Wrapf(domain.ErrServer, "%s: %s", method, e.ErrorCode())
	default:
		return retry.Permanent(errors.Wrap(e, method))
	}
}

package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/retry"
)

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	invalidated []string
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Invalidate(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, token)
}

func (f *fakeTokens) AppKey() string { return "app-key" }

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := &fakeTokens{token: "tok-1"}
	c := NewClient(tokens, Options{Timeout: 2 * time.Second})
	c.client.SetBaseURL(srv.URL)
	return c, tokens
}

func TestCallSendsEnvelopeAndHeaders(t *testing.T) {
	var got rpcRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app-key", r.Header.Get("X-Application"))
		assert.Equal(t, "tok-1", r.Header.Get("X-Authentication"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Reset", "10")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":[{"eventType":{"id":"1","name":"Soccer"}}],"id":1}`))
	})

	var out []map[string]any
	err := c.Call(context.Background(), "/rpc", "SportsAPING/v1.0/listEventTypes", map[string]any{"filter": map[string]any{}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "SportsAPING/v1.0/listEventTypes", got.Method)
	assert.Len(t, out, 1)
	assert.Equal(t, 42, c.Limits().GetRemaining())
}

func TestCallStatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		target    error
		permanent bool
	}{
		{"bad request", http.StatusBadRequest, domain.ErrBadRequest, true},
		{"unauthorized", http.StatusUnauthorized, domain.ErrUnauthorized, false},
		{"forbidden", http.StatusForbidden, domain.ErrForbidden, true},
		{"server", http.StatusInternalServerError, domain.ErrServer, false},
		{"gateway", http.StatusBadGateway, domain.ErrServer, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			err := c.Call(context.Background(), "/rpc", "m", nil, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.target), "got %v", err)
			assert.Equal(t, tc.permanent, retry.IsPermanent(err))
			if tc.status == http.StatusUnauthorized {
				assert.Equal(t, []string{"tok-1"}, tokens.invalidated)
			}
		})
	}
}

func TestCallRateLimited(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	err := c.Call(context.Background(), "/rpc", "m", nil, nil)
	var rl *domain.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
	assert.False(t, retry.IsPermanent(err))
}

func TestCallRPCSessionErrorInvalidates(t *testing.T) {
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32099,"message":"ANGX-0003","data":{"exceptionname":"APINGException","APINGException":{"errorCode":"INVALID_SESSION_INFORMATION"}}},"id":1}`))
	})
	err := c.Call(context.Background(), "/rpc", "m", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
	assert.Equal(t, []string{"tok-1"}, tokens.invalidated)
}

func TestCallRPCOtherErrorIsPermanent(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32099,"message":"x","data":{"APINGException":{"errorCode":"INVALID_INPUT_DATA"}}},"id":1}`))
	})
	err := c.Call(context.Background(), "/rpc", "m", nil, nil)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "INVALID_INPUT_DATA", rpcErr.ErrorCode())
}

func TestCallEmptyResult(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":null,"id":1}`))
	})
	err := c.Call(context.Background(), "/rpc", "m", nil, nil)
	assert.True(t, errors.Is(err, domain.ErrEmptyResult))
	assert.False(t, retry.IsPermanent(err))
}

func TestCallTransportError(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	c := NewClient(tokens, Options{Timeout: 200 * time.Millisecond})
	err := c.Call(context.Background(), "http://127.0.0.1:1/rpc", "m", nil, nil)
	var te *domain.TransportError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

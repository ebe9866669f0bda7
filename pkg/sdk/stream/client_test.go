package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/dutchbet/pkg/retry"
)

type fakeTokens struct {
	mu          sync.Mutex
	gen         int
	invalidated []string
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen == 0 {
		f.gen = 1
	}
	return fmt.Sprintf("tok-%d", f.gen), nil
}

func (f *fakeTokens) Invalidate(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, token)
	if token == fmt.Sprintf("tok-%d", f.gen) {
		f.gen++
	}
}

func (f *fakeTokens) AppKey() string { return "app-key" }

type memCursorStore struct {
	mu    sync.Mutex
	cur   Cursor
	saves int
}

func (m *memCursorStore) LoadCursor(ctx context.Context) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

func (m *memCursorStore) SaveCursor(ctx context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = c
	m.saves++
	return nil
}

func (m *memCursorStore) get() Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

type fakeServer struct {
	ln    net.Listener
	conns chan *serverConn
}

type serverConn struct {
	net.Conn
	r *bufio.Reader
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln, conns: make(chan *serverConn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fs.conns <- &serverConn{Conn: c, r: bufio.NewReader(c)}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fs
}

func (fs *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("客户端没有建立连接")
		return nil
	}
}

func (sc *serverConn) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = sc.Write(append(b, '\r', '\n'))
	require.NoError(t, err)
}

func (sc *serverConn) read(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, sc.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := sc.r.ReadBytes('\n')
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(line, &m))
	return m
}

// handshake 走完 connection → authentication → marketSubscription，返回客户端发来的两帧
func (sc *serverConn) handshake(t *testing.T) (auth, sub map[string]any) {
	t.Helper()
	sc.send(t, map[string]any{"op": "connection", "connectionId": "conn-1"})
	auth = sc.read(t)
	require.Equal(t, "authentication", auth["op"])
	sc.send(t, map[string]any{"op": "status", "id": auth["id"], "statusCode": "SUCCESS"})
	sub = sc.read(t)
	require.Equal(t, "marketSubscription", sub["op"])
	sc.send(t, map[string]any{"op": "status", "id": sub["id"], "statusCode": "SUCCESS"})
	return auth, sub
}

func newTestClient(t *testing.T, fs *fakeServer, tokens TokenSource, store CursorStore, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Addr:        fs.ln.Addr().String(),
		HeartbeatMs: 1000,
		Reconnect:   retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(tokens, store, cfg)
	t.Cleanup(c.Stop)
	return c
}

func recvUpdate(t *testing.T, c *Client) Update {
	t.Helper()
	select {
	case u, ok := <-c.Updates():
		require.True(t, ok, "updates 通道被提前关闭")
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("等待行情更新超时")
		return Update{}
	}
}

func TestClientAuthenticatesSubscribesAndForwards(t *testing.T) {
	fs := newFakeServer(t)
	tokens := &fakeTokens{}
	c := newTestClient(t, fs, tokens, nil, nil)
	c.Subscribe("1.200", "1.100", "1.100")
	require.NoError(t, c.Start(context.Background()))

	sc := fs.accept(t)
	auth, sub := sc.handshake(t)
	assert.Equal(t, "app-key", auth["appKey"])
	assert.Equal(t, "tok-1", auth["session"])
	assert.Equal(t, []any{"1.100", "1.200"}, sub["marketFilter"].(map[string]any)["marketIds"])
	assert.NotContains(t, sub, "clk", "首次订阅不带 clk")

	sc.send(t, map[string]any{"op": "mcm", "ct": "SUB_IMAGE", "initialClk": "ic-1", "clk": "c-1", "pt": 1767225600000,
		"mc": []any{map[string]any{"id": "1.100", "img": true, "rc": []any{map[string]any{"id": 11, "batl": []any{[]any{0, 2.0, 50}}}}}}})
	sc.send(t, map[string]any{"op": "mcm", "ct": "HEARTBEAT", "clk": "hb"})
	sc.send(t, map[string]any{"op": "mcm", "clk": "c-2",
		"mc": []any{map[string]any{"id": "1.100", "rc": []any{map[string]any{"id": 11, "batl": []any{[]any{0, 2.02, 40}}}}}}})

	first := recvUpdate(t, c)
	assert.Equal(t, "SUB_IMAGE", first.Ct)
	assert.Equal(t, []string{"1.100"}, first.MarketIDs())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), first.PublishTime)

	second := recvUpdate(t, c)
	assert.Equal(t, "c-2", second.Clk, "心跳不应转发给下游")

	cur := c.Cursor()
	assert.Equal(t, "ic-1", cur.InitialClk)
	assert.Equal(t, "c-2", cur.Clk)
	assert.Equal(t, "conn-1", c.ConnectionID())
	assert.Equal(t, StateReceiving, c.State())
}

func TestClientResubscribesWithClkAfterDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	store := &memCursorStore{}
	c := newTestClient(t, fs, &fakeTokens{}, store, nil)
	c.Subscribe("1.100")
	require.NoError(t, c.Start(context.Background()))

	sc := fs.accept(t)
	sc.handshake(t)
	sc.send(t, map[string]any{"op": "mcm", "ct": "SUB_IMAGE", "initialClk": "ic-1", "clk": "c-7",
		"mc": []any{map[string]any{"id": "1.100", "img": true}}})
	recvUpdate(t, c)

	// 服务端强制断开
	require.NoError(t, sc.Close())

	sc2 := fs.accept(t)
	_, sub := sc2.handshake(t)
	assert.Equal(t, "ic-1", sub["initialClk"])
	assert.Equal(t, "c-7", sub["clk"])
	assert.Equal(t, []any{"1.100"}, sub["marketFilter"].(map[string]any)["marketIds"])
	assert.GreaterOrEqual(t, c.Reconnects(), int64(1))

	saved := store.get()
	assert.Equal(t, "c-7", saved.Clk)
	assert.Equal(t, []string{"1.100"}, saved.MarketIDs)
}

func TestClientResumesFromStoredCursor(t *testing.T) {
	fs := newFakeServer(t)
	store := &memCursorStore{cur: Cursor{MarketIDs: []string{"1.100"}, InitialClk: "ic-0", Clk: "c-0"}}
	c := newTestClient(t, fs, &fakeTokens{}, store, nil)
	require.NoError(t, c.Start(context.Background()))
	c.Subscribe("1.100")

	sc := fs.accept(t)
	_, sub := sc.handshake(t)
	assert.Equal(t, "ic-0", sub["initialClk"])
	assert.Equal(t, "c-0", sub["clk"])
}

func TestClientSubscribeToNewMarketsDropsClk(t *testing.T) {
	fs := newFakeServer(t)
	store := &memCursorStore{cur: Cursor{MarketIDs: []string{"1.100"}, InitialClk: "ic-0", Clk: "c-0"}}
	c := newTestClient(t, fs, &fakeTokens{}, store, nil)
	require.NoError(t, c.Start(context.Background()))
	c.Subscribe("1.300")

	sc := fs.accept(t)
	_, sub := sc.handshake(t)
	assert.NotContains(t, sub, "clk")
	assert.Equal(t, []any{"1.300"}, sub["marketFilter"].(map[string]any)["marketIds"])
}

func TestClientReauthenticatesOnInvalidSession(t *testing.T) {
	fs := newFakeServer(t)
	tokens := &fakeTokens{}
	c := newTestClient(t, fs, tokens, nil, nil)
	c.Subscribe("1.100")
	require.NoError(t, c.Start(context.Background()))

	sc := fs.accept(t)
	sc.send(t, map[string]any{"op": "connection", "connectionId": "conn-1"})
	auth := sc.read(t)
	assert.Equal(t, "tok-1", auth["session"])
	sc.send(t, map[string]any{"op": "status", "id": auth["id"], "statusCode": "FAILURE", "errorCode": "INVALID_SESSION_INFORMATION"})

	auth2 := sc.read(t)
	assert.Equal(t, "authentication", auth2["op"])
	assert.Equal(t, "tok-2", auth2["session"], "应使用重新登录后的 token")
	sc.send(t, map[string]any{"op": "status", "id": auth2["id"], "statusCode": "SUCCESS"})
	sub := sc.read(t)
	assert.Equal(t, "marketSubscription", sub["op"])

	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	assert.Equal(t, []string{"tok-1"}, tokens.invalidated)
}

func TestClientReconnectsWhenHeartbeatsStop(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, &fakeTokens{}, nil, func(cfg *Config) { cfg.HeartbeatMs = 20 })
	c.Subscribe("1.100")
	require.NoError(t, c.Start(context.Background()))

	sc := fs.accept(t)
	sc.handshake(t)
	// 不再发送任何帧，3 倍心跳后客户端应主动重连
	sc2 := fs.accept(t)
	sc2.handshake(t)
	assert.GreaterOrEqual(t, c.Reconnects(), int64(1))
}

func TestClientStopIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, &fakeTokens{}, nil, nil)
	c.Subscribe("1.100")
	require.NoError(t, c.Start(context.Background()))
	fs.accept(t).handshake(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()
	c.Stop()

	select {
	case <-c.Done():
	default:
		t.Fatal("Stop 返回时接收循环应已退出")
	}
	_, ok := <-c.Updates()
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Error(t, c.Start(context.Background()))
}

func TestClientStopWithoutStart(t *testing.T) {
	c := NewClient(&fakeTokens{}, nil, Config{})
	c.Stop()
	c.Stop()
	_, ok := <-c.Updates()
	assert.False(t, ok)
}

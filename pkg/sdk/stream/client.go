// Package stream 交易所行情推送客户端。
//
// 一条 TLS 长连接，帧为 CRLF 分隔的 JSON。连接由 run goroutine 独占：
// 认证、订阅、心跳、断线重连都在这里完成，行情变化按到达顺序通过 Updates() 交给下游。
package stream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/retry"
)

var log = logrus.WithField("component", "stream")

const (
	DefaultAddr = "stream-api.betfair.com:443"

	defaultHeartbeatMs = 5000
	defaultBufferSize  = 256
	defaultDialTimeout = 10 * time.Second
	maxFrameSize       = 16 << 20
	maxReauth          = 3
)

// ErrStopped 客户端已停止
var ErrStopped = errors.New("stream client stopped")

// State 连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateSubscribed
	StateReceiving
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TokenSource 会话 token 来源（auth.Manager）
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
	AppKey() string
}

// CursorStore 持久化订阅位置，进程重启后从上次的 clk 续传
type CursorStore interface {
	LoadCursor(ctx context.Context) (Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error
}

// Dialer 建立到推送服务的连接，测试中替换为明文 TCP
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config 客户端配置
type Config struct {
	Addr        string
	Fields      []string
	HeartbeatMs int
	ConflateMs  int
	BufferSize  int
	DialTimeout time.Duration
	// Reconnect 重连退避；MaxAttempts<=0 表示无限重连
	Reconnect retry.Policy
	TLSConfig *tls.Config
	Dial      Dialer
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:        DefaultAddr,
		Fields:      DefaultFields,
		HeartbeatMs: defaultHeartbeatMs,
		BufferSize:  defaultBufferSize,
		DialTimeout: defaultDialTimeout,
		Reconnect: retry.Policy{
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
			Jitter:    0.2,
		},
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = def.Fields
	}
	if cfg.HeartbeatMs <= 0 {
		cfg.HeartbeatMs = def.HeartbeatMs
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = def.Reconnect.BaseDelay
		cfg.Reconnect.MaxDelay = def.Reconnect.MaxDelay
		cfg.Reconnect.Jitter = def.Reconnect.Jitter
	}
	if cfg.Dial == nil {
		cfg.Dial = tlsDialer(cfg.DialTimeout, cfg.TLSConfig)
	}
	return cfg
}

func tlsDialer(timeout time.Duration, tlsCfg *tls.Config) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
			Config:    tlsCfg,
		}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Client 行情推送客户端
type Client struct {
	cfg    Config
	tokens TokenSource
	store  CursorStore

	updates chan Update
	poke    chan struct{}

	mu     sync.RWMutex
	sub    Cursor
	connID string
	cancel context.CancelFunc

	state       atomic.Int32
	heartbeatMs atomic.Int64
	reqID       atomic.Int64
	reconnects  atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewClient store 可以为 nil（不持久化位置）
func NewClient(tokens TokenSource, store CursorStore, cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		store:   store,
		updates: make(chan Update, cfg.BufferSize),
		poke:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.heartbeatMs.Store(int64(cfg.HeartbeatMs))
	return c
}

// Start 启动后台连接循环，立即返回；只能调用一次
func (c *Client) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() {
		started = true
		if c.store != nil {
			cur, err := c.store.LoadCursor(ctx)
			switch {
			case err != nil:
				log.Warnf("读取订阅位置失败，将从全量快照开始: %v", err)
			case len(cur.MarketIDs) > 0:
				c.mu.Lock()
				c.sub = cur
				c.mu.Unlock()
				log.Infof("恢复订阅 %v (clk=%s)", cur.MarketIDs, cur.Clk)
			}
		}
		runCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go c.run(runCtx)
	})
	if !started {
		return errors.New("stream client already started")
	}
	return nil
}

// Stop 停止并等待接收循环退出；可重复调用，未 Start 时也安全
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.startOnce.Do(func() {
			close(c.updates)
			close(c.done)
		})
		c.mu.RLock()
		cancel := c.cancel
		c.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		<-c.done
		c.setState(StateDisconnected)
		log.Info("行情流已停止")
	})
}

// Done 接收循环退出后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Subscribe 设置订阅的市场集合（替换而非追加）。
// 市场集合不变时保留 clk 续传，变化时重新拿全量快照。
func (c *Client) Subscribe(marketIDs ...string) {
	ids := normalizeIDs(marketIDs)
	c.mu.Lock()
	if !slices.Equal(ids, c.sub.MarketIDs) {
		c.sub = Cursor{MarketIDs: ids}
	}
	c.mu.Unlock()
	select {
	case c.poke <- struct{}{}:
	default:
	}
}

// Updates 行情变化（不含心跳），Stop 后关闭
func (c *Client) Updates() <-chan Update {
	return c.updates
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Cursor() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.sub
	out.MarketIDs = slices.Clone(c.sub.MarketIDs)
	return out
}

func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Reconnects 累计重连次数
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		log.Debugf("状态 -> %s", s)
	}
}

func (c *Client) readTimeout() time.Duration {
	return time.Duration(c.heartbeatMs.Load()) * time.Millisecond * 3
}

func (c *Client) nextID() int64 {
	return c.reqID.Add(1)
}

// run 连接 → 认证 → 订阅 → 接收，断开后退避重连
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.updates)

	attempt := 0
	for {
		c.setState(StateConnecting)
		received, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		attempt++
		if c.cfg.Reconnect.MaxAttempts > 0 && attempt > c.cfg.Reconnect.MaxAttempts {
			log.Errorf("达到最大重连次数 (%d)，最后错误: %v", c.cfg.Reconnect.MaxAttempts, err)
			c.setState(StateDisconnected)
			return
		}
		delay := c.cfg.Reconnect.Backoff(attempt)
		c.setState(StateReconnecting)
		c.reconnects.Add(1)
		log.Warnf("行情流断开: %v，%v 后重连 (第 %d 次)", err, delay, attempt)
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

type frameResult struct {
	frame Frame
	err   error
}

// conn 一次连接内的状态，只在 run goroutine 中访问
type conn struct {
	net.Conn
	token         string
	authID        int64
	subID         int64
	authenticated bool
	received      bool
	reauths       int
}

func (c *Client) session(ctx context.Context) (bool, error) {
	raw, err := c.cfg.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return false, &domain.TransportError{Op: "stream dial", Cause: err}
	}
	s := &conn{Conn: raw}

	frames := make(chan frameResult)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readFrames(raw, frames, stop)
	}()
	defer func() {
		close(stop)
		raw.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return s.received, ctx.Err()
		case <-c.poke:
			if s.authenticated {
				if err := c.subscribe(s); err != nil {
					return s.received, err
				}
			}
		case fr := <-frames:
			if fr.err != nil {
				return s.received, fr.err
			}
			if err := c.handle(ctx, s, fr.frame); err != nil {
				return s.received, err
			}
		}
	}
}

// readFrames 按行读取；每次读之前把超时设为 3 倍心跳间隔，超时即视为断线
func (c *Client) readFrames(raw net.Conn, out chan<- frameResult, stop <-chan struct{}) {
	sc := bufio.NewScanner(raw)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for {
		_ = raw.SetReadDeadline(time.Now().Add(c.readTimeout()))
		var res frameResult
		if sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			f, err := decodeFrame(line)
			if err != nil {
				log.Warnf("丢弃无法解析的帧: %v", err)
				continue
			}
			res.frame = f
		} else {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			res.err = &domain.TransportError{Op: "stream read", Cause: err}
		}
		select {
		case out <- res:
		case <-stop:
			return
		}
		if res.err != nil {
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, s *conn, f Frame) error {
	switch {
	case f.Op == OpConnection:
		c.mu.Lock()
		c.connID = f.ConnectionID
		c.mu.Unlock()
		c.setState(StateConnected)
		log.Infof("已连接，connectionId=%s", f.ConnectionID)
		return c.authenticate(ctx, s)
	case f.Op == OpStatus:
		return c.handleStatus(ctx, s, f)
	case f.IsHeartbeat():
		return nil
	case f.Op == OpMCM:
		return c.handleMCM(ctx, s, f)
	default:
		log.Debugf("忽略未知帧 op=%s", f.Op)
		return nil
	}
}

func (c *Client) authenticate(ctx context.Context, s *conn) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "stream authentication")
	}
	s.token = token
	s.authID = c.nextID()
	return c.send(s, authenticationMessage{
		Op:      OpAuthentication,
		ID:      s.authID,
		AppKey:  c.tokens.AppKey(),
		Session: token,
	})
}

func (c *Client) handleStatus(ctx context.Context, s *conn, f Frame) error {
	if f.StatusCode == StatusSuccess {
		switch f.ID {
		case s.authID:
			s.authenticated = true
			s.reauths = 0
			c.setState(StateAuthenticated)
			log.Info("推送认证成功")
			return c.subscribe(s)
		case s.subID:
			c.setState(StateSubscribed)
			log.Info("订阅成功")
		}
		return nil
	}

	if f.ErrorCode == ErrInvalidSession || f.ErrorCode == ErrNoSession {
		s.reauths++
		if s.reauths > maxReauth {
			return errors.Errorf("stream session rejected %d times: %s", s.reauths, f.ErrorCode)
		}
		log.Warnf("推送会话失效 (%s)，重新登录", f.ErrorCode)
		s.authenticated = false
		c.tokens.Invalidate(s.token)
		if f.ConnectionClosed {
			// 服务端已断开，先登录好，重连后用新 token 认证
			if _, err := c.tokens.Token(ctx); err != nil {
				return errors.Wrap(err, "stream re-login")
			}
			return errors.Errorf("stream closed by server: %s", f.ErrorCode)
		}
		return c.authenticate(ctx, s)
	}

	return errors.Errorf("stream status %s: %s %s", f.StatusCode, f.ErrorCode, f.ErrorMessage)
}

func (c *Client) subscribe(s *conn) error {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	if len(sub.MarketIDs) == 0 {
		return nil
	}

	msg := marketSubscriptionMessage{
		Op:               OpMarketSubscription,
		ID:               c.nextID(),
		MarketFilter:     marketFilter{MarketIDs: sub.MarketIDs},
		MarketDataFilter: marketDataFilter{Fields: c.cfg.Fields},
		HeartbeatMs:      c.cfg.HeartbeatMs,
		ConflateMs:       c.cfg.ConflateMs,
	}
	if sub.Resumable() {
		msg.InitialClk = sub.InitialClk
		msg.Clk = sub.Clk
	}
	s.subID = msg.ID
	log.WithFields(logrus.Fields{
		"markets": sub.MarketIDs,
		"resume":  sub.Resumable(),
		"clk":     sub.Clk,
	}).Info("发送订阅")
	return c.send(s, msg)
}

func (c *Client) handleMCM(ctx context.Context, s *conn, f Frame) error {
	c.mu.Lock()
	if f.InitialClk != "" {
		c.sub.InitialClk = f.InitialClk
	}
	if f.Clk != "" {
		c.sub.Clk = f.Clk
	}
	cur := c.sub
	c.mu.Unlock()

	if f.HeartbeatMs > 0 {
		c.heartbeatMs.Store(int64(f.HeartbeatMs))
	}
	s.received = true
	c.setState(StateReceiving)

	if c.store != nil && (f.Clk != "" || f.InitialClk != "") {
		if err := c.store.SaveCursor(ctx, cur); err != nil {
			log.Warnf("保存订阅位置失败: %v", err)
		}
	}
	if len(f.Mc) == 0 {
		return nil
	}

	u := Update{
		Ct:          f.Ct,
		Clk:         f.Clk,
		PublishTime: f.PublishTime(),
		Markets:     f.Mc,
		ReceivedAt:  time.Now(),
	}
	select {
	case c.updates <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) send(s *conn, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	b = append(b, '\r', '\n')
	_ = s.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := s.Write(b); err != nil {
		return &domain.TransportError{Op: "stream write", Cause: err}
	}
	return nil
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

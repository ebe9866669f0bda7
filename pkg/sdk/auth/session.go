// Package auth manages the exchange session: certificate login, token expiry
// and proactive refresh. A Manager is safe for concurrent use and guarantees
// that concurrent callers discovering an expired token trigger one login.
package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/retry"
)

var log = logrus.WithField("component", "session")

const (
	DefaultTTL             = 24 * time.Hour
	DefaultRefreshBefore   = 30 * time.Minute
	DefaultMonitorInterval = time.Minute
	DefaultFlightTimeout   = 2 * time.Minute

	loginKey = "login"
)

// Credentials required for the certificate login.
type Credentials struct {
	CertPath string
	KeyPath  string
	AppKey   string
	Username string
	Password string
}

// Missing lists the environment names of every empty credential.
func (c Credentials) Missing() []string {
	var out []string
	if c.CertPath == "" {
		out = append(out, "BETFAIR_CERT_PATH")
	}
	if c.KeyPath == "" {
		out = append(out, "BETFAIR_KEY_PATH")
	}
	if c.AppKey == "" {
		out = append(out, "BETFAIR_API_KEY")
	}
	if c.Username == "" {
		out = append(out, "BETFAIR_USERNAME")
	}
	if c.Password == "" {
		out = append(out, "BETFAIR_PASSWORD")
	}
	return out
}

// State of the session lifecycle.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateValid
	StateExpired
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Config struct {
	Credentials     Credentials
	TTL             time.Duration
	RefreshBefore   time.Duration
	MonitorInterval time.Duration
	// FlightTimeout bounds one shared login including its retries. The flight
	// does not inherit any single caller's deadline.
	FlightTimeout time.Duration
	Retry         retry.Policy
}

// Status is a point-in-time view for diagnostics.
type Status struct {
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Logins    int64     `json:"logins"`
	LastError string    `json:"lastError,omitempty"`
}

type Manager struct {
	cfg  Config
	auth Authenticator
	now  func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	state     State
	lastErr   error

	flight singleflight.Group
	logins atomic.Int64
}

func NewManager(cfg Config, auth Authenticator) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RefreshBefore <= 0 || cfg.RefreshBefore >= cfg.TTL {
		cfg.RefreshBefore = min(DefaultRefreshBefore, cfg.TTL/2)
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = DefaultFlightTimeout
	}
	return &Manager{cfg: cfg, auth: auth, now: time.Now}
}

func (m *Manager) AppKey() string {
	return m.cfg.Credentials.AppKey
}

// Token returns a token that is valid right now, logging in first if needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.current(); ok {
		return tok, nil
	}
	return m.join(ctx, true)
}

// Login forces a new login even if the current token is still valid.
// Concurrent Token callers join the same flight.
func (m *Manager) Login(ctx context.Context) error {
	_, err := m.join(ctx, false)
	return err
}

// join starts or joins the shared login. The login runs detached from ctx;
// each caller only stops waiting when its own ctx is done.
func (m *Manager) join(ctx context.Context, reuse bool) (string, error) {
	ch := m.flight.DoChan(loginKey, func() (any, error) {
		// a flight that finished just before we joined may already have refreshed it
		if reuse {
			if tok, ok := m.current(); ok {
				return tok, nil
			}
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FlightTimeout)
		defer cancel()
		return m.login(fctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate marks the session expired if token is still the current one.
// Stale reports for an already replaced token are ignored.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || (token != "" && token != m.token) {
		return
	}
	log.Warn("会话被服务端拒绝，标记为过期")
	m.token = ""
	m.expiresAt = time.Time{}
	if m.state != StateFatal {
		m.state = StateExpired
	}
}

// Monitor refreshes the token proactively until ctx is done.
func (m *Manager) Monitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	log.Infof("会话监控已启动，检查间隔 %v，提前 %v 刷新", m.cfg.MonitorInterval, m.cfg.RefreshBefore)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.needsRefresh() {
				continue
			}
			if err := m.Login(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Errorf("会话刷新失败: %v", err)
			}
		}
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) ExpiresAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiresAt
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		State:     m.stateLocked().String(),
		ExpiresAt: m.expiresAt,
		Logins:    m.logins.Load(),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) stateLocked() State {
	if m.state == StateValid && !m.now().Before(m.expiresAt) {
		return StateExpired
	}
	return m.state
}

func (m *Manager) current() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// 主动刷新期间旧 token 仍可用
	if m.token == "" || !m.now().Before(m.expiresAt) {
		return "", false
	}
	return m.token, true
}

func (m *Manager) needsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == "" {
		return true
	}
	return !m.now().Add(m.cfg.RefreshBefore).Before(m.expiresAt)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) login(ctx context.Context) (string, error) {
	if missing := m.cfg.Credentials.Missing(); len(missing) > 0 {
		err := &domain.ConfigError{Missing: missing}
		m.setState(StateFatal, err)
		return "", err
	}

	m.mu.Lock()
	prev := m.state
	m.state = StateAuthenticating
	m.mu.Unlock()

	m.logins.Add(1)
	attempts := 0
	token, err := retry.Do(ctx, m.cfg.Retry, "login", func(ctx context.Context, attempt int) (string, error) {
		attempts = attempt
		return m.auth.Login(ctx, m.cfg.Credentials)
	})
	if err != nil {
		var cfgErr *domain.ConfigError
		switch {
		case ctx.Err() != nil:
			m.setState(prev, err)
			return "", err
		case errors.As(err, &cfgErr):
			m.setState(StateFatal, cfgErr)
			return "", cfgErr
		default:
			var ex *retry.ExhaustedError
			if errors.As(err, &ex) {
				attempts = ex.Attempts
			}
			authErr := &domain.AuthError{Attempts: attempts, Cause: err}
			m.setState(StateFatal, authErr)
			log.Errorf("登录失败: %v", authErr)
			return "", authErr
		}
	}

	m.mu.Lock()
	m.token = token
	m.expiresAt = m.now().Add(m.cfg.TTL)
	m.state = StateValid
	m.lastErr = nil
	expires := m.expiresAt
	m.mu.Unlock()

	log.Infof("登录成功，会话有效期至 %s", expires.Format(time.RFC3339))
	return token, nil
}

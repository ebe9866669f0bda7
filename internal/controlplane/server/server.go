package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/ledger"
	"github.com/betbot/dutchbet/internal/metrics"
	"github.com/betbot/dutchbet/internal/risk"
	"github.com/betbot/dutchbet/internal/strategy"
	"github.com/betbot/dutchbet/pkg/sdk/auth"
)

var log = logrus.WithField("component", "controlplane")

// Evaluator 触发一次完整的评估 + 下单流程
type Evaluator interface {
	Evaluate(ctx context.Context, req strategy.Request) domain.Outcome
}

type Session interface {
	Status() auth.Status
}

type MarketData interface {
	Snapshot(ctx context.Context, marketID string) (domain.MarketSnapshot, error)
}

// Records 下单与评估记录（ledger.Ledger）
type Records interface {
	ListBets(ctx context.Context, marketID string, limit int) ([]ledger.BetRecord, error)
	ListOutcomes(ctx context.Context, marketID string, limit int) ([]ledger.OutcomeRecord, error)
}

type Config struct {
	Listen string
	// APIToken 非空时写接口需要 Authorization: Bearer <token>
	APIToken string
}

// Deps 除 Evaluator 外都可以为空，对应接口返回 503
type Deps struct {
	Evaluator Evaluator
	Session   Session
	Markets   MarketData
	Records   Records
	Breaker   *risk.CircuitBreaker
	// WS 推送入口（broadcast.Hub.HandleWS）
	WS http.HandlerFunc
}

type Server struct {
	cfg  Config
	deps Deps
	srv  *http.Server
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	r.Any("/debug/*path", gin.WrapH(metrics.Handler()))
	if s.deps.WS != nil {
		r.GET("/ws", gin.WrapF(s.deps.WS))
	}

	api := r.Group("/api")
	api.GET("/session", s.wrap(s.handleSession))
	api.POST("/workflow", s.requireToken(), s.wrap(s.handleWorkflow))
	api.GET("/markets/:marketID/snapshot", s.wrap(s.handleSnapshot))
	api.GET("/bets", s.wrap(s.handleBets))
	api.GET("/outcomes", s.wrap(s.handleOutcomes))

	rk := api.Group("/risk")
	rk.GET("", s.wrap(s.handleRiskStatus))
	rk.POST("/halt", s.requireToken(), s.wrap(s.handleRiskHalt))
	rk.POST("/resume", s.requireToken(), s.wrap(s.handleRiskResume))

	return r
}

// Start 非阻塞启动，监听失败直接返回
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("控制面服务异常退出")
		}
	}()
	log.Infof("控制面已启动: %s", ln.Addr())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIToken == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIToken)) != 1 {
			writeError(c.Writer, http.StatusUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

type paramsKeyType string

const paramsKey paramsKeyType = "dutchbet_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

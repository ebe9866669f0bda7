package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/dutchbet/internal/broadcast"
	"github.com/betbot/dutchbet/internal/controlplane/server"
	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/execution"
	"github.com/betbot/dutchbet/internal/feed"
	"github.com/betbot/dutchbet/internal/ledger"
	"github.com/betbot/dutchbet/internal/metrics"
	"github.com/betbot/dutchbet/internal/risk"
	"github.com/betbot/dutchbet/internal/snapshot"
	"github.com/betbot/dutchbet/internal/strategy"
	"github.com/betbot/dutchbet/pkg/config"
	"github.com/betbot/dutchbet/pkg/kvstore"
	"github.com/betbot/dutchbet/pkg/logger"
	"github.com/betbot/dutchbet/pkg/sdk/api"
	"github.com/betbot/dutchbet/pkg/sdk/auth"
	"github.com/betbot/dutchbet/pkg/sdk/stream"
	"github.com/betbot/dutchbet/pkg/shutdown"
	"github.com/betbot/dutchbet/pkg/syncgroup"
)

// subscribingEvaluator 评估前把市场加入推送订阅，后续评估可直接使用推送快照
type subscribingEvaluator struct {
	*strategy.Evaluator
	stream *stream.Client
}

func (s subscribingEvaluator) Evaluate(ctx context.Context, req strategy.Request) domain.Outcome {
	if s.stream != nil && req.MarketID != "" {
		s.stream.Subscribe(req.MarketID)
	}
	return s.Evaluator.Evaluate(ctx, req)
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	marketID := flag.String("market", "", "市场 ID（-once 模式必填）")
	ttl := flag.Float64("ttl", 60, "距开赛分钟数")
	matched := flag.Float64("matched", 1000, "市场已成交金额")
	sport := flag.String("sport", "", "运动类型")
	once := flag.Bool("once", false, "只对 -market 执行一次评估后退出")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if domain.IsConfigError(err) {
			logrus.Errorf("配置错误，无法启动: %v", err)
		} else {
			logrus.Errorf("加载配置失败: %v", err)
		}
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}
	if *once && *marketID == "" {
		logrus.Error("-once 需要 -market")
		os.Exit(2)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	sd := shutdown.NewManager()
	bg := syncgroup.NewSyncGroup()
	sd.OnShutdown("background", func(ctx context.Context) error {
		rootCancel()
		if err := bg.Wait(ctx); err != nil {
			logrus.Warnf("后台任务未在截止前退出: %v", bg.Running())
			return err
		}
		return nil
	})

	// 存储
	key, err := cfg.EncryptionKey()
	if err != nil {
		logrus.Errorf("解析 kvstore 加密密钥失败: %v", err)
		os.Exit(1)
	}
	kv, err := kvstore.Open(kvstore.OpenOptions{Path: cfg.Storage.KVPath, EncryptionKey: key})
	if err != nil {
		logrus.Errorf("打开 kvstore 失败: %v", err)
		os.Exit(1)
	}
	sd.OnShutdown("kvstore", func(ctx context.Context) error { return kv.Close() })

	book, err := ledger.Open(cfg.Storage.LedgerPath)
	if err != nil {
		logrus.Errorf("打开账本失败: %v", err)
		os.Exit(1)
	}
	sd.OnShutdown("ledger", func(ctx context.Context) error { return book.Close() })

	// 会话
	sessions := auth.NewManager(cfg.AuthConfig(), auth.NewCertLogin(cfg.Betfair.LoginURL, cfg.LoginTimeout()))
	if err := sessions.Login(rootCtx); err != nil {
		if domain.IsAuthError(err) || domain.IsConfigError(err) {
			logrus.Errorf("登录失败，无法启动: %v", err)
		} else {
			logrus.Errorf("登录失败: %v", err)
		}
		os.Exit(1)
	}
	bg.Go("session-monitor", func() { sessions.Monitor(rootCtx) })

	client := api.NewClient(sessions, cfg.APIConfig())
	sd.OnShutdown("api", func(ctx context.Context) error {
		client.Close()
		return nil
	})

	// 推送（可选）
	hub := broadcast.NewHub()
	var (
		streamClient *stream.Client
		live         *snapshot.Store
	)
	if cfg.Stream.Enabled && !*once {
		live = snapshot.NewStore(cfg.SnapshotStoreTTL())
		streamClient = stream.NewClient(sessions, kv.Cursors(kvstore.DefaultCursorKey), cfg.StreamClientConfig())
		f := feed.New(streamClient, live)
		f.OnSnapshot(feed.SnapshotHandlerFunc(hub.OnSnapshot))

		if err := streamClient.Start(rootCtx); err != nil {
			logrus.Errorf("启动行情推送失败: %v", err)
			os.Exit(1)
		}
		if len(cfg.Stream.Markets) > 0 {
			streamClient.Subscribe(cfg.Stream.Markets...)
		}
		bg.Go("feed", func() { f.Run(rootCtx) })
		sd.OnShutdown("stream", func(ctx context.Context) error {
			streamClient.Stop()
			select {
			case <-f.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			live.Close()
			return nil
		})
	}
	provider := snapshot.NewProvider(client, live, cfg.SnapshotMaxAge())

	// 执行与评估
	breaker := risk.NewCircuitBreaker(cfg.Risk)
	executor := execution.NewExecutor(client, breaker, execution.Options{})
	executor.AddSink(book)
	executor.AddSink(hub)

	evaluator := strategy.NewDefaultEvaluator(cfg.Strategy, provider, provider, client, executor)
	evaluator.AddSink(book)
	evaluator.AddSink(hub)

	if *once {
		out := evaluator.Evaluate(rootCtx, strategy.Request{
			MarketID:           *marketID,
			TimeToStartMinutes: *ttl,
			MatchedAmount:      *matched,
			Sport:              *sport,
		})
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sd.Shutdown(shutdownCtx)
		cancel()
		if out.Status == domain.OutcomeFailed {
			os.Exit(1)
		}
		return
	}

	bg.Go("broadcast", func() { hub.Run(rootCtx) })

	if cfg.Server.DebugListen != "" {
		if _, err := metrics.StartAsync(rootCtx, cfg.Server.DebugListen); err != nil {
			logrus.Warnf("启动 debug 服务失败: %v", err)
		}
	}

	srv, err := server.New(server.Config{Listen: cfg.Server.Listen, APIToken: cfg.SecretKey}, server.Deps{
		Evaluator: subscribingEvaluator{Evaluator: evaluator, stream: streamClient},
		Session:   sessions,
		Markets:   provider,
		Records:   book,
		Breaker:   breaker,
		WS:        hub.HandleWS,
	})
	if err != nil {
		logrus.Errorf("初始化控制面失败: %v", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logrus.Errorf("启动控制面失败: %v", err)
		os.Exit(1)
	}
	sd.OnShutdown("controlplane", srv.Shutdown)

	logrus.Info("✅ 已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("收到停止信号，正在关闭...")
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sd.Shutdown(shutdownCtx)
	_ = logger.Close()
	logrus.Info("✅ 已停止")
}

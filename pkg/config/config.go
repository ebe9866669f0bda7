package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/internal/risk"
	"github.com/betbot/dutchbet/internal/strategy"
	"github.com/betbot/dutchbet/pkg/kvstore"
	"github.com/betbot/dutchbet/pkg/logger"
	"github.com/betbot/dutchbet/pkg/retry"
	"github.com/betbot/dutchbet/pkg/sdk/api"
	"github.com/betbot/dutchbet/pkg/sdk/auth"
	"github.com/betbot/dutchbet/pkg/sdk/stream"
)

// BetfairConfig 交易所凭证与接口地址。凭证一般只放在环境变量 / .env 中。
type BetfairConfig struct {
	CertPath string `yaml:"cert_path" json:"cert_path"`
	KeyPath  string `yaml:"key_path" json:"key_path"`
	AppKey   string `yaml:"app_key" json:"app_key"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	LoginURL   string `yaml:"login_url" json:"login_url"`
	BettingURL string `yaml:"betting_url" json:"betting_url"`
	AccountURL string `yaml:"account_url" json:"account_url"`
}

// SessionConfig 会话令牌
type SessionConfig struct {
	TTLMinutes             int `yaml:"ttl_minutes" json:"ttl_minutes"`
	RefreshBeforeMinutes   int `yaml:"refresh_before_minutes" json:"refresh_before_minutes"`
	MonitorIntervalSeconds int `yaml:"monitor_interval_seconds" json:"monitor_interval_seconds"`
	LoginTimeoutSeconds    int `yaml:"login_timeout_seconds" json:"login_timeout_seconds"`
}

// RetryConfig 登录、REST 调用、下单共用的重试策略
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	Jitter      float64 `yaml:"jitter" json:"jitter"`
}

// APIConfig REST 客户端
type APIConfig struct {
	TimeoutSeconds      int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" json:"requests_per_second"`
	CatalogueTTLSeconds int     `yaml:"catalogue_ttl_seconds" json:"catalogue_ttl_seconds"`
}

// StreamConfig 行情推送
type StreamConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Addr        string   `yaml:"addr" json:"addr"`
	HeartbeatMs int      `yaml:"heartbeat_ms" json:"heartbeat_ms"`
	ConflateMs  int      `yaml:"conflate_ms" json:"conflate_ms"`
	BufferSize  int      `yaml:"buffer_size" json:"buffer_size"`
	Markets     []string `yaml:"markets" json:"markets"`
}

// SnapshotConfig 推送快照的有效期；超过 MaxAgeMs 回退到 REST
type SnapshotConfig struct {
	MaxAgeMs        int `yaml:"max_age_ms" json:"max_age_ms"`
	StoreTTLSeconds int `yaml:"store_ttl_seconds" json:"store_ttl_seconds"`
}

// StorageConfig 本地存储
type StorageConfig struct {
	// KVPath badger 目录（推送游标），为空则使用内存
	KVPath string `yaml:"kv_path" json:"kv_path"`
	// KVEncryptionKey 32 字节 hex/base64，为空不加密
	KVEncryptionKey string `yaml:"kv_encryption_key" json:"kv_encryption_key"`
	// LedgerPath sqlite 文件（下单与评估记录），为空则使用内存
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`
}

// ServerConfig 控制面
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// DebugListen 独立的 expvar/pprof 端口，为空不启动
	DebugListen string `yaml:"debug_listen" json:"debug_listen"`
}

type Config struct {
	Betfair  BetfairConfig             `yaml:"betfair" json:"betfair"`
	Session  SessionConfig             `yaml:"session" json:"session"`
	Retry    RetryConfig               `yaml:"retry" json:"retry"`
	API      APIConfig                 `yaml:"api" json:"api"`
	Stream   StreamConfig              `yaml:"stream" json:"stream"`
	Snapshot SnapshotConfig            `yaml:"snapshot" json:"snapshot"`
	Storage  StorageConfig             `yaml:"storage" json:"storage"`
	Server   ServerConfig              `yaml:"server" json:"server"`
	Risk     risk.CircuitBreakerConfig `yaml:"risk" json:"risk"`
	Strategy strategy.Params           `yaml:"strategy" json:"strategy"`
	Log      logger.Config             `yaml:"log" json:"log"`

	// SecretKey 控制面写接口的访问令牌，为空则不校验
	SecretKey string `yaml:"-" json:"-"`
}

// Default 所有可调参数的默认值
func Default() *Config {
	return &Config{
		Betfair: BetfairConfig{
			LoginURL:   auth.DefaultLoginURL,
			BettingURL: api.DefaultBettingURL,
			AccountURL: api.DefaultAccountURL,
		},
		Session: SessionConfig{
			TTLMinutes:             int(auth.DefaultTTL / time.Minute),
			RefreshBeforeMinutes:   int(auth.DefaultRefreshBefore / time.Minute),
			MonitorIntervalSeconds: int(auth.DefaultMonitorInterval / time.Second),
			LoginTimeoutSeconds:    20,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 2000,
			MaxDelayMs:  30000,
			Jitter:      0.2,
		},
		API: APIConfig{
			TimeoutSeconds:      20,
			RequestsPerSecond:   5,
			CatalogueTTLSeconds: 300,
		},
		Stream: StreamConfig{
			Enabled:     false,
			Addr:        stream.DefaultAddr,
			HeartbeatMs: 5000,
			BufferSize:  256,
		},
		Snapshot: SnapshotConfig{
			MaxAgeMs:        2000,
			StoreTTLSeconds: 600,
		},
		Storage: StorageConfig{
			KVPath:     "data/cursor",
			LedgerPath: "data/ledger.db",
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Risk: risk.CircuitBreakerConfig{
			MaxConsecutiveErrors: 5,
		},
		Strategy: strategy.DefaultParams(),
		Log: logger.Config{
			Level:      "info",
			OutputFile: "logs/dutchbot.log",
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// Load 加载顺序：默认值 → 配置文件（可选）→ 环境变量（含 .env）。
// 返回前会调用 Validate，缺少凭证时错误为 *domain.ConfigError。
func Load(path string) (*Config, error) {
	// .env 不存在不算错误
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	cfg := Default()
	if path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "加载配置文件失败 %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 在已有默认值上覆盖文件中出现的字段
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Betfair.CertPath = getEnv("BETFAIR_CERT_PATH", c.Betfair.CertPath)
	c.Betfair.KeyPath = getEnv("BETFAIR_KEY_PATH", c.Betfair.KeyPath)
	c.Betfair.AppKey = getEnv("BETFAIR_API_KEY", c.Betfair.AppKey)
	c.Betfair.Username = getEnv("BETFAIR_USERNAME", c.Betfair.Username)
	c.Betfair.Password = getEnv("BETFAIR_PASSWORD", c.Betfair.Password)
	c.Betfair.LoginURL = getEnv("BETFAIR_LOGIN_URL", c.Betfair.LoginURL)
	c.SecretKey = getEnv("SECRET_KEY", c.SecretKey)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.OutputFile = getEnv("LOG_FILE", c.Log.OutputFile)
	c.Log.JSON = parseBoolEnv("LOG_JSON", c.Log.JSON)

	c.Stream.Enabled = parseBoolEnv("STREAM_ENABLED", c.Stream.Enabled)
	if v := os.Getenv("STREAM_MARKETS"); v != "" {
		c.Stream.Markets = splitList(v)
	}
	c.Storage.KVPath = getEnv("KV_PATH", c.Storage.KVPath)
	c.Storage.KVEncryptionKey = getEnv("KV_ENCRYPTION_KEY", c.Storage.KVEncryptionKey)
	c.Storage.LedgerPath = getEnv("LEDGER_PATH", c.Storage.LedgerPath)
	c.Server.Listen = getEnv("LISTEN_ADDR", c.Server.Listen)

	c.Retry.MaxAttempts = parseIntEnv("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.API.RequestsPerSecond = parseFloatEnv("API_REQUESTS_PER_SECOND", c.API.RequestsPerSecond)
	c.Risk.DailyLiabilityLimitCents = int64(parseIntEnv("RISK_DAILY_LIABILITY_LIMIT_CENTS", int(c.Risk.DailyLiabilityLimitCents)))
}

// Credentials 登录所需的五项凭证
func (c *Config) Credentials() auth.Credentials {
	return auth.Credentials{
		CertPath: c.Betfair.CertPath,
		KeyPath:  c.Betfair.KeyPath,
		AppKey:   c.Betfair.AppKey,
		Username: c.Betfair.Username,
		Password: c.Betfair.Password,
	}
}

// Validate 缺少任何下注相关凭证都是启动级错误
func (c *Config) Validate() error {
	if missing := c.Credentials().Missing(); len(missing) > 0 {
		return &domain.ConfigError{Missing: missing}
	}
	if c.Retry.MaxAttempts < 1 {
		return &domain.ConfigError{Reason: "retry.max_attempts 必须 >= 1"}
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return &domain.ConfigError{Reason: "retry.jitter 必须在 [0,1] 之间"}
	}
	if c.Session.RefreshBeforeMinutes >= c.Session.TTLMinutes {
		return &domain.ConfigError{Reason: "session.refresh_before_minutes 必须小于 ttl_minutes"}
	}
	if c.API.RequestsPerSecond < 0 {
		return &domain.ConfigError{Reason: "api.requests_per_second 不能为负"}
	}
	if c.Stream.Enabled && c.Stream.Addr == "" {
		return &domain.ConfigError{Reason: "stream.addr 未配置"}
	}
	if _, err := c.EncryptionKey(); err != nil {
		return &domain.ConfigError{Reason: "storage.kv_encryption_key: " + err.Error()}
	}
	return nil
}

// RetryPolicy 统一的重试策略对象
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMs) * time.Millisecond,
		Jitter:      c.Retry.Jitter,
	}
}

func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Credentials:     c.Credentials(),
		TTL:             time.Duration(c.Session.TTLMinutes) * time.Minute,
		RefreshBefore:   time.Duration(c.Session.RefreshBeforeMinutes) * time.Minute,
		MonitorInterval: time.Duration(c.Session.MonitorIntervalSeconds) * time.Second,
		FlightTimeout:   c.loginFlightTimeout(),
		Retry:           c.RetryPolicy(),
	}
}

// loginFlightTimeout 一次共享登录（含全部重试和退避）的总上限
func (c *Config) loginFlightTimeout() time.Duration {
	p := c.RetryPolicy()
	n := time.Duration(max(p.MaxAttempts, 1))
	return n*c.LoginTimeout() + n*p.MaxDelay
}

func (c *Config) LoginTimeout() time.Duration {
	return time.Duration(c.Session.LoginTimeoutSeconds) * time.Second
}

func (c *Config) APIConfig() api.Config {
	return api.Config{
		BettingURL:        c.Betfair.BettingURL,
		AccountURL:        c.Betfair.AccountURL,
		Retry:             c.RetryPolicy(),
		Timeout:           time.Duration(c.API.TimeoutSeconds) * time.Second,
		RequestsPerSecond: c.API.RequestsPerSecond,
		CatalogueTTL:      time.Duration(c.API.CatalogueTTLSeconds) * time.Second,
	}
}

// StreamClientConfig 在 stream.DefaultConfig 上覆盖地址、心跳、合并间隔
func (c *Config) StreamClientConfig() stream.Config {
	sc := stream.DefaultConfig()
	if c.Stream.Addr != "" {
		sc.Addr = c.Stream.Addr
	}
	if c.Stream.HeartbeatMs > 0 {
		sc.HeartbeatMs = c.Stream.HeartbeatMs
	}
	if c.Stream.ConflateMs > 0 {
		sc.ConflateMs = c.Stream.ConflateMs
	}
	if c.Stream.BufferSize > 0 {
		sc.BufferSize = c.Stream.BufferSize
	}
	return sc
}

func (c *Config) SnapshotMaxAge() time.Duration {
	return time.Duration(c.Snapshot.MaxAgeMs) * time.Millisecond
}

func (c *Config) SnapshotStoreTTL() time.Duration {
	return time.Duration(c.Snapshot.StoreTTLSeconds) * time.Second
}

// EncryptionKey 解析 badger 加密密钥，未配置时返回 nil
func (c *Config) EncryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Storage.KVEncryptionKey)
	if raw == "" {
		return nil, nil
	}
	return kvstore.ParseKey(raw)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/dutchbet/internal/domain"
)

var credentialEnv = map[string]string{
	"BETFAIR_CERT_PATH": "/certs/client.crt",
	"BETFAIR_KEY_PATH":  "/certs/client.key",
	"BETFAIR_API_KEY":   "app-key",
	"BETFAIR_USERNAME":  "user",
	"BETFAIR_PASSWORD":  "pass",
}

func setCredentials(t *testing.T) {
	t.Helper()
	for k, v := range credentialEnv {
		t.Setenv(k, v)
	}
}

func clearCredentials(t *testing.T) {
	t.Helper()
	for k := range credentialEnv {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithEnvCredentials(t *testing.T) {
	setCredentials(t)
	t.Setenv("SECRET_KEY", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "app-key", cfg.Credentials().AppKey)
	assert.Equal(t, "s3cret", cfg.SecretKey)
	assert.Equal(t, 24*time.Hour, cfg.AuthConfig().TTL)
	assert.Equal(t, 3, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryPolicy().BaseDelay)
	assert.Equal(t, 0.05, cfg.Strategy.LayDutch.Commission)
	assert.Equal(t, 1.75, cfg.Strategy.LTD.MinRatio)
}

func TestLoadMissingCredentials(t *testing.T) {
	clearCredentials(t)
	t.Setenv("BETFAIR_API_KEY", "app-key")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))

	var ce *domain.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"BETFAIR_CERT_PATH", "BETFAIR_KEY_PATH", "BETFAIR_USERNAME", "BETFAIR_PASSWORD"}, ce.Missing)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	setCredentials(t)
	path := writeFile(t, "config.yaml", `
retry:
  max_attempts: 5
stream:
  enabled: true
  markets: ["1.100", "1.200"]
risk:
  daily_liability_limit_cents: 50000
strategy:
  ltd:
    min_ratio: 2.0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	// 文件里没写的字段保留默认值
	assert.Equal(t, 2000, cfg.Retry.BaseDelayMs)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, []string{"1.100", "1.200"}, cfg.Stream.Markets)
	assert.Equal(t, int64(50000), cfg.Risk.DailyLiabilityLimitCents)
	assert.Equal(t, 2.0, cfg.Strategy.LTD.MinRatio)
	assert.Equal(t, 10.0, cfg.Strategy.LTD.Stake)
}

func TestLoadJSON(t *testing.T) {
	setCredentials(t)
	path := writeFile(t, "config.json", `{"server":{"listen":"127.0.0.1:9000"},"api":{"requests_per_second":2}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 2.0, cfg.APIConfig().RequestsPerSecond)
}

func TestEnvOverridesFile(t *testing.T) {
	setCredentials(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STREAM_MARKETS", " 1.1, ,1.2 ")
	path := writeFile(t, "config.yml", "log:\n  level: warn\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"1.1", "1.2"}, cfg.Stream.Markets)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	setCredentials(t)
	path := writeFile(t, "config.toml", "x = 1")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".toml")
}

func TestValidate(t *testing.T) {
	setCredentials(t)
	base, err := Load("")
	require.NoError(t, err)

	cfg := *base
	cfg.Retry.MaxAttempts = 0
	assert.True(t, domain.IsConfigError(cfg.Validate()))

	cfg = *base
	cfg.Session.RefreshBeforeMinutes = cfg.Session.TTLMinutes
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Storage.KVEncryptionKey = "short"
	assert.Error(t, cfg.Validate())

	cfg = *base
	cfg.Storage.KVEncryptionKey = "0x" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	require.NoError(t, cfg.Validate())
	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestStreamClientConfig(t *testing.T) {
	cfg := Default()
	cfg.Stream.ConflateMs = 500
	sc := cfg.StreamClientConfig()
	assert.Equal(t, 500, sc.ConflateMs)
	assert.Equal(t, 5000, sc.HeartbeatMs)
	assert.Equal(t, cfg.Stream.Addr, sc.Addr)
}

func TestAuthConfigFlightTimeoutCoversRetries(t *testing.T) {
	cfg := Default()
	ac := cfg.AuthConfig()
	// 3 次 × (20s 请求超时 + 30s 退避上限)
	assert.Equal(t, 150*time.Second, ac.FlightTimeout)
	assert.Equal(t, 3, ac.Retry.MaxAttempts)
}

func TestEncryptionKey(t *testing.T) {
	cfg := Default()
	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Nil(t, key, "未配置时不加密")

	cfg.Storage.KVEncryptionKey = "not-a-key"
	_, err = cfg.EncryptionKey()
	assert.Error(t, err)

	cfg.Storage.KVEncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	key, err = cfg.EncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

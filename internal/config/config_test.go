package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1920, cfg.Browser.WindowWidth)
	assert.Equal(t, 1080, cfg.Browser.WindowHeight)
	assert.False(t, cfg.Proxy.Rotate)
	assert.Equal(t, 15*time.Second, cfg.Proxy.SettleDelay)
	assert.Equal(t, 3, cfg.Negotiate.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Negotiate.NavigationTimeout)
	assert.Equal(t, 20*time.Second, cfg.Negotiate.ReadyTimeout)
	assert.Equal(t, 30, cfg.Listing.MaxScrolls)
	assert.Equal(t, 4, cfg.Listing.StuckThreshold)
	assert.Equal(t, 5, cfg.Listing.EndEvery)
	assert.Equal(t, time.Second, cfg.Listing.ScrollDelay)
	assert.Equal(t, 20*time.Second, cfg.Listing.ResultsTimeout)
	assert.Equal(t, 1, cfg.Enrich.Concurrency)
	assert.Equal(t, IsolationShared, cfg.Enrich.Isolation)
	assert.Equal(t, time.Second, cfg.Enrich.JitterMin)
	assert.Equal(t, 4*time.Second, cfg.Enrich.JitterMax)
	assert.Equal(t, 40*time.Second, cfg.Enrich.NavTimeout)
	assert.Equal(t, 4*time.Second, cfg.Enrich.PhoneWait)
	assert.Zero(t, cfg.Enrich.BlockBreakerThreshold)
	assert.Zero(t, cfg.Harvest.OperationTimeout)
	assert.Equal(t, "csv", cfg.Export.Format)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.NoError(t, cfg.Validate("scrape"))
	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("runs"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
proxy:
  server: http://proxy.local:8000
  rotate: true
  rotate_url: http://proxy.local/rotate
  settle_delay: 5s
enrich:
  concurrency: 3
  isolation: browser
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://proxy.local:8000", cfg.Proxy.Server)
	assert.True(t, cfg.Proxy.Rotate)
	assert.Equal(t, 5*time.Second, cfg.Proxy.SettleDelay)
	assert.Equal(t, 3, cfg.Enrich.Concurrency)
	assert.Equal(t, IsolationBrowser, cfg.Enrich.Isolation)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 30, cfg.Listing.MaxScrolls)
	assert.NoError(t, cfg.Validate("scrape"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MAPHARVEST_STORE_DRIVER", "postgres")
	t.Setenv("MAPHARVEST_LOG_LEVEL", "warn")
	t.Setenv("MAPHARVEST_PROXY_PASSWORD", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "s3cret", cfg.Proxy.Password)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MAPHARVEST_SERVER_PORT", "3000")
	t.Setenv("MAPHARVEST_ENRICH_NAV_TIMEOUT", "25s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 25*time.Second, cfg.Enrich.NavTimeout)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Negotiate = NegotiateConfig{MaxAttempts: 3, NavigationTimeout: time.Minute, ReadyTimeout: 20 * time.Second}
	cfg.Listing = ListingConfig{MaxScrolls: 30, StuckThreshold: 4, EndEvery: 5, ScrollDelay: time.Second, ResultsTimeout: 20 * time.Second}
	cfg.Enrich = EnrichConfig{Concurrency: 1, Isolation: IsolationShared, JitterMin: time.Second, JitterMax: 4 * time.Second, NavTimeout: 40 * time.Second}
	cfg.Store = StoreConfig{Driver: "sqlite", DatabaseURL: "runs.db"}
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	for _, n := range []int{0, 6} {
		cfg.Enrich.Concurrency = n
		err := cfg.Validate("scrape")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "enrich.concurrency must be between 1 and 5")
	}
	for _, n := range []int{1, 5} {
		cfg.Enrich.Concurrency = n
		assert.NoError(t, cfg.Validate("scrape"))
	}
}

func TestValidateAttemptBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Negotiate.MaxAttempts = 0
	err := cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negotiate.max_attempts")

	cfg.Negotiate.MaxAttempts = 6
	assert.Error(t, cfg.Validate("scrape"))
}

func TestValidateRotationRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Proxy.Rotate = true

	err := cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.rotate_url is required")

	cfg.Proxy.RotateURL = "http://proxy.local/rotate"
	assert.NoError(t, cfg.Validate("scrape"))
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := validDefaults()
	cfg.Listing.MaxScrolls = 0
	cfg.Enrich.Isolation = "tab"
	cfg.Enrich.JitterMax = 0

	err := cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing.max_scrolls")
	assert.Contains(t, err.Error(), "enrich.isolation")
	assert.Contains(t, err.Error(), "jitter range")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("scrape"))
}

func TestValidateRuns_NeedsStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "none"

	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver is required")
	assert.NoError(t, cfg.Validate("scrape"))

	cfg.Store = StoreConfig{Driver: "postgres"}
	err = cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mongo"
	err := cfg.Validate("scrape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.driver")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

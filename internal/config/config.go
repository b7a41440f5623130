package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Isolation modes for enrichment page handling.
const (
	IsolationShared  = "shared"
	IsolationBrowser = "browser"
)

// Config holds the full application configuration.
type Config struct {
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Negotiate NegotiateConfig `yaml:"negotiate" mapstructure:"negotiate"`
	Listing   ListingConfig   `yaml:"listing" mapstructure:"listing"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Harvest   HarvestConfig   `yaml:"harvest" mapstructure:"harvest"`
	Profile   ProfileConfig   `yaml:"profile" mapstructure:"profile"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Headless       bool   `yaml:"headless" mapstructure:"headless"`
	ExecPath       string `yaml:"exec_path" mapstructure:"exec_path"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	WindowWidth    int    `yaml:"window_width" mapstructure:"window_width"`
	WindowHeight   int    `yaml:"window_height" mapstructure:"window_height"`
	BlockResources bool   `yaml:"block_resources" mapstructure:"block_resources"`
}

// ProxyConfig is the outbound proxy identity plus its rotation endpoint.
// It is read once at start and shared read-only.
type ProxyConfig struct {
	Server        string        `yaml:"server" mapstructure:"server"`
	Username      string        `yaml:"username" mapstructure:"username"`
	Password      string        `yaml:"password" mapstructure:"password"`
	Rotate        bool          `yaml:"rotate" mapstructure:"rotate"`
	RotateURL     string        `yaml:"rotate_url" mapstructure:"rotate_url"`
	RotateTimeout time.Duration `yaml:"rotate_timeout" mapstructure:"rotate_timeout"`
	SettleDelay   time.Duration `yaml:"settle_delay" mapstructure:"settle_delay"`
}

// NegotiateConfig configures the capability negotiator.
type NegotiateConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" mapstructure:"navigation_timeout"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout"`
}

// ListingConfig configures the scroll loop.
type ListingConfig struct {
	MaxScrolls     int           `yaml:"max_scrolls" mapstructure:"max_scrolls"`
	StuckThreshold int           `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
	EndEvery       int           `yaml:"end_every" mapstructure:"end_every"`
	ScrollDelay    time.Duration `yaml:"scroll_delay" mapstructure:"scroll_delay"`
	ResultsTimeout time.Duration `yaml:"results_timeout" mapstructure:"results_timeout"`
}

// EnrichConfig configures the detail-page phone fetchers.
type EnrichConfig struct {
	Concurrency           int           `yaml:"concurrency" mapstructure:"concurrency"`
	Isolation             string        `yaml:"isolation" mapstructure:"isolation"`
	JitterMin             time.Duration `yaml:"jitter_min" mapstructure:"jitter_min"`
	JitterMax             time.Duration `yaml:"jitter_max" mapstructure:"jitter_max"`
	NavTimeout            time.Duration `yaml:"nav_timeout" mapstructure:"nav_timeout"`
	RevealPause           time.Duration `yaml:"reveal_pause" mapstructure:"reveal_pause"`
	PhoneWait             time.Duration `yaml:"phone_wait" mapstructure:"phone_wait"`
	PhoneRegion           string        `yaml:"phone_region" mapstructure:"phone_region"`
	PaceRate              float64       `yaml:"pace_rate" mapstructure:"pace_rate"`
	PaceBurst             int           `yaml:"pace_burst" mapstructure:"pace_burst"`
	BlockBreakerThreshold int           `yaml:"block_breaker_threshold" mapstructure:"block_breaker_threshold"`
	BlockBreakerCooldown  time.Duration `yaml:"block_breaker_cooldown" mapstructure:"block_breaker_cooldown"`
}

// HarvestConfig configures a whole run.
type HarvestConfig struct {
	Query            string        `yaml:"query" mapstructure:"query"`
	OperationTimeout time.Duration `yaml:"operation_timeout" mapstructure:"operation_timeout"`
	PersistAttempts  int           `yaml:"persist_attempts" mapstructure:"persist_attempts"`
}

// ProfileConfig points at an optional site profile YAML.
type ProfileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ExportConfig configures file output of the scrape command.
type ExportConfig struct {
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// StoreConfig configures the run history database. Driver "none" disables it.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Enabled reports whether runs should be persisted.
func (s StoreConfig) Enabled() bool {
	return s.Driver != "" && s.Driver != "none"
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	EventLimit      int           `yaml:"event_limit" mapstructure:"event_limit"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.block_resources", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("proxy.server", "")
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.rotate_url", "")
	v.SetDefault("proxy.rotate", false)
	v.SetDefault("proxy.rotate_timeout", "30s")
	v.SetDefault("proxy.settle_delay", "15s")
	v.SetDefault("negotiate.max_attempts", 3)
	v.SetDefault("negotiate.navigation_timeout", "60s")
	v.SetDefault("negotiate.ready_timeout", "20s")
	v.SetDefault("listing.max_scrolls", 30)
	v.SetDefault("listing.stuck_threshold", 4)
	v.SetDefault("listing.end_every", 5)
	v.SetDefault("listing.scroll_delay", "1s")
	v.SetDefault("listing.results_timeout", "20s")
	v.SetDefault("enrich.concurrency", 1)
	v.SetDefault("enrich.isolation", IsolationShared)
	v.SetDefault("enrich.jitter_min", "1s")
	v.SetDefault("enrich.jitter_max", "4s")
	v.SetDefault("enrich.nav_timeout", "40s")
	v.SetDefault("enrich.reveal_pause", "1s")
	v.SetDefault("enrich.phone_wait", "4s")
	v.SetDefault("enrich.phone_region", "")
	v.SetDefault("enrich.pace_rate", 0)
	v.SetDefault("enrich.pace_burst", 1)
	v.SetDefault("enrich.block_breaker_threshold", 0)
	v.SetDefault("enrich.block_breaker_cooldown", "2m")
	v.SetDefault("harvest.query", "")
	v.SetDefault("harvest.operation_timeout", "0s")
	v.SetDefault("harvest.persist_attempts", 3)
	v.SetDefault("profile.path", "")
	v.SetDefault("export.format", "csv")
	v.SetDefault("export.output", "data.csv")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mapharvest.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.event_limit", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MAPHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks ranges and cross-field requirements for the given command
// mode ("scrape", "serve" or "runs"). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "scrape", "serve":
		c.validateHarvest(add)
		if mode == "serve" && c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "runs":
		if !c.Store.Enabled() {
			add("store.driver is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "", "none", "sqlite", "postgres", "postgresql":
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.Enabled() && c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateHarvest(add func(string, ...any)) {
	if c.Enrich.Concurrency < 1 || c.Enrich.Concurrency > 5 {
		add("enrich.concurrency must be between 1 and 5")
	}
	if c.Negotiate.MaxAttempts < 1 || c.Negotiate.MaxAttempts > 5 {
		add("negotiate.max_attempts must be between 1 and 5")
	}
	if c.Listing.MaxScrolls < 1 {
		add("listing.max_scrolls must be > 0")
	}
	if c.Listing.StuckThreshold < 1 {
		add("listing.stuck_threshold must be > 0")
	}
	if c.Listing.EndEvery < 1 {
		add("listing.end_every must be > 0")
	}
	if c.Negotiate.NavigationTimeout <= 0 || c.Negotiate.ReadyTimeout <= 0 ||
		c.Listing.ResultsTimeout <= 0 || c.Enrich.NavTimeout <= 0 {
		add("timeouts must be > 0")
	}
	if c.Enrich.JitterMin < 0 || c.Enrich.JitterMax < c.Enrich.JitterMin {
		add("enrich jitter range [%s, %s] is invalid", c.Enrich.JitterMin, c.Enrich.JitterMax)
	}
	switch c.Enrich.Isolation {
	case IsolationShared, IsolationBrowser:
	default:
		add("enrich.isolation must be %q or %q", IsolationShared, IsolationBrowser)
	}
	if c.Enrich.BlockBreakerThreshold < 0 {
		add("enrich.block_breaker_threshold must be >= 0")
	}
	if c.Proxy.Rotate && c.Proxy.RotateURL == "" {
		add("proxy.rotate_url is required when proxy.rotate is set")
	}
	if c.Harvest.OperationTimeout < 0 {
		add("harvest.operation_timeout must be >= 0")
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

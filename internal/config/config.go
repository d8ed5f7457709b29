package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"offerwatch/internal/history"
	"offerwatch/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. OFFERWATCH_SCAN_TLD.
const EnvPrefix = "OFFERWATCH"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	History   HistoryConfig   `mapstructure:"history"`
	Items     ItemsConfig     `mapstructure:"items"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs scan cadence. Cron wins over Interval when set.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	Cron          string        `mapstructure:"cron"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// ScanConfig tunes one scan cycle.
type ScanConfig struct {
	TLD              string            `mapstructure:"tld"`
	ItemDelay        time.Duration     `mapstructure:"item_delay"`
	SoftBanCooldown  time.Duration     `mapstructure:"soft_ban_cooldown"`
	DefaultWarehouse bool              `mapstructure:"default_warehouse"`
	URLParams        map[string]string `mapstructure:"url_params"`
}

// IdentityConfig controls user-agent and proxy rotation.
type IdentityConfig struct {
	UserAgentStrategy string        `mapstructure:"user_agent_strategy"`
	UserAgents        []string      `mapstructure:"user_agents"`
	RotateOnSoftBan   bool          `mapstructure:"rotate_on_soft_ban"`
	Proxies           []string      `mapstructure:"proxies"`
	ProxyStrategy     string        `mapstructure:"proxy_strategy"`
	ProxyCooldown     time.Duration `mapstructure:"proxy_cooldown"`
}

// FetcherConfig covers page retrieval.
type FetcherConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryWithNextProxy bool          `mapstructure:"retry_with_next_proxy"`
}

// HistoryConfig bounds the per-item price history.
type HistoryConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	KeepFullDays        int     `mapstructure:"keep_full_days"`
	MaxPoints           int     `mapstructure:"max_points"`
	NoiseProtection     bool    `mapstructure:"noise_protection"`
	OutlierJumpPct      float64 `mapstructure:"outlier_jump_pct"`
	OutlierTolerancePct float64 `mapstructure:"outlier_tolerance_pct"`
	OutlierConfirmScans int     `mapstructure:"outlier_confirm_scans"`
}

// ItemsConfig locates the tracked-item list.
type ItemsConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig locates the JSON state file used when no database is configured.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// AlertingConfig defines alert delivery.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// DiscordConfig lists the default webhook and named per-item channels.
type DiscordConfig struct {
	WebhookURL string            `mapstructure:"webhook_url"`
	Username   string            `mapstructure:"username"`
	Webhooks   map[string]string `mapstructure:"webhooks"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig exposes the control API.
type APIConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Addr         string   `mapstructure:"addr"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "offerwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("scan.tld", "com")
	v.SetDefault("scan.item_delay", "60s")
	v.SetDefault("scan.soft_ban_cooldown", "30m")
	v.SetDefault("scan.default_warehouse", false)

	v.SetDefault("identity.user_agent_strategy", "sticky-per-item")
	v.SetDefault("identity.user_agents", []string{})
	v.SetDefault("identity.rotate_on_soft_ban", true)
	v.SetDefault("identity.proxies", []string{})
	v.SetDefault("identity.proxy_strategy", "round-robin")
	v.SetDefault("identity.proxy_cooldown", "5m")

	v.SetDefault("fetcher.timeout", "12s")
	v.SetDefault("fetcher.retry_with_next_proxy", true)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.keep_full_days", 7)
	v.SetDefault("history.max_points", 2000)
	v.SetDefault("history.noise_protection", true)
	v.SetDefault("history.outlier_jump_pct", 25.0)
	v.SetDefault("history.outlier_tolerance_pct", 5.0)
	v.SetDefault("history.outlier_confirm_scans", 2)

	v.SetDefault("items.path", "urls.txt")
	v.SetDefault("storage.path", "watch.json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x6f666672))
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.timeout", "15s")
	v.SetDefault("alerting.discord.webhook_url", "")
	v.SetDefault("alerting.discord.username", "offerwatch")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", "127.0.0.1:8090")
	v.SetDefault("api.allow_origins", []string{})

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1200)
	v.SetDefault("export.chart_height", 500)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scheduler.Cron) == "" && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if strings.TrimSpace(c.Scan.TLD) == "" {
		return fmt.Errorf("scan.tld is required")
	}
	if c.Scan.ItemDelay < 0 {
		return fmt.Errorf("scan.item_delay cannot be negative")
	}
	if c.Scan.SoftBanCooldown < 0 {
		return fmt.Errorf("scan.soft_ban_cooldown cannot be negative")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than zero")
	}
	if c.History.Enabled {
		if c.History.MaxPoints <= 0 {
			return fmt.Errorf("history.max_points must be greater than zero")
		}
		if c.History.KeepFullDays < 0 {
			return fmt.Errorf("history.keep_full_days cannot be negative")
		}
	}
	if strings.TrimSpace(c.Items.Path) == "" {
		return fmt.Errorf("items.path is required")
	}
	if c.Database.DSN == "" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required without database.dsn")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Addr) == "" {
		return fmt.Errorf("api.addr is required when the api is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Policy converts the history section into a history.Policy.
func (h HistoryConfig) Policy() history.Policy {
	p := history.DefaultPolicy()
	p.Enabled = h.Enabled
	if h.MaxPoints > 0 {
		p.MaxPoints = h.MaxPoints
	}
	if h.KeepFullDays >= 0 {
		p.KeepFullFor = time.Duration(h.KeepFullDays) * 24 * time.Hour
	}
	if h.OutlierJumpPct > 0 {
		p.OutlierJump = decimal.NewFromFloat(h.OutlierJumpPct).Div(decimal.NewFromInt(100))
	}
	if h.OutlierTolerancePct > 0 {
		p.OutlierTolerance = decimal.NewFromFloat(h.OutlierTolerancePct).Div(decimal.NewFromInt(100))
	}
	if h.OutlierConfirmScans > 0 {
		p.ConfirmScans = h.OutlierConfirmScans
	}
	if !h.NoiseProtection {
		p.ConfirmScans = 1
	}
	return p
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

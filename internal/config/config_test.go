package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: offerwatch\n"))
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Scan.TLD != "com" || cfg.Scan.ItemDelay != 60*time.Second || cfg.Scan.SoftBanCooldown != 30*time.Minute {
		t.Fatalf("扫描默认值不正确: %+v", cfg.Scan)
	}
	if cfg.Identity.UserAgentStrategy != "sticky-per-item" || cfg.Identity.ProxyCooldown != 5*time.Minute || !cfg.Identity.RotateOnSoftBan {
		t.Fatalf("身份默认值不正确: %+v", cfg.Identity)
	}
	if cfg.Fetcher.Timeout != 12*time.Second || !cfg.Fetcher.RetryWithNextProxy {
		t.Fatalf("抓取默认值不正确: %+v", cfg.Fetcher)
	}
	if cfg.Items.Path != "urls.txt" || cfg.Storage.Path != "watch.json" || cfg.API.Enabled {
		t.Fatalf("路径默认值不正确: %+v %+v", cfg.Items, cfg.Storage)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"scan:",
		"  tld: co.uk",
		"  item_delay: 5s",
		"  url_params:",
		"    th: \"1\"",
		"identity:",
		"  proxies:",
		"    - http://10.0.0.1:8080",
		"    - socks5://10.0.0.2:1080",
		"alerting:",
		"  discord:",
		"    webhook_url: https://discord.example/default",
		"    webhooks:",
		"      deals: https://discord.example/deals",
		"",
	}, "\n"))

	t.Setenv("OFFERWATCH_SCAN_TLD", "de")
	t.Setenv("OFFERWATCH_SCHEDULER_CRON", "0 */2 * * *")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Scan.TLD != "de" {
		t.Fatalf("环境变量应覆盖文件配置, 实际 %s", cfg.Scan.TLD)
	}
	if cfg.Scan.ItemDelay != 5*time.Second || cfg.Scan.URLParams["th"] != "1" {
		t.Fatalf("扫描配置不正确: %+v", cfg.Scan)
	}
	if len(cfg.Identity.Proxies) != 2 || cfg.Scheduler.Cron != "0 */2 * * *" {
		t.Fatalf("代理或 cron 配置不正确: %+v %+v", cfg.Identity, cfg.Scheduler)
	}
	if cfg.Alerting.Discord.Webhooks["deals"] != "https://discord.example/deals" {
		t.Fatalf("命名 webhook 未加载: %+v", cfg.Alerting.Discord)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "app:\n  name: x\n"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cases := map[string]func(*Config){
		"interval": func(c *Config) { c.Scheduler.Interval = 0 },
		"tld":      func(c *Config) { c.Scan.TLD = " " },
		"delay":    func(c *Config) { c.Scan.ItemDelay = -time.Second },
		"telegram": func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"history":  func(c *Config) { c.History.MaxPoints = 0 },
		"api":      func(c *Config) { c.API.Enabled = true; c.API.Addr = "" },
		"items":    func(c *Config) { c.Items.Path = "" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: 应校验失败", name)
		}
	}

	cfg := base()
	cfg.Scheduler.Interval = 0
	cfg.Scheduler.Cron = "@hourly"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置 cron 后间隔可以为 0: %v", err)
	}
}

func TestHistoryPolicy(t *testing.T) {
	h := HistoryConfig{
		Enabled:             true,
		KeepFullDays:        3,
		MaxPoints:           500,
		NoiseProtection:     true,
		OutlierJumpPct:      40,
		OutlierTolerancePct: 10,
		OutlierConfirmScans: 3,
	}
	p := h.Policy()
	if p.MaxPoints != 500 || p.KeepFullFor != 72*time.Hour || p.ConfirmScans != 3 {
		t.Fatalf("历史策略不正确: %+v", p)
	}
	if !p.OutlierJump.Equal(decimal.RequireFromString("0.4")) || !p.OutlierTolerance.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("异常值阈值不正确: %s %s", p.OutlierJump, p.OutlierTolerance)
	}

	h.NoiseProtection = false
	if got := h.Policy().ConfirmScans; got != 1 {
		t.Fatalf("关闭噪声保护后应禁用确认, 实际 %d", got)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 100}}
	if cfg.ResolveMaxPoints(0) != 100 || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatal("ResolveMaxPoints 结果不正确")
	}
}

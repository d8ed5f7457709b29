package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"offerwatch/internal/alerting"
	"offerwatch/internal/api"
	"offerwatch/internal/config"
	"offerwatch/internal/fetcher"
	"offerwatch/internal/identity"
	"offerwatch/internal/items"
	"offerwatch/internal/parser"
	"offerwatch/internal/reconcile"
	"offerwatch/internal/scheduler"
	"offerwatch/internal/service"
	"offerwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives tables and reports printed by CLI commands.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newIdentity() (*identity.Rotator, error) {
	cfg := a.Config.Identity
	return identity.New(identity.Options{
		UserAgents:    cfg.UserAgents,
		UAStrategy:    identity.UAStrategy(cfg.UserAgentStrategy),
		Proxies:       cfg.Proxies,
		ProxyStrategy: identity.ProxyStrategy(cfg.ProxyStrategy),
		ProxyCooldown: cfg.ProxyCooldown,
	}, a.Logger)
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	cfg := a.Config.Alerting
	opts := alerting.RouterOptions{Channels: make(map[string]alerting.Notifier)}

	if cfg.Discord.WebhookURL != "" {
		opts.Default = alerting.NewDiscordNotifier("default", cfg.Discord.WebhookURL, cfg.Discord.Username, cfg.Timeout, a.Logger)
	}
	names := make([]string, 0, len(cfg.Discord.Webhooks))
	for name := range cfg.Discord.Webhooks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if url := cfg.Discord.Webhooks[name]; url != "" {
			opts.Channels[name] = alerting.NewDiscordNotifier(name, url, cfg.Discord.Username, cfg.Timeout, a.Logger)
		}
	}
	if cfg.Telegram.Enabled {
		tg := cfg.Telegram
		opts.Broadcast = append(opts.Broadcast, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, cfg.Timeout, a.Logger))
	}

	return alerting.NewRouter(opts, a.Logger)
}

// openStore returns the PostgreSQL store when a DSN is configured, the JSON file store otherwise.
func (a *App) openStore(ctx context.Context) (storage.StateStore, func(), error) {
	if a.Config.Database.DSN == "" {
		return storage.NewFileStore(a.Config.Storage.Path), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	return store, store.Close, nil
}

func (a *App) newListFile() *items.ListFile {
	return items.NewListFile(a.Config.Items.Path, a.Config.Scan.TLD)
}

func (a *App) newResolver() items.Resolver {
	return items.Resolver{
		TLD:              a.Config.Scan.TLD,
		URLParams:        a.Config.Scan.URLParams,
		DefaultWarehouse: a.Config.Scan.DefaultWarehouse,
	}
}

func (a *App) newEngine() *reconcile.Engine {
	return reconcile.New(reconcile.Options{TLD: a.Config.Scan.TLD, History: a.Config.History.Policy()})
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	cfg := a.Config.Scheduler
	return scheduler.New(scheduler.Options{
		Interval:     cfg.Interval,
		AlignToStart: cfg.AlignToBucket,
		StartupDelay: cfg.StartupDelay,
		Cron:         cfg.Cron,
		RunOnStart:   cfg.RunOnStart,
	}, a.Logger)
}

// buildService wires the scan pipeline. sched may be nil for one-shot commands.
func (a *App) buildService(store storage.StateStore, list items.Source, sched *scheduler.Scheduler) (*service.Service, error) {
	ids, err := a.newIdentity()
	if err != nil {
		return nil, fmt.Errorf("configure identity: %w", err)
	}

	notifier, err := a.newNotifier()
	switch {
	case errors.Is(err, alerting.ErrNotConfigured):
		a.Logger.Warn().Msg("no alert channel configured; alerts will only be logged")
		notifier = nil
	case err != nil:
		return nil, err
	}

	httpFetcher := fetcher.NewHTTP(fetcher.Options{
		TLD:                a.Config.Scan.TLD,
		Timeout:            a.Config.Fetcher.Timeout,
		RetryWithNextProxy: a.Config.Fetcher.RetryWithNextProxy,
	}, ids, a.Logger)

	lockKey := int64(0)
	if a.Config.Database.DSN != "" {
		lockKey = a.Config.Database.AdvisoryLockKey
	}

	return service.New(service.Options{
		ItemDelay:       a.Config.Scan.ItemDelay,
		SoftBanCooldown: a.Config.Scan.SoftBanCooldown,
		RotateOnSoftBan: a.Config.Identity.RotateOnSoftBan,
		AlertsEnabled:   a.Config.Alerting.Enabled,
		AdvisoryLockKey: lockKey,
	}, service.Dependencies{
		Items:     list,
		Resolver:  a.newResolver(),
		Fetcher:   httpFetcher,
		Parser:    parser.New(a.Logger),
		Engine:    a.newEngine(),
		Store:     store,
		Notifier:  notifier,
		Identity:  ids,
		Scheduler: sched,
	}, a.Logger), nil
}

// Run executes the long-running scanner and, when enabled, the control API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}

	list := a.newListFile()
	svc, err := a.buildService(store, list, sched)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("items", list.Path()).Msg("starting scan service")
		return svc.Run(gctx)
	})
	if a.Config.API.Enabled {
		gin.SetMode(gin.ReleaseMode)
		server := api.New(api.Options{
			Addr:         a.Config.API.Addr,
			AllowOrigins: a.Config.API.AllowOrigins,
			TLD:          a.Config.Scan.TLD,
		}, svc, list, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scan service stopped")
	return nil
}

// ScanOnce runs a single cycle immediately and prints its report.
func (a *App) ScanOnce(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := a.buildService(store, a.newListFile(), nil)
	if err != nil {
		return err
	}

	report, err := svc.RunCycle(ctx)
	if err != nil {
		return err
	}
	a.printReport(report)
	return nil
}

func (a *App) printReport(r service.Report) {
	if r.Skipped {
		fmt.Fprintf(a.Out, "scan skipped: %s\n", r.SkipReason)
		return
	}
	fmt.Fprintf(a.Out, "items: %d  processed: %d  alerts sent: %d  errors: %d  pruned: %d\n",
		r.Items, r.Processed, r.Sent, r.Errors, r.Pruned)
	if r.Halted {
		fmt.Fprintf(a.Out, "halted: soft-ban detected, scanning paused for %s\n", a.Config.Scan.SoftBanCooldown)
	}
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Group string
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	ASIN  string
	Limit int
}

// ExportOptions hold parameters for exporting one item's price history.
type ExportOptions struct {
	ASIN      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// CompactOptions configure the compact job.
type CompactOptions struct {
	DryRun bool
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"offerwatch/internal/alerting"
	"offerwatch/internal/fetcher"
	"offerwatch/internal/items"
	"offerwatch/internal/parser"
	"offerwatch/internal/reconcile"
	"offerwatch/internal/scheduler"
	"offerwatch/internal/storage"
	"offerwatch/internal/watch"
)

var (
	// ErrScanInProgress is returned when a cycle is requested while another one runs.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrPersistence wraps state store failures; they abort the running cycle.
	ErrPersistence = errors.New("persist watch state")
)

// Options tune the scan cycle.
type Options struct {
	ItemDelay       time.Duration
	SoftBanCooldown time.Duration
	RotateOnSoftBan bool
	AlertsEnabled   bool
	// AdvisoryLockKey serialises cycles across processes when the store supports it; zero disables.
	AdvisoryLockKey int64
	Now             func() time.Time
}

// IdentityRotator re-rolls the identity bound to a key after a soft-ban.
type IdentityRotator interface {
	Rotate(key string)
}

// Dependencies are the collaborators of a scan cycle. Notifier, Identity and Scheduler may be nil.
type Dependencies struct {
	Items     items.Source
	Resolver  items.Resolver
	Fetcher   fetcher.PageFetcher
	Parser    parser.PageParser
	Engine    *reconcile.Engine
	Store     storage.StateStore
	Notifier  alerting.Notifier
	Identity  IdentityRotator
	Scheduler *scheduler.Scheduler
}

// Report summarises one cycle.
type Report struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Items      int       `json:"items"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Errors     int       `json:"errors"`
	Pruned     int       `json:"pruned"`
	Halted     bool      `json:"halted"`
	Skipped    bool      `json:"skipped"`
	SkipReason string    `json:"skip_reason,omitempty"`
}

// SchedulerContext is the mutable scan state shared between cycles.
type SchedulerContext struct {
	SoftBanUntil time.Time
	LastScanAt   time.Time
	LastReport   *Report
	Running      bool
}

// Status is a point-in-time view of the scanner.
type Status struct {
	Running           bool          `json:"running"`
	NextScanAt        time.Time     `json:"next_scan_at,omitempty"`
	NextScanIn        time.Duration `json:"next_scan_in"`
	SoftBanUntil      time.Time     `json:"soft_ban_until,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	LastScanAt        time.Time     `json:"last_scan_at,omitempty"`
	LastReport        *Report       `json:"last_report,omitempty"`
}

// Service orchestrates fetching, reconciliation, persistence, and alerting.
type Service struct {
	opts   Options
	deps   Dependencies
	locker storage.AdvisoryLocker
	logger zerolog.Logger

	cycle sync.Mutex

	mu    sync.Mutex
	state SchedulerContext
	base  context.Context
}

// New constructs the scan service.
func New(opts Options, deps Dependencies, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		opts:   opts,
		deps:   deps,
		locker: locker,
		logger: logger.With().Str("component", "service").Logger(),
		base:   context.Background(),
	}
}

// Run begins the scheduled scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	return s.deps.Scheduler.Run(ctx, s.tick)
}

func (s *Service) tick(ctx context.Context, at time.Time) error {
	_, err := s.RunCycle(ctx)
	if errors.Is(err, ErrScanInProgress) {
		s.logger.Debug().Time("at", at).Msg("skip tick because a scan is running")
		return nil
	}
	return err
}

// RunCycle scans every tracked item once.
func (s *Service) RunCycle(ctx context.Context) (Report, error) {
	if !s.cycle.TryLock() {
		return Report{Skipped: true, SkipReason: "scan in progress"}, ErrScanInProgress
	}
	defer s.cycle.Unlock()
	return s.runLocked(ctx)
}

// TriggerScanNow starts a cycle in the background. It returns false when one is already running.
func (s *Service) TriggerScanNow() bool {
	if !s.cycle.TryLock() {
		return false
	}
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()

	go func() {
		defer s.cycle.Unlock()
		if _, err := s.runLocked(ctx); err != nil {
			s.logger.Error().Err(err).Msg("manual scan failed")
		}
	}()
	return true
}

func (s *Service) runLocked(ctx context.Context) (Report, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Report{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return Report{Skipped: true, SkipReason: "scan in progress"}, ErrScanInProgress
	}
	if unlock != nil {
		defer unlock()
	}

	s.setRunning(true)
	defer s.setRunning(false)

	now := s.opts.Now().UTC()
	report := Report{ID: uuid.NewString(), StartedAt: now}
	log := s.logger.With().Str("cycle", report.ID).Logger()

	if until, remaining := s.CooldownStatus(); remaining > 0 {
		report.Skipped = true
		report.SkipReason = "soft-ban cooldown"
		log.Warn().Time("until", until).Dur("remaining", remaining).Msg("skip cycle during soft-ban cooldown")
		s.finish(report, false)
		return report, nil
	}

	entries, err := s.deps.Items.Entries(ctx)
	if err != nil {
		return report, fmt.Errorf("load tracked items: %w", err)
	}
	tracked := s.deps.Resolver.Resolve(entries)
	report.Items = len(tracked)
	if len(tracked) == 0 {
		report.Skipped = true
		report.SkipReason = "no tracked items"
		log.Info().Msg("no tracked items")
		s.finish(report, false)
		return report, nil
	}

	log.Info().Int("items", len(tracked)).Msg("scan cycle started")
	for i, item := range tracked {
		if i > 0 && s.opts.ItemDelay > 0 {
			if err := sleep(ctx, s.opts.ItemDelay); err != nil {
				return report, err
			}
		}

		res, err := s.processItem(ctx, item, log)
		report.Processed++
		report.Sent += res.sent
		if err != nil {
			if errors.Is(err, ErrPersistence) {
				report.Errors++
				s.finish(report, false)
				return report, err
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Errors++
			log.Error().Err(err).Str("asin", item.ASIN).Str("key", item.Key).Msg("item failed")
			continue
		}
		if res.softBan {
			s.enterCooldown(item, res.reason, log)
			report.Halted = true
			report.FinishedAt = s.opts.Now().UTC()
			s.finish(report, false)
			return report, nil
		}
	}

	keep := make([]string, 0, len(tracked))
	for _, item := range tracked {
		keep = append(keep, item.Key)
	}
	pruned, err := s.deps.Store.Prune(ctx, keep)
	if err != nil {
		s.finish(report, false)
		return report, fmt.Errorf("%w: prune: %w", ErrPersistence, err)
	}
	report.Pruned = pruned
	report.FinishedAt = s.opts.Now().UTC()
	s.finish(report, true)

	log.Info().Int("processed", report.Processed).Int("sent", report.Sent).
		Int("errors", report.Errors).Int("pruned", report.Pruned).Msg("scan cycle completed")
	return report, nil
}

type itemResult struct {
	sent    int
	softBan bool
	reason  string
}

func (s *Service) processItem(ctx context.Context, item watch.TrackedItem, log zerolog.Logger) (itemResult, error) {
	page, err := s.deps.Fetcher.FetchPage(ctx, item)
	if err != nil {
		return itemResult{}, err
	}
	if page.SoftBan {
		return itemResult{softBan: true, reason: page.Reason}, nil
	}

	snap, err := s.deps.Parser.Parse(page.Body)
	if err != nil {
		return itemResult{}, fmt.Errorf("parse %s: %w", item.ASIN, err)
	}

	mode := item.Overrides.Warehouse
	if !mode.Wants() {
		snap.Warehouse = nil
	} else if snap.Warehouse == nil {
		snap.Warehouse = s.offersFallback(ctx, item, snap.Main.Symbol, log)
	}

	prior, err := s.deps.Store.Get(ctx, item.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		prior = nil
	case err != nil:
		return itemResult{}, fmt.Errorf("%w: load %s: %w", ErrPersistence, item.Key, err)
	}

	now := s.opts.Now().UTC()
	outcome := s.deps.Engine.Reconcile(item, prior, snap, now)
	if err := s.deps.Store.Save(ctx, item.Key, outcome.Record); err != nil {
		return itemResult{}, fmt.Errorf("%w: save %s: %w", ErrPersistence, item.Key, err)
	}

	log.Info().Str("asin", item.ASIN).Str("key", item.Key).
		Str("price", snap.Main.Price.StringFixed(2)).Bool("available", snap.Main.Available).
		Bool("warehouse", snap.Warehouse != nil).Int("alerts", len(outcome.Alerts)).
		Msg("item scanned")

	res := itemResult{}
	for _, alert := range outcome.Alerts {
		if s.dispatch(ctx, alert, now, log) {
			res.sent++
		}
	}
	return res, nil
}

func (s *Service) offersFallback(ctx context.Context, item watch.TrackedItem, symbol string, log zerolog.Logger) *watch.Offer {
	for _, body := range s.deps.Fetcher.FetchOffers(ctx, item) {
		offer, err := s.deps.Parser.ParseOffers(body, symbol)
		if err != nil {
			log.Debug().Err(err).Str("asin", item.ASIN).Msg("offers fragment unreadable")
			continue
		}
		if offer != nil {
			return offer
		}
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, alert reconcile.Alert, now time.Time, log zerolog.Logger) bool {
	event := ToEvent(alert, now)
	entry := log.With().Str("event_id", event.ID).Str("kind", string(alert.Kind)).
		Str("source", string(alert.Source)).Str("price", alert.NewPrice.StringFixed(2)).Logger()

	if !s.opts.AlertsEnabled || s.deps.Notifier == nil {
		entry.Info().Str("title", alert.Title).Msg("alert triggered (delivery disabled)")
		return false
	}
	if err := s.deps.Notifier.Notify(ctx, event); err != nil {
		entry.Warn().Err(err).Msg("failed to dispatch alert")
		return false
	}
	entry.Info().Msg("alert dispatched")
	return true
}

// ToEvent maps an engine alert onto the notifier payload.
func ToEvent(a reconcile.Alert, at time.Time) alerting.Event {
	return alerting.Event{
		ID:         uuid.NewString(),
		Kind:       alerting.Kind(a.Kind),
		Source:     a.Source,
		Title:      a.Title,
		OldPrice:   a.OldPrice,
		NewPrice:   a.NewPrice,
		MainPrice:  a.MainPrice,
		Symbol:     a.Symbol,
		ProductURL: a.ProductURL,
		OffersURL:  a.OffersURL,
		ImageURL:   a.Image,
		Label:      a.Label,
		Group:      a.Group,
		Channel:    a.Webhook,
		At:         at,
	}
}

func (s *Service) enterCooldown(item watch.TrackedItem, reason string, log zerolog.Logger) {
	until := s.opts.Now().UTC().Add(s.opts.SoftBanCooldown)
	s.mu.Lock()
	s.state.SoftBanUntil = until
	s.mu.Unlock()

	if s.opts.RotateOnSoftBan && s.deps.Identity != nil {
		s.deps.Identity.Rotate(item.Key)
	}
	log.Warn().Str("asin", item.ASIN).Str("reason", reason).Time("until", until).
		Msg("soft-ban detected, halting cycle")
}

func (s *Service) finish(report Report, completed bool) {
	if report.FinishedAt.IsZero() {
		report.FinishedAt = s.opts.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := report
	s.state.LastReport = &r
	if completed {
		s.state.LastScanAt = report.FinishedAt
	}
}

func (s *Service) setRunning(v bool) {
	s.mu.Lock()
	s.state.Running = v
	s.mu.Unlock()
}

// CooldownStatus returns the soft-ban deadline and the time left before scanning resumes.
func (s *Service) CooldownStatus() (time.Time, time.Duration) {
	s.mu.Lock()
	until := s.state.SoftBanUntil
	s.mu.Unlock()
	remaining := until.Sub(s.opts.Now())
	if remaining < 0 {
		remaining = 0
	}
	return until, remaining
}

// Status reports scheduling and cooldown state.
func (s *Service) Status() Status {
	until, remaining := s.CooldownStatus()

	s.mu.Lock()
	st := Status{
		Running:           s.state.Running,
		SoftBanUntil:      until,
		CooldownRemaining: remaining,
		LastScanAt:        s.state.LastScanAt,
	}
	if s.state.LastReport != nil {
		r := *s.state.LastReport
		st.LastReport = &r
	}
	s.mu.Unlock()

	if s.deps.Scheduler != nil {
		if next := s.deps.Scheduler.NextRun(); !next.IsZero() {
			st.NextScanAt = next
			if in := next.Sub(s.opts.Now()); in > 0 {
				st.NextScanIn = in
			}
		}
	}
	return st
}

// ListTrackedItems resolves the current tracked list.
func (s *Service) ListTrackedItems(ctx context.Context) ([]watch.TrackedItem, error) {
	entries, err := s.deps.Items.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tracked items: %w", err)
	}
	return s.deps.Resolver.Resolve(entries), nil
}

// GetWatchRecord loads the persisted record of a canonical key.
func (s *Service) GetWatchRecord(ctx context.Context, key string) (*watch.WatchRecord, error) {
	return s.deps.Store.Get(ctx, key)
}

// FindItem looks a tracked item up by ASIN.
func (s *Service) FindItem(ctx context.Context, asin string) (watch.TrackedItem, error) {
	tracked, err := s.ListTrackedItems(ctx)
	if err != nil {
		return watch.TrackedItem{}, err
	}
	for _, item := range tracked {
		if item.ASIN != "" && item.ASIN == asin {
			return item, nil
		}
	}
	return watch.TrackedItem{}, items.ErrNotFound
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

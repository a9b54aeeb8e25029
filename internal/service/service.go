// Package service exposes the pricing engine to callers and runs its
// background refresh and cache warming.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"token-pricer/internal/alerting"
	"token-pricer/internal/pricegraph"
	"token-pricer/internal/pricing"
	"token-pricer/internal/scheduler"
	"token-pricer/internal/storage"
)

// Options tune the service layer.
type Options struct {
	RefreshInterval time.Duration
	WarmInterval    time.Duration
	AlignToBucket   bool
	StartupDelay    time.Duration

	GraphMaxAge time.Duration
	TokenMaxAge time.Duration

	AlertsEnabled bool
	Cooldown      time.Duration
	Channels      []string

	// LockKey guards cache warming across instances; 0 disables locking.
	LockKey int64
	Now     func() time.Time
}

// ErrNoSignalStore is returned by RecentSignals when signals are not persisted.
var ErrNoSignalStore = errors.New("service: signal store not configured")

// Deps are optional collaborators. Nil fields disable the matching feature.
type Deps struct {
	Notifier alerting.Notifier
	Signals  storage.SignalStore
	Locker   storage.AdvisoryLocker
	// Janitor purges expired cache rows after every successful refresh.
	Janitor storage.CachePurger
}

// HealthReport summarises engine health.
type HealthReport struct {
	Healthy       bool               `json:"healthy"`
	OracleHealthy bool               `json:"oracle_healthy"`
	GraphHealthy  bool               `json:"graph_healthy"`
	Issues        []string           `json:"issues"`
	Graph         pricegraph.Stats   `json:"graph"`
	SnapshotID    string             `json:"snapshot_id,omitempty"`
	AnchorPrice   string             `json:"anchor_price,omitempty"`
	Counters      pricing.Counters   `json:"counters"`
	StaleTokens   int                `json:"stale_tokens"`
	CheckedAt     time.Time          `json:"checked_at"`
	Excluded      map[string]string  `json:"excluded,omitempty"`
	Tasks         map[string]TaskRun `json:"tasks,omitempty"`
}

// TaskRun is the run history of a background task.
type TaskRun struct {
	Runs    int64     `json:"runs"`
	LastRun time.Time `json:"last_run"`
}

// Service orchestrates pricing, background refresh and signal dispatch.
type Service struct {
	calc   *pricing.Calculator
	deps   Deps
	opts   Options
	logger zerolog.Logger

	refreshTask *scheduler.Task
	warmTask    *scheduler.Task

	mu         sync.Mutex
	lastSignal map[string]time.Time
}

// New builds the calculator over state and wires arbitrage dispatch into it.
func New(state *pricing.State, pricingOpts pricing.Options, opts Options, deps Deps, logger zerolog.Logger) *Service {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	if opts.WarmInterval <= 0 {
		opts.WarmInterval = 30 * time.Second
	}
	if opts.GraphMaxAge <= 0 {
		opts.GraphMaxAge = pricegraph.DefaultMaxAge
	}
	if opts.TokenMaxAge <= 0 {
		opts.TokenMaxAge = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pricingOpts.Now == nil {
		pricingOpts.Now = opts.Now
	}

	s := &Service{
		deps:       deps,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
		lastSignal: make(map[string]time.Time),
	}
	pricingOpts.OnArbitrage = s.dispatch
	s.calc = pricing.NewCalculator(state, pricingOpts, logger)

	s.refreshTask = scheduler.NewTask("refresh", scheduler.Options{
		Interval:     opts.RefreshInterval,
		AlignToStart: opts.AlignToBucket,
		StartupDelay: opts.StartupDelay,
	}, s.RefreshPricingData, logger)
	s.warmTask = scheduler.NewTask("warm", scheduler.Options{
		Interval:     opts.WarmInterval,
		StartupDelay: opts.StartupDelay,
	}, func(ctx context.Context) error {
		_, err := s.WarmCache(ctx)
		return err
	}, logger)
	return s
}

// Calculator exposes the underlying calculator.
func (s *Service) Calculator() *pricing.Calculator { return s.calc }

// Start launches the refresh and warm tasks. Stop must be called to release them.
func (s *Service) Start(ctx context.Context) error {
	if err := s.refreshTask.Start(ctx); err != nil {
		return err
	}
	if err := s.warmTask.Start(ctx); err != nil {
		s.refreshTask.Stop()
		return err
	}
	return nil
}

// Stop cancels the background tasks and waits for them to exit.
func (s *Service) Stop() {
	s.warmTask.Stop()
	s.refreshTask.Stop()
}

// Run performs an initial refresh, starts the tasks and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.RefreshPricingData(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial refresh failed; retrying on schedule")
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// GetTokenPrice returns the cached or freshly resolved price of one token.
func (s *Service) GetTokenPrice(ctx context.Context, contractID string) (pricing.Result, bool) {
	return s.calc.GetPrice(ctx, contractID, true)
}

// GetMultipleTokenPrices resolves ids in parallel. Unresolvable ids are omitted.
func (s *Service) GetMultipleTokenPrices(ctx context.Context, contractIDs []string) map[string]pricing.Result {
	return s.calc.GetMultiplePrices(ctx, contractIDs)
}

// RefreshPricingData rebuilds the pricing snapshot.
func (s *Service) RefreshPricingData(ctx context.Context) error {
	if _, err := s.calc.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh pricing data: %w", err)
	}
	if s.deps.Janitor != nil {
		purged, err := s.deps.Janitor.PurgeExpired(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("purge expired cache rows failed")
		} else if purged > 0 {
			s.logger.Debug().Int64("purged", purged).Msg("expired cache rows purged")
		}
	}
	return nil
}

// RecentSignals returns the latest persisted arbitrage signals, newest first.
func (s *Service) RecentSignals(ctx context.Context, limit int) ([]storage.SignalRecord, error) {
	if s.deps.Signals == nil {
		return nil, ErrNoSignalStore
	}
	if limit <= 0 {
		limit = 20
	}
	return s.deps.Signals.ListRecentSignals(ctx, limit)
}

// WarmCache fills the cache when this instance holds the advisory lock.
// It returns the number of cached tokens, or 0 when another instance holds the lock.
func (s *Service) WarmCache(ctx context.Context) (int, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cache warm because advisory lock held elsewhere")
		return 0, nil
	}
	if unlock != nil {
		defer unlock()
	}
	return s.calc.WarmCache(ctx)
}

// TriggerRefresh runs the refresh task once, synchronously.
func (s *Service) TriggerRefresh(ctx context.Context) error {
	return s.refreshTask.Trigger(ctx)
}

// TriggerWarm runs the warm task once, synchronously.
func (s *Service) TriggerWarm(ctx context.Context) error {
	return s.warmTask.Trigger(ctx)
}

// CheckSystemHealth inspects the oracle, the current snapshot and cache errors.
func (s *Service) CheckSystemHealth(ctx context.Context) HealthReport {
	now := s.opts.Now()
	state := s.calc.State()
	report := HealthReport{
		Counters:  s.calc.Counters(),
		CheckedAt: now,
		Issues:    []string{},
		Tasks:     make(map[string]TaskRun, 2),
	}
	for _, task := range []*scheduler.Task{s.refreshTask, s.warmTask} {
		last, _ := task.LastRun()
		report.Tasks[task.Name()] = TaskRun{Runs: task.Runs(), LastRun: last}
	}

	if state.Oracle == nil {
		report.Issues = append(report.Issues, "oracle not configured")
	} else {
		h := state.Oracle.Health()
		report.OracleHealthy = h.Healthy
		if !h.Healthy {
			report.Issues = append(report.Issues,
				fmt.Sprintf("oracle: %d consecutive failures (last: %s)", h.ConsecutiveFailures, h.LastError))
		}
	}

	snap := state.Snapshot()
	if snap == nil {
		report.Issues = append(report.Issues, "no pricing snapshot built yet")
	} else {
		report.SnapshotID = snap.ID
		report.AnchorPrice = snap.AnchorPrice.String()
		report.Graph = snap.Graph.Stats(now)
		report.GraphHealthy = snap.Graph.Healthy(now, s.opts.GraphMaxAge)
		if !report.GraphHealthy {
			report.Issues = append(report.Issues,
				fmt.Sprintf("price graph stale: age %s exceeds %s", time.Duration(report.Graph.AgeMs)*time.Millisecond, s.opts.GraphMaxAge))
		}
		if snap.AnchorFallback {
			report.Issues = append(report.Issues, "anchor price served from fallback")
		}
		if snap.Intrinsic.TimedOut {
			report.Issues = append(report.Issues,
				fmt.Sprintf("lp queue timed out after %d levels", len(snap.Intrinsic.CompletedLevels)))
		}
		if excluded := snap.Deps.Excluded(); len(excluded) > 0 {
			report.Excluded = excluded
		}
	}

	if c := report.Counters; c.RecentCacheErrors > 0 {
		report.Issues = append(report.Issues,
			fmt.Sprintf("cache failing: %d errors since last success (last: %s)", c.RecentCacheErrors, c.LastCacheError))
	}

	report.StaleTokens = len(state.StaleTokens(now, s.opts.TokenMaxAge))
	report.Healthy = report.OracleHealthy && report.GraphHealthy
	return report
}

// dispatch sends one arbitrage signal per token per cooldown window.
func (s *Service) dispatch(ctx context.Context, res pricing.Result) {
	if !s.opts.AlertsEnabled {
		return
	}
	if res.MarketUSD == nil || res.IntrinsicUSD == nil || res.DeviationPct == nil {
		return
	}
	now := s.opts.Now()
	if !s.claim(res.ContractID, now) {
		return
	}

	note := alerting.Notification{
		SignalID:     uuid.NewString(),
		SnapshotID:   res.SnapshotID,
		ContractID:   res.ContractID,
		Symbol:       res.Symbol,
		MarketUSD:    *res.MarketUSD,
		IntrinsicUSD: *res.IntrinsicUSD,
		DeviationPct: *res.DeviationPct,
		ThresholdPct: s.calc.Threshold(),
		Direction:    alerting.DirectionOf(*res.DeviationPct),
		Channels:     s.opts.Channels,
		DetectedAt:   now,
	}
	if err := s.Emit(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("contract_id", res.ContractID).Msg("failed to dispatch arbitrage signal")
	}
}

// Emit persists a signal when a store is configured and hands it to the notifier.
func (s *Service) Emit(ctx context.Context, note alerting.Notification) error {
	var errs []error
	if s.deps.Signals != nil {
		record := storage.SignalRecord{
			ID:           note.SignalID,
			ContractID:   note.ContractID,
			Symbol:       note.Symbol,
			MarketUSD:    note.MarketUSD,
			IntrinsicUSD: note.IntrinsicUSD,
			DeviationPct: note.DeviationPct,
			ThresholdPct: note.ThresholdPct,
			Direction:    note.Direction,
			Channels:     note.Channels,
			SnapshotID:   note.SnapshotID,
			DetectedAt:   note.DetectedAt,
		}
		if _, err := s.deps.Signals.InsertSignal(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("persist signal: %w", err))
		}
	}
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("notify: %w", err))
		}
	}
	return errors.Join(errs...)
}

// claim reports whether contractID is outside its cooldown and records now.
func (s *Service) claim(contractID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSignal[contractID]; ok && now.Sub(last) < s.opts.Cooldown {
		return false
	}
	s.lastSignal[contractID] = now
	return true
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

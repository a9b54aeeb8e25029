// Package pricing merges market and intrinsic prices into cached results.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"token-pricer/internal/cache"
	"token-pricer/internal/lpgraph"
	"token-pricer/internal/lpqueue"
	"token-pricer/internal/metrics"
	"token-pricer/internal/pricegraph"
)

// ErrNoAnchorPrice is returned by Refresh when neither a live nor a fallback anchor price exists.
var ErrNoAnchorPrice = errors.New("pricing: anchor price unavailable")

// Source names the resolution path of a Result.
type Source string

const (
	SourceMarket    Source = "market"
	SourceIntrinsic Source = "intrinsic"
)

// Result is the resolved price of one token.
type Result struct {
	ContractID  string          `json:"contract_id"`
	Symbol      string          `json:"symbol,omitempty"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	PriceAnchor decimal.Decimal `json:"price_anchor"`
	Confidence  float64         `json:"confidence"`
	// Level is 0 for market prices and the resolved dependency level for intrinsic ones.
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies,omitempty"`
	Source       Source   `json:"source"`
	Path         []string `json:"path,omitempty"`

	MarketUSD    *decimal.Decimal `json:"market_usd,omitempty"`
	IntrinsicUSD *decimal.Decimal `json:"intrinsic_usd,omitempty"`
	DeviationPct *decimal.Decimal `json:"deviation_pct,omitempty"`
	Arbitrage    bool             `json:"arbitrage"`

	SnapshotID string    `json:"snapshot_id"`
	ComputedAt time.Time `json:"computed_at"`
}

// Options tune the calculator.
type Options struct {
	AnchorID string
	// DivergenceThresholdPct flags market/intrinsic gaps above this percentage.
	DivergenceThresholdPct decimal.Decimal
	PreferIntrinsic        bool

	CacheTTL       time.Duration
	CacheKeyPrefix string

	QueueBudget time.Duration
	Workers     int
	Policy      lpqueue.Policy

	MinDepth float64
	HopDecay float64
	// FallbackConfidence scales confidence when the anchor price is a fallback.
	FallbackConfidence float64
	BatchConcurrency   int

	Now     func() time.Time
	Metrics *metrics.Metrics
	// OnArbitrage is called for every freshly computed result with Arbitrage set.
	OnArbitrage func(ctx context.Context, res Result)
}

// Counters are cumulative calculator statistics.
type Counters struct {
	Refreshes      int64  `json:"refreshes"`
	Computations   int64  `json:"computations"`
	CacheHits      int64  `json:"cache_hits"`
	CacheMisses    int64  `json:"cache_misses"`
	CacheErrors    int64  `json:"cache_errors"`
	LastCacheError string `json:"last_cache_error,omitempty"`
	// RecentCacheErrors counts failures since the last successful cache call.
	RecentCacheErrors int64 `json:"recent_cache_errors"`
}

// Calculator is the pricing façade over a State.
type Calculator struct {
	state  *State
	opts   Options
	logger zerolog.Logger
	root   zerolog.Logger

	refreshMu sync.Mutex

	refreshes    atomic.Int64
	computations atomic.Int64
	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	cacheErrors  atomic.Int64
	recentErrors atomic.Int64
	lastCacheErr atomic.Value
}

// NewCalculator constructs a calculator over state.
func NewCalculator(state *State, opts Options, logger zerolog.Logger) *Calculator {
	if opts.DivergenceThresholdPct.Sign() <= 0 {
		opts.DivergenceThresholdPct = decimal.NewFromInt(5)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.CacheKeyPrefix == "" {
		opts.CacheKeyPrefix = "price:"
	}
	if opts.QueueBudget <= 0 {
		opts.QueueBudget = 10 * time.Second
	}
	if opts.Policy == (lpqueue.Policy{}) {
		opts.Policy = lpqueue.DefaultPolicy()
	}
	if opts.HopDecay <= 0 {
		opts.HopDecay = 0.05
	}
	if opts.FallbackConfidence <= 0 || opts.FallbackConfidence > 1 {
		opts.FallbackConfidence = 0.8
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = runtime.GOMAXPROCS(0) * 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Calculator{
		state:  state,
		opts:   opts,
		logger: logger.With().Str("component", "pricing").Logger(),
		root:   logger,
	}
}

// Threshold returns the divergence threshold percentage in effect.
func (c *Calculator) Threshold() decimal.Decimal { return c.opts.DivergenceThresholdPct }

// State exposes the injected engine state.
func (c *Calculator) State() *State { return c.state }

// Refresh rebuilds the price graph, the dependency graph and the intrinsic
// table, swaps in a new snapshot and clears the cache. On error the previous
// snapshot stays in place.
func (c *Calculator) Refresh(ctx context.Context) (*Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

// ensureSnapshot returns the current snapshot, refreshing once if none exists.
func (c *Calculator) ensureSnapshot(ctx context.Context) (*Snapshot, error) {
	if snap := c.state.Snapshot(); snap != nil {
		return snap, nil
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if snap := c.state.Snapshot(); snap != nil {
		return snap, nil
	}
	return c.refreshLocked(ctx)
}

func (c *Calculator) refreshLocked(ctx context.Context) (*Snapshot, error) {
	started := c.opts.Now()
	snap, err := c.build(ctx)
	if m := c.opts.Metrics; m != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.RefreshTotal.WithLabelValues(result).Inc()
		m.RefreshDuration.Observe(c.opts.Now().Sub(started).Seconds())
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("pricing refresh failed; keeping previous snapshot")
		return nil, err
	}

	c.state.swap(snap)
	c.state.discover(snap.Graph)
	c.refreshes.Add(1)

	for _, id := range snap.Graph.Nodes() {
		if res, ok := c.resolve(snap, id); ok {
			c.state.record(res)
		}
	}

	if err := c.ClearCache(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("cache invalidation failed")
	}

	stats := snap.Graph.Stats(c.opts.Now())
	c.logger.Info().
		Str("snapshot", snap.ID).
		Int("tokens", stats.TokenCount).
		Int("pools", stats.PoolCount).
		Int("lp_priced", len(snap.Intrinsic.Results)).
		Int("lp_skipped", len(snap.Intrinsic.Skipped)).
		Bool("lp_timed_out", snap.Intrinsic.TimedOut).
		Bool("anchor_fallback", snap.AnchorFallback).
		Dur("took", c.opts.Now().Sub(started)).
		Msg("pricing snapshot refreshed")
	return snap, nil
}

func (c *Calculator) build(ctx context.Context) (*Snapshot, error) {
	if c.state.Vaults == nil {
		return nil, errors.New("vault provider not configured")
	}
	vaults, err := c.state.Vaults.ListVaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}

	anchor, fallback, err := c.anchorPrice(ctx)
	if err != nil {
		return nil, err
	}
	factor := 1.0
	if fallback {
		factor = c.opts.FallbackConfidence
	}

	id := uuid.NewString()
	builtAt := c.opts.Now()
	graph := pricegraph.Build(vaults, pricegraph.Options{
		AnchorID:    c.opts.AnchorID,
		AnchorPrice: anchor,
		MinDepth:    c.opts.MinDepth,
		HopDecay:    c.opts.HopDecay,
		BuiltAt:     builtAt,
	})

	passLogger := c.root.With().Str("snapshot", id).Logger()
	deps := lpgraph.Build(vaults, passLogger)
	queue := lpqueue.New(deps, lpqueue.Options{
		Workers: c.opts.Workers,
		Policy:  c.opts.Policy,
		Now:     c.opts.Now,
	}, passLogger)
	queue.Initialize(graph.BasePrices())
	outcome := queue.ProcessAll(ctx, c.opts.QueueBudget)

	if m := c.opts.Metrics; m != nil {
		stats := graph.Stats(builtAt)
		m.GraphTokens.Set(float64(stats.TokenCount))
		m.GraphPools.Set(float64(stats.PoolCount))
		m.AnchorPrice.Set(anchor.InexactFloat64())
		m.LPResolved.Set(float64(len(outcome.Results)))
		m.LPSkipped.Set(float64(len(outcome.Skipped)))
		m.LPExcluded.Set(float64(len(deps.Excluded())))
		if outcome.TimedOut {
			m.QueueTimeouts.Inc()
		}
	}

	return &Snapshot{
		ID:               id,
		Graph:            graph,
		Deps:             deps,
		Intrinsic:        outcome,
		AnchorPrice:      anchor,
		AnchorFallback:   fallback,
		ConfidenceFactor: factor,
		BuiltAt:          builtAt,
	}, nil
}

func (c *Calculator) anchorPrice(ctx context.Context) (decimal.Decimal, bool, error) {
	if c.state.Oracle == nil {
		return decimal.Decimal{}, false, ErrNoAnchorPrice
	}
	if price, ok := c.state.Oracle.GetAnchorPrice(ctx); ok {
		return price, false, nil
	}
	if m := c.opts.Metrics; m != nil {
		m.OracleFailures.Inc()
	}
	price, at, ok := c.state.Oracle.Fallback()
	if !ok {
		return decimal.Decimal{}, false, ErrNoAnchorPrice
	}
	c.logger.Warn().Time("price_at", at).Str("price", price.String()).Msg("使用最后一次成功的锚定价格")
	return price, true, nil
}

// resolve merges market and intrinsic prices for one token.
func (c *Calculator) resolve(snap *Snapshot, contractID string) (Result, bool) {
	quote, hasMarket := snap.Graph.PriceOf(contractID)
	intrinsic, hasIntrinsic := snap.Intrinsic.Results[contractID]
	if !hasMarket && !hasIntrinsic {
		return Result{}, false
	}

	node, _ := snap.Graph.Node(contractID)
	res := Result{
		ContractID: contractID,
		Symbol:     node.Symbol,
		SnapshotID: snap.ID,
		ComputedAt: c.opts.Now(),
	}

	marketResult := func() {
		res.PriceUSD = quote.PriceUSD
		res.PriceAnchor = quote.PriceAnchor
		res.Confidence = quote.Confidence
		res.Level = 0
		res.Source = SourceMarket
		res.Path = quote.Path
		if len(quote.Path) > 1 {
			res.Dependencies = append([]string(nil), quote.Path[:len(quote.Path)-1]...)
		}
	}
	intrinsicResult := func() {
		res.PriceUSD = intrinsic.PriceUSD
		res.PriceAnchor = intrinsic.PriceUSD.DivRound(snap.AnchorPrice, 36)
		res.Confidence = intrinsic.Confidence
		res.Level = intrinsic.Level
		res.Source = SourceIntrinsic
		res.Dependencies = intrinsic.Dependencies
		res.Path = nil
	}

	switch {
	case hasMarket && hasIntrinsic:
		market, intr := quote.PriceUSD, intrinsic.PriceUSD
		deviation := market.Sub(intr).DivRound(intr, 8).Mul(decimal.NewFromInt(100))
		res.MarketUSD = &market
		res.IntrinsicUSD = &intr
		res.DeviationPct = &deviation
		res.Arbitrage = deviation.Abs().GreaterThan(c.opts.DivergenceThresholdPct)
		if c.opts.PreferIntrinsic {
			intrinsicResult()
		} else {
			marketResult()
		}
	case hasMarket:
		marketResult()
	default:
		intrinsicResult()
	}

	res.Confidence *= snap.ConfidenceFactor
	return res, true
}

// GetPrice returns the price of one token. With useCache and a live cache
// entry no computation happens. ok is false when the token has no price.
func (c *Calculator) GetPrice(ctx context.Context, contractID string, useCache bool) (Result, bool) {
	if useCache {
		if res, ok := c.cached(ctx, contractID); ok {
			return res, true
		}
	}

	snap, err := c.ensureSnapshot(ctx)
	if err != nil {
		return Result{}, false
	}
	return c.compute(ctx, snap, contractID)
}

func (c *Calculator) compute(ctx context.Context, snap *Snapshot, contractID string) (Result, bool) {
	res, ok := c.resolve(snap, contractID)
	if !ok {
		return Result{}, false
	}
	c.computations.Add(1)
	c.state.record(res)
	c.store(ctx, snap, res)

	if res.Arbitrage {
		if m := c.opts.Metrics; m != nil {
			m.ArbitrageSignals.Inc()
		}
		c.logger.Info().
			Str("contract_id", res.ContractID).
			Str("market_usd", res.MarketUSD.String()).
			Str("intrinsic_usd", res.IntrinsicUSD.String()).
			Str("deviation_pct", res.DeviationPct.StringFixed(3)).
			Msg("market and intrinsic prices diverge")
		if c.opts.OnArbitrage != nil {
			c.opts.OnArbitrage(ctx, res)
		}
	}
	return res, true
}

// GetMultiplePrices resolves ids in parallel; tokens without a price are omitted.
func (c *Calculator) GetMultiplePrices(ctx context.Context, contractIDs []string) map[string]Result {
	out := make(map[string]Result, len(contractIDs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(c.opts.BatchConcurrency)
	seen := make(map[string]struct{}, len(contractIDs))
	for _, id := range contractIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		id := id
		g.Go(func() error {
			if res, ok := c.GetPrice(ctx, id, true); ok {
				mu.Lock()
				out[id] = res
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// WarmCache computes every registered token from the current snapshot and
// stores the results. It returns the number of tokens cached.
func (c *Calculator) WarmCache(ctx context.Context) (int, error) {
	snap, err := c.ensureSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	tokens := c.state.Tokens()
	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.BatchConcurrency)
	for _, tok := range tokens {
		id := tok.ContractID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, ok := c.compute(gctx, snap, id); ok {
				warmed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	c.logger.Debug().Int64("warmed", warmed.Load()).Int("tokens", len(tokens)).Msg("cache warmed")
	return int(warmed.Load()), err
}

// ClearCache deletes every price entry from the cache store.
func (c *Calculator) ClearCache(ctx context.Context) error {
	store := c.state.Cache
	if store == nil {
		return nil
	}
	keys, err := store.Keys(ctx, c.opts.CacheKeyPrefix+"*")
	if err != nil {
		c.cacheFailed(err)
		return fmt.Errorf("list cache keys: %w", err)
	}
	c.cacheOK()
	var errs []error
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			c.cacheFailed(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counters returns a copy of the calculator statistics.
func (c *Calculator) Counters() Counters {
	out := Counters{
		Refreshes:    c.refreshes.Load(),
		Computations: c.computations.Load(),
		CacheHits:    c.cacheHits.Load(),
		CacheMisses:  c.cacheMisses.Load(),
		CacheErrors:  c.cacheErrors.Load(),

		RecentCacheErrors: c.recentErrors.Load(),
	}
	if v, ok := c.lastCacheErr.Load().(string); ok {
		out.LastCacheError = v
	}
	return out
}

func (c *Calculator) cacheKey(contractID string) string {
	return c.opts.CacheKeyPrefix + contractID
}

func (c *Calculator) cached(ctx context.Context, contractID string) (Result, bool) {
	store := c.state.Cache
	if store == nil {
		return Result{}, false
	}
	data, err := store.Get(ctx, c.cacheKey(contractID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			c.cacheOK()
		} else {
			c.cacheFailed(err)
		}
		c.miss()
		return Result{}, false
	}
	c.cacheOK()
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.cacheFailed(fmt.Errorf("decode cached price: %w", err))
		c.miss()
		return Result{}, false
	}
	c.cacheHits.Add(1)
	if m := c.opts.Metrics; m != nil {
		m.CacheHits.Inc()
	}
	return res, true
}

// store caches res computed from snap. A refresh that swaps the snapshot while
// Set is in flight may already have cleared the cache, so the entry is removed
// again once snap is no longer current.
func (c *Calculator) store(ctx context.Context, snap *Snapshot, res Result) {
	store := c.state.Cache
	if store == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		c.cacheFailed(err)
		return
	}
	key := c.cacheKey(res.ContractID)
	if err := store.Set(ctx, key, data, c.opts.CacheTTL); err != nil {
		c.cacheFailed(err)
		return
	}
	c.cacheOK()
	if c.state.Snapshot() == snap {
		return
	}
	c.logger.Debug().Str("contract_id", res.ContractID).Str("snapshot", snap.ID).Msg("dropping price cached from superseded snapshot")
	if err := store.Delete(ctx, key); err != nil {
		c.cacheFailed(err)
	}
}

func (c *Calculator) miss() {
	c.cacheMisses.Add(1)
	if m := c.opts.Metrics; m != nil {
		m.CacheMisses.Inc()
	}
}

func (c *Calculator) cacheOK() {
	c.recentErrors.Store(0)
}

func (c *Calculator) cacheFailed(err error) {
	c.cacheErrors.Add(1)
	c.recentErrors.Add(1)
	c.lastCacheErr.Store(err.Error())
	if m := c.opts.Metrics; m != nil {
		m.CacheErrors.Inc()
	}
	c.logger.Warn().Err(err).Msg("cache store error")
}

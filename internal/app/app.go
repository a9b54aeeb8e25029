package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-pricer/internal/alerting"
	"token-pricer/internal/cache"
	"token-pricer/internal/config"
	"token-pricer/internal/lpqueue"
	"token-pricer/internal/metrics"
	"token-pricer/internal/oracle"
	"token-pricer/internal/pricing"
	"token-pricer/internal/service"
	"token-pricer/internal/storage"
	"token-pricer/internal/vault"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// engine bundles a wired service with the resources it holds.
type engine struct {
	svc     *service.Service
	metrics *metrics.Metrics
	stream  *oracle.StreamFeed
	store   *storage.Store
	close   func()
}

func (a *App) newFeed() (oracle.Feed, *oracle.StreamFeed, error) {
	cfg := a.Config.Oracle
	switch cfg.Source {
	case "http":
		return oracle.NewHTTPFeed(oracle.HTTPOptions{
			BaseURL:     cfg.HTTP.BaseURL,
			Asset:       cfg.HTTP.Asset,
			VsCurrency:  cfg.HTTP.VsCurrency,
			APIKey:      cfg.HTTP.APIKey,
			Timeout:     cfg.HTTP.RequestTimeout,
			MinInterval: cfg.HTTP.MinInterval,
			UserAgent:   cfg.HTTP.UserAgent,
		}, a.Logger), nil, nil
	case "chainlink":
		return oracle.NewChainlinkFeed(oracle.ChainlinkOptions{
			RPCURL:            cfg.Chainlink.RPCURL,
			AggregatorAddress: cfg.Chainlink.AggregatorAddress,
			Timeout:           cfg.Chainlink.RequestTimeout,
			MaxAge:            cfg.Chainlink.MaxAge,
		}, a.Logger), nil, nil
	case "stream":
		var subscribe json.RawMessage
		if cfg.Stream.Subscribe != "" {
			subscribe = json.RawMessage(cfg.Stream.Subscribe)
		}
		feed := oracle.NewStreamFeed(oracle.StreamOptions{
			URL:            cfg.Stream.URL,
			Subscribe:      subscribe,
			MaxAge:         cfg.Stream.MaxAge,
			ReconnectDelay: cfg.Stream.ReconnectDelay,
		}, a.Logger)
		return feed, feed, nil
	case "static":
		return oracle.StaticFeed{Price: decimal.NewFromFloat(cfg.StaticPrice)}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown oracle source %q", cfg.Source)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	var notifiers alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("忽略未知告警通道")
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	applied, err := storage.ApplyMigrations(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	a.Logger.Debug().Int("files", applied).Msg("数据库迁移完成")

	store := storage.NewStore(pool, a.Logger)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) pricingOptions(m *metrics.Metrics) pricing.Options {
	p := a.Config.Pricing
	return pricing.Options{
		AnchorID:               a.Config.Anchor.ContractID,
		DivergenceThresholdPct: decimal.NewFromFloat(p.DivergenceThresholdPct),
		PreferIntrinsic:        p.PreferIntrinsic,
		CacheTTL:               a.Config.Cache.TTL,
		CacheKeyPrefix:         a.Config.Cache.KeyPrefix,
		QueueBudget:            p.QueueBudget,
		Workers:                p.Workers,
		Policy: lpqueue.Policy{
			Base:  p.ConfidenceBase,
			Step:  p.ConfidenceStep,
			Floor: p.ConfidenceFloor,
		},
		MinDepth:           p.MinDepth,
		HopDecay:           p.HopDecay,
		FallbackConfidence: p.FallbackConfidence,
		BatchConcurrency:   p.BatchConcurrency,
		Metrics:            m,
	}
}

func (a *App) serviceOptions() service.Options {
	cfg := a.Config
	return service.Options{
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		WarmInterval:    cfg.Scheduler.WarmInterval,
		AlignToBucket:   cfg.Scheduler.AlignToBucket,
		StartupDelay:    cfg.Scheduler.StartupDelay,
		GraphMaxAge:     cfg.Pricing.GraphMaxAge,
		TokenMaxAge:     cfg.Pricing.TokenMaxAge,
		AlertsEnabled:   cfg.Alerting.Enabled,
		Cooldown:        cfg.Alerting.Cooldown,
		Channels:        cfg.Alerting.Channels,
		LockKey:         cfg.Scheduler.AdvisoryLockKey,
	}
}

// buildEngine wires oracle, vault provider, cache and store into a service.
func (a *App) buildEngine(ctx context.Context) (*engine, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if closeStore != nil {
			closeStore()
		}
	}

	feed, stream, err := a.newFeed()
	if err != nil {
		cleanup()
		return nil, err
	}

	var provider vault.Provider
	switch a.Config.Vaults.Source {
	case "database":
		if store == nil {
			cleanup()
			return nil, errors.New("vaults.source=database requires database.dsn")
		}
		provider = store
	default:
		provider = &vault.FileProvider{Path: a.Config.Vaults.File, Logger: &a.Logger}
	}

	var (
		priceCache cache.Store
		janitor    storage.CachePurger
	)
	switch a.Config.Cache.Backend {
	case "database":
		if store == nil {
			cleanup()
			return nil, errors.New("cache.backend=database requires database.dsn")
		}
		priceCache = store
		janitor = store
	default:
		priceCache = cache.NewMemoryStore(nil)
	}

	deps := service.Deps{Notifier: a.newNotifier()}
	if store != nil {
		deps.Signals = store
		deps.Locker = store
	}
	if janitor != nil {
		deps.Janitor = janitor
	}

	m := metrics.New(a.Config.Metrics.Namespace)
	o := oracle.New(feed, oracle.Options{FailureThreshold: a.Config.Oracle.FailureThreshold}, a.Logger)
	state := pricing.NewState(o, provider, priceCache)
	svc := service.New(state, a.pricingOptions(m), a.serviceOptions(), deps, a.Logger)

	return &engine{
		svc:     svc,
		metrics: m,
		stream:  stream,
		store:   store,
		close:   cleanup,
	}, nil
}

// Run executes the long-running pricing service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()
	if eng.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	if eng.stream != nil {
		go func() {
			if err := eng.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("price stream stopped")
			}
		}()
	}

	if a.Config.Metrics.Enabled {
		srv := &http.Server{
			Addr:              a.Config.Metrics.Listen,
			Handler:           newHandler(eng.svc, eng.metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.Logger.Info().Str("listen", srv.Addr).Msg("http endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("http endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.Logger.Info().Str("anchor", a.Config.Anchor.ContractID).Msg("starting pricing service")
	err = eng.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pricing service stopped")
	return nil
}

// PriceOptions configure the price command.
type PriceOptions struct {
	ContractIDs []string
	All         bool
	JSON        bool
}

// ExportOptions hold parameters for exporting the current price table.
type ExportOptions struct {
	CSVPath   string
	PNGDir    string
	MaxTokens int
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	ContractID string
	Symbol     string
	Market     decimal.Decimal
	Intrinsic  decimal.Decimal
}

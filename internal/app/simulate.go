package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"token-pricer/internal/alerting"
	"token-pricer/internal/pricing"
	"token-pricer/internal/service"
)

// SimulateAlert 通过给定的市场价与内在价值模拟一次套利信号流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if !opts.Intrinsic.IsPositive() || !opts.Market.IsPositive() {
		return errors.New("市场价与内在价值必须大于零")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	deps := service.Deps{Notifier: notifier}
	if store != nil {
		deps.Signals = store
	}

	threshold := decimal.NewFromFloat(a.Config.Pricing.DivergenceThresholdPct)
	deviation := opts.Market.Sub(opts.Intrinsic).DivRound(opts.Intrinsic, 8).Mul(decimal.NewFromInt(100))
	if !deviation.Abs().GreaterThan(threshold) {
		a.Logger.Info().
			Str("deviation_pct", deviation.StringFixed(3)).
			Str("threshold_pct", threshold.String()).
			Msg("偏离未超过阈值，不会发送信号")
		return nil
	}

	contractID := opts.ContractID
	if contractID == "" {
		contractID = "SIMULATED"
	}
	svc := service.New(pricing.NewState(nil, nil, nil), a.pricingOptions(nil), a.serviceOptions(), deps, a.Logger)
	return svc.Emit(ctx, alerting.Notification{
		SignalID:     uuid.NewString(),
		SnapshotID:   "simulated",
		ContractID:   contractID,
		Symbol:       opts.Symbol,
		MarketUSD:    opts.Market,
		IntrinsicUSD: opts.Intrinsic,
		DeviationPct: deviation,
		ThresholdPct: threshold,
		Direction:    alerting.DirectionOf(deviation),
		Channels:     a.Config.Alerting.Channels,
		DetectedAt:   time.Now().UTC(),
	})
}

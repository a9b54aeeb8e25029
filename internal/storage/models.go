package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalRecord is a persisted arbitrage signal.
type SignalRecord struct {
	ID           string          `json:"id"`
	ContractID   string          `json:"contract_id"`
	Symbol       string          `json:"symbol"`
	MarketUSD    decimal.Decimal `json:"market_usd"`
	IntrinsicUSD decimal.Decimal `json:"intrinsic_usd"`
	DeviationPct decimal.Decimal `json:"deviation_pct"`
	ThresholdPct decimal.Decimal `json:"threshold_pct"`
	Direction    string          `json:"direction"`
	Channels     []string        `json:"channels"`
	SnapshotID   string          `json:"snapshot_id"`
	DetectedAt   time.Time       `json:"detected_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

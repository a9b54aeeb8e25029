package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Direction labels which side of intrinsic value the market sits on.
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// Notification 封装套利信号上下文。
type Notification struct {
	SignalID     string
	SnapshotID   string
	ContractID   string
	Symbol       string
	MarketUSD    decimal.Decimal
	IntrinsicUSD decimal.Decimal
	DeviationPct decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    string
	Channels     []string
	DetectedAt   time.Time
}

// DirectionOf returns DirectionAbove for a positive deviation, otherwise DirectionBelow.
func DirectionOf(deviationPct decimal.Decimal) string {
	if deviationPct.IsPositive() {
		return DirectionAbove
	}
	return DirectionBelow
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("contract_id", note.ContractID).
		Str("direction", note.Direction).
		Str("signal_id", note.SignalID).
		Msg("套利信号已发送 (Telegram)")
	return nil
}

// LogNotifier writes signals to the structured log only.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier 构造日志告警器。
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the signal at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("signal_id", note.SignalID).
		Str("contract_id", note.ContractID).
		Str("symbol", note.Symbol).
		Str("market_usd", note.MarketUSD.String()).
		Str("intrinsic_usd", note.IntrinsicUSD.String()).
		Str("deviation_pct", note.DeviationPct.StringFixed(3)).
		Str("direction", note.Direction).
		Msg("检测到套利信号")
	return nil
}

// Multi fans a notification out to every wrapped notifier and joins the errors.
type Multi []Notifier

// Notify delivers to all notifiers even if some fail.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	name := note.Symbol
	if name == "" {
		name = note.ContractID
	}
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Arbitrage Signal] %s\n", name))
	builder.WriteString(fmt.Sprintf("Contract: %s\n", note.ContractID))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", note.DetectedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Market: $%s\n", note.MarketUSD.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Intrinsic: $%s\n", note.IntrinsicUSD.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Deviation: %s%% (threshold %s%%)\n", note.DeviationPct.StringFixed(3), note.ThresholdPct.StringFixed(3)))
	builder.WriteString(fmt.Sprintf("Direction: market %s intrinsic\n", note.Direction))
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.SignalID != "" {
		builder.WriteString(fmt.Sprintf("Signal: %s\n", note.SignalID))
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)

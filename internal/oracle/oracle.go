package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultFailureThreshold is the consecutive-failure count at which the oracle reports unhealthy.
const DefaultFailureThreshold = 3

var errNonPositive = errors.New("feed returned non-positive price")

// Feed retrieves the USD price of the anchor token from an external source.
type Feed interface {
	FetchPrice(ctx context.Context) (decimal.Decimal, error)
}

// Health is a point-in-time copy of the oracle's failure tracking.
type Health struct {
	ConsecutiveFailures int
	LastError           string
	LastPrice           decimal.Decimal
	LastSuccess         time.Time
	Healthy             bool
}

// Options tune oracle behaviour.
type Options struct {
	FailureThreshold int
	Now              func() time.Time
}

// Oracle wraps a Feed with health tracking and a last-known-good fallback.
type Oracle struct {
	feed   Feed
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	failures    int
	lastErr     string
	lastPrice   decimal.Decimal
	lastSuccess time.Time
	hasPrice    bool
}

// New constructs an Oracle around feed.
func New(feed Feed, opts Options, logger zerolog.Logger) *Oracle {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Oracle{
		feed:   feed,
		opts:   opts,
		logger: logger.With().Str("component", "oracle").Logger(),
	}
}

// GetAnchorPrice polls the feed. ok is false when the poll failed; the
// failure is recorded in Health and never returned to the caller.
func (o *Oracle) GetAnchorPrice(ctx context.Context) (decimal.Decimal, bool) {
	price, err := o.fetch(ctx)
	now := o.opts.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		o.failures++
		o.lastErr = err.Error()
		event := o.logger.Warn()
		if o.failures >= o.opts.FailureThreshold {
			event = o.logger.Error()
		}
		event.Err(err).Int("consecutive_failures", o.failures).Msg("anchor price fetch failed")
		return decimal.Decimal{}, false
	}

	o.failures = 0
	o.lastErr = ""
	o.lastPrice = price
	o.lastSuccess = now
	o.hasPrice = true
	return price, true
}

func (o *Oracle) fetch(ctx context.Context) (price decimal.Decimal, err error) {
	if o.feed == nil {
		return decimal.Decimal{}, errors.New("oracle feed not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("oracle feed panicked")
		}
	}()

	price, err = o.feed.FetchPrice(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if price.Sign() <= 0 {
		return decimal.Decimal{}, errNonPositive
	}
	return price, nil
}

// Fallback returns the last successfully fetched price, if any.
func (o *Oracle) Fallback() (decimal.Decimal, time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPrice, o.lastSuccess, o.hasPrice
}

// Health returns the current failure tracking state.
func (o *Oracle) Health() Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Health{
		ConsecutiveFailures: o.failures,
		LastError:           o.lastErr,
		LastPrice:           o.lastPrice,
		LastSuccess:         o.lastSuccess,
		Healthy:             o.failures < o.opts.FailureThreshold,
	}
}

// StaticFeed always returns the same price. Used for simulations and tests.
type StaticFeed struct {
	Price decimal.Decimal
	Err   error
}

// FetchPrice implements Feed.
func (s StaticFeed) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if s.Err != nil {
		return decimal.Decimal{}, s.Err
	}
	return s.Price, nil
}

var _ Feed = StaticFeed{}

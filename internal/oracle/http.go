package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const simplePricePath = "/simple/price"

// HTTPOptions parameterise the HTTP price feed.
type HTTPOptions struct {
	BaseURL     string
	Asset       string
	VsCurrency  string
	APIKey      string
	Timeout     time.Duration
	MinInterval time.Duration
	UserAgent   string
}

// HTTPFeed reads a CoinGecko-style simple price endpoint:
// GET {base}/simple/price?ids={asset}&vs_currencies={vs} -> {"asset":{"vs":123.4}}
type HTTPFeed struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	logger  zerolog.Logger
}

// NewHTTPFeed constructs an HTTP feed.
func NewHTTPFeed(opts HTTPOptions, logger zerolog.Logger) *HTTPFeed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	var limiter *rate.Limiter
	if opts.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}

	return &HTTPFeed{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
		logger:  logger.With().Str("component", "oracle_http").Logger(),
	}
}

// FetchPrice implements Feed.
func (f *HTTPFeed) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if f.opts.Asset == "" {
		return decimal.Decimal{}, errors.New("oracle asset not configured")
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return decimal.Decimal{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	query := url.Values{}
	query.Set("ids", f.opts.Asset)
	query.Set("vs_currencies", f.opts.VsCurrency)
	query.Set("precision", "full")
	endpoint := f.baseURL + simplePricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tokenpricer/1.0")
	}
	if f.opts.APIKey != "" {
		req.Header.Set("x-cg-pro-api-key", f.opts.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price response: %w", err)
	}
	quote, ok := body[f.opts.Asset][f.opts.VsCurrency]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("price for %s/%s missing in response", f.opts.Asset, f.opts.VsCurrency)
	}

	price, err := decimal.NewFromString(quote.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price: %w", err)
	}

	f.logger.Debug().Str("asset", f.opts.Asset).Str("price", price.String()).Msg("anchor price fetched")
	return price, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ Feed = (*HTTPFeed)(nil)

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// StreamOptions parameterise the websocket ticker feed.
type StreamOptions struct {
	URL string
	// Subscribe is sent as a text frame right after connecting, if set.
	Subscribe      json.RawMessage
	MaxAge         time.Duration
	ReconnectDelay time.Duration
}

// StreamFeed keeps the latest price pushed by a websocket ticker stream.
// Messages are JSON objects carrying the price as "price", "c" or "p"
// (number or string).
type StreamFeed struct {
	opts   StreamOptions
	logger zerolog.Logger

	mu       sync.RWMutex
	price    decimal.Decimal
	received time.Time
}

// NewStreamFeed constructs a stream feed. Call Run to start consuming.
func NewStreamFeed(opts StreamOptions, logger zerolog.Logger) *StreamFeed {
	if opts.MaxAge <= 0 {
		opts.MaxAge = time.Minute
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &StreamFeed{opts: opts, logger: logger.With().Str("component", "oracle_stream").Logger()}
}

// FetchPrice implements Feed, returning the latest pushed price if it is fresh.
func (s *StreamFeed) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.received.IsZero() {
		return decimal.Decimal{}, errors.New("no price received from stream yet")
	}
	if age := time.Since(s.received); age > s.opts.MaxAge {
		return decimal.Decimal{}, fmt.Errorf("stream price stale: %s old", age.Truncate(time.Millisecond))
	}
	return s.price, nil
}

// Run connects and consumes the stream until ctx is cancelled, reconnecting on errors.
func (s *StreamFeed) Run(ctx context.Context) error {
	if s.opts.URL == "" {
		return errors.New("stream url not configured")
	}
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("retry_in", s.opts.ReconnectDelay).Msg("stream disconnected")

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *StreamFeed) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	if len(s.opts.Subscribe) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, s.opts.Subscribe); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	s.logger.Info().Str("url", s.opts.URL).Msg("stream connected")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		price, ok := parseTick(message)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.price = price
		s.received = time.Now()
		s.mu.Unlock()
	}
}

func parseTick(message []byte) (decimal.Decimal, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(message, &fields); err != nil {
		return decimal.Decimal{}, false
	}
	for _, key := range []string{"price", "c", "p"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var price decimal.Decimal
		if err := price.UnmarshalJSON(raw); err != nil {
			continue
		}
		if price.Sign() > 0 {
			return price, true
		}
	}
	return decimal.Decimal{}, false
}

var _ Feed = (*StreamFeed)(nil)

package market

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// quoteMessage is the wire shape pushed by the quote stream.
type quoteMessage struct {
	Type     string  `json:"T"`
	Symbol   string  `json:"S"`
	BidPrice float64 `json:"bp"`
	AskPrice float64 `json:"ap"`
	Last     float64 `json:"p"`
	Ts       int64   `json:"t"`
}

// StreamCache layers a websocket quote stream over a bar provider. Quotes
// are answered from the cache while bars pass through to the wrapped
// provider. Stale or missing cache entries fall back to the wrapped provider
// so a dropped stream degrades rather than fails.
type StreamCache struct {
	url      string
	fallback Provider
	maxAge   time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStreamCache wraps fallback with a quote stream at url. maxAge bounds
// how old a cached quote may be before the fallback is consulted instead.
func NewStreamCache(url string, fallback Provider, maxAge time.Duration, log zerolog.Logger) *StreamCache {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &StreamCache{
		url:      url,
		fallback: fallback,
		maxAge:   maxAge,
		log:      log,
		quotes:   make(map[string]Quote),
	}
}

// GetBars delegates to the wrapped provider.
func (c *StreamCache) GetBars(ctx context.Context, symbol string, lookback int) ([]Bar, error) {
	return c.fallback.GetBars(ctx, symbol, lookback)
}

// GetLatestQuote serves from the stream cache when fresh, otherwise asks the
// wrapped provider.
func (c *StreamCache) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if ok && time.Since(q.Ts) <= c.maxAge {
		return q, nil
	}
	return c.fallback.GetLatestQuote(ctx, symbol)
}

func (c *StreamCache) store(symbol string, q Quote) {
	c.mu.Lock()
	c.quotes[symbol] = q
	c.mu.Unlock()
}

// Run consumes the quote stream until the context is canceled, reconnecting
// with exponential backoff on any stream error.
func (c *StreamCache) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Msg("quote stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (c *StreamCache) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.log.Info().Str("url", c.url).Msg("connected quote stream")

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.log.Warn().Err(err).Msg("quote stream ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msgs []quoteMessage
		if err := json.Unmarshal(message, &msgs); err != nil {
			// Some gateways push single objects instead of arrays.
			var one quoteMessage
			if err := json.Unmarshal(message, &one); err != nil {
				c.log.Warn().Err(err).Msg("failed to decode quote message")
				continue
			}
			msgs = append(msgs, one)
		}

		for _, m := range msgs {
			if m.Type != "q" || m.Symbol == "" || m.BidPrice <= 0 || m.AskPrice <= 0 {
				continue
			}
			c.store(m.Symbol, Quote{
				Bid:  m.BidPrice,
				Ask:  m.AskPrice,
				Last: m.Last,
				Ts:   time.UnixMilli(m.Ts),
			})
		}
	}
}

package market

import (
	"context"
	"hash/fnv"
	"math"
	"time"
)

// StubProvider emits deterministic synthetic bars and quotes, useful for
// offline runs and tests. Prices oscillate around a per-symbol base so the
// band logic has something to chew on.
type StubProvider struct {
	Now func() time.Time
}

// NewStubProvider builds a stub provider on the real clock.
func NewStubProvider() *StubProvider {
	return &StubProvider{Now: time.Now}
}

func (s *StubProvider) basePrice(symbol string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%150)
}

// GetBars synthesizes a daily bar series ending at the current day.
func (s *StubProvider) GetBars(_ context.Context, symbol string, lookback int) ([]Bar, error) {
	base := s.basePrice(symbol)
	now := s.Now().Truncate(24 * time.Hour)
	bars := make([]Bar, 0, lookback)
	for i := lookback - 1; i >= 0; i-- {
		// ~2% sinusoidal swing keeps realized volatility in a tradeable range.
		phase := float64(lookback-1-i) * 0.7
		close := base * (1 + 0.02*math.Sin(phase))
		open := base * (1 + 0.02*math.Sin(phase-0.35))
		high := math.Max(open, close) * 1.005
		low := math.Min(open, close) * 0.995
		bars = append(bars, Bar{
			Ts:     now.AddDate(0, 0, -i),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 800000 + 200000*math.Sin(phase/2),
		})
	}
	return bars, nil
}

// GetLatestQuote mirrors the most recent synthetic close with a tight spread.
func (s *StubProvider) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	bars, err := s.GetBars(ctx, symbol, 2)
	if err != nil {
		return Quote{}, err
	}
	last := bars[len(bars)-1].Close
	return Quote{
		Bid:  last * 0.9995,
		Ask:  last * 1.0005,
		Last: last,
		Ts:   s.Now(),
	}, nil
}

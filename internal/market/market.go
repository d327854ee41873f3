// Package market normalizes raw quote and bar data into the per-symbol
// snapshots the rest of the engine consumes.
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// tradingDaysPerYear annualizes daily log-return volatility.
const tradingDaysPerYear = 252

// Bar is a single OHLCV observation.
type Bar struct {
	Ts     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is the latest top-of-book view for a symbol.
type Quote struct {
	Bid  float64
	Ask  float64
	Last float64
	Ts   time.Time
}

// Snapshot is the canonical per-symbol view built once per cycle. It is a
// value type and never mutated after construction; each cycle owns the
// snapshots it requested.
type Snapshot struct {
	Symbol       string
	Ts           time.Time
	LastPrice    float64
	Quote        Quote
	Bars         []Bar
	AvgVolume    float64
	DollarVolume float64
	SpreadPct    float64
	Volatility   float64 // annualized stdev of daily log returns
}

// Closes extracts the close series in bar order.
func (s Snapshot) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// DataError marks a symbol-scoped data problem. It excludes the symbol for
// the current cycle only and never aborts the cycle.
type DataError struct {
	Symbol string
	Field  string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("market data %s/%s: %v", e.Symbol, e.Field, e.Err)
	}
	return fmt.Sprintf("market data %s: missing %s", e.Symbol, e.Field)
}

func (e *DataError) Unwrap() error { return e.Err }

// IsDataError reports whether err is symbol-scoped and therefore recoverable.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// Provider supplies raw bars and quotes. Implementations are the transport
// boundary; everything above them works on Snapshots.
type Provider interface {
	GetBars(ctx context.Context, symbol string, lookback int) ([]Bar, error)
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}

// BuildSnapshot fetches bars and the latest quote for symbol and derives the
// screening statistics. It fails closed: any missing field yields a DataError
// and no snapshot.
func BuildSnapshot(ctx context.Context, p Provider, symbol string, lookback int, now time.Time) (Snapshot, error) {
	bars, err := p.GetBars(ctx, symbol, lookback)
	if err != nil {
		return Snapshot{}, &DataError{Symbol: symbol, Field: "bars", Err: err}
	}
	if len(bars) == 0 {
		return Snapshot{}, &DataError{Symbol: symbol, Field: "bars"}
	}
	quote, err := p.GetLatestQuote(ctx, symbol)
	if err != nil {
		return Snapshot{}, &DataError{Symbol: symbol, Field: "quote", Err: err}
	}
	if quote.Bid <= 0 || quote.Ask <= 0 || quote.Ask < quote.Bid {
		return Snapshot{}, &DataError{Symbol: symbol, Field: "quote"}
	}
	last := quote.Last
	if last <= 0 {
		last = bars[len(bars)-1].Close
	}
	if last <= 0 {
		return Snapshot{}, &DataError{Symbol: symbol, Field: "last price"}
	}

	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}

	avgVol := averageVolume(bars)
	mid := (quote.Bid + quote.Ask) / 2
	snap := Snapshot{
		Symbol:       symbol,
		Ts:           now,
		LastPrice:    last,
		Quote:        quote,
		Bars:         bars,
		AvgVolume:    avgVol,
		DollarVolume: last * avgVol,
		SpreadPct:    (quote.Ask - quote.Bid) / mid,
		Volatility:   annualizedVolatility(bars),
	}
	return snap, nil
}

func averageVolume(bars []Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	return sum / float64(len(bars))
}

// annualizedVolatility is the stdev of daily log returns scaled by
// sqrt(252). Returns 0 when the series is too short or degenerate.
func annualizedVolatility(bars []Bar) float64 {
	if len(bars) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// Package strategy turns market snapshots into trade signals using adaptive
// Bollinger-band mean reversion.
package strategy

import (
	"fmt"
	"math"
	"time"

	"bandbot-go/internal/config"
	"bandbot-go/internal/market"
)

// Direction classifies what a signal asks the risk manager to do.
type Direction string

const (
	// EnterLong opens a new long position.
	EnterLong Direction = "ENTER_LONG"
	// Exit closes an existing position.
	Exit Direction = "EXIT"
	// Hold does nothing.
	Hold Direction = "HOLD"
)

// Signal is the ephemeral output of one evaluation, consumed immediately by
// the risk manager.
type Signal struct {
	Symbol    string
	Direction Direction
	Price     float64
	Upper     float64
	Middle    float64
	Lower     float64
	ZScore    float64
	Reason    string
	Ts        time.Time
}

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// StdDev is the population standard deviation of the last period values
// around their mean.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	variance := 0.0
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(period))
}

// Bands returns the upper, middle, and lower Bollinger bands over the last
// period values.
func Bands(values []float64, period int, mult float64) (upper, middle, lower float64) {
	middle = SMA(values, period)
	sd := StdDev(values, period)
	return middle + mult*sd, middle, middle - mult*sd
}

// Generator evaluates candidates against adaptive bands.
type Generator struct {
	cfg config.Bands
}

// NewGenerator builds a Generator constrained by the configured band ranges.
func NewGenerator(cfg config.Bands) Generator {
	return Generator{cfg: cfg}
}

// Evaluate classifies the snapshot's last price against its bands. The entry
// rule requires a reversal edge across the lower band: the previous close at
// or below it and the latest close back above it but still under the mean,
// so a single noisy tick cannot open a position. hasOpen tells the generator
// whether an exit signal is meaningful for this symbol.
func (g Generator) Evaluate(snap market.Snapshot, hasOpen bool) Signal {
	sig := Signal{Symbol: snap.Symbol, Direction: Hold, Price: snap.LastPrice, Ts: snap.Ts}

	params := AdaptiveParams(snap.Volatility, g.cfg)
	closes := snap.Closes()
	if len(closes) < g.cfg.MinPeriod || len(closes) < params.Period || len(closes) < 2 {
		sig.Reason = "insufficient data"
		return sig
	}

	upper, middle, lower := Bands(closes, params.Period, params.Mult)
	sd := StdDev(closes, params.Period)
	if sd <= 0 || math.IsNaN(sd) || math.IsInf(sd, 0) {
		sig.Reason = "flat series"
		return sig
	}

	sig.Upper, sig.Middle, sig.Lower = upper, middle, lower
	sig.ZScore = (snap.LastPrice - middle) / sd

	prev := closes[len(closes)-2]
	last := closes[len(closes)-1]

	if hasOpen && snap.LastPrice >= upper {
		sig.Direction = Exit
		sig.Reason = fmt.Sprintf("price %.2f at upper band %.2f", snap.LastPrice, upper)
		return sig
	}
	if !hasOpen && prev <= lower && last >= lower && last < middle {
		sig.Direction = EnterLong
		sig.Reason = fmt.Sprintf("reversal off lower band %.2f (prev %.2f, last %.2f)", lower, prev, last)
		return sig
	}
	sig.Reason = "inside bands"
	return sig
}

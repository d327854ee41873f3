// Package screener filters the raw symbol universe down to a tradeable
// candidate set on its own slow cadence.
package screener

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"bandbot-go/internal/config"
	"bandbot-go/internal/market"
)

// Candidate is a symbol that passed every filter, scored for ordering.
type Candidate struct {
	Symbol     string
	Score      float64 // dollar volume, the liquidity proxy
	ScreenedAt time.Time
}

// Result records the pass/fail outcome for one universe entry. Results are
// superseded by the next sweep and never persisted.
type Result struct {
	Symbol    string
	Passed    bool
	Reason    string
	DataError bool // excluded by a data problem, not by a filter
}

// Screener applies the configured hard thresholds to snapshots. Every filter
// fails closed: a symbol missing a data point is excluded.
type Screener struct {
	cfg      config.Screener
	lookback int
	log      zerolog.Logger
}

// New builds a Screener. lookback is the bar history requested per symbol.
func New(cfg config.Screener, lookback int, log zerolog.Logger) *Screener {
	return &Screener{cfg: cfg, lookback: lookback, log: log}
}

// Screen evaluates the whole universe against the provider. A data error on
// one symbol excludes only that symbol; the sweep continues. The candidate
// set is ordered by descending score with ties broken by ascending symbol so
// re-screening identical data yields identical output.
func (s *Screener) Screen(ctx context.Context, universe []string, p market.Provider, now time.Time) ([]Candidate, []Result) {
	candidates := make([]Candidate, 0, len(universe))
	results := make([]Result, 0, len(universe))

	for _, symbol := range universe {
		snap, err := market.BuildSnapshot(ctx, p, symbol, s.lookback, now)
		if err != nil {
			s.log.Warn().Str("symbol", symbol).Err(err).Msg("screener: excluding symbol")
			results = append(results, Result{Symbol: symbol, Reason: err.Error(), DataError: true})
			continue
		}
		if reason := s.check(snap); reason != "" {
			s.log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("screener: rejected")
			results = append(results, Result{Symbol: symbol, Reason: reason})
			continue
		}
		results = append(results, Result{Symbol: symbol, Passed: true})
		candidates = append(candidates, Candidate{Symbol: symbol, Score: snap.DollarVolume, ScreenedAt: now})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	return candidates, results
}

// check returns an empty string when the snapshot passes every filter,
// otherwise the first failing criterion.
func (s *Screener) check(snap market.Snapshot) string {
	c := s.cfg
	if snap.LastPrice < c.MinPrice || snap.LastPrice > c.MaxPrice {
		return fmt.Sprintf("price %.2f outside [%.2f, %.2f]", snap.LastPrice, c.MinPrice, c.MaxPrice)
	}
	if snap.AvgVolume < c.MinAvgVolume {
		return fmt.Sprintf("avg volume %.0f below %.0f", snap.AvgVolume, c.MinAvgVolume)
	}
	if len(snap.Bars) == 0 {
		return "no bars"
	}
	lastVolume := snap.Bars[len(snap.Bars)-1].Volume
	if snap.AvgVolume <= 0 || lastVolume/snap.AvgVolume < c.VolumeRatioThreshold {
		return fmt.Sprintf("volume ratio %.2f below %.2f", lastVolume/snap.AvgVolume, c.VolumeRatioThreshold)
	}
	if snap.DollarVolume < c.MinDollarVolume {
		return fmt.Sprintf("dollar volume %.0f below %.0f", snap.DollarVolume, c.MinDollarVolume)
	}
	if snap.SpreadPct > c.MaxSpreadPct {
		return fmt.Sprintf("spread %.4f above %.4f", snap.SpreadPct, c.MaxSpreadPct)
	}
	if snap.Volatility < c.MinVolatility {
		return fmt.Sprintf("volatility %.2f below %.2f", snap.Volatility, c.MinVolatility)
	}
	return ""
}

// Sweeper caches the candidate set between sweeps and refreshes it only when
// the screen interval has elapsed since the last successful sweep.
type Sweeper struct {
	screener *Screener
	universe []string
	interval time.Duration
	log      zerolog.Logger

	cached    []Candidate
	lastSweep time.Time
	swept     bool
}

// NewSweeper wraps a Screener with interval-gated caching over universe.
func NewSweeper(screener *Screener, universe []string, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{screener: screener, universe: universe, interval: interval, log: log}
}

// Candidates returns the current candidate set, sweeping first when due. A
// sweep in which every symbol errored is treated as failed: the cached set
// is reused and the sweep is retried next cycle rather than waiting a full
// interval.
func (w *Sweeper) Candidates(ctx context.Context, p market.Provider, now time.Time) []Candidate {
	if w.swept && now.Sub(w.lastSweep) < w.interval {
		return w.cached
	}

	candidates, results := w.screener.Screen(ctx, w.universe, p, now)
	if len(w.universe) > 0 && allErrored(results) {
		w.log.Warn().Int("cached", len(w.cached)).Msg("screener sweep failed, reusing cached candidate set")
		return w.cached
	}

	w.cached = candidates
	w.lastSweep = now
	w.swept = true
	w.log.Info().Int("universe", len(w.universe)).Int("candidates", len(candidates)).Msg("screener sweep complete")
	return w.cached
}

// LastSweep reports when the cached set was produced.
func (w *Sweeper) LastSweep() time.Time { return w.lastSweep }

// allErrored reports a sweep in which no symbol produced usable data.
// Filter rejections are legitimate outcomes and do not count.
func allErrored(results []Result) bool {
	for _, r := range results {
		if !r.DataError {
			return false
		}
	}
	return len(results) > 0
}

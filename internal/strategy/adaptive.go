package strategy

import "bandbot-go/internal/config"

// Params is the per-symbol band parameterization for one cycle.
type Params struct {
	Period int
	Mult   float64
}

// AdaptiveParams maps realized annualized volatility into the configured
// period and multiplier ranges. The mapping is linear and monotonic: higher
// volatility selects a shorter lookback and a wider band. Volatility is
// clamped to [VolFloor, VolCeil] first, so the outputs always respect
// [MinPeriod, MaxPeriod] and [MinStd, MaxStd]. The linear curve is a
// tunable, not a law; the clamp range lives in config for that reason.
func AdaptiveParams(vol float64, cfg config.Bands) Params {
	t := 0.0
	if cfg.VolCeil > cfg.VolFloor {
		switch {
		case vol <= cfg.VolFloor:
			t = 0
		case vol >= cfg.VolCeil:
			t = 1
		default:
			t = (vol - cfg.VolFloor) / (cfg.VolCeil - cfg.VolFloor)
		}
	}

	span := cfg.MaxPeriod - cfg.MinPeriod
	period := cfg.MaxPeriod - int(t*float64(span)+0.5)
	if period < cfg.MinPeriod {
		period = cfg.MinPeriod
	}
	if period > cfg.MaxPeriod {
		period = cfg.MaxPeriod
	}

	return Params{
		Period: period,
		Mult:   cfg.MinStd + t*(cfg.MaxStd-cfg.MinStd),
	}
}

package forecast

import (
	"context"
	"fmt"
	"math"
)

// Pomo styles.
const (
	StyleCrossSectional = "cross_sectional"
	StyleLongitudinal   = "longitudinal"
)

var pomoDefaults = map[string]map[string]float64{
	StyleCrossSectional: {
		"target_gmv":             1e6,
		"volatility_lower_bound": 1e-5,
	},
	StyleLongitudinal: {
		"prediction_abs_threshold":       0,
		"volatility_to_spread_threshold": 0,
		"gamma":                          0,
		"target_dollar_risk_per_name":    1e2,
		"volatility_lower_bound":         1e-4,
		"spread_lower_bound":             1e-4,
	},
}

// Pomo is the built-in per-period optimizer. It sizes positions from the
// sign of the prediction and the volatility forecast and trades from the
// current holdings to those targets.
//
// cross_sectional: target = sign(prediction) / max(vol, lb)², scaled so the
// absolute targets sum to target_gmv.
//
// longitudinal: target = sign(prediction) · target_dollar_risk_per_name /
// max(vol, lb), zeroed when (|prediction| - prediction_abs_threshold)⁺ ·
// (vol/spread - volatility_to_spread_threshold)⁺ ≤ gamma.
type Pomo struct{}

var _ Optimizer = Pomo{}

func (Pomo) Name() string { return "pomo" }

func (Pomo) Validate(params Params) error {
	_, err := pomoKwargs(params)
	return err
}

func (p Pomo) Optimize(_ context.Context, rows []Input, params Params) (map[int64]float64, error) {
	kw, err := pomoKwargs(params)
	if err != nil {
		return nil, err
	}
	var targets map[int64]float64
	switch params.Style {
	case StyleCrossSectional:
		targets = crossSectional(rows, kw)
	default:
		targets = longitudinal(rows, kw)
	}
	trades := make(map[int64]float64, len(rows))
	for _, r := range rows {
		trades[r.AssetID] = targets[r.AssetID] - r.HoldingsNotional
	}
	return trades, nil
}

func pomoKwargs(params Params) (map[string]float64, error) {
	defaults, ok := pomoDefaults[params.Style]
	if !ok {
		return nil, fmt.Errorf("pomo: unknown style %q", params.Style)
	}
	kw := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		kw[k] = v
	}
	for k, v := range params.Kwargs {
		if _, ok := defaults[k]; !ok {
			return nil, fmt.Errorf("pomo %s: unknown kwarg %q", params.Style, k)
		}
		kw[k] = v
	}
	switch params.Style {
	case StyleCrossSectional:
		if !(kw["target_gmv"] > 0) {
			return nil, fmt.Errorf("pomo %s: target_gmv must be positive", params.Style)
		}
	case StyleLongitudinal:
		if !(kw["target_dollar_risk_per_name"] > 0) {
			return nil, fmt.Errorf("pomo %s: target_dollar_risk_per_name must be positive", params.Style)
		}
		if kw["prediction_abs_threshold"] < 0 {
			return nil, fmt.Errorf("pomo %s: prediction_abs_threshold must be non-negative", params.Style)
		}
	}
	if kw["volatility_lower_bound"] < 0 {
		return nil, fmt.Errorf("pomo %s: volatility_lower_bound must be non-negative", params.Style)
	}
	return kw, nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func crossSectional(rows []Input, kw map[string]float64) map[int64]float64 {
	out := make(map[int64]float64, len(rows))
	var l1 float64
	for _, r := range rows {
		vol := math.Max(r.Volatility, kw["volatility_lower_bound"])
		t := sign(r.Prediction) / (vol * vol)
		if math.IsNaN(t) || math.IsInf(t, 0) {
			t = 0
		}
		out[r.AssetID] = t
		l1 += math.Abs(t)
	}
	if l1 == 0 {
		return out
	}
	scale := kw["target_gmv"] / l1
	for id := range out {
		out[id] *= scale
	}
	return out
}

func longitudinal(rows []Input, kw map[string]float64) map[int64]float64 {
	out := make(map[int64]float64, len(rows))
	for _, r := range rows {
		spread := math.Max(r.Spread, kw["spread_lower_bound"])
		predTerm := math.Max(math.Abs(r.Prediction)-kw["prediction_abs_threshold"], 0)
		volTerm := math.Max(r.Volatility/spread-kw["volatility_to_spread_threshold"], 0)
		if predTerm*volTerm <= kw["gamma"] {
			out[r.AssetID] = 0
			continue
		}
		vol := math.Max(r.Volatility, kw["volatility_lower_bound"])
		out[r.AssetID] = sign(r.Prediction) * kw["target_dollar_risk_per_name"] / vol
	}
	return out
}

package factors

import (
	"fmt"
	"time"

	"coin-portfolio-bot/internal/analyzer"
)

// Bounds is an inclusive [Min, Max] clamp for one tunable parameter.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp bounds v to [Min, Max].
func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// Validate rejects inverted bounds.
func (b Bounds) Validate(name string) error {
	if b.Min > b.Max {
		return fmt.Errorf("bounds for %s: min %.4f > max %.4f", name, b.Min, b.Max)
	}
	return nil
}

// BoundsConfig collects the clamp bounds for every adaptive parameter.
type BoundsConfig struct {
	StopMultiplier   Bounds `json:"stop_multiplier"`
	SizeMultiplier   Bounds `json:"size_multiplier"`
	RSIOversold      Bounds `json:"rsi_oversold"`
	RSIOverbought    Bounds `json:"rsi_overbought"`
	StochOversold    Bounds `json:"stoch_oversold"`
	StochOverbought  Bounds `json:"stoch_overbought"`
	MinEntryScore    Bounds `json:"min_entry_score"`
	EntryWeight      Bounds `json:"entry_weight"`
	RegimeDifficulty Bounds `json:"regime_difficulty"`
}

// DefaultBoundsConfig returns the standard clamp bounds.
func DefaultBoundsConfig() BoundsConfig {
	return BoundsConfig{
		StopMultiplier:   Bounds{Min: 1.0, Max: 4.0},
		SizeMultiplier:   Bounds{Min: 0.3, Max: 1.5},
		RSIOversold:      Bounds{Min: 15, Max: 40},
		RSIOverbought:    Bounds{Min: 60, Max: 85},
		StochOversold:    Bounds{Min: 5, Max: 30},
		StochOverbought:  Bounds{Min: 70, Max: 95},
		MinEntryScore:    Bounds{Min: 1.5, Max: 3.5},
		EntryWeight:      Bounds{Min: 0.2, Max: 2.0},
		RegimeDifficulty: Bounds{Min: 0.5, Max: 3.0},
	}
}

// Validate fails fast on any inverted bound, before the first cycle runs.
func (c BoundsConfig) Validate() error {
	checks := []struct {
		name string
		b    Bounds
	}{
		{"stop_multiplier", c.StopMultiplier},
		{"size_multiplier", c.SizeMultiplier},
		{"rsi_oversold", c.RSIOversold},
		{"rsi_overbought", c.RSIOverbought},
		{"stoch_oversold", c.StochOversold},
		{"stoch_overbought", c.StochOverbought},
		{"min_entry_score", c.MinEntryScore},
		{"entry_weight", c.EntryWeight},
		{"regime_difficulty", c.RegimeDifficulty},
	}
	for _, check := range checks {
		if err := check.b.Validate(check.name); err != nil {
			return err
		}
	}
	return nil
}

// VolatilityTier buckets ATR-as-percent-of-price into four regimes.
type VolatilityTier string

const (
	TierLow     VolatilityTier = "low"
	TierNormal  VolatilityTier = "normal"
	TierHigh    VolatilityTier = "high"
	TierExtreme VolatilityTier = "extreme"
)

// ClassifyTier maps an ATR percent to its volatility tier.
func ClassifyTier(atrPercent float64) VolatilityTier {
	switch {
	case atrPercent < 0.5:
		return TierLow
	case atrPercent < 1.5:
		return TierNormal
	case atrPercent < 3.0:
		return TierHigh
	default:
		return TierExtreme
	}
}

// DynamicFactors is the per-instrument adaptive parameter record. Every field
// is clamped to its configured bounds before being written; readers receive
// copies, never the live record.
type DynamicFactors struct {
	Symbol string `json:"symbol"`

	// Continuous tier (recomputed every cycle)
	StopATRMultiplier float64        `json:"stop_atr_multiplier"`
	SizeMultiplier    float64        `json:"size_multiplier"`
	VolatilityTier    VolatilityTier `json:"volatility_tier"`

	// Volatility-triggered tier (fires on >=15% ATR shift)
	RSIOversold      float64 `json:"rsi_oversold"`
	RSIOverbought    float64 `json:"rsi_overbought"`
	StochOversold    float64 `json:"stoch_oversold"`
	StochOverbought  float64 `json:"stoch_overbought"`
	ATRPercentAtFire float64 `json:"atr_percent_at_fire"`

	// Daily tier
	RegimeDifficulty map[string]float64 `json:"regime_difficulty"`

	// Weekly tier (performance-based)
	MinEntryScore float64            `json:"min_entry_score"`
	EntryWeights  map[string]float64 `json:"entry_weights"`

	// Per-cadence bookkeeping
	LastContinuous     time.Time `json:"last_continuous"`
	LastVolatilityFire time.Time `json:"last_volatility_fire"`
	LastDaily          time.Time `json:"last_daily"`
	LastWeekly         time.Time `json:"last_weekly"`
}

// defaultRegimeDifficulty is the base entry-threshold modifier per regime.
// Values above 1 make entries harder; the scheduler multiplies the minimum
// entry score by the modifier for the instrument's current regime.
func defaultRegimeDifficulty() map[string]float64 {
	return map[string]float64{
		string(analyzer.RegimeStrongBullish): 0.75,
		string(analyzer.RegimeBullish):       0.9,
		string(analyzer.RegimeNeutral):       1.0,
		string(analyzer.RegimeRanging):       1.25,
		string(analyzer.RegimeBearish):       1.5,
		string(analyzer.RegimeStrongBearish): 2.0,
	}
}

func newDynamicFactors(symbol string, baseMinScore float64) *DynamicFactors {
	tuning := analyzer.DefaultTuning()
	weights := make(map[string]float64, len(tuning.EntryWeights))
	for name, w := range tuning.EntryWeights {
		weights[name] = w
	}

	return &DynamicFactors{
		Symbol:            symbol,
		StopATRMultiplier: 2.0,
		SizeMultiplier:    1.0,
		VolatilityTier:    TierNormal,
		RSIOversold:       tuning.RSIOversold,
		RSIOverbought:     tuning.RSIOverbought,
		StochOversold:     tuning.StochOversold,
		StochOverbought:   tuning.StochOverbought,
		RegimeDifficulty:  defaultRegimeDifficulty(),
		MinEntryScore:     baseMinScore,
		EntryWeights:      weights,
	}
}

// copy returns a deep copy safe to hand to readers.
func (f *DynamicFactors) copy() DynamicFactors {
	out := *f
	out.RegimeDifficulty = make(map[string]float64, len(f.RegimeDifficulty))
	for k, v := range f.RegimeDifficulty {
		out.RegimeDifficulty[k] = v
	}
	out.EntryWeights = make(map[string]float64, len(f.EntryWeights))
	for k, v := range f.EntryWeights {
		out.EntryWeights[k] = v
	}
	return out
}

// Tuning projects the analyzer-facing slice of the record.
func (f DynamicFactors) Tuning() analyzer.Tuning {
	weights := make(map[string]float64, len(f.EntryWeights))
	for name, w := range f.EntryWeights {
		weights[name] = w
	}
	return analyzer.Tuning{
		EntryWeights:    weights,
		RSIOversold:     f.RSIOversold,
		RSIOverbought:   f.RSIOverbought,
		StochOversold:   f.StochOversold,
		StochOverbought: f.StochOverbought,
	}
}

// DifficultyFor returns the regime difficulty modifier, 1.0 when unknown.
func (f DynamicFactors) DifficultyFor(regime analyzer.Regime) float64 {
	if mod, ok := f.RegimeDifficulty[string(regime)]; ok {
		return mod
	}
	return 1.0
}

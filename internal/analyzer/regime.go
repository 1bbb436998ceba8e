package analyzer

import (
	"sync"
	"time"
)

// Regime classifies an instrument's prevailing long-horizon trend.
type Regime string

const (
	RegimeStrongBullish Regime = "strong_bullish"
	RegimeBullish       Regime = "bullish"
	RegimeNeutral       Regime = "neutral"
	RegimeBearish       Regime = "bearish"
	RegimeStrongBearish Regime = "strong_bearish"
	RegimeRanging       Regime = "ranging"
)

// RegimeState tracks an instrument's current regime and its last transition.
type RegimeState struct {
	Current   Regime    `json:"current"`
	Previous  Regime    `json:"previous"`
	ChangedAt time.Time `json:"changed_at"`
	Gap       float64   `json:"gap"`
}

// RegimeChange is emitted whenever an instrument's label flips.
type RegimeChange struct {
	Symbol   string  `json:"symbol"`
	From     Regime  `json:"from"`
	To       Regime  `json:"to"`
	TrendGap float64 `json:"trend_gap"`
}

// RegimeConfig holds the classification thresholds.
type RegimeConfig struct {
	StrongGapPercent float64 // gap beyond which the trend is "strong" (default 5)
	NeutralBand      float64 // |gap| below this is neutral (default 0.5)
	RangingADX       float64 // trend strength below this overrides to ranging (default 20)
}

func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		StrongGapPercent: 5.0,
		NeutralBand:      0.5,
		RangingADX:       20.0,
	}
}

// RegimeDetector owns per-instrument regime state. Update is called exactly
// once per instrument per cycle by the coordinator goroutine; every other
// component only reads labels through Current / State.
type RegimeDetector struct {
	mu       sync.RWMutex
	cfg      RegimeConfig
	states   map[string]*RegimeState
	onChange func(RegimeChange)
}

func NewRegimeDetector(cfg RegimeConfig) *RegimeDetector {
	return &RegimeDetector{
		cfg:    cfg,
		states: make(map[string]*RegimeState),
	}
}

// OnChange registers the transition callback. The callback must not block;
// the engine wires it to the async event bus.
func (rd *RegimeDetector) OnChange(fn func(RegimeChange)) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.onChange = fn
}

// Classify maps a trend gap and trend strength to a regime label.
// Weak trend strength overrides the gap entirely: a flat, choppy market is
// ranging no matter which side of zero the averages sit on.
func (rd *RegimeDetector) Classify(gap, trendStrength float64) Regime {
	if trendStrength < rd.cfg.RangingADX {
		return RegimeRanging
	}

	switch {
	case gap > rd.cfg.StrongGapPercent:
		return RegimeStrongBullish
	case gap > rd.cfg.NeutralBand:
		return RegimeBullish
	case gap < -rd.cfg.StrongGapPercent:
		return RegimeStrongBearish
	case gap < -rd.cfg.NeutralBand:
		return RegimeBearish
	default:
		return RegimeNeutral
	}
}

// Update reclassifies one instrument and records the transition if the label
// changed. Returns the new label.
func (rd *RegimeDetector) Update(symbol string, gap, trendStrength float64, now time.Time) Regime {
	label := rd.Classify(gap, trendStrength)

	rd.mu.Lock()
	state, exists := rd.states[symbol]
	if !exists {
		state = &RegimeState{Current: RegimeNeutral, Previous: RegimeNeutral}
		rd.states[symbol] = state
	}

	var change *RegimeChange
	if label != state.Current {
		change = &RegimeChange{
			Symbol:   symbol,
			From:     state.Current,
			To:       label,
			TrendGap: gap,
		}
		state.Previous = state.Current
		state.Current = label
		state.ChangedAt = now
	}
	state.Gap = gap
	onChange := rd.onChange
	rd.mu.Unlock()

	if change != nil && onChange != nil {
		onChange(*change)
	}
	return label
}

// Current returns the instrument's regime label, Neutral if never classified.
func (rd *RegimeDetector) Current(symbol string) Regime {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	if state, ok := rd.states[symbol]; ok {
		return state.Current
	}
	return RegimeNeutral
}

// State returns a copy of the instrument's regime state.
func (rd *RegimeDetector) State(symbol string) (RegimeState, bool) {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	if state, ok := rd.states[symbol]; ok {
		return *state, true
	}
	return RegimeState{}, false
}

// States returns a copy of all regime states, for the status API.
func (rd *RegimeDetector) States() map[string]RegimeState {
	rd.mu.RLock()
	defer rd.mu.RUnlock()

	out := make(map[string]RegimeState, len(rd.states))
	for symbol, state := range rd.states {
		out[symbol] = *state
	}
	return out
}

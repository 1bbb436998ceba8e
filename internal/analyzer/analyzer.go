package analyzer

import (
	"fmt"
	"math"
	"time"

	"coin-portfolio-bot/internal/exchange"
)

// Entry condition names. The weekly factor update redistributes entry weights
// across exactly this set, so the names double as history keys.
const (
	CondTrend  = "trend"
	CondRSI    = "rsi"
	CondBB     = "bb"
	CondStoch  = "stoch"
	CondVolume = "volume"
)

// ConditionNames lists every scored entry condition.
var ConditionNames = []string{CondTrend, CondRSI, CondBB, CondStoch, CondVolume}

// Tuning carries the per-instrument adaptive parameters the analyzer reads.
// It is a plain value so worker tasks share nothing mutable.
type Tuning struct {
	EntryWeights    map[string]float64 `json:"entry_weights"`
	RSIOversold     float64            `json:"rsi_oversold"`
	RSIOverbought   float64            `json:"rsi_overbought"`
	StochOversold   float64            `json:"stoch_oversold"`
	StochOverbought float64            `json:"stoch_overbought"`
}

// DefaultTuning returns neutral analyzer parameters. Total entry weight is 4,
// matching the 0-4 score scale.
func DefaultTuning() Tuning {
	return Tuning{
		EntryWeights: map[string]float64{
			CondTrend:  1.2,
			CondRSI:    0.8,
			CondBB:     0.8,
			CondStoch:  0.6,
			CondVolume: 0.6,
		},
		RSIOversold:     30,
		RSIOverbought:   70,
		StochOversold:   20,
		StochOverbought: 80,
	}
}

// Result is the immutable per-instrument outcome of one analysis cycle.
type Result struct {
	Symbol         string    `json:"symbol"`
	Score          int       `json:"score"`           // 0-4 entry score
	RawScore       float64   `json:"raw_score"`       // weighted sum before rounding
	SignalStrength float64   `json:"signal_strength"` // 0-1
	Regime         Regime    `json:"regime"`
	Price          float64   `json:"price"`
	ATR            float64   `json:"atr"`
	ATRPercent     float64   `json:"atr_percent"` // ATR as % of price
	TrendGap       float64   `json:"trend_gap"`   // fast vs slow trend average, in %
	TrendStrength  float64   `json:"trend_strength"`
	Conditions     []string  `json:"conditions"` // entry conditions that passed
	Timestamp      time.Time `json:"timestamp"`
	Err            error     `json:"-"`
}

// Failed reports whether this result carries an analysis error and must be
// excluded from scheduling.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Config holds the static analyzer settings.
type Config struct {
	Interval      string // kline interval, e.g. "1h"
	KlineLimit    int    // candles fetched per analysis, needs >= SlowTrendPeriod
	FastTrend     int    // fast long-horizon trend EMA period
	SlowTrend     int    // slow long-horizon trend EMA period
	ATRPeriod     int
	RSIPeriod     int
	BBPeriod      int
	StochKPeriod  int
	StochDPeriod  int
	ADXPeriod     int
	VolumePeriod  int
	VolumeSpikeAt float64 // volume / average ratio that counts as a spike
}

// DefaultConfig returns the standard analyzer configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      "1h",
		KlineLimit:    250,
		FastTrend:     50,
		SlowTrend:     200,
		ATRPeriod:     14,
		RSIPeriod:     14,
		BBPeriod:      20,
		StochKPeriod:  14,
		StochDPeriod:  3,
		ADXPeriod:     14,
		VolumePeriod:  20,
		VolumeSpikeAt: 1.2,
	}
}

// Analyzer computes entry scores from candle history. It holds no mutable
// state: Analyze is a pure function of its inputs plus a market-data fetch,
// which makes it safe to run from many workers at once.
type Analyzer struct {
	client exchange.MarketClient
	cfg    Config
}

func New(client exchange.MarketClient, cfg Config) *Analyzer {
	return &Analyzer{client: client, cfg: cfg}
}

// Analyze fetches candles for one instrument and scores it against the given
// tuning. regime is the instrument's current (previous-cycle) regime label;
// the fresh trend gap and strength are returned in the Result so the regime
// detector can reclassify after the analysis barrier.
func (a *Analyzer) Analyze(symbol string, tuning Tuning, regime Regime) Result {
	now := time.Now()

	klines, err := a.client.GetKlines(symbol, a.cfg.Interval, a.cfg.KlineLimit)
	if err != nil {
		return Result{Symbol: symbol, Timestamp: now, Regime: regime,
			Err: fmt.Errorf("market data for %s: %w", symbol, err)}
	}
	if len(klines) < a.cfg.SlowTrend {
		return Result{Symbol: symbol, Timestamp: now, Regime: regime,
			Err: fmt.Errorf("insufficient history for %s: %d candles", symbol, len(klines))}
	}

	price := klines[len(klines)-1].Close
	atr := ATR(klines, a.cfg.ATRPeriod)
	atrPercent := 0.0
	if price > 0 {
		atrPercent = atr / price * 100
	}

	fastTrend := EMA(klines, a.cfg.FastTrend)
	slowTrend := EMA(klines, a.cfg.SlowTrend)
	trendGap := 0.0
	if slowTrend > 0 {
		trendGap = (fastTrend - slowTrend) / slowTrend * 100
	}
	trendStrength := ADX(klines, a.cfg.ADXPeriod)

	passed := a.evaluateConditions(klines, price, tuning)

	raw := 0.0
	total := 0.0
	for name, weight := range tuning.EntryWeights {
		total += weight
		for _, p := range passed {
			if p == name {
				raw += weight
			}
		}
	}

	score := int(math.Round(raw))
	if score < 0 {
		score = 0
	}
	if score > 4 {
		score = 4
	}

	strength := 0.0
	if total > 0 {
		strength = raw / total
	}
	if strength > 1 {
		strength = 1
	}

	return Result{
		Symbol:         symbol,
		Score:          score,
		RawScore:       raw,
		SignalStrength: strength,
		Regime:         regime,
		Price:          price,
		ATR:            atr,
		ATRPercent:     atrPercent,
		TrendGap:       trendGap,
		TrendStrength:  trendStrength,
		Conditions:     passed,
		Timestamp:      now,
	}
}

// evaluateConditions checks each entry condition against the candle history.
// The bot is long-only: every condition looks for a pullback-then-continuation
// setup in an uptrend.
func (a *Analyzer) evaluateConditions(klines []exchange.Kline, price float64, tuning Tuning) []string {
	passed := make([]string, 0, len(ConditionNames))

	emaFast := EMA(klines, 20)
	emaSlow := EMA(klines, 50)
	if emaFast > emaSlow && price > emaSlow {
		passed = append(passed, CondTrend)
	}

	rsi := RSI(klines, a.cfg.RSIPeriod)
	if rsi > tuning.RSIOversold && rsi < tuning.RSIOverbought-10 {
		passed = append(passed, CondRSI)
	}

	bb := Bollinger(klines, a.cfg.BBPeriod, 2.0)
	if bb.Middle > 0 && price <= bb.Middle {
		passed = append(passed, CondBB)
	}

	stoch := StochasticOscillator(klines, a.cfg.StochKPeriod, a.cfg.StochDPeriod)
	if stoch.K < tuning.StochOverbought && stoch.K > stoch.D {
		passed = append(passed, CondStoch)
	}

	avgVol := AverageVolume(klines, a.cfg.VolumePeriod)
	if avgVol > 0 && klines[len(klines)-1].Volume >= avgVol*a.cfg.VolumeSpikeAt {
		passed = append(passed, CondVolume)
	}

	return passed
}

package factors

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"coin-portfolio-bot/internal/analyzer"
)

// ============================================================================
// OUTCOME SOURCE
// ============================================================================

// ConditionStats aggregates trade outcomes attributed to one entry condition.
type ConditionStats struct {
	Trades int `json:"trades"`
	Wins   int `json:"wins"`
}

// WinRate returns wins/trades, 0 when no trades exist.
func (s ConditionStats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// OutcomeSource supplies closed-trade statistics for the daily and weekly
// update tiers. Backed by Postgres when configured, an in-memory recorder
// otherwise.
type OutcomeSource interface {
	// ConditionWinRates returns per-condition stats for trades closed since the
	// given time. Conditions with no closed trades may be absent from the map.
	ConditionWinRates(ctx context.Context, since time.Time) (map[string]ConditionStats, error)

	// AggregateStats returns overall wins, trade count, and net PnL for trades
	// closed since the given time.
	AggregateStats(ctx context.Context, since time.Time) (wins, trades int, pnl float64, err error)
}

// ============================================================================
// MANAGER
// ============================================================================

// Config holds the manager's static settings.
type Config struct {
	Bounds              BoundsConfig `json:"bounds"`
	BaseMinEntryScore   float64      `json:"base_min_entry_score"`  // default 2.0
	VolatilityShiftPct  float64      `json:"volatility_shift_pct"`  // relative ATR% move that re-fires thresholds, default 0.15
	MinTradesForReweigh int          `json:"min_trades_for_reweigh"` // per-condition sample floor, default 5
	ReweighBlend        float64      `json:"reweigh_blend"`          // how far weights move toward the win-rate target, default 0.5
}

func DefaultManagerConfig() Config {
	return Config{
		Bounds:              DefaultBoundsConfig(),
		BaseMinEntryScore:   2.0,
		VolatilityShiftPct:  0.15,
		MinTradesForReweigh: 5,
		ReweighBlend:        0.5,
	}
}

// Manager owns the per-instrument DynamicFactors records and runs the four
// update cadences. Only the coordinator goroutine calls the mutating methods;
// workers read through Get/Tuning, which return copies.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	factors  map[string]*DynamicFactors
	outcomes OutcomeSource

	lastDaily  time.Time
	lastWeekly time.Time
}

func NewManager(cfg Config, outcomes OutcomeSource) *Manager {
	if cfg.BaseMinEntryScore == 0 {
		cfg.BaseMinEntryScore = 2.0
	}
	if cfg.VolatilityShiftPct == 0 {
		cfg.VolatilityShiftPct = 0.15
	}
	if cfg.MinTradesForReweigh == 0 {
		cfg.MinTradesForReweigh = 5
	}
	if cfg.ReweighBlend == 0 {
		cfg.ReweighBlend = 0.5
	}
	return &Manager{
		cfg:      cfg,
		factors:  make(map[string]*DynamicFactors),
		outcomes: outcomes,
	}
}

// Get returns a copy of the instrument's factor record, creating the default
// record on first access.
func (m *Manager) Get(symbol string) DynamicFactors {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreate(symbol).copy()
}

// Tuning returns the analyzer-facing projection for one instrument.
func (m *Manager) Tuning(symbol string) analyzer.Tuning {
	return m.Get(symbol).Tuning()
}

// All returns copies of every factor record, for the status API.
func (m *Manager) All() map[string]DynamicFactors {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]DynamicFactors, len(m.factors))
	for symbol, f := range m.factors {
		out[symbol] = f.copy()
	}
	return out
}

// must be called with m.mu held
func (m *Manager) getOrCreate(symbol string) *DynamicFactors {
	f, ok := m.factors[symbol]
	if !ok {
		f = newDynamicFactors(symbol, m.cfg.BaseMinEntryScore)
		m.factors[symbol] = f
	}
	return f
}

// ============================================================================
// TIER 1: CONTINUOUS (every cycle)
// ============================================================================

// ApplyContinuous recomputes the volatility-tier parameters for one instrument
// from the latest ATR percent, and checks whether the volatility-triggered
// tier should re-fire. Called once per instrument per cycle, after the
// analysis barrier.
func (m *Manager) ApplyContinuous(symbol string, atrPercent float64, now time.Time) {
	if atrPercent <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.getOrCreate(symbol)
	tier := ClassifyTier(atrPercent)

	var stopMult, sizeMult float64
	switch tier {
	case TierLow:
		stopMult, sizeMult = 1.5, 1.2
	case TierNormal:
		stopMult, sizeMult = 2.0, 1.0
	case TierHigh:
		stopMult, sizeMult = 2.5, 0.7
	case TierExtreme:
		stopMult, sizeMult = 3.0, 0.5
	}

	if tier != f.VolatilityTier {
		log.Printf("[FACTORS] %s volatility tier %s -> %s (ATR %.2f%%)", symbol, f.VolatilityTier, tier, atrPercent)
	}

	f.VolatilityTier = tier
	f.StopATRMultiplier = m.cfg.Bounds.StopMultiplier.Clamp(stopMult)
	f.SizeMultiplier = m.cfg.Bounds.SizeMultiplier.Clamp(sizeMult)
	f.LastContinuous = now

	m.maybeFireVolatilityShift(f, atrPercent, now)
}

// ============================================================================
// TIER 2: VOLATILITY-TRIGGERED (>=15% relative ATR shift)
// ============================================================================

// maybeFireVolatilityShift re-derives the oscillator thresholds when ATR has
// moved enough since the last firing. Wider volatility pushes the oversold
// floor down and the overbought ceiling up, so extremes need to be more
// extreme before they count. must be called with m.mu held.
func (m *Manager) maybeFireVolatilityShift(f *DynamicFactors, atrPercent float64, now time.Time) {
	if f.ATRPercentAtFire > 0 {
		shift := math.Abs(atrPercent-f.ATRPercentAtFire) / f.ATRPercentAtFire
		if shift < m.cfg.VolatilityShiftPct {
			return
		}
	}

	var rsiOS, rsiOB, stochOS, stochOB float64
	switch f.VolatilityTier {
	case TierLow:
		rsiOS, rsiOB, stochOS, stochOB = 35, 65, 25, 75
	case TierNormal:
		rsiOS, rsiOB, stochOS, stochOB = 30, 70, 20, 80
	case TierHigh:
		rsiOS, rsiOB, stochOS, stochOB = 25, 75, 15, 85
	case TierExtreme:
		rsiOS, rsiOB, stochOS, stochOB = 20, 80, 10, 90
	}

	f.RSIOversold = m.cfg.Bounds.RSIOversold.Clamp(rsiOS)
	f.RSIOverbought = m.cfg.Bounds.RSIOverbought.Clamp(rsiOB)
	f.StochOversold = m.cfg.Bounds.StochOversold.Clamp(stochOS)
	f.StochOverbought = m.cfg.Bounds.StochOverbought.Clamp(stochOB)
	f.ATRPercentAtFire = atrPercent
	f.LastVolatilityFire = now

	log.Printf("[FACTORS] %s oscillator thresholds re-derived for %s tier: RSI %.0f/%.0f Stoch %.0f/%.0f",
		f.Symbol, f.VolatilityTier, f.RSIOversold, f.RSIOverbought, f.StochOversold, f.StochOverbought)
}

// ============================================================================
// TIER 3: DAILY (regime difficulty)
// ============================================================================

// RunDaily adjusts the regime difficulty modifiers once per calendar day.
// A losing day tightens the modifiers for the unfavourable regimes by 5%;
// a winning or flat day decays every modifier 10% back toward its default.
// Idempotent within a day once applied: the day stamp is recorded only after
// the outcome stats arrive, so a transient stats error leaves the window open
// and the next cycle retries.
func (m *Manager) RunDaily(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	if sameDay(m.lastDaily, now) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	var dayPnL float64
	var trades int
	if m.outcomes != nil {
		var err error
		_, trades, dayPnL, err = m.outcomes.AggregateStats(ctx, now.Add(-24*time.Hour))
		if err != nil {
			log.Printf("[FACTORS] Daily update: outcome stats unavailable: %v", err)
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sameDay(m.lastDaily, now) {
		return nil
	}
	m.lastDaily = now

	base := defaultRegimeDifficulty()
	tighten := trades > 0 && dayPnL < 0

	for _, f := range m.factors {
		for regime, mod := range f.RegimeDifficulty {
			if tighten && base[regime] >= 1.0 {
				mod *= 1.05
			} else {
				mod += (base[regime] - mod) * 0.10
			}
			f.RegimeDifficulty[regime] = m.cfg.Bounds.RegimeDifficulty.Clamp(mod)
		}
		f.LastDaily = now
	}

	log.Printf("[FACTORS] Daily update: %d trades, PnL %.2f, tighten=%v", trades, dayPnL, tighten)
	return nil
}

func sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// ============================================================================
// TIER 4: WEEKLY (performance reweighting)
// ============================================================================

// RunWeekly redistributes the entry condition weights from the last 7 days of
// per-condition win rates and adjusts the minimum entry score from the
// aggregate win rate. The total entry weight is invariant: whatever the win
// rates, the weights are rescaled so their sum never drifts from the score
// scale. Idempotent within a 7-day window once applied; as with the daily
// pass, the window stamp waits for the stats fetch to succeed.
func (m *Manager) RunWeekly(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	if !m.lastWeekly.IsZero() && now.Sub(m.lastWeekly) < 7*24*time.Hour {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.outcomes == nil {
		m.mu.Lock()
		m.lastWeekly = now
		m.mu.Unlock()
		return nil
	}

	since := now.Add(-7 * 24 * time.Hour)
	stats, err := m.outcomes.ConditionWinRates(ctx, since)
	if err != nil {
		log.Printf("[FACTORS] Weekly update: condition stats unavailable: %v", err)
		return err
	}
	wins, trades, _, err := m.outcomes.AggregateStats(ctx, since)
	if err != nil {
		log.Printf("[FACTORS] Weekly update: aggregate stats unavailable: %v", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastWeekly.IsZero() && now.Sub(m.lastWeekly) < 7*24*time.Hour {
		return nil
	}
	m.lastWeekly = now

	for _, f := range m.factors {
		m.reweighEntryConditions(f, stats)
		m.adjustMinEntryScore(f, wins, trades)
		f.LastWeekly = now
	}

	log.Printf("[FACTORS] Weekly update applied to %d instruments (%d trades, %d wins)", len(m.factors), trades, wins)
	return nil
}

// reweighEntryConditions shifts weight toward conditions that won and away
// from conditions that lost, clamped per condition and rescaled so the total
// stays fixed. Conditions without enough closed trades keep their weight as
// the reweighting target. must be called with m.mu held.
func (m *Manager) reweighEntryConditions(f *DynamicFactors, stats map[string]ConditionStats) {
	total := 0.0
	for _, w := range f.EntryWeights {
		total += w
	}
	if total <= 0 {
		return
	}

	// Win-rate share of each condition, falling back to the current weight
	// share for conditions with a thin sample.
	rateSum := 0.0
	rates := make(map[string]float64, len(f.EntryWeights))
	for name, w := range f.EntryWeights {
		s, ok := stats[name]
		if ok && s.Trades >= m.cfg.MinTradesForReweigh {
			rates[name] = s.WinRate()
		} else {
			rates[name] = w / total
		}
		rateSum += rates[name]
	}
	if rateSum <= 0 {
		return
	}

	blended := make(map[string]float64, len(f.EntryWeights))
	blendedSum := 0.0
	for name, w := range f.EntryWeights {
		target := total * rates[name] / rateSum
		next := w + (target-w)*m.cfg.ReweighBlend
		next = m.cfg.Bounds.EntryWeight.Clamp(next)
		blended[name] = next
		blendedSum += next
	}
	if blendedSum <= 0 {
		return
	}

	// Rescale so the sum is exactly the original total.
	scale := total / blendedSum
	for name, w := range blended {
		f.EntryWeights[name] = w * scale
	}
}

// adjustMinEntryScore raises the entry bar after a losing week and lowers it
// after a winning one. must be called with m.mu held.
func (m *Manager) adjustMinEntryScore(f *DynamicFactors, wins, trades int) {
	if trades == 0 {
		return
	}
	winRate := float64(wins) / float64(trades)

	switch {
	case winRate < 0.4:
		f.MinEntryScore = m.cfg.Bounds.MinEntryScore.Clamp(f.MinEntryScore + 0.5)
		log.Printf("[FACTORS] %s weekly win rate %.0f%%, min entry score raised to %.1f", f.Symbol, winRate*100, f.MinEntryScore)
	case winRate > 0.6:
		f.MinEntryScore = m.cfg.Bounds.MinEntryScore.Clamp(f.MinEntryScore - 0.5)
		log.Printf("[FACTORS] %s weekly win rate %.0f%%, min entry score lowered to %.1f", f.Symbol, winRate*100, f.MinEntryScore)
	}
}

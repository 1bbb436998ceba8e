package scheduler

import (
	"log"
	"sort"
	"time"

	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/factors"
)

// PositionSnapshot is the planner's read-only view of one open position,
// taken before the cycle's intents execute.
type PositionSnapshot struct {
	Symbol          string  `json:"symbol"`
	Quantity        float64 `json:"quantity"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	EntryCount      int     `json:"entry_count"`
	LastEntryPrice  float64 `json:"last_entry_price"`
	StopLoss        float64 `json:"stop_loss"`
	HighestPrice    float64 `json:"highest_price"`
	FirstTargetHit  bool    `json:"first_target_hit"`
	SecondTargetHit bool    `json:"second_target_hit"`
	CurrentPrice    float64 `json:"current_price"` // freshest known price, independent of analysis success
}

// Config holds the planner's admission and exit settings.
type Config struct {
	MaxPositions            int     `json:"max_positions"`
	MaxEntriesPerInstrument int     `json:"max_entries_per_instrument"`
	EnablePyramiding        bool    `json:"enable_pyramiding"`
	MinScoreForPyramid      int     `json:"min_score_for_pyramid"`
	MinStrengthForPyramid   float64 `json:"min_strength_for_pyramid"`
	MinPyramidPriceIncrease float64 `json:"min_pyramid_price_increase"` // fraction above last entry, e.g. 0.01
	FirstTargetPercent      float64 `json:"first_target_percent"`
	SecondTargetPercent     float64 `json:"second_target_percent"`

	// PyramidRegimes lists the regimes in which scale-ins are allowed.
	PyramidRegimes []analyzer.Regime `json:"pyramid_regimes"`

	// CoinRanks breaks score ties between entry candidates: higher rank value
	// wins. Unranked symbols rank 0.
	CoinRanks map[string]int `json:"coin_ranks"`
}

func DefaultConfig() Config {
	return Config{
		MaxPositions:            5,
		MaxEntriesPerInstrument: 3,
		EnablePyramiding:        true,
		MinScoreForPyramid:      3,
		MinStrengthForPyramid:   0.6,
		MinPyramidPriceIncrease: 0.01,
		FirstTargetPercent:      3.0,
		SecondTargetPercent:     6.0,
		PyramidRegimes:          []analyzer.Regime{analyzer.RegimeStrongBullish, analyzer.RegimeBullish},
		CoinRanks:               map[string]int{},
	}
}

// CycleInput bundles everything the planner reads for one cycle. All maps are
// snapshots: the planner never mutates shared state.
type CycleInput struct {
	Results   map[string]analyzer.Result
	Positions map[string]PositionSnapshot
	Factors   map[string]factors.DynamicFactors

	// EntriesSuspended blocks new opens and pyramids (circuit breaker open or
	// ledger persistence halted). Exits always plan regardless.
	EntriesSuspended bool
}

// Planner turns one cycle's analysis results and position snapshots into an
// ordered intent list. It is stateless; all admission state lives in the input.
type Planner struct {
	cfg Config
}

func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Plan produces the cycle's intents in execution order: exits, then pyramids,
// then new entries. Slot accounting is pre-cycle: capacity freed by this
// cycle's exits is not reused until the next cycle.
func (p *Planner) Plan(input CycleInput, now time.Time) []TradeIntent {
	intents := make([]TradeIntent, 0, len(input.Positions)+4)

	exiting := make(map[string]bool)
	for _, symbol := range sortedSymbols(input.Positions) {
		pos := input.Positions[symbol]
		if intent, ok := p.planExit(pos, now); ok {
			intents = append(intents, intent)
			if intent.Type == IntentCloseFull {
				exiting[symbol] = true
			}
		}
	}

	if input.EntriesSuspended {
		return intents
	}

	pyramids := make([]TradeIntent, 0, len(input.Positions))
	for _, symbol := range sortedSymbols(input.Positions) {
		if exiting[symbol] {
			continue
		}
		result, ok := input.Results[symbol]
		if !ok || result.Failed() {
			continue
		}
		if intent, ok := p.planPyramid(input.Positions[symbol], result, input.Factors[symbol], now); ok {
			pyramids = append(pyramids, intent)
		}
	}
	// Scale-ins execute strongest-signal first, same ordering as new entries.
	sort.SliceStable(pyramids, func(i, j int) bool {
		if pyramids[i].Score != pyramids[j].Score {
			return pyramids[i].Score > pyramids[j].Score
		}
		return p.cfg.CoinRanks[pyramids[i].Symbol] > p.cfg.CoinRanks[pyramids[j].Symbol]
	})
	intents = append(intents, pyramids...)

	intents = append(intents, p.planEntries(input, exiting, now)...)
	return intents
}

// planExit checks stop and profit targets against the freshest price. A stop
// breach closes the whole position; the first target closes half, the second
// the remainder.
func (p *Planner) planExit(pos PositionSnapshot, now time.Time) (TradeIntent, bool) {
	price := pos.CurrentPrice
	if price <= 0 || pos.Quantity <= 0 {
		return TradeIntent{}, false
	}

	if pos.StopLoss > 0 && price <= pos.StopLoss {
		intent := newIntent(pos.Symbol, IntentCloseFull, price, now)
		intent.Reason = ReasonStopLoss
		return intent, true
	}

	if pos.AvgEntryPrice <= 0 {
		return TradeIntent{}, false
	}
	gainPct := (price - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100

	if !pos.FirstTargetHit && gainPct >= p.cfg.FirstTargetPercent {
		intent := newIntent(pos.Symbol, IntentClosePartial, price, now)
		intent.Fraction = 0.5
		intent.Reason = ReasonFirstTarget
		return intent, true
	}

	if pos.FirstTargetHit && !pos.SecondTargetHit && gainPct >= p.cfg.SecondTargetPercent {
		intent := newIntent(pos.Symbol, IntentCloseFull, price, now)
		intent.Reason = ReasonSecondTarget
		return intent, true
	}

	return TradeIntent{}, false
}

// planPyramid gates scale-ins on signal quality, regime, price progress over
// the last entry, and the per-instrument entry cap.
func (p *Planner) planPyramid(pos PositionSnapshot, result analyzer.Result, f factors.DynamicFactors, now time.Time) (TradeIntent, bool) {
	if !p.cfg.EnablePyramiding {
		return TradeIntent{}, false
	}
	if pos.EntryCount >= p.cfg.MaxEntriesPerInstrument {
		return TradeIntent{}, false
	}
	if result.Score < p.cfg.MinScoreForPyramid || result.SignalStrength < p.cfg.MinStrengthForPyramid {
		return TradeIntent{}, false
	}
	if !p.regimeAllowsPyramid(result.Regime) {
		return TradeIntent{}, false
	}
	if pos.LastEntryPrice <= 0 || result.Price < pos.LastEntryPrice*(1+p.cfg.MinPyramidPriceIncrease) {
		return TradeIntent{}, false
	}

	intent := newIntent(pos.Symbol, IntentPyramid, result.Price, now)
	intent.Score = result.Score
	intent.SignalStrength = result.SignalStrength
	intent.StopLoss = entryStop(result, f)
	intent.SizeMultiplier = f.SizeMultiplier
	intent.Conditions = result.Conditions
	return intent, true
}

// planEntries ranks qualifying instruments by score, breaking ties with the
// configured coin rank (higher value wins), and admits at most the number of
// slots free at the start of the cycle.
func (p *Planner) planEntries(input CycleInput, exiting map[string]bool, now time.Time) []TradeIntent {
	freeSlots := p.cfg.MaxPositions - len(input.Positions)
	if freeSlots <= 0 {
		return nil
	}

	type candidate struct {
		result analyzer.Result
		f      factors.DynamicFactors
		rank   int
	}

	candidates := make([]candidate, 0, len(input.Results))
	for _, symbol := range sortedSymbols(input.Results) {
		result := input.Results[symbol]
		if result.Failed() {
			continue
		}
		if _, held := input.Positions[symbol]; held {
			continue
		}
		// A symbol whose stop was breached this cycle never re-enters in the
		// same cycle.
		if exiting[symbol] {
			continue
		}

		f := input.Factors[symbol]
		minScore := f.MinEntryScore * f.DifficultyFor(result.Regime)
		if float64(result.Score) < minScore {
			continue
		}

		candidates = append(candidates, candidate{
			result: result,
			f:      f,
			rank:   p.cfg.CoinRanks[symbol],
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].result.Score != candidates[j].result.Score {
			return candidates[i].result.Score > candidates[j].result.Score
		}
		return candidates[i].rank > candidates[j].rank
	})

	if len(candidates) > freeSlots {
		log.Printf("[SCHEDULER] %d entry candidates for %d free slots, admitting top %d",
			len(candidates), freeSlots, freeSlots)
		candidates = candidates[:freeSlots]
	}

	intents := make([]TradeIntent, 0, len(candidates))
	for _, c := range candidates {
		intent := newIntent(c.result.Symbol, IntentOpen, c.result.Price, now)
		intent.Score = c.result.Score
		intent.SignalStrength = c.result.SignalStrength
		intent.StopLoss = entryStop(c.result, c.f)
		intent.SizeMultiplier = c.f.SizeMultiplier
		intent.Conditions = c.result.Conditions
		intents = append(intents, intent)
	}
	return intents
}

func (p *Planner) regimeAllowsPyramid(regime analyzer.Regime) bool {
	for _, allowed := range p.cfg.PyramidRegimes {
		if regime == allowed {
			return true
		}
	}
	return false
}

// entryStop derives the initial ATR stop below the entry price.
func entryStop(result analyzer.Result, f factors.DynamicFactors) float64 {
	mult := f.StopATRMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	stop := result.Price - result.ATR*mult
	if stop < 0 {
		stop = 0
	}
	return stop
}

func sortedSymbols[V any](m map[string]V) []string {
	symbols := make([]string, 0, len(m))
	for symbol := range m {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

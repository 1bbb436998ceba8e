package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/circuit"
	"coin-portfolio-bot/internal/events"
	"coin-portfolio-bot/internal/exchange"
	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/history"
	"coin-portfolio-bot/internal/ledger"
	"coin-portfolio-bot/internal/notify"
	"coin-portfolio-bot/internal/scheduler"
)

// Config holds the engine's loop settings.
type Config struct {
	Symbols       []string
	CycleInterval time.Duration
	PriceMaxAge   time.Duration // staleness bound for streamed prices
	Coordinator   CoordinatorConfig
}

// Engine runs the decision loop: analyze every instrument in parallel, update
// regimes and adaptive factors at the barrier, plan intents, and execute them
// through the ledger. Everything after the barrier runs on the engine
// goroutine; only the analysis fan-out is concurrent.
type Engine struct {
	cfg Config

	client      exchange.MarketClient
	stream      *exchange.PriceStream
	coordinator *Coordinator
	regimes     *analyzer.RegimeDetector
	factors     *factors.Manager
	planner     *scheduler.Planner
	ledger      *ledger.Ledger
	recorder    history.Recorder
	breaker     *circuit.Breaker
	bus         *events.EventBus
	notifier    *notify.Manager

	mu        sync.RWMutex
	running   bool
	lastCycle time.Time
	cycleNum  int64
	lastStats cycleStats

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type cycleStats struct {
	Analyzed int
	Failed   int
	Intents  int
	Executed int
	Elapsed  time.Duration
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Client   exchange.MarketClient
	Stream   *exchange.PriceStream
	Analyzer *analyzer.Analyzer
	Regimes  *analyzer.RegimeDetector
	Factors  *factors.Manager
	Planner  *scheduler.Planner
	Ledger   *ledger.Ledger
	Recorder history.Recorder
	Breaker  *circuit.Breaker
	Bus      *events.EventBus
	Notifier *notify.Manager
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = 30 * time.Second
	}

	e := &Engine{
		cfg:         cfg,
		client:      deps.Client,
		stream:      deps.Stream,
		coordinator: NewCoordinator(deps.Analyzer, deps.Factors, deps.Regimes, cfg.Coordinator),
		regimes:     deps.Regimes,
		factors:     deps.Factors,
		planner:     deps.Planner,
		ledger:      deps.Ledger,
		recorder:    deps.Recorder,
		breaker:     deps.Breaker,
		bus:         deps.Bus,
		notifier:    deps.Notifier,
		stopChan:    make(chan struct{}),
	}

	e.regimes.OnChange(func(change analyzer.RegimeChange) {
		e.bus.PublishRegimeChanged(change.Symbol, string(change.From), string(change.To), change.TrendGap)
		e.notifier.SendRegimeChange(change.Symbol, string(change.From), string(change.To), change.TrendGap)
	})
	e.breaker.OnTrip(func(reason string) {
		log.Printf("[ENGINE] Circuit breaker tripped: %s", reason)
		e.bus.Publish(events.Event{Type: events.EventBreakerTripped,
			Data: map[string]interface{}{"reason": reason}})
		e.notifier.SendBreakerTripped(reason)
	})
	e.breaker.OnReset(func() {
		log.Printf("[ENGINE] Circuit breaker reset, entries resumed")
		e.bus.Publish(events.Event{Type: events.EventBreakerReset, Data: map[string]interface{}{}})
	})

	return e
}

// Start restores state, launches the price stream, and begins the cycle loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.lastCycle = time.Now()
	e.mu.Unlock()

	if err := e.ledger.Restore(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}

	if e.stream != nil {
		e.stream.Start()
	}

	e.wg.Add(2)
	go e.run(ctx)
	go e.watchdog()

	log.Printf("[ENGINE] Started: %d symbols, %s interval, %d positions restored",
		len(e.cfg.Symbols), e.cfg.CycleInterval, e.ledger.OpenCount())
	e.bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"symbols":  len(e.cfg.Symbols),
		"interval": e.cfg.CycleInterval.String(),
	}})
	return nil
}

// Stop halts the cycle loop and the price stream.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()
	if e.stream != nil {
		e.stream.Stop()
	}

	e.bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})
	log.Printf("[ENGINE] Stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	// First cycle runs immediately rather than waiting out the interval.
	e.runCycle(ctx)

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// watchdog kills the process if the cycle loop stalls for ten intervals.
// A wedged loop with open positions is worse than a crash: the supervisor
// restarts a crash, nothing restarts a silent stall.
func (e *Engine) watchdog() {
	defer e.wg.Done()

	limit := 10 * e.cfg.CycleInterval
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.mu.RLock()
			stalled := time.Since(e.lastCycle) > limit
			e.mu.RUnlock()

			if stalled {
				log.Printf("[WATCHDOG] No completed cycle in %s, exiting", limit)
				os.Exit(1)
			}
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	started := time.Now()

	// Retry any snapshot backlog before trading decisions depend on it.
	if err := e.ledger.Flush(ctx); err != nil {
		log.Printf("[ENGINE] Snapshot flush still failing: %v", err)
		e.notifier.SendError("Persistence fault", err.Error())
	}

	results := e.coordinator.AnalyzeAll(ctx, e.cfg.Symbols)

	// Post-barrier, single-threaded: reclassify regimes and refresh the
	// continuous factor tier from the fresh measurements.
	now := time.Now()
	failed := 0
	for symbol, result := range results {
		if result.Failed() {
			failed++
			continue
		}
		label := e.regimes.Update(symbol, result.TrendGap, result.TrendStrength, now)
		result.Regime = label
		results[symbol] = result
		e.factors.ApplyContinuous(symbol, result.ATRPercent, now)
	}

	if err := e.factors.RunDaily(ctx, now); err != nil {
		log.Printf("[ENGINE] Daily factor update failed: %v", err)
	}
	if err := e.factors.RunWeekly(ctx, now); err != nil {
		log.Printf("[ENGINE] Weekly factor update failed: %v", err)
	}

	snapshots := e.fillCurrentPrices(e.ledger.Snapshots(), results)
	e.updateTrailingStops(ctx, snapshots, results)
	// Re-read after trailing updates so the planner sees the ratcheted stops.
	snapshots = e.fillCurrentPrices(e.ledger.Snapshots(), results)

	factorsBySymbol := make(map[string]factors.DynamicFactors, len(results))
	for symbol := range results {
		factorsBySymbol[symbol] = e.factors.Get(symbol)
	}
	for symbol := range snapshots {
		if _, ok := factorsBySymbol[symbol]; !ok {
			factorsBySymbol[symbol] = e.factors.Get(symbol)
		}
	}

	entriesAllowed, blockReason := e.breaker.AllowEntries()
	if !entriesAllowed {
		log.Printf("[ENGINE] Entries suspended: %s", blockReason)
	}

	intents := e.planner.Plan(scheduler.CycleInput{
		Results:          results,
		Positions:        snapshots,
		Factors:          factorsBySymbol,
		EntriesSuspended: !entriesAllowed || e.ledger.Halted(),
	}, now)

	executed := e.executeIntents(ctx, intents)

	elapsed := time.Since(started)
	e.mu.Lock()
	e.lastCycle = time.Now()
	e.cycleNum++
	e.lastStats = cycleStats{
		Analyzed: len(results) - failed,
		Failed:   failed,
		Intents:  len(intents),
		Executed: executed,
		Elapsed:  elapsed,
	}
	e.mu.Unlock()

	e.bus.PublishCycleCompleted(len(results)-failed, failed, len(intents), elapsed)
	log.Printf("[ENGINE] Cycle done: %d analyzed, %d failed, %d intents, %d executed in %s",
		len(results)-failed, failed, len(intents), executed, elapsed.Round(time.Millisecond))
}

// fillCurrentPrices resolves the freshest price per open position: streamed
// ticker first, this cycle's analysis price next, REST ticker last.
func (e *Engine) fillCurrentPrices(snapshots map[string]scheduler.PositionSnapshot, results map[string]analyzer.Result) map[string]scheduler.PositionSnapshot {
	for symbol, snap := range snapshots {
		snap.CurrentPrice = e.currentPrice(symbol, results)
		snapshots[symbol] = snap
	}
	return snapshots
}

func (e *Engine) currentPrice(symbol string, results map[string]analyzer.Result) float64 {
	if e.stream != nil {
		if price, ok := e.stream.Price(symbol, e.cfg.PriceMaxAge); ok {
			return price
		}
	}
	if result, ok := results[symbol]; ok && !result.Failed() && result.Price > 0 {
		return result.Price
	}
	price, err := e.client.GetCurrentPrice(symbol)
	if err != nil {
		log.Printf("[ENGINE] No price for %s: %v", symbol, err)
		return 0
	}
	return price
}

// updateTrailingStops ratchets every open position's stop from the cycle's
// fresh ATR. Positions whose analysis failed keep their last stop.
func (e *Engine) updateTrailingStops(ctx context.Context, snapshots map[string]scheduler.PositionSnapshot, results map[string]analyzer.Result) {
	for symbol, snap := range snapshots {
		result, ok := results[symbol]
		if !ok || result.Failed() || snap.CurrentPrice <= 0 {
			continue
		}
		f := e.factors.Get(symbol)
		e.ledger.UpdateTrailing(ctx, symbol, snap.CurrentPrice, result.ATR, f.StopATRMultiplier)
	}
}

func (e *Engine) executeIntents(ctx context.Context, intents []scheduler.TradeIntent) int {
	executed := 0
	for _, intent := range intents {
		report, err := e.ledger.Execute(ctx, intent)
		if err != nil {
			if errors.Is(err, ledger.ErrPersistenceHalted) {
				log.Printf("[ENGINE] %s %s skipped: %v", intent.Type, intent.Symbol, err)
				continue
			}
			log.Printf("[ENGINE] Execute %s %s failed: %v", intent.Type, intent.Symbol, err)
			e.bus.PublishError("engine", "intent execution failed", err)
			e.notifier.SendError("Order failed", fmt.Sprintf("%s %s: %v", intent.Type, intent.Symbol, err))
			continue
		}
		executed++
		e.publishReport(ctx, report)
	}
	return executed
}

func (e *Engine) publishReport(ctx context.Context, report *ledger.Report) {
	intent := report.Intent

	switch intent.Type {
	case scheduler.IntentOpen:
		pos := report.Position
		e.bus.PublishPositionOpened(intent.Symbol, pos.AvgEntryPrice, pos.Quantity, pos.StopLoss, intent.Score)
		e.notifier.SendPositionOpen(intent.Symbol, pos.AvgEntryPrice, pos.Quantity, pos.StopLoss, intent.Score)

	case scheduler.IntentPyramid:
		pos := report.Position
		last := pos.Entries[len(pos.Entries)-1]
		e.bus.PublishPositionPyramided(intent.Symbol, last.Price, last.Quantity, pos.AvgEntryPrice, len(pos.Entries))
		e.notifier.SendPositionAdd(intent.Symbol, last.Price, last.Quantity, pos.AvgEntryPrice, len(pos.Entries))

	case scheduler.IntentCloseFull, scheduler.IntentClosePartial:
		closed := report.Closed
		if closed == nil {
			return
		}
		e.bus.PublishPositionClosed(closed.Symbol, closed.Reason, closed.ExitPrice, closed.Quantity, closed.PnL, closed.PnLPercent)
		e.notifier.SendPositionClose(closed.Symbol, closed.Reason, closed.ExitPrice, closed.PnL, closed.PnLPercent)

		e.breaker.RecordOutcome(closed.PnLPercent)
		if err := e.recorder.RecordTrade(ctx, *closed); err != nil {
			log.Printf("[ENGINE] Trade history record failed: %v", err)
		}
	}
}

// Status returns a point-in-time view for the status API.
func (e *Engine) Status() map[string]interface{} {
	e.mu.RLock()
	running := e.running
	lastCycle := e.lastCycle
	cycleNum := e.cycleNum
	stats := e.lastStats
	e.mu.RUnlock()

	return map[string]interface{}{
		"running":             running,
		"cycle":               cycleNum,
		"last_cycle":          lastCycle,
		"last_cycle_analyzed": stats.Analyzed,
		"last_cycle_failed":   stats.Failed,
		"last_cycle_intents":  stats.Intents,
		"last_cycle_executed": stats.Executed,
		"last_cycle_ms":       stats.Elapsed.Milliseconds(),
		"open_positions":      e.ledger.OpenCount(),
		"persistence_halted":  e.ledger.Halted(),
		"breaker":             e.breaker.GetStats(),
		"symbols":             e.cfg.Symbols,
	}
}

// Regimes exposes regime state for the status API.
func (e *Engine) Regimes() map[string]analyzer.RegimeState {
	return e.regimes.States()
}

// Factors exposes the adaptive factor records for the status API.
func (e *Engine) Factors() map[string]factors.DynamicFactors {
	return e.factors.All()
}

// Positions exposes open positions for the status API.
func (e *Engine) Positions() map[string]ledger.Position {
	return e.ledger.Positions()
}

// RecentTrades exposes closed-trade history for the status API.
func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]ledger.ClosedTrade, error) {
	return e.recorder.RecentTrades(ctx, limit)
}

package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/factors"
)

// CoordinatorConfig sizes the per-cycle analysis fan-out.
type CoordinatorConfig struct {
	MaxWorkers    int           // concurrent analysis workers
	TaskTimeout   time.Duration // budget for one instrument's analysis
	CycleDeadline time.Duration // hard barrier for the whole batch
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxWorkers:    3,
		TaskTimeout:   20 * time.Second,
		CycleDeadline: 90 * time.Second,
	}
}

// Coordinator fans one cycle's instruments across a worker pool and joins the
// results at a barrier. Workers only call the pure analyzer with value inputs;
// no worker ever touches the regime detector, the factor records, or the
// ledger.
type Coordinator struct {
	analyzer *analyzer.Analyzer
	factors  *factors.Manager
	regimes  *analyzer.RegimeDetector
	cfg      CoordinatorConfig
}

func NewCoordinator(a *analyzer.Analyzer, f *factors.Manager, r *analyzer.RegimeDetector, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 20 * time.Second
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = 90 * time.Second
	}
	return &Coordinator{analyzer: a, factors: f, regimes: r, cfg: cfg}
}

// AnalyzeAll analyzes every symbol concurrently and returns a result per
// symbol. A task that overruns its timeout, or the batch deadline, yields a
// failed result; the straggler goroutine is abandoned and its late answer
// discarded. The returned map always has one entry per requested symbol:
// stragglers are not dropped from the map but come back error-bearing, so
// downstream consumers see a uniform shape and treat Err != nil as "no
// analysis this cycle" (the planner skips them for entries and pyramids).
func (c *Coordinator) AnalyzeAll(ctx context.Context, symbols []string) map[string]analyzer.Result {
	results := make(map[string]analyzer.Result, len(symbols))
	if len(symbols) == 0 {
		return results
	}

	symbolChan := make(chan string, len(symbols))
	resultChan := make(chan analyzer.Result, len(symbols))

	workers := c.cfg.MaxWorkers
	if workers > len(symbols) {
		workers = len(symbols)
	}

	for i := 0; i < workers; i++ {
		go func() {
			for symbol := range symbolChan {
				resultChan <- c.analyzeOne(ctx, symbol)
			}
		}()
	}

	for _, symbol := range symbols {
		symbolChan <- symbol
	}
	close(symbolChan)

	deadline := time.NewTimer(c.cfg.CycleDeadline)
	defer deadline.Stop()

collect:
	for len(results) < len(symbols) {
		select {
		case result := <-resultChan:
			results[result.Symbol] = result
		case <-deadline.C:
			log.Printf("[COORDINATOR] Cycle deadline reached with %d/%d results, abandoning stragglers",
				len(results), len(symbols))
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	// Every requested symbol gets a result, even if its worker never answered.
	for _, symbol := range symbols {
		if _, ok := results[symbol]; !ok {
			results[symbol] = analyzer.Result{
				Symbol:    symbol,
				Regime:    c.regimes.Current(symbol),
				Timestamp: time.Now(),
				Err:       fmt.Errorf("analysis for %s abandoned at cycle deadline", symbol),
			}
		}
	}
	return results
}

// analyzeOne runs one instrument's analysis under its task timeout. The
// tuning snapshot and previous-cycle regime label are taken up front so the
// task shares nothing mutable with the rest of the engine.
func (c *Coordinator) analyzeOne(ctx context.Context, symbol string) analyzer.Result {
	tuning := c.factors.Tuning(symbol)
	regime := c.regimes.Current(symbol)

	done := make(chan analyzer.Result, 1)
	go func() {
		done <- c.analyzer.Analyze(symbol, tuning, regime)
	}()

	select {
	case result := <-done:
		return result
	case <-time.After(c.cfg.TaskTimeout):
		return analyzer.Result{
			Symbol:    symbol,
			Regime:    regime,
			Timestamp: time.Now(),
			Err:       fmt.Errorf("analysis for %s timed out after %s", symbol, c.cfg.TaskTimeout),
		}
	case <-ctx.Done():
		return analyzer.Result{
			Symbol:    symbol,
			Regime:    regime,
			Timestamp: time.Now(),
			Err:       ctx.Err(),
		}
	}
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

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

func newTestEngine(client exchange.MarketClient, symbols []string) (*Engine, *ledger.Ledger, *history.MemoryRecorder) {
	a := analyzer.New(client, analyzer.DefaultConfig())
	regimes := analyzer.NewRegimeDetector(analyzer.DefaultRegimeConfig())
	recorder := history.NewMemoryRecorder()
	factorsMgr := factors.NewManager(factors.DefaultManagerConfig(), recorder)
	book := ledger.New(client, ledger.NewMemorySnapshotStore(), ledger.Config{QuoteAmountPerEntry: 100}, zerolog.Nop())

	e := New(Config{
		Symbols:       symbols,
		CycleInterval: time.Minute,
		Coordinator:   DefaultCoordinatorConfig(),
	}, Deps{
		Client:   client,
		Analyzer: a,
		Regimes:  regimes,
		Factors:  factorsMgr,
		Planner:  scheduler.NewPlanner(scheduler.DefaultConfig()),
		Ledger:   book,
		Recorder: recorder,
		Breaker:  circuit.NewBreaker(circuit.DefaultBreakerConfig()),
		Bus:      events.NewEventBus(),
		Notifier: notify.NewManager(),
	})
	return e, book, recorder
}

func TestCycleOpensPositionOnStrongSignal(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{"BTCUSDT": uptrendKlines(250)},
	}
	e, book, _ := newTestEngine(client, []string{"BTCUSDT"})

	e.runCycle(context.Background())

	if book.OpenCount() != 1 {
		t.Fatalf("open positions = %d, want 1", book.OpenCount())
	}
	pos := book.Positions()["BTCUSDT"]
	if pos.Quantity <= 0 || pos.StopLoss <= 0 || pos.StopLoss >= pos.AvgEntryPrice {
		t.Errorf("position not initialized sanely: %+v", pos)
	}

	status := e.Status()
	if status["last_cycle_executed"].(int) != 1 {
		t.Errorf("status executed = %v, want 1", status["last_cycle_executed"])
	}
	if regime := e.Regimes()["BTCUSDT"].Current; regime == "" {
		t.Error("regime not classified after cycle")
	}
}

func TestCycleClosesOnStopBreach(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{"BTCUSDT": uptrendKlines(250)},
	}
	e, book, recorder := newTestEngine(client, []string{"BTCUSDT"})
	ctx := context.Background()

	e.runCycle(ctx)
	if book.OpenCount() != 1 {
		t.Fatalf("precondition: expected one open position, got %d", book.OpenCount())
	}

	// Crash the market far below any plausible stop.
	crashed := uptrendKlines(250)
	last := crashed[len(crashed)-1]
	last.Close = last.Close * 0.5
	last.Low = last.Close * 0.99
	crashed[len(crashed)-1] = last
	client.mu.Lock()
	client.klines["BTCUSDT"] = crashed
	client.mu.Unlock()

	e.runCycle(ctx)

	if book.OpenCount() != 0 {
		t.Fatalf("stop breach must close the position, still %d open", book.OpenCount())
	}

	trades, err := recorder.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("closed trade not recorded, got %d", len(trades))
	}
	if trades[0].Reason != scheduler.ReasonStopLoss || trades[0].Win() {
		t.Errorf("stop-loss close should record a losing trade: %+v", trades[0])
	}
}

func TestCycleDoesNotReopenSameCycleAfterStopExit(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{"BTCUSDT": uptrendKlines(250)},
	}
	e, book, _ := newTestEngine(client, []string{"BTCUSDT"})
	ctx := context.Background()

	e.runCycle(ctx)
	if book.OpenCount() != 1 {
		t.Fatalf("precondition: expected one open position")
	}

	// Force the in-ledger stop above the market so the breach fires while the
	// analysis still scores an entry.
	snaps := book.Snapshots()
	if snaps["BTCUSDT"].StopLoss <= 0 {
		t.Fatal("position has no stop")
	}
	crashed := uptrendKlines(250)
	last := crashed[len(crashed)-1]
	last.Close = snaps["BTCUSDT"].StopLoss * 0.999
	last.Low = last.Close * 0.99
	crashed[len(crashed)-1] = last
	client.mu.Lock()
	client.klines["BTCUSDT"] = crashed
	client.mu.Unlock()

	e.runCycle(ctx)

	if book.OpenCount() != 0 {
		t.Errorf("symbol closed by a stop must not re-enter in the same cycle, %d open", book.OpenCount())
	}
}

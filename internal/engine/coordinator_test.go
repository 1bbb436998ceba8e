package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/exchange"
	"coin-portfolio-bot/internal/factors"
)

// slowMarketClient serves canned klines with a configurable per-symbol delay.
type slowMarketClient struct {
	mu     sync.Mutex
	klines map[string][]exchange.Kline
	delays map[string]time.Duration
	errs   map[string]error
}

func (m *slowMarketClient) GetKlines(symbol, interval string, limit int) ([]exchange.Kline, error) {
	m.mu.Lock()
	delay := m.delays[symbol]
	err := m.errs[symbol]
	klines := m.klines[symbol]
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return klines, nil
}

func (m *slowMarketClient) GetCurrentPrice(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	klines := m.klines[symbol]
	if len(klines) == 0 {
		return 0, errors.New("no data")
	}
	return klines[len(klines)-1].Close, nil
}

func (m *slowMarketClient) PlaceMarketOrder(symbol, side string, quantity float64, clientOrderID string) (*exchange.OrderResponse, error) {
	price, err := m.GetCurrentPrice(symbol)
	if err != nil {
		return nil, err
	}
	return &exchange.OrderResponse{
		Symbol: symbol, Side: side, Status: "FILLED",
		ExecutedQty: quantity, AvgPrice: price, ClientOrderID: clientOrderID,
	}, nil
}

// uptrendKlines builds a steady uptrend with a volume spike on the last candle.
func uptrendKlines(n int) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	price := 100.0
	for i := range klines {
		klines[i] = exchange.Kline{
			Open:   price,
			High:   price * 1.006,
			Low:    price * 0.997,
			Close:  price * 1.003,
			Volume: 1000,
		}
		price *= 1.003
	}
	klines[n-1].Volume = 2500
	return klines
}

func newTestCoordinator(client exchange.MarketClient, cfg CoordinatorConfig) (*Coordinator, *analyzer.RegimeDetector) {
	a := analyzer.New(client, analyzer.DefaultConfig())
	f := factors.NewManager(factors.DefaultManagerConfig(), nil)
	r := analyzer.NewRegimeDetector(analyzer.DefaultRegimeConfig())
	return NewCoordinator(a, f, r, cfg), r
}

func TestAnalyzeAllReturnsEverySymbol(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{
			"BTCUSDT": uptrendKlines(250),
			"ETHUSDT": uptrendKlines(250),
			"BADUSDT": nil,
		},
		errs: map[string]error{"BADUSDT": errors.New("connection refused")},
	}
	c, _ := newTestCoordinator(client, DefaultCoordinatorConfig())

	symbols := []string{"BTCUSDT", "ETHUSDT", "BADUSDT"}
	results := c.AnalyzeAll(context.Background(), symbols)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, symbol := range symbols {
		if _, ok := results[symbol]; !ok {
			t.Errorf("missing result for %s", symbol)
		}
	}
	if !results["BADUSDT"].Failed() {
		t.Error("fetch error must surface as a failed result")
	}
	if results["BTCUSDT"].Failed() || results["ETHUSDT"].Failed() {
		t.Errorf("healthy symbols failed: %v / %v", results["BTCUSDT"].Err, results["ETHUSDT"].Err)
	}
}

func TestAnalyzeAllTaskTimeout(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{
			"BTCUSDT":  uptrendKlines(250),
			"SLOWUSDT": uptrendKlines(250),
		},
		delays: map[string]time.Duration{"SLOWUSDT": 500 * time.Millisecond},
	}
	cfg := CoordinatorConfig{MaxWorkers: 4, TaskTimeout: 50 * time.Millisecond, CycleDeadline: 5 * time.Second}
	c, _ := newTestCoordinator(client, cfg)

	results := c.AnalyzeAll(context.Background(), []string{"BTCUSDT", "SLOWUSDT"})

	if results["BTCUSDT"].Failed() {
		t.Errorf("fast symbol must succeed: %v", results["BTCUSDT"].Err)
	}
	if !results["SLOWUSDT"].Failed() {
		t.Error("slow symbol must fail with a task timeout")
	}
}

func TestAnalyzeAllCycleDeadlineAbandonsStragglers(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{
			"AAAUSDT": uptrendKlines(250),
			"BBBUSDT": uptrendKlines(250),
		},
		delays: map[string]time.Duration{
			"AAAUSDT": 2 * time.Second,
			"BBBUSDT": 2 * time.Second,
		},
	}
	cfg := CoordinatorConfig{MaxWorkers: 2, TaskTimeout: 10 * time.Second, CycleDeadline: 50 * time.Millisecond}
	c, _ := newTestCoordinator(client, cfg)

	started := time.Now()
	results := c.AnalyzeAll(context.Background(), []string{"AAAUSDT", "BBBUSDT"})
	elapsed := time.Since(started)

	if elapsed > time.Second {
		t.Errorf("barrier must release at the cycle deadline, took %s", elapsed)
	}
	if len(results) != 2 {
		t.Fatalf("every symbol needs a result even at deadline, got %d", len(results))
	}
	for symbol, result := range results {
		if !result.Failed() {
			t.Errorf("%s should carry a deadline failure, got %+v", symbol, result)
		}
	}
}

func TestAnalyzeAllUsesPreviousCycleRegime(t *testing.T) {
	client := &slowMarketClient{
		klines: map[string][]exchange.Kline{"BTCUSDT": uptrendKlines(250)},
	}
	c, regimes := newTestCoordinator(client, DefaultCoordinatorConfig())

	regimes.Update("BTCUSDT", 6.0, 30, time.Now())

	results := c.AnalyzeAll(context.Background(), []string{"BTCUSDT"})
	if results["BTCUSDT"].Regime != analyzer.RegimeStrongBullish {
		t.Errorf("result regime = %q, want previous-cycle label strong_bullish", results["BTCUSDT"].Regime)
	}
}

package analyzer

import (
	"errors"
	"strings"
	"testing"

	"coin-portfolio-bot/internal/exchange"
)

// mockMarketClient serves canned klines per symbol.
type mockMarketClient struct {
	klines map[string][]exchange.Kline
	err    error
}

func (m *mockMarketClient) GetKlines(symbol, interval string, limit int) ([]exchange.Kline, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.klines[symbol], nil
}

func (m *mockMarketClient) GetCurrentPrice(symbol string) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	klines := m.klines[symbol]
	if len(klines) == 0 {
		return 0, errors.New("no data")
	}
	return klines[len(klines)-1].Close, nil
}

func (m *mockMarketClient) PlaceMarketOrder(symbol, side string, quantity float64, clientOrderID string) (*exchange.OrderResponse, error) {
	return nil, errors.New("not supported")
}

// uptrendKlines builds a steady uptrend with a shallow recent pullback and a
// volume spike on the last candle, which should pass every entry condition.
func uptrendKlines(n int) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	price := 100.0
	for i := range klines {
		klines[i] = exchange.Kline{
			Open:   price,
			High:   price * 1.008,
			Low:    price * 0.994,
			Close:  price * 1.003,
			Volume: 1000,
		}
		price *= 1.003
	}
	// Shallow pullback over the last three candles keeps price at or below
	// the middle band without breaking the trend.
	for i := n - 3; i < n; i++ {
		klines[i].Close *= 0.99
		klines[i].Low *= 0.985
	}
	klines[n-1].Volume = 2500
	return klines
}

func TestAnalyzeMarketDataError(t *testing.T) {
	client := &mockMarketClient{err: errors.New("connection refused")}
	a := New(client, DefaultConfig())

	result := a.Analyze("BTCUSDT", DefaultTuning(), RegimeNeutral)
	if !result.Failed() {
		t.Fatal("expected failed result on market data error")
	}
	if result.Symbol != "BTCUSDT" {
		t.Errorf("failed result must still carry the symbol, got %q", result.Symbol)
	}
	if result.Regime != RegimeNeutral {
		t.Errorf("failed result should keep the previous regime, got %q", result.Regime)
	}
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	client := &mockMarketClient{klines: map[string][]exchange.Kline{
		"BTCUSDT": uptrendKlines(50),
	}}
	a := New(client, DefaultConfig())

	result := a.Analyze("BTCUSDT", DefaultTuning(), RegimeNeutral)
	if !result.Failed() {
		t.Fatal("expected failed result with 50 candles against a 200-period trend")
	}
	if !strings.Contains(result.Err.Error(), "insufficient history") {
		t.Errorf("unexpected error: %v", result.Err)
	}
}

func TestAnalyzeUptrend(t *testing.T) {
	client := &mockMarketClient{klines: map[string][]exchange.Kline{
		"BTCUSDT": uptrendKlines(250),
	}}
	a := New(client, DefaultConfig())

	result := a.Analyze("BTCUSDT", DefaultTuning(), RegimeBullish)
	if result.Failed() {
		t.Fatalf("unexpected error: %v", result.Err)
	}

	if result.Score < 0 || result.Score > 4 {
		t.Errorf("score out of range: %d", result.Score)
	}
	if result.SignalStrength < 0 || result.SignalStrength > 1 {
		t.Errorf("signal strength out of range: %v", result.SignalStrength)
	}
	if result.TrendGap <= 0 {
		t.Errorf("steady uptrend should have positive trend gap, got %v", result.TrendGap)
	}
	if result.Price <= 0 {
		t.Errorf("price not populated: %v", result.Price)
	}
	if result.ATRPercent <= 0 {
		t.Errorf("ATR percent not populated: %v", result.ATRPercent)
	}
	if result.Regime != RegimeBullish {
		t.Errorf("result should echo the supplied regime, got %q", result.Regime)
	}
}

func TestAnalyzeScoreMatchesConditions(t *testing.T) {
	client := &mockMarketClient{klines: map[string][]exchange.Kline{
		"ETHUSDT": uptrendKlines(250),
	}}
	a := New(client, DefaultConfig())

	tuning := DefaultTuning()
	result := a.Analyze("ETHUSDT", tuning, RegimeNeutral)
	if result.Failed() {
		t.Fatalf("unexpected error: %v", result.Err)
	}

	raw := 0.0
	for _, cond := range result.Conditions {
		raw += tuning.EntryWeights[cond]
	}
	if raw != result.RawScore {
		t.Errorf("raw score %v does not match summed condition weights %v (conditions %v)",
			result.RawScore, raw, result.Conditions)
	}
}

func TestAnalyzeWeightsChangeScore(t *testing.T) {
	client := &mockMarketClient{klines: map[string][]exchange.Kline{
		"BTCUSDT": uptrendKlines(250),
	}}
	a := New(client, DefaultConfig())

	base := a.Analyze("BTCUSDT", DefaultTuning(), RegimeNeutral)
	if base.Failed() || len(base.Conditions) == 0 {
		t.Fatalf("need at least one passing condition, got %+v", base)
	}

	// Zero out the weight of a passing condition; raw score must drop.
	tuning := DefaultTuning()
	tuning.EntryWeights[base.Conditions[0]] = 0

	reduced := a.Analyze("BTCUSDT", tuning, RegimeNeutral)
	if reduced.RawScore >= base.RawScore {
		t.Errorf("zeroing a passing condition weight should reduce raw score: %v -> %v",
			base.RawScore, reduced.RawScore)
	}
}

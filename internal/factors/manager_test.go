package factors

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"coin-portfolio-bot/internal/analyzer"
)

// mockOutcomes serves canned trade statistics.
type mockOutcomes struct {
	conditionStats map[string]ConditionStats
	wins           int
	trades         int
	pnl            float64
	err            error
}

func (m *mockOutcomes) ConditionWinRates(ctx context.Context, since time.Time) (map[string]ConditionStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.conditionStats, nil
}

func (m *mockOutcomes) AggregateStats(ctx context.Context, since time.Time) (int, int, float64, error) {
	if m.err != nil {
		return 0, 0, 0, m.err
	}
	return m.wins, m.trades, m.pnl, nil
}

func TestClassifyTier(t *testing.T) {
	tests := []struct {
		atrPercent float64
		want       VolatilityTier
	}{
		{0.2, TierLow},
		{0.49, TierLow},
		{0.5, TierNormal},
		{1.49, TierNormal},
		{1.5, TierHigh},
		{2.99, TierHigh},
		{3.0, TierExtreme},
		{8.0, TierExtreme},
	}

	for _, tt := range tests {
		if got := ClassifyTier(tt.atrPercent); got != tt.want {
			t.Errorf("ClassifyTier(%v) = %q, want %q", tt.atrPercent, got, tt.want)
		}
	}
}

func TestApplyContinuousTierParameters(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	now := time.Now()

	tests := []struct {
		atrPercent float64
		wantStop   float64
		wantSize   float64
		wantTier   VolatilityTier
	}{
		{0.3, 1.5, 1.2, TierLow},
		{1.0, 2.0, 1.0, TierNormal},
		{2.0, 2.5, 0.7, TierHigh},
		{4.0, 3.0, 0.5, TierExtreme},
	}

	for _, tt := range tests {
		m.ApplyContinuous("BTCUSDT", tt.atrPercent, now)
		f := m.Get("BTCUSDT")
		if f.VolatilityTier != tt.wantTier {
			t.Errorf("ATR %v%%: tier = %q, want %q", tt.atrPercent, f.VolatilityTier, tt.wantTier)
		}
		if f.StopATRMultiplier != tt.wantStop {
			t.Errorf("ATR %v%%: stop multiplier = %v, want %v", tt.atrPercent, f.StopATRMultiplier, tt.wantStop)
		}
		if f.SizeMultiplier != tt.wantSize {
			t.Errorf("ATR %v%%: size multiplier = %v, want %v", tt.atrPercent, f.SizeMultiplier, tt.wantSize)
		}
	}
}

func TestVolatilityShiftFiresAtThreshold(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)
	now := time.Now()

	// First update always fires and records the reference ATR.
	m.ApplyContinuous("BTCUSDT", 1.0, now)
	first := m.Get("BTCUSDT")
	if first.ATRPercentAtFire != 1.0 {
		t.Fatalf("first update should record reference ATR, got %v", first.ATRPercentAtFire)
	}

	// 10% move: below the 15% trigger, thresholds keep their reference.
	m.ApplyContinuous("BTCUSDT", 1.10, now.Add(time.Minute))
	if f := m.Get("BTCUSDT"); f.ATRPercentAtFire != 1.0 {
		t.Errorf("10%% ATR move should not re-fire, reference = %v", f.ATRPercentAtFire)
	}

	// 20% move: re-fires and re-derives thresholds for the current tier.
	m.ApplyContinuous("BTCUSDT", 1.20, now.Add(2*time.Minute))
	f := m.Get("BTCUSDT")
	if f.ATRPercentAtFire != 1.20 {
		t.Errorf("20%% ATR move should re-fire, reference = %v", f.ATRPercentAtFire)
	}
	if f.RSIOversold != 30 || f.RSIOverbought != 70 {
		t.Errorf("normal tier thresholds = %v/%v, want 30/70", f.RSIOversold, f.RSIOverbought)
	}

	// Jump into the extreme tier widens the oscillator thresholds.
	m.ApplyContinuous("BTCUSDT", 4.0, now.Add(3*time.Minute))
	f = m.Get("BTCUSDT")
	if f.RSIOversold != 20 || f.RSIOverbought != 80 {
		t.Errorf("extreme tier RSI thresholds = %v/%v, want 20/80", f.RSIOversold, f.RSIOverbought)
	}
	if f.StochOversold != 10 || f.StochOverbought != 90 {
		t.Errorf("extreme tier stoch thresholds = %v/%v, want 10/90", f.StochOversold, f.StochOverbought)
	}
}

func TestWeeklyReweighKeepsTotalInvariant(t *testing.T) {
	outcomes := &mockOutcomes{
		conditionStats: map[string]ConditionStats{
			analyzer.CondBB:    {Trades: 10, Wins: 7},
			analyzer.CondRSI:   {Trades: 10, Wins: 3},
			analyzer.CondStoch: {Trades: 10, Wins: 5},
		},
		wins:   15,
		trades: 30,
	}
	m := NewManager(DefaultManagerConfig(), outcomes)

	before := m.Get("BTCUSDT")
	totalBefore := 0.0
	for _, w := range before.EntryWeights {
		totalBefore += w
	}

	if err := m.RunWeekly(context.Background(), time.Now()); err != nil {
		t.Fatalf("RunWeekly: %v", err)
	}

	after := m.Get("BTCUSDT")
	totalAfter := 0.0
	for _, w := range after.EntryWeights {
		totalAfter += w
	}

	if math.Abs(totalAfter-totalBefore) > 1e-9 {
		t.Errorf("total entry weight drifted: %v -> %v", totalBefore, totalAfter)
	}

	// bb won 70%, rsi won 30%: weight must shift from rsi toward bb.
	if after.EntryWeights[analyzer.CondBB] <= before.EntryWeights[analyzer.CondBB] {
		t.Errorf("bb weight should rise: %v -> %v", before.EntryWeights[analyzer.CondBB], after.EntryWeights[analyzer.CondBB])
	}
	if after.EntryWeights[analyzer.CondRSI] >= before.EntryWeights[analyzer.CondRSI] {
		t.Errorf("rsi weight should fall: %v -> %v", before.EntryWeights[analyzer.CondRSI], after.EntryWeights[analyzer.CondRSI])
	}
}

func TestWeeklyMinEntryScoreAdjustment(t *testing.T) {
	tests := []struct {
		name   string
		wins   int
		trades int
		want   float64
	}{
		{"losing week raises bar", 3, 10, 2.5},
		{"winning week lowers bar", 7, 10, 1.5},
		{"middling week leaves bar", 5, 10, 2.0},
		{"no trades leaves bar", 0, 0, 2.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(DefaultManagerConfig(), &mockOutcomes{wins: tt.wins, trades: tt.trades})
			m.Get("BTCUSDT") // materialize the record

			if err := m.RunWeekly(context.Background(), time.Now()); err != nil {
				t.Fatalf("RunWeekly: %v", err)
			}
			if got := m.Get("BTCUSDT").MinEntryScore; got != tt.want {
				t.Errorf("min entry score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWeeklyIsIdempotentWithinWindow(t *testing.T) {
	outcomes := &mockOutcomes{wins: 3, trades: 10}
	m := NewManager(DefaultManagerConfig(), outcomes)
	m.Get("BTCUSDT")

	now := time.Now()
	if err := m.RunWeekly(context.Background(), now); err != nil {
		t.Fatalf("RunWeekly: %v", err)
	}
	afterFirst := m.Get("BTCUSDT").MinEntryScore

	// Same window: second run must not stack another adjustment.
	if err := m.RunWeekly(context.Background(), now.Add(time.Hour)); err != nil {
		t.Fatalf("RunWeekly: %v", err)
	}
	if got := m.Get("BTCUSDT").MinEntryScore; got != afterFirst {
		t.Errorf("second run within the window changed the score: %v -> %v", afterFirst, got)
	}

	// Next window: adjustment applies again.
	if err := m.RunWeekly(context.Background(), now.Add(8*24*time.Hour)); err != nil {
		t.Fatalf("RunWeekly: %v", err)
	}
	if got := m.Get("BTCUSDT").MinEntryScore; got != afterFirst+0.5 {
		t.Errorf("next window score = %v, want %v", got, afterFirst+0.5)
	}
}

func TestDailyIsIdempotentWithinDay(t *testing.T) {
	outcomes := &mockOutcomes{trades: 5, pnl: -120}
	m := NewManager(DefaultManagerConfig(), outcomes)
	m.Get("BTCUSDT")

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := m.RunDaily(context.Background(), now); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	afterFirst := m.Get("BTCUSDT").RegimeDifficulty[string(analyzer.RegimeBearish)]

	if err := m.RunDaily(context.Background(), now.Add(4*time.Hour)); err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if got := m.Get("BTCUSDT").RegimeDifficulty[string(analyzer.RegimeBearish)]; got != afterFirst {
		t.Errorf("same-day rerun changed difficulty: %v -> %v", afterFirst, got)
	}

	// A losing day tightens the unfavourable regimes.
	base := defaultRegimeDifficulty()[string(analyzer.RegimeBearish)]
	if afterFirst <= base {
		t.Errorf("losing day should raise bearish difficulty above %v, got %v", base, afterFirst)
	}
}

func TestDailyRetriesAfterOutcomeError(t *testing.T) {
	outcomes := &mockOutcomes{trades: 5, pnl: -120, err: errors.New("stats store down")}
	m := NewManager(DefaultManagerConfig(), outcomes)
	m.Get("BTCUSDT")

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := m.RunDaily(context.Background(), now); err == nil {
		t.Fatal("RunDaily must surface the outcome-source error")
	}

	base := defaultRegimeDifficulty()[string(analyzer.RegimeBearish)]
	if got := m.Get("BTCUSDT").RegimeDifficulty[string(analyzer.RegimeBearish)]; got != base {
		t.Fatalf("failed run must not touch difficulty: %v", got)
	}

	// The failed run must not consume the day: a later retry with a healthy
	// source still applies the losing-day tightening.
	outcomes.err = nil
	if err := m.RunDaily(context.Background(), now.Add(2*time.Hour)); err != nil {
		t.Fatalf("RunDaily retry: %v", err)
	}
	if got := m.Get("BTCUSDT").RegimeDifficulty[string(analyzer.RegimeBearish)]; got <= base {
		t.Errorf("retry should have tightened bearish difficulty above %v, got %v", base, got)
	}
}

func TestWeeklyRetriesAfterOutcomeError(t *testing.T) {
	outcomes := &mockOutcomes{wins: 3, trades: 10, err: errors.New("stats store down")}
	m := NewManager(DefaultManagerConfig(), outcomes)
	m.Get("BTCUSDT")

	now := time.Now()
	if err := m.RunWeekly(context.Background(), now); err == nil {
		t.Fatal("RunWeekly must surface the outcome-source error")
	}
	if got := m.Get("BTCUSDT").MinEntryScore; got != 2.0 {
		t.Fatalf("failed run must not touch the entry score: %v", got)
	}

	// The window was not consumed: the next cycle's retry applies the losing
	// week's adjustment.
	outcomes.err = nil
	if err := m.RunWeekly(context.Background(), now.Add(time.Hour)); err != nil {
		t.Fatalf("RunWeekly retry: %v", err)
	}
	if got := m.Get("BTCUSDT").MinEntryScore; got != 2.5 {
		t.Errorf("retry should have raised the entry bar to 2.5, got %v", got)
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), nil)

	f := m.Get("BTCUSDT")
	f.EntryWeights[analyzer.CondTrend] = 99
	f.RegimeDifficulty[string(analyzer.RegimeNeutral)] = 99

	fresh := m.Get("BTCUSDT")
	if fresh.EntryWeights[analyzer.CondTrend] == 99 {
		t.Error("mutating a returned record leaked into the manager")
	}
	if fresh.RegimeDifficulty[string(analyzer.RegimeNeutral)] == 99 {
		t.Error("mutating a returned difficulty map leaked into the manager")
	}
}

func TestBoundsClampAndValidate(t *testing.T) {
	b := Bounds{Min: 1, Max: 3}
	if got := b.Clamp(0.5); got != 1 {
		t.Errorf("Clamp(0.5) = %v, want 1", got)
	}
	if got := b.Clamp(5); got != 3 {
		t.Errorf("Clamp(5) = %v, want 3", got)
	}
	if got := b.Clamp(2); got != 2 {
		t.Errorf("Clamp(2) = %v, want 2", got)
	}

	bad := BoundsConfig{StopMultiplier: Bounds{Min: 4, Max: 1}}
	if err := bad.Validate(); err == nil {
		t.Error("inverted bounds must fail validation")
	}
	if err := DefaultBoundsConfig().Validate(); err != nil {
		t.Errorf("default bounds failed validation: %v", err)
	}
}

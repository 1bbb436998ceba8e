package history

import (
	"context"
	"sync"
	"time"

	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/ledger"
)

// maxMemoryTrades caps the in-memory buffer; the weekly update only ever
// looks back 7 days, so old trades have no readers.
const maxMemoryTrades = 2000

// MemoryRecorder keeps closed trades in process memory. The default when no
// database is configured; statistics reset on restart.
type MemoryRecorder struct {
	mu     sync.RWMutex
	trades []ledger.ClosedTrade
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) RecordTrade(ctx context.Context, trade ledger.ClosedTrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trades = append(r.trades, trade)
	if len(r.trades) > maxMemoryTrades {
		r.trades = r.trades[len(r.trades)-maxMemoryTrades:]
	}
	return nil
}

func (r *MemoryRecorder) RecentTrades(ctx context.Context, limit int) ([]ledger.ClosedTrade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.trades) {
		limit = len(r.trades)
	}
	out := make([]ledger.ClosedTrade, 0, limit)
	for i := len(r.trades) - 1; i >= len(r.trades)-limit; i-- {
		out = append(out, r.trades[i])
	}
	return out, nil
}

func (r *MemoryRecorder) ConditionWinRates(ctx context.Context, since time.Time) (map[string]factors.ConditionStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats, _, _, _ := aggregate(r.trades, since)
	return stats, nil
}

func (r *MemoryRecorder) AggregateStats(ctx context.Context, since time.Time) (int, int, float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, wins, total, pnl := aggregate(r.trades, since)
	return wins, total, pnl, nil
}

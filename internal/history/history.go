// Package history records closed trades and serves the outcome statistics the
// weekly performance update consumes. Postgres-backed when a database is
// configured, in-memory otherwise.
package history

import (
	"context"
	"time"

	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/ledger"
)

// Recorder stores closed trades and answers outcome queries.
type Recorder interface {
	factors.OutcomeSource

	// RecordTrade persists one closed trade.
	RecordTrade(ctx context.Context, trade ledger.ClosedTrade) error

	// RecentTrades returns the most recent trades, newest first.
	RecentTrades(ctx context.Context, limit int) ([]ledger.ClosedTrade, error)
}

// aggregate folds a trade list into the OutcomeSource shapes. Shared by the
// in-memory recorder and tests.
func aggregate(trades []ledger.ClosedTrade, since time.Time) (map[string]factors.ConditionStats, int, int, float64) {
	stats := make(map[string]factors.ConditionStats)
	wins := 0
	total := 0
	pnl := 0.0

	for _, t := range trades {
		if t.ClosedAt.Before(since) {
			continue
		}
		total++
		pnl += t.PnL
		if t.Win() {
			wins++
		}
		for _, cond := range t.Conditions {
			s := stats[cond]
			s.Trades++
			if t.Win() {
				s.Wins++
			}
			stats[cond] = s
		}
	}
	return stats, wins, total, pnl
}

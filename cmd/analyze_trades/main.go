// Command analyze_trades prints a performance breakdown of the closed-trade
// history: per-symbol win rates, per-condition win rates, and aggregate PnL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"coin-portfolio-bot/config"
	"coin-portfolio-bot/internal/history"
)

type symbolStats struct {
	Symbol      string
	Trades      int
	Wins        int
	TotalPnL    float64
	TotalWins   float64
	TotalLosses float64
}

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	days := flag.Int("days", 30, "lookback window in days")
	limit := flag.Int("limit", 500, "max trades to load")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.DatabaseConfig.Configured() {
		fmt.Println("❌ No database configured, trade history lives in postgres only")
		os.Exit(1)
	}

	ctx := context.Background()
	recorder, err := history.NewPostgresRecorder(ctx, cfg.DatabaseConfig)
	if err != nil {
		fmt.Printf("❌ Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer recorder.Close()

	since := time.Now().AddDate(0, 0, -*days)

	fmt.Println("================================================================================")
	fmt.Printf("📊 TRADE HISTORY ANALYSIS (last %d days)\n", *days)
	fmt.Println("================================================================================")

	wins, trades, pnl, err := recorder.AggregateStats(ctx, since)
	if err != nil {
		fmt.Printf("❌ Failed to read aggregate stats: %v\n", err)
		os.Exit(1)
	}
	if trades == 0 {
		fmt.Println("No closed trades in the window.")
		return
	}

	fmt.Printf("\n💰 Total PnL: $%.2f over %d trades\n", pnl, trades)
	fmt.Printf("📈 Win rate: %.1f%% (%d wins, %d losses)\n",
		100*float64(wins)/float64(trades), wins, trades-wins)

	recent, err := recorder.RecentTrades(ctx, *limit)
	if err != nil {
		fmt.Printf("❌ Failed to load trades: %v\n", err)
		os.Exit(1)
	}

	bySymbol := make(map[string]*symbolStats)
	for _, trade := range recent {
		if trade.ClosedAt.Before(since) {
			continue
		}
		stats, ok := bySymbol[trade.Symbol]
		if !ok {
			stats = &symbolStats{Symbol: trade.Symbol}
			bySymbol[trade.Symbol] = stats
		}
		stats.Trades++
		stats.TotalPnL += trade.PnL
		if trade.Win() {
			stats.Wins++
			stats.TotalWins += trade.PnL
		} else {
			stats.TotalLosses += trade.PnL
		}
	}

	symbols := make([]*symbolStats, 0, len(bySymbol))
	for _, stats := range bySymbol {
		symbols = append(symbols, stats)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].TotalPnL > symbols[j].TotalPnL })

	fmt.Println("\n--- Per symbol ---")
	fmt.Printf("%-12s %7s %8s %10s %10s %10s\n", "SYMBOL", "TRADES", "WINRATE", "PNL", "WINS", "LOSSES")
	for _, stats := range symbols {
		fmt.Printf("%-12s %7d %7.1f%% %10.2f %10.2f %10.2f\n",
			stats.Symbol, stats.Trades,
			100*float64(stats.Wins)/float64(stats.Trades),
			stats.TotalPnL, stats.TotalWins, stats.TotalLosses)
	}

	conditions, err := recorder.ConditionWinRates(ctx, since)
	if err != nil {
		fmt.Printf("❌ Failed to read condition win rates: %v\n", err)
		os.Exit(1)
	}
	if len(conditions) > 0 {
		names := make([]string, 0, len(conditions))
		for name := range conditions {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("\n--- Per entry condition ---")
		fmt.Printf("%-12s %7s %8s\n", "CONDITION", "TRADES", "WINRATE")
		for _, name := range names {
			stats := conditions[name]
			fmt.Printf("%-12s %7d %7.1f%%\n", name, stats.Trades, 100*stats.WinRate())
		}
	}
}

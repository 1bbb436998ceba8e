package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coin-portfolio-bot/internal/exchange"
	"coin-portfolio-bot/internal/scheduler"
)

// ErrPersistenceHalted is returned for opens and pyramids while the snapshot
// store is failing. Exits are never blocked: reducing exposure must not depend
// on the store being healthy.
var ErrPersistenceHalted = errors.New("position persistence halted, new orders suspended")

// ErrUnknownPosition is returned for close intents against a symbol the
// ledger does not hold.
var ErrUnknownPosition = errors.New("no open position")

// Config holds the ledger's sizing settings.
type Config struct {
	// QuoteAmountPerEntry is the quote-currency notional of one entry before
	// the volatility size multiplier is applied.
	QuoteAmountPerEntry float64 `json:"quote_amount_per_entry"`
}

// ClosedTrade is the realized outcome of a full or partial close, fed to the
// trade history for the weekly performance update.
type ClosedTrade struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Reason     string    `json:"reason"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	PnLPercent float64   `json:"pnl_percent"`
	Conditions []string  `json:"conditions"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Win reports whether the trade realized a profit.
func (t ClosedTrade) Win() bool {
	return t.PnL > 0
}

// Report is the outcome of executing one intent.
type Report struct {
	Intent   scheduler.TradeIntent
	Order    *exchange.OrderResponse
	Position *Position    // post-execution state, nil when fully closed
	Closed   *ClosedTrade // set for close intents
}

// Ledger owns every open position. One coarse mutex guards the position map;
// mutations are quick in-memory updates plus one snapshot write, and order
// placement happens before the lock is taken, so contention stays negligible.
type Ledger struct {
	client exchange.MarketClient
	store  SnapshotStore
	cfg    Config
	log    zerolog.Logger

	mu        sync.Mutex
	positions map[string]*Position
	halted    bool
	dirty     map[string]bool // symbols with unpersisted state; false value means pending delete
}

func New(client exchange.MarketClient, store SnapshotStore, cfg Config, log zerolog.Logger) *Ledger {
	return &Ledger{
		client:    client,
		store:     store,
		cfg:       cfg,
		log:       log.With().Str("component", "ledger").Logger(),
		positions: make(map[string]*Position),
		dirty:     make(map[string]bool),
	}
}

// Restore loads persisted positions on startup. Positions carrying only dust
// are dropped during restore rather than resurrected.
func (l *Ledger) Restore(ctx context.Context) error {
	snaps, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for symbol, snap := range snaps {
		pos := positionFromSnapshot(symbol, snap)
		if pos.isDust() {
			l.log.Warn().Str("symbol", symbol).Float64("quantity", pos.Quantity).
				Msg("dust position dropped during restore")
			continue
		}
		l.positions[symbol] = pos
		l.log.Info().Str("symbol", symbol).
			Float64("quantity", pos.Quantity).
			Float64("avg_entry", pos.AvgEntryPrice).
			Int("entries", len(pos.Entries)).
			Msg("position restored")
	}
	return nil
}

// Execute runs one intent: place the order against the exchange, then apply
// the fill to the ledger and persist the new state. The order is placed
// before the lock is taken; only the in-memory mutation and the snapshot
// write happen under it.
func (l *Ledger) Execute(ctx context.Context, intent scheduler.TradeIntent) (*Report, error) {
	switch intent.Type {
	case scheduler.IntentOpen, scheduler.IntentPyramid:
		return l.executeEntry(ctx, intent)
	case scheduler.IntentCloseFull, scheduler.IntentClosePartial:
		return l.executeClose(ctx, intent)
	default:
		return nil, fmt.Errorf("unknown intent type %q", intent.Type)
	}
}

func (l *Ledger) executeEntry(ctx context.Context, intent scheduler.TradeIntent) (*Report, error) {
	if intent.Price <= 0 {
		return nil, fmt.Errorf("entry for %s has no reference price", intent.Symbol)
	}

	l.mu.Lock()
	if l.halted {
		l.mu.Unlock()
		return nil, ErrPersistenceHalted
	}
	_, exists := l.positions[intent.Symbol]
	l.mu.Unlock()

	if intent.Type == scheduler.IntentOpen && exists {
		return nil, fmt.Errorf("open intent for %s but position already held", intent.Symbol)
	}
	if intent.Type == scheduler.IntentPyramid && !exists {
		return nil, fmt.Errorf("pyramid intent for %s: %w", intent.Symbol, ErrUnknownPosition)
	}

	sizeMult := intent.SizeMultiplier
	if sizeMult <= 0 {
		sizeMult = 1.0
	}
	quantity := l.cfg.QuoteAmountPerEntry * sizeMult / intent.Price

	order, err := l.client.PlaceMarketOrder(intent.Symbol, "BUY", quantity, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("place %s order for %s: %w", intent.Type, intent.Symbol, err)
	}
	fillPrice := order.AvgPrice
	if fillPrice <= 0 {
		fillPrice = intent.Price
	}
	fillQty := order.ExecutedQty
	if fillQty <= 0 {
		fillQty = quantity
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[intent.Symbol]
	if !exists {
		pos = &Position{
			Symbol:     intent.Symbol,
			StopLoss:   intent.StopLoss,
			Conditions: intent.Conditions,
			OpenedAt:   now,
		}
		l.positions[intent.Symbol] = pos
	}
	pos.addEntry(fillPrice, fillQty, now)
	if intent.Type == scheduler.IntentPyramid && intent.StopLoss > pos.StopLoss {
		pos.StopLoss = intent.StopLoss
	}

	l.persistLocked(ctx, intent.Symbol)

	l.log.Info().Str("symbol", intent.Symbol).
		Str("intent", string(intent.Type)).
		Float64("price", fillPrice).
		Float64("quantity", fillQty).
		Float64("avg_entry", pos.AvgEntryPrice).
		Int("entries", len(pos.Entries)).
		Msg("entry executed")

	posCopy := pos.copy()
	return &Report{Intent: intent, Order: order, Position: &posCopy}, nil
}

func (l *Ledger) executeClose(ctx context.Context, intent scheduler.TradeIntent) (*Report, error) {
	l.mu.Lock()
	pos, exists := l.positions[intent.Symbol]
	if !exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("close intent for %s: %w", intent.Symbol, ErrUnknownPosition)
	}
	fraction := intent.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1.0
	}
	quantity := pos.Quantity * fraction
	l.mu.Unlock()

	order, err := l.client.PlaceMarketOrder(intent.Symbol, "SELL", quantity, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("place close order for %s: %w", intent.Symbol, err)
	}
	exitPrice := order.AvgPrice
	if exitPrice <= 0 {
		exitPrice = intent.Price
	}
	filledQty := order.ExecutedQty
	if filledQty <= 0 {
		filledQty = quantity
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists = l.positions[intent.Symbol]
	if !exists {
		return nil, fmt.Errorf("position for %s vanished mid-close", intent.Symbol)
	}

	removed := pos.reduce(filledQty, now)
	pnl := (exitPrice - pos.AvgEntryPrice) * removed
	pnlPct := 0.0
	if pos.AvgEntryPrice > 0 {
		pnlPct = (exitPrice - pos.AvgEntryPrice) / pos.AvgEntryPrice * 100
	}

	closed := &ClosedTrade{
		ID:         uuid.New().String(),
		Symbol:     intent.Symbol,
		Reason:     intent.Reason,
		Quantity:   removed,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPct,
		Conditions: append([]string(nil), pos.Conditions...),
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
	}

	report := &Report{Intent: intent, Order: order, Closed: closed}

	if intent.Reason == scheduler.ReasonSecondTarget {
		pos.SecondTargetHit = true
	}

	if intent.Type == scheduler.IntentClosePartial && !pos.isDust() {
		pos.FirstTargetHit = true
		// Remainder rides risk-free: stop moves to breakeven, never down.
		if pos.AvgEntryPrice > pos.StopLoss {
			pos.StopLoss = pos.AvgEntryPrice
		}
		l.persistLocked(ctx, intent.Symbol)
		posCopy := pos.copy()
		report.Position = &posCopy
	} else {
		delete(l.positions, intent.Symbol)
		l.unpersistLocked(ctx, intent.Symbol)
	}

	l.log.Info().Str("symbol", intent.Symbol).
		Str("reason", intent.Reason).
		Float64("exit_price", exitPrice).
		Float64("quantity", removed).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Msg("close executed")

	return report, nil
}

// UpdateTrailing ratchets the stop under the high-water mark. The stop only
// ever rises; after the first target it is floored at breakeven.
func (l *Ledger) UpdateTrailing(ctx context.Context, symbol string, price, atr, stopMultiplier float64) {
	if price <= 0 || atr <= 0 || stopMultiplier <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[symbol]
	if !exists {
		return
	}

	changed := false
	if price > pos.HighestPrice {
		pos.HighestPrice = price
		changed = true
	}

	candidate := pos.HighestPrice - atr*stopMultiplier
	if pos.FirstTargetHit && pos.AvgEntryPrice > candidate {
		candidate = pos.AvgEntryPrice
	}
	if candidate > pos.StopLoss {
		l.log.Debug().Str("symbol", symbol).
			Float64("old_stop", pos.StopLoss).
			Float64("new_stop", candidate).
			Float64("high", pos.HighestPrice).
			Msg("trailing stop raised")
		pos.StopLoss = candidate
		changed = true
	}

	if changed {
		pos.UpdatedAt = time.Now()
		l.persistLocked(ctx, symbol)
	}
}

// Flush retries persisting every position with unpersisted state. Clears the
// halt once the store accepts everything again.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.dirty) == 0 {
		return nil
	}

	var firstErr error
	for symbol, live := range l.dirty {
		var err error
		if live {
			if pos, ok := l.positions[symbol]; ok {
				err = l.store.Save(ctx, symbol, pos.snapshot())
			}
		} else {
			err = l.store.Delete(ctx, symbol)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(l.dirty, symbol)
	}

	if firstErr != nil {
		return fmt.Errorf("flush snapshots: %w", firstErr)
	}
	if l.halted {
		l.halted = false
		l.log.Warn().Msg("snapshot store recovered, new orders resumed")
	}
	return nil
}

// persistLocked writes one position's snapshot, entering the halted state on
// failure. The in-memory mutation is kept either way; the position is marked
// dirty so Flush can retry. must be called with l.mu held.
func (l *Ledger) persistLocked(ctx context.Context, symbol string) {
	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	if err := l.store.Save(ctx, symbol, pos.snapshot()); err != nil {
		l.dirty[symbol] = true
		if !l.halted {
			l.halted = true
			l.log.Error().Err(err).Str("symbol", symbol).
				Msg("snapshot persist failed, halting new orders")
		}
		return
	}
	delete(l.dirty, symbol)
}

// unpersistLocked removes one position's snapshot after a full close.
// must be called with l.mu held.
func (l *Ledger) unpersistLocked(ctx context.Context, symbol string) {
	if err := l.store.Delete(ctx, symbol); err != nil {
		l.dirty[symbol] = false
		if !l.halted {
			l.halted = true
			l.log.Error().Err(err).Str("symbol", symbol).
				Msg("snapshot delete failed, halting new orders")
		}
		return
	}
	delete(l.dirty, symbol)
}

// Halted reports whether new orders are suspended on persistence failure.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Has reports whether a position is open for the symbol.
func (l *Ledger) Has(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.positions[symbol]
	return ok
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Positions returns detached copies of every open position.
func (l *Ledger) Positions() map[string]Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Position, len(l.positions))
	for symbol, pos := range l.positions {
		out[symbol] = pos.copy()
	}
	return out
}

// Snapshots projects the open positions into the planner's view. Current
// prices are filled by the caller from the freshest source it has.
func (l *Ledger) Snapshots() map[string]scheduler.PositionSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]scheduler.PositionSnapshot, len(l.positions))
	for symbol, pos := range l.positions {
		out[symbol] = scheduler.PositionSnapshot{
			Symbol:          symbol,
			Quantity:        pos.Quantity,
			AvgEntryPrice:   pos.AvgEntryPrice,
			EntryCount:      len(pos.Entries),
			LastEntryPrice:  pos.lastEntryPrice(),
			StopLoss:        pos.StopLoss,
			HighestPrice:    pos.HighestPrice,
			FirstTargetHit:  pos.FirstTargetHit,
			SecondTargetHit: pos.SecondTargetHit,
		}
	}
	return out
}

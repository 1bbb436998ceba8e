package ledger

import (
	"time"
)

// DustEpsilon is the quantity below which a position is considered fully
// closed. Partial fills and float arithmetic leave residues smaller than any
// tradable lot; they are purged rather than carried.
const DustEpsilon = 1e-7

// Entry is one fill that built the position.
type Entry struct {
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Time     time.Time `json:"time"`
}

// Position is one instrument's open long position. All mutation happens inside
// the ledger's lock; copies handed out through Snapshot/Positions are detached.
type Position struct {
	Symbol          string    `json:"symbol"`
	Entries         []Entry   `json:"entries"`
	Quantity        float64   `json:"quantity"`
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	StopLoss        float64   `json:"stop_loss"`
	HighestPrice    float64   `json:"highest_price"`
	FirstTargetHit  bool      `json:"first_target_hit"`
	SecondTargetHit bool      `json:"second_target_hit"`
	OpenedAt        time.Time `json:"opened_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Conditions that justified the first entry, carried for outcome
	// attribution. Not part of the persisted snapshot, so a restart loses
	// attribution for positions opened before it.
	Conditions []string `json:"conditions,omitempty"`
}

// addEntry appends a fill and recomputes the weighted average entry price.
func (p *Position) addEntry(price, quantity float64, now time.Time) {
	p.Entries = append(p.Entries, Entry{Price: price, Quantity: quantity, Time: now})

	totalCost := 0.0
	totalQty := 0.0
	for _, e := range p.Entries {
		totalCost += e.Price * e.Quantity
		totalQty += e.Quantity
	}
	p.Quantity += quantity
	if totalQty > 0 {
		p.AvgEntryPrice = totalCost / totalQty
	}
	if price > p.HighestPrice {
		p.HighestPrice = price
	}
	p.UpdatedAt = now
}

// reduce removes quantity from the position. Returns the quantity actually
// removed (capped at what was held). Entry sizes are scaled down in
// proportion so the entry list keeps summing to the held quantity; the
// weighted average is unchanged by a uniform scale, and a later pyramid
// recomputes it over quantities that reflect what is actually held.
func (p *Position) reduce(quantity float64, now time.Time) float64 {
	held := p.Quantity
	if quantity > held {
		quantity = held
	}
	p.Quantity -= quantity
	if held > 0 {
		factor := p.Quantity / held
		for i := range p.Entries {
			p.Entries[i].Quantity *= factor
		}
	}
	p.UpdatedAt = now
	return quantity
}

// isDust reports whether the remaining quantity is below the tradable floor.
func (p *Position) isDust() bool {
	return p.Quantity < DustEpsilon
}

// lastEntryPrice returns the price of the most recent fill, 0 when empty.
func (p *Position) lastEntryPrice() float64 {
	if len(p.Entries) == 0 {
		return 0
	}
	return p.Entries[len(p.Entries)-1].Price
}

// copy returns a detached copy safe to hand to readers.
func (p *Position) copy() Position {
	out := *p
	out.Entries = make([]Entry, len(p.Entries))
	copy(out.Entries, p.Entries)
	out.Conditions = append([]string(nil), p.Conditions...)
	return out
}

// ============================================================================
// SNAPSHOT FORMAT
// ============================================================================

// PositionSnapshot is the persisted wire form of one position. Entry history
// is flattened to parallel price/size arrays.
type PositionSnapshot struct {
	Size            float64   `json:"size"`
	AvgEntryPrice   float64   `json:"avgEntryPrice"`
	EntryCount      int       `json:"entryCount"`
	EntryPrices     []float64 `json:"entryPrices"`
	EntrySizes      []float64 `json:"entrySizes"`
	StopLoss        float64   `json:"stopLoss"`
	HighestPrice    float64   `json:"highestPrice"`
	FirstTargetHit  bool      `json:"firstTargetHit"`
	SecondTargetHit bool      `json:"secondTargetHit"`
	OpenedAt        time.Time `json:"openedAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// snapshot flattens the position into its persisted form.
func (p *Position) snapshot() PositionSnapshot {
	snap := PositionSnapshot{
		Size:            p.Quantity,
		AvgEntryPrice:   p.AvgEntryPrice,
		EntryCount:      len(p.Entries),
		EntryPrices:     make([]float64, len(p.Entries)),
		EntrySizes:      make([]float64, len(p.Entries)),
		StopLoss:        p.StopLoss,
		HighestPrice:    p.HighestPrice,
		FirstTargetHit:  p.FirstTargetHit,
		SecondTargetHit: p.SecondTargetHit,
		OpenedAt:        p.OpenedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	for i, e := range p.Entries {
		snap.EntryPrices[i] = e.Price
		snap.EntrySizes[i] = e.Quantity
	}
	return snap
}

// positionFromSnapshot rebuilds a position from its persisted form. Entry
// timestamps are not persisted; restored entries share the snapshot's
// UpdatedAt.
func positionFromSnapshot(symbol string, snap PositionSnapshot) *Position {
	pos := &Position{
		Symbol:          symbol,
		Quantity:        snap.Size,
		AvgEntryPrice:   snap.AvgEntryPrice,
		StopLoss:        snap.StopLoss,
		HighestPrice:    snap.HighestPrice,
		FirstTargetHit:  snap.FirstTargetHit,
		SecondTargetHit: snap.SecondTargetHit,
		OpenedAt:        snap.OpenedAt,
		UpdatedAt:       snap.UpdatedAt,
	}
	for i := range snap.EntryPrices {
		size := 0.0
		if i < len(snap.EntrySizes) {
			size = snap.EntrySizes[i]
		}
		pos.Entries = append(pos.Entries, Entry{
			Price:    snap.EntryPrices[i],
			Quantity: size,
			Time:     snap.UpdatedAt,
		})
	}
	return pos
}

package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// IntentType identifies the action an intent asks the ledger to execute.
type IntentType string

const (
	IntentOpen         IntentType = "open"
	IntentPyramid      IntentType = "pyramid"
	IntentCloseFull    IntentType = "close_full"
	IntentClosePartial IntentType = "close_partial"
)

// Exit reasons carried on close intents.
const (
	ReasonStopLoss     = "stop_loss"
	ReasonFirstTarget  = "first_target"
	ReasonSecondTarget = "second_target"
)

// TradeIntent is one planned action for one instrument. Intents are executed
// strictly in plan order: every exit lands before any pyramid, every pyramid
// before any new entry.
type TradeIntent struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Type           IntentType `json:"type"`
	Price          float64    `json:"price"`    // reference price at decision time
	Fraction       float64    `json:"fraction"` // portion of the position to close, 1.0 for full
	Reason         string     `json:"reason,omitempty"`
	Score          int        `json:"score,omitempty"`
	SignalStrength float64    `json:"signal_strength,omitempty"`
	StopLoss       float64    `json:"stop_loss,omitempty"` // initial stop for opens and pyramids
	SizeMultiplier float64    `json:"size_multiplier,omitempty"`
	Conditions     []string   `json:"conditions,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsExit reports whether the intent reduces or closes a position.
func (i TradeIntent) IsExit() bool {
	return i.Type == IntentCloseFull || i.Type == IntentClosePartial
}

func newIntent(symbol string, kind IntentType, price float64, now time.Time) TradeIntent {
	return TradeIntent{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Type:      kind,
		Price:     price,
		Fraction:  1.0,
		CreatedAt: now,
	}
}

package exchange

import (
	"log"
	"sync/atomic"
	"time"
)

// PaperClient wraps a real MarketClient but simulates order fills at the
// current ticker price. Market data passes through untouched, so the whole
// pipeline (analysis, scheduling, ledger, persistence) runs as in live mode.
type PaperClient struct {
	real     MarketClient
	orderSeq atomic.Int64
}

func NewPaperClient(real MarketClient) *PaperClient {
	return &PaperClient{real: real}
}

func (p *PaperClient) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	return p.real.GetKlines(symbol, interval, limit)
}

func (p *PaperClient) GetCurrentPrice(symbol string) (float64, error) {
	return p.real.GetCurrentPrice(symbol)
}

// PlaceMarketOrder fills immediately at the live ticker price.
func (p *PaperClient) PlaceMarketOrder(symbol, side string, quantity float64, clientOrderID string) (*OrderResponse, error) {
	price, err := p.real.GetCurrentPrice(symbol)
	if err != nil {
		return nil, err
	}

	orderID := p.orderSeq.Add(1)
	log.Printf("[PAPER] Simulated %s %s qty=%.8f @ %.4f", side, symbol, quantity, price)

	return &OrderResponse{
		Symbol:        symbol,
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		TransactTime:  time.Now().UnixMilli(),
		ExecutedQty:   quantity,
		AvgPrice:      price,
		Status:        "FILLED",
		Side:          side,
	}, nil
}

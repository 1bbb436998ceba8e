package exchange

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PriceStream maintains a websocket subscription to per-symbol miniTicker
// updates and caches the latest price. The engine prefers the cached stream
// price and falls back to a REST ticker call when the stream is cold.
type PriceStream struct {
	wsBaseURL string
	symbols   []string

	mu       sync.RWMutex
	prices   map[string]float64
	updated  map[string]time.Time
	conn     *websocket.Conn
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// miniTickerEvent is the combined-stream payload for a 24hr miniTicker.
type miniTickerEvent struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

func NewPriceStream(wsBaseURL string, symbols []string) *PriceStream {
	return &PriceStream{
		wsBaseURL: wsBaseURL,
		symbols:   symbols,
		prices:    make(map[string]float64),
		updated:   make(map[string]time.Time),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the read loop. Reconnects with a fixed delay on any error.
func (ps *PriceStream) Start() {
	ps.mu.Lock()
	if ps.running || len(ps.symbols) == 0 {
		ps.mu.Unlock()
		return
	}
	ps.running = true
	ps.mu.Unlock()

	ps.wg.Add(1)
	go ps.runLoop()
}

func (ps *PriceStream) Stop() {
	ps.mu.Lock()
	if !ps.running {
		ps.mu.Unlock()
		return
	}
	ps.running = false
	close(ps.stopChan)
	if ps.conn != nil {
		ps.conn.Close()
	}
	ps.mu.Unlock()
	ps.wg.Wait()
}

// Price returns the last streamed price and whether it is fresh enough to use.
func (ps *PriceStream) Price(symbol string, maxAge time.Duration) (float64, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	price, ok := ps.prices[symbol]
	if !ok {
		return 0, false
	}
	if time.Since(ps.updated[symbol]) > maxAge {
		return 0, false
	}
	return price, true
}

func (ps *PriceStream) runLoop() {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.stopChan:
			return
		default:
		}

		if err := ps.connectAndRead(); err != nil {
			log.Printf("[STREAM] Connection lost: %v, reconnecting in 5s", err)
		}

		select {
		case <-ps.stopChan:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (ps *PriceStream) connectAndRead() error {
	streams := make([]string, len(ps.symbols))
	for i, s := range ps.symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	endpoint := fmt.Sprintf("%s/stream?streams=%s", ps.wsBaseURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	ps.mu.Lock()
	ps.conn = conn
	ps.mu.Unlock()

	log.Printf("[STREAM] Connected, %d symbols subscribed", len(ps.symbols))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return err
		}

		var event miniTickerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Data.Symbol == "" {
			continue
		}

		price, err := strconv.ParseFloat(event.Data.Close, 64)
		if err != nil || price <= 0 {
			continue
		}

		ps.mu.Lock()
		ps.prices[event.Data.Symbol] = price
		ps.updated[event.Data.Symbol] = time.Now()
		ps.mu.Unlock()
	}
}

package notify

import (
	"fmt"
	"log"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyPositionOpen  NotificationType = "position_open"
	NotifyPositionAdd   NotificationType = "position_add"
	NotifyPositionClose NotificationType = "position_close"
	NotifyRegimeChange  NotificationType = "regime_change"
	NotifyBreaker       NotificationType = "breaker"
	NotifyError         NotificationType = "error"
	NotifyInfo          NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
	Extra      map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider. SendAsync is the
// normal path from the trading loop: delivery failures retry in the
// background and never block a cycle.
type Manager struct {
	notifiers []Notifier
	enabled   bool

	retryAttempts int
	retryBase     time.Duration
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers:     make([]Notifier, 0),
		enabled:       true,
		retryAttempts: 3,
		retryBase:     time.Second,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers a notification to all enabled providers, returning the last
// provider error.
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendAsync delivers on a background goroutine with exponential backoff:
// three attempts starting at one second.
func (m *Manager) SendAsync(notification *Notification) {
	if !m.enabled {
		return
	}

	go func() {
		delay := m.retryBase
		for attempt := 1; attempt <= m.retryAttempts; attempt++ {
			err := m.Send(notification)
			if err == nil {
				return
			}
			if attempt == m.retryAttempts {
				log.Printf("[NOTIFY] Delivery failed after %d attempts: %v", attempt, err)
				return
			}
			time.Sleep(delay)
			delay *= 2
		}
	}()
}

// SendPositionOpen announces a new position
func (m *Manager) SendPositionOpen(symbol string, price, quantity, stopLoss float64, score int) {
	m.SendAsync(&Notification{
		Type:      NotifyPositionOpen,
		Title:     fmt.Sprintf("📈 Position Opened: %s", symbol),
		Message:   fmt.Sprintf("BUY %s @ %.4f\nQuantity: %.8f\nStop: %.4f\nScore: %d/4", symbol, price, quantity, stopLoss, score),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"stop_loss": stopLoss,
			"score":     score,
		},
	})
}

// SendPositionAdd announces a scale-in
func (m *Manager) SendPositionAdd(symbol string, price, quantity, avgEntry float64, entryCount int) {
	m.SendAsync(&Notification{
		Type:      NotifyPositionAdd,
		Title:     fmt.Sprintf("➕ Position Increased: %s", symbol),
		Message:   fmt.Sprintf("Entry %d @ %.4f\nQuantity: %.8f\nAvg Entry: %.4f", entryCount, price, quantity, avgEntry),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// SendPositionClose announces a full or partial close
func (m *Manager) SendPositionClose(symbol, reason string, exitPrice, pnl, pnlPercent float64) {
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}

	m.SendAsync(&Notification{
		Type:       NotifyPositionClose,
		Title:      fmt.Sprintf("%s Position Closed: %s", emoji, symbol),
		Message:    fmt.Sprintf("Exit @ %.4f\nP&L: %.4f (%.2f%%)\nReason: %s", exitPrice, pnl, pnlPercent, reason),
		Symbol:     symbol,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		Timestamp:  time.Now(),
	})
}

// SendRegimeChange announces a regime transition
func (m *Manager) SendRegimeChange(symbol, from, to string, trendGap float64) {
	m.SendAsync(&Notification{
		Type:      NotifyRegimeChange,
		Title:     fmt.Sprintf("🔄 Regime Change: %s", symbol),
		Message:   fmt.Sprintf("%s → %s (trend gap %.2f%%)", from, to, trendGap),
		Symbol:    symbol,
		Timestamp: time.Now(),
	})
}

// SendBreakerTripped announces a circuit breaker trip
func (m *Manager) SendBreakerTripped(reason string) {
	m.SendAsync(&Notification{
		Type:      NotifyBreaker,
		Title:     "🛑 Circuit Breaker Tripped",
		Message:   fmt.Sprintf("New entries suspended: %s", reason),
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) {
	m.SendAsync(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

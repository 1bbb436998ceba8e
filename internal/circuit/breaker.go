package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // New entries halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	MaxDailyLossPercent  float64 `json:"max_daily_loss_percent"` // Summed realized loss % per day
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
}

// DefaultBreakerConfig returns safe defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxDailyLossPercent:  5.0,
		CooldownMinutes:      60,
	}
}

// Breaker suspends new entries after a losing streak or a bad day. Only entry
// admission consults it: exits and stop management always run, because a
// tripped breaker must never stop the bot from reducing exposure.
type Breaker struct {
	mu                sync.RWMutex
	config            BreakerConfig
	state             BreakerState
	consecutiveLosses int
	dailyLoss         float64
	lastTripTime      time.Time
	dailyResetTime    time.Time
	tripReason        string
	onTrip            func(reason string)
	onReset           func()
}

// NewBreaker creates a circuit breaker in the closed state
func NewBreaker(config BreakerConfig) *Breaker {
	now := time.Now()
	return &Breaker{
		config:         config,
		state:          StateClosed,
		dailyResetTime: now.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
}

// OnTrip sets callback for when breaker trips
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// AllowEntries checks whether new entries are admitted this cycle
func (b *Breaker) AllowEntries() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.config.Enabled {
		return true, ""
	}

	b.resetCountersIfNeeded()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastTripTime)
		cooldown := time.Duration(b.config.CooldownMinutes) * time.Minute

		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}

		// Cooldown passed, probe with the next entry
		b.state = StateHalfOpen
	}

	if b.dailyLoss >= b.config.MaxDailyLossPercent {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			b.dailyLoss, b.config.MaxDailyLossPercent)
	}

	return true, ""
}

// RecordOutcome records a realized trade result
func (b *Breaker) RecordOutcome(pnlPercent float64) {
	if !b.config.Enabled {
		return
	}
	// NaN/Inf PnL must not poison the counters
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	b.mu.Lock()
	b.resetCountersIfNeeded()

	if pnlPercent < 0 {
		b.consecutiveLosses++
		b.dailyLoss += -pnlPercent
	} else {
		b.consecutiveLosses = 0

		// A winner while half-open closes the breaker
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			if b.onReset != nil {
				go b.onReset()
			}
		}
	}

	b.checkAndTrip()
	b.mu.Unlock()
}

// checkAndTrip checks conditions and trips if needed
func (b *Breaker) checkAndTrip() {
	if b.state == StateOpen {
		return
	}

	var reason string
	if b.consecutiveLosses >= b.config.MaxConsecutiveLosses {
		reason = fmt.Sprintf("consecutive losses: %d", b.consecutiveLosses)
	} else if b.dailyLoss >= b.config.MaxDailyLossPercent {
		reason = fmt.Sprintf("daily loss: %.2f%%", b.dailyLoss)
	}

	if reason != "" {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		b.tripReason = reason

		if b.onTrip != nil {
			go b.onTrip(reason)
		}
	}
}

// resetCountersIfNeeded resets time-based counters
func (b *Breaker) resetCountersIfNeeded() {
	now := time.Now()
	if now.After(b.dailyResetTime) {
		b.dailyLoss = 0
		b.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually resets the circuit breaker
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveLosses = 0
	b.tripReason = ""
	b.mu.Unlock()

	if b.onReset != nil {
		go b.onReset()
	}
}

// GetState returns current breaker state
func (b *Breaker) GetState() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetStats returns current statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"state":              string(b.state),
		"consecutive_losses": b.consecutiveLosses,
		"daily_loss":         b.dailyLoss,
		"trip_reason":        b.tripReason,
		"last_trip_time":     b.lastTripTime,
	}
}

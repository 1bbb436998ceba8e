package analyzer

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	rd := NewRegimeDetector(DefaultRegimeConfig())

	tests := []struct {
		name     string
		gap      float64
		strength float64
		want     Regime
	}{
		{"strong bullish", 6.0, 30, RegimeStrongBullish},
		{"bullish", 2.0, 30, RegimeBullish},
		{"bullish just above band", 0.6, 30, RegimeBullish},
		{"neutral inside band", 0.3, 30, RegimeNeutral},
		{"neutral at zero", 0, 30, RegimeNeutral},
		{"bearish", -2.0, 30, RegimeBearish},
		{"strong bearish", -7.0, 30, RegimeStrongBearish},
		{"ranging overrides bullish gap", 6.0, 15, RegimeRanging},
		{"ranging overrides bearish gap", -6.0, 10, RegimeRanging},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rd.Classify(tt.gap, tt.strength); got != tt.want {
				t.Errorf("Classify(%v, %v) = %q, want %q", tt.gap, tt.strength, got, tt.want)
			}
		})
	}
}

func TestUpdateRecordsTransition(t *testing.T) {
	rd := NewRegimeDetector(DefaultRegimeConfig())

	var changes []RegimeChange
	rd.OnChange(func(c RegimeChange) { changes = append(changes, c) })

	now := time.Now()
	rd.Update("BTCUSDT", 2.0, 30, now)
	rd.Update("BTCUSDT", 2.1, 30, now.Add(time.Hour))
	rd.Update("BTCUSDT", -2.0, 30, now.Add(2*time.Hour))

	if len(changes) != 2 {
		t.Fatalf("expected 2 transitions (neutral->bullish, bullish->bearish), got %d", len(changes))
	}
	if changes[0].From != RegimeNeutral || changes[0].To != RegimeBullish {
		t.Errorf("first transition = %+v", changes[0])
	}
	if changes[1].From != RegimeBullish || changes[1].To != RegimeBearish {
		t.Errorf("second transition = %+v", changes[1])
	}

	state, ok := rd.State("BTCUSDT")
	if !ok {
		t.Fatal("expected state for BTCUSDT")
	}
	if state.Current != RegimeBearish || state.Previous != RegimeBullish {
		t.Errorf("state = %+v", state)
	}
	if !state.ChangedAt.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("ChangedAt = %v, want the transition time", state.ChangedAt)
	}
}

func TestUnchangedRegimeDoesNotFire(t *testing.T) {
	rd := NewRegimeDetector(DefaultRegimeConfig())

	fired := 0
	rd.OnChange(func(RegimeChange) { fired++ })

	now := time.Now()
	rd.Update("ETHUSDT", 0.1, 30, now)
	rd.Update("ETHUSDT", 0.2, 30, now)
	rd.Update("ETHUSDT", -0.3, 30, now)

	if fired != 0 {
		t.Errorf("gap staying inside the neutral band fired %d transitions", fired)
	}
}

func TestCurrentDefaultsToNeutral(t *testing.T) {
	rd := NewRegimeDetector(DefaultRegimeConfig())

	if got := rd.Current("UNKNOWN"); got != RegimeNeutral {
		t.Errorf("unseen symbol = %q, want neutral", got)
	}
}

func TestStatesReturnsCopies(t *testing.T) {
	rd := NewRegimeDetector(DefaultRegimeConfig())
	rd.Update("BTCUSDT", 6.0, 30, time.Now())

	states := rd.States()
	states["BTCUSDT"] = RegimeState{Current: RegimeBearish}

	if rd.Current("BTCUSDT") != RegimeStrongBullish {
		t.Error("mutating the returned map must not affect detector state")
	}
}

package notify

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// stubNotifier counts deliveries and fails the first failUntil attempts.
type stubNotifier struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	delivered chan struct{}
}

func (s *stubNotifier) Send(n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failUntil {
		return errors.New("provider down")
	}
	if s.delivered != nil {
		close(s.delivered)
		s.delivered = nil
	}
	return nil
}

func (s *stubNotifier) Name() string    { return "stub" }
func (s *stubNotifier) IsEnabled() bool { return true }

func (s *stubNotifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSendFansOutToAllProviders(t *testing.T) {
	m := NewManager()
	a := &stubNotifier{}
	b := &stubNotifier{}
	m.AddNotifier(a)
	m.AddNotifier(b)

	if err := m.Send(&Notification{Type: NotifyInfo, Title: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if a.callCount() != 1 || b.callCount() != 1 {
		t.Errorf("calls = %d, %d; want 1, 1", a.callCount(), b.callCount())
	}
}

func TestSendReturnsProviderError(t *testing.T) {
	m := NewManager()
	m.AddNotifier(&stubNotifier{failUntil: 10})

	if err := m.Send(&Notification{Type: NotifyInfo}); err == nil {
		t.Error("expected provider error")
	}
}

func TestSendAsyncRetriesWithBackoff(t *testing.T) {
	m := NewManager()
	m.retryBase = time.Millisecond // keep the test fast

	stub := &stubNotifier{failUntil: 2, delivered: make(chan struct{})}
	done := stub.delivered
	m.AddNotifier(stub)

	m.SendAsync(&Notification{Type: NotifyInfo, Title: "retry me"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered after retries")
	}
	if got := stub.callCount(); got != 3 {
		t.Errorf("delivery attempts = %d, want 3", got)
	}
}

func TestSendAsyncGivesUpAfterThreeAttempts(t *testing.T) {
	m := NewManager()
	m.retryBase = time.Millisecond

	stub := &stubNotifier{failUntil: 100}
	m.AddNotifier(stub)

	m.SendAsync(&Notification{Type: NotifyInfo})

	deadline := time.After(time.Second)
	for stub.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3", stub.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Allow any extra (unwanted) attempt to land before asserting the cap.
	time.Sleep(20 * time.Millisecond)
	if got := stub.callCount(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
}

func TestDisabledProvidersSkipped(t *testing.T) {
	m := NewManager()
	disabled := NewTelegramNotifier(TelegramConfig{Enabled: false})
	m.AddNotifier(disabled)

	if err := m.Send(&Notification{Type: NotifyInfo}); err != nil {
		t.Errorf("disabled provider must be a no-op, got %v", err)
	}
}

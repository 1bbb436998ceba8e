package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coin-portfolio-bot/internal/analyzer"
	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/ledger"
)

type stubEngine struct {
	trades []ledger.ClosedTrade
}

func (s *stubEngine) Status() map[string]interface{} {
	return map[string]interface{}{"running": true, "open_positions": 1}
}

func (s *stubEngine) Regimes() map[string]analyzer.RegimeState {
	return map[string]analyzer.RegimeState{
		"BTCUSDT": {Current: analyzer.RegimeBullish, Previous: analyzer.RegimeNeutral},
	}
}

func (s *stubEngine) Factors() map[string]factors.DynamicFactors {
	return map[string]factors.DynamicFactors{}
}

func (s *stubEngine) Positions() map[string]ledger.Position {
	return map[string]ledger.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Quantity: 0.5, AvgEntryPrice: 60000},
	}
}

func (s *stubEngine) RecentTrades(ctx context.Context, limit int) ([]ledger.ClosedTrade, error) {
	if limit < len(s.trades) {
		return s.trades[:limit], nil
	}
	return s.trades, nil
}

type stubBreaker struct {
	resets int
}

func (s *stubBreaker) GetStats() map[string]interface{} {
	return map[string]interface{}{"state": "closed"}
}

func (s *stubBreaker) ForceReset() { s.resets++ }

func newTestServer(t *testing.T) (*Server, *stubEngine, *stubBreaker) {
	t.Helper()
	engine := &stubEngine{
		trades: []ledger.ClosedTrade{
			{Symbol: "BTCUSDT", Reason: "first_target", PnL: 12.5, ClosedAt: time.Now()},
			{Symbol: "ETHUSDT", Reason: "stop_loss", PnL: -4.0, ClosedAt: time.Now()},
		},
	}
	breaker := &stubBreaker{}
	return NewServer(ServerConfig{Port: 0, ProductionMode: true}, engine, breaker), engine, breaker
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}

func TestStatusAndPositionsEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/status = %d, want 200", rec.Code)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if status["running"] != true {
		t.Errorf("running = %v, want true", status["running"])
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/positions")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/positions = %d, want 200", rec.Code)
	}
	var positions struct {
		Positions map[string]ledger.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &positions); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := positions.Positions["BTCUSDT"]; !ok {
		t.Error("BTCUSDT position missing from response")
	}
}

func TestTradesEndpointLimit(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/trades?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Trades []ledger.ClosedTrade `json:"trades"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(body.Trades) != 1 {
		t.Errorf("got %d trades, want 1", len(body.Trades))
	}

	for _, bad := range []string{"0", "-3", "junk", "501"} {
		rec := doRequest(t, srv, http.MethodGet, "/api/trades?limit="+bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestBreakerResetEndpoint(t *testing.T) {
	srv, _, breaker := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/breaker/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if breaker.resets != 1 {
		t.Errorf("ForceReset called %d times, want 1", breaker.resets)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/breaker")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/breaker = %d, want 200", rec.Code)
	}
}

// Package api_test provides HTTP-level tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlas-desktop/regime-trader/internal/api"
	"github.com/atlas-desktop/regime-trader/internal/lock"
	"github.com/atlas-desktop/regime-trader/internal/session"
	"github.com/atlas-desktop/regime-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stubCandles struct {
	candles []types.Candle
}

func (s *stubCandles) FetchCandles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Candle, error) {
	return s.candles, nil
}

func (s *stubCandles) LatestCandles(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	c := s.candles
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return c, nil
}

func risingCandles(n int) []types.Candle {
	candles := make([]types.Candle, n)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		d := decimal.NewFromFloat(price)
		candles[i] = types.Candle{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
		price *= 1.01
	}
	return candles
}

func apiConfig() *types.EngineConfig {
	return &types.EngineConfig{
		BullishStrategy: types.StrategyConfig{
			Name:           "bull",
			Indicators:     []types.IndicatorSpec{{Type: "momentum", Weight: 1}},
			BuyThreshold:   0.3,
			SellThreshold:  -0.3,
			InitialCapital: decimal.NewFromInt(10000),
		},
		BearishStrategy: types.StrategyConfig{
			Name:           "bear",
			Indicators:     []types.IndicatorSpec{{Type: "momentum", Weight: 1}},
			BuyThreshold:   0.3,
			SellThreshold:  -0.3,
			InitialCapital: decimal.NewFromInt(10000),
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	store, err := session.NewFileStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	candles := &stubCandles{candles: risingCandles(60)}
	engine := session.NewEngine(session.Deps{
		Logger:  logger,
		Store:   store,
		Candles: candles,
		Locker:  lock.NewMemoryLocker(),
	})
	hub := api.NewHub(logger)
	go hub.Run()

	server := api.NewServer(logger, api.DefaultConfig(), engine, store, candles, hub, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/api/v1/sessions/SOL-USDT"

	// Start
	resp := postJSON(t, base+"/start", map[string]any{
		"name":   "api test",
		"config": apiConfig(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 on start, got %d", resp.StatusCode)
	}
	var started types.Session
	decodeBody(t, resp, &started)
	if started.Status != types.SessionActive {
		t.Errorf("Expected active session, got %s", started.Status)
	}

	// Duplicate start conflicts.
	resp = postJSON(t, base+"/start", map[string]any{"config": apiConfig()})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 on duplicate start, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Tick
	resp = postJSON(t, base+"/update", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 on update, got %d", resp.StatusCode)
	}
	var tick session.TickResult
	decodeBody(t, resp, &tick)
	if tick.Trade == nil {
		t.Errorf("Expected a trade on a strong rally, skipped: %s", tick.Skipped)
	}

	// Read side
	resp, err := http.Get(base)
	if err != nil {
		t.Fatalf("GET session failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on get session, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(base + "/performance")
	if err != nil {
		t.Fatalf("GET performance failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on performance, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(base + "/trades")
	if err != nil {
		t.Fatalf("GET trades failed: %v", err)
	}
	var trades map[string]any
	decodeBody(t, resp, &trades)
	if trades["count"].(float64) < 1 {
		t.Error("Expected at least one trade listed")
	}

	// Emergency stop, resume, stop.
	resp = postJSON(t, base+"/emergency-stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 on emergency stop, got %d", resp.StatusCode)
	}
	var halted types.Session
	decodeBody(t, resp, &halted)
	if halted.Status != types.SessionEmergencyStopped {
		t.Errorf("Expected emergency_stopped, got %s", halted.Status)
	}

	resp = postJSON(t, base+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on resume, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, base+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 on stop, got %d", resp.StatusCode)
	}
	var stopBody map[string]json.RawMessage
	decodeBody(t, resp, &stopBody)
	if _, ok := stopBody["performance"]; !ok {
		t.Error("Expected performance report in stop response")
	}

	// Updates after stop are unprocessable.
	resp = postJSON(t, base+"/update", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 after stop, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/v1/sessions/NOPE", "/api/v1/sessions/NOPE/performance"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestStartRequiresConfig(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/v1/sessions/SOL-USDT/start", map[string]any{"name": "no config"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 without config, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConfigEndpoints(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/api/v1/configs/aggressive"

	resp := postJSON(t, url, apiConfig())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 on save config, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Invalid configs are rejected before storage.
	bad := apiConfig()
	bad.BullishStrategy.Indicators = nil
	resp = postJSON(t, ts.URL+"/api/v1/configs/broken", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 on invalid config, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET config failed: %v", err)
	}
	var loaded types.EngineConfig
	decodeBody(t, resp, &loaded)
	if loaded.BullishStrategy.Name != "bull" {
		t.Errorf("Config not preserved: %s", loaded.BullishStrategy.Name)
	}

	resp, err = http.Get(ts.URL + "/api/v1/configs")
	if err != nil {
		t.Fatalf("GET configs failed: %v", err)
	}
	var list map[string]any
	decodeBody(t, resp, &list)
	if list["count"].(float64) != 1 {
		t.Errorf("Expected 1 config listed, got %v", list["count"])
	}

	// Starting a session by config name works end to end.
	resp = postJSON(t, ts.URL+"/api/v1/sessions/ETH-USDT/start", map[string]any{
		"configName": "aggressive",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201 starting by config name, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE config failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 on delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("GET deleted config failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCandleEndpoint(t *testing.T) {
	ts := newTestServer(t)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	end := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	url := fmt.Sprintf("%s/api/v1/data/history/SOL-USDT?timeframe=1h&start=%s&end=%s", ts.URL, start, end)

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET candles failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["count"].(float64) == 0 {
		t.Error("Expected candles returned")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"futures-core/internal/accounts"
	"futures-core/internal/bracket"
	"futures-core/internal/connection"
	"futures-core/internal/engine"
	"futures-core/internal/events"
	"futures-core/internal/external"
	"futures-core/internal/monitor"
	"futures-core/internal/signal"
	"futures-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeEngine struct {
	mu      sync.Mutex
	filters external.Filters
	signals []external.Signal
}

func (f *fakeEngine) SubmitSignal(_ context.Context, sig external.Signal) (external.Admission, error) {
	if err := sig.Validate(); err != nil {
		return external.Admission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	if sig.Source == "muted" {
		return external.Admission{Reason: external.ReasonCooldown}, nil
	}
	return external.Admission{Accepted: true, Decision: signal.Decision{Symbol: sig.Symbol, Source: sig.Source}}, nil
}

func (f *fakeEngine) SetFilters(long, short *bool) external.Filters {
	f.mu.Lock()
	defer f.mu.Unlock()
	if long != nil {
		f.filters.LongEnabled = *long
	}
	if short != nil {
		f.filters.ShortEnabled = *short
	}
	return f.filters
}

func (f *fakeEngine) Filters() external.Filters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters
}

func (f *fakeEngine) SignalStats() external.Stats { return external.Stats{TotalReceived: 3} }
func (f *fakeEngine) Accounts() []accounts.Account {
	return []accounts.Account{{ID: "166", Enabled: true, SyncStatus: accounts.InSync}}
}
func (f *fakeEngine) PositionsSummary() map[string]accounts.Summary { return nil }
func (f *fakeEngine) CheckAccount(id string) string {
	if id == "166" {
		return accounts.StatusReady
	}
	return accounts.StatusNotFound
}
func (f *fakeEngine) SyncStats() accounts.Stats                      { return accounts.Stats{TotalAccounts: 1} }
func (f *fakeEngine) ResetSyncStats() accounts.Stats                 { return accounts.Stats{TotalAccounts: 1} }
func (f *fakeEngine) CheckAccounts() map[string]string {
	return map[string]string{"166": accounts.StatusReady, "167": accounts.StatusCooldown}
}
func (f *fakeEngine) TrackedPositions() map[string]bracket.Position { return nil }
func (f *fakeEngine) Connections() []connection.Status {
	return []connection.Status{{Plant: connection.PlantMarket, State: connection.Connected}}
}
func (f *fakeEngine) Metrics() monitor.MetricsSnapshot { return monitor.MetricsSnapshot{} }
func (f *fakeEngine) Status() engine.SystemStatus    { return engine.SystemStatus{Identity: "test"} }

func (f *fakeEngine) received() []external.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]external.Signal(nil), f.signals...)
}

const testPassword = "s3cret"

func newTestAPIServer(t *testing.T) (*httptest.Server, *fakeEngine, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	eng := &fakeEngine{filters: external.Filters{LongEnabled: true, ShortEnabled: true}}
	bus := events.NewBus()
	server, err := NewServer(eng, bus, monitor.NewSystemMetrics(), Options{
		Store:        database,
		JWTSecret:    "test-secret",
		DashPassword: testPassword,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return ts, eng, bus
}

func TestAccountOrderHistory(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	ctx := context.Background()
	for i, acct := range []string{"166", "166", "167"} {
		o := db.Order{ID: fmt.Sprintf("o-%d", i), AccountID: acct, Symbol: "NQZ5", Side: "BUY", Qty: 1, Kind: "ENTRY", State: "SUBMITTED", CreatedAt: time.Now()}
		if err := database.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}
	server, err := NewServer(&fakeEngine{}, events.NewBus(), nil, Options{Store: database, DashPassword: testPassword, JWTSecret: "x"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	seeded := httptest.NewServer(server.Router)
	defer seeded.Close()

	var orders []db.Order
	if status := doRequest(t, http.MethodGet, seeded.URL+"/api/accounts/166/orders?limit=10", dash, "", &orders); status != http.StatusOK {
		t.Fatalf("orders status=%d", status)
	}
	if len(orders) != 2 {
		t.Fatalf("orders=%d, expected 2 for account 166", len(orders))
	}

	var reports []db.ReconciliationReport
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/accounts/166/reports", dash, "", &reports); status != http.StatusOK || len(reports) != 0 {
		t.Fatalf("reports status=%d n=%d, expected empty history", status, len(reports))
	}

	noStore, err := NewServer(&fakeEngine{}, events.NewBus(), nil, Options{DashPassword: testPassword, JWTSecret: "x"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	bare := httptest.NewServer(noStore.Router)
	defer bare.Close()
	if status := doRequest(t, http.MethodGet, bare.URL+"/api/signals/history", dash, "", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("history without store status=%d, expected 503", status)
	}
}

func doRequest(t *testing.T, method, url string, headers map[string]string, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

var dash = map[string]string{"X-Dash-Pass": testPassword}

func TestAuthAcceptsPasswordOrToken(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)

	if status := doRequest(t, http.MethodGet, ts.URL+"/api/filters", nil, "", nil); status != http.StatusUnauthorized {
		t.Fatalf("no credentials status=%d, expected 401", status)
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/filters", map[string]string{"X-Dash-Pass": "wrong"}, "", nil); status != http.StatusUnauthorized {
		t.Fatalf("wrong password status=%d, expected 401", status)
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/filters", dash, "", nil); status != http.StatusOK {
		t.Fatalf("password status=%d, expected 200", status)
	}

	var login struct {
		Token string `json:"token"`
	}
	if status := doRequest(t, http.MethodPost, ts.URL+"/api/auth/login", nil, `{"password":"wrong"}`, nil); status != http.StatusUnauthorized {
		t.Fatalf("bad login status=%d, expected 401", status)
	}
	status := doRequest(t, http.MethodPost, ts.URL+"/api/auth/login", nil, `{"password":"`+testPassword+`"}`, &login)
	if status != http.StatusOK || login.Token == "" {
		t.Fatalf("login status=%d token=%q", status, login.Token)
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/sync/stats", bearer, "", nil); status != http.StatusOK {
		t.Fatalf("bearer status=%d, expected 200", status)
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/sync/stats", map[string]string{"Authorization": "Bearer junk"}, "", nil); status != http.StatusUnauthorized {
		t.Fatalf("junk token status=%d, expected 401", status)
	}
}

func TestUpdateFilters(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)

	var f external.Filters
	status := doRequest(t, http.MethodPut, ts.URL+"/api/filters", dash, `{"short_signals_enabled":false}`, &f)
	if status != http.StatusOK {
		t.Fatalf("status=%d, expected 200", status)
	}
	if !f.LongEnabled || f.ShortEnabled {
		t.Fatalf("filters=%+v, expected long on and short off", f)
	}
	if got := eng.Filters(); got != f {
		t.Fatalf("engine filters=%+v, expected %+v", got, f)
	}

	var resp struct {
		Code string `json:"code"`
	}
	status = doRequest(t, http.MethodPut, ts.URL+"/api/filters", dash, `{}`, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_REQUEST" {
		t.Fatalf("empty update status=%d code=%s", status, resp.Code)
	}
}

func TestSubmitSignal(t *testing.T) {
	ts, eng, _ := newTestAPIServer(t)

	tests := []struct {
		name     string
		body     string
		status   int
		accepted bool
		code     string
	}{
		{"accepted", `{"symbol":"nq","side":"buy","signal_type":"ENTRY","price":"15000.25","source":"tv","timestamp":1700000000}`, http.StatusOK, true, ""},
		{"policy drop", `{"ticker":"NQ","action":"SELL","source":"muted"}`, http.StatusOK, false, ""},
		{"bad side", `{"symbol":"NQ","side":"HOLD"}`, http.StatusBadRequest, false, "INVALID_SIGNAL"},
		{"not json", `symbol=NQ`, http.StatusBadRequest, false, "INVALID_SIGNAL"},
		{"array", `[1,2]`, http.StatusBadRequest, false, "INVALID_SIGNAL"},
	}
	for _, tt := range tests {
		var resp struct {
			Accepted bool   `json:"accepted"`
			Reason   string `json:"reason"`
			Code     string `json:"code"`
		}
		status := doRequest(t, http.MethodPost, ts.URL+"/api/signals", dash, tt.body, &resp)
		if status != tt.status || resp.Accepted != tt.accepted || resp.Code != tt.code {
			t.Fatalf("%s: status=%d resp=%+v, expected %d accepted=%v code=%q", tt.name, status, resp, tt.status, tt.accepted, tt.code)
		}
	}

	got := eng.received()
	if len(got) != 2 {
		t.Fatalf("engine received %d signals, expected 2", len(got))
	}
	entry := got[0]
	if entry.Symbol != "NQ" || entry.Side != "BUY" || entry.Price != 15000.25 || entry.Timestamp != 1700000000 {
		t.Fatalf("entry signal=%+v", entry)
	}
	if entry.ConfidenceScore != defaultConfidence || entry.Exchange != defaultExchange {
		t.Fatalf("defaults not applied: %+v", entry)
	}
	if got[1].Symbol != "NQ" || got[1].Side != "SELL" || got[1].Timestamp <= 0 {
		t.Fatalf("aliased signal=%+v", got[1])
	}
}

func TestParseSignalTimestampIsUnixSeconds(t *testing.T) {
	now := time.Unix(1760000000, 0)
	tests := []struct {
		name     string
		body     string
		expected int64
	}{
		{"missing defaults to now", `{"symbol":"NQ","side":"BUY"}`, 1760000000},
		{"seconds kept", `{"symbol":"NQ","side":"BUY","timestamp":1700000000}`, 1700000000},
		{"milliseconds scaled", `{"symbol":"NQ","side":"BUY","timestamp":1700000000123}`, 1700000000},
		{"string milliseconds scaled", `{"symbol":"NQ","side":"BUY","timestamp":"1700000000999"}`, 1700000000},
	}
	for _, tt := range tests {
		sig, err := parseSignal([]byte(tt.body), now)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if sig.Timestamp != tt.expected {
			t.Fatalf("%s: Timestamp=%d, expected %d", tt.name, sig.Timestamp, tt.expected)
		}
	}
}

func TestSyncReadinessAndStatsReset(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)

	var readiness struct {
		Accounts map[string]string `json:"accounts"`
		Ready    int               `json:"ready"`
		Total    int               `json:"total"`
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/sync/readiness", dash, "", &readiness); status != http.StatusOK {
		t.Fatalf("readiness status=%d, expected 200", status)
	}
	if readiness.Ready != 1 || readiness.Total != 2 || readiness.Accounts["167"] != accounts.StatusCooldown {
		t.Fatalf("readiness=%+v", readiness)
	}

	var stats accounts.Stats
	if status := doRequest(t, http.MethodPost, ts.URL+"/api/sync/stats/reset", dash, "", &stats); status != http.StatusOK || stats.TotalAccounts != 1 {
		t.Fatalf("reset status=%d stats=%+v", status, stats)
	}
	if status := doRequest(t, http.MethodPost, ts.URL+"/api/sync/stats/reset", nil, "", nil); status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated reset status=%d, expected 401", status)
	}
}

func TestAccountCheckAndReadRoutes(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)

	var check struct {
		Status string `json:"status"`
		Ready  bool   `json:"ready"`
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/accounts/166/check", dash, "", &check); status != http.StatusOK || !check.Ready {
		t.Fatalf("check status=%d resp=%+v", status, check)
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/accounts/999/check", dash, "", &check); status != http.StatusNotFound || check.Status != accounts.StatusNotFound {
		t.Fatalf("missing check status=%d resp=%+v", status, check)
	}

	var conns struct {
		AllConnected bool `json:"all_connected"`
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/api/connections", dash, "", &conns); status != http.StatusOK || !conns.AllConnected {
		t.Fatalf("connections status=%d resp=%+v", status, conns)
	}

	for _, path := range []string{"/api/accounts", "/api/signals/stats", "/api/metrics", "/api/positions", "/api/system/status"} {
		if status := doRequest(t, http.MethodGet, ts.URL+path, dash, "", nil); status != http.StatusOK {
			t.Fatalf("%s status=%d, expected 200", path, status)
		}
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "futures_core_api_requests_total") {
		t.Fatalf("metrics status=%d, body lacks api counter", resp.StatusCode)
	}

	var health struct {
		Status string `json:"status"`
	}
	if status := doRequest(t, http.MethodGet, ts.URL+"/health", nil, "", &health); status != http.StatusOK || health.Status != "ok" {
		t.Fatalf("health status=%d resp=%+v", status, health)
	}
}

func TestWebsocketStreamsEnvelopes(t *testing.T) {
	ts, _, bus := newTestAPIServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated dial err=%v, expected 401", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?pass="+testPassword, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Subscriptions are registered right after the upgrade; publish until one lands.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.EventAlert, "drawdown limit reached")
			}
		}
	}()

	var env struct {
		Type    events.Event `json:"type"`
		Payload string       `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Type != events.EventAlert || env.Payload != "drawdown limit reached" {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestLimiterPoolSweepsIdleClients(t *testing.T) {
	p := newLimiterPool(1, 1)
	now := time.Now()
	if !p.get("10.0.0.1", now).Allow() {
		t.Fatalf("first request should pass")
	}
	if p.get("10.0.0.1", now).Allow() {
		t.Fatalf("second request within the burst should be limited")
	}
	p.get("10.0.0.2", now)
	if got := p.size(); got != 2 {
		t.Fatalf("size=%d, expected 2", got)
	}
	p.get("10.0.0.3", now.Add(2*limiterIdle))
	if got := p.size(); got != 1 {
		t.Fatalf("size=%d, expected idle limiters swept", got)
	}
}

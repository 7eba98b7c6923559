package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vyx/signal-engine/internal/trader"
	"github.com/vyx/signal-engine/pkg/config"
	"github.com/vyx/signal-engine/pkg/errs"
	"github.com/vyx/signal-engine/pkg/sandbox"
	"github.com/vyx/signal-engine/pkg/types"
)

// fakeStore backs every repository-facing interface the server consumes.
type fakeStore struct {
	traders map[string]*types.Trader
	users   map[string]*types.User
	signals []*types.Signal
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		traders: make(map[string]*types.Trader),
		users:   make(map[string]*types.User),
	}
}

func (f *fakeStore) addTrader(id, userID string) *types.Trader {
	filter, _ := json.Marshal(map[string]interface{}{
		"code":               `return true`,
		"requiredTimeframes": []string{"5m"},
	})
	row := &types.Trader{ID: id, UserID: userID, Name: "Trader " + id, Enabled: true, Filter: filter}
	f.traders[id] = row
	return row
}

func (f *fakeStore) addUser(id string, tier types.SubscriptionTier) {
	f.users[id] = &types.User{ID: id, SubscriptionTier: tier}
}

func (f *fakeStore) GetTrader(ctx context.Context, traderID string) (*types.Trader, error) {
	row, ok := f.traders[traderID]
	if !ok {
		return nil, fmt.Errorf("%w: trader %s", errs.ErrNotFound, traderID)
	}
	return row, nil
}

func (f *fakeStore) GetAllTraders(ctx context.Context) ([]types.Trader, error) {
	var rows []types.Trader
	for _, row := range f.traders {
		rows = append(rows, *row)
	}
	return rows, nil
}

func (f *fakeStore) GetBuiltInTraders(ctx context.Context) ([]types.Trader, error) {
	var rows []types.Trader
	for _, row := range f.traders {
		if row.IsBuiltIn {
			rows = append(rows, *row)
		}
	}
	return rows, nil
}

func (f *fakeStore) GetTraders(ctx context.Context, userID string) ([]types.Trader, error) {
	var rows []types.Trader
	for _, row := range f.traders {
		if row.UserID == userID {
			rows = append(rows, *row)
		}
	}
	return rows, nil
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*types.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", errs.ErrNotFound, userID)
	}
	return user, nil
}

func (f *fakeStore) CreateSignal(ctx context.Context, signal *types.Signal) error {
	copied := *signal
	f.signals = append(f.signals, &copied)
	return nil
}

func (f *fakeStore) GetRecentSignals(ctx context.Context, userID string, limit int) ([]types.Signal, error) {
	var out []types.Signal
	for _, s := range f.signals {
		if s.UserID != nil && *s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

// fakeMarket serves a fixed symbol set and synthetic klines.
type fakeMarket struct{}

func (fakeMarket) Symbols() []string { return []string{"BTCUSDT", "ETHUSDT"} }

func (fakeMarket) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	klines := make([]types.Kline, limit)
	for i := range klines {
		klines[i] = types.Kline{OpenTime: int64(i) * 300_000, Close: 100}
	}
	return klines, nil
}

type serverFixture struct {
	server  *Server
	store   *fakeStore
	manager *trader.Manager
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	sbx, err := sandbox.NewExecutor()
	if err != nil {
		t.Fatalf("sandbox init failed: %v", err)
	}

	store := newFakeStore()
	manager := trader.NewManager(trader.NewRegistry(), sbx, store, trader.Defaults{
		Schedule:          "5m",
		EvaluationTimeout: time.Second,
	})

	cfg := &config.Config{
		ServerHost:         "127.0.0.1",
		ServerPort:         0,
		AllowedOrigins:     "*",
		SupabaseServiceKey: "service-key",
		Version:            "test",
	}

	return &serverFixture{
		server:  New(cfg, manager, sbx, fakeMarket{}, store, store, store),
		store:   store,
		manager: manager,
	}
}

// bearerFor builds an unsigned JWT-shaped token with the given sub claim.
func bearerFor(sub string) string {
	payload, _ := json.Marshal(map[string]interface{}{"sub": sub, "exp": 9999999999})
	return "Bearer " +
		base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`)) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func (f *serverFixture) request(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestMissingTokenRejected(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, "GET", "/api/v1/symbols", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMalformedTokenRejected(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, "GET", "/api/v1/symbols", "Bearer not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	// Valid shape but empty sub.
	empty := bearerFor("")
	rec = f.request(t, "GET", "/api/v1/symbols", empty, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for empty sub, got %d", rec.Code)
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var health types.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected healthy, got %s", health.Status)
	}
}

func TestGetSymbols(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierPro)

	rec := f.request(t, "GET", "/api/v1/symbols", bearerFor("user-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Symbols []string `json:"symbols"`
		Count   int      `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Count != 2 {
		t.Errorf("expected 2 symbols, got %d", body.Count)
	}
}

func TestKlinesZeroLimitReturnsEmptyList(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, "GET", "/api/v1/klines/BTCUSDT/5m?limit=0", bearerFor("user-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("limit=0 must not error, got %d", rec.Code)
	}

	var body struct {
		Klines []types.Kline `json:"klines"`
		Count  int           `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Count != 0 || len(body.Klines) != 0 {
		t.Errorf("expected empty kline list, got %d", body.Count)
	}
}

func TestFreeTierCannotStart(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierFree)
	f.store.addTrader("t1", "user-1")

	rec := f.request(t, "POST", "/api/v1/traders/t1/start", bearerFor("user-1"), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("free tier start must 403, got %d", rec.Code)
	}

	// The trader never left the loaded state (it was never even hydrated
	// into starting).
	if tr, ok := f.manager.Registry().Get("t1"); ok {
		if tr.State() != trader.StateLoaded {
			t.Errorf("trader must stay loaded, got %s", tr.State())
		}
	}
}

func TestFreeTierCannotExecuteImmediate(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierFree)
	f.store.addTrader("t1", "user-1")

	rec := f.request(t, "POST", "/api/v1/traders/t1/execute-immediate", bearerFor("user-1"), "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("free tier execute-immediate must 403, got %d", rec.Code)
	}
}

func TestStartHydratesFreshTrader(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierPro)
	f.store.addTrader("fresh", "user-1")

	// The engine has never seen this trader; start must hydrate it.
	rec := f.request(t, "POST", "/api/v1/traders/fresh/start", bearerFor("user-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success bool          `json:"success"`
		Trader  trader.Status `json:"trader"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Success {
		t.Error("expected success")
	}
	if body.Trader.State != trader.StateRunning {
		t.Errorf("expected running, got %s", body.Trader.State)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("owner", types.TierPro)
	f.store.addUser("intruder", types.TierPro)
	f.store.addTrader("t1", "owner")

	for _, path := range []string{
		"/api/v1/traders/t1/start",
		"/api/v1/traders/t1/stop",
		"/api/v1/traders/t1/reload",
		"/api/v1/traders/t1/execute-immediate",
	} {
		rec := f.request(t, "POST", path, bearerFor("intruder"), "")
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s with foreign token must 403, got %d", path, rec.Code)
		}
	}

	// Nothing mutated: the trader is still loaded (or unhydrated).
	if tr, ok := f.manager.Registry().Get("t1"); ok && tr.State() != trader.StateLoaded {
		t.Errorf("trader state mutated by foreign request: %s", tr.State())
	}
}

func TestQuotaRejectionKeepsRunningCount(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierPro)
	f.manager.Quotas().SetTierLimit(types.TierPro, 5)

	for i := 0; i < 6; i++ {
		f.store.addTrader(fmt.Sprintf("t%d", i), "user-1")
	}

	token := bearerFor("user-1")
	for i := 0; i < 5; i++ {
		rec := f.request(t, "POST", fmt.Sprintf("/api/v1/traders/t%d/start", i), token, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("start %d should succeed, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := f.request(t, "POST", "/api/v1/traders/t5/start", token, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("6th start must 403, got %d", rec.Code)
	}

	tr, _ := f.manager.Registry().Get("t5")
	if tr.State() != trader.StateLoaded {
		t.Errorf("rejected trader must stay loaded, got %s", tr.State())
	}
	if got := len(f.manager.Registry().GetByState(trader.StateRunning)); got != 5 {
		t.Errorf("running count must remain 5, got %d", got)
	}
}

func TestStopTrader(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierPro)
	f.store.addTrader("t1", "user-1")

	token := bearerFor("user-1")
	if rec := f.request(t, "POST", "/api/v1/traders/t1/start", token, ""); rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rec.Code)
	}

	rec := f.request(t, "POST", "/api/v1/traders/t1/stop", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop failed: %d: %s", rec.Code, rec.Body.String())
	}

	tr, _ := f.manager.Registry().Get("t1")
	if tr.State() != trader.StateStopped {
		t.Errorf("expected stopped, got %s", tr.State())
	}
}

func TestTraderStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierPro)
	f.store.addTrader("t1", "user-1")

	rec := f.request(t, "GET", "/api/v1/traders/t1/status", bearerFor("user-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status trader.Status
	_ = json.Unmarshal(rec.Body.Bytes(), &status)
	if status.ID != "t1" || status.State != trader.StateLoaded {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestGetTradersDefaultsToBuiltIns(t *testing.T) {
	f := newServerFixture(t)
	builtin := f.store.addTrader("sys", "")
	builtin.IsBuiltIn = true
	f.store.addTrader("mine", "user-1")

	rec := f.request(t, "GET", "/api/v1/traders", bearerFor("user-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Traders []types.Trader `json:"traders"`
		Count   int            `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Count != 1 || body.Traders[0].ID != "sys" {
		t.Errorf("expected only the built-in trader, got %+v", body)
	}
}

func TestValidateCodeEndpoint(t *testing.T) {
	f := newServerFixture(t)
	token := bearerFor("user-1")

	rec := f.request(t, "POST", "/api/v1/validate-code", token, `{"code":"return true"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Valid {
		t.Errorf("expected valid, got error %q", body.Error)
	}

	rec = f.request(t, "POST", "/api/v1/validate-code", token, `{"code":"return true &&"}`)
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Valid {
		t.Error("broken code must report invalid")
	}
	if body.Error == "" {
		t.Error("expected an error message")
	}
}

func TestExecuteFilterEndpoint(t *testing.T) {
	f := newServerFixture(t)

	payload := `{
		"code": "return data.Ticker.LastPrice > 50",
		"marketData": {
			"symbol": "BTCUSDT",
			"ticker": {"lastPrice": 100, "priceChangePercent": 1, "quoteVolume": 1000},
			"klines": {}
		}
	}`

	rec := f.request(t, "POST", "/api/v1/execute-filter", bearerFor("user-1"), payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Matched bool   `json:"matched"`
		Symbol  string `json:"symbol"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Matched || body.Symbol != "BTCUSDT" {
		t.Errorf("unexpected result: %+v", body)
	}
}

func TestCreateSignalRequiresServiceRole(t *testing.T) {
	f := newServerFixture(t)

	payload := `{"trader_id":"t1","symbol":"BTCUSDT"}`

	rec := f.request(t, "POST", "/api/v1/signals", bearerFor("user-1"), payload)
	if rec.Code != http.StatusForbidden {
		t.Errorf("user token must not create signals, got %d", rec.Code)
	}

	rec = f.request(t, "POST", "/api/v1/signals", "Bearer service-key", payload)
	if rec.Code != http.StatusCreated {
		t.Errorf("service role create should 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.store.signals) != 1 {
		t.Errorf("expected 1 stored signal, got %d", len(f.store.signals))
	}
}

func TestUnknownTraderIs404(t *testing.T) {
	f := newServerFixture(t)
	f.store.addUser("user-1", types.TierPro)

	rec := f.request(t, "GET", "/api/v1/traders/ghost/status", bearerFor("user-1"), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

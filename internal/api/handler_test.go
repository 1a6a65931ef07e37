package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/trading-engine/internal/api"
	"github.com/papertrade/trading-engine/internal/marketdata"
	"github.com/papertrade/trading-engine/internal/model"
	"github.com/papertrade/trading-engine/internal/settlement"
	"github.com/papertrade/trading-engine/internal/store"
)

const testSecret = "test-secret"

type testEnv struct {
	router http.Handler
	auth   *api.Authenticator
	store  *store.MemoryStore
}

type closedGate struct{}

func (closedGate) IsOpen(time.Time) bool { return false }

// newTestEnv builds the API on an in-memory store. A closed gate rejects
// every order.
func newTestEnv(t *testing.T, gate settlement.MarketGate) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := settlement.NewEngine(ms, gate)
	auth, err := api.NewAuthenticator(testSecret, "papertrade")
	if err != nil {
		t.Fatal(err)
	}
	h := api.NewHandler(engine, marketdata.NewMemoryFeed(0), marketdata.AlwaysOpen{}, nil)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", h.Routes(auth.Middleware)))
	return &testEnv{router: mux, auth: auth, store: ms}
}

func (env *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := env.auth.Issue(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (env *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+env.token(t, userID))
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) open(t *testing.T, userID string) {
	t.Helper()
	if w := env.do(t, "POST", "/api/v1/trading/account", userID, nil); w.Code != http.StatusOK {
		t.Fatalf("open account: %d %s", w.Code, w.Body.String())
	}
}

func order(symbol, side string, qty int64, price string) api.OrderRequestBody {
	return api.OrderRequestBody{Symbol: symbol, Side: side, Quantity: qty, Price: decimal.RequireFromString(price)}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

// --- Auth ---

func TestAuth_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/api/v1/trading/account", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/trading/account", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", w.Code)
	}
}

func TestAuth_RejectsForeignSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	other, _ := api.NewAuthenticator("another-secret", "papertrade")
	tok, _ := other.Issue("u1", time.Hour)

	req := httptest.NewRequest("GET", "/api/v1/trading/account", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuth_RejectsExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	tok, _ := env.auth.Issue("u1", -time.Minute)

	req := httptest.NewRequest("GET", "/api/v1/trading/account", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestNewAuthenticator_EmptySecret(t *testing.T) {
	if _, err := api.NewAuthenticator("", ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

// --- Account ---

func TestGetAccount_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/trading/account", "ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenAccount_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")

	w := env.do(t, "POST", "/api/v1/trading/account", "u1", nil)
	var resp api.AccountResponse
	decode(t, w, &resp)
	if !resp.Balance.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("balance = %s, want 100000", resp.Balance)
	}
	if !resp.PortfolioStats.PortfolioValue.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("portfolio value = %s", resp.PortfolioStats.PortfolioValue)
	}
}

// --- Orders ---

func TestCreateOrder_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")

	w := env.do(t, "POST", "/api/v1/trading/orders", "u1", order("infy", "BUY", 10, "100"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var fill settlement.Fill
	decode(t, w, &fill)
	if fill.Order.Symbol != "INFY" {
		t.Errorf("symbol not normalized: %q", fill.Order.Symbol)
	}
	if fill.Order.OrderType != model.OrderTypeMarket {
		t.Errorf("order type = %q, want MARKET", fill.Order.OrderType)
	}
	if !fill.Account.Balance.Equal(decimal.NewFromInt(99000)) {
		t.Errorf("balance after buy = %s, want 99000", fill.Account.Balance)
	}

	w = env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "SELL", 10, "150"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &fill)
	if !fill.Account.Balance.Equal(decimal.NewFromInt(100500)) {
		t.Errorf("balance after sell = %s, want 100500", fill.Account.Balance)
	}
	if !fill.Account.TotalPnL.Equal(decimal.NewFromInt(500)) {
		t.Errorf("total pnl = %s, want 500", fill.Account.TotalPnL)
	}
	if fill.Position != nil {
		t.Errorf("position should be closed out, got %+v", fill.Position)
	}
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")

	w := env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 2000, "100"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["required"] != "200000" || resp["available"] != "100000" || resp["shortfall"] != "100000" {
		t.Errorf("unexpected figures: %v", resp)
	}
}

func TestCreateOrder_InsufficientHoldings(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 3, "100"))

	w := env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "SELL", 5, "100"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["available"] != float64(3) || resp["required"] != float64(5) {
		t.Errorf("unexpected figures: %v", resp)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")

	cases := map[string]api.OrderRequestBody{
		"bad side":     order("INFY", "HOLD", 1, "100"),
		"zero qty":     order("INFY", "BUY", 0, "100"),
		"zero price":   order("INFY", "BUY", 1, "0"),
		"empty symbol": order("  ", "BUY", 1, "100"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/trading/orders", "u1", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/v1/trading/orders", strings.NewReader(`{"quantity": 1.5}`))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("fractional quantity: expected 400, got %d", w.Code)
	}
}

func TestCreateOrder_MarketClosed(t *testing.T) {
	env := newTestEnv(t, closedGate{})
	env.open(t, "u1")

	w := env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 1, "100"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateOrder_NoAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/trading/orders", "ghost", order("INFY", "BUY", 1, "100"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetOrders_FiltersAndLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")
	for i := 0; i < 3; i++ {
		env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 1, "100"))
	}
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("TCS", "BUY", 1, "300"))
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "SELL", 1, "105"))

	var resp struct {
		Count  int           `json:"count"`
		Orders []model.Order `json:"orders"`
	}
	decode(t, env.do(t, "GET", "/api/v1/trading/orders", "u1", nil), &resp)
	if resp.Count != 5 {
		t.Fatalf("expected 5 orders, got %d", resp.Count)
	}
	if resp.Orders[0].Side != model.SideSell {
		t.Errorf("newest first: got %s first", resp.Orders[0].Side)
	}

	decode(t, env.do(t, "GET", "/api/v1/trading/orders?symbol=infy&side=BUY&limit=2", "u1", nil), &resp)
	if resp.Count != 2 {
		t.Fatalf("expected 2 orders, got %d", resp.Count)
	}
	for _, o := range resp.Orders {
		if o.Symbol != "INFY" || o.Side != model.SideBuy {
			t.Errorf("filter leak: %+v", o)
		}
	}

	for _, q := range []string{"limit=-1", "limit=abc", "side=HOLD", "status=OPEN"} {
		if w := env.do(t, "GET", "/api/v1/trading/orders?"+q, "u1", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestGetOrders_Isolation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")
	env.open(t, "u2")
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 1, "100"))

	var resp struct {
		Count int `json:"count"`
	}
	decode(t, env.do(t, "GET", "/api/v1/trading/orders", "u2", nil), &resp)
	if resp.Count != 0 {
		t.Errorf("u2 sees %d orders of u1", resp.Count)
	}
}

// --- Positions, portfolio, trades ---

func TestPositionsPortfolioTrades(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 3, "100"))
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 5, "110"))
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "SELL", 4, "120"))

	var pos struct {
		Count     int              `json:"count"`
		Positions []model.Position `json:"positions"`
	}
	decode(t, env.do(t, "GET", "/api/v1/trading/positions", "u1", nil), &pos)
	if pos.Count != 1 || pos.Positions[0].Qty != 4 {
		t.Fatalf("expected one INFY position of 4, got %+v", pos)
	}

	var view settlement.PortfolioView
	decode(t, env.do(t, "GET", "/api/v1/trading/portfolio", "u1", nil), &view)
	if len(view.Holdings) != 1 || view.Holdings[0].Quantity != 4 {
		t.Errorf("holdings = %+v", view.Holdings)
	}

	var closed struct {
		Count  int           `json:"count"`
		Trades []model.Trade `json:"trades"`
	}
	decode(t, env.do(t, "GET", "/api/v1/trading/trades", "u1", nil), &closed)
	if closed.Count != 2 {
		t.Fatalf("expected 2 closed lots, got %d", closed.Count)
	}
	for _, tr := range closed.Trades {
		if tr.Status != model.TradeClosed {
			t.Errorf("default filter returned %s lot", tr.Status)
		}
	}

	var all struct {
		Count int `json:"count"`
	}
	decode(t, env.do(t, "GET", "/api/v1/trading/trades?status=ALL", "u1", nil), &all)
	if all.Count != 3 {
		t.Errorf("expected 3 lots in total, got %d", all.Count)
	}

	if w := env.do(t, "GET", "/api/v1/trading/trades?status=DONE", "u1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}

	var summary map[string]any
	decode(t, env.do(t, "GET", "/api/v1/trading/portfolio/summary", "u1", nil), &summary)
	if summary["closed_trades"] != float64(2) || summary["winning_trades"] != float64(2) {
		t.Errorf("summary = %v", summary)
	}
}

func TestResetAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")
	env.do(t, "POST", "/api/v1/trading/orders", "u1", order("INFY", "BUY", 10, "100"))

	w := env.do(t, "POST", "/api/v1/trading/account/reset", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	positions, _ := env.store.ListPositions(context.Background(), "u1")
	if len(positions) != 0 {
		t.Errorf("positions survived reset: %+v", positions)
	}
	orders, _ := env.store.ListOrders(context.Background(), "u1", store.OrderFilter{})
	if len(orders) != 1 {
		t.Errorf("order log should be kept, got %d orders", len(orders))
	}
}

// --- Market data and signals ---

func TestTicksAndQuotes(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, p := range []string{"100", "104", "98"} {
		w := env.do(t, "POST", "/api/v1/market/ticks", "", api.TickRequest{Symbol: "nifty", Price: decimal.RequireFromString(p)})
		if w.Code != http.StatusAccepted {
			t.Fatalf("tick: expected 202, got %d: %s", w.Code, w.Body.String())
		}
	}

	var q marketdata.Quote
	w := env.do(t, "GET", "/api/v1/market/quotes/NIFTY", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: expected 200, got %d", w.Code)
	}
	decode(t, w, &q)
	if !q.LTP.Equal(decimal.NewFromInt(98)) || !q.High.Equal(decimal.NewFromInt(104)) || q.TickCount != 3 {
		t.Errorf("quote = %+v", q)
	}

	if w := env.do(t, "GET", "/api/v1/market/quotes/TCS", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol: expected 404, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/market/ticks", "", api.TickRequest{Symbol: "NIFTY", Price: decimal.Zero}); w.Code != http.StatusBadRequest {
		t.Errorf("zero price: expected 400, got %d", w.Code)
	}
}

func TestMarketStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	var st marketdata.SessionStatus
	decode(t, env.do(t, "GET", "/api/v1/market/status", "", nil), &st)
	if !st.Open {
		t.Errorf("always-open session reported closed: %+v", st)
	}
}

func TestRelaySignal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, "u1")

	action := 1
	w := env.do(t, "POST", "/api/v1/signals", "", api.SignalRequest{Symbol: "infy", Action: &action, Price: decimal.NewFromInt(1500)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.SignalResponse
	decode(t, w, &resp)
	if resp.Signal != model.ActionBuy {
		t.Errorf("signal = %s, want BUY", resp.Signal)
	}
	if resp.SuggestedQuantity != 3 {
		t.Errorf("suggested quantity = %d, want 3", resp.SuggestedQuantity)
	}

	orders, _ := env.store.ListOrders(context.Background(), "u1", store.OrderFilter{})
	if len(orders) != 0 {
		t.Errorf("signal placed %d orders", len(orders))
	}

	bad := 7
	if w := env.do(t, "POST", "/api/v1/signals", "", api.SignalRequest{Symbol: "INFY", Action: &bad}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown action: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/signals", "", api.SignalRequest{Symbol: "INFY"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing action: expected 400, got %d", w.Code)
	}
}

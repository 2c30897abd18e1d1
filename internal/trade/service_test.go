package trade_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/engine"
	"github.com/kryvextrading/options-engine/internal/model"
	"github.com/kryvextrading/options-engine/internal/oracle"
	"github.com/kryvextrading/options-engine/internal/risk"
	"github.com/kryvextrading/options-engine/internal/store"
	"github.com/kryvextrading/options-engine/internal/trade"
	"github.com/kryvextrading/options-engine/internal/wallet"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	srv   *httptest.Server
	orc   *oracle.Static
	clock *testClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ms := store.NewMemoryStore()
	orc := oracle.NewStatic(map[string]decimal.Decimal{
		"BTCUSDT": decimal.NewFromInt(50000),
	})
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	wm := wallet.NewManager(ms, nil)
	wm.SetClock(clock.Now)
	eng := engine.New(ms, wm, orc, risk.DefaultLimits(), nil)
	eng.SetClock(clock.Now)

	r := chi.NewRouter()
	trade.NewService(eng, wm, ms).Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, orc: orc, clock: clock}
}

// post sends a JSON body and decodes the JSON response into out (when
// out is non-nil), returning the status code.
func (ts *testServer) post(t *testing.T, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of POST %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of GET %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) deposit(t *testing.T, userID string, amount int64) {
	t.Helper()
	code := ts.post(t, fmt.Sprintf("/wallets/%s/USDT/deposit", userID), trade.DepositRequest{
		Amount:    decimal.NewFromInt(amount),
		Reference: "test-funding",
	}, nil)
	if code != http.StatusOK {
		t.Fatalf("deposit returned %d", code)
	}
}

func placeReq(userID string) trade.PlaceOrderRequest {
	return trade.PlaceOrderRequest{
		UserID:          userID,
		Symbol:          "BTCUSDT",
		Direction:       model.DirectionUp,
		Stake:           decimal.NewFromInt(100),
		DurationSeconds: 60,
		PayoutRate:      decimal.NewFromFloat(0.8),
	}
}

func TestDepositPlaceExpireFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.deposit(t, "user-1", 1000)

	var placed trade.OrderView
	if code := ts.post(t, "/orders", placeReq("user-1"), &placed); code != http.StatusCreated {
		t.Fatalf("place returned %d", code)
	}
	if placed.Status != model.OrderActive {
		t.Fatalf("expected ACTIVE, got %s", placed.Status)
	}

	var b model.WalletBalance
	if code := ts.get(t, "/wallets/user-1/USDT", &b); code != http.StatusOK {
		t.Fatalf("balance returned %d", code)
	}
	if !b.Available.Equal(decimal.NewFromInt(900)) || !b.Locked.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected balances after placement: %+v", b)
	}

	// Too early.
	if code := ts.post(t, "/orders/"+placed.ID+"/expire", nil, nil); code != http.StatusTooEarly {
		t.Errorf("early expire returned %d, want 425", code)
	}

	ts.clock.Advance(61 * time.Second)
	ts.orc.Set("BTCUSDT", decimal.NewFromInt(50500))

	var settled trade.OrderView
	if code := ts.post(t, "/orders/"+placed.ID+"/expire", nil, &settled); code != http.StatusOK {
		t.Fatalf("expire returned %d", code)
	}
	if settled.Outcome != model.OutcomeWin {
		t.Errorf("expected WIN, got %s", settled.Outcome)
	}
	if settled.PnL == nil || !settled.PnL.Equal(decimal.NewFromInt(80)) {
		t.Errorf("expected pnl 80, got %v", settled.PnL)
	}

	if code := ts.get(t, "/wallets/user-1/USDT", &b); code != http.StatusOK {
		t.Fatalf("balance returned %d", code)
	}
	if !b.Available.Equal(decimal.NewFromInt(1080)) || !b.Locked.IsZero() {
		t.Errorf("unexpected balances after settlement: %+v", b)
	}
}

func TestPlaceOrder_ErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	ts.deposit(t, "user-1", 50)

	// Stake above balance.
	if code := ts.post(t, "/orders", placeReq("user-1"), nil); code != http.StatusPaymentRequired {
		t.Errorf("insufficient funds returned %d, want 402", code)
	}

	// Bad direction.
	req := placeReq("user-1")
	req.Stake = decimal.NewFromInt(10)
	req.Direction = "SIDEWAYS"
	if code := ts.post(t, "/orders", req, nil); code != http.StatusBadRequest {
		t.Errorf("invalid direction returned %d, want 400", code)
	}

	// Malformed body.
	resp, err := http.Post(ts.srv.URL+"/orders", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("POST /orders: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body returned %d, want 400", resp.StatusCode)
	}

	// Oracle down.
	ts.orc.Fail(oracle.ErrPriceUnavailable)
	req = placeReq("user-1")
	req.Stake = decimal.NewFromInt(10)
	if code := ts.post(t, "/orders", req, nil); code != http.StatusServiceUnavailable {
		t.Errorf("oracle failure returned %d, want 503", code)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	ts := newTestServer(t)
	if code := ts.get(t, "/orders/no-such-order", nil); code != http.StatusNotFound {
		t.Errorf("missing order returned %d, want 404", code)
	}
}

func TestScheduledTradeLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.deposit(t, "user-1", 1000)

	var scheduled model.ScheduledOptionTrade
	code := ts.post(t, "/scheduled", trade.ScheduleTradeRequest{
		UserID:           "user-1",
		Symbol:           "BTCUSDT",
		Direction:        model.DirectionDown,
		Stake:            decimal.NewFromInt(100),
		DurationSeconds:  60,
		PayoutRate:       decimal.NewFromFloat(0.8),
		ScheduledTimeUTC: ts.clock.Now().Add(10 * time.Minute),
	}, &scheduled)
	if code != http.StatusCreated {
		t.Fatalf("schedule returned %d", code)
	}
	if scheduled.Status != model.TradePending {
		t.Fatalf("expected PENDING, got %s", scheduled.Status)
	}

	var got model.ScheduledOptionTrade
	if code := ts.get(t, "/scheduled/"+scheduled.ID, &got); code != http.StatusOK {
		t.Fatalf("get scheduled returned %d", code)
	}

	var cancelled model.ScheduledOptionTrade
	if code := ts.post(t, "/scheduled/"+scheduled.ID+"/cancel", nil, &cancelled); code != http.StatusOK {
		t.Fatalf("cancel returned %d", code)
	}
	if cancelled.Status != model.TradeCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}

	// Cancelling twice is idempotent.
	var again model.ScheduledOptionTrade
	if code := ts.post(t, "/scheduled/"+scheduled.ID+"/cancel", nil, &again); code != http.StatusOK {
		t.Errorf("second cancel returned %d, want 200", code)
	}
	if again.Status != model.TradeCancelled {
		t.Errorf("second cancel returned status %s", again.Status)
	}

	var b model.WalletBalance
	ts.get(t, "/wallets/user-1/USDT", &b)
	if !b.Available.Equal(decimal.NewFromInt(1000)) || !b.Locked.IsZero() {
		t.Errorf("hold not released after cancel: %+v", b)
	}
}

func TestOverrideOrderOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.deposit(t, "user-1", 1000)

	var placed trade.OrderView
	if code := ts.post(t, "/orders", placeReq("user-1"), &placed); code != http.StatusCreated {
		t.Fatalf("place returned %d", code)
	}

	var overridden trade.OrderView
	code := ts.post(t, "/orders/"+placed.ID+"/override", trade.OverrideRequest{
		Outcome: model.OutcomeWin,
		SetBy:   "admin-7",
	}, &overridden)
	if code != http.StatusOK {
		t.Fatalf("override returned %d", code)
	}
	if overridden.Override == nil || overridden.Override.Outcome != model.OutcomeWin {
		t.Errorf("override not recorded: %+v", overridden.Override)
	}

	ts.clock.Advance(61 * time.Second)
	ts.orc.Set("BTCUSDT", decimal.NewFromInt(40000)) // price says LOSS

	var settled trade.OrderView
	if code := ts.post(t, "/orders/"+placed.ID+"/expire", nil, &settled); code != http.StatusOK {
		t.Fatalf("expire returned %d", code)
	}
	if settled.Outcome != model.OutcomeWin {
		t.Errorf("override ignored at settlement, got %s", settled.Outcome)
	}
}

func TestLedgerEndpointPaging(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		code := ts.post(t, "/wallets/user-1/USDT/deposit", trade.DepositRequest{
			Amount:    decimal.NewFromInt(10),
			Reference: fmt.Sprintf("funding-%d", i),
		}, nil)
		if code != http.StatusOK {
			t.Fatalf("deposit %d returned %d", i, code)
		}
	}

	var page []model.LedgerEntry
	if code := ts.get(t, "/wallets/user-1/USDT/ledger?limit=3", &page); code != http.StatusOK {
		t.Fatalf("ledger returned %d", code)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page))
	}

	var rest []model.LedgerEntry
	after := page[len(page)-1].Seq
	if code := ts.get(t, fmt.Sprintf("/wallets/user-1/USDT/ledger?after=%d", after), &rest); code != http.StatusOK {
		t.Fatalf("ledger page 2 returned %d", code)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(rest))
	}
	if rest[0].Seq <= after {
		t.Errorf("cursor not respected: first seq %d after cursor %d", rest[0].Seq, after)
	}

	// Unknown pair returns an empty list, not an error.
	var empty []model.LedgerEntry
	if code := ts.get(t, "/wallets/ghost/USDT/ledger", &empty); code != http.StatusOK {
		t.Fatalf("empty ledger returned %d", code)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty ledger, got %d entries", len(empty))
	}
}

func TestDeposit_Validation(t *testing.T) {
	ts := newTestServer(t)

	// Missing reference.
	code := ts.post(t, "/wallets/user-1/USDT/deposit", trade.DepositRequest{
		Amount: decimal.NewFromInt(10),
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("missing reference returned %d, want 400", code)
	}

	// Non-positive amount.
	code = ts.post(t, "/wallets/user-1/USDT/deposit", trade.DepositRequest{
		Amount:    decimal.NewFromInt(-10),
		Reference: "refund",
	}, nil)
	if code != http.StatusBadRequest {
		t.Errorf("negative amount returned %d, want 400", code)
	}
}

func TestListOrders(t *testing.T) {
	ts := newTestServer(t)
	ts.deposit(t, "user-1", 1000)

	for i := 0; i < 3; i++ {
		if code := ts.post(t, "/orders", placeReq("user-1"), nil); code != http.StatusCreated {
			t.Fatalf("place %d returned %d", i, code)
		}
	}

	var orders []trade.OrderView
	if code := ts.get(t, "/users/user-1/orders", &orders); code != http.StatusOK {
		t.Fatalf("list returned %d", code)
	}
	if len(orders) != 3 {
		t.Errorf("expected 3 orders, got %d", len(orders))
	}

	var none []trade.OrderView
	if code := ts.get(t, "/users/nobody/orders", &none); code != http.StatusOK {
		t.Fatalf("empty list returned %d", code)
	}
	if len(none) != 0 {
		t.Errorf("expected no orders, got %d", len(none))
	}
}

// Package trade provides the HTTP handlers for placing, querying, and
// settling option orders, managing scheduled trades, and wallet queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kryvextrading/options-engine/internal/engine"
	"github.com/kryvextrading/options-engine/internal/ledger"
	"github.com/kryvextrading/options-engine/internal/model"
	"github.com/kryvextrading/options-engine/internal/oracle"
	"github.com/kryvextrading/options-engine/internal/store"
	"github.com/kryvextrading/options-engine/internal/wallet"
)

// Service handles the HTTP surface of the options engine.
type Service struct {
	engine *engine.Engine
	wallet *wallet.Manager
	store  store.Store
	now    func() time.Time
}

// NewService creates a new trade service.
func NewService(e *engine.Engine, wm *wallet.Manager, st store.Store) *Service {
	return &Service{
		engine: e,
		wallet: wm,
		store:  st,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts all handlers on r under their canonical paths.
func (s *Service) Routes(r chi.Router) {
	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Post("/orders/{orderID}/expire", s.ExpireOrder)
	r.Post("/orders/{orderID}/override", s.OverrideOrder)
	r.Get("/users/{userID}/orders", s.ListOrders)

	r.Post("/scheduled", s.ScheduleTrade)
	r.Get("/scheduled/{tradeID}", s.GetScheduledTrade)
	r.Post("/scheduled/{tradeID}/cancel", s.CancelScheduledTrade)

	r.Get("/wallets/{userID}/{asset}", s.GetBalance)
	r.Get("/wallets/{userID}/{asset}/ledger", s.GetLedger)
	r.Post("/wallets/{userID}/{asset}/deposit", s.Deposit)
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	Asset            string          `json:"asset,omitempty"`
	Direction        model.Direction `json:"direction"`
	Stake            decimal.Decimal `json:"stake"`
	Fee              decimal.Decimal `json:"fee"`
	DurationSeconds  int64           `json:"duration"`
	PayoutRate       decimal.Decimal `json:"payout_rate"`
	FluctuationRange decimal.Decimal `json:"fluctuation_range"`
}

// ScheduleTradeRequest is the JSON body for POST /scheduled.
type ScheduleTradeRequest struct {
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	Asset            string          `json:"asset,omitempty"`
	Direction        model.Direction `json:"direction"`
	Stake            decimal.Decimal `json:"stake"`
	StrikePrice      decimal.Decimal `json:"strike_price"`
	DurationSeconds  int64           `json:"duration"`
	PayoutRate       decimal.Decimal `json:"payout_rate"`
	FluctuationRange decimal.Decimal `json:"fluctuation_range"`
	ScheduledTimeUTC time.Time       `json:"scheduled_time_utc"`
}

// OverrideRequest is the JSON body for POST /orders/{id}/override.
type OverrideRequest struct {
	Outcome model.Outcome `json:"outcome"`
	SetBy   string        `json:"set_by"`
}

// DepositRequest is the JSON body for POST /wallets/{user}/{asset}/deposit.
type DepositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// OrderView is an order with the presentational countdown attached. The
// countdown is for display only; settlement is gated server-side.
type OrderView struct {
	*model.OptionOrder
	RemainingSeconds int64 `json:"remaining_seconds"`
}

func (s *Service) orderView(o *model.OptionOrder) OrderView {
	return OrderView{
		OptionOrder:      o,
		RemainingSeconds: int64(o.Remaining(s.now()) / time.Second),
	}
}

// --- Handlers ---

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.engine.Place(r.Context(), engine.PlaceParams{
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Asset:            req.Asset,
		Direction:        req.Direction,
		Stake:            req.Stake,
		Fee:              req.Fee,
		Duration:         time.Duration(req.DurationSeconds) * time.Second,
		PayoutRate:       req.PayoutRate,
		FluctuationRange: req.FluctuationRange,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.orderView(order))
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orderView(order))
}

// ExpireOrder handles POST /api/v1/orders/{orderID}/expire. This is the
// advisory client trigger; calling it early gets a 425, and calling it on
// a settled order returns the existing result.
func (s *Service) ExpireOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.Expire(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orderView(order))
}

// OverrideOrder handles POST /api/v1/orders/{orderID}/override. The caller
// is an authenticated administrative principal; authentication is enforced
// upstream of this service.
func (s *Service) OverrideOrder(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.engine.SetOverride(r.Context(), chi.URLParam(r, "orderID"), req.Outcome, req.SetBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orderView(order))
}

// ListOrders handles GET /api/v1/users/{userID}/orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.OrdersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, s.orderView(&orders[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// ScheduleTrade handles POST /api/v1/scheduled.
func (s *Service) ScheduleTrade(w http.ResponseWriter, r *http.Request) {
	var req ScheduleTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := s.engine.Schedule(r.Context(), engine.ScheduleParams{
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Asset:            req.Asset,
		Direction:        req.Direction,
		Stake:            req.Stake,
		StrikePrice:      req.StrikePrice,
		Duration:         time.Duration(req.DurationSeconds) * time.Second,
		PayoutRate:       req.PayoutRate,
		FluctuationRange: req.FluctuationRange,
		ScheduledTimeUTC: req.ScheduledTimeUTC,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// GetScheduledTrade handles GET /api/v1/scheduled/{tradeID}.
func (s *Service) GetScheduledTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.engine.ScheduledTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// CancelScheduledTrade handles POST /api/v1/scheduled/{tradeID}/cancel.
func (s *Service) CancelScheduledTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// GetBalance handles GET /api/v1/wallets/{userID}/{asset}.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.wallet.Balance(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "asset"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetLedger handles GET /api/v1/wallets/{userID}/{asset}/ledger with
// ?after=<seq>&limit=<n> cursor paging for audit and reconstruction.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := s.store.LedgerEntries(r.Context(),
		chi.URLParam(r, "userID"), chi.URLParam(r, "asset"), after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Deposit handles POST /api/v1/wallets/{userID}/{asset}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reference == "" {
		writeError(w, "reference is required", http.StatusBadRequest)
		return
	}

	userID := chi.URLParam(r, "userID")
	asset := chi.URLParam(r, "asset")
	if err := s.wallet.Deposit(r.Context(), userID, asset, req.Amount, req.Reference); err != nil {
		writeDomainError(w, err)
		return
	}

	b, err := s.wallet.Balance(r.Context(), userID, asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// --- Error mapping ---

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError

	switch {
	case errors.Is(err, engine.ErrInvalidOrder),
		errors.Is(err, wallet.ErrInvalidAmount):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, oracle.ErrPriceUnavailable):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrNotYetExpired):
		writeError(w, err.Error(), http.StatusTooEarly)
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrConcurrencyConflict),
		errors.Is(err, wallet.ErrInvalidState):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Package trade provides the HTTP handlers that expose the currency market:
// quotes, buy and sell locks, their finalization, the clock and the journal.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/market"
	"github.com/atmx/fx-market/internal/metrics"
	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/reservation"
	"github.com/atmx/fx-market/internal/resource"
	"github.com/atmx/fx-market/internal/store"
	"github.com/atmx/fx-market/internal/token"
)

// Service owns the market and serializes every call into it with a mutex
// (single-instance). The market itself takes no locks.
type Service struct {
	market *market.Market
	store  store.Store
	logger *slog.Logger

	mu   sync.Mutex
	last market.Stats // stats at the previous observation, for counter deltas
}

// NewService creates a new trade service around m. The store serves the
// journal endpoints; the market's notifier is expected to write into it.
func NewService(m *market.Market, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{market: m, store: st, logger: logger}
	s.mu.Lock()
	s.observe()
	s.mu.Unlock()
	return s
}

// --- Request/Response types ---

// ReserveBuyRequest is the JSON body for POST /api/v1/locks/buy.
type ReserveBuyRequest struct {
	Counterparty string          `json:"counterparty"`
	Kind         model.Kind      `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Bid          decimal.Decimal `json:"bid"` // EUR the counterparty will pay
}

// ReserveSellRequest is the JSON body for POST /api/v1/locks/sell.
type ReserveSellRequest struct {
	Counterparty string          `json:"counterparty"`
	Kind         model.Kind      `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Offer        decimal.Decimal `json:"offer"` // EUR the counterparty asks for
}

// TransferRequest is the JSON body for finalization: the payment (buy side)
// or the delivered goods (sell side).
type TransferRequest struct {
	Kind   model.Kind      `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// LockResponse is returned when a lock is reserved.
type LockResponse struct {
	Token    string          `json:"token"`
	Kind     model.Kind      `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Tick     uint64          `json:"tick"`
	Lifetime uint64          `json:"lifetime_ticks"` // ticks the lock stays finalizable
}

// Holding is a resource amount in a response body.
type Holding struct {
	Kind   model.Kind      `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// FinalizeResponse is returned when a lock is finalized. Received is what the
// market hands over; Change is the unspent remainder of the caller's transfer.
type FinalizeResponse struct {
	Token    string  `json:"token"`
	Received Holding `json:"received"`
	Change   Holding `json:"change"`
	Tick     uint64  `json:"tick"`
}

// QuoteResponse is returned from GET /api/v1/quotes/{kind}.
type QuoteResponse struct {
	Kind   model.Kind      `json:"kind"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Tick   uint64          `json:"tick"`
}

// InventoryResponse is returned from GET /api/v1/inventory.
type InventoryResponse struct {
	Tick      uint64                 `json:"tick"`
	Budget    decimal.Decimal        `json:"budget"`
	Inventory []model.InventoryLabel `json:"inventory"`
}

// AuditResponse is returned from GET /api/v1/audit.
type AuditResponse struct {
	Tick     uint64           `json:"tick"`
	Balanced bool             `json:"balanced"`
	Rows     []model.AuditRow `json:"rows"`
	Stats    market.Stats     `json:"stats"`
}

// ClockResponse is returned from POST /api/v1/clock/tick.
type ClockResponse struct {
	Tick  uint64       `json:"tick"`
	Stats market.Stats `json:"stats"`
}

// LockStateResponse is returned from GET /api/v1/locks/{token}.
type LockStateResponse struct {
	Token        string            `json:"token"`
	State        reservation.State `json:"state"`
	Operation    string            `json:"operation,omitempty"`
	Counterparty string            `json:"counterparty,omitempty"`
	CreatedAt    *uint64           `json:"created_at,omitempty"`
}

// ErrorResponse is the JSON body of every failed request. The optional
// fields echo the numbers the market rejected the request with.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Reason    string           `json:"reason,omitempty"`
	Quoted    *decimal.Decimal `json:"quoted,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Required  *decimal.Decimal `json:"required,omitempty"`
}

// --- HTTP Handlers ---

// GetInventory handles GET /api/v1/inventory
func (s *Service) GetInventory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := InventoryResponse{
		Tick:      s.market.Tick(),
		Budget:    s.market.Budget(),
		Inventory: s.market.ListInventory(),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// GetQuote handles GET /api/v1/quotes/{kind}?side=buy|sell&amount=
// Quotes are read-only and do not advance the clock.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.reject(w, "quote", err, http.StatusBadRequest, "unknown_kind")
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		s.reject(w, "quote", errors.New("amount must be a decimal number"), http.StatusBadRequest, "malformed")
		return
	}
	side := r.URL.Query().Get("side")
	if side == "" {
		side = "buy"
	}

	start := time.Now()
	s.mu.Lock()
	var price decimal.Decimal
	switch side {
	case "buy":
		price, err = s.market.QuoteBuy(kind, amount)
	case "sell":
		price, err = s.market.QuoteSell(kind, amount)
	default:
		s.mu.Unlock()
		s.reject(w, "quote", errors.New("side must be buy or sell"), http.StatusBadRequest, "malformed")
		return
	}
	tick := s.market.Tick()
	s.mu.Unlock()
	metrics.OperationLatency.WithLabelValues("quote_" + side).Observe(time.Since(start).Seconds())

	if err != nil {
		s.marketError(w, "quote_"+side, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Kind: kind, Side: side, Amount: amount, Price: price, Tick: tick})
}

// ReserveBuy handles POST /api/v1/locks/buy
func (s *Service) ReserveBuy(w http.ResponseWriter, r *http.Request) {
	var req ReserveBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, "reserve_buy", errors.New("invalid request body"), http.StatusBadRequest, "malformed")
		return
	}

	start := time.Now()
	s.mu.Lock()
	tok, err := s.market.ReserveBuy(req.Kind, req.Amount, req.Bid, req.Counterparty)
	tick := s.market.Tick()
	lifetime := s.market.Config().MaxLockTicks
	s.observe()
	s.mu.Unlock()
	metrics.OperationLatency.WithLabelValues("reserve_buy").Observe(time.Since(start).Seconds())

	if err != nil {
		s.marketError(w, "reserve_buy", err)
		return
	}
	metrics.LocksTotal.WithLabelValues("buy", req.Kind.String()).Inc()

	s.logger.Info("buy lock reserved",
		"token", tok,
		"counterparty", req.Counterparty,
		"kind", req.Kind.String(),
		"amount", req.Amount.String(),
		"bid", req.Bid.String(),
	)

	writeJSON(w, http.StatusCreated, LockResponse{
		Token:    tok,
		Kind:     req.Kind,
		Amount:   req.Amount,
		Price:    req.Bid,
		Tick:     tick,
		Lifetime: lifetime,
	})
}

// FinalizeBuy handles POST /api/v1/locks/buy/{token}
// The body carries the EUR payment; overpayment comes back as change.
func (s *Service) FinalizeBuy(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	payment, ok := s.decodeTransfer(w, r, "finalize_buy")
	if !ok {
		return
	}

	start := time.Now()
	s.mu.Lock()
	goods, err := s.market.FinalizeBuy(tok, payment)
	tick := s.market.Tick()
	s.observe()
	s.mu.Unlock()
	metrics.OperationLatency.WithLabelValues("finalize_buy").Observe(time.Since(start).Seconds())

	if err != nil {
		s.marketError(w, "finalize_buy", err)
		return
	}
	metrics.FinalizationsTotal.WithLabelValues("buy", goods.Kind().String()).Inc()

	s.logger.Info("buy lock finalized",
		"token", tok,
		"kind", goods.Kind().String(),
		"amount", goods.Amount().String(),
		"change", payment.Amount().String(),
	)

	writeJSON(w, http.StatusOK, FinalizeResponse{
		Token:    tok,
		Received: holding(goods),
		Change:   holding(payment),
		Tick:     tick,
	})
}

// ReserveSell handles POST /api/v1/locks/sell
func (s *Service) ReserveSell(w http.ResponseWriter, r *http.Request) {
	var req ReserveSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, "reserve_sell", errors.New("invalid request body"), http.StatusBadRequest, "malformed")
		return
	}

	start := time.Now()
	s.mu.Lock()
	tok, err := s.market.ReserveSell(req.Kind, req.Amount, req.Offer, req.Counterparty)
	tick := s.market.Tick()
	lifetime := s.market.Config().MaxLockTicks
	s.observe()
	s.mu.Unlock()
	metrics.OperationLatency.WithLabelValues("reserve_sell").Observe(time.Since(start).Seconds())

	if err != nil {
		s.marketError(w, "reserve_sell", err)
		return
	}
	metrics.LocksTotal.WithLabelValues("sell", req.Kind.String()).Inc()

	s.logger.Info("sell lock reserved",
		"token", tok,
		"counterparty", req.Counterparty,
		"kind", req.Kind.String(),
		"amount", req.Amount.String(),
		"offer", req.Offer.String(),
	)

	writeJSON(w, http.StatusCreated, LockResponse{
		Token:    tok,
		Kind:     req.Kind,
		Amount:   req.Amount,
		Price:    req.Offer,
		Tick:     tick,
		Lifetime: lifetime,
	})
}

// FinalizeSell handles POST /api/v1/locks/sell/{token}
// The body carries the delivered goods; the pre-funded EUR is returned.
func (s *Service) FinalizeSell(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	delivered, ok := s.decodeTransfer(w, r, "finalize_sell")
	if !ok {
		return
	}

	start := time.Now()
	s.mu.Lock()
	payout, err := s.market.FinalizeSell(tok, delivered)
	tick := s.market.Tick()
	s.observe()
	s.mu.Unlock()
	metrics.OperationLatency.WithLabelValues("finalize_sell").Observe(time.Since(start).Seconds())

	if err != nil {
		s.marketError(w, "finalize_sell", err)
		return
	}
	metrics.FinalizationsTotal.WithLabelValues("sell", delivered.Kind().String()).Inc()

	s.logger.Info("sell lock finalized",
		"token", tok,
		"kind", delivered.Kind().String(),
		"payout", payout.Amount().String(),
		"change", delivered.Amount().String(),
	)

	writeJSON(w, http.StatusOK, FinalizeResponse{
		Token:    tok,
		Received: holding(payout),
		Change:   holding(delivered),
		Tick:     tick,
	})
}

// GetLock handles GET /api/v1/locks/{token}
func (s *Service) GetLock(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "token")

	s.mu.Lock()
	state := s.market.TokenState(raw)
	s.mu.Unlock()

	resp := LockStateResponse{Token: raw, State: state}
	if parsed, err := token.Parse(raw); err == nil {
		resp.Operation = parsed.Operation
		resp.Counterparty = parsed.Counterparty
		resp.CreatedAt = &parsed.Tick
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdvanceClock handles POST /api/v1/clock/tick
func (s *Service) AdvanceClock(w http.ResponseWriter, r *http.Request) {
	tick, stats := s.Tick()
	writeJSON(w, http.StatusOK, ClockResponse{Tick: tick, Stats: stats})
}

// Tick advances the market clock by one idle tick. Called by the idle
// ticker in main and by the clock endpoint.
func (s *Service) Tick() (uint64, market.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.market.AdvanceClock()
	s.observe()
	return s.market.Tick(), s.market.Stats()
}

// GetAudit handles GET /api/v1/audit
// Returns the per-kind conservation table.
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rows := s.market.Audit()
	resp := AuditResponse{Tick: s.market.Tick(), Rows: rows, Stats: s.market.Stats(), Balanced: true}
	s.mu.Unlock()

	for _, row := range rows {
		if !row.Balanced() {
			resp.Balanced = false
			s.logger.Error("conservation violated", "kind", row.Kind.String())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents handles GET /api/v1/events
// Optional filters: ?token=, ?kind=, ?limit= (default 100, 0 for all).
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		events []model.EventRecord
		err    error
	)
	switch {
	case q.Get("token") != "":
		events, err = s.store.GetEventsByToken(ctx, q.Get("token"))
	case q.Get("kind") != "":
		kind, perr := model.ParseKind(q.Get("kind"))
		if perr != nil {
			writeError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		events, err = s.store.ListEventsByKind(ctx, kind, limit)
	default:
		events, err = s.store.ListEvents(ctx, limit)
	}
	if err != nil {
		s.logger.Error("journal query failed", "err", err)
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.EventRecord{}
	}

	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

func (s *Service) decodeTransfer(w http.ResponseWriter, r *http.Request, op string) (*resource.Unit, bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, op, errors.New("invalid request body"), http.StatusBadRequest, "malformed")
		return nil, false
	}
	if !req.Kind.Valid() {
		s.reject(w, op, market.ErrUnknownKind, http.StatusBadRequest, "unknown_kind")
		return nil, false
	}
	unit, err := resource.New(req.Kind, req.Amount)
	if err != nil {
		s.reject(w, op, err, http.StatusBadRequest, "malformed")
		return nil, false
	}
	return unit, true
}

// observe publishes gauges and the counter deltas of work the market did on
// its own (expiries, rebalancing). Callers must hold s.mu.
func (s *Service) observe() {
	stats := s.market.Stats()

	metrics.ClockTick.Set(float64(s.market.Tick()))
	metrics.ActiveLocks.WithLabelValues("buy").Set(float64(stats.ActiveBuys))
	metrics.ActiveLocks.WithLabelValues("sell").Set(float64(stats.ActiveSells))
	for _, label := range s.market.ListInventory() {
		kind := label.Kind.String()
		metrics.HeldQuantity.WithLabelValues(kind).Set(label.Quantity.InexactFloat64())
		metrics.Rate.WithLabelValues(kind, "buy").Set(label.BuyRate.InexactFloat64())
		metrics.Rate.WithLabelValues(kind, "sell").Set(label.SellRate.InexactFloat64())
	}

	if stats.ExpiredBuys > s.last.ExpiredBuys {
		metrics.ExpirationsTotal.WithLabelValues("buy").Add(float64(stats.ExpiredBuys - s.last.ExpiredBuys))
	}
	if stats.ExpiredSells > s.last.ExpiredSells {
		metrics.ExpirationsTotal.WithLabelValues("sell").Add(float64(stats.ExpiredSells - s.last.ExpiredSells))
	}
	if stats.Rebalances > s.last.Rebalances {
		metrics.RebalancesTotal.Add(float64(stats.Rebalances - s.last.Rebalances))
	}
	s.last = stats
}

// errorStatus maps market failures onto HTTP statuses. Order matters only for
// errors wrapping more than one sentinel.
var errorStatus = []struct {
	err    error
	status int
	reason string
}{
	{market.ErrInvalidCounterparty, http.StatusBadRequest, "invalid_counterparty"},
	{market.ErrUnknownKind, http.StatusBadRequest, "unknown_kind"},
	{market.ErrNonPositiveQuantity, http.StatusBadRequest, "non_positive_quantity"},
	{market.ErrNonPositiveBid, http.StatusBadRequest, "non_positive_bid"},
	{market.ErrNonPositiveOffer, http.StatusBadRequest, "non_positive_offer"},
	{market.ErrInsufficientAvailable, http.StatusConflict, "insufficient_available"},
	{market.ErrMaxLocksReached, http.StatusConflict, "max_locks_reached"},
	{market.ErrBidTooLow, http.StatusConflict, "bid_too_low"},
	{market.ErrOfferTooHigh, http.StatusConflict, "offer_too_high"},
	{market.ErrUnrecognizedToken, http.StatusNotFound, "unrecognized_token"},
	{market.ErrExpiredToken, http.StatusGone, "expired_token"},
	{market.ErrWrongPaymentKind, http.StatusUnprocessableEntity, "wrong_payment_kind"},
	{market.ErrInsufficientPayment, http.StatusUnprocessableEntity, "insufficient_payment"},
	{market.ErrInsufficientAmount, http.StatusUnprocessableEntity, "insufficient_amount"},
	{market.ErrWrongKind, http.StatusBadRequest, "wrong_kind"},
}

func (s *Service) marketError(w http.ResponseWriter, op string, err error) {
	status, reason := http.StatusInternalServerError, "internal"
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			status, reason = e.status, e.reason
			break
		}
	}
	// A delivery of the wrong kind is a mismatch against the lock, not bad input.
	if reason == "wrong_kind" && (op == "finalize_buy" || op == "finalize_sell") {
		status = http.StatusUnprocessableEntity
	}

	resp := ErrorResponse{Error: err.Error(), Reason: reason}
	var availErr *market.AvailabilityError
	var priceErr *market.PriceError
	var qtyErr *market.QuantityError
	switch {
	case errors.As(err, &availErr):
		resp.Available = &availErr.Available
	case errors.As(err, &priceErr):
		resp.Quoted = &priceErr.Quoted
	case errors.As(err, &qtyErr):
		resp.Required = &qtyErr.Required
	}

	metrics.RejectionsTotal.WithLabelValues(op, reason).Inc()
	s.logger.Warn("market operation rejected", "op", op, "reason", reason, "err", err)
	writeJSON(w, status, resp)
}

func (s *Service) reject(w http.ResponseWriter, op string, err error, status int, reason string) {
	metrics.RejectionsTotal.WithLabelValues(op, reason).Inc()
	s.logger.Warn("request rejected", "op", op, "reason", reason, "err", err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Reason: reason})
}

func holding(u *resource.Unit) Holding {
	return Holding{Kind: u.Kind(), Amount: u.Amount()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

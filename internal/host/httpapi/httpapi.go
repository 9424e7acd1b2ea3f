// Package httpapi exposes the engine's two mutating operations and its
// read-only state/health surface over HTTP, grounded in trade.Service's
// handler style: decode JSON body, validate, call into the domain,
// encode JSON response, writeError on failure.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/outcome-engine/internal/engine"
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/host/metrics"
	"github.com/atmx/outcome-engine/internal/host/positions"
	"github.com/atmx/outcome-engine/internal/host/realtime"
	"github.com/atmx/outcome-engine/internal/host/store"
	"github.com/atmx/outcome-engine/internal/market"
	"github.com/atmx/outcome-engine/internal/resolution"
)

// wireOrder and wireFill are the human-facing HTTP wire forms. Unlike
// enginestate's canonical raw-scaled-integer encoding (spec §6, used
// for state snapshots and persistence), amounts here travel as
// shopspring/decimal values — the same boundary conversion
// trade.TradeRequest/TradeResponse did, keeping decimal.Decimal at the
// edges and fixedpoint.Num everywhere the core touches a value.

func toDecimal(n fixedpoint.Num) decimal.Decimal {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toAmount(d decimal.Decimal) (fixedpoint.Num, error) {
	n, err := fixedpoint.FromString(d.String())
	if err != nil {
		return fixedpoint.Num{}, err
	}
	return n.Round(fixedpoint.AmountScale), nil
}

func toPrice(d decimal.Decimal) (fixedpoint.Num, error) {
	n, err := fixedpoint.FromString(d.String())
	if err != nil {
		return fixedpoint.Num{}, err
	}
	return n.Round(fixedpoint.PriceScale), nil
}

type wireSide string

func sideToWire(s enginestate.Side) wireSide { return wireSide(s.String()) }

func wireToSide(w wireSide) (enginestate.Side, error) {
	switch w {
	case "YES":
		return enginestate.Yes, nil
	case "NO":
		return enginestate.No, nil
	default:
		return 0, fmt.Errorf("unknown side %q", w)
	}
}

type wireOrder struct {
	OrderID      string          `json:"order_id"`
	UserID       string          `json:"user_id"`
	OutcomeIndex int             `json:"outcome_index"`
	Side         wireSide        `json:"side"`
	Kind         string          `json:"kind"` // "MARKET" or "LIMIT"
	IsBuy        bool            `json:"is_buy"`
	Size         decimal.Decimal `json:"size"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	MaxSlippage  *decimal.Decimal `json:"max_slippage,omitempty"`
	AFOptIn      bool            `json:"af_opt_in"`
	TsMs         int64           `json:"ts_ms"`
}

func (w wireOrder) toOrder() (market.Order, error) {
	side, err := wireToSide(w.Side)
	if err != nil {
		return market.Order{}, err
	}
	var kind market.OrderKind
	switch w.Kind {
	case "MARKET":
		kind = market.Market
	case "LIMIT":
		kind = market.Limit
	default:
		return market.Order{}, fmt.Errorf("unknown order kind %q", w.Kind)
	}
	size, err := toAmount(w.Size)
	if err != nil {
		return market.Order{}, err
	}
	var limitPrice fixedpoint.Num
	if kind == market.Limit {
		limitPrice, err = toPrice(w.LimitPrice)
		if err != nil {
			return market.Order{}, err
		}
	}
	var maxSlippage *fixedpoint.Num
	if w.MaxSlippage != nil {
		ms, err := toPrice(*w.MaxSlippage)
		if err != nil {
			return market.Order{}, err
		}
		maxSlippage = &ms
	}
	return market.Order{
		OrderID:      w.OrderID,
		UserID:       w.UserID,
		OutcomeIndex: w.OutcomeIndex,
		Side:         side,
		Kind:         kind,
		IsBuy:        w.IsBuy,
		Size:         size,
		LimitPrice:   limitPrice,
		MaxSlippage:  maxSlippage,
		AFOptIn:      w.AFOptIn,
		TsMs:         w.TsMs,
	}, nil
}

type wireFill struct {
	TradeID      string          `json:"trade_id"`
	Buyer        string          `json:"buyer"`
	Seller       string          `json:"seller"`
	OutcomeIndex int             `json:"outcome_index"`
	Side         wireSide        `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Fee          decimal.Decimal `json:"fee"`
	FillType     string          `json:"fill_type"`
	TsMs         int64           `json:"ts_ms"`
}

func fillToWire(f market.Fill) wireFill {
	return wireFill{
		TradeID:      f.TradeID,
		Buyer:        f.Buyer,
		Seller:       f.Seller,
		OutcomeIndex: f.OutcomeIndex,
		Side:         sideToWire(f.Side),
		Price:        toDecimal(f.Price),
		Size:         toDecimal(f.Size),
		Fee:          toDecimal(f.Fee),
		FillType:     f.FillType.String(),
		TsMs:         f.TsMs,
	}
}

// Service wires together the markets a host is running, their
// persistence, their positions ledger, and the realtime hub that
// broadcasts every fill/event to subscribers.
type Service struct {
	Markets map[string]*engine.Market
	Store   store.Store
	Ledger  *positions.Ledger
	Hub     *realtime.Hub
	NowMs   func() int64

	// EnqueueOrder, if set, hands an order to the host's batch
	// scheduler instead of applying it inline — the asynchronous path
	// POST /v1/orders uses. PostBatch remains available for applying a
	// batch synchronously (tests, admin tooling).
	EnqueueOrder func(marketID string, order market.Order) error
}

// Router builds the chi router exposing the engine's HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/v1/health", s.Health)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/v1/ws", s.Hub.HandleWS)

	r.Post("/v1/orders", s.PostOrder)
	r.Post("/v1/batches", s.PostBatch)
	r.Post("/v1/resolutions", s.PostResolution)
	r.Get("/v1/state/{marketID}", s.GetState)
	r.Get("/v1/positions/{userID}", s.GetPositions)

	return r
}

// OrderRequest is the JSON body for POST /v1/orders.
type OrderRequest struct {
	MarketID string    `json:"market_id"`
	Order    wireOrder `json:"order"`
}

// PostOrder handles POST /v1/orders — queues one order for the next
// scheduled batch instead of applying it immediately.
func (s *Service) PostOrder(w http.ResponseWriter, r *http.Request) {
	if s.EnqueueOrder == nil {
		writeError(w, "order queuing is not configured on this host", http.StatusNotImplemented)
		return
	}
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, ok := s.Markets[req.MarketID]; !ok {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}
	order, err := req.Order.toOrder()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.EnqueueOrder(req.MarketID, order); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// BatchRequest is the JSON body for POST /v1/batches.
type BatchRequest struct {
	MarketID string      `json:"market_id"`
	Orders   []wireOrder `json:"orders"`
}

// BatchResponse is the JSON body returned from POST /v1/batches.
type BatchResponse struct {
	Fills  []wireFill     `json:"fills"`
	Events []market.Event `json:"events"`
}

// PostBatch handles POST /v1/batches — one apply_orders call.
func (s *Service) PostBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, ok := s.Markets[req.MarketID]
	if !ok {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}

	orders := make([]market.Order, len(req.Orders))
	for i, wo := range req.Orders {
		o, err := wo.toOrder()
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		orders[i] = o
		metrics.OrdersTotal.WithLabelValues(wo.Kind).Inc()
	}

	start := time.Now()
	fills, events, err := m.ApplyOrders(orders, s.NowMs())
	metrics.BatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	for _, f := range fills {
		metrics.FillsTotal.WithLabelValues(f.FillType.String()).Inc()
	}
	surplusCaptured := fixedpoint.Zero()
	for _, ev := range events {
		switch ev.Type {
		case market.EventOrderRejected:
			reason, _ := ev.Payload["reason"].(string)
			metrics.OrdersRejectedTotal.WithLabelValues(reason).Inc()
		case market.EventAutoFill:
			if captured, ok := ev.Payload["captured"].(string); ok {
				if amt, err := fixedpoint.FromString(captured); err == nil {
					surplusCaptured = surplusCaptured.Add(amt)
				}
			}
		}
	}
	if surplusCaptured.IsPositive() {
		capturedF, _ := strconv.ParseFloat(surplusCaptured.String(), 64)
		metrics.AutoFillSurplusCaptured.WithLabelValues(req.MarketID).Add(capturedF)
	}

	s.Ledger.Record(fills)
	s.Hub.Publish(req.MarketID, events)

	ctx := r.Context()
	if blob, serr := enginestate.Serialize(m.Snapshot()); serr == nil {
		if err := s.Store.SaveState(ctx, req.MarketID, blob); err != nil {
			slog.Error("save state after batch failed", "market_id", req.MarketID, "err", err)
		}
	}
	if err := s.Store.AppendEvents(ctx, req.MarketID, events); err != nil {
		slog.Error("append events after batch failed", "market_id", req.MarketID, "err", err)
	}

	slog.Info("batch applied", "market_id", req.MarketID, "orders", len(orders), "fills", len(fills))

	wireFills := make([]wireFill, len(fills))
	for i, f := range fills {
		wireFills[i] = fillToWire(f)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BatchResponse{Fills: wireFills, Events: events})
}

// ResolutionRequest is the JSON body for POST /v1/resolutions.
type ResolutionRequest struct {
	MarketID      string `json:"market_id"`
	Mode          string `json:"mode"` // "intermediate" or "final"
	OutcomeIndex  int    `json:"outcome_index"`
}

// ResolutionResponse is the JSON body returned from POST /v1/resolutions.
type ResolutionResponse struct {
	Payouts map[string]string `json:"payouts"`
	Events  []market.Event    `json:"events"`
}

// PostResolution handles POST /v1/resolutions — one trigger_resolution call.
func (s *Service) PostResolution(w http.ResponseWriter, r *http.Request) {
	var req ResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, ok := s.Markets[req.MarketID]
	if !ok {
		writeError(w, "market not found: "+req.MarketID, http.StatusNotFound)
		return
	}

	var mode resolution.Mode
	switch req.Mode {
	case "intermediate":
		mode = resolution.Mode{Eliminate: []int{req.OutcomeIndex}}
	case "final":
		mode = resolution.Mode{Final: true, Winner: req.OutcomeIndex}
	default:
		writeError(w, "mode must be intermediate or final", http.StatusBadRequest)
		return
	}

	payouts, events, err := m.Resolve(mode, s.Ledger.Lookup, s.NowMs())
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.ResolutionRoundsTotal.WithLabelValues(req.Mode).Inc()

	s.Hub.Publish(req.MarketID, events)

	ctx := r.Context()
	if blob, serr := enginestate.Serialize(m.Snapshot()); serr == nil {
		if err := s.Store.SaveState(ctx, req.MarketID, blob); err != nil {
			slog.Error("save state after resolution failed", "market_id", req.MarketID, "err", err)
		}
	}
	if err := s.Store.AppendEvents(ctx, req.MarketID, events); err != nil {
		slog.Error("append events after resolution failed", "market_id", req.MarketID, "err", err)
	}

	out := make(map[string]string, len(payouts))
	for userID, amt := range payouts {
		out[userID] = amt.String()
	}

	slog.Info("resolution applied", "market_id", req.MarketID, "mode", req.Mode, "payouts", len(out))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ResolutionResponse{Payouts: out, Events: events})
}

// GetState handles GET /v1/state/{marketID} — the canonical serialized form.
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	m, ok := s.Markets[marketID]
	if !ok {
		writeError(w, "market not found: "+marketID, http.StatusNotFound)
		return
	}

	blob, err := enginestate.Serialize(m.Snapshot())
	if err != nil {
		writeError(w, "failed to serialize state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(blob)
}

// PositionEntry is one outstanding token balance in a portfolio response.
type PositionEntry struct {
	OutcomeIndex int    `json:"outcome_index"`
	Side         string `json:"side"`
	Size         string `json:"size"`
}

// GetPositions handles GET /v1/positions/{userID} — every outstanding
// side/outcome position sourced from the fills ledger.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	byOutcome := s.Ledger.UserPositions(userID)
	out := make([]PositionEntry, 0, len(byOutcome))
	for outcome, bySide := range byOutcome {
		for side, amt := range bySide {
			out = append(out, PositionEntry{OutcomeIndex: outcome, Side: side.String(), Size: amt.String()})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Health handles GET /v1/health.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

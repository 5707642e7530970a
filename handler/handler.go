package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"order-fulfillment/checkout"
	"order-fulfillment/inventory"
	"order-fulfillment/metrics"
	"order-fulfillment/model"
	"order-fulfillment/service"
)

// Handler is the HTTP layer that talks to service.Service
type Handler struct {
	svc     service.ServiceInterface
	metrics *metrics.Metrics
}

// NewHandler returns a Handler instance
func NewHandler(s service.ServiceInterface, m *metrics.Metrics) *Handler {
	return &Handler{svc: s, metrics: m}
}

// RegisterRoutes registers all routes on the provided router
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(h.instrument)

	// Products
	r.HandleFunc("/products", h.CreateProduct).Methods("POST")
	r.HandleFunc("/products", h.ListProducts).Methods("GET")
	r.HandleFunc("/products/{id:[0-9]+}", h.GetProduct).Methods("GET")
	r.HandleFunc("/currencies", h.Currencies).Methods("GET")

	// Carts
	r.HandleFunc("/carts", h.CreateCart).Methods("POST")
	r.HandleFunc("/carts", h.CartForOwner).Methods("GET")
	r.HandleFunc("/carts/{id}", h.GetCart).Methods("GET")
	r.HandleFunc("/carts/{id}/items", h.AddToCart).Methods("POST")
	r.HandleFunc("/carts/{id}/items/{product_id:[0-9]+}", h.UpdateCartItem).Methods("PUT")
	r.HandleFunc("/carts/{id}/items/{product_id:[0-9]+}", h.RemoveFromCart).Methods("DELETE")
	r.HandleFunc("/carts/{id}/currency", h.SetCartCurrency).Methods("PUT")
	r.HandleFunc("/carts/{id}/region", h.SetCartRegion).Methods("PUT")

	// Checkout
	r.HandleFunc("/carts/{id}/price", h.PriceCart).Methods("GET")
	r.HandleFunc("/carts/{id}/checkout", h.Checkout).Methods("POST")
	r.HandleFunc("/carts/{id}/checkout", h.CheckoutStatus).Methods("GET")

	// Orders
	r.HandleFunc("/orders", h.ListOrders).Methods("GET")
	r.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	r.HandleFunc("/orders/{id}/deliver", h.MarkDelivered).Methods("POST")

	// Inventory
	r.HandleFunc("/inventory/transactions", h.CommitInventory).Methods("POST")
	r.HandleFunc("/inventory/report", h.InventoryReport).Methods("GET")
	r.HandleFunc("/inventory/reconcile", h.Reconcile).Methods("POST")
	r.HandleFunc("/inventory/{product_id:[0-9]+}/history", h.InventoryHistory).Methods("GET")

	// Rates
	r.HandleFunc("/rates", h.SetRate).Methods("POST")
	r.HandleFunc("/rates/convert", h.Convert).Methods("GET")
	r.HandleFunc("/rates/history", h.RateHistory).Methods("GET")

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
}

// --- request / response shapes ---
type createProductReq struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
}

type createCartReq struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency,omitempty"`
	Region   string `json:"region,omitempty"`
}

type cartItemReq struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type setRateReq struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Rate      decimal.Decimal `json:"rate"`
	ValidFrom time.Time       `json:"valid_from"`
	Actor     string          `json:"actor,omitempty"`
}

type checkoutResp struct {
	checkout.Result
	Error string `json:"error,omitempty"`
}

// --- helpers ---
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeErr(w, code, err.Error())
}

// statusFor maps a service error to its HTTP status. The first matching
// sentinel wins, so composite errors list the most specific one first.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, model.ErrCompensationFailed):
		return http.StatusInternalServerError
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, model.ErrEmptyCart),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidTransaction),
		errors.Is(err, model.ErrUnsupportedCurrency):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPaymentDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrCartNotFound),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrProductNotFound),
		errors.Is(err, model.ErrCheckoutNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCartExpired):
		return http.StatusGone
	case errors.Is(err, model.ErrInsufficientStock),
		errors.Is(err, model.ErrCartConsumed),
		errors.Is(err, model.ErrCartConflict),
		errors.Is(err, model.ErrRateOverlap),
		errors.Is(err, model.ErrPriceChanged),
		errors.Is(err, model.ErrCheckoutExists),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrStaleState),
		errors.Is(err, model.ErrOrderNotPaid):
		return http.StatusConflict
	case errors.Is(err, model.ErrPaymentGatewayUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func pathInt(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return n
}

func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if h.metrics != nil {
			h.metrics.Requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			h.metrics.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
		}
		slog.Debug("http request", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
	})
}

// --- Products ---

// CreateProduct handles POST /products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductReq
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.CreateProduct(r.Context(), req.Name, req.Description, req.Price, req.Currency)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListProducts handles GET /products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.ListProducts(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProduct(r.Context(), pathInt(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Currencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Currencies())
}

// --- Carts ---

// CreateCart handles POST /carts
// body: { "owner_id": "...", "currency": "EUR", "region": "DE" }
func (h *Handler) CreateCart(w http.ResponseWriter, r *http.Request) {
	var req createCartReq
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.CreateCart(r.Context(), req.OwnerID, req.Currency, req.Region)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// CartForOwner handles GET /carts?owner_id=...; it creates the cart on first use.
func (h *Handler) CartForOwner(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := h.svc.CartForOwner(r.Context(), q.Get("owner_id"), q.Get("currency"), q.Get("region"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetCart(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AddToCart handles POST /carts/{id}/items
// body: { "product_id": 1, "quantity": 2 }
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req cartItemReq
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.AddToCart(r.Context(), mux.Vars(r)["id"], req.ProductID, req.Quantity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCartItem handles PUT /carts/{id}/items/{product_id}
// body: { "quantity": 3 }; zero removes the line.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemReq
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.UpdateCartItem(r.Context(), mux.Vars(r)["id"], pathInt(r, "product_id"), req.Quantity)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.RemoveFromCart(r.Context(), mux.Vars(r)["id"], pathInt(r, "product_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) SetCartCurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"currency"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.SetCartCurrency(r.Context(), mux.Vars(r)["id"], req.Currency)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) SetCartRegion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region string `json:"region"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.SetCartRegion(r.Context(), mux.Vars(r)["id"], req.Region)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Checkout ---

// PriceCart handles GET /carts/{id}/price?currency=EUR
func (h *Handler) PriceCart(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.PriceCart(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("currency"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Checkout handles POST /carts/{id}/checkout
// body: { "payment_method": "card", "currency": "EUR", "shipping_address": {...} }
// Repeating the call resumes the same session.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if !decode(w, r, &req) {
		return
	}
	req.CartID = mux.Vars(r)["id"]
	res, err := h.svc.Checkout(r.Context(), req)
	if err != nil {
		if res.SessionID == "" {
			writeFailure(w, err)
			return
		}
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			slog.Error("checkout failed", "cart_id", req.CartID, "session_id", res.SessionID, "state", res.Status, "error", err)
		}
		writeJSON(w, code, checkoutResp{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, checkoutResp{Result: res})
}

func (h *Handler) CheckoutStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.CheckoutStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Orders ---

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOrders handles GET /orders?owner_id=...
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListOrders(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.MarkDelivered(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- Inventory ---

// CommitInventory handles POST /inventory/transactions
// body: { "product_id": 1, "type": "purchase", "quantity": 10, "actor": "..." }
func (h *Handler) CommitInventory(w http.ResponseWriter, r *http.Request) {
	var e inventory.Entry
	if !decode(w, r, &e) {
		return
	}
	tx, err := h.svc.CommitInventory(r.Context(), e)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// InventoryHistory handles GET /inventory/{product_id}/history?limit=50
func (h *Handler) InventoryHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeErr(w, http.StatusBadRequest, "limit must be a number")
		return
	}
	txs, err := h.svc.InventoryHistory(r.Context(), pathInt(r, "product_id"), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) InventoryReport(w http.ResponseWriter, r *http.Request) {
	threshold, ok := queryInt(r, "threshold")
	if !ok {
		writeErr(w, http.StatusBadRequest, "threshold must be a number")
		return
	}
	rep, err := h.svc.InventoryReport(r.Context(), threshold)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	drift, err := h.svc.Reconcile(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drift": drift, "consistent": len(drift) == 0})
}

// --- Rates ---

// SetRate handles POST /rates
// body: { "from": "USD", "to": "EUR", "rate": "0.85", "valid_from": "2026-01-01T00:00:00Z" }
func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req setRateReq
	if !decode(w, r, &req) {
		return
	}
	rate, err := h.svc.SetRate(r.Context(), req.From, req.To, req.Rate, req.ValidFrom, req.Actor)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rate)
}

// Convert handles GET /rates/convert?amount=10&from=USD&to=EUR[&at=RFC3339]
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "amount must be a decimal")
		return
	}
	var at time.Time
	if v := q.Get("at"); v != "" {
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			writeErr(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
	}
	out, err := h.svc.Convert(r.Context(), amount, q.Get("from"), q.Get("to"), at)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"amount": out, "currency": q.Get("to")})
}

func (h *Handler) RateHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rates, err := h.svc.RateHistory(r.Context(), q.Get("from"), q.Get("to"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

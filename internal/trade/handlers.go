package trade

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/osucapital/market-engine/internal/model"
	"github.com/osucapital/market-engine/internal/refresh"
)

// Admin is the refresh surface exposed on the internal routes.
// *refresh.Service implements it.
type Admin interface {
	Refresh(ctx context.Context, id int64) (*refresh.Result, error)
	RefreshStale(ctx context.Context, window time.Duration, limit int) (refresh.BatchReport, error)
}

// Handler serves the public and internal HTTP API.
type Handler struct {
	engine        *Engine
	admin         Admin
	internalToken string
}

// NewHandler creates the HTTP handler. Internal routes are only mounted
// when internalToken is non-empty.
func NewHandler(engine *Engine, admin Admin, internalToken string) *Handler {
	return &Handler{engine: engine, admin: admin, internalToken: internalToken}
}

// Routes registers the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.maintenance)
		r.Get("/stocks", h.ListStocks)
		r.Route("/stocks/{stockID}", func(r chi.Router) {
			r.Get("/", h.GetStock)
			r.Get("/price", h.GetPrice)
			r.Get("/trades", h.GetRecentTrades)
			r.Get("/history", h.GetPriceHistory)
			r.Get("/sell-preview", h.PreviewSell)
			r.Post("/trade", h.ExecuteTrade)
			r.Post("/sell-all", h.SellAllDelisted)
		})
		r.Get("/portfolio/{userID}", h.GetPortfolio)
	})

	if h.internalToken != "" {
		r.Route("/internal", func(r chi.Router) {
			r.Use(h.requireToken)
			r.Post("/stocks/{stockID}/refresh", h.RefreshStock)
			r.Put("/stocks/{stockID}/prevent-trades", h.SetPreventTrades)
			r.Post("/users/{userID}", h.RegisterUser)
			r.Post("/refresh-stale", h.RefreshStale)
		})
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /stocks/{stockID}/trade.
type TradeRequest struct {
	UserID         int64           `json:"user_id"`
	Type           string          `json:"type"`       // "buy" or "sell"
	Shares         decimal.Decimal `json:"shares"`     // ≤ 2 decimal places
	SeenPrice      decimal.Decimal `json:"seen_price"` // price shown to the user
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SellAllRequest is the JSON body for POST /stocks/{stockID}/sell-all.
type SellAllRequest struct {
	UserID         int64  `json:"user_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PriceResponse is the JSON body returned from GET /stocks/{stockID}/price.
type PriceResponse struct {
	StockID     int64               `json:"stock_id"`
	SharePrice  decimal.NullDecimal `json:"share_price"`
	IsBuyable   bool                `json:"is_buyable"`
	IsSellable  bool                `json:"is_sellable"`
	IsBanned    bool                `json:"is_banned"`
	LastUpdated time.Time           `json:"last_updated"`
}

// PreventTradesRequest is the JSON body for the trading lock toggle.
type PreventTradesRequest struct {
	PreventTrades bool `json:"prevent_trades"`
}

// --- Public handlers ---

// ListStocks handles GET /api/v1/stocks
func (h *Handler) ListStocks(w http.ResponseWriter, r *http.Request) {
	stocks, err := h.engine.ListStocks(r.Context())
	if err != nil {
		writeError(w, "failed to list stocks", http.StatusInternalServerError)
		return
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}

	// Optional filter: ?listed=true hides delisted stocks.
	if r.URL.Query().Get("listed") == "true" {
		listed := []model.Stock{}
		for _, st := range stocks {
			if st.SharePrice.Valid {
				listed = append(listed, st)
			}
		}
		stocks = listed
	}

	writeJSON(w, http.StatusOK, stocks)
}

// GetStock handles GET /api/v1/stocks/{stockID}
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}

	st, err := h.engine.Stock(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetPrice handles GET /api/v1/stocks/{stockID}/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}

	st, err := h.engine.Stock(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		StockID:     st.StockID,
		SharePrice:  st.SharePrice,
		IsBuyable:   st.IsBuyable && !st.PreventTrades,
		IsSellable:  st.IsSellable && !st.PreventTrades,
		IsBanned:    st.IsBanned,
		LastUpdated: st.LastUpdated,
	})
}

// GetRecentTrades handles GET /api/v1/stocks/{stockID}/trades
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}

	trades, err := h.engine.RecentTrades(r.Context(), id)
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPriceHistory handles GET /api/v1/stocks/{stockID}/history
// Optional ?days=N limits the range (default 30).
func (h *Handler) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "days must be a positive integer", http.StatusBadRequest)
			return
		}
		days = n
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	points, err := h.engine.PriceHistory(r.Context(), id, since)
	if err != nil {
		writeError(w, "failed to load price history", http.StatusInternalServerError)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// PreviewSell handles GET /api/v1/stocks/{stockID}/sell-preview?user_id=&shares=
func (h *Handler) PreviewSell(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	shares, err := decimal.NewFromString(q.Get("shares"))
	if err != nil {
		writeError(w, "shares must be a decimal", http.StatusBadRequest)
		return
	}

	alloc, err := h.engine.PreviewSell(r.Context(), userID, id, shares, decimal.Zero)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// ExecuteTrade handles POST /api/v1/stocks/{stockID}/trade
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.engine.ExecuteTrade(r.Context(), Order{
		UserID:         req.UserID,
		StockID:        id,
		Type:           model.TradeType(strings.ToLower(req.Type)),
		Shares:         req.Shares,
		SeenPrice:      req.SeenPrice,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// SellAllDelisted handles POST /api/v1/stocks/{stockID}/sell-all
func (h *Handler) SellAllDelisted(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}
	var req SellAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.engine.SellAllDelisted(r.Context(), req.UserID, id, req.IdempotencyKey)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}

	p, err := h.engine.Portfolio(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Internal handlers ---

// RefreshStock handles POST /api/v1/internal/stocks/{stockID}/refresh
func (h *Handler) RefreshStock(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}

	res, err := h.admin.Refresh(r.Context(), id)
	if err != nil {
		err = translate(err)
		status := StatusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		writeError(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetPreventTrades handles PUT /api/v1/internal/stocks/{stockID}/prevent-trades
func (h *Handler) SetPreventTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "stockID")
	if !ok {
		return
	}
	var req PreventTradesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st, err := h.engine.SetPreventTrades(r.Context(), id, req.PreventTrades)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RegisterUser handles POST /api/v1/internal/users/{userID}
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(w, r, "userID")
	if !ok {
		return
	}

	u, err := h.engine.RegisterUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to register user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// RefreshStale handles POST /api/v1/internal/refresh-stale
// Optional ?limit=N caps the batch.
func (h *Handler) RefreshStale(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rep, err := h.admin.RefreshStale(r.Context(), 0, limit)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.internalToken)) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maintenance answers 503 on the public routes while the market is down.
func (h *Handler) maintenance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.engine.Maintenance() {
			writeEngineError(w, ErrMaintenance)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeEngineError hides dependency failures behind their sentinel message.
func writeEngineError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusBadGateway:
		msg = ErrPriceUnavailable.Error()
	case status == http.StatusServiceUnavailable:
		msg = ErrMaintenance.Error()
	case status >= http.StatusInternalServerError:
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
	"github.com/rl1809/sale-fulfillment/internal/core/service"
)

const (
	storeHeader       = "X-Store-ID"
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	orders       *service.FulfillmentService
	catalog      *service.CatalogService
	health       Pinger
	defaultStore string
	logger       *zap.Logger
}

type SubmitOrderHTTPRequest struct {
	CustomerRef string                  `json:"customerRef"`
	Items       []domain.SubmissionItem `json:"items"`
}

type ErrorHTTPResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type InsufficientStockHTTPResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProductID string `json:"productId"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func NewHTTPHandler(
	orders *service.FulfillmentService,
	catalog *service.CatalogService,
	health Pinger,
	defaultStore string,
	logger *zap.Logger,
) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		orders:       orders,
		catalog:      catalog,
		health:       health,
		defaultStore: defaultStore,
		logger:       logger,
	}
}

// Routes mounts the API on a chi router. CORS headers are sent only when allowedOrigins
// is non-empty.
func (h *HTTPHandler) Routes(requestTimeout time.Duration, allowedOrigins ...string) http.Handler {
	r := chi.NewRouter()
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", storeHeader, idempotencyHeader},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Get("/health", h.HealthCheck)

	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.ListProducts)
		r.Post("/", h.CreateProduct)
		r.Get("/{id}", h.GetProduct)
		r.Put("/{id}", h.UpdateProduct)
		r.Delete("/{id}", h.DeactivateProduct)
	})

	r.Route("/sales", func(r chi.Router) {
		r.Post("/", h.SubmitOrder)
		r.Get("/{id}", h.GetOrder)
	})

	return r
}

func (h *HTTPHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.orders.SubmitOrder(r.Context(), domain.Submission{
		StoreID:        h.storeID(r),
		CustomerRef:    req.CustomerRef,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
		Items:          req.Items,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), h.storeID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context(), h.storeID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if products == nil {
		products = []domain.Product{}
	}

	writeJSON(w, http.StatusOK, products)
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetProduct(r.Context(), h.storeID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var in domain.ProductInput
	if !h.decode(w, r, &in) {
		return
	}

	p, err := h.catalog.CreateProduct(r.Context(), h.storeID(r), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

func (h *HTTPHandler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var patch domain.ProductPatch
	if !h.decode(w, r, &patch) {
		return
	}

	p, err := h.catalog.UpdateProduct(r.Context(), h.storeID(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) DeactivateProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.DeactivateProduct(r.Context(), h.storeID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) storeID(r *http.Request) string {
	if id := r.Header.Get(storeHeader); id != "" {
		return id
	}
	return h.defaultStore
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorHTTPResponse{
				Error:   "payload_too_large",
				Message: "request body too large",
			})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{
			Error:   "invalid_request",
			Message: "invalid request body",
		})
		return false
	}
	return true
}

// writeError maps err onto a status. Internal failures are logged and hidden.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var shortage *domain.InsufficientStockError
	if errors.As(err, &shortage) {
		writeJSON(w, http.StatusConflict, InsufficientStockHTTPResponse{
			Error:     "insufficient_stock",
			Message:   shortage.Error(),
			ProductID: shortage.ProductID,
			Available: shortage.Available,
			Requested: shortage.Requested,
		})
		return
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInvalidInput:
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{Error: kind.String(), Message: err.Error()})
	case domain.KindNotFound:
		writeJSON(w, http.StatusNotFound, ErrorHTTPResponse{Error: kind.String(), Message: err.Error()})
	case domain.KindConflict:
		writeJSON(w, http.StatusConflict, ErrorHTTPResponse{Error: kind.String(), Message: err.Error()})
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorHTTPResponse{
			Error:   kind.String(),
			Message: "internal error",
		})
	}
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package httpsvc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/cart"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/session"
)

const (
	// HeaderSessionID передаёт идентификатор сессии корзины в обе стороны.
	HeaderSessionID = "X-Session-ID"
	// HeaderIdempotencyKey — необязательный ключ для POST /checkout.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotencyReplayed выставляется, если ответ взят из хранилища ключей.
	HeaderIdempotencyReplayed = "Idempotency-Replayed"

	defaultRequestTimeout = 15 * time.Second
	maxBodyBytes          = 1 << 20
)

// HandlerOptions задаёт параметры Handler.
type HandlerOptions struct {
	Logger  *log.Entry
	Guard   *idempotency.Guard
	Timeout time.Duration
}

// Option настраивает Handler.
type Option func(*HandlerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *HandlerOptions) {
		opts.Logger = logger
	}
}

// WithIdempotencyGuard включает обработку Idempotency-Key для checkout.
// Без guard заголовок игнорируется.
func WithIdempotencyGuard(guard *idempotency.Guard) Option {
	return func(opts *HandlerOptions) {
		opts.Guard = guard
	}
}

// WithTimeout ограничивает время обращения к backend в рамках одного запроса.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *HandlerOptions) {
		opts.Timeout = timeout
	}
}

// Handler — HTTP API витрины поверх корзин сессий.
type Handler struct {
	sessions *session.Registry
	catalog  domain.Catalog
	guard    *idempotency.Guard
	logger   *log.Entry
	timeout  time.Duration
}

func NewHandler(sessions *session.Registry, catalog domain.Catalog, options ...Option) *Handler {
	opts := HandlerOptions{Timeout: defaultRequestTimeout}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "storefront-http")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}

	return &Handler{
		sessions: sessions,
		catalog:  catalog,
		guard:    opts.Guard,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
	}
}

// Mount регистрирует маршруты /api/v1.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/discounts", h.ListDiscounts)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.EmptyCart)
			r.Post("/items", h.AddItem)
			r.Patch("/items/{productID}", h.UpdateQuantity)
			r.Delete("/items/{productID}", h.RemoveItem)
			r.Put("/discount", h.ApplyDiscount)
			r.Delete("/discount", h.RemoveDiscount)
		})

		r.Post("/checkout", h.Checkout)
	})
}

type AddItemRequestDTO struct {
	ProductID string `json:"product_id"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity"`
}

type ApplyDiscountRequestDTO struct {
	Code string `json:"code"`
}

type CheckoutResponseDTO struct {
	OrderID string `json:"order_id"`
}

// ErrorResponse — тело ответа с ошибкой.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// GET /api/v1/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	products, err := h.catalog.ListProducts(ctx)
	if err != nil {
		h.respondFailure(w, "list products", err)
		return
	}
	respondJSON(w, http.StatusOK, toProductDTOs(products, engine.Snapshot().Lines))
}

// GET /api/v1/discounts
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.session(w, r); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	discounts, err := h.catalog.ListDiscounts(ctx)
	if err != nil {
		h.respondFailure(w, "list discounts", err)
		return
	}
	if discounts == nil {
		discounts = []domain.Discount{}
	}
	respondJSON(w, http.StatusOK, discounts)
}

// GET /api/v1/cart
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// POST /api/v1/cart/items
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}

	var req AddItemRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "product_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	products, err := h.catalog.ListProducts(ctx)
	if err != nil {
		h.respondFailure(w, "list products", err)
		return
	}
	product, found := domain.FindProduct(products, req.ProductID)
	if !found {
		respondError(w, http.StatusNotFound, "NOT_FOUND", domain.ErrProductNotFound.Error())
		return
	}

	engine.AddItem(ctx, product)
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// PATCH /api/v1/cart/items/{productID}
func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}

	var req UpdateQuantityRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}
	// пустое или неположительное значение из поля ввода трактуется как 1
	quantity := 1
	if req.Quantity != nil && *req.Quantity > 0 {
		quantity = *req.Quantity
	}

	engine.UpdateQuantity(chi.URLParam(r, "productID"), quantity)
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// DELETE /api/v1/cart/items/{productID}
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}
	engine.RemoveItem(chi.URLParam(r, "productID"))
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// DELETE /api/v1/cart
func (h *Handler) EmptyCart(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}
	engine.Empty()
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// PUT /api/v1/cart/discount
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}

	var req ApplyDiscountRequestDTO
	if !decodeBody(w, r, &req) {
		return
	}
	code := strings.TrimSpace(req.Code)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	discounts, err := h.catalog.ListDiscounts(ctx)
	if err != nil {
		h.respondFailure(w, "list discounts", err)
		return
	}
	engine.SetDiscounts(discounts)

	if _, found := domain.FindDiscount(discounts, code); !found {
		respondError(w, http.StatusUnprocessableEntity, "INVALID_COUPON", "invalid coupon code")
		return
	}

	engine.ApplyDiscountCode(code)
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// DELETE /api/v1/cart/discount
func (h *Handler) RemoveDiscount(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}
	engine.ApplyDiscountCode("")
	respondJSON(w, http.StatusOK, toCartDTO(engine))
}

// POST /api/v1/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	engine, ok := h.session(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "failed to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	place := func() idempotency.Response {
		orderID, err := engine.PlaceOrder(ctx)
		if err != nil {
			status, code := errorStatus(err)
			h.logger.WithError(err).WithField("session_id", engine.SessionID()).Warn("checkout failed")
			return encodeResponse(status, ErrorResponse{Error: err.Error(), Code: code})
		}
		return encodeResponse(http.StatusCreated, CheckoutResponseDTO{OrderID: orderID})
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" || h.guard == nil {
		writeResponse(w, place())
		return
	}

	hash := idempotency.RequestHash(r.Method+" "+r.URL.Path+" "+engine.SessionID(), body)
	resp, err := h.guard.Do(key, hash, place)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrIdempotencyHashMismatch):
			respondError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_MISMATCH", err.Error())
		case errors.Is(err, idempotency.ErrRequestInProgress):
			respondError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", err.Error())
		default:
			h.logger.WithError(err).WithField("idempotency_key", key).Error("idempotency guard failed")
			respondError(w, http.StatusInternalServerError, "INTERNAL", "failed to process idempotency key")
		}
		return
	}
	if resp.Replayed {
		w.Header().Set(HeaderIdempotencyReplayed, "true")
	}
	writeResponse(w, resp)
}

// session находит корзину по X-Session-ID или открывает новую сессию.
// Идентификатор всегда возвращается в ответе.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*cart.Engine, bool) {
	var (
		sessionID = strings.TrimSpace(r.Header.Get(HeaderSessionID))
		engine    *cart.Engine
		err       error
	)
	if sessionID == "" {
		sessionID, engine, err = h.sessions.New(r.Context())
	} else {
		engine, err = h.sessions.Open(r.Context(), sessionID)
	}
	if err != nil {
		status, code := errorStatus(err)
		h.logger.WithError(err).Warn("failed to open cart session")
		respondError(w, status, code, err.Error())
		return nil, false
	}

	w.Header().Set(HeaderSessionID, sessionID)
	return engine, true
}

func (h *Handler) respondFailure(w http.ResponseWriter, op string, err error) {
	status, code := errorStatus(err)
	h.logger.WithError(err).WithField("op", op).Warn("storefront request failed")
	respondError(w, status, code, err.Error())
}

// errorStatus переводит доменные ошибки в HTTP-статус и код ответа.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrCartEmpty):
		return http.StatusConflict, "CART_EMPTY"
	case errors.Is(err, domain.ErrCartNotBound):
		return http.StatusConflict, "CART_NOT_BOUND"
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrSessionRequired):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"
	case domain.IsRequestFailure(err):
		return http.StatusBadGateway, "UPSTREAM_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return false
	}
	return true
}

func encodeResponse(status int, data any) idempotency.Response {
	body, err := json.Marshal(data)
	if err != nil {
		body, _ = json.Marshal(ErrorResponse{Error: "failed to encode response", Code: "INTERNAL"})
		status = http.StatusInternalServerError
	}
	return idempotency.Response{Status: status, Body: body}
}

func writeResponse(w http.ResponseWriter, resp idempotency.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/rl1809/cart-reservation/internal/core/domain"
	"github.com/rl1809/cart-reservation/internal/core/service"
)

type CartService interface {
	AddOrAdjustItem(ctx context.Context, userID, productID int64, quantityDelta int) (*service.MutationResult, error)
	Checkout(ctx context.Context, cartID int64) (*service.CheckoutResult, error)
	GetCartByUserID(ctx context.Context, userID int64) (*domain.CartView, error)
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type HTTPHandler struct {
	cartService CartService
	logger      zerolog.Logger
}

type ItemHTTPRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type HTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type CheckoutHTTPData struct {
	CartID    int64                   `json:"cartId"`
	Revision  int64                   `json:"revision"`
	Reserved  map[int64]int           `json:"reserved"`
	Shortages []domain.ShortageNotice `json:"shortages"`
	Replayed  bool                    `json:"replayed"`
}

type StockHTTPData struct {
	ProductID         int64 `json:"productId"`
	Requested         int   `json:"requested"`
	AvailableQuantity int   `json:"availableQuantity"`
}

func NewHTTPHandler(cartService CartService, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{cartService: cartService, logger: logger}
}

// Register mounts the API routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)
	mux.HandleFunc("GET /api/carts/{userId}", h.GetCart)
	mux.HandleFunc("POST /api/carts/{userId}/items", h.AddItem)
	mux.HandleFunc("DELETE /api/carts/{userId}/items", h.RemoveItem)
	mux.HandleFunc("POST /api/carts/id/{cartId}/checkout", h.Checkout)
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	h.adjustItem(w, r, 1)
}

func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	h.adjustItem(w, r, -1)
}

func (h *HTTPHandler) adjustItem(w http.ResponseWriter, r *http.Request, sign int) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	var req ItemHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	if req.ProductID <= 0 || req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Success: false,
			Message: "productId and a positive quantity are required",
		})
		return
	}

	res, err := h.cartService.AddOrAdjustItem(r.Context(), userID, req.ProductID, sign*req.Quantity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := HTTPResponse{
		Success: true,
		Message: res.Message(),
		Code:    string(res.Action),
	}
	if res.Cart != nil {
		resp.Data = res.Cart
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	cartID, ok := pathID(w, r, "cartId")
	if !ok {
		return
	}

	res, err := h.cartService.Checkout(r.Context(), cartID)
	if err != nil && res == nil {
		h.writeError(w, r, err)
		return
	}

	data := CheckoutHTTPData{
		CartID:    res.Cart.ID,
		Revision:  res.Cart.Revision,
		Reserved:  res.Reserved,
		Shortages: res.Shortages,
		Replayed:  res.Replayed,
	}
	if err != nil {
		// Reserved, but the events are still owed; the caller should retry.
		h.logger.Warn().Err(err).Int64("cart_id", cartID).Msg("checkout events not delivered")
		writeJSON(w, statusFor(err), HTTPResponse{
			Success: false,
			Message: errorMessage(err),
			Code:    service.KindOf(err).String(),
			Data:    data,
		})
		return
	}

	writeJSON(w, http.StatusOK, HTTPResponse{
		Success: true,
		Message: res.Message(),
		Data:    data,
	})
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}

	view, err := h.cartService.GetCartByUserID(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Message: "ok", Data: view})
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.cartService.GetProduct(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Message: "ok", Data: p})
}

func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.cartService.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Message: "ok", Data: products})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}

	resp := HTTPResponse{
		Success: false,
		Message: errorMessage(err),
		Code:    service.KindOf(err).String(),
	}
	var stockErr *service.InsufficientStockError
	if errors.As(err, &stockErr) {
		resp.Data = StockHTTPData{
			ProductID:         stockErr.ProductID,
			Requested:         stockErr.Requested,
			AvailableQuantity: stockErr.Available,
		}
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch service.KindOf(err) {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindInsufficientStock:
		return http.StatusConflict
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage hides internal detail from callers.
func errorMessage(err error) string {
	switch service.KindOf(err) {
	case service.KindInternal:
		return "internal error"
	case service.KindConsistency:
		return "inventory consistency fault"
	default:
		return err.Error()
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, HTTPResponse{
			Success: false,
			Message: "invalid " + name,
		})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

package handler

import (
	"context"

	"github.com/rl1809/cart-reservation/internal/core/service"
)

type GRPCHandler struct {
	cartService CartService
}

func NewGRPCHandler(cartService CartService) *GRPCHandler {
	return &GRPCHandler{cartService: cartService}
}

func (h *GRPCHandler) AddItem(ctx context.Context, req *AddItemRequest) (*AddItemResponse, error) {
	res, err := h.cartService.AddOrAdjustItem(ctx, req.UserID, req.ProductID, int(req.QuantityDelta))
	if err != nil {
		return &AddItemResponse{
			Success: false,
			Message: errorMessage(err),
			Code:    service.KindOf(err).String(),
		}, nil
	}

	return &AddItemResponse{
		Success: true,
		Message: res.Message(),
		Action:  string(res.Action),
		Cart:    res.Cart,
	}, nil
}

func (h *GRPCHandler) GetCart(ctx context.Context, req *GetCartRequest) (*GetCartResponse, error) {
	view, err := h.cartService.GetCartByUserID(ctx, req.UserID)
	if err != nil {
		return &GetCartResponse{
			Success: false,
			Message: errorMessage(err),
			Code:    service.KindOf(err).String(),
		}, nil
	}

	return &GetCartResponse{
		Success: true,
		Message: "ok",
		Cart:    view,
	}, nil
}

func (h *GRPCHandler) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	res, err := h.cartService.Checkout(ctx, req.CartID)
	if err != nil && res == nil {
		return &CheckoutResponse{
			Success: false,
			Message: errorMessage(err),
			Code:    service.KindOf(err).String(),
		}, nil
	}

	resp := &CheckoutResponse{
		Success:   err == nil,
		Message:   res.Message(),
		Reserved:  res.Reserved,
		Shortages: res.Shortages,
		Replayed:  res.Replayed,
	}
	if err != nil {
		// Stock is held but the events did not go out.
		resp.Message = errorMessage(err)
		resp.Code = service.KindOf(err).String()
	}
	return resp, nil
}

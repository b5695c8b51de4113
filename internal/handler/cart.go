package handler

import (
	"net/http"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
)

type cartItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  *int  `json:"quantity"`
}

type cartLineResponse struct {
	ProductID int64  `json:"product_id"`
	Title     string `json:"title"`
	ImageURL  string `json:"image_url,omitempty"`
	BasePrice string `json:"base_price"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	LineTotal string `json:"line_total"`
}

type cartResponse struct {
	CartID   int64              `json:"cart_id,omitempty"`
	Identity string             `json:"identity"`
	Status   string             `json:"status"`
	Items    []cartLineResponse `json:"items"`
	Total    string             `json:"total"`
}

type cartLineMutation struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity,omitempty"`
	Message   string `json:"message"`
}

func toCartResponse(s *cart.Snapshot) cartResponse {
	items := make([]cartLineResponse, len(s.Lines))
	for i, l := range s.Lines {
		items[i] = cartLineResponse{
			ProductID: l.ProductID,
			Title:     l.Title,
			ImageURL:  l.ImageURL,
			BasePrice: money(l.BasePrice),
			UnitPrice: money(l.UnitPrice),
			Quantity:  l.Quantity,
			LineTotal: money(l.LineTotal),
		}
	}
	return cartResponse{
		CartID:   s.CartID,
		Identity: s.Identity.String(),
		Status:   string(s.Status),
		Items:    items,
		Total:    money(s.Total),
	}
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.carts.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartResponse(snap))
}

func (h *Handler) addToCart(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cartItemRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProductID <= 0 {
		writeError(w, r, apperr.Validation("product_id is required"))
		return
	}
	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}

	line, err := h.carts.AddLine(r.Context(), id, req.ProductID, qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartLineMutation{
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
		Message:   "added to cart",
	})
}

func (h *Handler) updateCartItem(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cartItemRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProductID <= 0 || req.Quantity == nil {
		writeError(w, r, apperr.Validation("product_id and quantity are required"))
		return
	}

	line, err := h.carts.SetQuantity(r.Context(), id, req.ProductID, *req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartLineMutation{
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
		Message:   "quantity updated",
	})
}

func (h *Handler) removeFromCart(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cartItemRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProductID <= 0 {
		writeError(w, r, apperr.Validation("product_id is required"))
		return
	}

	if err := h.carts.RemoveLine(r.Context(), id, req.ProductID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartLineMutation{
		ProductID: req.ProductID,
		Message:   "removed from cart",
	})
}

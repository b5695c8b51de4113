package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
)

type createDiscountRequest struct {
	Code             string           `json:"code"`
	ProductID        *int64           `json:"product_id"`
	DiscountFactor   *decimal.Decimal `json:"discount_factor"`
	DiscountAmount   *decimal.Decimal `json:"discount_amount"`
	MinSpend         *decimal.Decimal `json:"min_spend"`
	ValidFrom        time.Time        `json:"valid_from"`
	ValidTo          time.Time        `json:"valid_to"`
	UsageLimit       *int             `json:"usage_limit"`
	PerIdentityLimit *int             `json:"per_identity_limit"`
	Description      string           `json:"description"`
}

func (req createDiscountRequest) params() discount.CreateParams {
	minSpend := decimal.Zero
	if req.MinSpend != nil {
		minSpend = *req.MinSpend
	}
	return discount.CreateParams{
		Code:             req.Code,
		ProductID:        req.ProductID,
		Factor:           req.DiscountFactor,
		Amount:           req.DiscountAmount,
		MinSpend:         minSpend,
		ValidFrom:        req.ValidFrom,
		ValidTo:          req.ValidTo,
		UsageLimit:       req.UsageLimit,
		PerIdentityLimit: req.PerIdentityLimit,
		Description:      req.Description,
	}
}

type discountCodeResponse struct {
	ID               int64     `json:"id"`
	Code             string    `json:"code"`
	ProductID        *int64    `json:"product_id"`
	DiscountFactor   *string   `json:"discount_factor,omitempty"`
	DiscountAmount   *string   `json:"discount_amount,omitempty"`
	MinSpend         string    `json:"min_spend"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidTo          time.Time `json:"valid_to"`
	UsageLimit       *int      `json:"usage_limit"`
	PerIdentityLimit *int      `json:"per_identity_limit"`
	UsedCount        int       `json:"used_count"`
	IsActive         bool      `json:"is_active"`
	Description      string    `json:"description,omitempty"`
}

func toDiscountCodeResponse(c *discount.Code) discountCodeResponse {
	resp := discountCodeResponse{
		ID:               c.ID,
		Code:             c.Code,
		ProductID:        c.Scope.Column(),
		MinSpend:         money(c.MinSpend),
		ValidFrom:        c.ValidFrom,
		ValidTo:          c.ValidTo,
		UsageLimit:       c.UsageLimit,
		PerIdentityLimit: c.PerIdentityLimit,
		UsedCount:        c.UsedCount,
		IsActive:         c.IsActive,
		Description:      c.Description,
	}
	factor, amount := c.Reduction.Columns()
	if factor != nil {
		s := factor.String()
		resp.DiscountFactor = &s
	}
	if amount != nil {
		s := money(*amount)
		resp.DiscountAmount = &s
	}
	return resp
}

func (h *Handler) createDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req createDiscountRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.discounts.Create(r.Context(), req.params())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDiscountCodeResponse(c))
}

func (h *Handler) getDiscountCode(w http.ResponseWriter, r *http.Request) {
	c, err := h.discounts.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountCodeResponse(c))
}

func (h *Handler) deactivateDiscountCode(w http.ResponseWriter, r *http.Request) {
	if err := h.discounts.Deactivate(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

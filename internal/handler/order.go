package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

type orderLineResponse struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type orderResponse struct {
	ID             string              `json:"id"`
	Identity       string              `json:"identity"`
	GuestEmail     string              `json:"guest_email,omitempty"`
	OrderDate      time.Time           `json:"order_date"`
	Status         string              `json:"status"`
	Total          string              `json:"total"`
	DiscountAmount *string             `json:"discount_amount,omitempty"`
	Items          []orderLineResponse `json:"items"`
	ShippingInfo   *shippingInfo       `json:"shipping_info,omitempty"`
}

type orderPageResponse struct {
	Orders  []orderResponse `json:"orders"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	PerPage int             `json:"per_page"`
}

type orderStatusResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func toOrderResponse(o *order.Order) orderResponse {
	items := make([]orderLineResponse, len(o.Lines))
	for i, l := range o.Lines {
		items[i] = orderLineResponse{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: money(l.UnitPrice),
			LineTotal: money(l.Total()),
		}
	}
	resp := orderResponse{
		ID:             o.ID,
		Identity:       o.Identity.String(),
		GuestEmail:     o.GuestEmail,
		OrderDate:      o.OrderDate,
		Status:         string(o.Status),
		Total:          money(o.Total),
		DiscountAmount: optMoney(o.DiscountAmount),
		Items:          items,
	}
	if o.Shipping != nil {
		resp.ShippingInfo = &shippingInfo{
			Method:         o.Shipping.Method,
			RecipientName:  o.Shipping.RecipientName,
			RecipientPhone: o.Shipping.RecipientPhone,
			PickupStore:    o.Shipping.PickupStore,
			RecipientEmail: o.Shipping.RecipientEmail,
		}
	}
	return resp
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	perPage, err := queryInt(r, "per_page", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.orders.List(r.Context(), id, page, perPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := orderPageResponse{
		Orders:  make([]orderResponse, len(p.Orders)),
		Total:   p.Total,
		Page:    p.Page,
		PerPage: p.PerPage,
	}
	for i := range p.Orders {
		resp.Orders[i] = toOrderResponse(&p.Orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Get(r.Context(), id, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Cancel(r.Context(), id, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *Handler) setShipping(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req shippingInfo
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.SetShipping(r.Context(), id, chi.URLParam(r, "orderID"), req.domain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// orderStatus serves the cached status lookup. It does not check
// ownership; order IDs are unguessable UUIDs.
func (h *Handler) orderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	st, err := h.orders.Status(r.Context(), orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderStatusResponse{OrderID: orderID, Status: string(st)})
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Status == "" {
		writeError(w, r, apperr.Validation("status is required"))
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "orderID"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

package handler

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// IdempotencyHeader carries the client's checkout idempotency key.
const IdempotencyHeader = "Idempotency-Key"

const checkoutAll = "all"

type checkoutItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type shippingInfo struct {
	Method         string `json:"method"`
	RecipientName  string `json:"recipient_name"`
	RecipientPhone string `json:"recipient_phone"`
	PickupStore    string `json:"pickup_store"`
	RecipientEmail string `json:"recipient_email,omitempty"`
}

func (s shippingInfo) domain() order.Shipping {
	return order.Shipping{
		Method:         s.Method,
		RecipientName:  s.RecipientName,
		RecipientPhone: s.RecipientPhone,
		PickupStore:    s.PickupStore,
		RecipientEmail: s.RecipientEmail,
	}
}

type checkoutRequest struct {
	// Items is either the string "all" or a list of checkoutItem.
	Items        json.RawMessage `json:"items"`
	DiscountCode string          `json:"discount_code"`
	ShippingInfo *shippingInfo   `json:"shipping_info"`
}

func (req checkoutRequest) domain(id identity.Identity) (checkout.Request, error) {
	out := checkout.Request{
		Identity:     id,
		DiscountCode: strings.TrimSpace(req.DiscountCode),
	}
	if req.ShippingInfo != nil {
		sh := req.ShippingInfo.domain()
		out.Shipping = &sh
	}

	raw := bytes.TrimSpace(req.Items)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		// Left empty; rejected by the orchestrator.
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || !strings.EqualFold(s, checkoutAll) {
			return checkout.Request{}, apperr.Validation(`items must be a list or "all"`)
		}
		out.All = true
	default:
		var items []checkoutItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return checkout.Request{}, apperr.Validation(`items must be a list or "all"`)
		}
		out.Items = make([]checkout.Item, len(items))
		for i, it := range items {
			out.Items[i] = checkout.Item{ProductID: it.ProductID, Quantity: it.Quantity}
		}
	}
	return out, nil
}

type checkoutResponse struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	Total          string `json:"total"`
	DiscountAmount string `json:"discount_amount"`
	DiscountCode   string `json:"discount_code,omitempty"`
	Message        string `json:"message"`
	CartCheckedOut bool   `json:"cart_checked_out"`
	// Idempotent is true when the response replays an earlier checkout.
	Idempotent bool `json:"idempotent"`
}

const messageReplayed = "checkout already processed"

func (h *Handler) checkoutCart(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body checkoutRequest
	if err := h.decode(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := body.domain(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.checkoutTimeout)
	defer cancel()

	key, fingerprint := h.idempotencyKey(r, id), requestFingerprint(req)
	if key != "" {
		prev, reserved, err := h.idem.Reserve(ctx, key, fingerprint)
		switch {
		case apperr.KindOf(err) == apperr.KindConflict:
			writeError(w, r, err)
			return
		case err != nil:
			zctx.From(ctx).Warn("Idempotency unavailable, continuing without it", zap.Error(err))
			key = ""
		case !reserved:
			h.replayCheckout(ctx, w, r, id, prev)
			return
		}
	}

	res, err := h.checkout.Checkout(ctx, req)
	if err != nil {
		if key != "" {
			if rerr := h.idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
				zctx.From(ctx).Warn("Idempotency key release failed", zap.Error(rerr))
			}
		}
		writeError(w, r, err)
		return
	}
	if key != "" {
		if cerr := h.idem.Complete(context.WithoutCancel(ctx), key, fingerprint, res.Receipt()); cerr != nil {
			zctx.From(ctx).Warn("Idempotency key completion failed",
				zap.String("order_id", res.OrderID),
				zap.Error(cerr),
			)
		}
	}

	status := order.StatusPending
	if res.Order != nil {
		status = res.Order.Status
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:        res.OrderID,
		Status:         string(status),
		Total:          money(res.Total),
		DiscountAmount: money(res.DiscountAmount),
		DiscountCode:   res.DiscountCode,
		Message:        res.Message,
		CartCheckedOut: res.CartCheckedOut,
	})
}

// idempotencyKey scopes the client key to the identity so that two
// identities can never replay each other's orders.
func (h *Handler) idempotencyKey(r *http.Request, id identity.Identity) string {
	if h.idem == nil {
		return ""
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		return ""
	}
	return id.String() + ":" + key
}

// requestFingerprint identifies the checkout a client asked for,
// independent of JSON layout and item order.
func requestFingerprint(req checkout.Request) string {
	items := slices.Clone(req.Items)
	slices.SortFunc(items, func(a, b checkout.Item) int { return cmp.Compare(a.ProductID, b.ProductID) })

	h := sha256.New()
	fmt.Fprintf(h, "all=%t\ncode=%q\n", req.All, discount.NormalizeCode(req.DiscountCode))
	for _, it := range items {
		fmt.Fprintf(h, "item=%d:%d\n", it.ProductID, it.Quantity)
	}
	if sh := req.Shipping; sh != nil {
		fmt.Fprintf(h, "shipping=%q %q %q %q %q\n",
			sh.Method, sh.RecipientName, sh.RecipientPhone, sh.PickupStore, sh.RecipientEmail)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// replayCheckout answers a retried checkout from its receipt. Status and
// totals are read fresh from the order.
func (h *Handler) replayCheckout(ctx context.Context, w http.ResponseWriter, r *http.Request, id identity.Identity, prev checkout.Receipt) {
	o, err := h.orders.Get(ctx, id, prev.OrderID)
	if err != nil {
		writeError(w, r, errors.Wrap(err, "replay checkout"))
		return
	}
	msg := prev.Message
	if msg == "" {
		msg = messageReplayed
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		OrderID:        o.ID,
		Status:         string(o.Status),
		Total:          money(o.Total),
		DiscountAmount: money(o.DiscountAmount.Decimal),
		DiscountCode:   prev.DiscountCode,
		Message:        msg,
		CartCheckedOut: prev.CartCheckedOut,
		Idempotent:     true,
	})
}

type applyDiscountRequest struct {
	Code string `json:"code"`
}

type applyDiscountResponse struct {
	Accepted        bool    `json:"accepted"`
	Code            string  `json:"code"`
	Reason          string  `json:"reason,omitempty"`
	Message         string  `json:"message"`
	DiscountedTotal *string `json:"discounted_total,omitempty"`
	DiscountAmount  *string `json:"discount_amount,omitempty"`
	Explanation     string  `json:"explanation,omitempty"`
	// WillBeConsumed is false when an existing sale beats the code.
	WillBeConsumed bool `json:"will_be_consumed"`
}

// applyDiscount previews a code against the whole active cart without
// consuming it. A rejection is a successful preview with accepted=false.
func (h *Handler) applyDiscount(w http.ResponseWriter, r *http.Request) {
	id, err := identityParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req applyDiscountRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.Preview(r.Context(), id, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := applyDiscountResponse{
		Accepted: res.Accepted,
		Code:     res.Code,
		Reason:   string(res.Reason),
		Message:  res.Message,
	}
	if res.Accepted {
		total, amount := money(res.DiscountedTotal), money(res.DiscountAmount)
		resp.DiscountedTotal = &total
		resp.DiscountAmount = &amount
		resp.Explanation = res.Explanation
		resp.WillBeConsumed = res.WasConsumed
		if resp.Message == "" {
			resp.Message = "discount code applied"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

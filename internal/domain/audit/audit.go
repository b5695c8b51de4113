// Package audit records who changed what. Recording is best effort: a
// failing sink never fails the operation being audited.
package audit

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

// Action names.
const (
	ActionAdd              = "add"
	ActionUpdate           = "update"
	ActionRemove           = "remove"
	ActionRemoveOnCheckout = "remove_from_cart_on_checkout"
	ActionUpdateOnCheckout = "update_cart_item_on_checkout"
	ActionAddOrderItems    = "add_order_items"
	ActionUse              = "use"
	ActionCartCheckedOut   = "cart_checked_out"
	ActionCheckout         = "checkout"
	ActionCancel           = "cancel"
	ActionUpdateStatus     = "update_status"
	ActionSetShipping      = "set_shipping"
	ActionCreate           = "create"
	ActionDeactivate       = "deactivate"
)

// Target types.
const (
	TargetCartItem     = "cart_item"
	TargetCart         = "cart"
	TargetOrder        = "order"
	TargetDiscountCode = "discount_code"
)

// Entry is one append-only audit record. Actor is zero for system actions.
type Entry struct {
	Actor       identity.Identity
	Action      string
	TargetType  string
	TargetID    string
	Description string
	CreatedAt   time.Time
}

// Sink stores audit entries.
type Sink interface {
	Record(ctx context.Context, entries ...Entry) error
}

// Recorder wraps a Sink and swallows its failures after logging them.
type Recorder struct {
	sink Sink
	now  func() time.Time
}

// NewRecorder creates a Recorder. A nil sink discards everything.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink, now: time.Now}
}

// Record stores entries, stamping CreatedAt when unset.
func (r *Recorder) Record(ctx context.Context, entries ...Entry) {
	if r == nil || r.sink == nil || len(entries) == 0 {
		return
	}
	now := r.now()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}
	if err := r.sink.Record(ctx, entries...); err != nil {
		zctx.From(ctx).Warn("Audit record failed",
			zap.Error(err),
			zap.String("action", entries[0].Action),
			zap.Int("entries", len(entries)),
		)
	}
}

package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusReturned   Status = "returned"
	StatusRefunded   Status = "refunded"
)

// validNext lists the statuses reachable from each status. Cancellation is
// only reachable from pending and paid.
var validNext = map[Status][]Status{
	StatusPending:    {StatusPaid, StatusProcessing, StatusCancelled},
	StatusPaid:       {StatusProcessing, StatusCancelled, StatusRefunded},
	StatusProcessing: {StatusShipped, StatusRefunded},
	StatusShipped:    {StatusDelivered, StatusReturned},
	StatusDelivered:  {StatusReturned, StatusRefunded},
	StatusReturned:   {StatusRefunded},
	StatusCancelled:  {StatusRefunded},
	StatusRefunded:   {},
}

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = apperr.NotFound("order not found")
	// ErrForbidden is returned when an identity touches another identity's order.
	ErrForbidden = apperr.Forbidden("order belongs to another identity")
	// ErrCannotCancel is returned when cancelling outside pending/paid.
	ErrCannotCancel = apperr.Forbidden("order can only be cancelled while pending or paid")
	// ErrShippingExists is returned when a shipping record is already attached.
	ErrShippingExists = apperr.Conflict("shipping info already exists for this order")
	// ErrShippingLocked is returned when the order is past the point where
	// shipping can change.
	ErrShippingLocked = apperr.Forbidden("shipping info can no longer be changed")
)

// UnknownStatusError is returned for status strings outside the lifecycle.
type UnknownStatusError struct {
	Value string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown order status %q", e.Value)
}

// Kind implements apperr.Classifier.
func (e *UnknownStatusError) Kind() apperr.Kind { return apperr.KindValidation }

// SameStatusError is returned when setting the status the order already has.
type SameStatusError struct {
	Status Status
}

func (e *SameStatusError) Error() string {
	return fmt.Sprintf("order is already in status %s", e.Status)
}

// Kind implements apperr.Classifier.
func (e *SameStatusError) Kind() apperr.Kind { return apperr.KindConflict }

// TransitionError is returned for a move the lifecycle does not allow.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change order status from %s to %s", e.From, e.To)
}

// Kind implements apperr.Classifier.
func (e *TransitionError) Kind() apperr.Kind { return apperr.KindForbidden }

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validNext[st]; !ok {
		return "", &UnknownStatusError{Value: s}
	}
	return st, nil
}

// CanTransition reports whether the lifecycle allows moving to next.
func (s Status) CanTransition(next Status) bool {
	for _, n := range validNext[s] {
		if n == next {
			return true
		}
	}
	return false
}

// ShippingEditable reports whether shipping may still be attached.
func (s Status) ShippingEditable() bool {
	switch s {
	case StatusShipped, StatusDelivered, StatusCancelled, StatusReturned, StatusRefunded:
		return false
	default:
		return true
	}
}

// Line is a frozen order line.
type Line struct {
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// Total returns unit price times quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Shipping is the pickup/delivery record attached to an order at most once.
type Shipping struct {
	Method         string
	RecipientName  string
	RecipientPhone string
	PickupStore    string
	RecipientEmail string
}

// Validate checks that every required field is present.
func (s Shipping) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"method", s.Method},
		{"recipient_name", s.RecipientName},
		{"recipient_phone", s.RecipientPhone},
		{"pickup_store", s.PickupStore},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("missing shipping fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// Order is immutable after checkout except for Status and Shipping.
type Order struct {
	ID             string
	Identity       identity.Identity
	GuestEmail     string
	OrderDate      time.Time
	Total          decimal.Decimal
	Status         Status
	DiscountCodeID *int64
	DiscountAmount decimal.NullDecimal
	Lines          []Line
	Shipping       *Shipping
}

// OwnedBy returns ErrForbidden unless id owns the order.
func (o *Order) OwnedBy(id identity.Identity) error {
	if !o.Identity.Equal(id) {
		return ErrForbidden
	}
	return nil
}

// SetStatus moves the order to next following the lifecycle.
func (o *Order) SetStatus(next Status) error {
	if o.Status == next {
		return &SameStatusError{Status: next}
	}
	if !o.Status.CanTransition(next) {
		return &TransitionError{From: o.Status, To: next}
	}
	o.Status = next
	return nil
}

// Cancel moves a pending or paid order to cancelled.
func (o *Order) Cancel() error {
	if o.Status != StatusPending && o.Status != StatusPaid {
		return ErrCannotCancel
	}
	o.Status = StatusCancelled
	return nil
}

// AttachShipping sets the shipping record once, while still editable.
func (o *Order) AttachShipping(s Shipping) error {
	if o.Shipping != nil {
		return ErrShippingExists
	}
	if !o.Status.ShippingEditable() {
		return ErrShippingLocked
	}
	if err := s.Validate(); err != nil {
		return err
	}
	o.Shipping = &s
	return nil
}

// Repository persists orders. Methods called inside txn.Manager.WithinTx
// take part in the transaction.
type Repository interface {
	// Create inserts the order header. Lines are added separately.
	Create(ctx context.Context, o *Order) error
	AddLines(ctx context.Context, orderID string, lines []Line) error
	// Finalize writes total, discount_code_id and discount_amount.
	Finalize(ctx context.Context, o *Order) error
	// SaveShipping inserts the shipping record; ErrShippingExists when one
	// is already stored.
	SaveShipping(ctx context.Context, orderID string, s Shipping) error
	Get(ctx context.Context, id string) (*Order, error)
	// Lock is Get with the order row locked until the transaction ends.
	Lock(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, s Status) error
	// ListByIdentity returns one page, newest first, and the total count.
	ListByIdentity(ctx context.Context, id identity.Identity, limit, offset int) ([]Order, int, error)
}

// Notifier delivers order notifications. Implementations must not block
// and must swallow their own failures.
type Notifier interface {
	OrderCreated(ctx context.Context, o *Order)
	OrderStatusChanged(ctx context.Context, o *Order, from Status)
}

// StatusCache is a read-through cache of order statuses.
type StatusCache interface {
	GetStatus(ctx context.Context, orderID string) (Status, bool, error)
	SetStatus(ctx context.Context, orderID string, s Status) error
}

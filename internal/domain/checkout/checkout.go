// Package checkout turns a subset of an identity's cart into an order inside
// one transaction.
package checkout

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// Stage names a step of one checkout invocation.
type Stage string

const (
	StageValidating   Stage = "validating"
	StagePricing      Stage = "pricing"
	StageOrderCreated Stage = "order_created"
	StageLinesWritten Stage = "lines_written"
	StageCommitted    Stage = "committed"
	StageAborted      Stage = "aborted"
)

// Result messages.
const (
	MessageAll     = "all checkout success"
	MessagePartial = "partial checkout success"
)

var (
	// ErrEmptyRequest is returned when no items were requested.
	ErrEmptyRequest = apperr.Validation("no items to checkout")
	// ErrShippingRequired is returned when shipping info is missing.
	ErrShippingRequired = apperr.Validation("shipping info is required")
	// ErrGuestEmailRequired is returned for guest checkouts without a
	// recipient email.
	ErrGuestEmailRequired = apperr.Validation("recipient email is required for guest checkout")
	// ErrIdentityRequired is returned when no identity was supplied.
	ErrIdentityRequired = apperr.Validation("identity is required")
)

// DuplicateItemError is returned when a product appears twice in a request.
type DuplicateItemError struct {
	ProductID int64
}

func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("product %d requested more than once", e.ProductID)
}

// Kind implements apperr.Classifier.
func (e *DuplicateItemError) Kind() apperr.Kind { return apperr.KindValidation }

// ProductUnavailableError is returned when a requested product no longer
// exists or was deactivated.
type ProductUnavailableError struct {
	ProductID int64
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %d is not available", e.ProductID)
}

// Kind implements apperr.Classifier.
func (e *ProductUnavailableError) Kind() apperr.Kind { return apperr.KindNotFound }

// StageError records the stage at which a checkout aborted.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

func abortAt(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Item is one requested (product, quantity) pair.
type Item struct {
	ProductID int64
	Quantity  int
}

// Request is the checkout input. When All is set, Items is ignored and every
// cart line is checked out with its full quantity.
type Request struct {
	Identity     identity.Identity
	Items        []Item
	All          bool
	DiscountCode string
	Shipping     *order.Shipping
}

// Result is returned after a successful commit.
type Result struct {
	Order          *order.Order
	OrderID        string
	Total          decimal.Decimal
	DiscountAmount decimal.Decimal
	// DiscountCode is the applied code, empty when none was consumed.
	DiscountCode   string
	Message        string
	CartCheckedOut bool
}

// Receipt is the part of a Result that an idempotent retry replays.
type Receipt struct {
	OrderID        string
	DiscountCode   string
	Message        string
	CartCheckedOut bool
}

// Receipt summarises r for replay.
func (r *Result) Receipt() Receipt {
	return Receipt{
		OrderID:        r.OrderID,
		DiscountCode:   r.DiscountCode,
		Message:        r.Message,
		CartCheckedOut: r.CartCheckedOut,
	}
}

func (r Request) validate() error {
	if r.Identity.IsZero() {
		return ErrIdentityRequired
	}
	if !r.All {
		if len(r.Items) == 0 {
			return ErrEmptyRequest
		}
		seen := make(map[int64]struct{}, len(r.Items))
		for _, it := range r.Items {
			if it.Quantity < 1 {
				return apperr.Validation("quantity must be at least 1 for product " + strconv.FormatInt(it.ProductID, 10))
			}
			if _, dup := seen[it.ProductID]; dup {
				return &DuplicateItemError{ProductID: it.ProductID}
			}
			seen[it.ProductID] = struct{}{}
		}
	}
	if r.Shipping == nil {
		return ErrShippingRequired
	}
	if err := r.Shipping.Validate(); err != nil {
		return err
	}
	if r.Identity.IsGuest() && strings.TrimSpace(r.Shipping.RecipientEmail) == "" {
		return ErrGuestEmailRequired
	}
	return nil
}

// Evaluator is the discount evaluation and consumption contract.
type Evaluator interface {
	Evaluate(ctx context.Context, code string, id identity.Identity, lines []discount.Line, now time.Time) (discount.Result, error)
	EvaluateLocked(ctx context.Context, code string, id identity.Identity, lines []discount.Line, now time.Time) (discount.Result, error)
	Consume(ctx context.Context, codeID int64, id identity.Identity, at time.Time) error
}

func wrapStage(err error, msg string) error {
	var se *StageError
	if errors.As(err, &se) {
		return errors.Wrap(err, msg)
	}
	return errors.Wrap(abortAt(StageAborted, err), msg)
}

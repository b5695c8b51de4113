package cart

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

// Status is the cart lifecycle state. Carts never return to active.
type Status string

const (
	StatusActive     Status = "active"
	StatusCheckedOut Status = "checked_out"
)

var (
	// ErrCartNotFound is returned when the identity has no active cart.
	ErrCartNotFound = apperr.NotFound("cart not found")
	// ErrLineNotFound is returned when the product is not in the cart.
	ErrLineNotFound = apperr.NotFound("product not in cart")
	// ErrInvalidQuantity is returned for quantities below one.
	ErrInvalidQuantity = apperr.Validation("quantity must be at least 1")
	// ErrNotActive is returned when mutating a checked-out cart.
	ErrNotActive = apperr.Forbidden("cart is not active")
)

// SameQuantityError signals a set-quantity request that would change nothing.
type SameQuantityError struct {
	ProductID int64
	Quantity  int
}

func (e *SameQuantityError) Error() string {
	return fmt.Sprintf("quantity is already %d", e.Quantity)
}

// Kind implements apperr.Classifier.
func (e *SameQuantityError) Kind() apperr.Kind { return apperr.KindValidation }

// InsufficientQuantityError is returned when checkout asks for more units
// than the cart line holds, or for a product the cart does not contain.
type InsufficientQuantityError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("product %d quantity not enough in cart: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Kind implements apperr.Classifier.
func (e *InsufficientQuantityError) Kind() apperr.Kind { return apperr.KindValidation }

// Line is one product in the cart. Quantity is always at least one.
type Line struct {
	ProductID int64
	Quantity  int
}

// Cart owns its lines by value, keyed by product.
type Cart struct {
	ID        int64
	Identity  identity.Identity
	CreatedAt time.Time
	Status    Status
	Lines     map[int64]Line
}

// New returns an empty active cart for id.
func New(id identity.Identity, now time.Time) *Cart {
	return &Cart{
		Identity:  id,
		CreatedAt: now,
		Status:    StatusActive,
		Lines:     make(map[int64]Line),
	}
}

func (c *Cart) ensureActive() error {
	if c.Status != StatusActive {
		return ErrNotActive
	}
	if c.Lines == nil {
		c.Lines = make(map[int64]Line)
	}
	return nil
}

// Add merges qty into the product's line, creating it when absent.
func (c *Cart) Add(productID int64, qty int) (Line, error) {
	if qty < 1 {
		return Line{}, ErrInvalidQuantity
	}
	if err := c.ensureActive(); err != nil {
		return Line{}, err
	}
	l := c.Lines[productID]
	l.ProductID = productID
	l.Quantity += qty
	c.Lines[productID] = l
	return l, nil
}

// Remove deletes the product's line.
func (c *Cart) Remove(productID int64) error {
	if err := c.ensureActive(); err != nil {
		return err
	}
	if _, ok := c.Lines[productID]; !ok {
		return ErrLineNotFound
	}
	delete(c.Lines, productID)
	return nil
}

// SetQuantity replaces the line's quantity and returns the previous one.
func (c *Cart) SetQuantity(productID int64, qty int) (int, error) {
	if qty < 1 {
		return 0, ErrInvalidQuantity
	}
	if err := c.ensureActive(); err != nil {
		return 0, err
	}
	l, ok := c.Lines[productID]
	if !ok {
		return 0, ErrLineNotFound
	}
	if l.Quantity == qty {
		return 0, &SameQuantityError{ProductID: productID, Quantity: qty}
	}
	old := l.Quantity
	l.Quantity = qty
	c.Lines[productID] = l
	return old, nil
}

// CanTake reports an error when the cart cannot supply qty units.
func (c *Cart) CanTake(productID int64, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	l := c.Lines[productID]
	if l.Quantity < qty {
		return &InsufficientQuantityError{ProductID: productID, Requested: qty, Available: l.Quantity}
	}
	return nil
}

// Take removes qty units of the product. It returns the remaining quantity;
// zero means the line was deleted.
func (c *Cart) Take(productID int64, qty int) (int, error) {
	if err := c.ensureActive(); err != nil {
		return 0, err
	}
	if err := c.CanTake(productID, qty); err != nil {
		return 0, err
	}
	l := c.Lines[productID]
	l.Quantity -= qty
	if l.Quantity == 0 {
		delete(c.Lines, productID)
		return 0, nil
	}
	c.Lines[productID] = l
	return l.Quantity, nil
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool { return len(c.Lines) == 0 }

// CloseIfEmpty moves an empty active cart to checked_out and reports
// whether it did so.
func (c *Cart) CloseIfEmpty() bool {
	if c.Status != StatusActive || !c.IsEmpty() {
		return false
	}
	c.Status = StatusCheckedOut
	return true
}

// SortedLines returns the lines ordered by product id.
func (c *Cart) SortedLines() []Line {
	out := make([]Line, 0, len(c.Lines))
	for _, l := range c.Lines {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Line) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return out
}

// Repository persists carts. Methods called inside txn.Manager.WithinTx
// take part in the transaction.
type Repository interface {
	// GetActive loads the identity's active cart and its lines.
	// Returns ErrCartNotFound when there is none.
	GetActive(ctx context.Context, id identity.Identity) (*Cart, error)
	// LockActive is GetActive with the cart row locked until the
	// transaction ends.
	LockActive(ctx context.Context, id identity.Identity) (*Cart, error)
	// LockOrCreateActive locks the identity's active cart, creating an
	// empty one first when none exists.
	LockOrCreateActive(ctx context.Context, id identity.Identity, now time.Time) (*Cart, error)
	// SaveLine inserts or replaces a line.
	SaveLine(ctx context.Context, cartID int64, l Line) error
	DeleteLine(ctx context.Context, cartID, productID int64) error
	SetStatus(ctx context.Context, cartID int64, s Status) error
}

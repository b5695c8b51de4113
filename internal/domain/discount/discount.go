package discount

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

var (
	// ErrNotFound is returned when a code does not exist.
	ErrNotFound = apperr.NotFound("discount code not found")
	// ErrDuplicateCode is returned when creating a code that already exists.
	ErrDuplicateCode = apperr.Conflict("discount code already exists")
	// ErrReductionRequired is returned when neither or both of factor and
	// amount are supplied.
	ErrReductionRequired = apperr.Validation("exactly one of discount factor or amount is required")
	// ErrInvalidFactor is returned for a percentage factor outside (0,1).
	ErrInvalidFactor = apperr.Validation("discount factor must be between 0 and 1")
	// ErrInvalidAmount is returned for a non-positive fixed amount.
	ErrInvalidAmount = apperr.Validation("discount amount must be greater than 0")
	// ErrFactorPrecision is returned for a factor with more than four decimal places.
	ErrFactorPrecision = apperr.Validation("discount factor must have at most 4 decimal places")
	// ErrAmountPrecision is returned for an amount with more than two decimal places.
	ErrAmountPrecision = apperr.Validation("discount amount must have at most 2 decimal places")
)

// Storage scale of factors and money columns. Values are rejected rather
// than rounded, so 0.99995 never becomes a factor of 1.
const (
	factorPlaces = 4
	moneyPlaces  = 2
)

func fitsPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// NormalizeCode canonicalises user input before lookup and storage.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type reductionKind uint8

const (
	reductionPercentage reductionKind = iota + 1
	reductionFixed
)

// Reduction is either a percentage factor or a fixed amount, never both.
type Reduction struct {
	kind   reductionKind
	factor decimal.Decimal
	amount decimal.Decimal
}

// Percentage returns a multiplicative reduction, e.g. 0.9 for 10% off.
func Percentage(factor decimal.Decimal) (Reduction, error) {
	if !factor.IsPositive() || factor.GreaterThanOrEqual(one) {
		return Reduction{}, ErrInvalidFactor
	}
	if !fitsPlaces(factor, factorPlaces) {
		return Reduction{}, ErrFactorPrecision
	}
	return Reduction{kind: reductionPercentage, factor: factor}, nil
}

// FixedAmount returns a subtractive reduction.
func FixedAmount(amount decimal.Decimal) (Reduction, error) {
	if !amount.IsPositive() {
		return Reduction{}, ErrInvalidAmount
	}
	if !fitsPlaces(amount, moneyPlaces) {
		return Reduction{}, ErrAmountPrecision
	}
	return Reduction{kind: reductionFixed, amount: amount}, nil
}

// NewReduction builds a Reduction from the two nullable storage columns.
func NewReduction(factor, amount *decimal.Decimal) (Reduction, error) {
	switch {
	case factor != nil && amount != nil, factor == nil && amount == nil:
		return Reduction{}, ErrReductionRequired
	case factor != nil:
		return Percentage(*factor)
	default:
		return FixedAmount(*amount)
	}
}

// IsPercentage reports whether the reduction is a factor.
func (r Reduction) IsPercentage() bool { return r.kind == reductionPercentage }

// Columns returns the nullable (factor, amount) pair for storage.
func (r Reduction) Columns() (factor, amount *decimal.Decimal) {
	switch r.kind {
	case reductionPercentage:
		f := r.factor
		return &f, nil
	case reductionFixed:
		a := r.amount
		return nil, &a
	default:
		return nil, nil
	}
}

// Apply reduces price. Fixed amounts never take the result below zero.
func (r Reduction) Apply(price decimal.Decimal) decimal.Decimal {
	switch r.kind {
	case reductionPercentage:
		return price.Mul(r.factor).Round(2)
	case reductionFixed:
		return decimal.Max(price.Sub(r.amount), zero)
	default:
		return price
	}
}

func (r Reduction) String() string {
	switch r.kind {
	case reductionPercentage:
		return "x" + r.factor.String()
	case reductionFixed:
		return "-" + r.amount.StringFixed(2)
	default:
		return "none"
	}
}

// Scope restricts a code to one product, or to nothing (store-wide).
type Scope struct {
	productID int64
}

// StoreWide returns the unrestricted scope.
func StoreWide() Scope { return Scope{} }

// ScopedTo restricts a code to one product.
func ScopedTo(productID int64) Scope { return Scope{productID: productID} }

// ScopeFromColumn maps the nullable product_id column.
func ScopeFromColumn(productID *int64) Scope {
	if productID == nil {
		return StoreWide()
	}
	return ScopedTo(*productID)
}

// ProductID returns the scoped product when the code is product-scoped.
func (s Scope) ProductID() (int64, bool) {
	return s.productID, s.productID != 0
}

// Column returns the nullable product_id column value.
func (s Scope) Column() *int64 {
	if s.productID == 0 {
		return nil
	}
	id := s.productID
	return &id
}

// Code is a discount code and its eligibility rules.
type Code struct {
	ID               int64
	Code             string
	Scope            Scope
	Reduction        Reduction
	MinSpend         decimal.Decimal
	ValidFrom        time.Time
	ValidTo          time.Time
	UsageLimit       *int
	PerIdentityLimit *int
	UsedCount        int
	IsActive         bool
	Description      string
}

// UsageRecord counts how many times one identity used one code.
type UsageRecord struct {
	Identity   identity.Identity
	CodeID     int64
	UsedCount  int
	LastUsedAt time.Time
}

// Line is a candidate (product, quantity) pair offered to the evaluator.
type Line struct {
	Product  product.Product
	Quantity int
}

// Repository persists codes and their usage counters.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Code, error)
	// LockByCode is FindByCode with a row lock held until the surrounding
	// transaction ends.
	LockByCode(ctx context.Context, code string) (*Code, error)
	// Usage returns the identity's record, or a zero record if none exists.
	Usage(ctx context.Context, codeID int64, id identity.Identity) (UsageRecord, error)
	// Consume increments the global counter and the identity's record,
	// creating the record when absent.
	Consume(ctx context.Context, codeID int64, id identity.Identity, at time.Time) error
	Create(ctx context.Context, c *Code) error
	Deactivate(ctx context.Context, code string) error
}

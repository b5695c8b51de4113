package product

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
)

// ErrNotFound is returned when a requested product does not exist or is
// no longer active.
var ErrNotFound = apperr.NotFound("product not found")

// Product is a catalog item together with its scheduled sales.
type Product struct {
	ID         int64
	Title      string
	BasePrice  decimal.Decimal
	CategoryID int64
	IsActive   bool
	ImageURL   string
	Sales      []Sale
}

// Sale is a time-windowed markdown. Factor is the multiplier applied to the
// base price, e.g. 0.8 for 20% off.
type Sale struct {
	ID          int64
	Factor      decimal.Decimal
	StartTime   time.Time
	EndTime     time.Time
	Description string
}

// Contains reports whether t falls inside the closed window [StartTime, EndTime].
func (s Sale) Contains(t time.Time) bool {
	return !t.Before(s.StartTime) && !t.After(s.EndTime)
}

// Repository is the catalog read contract. Implementations load Sales
// ordered by start time, then id.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Product, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
}

// Index maps products by id.
func Index(products []Product) map[int64]Product {
	m := make(map[int64]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return m
}

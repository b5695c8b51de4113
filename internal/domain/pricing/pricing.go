// Package pricing resolves the effective unit price of a product at a given
// instant, taking scheduled sales into account.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// Precision is the number of decimal places money is rounded to.
const Precision = 2

// Round rounds an amount to currency precision, half away from zero.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(Precision)
}

// CurrentSale returns the first sale whose window contains now. Sales are
// expected in start-time order so overlapping windows resolve deterministically.
func CurrentSale(p product.Product, now time.Time) (product.Sale, bool) {
	for _, s := range p.Sales {
		if s.Contains(now) {
			return s, true
		}
	}
	return product.Sale{}, false
}

// EffectivePrice returns the base price, or the base price multiplied by the
// current sale's factor when a sale is active.
func EffectivePrice(p product.Product, now time.Time) decimal.Decimal {
	s, ok := CurrentSale(p, now)
	if !ok {
		return p.BasePrice
	}
	return Round(p.BasePrice.Mul(s.Factor))
}

// Resolver pins the clock for one operation so every line is priced against
// the same instant.
type Resolver struct {
	now time.Time
}

// At returns a Resolver fixed at now.
func At(now time.Time) Resolver {
	return Resolver{now: now}
}

// Now returns the instant the resolver is pinned to.
func (r Resolver) Now() time.Time { return r.now }

// Price returns the effective unit price of p.
func (r Resolver) Price(p product.Product) decimal.Decimal {
	return EffectivePrice(p, r.now)
}

// LineTotal returns effective unit price times quantity.
func (r Resolver) LineTotal(p product.Product, qty int) decimal.Decimal {
	return r.Price(p).Mul(decimal.NewFromInt(int64(qty)))
}

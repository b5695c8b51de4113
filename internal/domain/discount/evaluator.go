package discount

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
)

// Reason identifies why a code was rejected.
type Reason string

const (
	ReasonNotFound       Reason = "not_found"
	ReasonOutOfWindow    Reason = "out_of_window"
	ReasonNothingToApply Reason = "nothing_to_discount"
	ReasonWrongProduct   Reason = "wrong_product"
	ReasonMinSpend       Reason = "min_spend"
	ReasonUsageLimit     Reason = "usage_limit"
	ReasonIdentityLimit  Reason = "identity_usage_limit"
)

// RejectedError carries a rejection out of a committing operation.
type RejectedError struct {
	Code    string
	Reason  Reason
	Message string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// Kind reports every rejection, limits included, as a validation failure.
// Clients tell the cases apart by Reason.
func (e *RejectedError) Kind() apperr.Kind { return apperr.KindValidation }

// Result is the outcome of evaluating a code against candidate lines.
// When Accepted is false only Reason and Message are meaningful.
type Result struct {
	Accepted bool
	Reason   Reason
	Message  string

	CodeID          int64
	Code            string
	DiscountedTotal decimal.Decimal
	DiscountAmount  decimal.Decimal
	// WasConsumed is false when the code lost to an existing sale price and
	// therefore must not be counted as used.
	WasConsumed bool
	Explanation string
	// UnitPrices is the resolved per-unit price of every candidate product.
	UnitPrices map[int64]decimal.Decimal
}

// Err converts a rejected result into an error; accepted results yield nil.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	return &RejectedError{Code: r.Code, Reason: r.Reason, Message: r.Message}
}

func reject(code string, reason Reason, format string, args ...any) Result {
	return Result{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// History is a set of usage records.
type History []UsageRecord

// CountFor returns how many times id used the code with the given id.
func (h History) CountFor(id identity.Identity, codeID int64) int {
	for _, r := range h {
		if r.CodeID == codeID && r.Identity.Equal(id) {
			return r.UsedCount
		}
	}
	return 0
}

// Evaluate decides whether c applies to lines at now and prices the lines.
// A nil code is treated as unknown. Evaluate has no side effects.
func Evaluate(c *Code, id identity.Identity, lines []Line, now time.Time, history History) Result {
	if c == nil || !c.IsActive {
		name := ""
		if c != nil {
			name = c.Code
		}
		return reject(name, ReasonNotFound, "discount code not found or disabled")
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidTo) {
		return reject(c.Code, ReasonOutOfWindow, "discount code %s is not valid at this time", c.Code)
	}
	if len(lines) == 0 {
		return reject(c.Code, ReasonNothingToApply, "nothing to discount")
	}

	var res Result
	if pid, scoped := c.Scope.ProductID(); scoped {
		found := false
		for _, l := range lines {
			if l.Product.ID == pid {
				found = true
				break
			}
		}
		if !found {
			return reject(c.Code, ReasonWrongProduct, "discount code %s only applies to product %d", c.Code, pid)
		}
		res = priceScoped(c, pid, lines, now)
	} else {
		res = priceStoreWide(c, lines, now)
	}

	if res.DiscountedTotal.LessThan(c.MinSpend) {
		return reject(c.Code, ReasonMinSpend, "minimum spend of %s not reached", c.MinSpend.StringFixed(2))
	}
	if c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit {
		return reject(c.Code, ReasonUsageLimit, "discount code %s has reached its usage limit", c.Code)
	}
	if c.PerIdentityLimit != nil && history.CountFor(id, c.ID) >= *c.PerIdentityLimit {
		return reject(c.Code, ReasonIdentityLimit, "you have reached the usage limit for discount code %s", c.Code)
	}

	res.Accepted = true
	res.CodeID = c.ID
	res.Code = c.Code
	return res
}

// priceScoped prices the scoped product at min(sale price, code price) where
// the code price is always derived from the base price. Other lines keep
// their effective price.
func priceScoped(c *Code, pid int64, lines []Line, now time.Time) Result {
	res := Result{UnitPrices: make(map[int64]decimal.Decimal, len(lines))}
	total, amount := zero, zero
	for _, l := range lines {
		qty := decimal.NewFromInt(int64(l.Quantity))
		unit := pricing.EffectivePrice(l.Product, now)
		if l.Product.ID == pid {
			salePrice := unit
			codePrice := c.Reduction.Apply(l.Product.BasePrice)
			if codePrice.LessThan(salePrice) {
				unit = codePrice
				res.WasConsumed = true
				res.Explanation = fmt.Sprintf("code price %s applied to product %d", codePrice.StringFixed(2), pid)
			} else {
				res.Explanation = fmt.Sprintf("sale price %s already beats code price %s for product %d",
					salePrice.StringFixed(2), codePrice.StringFixed(2), pid)
			}
			amount = amount.Add(l.Product.BasePrice.Sub(unit).Mul(qty))
		}
		res.UnitPrices[l.Product.ID] = unit
		total = total.Add(unit.Mul(qty))
	}
	res.DiscountedTotal = pricing.Round(total)
	res.DiscountAmount = pricing.Round(amount)
	return res
}

// priceStoreWide applies sale prices first, then the code to the subtotal.
func priceStoreWide(c *Code, lines []Line, now time.Time) Result {
	res := Result{UnitPrices: make(map[int64]decimal.Decimal, len(lines))}
	subtotal := zero
	for _, l := range lines {
		unit := pricing.EffectivePrice(l.Product, now)
		res.UnitPrices[l.Product.ID] = unit
		subtotal = subtotal.Add(unit.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	subtotal = pricing.Round(subtotal)
	res.DiscountedTotal = pricing.Round(c.Reduction.Apply(subtotal))
	res.DiscountAmount = subtotal.Sub(res.DiscountedTotal)
	res.WasConsumed = true
	res.Explanation = fmt.Sprintf("store-wide %s applied to subtotal %s", c.Reduction, subtotal.StringFixed(2))
	return res
}

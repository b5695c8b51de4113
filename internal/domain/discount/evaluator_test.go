package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func intp(v int) *int { return &v }

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func onSale(id int64, base, factor string) product.Product {
	return product.Product{
		ID:        id,
		Title:     "on sale",
		BasePrice: d(base),
		IsActive:  true,
		Sales: []product.Sale{{
			ID:        id,
			Factor:    d(factor),
			StartTime: fixedNow.Add(-time.Hour),
			EndTime:   fixedNow.Add(time.Hour),
		}},
	}
}

func regular(id int64, base string) product.Product {
	return product.Product{ID: id, Title: "regular", BasePrice: d(base), IsActive: true}
}

func mustPercentage(t *testing.T, f string) Reduction {
	t.Helper()
	r, err := Percentage(d(f))
	require.NoError(t, err)
	return r
}

func mustFixed(t *testing.T, a string) Reduction {
	t.Helper()
	r, err := FixedAmount(d(a))
	require.NoError(t, err)
	return r
}

func newCode(r Reduction, scope Scope) *Code {
	return &Code{
		ID:        1,
		Code:      "SAVE",
		Scope:     scope,
		Reduction: r,
		ValidFrom: fixedNow.Add(-24 * time.Hour),
		ValidTo:   fixedNow.Add(24 * time.Hour),
		IsActive:  true,
	}
}

func user(t *testing.T, id int64) identity.Identity {
	t.Helper()
	u, err := identity.User(id)
	require.NoError(t, err)
	return u
}

func TestEvaluate_StoreWideOnSale(t *testing.T) {
	c := newCode(mustPercentage(t, "0.9"), StoreWide())
	lines := []Line{{Product: onSale(1, "100", "0.8"), Quantity: 2}}

	res := Evaluate(c, user(t, 1), lines, fixedNow, nil)

	require.True(t, res.Accepted, res.Message)
	assert.True(t, d("144").Equal(res.DiscountedTotal), res.DiscountedTotal.String())
	assert.True(t, d("16").Equal(res.DiscountAmount), res.DiscountAmount.String())
	assert.True(t, res.WasConsumed)
	assert.True(t, d("80").Equal(res.UnitPrices[1]))
	assert.Equal(t, int64(1), res.CodeID)
}

func TestEvaluate_ScopedLosesToSale(t *testing.T) {
	c := newCode(mustPercentage(t, "0.9"), ScopedTo(1))
	lines := []Line{{Product: onSale(1, "100", "0.8"), Quantity: 2}}

	res := Evaluate(c, user(t, 1), lines, fixedNow, nil)

	require.True(t, res.Accepted, res.Message)
	assert.False(t, res.WasConsumed)
	assert.True(t, d("80").Equal(res.UnitPrices[1]))
	assert.True(t, d("160").Equal(res.DiscountedTotal))
	assert.True(t, d("40").Equal(res.DiscountAmount))
}

func TestEvaluate_ScopedBeatsSale(t *testing.T) {
	c := newCode(mustPercentage(t, "0.7"), ScopedTo(1))
	lines := []Line{
		{Product: onSale(1, "100", "0.8"), Quantity: 2},
		{Product: onSale(2, "50", "0.5"), Quantity: 1},
		{Product: regular(3, "10"), Quantity: 3},
	}

	res := Evaluate(c, user(t, 1), lines, fixedNow, nil)

	require.True(t, res.Accepted, res.Message)
	assert.True(t, res.WasConsumed)
	assert.True(t, d("70").Equal(res.UnitPrices[1]))
	assert.True(t, d("25").Equal(res.UnitPrices[2]), "other lines keep their sale price")
	assert.True(t, d("10").Equal(res.UnitPrices[3]))
	// 70*2 + 25 + 30
	assert.True(t, d("195").Equal(res.DiscountedTotal), res.DiscountedTotal.String())
	// only the scoped line counts: (100-70)*2
	assert.True(t, d("60").Equal(res.DiscountAmount), res.DiscountAmount.String())
}

func TestEvaluate_ScopedFixedAmountUsesBasePrice(t *testing.T) {
	c := newCode(mustFixed(t, "15"), ScopedTo(1))
	lines := []Line{{Product: onSale(1, "100", "0.9"), Quantity: 1}}

	res := Evaluate(c, user(t, 1), lines, fixedNow, nil)

	require.True(t, res.Accepted)
	assert.True(t, res.WasConsumed)
	assert.True(t, d("85").Equal(res.UnitPrices[1]))
	assert.True(t, d("15").Equal(res.DiscountAmount))
}

func TestEvaluate_ScopedTieKeepsSale(t *testing.T) {
	c := newCode(mustPercentage(t, "0.8"), ScopedTo(1))
	lines := []Line{{Product: onSale(1, "100", "0.8"), Quantity: 1}}

	res := Evaluate(c, user(t, 1), lines, fixedNow, nil)

	require.True(t, res.Accepted)
	assert.False(t, res.WasConsumed)
}

func TestEvaluate_StoreWideFixedFloorsAtZero(t *testing.T) {
	c := newCode(mustFixed(t, "500"), StoreWide())
	lines := []Line{{Product: regular(1, "30"), Quantity: 2}}

	res := Evaluate(c, user(t, 1), lines, fixedNow, nil)

	require.True(t, res.Accepted)
	assert.True(t, decimal.Zero.Equal(res.DiscountedTotal))
	assert.True(t, d("60").Equal(res.DiscountAmount))
	assert.True(t, res.WasConsumed)
}

func TestEvaluate_Rejections(t *testing.T) {
	u := user(t, 7)
	lines := []Line{{Product: regular(1, "100"), Quantity: 1}}

	tests := []struct {
		name    string
		code    func(t *testing.T) *Code
		lines   []Line
		history History
		want    Reason
		kind    apperr.Kind
	}{
		{
			name:  "missing code",
			code:  func(*testing.T) *Code { return nil },
			lines: lines,
			want:  ReasonNotFound,
			kind:  apperr.KindValidation,
		},
		{
			name: "inactive code",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.IsActive = false
				return c
			},
			lines: lines,
			want:  ReasonNotFound,
			kind:  apperr.KindValidation,
		},
		{
			name: "not started",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.ValidFrom = fixedNow.Add(time.Minute)
				return c
			},
			lines: lines,
			want:  ReasonOutOfWindow,
			kind:  apperr.KindValidation,
		},
		{
			name: "expired",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.ValidTo = fixedNow.Add(-time.Minute)
				return c
			},
			lines: lines,
			want:  ReasonOutOfWindow,
			kind:  apperr.KindValidation,
		},
		{
			name:  "no lines",
			code:  func(t *testing.T) *Code { return newCode(mustPercentage(t, "0.9"), StoreWide()) },
			lines: nil,
			want:  ReasonNothingToApply,
			kind:  apperr.KindValidation,
		},
		{
			name:  "scoped product absent",
			code:  func(t *testing.T) *Code { return newCode(mustPercentage(t, "0.9"), ScopedTo(99)) },
			lines: lines,
			want:  ReasonWrongProduct,
			kind:  apperr.KindValidation,
		},
		{
			name: "min spend checked against discounted total",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.MinSpend = d("95")
				return c
			},
			lines: lines,
			want:  ReasonMinSpend,
			kind:  apperr.KindValidation,
		},
		{
			name: "global usage limit",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.UsageLimit = intp(3)
				c.UsedCount = 3
				return c
			},
			lines: lines,
			want:  ReasonUsageLimit,
			kind:  apperr.KindValidation,
		},
		{
			name: "per identity limit",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.PerIdentityLimit = intp(1)
				return c
			},
			lines:   lines,
			history: History{{Identity: u, CodeID: 1, UsedCount: 1}},
			want:    ReasonIdentityLimit,
			kind:    apperr.KindValidation,
		},
		{
			name: "window is checked before emptiness",
			code: func(t *testing.T) *Code {
				c := newCode(mustPercentage(t, "0.9"), StoreWide())
				c.ValidTo = fixedNow.Add(-time.Minute)
				return c
			},
			lines: nil,
			want:  ReasonOutOfWindow,
			kind:  apperr.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(tt.code(t), u, tt.lines, fixedNow, tt.history)
			require.False(t, res.Accepted)
			assert.Equal(t, tt.want, res.Reason)
			assert.NotEmpty(t, res.Message)

			err := res.Err()
			var rej *RejectedError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestEvaluate_OtherIdentityHistoryIgnored(t *testing.T) {
	c := newCode(mustPercentage(t, "0.9"), StoreWide())
	c.PerIdentityLimit = intp(1)
	lines := []Line{{Product: regular(1, "100"), Quantity: 1}}
	history := History{{Identity: user(t, 2), CodeID: 1, UsedCount: 5}}

	res := Evaluate(c, user(t, 1), lines, fixedNow, history)
	assert.True(t, res.Accepted)
	assert.Contains(t, Evaluate(c, user(t, 2), lines, fixedNow, history).Message, "usage limit")
}

func TestNewReduction(t *testing.T) {
	f, a := d("0.9"), d("10")
	_, err := NewReduction(&f, &a)
	require.ErrorIs(t, err, ErrReductionRequired)
	_, err = NewReduction(nil, nil)
	require.ErrorIs(t, err, ErrReductionRequired)

	bad := d("1")
	_, err = NewReduction(&bad, nil)
	require.ErrorIs(t, err, ErrInvalidFactor)

	neg := d("-1")
	_, err = NewReduction(nil, &neg)
	require.ErrorIs(t, err, ErrInvalidAmount)

	// 0.99995 would round to 1.0000 in storage.
	fine := d("0.99995")
	_, err = NewReduction(&fine, nil)
	require.ErrorIs(t, err, ErrFactorPrecision)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	cents := d("10.005")
	_, err = NewReduction(nil, &cents)
	require.ErrorIs(t, err, ErrAmountPrecision)

	padded := d("0.90000")
	_, err = NewReduction(&padded, nil)
	require.NoError(t, err)

	r, err := NewReduction(&f, nil)
	require.NoError(t, err)
	assert.True(t, r.IsPercentage())
	gotF, gotA := r.Columns()
	require.NotNil(t, gotF)
	assert.Nil(t, gotA)
	assert.True(t, f.Equal(*gotF))
}

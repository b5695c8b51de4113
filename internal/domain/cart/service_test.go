package cart

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/audit"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// --- Mock implementations ---

type mockTx struct {
	calls int
}

func (m *mockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type mockCartRepo struct {
	carts   map[string]*Cart
	nextID  int64
	saved   []Line
	deleted []int64
}

func newMockCartRepo() *mockCartRepo {
	return &mockCartRepo{carts: make(map[string]*Cart)}
}

func (m *mockCartRepo) clone(c *Cart) *Cart {
	cp := *c
	cp.Lines = make(map[int64]Line, len(c.Lines))
	for k, v := range c.Lines {
		cp.Lines[k] = v
	}
	return &cp
}

func (m *mockCartRepo) GetActive(_ context.Context, id identity.Identity) (*Cart, error) {
	c, ok := m.carts[id.String()]
	if !ok || c.Status != StatusActive {
		return nil, ErrCartNotFound
	}
	return m.clone(c), nil
}

func (m *mockCartRepo) LockActive(ctx context.Context, id identity.Identity) (*Cart, error) {
	return m.GetActive(ctx, id)
}

func (m *mockCartRepo) LockOrCreateActive(ctx context.Context, id identity.Identity, now time.Time) (*Cart, error) {
	if c, err := m.GetActive(ctx, id); err == nil {
		return c, nil
	}
	m.nextID++
	c := New(id, now)
	c.ID = m.nextID
	m.carts[id.String()] = c
	return m.clone(c), nil
}

func (m *mockCartRepo) byID(cartID int64) *Cart {
	for _, c := range m.carts {
		if c.ID == cartID {
			return c
		}
	}
	return nil
}

func (m *mockCartRepo) SaveLine(_ context.Context, cartID int64, l Line) error {
	m.byID(cartID).Lines[l.ProductID] = l
	m.saved = append(m.saved, l)
	return nil
}

func (m *mockCartRepo) DeleteLine(_ context.Context, cartID, productID int64) error {
	delete(m.byID(cartID).Lines, productID)
	m.deleted = append(m.deleted, productID)
	return nil
}

func (m *mockCartRepo) SetStatus(_ context.Context, cartID int64, s Status) error {
	m.byID(cartID).Status = s
	return nil
}

type mockProductRepo struct {
	byID map[int64]product.Product
}

func (m *mockProductRepo) GetByID(_ context.Context, id int64) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []int64) ([]product.Product, error) {
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockAuditSink struct {
	entries []audit.Entry
}

func (m *mockAuditSink) Record(_ context.Context, entries ...audit.Entry) error {
	m.entries = append(m.entries, entries...)
	return nil
}

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fixture struct {
	svc   *Service
	carts *mockCartRepo
	sink  *mockAuditSink
	now   time.Time
}

func newFixture(products ...product.Product) *fixture {
	byID := make(map[int64]product.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	carts := newMockCartRepo()
	sink := &mockAuditSink{}
	svc := NewService(&mockTx{}, carts, &mockProductRepo{byID: byID}, audit.NewRecorder(sink))
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, carts: carts, sink: sink, now: now}
}

// --- Tests ---

func TestService_AddLine(t *testing.T) {
	f := newFixture(
		product.Product{ID: 1, Title: "Mug", BasePrice: d("12.50"), IsActive: true},
		product.Product{ID: 2, Title: "Retired", BasePrice: d("5"), IsActive: false},
	)
	ctx := context.Background()
	g := guest(t)

	l, err := f.svc.AddLine(ctx, g, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Quantity)

	l, err = f.svc.AddLine(ctx, g, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Quantity)
	assert.Len(t, f.carts.carts, 1, "cart is created once")

	_, err = f.svc.AddLine(ctx, g, 2, 1)
	require.ErrorIs(t, err, product.ErrNotFound)

	_, err = f.svc.AddLine(ctx, g, 404, 1)
	require.ErrorIs(t, err, product.ErrNotFound)

	require.Len(t, f.sink.entries, 2)
	assert.Equal(t, audit.ActionAdd, f.sink.entries[0].Action)
	assert.Equal(t, audit.TargetCartItem, f.sink.entries[0].TargetType)
	assert.True(t, f.sink.entries[0].Actor.Equal(g))
}

func TestService_SetQuantityAndRemove(t *testing.T) {
	f := newFixture(product.Product{ID: 1, Title: "Mug", BasePrice: d("10"), IsActive: true})
	ctx := context.Background()
	g := guest(t)

	_, err := f.svc.SetQuantity(ctx, g, 1, 2)
	require.ErrorIs(t, err, ErrCartNotFound)

	_, err = f.svc.AddLine(ctx, g, 1, 2)
	require.NoError(t, err)

	_, err = f.svc.SetQuantity(ctx, g, 1, 2)
	var same *SameQuantityError
	require.ErrorAs(t, err, &same)

	l, err := f.svc.SetQuantity(ctx, g, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, l.Quantity)
	assert.Equal(t, "cart 1: qty 2 -> 4", f.sink.entries[len(f.sink.entries)-1].Description)

	require.NoError(t, f.svc.RemoveLine(ctx, g, 1))
	require.ErrorIs(t, f.svc.RemoveLine(ctx, g, 1), ErrLineNotFound)
	assert.Equal(t, []int64{1}, f.carts.deleted)
}

func TestService_Snapshot(t *testing.T) {
	f := newFixture()
	f.svc.products = &mockProductRepo{byID: map[int64]product.Product{
		1: {ID: 1, Title: "Sneaker", BasePrice: d("100"), IsActive: true, Sales: []product.Sale{{
			Factor: d("0.8"), StartTime: f.now.Add(-time.Hour), EndTime: f.now.Add(time.Hour),
		}}},
		2: {ID: 2, Title: "Sock", BasePrice: d("5.25"), IsActive: true},
		3: {ID: 3, Title: "Gone", BasePrice: d("1"), IsActive: false},
	}}
	ctx := context.Background()
	g := guest(t)

	snap, err := f.svc.Snapshot(ctx, g)
	require.NoError(t, err)
	assert.Empty(t, snap.Lines)
	assert.True(t, decimal.Zero.Equal(snap.Total))

	c, err := f.carts.LockOrCreateActive(ctx, g, f.now)
	require.NoError(t, err)
	stored := f.carts.byID(c.ID)
	stored.Lines[1] = Line{ProductID: 1, Quantity: 2}
	stored.Lines[2] = Line{ProductID: 2, Quantity: 2}
	stored.Lines[3] = Line{ProductID: 3, Quantity: 1}

	snap, err = f.svc.Snapshot(ctx, g)
	require.NoError(t, err)
	require.Len(t, snap.Lines, 2, "inactive products are filtered")
	assert.True(t, d("80").Equal(snap.Lines[0].UnitPrice))
	assert.True(t, d("100").Equal(snap.Lines[0].BasePrice))
	assert.True(t, d("10.50").Equal(snap.Lines[1].LineTotal))
	assert.True(t, d("170.50").Equal(snap.Total), snap.Total.String())
}

//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "shop",
				"POSTGRES_PASSWORD": "shop",
				"POSTGRES_DB":       "shop",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = ctr.Terminate(context.Background()) }()

	host, err := ctr.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "host: %v\n", err)
		return 1
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "port: %v\n", err)
		return 1
	}

	url := fmt.Sprintf("postgres://shop:shop@%s:%s/shop?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	return m.Run()
}

func seedProduct(t *testing.T, title, price string) int64 {
	t.Helper()
	var id int64
	err := testPool.QueryRow(context.Background(),
		`INSERT INTO products (title, base_price) VALUES ($1, $2) RETURNING id`,
		title, decimal.RequireFromString(price),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestProductRepository_SalesOrdered(t *testing.T) {
	ctx := context.Background()
	pid := seedProduct(t, "Lamp", "100.00")
	now := time.Now().UTC().Truncate(time.Second)

	for _, start := range []time.Time{now.Add(-time.Hour), now.Add(-2 * time.Hour)} {
		_, err := testPool.Exec(ctx,
			`INSERT INTO product_sales (product_id, factor, start_time, end_time) VALUES ($1, 0.8, $2, $3)`,
			pid, start, now.Add(time.Hour),
		)
		require.NoError(t, err)
	}

	repo := NewProductRepository(testPool)
	p, err := repo.GetByID(ctx, pid)
	require.NoError(t, err)
	require.Len(t, p.Sales, 2)
	assert.True(t, p.Sales[0].StartTime.Before(p.Sales[1].StartTime))
	assert.True(t, p.BasePrice.Equal(decimal.RequireFromString("100.00")))

	products, err := repo.GetByIDs(ctx, []int64{pid, 999999})
	require.NoError(t, err)
	require.Len(t, products, 1)
}

func TestCartRepository_LockOrCreate(t *testing.T) {
	ctx := context.Background()
	pid := seedProduct(t, "Mug", "5.00")
	guest, err := identity.Guest(identity.NewGuestToken())
	require.NoError(t, err)

	repo := NewCartRepository(testPool)
	tx := NewTxManager(testPool)

	var cartID int64
	err = tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := repo.LockOrCreateActive(ctx, guest, time.Now())
		if err != nil {
			return err
		}
		cartID = c.ID
		return repo.SaveLine(ctx, c.ID, cart.Line{ProductID: pid, Quantity: 3})
	})
	require.NoError(t, err)

	c, err := repo.GetActive(ctx, guest)
	require.NoError(t, err)
	assert.Equal(t, cartID, c.ID)
	assert.Equal(t, 3, c.Lines[pid].Quantity)
	assert.True(t, c.Identity.Equal(guest))

	require.NoError(t, repo.SetStatus(ctx, cartID, cart.StatusCheckedOut))
	_, err = repo.GetActive(ctx, guest)
	require.ErrorIs(t, err, cart.ErrCartNotFound)
}

func TestTxManager_RollsBack(t *testing.T) {
	ctx := context.Background()
	user, err := identity.User(time.Now().UnixNano())
	require.NoError(t, err)

	repo := NewCartRepository(testPool)
	err = NewTxManager(testPool).WithinTx(ctx, func(ctx context.Context) error {
		if _, err := repo.LockOrCreateActive(ctx, user, time.Now()); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = repo.GetActive(ctx, user)
	require.ErrorIs(t, err, cart.ErrCartNotFound)
}

func TestDiscountRepository_ConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscountRepository(testPool)
	tx := NewTxManager(testPool)

	c, err := discount.NewCode(discount.CreateParams{
		Code:       fmt.Sprintf("RACE%d", time.Now().UnixNano()),
		Factor:     ptr(decimal.RequireFromString("0.9")),
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidTo:    time.Now().Add(time.Hour),
		UsageLimit: ptr(1),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, c))
	require.ErrorIs(t, repo.Create(ctx, c), discount.ErrDuplicateCode)

	// Two identities race for the last use; the row lock lets only one win.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		reasons   []discount.Reason
		evaluator = discount.NewRepoEvaluator(repo)
		lines     = []discount.Line{{Product: product.Product{ID: 1, BasePrice: decimal.RequireFromString("10.00"), IsActive: true}, Quantity: 1}}
	)
	for i := int64(1); i <= 2; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			id, _ := identity.User(uid)
			err := tx.WithinTx(ctx, func(ctx context.Context) error {
				res, err := evaluator.EvaluateLocked(ctx, c.Code, id, lines, time.Now())
				if err != nil {
					return err
				}
				if !res.Accepted {
					mu.Lock()
					reasons = append(reasons, res.Reason)
					mu.Unlock()
					return res.Err()
				}
				if err := evaluator.Consume(ctx, res.CodeID, id, time.Now()); err != nil {
					return err
				}
				mu.Lock()
				accepted++
				mu.Unlock()
				return nil
			})
			if err != nil {
				var rejected *discount.RejectedError
				assert.ErrorAs(t, err, &rejected)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, []discount.Reason{discount.ReasonUsageLimit}, reasons)

	stored, err := repo.FindByCode(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsedCount)
	assert.Equal(t, 1, *stored.UsageLimit)
	assert.True(t, stored.Reduction.IsPercentage())

	require.NoError(t, repo.Deactivate(ctx, c.Code))
	require.ErrorIs(t, repo.Deactivate(ctx, "MISSING"), discount.ErrNotFound)
}

func TestOrderRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	pid := seedProduct(t, "Chair", "40.00")
	user, err := identity.User(time.Now().UnixNano())
	require.NoError(t, err)

	repo := NewOrderRepository(testPool)
	o := &order.Order{
		ID:        fmt.Sprintf("ord-%d", time.Now().UnixNano()),
		Identity:  user,
		OrderDate: time.Now().UTC(),
		Status:    order.StatusPending,
	}
	require.NoError(t, repo.Create(ctx, o))
	require.NoError(t, repo.AddLines(ctx, o.ID, []order.Line{
		{ProductID: pid, Quantity: 2, UnitPrice: decimal.RequireFromString("36.00")},
	}))
	o.Total = decimal.RequireFromString("72.00")
	o.DiscountAmount = decimal.NewNullDecimal(decimal.RequireFromString("8.00"))
	require.NoError(t, repo.Finalize(ctx, o))

	ship := order.Shipping{Method: "pickup", RecipientName: "Ada", RecipientPhone: "1", PickupStore: "A"}
	require.NoError(t, repo.SaveShipping(ctx, o.ID, ship))
	require.ErrorIs(t, repo.SaveShipping(ctx, o.ID, ship), order.ErrShippingExists)

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(o.Total))
	assert.True(t, got.DiscountAmount.Valid)
	assert.Nil(t, got.DiscountCodeID)
	require.Len(t, got.Lines, 1)
	assert.True(t, got.Lines[0].UnitPrice.Equal(decimal.RequireFromString("36.00")))
	require.NotNil(t, got.Shipping)
	assert.Equal(t, "Ada", got.Shipping.RecipientName)

	require.NoError(t, repo.UpdateStatus(ctx, o.ID, order.StatusPaid))
	orders, total, err := repo.ListByIdentity(ctx, user, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusPaid, orders[0].Status)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func ptr[T any](v T) *T { return &v }

func TestProductRepository_SaveCatalog(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)
	now := time.Now().UTC().Truncate(time.Second)

	catID, err := repo.SaveCategory(ctx, "Lighting")
	require.NoError(t, err)
	again, err := repo.SaveCategory(ctx, "Lighting")
	require.NoError(t, err)
	assert.Equal(t, catID, again)

	p := &product.Product{
		ID:         900001,
		Title:      "Desk lamp",
		BasePrice:  decimal.RequireFromString("40.00"),
		CategoryID: catID,
		IsActive:   true,
		Sales: []product.Sale{
			{Factor: decimal.RequireFromString("0.5"), StartTime: now, EndTime: now.Add(time.Hour)},
		},
	}
	require.NoError(t, NewTxManager(testPool).WithinTx(ctx, func(ctx context.Context) error {
		return repo.Save(ctx, p)
	}))

	// Saving again replaces the sales instead of appending.
	p.Title = "Desk lamp v2"
	require.NoError(t, repo.Save(ctx, p))
	require.NoError(t, repo.SyncSequence(ctx))

	got, err := repo.GetByID(ctx, 900001)
	require.NoError(t, err)
	assert.Equal(t, "Desk lamp v2", got.Title)
	assert.Equal(t, catID, got.CategoryID)
	require.Len(t, got.Sales, 1)

	assert.Greater(t, seedProduct(t, "After sync", "1.00"), int64(900001))
}

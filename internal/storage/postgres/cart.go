package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

const (
	getActiveCartSQL = `SELECT id, user_id, guest_token, created_at, status
		FROM carts WHERE (user_id = $1 OR guest_token = $2) AND status = 'active'`

	lockActiveCartSQL = getActiveCartSQL + ` FOR UPDATE`

	// The partial unique indexes turn a concurrent duplicate into a no-op.
	createCartSQL = `INSERT INTO carts (user_id, guest_token, created_at, status)
		VALUES ($1, $2, $3, 'active') ON CONFLICT DO NOTHING`

	getCartLinesSQL = `SELECT product_id, quantity FROM cart_lines WHERE cart_id = $1`

	saveCartLineSQL = `INSERT INTO cart_lines (cart_id, product_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`

	deleteCartLineSQL = `DELETE FROM cart_lines WHERE cart_id = $1 AND product_id = $2`

	setCartStatusSQL = `UPDATE carts SET status = $2 WHERE id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// GetActive loads the identity's active cart and its lines.
func (r *CartRepository) GetActive(ctx context.Context, id identity.Identity) (*cart.Cart, error) {
	return r.load(ctx, getActiveCartSQL, id)
}

// LockActive loads the active cart holding its row lock until the
// surrounding transaction ends.
func (r *CartRepository) LockActive(ctx context.Context, id identity.Identity) (*cart.Cart, error) {
	return r.load(ctx, lockActiveCartSQL, id)
}

// LockOrCreateActive locks the active cart, inserting an empty one first
// when the identity has none.
func (r *CartRepository) LockOrCreateActive(ctx context.Context, id identity.Identity, now time.Time) (*cart.Cart, error) {
	c, err := r.LockActive(ctx, id)
	if err == nil || !errors.Is(err, cart.ErrCartNotFound) {
		return c, err
	}

	userID, guest := id.Columns()
	if _, err := conn(ctx, r.pool).Exec(ctx, createCartSQL, userID, guest, now); err != nil {
		return nil, fmt.Errorf("creating cart for %s: %w", id, err)
	}
	return r.LockActive(ctx, id)
}

func (r *CartRepository) load(ctx context.Context, query string, id identity.Identity) (*cart.Cart, error) {
	q := conn(ctx, r.pool)
	userID, guest := id.Columns()

	rows, err := q.Query(ctx, query, userID, guest)
	if err != nil {
		return nil, fmt.Errorf("getting cart for %s: %w", id, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrCartNotFound
		}
		return nil, fmt.Errorf("getting cart for %s: %w", id, err)
	}

	rows, err = q.Query(ctx, getCartLinesSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("getting lines of cart %d: %w", c.ID, err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowToStructByPos[cart.Line])
	if err != nil {
		return nil, fmt.Errorf("getting lines of cart %d: %w", c.ID, err)
	}
	for _, l := range lines {
		c.Lines[l.ProductID] = l
	}
	return c, nil
}

// SaveLine inserts or replaces a cart line.
func (r *CartRepository) SaveLine(ctx context.Context, cartID int64, l cart.Line) error {
	_, err := conn(ctx, r.pool).Exec(ctx, saveCartLineSQL, cartID, l.ProductID, l.Quantity)
	if err != nil {
		return fmt.Errorf("saving line %d of cart %d: %w", l.ProductID, cartID, err)
	}
	return nil
}

// DeleteLine removes a cart line.
func (r *CartRepository) DeleteLine(ctx context.Context, cartID, productID int64) error {
	_, err := conn(ctx, r.pool).Exec(ctx, deleteCartLineSQL, cartID, productID)
	if err != nil {
		return fmt.Errorf("deleting line %d of cart %d: %w", productID, cartID, err)
	}
	return nil
}

// SetStatus updates the cart status.
func (r *CartRepository) SetStatus(ctx context.Context, cartID int64, s cart.Status) error {
	_, err := conn(ctx, r.pool).Exec(ctx, setCartStatusSQL, cartID, string(s))
	if err != nil {
		return fmt.Errorf("setting status of cart %d: %w", cartID, err)
	}
	return nil
}

func scanCart(row pgx.CollectableRow) (*cart.Cart, error) {
	var (
		c      cart.Cart
		userID *int64
		guest  *string
		status string
	)
	if err := row.Scan(&c.ID, &userID, &guest, &c.CreatedAt, &status); err != nil {
		return nil, err
	}
	id, err := identityFrom(userID, guest)
	if err != nil {
		return nil, err
	}
	c.Identity = id
	c.Status = cart.Status(status)
	c.Lines = make(map[int64]cart.Line)
	return &c, nil
}

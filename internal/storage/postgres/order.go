package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

const (
	orderColumns = `id, user_id, guest_token, guest_email, order_date, total, status, discount_code_id, discount_amount`

	createOrderSQL = `INSERT INTO orders (id, user_id, guest_token, guest_email, order_date, total, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	finalizeOrderSQL = `UPDATE orders SET total = $2, discount_code_id = $3, discount_amount = $4 WHERE id = $1`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE`

	getOrderLinesSQL = `SELECT order_id, product_id, quantity, unit_price FROM order_lines
		WHERE order_id = ANY($1) ORDER BY order_id, product_id`

	getShippingSQL = `SELECT method, recipient_name, recipient_phone, pickup_store, recipient_email
		FROM shipping_records WHERE order_id = $1`

	saveShippingSQL = `INSERT INTO shipping_records
		(order_id, method, recipient_name, recipient_phone, pickup_store, recipient_email)
		VALUES ($1, $2, $3, $4, $5, $6)`

	updateOrderStatusSQL = `UPDATE orders SET status = $2 WHERE id = $1`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE (user_id = $1 OR guest_token = $2)
		ORDER BY order_date DESC, id LIMIT $3 OFFSET $4`

	countOrdersSQL = `SELECT count(*) FROM orders WHERE (user_id = $1 OR guest_token = $2)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts the order header.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	userID, guest := o.Identity.Columns()
	_, err := conn(ctx, r.pool).Exec(ctx, createOrderSQL,
		o.ID, userID, guest, o.GuestEmail, o.OrderDate, o.Total, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// AddLines appends order lines with the COPY protocol.
func (r *OrderRepository) AddLines(ctx context.Context, orderID string, lines []order.Line) error {
	_, err := conn(ctx, r.pool).CopyFrom(ctx,
		pgx.Identifier{"order_lines"},
		[]string{"order_id", "product_id", "quantity", "unit_price"},
		pgx.CopyFromSlice(len(lines), func(i int) ([]any, error) {
			l := lines[i]
			return []any{orderID, l.ProductID, l.Quantity, l.UnitPrice}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("adding lines to order %q: %w", orderID, err)
	}
	return nil
}

// Finalize writes the frozen total and discount fields.
func (r *OrderRepository) Finalize(ctx context.Context, o *order.Order) error {
	_, err := conn(ctx, r.pool).Exec(ctx, finalizeOrderSQL, o.ID, o.Total, o.DiscountCodeID, o.DiscountAmount)
	if err != nil {
		return fmt.Errorf("finalizing order %q: %w", o.ID, err)
	}
	return nil
}

// SaveShipping inserts the shipping record. Returns order.ErrShippingExists
// when the order already has one.
func (r *OrderRepository) SaveShipping(ctx context.Context, orderID string, s order.Shipping) error {
	_, err := conn(ctx, r.pool).Exec(ctx, saveShippingSQL,
		orderID, s.Method, s.RecipientName, s.RecipientPhone, s.PickupStore, s.RecipientEmail,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return order.ErrShippingExists
		}
		return fmt.Errorf("saving shipping of order %q: %w", orderID, err)
	}
	return nil
}

// Get loads an order with its lines and shipping record.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderSQL, id)
}

// Lock is Get holding the order row lock until the transaction ends.
func (r *OrderRepository) Lock(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, lockOrderSQL, id)
}

func (r *OrderRepository) get(ctx context.Context, query, id string) (*order.Order, error) {
	q := conn(ctx, r.pool)
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	orders := []order.Order{*o}
	if err := attachOrderLines(ctx, q, orders); err != nil {
		return nil, err
	}
	o = &orders[0]

	var s order.Shipping
	err = q.QueryRow(ctx, getShippingSQL, id).Scan(
		&s.Method, &s.RecipientName, &s.RecipientPhone, &s.PickupStore, &s.RecipientEmail,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("getting shipping of order %q: %w", id, err)
	default:
		o.Shipping = &s
	}
	return o, nil
}

// UpdateStatus stores the new status.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, s order.Status) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, updateOrderStatusSQL, id, string(s))
	if err != nil {
		return fmt.Errorf("updating status of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListByIdentity returns one page of the identity's orders, newest first,
// with lines but without shipping records.
func (r *OrderRepository) ListByIdentity(ctx context.Context, id identity.Identity, limit, offset int) ([]order.Order, int, error) {
	q := conn(ctx, r.pool)
	userID, guest := id.Columns()

	var total int
	if err := q.QueryRow(ctx, countOrdersSQL, userID, guest).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting orders of %s: %w", id, err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := q.Query(ctx, listOrdersSQL, userID, guest, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders of %s: %w", id, err)
	}
	ptrs, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, 0, fmt.Errorf("listing orders of %s: %w", id, err)
	}
	orders := make([]order.Order, len(ptrs))
	for i, o := range ptrs {
		orders[i] = *o
	}
	if err := attachOrderLines(ctx, q, orders); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

type orderLineRow struct {
	orderID string
	line    order.Line
}

func attachOrderLines(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	pos := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		pos[o.ID] = i
	}

	rows, err := q.Query(ctx, getOrderLinesSQL, ids)
	if err != nil {
		return fmt.Errorf("getting order lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (orderLineRow, error) {
		var l orderLineRow
		err := row.Scan(&l.orderID, &l.line.ProductID, &l.line.Quantity, &l.line.UnitPrice)
		return l, err
	})
	if err != nil {
		return fmt.Errorf("getting order lines: %w", err)
	}
	for _, l := range lines {
		i := pos[l.orderID]
		orders[i].Lines = append(orders[i].Lines, l.line)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o      order.Order
		userID *int64
		guest  *string
		status string
	)
	err := row.Scan(
		&o.ID, &userID, &guest, &o.GuestEmail, &o.OrderDate, &o.Total, &status,
		&o.DiscountCodeID, &o.DiscountAmount,
	)
	if err != nil {
		return nil, err
	}
	id, err := identityFrom(userID, guest)
	if err != nil {
		return nil, err
	}
	o.Identity = id
	o.Status = order.Status(status)
	return &o, nil
}

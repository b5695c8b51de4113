package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

const (
	getProductByIDSQL = `SELECT id, title, base_price, COALESCE(category_id, 0), is_active, image_url
		FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT id, title, base_price, COALESCE(category_id, 0), is_active, image_url
		FROM products WHERE id = ANY($1) ORDER BY id`

	getSalesByProductIDsSQL = `SELECT product_id, id, factor, start_time, end_time, description
		FROM product_sales WHERE product_id = ANY($1)
		ORDER BY product_id, start_time, id`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product with its sales, active or not.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	q := conn(ctx, r.pool)
	rows, err := q.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	products := []product.Product{p}
	if err := r.attachSales(ctx, q, products); err != nil {
		return nil, err
	}
	return &products[0], nil
}

// GetByIDs returns the products matching any of the given IDs. Unknown IDs
// are skipped.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := conn(ctx, r.pool)
	rows, err := q.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	if err := r.attachSales(ctx, q, products); err != nil {
		return nil, err
	}
	return products, nil
}

type productSale struct {
	productID int64
	sale      product.Sale
}

func (r *ProductRepository) attachSales(ctx context.Context, q querier, products []product.Product) error {
	if len(products) == 0 {
		return nil
	}
	ids := make([]int64, len(products))
	pos := make(map[int64]int, len(products))
	for i, p := range products {
		ids[i] = p.ID
		pos[p.ID] = i
	}

	rows, err := q.Query(ctx, getSalesByProductIDsSQL, ids)
	if err != nil {
		return fmt.Errorf("getting product sales: %w", err)
	}
	sales, err := pgx.CollectRows(rows, scanSale)
	if err != nil {
		return fmt.Errorf("getting product sales: %w", err)
	}
	for _, s := range sales {
		i := pos[s.productID]
		products[i].Sales = append(products[i].Sales, s.sale)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Title, &p.BasePrice, &p.CategoryID, &p.IsActive, &p.ImageURL)
	return p, err
}

func scanSale(row pgx.CollectableRow) (productSale, error) {
	var s productSale
	err := row.Scan(
		&s.productID, &s.sale.ID, &s.sale.Factor,
		&s.sale.StartTime, &s.sale.EndTime, &s.sale.Description,
	)
	return s, err
}

package postgres

import (
	"context"
	"fmt"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

const (
	upsertCategorySQL = `INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	upsertProductSQL = `INSERT INTO products (id, title, base_price, category_id, is_active, image_url)
		VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, base_price = EXCLUDED.base_price,
		category_id = EXCLUDED.category_id, is_active = EXCLUDED.is_active, image_url = EXCLUDED.image_url`

	deleteSalesSQL = `DELETE FROM product_sales WHERE product_id = $1`

	insertSaleSQL = `INSERT INTO product_sales (product_id, factor, start_time, end_time, description)
		VALUES ($1, $2, $3, $4, $5)`

	syncProductSeqSQL = `SELECT setval(pg_get_serial_sequence('products', 'id'),
		GREATEST((SELECT MAX(id) FROM products), 1))`
)

// SaveCategory returns the id of the named category, creating it if needed.
func (r *ProductRepository) SaveCategory(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := conn(ctx, r.pool).QueryRow(ctx, upsertCategorySQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("saving category %q: %w", name, err)
	}
	return id, nil
}

// Save upserts p under its explicit id and replaces its sales. Run it inside
// a transaction so readers never see a product without its sales.
func (r *ProductRepository) Save(ctx context.Context, p *product.Product) error {
	q := conn(ctx, r.pool)
	if _, err := q.Exec(ctx, upsertProductSQL,
		p.ID, p.Title, p.BasePrice, p.CategoryID, p.IsActive, p.ImageURL,
	); err != nil {
		return fmt.Errorf("saving product %d: %w", p.ID, err)
	}
	if _, err := q.Exec(ctx, deleteSalesSQL, p.ID); err != nil {
		return fmt.Errorf("clearing sales of product %d: %w", p.ID, err)
	}
	for _, s := range p.Sales {
		if _, err := q.Exec(ctx, insertSaleSQL,
			p.ID, s.Factor, s.StartTime, s.EndTime, s.Description,
		); err != nil {
			return fmt.Errorf("saving sale of product %d: %w", p.ID, err)
		}
	}
	return nil
}

// SyncSequence moves the product id sequence past explicitly inserted ids.
func (r *ProductRepository) SyncSequence(ctx context.Context) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, syncProductSeqSQL); err != nil {
		return fmt.Errorf("syncing product id sequence: %w", err)
	}
	return nil
}

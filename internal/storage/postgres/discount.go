package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

const (
	discountColumns = `id, code, product_id, percentage_factor, fixed_amount, min_spend,
		valid_from, valid_to, usage_limit, per_identity_limit, used_count, is_active, description`

	getDiscountByCodeSQL = `SELECT ` + discountColumns + ` FROM discount_codes WHERE code = $1`

	lockDiscountByCodeSQL = getDiscountByCodeSQL + ` FOR UPDATE`

	getDiscountUsageSQL = `SELECT used_count, last_used_at FROM discount_usages
		WHERE discount_code_id = $1 AND (user_id = $2 OR guest_token = $3)`

	incrementDiscountSQL = `UPDATE discount_codes SET used_count = used_count + 1 WHERE id = $1`

	upsertUserUsageSQL = `INSERT INTO discount_usages (discount_code_id, user_id, used_count, last_used_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (discount_code_id, user_id) WHERE user_id IS NOT NULL
		DO UPDATE SET used_count = discount_usages.used_count + 1, last_used_at = EXCLUDED.last_used_at`

	upsertGuestUsageSQL = `INSERT INTO discount_usages (discount_code_id, guest_token, used_count, last_used_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (discount_code_id, guest_token) WHERE guest_token IS NOT NULL
		DO UPDATE SET used_count = discount_usages.used_count + 1, last_used_at = EXCLUDED.last_used_at`

	createDiscountSQL = `INSERT INTO discount_codes (code, product_id, percentage_factor, fixed_amount, min_spend,
		valid_from, valid_to, usage_limit, per_identity_limit, is_active, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	deactivateDiscountSQL = `UPDATE discount_codes SET is_active = FALSE WHERE code = $1`

	existingDiscountCodesSQL = `SELECT code FROM discount_codes WHERE code = ANY($1)`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindByCode looks up a code, active or not. The code is expected in its
// normalised form.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Code, error) {
	return r.find(ctx, getDiscountByCodeSQL, code)
}

// LockByCode is FindByCode holding the row lock until the surrounding
// transaction ends.
func (r *DiscountRepository) LockByCode(ctx context.Context, code string) (*discount.Code, error) {
	return r.find(ctx, lockDiscountByCodeSQL, code)
}

func (r *DiscountRepository) find(ctx context.Context, query, code string) (*discount.Code, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanDiscountCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return c, nil
}

// Usage returns how many times id used the code.
func (r *DiscountRepository) Usage(ctx context.Context, codeID int64, id identity.Identity) (discount.UsageRecord, error) {
	rec := discount.UsageRecord{Identity: id, CodeID: codeID}
	userID, guest := id.Columns()

	var lastUsed *time.Time
	err := conn(ctx, r.pool).QueryRow(ctx, getDiscountUsageSQL, codeID, userID, guest).
		Scan(&rec.UsedCount, &lastUsed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return rec, nil
	case err != nil:
		return rec, fmt.Errorf("getting usage of discount %d by %s: %w", codeID, id, err)
	}
	if lastUsed != nil {
		rec.LastUsedAt = *lastUsed
	}
	return rec, nil
}

// Consume increments the global counter and the identity's usage record.
func (r *DiscountRepository) Consume(ctx context.Context, codeID int64, id identity.Identity, at time.Time) error {
	q := conn(ctx, r.pool)
	if _, err := q.Exec(ctx, incrementDiscountSQL, codeID); err != nil {
		return fmt.Errorf("incrementing discount %d: %w", codeID, err)
	}

	var err error
	if token, ok := id.GuestToken(); ok {
		_, err = q.Exec(ctx, upsertGuestUsageSQL, codeID, token, at)
	} else {
		userID, _ := id.UserID()
		_, err = q.Exec(ctx, upsertUserUsageSQL, codeID, userID, at)
	}
	if err != nil {
		return fmt.Errorf("recording usage of discount %d by %s: %w", codeID, id, err)
	}
	return nil
}

// Create inserts a new code and sets its ID. Returns
// discount.ErrDuplicateCode when the code already exists.
func (r *DiscountRepository) Create(ctx context.Context, c *discount.Code) error {
	factor, amount := c.Reduction.Columns()
	err := conn(ctx, r.pool).QueryRow(ctx, createDiscountSQL,
		c.Code, c.Scope.Column(), factor, amount, c.MinSpend,
		c.ValidFrom, c.ValidTo, c.UsageLimit, c.PerIdentityLimit, c.IsActive, c.Description,
	).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return discount.ErrDuplicateCode
		}
		return fmt.Errorf("creating discount code %q: %w", c.Code, err)
	}
	return nil
}

// Deactivate disables a code.
func (r *DiscountRepository) Deactivate(ctx context.Context, code string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, deactivateDiscountSQL, code)
	if err != nil {
		return fmt.Errorf("deactivating discount code %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

// Existing returns which of the given codes are already stored.
func (r *DiscountRepository) Existing(ctx context.Context, codes []string) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, existingDiscountCodesSQL, codes)
	if err != nil {
		return nil, fmt.Errorf("checking existing discount codes: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("checking existing discount codes: %w", err)
	}
	return out, nil
}

// CopyCodes bulk-inserts codes with the COPY protocol. Callers must filter
// out codes that already exist.
func (r *DiscountRepository) CopyCodes(ctx context.Context, codes []*discount.Code) (int64, error) {
	n, err := conn(ctx, r.pool).CopyFrom(ctx,
		pgx.Identifier{"discount_codes"},
		[]string{
			"code", "product_id", "percentage_factor", "fixed_amount", "min_spend",
			"valid_from", "valid_to", "usage_limit", "per_identity_limit", "is_active", "description",
		},
		pgx.CopyFromSlice(len(codes), func(i int) ([]any, error) {
			c := codes[i]
			factor, amount := c.Reduction.Columns()
			return []any{
				c.Code, c.Scope.Column(), factor, amount, c.MinSpend,
				c.ValidFrom, c.ValidTo, c.UsageLimit, c.PerIdentityLimit, c.IsActive, c.Description,
			}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copying discount codes: %w", err)
	}
	return n, nil
}

func scanDiscountCode(row pgx.CollectableRow) (*discount.Code, error) {
	var (
		c         discount.Code
		productID *int64
		factor    *decimal.Decimal
		amount    *decimal.Decimal
	)
	err := row.Scan(
		&c.ID, &c.Code, &productID, &factor, &amount, &c.MinSpend,
		&c.ValidFrom, &c.ValidTo, &c.UsageLimit, &c.PerIdentityLimit, &c.UsedCount, &c.IsActive, &c.Description,
	)
	if err != nil {
		return nil, err
	}
	reduction, err := discount.NewReduction(factor, amount)
	if err != nil {
		return nil, fmt.Errorf("decoding reduction of %q: %w", c.Code, err)
	}
	c.Scope = discount.ScopeFromColumn(productID)
	c.Reduction = reduction
	return &c, nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-checkout/internal/domain/audit"
)

var _ audit.Sink = (*AuditRepository)(nil)

// AuditRepository appends audit entries to the audit_log table.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository returns an AuditRepository that uses the given pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Record appends entries in one COPY round trip.
func (r *AuditRepository) Record(ctx context.Context, entries ...audit.Entry) error {
	_, err := conn(ctx, r.pool).CopyFrom(ctx,
		pgx.Identifier{"audit_log"},
		[]string{"user_id", "guest_token", "action", "target_type", "target_id", "description", "created_at"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			userID, guest := e.Actor.Columns()
			return []any{userID, guest, e.Action, e.TargetType, e.TargetID, e.Description, e.CreatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("recording %d audit entries: %w", len(entries), err)
	}
	return nil
}

// Package txn declares the unit-of-work contract shared by domain services.
package txn

import "context"

// Manager runs fn inside one database transaction. Repositories called with
// the ctx passed to fn take part in that transaction; fn returning an error
// rolls everything back.
type Manager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

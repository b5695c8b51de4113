package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/audit"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
	// maxPage bounds (page-1)*perPage well below int overflow.
	maxPage = 1_000_000
)

// Page is one page of an identity's orders.
type Page struct {
	Orders  []Order
	Total   int
	Page    int
	PerPage int
}

// Service implements order queries and post-checkout mutations.
type Service struct {
	tx     txn.Manager
	orders Repository
	notify Notifier
	cache  StatusCache
	audit  *audit.Recorder
}

// NewService creates an order Service. cache may be nil.
func NewService(tx txn.Manager, orders Repository, notify Notifier, cache StatusCache, rec *audit.Recorder) *Service {
	return &Service{
		tx:     tx,
		orders: orders,
		notify: notify,
		cache:  cache,
		audit:  rec,
	}
}

// Get returns the order when id owns it.
func (s *Service) Get(ctx context.Context, id identity.Identity, orderID string) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if err := o.OwnedBy(id); err != nil {
		return nil, err
	}
	return o, nil
}

// List returns the identity's orders, newest first. page starts at 1.
func (s *Service) List(ctx context.Context, id identity.Identity, page, perPage int) (*Page, error) {
	switch {
	case page < 1:
		page = 1
	case page > maxPage:
		page = maxPage
	}
	switch {
	case perPage < 1:
		perPage = defaultPerPage
	case perPage > maxPerPage:
		perPage = maxPerPage
	}

	orders, total, err := s.orders.ListByIdentity(ctx, id, perPage, (page-1)*perPage)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return &Page{Orders: orders, Total: total, Page: page, PerPage: perPage}, nil
}

// Cancel cancels the identity's own order while it is pending or paid.
func (s *Service) Cancel(ctx context.Context, id identity.Identity, orderID string) (*Order, error) {
	var o *Order
	var from Status
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.orders.Lock(ctx, orderID); err != nil {
			return err
		}
		if err := o.OwnedBy(id); err != nil {
			return err
		}
		from = o.Status
		if err := o.Cancel(); err != nil {
			return err
		}
		return s.orders.UpdateStatus(ctx, o.ID, o.Status)
	})
	if err != nil {
		return nil, errors.Wrap(err, "cancel order")
	}

	s.afterStatusChange(ctx, id, audit.ActionCancel, o, from)
	return o, nil
}

// UpdateStatus is the administrative status change. The actor is recorded
// as a system action.
func (s *Service) UpdateStatus(ctx context.Context, orderID, status string) (*Order, error) {
	next, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}

	var o *Order
	var from Status
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.orders.Lock(ctx, orderID); err != nil {
			return err
		}
		from = o.Status
		if err := o.SetStatus(next); err != nil {
			return err
		}
		return s.orders.UpdateStatus(ctx, o.ID, o.Status)
	})
	if err != nil {
		return nil, errors.Wrap(err, "update order status")
	}

	s.afterStatusChange(ctx, identity.Identity{}, audit.ActionUpdateStatus, o, from)
	return o, nil
}

func (s *Service) afterStatusChange(ctx context.Context, actor identity.Identity, action string, o *Order, from Status) {
	s.audit.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      action,
		TargetType:  audit.TargetOrder,
		TargetID:    o.ID,
		Description: fmt.Sprintf("order %s: %s -> %s", o.ID, from, o.Status),
	})
	s.CacheStatus(ctx, o.ID, o.Status)
	if s.notify != nil {
		s.notify.OrderStatusChanged(ctx, o, from)
	}
}

// SetShipping attaches the shipping record to the identity's order.
func (s *Service) SetShipping(ctx context.Context, id identity.Identity, orderID string, sh Shipping) (*Order, error) {
	var o *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = s.orders.Lock(ctx, orderID); err != nil {
			return err
		}
		if err := o.OwnedBy(id); err != nil {
			return err
		}
		if err := o.AttachShipping(sh); err != nil {
			return err
		}
		return s.orders.SaveShipping(ctx, o.ID, sh)
	})
	if err != nil {
		return nil, errors.Wrap(err, "set shipping")
	}

	s.audit.Record(ctx, audit.Entry{
		Actor:       id,
		Action:      audit.ActionSetShipping,
		TargetType:  audit.TargetOrder,
		TargetID:    o.ID,
		Description: fmt.Sprintf("order %s: %s / %s", o.ID, sh.Method, sh.PickupStore),
	})
	return o, nil
}

// Status returns the order's status, served from the cache when possible.
func (s *Service) Status(ctx context.Context, orderID string) (Status, error) {
	if s.cache != nil {
		st, ok, err := s.cache.GetStatus(ctx, orderID)
		if err != nil {
			zctx.From(ctx).Warn("Status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			return st, nil
		}
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return "", errors.Wrap(err, "get order")
	}
	s.CacheStatus(ctx, o.ID, o.Status)
	return o.Status, nil
}

// CacheStatus refreshes the cached status; failures are only logged.
func (s *Service) CacheStatus(ctx context.Context, orderID string, st Status) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetStatus(ctx, orderID, st); err != nil {
		zctx.From(ctx).Warn("Status cache write failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

package cart

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/audit"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// SnapshotLine is a cart line joined with live catalog data.
type SnapshotLine struct {
	ProductID int64
	Title     string
	ImageURL  string
	BasePrice decimal.Decimal
	UnitPrice decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// Snapshot is a read-only view of an identity's active cart.
type Snapshot struct {
	CartID   int64
	Identity identity.Identity
	Status   Status
	Lines    []SnapshotLine
	Total    decimal.Decimal
}

// Service implements cart mutations for one identity at a time.
type Service struct {
	tx       txn.Manager
	carts    Repository
	products product.Repository
	audit    *audit.Recorder
	now      func() time.Time
}

// NewService creates a cart Service.
func NewService(tx txn.Manager, carts Repository, products product.Repository, rec *audit.Recorder) *Service {
	return &Service{
		tx:       tx,
		carts:    carts,
		products: products,
		audit:    rec,
		now:      time.Now,
	}
}

// AddLine adds qty units of an active product, merging with an existing line.
func (s *Service) AddLine(ctx context.Context, id identity.Identity, productID int64, qty int) (Line, error) {
	if qty < 1 {
		return Line{}, ErrInvalidQuantity
	}

	var line Line
	var cartID int64
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.products.GetByID(ctx, productID)
		if err != nil {
			return errors.Wrap(err, "get product")
		}
		if !p.IsActive {
			return product.ErrNotFound
		}

		c, err := s.carts.LockOrCreateActive(ctx, id, s.now())
		if err != nil {
			return errors.Wrap(err, "load cart")
		}
		cartID = c.ID

		line, err = c.Add(productID, qty)
		if err != nil {
			return err
		}
		return s.carts.SaveLine(ctx, c.ID, line)
	})
	if err != nil {
		return Line{}, errors.Wrap(err, "add cart line")
	}

	s.audit.Record(ctx, audit.Entry{
		Actor:       id,
		Action:      audit.ActionAdd,
		TargetType:  audit.TargetCartItem,
		TargetID:    strconv.FormatInt(productID, 10),
		Description: fmt.Sprintf("cart %d: +%d (now %d)", cartID, qty, line.Quantity),
	})
	return line, nil
}

// RemoveLine deletes the product's line from the active cart.
func (s *Service) RemoveLine(ctx context.Context, id identity.Identity, productID int64) error {
	var cartID int64
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.LockActive(ctx, id)
		if err != nil {
			return errors.Wrap(err, "load cart")
		}
		cartID = c.ID
		if err := c.Remove(productID); err != nil {
			return err
		}
		return s.carts.DeleteLine(ctx, c.ID, productID)
	})
	if err != nil {
		return errors.Wrap(err, "remove cart line")
	}

	s.audit.Record(ctx, audit.Entry{
		Actor:       id,
		Action:      audit.ActionRemove,
		TargetType:  audit.TargetCartItem,
		TargetID:    strconv.FormatInt(productID, 10),
		Description: fmt.Sprintf("cart %d: removed", cartID),
	})
	return nil
}

// SetQuantity replaces the quantity of an existing line. Setting the
// current quantity again is rejected.
func (s *Service) SetQuantity(ctx context.Context, id identity.Identity, productID int64, qty int) (Line, error) {
	if qty < 1 {
		return Line{}, ErrInvalidQuantity
	}

	var old int
	var cartID int64
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.LockActive(ctx, id)
		if err != nil {
			return errors.Wrap(err, "load cart")
		}
		cartID = c.ID
		if old, err = c.SetQuantity(productID, qty); err != nil {
			return err
		}
		return s.carts.SaveLine(ctx, c.ID, c.Lines[productID])
	})
	if err != nil {
		return Line{}, errors.Wrap(err, "set cart quantity")
	}

	s.audit.Record(ctx, audit.Entry{
		Actor:       id,
		Action:      audit.ActionUpdate,
		TargetType:  audit.TargetCartItem,
		TargetID:    strconv.FormatInt(productID, 10),
		Description: fmt.Sprintf("cart %d: qty %d -> %d", cartID, old, qty),
	})
	return Line{ProductID: productID, Quantity: qty}, nil
}

// Snapshot returns the active cart joined with current product data.
// Lines whose product was deactivated are left out. An identity without a
// cart gets an empty snapshot.
func (s *Service) Snapshot(ctx context.Context, id identity.Identity) (*Snapshot, error) {
	snap := &Snapshot{Identity: id, Status: StatusActive, Total: decimal.Zero}

	c, err := s.carts.GetActive(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return snap, nil
		}
		return nil, errors.Wrap(err, "load cart")
	}
	snap.CartID = c.ID
	snap.Status = c.Status

	lines := c.SortedLines()
	if len(lines) == 0 {
		return snap, nil
	}
	ids := make([]int64, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := product.Index(fetched)

	r := pricing.At(s.now())
	for _, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok || !p.IsActive {
			continue
		}
		unit := r.Price(p)
		total := unit.Mul(decimal.NewFromInt(int64(l.Quantity)))
		snap.Lines = append(snap.Lines, SnapshotLine{
			ProductID: p.ID,
			Title:     p.Title,
			ImageURL:  p.ImageURL,
			BasePrice: p.BasePrice,
			UnitPrice: unit,
			Quantity:  l.Quantity,
			LineTotal: total,
		})
		snap.Total = snap.Total.Add(total)
	}
	snap.Total = pricing.Round(snap.Total)
	return snap, nil
}

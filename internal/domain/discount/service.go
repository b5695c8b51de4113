package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/audit"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
)

// RepoEvaluator loads codes and usage from a Repository and runs Evaluate.
type RepoEvaluator struct {
	repo Repository
}

// NewRepoEvaluator creates a RepoEvaluator backed by the given Repository.
func NewRepoEvaluator(repo Repository) *RepoEvaluator {
	return &RepoEvaluator{repo: repo}
}

// Evaluate looks the code up without locking. Unknown codes come back as a
// rejected Result; only storage failures are returned as errors.
func (e *RepoEvaluator) Evaluate(ctx context.Context, code string, id identity.Identity, lines []Line, now time.Time) (Result, error) {
	return e.evaluate(ctx, e.repo.FindByCode, code, id, lines, now)
}

// EvaluateLocked is Evaluate with the code row locked for the rest of the
// caller's transaction, so concurrent redemptions serialize on the counters.
func (e *RepoEvaluator) EvaluateLocked(ctx context.Context, code string, id identity.Identity, lines []Line, now time.Time) (Result, error) {
	return e.evaluate(ctx, e.repo.LockByCode, code, id, lines, now)
}

func (e *RepoEvaluator) evaluate(
	ctx context.Context,
	find func(context.Context, string) (*Code, error),
	code string,
	id identity.Identity,
	lines []Line,
	now time.Time,
) (Result, error) {
	code = NormalizeCode(code)
	c, err := find(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			res := Evaluate(nil, id, lines, now, nil)
			res.Code = code
			return res, nil
		}
		return Result{}, errors.Wrap(err, "lookup discount code")
	}

	rec, err := e.repo.Usage(ctx, c.ID, id)
	if err != nil {
		return Result{}, errors.Wrap(err, "lookup discount usage")
	}

	return Evaluate(c, id, lines, now, History{rec}), nil
}

// Consume records one use of the code by id.
func (e *RepoEvaluator) Consume(ctx context.Context, codeID int64, id identity.Identity, at time.Time) error {
	if err := e.repo.Consume(ctx, codeID, id, at); err != nil {
		return errors.Wrap(err, "consume discount code")
	}
	return nil
}

// CreateParams is the input for creating a discount code. Exactly one of
// Factor and Amount must be set; a nil ProductID makes the code store-wide.
type CreateParams struct {
	Code             string
	ProductID        *int64
	Factor           *decimal.Decimal
	Amount           *decimal.Decimal
	MinSpend         decimal.Decimal
	ValidFrom        time.Time
	ValidTo          time.Time
	UsageLimit       *int
	PerIdentityLimit *int
	Description      string
}

// Service administers discount codes.
type Service struct {
	repo  Repository
	audit *audit.Recorder
}

// NewService creates a discount administration Service. rec may be nil.
func NewService(repo Repository, rec *audit.Recorder) *Service {
	return &Service{repo: repo, audit: rec}
}

// Create validates p and stores a new active code.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Code, error) {
	c, err := NewCode(p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, errors.Wrapf(err, "create discount code %s", c.Code)
	}
	s.audit.Record(ctx, audit.Entry{
		Action:      audit.ActionCreate,
		TargetType:  audit.TargetDiscountCode,
		TargetID:    c.Code,
		Description: c.Description,
	})
	return c, nil
}

// NewCode validates p and builds an active Code without storing it.
func NewCode(p CreateParams) (*Code, error) {
	code := NormalizeCode(p.Code)
	if code == "" {
		return nil, apperr.Validation("discount code is required")
	}
	reduction, err := NewReduction(p.Factor, p.Amount)
	if err != nil {
		return nil, err
	}
	if p.MinSpend.IsNegative() {
		return nil, apperr.Validation("minimum spend must not be negative")
	}
	if !fitsPlaces(p.MinSpend, moneyPlaces) {
		return nil, apperr.Validation("minimum spend must have at most 2 decimal places")
	}
	if !p.ValidFrom.Before(p.ValidTo) {
		return nil, apperr.Validation("valid_from must be before valid_to")
	}
	if p.UsageLimit != nil && *p.UsageLimit <= 0 {
		return nil, apperr.Validation("usage limit must be greater than 0")
	}
	if p.PerIdentityLimit != nil && *p.PerIdentityLimit <= 0 {
		return nil, apperr.Validation("per-identity limit must be greater than 0")
	}
	if p.ProductID != nil && *p.ProductID <= 0 {
		return nil, apperr.Validation("product id must be positive")
	}

	return &Code{
		Code:             code,
		Scope:            ScopeFromColumn(p.ProductID),
		Reduction:        reduction,
		MinSpend:         p.MinSpend,
		ValidFrom:        p.ValidFrom,
		ValidTo:          p.ValidTo,
		UsageLimit:       p.UsageLimit,
		PerIdentityLimit: p.PerIdentityLimit,
		IsActive:         true,
		Description:      p.Description,
	}, nil
}

// Get returns the code by name.
func (s *Service) Get(ctx context.Context, code string) (*Code, error) {
	c, err := s.repo.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, errors.Wrap(err, "get discount code")
	}
	return c, nil
}

// Deactivate disables the code; it stays stored for order references.
func (s *Service) Deactivate(ctx context.Context, code string) error {
	code = NormalizeCode(code)
	if err := s.repo.Deactivate(ctx, code); err != nil {
		return errors.Wrap(err, "deactivate discount code")
	}
	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionDeactivate,
		TargetType: audit.TargetDiscountCode,
		TargetID:   code,
	})
	return nil
}

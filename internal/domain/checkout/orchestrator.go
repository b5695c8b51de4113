package checkout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/apperr"
	"github.com/xenking/storefront-checkout/internal/domain/audit"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/domain/txn"
)

// Deps are the collaborators of an Orchestrator. Notifier and Cache may be nil.
type Deps struct {
	Tx        txn.Manager
	Carts     cart.Repository
	Products  product.Repository
	Discounts Evaluator
	Orders    order.Repository
	Notifier  order.Notifier
	Cache     order.StatusCache
	Audit     *audit.Recorder
	Tracer    trace.TracerProvider
	Meter     metric.MeterProvider
}

// Orchestrator runs checkouts and discount previews.
type Orchestrator struct {
	tx        txn.Manager
	carts     cart.Repository
	products  product.Repository
	discounts Evaluator
	orders    order.Repository
	notifier  order.Notifier
	cache     order.StatusCache
	audit     *audit.Recorder

	tracer    trace.Tracer
	checkouts metric.Int64Counter
	consumed  metric.Int64Counter

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	meter := deps.Meter.Meter("checkout")
	checkouts, err := meter.Int64Counter("checkout.orders",
		metric.WithDescription("Checkout attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout counter")
	}
	consumed, err := meter.Int64Counter("checkout.discounts_consumed",
		metric.WithDescription("Discount codes consumed by committed checkouts"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create discount counter")
	}

	return &Orchestrator{
		tx:        deps.Tx,
		carts:     deps.Carts,
		products:  deps.Products,
		discounts: deps.Discounts,
		orders:    deps.Orders,
		notifier:  deps.Notifier,
		cache:     deps.Cache,
		audit:     deps.Audit,
		tracer:    deps.Tracer.Tracer("checkout"),
		checkouts: checkouts,
		consumed:  consumed,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// pending collects what happened inside the transaction so side effects can
// run after commit.
type pending struct {
	order    *order.Order
	cartID   int64
	emptied  bool
	applied  string
	consumed bool
	entries  []audit.Entry
}

// Checkout validates the request against the identity's active cart,
// prices it, writes the order and consumes cart lines and the discount code
// in a single transaction. Audit and notifications run after commit.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (_ *Result, rerr error) {
	ctx, span := o.tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(attribute.Bool("checkout.all", req.All)),
	)
	defer func() {
		outcome := string(StageCommitted)
		if rerr != nil {
			outcome = string(StageAborted)
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		o.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	if err := req.validate(); err != nil {
		return nil, wrapStage(abortAt(StageValidating, err), "checkout")
	}

	now := o.now()
	var p pending
	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = o.run(ctx, req, now)
		return err
	})
	if err != nil {
		return nil, wrapStage(err, "checkout")
	}

	o.afterCommit(ctx, req.Identity, p)

	res := &Result{
		Order:          p.order,
		OrderID:        p.order.ID,
		Total:          p.order.Total,
		DiscountAmount: p.order.DiscountAmount.Decimal,
		CartCheckedOut: p.emptied,
		Message:        MessagePartial,
	}
	if p.emptied {
		res.Message = MessageAll
	}
	if p.consumed {
		res.DiscountCode = p.applied
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, now time.Time) (pending, error) {
	var p pending
	id := req.Identity

	// Validating.
	c, err := o.carts.LockActive(ctx, id)
	if err != nil {
		return p, abortAt(StageValidating, errors.Wrap(err, "load cart"))
	}
	p.cartID = c.ID

	var (
		items = req.Items
		lines []discount.Line
	)
	if req.All {
		// "all" means what the cart snapshot shows: lines whose product
		// is no longer sold stay in the cart untouched.
		all := make([]Item, 0, len(c.Lines))
		for _, l := range c.SortedLines() {
			all = append(all, Item{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		if lines, err = o.activeLines(ctx, all); err != nil {
			return p, abortAt(StageValidating, err)
		}
		if len(lines) == 0 {
			return p, abortAt(StageValidating, ErrEmptyRequest)
		}
		items = make([]Item, len(lines))
		for i, l := range lines {
			items[i] = Item{ProductID: l.Product.ID, Quantity: l.Quantity}
		}
	} else {
		for _, it := range items {
			if err := c.CanTake(it.ProductID, it.Quantity); err != nil {
				return p, abortAt(StageValidating, err)
			}
		}
		if lines, err = o.loadLines(ctx, items); err != nil {
			return p, abortAt(StageValidating, err)
		}
	}

	// Pricing.
	r := pricing.At(now)
	unitPrices := make(map[int64]decimal.Decimal, len(lines))
	total := decimal.Zero
	for _, l := range lines {
		unit := r.Price(l.Product)
		unitPrices[l.Product.ID] = unit
		total = total.Add(unit.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	total = pricing.Round(total)

	var eval discount.Result
	if req.DiscountCode != "" {
		eval, err = o.discounts.EvaluateLocked(ctx, req.DiscountCode, id, lines, now)
		if err != nil {
			return p, abortAt(StagePricing, err)
		}
		if err := eval.Err(); err != nil {
			return p, abortAt(StagePricing, err)
		}
		total = eval.DiscountedTotal
		unitPrices = eval.UnitPrices
		p.applied = eval.Code
		p.consumed = eval.WasConsumed
	}

	// OrderCreated.
	ord := &order.Order{
		ID:        o.newID(),
		Identity:  id,
		OrderDate: now,
		Total:     decimal.Zero,
		Status:    order.StatusPending,
	}
	if id.IsGuest() {
		ord.GuestEmail = req.Shipping.RecipientEmail
	}
	if err := o.orders.Create(ctx, ord); err != nil {
		return p, abortAt(StageOrderCreated, errors.Wrap(err, "create order"))
	}
	p.order = ord

	// LinesWritten.
	orderLines := make([]order.Line, 0, len(items))
	for _, it := range items {
		orderLines = append(orderLines, order.Line{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: unitPrices[it.ProductID],
		})
	}
	if err := o.orders.AddLines(ctx, ord.ID, orderLines); err != nil {
		return p, abortAt(StageLinesWritten, errors.Wrap(err, "add order lines"))
	}
	ord.Lines = orderLines

	for _, it := range items {
		left, err := c.Take(it.ProductID, it.Quantity)
		if err != nil {
			return p, abortAt(StageLinesWritten, err)
		}
		entry := audit.Entry{
			Actor:      id,
			TargetType: audit.TargetCartItem,
			TargetID:   strconv.FormatInt(it.ProductID, 10),
		}
		if left == 0 {
			err = o.carts.DeleteLine(ctx, c.ID, it.ProductID)
			entry.Action = audit.ActionRemoveOnCheckout
			entry.Description = fmt.Sprintf("order %s: took all %d", ord.ID, it.Quantity)
		} else {
			err = o.carts.SaveLine(ctx, c.ID, cart.Line{ProductID: it.ProductID, Quantity: left})
			entry.Action = audit.ActionUpdateOnCheckout
			entry.Description = fmt.Sprintf("order %s: took %d, %d left", ord.ID, it.Quantity, left)
		}
		if err != nil {
			return p, abortAt(StageLinesWritten, errors.Wrap(err, "update cart line"))
		}
		p.entries = append(p.entries, entry)
	}

	// Finalize totals and shipping.
	ord.Total = total
	if eval.Accepted {
		// The code is recorded even when it lost to a sale, so that
		// discount_amount always names its source. Only WasConsumed counts a use.
		codeID := eval.CodeID
		ord.DiscountAmount = decimal.NewNullDecimal(eval.DiscountAmount)
		ord.DiscountCodeID = &codeID
	}
	if err := o.orders.Finalize(ctx, ord); err != nil {
		return p, abortAt(StageLinesWritten, errors.Wrap(err, "finalize order"))
	}
	if err := ord.AttachShipping(*req.Shipping); err != nil {
		return p, abortAt(StageLinesWritten, err)
	}
	if err := o.orders.SaveShipping(ctx, ord.ID, *req.Shipping); err != nil {
		return p, abortAt(StageLinesWritten, errors.Wrap(err, "save shipping"))
	}
	p.entries = append(p.entries, audit.Entry{
		Actor:       id,
		Action:      audit.ActionAddOrderItems,
		TargetType:  audit.TargetOrder,
		TargetID:    ord.ID,
		Description: fmt.Sprintf("%d lines, total %s", len(orderLines), ord.Total.StringFixed(2)),
	})

	if eval.Accepted && eval.WasConsumed {
		if err := o.discounts.Consume(ctx, eval.CodeID, id, now); err != nil {
			return p, abortAt(StageLinesWritten, err)
		}
		p.entries = append(p.entries, audit.Entry{
			Actor:       id,
			Action:      audit.ActionUse,
			TargetType:  audit.TargetDiscountCode,
			TargetID:    strconv.FormatInt(eval.CodeID, 10),
			Description: fmt.Sprintf("order %s: %s saved %s", ord.ID, eval.Code, eval.DiscountAmount.StringFixed(2)),
		})
	}

	if c.CloseIfEmpty() {
		if err := o.carts.SetStatus(ctx, c.ID, c.Status); err != nil {
			return p, abortAt(StageLinesWritten, errors.Wrap(err, "close cart"))
		}
		p.emptied = true
		p.entries = append(p.entries, audit.Entry{
			Actor:       id,
			Action:      audit.ActionCartCheckedOut,
			TargetType:  audit.TargetCart,
			TargetID:    strconv.FormatInt(c.ID, 10),
			Description: "order " + ord.ID,
		})
	}

	return p, nil
}

// loadLines fetches the requested products and rejects missing or inactive ones.
func (o *Orchestrator) loadLines(ctx context.Context, items []Item) ([]discount.Line, error) {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	fetched, err := o.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := product.Index(fetched)

	lines := make([]discount.Line, 0, len(items))
	for _, it := range items {
		p, ok := byID[it.ProductID]
		if !ok || !p.IsActive {
			return nil, &ProductUnavailableError{ProductID: it.ProductID}
		}
		lines = append(lines, discount.Line{Product: p, Quantity: it.Quantity})
	}
	return lines, nil
}

func (o *Orchestrator) afterCommit(ctx context.Context, id identity.Identity, p pending) {
	lg := zctx.From(ctx)
	lg.Info("Checkout committed",
		zap.String("order_id", p.order.ID),
		zap.String("identity", id.String()),
		zap.String("total", p.order.Total.StringFixed(2)),
		zap.Bool("cart_checked_out", p.emptied),
	)

	if p.consumed {
		o.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("code", p.applied)))
	}

	entries := append(p.entries, audit.Entry{
		Actor:       id,
		Action:      audit.ActionCheckout,
		TargetType:  audit.TargetOrder,
		TargetID:    p.order.ID,
		Description: fmt.Sprintf("cart %d checked out", p.cartID),
	})
	o.audit.Record(ctx, entries...)

	if o.cache != nil {
		if err := o.cache.SetStatus(ctx, p.order.ID, p.order.Status); err != nil {
			lg.Warn("Status cache write failed", zap.String("order_id", p.order.ID), zap.Error(err))
		}
	}
	if o.notifier != nil {
		o.notifier.OrderCreated(ctx, p.order)
	}
}

// Preview evaluates code against the identity's whole active cart without
// locking or mutating anything. An identity without a cart previews against
// no lines.
func (o *Orchestrator) Preview(ctx context.Context, id identity.Identity, code string) (discount.Result, error) {
	ctx, span := o.tracer.Start(ctx, "checkout.Preview")
	defer span.End()

	if id.IsZero() {
		return discount.Result{}, ErrIdentityRequired
	}
	if code == "" {
		return discount.Result{}, apperr.Validation("discount code is required")
	}

	var lines []discount.Line
	c, err := o.carts.GetActive(ctx, id)
	switch {
	case errors.Is(err, cart.ErrCartNotFound):
	case err != nil:
		return discount.Result{}, errors.Wrap(err, "load cart")
	default:
		items := make([]Item, 0, len(c.Lines))
		for _, l := range c.SortedLines() {
			items = append(items, Item{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		if lines, err = o.activeLines(ctx, items); err != nil {
			return discount.Result{}, err
		}
	}

	res, err := o.discounts.Evaluate(ctx, code, id, lines, o.now())
	if err != nil {
		return discount.Result{}, errors.Wrap(err, "evaluate discount")
	}
	span.SetAttributes(attribute.Bool("discount.accepted", res.Accepted))
	return res, nil
}

// activeLines is loadLines that skips unavailable products, matching what
// the cart snapshot shows.
func (o *Orchestrator) activeLines(ctx context.Context, items []Item) ([]discount.Line, error) {
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	fetched, err := o.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := product.Index(fetched)

	lines := make([]discount.Line, 0, len(items))
	for _, it := range items {
		if p, ok := byID[it.ProductID]; ok && p.IsActive {
			lines = append(lines, discount.Line{Product: p, Quantity: it.Quantity})
		}
	}
	return lines, nil
}

// Package handler exposes the cart, checkout, order and discount administration
// services over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/identity"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// CartService mutates and reads an identity's active cart.
type CartService interface {
	AddLine(ctx context.Context, id identity.Identity, productID int64, qty int) (cart.Line, error)
	SetQuantity(ctx context.Context, id identity.Identity, productID int64, qty int) (cart.Line, error)
	RemoveLine(ctx context.Context, id identity.Identity, productID int64) error
	Snapshot(ctx context.Context, id identity.Identity) (*cart.Snapshot, error)
}

// CheckoutService converts carts into orders.
type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	Preview(ctx context.Context, id identity.Identity, code string) (discount.Result, error)
}

// OrderService serves order queries and post-checkout changes.
type OrderService interface {
	Get(ctx context.Context, id identity.Identity, orderID string) (*order.Order, error)
	List(ctx context.Context, id identity.Identity, page, perPage int) (*order.Page, error)
	Cancel(ctx context.Context, id identity.Identity, orderID string) (*order.Order, error)
	SetShipping(ctx context.Context, id identity.Identity, orderID string, sh order.Shipping) (*order.Order, error)
	UpdateStatus(ctx context.Context, orderID, status string) (*order.Order, error)
	Status(ctx context.Context, orderID string) (order.Status, error)
}

// DiscountAdmin manages discount codes.
type DiscountAdmin interface {
	Create(ctx context.Context, p discount.CreateParams) (*discount.Code, error)
	Get(ctx context.Context, code string) (*discount.Code, error)
	Deactivate(ctx context.Context, code string) error
}

// Idempotency maps checkout idempotency keys to the receipt they produced.
// The fingerprint ties a key to one request body.
type Idempotency interface {
	Reserve(ctx context.Context, key, fingerprint string) (prev checkout.Receipt, reserved bool, err error)
	Complete(ctx context.Context, key, fingerprint string, r checkout.Receipt) error
	Release(ctx context.Context, key string) error
}

// Authenticator resolves an admin API key.
type Authenticator interface {
	Authenticate(ctx context.Context, key, scope string) (*auth.APIKeyInfo, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// CheckoutTimeout bounds one checkout, including lock waits.
	CheckoutTimeout time.Duration
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// Deps are the services the Handler delegates to. Idempotency may be nil,
// in which case the Idempotency-Key header is ignored.
type Deps struct {
	Carts       CartService
	Checkout    CheckoutService
	Orders      OrderService
	Discounts   DiscountAdmin
	Idempotency Idempotency
	Auth        Authenticator
}

// Handler serves the storefront HTTP API.
type Handler struct {
	carts     CartService
	checkout  CheckoutService
	orders    OrderService
	discounts DiscountAdmin
	idem      Idempotency
	auth      Authenticator

	checkoutTimeout time.Duration
	maxBodyBytes    int64
}

// New constructs a Handler.
func New(cfg Config, deps Deps) *Handler {
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		carts:           deps.Carts,
		checkout:        deps.Checkout,
		orders:          deps.Orders,
		discounts:       deps.Discounts,
		idem:            deps.Idempotency,
		auth:            deps.Auth,
		checkoutTimeout: cfg.CheckoutTimeout,
		maxBodyBytes:    cfg.MaxBodyBytes,
	}
}

// Register mounts every API route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/cart/{identity}", func(r chi.Router) {
			r.Get("/", h.getCart)
			r.Post("/", h.addToCart)
			r.Put("/", h.updateCartItem)
			r.Delete("/", h.removeFromCart)
			r.Post("/apply_discount", h.applyDiscount)
			r.Post("/checkout", h.checkoutCart)
		})

		r.Get("/orders/status/{orderID}", h.orderStatus)
		r.Route("/orders/{identity}", func(r chi.Router) {
			r.Get("/", h.listOrders)
			r.Get("/{orderID}", h.getOrder)
			r.Post("/{orderID}/cancel", h.cancelOrder)
			r.Put("/{orderID}/shipping", h.setShipping)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAPIKey(auth.ScopeAdmin))
			r.Post("/discount_codes", h.createDiscountCode)
			r.Get("/discount_codes/{code}", h.getDiscountCode)
			r.Delete("/discount_codes/{code}", h.deactivateDiscountCode)
			r.Put("/orders/{orderID}/status", h.updateOrderStatus)
		})
	})
}

// Router returns a chi router with every API route mounted. Unmatched
// routes and methods are answered in the API error format.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: http.StatusNotFound, Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: http.StatusMethodNotAllowed, Message: "method not allowed"})
	})
	h.Register(r)
	return r
}

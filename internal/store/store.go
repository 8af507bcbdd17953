// Package store defines the tenant-scoped persistence contract of the commerce
// pipeline. A Scope is bound to one tenant at construction and every method
// filters by that tenant; rows of other tenants are reported as ErrNotFound.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

var (
	ErrNotFound              = errors.New("store: not found")
	ErrInsufficientStock     = errors.New("store: insufficient stock")
	ErrDuplicateOrderNumber  = errors.New("store: duplicate order number")
	ErrDuplicateCartSession  = errors.New("store: duplicate cart session")
	ErrConflict              = errors.New("store: concurrent modification")
	ErrDuplicateWebhookEvent = errors.New("store: webhook event already processed")
	ErrActivePayment         = errors.New("store: order already has an active payment")
)

// Store hands out tenant-bound scopes. There is no unscoped repository.
type Store interface {
	Scope(tenantID int64) Scope
	// Atomically runs fn in one transaction bound to tenantID. Any error
	// returned by fn rolls back every write fn made.
	Atomically(ctx context.Context, tenantID int64, fn func(Scope) error) error
	Tenants() Tenants
}

type Tenants interface {
	BySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	ByDomain(ctx context.Context, domain string) (*domain.Tenant, error)
	ListIDs(ctx context.Context) ([]int64, error)
}

type Scope interface {
	TenantID() int64

	Catalog
	Carts
	Orders
	Payments
}

type Catalog interface {
	Product(ctx context.Context, id int64) (*domain.Product, error)
	Variant(ctx context.Context, id int64) (*domain.Variant, error)
	// DecreaseStock subtracts qty only if at least qty is in stock, in a
	// single conditional write.
	DecreaseStock(ctx context.Context, variantID, qty int64) (*domain.Variant, error)
	IncreaseStock(ctx context.Context, variantID, qty int64) (*domain.Variant, error)
}

type Carts interface {
	// CartBySession returns the cart with its items, expired or not.
	CartBySession(ctx context.Context, session string) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart *domain.Cart) error
	DeleteCart(ctx context.Context, cartID int64) error
	// UpsertCartItem inserts the line or, if one exists for the same
	// (cart, product, variant), adds item.Quantity to it.
	UpsertCartItem(ctx context.Context, item *domain.CartItem) (*domain.CartItem, error)
	SetCartItemQuantity(ctx context.Context, cartID, itemID, qty int64) error
	DeleteCartItem(ctx context.Context, cartID, itemID int64) error
	DeleteCartItems(ctx context.Context, cartID int64) error
	// SaveCart persists totals, email and timestamps; items are not touched.
	SaveCart(ctx context.Context, cart *domain.Cart) error
	DeleteExpiredCarts(ctx context.Context, before time.Time, limit int) (int, error)
}

type Orders interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	OrderByNumber(ctx context.Context, number string) (*domain.Order, error)
	OrderByID(ctx context.Context, id int64) (*domain.Order, error)
	// LockOrder holds a row lock on the order until the surrounding
	// transaction ends, serialising payment and cancellation work on it.
	LockOrder(ctx context.Context, id int64) error
	OrdersByEmail(ctx context.Context, email string, limit int) ([]domain.Order, error)
	SearchOrders(ctx context.Context, query string, limit int) ([]domain.Order, error)
	// UpdateOrderStatus writes status and notes only if the stored status is
	// still from; otherwise it returns ErrConflict.
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to domain.OrderStatus, notes string) error
}

type Payments interface {
	// CreatePayment returns ErrActivePayment if the order already has a
	// created, pending or approved payment.
	CreatePayment(ctx context.Context, p *domain.Payment) error
	// UpdatePayment is a compare-and-set on the status the caller read.
	UpdatePayment(ctx context.Context, p *domain.Payment, from domain.PaymentStatus) error
	PaymentByProviderOrderID(ctx context.Context, provider, providerOrderID string) (*domain.Payment, error)
	PaymentByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (*domain.Payment, error)
	// LatestPayment returns the most recent attempt for an order.
	LatestPayment(ctx context.Context, orderID int64) (*domain.Payment, error)
	// RecordWebhookEvent returns ErrDuplicateWebhookEvent if the event was seen before.
	RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string) error
}

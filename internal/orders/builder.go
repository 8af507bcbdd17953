// Package orders turns carts and buy-now requests into immutable order
// snapshots and drives their status machine. Stock is taken at creation time
// inside the same transaction that writes the order.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/cart"
	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/inventory"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
)

const (
	maxNumberAttempts = 5
	listLimit         = 50
)

type FromCartRequest struct {
	SessionID string          `json:"sessionId" validate:"required"`
	Customer  domain.Customer `json:"customer"`
	Billing   domain.Address  `json:"billingAddress"`
	Notes     string          `json:"notes,omitempty" validate:"max=1000"`
}

type DirectRequest struct {
	ProductID int64           `json:"productId" validate:"required,gt=0"`
	VariantID *int64          `json:"variantId,omitempty" validate:"omitempty,gt=0"`
	Quantity  int64           `json:"quantity" validate:"required,gte=1,lte=10000"`
	Customer  domain.Customer `json:"customer"`
	Billing   domain.Address  `json:"billingAddress"`
	Notes     string          `json:"notes,omitempty" validate:"max=1000"`
}

// UnavailableDetails accompanies the "items unavailable" error.
type UnavailableDetails struct {
	Items []cart.Unavailable `json:"items"`
}

type Builder struct {
	store     store.Store
	carts     *cart.Service
	ledger    *inventory.Ledger
	publisher messaging.Publisher
	metrics   *telemetry.Pipeline
	number    NumberFunc
	now       func() time.Time
	validate  *validator.Validate
	logger    *zap.Logger
}

type Option func(*Builder)

func WithNumberFunc(fn NumberFunc) Option {
	return func(b *Builder) { b.number = fn }
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func WithMetrics(m *telemetry.Pipeline) Option {
	return func(b *Builder) { b.metrics = m }
}

func NewBuilder(s store.Store, carts *cart.Service, ledger *inventory.Ledger, publisher messaging.Publisher, logger *zap.Logger, opts ...Option) *Builder {
	b := &Builder{
		store:     s,
		carts:     carts,
		ledger:    ledger,
		publisher: publisher,
		number:    RandomNumber,
		now:       func() time.Time { return time.Now().UTC() },
		validate:  validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateFromCart converts the session cart into a pending_payment order.
// Availability check, stock decrements, order writes and cart clearing
// commit together or not at all.
func (b *Builder) CreateFromCart(ctx context.Context, tenant *domain.Tenant, req FromCartRequest) (*domain.Order, error) {
	if err := b.validate.Struct(req); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "invalid order request", err)
	}

	order, err := b.create(ctx, tenant, func(sc store.Scope) (*domain.Order, func(store.Scope) error, error) {
		c, err := b.carts.LoadLive(ctx, sc, req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, domain.NewError(domain.KindInvalidCartState, "cart not found")
			}
			return nil, nil, fmt.Errorf("load cart: %w", err)
		}
		if c.IsEmpty() {
			return nil, nil, domain.NewError(domain.KindInvalidCartState, "cart is empty")
		}

		if err := b.ensureAvailable(ctx, sc, c.Items); err != nil {
			return nil, nil, err
		}

		items := make([]domain.OrderItem, len(c.Items))
		for i, item := range c.Items {
			items[i] = domain.SnapshotItem(item)
		}

		order := b.newOrder(c.Currency, req.Customer, req.Billing, req.Notes, items)
		order.TaxAmount = c.TaxAmount
		if err := order.ComputeTotals(); err != nil {
			return nil, nil, err
		}

		emptyCart := func(sc store.Scope) error { return b.carts.Empty(ctx, sc, c) }
		return order, emptyCart, nil
	})
	if err != nil {
		return nil, err
	}

	b.afterCreate(ctx, tenant, order, "cart")
	return order, nil
}

// CreateDirect orders one product or variant without a cart. Tax and
// shipping are zero.
func (b *Builder) CreateDirect(ctx context.Context, tenant *domain.Tenant, req DirectRequest) (*domain.Order, error) {
	if err := b.validate.Struct(req); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "invalid order request", err)
	}

	order, err := b.create(ctx, tenant, func(sc store.Scope) (*domain.Order, func(store.Scope) error, error) {
		line, err := b.directLine(ctx, sc, tenant, req)
		if err != nil {
			return nil, nil, err
		}

		if err := b.ensureAvailable(ctx, sc, []domain.CartItem{*line}); err != nil {
			return nil, nil, err
		}

		order := b.newOrder(line.Currency, req.Customer, req.Billing, req.Notes,
			[]domain.OrderItem{domain.SnapshotItem(*line)})
		if err := order.ComputeTotals(); err != nil {
			return nil, nil, err
		}
		return order, nil, nil
	})
	if err != nil {
		return nil, err
	}

	b.afterCreate(ctx, tenant, order, "direct")
	return order, nil
}

// directLine synthesises the single cart line of a buy-now request.
func (b *Builder) directLine(ctx context.Context, sc store.Scope, tenant *domain.Tenant, req DirectRequest) (*domain.CartItem, error) {
	product, err := sc.Product(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewError(domain.KindProductNotFound, fmt.Sprintf("product %d not found", req.ProductID))
		}
		return nil, fmt.Errorf("load product: %w", err)
	}
	if !product.Purchasable() {
		return nil, domain.NewError(domain.KindProductNotFound, fmt.Sprintf("product %d is not available", req.ProductID))
	}
	if product.HasVariants && req.VariantID == nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "a variant must be selected for this product")
	}
	if product.Currency != tenant.Currency {
		return nil, domain.NewError(domain.KindInvalidCartState,
			fmt.Sprintf("product is priced in %s but the store uses %s", product.Currency, tenant.Currency))
	}

	line := &domain.CartItem{
		TenantID:    tenant.ID,
		ProductID:   product.ID,
		ProductName: product.Name,
		SKU:         product.SKU,
		Quantity:    req.Quantity,
		UnitPrice:   product.Price,
		Currency:    product.Currency,
	}

	if req.VariantID != nil {
		variant, err := sc.Variant(ctx, *req.VariantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domain.NewError(domain.KindProductNotFound, fmt.Sprintf("variant %d not found", *req.VariantID))
			}
			return nil, fmt.Errorf("load variant: %w", err)
		}
		if variant.ProductID != product.ID {
			return nil, domain.NewError(domain.KindProductNotFound,
				fmt.Sprintf("variant %d does not belong to product %d", variant.ID, product.ID))
		}
		id := variant.ID
		line.VariantID = &id
		line.VariantName = variant.Name
		line.SKU = variant.SKU
		line.UnitPrice = variant.Price
	}

	total, err := domain.LineTotal(line.UnitPrice, line.Quantity)
	if err != nil {
		return nil, err
	}
	line.TotalPrice = total
	return line, nil
}

// ensureAvailable rejects lines whose product or variant can no longer be
// sold as invalid_cart_state. Lines short only on quantity are reported as
// insufficient_stock, the same outcome a losing concurrent decrement gets.
func (b *Builder) ensureAvailable(ctx context.Context, sc store.Scope, items []domain.CartItem) error {
	unavailable, err := b.carts.Unavailable(ctx, sc, items)
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	if len(unavailable) == 0 {
		return nil
	}

	kind, message := domain.KindInsufficientStock, "insufficient stock"
	for _, u := range unavailable {
		if u.Reason == inventory.ReasonProductUnavailable || u.Reason == inventory.ReasonVariantUnavailable {
			kind, message = domain.KindInvalidCartState, "items unavailable"
			break
		}
	}
	if kind == domain.KindInsufficientStock {
		b.metrics.StockConflict(ctx, sc.TenantID())
	}

	return &domain.Error{
		Kind:    kind,
		Message: message,
		Details: UnavailableDetails{Items: unavailable},
	}
}

func (b *Builder) newOrder(currency string, customer domain.Customer, billing domain.Address, notes string, items []domain.OrderItem) *domain.Order {
	now := b.now()
	return &domain.Order{
		Status:    domain.OrderStatusPendingPayment,
		Customer:  customer,
		Billing:   billing,
		Currency:  currency,
		Notes:     strings.TrimSpace(notes),
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// prepareFunc builds the order inside the transaction. The returned finish
// callback, if any, runs after the order row is written.
type prepareFunc func(sc store.Scope) (*domain.Order, func(store.Scope) error, error)

// create runs prepare, decrements stock for every variant line and writes the
// order in one transaction. An order number collision retries the whole
// transaction with a fresh number.
func (b *Builder) create(ctx context.Context, tenant *domain.Tenant, prepare prepareFunc) (*domain.Order, error) {
	for attempt := 1; ; attempt++ {
		var order *domain.Order
		err := b.store.Atomically(ctx, tenant.ID, func(sc store.Scope) error {
			o, finish, err := prepare(sc)
			if err != nil {
				return err
			}

			for _, item := range o.Items {
				if item.VariantID == nil {
					continue
				}
				if _, err := b.ledger.Decrease(ctx, sc, *item.VariantID, item.Quantity); err != nil {
					return err
				}
			}

			o.OrderNumber = b.number(o.CreatedAt)
			if err := sc.CreateOrder(ctx, o); err != nil {
				return fmt.Errorf("create order: %w", err)
			}

			if finish != nil {
				if err := finish(sc); err != nil {
					return err
				}
			}

			order = o
			return nil
		})

		switch {
		case err == nil:
			return order, nil
		case errors.Is(err, store.ErrDuplicateOrderNumber) && attempt < maxNumberAttempts:
			b.logger.Warn("order number collision, retrying",
				zap.Int64("tenant_id", tenant.ID),
				zap.Int("attempt", attempt),
			)
			continue
		default:
			return nil, classify(err, "create order")
		}
	}
}

func (b *Builder) afterCreate(ctx context.Context, tenant *domain.Tenant, order *domain.Order, source string) {
	b.metrics.OrderCreated(ctx, tenant.ID, source)
	b.logger.Info("order created",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("source", source),
		zap.Int64("total_amount", order.TotalAmount),
		zap.Int("items", len(order.Items)),
	)
	b.publish(ctx, domain.OrderEventCreated, order)
}

func (b *Builder) publish(ctx context.Context, t domain.OrderEventType, order *domain.Order) {
	if err := b.publisher.PublishOrderEvent(ctx, domain.NewOrderEvent(t, order, b.now())); err != nil {
		b.logger.Error("failed to publish order event",
			zap.Error(err),
			zap.String("event_type", string(t)),
			zap.String("order_number", order.OrderNumber),
		)
	}
}

// classify keeps classified errors as they are and wraps everything else so
// it surfaces as internal.
func classify(err error, op string) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

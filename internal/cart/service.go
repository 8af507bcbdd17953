// Package cart keeps the session-scoped shopping carts of each tenant. Every
// mutation runs in one tenant transaction and ends by recomputing the totals
// through domain.Cart.Recalculate.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/inventory"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

// Unavailable is a cart line that cannot currently be fulfilled.
type Unavailable struct {
	Item   domain.CartItem  `json:"item"`
	Reason inventory.Reason `json:"reason"`
}

const maxCreateAttempts = 3

type AddItemRequest struct {
	ProductID int64  `json:"productId" validate:"required,gt=0"`
	VariantID *int64 `json:"variantId,omitempty" validate:"omitempty,gt=0"`
	Quantity  int64  `json:"quantity" validate:"lte=10000"`
}

type Service struct {
	store    store.Store
	ledger   *inventory.Ledger
	tax      TaxRateProvider
	ttl      time.Duration
	now      func() time.Time
	validate *validator.Validate
	logger   *zap.Logger
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(s store.Store, ledger *inventory.Ledger, tax TaxRateProvider, logger *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		ledger:   ledger,
		tax:      tax,
		ttl:      domain.DefaultCartTTL,
		now:      func() time.Time { return time.Now().UTC() },
		validate: validator.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func invalidSession(session string) error {
	if strings.TrimSpace(session) == "" {
		return domain.NewError(domain.KindInvalidRequest, "session id is required")
	}
	return nil
}

// GetOrCreate returns the live cart of the session, creating an empty one when
// none exists. An expired cart is discarded and replaced.
func (s *Service) GetOrCreate(ctx context.Context, tenant *domain.Tenant, session string) (*domain.Cart, error) {
	if err := invalidSession(session); err != nil {
		return nil, err
	}

	var out *domain.Cart
	err := s.atomically(ctx, tenant, func(sc store.Scope) error {
		c, err := s.loadOrCreate(ctx, sc, tenant, session)
		out = c
		return err
	})
	return out, err
}

// Get returns the live cart of the session, or nil when it is absent or expired.
func (s *Service) Get(ctx context.Context, tenant *domain.Tenant, session string) (*domain.Cart, error) {
	if err := invalidSession(session); err != nil {
		return nil, err
	}

	c, err := s.store.Scope(tenant.ID).CartBySession(ctx, session)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if c.IsExpired(s.now()) {
		return nil, nil
	}
	return c, nil
}

func (s *Service) AddItem(ctx context.Context, tenant *domain.Tenant, session string, req AddItemRequest) (*domain.Cart, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "invalid cart item", err)
	}
	if req.Quantity < 1 {
		return nil, domain.NewError(domain.KindInvalidCartState, "quantity must be at least 1")
	}

	return s.mutate(ctx, tenant, session, true, func(sc store.Scope, c *domain.Cart) error {
		line, err := s.snapshotLine(ctx, sc, c, req)
		if err != nil {
			return err
		}
		if _, err := sc.UpsertCartItem(ctx, line); err != nil {
			return fmt.Errorf("upsert cart item: %w", err)
		}
		return nil
	})
}

// snapshotLine resolves the product and variant and copies their current
// name, sku and price into a new line.
func (s *Service) snapshotLine(ctx context.Context, sc store.Scope, c *domain.Cart, req AddItemRequest) (*domain.CartItem, error) {
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
	if product.Currency != c.Currency {
		return nil, domain.NewError(domain.KindInvalidCartState,
			fmt.Sprintf("product is priced in %s but the cart uses %s", product.Currency, c.Currency))
	}

	line := &domain.CartItem{
		CartID:      c.ID,
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

	if _, err := domain.LineTotal(line.UnitPrice, line.Quantity); err != nil {
		return nil, err
	}
	return line, nil
}

// UpdateItemQuantity overwrites the quantity of a line. Use RemoveItem to drop it.
func (s *Service) UpdateItemQuantity(ctx context.Context, tenant *domain.Tenant, session string, itemID, qty int64) (*domain.Cart, error) {
	if qty < 1 {
		return nil, domain.NewError(domain.KindInvalidCartState, "quantity must be at least 1; remove the item instead")
	}
	if qty > domain.MaxLineQuantity {
		return nil, domain.NewError(domain.KindInvalidRequest,
			fmt.Sprintf("quantity must be at most %d", domain.MaxLineQuantity))
	}

	return s.mutate(ctx, tenant, session, false, func(sc store.Scope, c *domain.Cart) error {
		return itemErr(sc.SetCartItemQuantity(ctx, c.ID, itemID, qty), itemID)
	})
}

func (s *Service) RemoveItem(ctx context.Context, tenant *domain.Tenant, session string, itemID int64) (*domain.Cart, error) {
	return s.mutate(ctx, tenant, session, false, func(sc store.Scope, c *domain.Cart) error {
		return itemErr(sc.DeleteCartItem(ctx, c.ID, itemID), itemID)
	})
}

func (s *Service) Clear(ctx context.Context, tenant *domain.Tenant, session string) (*domain.Cart, error) {
	return s.mutate(ctx, tenant, session, true, func(sc store.Scope, c *domain.Cart) error {
		return sc.DeleteCartItems(ctx, c.ID)
	})
}

func (s *Service) UpdateCustomerEmail(ctx context.Context, tenant *domain.Tenant, session, email string) (*domain.Cart, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "invalid email address", err)
	}

	return s.mutate(ctx, tenant, session, true, func(_ store.Scope, c *domain.Cart) error {
		c.CustomerEmail = email
		return nil
	})
}

// ValidateAvailability lists the lines that cannot be fulfilled right now.
// It is advisory; the authoritative check is the stock decrement at order time.
func (s *Service) ValidateAvailability(ctx context.Context, tenant *domain.Tenant, session string) ([]Unavailable, error) {
	c, err := s.Get(ctx, tenant, session)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return []Unavailable{}, nil
	}
	return s.Unavailable(ctx, s.store.Scope(tenant.ID), c.Items)
}

// Unavailable checks items against the ledger on sc, which may be a transaction.
func (s *Service) Unavailable(ctx context.Context, sc store.Scope, items []domain.CartItem) ([]Unavailable, error) {
	out := []Unavailable{}
	for _, item := range items {
		reason, err := s.ledger.Check(ctx, sc, item.ProductID, item.VariantID, item.Quantity)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			out = append(out, Unavailable{Item: item, Reason: reason})
		}
	}
	return out, nil
}

// LoadLive returns the cart of the session on sc if it exists and has not
// expired. It is meant for callers already inside a transaction.
func (s *Service) LoadLive(ctx context.Context, sc store.Scope, session string) (*domain.Cart, error) {
	c, err := sc.CartBySession(ctx, session)
	if err != nil {
		return nil, err
	}
	if c.IsExpired(s.now()) {
		return nil, store.ErrNotFound
	}
	return c, nil
}

// Empty removes every line of cart on sc and zeroes its totals.
func (s *Service) Empty(ctx context.Context, sc store.Scope, c *domain.Cart) error {
	if err := sc.DeleteCartItems(ctx, c.ID); err != nil {
		return fmt.Errorf("clear cart items: %w", err)
	}
	c.Items = []domain.CartItem{}
	if err := c.Recalculate(0); err != nil {
		return err
	}
	c.UpdatedAt = s.now()
	return sc.SaveCart(ctx, c)
}

func itemErr(err error, itemID int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewError(domain.KindNotFound, fmt.Sprintf("cart item %d not found", itemID))
	}
	return err
}

// atomically runs fn in a tenant transaction. Losing the race to create the
// session cart aborts the transaction, so fn is rerun and finds the winner's cart.
func (s *Service) atomically(ctx context.Context, tenant *domain.Tenant, fn func(store.Scope) error) error {
	var err error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		err = s.store.Atomically(ctx, tenant.ID, fn)
		if !errors.Is(err, store.ErrDuplicateCartSession) {
			break
		}
		s.logger.Debug("cart created concurrently, retrying",
			zap.Int64("tenant_id", tenant.ID),
			zap.Int("attempt", attempt),
		)
	}
	var derr *domain.Error
	if err == nil || errors.As(err, &derr) {
		return err
	}
	return fmt.Errorf("cart transaction: %w", err)
}

func (s *Service) loadOrCreate(ctx context.Context, sc store.Scope, tenant *domain.Tenant, session string) (*domain.Cart, error) {
	now := s.now()

	c, err := sc.CartBySession(ctx, session)
	switch {
	case err == nil && !c.IsExpired(now):
		return c, nil
	case err == nil:
		if err := sc.DeleteCart(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("discard expired cart: %w", err)
		}
		s.logger.Debug("replaced expired cart", zap.Int64("tenant_id", tenant.ID), zap.Int64("cart_id", c.ID))
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load cart: %w", err)
	}

	fresh := domain.NewCart(tenant.ID, session, tenant.Currency, now, s.ttl)
	if err := sc.CreateCart(ctx, fresh); err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}
	return fresh, nil
}

// mutate applies fn to the session cart and then reloads the lines,
// recomputes totals and extends the expiry, all in one transaction. When
// create is false a missing cart is an invalid_cart_state error.
func (s *Service) mutate(ctx context.Context, tenant *domain.Tenant, session string, create bool, fn func(store.Scope, *domain.Cart) error) (*domain.Cart, error) {
	if err := invalidSession(session); err != nil {
		return nil, err
	}

	rate, err := s.tax.RateBPS(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("resolve tax rate: %w", err)
	}

	var out *domain.Cart
	err = s.atomically(ctx, tenant, func(sc store.Scope) error {
		var (
			c   *domain.Cart
			err error
		)
		if create {
			c, err = s.loadOrCreate(ctx, sc, tenant, session)
		} else {
			c, err = s.LoadLive(ctx, sc, session)
			if errors.Is(err, store.ErrNotFound) {
				return domain.NewError(domain.KindInvalidCartState, "cart not found")
			}
		}
		if err != nil {
			return err
		}

		if err := fn(sc, c); err != nil {
			return err
		}

		reloaded, err := sc.CartBySession(ctx, session)
		if err != nil {
			return fmt.Errorf("reload cart: %w", err)
		}
		c.Items = reloaded.Items
		if err := c.Recalculate(rate); err != nil {
			return err
		}
		c.Extend(s.now(), s.ttl)

		if err := sc.SaveCart(ctx, c); err != nil {
			return fmt.Errorf("save cart: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

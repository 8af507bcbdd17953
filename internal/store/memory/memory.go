// Package memory is an in-process implementation of store.Store. Transactions
// are serialised behind one mutex and run against a copy of the data set that
// replaces the live one only when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

type Store struct {
	mu   sync.Mutex
	data *dataset
}

type dataset struct {
	nextID        int64
	tenants       map[int64]domain.Tenant
	products      map[int64]domain.Product
	variants      map[int64]domain.Variant
	carts         map[int64]domain.Cart
	cartItems     map[int64]domain.CartItem
	orders        map[int64]domain.Order
	payments      map[int64]domain.Payment
	webhookEvents map[webhookKey]struct{}
}

type webhookKey struct {
	tenantID int64
	provider string
	eventID  string
}

func New() *Store {
	return &Store{data: &dataset{
		tenants:       make(map[int64]domain.Tenant),
		products:      make(map[int64]domain.Product),
		variants:      make(map[int64]domain.Variant),
		carts:         make(map[int64]domain.Cart),
		cartItems:     make(map[int64]domain.CartItem),
		orders:        make(map[int64]domain.Order),
		payments:      make(map[int64]domain.Payment),
		webhookEvents: make(map[webhookKey]struct{}),
	}}
}

func (d *dataset) id() int64 {
	d.nextID++
	return d.nextID
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		nextID:        d.nextID,
		tenants:       make(map[int64]domain.Tenant, len(d.tenants)),
		products:      make(map[int64]domain.Product, len(d.products)),
		variants:      make(map[int64]domain.Variant, len(d.variants)),
		carts:         make(map[int64]domain.Cart, len(d.carts)),
		cartItems:     make(map[int64]domain.CartItem, len(d.cartItems)),
		orders:        make(map[int64]domain.Order, len(d.orders)),
		payments:      make(map[int64]domain.Payment, len(d.payments)),
		webhookEvents: make(map[webhookKey]struct{}, len(d.webhookEvents)),
	}
	for k, v := range d.tenants {
		c.tenants[k] = v
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.variants {
		c.variants[k] = v
	}
	for k, v := range d.carts {
		c.carts[k] = v
	}
	for k, v := range d.cartItems {
		c.cartItems[k] = v
	}
	for k, v := range d.orders {
		v.Items = append([]domain.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k := range d.webhookEvents {
		c.webhookEvents[k] = struct{}{}
	}
	return c
}

func (s *Store) Scope(tenantID int64) store.Scope {
	return &scope{s: s, tenantID: tenantID}
}

func (s *Store) Atomically(ctx context.Context, tenantID int64, fn func(store.Scope) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.data.clone()
	if err := fn(&scope{s: s, tenantID: tenantID, tx: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) Tenants() store.Tenants {
	return tenants{s: s}
}

// AddTenant seeds a tenant and returns it with its id set.
func (s *Store) AddTenant(t domain.Tenant) domain.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.data.id()
	s.data.tenants[t.ID] = t
	return t
}

func (s *Store) AddProduct(p domain.Product) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.data.id()
	s.data.products[p.ID] = p
	return p
}

// UpdateProduct replaces a seeded product, e.g. to archive it.
func (s *Store) UpdateProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[p.ID] = p
}

func (s *Store) AddVariant(v domain.Variant) domain.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.data.id()
	v.SetStock(v.StockQuantity)
	s.data.variants[v.ID] = v
	return v
}

// Counts reports row totals for tests asserting that nothing was written.
func (s *Store) Counts() (orders, payments int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.orders), len(s.data.payments)
}

type tenants struct{ s *Store }

func (t tenants) find(match func(domain.Tenant) bool) (*domain.Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, tenant := range t.s.data.tenants {
		if match(tenant) {
			found := tenant
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t tenants) BySlug(_ context.Context, slug string) (*domain.Tenant, error) {
	return t.find(func(d domain.Tenant) bool { return d.Slug == slug })
}

func (t tenants) ByDomain(_ context.Context, host string) (*domain.Tenant, error) {
	return t.find(func(d domain.Tenant) bool { return d.Domain != "" && strings.EqualFold(d.Domain, host) })
}

func (t tenants) ListIDs(_ context.Context) ([]int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	ids := make([]int64, 0, len(t.s.data.tenants))
	for id := range t.s.data.tenants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type scope struct {
	s        *Store
	tenantID int64
	tx       *dataset
}

func (sc *scope) TenantID() int64 {
	return sc.tenantID
}

// with runs fn against the transaction's working copy, or against the live
// data set under the store lock.
func (sc *scope) with(ctx context.Context, fn func(d *dataset) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sc.tx != nil {
		return fn(sc.tx)
	}
	sc.s.mu.Lock()
	defer sc.s.mu.Unlock()
	return fn(sc.s.data)
}

func (sc *scope) Product(ctx context.Context, id int64) (*domain.Product, error) {
	var out *domain.Product
	err := sc.with(ctx, func(d *dataset) error {
		p, ok := d.products[id]
		if !ok || p.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (sc *scope) Variant(ctx context.Context, id int64) (*domain.Variant, error) {
	var out *domain.Variant
	err := sc.with(ctx, func(d *dataset) error {
		v, ok := d.variants[id]
		if !ok || v.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		out = &v
		return nil
	})
	return out, err
}

func (sc *scope) DecreaseStock(ctx context.Context, variantID, qty int64) (*domain.Variant, error) {
	var out *domain.Variant
	err := sc.with(ctx, func(d *dataset) error {
		v, ok := d.variants[variantID]
		if !ok || v.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		if v.StockQuantity < qty {
			return store.ErrInsufficientStock
		}
		v.SetStock(v.StockQuantity - qty)
		v.UpdatedAt = time.Now().UTC()
		d.variants[variantID] = v
		out = &v
		return nil
	})
	return out, err
}

func (sc *scope) IncreaseStock(ctx context.Context, variantID, qty int64) (*domain.Variant, error) {
	var out *domain.Variant
	err := sc.with(ctx, func(d *dataset) error {
		v, ok := d.variants[variantID]
		if !ok || v.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		v.SetStock(v.StockQuantity + qty)
		v.UpdatedAt = time.Now().UTC()
		d.variants[variantID] = v
		out = &v
		return nil
	})
	return out, err
}

func (sc *scope) CartBySession(ctx context.Context, session string) (*domain.Cart, error) {
	var out *domain.Cart
	err := sc.with(ctx, func(d *dataset) error {
		for _, c := range d.carts {
			if c.TenantID == sc.tenantID && c.SessionToken == session {
				c.Items = d.itemsOf(c.ID)
				out = &c
				return nil
			}
		}
		return store.ErrNotFound
	})
	return out, err
}

func (d *dataset) itemsOf(cartID int64) []domain.CartItem {
	items := []domain.CartItem{}
	for _, it := range d.cartItems {
		if it.CartID == cartID {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (sc *scope) CreateCart(ctx context.Context, cart *domain.Cart) error {
	return sc.with(ctx, func(d *dataset) error {
		for _, c := range d.carts {
			if c.TenantID == sc.tenantID && c.SessionToken == cart.SessionToken {
				return store.ErrDuplicateCartSession
			}
		}
		cart.ID = d.id()
		cart.TenantID = sc.tenantID
		stored := *cart
		stored.Items = nil
		d.carts[cart.ID] = stored
		return nil
	})
}

func (sc *scope) ownedCart(d *dataset, cartID int64) error {
	c, ok := d.carts[cartID]
	if !ok || c.TenantID != sc.tenantID {
		return store.ErrNotFound
	}
	return nil
}

func (sc *scope) DeleteCart(ctx context.Context, cartID int64) error {
	return sc.with(ctx, func(d *dataset) error {
		if err := sc.ownedCart(d, cartID); err != nil {
			return err
		}
		d.deleteCart(cartID)
		return nil
	})
}

func (d *dataset) deleteCart(cartID int64) {
	for id, it := range d.cartItems {
		if it.CartID == cartID {
			delete(d.cartItems, id)
		}
	}
	delete(d.carts, cartID)
}

func (sc *scope) UpsertCartItem(ctx context.Context, item *domain.CartItem) (*domain.CartItem, error) {
	var out *domain.CartItem
	err := sc.with(ctx, func(d *dataset) error {
		if err := sc.ownedCart(d, item.CartID); err != nil {
			return err
		}
		for id, existing := range d.cartItems {
			if existing.CartID == item.CartID && existing.SameLine(item.ProductID, item.VariantID) {
				existing.Quantity += item.Quantity
				existing.TotalPrice = existing.UnitPrice * existing.Quantity
				d.cartItems[id] = existing
				out = &existing
				return nil
			}
		}
		added := *item
		added.ID = d.id()
		added.TenantID = sc.tenantID
		added.TotalPrice = added.UnitPrice * added.Quantity
		d.cartItems[added.ID] = added
		out = &added
		return nil
	})
	return out, err
}

func (sc *scope) SetCartItemQuantity(ctx context.Context, cartID, itemID, qty int64) error {
	return sc.with(ctx, func(d *dataset) error {
		it, ok := d.cartItems[itemID]
		if !ok || it.CartID != cartID || it.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		it.Quantity = qty
		it.TotalPrice = it.UnitPrice * qty
		d.cartItems[itemID] = it
		return nil
	})
}

func (sc *scope) DeleteCartItem(ctx context.Context, cartID, itemID int64) error {
	return sc.with(ctx, func(d *dataset) error {
		it, ok := d.cartItems[itemID]
		if !ok || it.CartID != cartID || it.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		delete(d.cartItems, itemID)
		return nil
	})
}

func (sc *scope) DeleteCartItems(ctx context.Context, cartID int64) error {
	return sc.with(ctx, func(d *dataset) error {
		if err := sc.ownedCart(d, cartID); err != nil {
			return err
		}
		for id, it := range d.cartItems {
			if it.CartID == cartID {
				delete(d.cartItems, id)
			}
		}
		return nil
	})
}

func (sc *scope) SaveCart(ctx context.Context, cart *domain.Cart) error {
	return sc.with(ctx, func(d *dataset) error {
		stored, ok := d.carts[cart.ID]
		if !ok || stored.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		stored.CustomerEmail = cart.CustomerEmail
		stored.Subtotal = cart.Subtotal
		stored.TaxAmount = cart.TaxAmount
		stored.TotalAmount = cart.TotalAmount
		stored.UpdatedAt = cart.UpdatedAt
		stored.ExpiresAt = cart.ExpiresAt
		d.carts[cart.ID] = stored
		return nil
	})
}

func (sc *scope) DeleteExpiredCarts(ctx context.Context, before time.Time, limit int) (int, error) {
	deleted := 0
	err := sc.with(ctx, func(d *dataset) error {
		ids := make([]int64, 0)
		for id, c := range d.carts {
			if c.TenantID == sc.tenantID && c.ExpiresAt.Before(before) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if deleted == limit {
				break
			}
			d.deleteCart(id)
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (sc *scope) CreateOrder(ctx context.Context, order *domain.Order) error {
	return sc.with(ctx, func(d *dataset) error {
		for _, o := range d.orders {
			if o.TenantID == sc.tenantID && o.OrderNumber == order.OrderNumber {
				return store.ErrDuplicateOrderNumber
			}
		}
		order.ID = d.id()
		order.TenantID = sc.tenantID
		for i := range order.Items {
			order.Items[i].ID = d.id()
			order.Items[i].OrderID = order.ID
			order.Items[i].TenantID = sc.tenantID
		}
		stored := *order
		stored.Items = append([]domain.OrderItem(nil), order.Items...)
		d.orders[order.ID] = stored
		return nil
	})
}

func (sc *scope) findOrders(ctx context.Context, match func(domain.Order) bool, limit int) ([]domain.Order, error) {
	out := []domain.Order{}
	err := sc.with(ctx, func(d *dataset) error {
		for _, o := range d.orders {
			if o.TenantID == sc.tenantID && match(o) {
				o.Items = append([]domain.OrderItem(nil), o.Items...)
				out = append(out, o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (sc *scope) one(orders []domain.Order, err error) (*domain.Order, error) {
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, store.ErrNotFound
	}
	return &orders[0], nil
}

func (sc *scope) OrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return sc.one(sc.findOrders(ctx, func(o domain.Order) bool { return o.OrderNumber == number }, 1))
}

func (sc *scope) OrderByID(ctx context.Context, id int64) (*domain.Order, error) {
	return sc.one(sc.findOrders(ctx, func(o domain.Order) bool { return o.ID == id }, 1))
}

// LockOrder only checks the order exists; Atomically already serialises.
func (sc *scope) LockOrder(ctx context.Context, id int64) error {
	_, err := sc.OrderByID(ctx, id)
	return err
}

func (sc *scope) OrdersByEmail(ctx context.Context, email string, limit int) ([]domain.Order, error) {
	return sc.findOrders(ctx, func(o domain.Order) bool {
		return strings.EqualFold(o.Customer.Email, email)
	}, limit)
}

func (sc *scope) SearchOrders(ctx context.Context, query string, limit int) ([]domain.Order, error) {
	q := strings.ToLower(query)
	return sc.findOrders(ctx, func(o domain.Order) bool {
		for _, field := range []string{o.OrderNumber, o.Customer.Email, o.Customer.FirstName, o.Customer.LastName} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}, limit)
}

func (sc *scope) UpdateOrderStatus(ctx context.Context, orderID int64, from, to domain.OrderStatus, notes string) error {
	return sc.with(ctx, func(d *dataset) error {
		o, ok := d.orders[orderID]
		if !ok || o.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		if o.Status != from {
			return store.ErrConflict
		}
		o.Status = to
		o.Notes = notes
		o.UpdatedAt = time.Now().UTC()
		d.orders[orderID] = o
		return nil
	})
}

func (sc *scope) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return sc.with(ctx, func(d *dataset) error {
		o, ok := d.orders[p.OrderID]
		if !ok || o.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		if p.Status.IsPending() {
			for _, other := range d.payments {
				if other.TenantID == sc.tenantID && other.OrderID == p.OrderID && other.Status.IsPending() {
					return store.ErrActivePayment
				}
			}
		}
		p.ID = d.id()
		p.TenantID = sc.tenantID
		d.payments[p.ID] = *p
		return nil
	})
}

func (sc *scope) UpdatePayment(ctx context.Context, p *domain.Payment, from domain.PaymentStatus) error {
	return sc.with(ctx, func(d *dataset) error {
		stored, ok := d.payments[p.ID]
		if !ok || stored.TenantID != sc.tenantID {
			return store.ErrNotFound
		}
		if stored.Status != from {
			return store.ErrConflict
		}
		updated := *p
		updated.TenantID = sc.tenantID
		d.payments[p.ID] = updated
		return nil
	})
}

func (sc *scope) findPayment(ctx context.Context, match func(domain.Payment) bool) (*domain.Payment, error) {
	var out *domain.Payment
	err := sc.with(ctx, func(d *dataset) error {
		for _, p := range d.payments {
			if p.TenantID != sc.tenantID || !match(p) {
				continue
			}
			if out == nil || p.ID > out.ID {
				found := p
				out = &found
			}
		}
		if out == nil {
			return store.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (sc *scope) PaymentByProviderOrderID(ctx context.Context, provider, providerOrderID string) (*domain.Payment, error) {
	return sc.findPayment(ctx, func(p domain.Payment) bool {
		return p.Provider == provider && p.ProviderOrderID != "" && p.ProviderOrderID == providerOrderID
	})
}

func (sc *scope) PaymentByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (*domain.Payment, error) {
	return sc.findPayment(ctx, func(p domain.Payment) bool {
		return p.Provider == provider && p.ProviderPaymentID != "" && p.ProviderPaymentID == providerPaymentID
	})
}

func (sc *scope) LatestPayment(ctx context.Context, orderID int64) (*domain.Payment, error) {
	return sc.findPayment(ctx, func(p domain.Payment) bool { return p.OrderID == orderID })
}

func (sc *scope) RecordWebhookEvent(ctx context.Context, provider, eventID, _ string) error {
	return sc.with(ctx, func(d *dataset) error {
		key := webhookKey{tenantID: sc.tenantID, provider: provider, eventID: eventID}
		if _, seen := d.webhookEvents[key]; seen {
			return store.ErrDuplicateWebhookEvent
		}
		d.webhookEvents[key] = struct{}{}
		return nil
	})
}

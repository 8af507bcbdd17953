//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/cart"
	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/inventory"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/store/postgres"
	"github.com/joao-fontenele/clinic-commerce/internal/testutil/pgtest"
)

func TestConcurrentDecrementNeverOversells(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := pgtest.SetupPostgres(ctx, t)
	defer pg.Cleanup()

	tenantID := pgtest.SeedTenant(ctx, t, pg.DB, "clinic-a")
	_, variantID := pgtest.SeedVariant(ctx, t, pg.DB, tenantID, "LAST-ONE", 1500, 1)

	s := postgres.New(pg.DB)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomically(ctx, tenantID, func(sc store.Scope) error {
				_, err := sc.DecreaseStock(ctx, variantID, 1)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 7, rejected)

	v, err := s.Scope(tenantID).Variant(ctx, variantID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.StockQuantity)
	assert.False(t, v.IsInStock)
}

func TestTenantScopeHidesOtherTenants(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := pgtest.SetupPostgres(ctx, t)
	defer pg.Cleanup()

	tenantA := pgtest.SeedTenant(ctx, t, pg.DB, "clinic-a")
	tenantB := pgtest.SeedTenant(ctx, t, pg.DB, "clinic-b")
	productID, variantID := pgtest.SeedVariant(ctx, t, pg.DB, tenantA, "GEL", 1000, 5)

	s := postgres.New(pg.DB)

	_, err := s.Scope(tenantB).Product(ctx, productID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Scope(tenantB).DecreaseStock(ctx, variantID, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	v, err := s.Scope(tenantA).Variant(ctx, variantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.StockQuantity)
}

func TestCartLineMergeAndOrderRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := pgtest.SetupPostgres(ctx, t)
	defer pg.Cleanup()

	tenantID := pgtest.SeedTenant(ctx, t, pg.DB, "clinic-a")
	productID, variantID := pgtest.SeedVariant(ctx, t, pg.DB, tenantID, "GEL", 1000, 5)

	sc := postgres.New(pg.DB).Scope(tenantID)
	now := time.Now().UTC()

	cart := domain.NewCart(tenantID, "sess-1", "USD", now, domain.DefaultCartTTL)
	require.NoError(t, sc.CreateCart(ctx, cart))

	line := &domain.CartItem{CartID: cart.ID, ProductID: productID, VariantID: &variantID, ProductName: "GEL",
		Quantity: 2, UnitPrice: 1000, Currency: "USD"}
	_, err := sc.UpsertCartItem(ctx, line)
	require.NoError(t, err)
	merged, err := sc.UpsertCartItem(ctx, line)
	require.NoError(t, err)
	assert.Equal(t, int64(4), merged.Quantity)
	assert.Equal(t, int64(4000), merged.TotalPrice)

	loaded, err := sc.CartBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)

	order := &domain.Order{
		OrderNumber: "ORD-20260101-AAAA0001",
		Status:      domain.OrderStatusPendingPayment,
		Customer:    domain.Customer{Email: "a@example.com", FirstName: "Ada", LastName: "L"},
		Billing:     domain.Address{Line1: "1 Main", City: "Town", PostalCode: "1000", Country: "US"},
		Currency:    "USD",
		Items:       []domain.OrderItem{domain.SnapshotItem(loaded.Items[0])},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, order.ComputeTotals())
	require.NoError(t, sc.CreateOrder(ctx, order))

	dup := *order
	dup.Items = []domain.OrderItem{domain.SnapshotItem(loaded.Items[0])}
	assert.ErrorIs(t, sc.CreateOrder(ctx, &dup), store.ErrDuplicateOrderNumber)

	found, err := sc.OrdersByEmail(ctx, "A@example.com", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(4000), found[0].Subtotal)
	require.Len(t, found[0].Items, 1)

	n, err := sc.DeleteExpiredCarts(ctx, now.Add(domain.DefaultCartTTL+time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentAddsMergeIntoOneLine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := pgtest.SetupPostgres(ctx, t)
	defer pg.Cleanup()

	tenantID := pgtest.SeedTenant(ctx, t, pg.DB, "clinic-a")
	productID, variantID := pgtest.SeedVariant(ctx, t, pg.DB, tenantID, "GEL", 1000, 50)
	s := postgres.New(pg.DB)

	const workers = 10

	t.Run("upsert", func(t *testing.T) {
		c := domain.NewCart(tenantID, "upsert-sess", "USD", time.Now().UTC(), domain.DefaultCartTTL)
		require.NoError(t, s.Scope(tenantID).CreateCart(ctx, c))

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Atomically(ctx, tenantID, func(sc store.Scope) error {
					_, err := sc.UpsertCartItem(ctx, &domain.CartItem{CartID: c.ID, ProductID: productID,
						VariantID: &variantID, ProductName: "GEL", Quantity: 1, UnitPrice: 1000, Currency: "USD"})
					return err
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		loaded, err := s.Scope(tenantID).CartBySession(ctx, "upsert-sess")
		require.NoError(t, err)
		require.Len(t, loaded.Items, 1)
		assert.Equal(t, int64(workers), loaded.Items[0].Quantity)
		assert.Equal(t, int64(workers*1000), loaded.Items[0].TotalPrice)
	})

	t.Run("first adds on a fresh session", func(t *testing.T) {
		tenant, err := s.Tenants().BySlug(ctx, "clinic-a")
		require.NoError(t, err)
		svc := cart.NewService(s, inventory.NewLedger(zap.NewNop(), nil), cart.FixedRate(0), zap.NewNop())

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.AddItem(ctx, tenant, "fresh-sess",
					cart.AddItemRequest{ProductID: productID, VariantID: &variantID, Quantity: 1})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		c, err := svc.Get(ctx, tenant, "fresh-sess")
		require.NoError(t, err)
		require.NotNil(t, c)
		require.Len(t, c.Items, 1)
		assert.Equal(t, int64(workers), c.Items[0].Quantity)
		assert.Equal(t, int64(workers*1000), c.Subtotal)
		assert.Equal(t, c.Subtotal, c.TotalAmount)
	})
}

func TestConcurrentInitiateKeepsOneActivePayment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := pgtest.SetupPostgres(ctx, t)
	defer pg.Cleanup()

	tenantID := pgtest.SeedTenant(ctx, t, pg.DB, "clinic-a")
	s := postgres.New(pg.DB)
	sc := s.Scope(tenantID)

	now := time.Now().UTC()
	order := &domain.Order{
		OrderNumber: "ORD-20260101-AAAA0002",
		Status:      domain.OrderStatusPendingPayment,
		Customer:    domain.Customer{Email: "a@example.com", FirstName: "Ada", LastName: "L"},
		Currency:    "USD",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, sc.CreateOrder(ctx, order))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Atomically(ctx, tenantID, func(sc store.Scope) error {
				if err := sc.LockOrder(ctx, order.ID); err != nil {
					return err
				}
				if p, err := sc.LatestPayment(ctx, order.ID); err == nil && p.Status.IsPending() {
					return nil
				}
				return sc.CreatePayment(ctx, &domain.Payment{OrderID: order.ID, AttemptKey: fmt.Sprintf("k-%d", i),
					Provider: "paypal", Status: domain.PaymentStatusCreated, Currency: "USD", CreatedAt: now, UpdatedAt: now})
			})
			assert.NoError(t, err)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 6, succeeded)

	var active int
	require.NoError(t, pg.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE tenant_id = $1 AND order_id = $2`, tenantID, order.ID).Scan(&active))
	assert.Equal(t, 1, active)

	dup := &domain.Payment{OrderID: order.ID, AttemptKey: "k-direct", Provider: "paypal",
		Status: domain.PaymentStatusCreated, Currency: "USD", CreatedAt: now, UpdatedAt: now}
	assert.ErrorIs(t, sc.CreatePayment(ctx, dup), store.ErrActivePayment)
}

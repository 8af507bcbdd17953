package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

const tenantID = int64(7)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func variantRows(stock int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "product_id", "name", "sku", "price", "stock_quantity", "is_in_stock", "updated_at"}).
		AddRow(int64(3), tenantID, int64(2), "Large", "SKU-L", int64(1000), stock, stock > 0, time.Now())
}

func TestDecreaseStock(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the updated variant", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE product_variants`).
			WithArgs(tenantID, int64(3), int64(2)).
			WillReturnRows(variantRows(8))

		v, err := s.Scope(tenantID).DecreaseStock(ctx, 3, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(8), v.StockQuantity)
		assert.True(t, v.IsInStock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports insufficient stock when the predicate fails", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE product_variants`).
			WithArgs(tenantID, int64(3), int64(20)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT .+ FROM product_variants`).
			WithArgs(tenantID, int64(3)).
			WillReturnRows(variantRows(5))

		_, err := s.Scope(tenantID).DecreaseStock(ctx, 3, 20)
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports not found for another tenant's variant", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE product_variants`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT .+ FROM product_variants`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := s.Scope(tenantID).DecreaseStock(ctx, 3, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAtomically(t *testing.T) {
	ctx := context.Background()

	t.Run("commits when the callback succeeds", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM cart_items`).WithArgs(tenantID, int64(4)).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err := s.Atomically(ctx, tenantID, func(sc store.Scope) error {
			return sc.DeleteCartItems(ctx, 4)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the callback fails", func(t *testing.T) {
		s, mock := newMock(t)
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM cart_items`).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectRollback()

		err := s.Atomically(ctx, tenantID, func(sc store.Scope) error {
			if err := sc.DeleteCartItems(ctx, 4); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	newOrder := func() *domain.Order {
		return &domain.Order{
			OrderNumber: "ORD-20260101-ABCDEF12",
			Status:      domain.OrderStatusPendingPayment,
			Customer:    domain.Customer{Email: "a@example.com", FirstName: "Ada", LastName: "L"},
			Billing:     domain.Address{Line1: "1 Main", City: "Town", PostalCode: "1000", Country: "US"},
			Currency:    "USD",
			Items: []domain.OrderItem{
				{ProductID: 2, ProductName: "Gel", Quantity: 2, UnitPrice: 1000, TotalPrice: 2000, Currency: "USD"},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	t.Run("inserts the order and its items", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO orders`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
		mock.ExpectQuery(`INSERT INTO order_items`).
			WithArgs(tenantID, int64(11), int64(2), nil, "Gel", nil, nil, int64(2), int64(1000), int64(2000), "USD").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))

		order := newOrder()
		require.NoError(t, s.Scope(tenantID).CreateOrder(ctx, order))
		assert.Equal(t, int64(11), order.ID)
		assert.Equal(t, int64(12), order.Items[0].ID)
		assert.Equal(t, int64(11), order.Items[0].OrderID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps the order number constraint", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO orders`).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "orders_tenant_number_key"})

		err := s.Scope(tenantID).CreateOrder(ctx, newOrder())
		assert.ErrorIs(t, err, store.ErrDuplicateOrderNumber)
	})
}

func TestUpdateOrderStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("conflict when the status moved", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(`UPDATE orders SET status`).
			WithArgs(tenantID, int64(11), domain.OrderStatusPendingPayment, domain.OrderStatusPaid, "").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT .+ FROM orders`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "order_number", "status", "customer_email", "customer_first", "customer_last",
				"customer_phone", "billing_line1", "billing_line2", "billing_city", "billing_state", "billing_postal",
				"billing_country", "subtotal", "tax_amount", "shipping_amount", "total_amount", "currency", "notes",
				"created_at", "updated_at",
			}).AddRow(int64(11), tenantID, "ORD-1", "cancelled", "a@example.com", "Ada", "L", "", "1 Main", "",
				"Town", "", "1000", "US", int64(2000), int64(0), int64(0), int64(2000), "USD", "", time.Now(), time.Now()))
		mock.ExpectQuery(`FROM order_items`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		err := s.Scope(tenantID).UpdateOrderStatus(ctx, 11, domain.OrderStatusPendingPayment, domain.OrderStatusPaid, "")
		assert.ErrorIs(t, err, store.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecordWebhookEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("first delivery is recorded", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(`INSERT INTO payment_webhook_events`).
			WithArgs(tenantID, "paypal", "WH-1", "PAYMENT.CAPTURE.COMPLETED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, s.Scope(tenantID).RecordWebhookEvent(ctx, "paypal", "WH-1", "PAYMENT.CAPTURE.COMPLETED"))
	})

	t.Run("redelivery is reported as duplicate", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectExec(`INSERT INTO payment_webhook_events`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.Scope(tenantID).RecordWebhookEvent(ctx, "paypal", "WH-1", "PAYMENT.CAPTURE.COMPLETED")
		assert.ErrorIs(t, err, store.ErrDuplicateWebhookEvent)
	})
}

func TestUpsertCartItemSendsComputedTotal(t *testing.T) {
	s, mock := newMock(t)
	variantID := int64(3)
	mock.ExpectQuery(`INSERT INTO cart_items .+ ON CONFLICT ON CONSTRAINT cart_items_line_key`).
		WithArgs(tenantID, int64(4), int64(2), variantID, "Gel", "Large", "SKU-L", int64(3), int64(500), int64(1500), "USD").
		WillReturnRows(sqlmock.NewRows([]string{"id", "quantity", "unit_price", "total_price"}).
			AddRow(int64(9), int64(5), int64(500), int64(2500)))

	item, err := s.Scope(tenantID).UpsertCartItem(context.Background(), &domain.CartItem{
		CartID: 4, ProductID: 2, VariantID: &variantID, ProductName: "Gel", VariantName: "Large", SKU: "SKU-L",
		Quantity: 3, UnitPrice: 500, Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), item.Quantity)
	assert.Equal(t, int64(2500), item.TotalPrice)
}

func TestLockOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("locks the tenant's order row", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`SELECT id FROM orders WHERE tenant_id = \$1 AND id = \$2 FOR UPDATE`).
			WithArgs(tenantID, int64(11)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

		require.NoError(t, s.Scope(tenantID).LockOrder(ctx, 11))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports not found for a missing order", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs(tenantID, int64(12)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		assert.ErrorIs(t, s.Scope(tenantID).LockOrder(ctx, 12), store.ErrNotFound)
	})
}

func TestCreatePaymentMapsActivePaymentViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`INSERT INTO payments`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_active_order_key"})

	err := s.Scope(tenantID).CreatePayment(context.Background(), &domain.Payment{OrderID: 11, AttemptKey: "k",
		Provider: "paypal", Status: domain.PaymentStatusCreated, Currency: "USD"})
	assert.ErrorIs(t, err, store.ErrActivePayment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

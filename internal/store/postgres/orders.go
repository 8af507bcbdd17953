package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

const orderColumns = `id, tenant_id, order_number, status, customer_email, customer_first, customer_last,
	COALESCE(customer_phone, ''), billing_line1, COALESCE(billing_line2, ''), billing_city, COALESCE(billing_state, ''),
	billing_postal, billing_country, subtotal, tax_amount, shipping_amount, total_amount, currency, notes,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.TenantID, &o.OrderNumber, &o.Status, &o.Customer.Email, &o.Customer.FirstName,
		&o.Customer.LastName, &o.Customer.Phone, &o.Billing.Line1, &o.Billing.Line2, &o.Billing.City,
		&o.Billing.State, &o.Billing.PostalCode, &o.Billing.Country, &o.Subtotal, &o.TaxAmount, &o.ShippingAmount,
		&o.TotalAmount, &o.Currency, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Items = []domain.OrderItem{}
	return &o, nil
}

func (sc *scope) CreateOrder(ctx context.Context, order *domain.Order) error {
	err := sc.q.QueryRowContext(ctx, `
		INSERT INTO orders (tenant_id, order_number, status, customer_email, customer_first, customer_last,
		                    customer_phone, billing_line1, billing_line2, billing_city, billing_state, billing_postal,
		                    billing_country, subtotal, tax_amount, shipping_amount, total_amount, currency, notes,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
		RETURNING id
	`, sc.tenantID, order.OrderNumber, order.Status, order.Customer.Email, order.Customer.FirstName,
		order.Customer.LastName, nullString(order.Customer.Phone), order.Billing.Line1, nullString(order.Billing.Line2),
		order.Billing.City, nullString(order.Billing.State), order.Billing.PostalCode, order.Billing.Country,
		order.Subtotal, order.TaxAmount, order.ShippingAmount, order.TotalAmount, order.Currency, order.Notes,
		order.CreatedAt).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err, "orders_tenant_number_key") {
			return store.ErrDuplicateOrderNumber
		}
		return err
	}
	order.TenantID = sc.tenantID

	for i := range order.Items {
		item := &order.Items[i]
		err = sc.q.QueryRowContext(ctx, `
			INSERT INTO order_items (tenant_id, order_id, product_id, variant_id, product_name, variant_name, sku,
			                         quantity, unit_price, total_price, currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`, sc.tenantID, order.ID, item.ProductID, nullInt64(item.VariantID), item.ProductName,
			nullString(item.VariantName), nullString(item.SKU), item.Quantity, item.UnitPrice, item.TotalPrice,
			item.Currency).Scan(&item.ID)
		if err != nil {
			return err
		}
		item.OrderID = order.ID
		item.TenantID = sc.tenantID
	}

	return nil
}

func (sc *scope) OrderByNumber(ctx context.Context, number string) (*domain.Order, error) {
	return sc.oneOrder(ctx, `WHERE tenant_id = $1 AND order_number = $2`, number)
}

func (sc *scope) OrderByID(ctx context.Context, id int64) (*domain.Order, error) {
	return sc.oneOrder(ctx, `WHERE tenant_id = $1 AND id = $2`, id)
}

func (sc *scope) LockOrder(ctx context.Context, id int64) error {
	var locked int64
	err := sc.q.QueryRowContext(ctx, `SELECT id FROM orders WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		sc.tenantID, id).Scan(&locked)
	return notFound(err)
}

func (sc *scope) oneOrder(ctx context.Context, where string, arg any) (*domain.Order, error) {
	orders, err := sc.listOrders(ctx, where+` LIMIT 1`, arg)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, store.ErrNotFound
	}
	return &orders[0], nil
}

func (sc *scope) OrdersByEmail(ctx context.Context, email string, limit int) ([]domain.Order, error) {
	return sc.listOrders(ctx, `WHERE tenant_id = $1 AND lower(customer_email) = lower($2)
		ORDER BY created_at DESC, id DESC LIMIT $3`, email, limit)
}

func (sc *scope) SearchOrders(ctx context.Context, query string, limit int) ([]domain.Order, error) {
	return sc.listOrders(ctx, `WHERE tenant_id = $1 AND (
			order_number ILIKE '%' || $2::text || '%' OR
			customer_email ILIKE '%' || $2::text || '%' OR
			customer_first ILIKE '%' || $2::text || '%' OR
			customer_last ILIKE '%' || $2::text || '%')
		ORDER BY created_at DESC, id DESC LIMIT $3`, query, limit)
}

// listOrders loads orders then their items in one extra query.
func (sc *scope) listOrders(ctx context.Context, clause string, args ...any) ([]domain.Order, error) {
	rows, err := sc.q.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+clause,
		append([]any{sc.tenantID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[int64]*domain.Order)
	var orderIDs []int64

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := sc.q.QueryContext(ctx, `
		SELECT id, tenant_id, order_id, product_id, variant_id, product_name, COALESCE(variant_name, ''),
		       COALESCE(sku, ''), quantity, unit_price, total_price, currency
		FROM order_items
		WHERE tenant_id = $1 AND order_id = ANY($2)
		ORDER BY id
	`, sc.tenantID, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var (
			item    domain.OrderItem
			variant sql.NullInt64
		)
		if err := itemRows.Scan(&item.ID, &item.TenantID, &item.OrderID, &item.ProductID, &variant,
			&item.ProductName, &item.VariantName, &item.SKU, &item.Quantity, &item.UnitPrice, &item.TotalPrice,
			&item.Currency); err != nil {
			return nil, err
		}
		item.VariantID = ptrInt64(variant)
		order := orderMap[item.OrderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

func (sc *scope) UpdateOrderStatus(ctx context.Context, orderID int64, from, to domain.OrderStatus, notes string) error {
	res, err := sc.q.ExecContext(ctx, `
		UPDATE orders SET status = $4, notes = $5, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $3
	`, sc.tenantID, orderID, from, to, notes)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		if _, err := sc.OrderByID(ctx, orderID); err != nil {
			return err
		}
		return store.ErrConflict
	}

	return nil
}

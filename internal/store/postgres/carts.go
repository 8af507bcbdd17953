package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

func (sc *scope) CartBySession(ctx context.Context, session string) (*domain.Cart, error) {
	var (
		cart  domain.Cart
		email sql.NullString
	)
	err := sc.q.QueryRowContext(ctx, `
		SELECT id, tenant_id, session_token, customer_email, currency, subtotal, tax_amount, total_amount,
		       created_at, updated_at, expires_at
		FROM carts
		WHERE tenant_id = $1 AND session_token = $2
	`, sc.tenantID, session).Scan(&cart.ID, &cart.TenantID, &cart.SessionToken, &email, &cart.Currency,
		&cart.Subtotal, &cart.TaxAmount, &cart.TotalAmount, &cart.CreatedAt, &cart.UpdatedAt, &cart.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	cart.CustomerEmail = email.String

	rows, err := sc.q.QueryContext(ctx, `
		SELECT id, tenant_id, cart_id, product_id, variant_id, product_name, COALESCE(variant_name, ''),
		       COALESCE(sku, ''), quantity, unit_price, total_price, currency
		FROM cart_items
		WHERE tenant_id = $1 AND cart_id = $2
		ORDER BY id
	`, sc.tenantID, cart.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cart.Items = []domain.CartItem{}
	for rows.Next() {
		var (
			item    domain.CartItem
			variant sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.TenantID, &item.CartID, &item.ProductID, &variant, &item.ProductName,
			&item.VariantName, &item.SKU, &item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.Currency); err != nil {
			return nil, err
		}
		item.VariantID = ptrInt64(variant)
		cart.Items = append(cart.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &cart, nil
}

func (sc *scope) CreateCart(ctx context.Context, cart *domain.Cart) error {
	err := sc.q.QueryRowContext(ctx, `
		INSERT INTO carts (tenant_id, session_token, customer_email, currency, subtotal, tax_amount, total_amount,
		                   created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, sc.tenantID, cart.SessionToken, nullString(cart.CustomerEmail), cart.Currency, cart.Subtotal, cart.TaxAmount,
		cart.TotalAmount, cart.CreatedAt, cart.UpdatedAt, cart.ExpiresAt).Scan(&cart.ID)
	if err != nil {
		if isUniqueViolation(err, "") {
			return store.ErrDuplicateCartSession
		}
		return err
	}
	cart.TenantID = sc.tenantID
	return nil
}

func (sc *scope) DeleteCart(ctx context.Context, cartID int64) error {
	return sc.execOne(ctx, `DELETE FROM carts WHERE tenant_id = $1 AND id = $2`, sc.tenantID, cartID)
}

// UpsertCartItem relies on cart_items_line_key so two concurrent adds of the
// same product/variant merge into one line instead of racing to insert.
func (sc *scope) UpsertCartItem(ctx context.Context, item *domain.CartItem) (*domain.CartItem, error) {
	out := *item
	err := sc.q.QueryRowContext(ctx, `
		INSERT INTO cart_items (tenant_id, cart_id, product_id, variant_id, product_name, variant_name, sku,
		                        quantity, unit_price, total_price, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT ON CONSTRAINT cart_items_line_key DO UPDATE
		SET quantity = cart_items.quantity + EXCLUDED.quantity,
		    total_price = cart_items.unit_price * (cart_items.quantity + EXCLUDED.quantity)
		RETURNING id, quantity, unit_price, total_price
	`, sc.tenantID, item.CartID, item.ProductID, nullInt64(item.VariantID), item.ProductName,
		nullString(item.VariantName), nullString(item.SKU), item.Quantity, item.UnitPrice,
		item.UnitPrice*item.Quantity, item.Currency).Scan(&out.ID, &out.Quantity, &out.UnitPrice, &out.TotalPrice)
	if err != nil {
		return nil, notFound(err)
	}
	out.TenantID = sc.tenantID
	return &out, nil
}

func (sc *scope) SetCartItemQuantity(ctx context.Context, cartID, itemID, qty int64) error {
	return sc.execOne(ctx, `
		UPDATE cart_items
		SET quantity = $4, total_price = unit_price * $4
		WHERE tenant_id = $1 AND cart_id = $2 AND id = $3
	`, sc.tenantID, cartID, itemID, qty)
}

func (sc *scope) DeleteCartItem(ctx context.Context, cartID, itemID int64) error {
	return sc.execOne(ctx, `DELETE FROM cart_items WHERE tenant_id = $1 AND cart_id = $2 AND id = $3`,
		sc.tenantID, cartID, itemID)
}

func (sc *scope) DeleteCartItems(ctx context.Context, cartID int64) error {
	_, err := sc.q.ExecContext(ctx, `DELETE FROM cart_items WHERE tenant_id = $1 AND cart_id = $2`, sc.tenantID, cartID)
	return err
}

func (sc *scope) SaveCart(ctx context.Context, cart *domain.Cart) error {
	return sc.execOne(ctx, `
		UPDATE carts
		SET customer_email = $3, subtotal = $4, tax_amount = $5, total_amount = $6, updated_at = $7, expires_at = $8
		WHERE tenant_id = $1 AND id = $2
	`, sc.tenantID, cart.ID, nullString(cart.CustomerEmail), cart.Subtotal, cart.TaxAmount, cart.TotalAmount,
		cart.UpdatedAt, cart.ExpiresAt)
}

func (sc *scope) DeleteExpiredCarts(ctx context.Context, before time.Time, limit int) (int, error) {
	res, err := sc.q.ExecContext(ctx, `
		DELETE FROM carts
		WHERE tenant_id = $1 AND id IN (
			SELECT id FROM carts
			WHERE tenant_id = $1 AND expires_at < $2
			ORDER BY id
			LIMIT $3
		)
	`, sc.tenantID, before, limit)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

// execOne runs a write that must touch exactly one tenant-owned row.
func (sc *scope) execOne(ctx context.Context, query string, args ...any) error {
	res, err := sc.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrNotFound
	}

	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

const variantColumns = `id, tenant_id, product_id, name, sku, price, stock_quantity, is_in_stock, updated_at`

func scanVariant(row interface{ Scan(...any) error }) (*domain.Variant, error) {
	var v domain.Variant
	if err := row.Scan(&v.ID, &v.TenantID, &v.ProductID, &v.Name, &v.SKU, &v.Price, &v.StockQuantity, &v.IsInStock, &v.UpdatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (sc *scope) Product(ctx context.Context, id int64) (*domain.Product, error) {
	var p domain.Product
	err := sc.q.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, COALESCE(sku, ''), price, currency, status, is_visible, has_variants
		FROM products
		WHERE tenant_id = $1 AND id = $2
	`, sc.tenantID, id).Scan(&p.ID, &p.TenantID, &p.Name, &p.SKU, &p.Price, &p.Currency, &p.Status, &p.IsVisible, &p.HasVariants)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (sc *scope) Variant(ctx context.Context, id int64) (*domain.Variant, error) {
	v, err := scanVariant(sc.q.QueryRowContext(ctx, `
		SELECT `+variantColumns+`
		FROM product_variants
		WHERE tenant_id = $1 AND id = $2
	`, sc.tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// DecreaseStock is the authoritative stock check: the predicate and the
// write are one statement, so concurrent decrements cannot oversell.
func (sc *scope) DecreaseStock(ctx context.Context, variantID, qty int64) (*domain.Variant, error) {
	v, err := scanVariant(sc.q.QueryRowContext(ctx, `
		UPDATE product_variants
		SET stock_quantity = stock_quantity - $3,
		    is_in_stock = (stock_quantity - $3) > 0,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND stock_quantity >= $3
		RETURNING `+variantColumns,
		sc.tenantID, variantID, qty))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := sc.Variant(ctx, variantID); err != nil {
		return nil, err
	}
	return nil, store.ErrInsufficientStock
}

func (sc *scope) IncreaseStock(ctx context.Context, variantID, qty int64) (*domain.Variant, error) {
	v, err := scanVariant(sc.q.QueryRowContext(ctx, `
		UPDATE product_variants
		SET stock_quantity = stock_quantity + $3,
		    is_in_stock = (stock_quantity + $3) > 0,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+variantColumns,
		sc.tenantID, variantID, qty))
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

// Package inventory is the variant-level stock ledger. Every call runs on a
// tenant-bound store.Scope, so a variant of another tenant is simply not found.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
)

// StockDetails accompanies insufficient_stock errors.
type StockDetails struct {
	VariantID int64 `json:"variant_id"`
	Requested int64 `json:"requested"`
}

type Ledger struct {
	logger  *zap.Logger
	metrics *telemetry.Pipeline
}

func NewLedger(logger *zap.Logger, metrics *telemetry.Pipeline) *Ledger {
	return &Ledger{logger: logger, metrics: metrics}
}

// Reason explains why a line cannot be fulfilled.
type Reason string

const (
	ReasonProductUnavailable   Reason = "product_unavailable"
	ReasonVariantUnavailable   Reason = "variant_unavailable"
	ReasonOutOfStock           Reason = "out_of_stock"
	ReasonInsufficientQuantity Reason = "insufficient_quantity"
)

// Check returns the reason qty units of the product (or its variant) cannot
// be sold right now, or "" when they can. It reads only and reserves nothing.
// Simple products are fulfillable whenever they are active; they carry no
// stock ceiling.
func (l *Ledger) Check(ctx context.Context, sc store.Scope, productID int64, variantID *int64, qty int64) (Reason, error) {
	product, err := sc.Product(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ReasonProductUnavailable, nil
		}
		return "", fmt.Errorf("load product %d: %w", productID, err)
	}
	if !product.Purchasable() {
		return ReasonProductUnavailable, nil
	}
	if variantID == nil {
		if product.HasVariants {
			return ReasonVariantUnavailable, nil
		}
		return "", nil
	}

	variant, err := sc.Variant(ctx, *variantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ReasonVariantUnavailable, nil
		}
		return "", fmt.Errorf("load variant %d: %w", *variantID, err)
	}
	switch {
	case variant.ProductID != productID:
		return ReasonVariantUnavailable, nil
	case !variant.IsInStock:
		return ReasonOutOfStock, nil
	case !variant.CanFulfill(qty):
		return ReasonInsufficientQuantity, nil
	}
	return "", nil
}

// CanFulfill reports whether Check finds nothing wrong.
func (l *Ledger) CanFulfill(ctx context.Context, sc store.Scope, productID int64, variantID *int64, qty int64) (bool, error) {
	reason, err := l.Check(ctx, sc, productID, variantID, qty)
	if err != nil {
		return false, err
	}
	return reason == "", nil
}

// Decrease takes qty units in one conditional write. It fails with
// insufficient_stock, leaving the counter untouched, when fewer are left.
func (l *Ledger) Decrease(ctx context.Context, sc store.Scope, variantID, qty int64) (*domain.Variant, error) {
	if qty <= 0 {
		return nil, domain.NewError(domain.KindInvalidRequest, "quantity must be at least 1")
	}

	v, err := sc.DecreaseStock(ctx, variantID, qty)
	switch {
	case err == nil:
		l.logger.Debug("stock decreased",
			zap.Int64("tenant_id", sc.TenantID()),
			zap.Int64("variant_id", variantID),
			zap.Int64("quantity", qty),
			zap.Int64("remaining", v.StockQuantity),
		)
		return v, nil
	case errors.Is(err, store.ErrInsufficientStock):
		l.metrics.StockConflict(ctx, sc.TenantID())
		return nil, &domain.Error{
			Kind:    domain.KindInsufficientStock,
			Message: fmt.Sprintf("insufficient stock for variant %d", variantID),
			Details: StockDetails{VariantID: variantID, Requested: qty},
			Err:     err,
		}
	case errors.Is(err, store.ErrNotFound):
		return nil, domain.Wrap(domain.KindProductNotFound, fmt.Sprintf("variant %d not found", variantID), err)
	default:
		return nil, fmt.Errorf("decrease stock of variant %d: %w", variantID, err)
	}
}

// Increase returns qty units to stock, e.g. on restock or cancellation.
func (l *Ledger) Increase(ctx context.Context, sc store.Scope, variantID, qty int64) (*domain.Variant, error) {
	if qty <= 0 {
		return nil, domain.NewError(domain.KindInvalidRequest, "quantity must be at least 1")
	}

	v, err := sc.IncreaseStock(ctx, variantID, qty)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Wrap(domain.KindProductNotFound, fmt.Sprintf("variant %d not found", variantID), err)
		}
		return nil, fmt.Errorf("increase stock of variant %d: %w", variantID, err)
	}

	l.logger.Debug("stock increased",
		zap.Int64("tenant_id", sc.TenantID()),
		zap.Int64("variant_id", variantID),
		zap.Int64("quantity", qty),
		zap.Int64("remaining", v.StockQuantity),
	)
	return v, nil
}

// Restock is Increase in its own tenant transaction.
func (l *Ledger) Restock(ctx context.Context, s store.Store, tenantID, variantID, qty int64) (*domain.Variant, error) {
	var out *domain.Variant
	err := s.Atomically(ctx, tenantID, func(sc store.Scope) error {
		v, err := l.Increase(ctx, sc, variantID, qty)
		out = v
		return err
	})
	return out, err
}

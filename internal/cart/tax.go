package cart

import (
	"context"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

// TaxRateProvider supplies the tax rate, in basis points, applied to a
// tenant's cart subtotal.
type TaxRateProvider interface {
	RateBPS(ctx context.Context, tenant *domain.Tenant) (int64, error)
}

// FixedRate applies the same rate to every tenant.
type FixedRate int64

func (r FixedRate) RateBPS(context.Context, *domain.Tenant) (int64, error) {
	return int64(r), nil
}

// TenantRate uses the tenant's own rate when configured and Fallback otherwise.
type TenantRate struct {
	Fallback int64
}

func (r TenantRate) RateBPS(_ context.Context, tenant *domain.Tenant) (int64, error) {
	if tenant != nil && tenant.TaxRateBPS != nil {
		return *tenant.TaxRateBPS, nil
	}
	return r.Fallback, nil
}

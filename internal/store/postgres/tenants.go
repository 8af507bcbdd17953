package postgres

import (
	"context"
	"database/sql"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

type tenants struct {
	db *sql.DB
}

const tenantColumns = `id, slug, COALESCE(domain, ''), name, currency, commerce_enabled, tax_rate_bps`

func (t *tenants) get(ctx context.Context, where string, arg any) (*domain.Tenant, error) {
	var (
		tenant domain.Tenant
		rate   sql.NullInt64
	)
	err := t.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE `+where, arg).
		Scan(&tenant.ID, &tenant.Slug, &tenant.Domain, &tenant.Name, &tenant.Currency, &tenant.CommerceEnabled, &rate)
	if err != nil {
		return nil, notFound(err)
	}
	tenant.TaxRateBPS = ptrInt64(rate)
	return &tenant, nil
}

func (t *tenants) BySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	return t.get(ctx, `slug = $1`, slug)
}

func (t *tenants) ByDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	return t.get(ctx, `lower(domain) = lower($1)`, host)
}

func (t *tenants) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

package postgres

import (
	"context"
	"database/sql"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

const paymentColumns = `id, tenant_id, order_id, attempt_key, provider, COALESCE(provider_order_id, ''),
	COALESCE(provider_payment_id, ''), COALESCE(approval_url, ''), status, amount, currency, raw_response,
	created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (*domain.Payment, error) {
	var (
		p   domain.Payment
		raw []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.OrderID, &p.AttemptKey, &p.Provider, &p.ProviderOrderID,
		&p.ProviderPaymentID, &p.ApprovalURL, &p.Status, &p.Amount, &p.Currency, &raw, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.RawResponse = raw
	return &p, nil
}

// rawJSON is passed as text; lib/pq would otherwise encode []byte as bytea.
func rawJSON(raw []byte) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func (sc *scope) CreatePayment(ctx context.Context, p *domain.Payment) error {
	err := sc.q.QueryRowContext(ctx, `
		INSERT INTO payments (tenant_id, order_id, attempt_key, provider, provider_order_id, provider_payment_id,
		                      approval_url, status, amount, currency, raw_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, sc.tenantID, p.OrderID, p.AttemptKey, p.Provider, nullString(p.ProviderOrderID),
		nullString(p.ProviderPaymentID), nullString(p.ApprovalURL), p.Status, p.Amount, p.Currency,
		rawJSON(p.RawResponse), p.CreatedAt, p.UpdatedAt).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err, "payments_active_order_key") {
			return store.ErrActivePayment
		}
		return err
	}
	p.TenantID = sc.tenantID
	return nil
}

func (sc *scope) UpdatePayment(ctx context.Context, p *domain.Payment, from domain.PaymentStatus) error {
	res, err := sc.q.ExecContext(ctx, `
		UPDATE payments
		SET provider_order_id = $4, provider_payment_id = $5, approval_url = $6, status = $7,
		    raw_response = COALESCE($8::jsonb, raw_response), updated_at = $9
		WHERE tenant_id = $1 AND id = $2 AND status = $3
	`, sc.tenantID, p.ID, from, nullString(p.ProviderOrderID), nullString(p.ProviderPaymentID),
		nullString(p.ApprovalURL), p.Status, rawJSON(p.RawResponse), p.UpdatedAt)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		var exists bool
		if err := sc.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM payments WHERE tenant_id = $1 AND id = $2)`,
			sc.tenantID, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}

	return nil
}

func (sc *scope) onePayment(ctx context.Context, where string, args ...any) (*domain.Payment, error) {
	p, err := scanPayment(sc.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tenant_id = $1 AND `+
		where+` ORDER BY id DESC LIMIT 1`, append([]any{sc.tenantID}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (sc *scope) PaymentByProviderOrderID(ctx context.Context, provider, providerOrderID string) (*domain.Payment, error) {
	return sc.onePayment(ctx, `provider = $2 AND provider_order_id = $3`, provider, providerOrderID)
}

func (sc *scope) PaymentByProviderPaymentID(ctx context.Context, provider, providerPaymentID string) (*domain.Payment, error) {
	return sc.onePayment(ctx, `provider = $2 AND provider_payment_id = $3`, provider, providerPaymentID)
}

func (sc *scope) LatestPayment(ctx context.Context, orderID int64) (*domain.Payment, error) {
	return sc.onePayment(ctx, `order_id = $2`, orderID)
}

func (sc *scope) RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string) error {
	res, err := sc.q.ExecContext(ctx, `
		INSERT INTO payment_webhook_events (tenant_id, provider, event_id, event_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, sc.tenantID, provider, eventID, eventType)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrDuplicateWebhookEvent
	}

	return nil
}

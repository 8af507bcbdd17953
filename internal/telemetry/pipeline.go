package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/joao-fontenele/clinic-commerce"

// Pipeline holds the commerce counters. A nil *Pipeline records nothing.
type Pipeline struct {
	ordersCreated    metric.Int64Counter
	stockConflicts   metric.Int64Counter
	paymentsCaptured metric.Int64Counter
	webhooksReceived metric.Int64Counter
	cartsSwept       metric.Int64Counter
}

// NewPipeline registers the instruments on meter, or on the global meter
// provider when meter is nil.
func NewPipeline(meter metric.Meter) (*Pipeline, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	var (
		p   Pipeline
		err error
	)

	if p.ordersCreated, err = meter.Int64Counter("commerce.orders.created",
		metric.WithDescription("Orders persisted in pending_payment")); err != nil {
		return nil, err
	}
	if p.stockConflicts, err = meter.Int64Counter("commerce.stock.conflicts",
		metric.WithDescription("Stock decrements rejected for insufficient quantity")); err != nil {
		return nil, err
	}
	if p.paymentsCaptured, err = meter.Int64Counter("commerce.payments.captured",
		metric.WithDescription("Payments moved to a successful status")); err != nil {
		return nil, err
	}
	if p.webhooksReceived, err = meter.Int64Counter("commerce.webhooks.received",
		metric.WithDescription("Provider webhook deliveries by outcome")); err != nil {
		return nil, err
	}
	if p.cartsSwept, err = meter.Int64Counter("commerce.carts.swept",
		metric.WithDescription("Expired carts physically deleted")); err != nil {
		return nil, err
	}

	return &p, nil
}

func tenantAttr(tenantID int64) metric.MeasurementOption {
	return metric.WithAttributes(attribute.Int64("tenant.id", tenantID))
}

func (p *Pipeline) OrderCreated(ctx context.Context, tenantID int64, source string) {
	if p == nil {
		return
	}
	p.ordersCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.String("source", source),
	))
}

func (p *Pipeline) StockConflict(ctx context.Context, tenantID int64) {
	if p == nil {
		return
	}
	p.stockConflicts.Add(ctx, 1, tenantAttr(tenantID))
}

func (p *Pipeline) PaymentCaptured(ctx context.Context, tenantID int64, provider string) {
	if p == nil {
		return
	}
	p.paymentsCaptured.Add(ctx, 1, metric.WithAttributes(
		attribute.Int64("tenant.id", tenantID),
		attribute.String("provider", provider),
	))
}

func (p *Pipeline) WebhookReceived(ctx context.Context, provider, outcome string) {
	if p == nil {
		return
	}
	p.webhooksReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (p *Pipeline) CartsSwept(ctx context.Context, tenantID int64, n int) {
	if p == nil || n == 0 {
		return
	}
	p.cartsSwept.Add(ctx, int64(n), tenantAttr(tenantID))
}

package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/messaging"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
)

const defaultTimeout = 15 * time.Second

type Result struct {
	Payment *domain.Payment `json:"payment"`
	Order   *domain.Order   `json:"order"`
}

type Orchestrator struct {
	store     store.Store
	provider  Provider
	publisher messaging.Publisher
	metrics   *telemetry.Pipeline
	timeout   time.Duration
	returnURL string
	cancelURL string
	now       func() time.Time
	newKey    func() string
	logger    *zap.Logger
}

type Option func(*Orchestrator)

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithReturnURLs(returnURL, cancelURL string) Option {
	return func(o *Orchestrator) {
		o.returnURL = returnURL
		o.cancelURL = cancelURL
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithMetrics(m *telemetry.Pipeline) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(s store.Store, provider Provider, publisher messaging.Publisher, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		provider:  provider,
		publisher: publisher,
		timeout:   defaultTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		newKey:    uuid.NewString,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProviderName is the name payments are recorded under.
func (o *Orchestrator) ProviderName() string {
	return o.provider.Name()
}

// Initiate opens a provider payment for a pending_payment order and returns
// the attempt with its approval handle. The attempt row is written before the
// provider is called, so a timed-out call leaves a created payment that the
// next Initiate reuses with the same idempotency key.
func (o *Orchestrator) Initiate(ctx context.Context, tenant *domain.Tenant, orderNumber string) (res *Result, err error) {
	ctx, span := o.startSpan(ctx, "Initiate", tenant, attribute.String("order.number", orderNumber))
	defer func() { endSpan(span, err) }()
	return o.initiate(ctx, tenant, orderNumber)
}

func (o *Orchestrator) initiate(ctx context.Context, tenant *domain.Tenant, orderNumber string) (*Result, error) {
	var (
		order   *domain.Order
		payment *domain.Payment
	)
	err := o.store.Atomically(ctx, tenant.ID, func(sc store.Scope) error {
		ord, err := lockedOrder(ctx, sc, orderNumber)
		if err != nil {
			return err
		}
		if err := awaitingPayment(ord); err != nil {
			return err
		}

		p, err := sc.LatestPayment(ctx, ord.ID)
		if err == nil && p.Status.IsPending() && p.Provider != o.provider.Name() {
			if err := o.supersede(ctx, sc, p); err != nil {
				return err
			}
		}
		switch {
		case err == nil && p.Status.IsPending() && p.Provider == o.provider.Name():
			payment = p
		case err == nil && p.Status.IsSuccessful():
			return domain.NewError(domain.KindInvalidCartState, "order already has a successful payment")
		case err == nil || errors.Is(err, store.ErrNotFound):
			now := o.now()
			payment = &domain.Payment{
				OrderID:    ord.ID,
				AttemptKey: o.newKey(),
				Provider:   o.provider.Name(),
				Status:     domain.PaymentStatusCreated,
				Amount:     ord.TotalAmount,
				Currency:   ord.Currency,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := sc.CreatePayment(ctx, payment); err != nil {
				if errors.Is(err, store.ErrActivePayment) {
					return domain.NewError(domain.KindPaymentProcessing, "a payment for this order is already in progress, retry")
				}
				return fmt.Errorf("create payment: %w", err)
			}
		default:
			return fmt.Errorf("load payment: %w", err)
		}

		order = ord
		return nil
	})
	if err != nil {
		return nil, classify(err, "initiate payment")
	}

	if payment.ProviderOrderID != "" {
		return &Result{Payment: payment, Order: order}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	po, err := o.provider.CreateOrder(callCtx, CreateRequest{
		Reference:      order.OrderNumber,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: payment.AttemptKey,
		ReturnURL:      o.returnURL,
		CancelURL:      o.cancelURL,
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			o.markFailed(ctx, tenant, payment)
		}
		o.logger.Error("provider order creation failed",
			zap.Error(err),
			zap.Int64("tenant_id", tenant.ID),
			zap.String("order_number", order.OrderNumber),
			zap.String("provider", o.provider.Name()),
		)
		return nil, providerErr("create provider order", err)
	}

	err = o.store.Atomically(ctx, tenant.ID, func(sc store.Scope) error {
		from := payment.Status
		updated := *payment
		updated.ProviderOrderID = po.ID
		if po.PaymentID != "" {
			updated.ProviderPaymentID = po.PaymentID
		}
		updated.ApprovalURL = po.Approval
		updated.RawResponse = po.Raw
		if po.Status.IsPending() && from.CanTransitionTo(po.Status) {
			updated.Status = po.Status
		}
		updated.UpdatedAt = o.now()

		if err := sc.UpdatePayment(ctx, &updated, from); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return domain.NewError(domain.KindPaymentProcessing, "payment was updated concurrently, retry")
			}
			return fmt.Errorf("record provider order: %w", err)
		}
		payment = &updated
		return nil
	})
	if err != nil {
		return nil, classify(err, "initiate payment")
	}

	o.logger.Info("payment initiated",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("provider", payment.Provider),
		zap.String("provider_order_id", payment.ProviderOrderID),
	)
	return &Result{Payment: payment, Order: order}, nil
}

// Capture finalises the provider order. The provider is queried first so a
// retry after a timed-out capture reconciles instead of capturing twice.
func (o *Orchestrator) Capture(ctx context.Context, tenant *domain.Tenant, providerOrderID string) (res *Result, err error) {
	ctx, span := o.startSpan(ctx, "Capture", tenant, attribute.String("payment.provider_order_id", providerOrderID))
	defer func() { endSpan(span, err) }()
	return o.capture(ctx, tenant, providerOrderID)
}

func (o *Orchestrator) capture(ctx context.Context, tenant *domain.Tenant, providerOrderID string) (*Result, error) {
	name := o.provider.Name()
	sc := o.store.Scope(tenant.ID)

	p, err := sc.PaymentByProviderOrderID(ctx, name, providerOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("payment %s not found", providerOrderID))
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	order, err := sc.OrderByID(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if p.Status.IsSuccessful() {
		return &Result{Payment: p, Order: order}, nil
	}
	if !p.Status.IsPending() {
		return nil, domain.NewError(domain.KindInvalidCartState,
			fmt.Sprintf("payment is %s, start a new payment", p.Status))
	}
	if err := awaitingPayment(order); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	po, err := o.provider.GetOrder(callCtx, providerOrderID)
	if err != nil {
		return nil, providerErr("get provider order", err)
	}
	if !po.Status.IsSuccessful() && !po.Status.IsFailed() {
		po, err = o.provider.CaptureOrder(callCtx, providerOrderID, p.AttemptKey)
		if err != nil {
			if errors.Is(err, ErrRejected) {
				o.markFailed(ctx, tenant, p)
			}
			o.logger.Warn("payment capture failed",
				zap.Error(err),
				zap.Int64("tenant_id", tenant.ID),
				zap.String("provider_order_id", providerOrderID),
			)
			return nil, providerErr("capture provider order", err)
		}
	}

	out, err := o.reconcile(ctx, tenant, byProviderOrder(ctx, name, providerOrderID),
		change{status: po.Status, providerPaymentID: po.PaymentID, raw: po.Raw}, nil)
	if err != nil {
		return nil, classify(err, "capture payment")
	}
	if po.Status.IsFailed() {
		return nil, domain.NewError(domain.KindPaymentProcessing, "payment was declined")
	}
	return &Result{Payment: out.payment, Order: out.order}, nil
}

// HandleWebhook verifies and applies one provider notification. Repeated
// deliveries and stale statuses are acknowledged without changes.
func (o *Orchestrator) HandleWebhook(ctx context.Context, tenant *domain.Tenant, headers http.Header, body []byte) (err error) {
	ctx, span := o.startSpan(ctx, "HandleWebhook", tenant)
	defer func() { endSpan(span, err) }()
	return o.handleWebhook(ctx, tenant, headers, body)
}

func (o *Orchestrator) handleWebhook(ctx context.Context, tenant *domain.Tenant, headers http.Header, body []byte) error {
	name := o.provider.Name()

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ev, err := o.provider.VerifyWebhook(callCtx, headers, body)
	if err != nil {
		o.metrics.WebhookReceived(ctx, name, "rejected")
		o.logger.Warn("webhook rejected",
			zap.Error(err),
			zap.Int64("tenant_id", tenant.ID),
			zap.String("provider", name),
		)
		return domain.Wrap(domain.KindPaymentProcessing, "webhook verification failed", err)
	}

	log := o.logger.With(
		zap.Int64("tenant_id", tenant.ID),
		zap.String("provider", name),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)

	if ev.Status == "" {
		o.metrics.WebhookReceived(ctx, name, "ignored")
		log.Info("webhook event ignored")
		return nil
	}

	record := func(sc store.Scope) error {
		return sc.RecordWebhookEvent(ctx, name, ev.ID, ev.Type)
	}
	out, err := o.reconcile(ctx, tenant, o.webhookPayment(ctx, ev),
		change{status: ev.Status, providerPaymentID: ev.ProviderPaymentID, raw: ev.Raw}, record)
	if errors.Is(err, store.ErrDuplicateWebhookEvent) {
		o.metrics.WebhookReceived(ctx, name, "duplicate")
		log.Info("webhook event already processed")
		return nil
	}
	if err != nil {
		o.metrics.WebhookReceived(ctx, name, "error")
		log.Error("webhook processing failed", zap.Error(err))
		return classify(err, "handle webhook")
	}

	outcome := "applied"
	switch {
	case out.payment == nil:
		outcome = "unmatched"
	case !out.applied:
		outcome = "stale"
	}
	o.metrics.WebhookReceived(ctx, name, outcome)
	log.Info("webhook event processed", zap.String("outcome", outcome))
	return nil
}

func (o *Orchestrator) startSpan(ctx context.Context, op string, tenant *domain.Tenant, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.Int64("tenant.id", tenant.ID),
		attribute.String("payment.provider", o.provider.Name()),
	)
	return telemetry.Tracer().Start(ctx, "payment."+op, trace.WithAttributes(attrs...))
}

// endSpan marks domain rejections as errors too; they end the operation.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// PaymentForOrder returns the latest payment attempt of an order.
func (o *Orchestrator) PaymentForOrder(ctx context.Context, tenant *domain.Tenant, orderID int64) (*domain.Payment, error) {
	p, err := o.store.Scope(tenant.ID).LatestPayment(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("no payment for order %d", orderID))
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return p, nil
}

type change struct {
	status            domain.PaymentStatus
	providerPaymentID string
	raw               json.RawMessage
}

type outcome struct {
	payment *domain.Payment
	order   *domain.Order
	applied bool
	paid    bool
}

type finder func(sc store.Scope) (*domain.Payment, error)

func byProviderOrder(ctx context.Context, provider, providerOrderID string) finder {
	return func(sc store.Scope) (*domain.Payment, error) {
		return sc.PaymentByProviderOrderID(ctx, provider, providerOrderID)
	}
}

// webhookPayment matches by provider payment id first, then by provider
// order id. An unmatched event yields a nil payment.
func (o *Orchestrator) webhookPayment(ctx context.Context, ev *WebhookEvent) finder {
	name := o.provider.Name()
	return func(sc store.Scope) (*domain.Payment, error) {
		if ev.ProviderPaymentID != "" {
			p, err := sc.PaymentByProviderPaymentID(ctx, name, ev.ProviderPaymentID)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		if ev.ProviderOrderID != "" {
			p, err := sc.PaymentByProviderOrderID(ctx, name, ev.ProviderOrderID)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		return nil, nil
	}
}

// reconcile applies c to the payment found by find in one transaction,
// together with the order transition it implies. before runs first in the
// same transaction.
func (o *Orchestrator) reconcile(ctx context.Context, tenant *domain.Tenant, find finder, c change, before func(store.Scope) error) (*outcome, error) {
	var out *outcome
	err := o.store.Atomically(ctx, tenant.ID, func(sc store.Scope) error {
		if before != nil {
			if err := before(sc); err != nil {
				return err
			}
		}
		p, err := find(sc)
		if err != nil {
			return fmt.Errorf("find payment: %w", err)
		}
		out, err = o.apply(ctx, sc, p, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	if out.applied {
		o.logger.Info("payment status updated",
			zap.Int64("tenant_id", tenant.ID),
			zap.Int64("payment_id", out.payment.ID),
			zap.String("status", string(out.payment.Status)),
		)
	}
	if out.paid {
		o.metrics.PaymentCaptured(ctx, tenant.ID, o.provider.Name())
		o.publish(ctx, out.order)
	}
	return out, nil
}

func (o *Orchestrator) apply(ctx context.Context, sc store.Scope, p *domain.Payment, c change) (*outcome, error) {
	out := &outcome{payment: p}
	if p == nil {
		return out, nil
	}

	order, err := sc.OrderByID(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	out.order = order

	if !p.Status.CanTransitionTo(c.status) {
		if c.status.IsSuccessful() && p.Status.IsFailed() {
			o.logger.Error("provider reports funds captured for a closed payment, refund required",
				zap.Int64("tenant_id", sc.TenantID()),
				zap.Int64("payment_id", p.ID),
				zap.String("payment_status", string(p.Status)),
				zap.String("order_number", order.OrderNumber),
			)
		}
		return out, nil
	}

	from := p.Status
	p.Status = c.status
	if c.providerPaymentID != "" {
		p.ProviderPaymentID = c.providerPaymentID
	}
	if len(c.raw) > 0 {
		p.RawResponse = c.raw
	}
	p.UpdatedAt = o.now()
	if err := sc.UpdatePayment(ctx, p, from); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domain.NewError(domain.KindPaymentProcessing, "payment was updated concurrently, retry")
		}
		return nil, fmt.Errorf("update payment: %w", err)
	}
	out.applied = true

	if !c.status.IsSuccessful() {
		return out, nil
	}
	if order.Status != domain.OrderStatusPendingPayment {
		o.logger.Warn("payment captured for an order not awaiting payment",
			zap.Int64("tenant_id", sc.TenantID()),
			zap.String("order_number", order.OrderNumber),
			zap.String("order_status", string(order.Status)),
		)
		return out, nil
	}

	prev := order.Status
	if err := order.Transition(domain.OrderStatusPaid, o.now()); err != nil {
		return nil, err
	}
	if err := sc.UpdateOrderStatus(ctx, order.ID, prev, order.Status, order.Notes); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domain.NewError(domain.KindPaymentProcessing, "order was updated concurrently, retry")
		}
		return nil, fmt.Errorf("mark order paid: %w", err)
	}
	out.paid = true
	return out, nil
}

// lockedOrder loads the order by number and locks it for the rest of the
// transaction. The order is re-read after the lock so its status is current.
func lockedOrder(ctx context.Context, sc store.Scope, orderNumber string) (*domain.Order, error) {
	ord, err := sc.OrderByNumber(ctx, orderNumber)
	if err == nil {
		if err = sc.LockOrder(ctx, ord.ID); err == nil {
			ord, err = sc.OrderByID(ctx, ord.ID)
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("order %s not found", orderNumber))
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	return ord, nil
}

func awaitingPayment(ord *domain.Order) error {
	if ord.Status == domain.OrderStatusPendingPayment {
		return nil
	}
	return &domain.Error{
		Kind:    domain.KindInvalidCartState,
		Message: fmt.Sprintf("order %s is %s and cannot be paid", ord.OrderNumber, ord.Status),
		Details: domain.TransitionDetails{Current: string(ord.Status), Attempted: string(domain.OrderStatusPaid)},
	}
}

// supersede cancels an open attempt made through a provider that is no
// longer configured, so the order can get a new one.
func (o *Orchestrator) supersede(ctx context.Context, sc store.Scope, p *domain.Payment) error {
	from := p.Status
	p.Status = domain.PaymentStatusCancelled
	p.UpdatedAt = o.now()
	if err := sc.UpdatePayment(ctx, p, from); err != nil {
		return fmt.Errorf("cancel superseded payment: %w", err)
	}
	return nil
}

// markFailed records a provider rejection. The order stays pending_payment
// so the customer can start a new attempt.
func (o *Orchestrator) markFailed(ctx context.Context, tenant *domain.Tenant, p *domain.Payment) {
	find := func(sc store.Scope) (*domain.Payment, error) {
		latest, err := sc.LatestPayment(ctx, p.OrderID)
		if err != nil || latest.ID != p.ID {
			return nil, err
		}
		return latest, nil
	}
	if _, err := o.reconcile(ctx, tenant, find, change{status: domain.PaymentStatusFailed}, nil); err != nil {
		o.logger.Error("failed to record payment failure",
			zap.Error(err),
			zap.Int64("tenant_id", tenant.ID),
			zap.Int64("payment_id", p.ID),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, order *domain.Order) {
	event := domain.NewOrderEvent(domain.OrderEventPaid, order, o.now())
	if err := o.publisher.PublishOrderEvent(ctx, event); err != nil {
		o.logger.Error("failed to publish order event",
			zap.Error(err),
			zap.String("event_type", string(event.Type)),
			zap.String("order_number", order.OrderNumber),
		)
	}
}

func providerErr(op string, err error) error {
	msg := "payment provider request failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "payment provider timed out"
	case errors.Is(err, ErrRejected):
		msg = "payment was declined"
	}
	return domain.Wrap(domain.KindPaymentProcessing, msg, fmt.Errorf("%s: %w", op, err))
}

func classify(err error, op string) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

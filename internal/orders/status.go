package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store"
)

var statusEvents = map[domain.OrderStatus]domain.OrderEventType{
	domain.OrderStatusPaid:      domain.OrderEventPaid,
	domain.OrderStatusCancelled: domain.OrderEventCancelled,
	domain.OrderStatusRefunded:  domain.OrderEventRefunded,
}

// UpdateStatus moves the order one step along its status machine. Cancelled
// and refunded targets go through Cancel and Refund so their side effects run.
func (b *Builder) UpdateStatus(ctx context.Context, tenant *domain.Tenant, orderNumber string, to domain.OrderStatus) (*domain.Order, error) {
	switch to {
	case domain.OrderStatusCancelled:
		return b.Cancel(ctx, tenant, orderNumber, "")
	case domain.OrderStatusRefunded:
		return b.Refund(ctx, tenant, orderNumber, "")
	}
	if !to.Valid() {
		return nil, domain.NewError(domain.KindInvalidRequest, fmt.Sprintf("unknown order status %q", to))
	}

	return b.transition(ctx, tenant, orderNumber, to, nil)
}

// Cancel cancels a pending_payment or paid order, returns its variant
// quantities to stock and appends the reason to the notes. An open payment
// attempt is cancelled with it; a captured payment is recorded as refunded,
// so a paid order must only be cancelled once the money has been returned.
func (b *Builder) Cancel(ctx context.Context, tenant *domain.Tenant, orderNumber, reason string) (*domain.Order, error) {
	return b.transition(ctx, tenant, orderNumber, domain.OrderStatusCancelled, func(sc store.Scope, o *domain.Order, _ domain.OrderStatus) error {
		return b.cancel(ctx, sc, o, reason)
	})
}

// CancelPending is the customer-facing cancel: only orders still awaiting
// payment can be cancelled this way.
func (b *Builder) CancelPending(ctx context.Context, tenant *domain.Tenant, orderNumber, reason string) (*domain.Order, error) {
	return b.transition(ctx, tenant, orderNumber, domain.OrderStatusCancelled, func(sc store.Scope, o *domain.Order, from domain.OrderStatus) error {
		if from != domain.OrderStatusPendingPayment {
			return &domain.Error{
				Kind:    domain.KindInvalidCartState,
				Message: fmt.Sprintf("order %s is %s; contact the store to cancel it", o.OrderNumber, from),
				Details: domain.TransitionDetails{Current: string(from), Attempted: string(domain.OrderStatusCancelled)},
			}
		}
		return b.cancel(ctx, sc, o, reason)
	})
}

func (b *Builder) cancel(ctx context.Context, sc store.Scope, o *domain.Order, reason string) error {
	o.AppendNote(labelled("Cancelled", reason))
	if err := b.settlePayment(ctx, sc, o); err != nil {
		return err
	}
	return b.restock(ctx, sc, o)
}

// Refund marks the order refunded and the captured payment with it. Stock is
// not returned. No provider call is made: the refund itself is issued in the
// provider dashboard and this only records it.
func (b *Builder) Refund(ctx context.Context, tenant *domain.Tenant, orderNumber, reason string) (*domain.Order, error) {
	return b.transition(ctx, tenant, orderNumber, domain.OrderStatusRefunded, func(sc store.Scope, o *domain.Order, _ domain.OrderStatus) error {
		o.AppendNote(labelled("Refunded", reason))
		return b.settlePayment(ctx, sc, o)
	})
}

func labelled(label, reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return label
	}
	return label + ": " + reason
}

// transition loads the order, applies the status change and side effect, and
// writes it back with a compare-and-set on the status it read.
func (b *Builder) transition(ctx context.Context, tenant *domain.Tenant, orderNumber string, to domain.OrderStatus, effect func(sc store.Scope, o *domain.Order, from domain.OrderStatus) error) (*domain.Order, error) {
	var order *domain.Order
	err := b.store.Atomically(ctx, tenant.ID, func(sc store.Scope) error {
		o, err := b.load(ctx, sc, orderNumber)
		if err != nil {
			return err
		}
		if err := sc.LockOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if o, err = sc.OrderByID(ctx, o.ID); err != nil {
			return fmt.Errorf("reload order: %w", err)
		}

		from := o.Status
		if err := o.Transition(to, b.now()); err != nil {
			return err
		}

		if effect != nil {
			if err := effect(sc, o, from); err != nil {
				return err
			}
		}

		if err := sc.UpdateOrderStatus(ctx, o.ID, from, o.Status, o.Notes); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return domain.NewError(domain.KindInvalidCartState, "order was modified concurrently, retry")
			}
			return fmt.Errorf("update order status: %w", err)
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, classify(err, "update order status")
	}

	b.logger.Info("order status updated",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("status", string(order.Status)),
	)
	if t, ok := statusEvents[order.Status]; ok {
		b.publish(ctx, t, order)
	}
	return order, nil
}

func (b *Builder) restock(ctx context.Context, sc store.Scope, o *domain.Order) error {
	for _, item := range o.Items {
		if item.VariantID == nil {
			continue
		}
		_, err := b.ledger.Increase(ctx, sc, *item.VariantID, item.Quantity)
		if domain.KindOf(err) == domain.KindProductNotFound {
			b.logger.Warn("variant gone, skipping restock",
				zap.Int64("tenant_id", sc.TenantID()),
				zap.Int64("variant_id", *item.VariantID),
				zap.String("order_number", o.OrderNumber),
			)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// settlePayment closes the latest payment of an order leaving the paid path:
// an open attempt is cancelled and a captured one is marked refunded.
func (b *Builder) settlePayment(ctx context.Context, sc store.Scope, o *domain.Order) error {
	p, err := sc.LatestPayment(ctx, o.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}

	var to domain.PaymentStatus
	switch {
	case p.Status.IsPending():
		to = domain.PaymentStatusCancelled
	case p.Status.IsSuccessful():
		to = domain.PaymentStatusRefunded
	default:
		return nil
	}

	from := p.Status
	p.Status = to
	p.UpdatedAt = b.now()
	if err := sc.UpdatePayment(ctx, p, from); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.NewError(domain.KindInvalidCartState, "payment was modified concurrently, retry")
		}
		return fmt.Errorf("mark payment %s: %w", to, err)
	}
	b.logger.Info("payment closed with order",
		zap.Int64("tenant_id", sc.TenantID()),
		zap.String("order_number", o.OrderNumber),
		zap.Int64("payment_id", p.ID),
		zap.String("payment_status", string(to)),
	)
	return nil
}

func (b *Builder) load(ctx context.Context, sc store.Scope, orderNumber string) (*domain.Order, error) {
	o, err := sc.OrderByNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("order %s not found", orderNumber))
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}

func (b *Builder) Get(ctx context.Context, tenant *domain.Tenant, orderNumber string) (*domain.Order, error) {
	o, err := b.load(ctx, b.store.Scope(tenant.ID), orderNumber)
	if err != nil {
		return nil, classify(err, "get order")
	}
	return o, nil
}

// ListByEmail returns the customer's most recent orders, newest first.
func (b *Builder) ListByEmail(ctx context.Context, tenant *domain.Tenant, email string) ([]domain.Order, error) {
	email = strings.TrimSpace(email)
	if err := b.validate.Var(email, "required,email"); err != nil {
		return nil, domain.Wrap(domain.KindInvalidRequest, "a valid email is required", err)
	}

	orders, err := b.store.Scope(tenant.ID).OrdersByEmail(ctx, email, listLimit)
	if err != nil {
		return nil, fmt.Errorf("list orders by email: %w", err)
	}
	return orders, nil
}

// Search matches q against order number, customer email and names.
func (b *Builder) Search(ctx context.Context, tenant *domain.Tenant, q string) ([]domain.Order, error) {
	q = strings.TrimSpace(q)
	if len(q) < 2 {
		return nil, domain.NewError(domain.KindInvalidRequest, "search query must be at least 2 characters")
	}

	orders, err := b.store.Scope(tenant.ID).SearchOrders(ctx, q, listLimit)
	if err != nil {
		return nil, fmt.Errorf("search orders: %w", err)
	}
	return orders, nil
}

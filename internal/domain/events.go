package domain

import "time"

type OrderEventType string

const (
	OrderEventCreated   OrderEventType = "order.created"
	OrderEventPaid      OrderEventType = "order.paid"
	OrderEventCancelled OrderEventType = "order.cancelled"
	OrderEventRefunded  OrderEventType = "order.refunded"
)

// OrderEvent is published after the transaction that produced it commits.
type OrderEvent struct {
	Type          OrderEventType `json:"type"`
	TenantID      int64          `json:"tenant_id"`
	OrderID       int64          `json:"order_id"`
	OrderNumber   string         `json:"order_number"`
	Status        OrderStatus    `json:"status"`
	CustomerEmail string         `json:"customer_email"`
	CustomerName  string         `json:"customer_name"`
	TotalAmount   int64          `json:"total_amount"`
	Currency      string         `json:"currency"`
	ItemCount     int            `json:"item_count"`
	Timestamp     time.Time      `json:"timestamp"`
}

func NewOrderEvent(t OrderEventType, o *Order, now time.Time) OrderEvent {
	return OrderEvent{
		Type:          t,
		TenantID:      o.TenantID,
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Status:        o.Status,
		CustomerEmail: o.Customer.Email,
		CustomerName:  o.Customer.FirstName + " " + o.Customer.LastName,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
		ItemCount:     len(o.Items),
		Timestamp:     now,
	}
}

// EventKey is the partition key for an order's events.
func (e OrderEvent) EventKey() string {
	return e.OrderNumber
}

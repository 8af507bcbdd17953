package domain

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:        {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:      {OrderStatusRefunded},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingPayment, OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Customer struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=40"`
}

type Address struct {
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
}

type Order struct {
	ID             int64       `json:"id"`
	TenantID       int64       `json:"tenant_id"`
	OrderNumber    string      `json:"order_number"`
	Status         OrderStatus `json:"status"`
	Customer       Customer    `json:"customer"`
	Billing        Address     `json:"billing_address"`
	Subtotal       int64       `json:"subtotal"`
	TaxAmount      int64       `json:"tax_amount"`
	ShippingAmount int64       `json:"shipping_amount"`
	TotalAmount    int64       `json:"total_amount"`
	Currency       string      `json:"currency"`
	Notes          string      `json:"notes,omitempty"`
	Items          []OrderItem `json:"items"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// OrderItem is a snapshot of a purchased line, detached from the live catalog.
type OrderItem struct {
	ID          int64  `json:"id"`
	TenantID    int64  `json:"tenant_id"`
	OrderID     int64  `json:"order_id"`
	ProductID   int64  `json:"product_id"`
	VariantID   *int64 `json:"variant_id,omitempty"`
	ProductName string `json:"product_name"`
	VariantName string `json:"variant_name,omitempty"`
	SKU         string `json:"sku,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	TotalPrice  int64  `json:"total_price"`
	Currency    string `json:"currency"`
}

// SnapshotItem copies a cart line into an order line.
func SnapshotItem(item CartItem) OrderItem {
	return OrderItem{
		TenantID:    item.TenantID,
		ProductID:   item.ProductID,
		VariantID:   item.VariantID,
		ProductName: item.ProductName,
		VariantName: item.VariantName,
		SKU:         item.SKU,
		Quantity:    item.Quantity,
		UnitPrice:   item.UnitPrice,
		TotalPrice:  item.TotalPrice,
		Currency:    item.Currency,
	}
}

// ComputeTotals sets subtotal from the lines and total from subtotal, tax and
// shipping. Line totals are recomputed from unit price and quantity.
func (o *Order) ComputeTotals() error {
	var subtotal int64
	for i := range o.Items {
		total, err := LineTotal(o.Items[i].UnitPrice, o.Items[i].Quantity)
		if err != nil {
			return err
		}
		o.Items[i].TotalPrice = total
		if subtotal, err = addAmount(subtotal, total); err != nil {
			return err
		}
	}
	total, err := addAmount(subtotal, o.TaxAmount)
	if err == nil {
		total, err = addAmount(total, o.ShippingAmount)
	}
	if err != nil {
		return err
	}
	o.Subtotal = subtotal
	o.TotalAmount = total
	return nil
}

func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPendingPayment || o.Status == OrderStatusPaid
}

func (o *Order) CanBeRefunded() bool {
	switch o.Status {
	case OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

// Transition moves the order to next or returns an invalid_cart_state error
// naming both statuses. The order is left untouched on failure.
func (o *Order) Transition(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return IllegalTransition(string(o.Status), string(next))
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// AppendNote adds a line to the notes without discarding earlier ones.
func (o *Order) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if o.Notes == "" {
		o.Notes = note
		return
	}
	o.Notes = o.Notes + "\n" + note
}

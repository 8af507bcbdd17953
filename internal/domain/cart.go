package domain

import "time"

// DefaultCartTTL is how long an untouched cart stays alive.
const DefaultCartTTL = 7 * 24 * time.Hour

type Cart struct {
	ID            int64      `json:"id"`
	TenantID      int64      `json:"tenant_id"`
	SessionToken  string     `json:"session_id"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	Currency      string     `json:"currency"`
	Subtotal      int64      `json:"subtotal"`
	TaxAmount     int64      `json:"tax_amount"`
	TotalAmount   int64      `json:"total_amount"`
	Items         []CartItem `json:"items"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// CartItem is one line of a cart. (CartID, ProductID, VariantID) is unique.
type CartItem struct {
	ID          int64  `json:"id"`
	TenantID    int64  `json:"tenant_id"`
	CartID      int64  `json:"cart_id"`
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

// NewCart returns an empty cart for a session expiring ttl after now.
func NewCart(tenantID int64, session, currency string, now time.Time, ttl time.Duration) *Cart {
	return &Cart{
		TenantID:     tenantID,
		SessionToken: session,
		Currency:     currency,
		Items:        []CartItem{},
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

// SameLine reports whether the item is the line for the given product/variant pair.
func (i *CartItem) SameLine(productID int64, variantID *int64) bool {
	if i.ProductID != productID {
		return false
	}
	if i.VariantID == nil || variantID == nil {
		return i.VariantID == nil && variantID == nil
	}
	return *i.VariantID == *variantID
}

// Recalculate rebuilds every derived amount from the lines. It is the only
// place cart and line totals are computed. A line or total out of range
// leaves the amounts untouched and returns an invalid_cart_state error.
func (c *Cart) Recalculate(taxRateBPS int64) error {
	totals := make([]int64, len(c.Items))
	var subtotal int64
	for i, item := range c.Items {
		total, err := LineTotal(item.UnitPrice, item.Quantity)
		if err != nil {
			return err
		}
		if subtotal, err = addAmount(subtotal, total); err != nil {
			return err
		}
		totals[i] = total
	}
	tax := ApplyRate(subtotal, taxRateBPS)
	grand, err := addAmount(subtotal, tax)
	if err != nil {
		return err
	}

	for i := range c.Items {
		c.Items[i].TotalPrice = totals[i]
	}
	c.Subtotal = subtotal
	c.TaxAmount = tax
	c.TotalAmount = grand
	return nil
}

func (c *Cart) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func (c *Cart) Extend(now time.Time, ttl time.Duration) {
	c.ExpiresAt = now.Add(ttl)
	c.UpdatedAt = now
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

func (c *Cart) Item(id int64) (*CartItem, bool) {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i], true
		}
	}
	return nil, false
}

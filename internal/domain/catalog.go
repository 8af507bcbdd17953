package domain

import "time"

type ProductStatus string

const (
	ProductStatusDraft    ProductStatus = "draft"
	ProductStatusActive   ProductStatus = "active"
	ProductStatusArchived ProductStatus = "archived"
)

type Product struct {
	ID          int64         `json:"id"`
	TenantID    int64         `json:"tenant_id"`
	Name        string        `json:"name"`
	SKU         string        `json:"sku,omitempty"`
	Price       int64         `json:"price"`
	Currency    string        `json:"currency"`
	Status      ProductStatus `json:"status"`
	IsVisible   bool          `json:"is_visible"`
	HasVariants bool          `json:"has_variants"`
}

// Purchasable reports whether the product may be added to a cart or ordered.
func (p *Product) Purchasable() bool {
	return p.Status == ProductStatusActive
}

// Variant is a purchasable configuration of a product with its own stock counter.
// StockQuantity and IsInStock are only ever written together through SetStock.
type Variant struct {
	ID            int64     `json:"id"`
	TenantID      int64     `json:"tenant_id"`
	ProductID     int64     `json:"product_id"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku"`
	Price         int64     `json:"price"`
	StockQuantity int64     `json:"stock_quantity"`
	IsInStock     bool      `json:"is_in_stock"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewVariant builds a variant with a consistent stock cache.
func NewVariant(tenantID, productID int64, name, sku string, price, stock int64) Variant {
	v := Variant{
		TenantID:  tenantID,
		ProductID: productID,
		Name:      name,
		SKU:       sku,
		Price:     price,
	}
	v.SetStock(stock)
	return v
}

// SetStock sets the quantity and the derived in-stock flag. Negative values clamp to zero.
func (v *Variant) SetStock(quantity int64) {
	if quantity < 0 {
		quantity = 0
	}
	v.StockQuantity = quantity
	v.IsInStock = quantity > 0
}

// CanFulfill reports whether qty units can currently be taken from stock.
func (v *Variant) CanFulfill(qty int64) bool {
	return v.IsInStock && v.StockQuantity >= qty
}

package domain

type Tenant struct {
	ID              int64  `json:"id"`
	Slug            string `json:"slug"`
	Domain          string `json:"domain,omitempty"`
	Name            string `json:"name"`
	Currency        string `json:"currency"`
	CommerceEnabled bool   `json:"commerce_enabled"`
	// TaxRateBPS overrides the platform tax rate when set.
	TaxRateBPS *int64 `json:"tax_rate_bps,omitempty"`
}

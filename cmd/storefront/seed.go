package main

import (
	"github.com/joao-fontenele/clinic-commerce/internal/domain"
	"github.com/joao-fontenele/clinic-commerce/internal/store/memory"
)

// seedDemo adds the "demo" tenant, reachable as localhost, with a simple
// product and a product with two variants.
func seedDemo(s *memory.Store) *memory.Store {
	t := s.AddTenant(domain.Tenant{
		Slug:            "demo",
		Domain:          "localhost",
		Name:            "Demo Clinic",
		Currency:        "USD",
		CommerceEnabled: true,
	})

	s.AddProduct(domain.Product{
		TenantID: t.ID, Name: "Lip Balm", SKU: "LIP-BALM", Price: 1200, Currency: "USD",
		Status: domain.ProductStatusActive, IsVisible: true,
	})

	serum := s.AddProduct(domain.Product{
		TenantID: t.ID, Name: "Vitamin C Serum", Price: 4500, Currency: "USD",
		Status: domain.ProductStatusActive, IsVisible: true, HasVariants: true,
	})
	s.AddVariant(domain.NewVariant(t.ID, serum.ID, "15ml", "VITC-15", 4500, 25))
	s.AddVariant(domain.NewVariant(t.ID, serum.ID, "30ml", "VITC-30", 7800, 10))

	return s
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `db:"id" json:"id"`
	StoreID   string          `db:"store_id" json:"storeId"`
	Name      string          `db:"name" json:"name"`
	Category  string          `db:"category" json:"category"`
	Cost      decimal.Decimal `db:"cost" json:"cost"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	Active    bool            `db:"active" json:"isActive"`
	Version   int             `db:"version" json:"version"` // optimistic locking
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
}

// ProductInput carries the fields of a new catalog entry. Nil numbers default to zero.
type ProductInput struct {
	Name     string           `json:"name"`
	Category string           `json:"category"`
	Cost     *decimal.Decimal `json:"cost,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Stock    *int             `json:"stock,omitempty"`
}

// ProductPatch is a partial update; nil fields are left untouched.
type ProductPatch struct {
	Name     *string          `json:"name,omitempty"`
	Category *string          `json:"category,omitempty"`
	Cost     *decimal.Decimal `json:"cost,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Stock    *int             `json:"stock,omitempty"`
	Active   *bool            `json:"isActive,omitempty"`
}

// Apply returns a copy of p with the patch applied.
func (pp ProductPatch) Apply(p Product) Product {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Category != nil {
		p.Category = *pp.Category
	}
	if pp.Cost != nil {
		p.Cost = *pp.Cost
	}
	if pp.Price != nil {
		p.Price = *pp.Price
	}
	if pp.Stock != nil {
		p.Stock = *pp.Stock
	}
	if pp.Active != nil {
		p.Active = *pp.Active
	}
	return p
}

// Validate checks the catalog invariants of a product record.
func (p Product) Validate() error {
	switch {
	case p.Name == "":
		return &ValidationError{Field: "name", Reason: "is required"}
	case p.Category == "":
		return &ValidationError{Field: "category", Reason: "is required"}
	case p.Cost.IsNegative():
		return &ValidationError{Field: "cost", Reason: "must not be negative"}
	case p.Price.IsNegative():
		return &ValidationError{Field: "price", Reason: "must not be negative"}
	case p.Stock < 0:
		return &ValidationError{Field: "stock", Reason: "must not be negative"}
	case p.Stock > MaxQuantity:
		return &ValidationError{Field: "stock", Reason: "is too large"}
	}
	return nil
}

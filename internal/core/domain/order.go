package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a committed sale. It is created once, together with its items and the
// matching stock decrements, and never changed afterwards.
type Order struct {
	ID          string          `json:"id"`
	StoreID     string          `json:"storeId"`
	CustomerRef string          `json:"customerRef,omitempty"`
	Total       decimal.Decimal `json:"total"`
	Items       []LineItem      `json:"items"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type LineItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type SubmissionItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Submission is a proposed order as received from a caller.
type Submission struct {
	StoreID        string
	CustomerRef    string
	IdempotencyKey string
	Items          []SubmissionItem
}

// MaxQuantity bounds a single line and a product's stock. Quantity and stock columns
// are 32-bit integers.
const MaxQuantity = math.MaxInt32

// StockDemand is the total quantity a submission requests of one product.
type StockDemand struct {
	ProductID string
	Quantity  int
}

// Demands sums quantities per product, keeping first-appearance order. Sums of
// positive quantities saturate at math.MaxInt instead of wrapping.
func (s Submission) Demands() []StockDemand {
	index := make(map[string]int, len(s.Items))
	out := make([]StockDemand, 0, len(s.Items))
	for _, it := range s.Items {
		if i, ok := index[it.ProductID]; ok {
			if it.Quantity > math.MaxInt-out[i].Quantity {
				out[i].Quantity = math.MaxInt
			} else {
				out[i].Quantity += it.Quantity
			}
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, StockDemand{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// NewLineItem prices a line from the unit price captured at commit time.
func NewLineItem(productID string, quantity int, unitPrice decimal.Decimal) LineItem {
	return LineItem{
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// SumLineTotals returns the order total for items.
func SumLineTotals(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.LineTotal)
	}
	return total
}

package port

import (
	"context"
	"errors"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
)

// ErrOptimisticLock is returned when a versioned write lost a race.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

type CatalogRepository interface {
	// LookupActive returns the active products of a store among ids, keyed by id.
	// Missing or inactive ids are absent from the result.
	LookupActive(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error)

	// GetProduct returns a product regardless of its active flag.
	GetProduct(ctx context.Context, storeID, productID string) (*domain.Product, error)

	// ListActive returns the active products of a store, newest first.
	ListActive(ctx context.Context, storeID string) ([]domain.Product, error)

	CreateProduct(ctx context.Context, product domain.Product) error

	// UpdateProduct writes product with version check for optimistic locking
	UpdateProduct(ctx context.Context, product domain.Product) error
}

type OrderRepository interface {
	GetOrder(ctx context.Context, storeID, orderID string) (*domain.Order, error)
}

// UnitOfWork runs fn inside one database transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the writes that are only legal inside the fulfillment commit.
type Tx interface {
	// InsertOrder persists order together with all its line items
	InsertOrder(ctx context.Context, order domain.Order) error

	// DecrementStock subtracts quantity if the product is active and has enough stock.
	// It returns *domain.InsufficientStockError or *domain.ProductNotFoundError otherwise.
	DecrementStock(ctx context.Context, storeID, productID string, quantity int) error
}

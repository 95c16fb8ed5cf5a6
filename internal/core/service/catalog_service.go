package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
	"github.com/rl1809/sale-fulfillment/internal/port"
)

// CatalogService manages product records. It never touches stock on behalf of orders.
type CatalogService struct {
	catalog port.CatalogRepository
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewCatalogService(catalog port.CatalogRepository, logger *zap.Logger) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:   uuid.NewString,
	}
}

func (s *CatalogService) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	if storeID == "" {
		return nil, ErrMissingStore
	}
	products, err := s.catalog.ListActive(ctx, storeID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

func (s *CatalogService) GetProduct(ctx context.Context, storeID, productID string) (*domain.Product, error) {
	if storeID == "" {
		return nil, ErrMissingStore
	}
	p, err := s.catalog.GetProduct(ctx, storeID, productID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if p == nil {
		return nil, &domain.ProductNotFoundError{ProductID: productID}
	}
	return p, nil
}

func (s *CatalogService) CreateProduct(ctx context.Context, storeID string, in domain.ProductInput) (*domain.Product, error) {
	if storeID == "" {
		return nil, ErrMissingStore
	}

	now := s.now()
	p := domain.Product{
		ID:        s.newID(),
		StoreID:   storeID,
		Name:      strings.TrimSpace(in.Name),
		Category:  strings.TrimSpace(in.Category),
		Cost:      valueOr(in.Cost, decimal.Zero),
		Price:     valueOr(in.Price, decimal.Zero),
		Stock:     valueOr(in.Stock, 0),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.catalog.CreateProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	s.logger.Info("product created", zap.String("store_id", storeID), zap.String("product_id", p.ID))
	return &p, nil
}

// UpdateProduct applies patch to the current record. A concurrent write between the
// read and the write yields domain.ErrConcurrentUpdate.
func (s *CatalogService) UpdateProduct(ctx context.Context, storeID, productID string, patch domain.ProductPatch) (*domain.Product, error) {
	current, err := s.GetProduct(ctx, storeID, productID)
	if err != nil {
		return nil, err
	}

	next := patch.Apply(*current)
	next.Name = strings.TrimSpace(next.Name)
	next.Category = strings.TrimSpace(next.Category)
	next.UpdatedAt = s.now()
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.write(ctx, next); err != nil {
		return nil, err
	}
	next.Version++

	s.logger.Info("product updated", zap.String("store_id", storeID), zap.String("product_id", productID))
	return &next, nil
}

// DeactivateProduct hides a product from new orders. Products are never deleted so
// historical line items keep their reference.
func (s *CatalogService) DeactivateProduct(ctx context.Context, storeID, productID string) (*domain.Product, error) {
	inactive := false
	p, err := s.UpdateProduct(ctx, storeID, productID, domain.ProductPatch{Active: &inactive})
	if err != nil {
		return nil, err
	}
	s.logger.Info("product deactivated", zap.String("store_id", storeID), zap.String("product_id", productID))
	return p, nil
}

func (s *CatalogService) write(ctx context.Context, p domain.Product) error {
	err := s.catalog.UpdateProduct(ctx, p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, port.ErrOptimisticLock):
		return domain.ErrConcurrentUpdate
	default:
		return fmt.Errorf("update product: %w", err)
	}
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

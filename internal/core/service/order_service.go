package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
	"github.com/rl1809/sale-fulfillment/internal/port"
)

const idempotencyKeyPrefix = "idempotency:"

var (
	ErrMissingStore = &domain.ValidationError{Field: "storeId", Reason: "is required"}

	tracer = otel.Tracer("github.com/rl1809/sale-fulfillment/internal/core/service")
)

// FulfillmentService turns submissions into committed orders. A submission either
// produces an order together with all of its stock decrements or leaves no trace.
type FulfillmentService struct {
	catalog port.CatalogRepository
	orders  port.OrderRepository
	uow     port.UnitOfWork
	guard   port.SubmissionGuard
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewFulfillmentService wires the engine. guard may be nil, in which case idempotency
// keys on submissions are ignored.
func NewFulfillmentService(
	catalog port.CatalogRepository,
	orders port.OrderRepository,
	uow port.UnitOfWork,
	guard port.SubmissionGuard,
	logger *zap.Logger,
) *FulfillmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FulfillmentService{
		catalog: catalog,
		orders:  orders,
		uow:     uow,
		guard:   guard,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		newID:   uuid.NewString,
	}
}

// SubmitOrder validates sub against the catalog and commits it atomically.
// Rejections are returned as domain errors; see domain.KindOf.
func (s *FulfillmentService) SubmitOrder(ctx context.Context, sub domain.Submission) (_ *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "fulfillment.submit", trace.WithAttributes(
		attribute.String("store.id", sub.StoreID),
		attribute.Int("order.lines", len(sub.Items)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.KindOf(err).String())
		}
		span.End()
	}()

	if sub.StoreID == "" {
		return nil, ErrMissingStore
	}

	release, err := s.claim(ctx, sub)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			release()
		}
	}()

	snapshot, err := s.validate(ctx, sub)
	if err != nil {
		s.logger.Debug("submission rejected",
			zap.String("store_id", sub.StoreID),
			zap.Stringer("kind", domain.KindOf(err)),
			zap.Error(err),
		)
		return nil, err
	}

	order := s.price(sub, snapshot)
	span.SetAttributes(attribute.String("order.id", order.ID))

	if err := s.commit(ctx, order, sub.Demands()); err != nil {
		if domain.IsRejection(err) {
			s.logger.Info("commit rejected",
				zap.String("store_id", sub.StoreID),
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			return nil, err
		}
		s.logger.Error("commit failed",
			zap.String("store_id", sub.StoreID),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("commit order: %w", err)
	}

	s.logger.Info("order committed",
		zap.String("store_id", order.StoreID),
		zap.String("order_id", order.ID),
		zap.Int("lines", len(order.Items)),
		zap.Stringer("total", order.Total),
	)
	return &order, nil
}

// GetOrder returns a committed order of the store.
func (s *FulfillmentService) GetOrder(ctx context.Context, storeID, orderID string) (*domain.Order, error) {
	if storeID == "" {
		return nil, ErrMissingStore
	}
	order, err := s.orders.GetOrder(ctx, storeID, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// claim takes the submission's idempotency key, if any. The returned func frees it again.
func (s *FulfillmentService) claim(ctx context.Context, sub domain.Submission) (func(), error) {
	if s.guard == nil || sub.IdempotencyKey == "" {
		return func() {}, nil
	}

	key := idempotencyKeyPrefix + sub.StoreID + ":" + sub.IdempotencyKey
	ok, err := s.guard.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, domain.ErrDuplicateSubmission
	}

	return func() {
		if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("release idempotency key", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// validate checks sub without mutating anything and returns the product snapshot
// that prices the order.
func (s *FulfillmentService) validate(ctx context.Context, sub domain.Submission) (map[string]domain.Product, error) {
	ctx, span := tracer.Start(ctx, "fulfillment.validate")
	defer span.End()

	if len(sub.Items) == 0 {
		return nil, domain.ErrEmptySubmission
	}
	for _, it := range sub.Items {
		if it.Quantity <= 0 || it.Quantity > domain.MaxQuantity {
			return nil, &domain.InvalidQuantityError{ProductID: it.ProductID, Quantity: it.Quantity}
		}
	}

	demands := sub.Demands()
	ids := make([]string, 0, len(demands))
	for _, d := range demands {
		ids = append(ids, d.ProductID)
	}

	products, err := s.catalog.LookupActive(ctx, sub.StoreID, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup products: %w", err)
	}

	for _, d := range demands {
		if _, ok := products[d.ProductID]; !ok {
			return nil, &domain.ProductNotFoundError{ProductID: d.ProductID}
		}
	}
	for _, d := range demands {
		if p := products[d.ProductID]; p.Stock < d.Quantity {
			return nil, &domain.InsufficientStockError{
				ProductID: d.ProductID,
				Available: p.Stock,
				Requested: d.Quantity,
			}
		}
	}

	return products, nil
}

func (s *FulfillmentService) price(sub domain.Submission, snapshot map[string]domain.Product) domain.Order {
	items := make([]domain.LineItem, 0, len(sub.Items))
	for _, it := range sub.Items {
		items = append(items, domain.NewLineItem(it.ProductID, it.Quantity, snapshot[it.ProductID].Price))
	}

	return domain.Order{
		ID:          s.newID(),
		StoreID:     sub.StoreID,
		CustomerRef: sub.CustomerRef,
		Total:       domain.SumLineTotals(items),
		Items:       items,
		CreatedAt:   s.now(),
	}
}

// commit persists order and applies the stock decrements in one transaction.
// Decrements run in product id order so overlapping commits lock rows consistently.
func (s *FulfillmentService) commit(ctx context.Context, order domain.Order, demands []domain.StockDemand) error {
	ctx, span := tracer.Start(ctx, "fulfillment.commit", trace.WithAttributes(
		attribute.String("order.id", order.ID),
	))
	defer span.End()

	sorted := slices.Clone(demands)
	slices.SortFunc(sorted, func(a, b domain.StockDemand) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})

	err := s.uow.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		for _, d := range sorted {
			if err := tx.DecrementStock(ctx, order.StoreID, d.ProductID, d.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit aborted")
	}
	return err
}

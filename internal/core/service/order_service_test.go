package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
	"github.com/rl1809/sale-fulfillment/internal/port"
)

// mockStore is an in-memory catalog, order book and unit of work. Transactions
// stage their writes and apply them only when the callback succeeds.
type mockStore struct {
	mu       sync.Mutex
	products map[string]domain.Product
	orders   map[string]domain.Order

	lookupErr error
	insertErr error
	lookups   int
	txs       int
}

func newMockStore(products ...domain.Product) *mockStore {
	m := &mockStore{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
	}
	for _, p := range products {
		m.products[p.StoreID+"/"+p.ID] = p
	}
	return m
}

func (m *mockStore) LookupActive(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lookups++
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	out := make(map[string]domain.Product)
	for _, id := range ids {
		if p, ok := m.products[storeID+"/"+id]; ok && p.Active {
			out[id] = p
		}
	}
	return out, nil
}

func (m *mockStore) GetProduct(ctx context.Context, storeID, id string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[storeID+"/"+id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) ListActive(ctx context.Context, storeID string) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Product
	for _, p := range m.products {
		if p.StoreID == storeID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) CreateProduct(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.products[p.StoreID+"/"+p.ID] = p
	return nil
}

func (m *mockStore) UpdateProduct(ctx context.Context, p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.products[p.StoreID+"/"+p.ID]
	if !ok || current.Version != p.Version {
		return port.ErrOptimisticLock
	}
	p.Version++
	m.products[p.StoreID+"/"+p.ID] = p
	return nil
}

func (m *mockStore) GetOrder(ctx context.Context, storeID, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.StoreID != storeID {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (m *mockStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs++
	tx := &mockTx{store: m, stock: make(map[string]int)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for key, stock := range tx.stock {
		p := m.products[key]
		p.Stock = stock
		m.products[key] = p
	}
	for _, o := range tx.orders {
		m.orders[o.ID] = o
	}
	return nil
}

func (m *mockStore) stockOf(storeID, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[storeID+"/"+id].Stock
}

func (m *mockStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type mockTx struct {
	store     *mockStore
	stock     map[string]int
	orders    []domain.Order
	decrement []string
}

func (tx *mockTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if tx.store.insertErr != nil {
		return tx.store.insertErr
	}
	tx.orders = append(tx.orders, order)
	return nil
}

func (tx *mockTx) DecrementStock(ctx context.Context, storeID, productID string, qty int) error {
	key := storeID + "/" + productID
	p, ok := tx.store.products[key]
	if !ok || !p.Active {
		return &domain.ProductNotFoundError{ProductID: productID}
	}
	current, staged := tx.stock[key]
	if !staged {
		current = p.Stock
	}
	if current < qty {
		return &domain.InsufficientStockError{ProductID: productID, Available: current, Requested: qty}
	}
	tx.stock[key] = current - qty
	tx.decrement = append(tx.decrement, productID)
	return nil
}

type mockGuard struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	err      error
}

func newMockGuard() *mockGuard {
	return &mockGuard{held: make(map[string]bool)}
}

func (g *mockGuard) Acquire(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return false, g.err
	}
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *mockGuard) Release(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.held, key)
	g.released = append(g.released, key)
	return nil
}

const testStore = "store-1"

func product(id, price string, stock int) domain.Product {
	return domain.Product{
		ID:       id,
		StoreID:  testStore,
		Name:     "product " + id,
		Category: "general",
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		Active:   true,
	}
}

func newTestService(store *mockStore, guard port.SubmissionGuard) *FulfillmentService {
	svc := NewFulfillmentService(store, store, store, guard, nil)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	var seq atomic.Int32
	svc.newID = func() string { return fmt.Sprintf("order-%d", seq.Add(1)) }
	return svc
}

func submission(items ...domain.SubmissionItem) domain.Submission {
	return domain.Submission{StoreID: testStore, Items: items}
}

func line(id string, qty int) domain.SubmissionItem {
	return domain.SubmissionItem{ProductID: id, Quantity: qty}
}

func TestSubmitOrder_Success(t *testing.T) {
	store := newMockStore(product("p1", "220", 15))
	svc := newTestService(store, nil)

	order, err := svc.SubmitOrder(context.Background(), submission(line("p1", 3)))
	require.NoError(t, err)

	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, testStore, order.StoreID)
	assert.True(t, order.Total.Equal(decimal.NewFromInt(660)))
	require.Len(t, order.Items, 1)
	assert.True(t, order.Items[0].UnitPrice.Equal(decimal.NewFromInt(220)))
	assert.Equal(t, 12, store.stockOf(testStore, "p1"))
	assert.Equal(t, 1, store.orderCount())
}

func TestSubmitOrder_MultipleLines(t *testing.T) {
	store := newMockStore(product("p1", "220", 15), product("p2", "60", 40))
	svc := newTestService(store, nil)

	order, err := svc.SubmitOrder(context.Background(), submission(line("p1", 2), line("p2", 5)))
	require.NoError(t, err)

	assert.True(t, order.Total.Equal(decimal.NewFromInt(740)))
	assert.Equal(t, "p1", order.Items[0].ProductID)
	assert.Equal(t, "p2", order.Items[1].ProductID)
	assert.Equal(t, 13, store.stockOf(testStore, "p1"))
	assert.Equal(t, 35, store.stockOf(testStore, "p2"))
}

func TestSubmitOrder_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		sub    domain.Submission
		assert func(t *testing.T, err error)
	}{
		{
			name: "empty submission",
			sub:  submission(),
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrEmptySubmission)
			},
		},
		{
			name: "zero quantity",
			sub:  submission(line("p1", 1), line("p2", 0)),
			assert: func(t *testing.T, err error) {
				var target *domain.InvalidQuantityError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "p2", target.ProductID)
				assert.Equal(t, 0, target.Quantity)
			},
		},
		{
			name: "negative quantity wins over unknown product",
			sub:  submission(line("ghost", 1), line("p1", -2)),
			assert: func(t *testing.T, err error) {
				var target *domain.InvalidQuantityError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name: "quantity beyond column range",
			sub:  submission(line("p1", domain.MaxQuantity+1)),
			assert: func(t *testing.T, err error) {
				var target *domain.InvalidQuantityError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, domain.MaxQuantity+1, target.Quantity)
			},
		},
		{
			name: "split lines summing past max int",
			sub:  submission(line("p1", math.MaxInt), line("p1", 1)),
			assert: func(t *testing.T, err error) {
				var target *domain.InvalidQuantityError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, math.MaxInt, target.Quantity)
			},
		},
		{
			name: "split lines at the cap exceed stock",
			sub:  submission(line("p1", domain.MaxQuantity), line("p1", domain.MaxQuantity)),
			assert: func(t *testing.T, err error) {
				var target *domain.InsufficientStockError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, 15, target.Available)
				assert.Greater(t, target.Requested, domain.MaxQuantity)
			},
		},
		{
			name: "unknown product",
			sub:  submission(line("ghost", 1)),
			assert: func(t *testing.T, err error) {
				var target *domain.ProductNotFoundError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "ghost", target.ProductID)
			},
		},
		{
			name: "unknown product wins over insufficient stock",
			sub:  submission(line("p1", 100), line("ghost", 1)),
			assert: func(t *testing.T, err error) {
				var target *domain.ProductNotFoundError
				assert.ErrorAs(t, err, &target)
			},
		},
		{
			name: "inactive product",
			sub:  submission(line("off", 1)),
			assert: func(t *testing.T, err error) {
				var target *domain.ProductNotFoundError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "off", target.ProductID)
			},
		},
		{
			name: "insufficient stock",
			sub:  submission(line("p1", 16)),
			assert: func(t *testing.T, err error) {
				var target *domain.InsufficientStockError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "p1", target.ProductID)
				assert.Equal(t, 15, target.Available)
				assert.Equal(t, 16, target.Requested)
			},
		},
		{
			name: "duplicate lines are checked as one demand",
			sub:  submission(line("p1", 8), line("p1", 8)),
			assert: func(t *testing.T, err error) {
				var target *domain.InsufficientStockError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, 15, target.Available)
				assert.Equal(t, 16, target.Requested)
			},
		},
		{
			name: "missing store",
			sub:  domain.Submission{Items: []domain.SubmissionItem{line("p1", 1)}},
			assert: func(t *testing.T, err error) {
				assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			off := product("off", "5", 10)
			off.Active = false
			store := newMockStore(product("p1", "220", 15), off)
			svc := newTestService(store, nil)

			order, err := svc.SubmitOrder(context.Background(), tc.sub)

			require.Error(t, err)
			assert.Nil(t, order)
			tc.assert(t, err)
			assert.True(t, domain.IsRejection(err))
			assert.Equal(t, 15, store.stockOf(testStore, "p1"))
			assert.Equal(t, 0, store.orderCount())
			assert.Zero(t, store.txs, "rejected submissions never open a transaction")
		})
	}
}

func TestSubmitOrder_DuplicateLinesCommitTogether(t *testing.T) {
	store := newMockStore(product("p1", "2.50", 10))
	svc := newTestService(store, nil)

	order, err := svc.SubmitOrder(context.Background(), submission(line("p1", 2), line("p1", 3)))
	require.NoError(t, err)

	require.Len(t, order.Items, 2)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, 5, store.stockOf(testStore, "p1"))
}

func TestSubmitOrder_ProductsAreScopedByStore(t *testing.T) {
	other := product("p1", "220", 15)
	other.StoreID = "store-2"
	store := newMockStore(other)
	svc := newTestService(store, nil)

	_, err := svc.SubmitOrder(context.Background(), submission(line("p1", 1)))

	var target *domain.ProductNotFoundError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 15, store.products["store-2/p1"].Stock)
}

func TestSubmitOrder_CommitRaceReportsShortage(t *testing.T) {
	store := newMockStore(product("p1", "220", 15))
	svc := newTestService(store, nil)

	// stock drops between validation and commit
	svc.catalog = lookupThen{store, func() {
		p := store.products[testStore+"/p1"]
		p.Stock = 5
		store.products[testStore+"/p1"] = p
	}}

	_, err := svc.SubmitOrder(context.Background(), submission(line("p1", 10)))

	var target *domain.InsufficientStockError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 5, target.Available)
	assert.Equal(t, 10, target.Requested)
	assert.Equal(t, 0, store.orderCount())
}

type lookupThen struct {
	*mockStore
	after func()
}

func (l lookupThen) LookupActive(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	out, err := l.mockStore.LookupActive(ctx, storeID, ids)
	l.after()
	return out, err
}

func TestSubmitOrder_DecrementsInProductOrder(t *testing.T) {
	store := newMockStore(product("c", "1", 5), product("a", "1", 5), product("b", "1", 5))
	svc := newTestService(store, nil)

	var seen []string
	svc.uow = recordingUoW{store, &seen}

	_, err := svc.SubmitOrder(context.Background(), submission(line("c", 1), line("a", 1), line("b", 1)))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

type recordingUoW struct {
	*mockStore
	seen *[]string
}

func (r recordingUoW) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return r.mockStore.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		err := fn(ctx, tx)
		*r.seen = append(*r.seen, tx.(*mockTx).decrement...)
		return err
	})
}

func TestSubmitOrder_InfrastructureFailures(t *testing.T) {
	boom := errors.New("connection reset")

	t.Run("lookup", func(t *testing.T) {
		store := newMockStore(product("p1", "220", 15))
		store.lookupErr = boom
		svc := newTestService(store, nil)

		_, err := svc.SubmitOrder(context.Background(), submission(line("p1", 1)))

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	})

	t.Run("insert", func(t *testing.T) {
		store := newMockStore(product("p1", "220", 15))
		store.insertErr = boom
		svc := newTestService(store, nil)

		_, err := svc.SubmitOrder(context.Background(), submission(line("p1", 1)))

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, domain.KindInternal, domain.KindOf(err))
		assert.Equal(t, 15, store.stockOf(testStore, "p1"))
		assert.Equal(t, 0, store.orderCount())
	})
}

func TestSubmitOrder_IdempotencyKey(t *testing.T) {
	store := newMockStore(product("p1", "220", 15))
	guard := newMockGuard()
	svc := newTestService(store, guard)

	sub := submission(line("p1", 1))
	sub.IdempotencyKey = "req-1"

	_, err := svc.SubmitOrder(context.Background(), sub)
	require.NoError(t, err)

	_, err = svc.SubmitOrder(context.Background(), sub)
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	assert.Equal(t, 14, store.stockOf(testStore, "p1"), "stock decremented once")
	assert.True(t, guard.held["idempotency:store-1:req-1"])
}

func TestSubmitOrder_IdempotencyKeyReleasedOnRejection(t *testing.T) {
	store := newMockStore(product("p1", "220", 15))
	guard := newMockGuard()
	svc := newTestService(store, guard)

	sub := submission(line("p1", 20))
	sub.IdempotencyKey = "req-2"

	_, err := svc.SubmitOrder(context.Background(), sub)
	var shortage *domain.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, []string{"idempotency:store-1:req-2"}, guard.released)

	sub.Items = []domain.SubmissionItem{line("p1", 2)}
	_, err = svc.SubmitOrder(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 13, store.stockOf(testStore, "p1"))
}

func TestSubmitOrder_IdempotencyKeysAreScopedByStore(t *testing.T) {
	other := product("p1", "220", 15)
	other.StoreID = "store-2"
	store := newMockStore(product("p1", "220", 15), other)
	guard := newMockGuard()
	svc := newTestService(store, guard)

	for _, storeID := range []string{testStore, "store-2"} {
		_, err := svc.SubmitOrder(context.Background(), domain.Submission{
			StoreID:        storeID,
			IdempotencyKey: "same-key",
			Items:          []domain.SubmissionItem{line("p1", 1)},
		})
		require.NoError(t, err, storeID)
	}
}

func TestSubmitOrder_GuardFailure(t *testing.T) {
	store := newMockStore(product("p1", "220", 15))
	guard := newMockGuard()
	guard.err = errors.New("redis down")
	svc := newTestService(store, guard)

	sub := submission(line("p1", 1))
	sub.IdempotencyKey = "req-3"

	_, err := svc.SubmitOrder(context.Background(), sub)

	assert.ErrorIs(t, err, guard.err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Zero(t, store.lookups)
}

func TestSubmitOrder_Concurrent(t *testing.T) {
	initialStock := 20
	totalRequests := 50

	store := newMockStore(product("p1", "1", initialStock))
	svc := newTestService(store, nil)

	var successCount atomic.Int32
	var shortageCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitOrder(context.Background(), submission(line("p1", 1)))
			var shortage *domain.InsufficientStockError
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.As(err, &shortage):
				shortageCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	assert.Equal(t, int32(totalRequests-initialStock), shortageCount.Load())
	assert.Equal(t, 0, store.stockOf(testStore, "p1"))
	assert.Equal(t, initialStock, store.orderCount())
}

func TestGetOrder(t *testing.T) {
	store := newMockStore(product("p1", "220", 15))
	svc := newTestService(store, nil)

	order, err := svc.SubmitOrder(context.Background(), submission(line("p1", 1)))
	require.NoError(t, err)

	got, err := svc.GetOrder(context.Background(), testStore, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = svc.GetOrder(context.Background(), "store-2", order.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = svc.GetOrder(context.Background(), "", order.ID)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

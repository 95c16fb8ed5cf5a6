package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/rl1809/sale-fulfillment/internal/core/domain"
	"github.com/rl1809/sale-fulfillment/internal/port"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// ErrOptimisticLock is kept under the storage name for callers of this package.
var ErrOptimisticLock = port.ErrOptimisticLock

//go:embed schema/*.sql
var schemaFS embed.FS

const productColumns = `id, store_id, name, category, cost, price, stock, active, version, created_at, updated_at`

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore is the catalog and order store on MySQL or SQLite.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database and applies the schema for its dialect. MySQL DSNs
// need parseTime=true.
func Open(ctx context.Context, driver, dsn string, pool PoolConfig) (*SQLStore, error) {
	if driver != DriverMySQL && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if driver == DriverSQLite {
		dsn = withForeignKeys(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one writer at a time; also keeps an in-memory database alive on a single connection
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := NewSQLStore(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// withForeignKeys asks the sqlite driver to enable foreign keys on every connection it
// opens. A PRAGMA statement would only reach the connection that ran it.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func NewSQLStore(db *sqlx.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Migrate creates missing tables. Statements are idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + s.driver + ".sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) LookupActive(ctx context.Context, storeID string, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = ? AND active = 1 AND id IN (?)`,
		storeID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("build lookup: %w", err)
	}

	var rows []domain.Product
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

func (s *SQLStore) GetProduct(ctx context.Context, storeID, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.GetContext(ctx, &p, `
		SELECT `+productColumns+`
		FROM products WHERE id = ? AND store_id = ?`,
		productID, storeID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) ListActive(ctx context.Context, storeID string) ([]domain.Product, error) {
	products := []domain.Product{}
	err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE store_id = ? AND active = 1
		ORDER BY created_at DESC, id`,
		storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	return products, nil
}

func (s *SQLStore) CreateProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (:id, :store_id, :name, :category, :cost, :price, :stock, :active, :version, :created_at, :updated_at)`,
		p,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateProduct(ctx context.Context, p domain.Product) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, category = ?, cost = ?, price = ?, stock = ?, active = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND store_id = ? AND version = ?`,
		p.Name, p.Category, p.Cost, p.Price, p.Stock, p.Active, p.UpdatedAt,
		p.ID, p.StoreID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOptimisticLock
	}

	return nil
}

type orderRow struct {
	ID          string          `db:"id"`
	StoreID     string          `db:"store_id"`
	CustomerRef sql.NullString  `db:"customer_ref"`
	Total       decimal.Decimal `db:"total"`
	CreatedAt   time.Time       `db:"created_at"`
}

type orderItemRow struct {
	OrderID   string          `db:"order_id"`
	LineNo    int             `db:"line_no"`
	ProductID string          `db:"product_id"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
	LineTotal decimal.Decimal `db:"line_total"`
}

func (s *SQLStore) GetOrder(ctx context.Context, storeID, orderID string) (*domain.Order, error) {
	var o orderRow
	err := s.db.GetContext(ctx, &o, `
		SELECT id, store_id, customer_ref, total, created_at
		FROM orders WHERE id = ? AND store_id = ?`,
		orderID, storeID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	var items []orderItemRow
	if err := s.db.SelectContext(ctx, &items, `
		SELECT order_id, line_no, product_id, quantity, unit_price, line_total
		FROM order_items WHERE order_id = ?
		ORDER BY line_no`,
		orderID,
	); err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}

	order := &domain.Order{
		ID:          o.ID,
		StoreID:     o.StoreID,
		CustomerRef: o.CustomerRef.String,
		Total:       o.Total,
		Items:       make([]domain.LineItem, 0, len(items)),
		CreatedAt:   o.CreatedAt.UTC(),
	}
	for _, it := range items {
		order.Items = append(order.Items, domain.LineItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		})
	}
	return order, nil
}

// WithinTx runs fn in a transaction; the deferred rollback is a no-op after commit.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, driver: s.driver}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx     *sqlx.Tx
	driver string
}

func (t *sqlTx) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, store_id, customer_ref, total, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.StoreID, nullString(order.CustomerRef), order.Total, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if len(order.Items) == 0 {
		return nil
	}
	rows := make([]orderItemRow, 0, len(order.Items))
	for i, it := range order.Items {
		rows = append(rows, orderItemRow{
			OrderID:   order.ID,
			LineNo:    i + 1,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		})
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO order_items (order_id, line_no, product_id, quantity, unit_price, line_total)
		VALUES (:order_id, :line_no, :product_id, :quantity, :unit_price, :line_total)`,
		rows,
	)
	if err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return nil
}

func (t *sqlTx) DecrementStock(ctx context.Context, storeID, productID string, quantity int) error {
	if quantity <= 0 {
		return &domain.InvalidQuantityError{ProductID: productID, Quantity: quantity}
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - ?, version = version + 1, updated_at = ?
		WHERE id = ? AND store_id = ? AND active = 1 AND stock >= ?`,
		quantity, time.Now().UTC(), productID, storeID, quantity,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Lost the race or the product went away after validation; report what is there now.
	var current struct {
		Stock  int  `db:"stock"`
		Active bool `db:"active"`
	}
	query := `SELECT stock, active FROM products WHERE id = ? AND store_id = ?`
	if t.driver == DriverMySQL {
		query += ` FOR UPDATE`
	}
	err = t.tx.GetContext(ctx, &current, query, productID, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return fmt.Errorf("query stock: %w", err)
	}
	if !current.Active {
		return &domain.ProductNotFoundError{ProductID: productID}
	}

	return &domain.InsufficientStockError{
		ProductID: productID,
		Available: current.Stock,
		Requested: quantity,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

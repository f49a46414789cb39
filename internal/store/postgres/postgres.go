package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
	"dukapos/internal/splitpay"
	"dukapos/internal/store"
	"dukapos/internal/xid"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	selling_price NUMERIC(14,2) NOT NULL DEFAULT 0,
	cost_price    NUMERIC(14,2) NOT NULL DEFAULT 0,
	stock         INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS customers (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	phone      TEXT NOT NULL DEFAULT '',
	balance    NUMERIC(14,2) NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sales (
	id              TEXT PRIMARY KEY,
	product_id      TEXT NOT NULL,
	product_name    TEXT NOT NULL DEFAULT '',
	customer_id     TEXT NOT NULL DEFAULT '',
	customer_name   TEXT NOT NULL DEFAULT '',
	quantity        INTEGER NOT NULL DEFAULT 0,
	selling_price   NUMERIC(14,2) NOT NULL DEFAULT 0,
	cost_price      NUMERIC(14,2) NOT NULL DEFAULT 0,
	profit          NUMERIC(14,2) NOT NULL DEFAULT 0,
	total           NUMERIC(14,2) NOT NULL,
	payment_method  TEXT NOT NULL,
	payment_details JSONB NOT NULL DEFAULT '{}'::jsonb,
	sale_reference  TEXT NOT NULL DEFAULT '',
	client_sale_id  TEXT NOT NULL UNIQUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sales_reference ON sales (sale_reference) WHERE sale_reference <> '';
CREATE INDEX IF NOT EXISTS idx_sales_created_at ON sales (created_at DESC);
CREATE TABLE IF NOT EXISTS app_users (
	username   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'cashier',
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const saleColumns = `id, product_id, product_name, customer_id, customer_name, quantity,
	selling_price, cost_price, profit, total, payment_method, payment_details,
	client_sale_id, created_at`

const productColumns = `id, name, category, selling_price, cost_price, stock, updated_at`

type Store struct {
	db *sqlx.DB
}

type saleRow struct {
	ID             string          `db:"id"`
	ProductID      string          `db:"product_id"`
	ProductName    string          `db:"product_name"`
	CustomerID     string          `db:"customer_id"`
	CustomerName   string          `db:"customer_name"`
	Quantity       int             `db:"quantity"`
	SellingPrice   decimal.Decimal `db:"selling_price"`
	CostPrice      decimal.Decimal `db:"cost_price"`
	Profit         decimal.Decimal `db:"profit"`
	Total          decimal.Decimal `db:"total"`
	PaymentMethod  string          `db:"payment_method"`
	PaymentDetails []byte          `db:"payment_details"`
	ClientSaleID   string          `db:"client_sale_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

type productRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Category     string          `db:"category"`
	SellingPrice decimal.Decimal `db:"selling_price"`
	CostPrice    decimal.Decimal `db:"cost_price"`
	Stock        int             `db:"stock"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; the caller keeps ownership of setup.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(sale.PaymentDetails)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`, sale_reference)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.ProductID, sale.ProductName, sale.CustomerID, sale.CustomerName, sale.Quantity,
		sale.SellingPrice, sale.CostPrice, sale.Profit, sale.Total, string(sale.PaymentMethod), details,
		sale.ClientSaleID, sale.CreatedAt, splitpay.ReferenceOf(sale))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	if sale.PaymentMethod == domain.PaymentDebt && sale.CustomerID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE customers SET balance = balance + $2, updated_at = $3 WHERE id = $1
		`, sale.CustomerID, sale.Total, sale.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) FindSaleByClientID(ctx context.Context, clientSaleID string) (*domain.Sale, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+saleColumns+` FROM sales WHERE client_sale_id = $1`, clientSaleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	conds := make([]string, 0, 6)
	args := make([]any, 0, 7)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Reference != "" {
		add("sale_reference = $%d", filter.Reference)
	}
	if filter.SplitOnly {
		add("sale_reference LIKE $%d", splitpay.ReferencePrefix+"\\_%")
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, client_sale_id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []saleRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		sale, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM sales WHERE id = $1`, id)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}
	var row productRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO products (id, name, category, selling_price, cost_price, stock, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			selling_price = EXCLUDED.selling_price,
			cost_price = EXCLUDED.cost_price,
			stock = EXCLUDED.stock,
			updated_at = now()
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, product.SellingPrice, product.CostPrice, product.Stock)
	if err != nil {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM products WHERE id = $1`, id)
}

func (s *Store) AdjustInventory(ctx context.Context, adj domain.InventoryAdjustment) (*domain.Product, error) {
	if adj.ProductID == "" {
		return nil, store.ErrInvalidRecord
	}
	at := adj.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := `UPDATE products SET stock = stock + $2, updated_at = $3 WHERE id = $1 RETURNING ` + productColumns
	value := adj.QuantityChange
	if adj.Stock != nil {
		query = `UPDATE products SET stock = $2, updated_at = $3 WHERE id = $1 RETURNING ` + productColumns
		value = *adj.Stock
	}

	var row productRow
	if err := s.db.GetContext(ctx, &row, query, adj.ProductID, value, at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := store.ValidateCustomer(customer); err != nil {
		return nil, err
	}
	var saved struct {
		ID        string          `db:"id"`
		Name      string          `db:"name"`
		Phone     string          `db:"phone"`
		Balance   decimal.Decimal `db:"balance"`
		UpdatedAt time.Time       `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &saved, `
		INSERT INTO customers (id, name, phone, balance, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			updated_at = now()
		RETURNING id, name, phone, balance, updated_at
	`, customer.ID, customer.Name, customer.Phone, customer.Balance)
	if err != nil {
		return nil, err
	}
	return &domain.Customer{
		ID:        saved.ID,
		Name:      saved.Name,
		Phone:     saved.Phone,
		Balance:   saved.Balance,
		UpdatedAt: saved.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM customers WHERE id = $1`, id)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []struct {
		Username  string    `db:"username"`
		Password  string    `db:"password"`
		Role      string    `db:"role"`
		Active    bool      `db:"active"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`); err != nil {
		return nil, err
	}

	users := make([]domain.UserAccount, 0, len(rows))
	for _, r := range rows {
		users = append(users, domain.UserAccount{
			Username:  r.Username,
			Password:  r.Password,
			Role:      r.Role,
			Active:    r.Active,
			CreatedAt: r.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) deleteByID(ctx context.Context, query string, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r saleRow) toDomain() (domain.Sale, error) {
	sale := domain.Sale{
		ID:            r.ID,
		ProductID:     r.ProductID,
		ProductName:   r.ProductName,
		CustomerID:    r.CustomerID,
		CustomerName:  r.CustomerName,
		Quantity:      r.Quantity,
		SellingPrice:  r.SellingPrice,
		CostPrice:     r.CostPrice,
		Profit:        r.Profit,
		Total:         r.Total,
		PaymentMethod: domain.PaymentMethod(r.PaymentMethod),
		ClientSaleID:  r.ClientSaleID,
		OfflineID:     r.ClientSaleID,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.PaymentDetails) > 0 {
		if err := json.Unmarshal(r.PaymentDetails, &sale.PaymentDetails); err != nil {
			return sale, fmt.Errorf("decode payment details of %s: %w", r.ID, err)
		}
	}
	return sale, nil
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:           r.ID,
		Name:         r.Name,
		Category:     r.Category,
		SellingPrice: r.SellingPrice,
		CostPrice:    r.CostPrice,
		Stock:        r.Stock,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

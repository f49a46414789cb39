// Package supabase stores records in a hosted Supabase project through its
// PostgREST API. The project is expected to expose the same tables as the
// postgres backend plus two functions: adjust_product_stock(p_product_id,
// p_delta) and add_customer_balance(p_customer_id, p_amount).
package supabase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
	"dukapos/internal/splitpay"
	"dukapos/internal/store"
	"dukapos/internal/xid"
)

type Store struct {
	client *Client
}

type saleRecord struct {
	ID             string                `json:"id"`
	ProductID      string                `json:"product_id"`
	ProductName    string                `json:"product_name"`
	CustomerID     string                `json:"customer_id"`
	CustomerName   string                `json:"customer_name"`
	Quantity       int                   `json:"quantity"`
	SellingPrice   decimal.Decimal       `json:"selling_price"`
	CostPrice      decimal.Decimal       `json:"cost_price"`
	Profit         decimal.Decimal       `json:"profit"`
	Total          decimal.Decimal       `json:"total"`
	PaymentMethod  domain.PaymentMethod  `json:"payment_method"`
	PaymentDetails domain.PaymentDetails `json:"payment_details"`
	SaleReference  string                `json:"sale_reference"`
	ClientSaleID   string                `json:"client_sale_id"`
	CreatedAt      time.Time             `json:"created_at"`
}

type userRecord struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func New(cfg Config) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

// Ping checks that the REST endpoint answers with the configured key.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.From("products").Select("id").Limit(1).Execute(ctx)
	return err
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

	record := toSaleRecord(sale)
	resp, err := s.client.From("sales").ExecuteInsert(ctx, record)
	if err != nil {
		return nil, mapError(err)
	}
	var rows []saleRecord
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}

	if sale.PaymentMethod == domain.PaymentDebt && sale.CustomerID != "" {
		if _, err := s.client.RPC(ctx, "add_customer_balance", map[string]any{
			"p_customer_id": sale.CustomerID,
			"p_amount":      sale.Total,
		}); err != nil {
			return nil, mapError(err)
		}
	}

	if len(rows) == 0 {
		created := sale
		return &created, nil
	}
	created := rows[0].toDomain()
	return &created, nil
}

func (s *Store) FindSaleByClientID(ctx context.Context, clientSaleID string) (*domain.Sale, error) {
	resp, err := s.client.From("sales").Select("*").Eq("client_sale_id", clientSaleID).Limit(1).Execute(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	var rows []saleRecord
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	sale := rows[0].toDomain()
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	q := s.client.From("sales").Select("*")
	if filter.Reference != "" {
		q.Eq("sale_reference", filter.Reference)
	}
	if filter.SplitOnly {
		q.Like("sale_reference", splitpay.ReferencePrefix+"_*")
	}
	if filter.ProductID != "" {
		q.Eq("product_id", filter.ProductID)
	}
	if filter.CustomerID != "" {
		q.Eq("customer_id", filter.CustomerID)
	}
	if filter.From != nil {
		q.Gte("created_at", filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		q.Lte("created_at", filter.To.UTC().Format(time.RFC3339Nano))
	}
	q.Order("created_at", false).Order("client_sale_id", true)
	if filter.Limit > 0 {
		q.Limit(filter.Limit)
	}

	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	var rows []saleRecord
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, len(rows))
	for _, r := range rows {
		sales = append(sales, r.toDomain())
	}
	return sales, nil
}

func (s *Store) DeleteSale(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "sales", id)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	resp, err := s.client.From("products").Select("*").Eq("id", id).Limit(1).Execute(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return firstProduct(resp)
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}
	product.UpdatedAt = time.Now().UTC()
	resp, err := s.client.From("products").Upsert("id").ExecuteInsert(ctx, product)
	if err != nil {
		return nil, mapError(err)
	}
	return firstProduct(resp)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "products", id)
}

func (s *Store) AdjustInventory(ctx context.Context, adj domain.InventoryAdjustment) (*domain.Product, error) {
	if adj.ProductID == "" {
		return nil, store.ErrInvalidRecord
	}
	at := adj.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		resp *Response
		err  error
	)
	if adj.Stock != nil {
		resp, err = s.client.From("products").Eq("id", adj.ProductID).ExecuteUpdate(ctx, map[string]any{
			"stock":      *adj.Stock,
			"updated_at": at,
		})
	} else {
		resp, err = s.client.RPC(ctx, "adjust_product_stock", map[string]any{
			"p_product_id": adj.ProductID,
			"p_delta":      adj.QuantityChange,
		})
	}
	if err != nil {
		return nil, mapError(err)
	}
	return firstProduct(resp)
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := store.ValidateCustomer(customer); err != nil {
		return nil, err
	}
	customer.UpdatedAt = time.Now().UTC()
	resp, err := s.client.From("customers").Upsert("id").ExecuteInsert(ctx, map[string]any{
		"id":         customer.ID,
		"name":       customer.Name,
		"phone":      customer.Phone,
		"updated_at": customer.UpdatedAt,
	})
	if err != nil {
		return nil, mapError(err)
	}
	var rows []domain.Customer
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &customer, nil
	}
	return &rows[0], nil
}

func (s *Store) DeleteCustomer(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "customers", id)
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
	_, err := s.client.From("app_users").ExecuteInsert(ctx, userRecord{
		Username:  user.Username,
		Password:  user.Password,
		Role:      user.Role,
		Active:    user.Active,
		CreatedAt: user.CreatedAt,
	})
	return mapError(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	resp, err := s.client.From("app_users").Select("username,password,role,active,created_at").Order("username", true).Execute(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	var rows []userRecord
	if err := resp.JSON(&rows); err != nil {
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

func (s *Store) deleteByID(ctx context.Context, table, id string) error {
	resp, err := s.client.From(table).Eq("id", id).ExecuteDelete(ctx)
	if err != nil {
		return mapError(err)
	}
	var rows []map[string]any
	if err := resp.JSON(&rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func firstProduct(resp *Response) (*domain.Product, error) {
	var rows []domain.Product
	if err := resp.JSON(&rows); err != nil {
		// single-row RPC results come back as an object
		var one domain.Product
		if errOne := resp.JSON(&one); errOne != nil {
			return nil, err
		}
		rows = append(rows, one)
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

// mapError turns PostgREST replies into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == http.StatusConflict || apiErr.Code == "23505":
		return store.ErrDuplicate
	case apiErr.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case apiErr.StatusCode == http.StatusBadRequest || apiErr.Code == "23502" || apiErr.Code == "23503":
		return errors.Join(store.ErrInvalidRecord, err)
	default:
		return err
	}
}

func toSaleRecord(sale domain.Sale) saleRecord {
	return saleRecord{
		ID:             sale.ID,
		ProductID:      sale.ProductID,
		ProductName:    sale.ProductName,
		CustomerID:     sale.CustomerID,
		CustomerName:   sale.CustomerName,
		Quantity:       sale.Quantity,
		SellingPrice:   sale.SellingPrice,
		CostPrice:      sale.CostPrice,
		Profit:         sale.Profit,
		Total:          sale.Total,
		PaymentMethod:  sale.PaymentMethod,
		PaymentDetails: sale.PaymentDetails,
		SaleReference:  splitpay.ReferenceOf(sale),
		ClientSaleID:   sale.ClientSaleID,
		CreatedAt:      sale.CreatedAt,
	}
}

func (r saleRecord) toDomain() domain.Sale {
	return domain.Sale{
		ID:             r.ID,
		ProductID:      r.ProductID,
		ProductName:    r.ProductName,
		CustomerID:     r.CustomerID,
		CustomerName:   r.CustomerName,
		Quantity:       r.Quantity,
		SellingPrice:   r.SellingPrice,
		CostPrice:      r.CostPrice,
		Profit:         r.Profit,
		Total:          r.Total,
		PaymentMethod:  r.PaymentMethod,
		PaymentDetails: r.PaymentDetails,
		ClientSaleID:   r.ClientSaleID,
		OfflineID:      r.ClientSaleID,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

package postgres

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/domain"
	"dukapos/internal/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(sqlx.NewDb(db, "pgx")), mock
}

func debtLeg() domain.Sale {
	return domain.Sale{
		ID:            "sale-1",
		ProductID:     "p1",
		CustomerID:    "c1",
		Quantity:      2,
		SellingPrice:  decimal.NewFromInt(100),
		CostPrice:     decimal.NewFromInt(60),
		Profit:        decimal.RequireFromString("26.67"),
		Total:         decimal.NewFromInt(50),
		PaymentMethod: domain.PaymentDebt,
		PaymentDetails: domain.PaymentDetails{
			CashAmount:     decimal.NewFromInt(100),
			DebtAmount:     decimal.NewFromInt(50),
			SaleReference:  "SP_1700000000000_abc123xyz",
			IsSplitPayment: true,
		},
		ClientSaleID: "SP_1700000000000_abc123xyz_debt_1",
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCreateSaleInsertsAndRaisesDebt(t *testing.T) {
	s, mock := newMock(t)
	sale := debtLeg()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sales")).
		WithArgs(sale.ID, "p1", "", "c1", "", 2, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"debt", sqlmock.AnyArg(), sale.ClientSaleID, sale.CreatedAt, "SP_1700000000000_abc123xyz").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE customers SET balance = balance + $2")).
		WithArgs("c1", sqlmock.AnyArg(), sale.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.CreateSale(context.Background(), sale)
	require.NoError(t, err)
	assert.Equal(t, sale.ClientSaleID, created.ClientSaleID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSaleMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	sale := debtLeg()
	sale.PaymentMethod = domain.PaymentCash

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sales")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.CreateSale(context.Background(), sale)
	assert.ErrorIs(t, err, store.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSaleByClientIDDecodesDetails(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "product_id", "product_name", "customer_id", "customer_name", "quantity",
		"selling_price", "cost_price", "profit", "total", "payment_method", "payment_details",
		"client_sale_id", "created_at",
	}).AddRow("sale-1", "p1", "Unga", "", "", 0, "100.00", "60.00", "53.33", "100.00", "cash",
		[]byte(`{"cash_amount":"100","mpesa_amount":"0","debt_amount":"50","sale_reference":"SP_1_x","is_split_payment":true}`),
		"SP_1_x_cash_0", created)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sales WHERE client_sale_id = $1")).
		WithArgs("SP_1_x_cash_0").
		WillReturnRows(rows)

	sale, err := s.FindSaleByClientID(context.Background(), "SP_1_x_cash_0")
	require.NoError(t, err)
	assert.True(t, sale.Profit.Equal(decimal.RequireFromString("53.33")))
	assert.Equal(t, "SP_1_x", sale.PaymentDetails.SaleReference)
	assert.True(t, sale.PaymentDetails.IsSplitPayment)
	assert.True(t, sale.PaymentDetails.DebtAmount.Equal(decimal.NewFromInt(50)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSaleByClientIDNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sales WHERE client_sale_id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.FindSaleByClientID(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListSalesBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE sale_reference LIKE $1 AND customer_id = $2 AND created_at >= $3 ORDER BY created_at DESC, client_sale_id ASC LIMIT $4")).
		WithArgs(`SP\_%`, "c1", from, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	sales, err := s.ListSales(context.Background(), domain.SaleFilter{SplitOnly: true, CustomerID: "c1", From: &from, Limit: 20})
	require.NoError(t, err)
	assert.Empty(t, sales)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustInventoryChoosesStatement(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "name", "category", "selling_price", "cost_price", "stock", "updated_at"}

	mock.ExpectQuery(regexp.QuoteMeta("SET stock = stock + $2")).
		WithArgs("p1", -3, at).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "Unga", "grocery", "210", "180", 17, at))
	p, err := s.AdjustInventory(context.Background(), domain.InventoryAdjustment{ProductID: "p1", QuantityChange: -3, At: at})
	require.NoError(t, err)
	assert.Equal(t, 17, p.Stock)

	stock := 70
	mock.ExpectQuery(regexp.QuoteMeta("SET stock = $2")).
		WithArgs("p1", 70, at).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "Unga", "grocery", "210", "180", 70, at))
	p, err = s.AdjustInventory(context.Background(), domain.InventoryAdjustment{ProductID: "p1", QuantityChange: -3, Stock: &stock, At: at})
	require.NoError(t, err)
	assert.Equal(t, 70, p.Stock)

	mock.ExpectQuery(regexp.QuoteMeta("SET stock = stock + $2")).
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.AdjustInventory(context.Background(), domain.InventoryAdjustment{ProductID: "gone", QuantityChange: 1, At: at})
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingRowIsNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM customers WHERE id = $1")).
		WithArgs("c9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteCustomer(context.Background(), "c9"), store.ErrNotFound)
}

func TestCreateUserDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO app_users")).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateUser(context.Background(), domain.UserAccount{Username: "Admin ", Password: "hash"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestStoreIntegration(t *testing.T) {
	databaseURL := os.Getenv("DUKAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("p-it-%d", stamp)
	sale := debtLeg()
	sale.ID = ""
	sale.ProductID = productID
	sale.CustomerID = ""
	sale.ClientSaleID = productID + "_debt_1"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err = s.UpsertProduct(ctx, domain.Product{ID: productID, Name: "IT product", SellingPrice: decimal.NewFromInt(100), CostPrice: decimal.NewFromInt(60), Stock: 10})
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, sale)
	require.NoError(t, err)
	_, err = s.CreateSale(ctx, sale)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	p, err := s.AdjustInventory(ctx, domain.InventoryAdjustment{ProductID: productID, QuantityChange: -2})
	require.NoError(t, err)
	assert.Equal(t, 8, p.Stock)

	sales, err := s.ListSales(ctx, domain.SaleFilter{Reference: "SP_1700000000000_abc123xyz", ProductID: productID})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.True(t, sales[0].PaymentDetails.IsSplitPayment)
}

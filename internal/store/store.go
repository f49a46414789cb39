package store

import (
	"context"
	"errors"

	"dukapos/internal/domain"
	"dukapos/internal/splitpay"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrInvalidRecord = errors.New("invalid record")
)

// Repository is the hosted backend the POS writes to. Sales are keyed by
// ClientSaleID so a replayed write reports ErrDuplicate instead of
// inserting twice.
type Repository interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByClientID(ctx context.Context, clientSaleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	DeleteSale(ctx context.Context, id string) error
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	// AdjustInventory sets the stock when adj.Stock is present and applies
	// the delta otherwise.
	AdjustInventory(ctx context.Context, adj domain.InventoryAdjustment) (*domain.Product, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

// ValidateSale checks the fields every backend requires before insert.
func ValidateSale(sale domain.Sale) error {
	if sale.ProductID == "" || sale.ClientSaleID == "" || !sale.PaymentMethod.Valid() {
		return ErrInvalidRecord
	}
	if sale.Quantity < 0 || sale.Total.IsNegative() {
		return ErrInvalidRecord
	}
	return nil
}

func ValidateProduct(product domain.Product) error {
	if product.ID == "" || product.Name == "" {
		return ErrInvalidRecord
	}
	if product.SellingPrice.IsNegative() || product.CostPrice.IsNegative() {
		return ErrInvalidRecord
	}
	return nil
}

func ValidateCustomer(customer domain.Customer) error {
	if customer.ID == "" || customer.Name == "" {
		return ErrInvalidRecord
	}
	return nil
}

// MatchesFilter is shared by the in-process backends that filter after load.
func MatchesFilter(sale domain.Sale, filter domain.SaleFilter) bool {
	if filter.Reference != "" && splitpay.ReferenceOf(sale) != filter.Reference {
		return false
	}
	if filter.SplitOnly && !splitpay.IsSplitSale(sale) {
		return false
	}
	if filter.ProductID != "" && sale.ProductID != filter.ProductID {
		return false
	}
	if filter.CustomerID != "" && sale.CustomerID != filter.CustomerID {
		return false
	}
	if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && sale.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

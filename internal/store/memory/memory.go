package memory

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"dukapos/internal/domain"
	"dukapos/internal/store"
	"dukapos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	salesByID       map[string]domain.Sale
	salesByClientID map[string]string
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("store", "memory").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with no users.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		salesByID:       make(map[string]domain.Sale),
		salesByClientID: make(map[string]string),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	price := decimal.RequireFromString
	products := []domain.Product{
		{ID: "p-unga-2kg", Name: "Unga 2kg", Category: "grocery", SellingPrice: price("210"), CostPrice: price("180"), Stock: 120},
		{ID: "p-sugar-1kg", Name: "Sugar 1kg", Category: "grocery", SellingPrice: price("165"), CostPrice: price("140"), Stock: 80},
		{ID: "p-milk-500", Name: "Milk 500ml", Category: "dairy", SellingPrice: price("65"), CostPrice: price("52"), Stock: 60},
		{ID: "p-bread", Name: "Bread 400g", Category: "bakery", SellingPrice: price("70"), CostPrice: price("58"), Stock: 40},
		{ID: "p-airtime-100", Name: "Airtime 100", Category: "airtime", SellingPrice: price("100"), CostPrice: price("95"), Stock: 500},
		{ID: "p-soap", Name: "Bar Soap", Category: "household", SellingPrice: price("120"), CostPrice: price("95"), Stock: 45},
	}
	customers := []domain.Customer{
		{ID: "c-mama-njeri", Name: "Mama Njeri", Phone: "0712000001", Balance: decimal.Zero},
		{ID: "c-otieno", Name: "Otieno", Phone: "0722000002", Balance: decimal.Zero},
	}

	s := New()
	for _, p := range products {
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	for _, c := range customers {
		c.UpdatedAt = now
		s.customers[c.ID] = c
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByClientID[sale.ClientSaleID]; exists {
		return nil, store.ErrDuplicate
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if sale.PaymentMethod == domain.PaymentDebt && sale.CustomerID != "" {
		if c, ok := s.customers[sale.CustomerID]; ok {
			c.Balance = c.Balance.Add(sale.Total)
			c.UpdatedAt = sale.CreatedAt
			s.customers[c.ID] = c
		}
	}
	s.salesByID[sale.ID] = sale
	s.salesByClientID[sale.ClientSaleID] = sale.ID

	created := sale
	return &created, nil
}

func (s *Store) FindSaleByClientID(_ context.Context, clientSaleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByClientID[clientSaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := s.salesByID[id]
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if store.MatchesFilter(sale, filter) {
			out = append(out, sale)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientSaleID < out[j].ClientSaleID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteSale(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.salesByID, id)
	delete(s.salesByClientID, sale.ClientSaleID)
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	saved := product
	return &saved, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *Store) AdjustInventory(_ context.Context, adj domain.InventoryAdjustment) (*domain.Product, error) {
	if adj.ProductID == "" {
		return nil, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[adj.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if adj.Stock != nil {
		p.Stock = *adj.Stock
	} else {
		p.Stock += adj.QuantityChange
	}
	p.UpdatedAt = adj.At
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.products[p.ID] = p
	return &p, nil
}

func (s *Store) UpsertCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if err := store.ValidateCustomer(customer); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer.UpdatedAt = time.Now().UTC()
	s.customers[customer.ID] = customer
	saved := customer
	return &saved, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

type EntityType string

type OperationKind string

type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Stock        int             `json:"stock"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Customer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type PaymentEntry struct {
	Method  PaymentMethod     `json:"method" validate:"required,oneof=cash mpesa debt"`
	Amount  decimal.Decimal   `json:"amount"`
	Details map[string]string `json:"details,omitempty"`
}

// SplitGroup is one checkout paid through several methods.
type SplitGroup struct {
	Reference    string          `json:"reference,omitempty"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Payments     []PaymentEntry  `json:"payments"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	Quantity     int             `json:"quantity"`
	CustomerID   string          `json:"customer_id,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	SoldAt       time.Time       `json:"sold_at,omitempty"`
}

type PaymentDetails struct {
	CashAmount     decimal.Decimal   `json:"cash_amount"`
	MpesaAmount    decimal.Decimal   `json:"mpesa_amount"`
	DebtAmount     decimal.Decimal   `json:"debt_amount"`
	SaleReference  string            `json:"sale_reference,omitempty"`
	IsSplitPayment bool              `json:"is_split_payment"`
	Details        map[string]string `json:"details,omitempty"`
}

// Sale is one payment-method leg of a transaction. Legs are append-only.
type Sale struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty"`
	Quantity       int             `json:"quantity"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	Profit         decimal.Decimal `json:"profit"`
	Total          decimal.Decimal `json:"total"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	PaymentDetails PaymentDetails  `json:"payment_details"`
	ClientSaleID   string          `json:"client_sale_id"`
	OfflineID      string          `json:"offline_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type SaleFilter struct {
	Reference  string
	ProductID  string
	CustomerID string
	SplitOnly  bool
	From       *time.Time
	To         *time.Time
	Limit      int
}

type ValidationResult struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
}

type SplitTransaction struct {
	Reference    string          `json:"reference"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	CustomerID   string          `json:"customer_id,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	Quantity     int             `json:"quantity"`
	Methods      []PaymentMethod `json:"methods"`
	Legs         []Sale          `json:"legs"`
	CreatedAt    time.Time       `json:"created_at"`
}

type InventoryAdjustment struct {
	ProductID      string    `json:"product_id"`
	QuantityChange int       `json:"quantity_change"`
	Stock          *int      `json:"stock,omitempty"`
	At             time.Time `json:"at"`
}

// PendingOperation is one deferred write waiting to be replayed.
type PendingOperation struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	Kind          OperationKind   `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	Synced        bool            `json:"synced"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
	Dead          bool            `json:"dead"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	SourceIDs     []string        `json:"source_ids,omitempty"`
}

// SalePayload is the body of a create-sale operation.
type SalePayload struct {
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Quantity      int             `json:"quantity"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Profit        decimal.Decimal `json:"profit"`
	ClientSaleID  string          `json:"client_sale_id,omitempty"`
	Details       *PaymentDetails `json:"payment_details,omitempty"`
}

// InventoryPayload is the body of an update-inventory operation. Stock is an
// absolute snapshot; QuantityChange is a delta.
type InventoryPayload struct {
	ProductID      string `json:"product_id"`
	QuantityChange int    `json:"quantity_change"`
	Stock          *int   `json:"stock,omitempty"`
}

type AggregatedSale struct {
	Key           string          `json:"key"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	TotalQuantity int             `json:"total_quantity"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	ClientSaleID  string          `json:"client_sale_id"`
	Timestamp     time.Time       `json:"timestamp"`
	OperationIDs  []string        `json:"operation_ids"`
}

type AggregatedInventoryUpdate struct {
	ProductID      string    `json:"product_id"`
	QuantityChange int       `json:"quantity_change"`
	Stock          *int      `json:"stock,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	OperationIDs   []string  `json:"operation_ids"`
}

type QueueStats struct {
	Pending  int            `json:"pending"`
	Synced   int            `json:"synced"`
	Dead     int            `json:"dead"`
	Oldest   *time.Time     `json:"oldest_pending,omitempty"`
	ByEntity map[string]int `json:"pending_by_entity"`
}

type FlushReport struct {
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
	Considered          int       `json:"considered"`
	AggregatedSales     int       `json:"aggregated_sales"`
	AggregatedInventory int       `json:"aggregated_inventory"`
	Writes              int       `json:"writes"`
	Synced              int       `json:"synced"`
	Failed              int       `json:"failed"`
	DeadLettered        int       `json:"dead_lettered"`
	Skipped             []string  `json:"skipped,omitempty"`
}

type SplitSaleRequest struct {
	SplitGroup
	Offline bool `json:"offline"`
}

type SplitLegResult struct {
	Sale   Sale   `json:"sale"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type SplitSaleResponse struct {
	Reference string           `json:"reference"`
	Legs      []SplitLegResult `json:"legs"`
}

type OfflineOperation struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type" validate:"required,oneof=sale product customer inventory"`
	Kind       OperationKind   `json:"kind" validate:"required,oneof=create update delete"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Priority   int             `json:"priority,omitempty"`
}

type OfflineSyncRequest struct {
	TerminalID string             `json:"terminal_id"`
	EnvelopeID string             `json:"envelope_id"`
	Operations []OfflineOperation `json:"operations" validate:"required,min=1,dive"`
	Flush      bool               `json:"flush"`
}

type OfflineSyncStatus struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type OfflineSyncResponse struct {
	EnvelopeID string              `json:"envelope_id"`
	Statuses   []OfflineSyncStatus `json:"statuses"`
	Flush      *FlushReport        `json:"flush,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username  string
	Role      string
	SessionID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	PaymentCash  PaymentMethod = "cash"
	PaymentMpesa PaymentMethod = "mpesa"
	PaymentDebt  PaymentMethod = "debt"
)

const (
	EntitySale      EntityType = "sale"
	EntityProduct   EntityType = "product"
	EntityCustomer  EntityType = "customer"
	EntityInventory EntityType = "inventory"
)

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

const (
	LegStatusRecorded  = "recorded"
	LegStatusDuplicate = "duplicate"
	LegStatusQueued    = "queued"
)

const (
	SyncStatusAccepted  = "accepted"
	SyncStatusDuplicate = "duplicate"
	SyncStatusRejected  = "rejected"
)

// WalkInCustomer is the grouping key used for sales with no customer.
const WalkInCustomer = "walk-in"

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentMpesa, PaymentDebt:
		return true
	default:
		return false
	}
}

func (e EntityType) Valid() bool {
	switch e {
	case EntitySale, EntityProduct, EntityCustomer, EntityInventory:
		return true
	default:
		return false
	}
}

func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// DefaultPriority orders replay so that referenced records land first.
func DefaultPriority(entity EntityType) int {
	switch entity {
	case EntityCustomer, EntityProduct:
		return 30
	case EntitySale:
		return 20
	case EntityInventory:
		return 10
	default:
		return 0
	}
}

type QueueStatusResponse struct {
	Stats      QueueStats         `json:"stats"`
	Operations []PendingOperation `json:"operations"`
}

type CashierCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=6"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

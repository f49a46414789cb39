// Package offline folds bursts of queued writes into fewer backend calls
// before they are replayed. Everything here is a pure transform over the
// operation list.
package offline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
)

// AggregatePrefix marks ids derived from a set of absorbed operations.
const AggregatePrefix = "agg_"

var (
	errMissingProduct = errors.New("missing product_id")
	errInvalidMethod  = errors.New("missing or unsupported payment_method")
)

type SaleAggregation struct {
	Aggregated []domain.AggregatedSale
	// Remaining keeps every operation that was not folded, in queue order.
	Remaining []domain.PendingOperation
	Skipped   []string
}

type InventoryAggregation struct {
	// Operations holds pass-through and synthetic operations in the order
	// their product first appeared in the queue.
	Operations []domain.PendingOperation
	Updates    []domain.AggregatedInventoryUpdate
	Consumed   []string
	Remaining  []domain.PendingOperation
	Skipped    []string
}

// AggregateSales groups unsynced create-sale operations by product, customer
// and payment method. Legs of a split checkout are left alone so their
// reference reaches the backend intact.
func AggregateSales(queue []domain.PendingOperation) SaleAggregation {
	result := SaleAggregation{
		Aggregated: []domain.AggregatedSale{},
		Remaining:  []domain.PendingOperation{},
	}
	index := make(map[string]int)
	clientIDs := make(map[string]string)

	for _, op := range queue {
		if !isOpenSaleCreate(op) {
			result.Remaining = append(result.Remaining, op)
			continue
		}
		payload, err := DecodeSale(op)
		if err != nil {
			result.Remaining = append(result.Remaining, op)
			result.Skipped = append(result.Skipped, op.ID)
			continue
		}
		if payload.Details != nil && payload.Details.IsSplitPayment {
			result.Remaining = append(result.Remaining, op)
			continue
		}

		key := SaleKey(payload)
		i, ok := index[key]
		if !ok {
			i = len(result.Aggregated)
			index[key] = i
			clientIDs[key] = payload.ClientSaleID
			result.Aggregated = append(result.Aggregated, domain.AggregatedSale{
				Key:           key,
				ProductID:     payload.ProductID,
				ProductName:   payload.ProductName,
				CustomerID:    payload.CustomerID,
				CustomerName:  payload.CustomerName,
				PaymentMethod: payload.PaymentMethod,
				SellingPrice:  payload.SellingPrice,
				CostPrice:     payload.CostPrice,
				TotalAmount:   decimal.Zero,
				TotalProfit:   decimal.Zero,
				Timestamp:     op.Timestamp,
			})
		}

		agg := &result.Aggregated[i]
		agg.TotalQuantity += payload.Quantity
		agg.TotalAmount = agg.TotalAmount.Add(payload.TotalAmount)
		agg.TotalProfit = agg.TotalProfit.Add(payload.Profit)
		agg.OperationIDs = append(agg.OperationIDs, op.ID)
		if !op.Timestamp.Before(agg.Timestamp) {
			agg.Timestamp = op.Timestamp
			agg.SellingPrice = payload.SellingPrice
			agg.CostPrice = payload.CostPrice
			if payload.ProductName != "" {
				agg.ProductName = payload.ProductName
			}
			if payload.CustomerName != "" {
				agg.CustomerName = payload.CustomerName
			}
		}
	}

	for i := range result.Aggregated {
		agg := &result.Aggregated[i]
		if len(agg.OperationIDs) == 1 && clientIDs[agg.Key] != "" {
			agg.ClientSaleID = clientIDs[agg.Key]
			continue
		}
		agg.ClientSaleID = AggregateID(agg.OperationIDs)
	}
	return result
}

// AggregateInventory groups unsynced inventory updates by product. Deltas add
// up; the absolute stock comes from the latest operation that carries one.
func AggregateInventory(queue []domain.PendingOperation) InventoryAggregation {
	result := InventoryAggregation{
		Operations: []domain.PendingOperation{},
		Updates:    []domain.AggregatedInventoryUpdate{},
		Consumed:   []string{},
		Remaining:  []domain.PendingOperation{},
	}

	type group struct {
		ops      []domain.PendingOperation
		payloads []domain.InventoryPayload
	}
	var order []string
	groups := make(map[string]*group)

	for _, op := range queue {
		if !isOpenInventoryUpdate(op) {
			result.Remaining = append(result.Remaining, op)
			continue
		}
		payload, err := DecodeInventory(op)
		if err != nil {
			result.Remaining = append(result.Remaining, op)
			result.Skipped = append(result.Skipped, op.ID)
			continue
		}
		g, ok := groups[payload.ProductID]
		if !ok {
			g = &group{}
			groups[payload.ProductID] = g
			order = append(order, payload.ProductID)
		}
		g.ops = append(g.ops, op)
		g.payloads = append(g.payloads, payload)
	}

	for _, productID := range order {
		g := groups[productID]
		update := mergeInventory(productID, g.ops, g.payloads)
		result.Updates = append(result.Updates, update)

		if len(g.ops) == 1 {
			result.Operations = append(result.Operations, g.ops[0])
			continue
		}

		priority := 0
		for _, op := range g.ops {
			if op.Priority > priority {
				priority = op.Priority
			}
		}
		body, _ := json.Marshal(domain.InventoryPayload{
			ProductID:      update.ProductID,
			QuantityChange: update.QuantityChange,
			Stock:          update.Stock,
		})
		result.Operations = append(result.Operations, domain.PendingOperation{
			ID:            AggregateID(update.OperationIDs),
			EntityType:    domain.EntityInventory,
			Kind:          domain.OpUpdate,
			Payload:       body,
			Timestamp:     update.Timestamp,
			Priority:      priority,
			NextAttemptAt: update.Timestamp,
			SourceIDs:     update.OperationIDs,
		})
		result.Consumed = append(result.Consumed, update.OperationIDs...)
	}
	return result
}

func mergeInventory(productID string, ops []domain.PendingOperation, payloads []domain.InventoryPayload) domain.AggregatedInventoryUpdate {
	update := domain.AggregatedInventoryUpdate{
		ProductID:    productID,
		OperationIDs: make([]string, 0, len(ops)),
	}
	var stockAt time.Time
	haveStock := false
	for i, op := range ops {
		p := payloads[i]
		update.QuantityChange += p.QuantityChange
		update.OperationIDs = append(update.OperationIDs, op.ID)
		if i == 0 || !op.Timestamp.Before(update.Timestamp) {
			update.Timestamp = op.Timestamp
		}
		if p.Stock != nil && (!haveStock || !op.Timestamp.Before(stockAt)) {
			stock := *p.Stock
			update.Stock = &stock
			stockAt = op.Timestamp
			haveStock = true
		}
	}
	return update
}

// SaleKey is the grouping key: product, customer (or walk-in) and method.
func SaleKey(p domain.SalePayload) string {
	customer := strings.TrimSpace(p.CustomerID)
	if customer == "" {
		customer = domain.WalkInCustomer
	}
	return p.ProductID + "|" + customer + "|" + string(p.PaymentMethod)
}

// AggregateID derives a stable id from the absorbed operation ids, so a
// retried flush of the same batch produces the same backend key.
func AggregateID(ids []string) string {
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return AggregatePrefix + hex.EncodeToString(sum[:12])
}

func DecodeSale(op domain.PendingOperation) (domain.SalePayload, error) {
	var p domain.SalePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.ProductID) == "" {
		return p, errMissingProduct
	}
	if !p.PaymentMethod.Valid() {
		return p, errInvalidMethod
	}
	return p, nil
}

func DecodeInventory(op domain.PendingOperation) (domain.InventoryPayload, error) {
	var p domain.InventoryPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return p, err
	}
	if strings.TrimSpace(p.ProductID) == "" {
		return p, errMissingProduct
	}
	return p, nil
}

// SaleFromAggregate builds the record written to the backend for one group.
func SaleFromAggregate(agg domain.AggregatedSale) domain.Sale {
	return domain.Sale{
		ProductID:     agg.ProductID,
		ProductName:   agg.ProductName,
		CustomerID:    agg.CustomerID,
		CustomerName:  agg.CustomerName,
		Quantity:      agg.TotalQuantity,
		SellingPrice:  agg.SellingPrice,
		CostPrice:     agg.CostPrice,
		Profit:        agg.TotalProfit,
		Total:         agg.TotalAmount,
		PaymentMethod: agg.PaymentMethod,
		PaymentDetails: domain.PaymentDetails{
			CashAmount:  amountFor(agg, domain.PaymentCash),
			MpesaAmount: amountFor(agg, domain.PaymentMpesa),
			DebtAmount:  amountFor(agg, domain.PaymentDebt),
		},
		ClientSaleID: agg.ClientSaleID,
		OfflineID:    agg.ClientSaleID,
		CreatedAt:    agg.Timestamp,
	}
}

// SaleFromPayload is the one-to-one form used for operations that were not
// folded.
func SaleFromPayload(opID string, at time.Time, p domain.SalePayload) domain.Sale {
	clientID := p.ClientSaleID
	if clientID == "" {
		clientID = opID
	}
	sale := domain.Sale{
		ProductID:     p.ProductID,
		ProductName:   p.ProductName,
		CustomerID:    p.CustomerID,
		CustomerName:  p.CustomerName,
		Quantity:      p.Quantity,
		SellingPrice:  p.SellingPrice,
		CostPrice:     p.CostPrice,
		Profit:        p.Profit,
		Total:         p.TotalAmount,
		PaymentMethod: p.PaymentMethod,
		ClientSaleID:  clientID,
		OfflineID:     clientID,
		CreatedAt:     at,
	}
	if p.Details != nil {
		sale.PaymentDetails = *p.Details
	}
	return sale
}

// PayloadFromSale is the inverse of SaleFromPayload, used when a leg is queued.
func PayloadFromSale(sale domain.Sale) domain.SalePayload {
	details := sale.PaymentDetails
	return domain.SalePayload{
		ProductID:     sale.ProductID,
		ProductName:   sale.ProductName,
		CustomerID:    sale.CustomerID,
		CustomerName:  sale.CustomerName,
		PaymentMethod: sale.PaymentMethod,
		Quantity:      sale.Quantity,
		SellingPrice:  sale.SellingPrice,
		CostPrice:     sale.CostPrice,
		TotalAmount:   sale.Total,
		Profit:        sale.Profit,
		ClientSaleID:  sale.ClientSaleID,
		Details:       &details,
	}
}

func amountFor(agg domain.AggregatedSale, method domain.PaymentMethod) decimal.Decimal {
	if agg.PaymentMethod == method {
		return agg.TotalAmount
	}
	return decimal.Zero
}

func isOpenSaleCreate(op domain.PendingOperation) bool {
	return !op.Synced && !op.Dead && op.EntityType == domain.EntitySale && op.Kind == domain.OpCreate
}

func isOpenInventoryUpdate(op domain.PendingOperation) bool {
	return !op.Synced && !op.Dead && op.EntityType == domain.EntityInventory && op.Kind == domain.OpUpdate
}

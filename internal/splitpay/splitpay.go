// Package splitpay turns one checkout paid through several methods into one
// sale record per method, tied together by a shared SP_ reference.
package splitpay

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
	"dukapos/internal/xid"
)

// ReferencePrefix marks split-payment references.
const ReferencePrefix = "SP"

// Tolerance is the largest accepted gap between the stated total and the sum
// of the payment amounts.
var Tolerance = decimal.New(1, -2)

func GenerateReference() string {
	return xid.Reference(ReferencePrefix, time.Now(), 9)
}

// ClientSaleID is deterministic so that a retried leg dedupes on the backend.
func ClientSaleID(reference string, method domain.PaymentMethod, index int) string {
	return fmt.Sprintf("%s_%s_%d", reference, method, index)
}

// BuildSales returns one leg per payment entry. Profit is split in proportion
// to each entry's share of the total; only debt legs carry the quantity.
// An empty payment list yields no legs.
func BuildSales(group domain.SplitGroup) []domain.Sale {
	if len(group.Payments) == 0 {
		return []domain.Sale{}
	}

	reference := group.Reference
	if reference == "" {
		reference = GenerateReference()
	}
	soldAt := group.SoldAt
	if soldAt.IsZero() {
		soldAt = time.Now().UTC()
	}

	totalProfit := group.SellingPrice.Sub(group.CostPrice).Mul(decimal.NewFromInt(int64(group.Quantity)))
	denominator := group.TotalAmount
	if !denominator.IsPositive() {
		denominator = sumAmounts(group.Payments)
	}
	breakdown := breakdownOf(group.Payments)

	sales := make([]domain.Sale, 0, len(group.Payments))
	allocated := decimal.Zero
	last := len(group.Payments) - 1
	for i, entry := range group.Payments {
		var profit decimal.Decimal
		switch {
		case i == last:
			profit = totalProfit.Sub(allocated)
		case denominator.IsPositive():
			profit = entry.Amount.Mul(totalProfit).Div(denominator).Round(2)
		default:
			profit = decimal.Zero
		}
		allocated = allocated.Add(profit)

		quantity := 0
		if entry.Method == domain.PaymentDebt {
			quantity = group.Quantity
		}

		details := breakdown
		details.SaleReference = reference
		details.IsSplitPayment = true
		details.Details = copyDetails(entry.Details)

		id := ClientSaleID(reference, entry.Method, i)
		sales = append(sales, domain.Sale{
			ProductID:      group.ProductID,
			ProductName:    group.ProductName,
			CustomerID:     group.CustomerID,
			CustomerName:   group.CustomerName,
			Quantity:       quantity,
			SellingPrice:   group.SellingPrice,
			CostPrice:      group.CostPrice,
			Profit:         profit,
			Total:          entry.Amount,
			PaymentMethod:  entry.Method,
			PaymentDetails: details,
			ClientSaleID:   id,
			OfflineID:      id,
			CreatedAt:      soldAt,
		})
	}
	return sales
}

// Validate never fails hard; callers surface the result to the cashier.
func Validate(totalAmount decimal.Decimal, payments []domain.PaymentEntry) domain.ValidationResult {
	if len(payments) == 0 {
		return invalid("at least one payment is required")
	}
	for _, p := range payments {
		if !p.Method.Valid() {
			return invalid(fmt.Sprintf("unsupported payment method %q", p.Method))
		}
		if !p.Amount.IsPositive() {
			return invalid(fmt.Sprintf("%s amount must be greater than zero", p.Method))
		}
	}

	sum := sumAmounts(payments)
	if sum.Sub(totalAmount).Abs().GreaterThan(Tolerance) {
		return invalid(fmt.Sprintf("payments total %s does not match sale total %s", sum.StringFixed(2), totalAmount.StringFixed(2)))
	}
	return domain.ValidationResult{IsValid: true}
}

func ValidateGroup(group domain.SplitGroup) domain.ValidationResult {
	if strings.TrimSpace(group.ProductID) == "" {
		return invalid("product_id is required")
	}
	if group.Quantity < 1 {
		return invalid("quantity must be a positive integer")
	}
	if group.SellingPrice.IsNegative() || group.CostPrice.IsNegative() {
		return invalid("prices must not be negative")
	}
	return Validate(group.TotalAmount, group.Payments)
}

func IsSplitSale(sale domain.Sale) bool {
	return strings.HasPrefix(ReferenceOf(sale), ReferencePrefix+"_")
}

// ReferenceOf prefers the stored reference and falls back to the client sale
// id, which starts with the reference.
func ReferenceOf(sale domain.Sale) string {
	if sale.PaymentDetails.SaleReference != "" {
		return sale.PaymentDetails.SaleReference
	}
	if !strings.HasPrefix(sale.ClientSaleID, ReferencePrefix+"_") {
		return ""
	}
	parts := strings.Split(sale.ClientSaleID, "_")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:3], "_")
}

// GroupByReference collects split legs by reference. Non-split sales are
// left out.
func GroupByReference(sales []domain.Sale) map[string][]domain.Sale {
	groups := make(map[string][]domain.Sale)
	for _, sale := range sales {
		if !IsSplitSale(sale) {
			continue
		}
		ref := ReferenceOf(sale)
		groups[ref] = append(groups[ref], sale)
	}
	return groups
}

func Summarize(reference string, legs []domain.Sale) domain.SplitTransaction {
	tx := domain.SplitTransaction{
		Reference:   reference,
		TotalAmount: decimal.Zero,
		TotalProfit: decimal.Zero,
		Methods:     make([]domain.PaymentMethod, 0, len(legs)),
		Legs:        legs,
	}
	for i, leg := range legs {
		if i == 0 || leg.CreatedAt.Before(tx.CreatedAt) {
			tx.CreatedAt = leg.CreatedAt
		}
		if tx.ProductID == "" {
			tx.ProductID = leg.ProductID
			tx.ProductName = leg.ProductName
		}
		if tx.CustomerID == "" {
			tx.CustomerID = leg.CustomerID
			tx.CustomerName = leg.CustomerName
		}
		tx.TotalAmount = tx.TotalAmount.Add(leg.Total)
		tx.TotalProfit = tx.TotalProfit.Add(leg.Profit)
		if leg.Quantity > tx.Quantity {
			tx.Quantity = leg.Quantity
		}
		tx.Methods = append(tx.Methods, leg.PaymentMethod)
	}
	return tx
}

// Transactions summarizes every split group, newest first.
func Transactions(sales []domain.Sale) []domain.SplitTransaction {
	groups := GroupByReference(sales)
	out := make([]domain.SplitTransaction, 0, len(groups))
	for ref, legs := range groups {
		out = append(out, Summarize(ref, legs))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Reference > out[j].Reference
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func sumAmounts(payments []domain.PaymentEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	return sum
}

func breakdownOf(payments []domain.PaymentEntry) domain.PaymentDetails {
	details := domain.PaymentDetails{
		CashAmount:  decimal.Zero,
		MpesaAmount: decimal.Zero,
		DebtAmount:  decimal.Zero,
	}
	for _, p := range payments {
		switch p.Method {
		case domain.PaymentCash:
			details.CashAmount = details.CashAmount.Add(p.Amount)
		case domain.PaymentMpesa:
			details.MpesaAmount = details.MpesaAmount.Add(p.Amount)
		case domain.PaymentDebt:
			details.DebtAmount = details.DebtAmount.Add(p.Amount)
		}
	}
	return details
}

func copyDetails(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func invalid(msg string) domain.ValidationResult {
	return domain.ValidationResult{IsValid: false, Error: msg}
}

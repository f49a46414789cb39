package splitpay

import (
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/domain"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func cashDebtGroup() domain.SplitGroup {
	return domain.SplitGroup{
		Reference:   "SP_1700000000000_abc123xyz",
		TotalAmount: d("150"),
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentCash, Amount: d("100")},
			{Method: domain.PaymentDebt, Amount: d("50")},
		},
		ProductID:    "p1",
		ProductName:  "Unga 2kg",
		Quantity:     2,
		SellingPrice: d("100"),
		CostPrice:    d("60"),
		SoldAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildSalesCashDebtExample(t *testing.T) {
	sales := BuildSales(cashDebtGroup())
	require.Len(t, sales, 2)

	cash, debt := sales[0], sales[1]
	assert.Equal(t, domain.PaymentCash, cash.PaymentMethod)
	assert.True(t, cash.Total.Equal(d("100")), "cash total %s", cash.Total)
	assert.True(t, cash.Profit.Equal(d("53.33")), "cash profit %s", cash.Profit)
	assert.Equal(t, 0, cash.Quantity)

	assert.Equal(t, domain.PaymentDebt, debt.PaymentMethod)
	assert.True(t, debt.Total.Equal(d("50")), "debt total %s", debt.Total)
	assert.True(t, debt.Profit.Equal(d("26.67")), "debt profit %s", debt.Profit)
	assert.Equal(t, 2, debt.Quantity)

	for _, leg := range sales {
		assert.Equal(t, "SP_1700000000000_abc123xyz", leg.PaymentDetails.SaleReference)
		assert.True(t, leg.PaymentDetails.IsSplitPayment)
		assert.True(t, leg.PaymentDetails.CashAmount.Equal(d("100")))
		assert.True(t, leg.PaymentDetails.DebtAmount.Equal(d("50")))
		assert.True(t, leg.PaymentDetails.MpesaAmount.IsZero())
		assert.Equal(t, leg.ClientSaleID, leg.OfflineID)
	}
}

func TestBuildSalesConservesAmountAndProfit(t *testing.T) {
	groups := []domain.SplitGroup{
		cashDebtGroup(),
		{
			TotalAmount: d("999.99"),
			Payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("333.33")},
				{Method: domain.PaymentMpesa, Amount: d("333.33")},
				{Method: domain.PaymentDebt, Amount: d("333.33")},
			},
			ProductID:    "p2",
			Quantity:     7,
			SellingPrice: d("142.857"),
			CostPrice:    d("99.10"),
		},
		{
			TotalAmount: d("10"),
			Payments: []domain.PaymentEntry{
				{Method: domain.PaymentMpesa, Amount: d("3")},
				{Method: domain.PaymentCash, Amount: d("7")},
			},
			ProductID:    "p3",
			Quantity:     1,
			SellingPrice: d("10"),
			CostPrice:    d("3.33"),
		},
	}

	for _, group := range groups {
		sales := BuildSales(group)
		require.Len(t, sales, len(group.Payments))

		total := decimal.Zero
		profit := decimal.Zero
		for _, leg := range sales {
			total = total.Add(leg.Total)
			profit = profit.Add(leg.Profit)
		}
		expectedProfit := group.SellingPrice.Sub(group.CostPrice).Mul(decimal.NewFromInt(int64(group.Quantity)))

		assert.True(t, total.Sub(group.TotalAmount).Abs().LessThanOrEqual(Tolerance), "amount %s vs %s", total, group.TotalAmount)
		assert.True(t, profit.Sub(expectedProfit).Abs().LessThan(d("0.000001")), "profit %s vs %s", profit, expectedProfit)
	}
}

func TestBuildSalesOnlyDebtLegsCarryQuantity(t *testing.T) {
	group := domain.SplitGroup{
		TotalAmount: d("300"),
		Payments: []domain.PaymentEntry{
			{Method: domain.PaymentMpesa, Amount: d("100"), Details: map[string]string{"mpesa_code": "QWE123RTY"}},
			{Method: domain.PaymentDebt, Amount: d("120")},
			{Method: domain.PaymentCash, Amount: d("80")},
		},
		ProductID:    "p1",
		Quantity:     3,
		SellingPrice: d("100"),
		CostPrice:    d("70"),
	}

	for _, leg := range BuildSales(group) {
		if leg.PaymentMethod == domain.PaymentDebt {
			assert.Equal(t, 3, leg.Quantity)
		} else {
			assert.Equal(t, 0, leg.Quantity)
		}
	}
}

func TestBuildSalesDeterministicClientIDs(t *testing.T) {
	first := BuildSales(cashDebtGroup())
	second := BuildSales(cashDebtGroup())

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ClientSaleID, second[i].ClientSaleID)
	}
	assert.Equal(t, "SP_1700000000000_abc123xyz_cash_0", first[0].ClientSaleID)
	assert.Equal(t, "SP_1700000000000_abc123xyz_debt_1", first[1].ClientSaleID)
}

func TestBuildSalesKeepsEntryDetailsPerLeg(t *testing.T) {
	group := cashDebtGroup()
	group.Payments[0].Details = map[string]string{"till": "2"}

	sales := BuildSales(group)
	assert.Equal(t, "2", sales[0].PaymentDetails.Details["till"])
	assert.Nil(t, sales[1].PaymentDetails.Details)
}

// Empty payment lists are a silent no-op; callers are expected to Validate first.
func TestBuildSalesEmptyPaymentsYieldsNoLegs(t *testing.T) {
	group := cashDebtGroup()
	group.Payments = nil

	sales := BuildSales(group)
	assert.NotNil(t, sales)
	assert.Empty(t, sales)
}

func TestBuildSalesGeneratesReferenceWhenMissing(t *testing.T) {
	group := cashDebtGroup()
	group.Reference = ""

	sales := BuildSales(group)
	require.Len(t, sales, 2)
	ref := sales[0].PaymentDetails.SaleReference
	assert.Regexp(t, regexp.MustCompile(`^SP_\d+_[0-9a-z]{9}$`), ref)
	assert.Equal(t, ref, sales[1].PaymentDetails.SaleReference)
}

func TestGenerateReferenceFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^SP_\d{13}_[0-9a-z]{9}$`)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref := GenerateReference()
		require.Regexp(t, pattern, ref)
		require.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		total    string
		payments []domain.PaymentEntry
		valid    bool
	}{
		{
			name:  "mismatch",
			total: "100",
			payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("60")},
				{Method: domain.PaymentMpesa, Amount: d("30")},
			},
		},
		{
			name:  "zero amount",
			total: "100",
			payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("100")},
				{Method: domain.PaymentDebt, Amount: d("0")},
			},
		},
		{
			name:  "negative amount",
			total: "50",
			payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("60")},
				{Method: domain.PaymentDebt, Amount: d("-10")},
			},
		},
		{
			name:  "unknown method",
			total: "50",
			payments: []domain.PaymentEntry{
				{Method: "card", Amount: d("50")},
			},
		},
		{
			name:  "empty",
			total: "0",
		},
		{
			name:  "exact",
			total: "150",
			payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("100")},
				{Method: domain.PaymentDebt, Amount: d("50")},
			},
			valid: true,
		},
		{
			name:  "within tolerance",
			total: "100.01",
			payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("33.33")},
				{Method: domain.PaymentMpesa, Amount: d("66.67")},
			},
			valid: true,
		},
		{
			name:  "just over tolerance",
			total: "100.02",
			payments: []domain.PaymentEntry{
				{Method: domain.PaymentCash, Amount: d("33.33")},
				{Method: domain.PaymentMpesa, Amount: d("66.66")},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Validate(d(tc.total), tc.payments)
			assert.Equal(t, tc.valid, result.IsValid)
			if tc.valid {
				assert.Empty(t, result.Error)
			} else {
				assert.NotEmpty(t, result.Error)
			}
		})
	}
}

func TestValidateGroupRejectsNonPositiveQuantity(t *testing.T) {
	group := cashDebtGroup()
	group.Quantity = 0
	assert.False(t, ValidateGroup(group).IsValid)

	group = cashDebtGroup()
	group.ProductID = " "
	assert.False(t, ValidateGroup(group).IsValid)

	assert.True(t, ValidateGroup(cashDebtGroup()).IsValid)
}

func TestReferenceHelpersAndGrouping(t *testing.T) {
	legs := BuildSales(cashDebtGroup())

	other := cashDebtGroup()
	other.Reference = "SP_1700000000999_zzzzzzzzz"
	other.SoldAt = other.SoldAt.Add(time.Hour)
	otherLegs := BuildSales(other)

	single := domain.Sale{ClientSaleID: "pos-1", PaymentMethod: domain.PaymentCash, Total: d("20")}
	bare := legs[0]
	bare.PaymentDetails.SaleReference = ""

	assert.True(t, IsSplitSale(legs[0]))
	assert.False(t, IsSplitSale(single))
	assert.Equal(t, "SP_1700000000000_abc123xyz", ReferenceOf(bare))
	assert.Equal(t, "", ReferenceOf(single))

	all := append(append(append([]domain.Sale{}, legs...), otherLegs...), single)
	groups := GroupByReference(all)
	require.Len(t, groups, 2)
	assert.Len(t, groups["SP_1700000000000_abc123xyz"], 2)
	assert.Len(t, groups["SP_1700000000999_zzzzzzzzz"], 2)

	txs := Transactions(all)
	require.Len(t, txs, 2)
	assert.Equal(t, "SP_1700000000999_zzzzzzzzz", txs[0].Reference)
	assert.True(t, txs[1].TotalAmount.Equal(d("150")))
	assert.True(t, txs[1].TotalProfit.Equal(d("80")))
	assert.Equal(t, 2, txs[1].Quantity)
	assert.Equal(t, []domain.PaymentMethod{domain.PaymentCash, domain.PaymentDebt}, txs[1].Methods)
}

package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 10, 15, 30, 0, 0, time.UTC)

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"same instant", start, start, 0},
		{"across midnight", time.Date(2026, 1, 10, 23, 0, 0, 0, time.UTC), time.Date(2026, 1, 11, 1, 0, 0, 0, time.UTC), 1},
		{"backwards", start, start.AddDate(0, 0, -3), -3},
		{"across a month", start, start.AddDate(0, 1, 0), 31},
		{"other zone is normalised", start, time.Date(2026, 1, 11, 2, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysBetween(tt.a, tt.b))
		})
	}
}

func TestContractPeriods(t *testing.T) {
	c := &Contract{StartDate: start, EndDate: start.AddDate(0, 0, 90), MonthlyAmount: decimal.NewFromInt(1000)}
	assert.Equal(t, 3, c.Periods())
	assert.True(t, c.DerivedTotal().Equal(decimal.NewFromInt(3000)))

	c.EndDate = start.AddDate(0, 0, 91)
	assert.Equal(t, 4, c.Periods(), "a partial period counts as a whole one")

	c.EndDate = start.AddDate(0, 0, -1)
	assert.Zero(t, c.Periods())
}

func TestContractDerivedTotalFallback(t *testing.T) {
	c := &Contract{MonthlyAmount: decimal.NewFromInt(1000)}
	assert.True(t, c.DerivedTotal().IsZero())

	c.ContractAmount = decimal.NewNullDecimal(decimal.NewFromInt(4200))
	assert.True(t, c.DerivedTotal().Equal(decimal.NewFromInt(4200)))

	// Usable dates win over the stored amount.
	c.StartDate = start
	c.EndDate = start.AddDate(0, 0, 60)
	assert.True(t, c.DerivedTotal().Equal(decimal.NewFromInt(2000)))
}

func TestContractPeriodOf(t *testing.T) {
	c := &Contract{StartDate: start, EndDate: start.AddDate(0, 0, 90)}
	assert.Equal(t, 0, c.PeriodOf(start.AddDate(0, 0, -5)))
	assert.Equal(t, 0, c.PeriodOf(start.AddDate(0, 0, 29)))
	assert.Equal(t, 1, c.PeriodOf(start.AddDate(0, 0, 30)))
	assert.Equal(t, 2, c.PeriodOf(start.AddDate(0, 0, 200)), "clamped to the last period")

	open := &Contract{StartDate: start}
	assert.Equal(t, 6, open.PeriodOf(start.AddDate(0, 0, 200)))

	assert.Equal(t, time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC), c.PeriodStart(1))
}

func TestPaymentHelpers(t *testing.T) {
	p := &Payment{
		Amount:          decimal.NewFromInt(500),
		AllocatedAmount: decimal.NewFromInt(120),
		Status:          PaymentRecordCompleted,
		TransactionType: TransactionTypeIncome,
	}
	assert.True(t, p.Unallocated().Equal(decimal.NewFromInt(380)))
	assert.True(t, p.IsReceipt())

	p.Status = PaymentRecordPending
	assert.False(t, p.IsReceipt())
	p.Status = PaymentRecordCompleted
	p.TransactionType = TransactionTypeExpense
	assert.False(t, p.IsReceipt())
}

func TestInvoiceOverpaid(t *testing.T) {
	inv := &Invoice{TotalAmount: decimal.NewFromInt(1000), PaidAmount: decimal.NewFromInt(1000)}
	assert.False(t, inv.Overpaid())
	assert.True(t, inv.OverpaidAmount().IsZero())

	inv.PaidAmount = decimal.NewFromInt(1250)
	assert.True(t, inv.Overpaid())
	assert.True(t, inv.OverpaidAmount().Equal(decimal.NewFromInt(250)))
}

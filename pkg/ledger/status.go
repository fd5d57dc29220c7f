package ledger

import (
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/shopspring/decimal"
)

// DerivePaymentStatus maps a total and a paid amount to a settlement status:
// paid iff paid >= total and total > 0, partial iff 0 < paid < total,
// unpaid otherwise.
func DerivePaymentStatus(total, paid decimal.Decimal) models.PaymentStatus {
	switch {
	case total.IsPositive() && paid.GreaterThanOrEqual(total):
		return models.PaymentStatusPaid
	case paid.IsPositive() && paid.LessThan(total):
		return models.PaymentStatusPartial
	default:
		return models.PaymentStatusUnpaid
	}
}

// BalanceDue is max(0, total - paid).
func BalanceDue(total, paid decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, total.Sub(paid))
}

// Reversal holds an obligation's settlement fields after a payment amount
// has been withdrawn.
type Reversal struct {
	PaidAmount    decimal.Decimal      `json:"paid_amount"`
	BalanceDue    decimal.Decimal      `json:"balance_due"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
}

// ReverseApplication recomputes paid amount, balance and status after
// reversedAmount is withdrawn. The paid amount never drops below zero.
func ReverseApplication(totalAmount, currentPaidAmount, reversedAmount decimal.Decimal) Reversal {
	paid := decimal.Max(decimal.Zero, currentPaidAmount.Sub(reversedAmount))
	return Reversal{
		PaidAmount:    paid,
		BalanceDue:    BalanceDue(totalAmount, paid),
		PaymentStatus: DerivePaymentStatus(totalAmount, paid),
	}
}

func allocationStatus(p *models.Payment) models.AllocationStatus {
	switch {
	case !p.AllocatedAmount.IsPositive():
		return models.AllocationUnallocated
	case p.AllocatedAmount.LessThan(p.Amount):
		return models.AllocationPartial
	default:
		return models.AllocationAllocated
	}
}

func settleInvoice(inv *models.Invoice, paid decimal.Decimal) {
	inv.PaidAmount = paid
	inv.BalanceDue = BalanceDue(inv.TotalAmount, paid)
	inv.PaymentStatus = DerivePaymentStatus(inv.TotalAmount, paid)
}

func settleContract(c *models.Contract, paid decimal.Decimal) {
	total := c.DerivedTotal()
	c.TotalPaid = paid
	c.BalanceDue = BalanceDue(total, paid)
	c.PaymentStatus = DerivePaymentStatus(total, paid)
}

package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
)

// ReversalResult describes what a payment reversal withdrew.
type ReversalResult struct {
	PaymentID uuid.UUID       `json:"payment_id"`
	Reversed  decimal.Decimal `json:"reversed"`
	Targets   []models.Target `json:"targets"`
	Deleted   bool            `json:"deleted"`
	Cancelled bool            `json:"cancelled"`
}

type reversalMode int

const (
	reverseOnly reversalMode = iota
	reverseAndCancel
	reverseAndDelete
)

// ReversePayment withdraws every allocation of a payment and clears its
// invoice link, leaving the payment unallocated and available for matching.
// The contract link is kept; it records which agreement the money came
// from, not where it was applied.
func (l *Ledger) ReversePayment(ctx context.Context, companyID, paymentID uuid.UUID) (*ReversalResult, error) {
	return l.reverse(ctx, "ReversePayment", companyID, paymentID, reverseOnly)
}

// CancelPayment reverses the payment and marks it cancelled.
func (l *Ledger) CancelPayment(ctx context.Context, companyID, paymentID uuid.UUID) (*ReversalResult, error) {
	return l.reverse(ctx, "CancelPayment", companyID, paymentID, reverseAndCancel)
}

// DeletePayment reverses the payment and removes it, in one transaction.
func (l *Ledger) DeletePayment(ctx context.Context, companyID, paymentID uuid.UUID) (*ReversalResult, error) {
	return l.reverse(ctx, "DeletePayment", companyID, paymentID, reverseAndDelete)
}

func (l *Ledger) reverse(ctx context.Context, op string, companyID, paymentID uuid.UUID, mode reversalMode) (*ReversalResult, error) {
	var result *ReversalResult
	err := l.withRetry(ctx, op, func() error {
		return l.storage.InTx(ctx, func(tx store.Tx) error {
			r, err := l.reverseTx(ctx, tx, companyID, paymentID, mode)
			result = r
			return err
		})
	})
	if err != nil {
		return nil, opError(op, err, paymentID.String())
	}
	l.log.Info().
		Str("op", op).
		Str("company_id", companyID.String()).
		Str("payment_id", paymentID.String()).
		Str("reversed", result.Reversed.StringFixed(2)).
		Int("targets", len(result.Targets)).
		Msg("Payment reversed")
	return result, nil
}

func (l *Ledger) reverseTx(ctx context.Context, tx store.Tx, companyID, paymentID uuid.UUID, mode reversalMode) (*ReversalResult, error) {
	p, err := loadPayment(ctx, tx, companyID, paymentID)
	if err != nil {
		return nil, err
	}
	allocations, err := tx.ListAllocationsForPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	result := &ReversalResult{PaymentID: p.ID, Reversed: decimal.Zero, Targets: []models.Target{}}
	now := l.now()
	clearContract := false
	for _, a := range allocations {
		clearContract = clearContract || a.SetsContract
		switch a.TargetType {
		case models.TargetInvoice:
			inv, err := loadInvoice(ctx, tx, companyID, a.TargetID, ErrTargetNotFound)
			if err != nil {
				return nil, err
			}
			r := ReverseApplication(inv.TotalAmount, inv.PaidAmount, a.Amount)
			inv.PaidAmount, inv.BalanceDue, inv.PaymentStatus = r.PaidAmount, r.BalanceDue, r.PaymentStatus
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return nil, storeErr(err, ErrTargetNotFound)
			}
			if inv.ContractID != nil {
				if err := l.withdrawFromContract(ctx, tx, companyID, *inv.ContractID, a.Amount); err != nil {
					return nil, err
				}
			}
		case models.TargetContract:
			if err := l.withdrawFromContract(ctx, tx, companyID, a.TargetID, a.Amount); err != nil {
				return nil, err
			}
		}
		if err := tx.DeleteAllocation(ctx, a.ID); err != nil {
			return nil, err
		}
		result.Reversed = result.Reversed.Add(a.Amount)
		result.Targets = append(result.Targets, models.Target{Type: a.TargetType, ID: a.TargetID})
	}

	if mode == reverseAndDelete {
		if err := tx.DeletePayment(ctx, p.ID); err != nil {
			return nil, storeErr(err, ErrPaymentNotFound)
		}
		result.Deleted = true
		return result, nil
	}

	p.InvoiceID = nil
	if clearContract {
		p.ContractID = nil
	}
	p.AllocatedAmount = decimal.Zero
	p.AllocationStatus = models.AllocationUnallocated
	p.LinkingConfidence = nil
	p.ReconciliationStatus = ""
	if mode == reverseAndCancel {
		p.Status = models.PaymentRecordCancelled
		result.Cancelled = true
	}
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, storeErr(err, ErrPaymentNotFound)
	}
	return result, nil
}

func (l *Ledger) withdrawFromContract(ctx context.Context, tx store.Tx, companyID, contractID uuid.UUID, amount decimal.Decimal) error {
	c, err := loadContract(ctx, tx, companyID, contractID, ErrContractNotFound)
	if err != nil {
		return err
	}
	r := ReverseApplication(c.DerivedTotal(), c.TotalPaid, amount)
	c.TotalPaid, c.BalanceDue, c.PaymentStatus = r.PaidAmount, r.BalanceDue, r.PaymentStatus
	if c.TotalPaid.IsZero() {
		c.LastPaymentDate = nil
	}
	c.UpdatedAt = l.now()
	if err := tx.UpdateContract(ctx, c); err != nil {
		return storeErr(err, ErrContractNotFound)
	}
	return nil
}

// DeleteInvoice removes an invoice that no payment references.
func (l *Ledger) DeleteInvoice(ctx context.Context, companyID, invoiceID uuid.UUID) error {
	const op = "DeleteInvoice"
	err := l.storage.InTx(ctx, func(tx store.Tx) error {
		if _, err := loadInvoice(ctx, tx, companyID, invoiceID, ErrTargetNotFound); err != nil {
			return err
		}
		allocations, err := tx.ListAllocationsForTarget(ctx, models.TargetInvoice, invoiceID)
		if err != nil {
			return err
		}
		if len(allocations) > 0 {
			return ErrInvoiceReferenced
		}
		linked, err := tx.ListPayments(ctx, store.PaymentFilter{CompanyID: companyID})
		if err != nil {
			return err
		}
		for _, p := range linked {
			if p.InvoiceID != nil && *p.InvoiceID == invoiceID {
				return ErrInvoiceReferenced
			}
		}
		return storeErr(tx.DeleteInvoice(ctx, invoiceID), ErrTargetNotFound)
	})
	return opError(op, err, invoiceID.String())
}

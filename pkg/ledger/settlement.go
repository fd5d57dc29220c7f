package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
)

// Result message codes. Display text is left to the caller.
const (
	MessageMatched       = "matched"
	MessageAllocated     = "allocated"
	MessageAlreadyLinked = "already_linked"
	MessageOverpaid      = "matched_overpaid"
)

// MatchResult is the outcome of a settlement.
type MatchResult struct {
	Success          bool                    `json:"success"`
	Confidence       int                     `json:"confidence"`
	Message          string                  `json:"message"`
	PaymentID        uuid.UUID               `json:"payment_id"`
	Target           models.Target           `json:"target"`
	AllocatedAmount  decimal.Decimal         `json:"allocated_amount"`
	Unallocated      decimal.Decimal         `json:"unallocated"`
	AllocationStatus models.AllocationStatus `json:"allocation_status"`
	Overpaid         bool                    `json:"overpaid"`
}

type settleRequest struct {
	companyID uuid.UUID
	paymentID uuid.UUID
	target    models.Target
	amount    *decimal.Decimal // explicit manual amount
	scored    bool             // engine match, confidence is computed
}

// MatchPayment allocates a payment to an invoice or contract and records the
// engine's confidence. Repeating it for the same target is a no-op once the
// payment is fully allocated; any other target then fails with
// ErrAlreadyAllocated.
func (l *Ledger) MatchPayment(ctx context.Context, companyID, paymentID uuid.UUID, target models.Target) (*MatchResult, error) {
	return l.settle(ctx, "MatchPayment", settleRequest{
		companyID: companyID,
		paymentID: paymentID,
		target:    target,
		scored:    true,
	})
}

// ApplyManualAllocation is MatchPayment for a human decision. When amount is
// nil the allocation is capped at the target's balance; an explicit amount
// may exceed it, in which case the overpayment is kept and flagged.
func (l *Ledger) ApplyManualAllocation(ctx context.Context, companyID, paymentID uuid.UUID, target models.Target, amount *decimal.Decimal) (*MatchResult, error) {
	return l.settle(ctx, "ApplyManualAllocation", settleRequest{
		companyID: companyID,
		paymentID: paymentID,
		target:    target,
		amount:    amount,
	})
}

func (l *Ledger) settle(ctx context.Context, op string, req settleRequest) (*MatchResult, error) {
	var result *MatchResult
	err := l.withRetry(ctx, op, func() error {
		return l.storage.InTx(ctx, func(tx store.Tx) error {
			r, err := l.settleTx(ctx, tx, req)
			result = r
			return err
		})
	})
	if err != nil {
		return nil, opError(op, err, req.paymentID.String()+" -> "+string(req.target.Type)+" "+req.target.ID.String())
	}

	ev := l.log.Info()
	if result.Overpaid {
		ev = l.log.Warn()
	}
	ev.Str("op", op).
		Str("company_id", req.companyID.String()).
		Str("payment_id", req.paymentID.String()).
		Str("target_type", string(req.target.Type)).
		Str("target_id", req.target.ID.String()).
		Str("amount", result.AllocatedAmount.StringFixed(2)).
		Int("confidence", result.Confidence).
		Str("message", result.Message).
		Msg("Payment settled")
	return result, nil
}

// settleTx applies one allocation inside tx. Every write it makes belongs to
// the caller's transaction, so a failure anywhere leaves nothing behind.
//
// The allocation row is the only record of the target. A match to a contract
// invoice creates one invoice allocation and rolls the amount up into the
// contract totals; the payment's InvoiceID and ContractID are lookup links
// filled in when empty.
func (l *Ledger) settleTx(ctx context.Context, tx store.Tx, req settleRequest) (*MatchResult, error) {
	p, err := loadPayment(ctx, tx, req.companyID, req.paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PaymentRecordCancelled {
		return nil, ErrPaymentCancelled
	}
	if !p.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	allocations, err := tx.ListAllocationsForPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	sameTarget := false
	for _, a := range allocations {
		if a.TargetType == req.target.Type && a.TargetID == req.target.ID {
			sameTarget = true
			break
		}
	}
	noop := func() *MatchResult {
		confidence := manualConfidence
		if p.LinkingConfidence != nil {
			confidence = *p.LinkingConfidence
		}
		return &MatchResult{
			Success:          true,
			Confidence:       confidence,
			Message:          MessageAlreadyLinked,
			PaymentID:        p.ID,
			Target:           req.target,
			AllocatedAmount:  decimal.Zero,
			Unallocated:      p.Unallocated(),
			AllocationStatus: p.AllocationStatus,
		}
	}
	if !p.Unallocated().IsPositive() {
		if sameTarget {
			return noop(), nil
		}
		return nil, ErrAlreadyAllocated
	}

	var (
		inv        *models.Invoice
		contract   *models.Contract
		balance    decimal.Decimal
		confidence = manualConfidence
	)
	switch req.target.Type {
	case models.TargetInvoice:
		inv, err = loadInvoice(ctx, tx, req.companyID, req.target.ID, ErrTargetNotFound)
		if err != nil {
			return nil, err
		}
		if inv.Status == models.InvoiceStatusCancelled {
			return nil, ErrTargetCancelled
		}
		balance = inv.BalanceDue
		if req.scored {
			confidence = ScoreCandidate(p, inv, l.matching).Confidence
		}
	case models.TargetContract:
		contract, err = loadContract(ctx, tx, req.companyID, req.target.ID, ErrTargetNotFound)
		if err != nil {
			return nil, err
		}
		if contract.Status == models.ContractStatusCancelled {
			return nil, ErrTargetCancelled
		}
		balance = BalanceDue(contract.DerivedTotal(), contract.TotalPaid)
		if req.scored {
			confidence = contractConfidence(p, contract, l.matching)
		}
	default:
		return nil, ErrTargetNotFound
	}

	var amount decimal.Decimal
	if req.amount != nil {
		amount = *req.amount
		if !amount.IsPositive() || amount.GreaterThan(p.Unallocated()) {
			return nil, ErrInvalidAmount
		}
	} else {
		if !balance.IsPositive() {
			if sameTarget {
				return noop(), nil
			}
			return nil, ErrInvalidAmount
		}
		amount = decimal.Min(p.Unallocated(), balance)
	}

	now := l.now()
	allocation := &models.Allocation{
		ID:         uuid.New(),
		CompanyID:  p.CompanyID,
		PaymentID:  p.ID,
		TargetType: req.target.Type,
		TargetID:   req.target.ID,
		Amount:     amount,
		CreatedAt:  now,
	}
	if req.scored {
		allocation.Confidence = &confidence
	}
	if p.ContractID == nil {
		allocation.SetsContract = contract != nil || (inv != nil && inv.ContractID != nil)
	}
	if err := tx.CreateAllocation(ctx, allocation); err != nil {
		return nil, err
	}

	p.AllocatedAmount = p.AllocatedAmount.Add(amount)
	p.AllocationStatus = allocationStatus(p)
	p.LinkingConfidence = &confidence
	p.ReconciliationStatus = "reconciled"
	p.UpdatedAt = now

	result := &MatchResult{
		Success:         true,
		Confidence:      confidence,
		Message:         MessageAllocated,
		PaymentID:       p.ID,
		Target:          req.target,
		AllocatedAmount: amount,
	}
	if req.scored {
		result.Message = MessageMatched
	}

	switch req.target.Type {
	case models.TargetInvoice:
		if p.InvoiceID == nil {
			id := inv.ID
			p.InvoiceID = &id
		}
		if p.ContractID == nil && inv.ContractID != nil {
			id := *inv.ContractID
			p.ContractID = &id
		}
		settleInvoice(inv, inv.PaidAmount.Add(amount))
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return nil, storeErr(err, ErrTargetNotFound)
		}
		if inv.Overpaid() {
			result.Overpaid = true
			result.Message = MessageOverpaid
		}
		if inv.ContractID != nil {
			c, err := loadContract(ctx, tx, req.companyID, *inv.ContractID, ErrContractNotFound)
			if err != nil {
				return nil, err
			}
			if err := l.applyToContract(ctx, tx, c, amount, p); err != nil {
				return nil, err
			}
		}
	case models.TargetContract:
		if p.ContractID == nil {
			id := contract.ID
			p.ContractID = &id
		}
		if err := l.applyToContract(ctx, tx, contract, amount, p); err != nil {
			return nil, err
		}
	}

	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, storeErr(err, ErrPaymentNotFound)
	}
	result.Unallocated = p.Unallocated()
	result.AllocationStatus = p.AllocationStatus
	return result, nil
}

// applyToContract rolls an allocated amount up into the contract totals.
func (l *Ledger) applyToContract(ctx context.Context, tx store.Tx, c *models.Contract, amount decimal.Decimal, p *models.Payment) error {
	settleContract(c, c.TotalPaid.Add(amount))
	if c.LastPaymentDate == nil || p.PaymentDate.After(*c.LastPaymentDate) {
		d := p.PaymentDate
		c.LastPaymentDate = &d
	}
	c.UpdatedAt = l.now()
	if err := tx.UpdateContract(ctx, c); err != nil {
		return storeErr(err, ErrContractNotFound)
	}
	return nil
}

// IsRetryable reports whether err is worth retrying by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

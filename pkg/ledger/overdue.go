package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const sweepConcurrency = 4

// OverdueStatus is a contract's arrears at a point in time.
type OverdueStatus struct {
	ContractID      uuid.UUID       `json:"contract_id"`
	IsOverdue       bool            `json:"is_overdue"`
	OverdueAmount   decimal.Decimal `json:"overdue_amount"`
	DaysOverdue     int             `json:"days_overdue"`
	LastPaymentDate *time.Time      `json:"last_payment_date,omitempty"`
	MonthsElapsed   int             `json:"months_elapsed"`
	ExpectedPaid    decimal.Decimal `json:"expected_paid"`
	TotalPaid       decimal.Decimal `json:"total_paid"`
	LateFee         decimal.Decimal `json:"late_fee"`
}

// LateFeePolicy prices lateness: DailyRate per day past the grace period,
// capped at MaxFine when MaxFine is positive.
type LateFeePolicy struct {
	DailyRate decimal.Decimal
	MaxFine   decimal.Decimal
	GraceDays int
}

func DefaultLateFeePolicy() LateFeePolicy {
	return LateFeePolicy{
		DailyRate: decimal.NewFromInt(120),
		MaxFine:   decimal.NewFromInt(3000),
	}
}

// LateFee returns the fine for daysOverdue days of lateness.
func (p LateFeePolicy) LateFee(daysOverdue int) decimal.Decimal {
	chargeable := daysOverdue - p.GraceDays
	if chargeable <= 0 || !p.DailyRate.IsPositive() {
		return decimal.Zero
	}
	fee := p.DailyRate.Mul(decimal.NewFromInt(int64(chargeable)))
	if p.MaxFine.IsPositive() {
		fee = decimal.Min(fee, p.MaxFine)
	}
	return fee
}

// EvaluateOverdue compares what a contract should have collected by now with
// the completed receipts among payments. One billing period is due per full
// 30 days since the start date.
func EvaluateOverdue(c *models.Contract, payments []*models.Payment, now time.Time) OverdueStatus {
	months := max(0, models.DaysBetween(c.StartDate, now)/models.BillingPeriodDays)
	status := OverdueStatus{
		ContractID:    c.ID,
		MonthsElapsed: months,
		ExpectedPaid:  c.MonthlyAmount.Mul(decimal.NewFromInt(int64(months))),
		TotalPaid:     decimal.Zero,
		OverdueAmount: decimal.Zero,
		LateFee:       decimal.Zero,
	}
	for _, p := range payments {
		if !p.IsReceipt() {
			continue
		}
		status.TotalPaid = status.TotalPaid.Add(p.Amount)
		if status.LastPaymentDate == nil || p.PaymentDate.After(*status.LastPaymentDate) {
			d := p.PaymentDate
			status.LastPaymentDate = &d
		}
	}

	status.IsOverdue = status.TotalPaid.LessThan(status.ExpectedPaid)
	if !status.IsOverdue {
		return status
	}
	status.OverdueAmount = status.ExpectedPaid.Sub(status.TotalPaid)
	since := c.StartDate
	if status.LastPaymentDate != nil {
		since = *status.LastPaymentDate
	}
	status.DaysOverdue = max(0, models.DaysBetween(since, now))
	return status
}

// ScheduleLineStatus is the evaluated state of one installment.
type ScheduleLineStatus struct {
	ScheduleID  uuid.UUID             `json:"schedule_id"`
	Status      models.ScheduleStatus `json:"status"`
	Outstanding decimal.Decimal       `json:"outstanding"`
	DaysOverdue int                   `json:"days_overdue"`
	LateFee     decimal.Decimal       `json:"late_fee"`
}

// EvaluateScheduleLine derives an installment's status from its paid amount
// and due date.
func EvaluateScheduleLine(ps *models.PaymentSchedule, now time.Time, policy LateFeePolicy) ScheduleLineStatus {
	line := ScheduleLineStatus{
		ScheduleID:  ps.ID,
		Outstanding: decimal.Max(decimal.Zero, ps.Amount.Sub(ps.PaidAmount)),
		LateFee:     decimal.Zero,
	}
	days := models.DaysBetween(ps.DueDate, now)
	switch {
	case ps.Status == models.SchedulePaid || !line.Outstanding.IsPositive():
		line.Status = models.SchedulePaid
	case days > 0:
		line.Status = models.ScheduleOverdue
		line.DaysOverdue = days
		line.LateFee = policy.LateFee(days)
	case ps.PaidAmount.IsPositive():
		line.Status = models.SchedulePartiallyPaid
	default:
		line.Status = models.SchedulePending
	}
	return line
}

// EvaluateOverdue loads a contract with its payments and evaluates it
// without writing anything.
func (l *Ledger) EvaluateOverdue(ctx context.Context, companyID, contractID uuid.UUID) (*OverdueStatus, error) {
	const op = "EvaluateOverdue"
	status, err := l.evaluateContract(ctx, l.storage, companyID, contractID)
	if err != nil {
		return nil, opError(op, err, contractID.String())
	}
	return status, nil
}

func (l *Ledger) evaluateContract(ctx context.Context, tx store.Tx, companyID, contractID uuid.UUID) (*OverdueStatus, error) {
	c, err := loadContract(ctx, tx, companyID, contractID, ErrContractNotFound)
	if err != nil {
		return nil, err
	}
	payments, err := tx.ListPayments(ctx, store.PaymentFilter{CompanyID: companyID, ContractID: &c.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list contract payments: %w", err)
	}
	status := EvaluateOverdue(c, payments, l.now())
	status.LateFee = l.lateFees.LateFee(status.DaysOverdue)
	return &status, nil
}

// RefreshOverdue evaluates a contract and stores its days overdue and late
// fine, and moves lapsed installments to overdue. Paid amounts and balances
// are left alone.
func (l *Ledger) RefreshOverdue(ctx context.Context, companyID, contractID uuid.UUID) (*OverdueStatus, error) {
	const op = "RefreshOverdue"
	var status *OverdueStatus
	err := l.withRetry(ctx, op, func() error {
		return l.storage.InTx(ctx, func(tx store.Tx) error {
			s, err := l.evaluateContract(ctx, tx, companyID, contractID)
			if err != nil {
				return err
			}
			c, err := loadContract(ctx, tx, companyID, contractID, ErrContractNotFound)
			if err != nil {
				return err
			}
			if c.DaysOverdue != s.DaysOverdue || !c.LateFineAmount.Equal(s.LateFee) {
				c.DaysOverdue = s.DaysOverdue
				c.LateFineAmount = s.LateFee
				c.UpdatedAt = l.now()
				if err := tx.UpdateContract(ctx, c); err != nil {
					return storeErr(err, ErrContractNotFound)
				}
			}

			schedules, err := tx.ListSchedules(ctx, contractID)
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}
			for _, ps := range schedules {
				line := EvaluateScheduleLine(ps, l.now(), l.lateFees)
				if line.Status != models.ScheduleOverdue || ps.Status == models.ScheduleOverdue {
					continue
				}
				ps.Status = models.ScheduleOverdue
				if err := tx.UpdateSchedule(ctx, ps); err != nil {
					return fmt.Errorf("failed to update schedule %s: %w", ps.ID, err)
				}
			}
			status = s
			return nil
		})
	})
	if err != nil {
		return nil, opError(op, err, contractID.String())
	}
	return status, nil
}

// SweepResult summarises one overdue sweep over a company.
type SweepResult struct {
	CompanyID     uuid.UUID     `json:"company_id"`
	Contracts     int           `json:"contracts"`
	Overdue       int           `json:"overdue"`
	Errors        int           `json:"errors"`
	ErrorMessages []string      `json:"error_messages"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Err returns ErrPartialBatchFailure when any contract failed.
func (r *SweepResult) Err() error {
	if r.Errors > 0 {
		return fmt.Errorf("%w: %d of %d contracts failed: %s", ErrPartialBatchFailure, r.Errors, r.Contracts, strings.Join(r.ErrorMessages, "; "))
	}
	return nil
}

// SweepOverdue refreshes every active contract of a company. A failing
// contract is recorded in the result and does not stop the others; the
// returned error is non-nil only when the contracts cannot be listed or ctx
// ends.
func (l *Ledger) SweepOverdue(ctx context.Context, companyID uuid.UUID) (*SweepResult, error) {
	const op = "SweepOverdue"
	started := time.Now()
	contracts, err := l.storage.ListContracts(ctx, companyID)
	if err != nil {
		return nil, opError(op, fmt.Errorf("failed to list contracts: %w", err), companyID.String())
	}

	result := &SweepResult{CompanyID: companyID, ErrorMessages: []string{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, c := range contracts {
		if c.Status != models.ContractStatusActive {
			continue
		}
		result.Contracts++
		contractID := c.ID
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			status, err := l.RefreshOverdue(gctx, companyID, contractID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("contract %s: %v", contractID, err))
				l.log.Warn().Err(err).Str("contract_id", contractID.String()).Msg("Overdue refresh failed")
				return nil
			}
			if status.IsOverdue {
				result.Overdue++
			}
			return nil
		})
	}
	err = g.Wait()
	result.Elapsed = time.Since(started)
	if err != nil {
		return result, opError(op, err, companyID.String())
	}

	l.log.Info().
		Str("company_id", companyID.String()).
		Int("contracts", result.Contracts).
		Int("overdue", result.Overdue).
		Int("errors", result.Errors).
		Dur("elapsed", result.Elapsed).
		Msg("Overdue sweep finished")
	return result, nil
}

// AssessLateFine prices the lateness of a payment made after its due date.
// A waived fine is left as it is.
func (l *Ledger) AssessLateFine(ctx context.Context, companyID, paymentID uuid.UUID) (*models.Payment, error) {
	const op = "AssessLateFine"
	var out *models.Payment
	err := l.storage.InTx(ctx, func(tx store.Tx) error {
		p, err := loadPayment(ctx, tx, companyID, paymentID)
		if err != nil {
			return err
		}
		out = p
		if p.LateFineStatus == models.LateFineWaived || p.LateFineStatus == models.LateFinePaid {
			return nil
		}

		days := 0
		if p.DueDate != nil {
			days = max(0, models.DaysBetween(*p.DueDate, p.PaymentDate))
		}
		fee := l.lateFees.LateFee(days)
		p.LateFineDaysOverdue = days
		p.LateFineAmount = fee
		p.LateFineStatus = models.LateFineNone
		if fee.IsPositive() {
			p.LateFineStatus = models.LateFinePending
		}
		p.UpdatedAt = l.now()
		return storeErr(tx.UpdatePayment(ctx, p), ErrPaymentNotFound)
	})
	if err != nil {
		return nil, opError(op, err, paymentID.String())
	}
	return out, nil
}

// WaiveLateFine clears a payment's fine and records why.
func (l *Ledger) WaiveLateFine(ctx context.Context, companyID, paymentID uuid.UUID, reason string) (*models.Payment, error) {
	const op = "WaiveLateFine"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, opError(op, ErrWaiverReasonNeeded, paymentID.String())
	}
	var out *models.Payment
	err := l.storage.InTx(ctx, func(tx store.Tx) error {
		p, err := loadPayment(ctx, tx, companyID, paymentID)
		if err != nil {
			return err
		}
		p.LateFineAmount = decimal.Zero
		p.LateFineStatus = models.LateFineWaived
		p.LateFineWaiverReason = reason
		p.UpdatedAt = l.now()
		out = p
		return storeErr(tx.UpdatePayment(ctx, p), ErrPaymentNotFound)
	})
	if err != nil {
		return nil, opError(op, err, paymentID.String())
	}
	l.log.Info().Str("payment_id", paymentID.String()).Str("reason", reason).Msg("Late fine waived")
	return out, nil
}

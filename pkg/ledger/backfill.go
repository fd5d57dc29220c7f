package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
)

// BackfillResult reports one backfill run. Errors counts failed contract
// groups; their payments stay unlinked and are picked up by the next run.
type BackfillResult struct {
	CompanyID      uuid.UUID     `json:"company_id"`
	TotalProcessed int           `json:"total_processed"`
	Created        int           `json:"created"`
	Skipped        int           `json:"skipped"`
	Errors         int           `json:"errors"`
	ErrorMessages  []string      `json:"error_messages"`
	Elapsed        time.Duration `json:"elapsed"`
	StartedAt      time.Time     `json:"started_at"`
}

// Err returns ErrPartialBatchFailure when any group failed.
func (r *BackfillResult) Err() error {
	if r.Errors > 0 {
		return fmt.Errorf("%w: %d contract groups failed: %s", ErrPartialBatchFailure, r.Errors, strings.Join(r.ErrorMessages, "; "))
	}
	return nil
}

type backfillGroup struct {
	contractID uuid.UUID
	paymentIDs []uuid.UUID
}

// BackfillInvoices creates the missing billing-period invoices for every
// contract that has payments without an invoice, then settles those payments
// against them. Each contract group commits on its own; running it again
// creates nothing new.
func (l *Ledger) BackfillInvoices(ctx context.Context, companyID uuid.UUID) (*BackfillResult, error) {
	const op = "BackfillInvoices"
	started := time.Now()
	result := &BackfillResult{CompanyID: companyID, ErrorMessages: []string{}, StartedAt: l.now()}

	payments, err := l.storage.ListPayments(ctx, store.PaymentFilter{
		CompanyID:      companyID,
		WithoutInvoice: true,
		WithContract:   true,
	})
	if err != nil {
		return nil, opError(op, fmt.Errorf("failed to list unlinked payments: %w", err), companyID.String())
	}

	for _, g := range groupByContract(payments) {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(started)
			return result, opError(op, err, companyID.String())
		}
		result.TotalProcessed += len(g.paymentIDs)

		var created, skipped int
		err := l.withRetry(ctx, op, func() error {
			return l.storage.InTx(ctx, func(tx store.Tx) error {
				var err error
				created, skipped, err = l.backfillGroupTx(ctx, tx, companyID, g)
				return err
			})
		})
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, fmt.Sprintf("contract %s: %v", g.contractID, err))
			l.log.Warn().Err(err).Str("contract_id", g.contractID.String()).Int("payments", len(g.paymentIDs)).Msg("Backfill group failed")
			continue
		}
		result.Created += created
		result.Skipped += skipped
	}

	result.Elapsed = time.Since(started)
	l.log.Info().
		Str("company_id", companyID.String()).
		Int("processed", result.TotalProcessed).
		Int("created", result.Created).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Dur("elapsed", result.Elapsed).
		Msg("Invoice backfill finished")
	return result, nil
}

func groupByContract(payments []*models.Payment) []backfillGroup {
	index := map[uuid.UUID]int{}
	var groups []backfillGroup
	for _, p := range payments {
		if p.ContractID == nil {
			continue
		}
		i, ok := index[*p.ContractID]
		if !ok {
			i = len(groups)
			index[*p.ContractID] = i
			groups = append(groups, backfillGroup{contractID: *p.ContractID})
		}
		groups[i].paymentIDs = append(groups[i].paymentIDs, p.ID)
	}
	return groups
}

// backfillGroupTx does the existence check and the inserts for one contract
// inside tx. A cancelled invoice still occupies its billing period, so the
// period is neither recreated nor settled into.
func (l *Ledger) backfillGroupTx(ctx context.Context, tx store.Tx, companyID uuid.UUID, g backfillGroup) (created, skipped int, err error) {
	c, err := loadContract(ctx, tx, companyID, g.contractID, ErrContractNotFound)
	if err != nil {
		return 0, 0, err
	}
	if c.Status == models.ContractStatusCancelled {
		return 0, len(g.paymentIDs), nil
	}
	existing, err := tx.ListInvoices(ctx, store.InvoiceFilter{CompanyID: companyID, ContractID: &c.ID})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list contract invoices: %w", err)
	}
	byPeriod := map[int]*models.Invoice{}
	for _, inv := range existing {
		period := c.PeriodOf(inv.InvoiceDate)
		if inv.BillingPeriod != nil {
			period = *inv.BillingPeriod
		}
		if cur, taken := byPeriod[period]; !taken || cur.Status == models.InvoiceStatusCancelled {
			byPeriod[period] = inv
		}
	}

	var payments []*models.Payment
	for _, id := range g.paymentIDs {
		p, err := loadPayment(ctx, tx, companyID, id)
		if err != nil {
			return 0, 0, err
		}
		payments = append(payments, p)
	}

	periods := l.elapsedPeriods(c)
	for _, p := range payments {
		periods = max(periods, c.PeriodOf(p.PaymentDate)+1)
	}
	now := l.now()
	for n := 0; n < periods; n++ {
		if _, ok := byPeriod[n]; ok {
			continue
		}
		inv := periodInvoice(c, n, now)
		err := tx.CreateInvoice(ctx, inv)
		if errors.Is(err, store.ErrDuplicate) {
			// Another contract already uses the number.
			inv.InvoiceNumber = fmt.Sprintf("%s-%s", inv.InvoiceNumber, c.ID.String()[:8])
			err = tx.CreateInvoice(ctx, inv)
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to create period %d invoice: %w", n, err)
		}
		byPeriod[n] = inv
		created++
	}

	for _, p := range payments {
		linked, err := l.settleIntoPeriods(ctx, tx, c, p, byPeriod)
		if err != nil {
			return 0, 0, err
		}
		if !linked {
			skipped++
		}
	}
	return created, skipped, nil
}

// elapsedPeriods counts the billing periods that have started by now,
// bounded by the contract length when it is known.
func (l *Ledger) elapsedPeriods(c *models.Contract) int {
	days := models.DaysBetween(c.StartDate, l.now())
	if days < 0 {
		return 0
	}
	n := days/models.BillingPeriodDays + 1
	if total := c.Periods(); total > 0 && n > total {
		n = total
	}
	return n
}

func periodInvoice(c *models.Contract, n int, now time.Time) *models.Invoice {
	ref := c.ContractNumber
	if ref == "" {
		ref = c.ID.String()[:8]
	}
	start := c.PeriodStart(n)
	period := n
	contractID := c.ID
	inv := &models.Invoice{
		ID:             uuid.New(),
		CompanyID:      c.CompanyID,
		CustomerID:     c.CustomerID,
		ContractID:     &contractID,
		InvoiceNumber:  fmt.Sprintf("INV-%s-%03d", ref, n+1),
		InvoiceDate:    start,
		DueDate:        start,
		Subtotal:       c.MonthlyAmount,
		TaxAmount:      decimal.Zero,
		DiscountAmount: decimal.Zero,
		TotalAmount:    c.MonthlyAmount,
		Status:         models.InvoiceStatusSent,
		BillingPeriod:  &period,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	settleInvoice(inv, decimal.Zero)
	return inv
}

// settleIntoPeriods applies a payment to the invoice of its own billing
// period and spills any remainder into later periods, then earlier ones. It
// reports whether the payment ended up linked to an invoice.
func (l *Ledger) settleIntoPeriods(ctx context.Context, tx store.Tx, c *models.Contract, p *models.Payment, byPeriod map[int]*models.Invoice) (bool, error) {
	if p.InvoiceID != nil {
		return true, nil
	}
	if !p.IsReceipt() || !p.Unallocated().IsPositive() {
		return false, nil
	}

	periods := make([]int, 0, len(byPeriod))
	for n := range byPeriod {
		periods = append(periods, n)
	}
	home := c.PeriodOf(p.PaymentDate)
	sort.Slice(periods, func(i, j int) bool {
		a, b := periods[i], periods[j]
		if (a >= home) != (b >= home) {
			return a >= home
		}
		return a < b
	})

	linked := false
	for _, n := range periods {
		inv, err := tx.GetInvoice(ctx, byPeriod[n].ID)
		if err != nil {
			return false, storeErr(err, ErrTargetNotFound)
		}
		if inv.Status == models.InvoiceStatusCancelled || !inv.BalanceDue.IsPositive() {
			continue
		}
		r, err := l.settleTx(ctx, tx, settleRequest{
			companyID: c.CompanyID,
			paymentID: p.ID,
			target:    models.Target{Type: models.TargetInvoice, ID: inv.ID},
		})
		if err != nil {
			return false, err
		}
		linked = true
		if !r.Unallocated.IsPositive() {
			break
		}
	}
	return linked, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultMaxRetries = 3

// Ledger handles payment reconciliation and invoice settlement for all tenants.
type Ledger struct {
	storage    store.Storage
	matching   MatchingConfig
	lateFees   LateFeePolicy
	maxRetries int
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMatchingConfig replaces the default matching tolerances.
func WithMatchingConfig(cfg MatchingConfig) Option {
	return func(l *Ledger) {
		l.matching = cfg
	}
}

// WithLateFeePolicy replaces the default late-fee policy.
func WithLateFeePolicy(p LateFeePolicy) Option {
	return func(l *Ledger) {
		l.lateFees = p
	}
}

// WithMaxRetries bounds the attempts made after a lost optimistic update.
// Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 1 {
			l.maxRetries = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:    s,
		matching:   DefaultMatchingConfig(),
		lateFees:   DefaultLateFeePolicy(),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
		log:        logger.WithComponent("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// withRetry re-runs fn while it fails with ErrConcurrentModification.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		l.log.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("Optimistic update lost, retrying")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func loadPayment(ctx context.Context, tx store.Tx, companyID, id uuid.UUID) (*models.Payment, error) {
	p, err := tx.GetPayment(ctx, id)
	if err != nil {
		return nil, storeErr(err, ErrPaymentNotFound)
	}
	if p.CompanyID != companyID {
		return nil, ErrCrossTenant
	}
	return p, nil
}

func loadInvoice(ctx context.Context, tx store.Tx, companyID, id uuid.UUID, notFound error) (*models.Invoice, error) {
	inv, err := tx.GetInvoice(ctx, id)
	if err != nil {
		return nil, storeErr(err, notFound)
	}
	if inv.CompanyID != companyID {
		return nil, ErrCrossTenant
	}
	return inv, nil
}

func loadContract(ctx context.Context, tx store.Tx, companyID, id uuid.UUID, notFound error) (*models.Contract, error) {
	c, err := tx.GetContract(ctx, id)
	if err != nil {
		return nil, storeErr(err, notFound)
	}
	if c.CompanyID != companyID {
		return nil, ErrCrossTenant
	}
	return c, nil
}

// CreatePayment records a received or disbursed payment. Payments always
// start unallocated; links to invoices are made by the settlement operations.
func (l *Ledger) CreatePayment(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	const op = "CreatePayment"
	if !p.Amount.IsPositive() {
		return nil, opError(op, ErrInvalidAmount, p.Amount.String())
	}
	if p.ContractID != nil {
		c, err := loadContract(ctx, l.storage, p.CompanyID, *p.ContractID, ErrContractNotFound)
		if err != nil {
			return nil, opError(op, err, p.ContractID.String())
		}
		if p.CustomerID == nil {
			customerID := c.CustomerID
			p.CustomerID = &customerID
		}
	}

	now := l.now()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PaymentDate.IsZero() {
		p.PaymentDate = now
	}
	if p.PaymentType == "" {
		p.PaymentType = models.PaymentTypeRegular
	}
	if p.TransactionType == "" {
		p.TransactionType = models.TransactionTypeIncome
	}
	if p.Status == "" {
		p.Status = models.PaymentRecordCompleted
	}
	if p.LateFineStatus == "" {
		p.LateFineStatus = models.LateFineNone
	}
	p.InvoiceID = nil
	p.AllocatedAmount = decimal.Zero
	p.AllocationStatus = models.AllocationUnallocated
	p.LinkingConfidence = nil
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := l.storage.CreatePayment(ctx, p); err != nil {
		return nil, opError(op, fmt.Errorf("failed to store payment: %w", err), p.ID.String())
	}
	l.log.Debug().Str("payment_id", p.ID.String()).Str("amount", p.Amount.StringFixed(2)).Msg("Payment recorded")
	return p, nil
}

// CreateInvoice stores a new invoice. The total is subtotal + tax - discount
// and is fixed from here on.
func (l *Ledger) CreateInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, error) {
	const op = "CreateInvoice"
	inv.TotalAmount = inv.Subtotal.Add(inv.TaxAmount).Sub(inv.DiscountAmount)
	if inv.TotalAmount.IsNegative() {
		return nil, opError(op, ErrInvalidAmount, inv.TotalAmount.String())
	}
	if inv.InvoiceNumber == "" {
		return nil, opError(op, errors.New("invoice number is required"), "")
	}
	if inv.ContractID != nil {
		if _, err := loadContract(ctx, l.storage, inv.CompanyID, *inv.ContractID, ErrContractNotFound); err != nil {
			return nil, opError(op, err, inv.ContractID.String())
		}
	}

	now := l.now()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.InvoiceDate.IsZero() {
		inv.InvoiceDate = now
	}
	if inv.DueDate.IsZero() {
		inv.DueDate = inv.InvoiceDate
	}
	if inv.Status == "" {
		inv.Status = models.InvoiceStatusSent
	}
	settleInvoice(inv, decimal.Zero)
	inv.Version = 0
	inv.CreatedAt = now
	inv.UpdatedAt = now

	if err := l.storage.CreateInvoice(ctx, inv); err != nil {
		return nil, opError(op, fmt.Errorf("failed to store invoice: %w", err), inv.InvoiceNumber)
	}
	return inv, nil
}

// CreateContract stores a new billing agreement with its derived balance.
func (l *Ledger) CreateContract(ctx context.Context, c *models.Contract) (*models.Contract, error) {
	const op = "CreateContract"
	if !c.MonthlyAmount.IsPositive() {
		return nil, opError(op, ErrInvalidAmount, c.MonthlyAmount.String())
	}
	now := l.now()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ContractStatusActive
	}
	settleContract(c, decimal.Zero)
	c.LastPaymentDate = nil
	c.Version = 0
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := l.storage.CreateContract(ctx, c); err != nil {
		return nil, opError(op, fmt.Errorf("failed to store contract: %w", err), c.ID.String())
	}
	return c, nil
}

// CreateSchedule adds an installment line to a contract's payment plan.
func (l *Ledger) CreateSchedule(ctx context.Context, companyID uuid.UUID, ps *models.PaymentSchedule) (*models.PaymentSchedule, error) {
	const op = "CreateSchedule"
	if !ps.Amount.IsPositive() {
		return nil, opError(op, ErrInvalidAmount, ps.Amount.String())
	}
	if _, err := loadContract(ctx, l.storage, companyID, ps.ContractID, ErrContractNotFound); err != nil {
		return nil, opError(op, err, ps.ContractID.String())
	}
	if ps.ID == uuid.Nil {
		ps.ID = uuid.New()
	}
	if ps.Status == "" {
		ps.Status = models.SchedulePending
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = l.now()
	}
	if err := l.storage.CreateSchedule(ctx, ps); err != nil {
		return nil, opError(op, fmt.Errorf("failed to store schedule: %w", err), ps.ID.String())
	}
	return ps, nil
}

// GetPayment retrieves a payment of the given company.
func (l *Ledger) GetPayment(ctx context.Context, companyID, id uuid.UUID) (*models.Payment, error) {
	p, err := loadPayment(ctx, l.storage, companyID, id)
	return p, opError("GetPayment", err, id.String())
}

// GetInvoice retrieves an invoice of the given company.
func (l *Ledger) GetInvoice(ctx context.Context, companyID, id uuid.UUID) (*models.Invoice, error) {
	inv, err := loadInvoice(ctx, l.storage, companyID, id, ErrTargetNotFound)
	return inv, opError("GetInvoice", err, id.String())
}

// GetContract retrieves a contract of the given company.
func (l *Ledger) GetContract(ctx context.Context, companyID, id uuid.UUID) (*models.Contract, error) {
	c, err := loadContract(ctx, l.storage, companyID, id, ErrContractNotFound)
	return c, opError("GetContract", err, id.String())
}

// ListOverpaidInvoices returns the company's invoices whose paid amount
// exceeds their total. Overpayments are kept as recorded, never clamped.
func (l *Ledger) ListOverpaidInvoices(ctx context.Context, companyID uuid.UUID) ([]*models.Invoice, error) {
	invoices, err := l.storage.ListInvoices(ctx, store.InvoiceFilter{
		CompanyID: companyID,
		Statuses:  []models.PaymentStatus{models.PaymentStatusPaid},
	})
	if err != nil {
		return nil, opError("ListOverpaidInvoices", err, companyID.String())
	}
	overpaid := []*models.Invoice{}
	for _, inv := range invoices {
		if inv.Overpaid() {
			overpaid = append(overpaid, inv)
		}
	}
	return overpaid, nil
}

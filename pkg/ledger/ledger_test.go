package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewLedger(s, opts...), s
}

// conflictStore makes the first conflicts transactions lose their invoice
// update, as if another writer got there first.
type conflictStore struct {
	*store.MemoryStore
	conflicts int
	attempts  int
}

type conflictTx struct {
	store.Tx
}

func (conflictTx) UpdateInvoice(context.Context, *models.Invoice) error {
	return fmt.Errorf("injected: %w", store.ErrVersionConflict)
}

func (s *conflictStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.attempts++
	return s.MemoryStore.InTx(ctx, func(tx store.Tx) error {
		if s.conflicts > 0 {
			s.conflicts--
			return fn(conflictTx{tx})
		}
		return fn(tx)
	})
}

type tenant struct {
	company  uuid.UUID
	customer uuid.UUID
}

func newTenant() tenant {
	return tenant{company: uuid.New(), customer: uuid.New()}
}

func mustContract(t *testing.T, l *Ledger, tn tenant, start time.Time, monthly string) *models.Contract {
	t.Helper()
	c, err := l.CreateContract(context.Background(), &models.Contract{
		CompanyID:      tn.company,
		CustomerID:     tn.customer,
		ContractNumber: "C-" + uuid.NewString()[:4],
		StartDate:      start,
		EndDate:        start.AddDate(0, 0, 360),
		MonthlyAmount:  dec(monthly),
	})
	require.NoError(t, err)
	return c
}

func mustInvoice(t *testing.T, l *Ledger, tn tenant, contractID *uuid.UUID, total string, due time.Time) *models.Invoice {
	t.Helper()
	inv, err := l.CreateInvoice(context.Background(), &models.Invoice{
		CompanyID:     tn.company,
		CustomerID:    tn.customer,
		ContractID:    contractID,
		InvoiceNumber: "INV-" + uuid.NewString()[:8],
		InvoiceDate:   due,
		DueDate:       due,
		Subtotal:      dec(total),
	})
	require.NoError(t, err)
	return inv
}

func mustPayment(t *testing.T, l *Ledger, tn tenant, contractID *uuid.UUID, amount string, date time.Time) *models.Payment {
	t.Helper()
	customer := tn.customer
	p, err := l.CreatePayment(context.Background(), &models.Payment{
		CompanyID:   tn.company,
		CustomerID:  &customer,
		ContractID:  contractID,
		Amount:      dec(amount),
		PaymentDate: date,
	})
	require.NoError(t, err)
	return p
}

// assertConserved checks that an invoice's paid amount equals the sum of the
// allocations pointing at it.
func assertConserved(t *testing.T, s store.Storage, invoiceID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	inv, err := s.GetInvoice(ctx, invoiceID)
	require.NoError(t, err)
	allocations, err := s.ListAllocationsForTarget(ctx, models.TargetInvoice, invoiceID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, a := range allocations {
		sum = sum.Add(a.Amount)
	}
	assert.True(t, inv.PaidAmount.Equal(sum), "paid %s, allocations %s", inv.PaidAmount, sum)
}

func TestCreatePayment(t *testing.T) {
	l, _ := newTestLedger(t)
	tn := newTenant()
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		p := mustPayment(t, l, tn, nil, "250.00", time.Time{})
		assert.Equal(t, models.AllocationUnallocated, p.AllocationStatus)
		assert.Equal(t, models.PaymentRecordCompleted, p.Status)
		assert.Equal(t, models.TransactionTypeIncome, p.TransactionType)
		assert.Equal(t, models.PaymentTypeRegular, p.PaymentType)
		assert.Equal(t, models.LateFineNone, p.LateFineStatus)
		assert.Equal(t, testNow, p.PaymentDate)
		assert.Nil(t, p.LinkingConfidence)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		for _, amount := range []string{"0", "-10"} {
			_, err := l.CreatePayment(ctx, &models.Payment{CompanyID: tn.company, Amount: dec(amount)})
			assert.ErrorIs(t, err, ErrInvalidAmount)
		}
	})

	t.Run("takes the customer from the contract", func(t *testing.T) {
		c := mustContract(t, l, tn, testNow, "500")
		p, err := l.CreatePayment(ctx, &models.Payment{CompanyID: tn.company, ContractID: &c.ID, Amount: dec("500")})
		require.NoError(t, err)
		require.NotNil(t, p.CustomerID)
		assert.Equal(t, tn.customer, *p.CustomerID)
	})

	t.Run("rejects another company's contract", func(t *testing.T) {
		c := mustContract(t, l, newTenant(), testNow, "500")
		_, err := l.CreatePayment(ctx, &models.Payment{CompanyID: tn.company, ContractID: &c.ID, Amount: dec("500")})
		assert.ErrorIs(t, err, ErrCrossTenant)
	})
}

func TestCreateInvoice(t *testing.T) {
	l, _ := newTestLedger(t)
	tn := newTenant()
	ctx := context.Background()

	inv, err := l.CreateInvoice(ctx, &models.Invoice{
		CompanyID:      tn.company,
		CustomerID:     tn.customer,
		InvoiceNumber:  "INV-1",
		Subtotal:       dec("1000"),
		TaxAmount:      dec("150"),
		DiscountAmount: dec("50"),
	})
	require.NoError(t, err)
	assert.True(t, inv.TotalAmount.Equal(dec("1100")))
	assert.True(t, inv.BalanceDue.Equal(dec("1100")))
	assert.Equal(t, models.PaymentStatusUnpaid, inv.PaymentStatus)
	assert.Equal(t, models.InvoiceStatusSent, inv.Status)

	_, err = l.CreateInvoice(ctx, &models.Invoice{CompanyID: tn.company, CustomerID: tn.customer, InvoiceNumber: "INV-1", Subtotal: dec("10")})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = l.CreateInvoice(ctx, &models.Invoice{CompanyID: tn.company, InvoiceNumber: "INV-2", Subtotal: dec("10"), DiscountAmount: dec("20")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateContract(t *testing.T) {
	l, _ := newTestLedger(t)
	c := mustContract(t, l, newTenant(), testNow, "1000")

	// 360 days are 12 billing periods.
	assert.True(t, c.BalanceDue.Equal(dec("12000")))
	assert.Equal(t, models.PaymentStatusUnpaid, c.PaymentStatus)
	assert.Equal(t, models.ContractStatusActive, c.Status)

	_, err := l.CreateContract(context.Background(), &models.Contract{CompanyID: uuid.New(), MonthlyAmount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGetters(t *testing.T) {
	l, _ := newTestLedger(t)
	tn := newTenant()
	ctx := context.Background()
	p := mustPayment(t, l, tn, nil, "10", testNow)

	got, err := l.GetPayment(ctx, tn.company, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = l.GetPayment(ctx, uuid.New(), p.ID)
	assert.ErrorIs(t, err, ErrCrossTenant)

	_, err = l.GetInvoice(ctx, tn.company, uuid.New())
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.GetContract(ctx, tn.company, uuid.New())
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestOperationError(t *testing.T) {
	err := opError("MatchPayment", ErrAlreadyAllocated, "p1")
	assert.EqualError(t, err, "ledger: MatchPayment failed: p1: payment already allocated")

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "MatchPayment", opErr.Op)

	// Already wrapped errors keep their original operation.
	assert.Same(t, err, opError("settle", err, "other"))
	assert.NoError(t, opError("noop", nil, ""))

	conflict := storeErr(store.ErrVersionConflict, nil)
	assert.ErrorIs(t, conflict, ErrConcurrentModification)
	assert.True(t, IsRetryable(conflict))
}

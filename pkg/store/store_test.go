package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// forEachStore runs fn against a fresh SQLite database and a MemoryStore.
func forEachStore(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func newContract(companyID uuid.UUID) *models.Contract {
	return &models.Contract{
		ID:             uuid.New(),
		CompanyID:      companyID,
		CustomerID:     uuid.New(),
		ContractNumber: "C-1",
		StartDate:      storeNow,
		EndDate:        storeNow.AddDate(0, 0, 90),
		MonthlyAmount:  decimal.NewFromInt(1000),
		TotalPaid:      decimal.Zero,
		BalanceDue:     decimal.NewFromInt(3000),
		PaymentStatus:  models.PaymentStatusUnpaid,
		LateFineAmount: decimal.Zero,
		Status:         models.ContractStatusActive,
		CreatedAt:      storeNow,
		UpdatedAt:      storeNow,
	}
}

func newInvoice(companyID uuid.UUID, contractID *uuid.UUID, number string) *models.Invoice {
	return &models.Invoice{
		ID:             uuid.New(),
		CompanyID:      companyID,
		CustomerID:     uuid.New(),
		ContractID:     contractID,
		InvoiceNumber:  number,
		InvoiceDate:    storeNow,
		DueDate:        storeNow.AddDate(0, 0, 14),
		Subtotal:       decimal.NewFromInt(1000),
		TaxAmount:      decimal.Zero,
		DiscountAmount: decimal.Zero,
		TotalAmount:    decimal.NewFromInt(1000),
		PaidAmount:     decimal.Zero,
		BalanceDue:     decimal.NewFromInt(1000),
		PaymentStatus:  models.PaymentStatusUnpaid,
		Status:         models.InvoiceStatusSent,
		CreatedAt:      storeNow,
		UpdatedAt:      storeNow,
	}
}

func newPayment(companyID uuid.UUID, contractID *uuid.UUID, amount int64) *models.Payment {
	return &models.Payment{
		ID:               uuid.New(),
		CompanyID:        companyID,
		ContractID:       contractID,
		Amount:           decimal.NewFromInt(amount),
		AllocatedAmount:  decimal.Zero,
		PaymentDate:      storeNow,
		PaymentType:      models.PaymentTypeRegular,
		TransactionType:  models.TransactionTypeIncome,
		Status:           models.PaymentRecordCompleted,
		AllocationStatus: models.AllocationUnallocated,
		LateFineAmount:   decimal.Zero,
		LateFineStatus:   models.LateFineNone,
		CreatedAt:        storeNow,
		UpdatedAt:        storeNow,
	}
}

func TestStore_PaymentRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		company := uuid.New()
		c := newContract(company)
		require.NoError(t, s.CreateContract(ctx, c))

		p := newPayment(company, &c.ID, 1250)
		p.Amount = decimal.RequireFromString("1250.75")
		due := storeNow.AddDate(0, 0, -3)
		p.DueDate = &due
		confidence := 85
		p.LinkingConfidence = &confidence
		require.NoError(t, s.CreatePayment(ctx, p))

		got, err := s.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(p.Amount), "amount %s", got.Amount)
		assert.True(t, got.PaymentDate.Equal(storeNow))
		require.NotNil(t, got.DueDate)
		assert.True(t, got.DueDate.Equal(due))
		require.NotNil(t, got.ContractID)
		assert.Equal(t, c.ID, *got.ContractID)
		assert.Nil(t, got.InvoiceID)
		assert.Nil(t, got.CustomerID)
		require.NotNil(t, got.LinkingConfidence)
		assert.Equal(t, 85, *got.LinkingConfidence)
		assert.Equal(t, models.AllocationUnallocated, got.AllocationStatus)

		inv := newInvoice(company, &c.ID, "INV-1")
		require.NoError(t, s.CreateInvoice(ctx, inv))
		got.InvoiceID = &inv.ID
		got.AllocatedAmount = got.Amount
		got.AllocationStatus = models.AllocationAllocated
		require.NoError(t, s.UpdatePayment(ctx, got))

		again, err := s.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, again.InvoiceID)
		assert.Equal(t, inv.ID, *again.InvoiceID)
		assert.Equal(t, models.AllocationAllocated, again.AllocationStatus)

		_, err = s.GetPayment(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListPaymentsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		company := uuid.New()
		c := newContract(company)
		require.NoError(t, s.CreateContract(ctx, c))
		inv := newInvoice(company, nil, "INV-7")
		require.NoError(t, s.CreateInvoice(ctx, inv))

		loose := newPayment(company, nil, 10)
		onContract := newPayment(company, &c.ID, 20)
		onContract.PaymentDate = storeNow.AddDate(0, 0, -1)
		linked := newPayment(company, &c.ID, 30)
		linked.InvoiceID = &inv.ID
		foreign := newPayment(uuid.New(), nil, 40)
		for _, p := range []*models.Payment{loose, onContract, linked, foreign} {
			require.NoError(t, s.CreatePayment(ctx, p))
		}

		all, err := s.ListPayments(ctx, PaymentFilter{CompanyID: company})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, onContract.ID, all[0].ID, "oldest payment first")

		unlinked, err := s.ListPayments(ctx, PaymentFilter{CompanyID: company, WithoutInvoice: true, WithContract: true})
		require.NoError(t, err)
		require.Len(t, unlinked, 1)
		assert.Equal(t, onContract.ID, unlinked[0].ID)

		byContract, err := s.ListPayments(ctx, PaymentFilter{CompanyID: company, ContractID: &c.ID})
		require.NoError(t, err)
		assert.Len(t, byContract, 2)
	})
}

func TestStore_InvoiceVersionConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		inv := newInvoice(uuid.New(), nil, "INV-2")
		require.NoError(t, s.CreateInvoice(ctx, inv))

		first, err := s.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		stale, err := s.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)

		first.PaidAmount = decimal.NewFromInt(400)
		first.BalanceDue = decimal.NewFromInt(600)
		first.PaymentStatus = models.PaymentStatusPartial
		require.NoError(t, s.UpdateInvoice(ctx, first))
		assert.Equal(t, 1, first.Version)

		stale.PaidAmount = decimal.NewFromInt(1000)
		err = s.UpdateInvoice(ctx, stale)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := s.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(400)))
		assert.Equal(t, 1, got.Version)

		missing := newInvoice(inv.CompanyID, nil, "INV-404")
		assert.ErrorIs(t, s.UpdateInvoice(ctx, missing), ErrNotFound)
	})
}

func TestStore_ContractVersionConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		c := newContract(uuid.New())
		c.ContractAmount = decimal.NewNullDecimal(decimal.NewFromInt(3000))
		require.NoError(t, s.CreateContract(ctx, c))

		got, err := s.GetContract(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.ContractAmount.Valid)
		assert.True(t, got.ContractAmount.Decimal.Equal(decimal.NewFromInt(3000)))
		assert.Nil(t, got.LastPaymentDate)

		paidAt := storeNow.AddDate(0, 0, 5)
		got.TotalPaid = decimal.NewFromInt(1000)
		got.LastPaymentDate = &paidAt
		got.DaysOverdue = 4
		require.NoError(t, s.UpdateContract(ctx, got))

		c.TotalPaid = decimal.NewFromInt(5)
		assert.ErrorIs(t, s.UpdateContract(ctx, c), ErrVersionConflict)

		stored, err := s.GetContract(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, stored.TotalPaid.Equal(decimal.NewFromInt(1000)))
		require.NotNil(t, stored.LastPaymentDate)
		assert.True(t, stored.LastPaymentDate.Equal(paidAt))
		assert.Equal(t, 4, stored.DaysOverdue)
	})
}

func TestStore_DuplicateInvoices(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		company := uuid.New()
		c := newContract(company)
		require.NoError(t, s.CreateContract(ctx, c))

		require.NoError(t, s.CreateInvoice(ctx, newInvoice(company, nil, "INV-9")))
		assert.ErrorIs(t, s.CreateInvoice(ctx, newInvoice(company, nil, "INV-9")), ErrDuplicate)
		// Numbers are unique per company only.
		require.NoError(t, s.CreateInvoice(ctx, newInvoice(uuid.New(), nil, "INV-9")))

		period := 0
		first := newInvoice(company, &c.ID, "INV-C-001")
		first.BillingPeriod = &period
		require.NoError(t, s.CreateInvoice(ctx, first))
		second := newInvoice(company, &c.ID, "INV-C-001-bis")
		second.BillingPeriod = &period
		assert.ErrorIs(t, s.CreateInvoice(ctx, second), ErrDuplicate)

		// Manual invoices on the same contract carry no period.
		require.NoError(t, s.CreateInvoice(ctx, newInvoice(company, &c.ID, "INV-manual")))

		got, err := s.GetInvoice(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BillingPeriod)
		assert.Equal(t, 0, *got.BillingPeriod)
	})
}

func TestStore_ListInvoicesFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		company := uuid.New()
		late := newInvoice(company, nil, "INV-late")
		late.DueDate = storeNow.AddDate(0, 1, 0)
		early := newInvoice(company, nil, "INV-early")
		paid := newInvoice(company, nil, "INV-paid")
		paid.PaymentStatus = models.PaymentStatusPaid
		for _, inv := range []*models.Invoice{late, early, paid} {
			require.NoError(t, s.CreateInvoice(ctx, inv))
		}

		open, err := s.ListInvoices(ctx, InvoiceFilter{
			CompanyID: company,
			Statuses:  []models.PaymentStatus{models.PaymentStatusUnpaid, models.PaymentStatusPartial},
		})
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, early.ID, open[0].ID)
		assert.Equal(t, late.ID, open[1].ID)

		customer := paid.CustomerID
		mine, err := s.ListInvoices(ctx, InvoiceFilter{CompanyID: company, CustomerID: &customer})
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, paid.ID, mine[0].ID)
	})
}

func TestStore_InTxRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		company := uuid.New()
		boom := errors.New("boom")

		c := newContract(company)
		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.CreateContract(ctx, c); err != nil {
				return err
			}
			if _, err := tx.GetContract(ctx, c.ID); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = s.GetContract(ctx, c.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.CreateContract(ctx, c)
		}))
		_, err = s.GetContract(ctx, c.ID)
		assert.NoError(t, err)
	})
}

func TestStore_Allocations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		company := uuid.New()
		inv := newInvoice(company, nil, "INV-3")
		require.NoError(t, s.CreateInvoice(ctx, inv))
		p := newPayment(company, nil, 500)
		require.NoError(t, s.CreatePayment(ctx, p))

		confidence := 90
		first := &models.Allocation{
			ID: uuid.New(), CompanyID: company, PaymentID: p.ID,
			TargetType: models.TargetInvoice, TargetID: inv.ID,
			Amount: decimal.NewFromInt(300), Confidence: &confidence, CreatedAt: storeNow,
		}
		second := &models.Allocation{
			ID: uuid.New(), CompanyID: company, PaymentID: p.ID,
			TargetType: models.TargetInvoice, TargetID: inv.ID,
			Amount: decimal.NewFromInt(200), SetsContract: true, CreatedAt: storeNow.Add(time.Second),
		}
		require.NoError(t, s.CreateAllocation(ctx, first))
		require.NoError(t, s.CreateAllocation(ctx, second))

		byPayment, err := s.ListAllocationsForPayment(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, byPayment, 2)
		assert.Equal(t, first.ID, byPayment[0].ID)
		require.NotNil(t, byPayment[0].Confidence)
		assert.Equal(t, 90, *byPayment[0].Confidence)
		assert.Nil(t, byPayment[1].Confidence)
		assert.False(t, byPayment[0].SetsContract)
		assert.True(t, byPayment[1].SetsContract)

		byTarget, err := s.ListAllocationsForTarget(ctx, models.TargetInvoice, inv.ID)
		require.NoError(t, err)
		assert.Len(t, byTarget, 2)
		none, err := s.ListAllocationsForTarget(ctx, models.TargetContract, inv.ID)
		require.NoError(t, err)
		assert.Empty(t, none)

		require.NoError(t, s.DeleteAllocation(ctx, first.ID))
		assert.ErrorIs(t, s.DeleteAllocation(ctx, first.ID), ErrNotFound)
		byPayment, err = s.ListAllocationsForPayment(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, byPayment, 1)
		assert.Equal(t, second.ID, byPayment[0].ID)
	})
}

func TestStore_Schedules(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		c := newContract(uuid.New())
		require.NoError(t, s.CreateContract(ctx, c))

		line := func(n int, created time.Time) *models.PaymentSchedule {
			return &models.PaymentSchedule{
				ID: uuid.New(), ContractID: c.ID, InstallmentNumber: n,
				DueDate: storeNow.AddDate(0, n, 0), Amount: decimal.NewFromInt(1000),
				Status: models.SchedulePending, PaidAmount: decimal.Zero, CreatedAt: created,
			}
		}
		second := line(2, storeNow)
		first := line(1, storeNow.Add(time.Minute))
		dup := line(1, storeNow.Add(2*time.Minute))
		for _, ps := range []*models.PaymentSchedule{second, dup, first} {
			require.NoError(t, s.CreateSchedule(ctx, ps))
		}

		rows, err := s.ListSchedules(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, []uuid.UUID{first.ID, dup.ID, second.ID}, []uuid.UUID{rows[0].ID, rows[1].ID, rows[2].ID})

		paidAt := storeNow.AddDate(0, 1, 0)
		first.Status = models.SchedulePaid
		first.PaidAmount = decimal.NewFromInt(1000)
		first.PaidDate = &paidAt
		require.NoError(t, s.UpdateSchedule(ctx, first))
		require.NoError(t, s.DeleteSchedule(ctx, dup.ID))
		assert.ErrorIs(t, s.DeleteSchedule(ctx, dup.ID), ErrNotFound)

		rows, err = s.ListSchedules(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, models.SchedulePaid, rows[0].Status)
		require.NotNil(t, rows[0].PaidDate)
		assert.True(t, rows[0].PaidDate.Equal(paidAt))
	})
}

func TestStore_ListContractsAndCompanies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		a, b := uuid.New(), uuid.New()
		later := newContract(a)
		later.StartDate = storeNow.AddDate(0, 1, 0)
		earlier := newContract(a)
		for _, c := range []*models.Contract{later, earlier, newContract(b)} {
			require.NoError(t, s.CreateContract(ctx, c))
		}

		contracts, err := s.ListContracts(ctx, a)
		require.NoError(t, err)
		require.Len(t, contracts, 2)
		assert.Equal(t, earlier.ID, contracts[0].ID)

		ids, err := s.ListCompanyIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
	})
}

func TestStore_DeleteInvoice(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		inv := newInvoice(uuid.New(), nil, "INV-del")
		require.NoError(t, s.CreateInvoice(ctx, inv))
		require.NoError(t, s.DeleteInvoice(ctx, inv.ID))
		_, err := s.GetInvoice(ctx, inv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeleteInvoice(ctx, inv.ID), ErrNotFound)
	})
}

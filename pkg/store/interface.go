package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic update loses against a
	// concurrent writer.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate is returned when an insert violates a uniqueness rule.
	ErrDuplicate = errors.New("duplicate row")
)

// PaymentFilter narrows ListPayments. Zero values are ignored.
type PaymentFilter struct {
	CompanyID      uuid.UUID
	ContractID     *uuid.UUID
	WithoutInvoice bool // invoice_id IS NULL
	WithContract   bool // contract_id IS NOT NULL
}

// InvoiceFilter narrows ListInvoices. Zero values are ignored.
type InvoiceFilter struct {
	CompanyID  uuid.UUID
	CustomerID *uuid.UUID
	ContractID *uuid.UUID
	Statuses   []models.PaymentStatus
}

// Tx is the set of ledger operations available inside and outside a transaction.
type Tx interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	DeletePayment(ctx context.Context, id uuid.UUID) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.Payment, error)

	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error)
	// UpdateInvoice writes the invoice only if its stored version equals
	// invoice.Version, then increments it.
	UpdateInvoice(ctx context.Context, invoice *models.Invoice) error
	DeleteInvoice(ctx context.Context, id uuid.UUID) error
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*models.Invoice, error)

	CreateContract(ctx context.Context, contract *models.Contract) error
	GetContract(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	// UpdateContract has the same version semantics as UpdateInvoice.
	UpdateContract(ctx context.Context, contract *models.Contract) error
	ListContracts(ctx context.Context, companyID uuid.UUID) ([]*models.Contract, error)
	ListCompanyIDs(ctx context.Context) ([]uuid.UUID, error)

	CreateAllocation(ctx context.Context, allocation *models.Allocation) error
	ListAllocationsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.Allocation, error)
	ListAllocationsForTarget(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Allocation, error)
	DeleteAllocation(ctx context.Context, id uuid.UUID) error

	CreateSchedule(ctx context.Context, schedule *models.PaymentSchedule) error
	ListSchedules(ctx context.Context, contractID uuid.UUID) ([]*models.PaymentSchedule, error)
	UpdateSchedule(ctx context.Context, schedule *models.PaymentSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
}

// Storage defines the interface for the ledger store.
type Storage interface {
	Tx

	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentType string

const (
	PaymentTypeAdvance PaymentType = "advance"
	PaymentTypeRegular PaymentType = "regular"
	PaymentTypeFinal   PaymentType = "final"
	PaymentTypeRefund  PaymentType = "refund"
)

type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

type PaymentRecordStatus string

const (
	PaymentRecordPending   PaymentRecordStatus = "pending"
	PaymentRecordCompleted PaymentRecordStatus = "completed"
	PaymentRecordCancelled PaymentRecordStatus = "cancelled"
)

type AllocationStatus string

const (
	AllocationUnallocated AllocationStatus = "unallocated"
	AllocationPartial     AllocationStatus = "partially_allocated"
	AllocationAllocated   AllocationStatus = "allocated"
)

// PaymentStatus is the settlement state of an invoice or contract.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusPartial PaymentStatus = "partial"
	PaymentStatusPaid    PaymentStatus = "paid"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

type ContractStatus string

const (
	ContractStatusActive    ContractStatus = "active"
	ContractStatusCompleted ContractStatus = "completed"
	ContractStatusCancelled ContractStatus = "cancelled"
)

type ScheduleStatus string

const (
	SchedulePending       ScheduleStatus = "pending"
	SchedulePaid          ScheduleStatus = "paid"
	ScheduleOverdue       ScheduleStatus = "overdue"
	SchedulePartiallyPaid ScheduleStatus = "partially_paid"
)

type LateFineStatus string

const (
	LateFineNone    LateFineStatus = "none"
	LateFinePending LateFineStatus = "pending"
	LateFinePaid    LateFineStatus = "paid"
	LateFineWaived  LateFineStatus = "waived"
)

// TargetType names what a payment is allocated against.
type TargetType string

const (
	TargetInvoice  TargetType = "invoice"
	TargetContract TargetType = "contract"
)

// Target identifies an invoice or a contract.
type Target struct {
	Type TargetType `json:"target_type"`
	ID   uuid.UUID  `json:"target_id"`
}

// BillingPeriodDays is the length of one billing period of a contract.
const BillingPeriodDays = 30

type Payment struct {
	ID                   uuid.UUID           `json:"id"`
	CompanyID            uuid.UUID           `json:"company_id"`
	CustomerID           *uuid.UUID          `json:"customer_id,omitempty"`
	ContractID           *uuid.UUID          `json:"contract_id,omitempty"`
	InvoiceID            *uuid.UUID          `json:"invoice_id,omitempty"`
	Amount               decimal.Decimal     `json:"amount"`
	AllocatedAmount      decimal.Decimal     `json:"allocated_amount"`
	PaymentDate          time.Time           `json:"payment_date"`
	DueDate              *time.Time          `json:"due_date,omitempty"`
	PaymentMethod        string              `json:"payment_method"`
	PaymentType          PaymentType         `json:"payment_type"`
	TransactionType      TransactionType     `json:"transaction_type"`
	Status               PaymentRecordStatus `json:"status"`
	AllocationStatus     AllocationStatus    `json:"allocation_status"`
	ReconciliationStatus string              `json:"reconciliation_status"`
	ProcessingStatus     string              `json:"processing_status"`
	LinkingConfidence    *int                `json:"linking_confidence,omitempty"` // Set only for engine-originated matches
	LateFineAmount       decimal.Decimal     `json:"late_fine_amount"`
	LateFineDaysOverdue  int                 `json:"late_fine_days_overdue"`
	LateFineStatus       LateFineStatus      `json:"late_fine_status"`
	LateFineWaiverReason string              `json:"late_fine_waiver_reason,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// Unallocated returns the part of the payment not yet linked to any target.
func (p *Payment) Unallocated() decimal.Decimal {
	return p.Amount.Sub(p.AllocatedAmount)
}

// IsReceipt reports whether the payment is money received and completed.
func (p *Payment) IsReceipt() bool {
	return p.Status == PaymentRecordCompleted && p.TransactionType == TransactionTypeIncome
}

type Invoice struct {
	ID             uuid.UUID       `json:"id"`
	CompanyID      uuid.UUID       `json:"company_id"`
	CustomerID     uuid.UUID       `json:"customer_id"`
	ContractID     *uuid.UUID      `json:"contract_id,omitempty"`
	InvoiceNumber  string          `json:"invoice_number"`
	InvoiceDate    time.Time       `json:"invoice_date"`
	DueDate        time.Time       `json:"due_date"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	BalanceDue     decimal.Decimal `json:"balance_due"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	Status         InvoiceStatus   `json:"status"`
	BillingPeriod  *int            `json:"billing_period,omitempty"` // Zero-based contract period, set for backfilled invoices
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Overpaid reports a paid amount beyond the invoice total.
func (i *Invoice) Overpaid() bool {
	return i.PaidAmount.GreaterThan(i.TotalAmount)
}

func (i *Invoice) OverpaidAmount() decimal.Decimal {
	if !i.Overpaid() {
		return decimal.Zero
	}
	return i.PaidAmount.Sub(i.TotalAmount)
}

type Contract struct {
	ID              uuid.UUID           `json:"id"`
	CompanyID       uuid.UUID           `json:"company_id"`
	CustomerID      uuid.UUID           `json:"customer_id"`
	VehicleID       *uuid.UUID          `json:"vehicle_id,omitempty"`
	ContractNumber  string              `json:"contract_number"`
	StartDate       time.Time           `json:"start_date"`
	EndDate         time.Time           `json:"end_date"`
	MonthlyAmount   decimal.Decimal     `json:"monthly_amount"`
	ContractAmount  decimal.NullDecimal `json:"contract_amount"` // Cache only, see DerivedTotal
	TotalPaid       decimal.Decimal     `json:"total_paid"`
	BalanceDue      decimal.Decimal     `json:"balance_due"`
	PaymentStatus   PaymentStatus       `json:"payment_status"`
	LastPaymentDate *time.Time          `json:"last_payment_date,omitempty"`
	DaysOverdue     int                 `json:"days_overdue"`
	LateFineAmount  decimal.Decimal     `json:"late_fine_amount"`
	Status          ContractStatus      `json:"status"`
	Version         int                 `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Periods returns the number of billing periods the contract spans, or 0
// when the dates are not usable.
func (c *Contract) Periods() int {
	if c.StartDate.IsZero() || c.EndDate.IsZero() || !c.EndDate.After(c.StartDate) {
		return 0
	}
	days := DaysBetween(c.StartDate, c.EndDate)
	return (days + BillingPeriodDays - 1) / BillingPeriodDays
}

// DerivedTotal is the authoritative contract total. The stored ContractAmount
// is only consulted when the dates cannot produce one.
func (c *Contract) DerivedTotal() decimal.Decimal {
	if n := c.Periods(); n > 0 {
		return c.MonthlyAmount.Mul(decimal.NewFromInt(int64(n)))
	}
	if c.ContractAmount.Valid {
		return c.ContractAmount.Decimal
	}
	return decimal.Zero
}

// PeriodStart returns the first day of the zero-based billing period n.
func (c *Contract) PeriodStart(n int) time.Time {
	return DateOf(c.StartDate).AddDate(0, 0, n*BillingPeriodDays)
}

// PeriodOf maps a date to its zero-based billing period, clamped to the
// contract's periods when the contract length is known.
func (c *Contract) PeriodOf(t time.Time) int {
	days := DaysBetween(c.StartDate, t)
	if days < 0 {
		return 0
	}
	n := days / BillingPeriodDays
	if total := c.Periods(); total > 0 && n >= total {
		n = total - 1
	}
	return n
}

type PaymentSchedule struct {
	ID                uuid.UUID       `json:"id"`
	ContractID        uuid.UUID       `json:"contract_id"`
	InstallmentNumber int             `json:"installment_number"`
	DueDate           time.Time       `json:"due_date"`
	Amount            decimal.Decimal `json:"amount"`
	Status            ScheduleStatus  `json:"status"`
	PaidAmount        decimal.Decimal `json:"paid_amount"`
	PaidDate          *time.Time      `json:"paid_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Allocation links part of a payment to one target. Allocation rows are the
// record of where a payment went; the payment's InvoiceID and ContractID are
// lookup links only.
type Allocation struct {
	ID         uuid.UUID       `json:"id"`
	CompanyID  uuid.UUID       `json:"company_id"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	TargetType TargetType      `json:"target_type"`
	TargetID   uuid.UUID       `json:"target_id"`
	Amount     decimal.Decimal `json:"amount"`
	Confidence *int            `json:"confidence,omitempty"`

	// SetsContract is true when this allocation filled in the payment's
	// ContractID. Reversing it clears the link again.
	SetsContract bool      `json:"sets_contract"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatchSignals holds the sub-scores a suggestion's confidence is built from.
type MatchSignals struct {
	Amount   int `json:"amount"`
	Relation int `json:"relation"`
	Date     int `json:"date"`
}

type MatchSuggestion struct {
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	Confidence int             `json:"confidence"`
	Reason     string          `json:"reason"`
	Amount     decimal.Decimal `json:"amount"`
	Signals    MatchSignals    `json:"signals"`
	DueDate    time.Time       `json:"due_date"`
	BalanceDue decimal.Decimal `json:"balance_due"`
}

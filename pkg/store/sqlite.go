package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/fleetledger/internal/logger"
	"github.com/mcclellann/fleetledger/pkg/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlTx implements Tx over either the pool or an open transaction.
type sqlTx struct {
	q querier
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	sqlTx
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
// Transactions take the write lock up front so that concurrent settlements
// against the same rows queue behind the busy timeout instead of failing.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withDefaultParams(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{sqlTx: sqlTx{q: db}, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	storeLog := logger.WithComponent("store")
	storeLog.Info().Str("dsn", dataSourceName).Msg("Database connection established and schema initialized")
	return s, nil
}

func withDefaultParams(dsn string) string {
	params := []string{"_foreign_keys=on", "_txlock=immediate", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var missing []string
	for _, p := range params {
		key := p[:strings.Index(p, "=")]
		if !strings.Contains(dsn, key+"=") {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(missing, "&")
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		vehicle_id TEXT,
		contract_number TEXT NOT NULL DEFAULT '',
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		monthly_amount TEXT NOT NULL,
		contract_amount TEXT,
		total_paid TEXT NOT NULL DEFAULT '0',
		balance_due TEXT NOT NULL DEFAULT '0',
		payment_status TEXT NOT NULL,
		last_payment_date DATETIME,
		days_overdue INTEGER NOT NULL DEFAULT 0,
		late_fine_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		contract_id TEXT REFERENCES contracts(id),
		invoice_number TEXT NOT NULL,
		invoice_date DATETIME NOT NULL,
		due_date DATETIME NOT NULL,
		subtotal TEXT NOT NULL,
		tax_amount TEXT NOT NULL DEFAULT '0',
		discount_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		balance_due TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		status TEXT NOT NULL,
		billing_period INTEGER,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_company_number ON invoices (company_id, invoice_number);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_contract_period ON invoices (contract_id, billing_period)
		WHERE contract_id IS NOT NULL AND billing_period IS NOT NULL;
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		customer_id TEXT,
		contract_id TEXT REFERENCES contracts(id),
		invoice_id TEXT REFERENCES invoices(id),
		amount TEXT NOT NULL,
		allocated_amount TEXT NOT NULL DEFAULT '0',
		payment_date DATETIME NOT NULL,
		due_date DATETIME,
		payment_method TEXT NOT NULL DEFAULT '',
		payment_type TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		status TEXT NOT NULL,
		allocation_status TEXT NOT NULL,
		reconciliation_status TEXT NOT NULL DEFAULT '',
		processing_status TEXT NOT NULL DEFAULT '',
		linking_confidence INTEGER,
		late_fine_amount TEXT NOT NULL DEFAULT '0',
		late_fine_days_overdue INTEGER NOT NULL DEFAULT 0,
		late_fine_status TEXT NOT NULL DEFAULT 'none',
		late_fine_waiver_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_payments_company_invoice ON payments (company_id, invoice_id);
	CREATE TABLE IF NOT EXISTS payment_allocations (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		confidence INTEGER,
		sets_contract INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_allocations_target ON payment_allocations (target_type, target_id);
	CREATE TABLE IF NOT EXISTS payment_schedules (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id),
		installment_number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		paid_date DATETIME,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InTx runs fn inside a single database transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func checkAffected(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// ---- payments ----

const paymentColumns = `id, company_id, customer_id, contract_id, invoice_id, amount, allocated_amount, payment_date, due_date,
	payment_method, payment_type, transaction_type, status, allocation_status, reconciliation_status, processing_status,
	linking_confidence, late_fine_amount, late_fine_days_overdue, late_fine_status, late_fine_waiver_reason, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var customerID, contractID, invoiceID uuid.NullUUID
	var dueDate sql.NullTime
	var confidence sql.NullInt64
	err := row.Scan(&p.ID, &p.CompanyID, &customerID, &contractID, &invoiceID, &p.Amount, &p.AllocatedAmount, &p.PaymentDate, &dueDate,
		&p.PaymentMethod, &p.PaymentType, &p.TransactionType, &p.Status, &p.AllocationStatus, &p.ReconciliationStatus, &p.ProcessingStatus,
		&confidence, &p.LateFineAmount, &p.LateFineDaysOverdue, &p.LateFineStatus, &p.LateFineWaiverReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CustomerID = uuidPtr(customerID)
	p.ContractID = uuidPtr(contractID)
	p.InvoiceID = uuidPtr(invoiceID)
	p.DueDate = timePtr(dueDate)
	p.LinkingConfidence = intPtr(confidence)
	return &p, nil
}

// CreatePayment inserts a new payment into the database.
func (s *sqlTx) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CompanyID, nullUUID(p.CustomerID), nullUUID(p.ContractID), nullUUID(p.InvoiceID), p.Amount, p.AllocatedAmount, p.PaymentDate, p.DueDate,
		p.PaymentMethod, p.PaymentType, p.TransactionType, p.Status, p.AllocationStatus, p.ReconciliationStatus, p.ProcessingStatus,
		p.LinkingConfidence, p.LateFineAmount, p.LateFineDaysOverdue, p.LateFineStatus, p.LateFineWaiverReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by its ID.
func (s *sqlTx) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// UpdatePayment updates everything but the amount, which is immutable.
func (s *sqlTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payments SET customer_id = ?, contract_id = ?, invoice_id = ?, allocated_amount = ?, due_date = ?, payment_method = ?,
		payment_type = ?, transaction_type = ?, status = ?, allocation_status = ?, reconciliation_status = ?, processing_status = ?,
		linking_confidence = ?, late_fine_amount = ?, late_fine_days_overdue = ?, late_fine_status = ?, late_fine_waiver_reason = ?,
		updated_at = ? WHERE id = ?`,
		nullUUID(p.CustomerID), nullUUID(p.ContractID), nullUUID(p.InvoiceID), p.AllocatedAmount, p.DueDate, p.PaymentMethod,
		p.PaymentType, p.TransactionType, p.Status, p.AllocationStatus, p.ReconciliationStatus, p.ProcessingStatus,
		p.LinkingConfidence, p.LateFineAmount, p.LateFineDaysOverdue, p.LateFineStatus, p.LateFineWaiverReason,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return checkAffected(result, "payment "+p.ID.String())
}

// DeletePayment removes a payment. Allocations must have been reversed first.
func (s *sqlTx) DeletePayment(ctx context.Context, id uuid.UUID) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return checkAffected(result, "payment "+id.String())
}

// ListPayments retrieves payments matching the filter, oldest first.
func (s *sqlTx) ListPayments(ctx context.Context, f PaymentFilter) ([]*models.Payment, error) {
	var where []string
	var args []any
	if f.CompanyID != uuid.Nil {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.ContractID != nil {
		where = append(where, "contract_id = ?")
		args = append(args, *f.ContractID)
	}
	if f.WithoutInvoice {
		where = append(where, "invoice_id IS NULL")
	}
	if f.WithContract {
		where = append(where, "contract_id IS NOT NULL")
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY payment_date ASC, created_at ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return payments, nil
}

// ---- invoices ----

const invoiceColumns = `id, company_id, customer_id, contract_id, invoice_number, invoice_date, due_date, subtotal, tax_amount,
	discount_amount, total_amount, paid_amount, balance_due, payment_status, status, billing_period, version, created_at, updated_at`

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var inv models.Invoice
	var contractID uuid.NullUUID
	var period sql.NullInt64
	err := row.Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &contractID, &inv.InvoiceNumber, &inv.InvoiceDate, &inv.DueDate, &inv.Subtotal, &inv.TaxAmount,
		&inv.DiscountAmount, &inv.TotalAmount, &inv.PaidAmount, &inv.BalanceDue, &inv.PaymentStatus, &inv.Status, &period, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.ContractID = uuidPtr(contractID)
	inv.BillingPeriod = intPtr(period)
	return &inv, nil
}

// CreateInvoice inserts a new invoice. Duplicate invoice numbers and
// duplicate contract billing periods are reported as ErrDuplicate.
func (s *sqlTx) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.CompanyID, inv.CustomerID, nullUUID(inv.ContractID), inv.InvoiceNumber, inv.InvoiceDate, inv.DueDate, inv.Subtotal, inv.TaxAmount,
		inv.DiscountAmount, inv.TotalAmount, inv.PaidAmount, inv.BalanceDue, inv.PaymentStatus, inv.Status, inv.BillingPeriod, inv.Version, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice %s: %w", inv.InvoiceNumber, ErrDuplicate)
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by its ID.
func (s *sqlTx) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// UpdateInvoice performs a compare-and-set on the version column.
func (s *sqlTx) UpdateInvoice(ctx context.Context, inv *models.Invoice) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE invoices SET invoice_date = ?, due_date = ?, paid_amount = ?, balance_due = ?, payment_status = ?, status = ?,
		version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		inv.InvoiceDate, inv.DueDate, inv.PaidAmount, inv.BalanceDue, inv.PaymentStatus, inv.Status,
		inv.UpdatedAt, inv.ID, inv.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	if err := s.versionCheck(ctx, result, "invoices", inv.ID); err != nil {
		return fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	inv.Version++
	return nil
}

// versionCheck tells a lost compare-and-set apart from a missing row.
func (s *sqlTx) versionCheck(ctx context.Context, result sql.Result, table string, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check row existence: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// DeleteInvoice removes an invoice.
func (s *sqlTx) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete invoice: %w", err)
	}
	return checkAffected(result, "invoice "+id.String())
}

// ListInvoices retrieves invoices matching the filter ordered by due date.
func (s *sqlTx) ListInvoices(ctx context.Context, f InvoiceFilter) ([]*models.Invoice, error) {
	var where []string
	var args []any
	if f.CompanyID != uuid.Nil {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.CustomerID != nil {
		where = append(where, "customer_id = ?")
		args = append(args, *f.CustomerID)
	}
	if f.ContractID != nil {
		where = append(where, "contract_id = ?")
		args = append(args, *f.ContractID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "payment_status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_date ASC, created_at ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return invoices, nil
}

// ---- contracts ----

const contractColumns = `id, company_id, customer_id, vehicle_id, contract_number, start_date, end_date, monthly_amount, contract_amount,
	total_paid, balance_due, payment_status, last_payment_date, days_overdue, late_fine_amount, status, version, created_at, updated_at`

func scanContract(row rowScanner) (*models.Contract, error) {
	var c models.Contract
	var vehicleID uuid.NullUUID
	var lastPayment sql.NullTime
	err := row.Scan(&c.ID, &c.CompanyID, &c.CustomerID, &vehicleID, &c.ContractNumber, &c.StartDate, &c.EndDate, &c.MonthlyAmount, &c.ContractAmount,
		&c.TotalPaid, &c.BalanceDue, &c.PaymentStatus, &lastPayment, &c.DaysOverdue, &c.LateFineAmount, &c.Status, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.VehicleID = uuidPtr(vehicleID)
	c.LastPaymentDate = timePtr(lastPayment)
	return &c, nil
}

// CreateContract inserts a new contract.
func (s *sqlTx) CreateContract(ctx context.Context, c *models.Contract) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO contracts (`+contractColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CompanyID, c.CustomerID, nullUUID(c.VehicleID), c.ContractNumber, c.StartDate, c.EndDate, c.MonthlyAmount, c.ContractAmount,
		c.TotalPaid, c.BalanceDue, c.PaymentStatus, c.LastPaymentDate, c.DaysOverdue, c.LateFineAmount, c.Status, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("contract %s: %w", c.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create contract: %w", err)
	}
	return nil
}

// GetContract retrieves a contract by its ID.
func (s *sqlTx) GetContract(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = ?`, id)
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// UpdateContract performs a compare-and-set on the version column.
func (s *sqlTx) UpdateContract(ctx context.Context, c *models.Contract) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE contracts SET contract_amount = ?, total_paid = ?, balance_due = ?, payment_status = ?, last_payment_date = ?,
		days_overdue = ?, late_fine_amount = ?, status = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		c.ContractAmount, c.TotalPaid, c.BalanceDue, c.PaymentStatus, c.LastPaymentDate,
		c.DaysOverdue, c.LateFineAmount, c.Status, c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}
	if err := s.versionCheck(ctx, result, "contracts", c.ID); err != nil {
		return fmt.Errorf("contract %s: %w", c.ID, err)
	}
	c.Version++
	return nil
}

// ListContracts retrieves all contracts of a company.
func (s *sqlTx) ListContracts(ctx context.Context, companyID uuid.UUID) ([]*models.Contract, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE company_id = ? ORDER BY start_date ASC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract row: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return contracts, nil
}

// ListCompanyIDs returns every tenant that owns at least one contract.
func (s *sqlTx) ListCompanyIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT company_id FROM contracts ORDER BY company_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan company id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- allocations ----

const allocationColumns = `id, company_id, payment_id, target_type, target_id, amount, confidence, sets_contract, created_at`

func scanAllocation(row rowScanner) (*models.Allocation, error) {
	var a models.Allocation
	var confidence sql.NullInt64
	if err := row.Scan(&a.ID, &a.CompanyID, &a.PaymentID, &a.TargetType, &a.TargetID, &a.Amount, &confidence, &a.SetsContract, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Confidence = intPtr(confidence)
	return &a, nil
}

// CreateAllocation records part of a payment applied to a target.
func (s *sqlTx) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payment_allocations (`+allocationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CompanyID, a.PaymentID, a.TargetType, a.TargetID, a.Amount, a.Confidence, a.SetsContract, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *sqlTx) listAllocations(ctx context.Context, query string, args ...any) ([]*models.Allocation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocations []*models.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		allocations = append(allocations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return allocations, nil
}

// ListAllocationsForPayment returns a payment's allocations in creation order.
func (s *sqlTx) ListAllocationsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationColumns+` FROM payment_allocations WHERE payment_id = ? ORDER BY created_at ASC`, paymentID)
}

// ListAllocationsForTarget returns all allocations against an invoice or contract.
func (s *sqlTx) ListAllocationsForTarget(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Allocation, error) {
	return s.listAllocations(ctx,
		`SELECT `+allocationColumns+` FROM payment_allocations WHERE target_type = ? AND target_id = ? ORDER BY created_at ASC`,
		targetType, targetID)
}

// DeleteAllocation removes one allocation row.
func (s *sqlTx) DeleteAllocation(ctx context.Context, id uuid.UUID) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM payment_allocations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete allocation: %w", err)
	}
	return checkAffected(result, "allocation "+id.String())
}

// ---- schedules ----

const scheduleColumns = `id, contract_id, installment_number, due_date, amount, status, paid_amount, paid_date, created_at`

func scanSchedule(row rowScanner) (*models.PaymentSchedule, error) {
	var ps models.PaymentSchedule
	var paidDate sql.NullTime
	if err := row.Scan(&ps.ID, &ps.ContractID, &ps.InstallmentNumber, &ps.DueDate, &ps.Amount, &ps.Status, &ps.PaidAmount, &paidDate, &ps.CreatedAt); err != nil {
		return nil, err
	}
	ps.PaidDate = timePtr(paidDate)
	return &ps, nil
}

// CreateSchedule inserts a schedule line. Installment numbers are not
// constrained here; see the deduplicator.
func (s *sqlTx) CreateSchedule(ctx context.Context, ps *models.PaymentSchedule) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payment_schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ps.ID, ps.ContractID, ps.InstallmentNumber, ps.DueDate, ps.Amount, ps.Status, ps.PaidAmount, ps.PaidDate, ps.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// ListSchedules returns a contract's schedule lines by installment, then creation order.
func (s *sqlTx) ListSchedules(ctx context.Context, contractID uuid.UUID) ([]*models.PaymentSchedule, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM payment_schedules WHERE contract_id = ? ORDER BY installment_number ASC, created_at ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules for contract %s: %w", contractID, err)
	}
	defer rows.Close()

	var schedules []*models.PaymentSchedule
	for rows.Next() {
		ps, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		schedules = append(schedules, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for schedules: %w", err)
	}
	return schedules, nil
}

// UpdateSchedule writes a schedule line's status fields.
func (s *sqlTx) UpdateSchedule(ctx context.Context, ps *models.PaymentSchedule) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payment_schedules SET due_date = ?, amount = ?, status = ?, paid_amount = ?, paid_date = ? WHERE id = ?`,
		ps.DueDate, ps.Amount, ps.Status, ps.PaidAmount, ps.PaidDate, ps.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return checkAffected(result, "schedule "+ps.ID.String())
}

// DeleteSchedule removes one schedule line.
func (s *sqlTx) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM payment_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return checkAffected(result, "schedule "+id.String())
}

var _ Storage = (*SQLiteStore)(nil)


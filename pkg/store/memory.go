package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
)

// MemoryStore is an in-memory Storage. Transactions are serialized and run
// against a copy of the data that replaces the original only on success.
// It is meant for tests and embedded use; data is lost when the process exits.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

type memData struct {
	payments    map[uuid.UUID]models.Payment
	invoices    map[uuid.UUID]models.Invoice
	contracts   map[uuid.UUID]models.Contract
	allocations map[uuid.UUID]models.Allocation
	schedules   map[uuid.UUID]models.PaymentSchedule
}

func newMemData() *memData {
	return &memData{
		payments:    make(map[uuid.UUID]models.Payment),
		invoices:    make(map[uuid.UUID]models.Invoice),
		contracts:   make(map[uuid.UUID]models.Contract),
		allocations: make(map[uuid.UUID]models.Allocation),
		schedules:   make(map[uuid.UUID]models.PaymentSchedule),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.contracts {
		c.contracts[k] = v
	}
	for k, v := range d.allocations {
		c.allocations[k] = v
	}
	for k, v := range d.schedules {
		c.schedules[k] = v
	}
	return c
}

// InTx runs fn against a snapshot and publishes it when fn succeeds.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.data.clone()
	if err := fn(snapshot); err != nil {
		return err
	}
	m.data = snapshot
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreatePayment(ctx, p)
}

func (m *MemoryStore) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetPayment(ctx, id)
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdatePayment(ctx, p)
}

func (m *MemoryStore) DeletePayment(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeletePayment(ctx, id)
}

func (m *MemoryStore) ListPayments(ctx context.Context, f PaymentFilter) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListPayments(ctx, f)
}

func (m *MemoryStore) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateInvoice(ctx, inv)
}

func (m *MemoryStore) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetInvoice(ctx, id)
}

func (m *MemoryStore) UpdateInvoice(ctx context.Context, inv *models.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateInvoice(ctx, inv)
}

func (m *MemoryStore) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteInvoice(ctx, id)
}

func (m *MemoryStore) ListInvoices(ctx context.Context, f InvoiceFilter) ([]*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListInvoices(ctx, f)
}

func (m *MemoryStore) CreateContract(ctx context.Context, c *models.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateContract(ctx, c)
}

func (m *MemoryStore) GetContract(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.GetContract(ctx, id)
}

func (m *MemoryStore) UpdateContract(ctx context.Context, c *models.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateContract(ctx, c)
}

func (m *MemoryStore) ListContracts(ctx context.Context, companyID uuid.UUID) ([]*models.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListContracts(ctx, companyID)
}

func (m *MemoryStore) ListCompanyIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListCompanyIDs(ctx)
}

func (m *MemoryStore) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateAllocation(ctx, a)
}

func (m *MemoryStore) ListAllocationsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListAllocationsForPayment(ctx, paymentID)
}

func (m *MemoryStore) ListAllocationsForTarget(ctx context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListAllocationsForTarget(ctx, targetType, targetID)
}

func (m *MemoryStore) DeleteAllocation(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteAllocation(ctx, id)
}

func (m *MemoryStore) CreateSchedule(ctx context.Context, ps *models.PaymentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateSchedule(ctx, ps)
}

func (m *MemoryStore) ListSchedules(ctx context.Context, contractID uuid.UUID) ([]*models.PaymentSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.ListSchedules(ctx, contractID)
}

func (m *MemoryStore) UpdateSchedule(ctx context.Context, ps *models.PaymentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateSchedule(ctx, ps)
}

func (m *MemoryStore) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteSchedule(ctx, id)
}

// ---- memData implements Tx without locking ----

func (d *memData) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := d.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, ErrDuplicate)
	}
	d.payments[p.ID] = *p
	return nil
}

func (d *memData) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := d.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (d *memData) UpdatePayment(_ context.Context, p *models.Payment) error {
	existing, ok := d.payments[p.ID]
	if !ok {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	updated := *p
	updated.Amount = existing.Amount
	updated.CreatedAt = existing.CreatedAt
	d.payments[p.ID] = updated
	return nil
}

func (d *memData) DeletePayment(_ context.Context, id uuid.UUID) error {
	if _, ok := d.payments[id]; !ok {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	for _, a := range d.allocations {
		if a.PaymentID == id {
			return fmt.Errorf("payment %s still has allocations", id)
		}
	}
	delete(d.payments, id)
	return nil
}

func (d *memData) ListPayments(_ context.Context, f PaymentFilter) ([]*models.Payment, error) {
	var out []*models.Payment
	for _, p := range d.payments {
		if f.CompanyID != uuid.Nil && p.CompanyID != f.CompanyID {
			continue
		}
		if f.ContractID != nil && (p.ContractID == nil || *p.ContractID != *f.ContractID) {
			continue
		}
		if f.WithoutInvoice && p.InvoiceID != nil {
			continue
		}
		if f.WithContract && p.ContractID == nil {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *memData) CreateInvoice(_ context.Context, inv *models.Invoice) error {
	if _, ok := d.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s: %w", inv.ID, ErrDuplicate)
	}
	for _, other := range d.invoices {
		if other.CompanyID == inv.CompanyID && other.InvoiceNumber == inv.InvoiceNumber {
			return fmt.Errorf("invoice %s: %w", inv.InvoiceNumber, ErrDuplicate)
		}
		if inv.ContractID != nil && inv.BillingPeriod != nil && other.ContractID != nil && other.BillingPeriod != nil &&
			*other.ContractID == *inv.ContractID && *other.BillingPeriod == *inv.BillingPeriod {
			return fmt.Errorf("invoice %s: %w", inv.InvoiceNumber, ErrDuplicate)
		}
	}
	d.invoices[inv.ID] = *inv
	return nil
}

func (d *memData) GetInvoice(_ context.Context, id uuid.UUID) (*models.Invoice, error) {
	inv, ok := d.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return &inv, nil
}

func (d *memData) UpdateInvoice(_ context.Context, inv *models.Invoice) error {
	existing, ok := d.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("invoice %s: %w", inv.ID, ErrNotFound)
	}
	if existing.Version != inv.Version {
		return fmt.Errorf("invoice %s: %w", inv.ID, ErrVersionConflict)
	}
	inv.Version++
	d.invoices[inv.ID] = *inv
	return nil
}

func (d *memData) DeleteInvoice(_ context.Context, id uuid.UUID) error {
	if _, ok := d.invoices[id]; !ok {
		return fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	for _, p := range d.payments {
		if p.InvoiceID != nil && *p.InvoiceID == id {
			return fmt.Errorf("invoice %s is referenced by payment %s", id, p.ID)
		}
	}
	delete(d.invoices, id)
	return nil
}

func (d *memData) ListInvoices(_ context.Context, f InvoiceFilter) ([]*models.Invoice, error) {
	var out []*models.Invoice
	for _, inv := range d.invoices {
		if f.CompanyID != uuid.Nil && inv.CompanyID != f.CompanyID {
			continue
		}
		if f.CustomerID != nil && inv.CustomerID != *f.CustomerID {
			continue
		}
		if f.ContractID != nil && (inv.ContractID == nil || *inv.ContractID != *f.ContractID) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inv.PaymentStatus) {
			continue
		}
		inv := inv
		out = append(out, &inv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *memData) CreateContract(_ context.Context, c *models.Contract) error {
	if _, ok := d.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrDuplicate)
	}
	d.contracts[c.ID] = *c
	return nil
}

func (d *memData) GetContract(_ context.Context, id uuid.UUID) (*models.Contract, error) {
	c, ok := d.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (d *memData) UpdateContract(_ context.Context, c *models.Contract) error {
	existing, ok := d.contracts[c.ID]
	if !ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrNotFound)
	}
	if existing.Version != c.Version {
		return fmt.Errorf("contract %s: %w", c.ID, ErrVersionConflict)
	}
	c.Version++
	d.contracts[c.ID] = *c
	return nil
}

func (d *memData) ListContracts(_ context.Context, companyID uuid.UUID) ([]*models.Contract, error) {
	var out []*models.Contract
	for _, c := range d.contracts {
		if c.CompanyID != companyID {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out, nil
}

func (d *memData) ListCompanyIDs(_ context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, c := range d.contracts {
		if !seen[c.CompanyID] {
			seen[c.CompanyID] = true
			ids = append(ids, c.CompanyID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (d *memData) CreateAllocation(_ context.Context, a *models.Allocation) error {
	if _, ok := d.payments[a.PaymentID]; !ok {
		return fmt.Errorf("payment %s: %w", a.PaymentID, ErrNotFound)
	}
	d.allocations[a.ID] = *a
	return nil
}

func (d *memData) allocationsWhere(keep func(a models.Allocation) bool) []*models.Allocation {
	var out []*models.Allocation
	for _, a := range d.allocations {
		if keep(a) {
			a := a
			out = append(out, &a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (d *memData) ListAllocationsForPayment(_ context.Context, paymentID uuid.UUID) ([]*models.Allocation, error) {
	return d.allocationsWhere(func(a models.Allocation) bool { return a.PaymentID == paymentID }), nil
}

func (d *memData) ListAllocationsForTarget(_ context.Context, targetType models.TargetType, targetID uuid.UUID) ([]*models.Allocation, error) {
	return d.allocationsWhere(func(a models.Allocation) bool {
		return a.TargetType == targetType && a.TargetID == targetID
	}), nil
}

func (d *memData) DeleteAllocation(_ context.Context, id uuid.UUID) error {
	if _, ok := d.allocations[id]; !ok {
		return fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	delete(d.allocations, id)
	return nil
}

func (d *memData) CreateSchedule(_ context.Context, ps *models.PaymentSchedule) error {
	if _, ok := d.schedules[ps.ID]; ok {
		return fmt.Errorf("schedule %s: %w", ps.ID, ErrDuplicate)
	}
	d.schedules[ps.ID] = *ps
	return nil
}

func (d *memData) ListSchedules(_ context.Context, contractID uuid.UUID) ([]*models.PaymentSchedule, error) {
	var out []*models.PaymentSchedule
	for _, ps := range d.schedules {
		if ps.ContractID == contractID {
			ps := ps
			out = append(out, &ps)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].InstallmentNumber != out[j].InstallmentNumber {
			return out[i].InstallmentNumber < out[j].InstallmentNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *memData) UpdateSchedule(_ context.Context, ps *models.PaymentSchedule) error {
	if _, ok := d.schedules[ps.ID]; !ok {
		return fmt.Errorf("schedule %s: %w", ps.ID, ErrNotFound)
	}
	d.schedules[ps.ID] = *ps
	return nil
}

func (d *memData) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	if _, ok := d.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(d.schedules, id)
	return nil
}

var (
	_ Storage = (*MemoryStore)(nil)
	_ Tx      = (*memData)(nil)
)

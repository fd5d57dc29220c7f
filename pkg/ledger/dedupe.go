package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
)

// DedupResult lists the surviving row of every installment that had
// duplicates, and the rows removed.
type DedupResult struct {
	ParentID     uuid.UUID   `json:"parent_id"`
	Kept         []uuid.UUID `json:"kept"`
	Deleted      []uuid.UUID `json:"deleted"`
	DeletedCount int         `json:"deleted_count"`
}

// SelectDuplicates groups schedule rows by installment number and picks one
// survivor per group: the earliest-created paid row if there is one,
// otherwise the earliest-created row. Groups of one are left out.
func SelectDuplicates(rows []*models.PaymentSchedule) (kept, removed []*models.PaymentSchedule) {
	groups := map[int][]*models.PaymentSchedule{}
	var numbers []int
	for _, ps := range rows {
		if _, ok := groups[ps.InstallmentNumber]; !ok {
			numbers = append(numbers, ps.InstallmentNumber)
		}
		groups[ps.InstallmentNumber] = append(groups[ps.InstallmentNumber], ps)
	}
	sort.Ints(numbers)

	for _, n := range numbers {
		group := groups[n]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		})
		winner := group[0]
		for _, ps := range group {
			if ps.Status == models.SchedulePaid {
				winner = ps
				break
			}
		}
		kept = append(kept, winner)
		for _, ps := range group {
			if ps != winner {
				removed = append(removed, ps)
			}
		}
	}
	return kept, removed
}

// DeduplicateSchedules restores one schedule row per installment number of
// a contract. Running it on a clean plan changes nothing.
func (l *Ledger) DeduplicateSchedules(ctx context.Context, companyID, parentID uuid.UUID) (*DedupResult, error) {
	const op = "DeduplicateSchedules"
	result := &DedupResult{ParentID: parentID, Kept: []uuid.UUID{}, Deleted: []uuid.UUID{}}
	err := l.storage.InTx(ctx, func(tx store.Tx) error {
		if _, err := loadContract(ctx, tx, companyID, parentID, ErrContractNotFound); err != nil {
			return err
		}
		rows, err := tx.ListSchedules(ctx, parentID)
		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}
		kept, removed := SelectDuplicates(rows)
		for _, ps := range removed {
			if err := tx.DeleteSchedule(ctx, ps.ID); err != nil {
				return fmt.Errorf("failed to delete schedule %s: %w", ps.ID, err)
			}
			result.Deleted = append(result.Deleted, ps.ID)
		}
		for _, ps := range kept {
			result.Kept = append(result.Kept, ps.ID)
		}
		return nil
	})
	if err != nil {
		return nil, opError(op, err, parentID.String())
	}
	result.DeletedCount = len(result.Deleted)
	if result.DeletedCount > 0 {
		l.log.Info().Str("contract_id", parentID.String()).Int("deleted", result.DeletedCount).Msg("Duplicate schedule rows removed")
	}
	return result, nil
}

package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
)

// Signal weights. A perfect candidate scores exactly 100.
const (
	amountWeight       = 50
	amountNearWeight   = 30
	relationWeight     = 30
	customerOnlyWeight = 10
	dateWeight         = 20
	maxConfidence      = 100
	manualConfidence   = 100
)

// Reason codes reported in MatchSuggestion.Reason.
const (
	ReasonExactAmount   = "exact_amount"
	ReasonNearAmount    = "amount_within_tolerance"
	ReasonSameContract  = "same_contract"
	ReasonSameCustomer  = "same_customer"
	ReasonDueDateNearby = "due_date_nearby"
)

// MatchingConfig tunes the amount and date signals.
type MatchingConfig struct {
	// AmountTolerance is the band around the balance, as a fraction of it,
	// in which a non-exact amount still scores.
	AmountTolerance decimal.Decimal
	// DateWindowDays is how far the due date may be from the payment date
	// and still score.
	DateWindowDays int
}

func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		AmountTolerance: decimal.RequireFromString("0.05"),
		DateWindowDays:  15,
	}
}

// AmountSignal scores how well amount settles balance: the full weight for an
// exact match, a share of amountNearWeight falling linearly to zero at the
// tolerance edge, and nothing beyond it.
func AmountSignal(amount, balance, tolerance decimal.Decimal) int {
	if !balance.IsPositive() {
		return 0
	}
	diff := amount.Sub(balance).Abs()
	if diff.IsZero() {
		return amountWeight
	}
	band := balance.Mul(tolerance)
	if !band.IsPositive() || diff.GreaterThan(band) {
		return 0
	}
	score := band.Sub(diff).Div(band).Mul(decimal.NewFromInt(amountNearWeight))
	return int(score.IntPart())
}

// RelationSignal scores the link between payment and invoice. Zero means the
// invoice is unrelated and must not be suggested.
func RelationSignal(p *models.Payment, inv *models.Invoice) int {
	if p.ContractID != nil && inv.ContractID != nil && *p.ContractID == *inv.ContractID {
		return relationWeight
	}
	if p.CustomerID != nil && *p.CustomerID == inv.CustomerID {
		return customerOnlyWeight
	}
	return 0
}

// DateSignal scores the distance between payment and due date, falling
// linearly to zero at the window edge.
func DateSignal(paymentDate, dueDate time.Time, windowDays int) int {
	d := absDays(paymentDate, dueDate)
	if d > windowDays {
		return 0
	}
	if windowDays == 0 {
		return dateWeight
	}
	return dateWeight * (windowDays - d) / windowDays
}

func absDays(a, b time.Time) int {
	d := models.DaysBetween(a, b)
	if d < 0 {
		return -d
	}
	return d
}

func clampConfidence(v int) int {
	return max(0, min(maxConfidence, v))
}

// ScoreCandidate combines the three signals for one invoice.
func ScoreCandidate(p *models.Payment, inv *models.Invoice, cfg MatchingConfig) models.MatchSuggestion {
	signals := models.MatchSignals{
		Amount:   AmountSignal(p.Unallocated(), inv.BalanceDue, cfg.AmountTolerance),
		Relation: RelationSignal(p, inv),
		Date:     DateSignal(p.PaymentDate, inv.DueDate, cfg.DateWindowDays),
	}

	var reasons []string
	switch {
	case signals.Amount == amountWeight:
		reasons = append(reasons, ReasonExactAmount)
	case signals.Amount > 0:
		reasons = append(reasons, ReasonNearAmount)
	}
	switch signals.Relation {
	case relationWeight:
		reasons = append(reasons, ReasonSameContract)
	case customerOnlyWeight:
		reasons = append(reasons, ReasonSameCustomer)
	}
	if signals.Date > 0 {
		reasons = append(reasons, ReasonDueDateNearby)
	}

	return models.MatchSuggestion{
		InvoiceID:  inv.ID,
		Confidence: clampConfidence(signals.Amount + signals.Relation + signals.Date),
		Reason:     strings.Join(reasons, ","),
		Amount:     decimal.Min(p.Unallocated(), inv.BalanceDue),
		Signals:    signals,
		DueDate:    inv.DueDate,
		BalanceDue: inv.BalanceDue,
	}
}

// RankSuggestions scores every eligible invoice and orders the result by
// confidence, then nearest due date, then smallest balance.
func RankSuggestions(p *models.Payment, invoices []*models.Invoice, cfg MatchingConfig) []models.MatchSuggestion {
	suggestions := []models.MatchSuggestion{}
	for _, inv := range invoices {
		if inv.CompanyID != p.CompanyID || inv.Status == models.InvoiceStatusCancelled {
			continue
		}
		if inv.PaymentStatus != models.PaymentStatusUnpaid && inv.PaymentStatus != models.PaymentStatusPartial {
			continue
		}
		if RelationSignal(p, inv) == 0 {
			continue
		}
		suggestions = append(suggestions, ScoreCandidate(p, inv, cfg))
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		da, db := absDays(p.PaymentDate, a.DueDate), absDays(p.PaymentDate, b.DueDate)
		if da != db {
			return da < db
		}
		if !a.BalanceDue.Equal(b.BalanceDue) {
			return a.BalanceDue.LessThan(b.BalanceDue)
		}
		return a.InvoiceID.String() < b.InvoiceID.String()
	})
	return suggestions
}

// SuggestMatches proposes invoices an unallocated payment may settle. It
// has no side effects; an empty list is a valid answer.
func (l *Ledger) SuggestMatches(ctx context.Context, companyID, paymentID uuid.UUID) ([]models.MatchSuggestion, error) {
	const op = "SuggestMatches"
	p, err := loadPayment(ctx, l.storage, companyID, paymentID)
	if err != nil {
		return nil, opError(op, err, paymentID.String())
	}
	if p.AllocationStatus != models.AllocationUnallocated {
		return nil, opError(op, ErrAlreadyAllocated, paymentID.String())
	}

	filter := store.InvoiceFilter{
		CompanyID: companyID,
		Statuses:  []models.PaymentStatus{models.PaymentStatusUnpaid, models.PaymentStatusPartial},
	}
	switch {
	case p.ContractID != nil:
		filter.ContractID = p.ContractID
	case p.CustomerID != nil:
		filter.CustomerID = p.CustomerID
	default:
		return []models.MatchSuggestion{}, nil
	}

	invoices, err := l.storage.ListInvoices(ctx, filter)
	if err != nil {
		return nil, opError(op, err, paymentID.String())
	}
	suggestions := RankSuggestions(p, invoices, l.matching)
	l.log.Debug().Str("payment_id", paymentID.String()).Int("candidates", len(invoices)).Int("suggestions", len(suggestions)).Msg("Match suggestions computed")
	return suggestions, nil
}

// contractConfidence scores a payment against a contract the way
// ScoreCandidate scores an invoice, using the monthly amount as the balance
// and the start of the payment's billing period as the due date.
func contractConfidence(p *models.Payment, c *models.Contract, cfg MatchingConfig) int {
	relation := 0
	switch {
	case p.ContractID != nil && *p.ContractID == c.ID:
		relation = relationWeight
	case p.CustomerID != nil && *p.CustomerID == c.CustomerID:
		relation = customerOnlyWeight
	}
	amount := AmountSignal(p.Unallocated(), c.MonthlyAmount, cfg.AmountTolerance)
	date := DateSignal(p.PaymentDate, c.PeriodStart(c.PeriodOf(p.PaymentDate)), cfg.DateWindowDays)
	return clampConfidence(amount + relation + date)
}

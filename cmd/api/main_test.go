package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test_api.db")

	s, err := store.NewSQLiteStore(dbFile)
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { s.Close() })

	server := NewServer(s)
	return server, server.Router()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

type fixture struct {
	company  uuid.UUID
	customer uuid.UUID
	contract models.Contract
	invoice  models.Invoice
	payment  models.Payment
}

// seed creates a contract, one invoice of 1000 due today and a payment of
// 1000 on that contract.
func seed(t *testing.T, router http.Handler) fixture {
	t.Helper()
	f := fixture{company: uuid.New(), customer: uuid.New()}
	base := "/companies/" + f.company.String()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	rr := doJSON(t, router, "POST", base+"/contracts", map[string]any{
		"customer_id":     f.customer,
		"contract_number": "C-100",
		"start_date":      today.AddDate(0, 0, -10),
		"end_date":        today.AddDate(0, 0, 350),
		"monthly_amount":  "1000",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f.contract))

	rr = doJSON(t, router, "POST", base+"/invoices", map[string]any{
		"customer_id":    f.customer,
		"contract_id":    f.contract.ID,
		"invoice_number": "INV-1",
		"invoice_date":   today,
		"due_date":       today,
		"subtotal":       "1000",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f.invoice))

	rr = doJSON(t, router, "POST", base+"/payments", map[string]any{
		"contract_id":    f.contract.ID,
		"amount":         "1000",
		"payment_date":   today,
		"payment_method": "bank_transfer",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f.payment))
	return f
}

func TestAPI_SuggestMatchAndReverse(t *testing.T) {
	_, router := setupTestServer(t)
	f := seed(t, router)
	base := "/companies/" + f.company.String()
	paymentPath := base + "/payments/" + f.payment.ID.String()

	rr := doJSON(t, router, "GET", paymentPath+"/suggestions", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var suggestions []models.MatchSuggestion
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &suggestions))
	require.Len(t, suggestions, 1)
	assert.Equal(t, f.invoice.ID, suggestions[0].InvoiceID)
	assert.Equal(t, 100, suggestions[0].Confidence)

	rr = doJSON(t, router, "POST", paymentPath+"/match", models.Target{Type: models.TargetInvoice, ID: f.invoice.ID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res ledger.MatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, ledger.MessageMatched, res.Message)
	assert.True(t, res.AllocatedAmount.Equal(decimal.NewFromInt(1000)))

	rr = doJSON(t, router, "GET", base+"/invoices/"+f.invoice.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var inv models.Invoice
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inv))
	assert.Equal(t, models.PaymentStatusPaid, inv.PaymentStatus)
	assert.True(t, inv.BalanceDue.IsZero())

	// Deleting a referenced invoice is refused.
	rr = doJSON(t, router, "DELETE", base+"/invoices/"+f.invoice.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, router, "POST", paymentPath+"/reverse", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, router, "GET", base+"/invoices/"+f.invoice.ID.String(), nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inv))
	assert.Equal(t, models.PaymentStatusUnpaid, inv.PaymentStatus)
	assert.True(t, inv.PaidAmount.IsZero())

	rr = doJSON(t, router, "DELETE", base+"/invoices/"+f.invoice.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAPI_ErrorCodes(t *testing.T) {
	_, router := setupTestServer(t)
	f := seed(t, router)
	paymentPath := "/companies/" + f.company.String() + "/payments/" + f.payment.ID.String()

	t.Run("cross tenant", func(t *testing.T) {
		rr := doJSON(t, router, "GET", "/companies/"+uuid.NewString()+"/payments/"+f.payment.ID.String(), nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
		var body errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "cross_tenant", body.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rr := doJSON(t, router, "GET", "/companies/"+f.company.String()+"/payments/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rr := doJSON(t, router, "GET", "/companies/"+f.company.String()+"/payments/nope", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid amount", func(t *testing.T) {
		rr := doJSON(t, router, "POST", "/companies/"+f.company.String()+"/payments", map[string]any{"amount": "0"})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("already allocated", func(t *testing.T) {
		rr := doJSON(t, router, "POST", paymentPath+"/match", models.Target{Type: models.TargetInvoice, ID: f.invoice.ID})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		rr = doJSON(t, router, "POST", paymentPath+"/match", models.Target{Type: models.TargetContract, ID: f.contract.ID})
		assert.Equal(t, http.StatusConflict, rr.Code)
		var body errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "already_allocated", body.Code)
	})

	t.Run("waiver without reason", func(t *testing.T) {
		rr := doJSON(t, router, "POST", paymentPath+"/late-fine/waive", map[string]any{"reason": " "})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestAPI_ManualOverpayment(t *testing.T) {
	_, router := setupTestServer(t)
	f := seed(t, router)
	base := "/companies/" + f.company.String()

	rr := doJSON(t, router, "POST", base+"/payments", map[string]any{
		"customer_id": f.customer,
		"amount":      "1200",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var p models.Payment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))

	rr = doJSON(t, router, "POST", base+"/payments/"+p.ID.String()+"/allocations", map[string]any{
		"target_type": "invoice",
		"target_id":   f.invoice.ID,
		"amount":      "1200",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res ledger.MatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Overpaid)

	rr = doJSON(t, router, "GET", base+"/invoices/overpaid", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var overpaid []models.Invoice
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &overpaid))
	require.Len(t, overpaid, 1)
	assert.True(t, overpaid[0].OverpaidAmount().Equal(decimal.NewFromInt(200)))
}

func TestAPI_BackfillAndDedupe(t *testing.T) {
	_, router := setupTestServer(t)
	f := seed(t, router)
	base := "/companies/" + f.company.String()

	rr := doJSON(t, router, "POST", base+"/backfill", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var first ledger.BackfillResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	assert.Equal(t, 1, first.TotalProcessed)
	assert.Zero(t, first.Errors)

	rr = doJSON(t, router, "POST", base+"/backfill", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var second ledger.BackfillResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	assert.Zero(t, second.Created)

	schedulesPath := base + "/contracts/" + f.contract.ID.String() + "/schedules"
	for i := 0; i < 2; i++ {
		rr = doJSON(t, router, "POST", schedulesPath, map[string]any{
			"installment_number": 1,
			"due_date":           f.contract.StartDate,
			"amount":             "1000",
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}
	rr = doJSON(t, router, "POST", schedulesPath+"/dedupe", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var dedup ledger.DedupResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dedup))
	assert.Equal(t, 1, dedup.DeletedCount)
	assert.Len(t, dedup.Kept, 1)
}

func TestAPI_OverdueAndSweep(t *testing.T) {
	server, router := setupTestServer(t)
	f := seed(t, router)
	base := "/companies/" + f.company.String()

	rr := doJSON(t, router, "GET", base+"/contracts/"+f.contract.ID.String()+"/overdue", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var status ledger.OverdueStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, 0, status.MonthsElapsed)
	assert.False(t, status.IsOverdue)

	rr = doJSON(t, router, "POST", base+"/sweep", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sweep ledger.SweepResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sweep))
	assert.Equal(t, 1, sweep.Contracts)
	assert.Zero(t, sweep.Errors)

	// The scheduler walks every company in the store.
	server.runScheduled(context.Background(), nil)
}

func TestAPI_ReversalPreview(t *testing.T) {
	_, router := setupTestServer(t)

	rr := doJSON(t, router, "POST", "/reversal-preview", map[string]any{
		"total_amount":        "100",
		"current_paid_amount": "30",
		"reversed_amount":     "50",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var r ledger.Reversal
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &r))
	assert.True(t, r.PaidAmount.IsZero())
	assert.True(t, r.BalanceDue.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, models.PaymentStatusUnpaid, r.PaymentStatus)
}

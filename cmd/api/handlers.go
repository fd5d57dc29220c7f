package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fleetledger/pkg/ledger"
	"github.com/mcclellann/fleetledger/pkg/models"
	"github.com/mcclellann/fleetledger/pkg/store"
	"github.com/shopspring/decimal"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// errorStatus maps ledger and store errors to an HTTP status and a code the
// caller can act on.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrCrossTenant):
		return http.StatusForbidden, "cross_tenant"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrAlreadyAllocated):
		return http.StatusConflict, "already_allocated"
	case errors.Is(err, ledger.ErrTargetCancelled):
		return http.StatusConflict, "target_cancelled"
	case errors.Is(err, ledger.ErrPaymentCancelled):
		return http.StatusConflict, "payment_cancelled"
	case errors.Is(err, ledger.ErrInvoiceReferenced):
		return http.StatusConflict, "invoice_referenced"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, ledger.ErrWaiverReasonNeeded):
		return http.StatusBadRequest, "waiver_reason_required"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	} else {
		s.log.Debug().Err(err).Str("code", code).Msg("Request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code, Retryable: ledger.IsRetryable(err)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s ID", name)
	}
	return id, nil
}

// scoped parses the company and, when present, the {id} path variable.
func scoped(w http.ResponseWriter, r *http.Request) (companyID, id uuid.UUID, ok bool) {
	companyID, err := pathID(r, "company")
	if err != nil {
		badRequest(w, err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	if _, has := mux.Vars(r)["id"]; has {
		if id, err = pathID(r, "id"); err != nil {
			badRequest(w, err.Error())
			return uuid.Nil, uuid.Nil, false
		}
	}
	return companyID, id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, err.Error())
		return false
	}
	return true
}

func (s *Server) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	companyID, _, ok := scoped(w, r)
	if !ok {
		return
	}
	var p models.Payment
	if !decode(w, r, &p) {
		return
	}
	p.CompanyID = companyID

	created, err := s.ledger.CreatePayment(r.Context(), &p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	p, err := s.ledger.GetPayment(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) suggestionsHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	suggestions, err := s.ledger.SuggestMatches(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestions)
}

func (s *Server) matchHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	var target models.Target
	if !decode(w, r, &target) {
		return
	}
	res, err := s.ledger.MatchPayment(r.Context(), companyID, id, target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) allocateHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	var req struct {
		models.Target
		Amount *decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ledger.ApplyManualAllocation(r.Context(), companyID, id, req.Target, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reversePaymentHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.ReversePayment(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.CancelPayment(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deletePaymentHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.DeletePayment(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) assessLateFineHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	p, err := s.ledger.AssessLateFine(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) waiveLateFineHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := s.ledger.WaiveLateFine(r.Context(), companyID, id, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) createInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	companyID, _, ok := scoped(w, r)
	if !ok {
		return
	}
	var inv models.Invoice
	if !decode(w, r, &inv) {
		return
	}
	inv.CompanyID = companyID

	created, err := s.ledger.CreateInvoice(r.Context(), &inv)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	inv, err := s.ledger.GetInvoice(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) deleteInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteInvoice(r.Context(), companyID, id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) overpaidInvoicesHandler(w http.ResponseWriter, r *http.Request) {
	companyID, _, ok := scoped(w, r)
	if !ok {
		return
	}
	invoices, err := s.ledger.ListOverpaidInvoices(r.Context(), companyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (s *Server) createContractHandler(w http.ResponseWriter, r *http.Request) {
	companyID, _, ok := scoped(w, r)
	if !ok {
		return
	}
	var c models.Contract
	if !decode(w, r, &c) {
		return
	}
	c.CompanyID = companyID

	created, err := s.ledger.CreateContract(r.Context(), &c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getContractHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	c, err := s.ledger.GetContract(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// overdueHandler evaluates read-only unless ?refresh=true asks for the
// result to be stored on the contract.
func (s *Server) overdueHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	evaluate := s.ledger.EvaluateOverdue
	if r.URL.Query().Get("refresh") == "true" {
		evaluate = s.ledger.RefreshOverdue
	}
	status, err := evaluate(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) createScheduleHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	var ps models.PaymentSchedule
	if !decode(w, r, &ps) {
		return
	}
	ps.ContractID = id

	created, err := s.ledger.CreateSchedule(r.Context(), companyID, &ps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) dedupeSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	companyID, id, ok := scoped(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.DeduplicateSchedules(r.Context(), companyID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// backfillHandler answers 200 with the result even when some groups failed;
// the result's error count says so.
func (s *Server) backfillHandler(w http.ResponseWriter, r *http.Request) {
	companyID, _, ok := scoped(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.BackfillInvoices(r.Context(), companyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	companyID, _, ok := scoped(w, r)
	if !ok {
		return
	}
	res, err := s.ledger.SweepOverdue(r.Context(), companyID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reversalPreviewHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalAmount       decimal.Decimal `json:"total_amount"`
		CurrentPaidAmount decimal.Decimal `json:"current_paid_amount"`
		ReversedAmount    decimal.Decimal `json:"reversed_amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ReversedAmount.IsNegative() {
		s.writeError(w, ledger.ErrInvalidAmount)
		return
	}
	writeJSON(w, http.StatusOK, ledger.ReverseApplication(req.TotalAmount, req.CurrentPaidAmount, req.ReversedAmount))
}

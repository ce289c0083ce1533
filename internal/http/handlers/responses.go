package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/hongminglow/all-in-ledger/internal/http/respond"
	"github.com/hongminglow/all-in-ledger/internal/ledger"
)

var ledgerErrors = []struct {
	err    error
	status int
	reason string
}{
	{ledger.ErrSameAccount, http.StatusBadRequest, "same_account"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
	{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{ledger.ErrLoanLimitExceeded, http.StatusUnprocessableEntity, "loan_limit_exceeded"},
	{ledger.ErrLoanNotApproved, http.StatusUnprocessableEntity, "loan_not_approved"},
	{ledger.ErrLoanState, http.StatusUnprocessableEntity, "loan_state"},
	{ledger.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{ledger.ErrLoanNotFound, http.StatusNotFound, "loan_not_found"},
	{ledger.ErrRequestReused, http.StatusUnprocessableEntity, "request_id_reused"},
	{ledger.ErrConflict, http.StatusConflict, "conflict"},
	{ledger.ErrStoreFailure, http.StatusServiceUnavailable, "store_failure"},
}

// respondLedgerError maps engine and report errors onto HTTP statuses.
// Validation messages go back verbatim; infrastructure details are logged only.
func respondLedgerError(w http.ResponseWriter, op string, err error) {
	for _, e := range ledgerErrors {
		if !errors.Is(err, e.err) {
			continue
		}
		if e.status >= http.StatusInternalServerError || e.status == http.StatusConflict {
			log.Printf("%s: %v", op, err)
			respond.Fail(w, e.status, e.reason, e.err.Error())
			return
		}
		respond.Fail(w, e.status, e.reason, err.Error())
		return
	}
	log.Printf("%s: unexpected error: %v", op, err)
	respond.Error(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

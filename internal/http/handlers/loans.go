package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hongminglow/all-in-ledger/internal/http/respond"
	"github.com/hongminglow/all-in-ledger/internal/ledger"
	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/models/dto"
)

func (h *LedgerHandler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	loans, err := h.reports.ListLoans(r.Context(), account.ID)
	if err != nil {
		respondLedgerError(w, "list loans", err)
		return
	}
	if loans == nil {
		loans = []models.Transaction{}
	}
	respond.JSON(w, http.StatusOK, "loans", loans)
}

func (h *LedgerHandler) handleRequestLoan(w http.ResponseWriter, r *http.Request) {
	h.handleAmount(w, r, ledger.KindLoanRequest, "loan requested")
}

func (h *LedgerHandler) handlePayLoan(w http.ResponseWriter, r *http.Request) {
	account, caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	loanID, err := pathID(r)
	if err != nil {
		respondLedgerError(w, "pay loan", fmt.Errorf("%w: %q", ledger.ErrLoanNotFound, mux.Vars(r)["id"]))
		return
	}
	var req dto.PayLoanRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.engine.Execute(r.Context(), ledger.Operation{
		Kind:      ledger.KindLoanPayment,
		AccountID: account.ID,
		LoanID:    loanID,
		RequestID: caller.requestID(r, strings.TrimSpace(req.RequestID)),
	})
	if err != nil {
		respondLedgerError(w, "pay loan", err)
		return
	}
	rec := res.Transactions[0]
	after := accountIn(res, account)
	if !res.Replayed {
		h.notify(r.Context(), after, rec)
	}
	respond.JSON(w, http.StatusOK, "loan repaid", dto.TransactionResponse{Transaction: rec, Account: after, Replayed: res.Replayed})
}

// handleLoanDecision serves the admin approve and reject endpoints.
func (h *LedgerHandler) handleLoanDecision(kind ledger.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		loanID, err := pathID(r)
		if err != nil {
			respondLedgerError(w, kind.String(), fmt.Errorf("%w: %q", ledger.ErrLoanNotFound, mux.Vars(r)["id"]))
			return
		}
		res, err := h.engine.Execute(r.Context(), ledger.Operation{Kind: kind, LoanID: loanID})
		if err != nil {
			respondLedgerError(w, kind.String(), err)
			return
		}
		rec := res.Transactions[0]
		var account models.Account
		if len(res.Accounts) > 0 {
			account = res.Accounts[0]
		}
		message := "loan approved"
		if kind == ledger.KindLoanRejection {
			message = "loan rejected"
		}
		respond.JSON(w, http.StatusOK, message, dto.TransactionResponse{Transaction: rec, Account: account})
	}
}

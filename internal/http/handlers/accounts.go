package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/hongminglow/all-in-ledger/internal/http/respond"
	"github.com/hongminglow/all-in-ledger/internal/ledger"
	"github.com/hongminglow/all-in-ledger/internal/middleware"
	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/models/dto"
	"github.com/hongminglow/all-in-ledger/internal/notify"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// LedgerHandler exposes the caller's account, money movement and reports.
type LedgerHandler struct {
	engine   *ledger.Engine
	reports  *ledger.Reports
	accounts storage.AccountReader
	users    storage.UserStore
	notifier notify.Notifier
}

// NewLedgerHandler builds the handler. A nil notifier disables notifications.
func NewLedgerHandler(engine *ledger.Engine, reports *ledger.Reports, accounts storage.AccountReader, users storage.UserStore, notifier notify.Notifier) *LedgerHandler {
	return &LedgerHandler{engine: engine, reports: reports, accounts: accounts, users: users, notifier: notifier}
}

// Register attaches routes for authenticated customers.
func (h *LedgerHandler) Register(r *mux.Router) {
	r.HandleFunc("/account", h.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/transactions", h.handleStatement).Methods(http.MethodGet)
	r.HandleFunc("/transactions/deposit", h.handleDeposit).Methods(http.MethodPost)
	r.HandleFunc("/transactions/withdraw", h.handleWithdraw).Methods(http.MethodPost)
	r.HandleFunc("/transactions/transfer", h.handleTransfer).Methods(http.MethodPost)
	r.HandleFunc("/loans", h.handleListLoans).Methods(http.MethodGet)
	r.HandleFunc("/loans", h.handleRequestLoan).Methods(http.MethodPost)
	r.HandleFunc("/loans/{id}/pay", h.handlePayLoan).Methods(http.MethodPost)
}

// RegisterAdmin attaches routes that need the admin role.
func (h *LedgerHandler) RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/loans/{id}/approve", h.handleLoanDecision(ledger.KindLoanApproval)).Methods(http.MethodPost)
	r.HandleFunc("/loans/{id}/reject", h.handleLoanDecision(ledger.KindLoanRejection)).Methods(http.MethodPost)
	r.HandleFunc("/reserve", h.handleReserve).Methods(http.MethodGet)
}

// callerAccount resolves the account owned by the authenticated user.
func (h *LedgerHandler) callerAccount(w http.ResponseWriter, r *http.Request) (models.Account, principal, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "missing bearer token")
		return models.Account{}, principal{}, false
	}
	account, err := h.accounts.AccountByUser(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respond.Fail(w, http.StatusNotFound, "account_not_found", "no account for this user")
			return models.Account{}, principal{}, false
		}
		log.Printf("account lookup for user %d: %v", claims.UserID, err)
		respond.Fail(w, http.StatusServiceUnavailable, "store_failure", ledger.ErrStoreFailure.Error())
		return models.Account{}, principal{}, false
	}
	return account, principal{userID: claims.UserID}, true
}

type principal struct {
	userID int64
}

// requestID scopes a client-supplied idempotency key to its user so two
// customers can never collide.
func (a principal) requestID(r *http.Request, fromBody string) string {
	key := strings.TrimSpace(fromBody)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s", a.userID, key)
}

func (h *LedgerHandler) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	respond.JSON(w, http.StatusOK, "account", account)
}

func (h *LedgerHandler) handleStatement(w http.ResponseWriter, r *http.Request) {
	account, _, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	rng, err := ledger.ParseDateRange(
		strings.TrimSpace(r.URL.Query().Get("start_date")),
		strings.TrimSpace(r.URL.Query().Get("end_date")),
	)
	if err != nil {
		respondLedgerError(w, "statement", err)
		return
	}

	var (
		txns    []models.Transaction
		summary ledger.BalanceSummary
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		txns, err = h.reports.GetStatement(ctx, account.ID, rng)
		return err
	})
	g.Go(func() error {
		var err error
		summary, err = h.reports.GetBalanceSummary(ctx, account.ID, rng)
		return err
	})
	if err := g.Wait(); err != nil {
		respondLedgerError(w, "statement", err)
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	respond.JSON(w, http.StatusOK, "statement", dto.StatementResponse{
		Account:      account,
		Summary:      summary,
		Transactions: txns,
	})
}

func (h *LedgerHandler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleAmount(w, r, ledger.KindDeposit, "deposit successful")
}

func (h *LedgerHandler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleAmount(w, r, ledger.KindWithdraw, "withdrawal successful")
}

// handleAmount serves the single-account operations that take only an amount.
func (h *LedgerHandler) handleAmount(w http.ResponseWriter, r *http.Request, kind ledger.Kind, message string) {
	account, caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	var req dto.AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.engine.Execute(r.Context(), ledger.Operation{
		Kind:      kind,
		AccountID: account.ID,
		Amount:    req.Amount,
		RequestID: caller.requestID(r, req.RequestID),
	})
	if err != nil {
		respondLedgerError(w, kind.String(), err)
		return
	}
	rec := res.Transactions[0]
	after := accountIn(res, account)
	if !res.Replayed && kind != ledger.KindLoanRequest {
		h.notify(r.Context(), after, rec)
	}
	status := http.StatusOK
	if kind == ledger.KindLoanRequest && !res.Replayed {
		status = http.StatusCreated
	}
	respond.JSON(w, status, message, dto.TransactionResponse{Transaction: rec, Account: after, Replayed: res.Replayed})
}

func (h *LedgerHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	account, caller, ok := h.callerAccount(w, r)
	if !ok {
		return
	}
	var req dto.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receiver, err := h.accounts.AccountByNumber(r.Context(), req.AccountNumber)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondLedgerError(w, "transfer", fmt.Errorf("%w: account number %d", ledger.ErrAccountNotFound, req.AccountNumber))
			return
		}
		respondLedgerError(w, "transfer", fmt.Errorf("%w: %w", ledger.ErrStoreFailure, err))
		return
	}
	res, err := h.engine.Execute(r.Context(), ledger.Operation{
		Kind:           ledger.KindTransfer,
		AccountID:      account.ID,
		CounterpartyID: receiver.ID,
		Amount:         req.Amount,
		RequestID:      caller.requestID(r, req.RequestID),
	})
	if err != nil {
		respondLedgerError(w, "transfer", err)
		return
	}
	sent, received, err := res.Pair()
	if err != nil {
		respondLedgerError(w, "transfer", err)
		return
	}
	after := accountIn(res, account)
	if !res.Replayed {
		h.notify(r.Context(), after, sent)
		h.notify(r.Context(), accountIn(res, receiver), received)
	}
	respond.JSON(w, http.StatusOK, "transfer successful", dto.TransferResponse{
		Sent:     sent,
		Received: received,
		Account:  after,
		Replayed: res.Replayed,
	})
}

func (h *LedgerHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	total, err := h.reports.Reserve(r.Context())
	if err != nil {
		respondLedgerError(w, "reserve", err)
		return
	}
	respond.JSON(w, http.StatusOK, "reserve", dto.ReserveResponse{Total: total})
}

// notify tells the account owner about a committed record. Failures are
// logged and never change the response.
func (h *LedgerHandler) notify(ctx context.Context, account models.Account, rec models.Transaction) {
	if h.notifier == nil {
		return
	}
	user, err := h.users.FindUserByID(ctx, account.UserID)
	if err != nil {
		log.Printf("notify: lookup user %d: %v", account.UserID, err)
		return
	}
	err = h.notifier.Notify(ctx, notify.Event{
		User:      user,
		Type:      rec.Type,
		Amount:    rec.Amount,
		Balance:   rec.BalanceAfter,
		Timestamp: rec.CreatedAt,
	})
	if err != nil {
		log.Printf("notify: %s for account %d: %v", rec.Type, account.Number, err)
	}
}

// accountIn picks the post-commit copy of fallback out of res.
func accountIn(res ledger.Result, fallback models.Account) models.Account {
	for _, a := range res.Accounts {
		if a.ID == fallback.ID {
			return a
		}
	}
	return fallback
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

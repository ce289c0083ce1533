package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// DateLayout is the calendar-date format accepted for report ranges.
const DateLayout = "2006-01-02"

// DateRange selects calendar days, both ends inclusive. Only the year, month
// and day of Start and End are used.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange builds a range from two YYYY-MM-DD strings. Two empty strings
// mean no range and return nil.
func ParseDateRange(start, end string) (*DateRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("%w: both start and end dates are required", ErrInvalidRange)
	}
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start date %q", ErrInvalidRange, start)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end date %q", ErrInvalidRange, end)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidRange, end, start)
	}
	return &DateRange{Start: s, End: e}, nil
}

// bounds returns [since, until) covering the range's days in loc.
func (r DateRange) bounds(loc *time.Location) (time.Time, time.Time) {
	sy, sm, sd := r.Start.Date()
	ey, em, ed := r.End.Date()
	since := time.Date(sy, sm, sd, 0, 0, 0, 0, loc)
	until := time.Date(ey, em, ed, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return since, until
}

// Reports serves read-only views over accounts and the ledger.
type Reports struct {
	store storage.Ledger
	loc   *time.Location
}

// NewReports creates a report service. Calendar dates are interpreted in loc;
// nil means UTC.
func NewReports(store storage.Ledger, loc *time.Location) *Reports {
	if loc == nil {
		loc = time.UTC
	}
	return &Reports{store: store, loc: loc}
}

// BalanceSummary is either the current balance (no range) or the total of
// the account's transaction amounts inside the range.
type BalanceSummary struct {
	AccountID uuid.UUID       `json:"account_id"`
	Ranged    bool            `json:"ranged"`
	Start     string          `json:"start_date,omitempty"`
	End       string          `json:"end_date,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

// GetAccount returns the committed state of an account.
func (r *Reports) GetAccount(ctx context.Context, accountID uuid.UUID) (models.Account, error) {
	account, err := r.store.AccountByID(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return account, nil
}

// GetStatement lists the account's transactions oldest first, optionally
// limited to a date range.
func (r *Reports) GetStatement(ctx context.Context, accountID uuid.UUID, rng *DateRange) ([]models.Transaction, error) {
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	txns, err := r.store.Transactions(ctx, r.query(accountID, rng))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return txns, nil
}

// GetBalanceSummary returns the current balance, or with a range the sum of
// the account's transaction amounts within it.
func (r *Reports) GetBalanceSummary(ctx context.Context, accountID uuid.UUID, rng *DateRange) (BalanceSummary, error) {
	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return BalanceSummary{}, err
	}
	summary := BalanceSummary{AccountID: accountID, Amount: account.Balance}
	if rng == nil {
		return summary, nil
	}
	total, err := r.store.SumAmounts(ctx, r.query(accountID, rng))
	if err != nil {
		return BalanceSummary{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	summary.Ranged = true
	summary.Start = rng.Start.Format(DateLayout)
	summary.End = rng.End.Format(DateLayout)
	summary.Amount = total
	return summary, nil
}

// ListLoans returns every loan record of the account in timestamp order,
// whatever its status.
func (r *Reports) ListLoans(ctx context.Context, accountID uuid.UUID) ([]models.Transaction, error) {
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	txns, err := r.store.Transactions(ctx, storage.TransactionQuery{
		AccountID: accountID,
		Types:     []models.TransactionType{models.LoanRequest, models.LoanPayment},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return txns, nil
}

// Reserve returns the bank-wide total of balances.
func (r *Reports) Reserve(ctx context.Context) (decimal.Decimal, error) {
	total, err := r.store.ReserveTotal(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
	return total, nil
}

func (r *Reports) query(accountID uuid.UUID, rng *DateRange) storage.TransactionQuery {
	q := storage.TransactionQuery{AccountID: accountID}
	if rng != nil {
		q.Since, q.Until = rng.bounds(r.loc)
	}
	return q
}

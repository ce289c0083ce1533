package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// ErrConflict indicates lock or version contention; the unit of work may be retried.
var ErrConflict = errors.New("concurrent update conflict")

// ProcessedRequest is the outcome stored against a client request ID.
type ProcessedRequest struct {
	// Fingerprint identifies the operation the ID was first used for.
	Fingerprint    string
	TransactionIDs []uuid.UUID
}

// ReserveShards is the number of partial sums the bank reserve is split into.
const ReserveShards = 16

// ReserveShard maps an account to its reserve shard.
func ReserveShard(accountID uuid.UUID) int {
	return int(accountID[15]) % ReserveShards
}

// UserStore captures persistence operations needed by the onboarding handlers.
type UserStore interface {
	// CreateUserWithAccount inserts the user and its account atomically.
	// The account's ID, number and owner are assigned by the store.
	CreateUserWithAccount(ctx context.Context, user models.User, account models.Account) (models.User, models.Account, error)
	FindByUsernameOrEmail(ctx context.Context, identifier string) (models.User, error)
	FindUserByID(ctx context.Context, id int64) (models.User, error)
}

// TransactionQuery filters ledger reads. Zero values mean "no filter".
// Until is exclusive.
type TransactionQuery struct {
	AccountID uuid.UUID
	Since     time.Time
	Until     time.Time
	Types     []models.TransactionType
}

// Matches reports whether t passes the query.
func (q TransactionQuery) Matches(t models.Transaction) bool {
	if q.AccountID != uuid.Nil && t.AccountID != q.AccountID {
		return false
	}
	if !q.Since.IsZero() && t.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !t.CreatedAt.Before(q.Until) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, typ := range q.Types {
		if t.Type == typ {
			return true
		}
	}
	return false
}

// AccountReader exposes committed account state.
type AccountReader interface {
	AccountByID(ctx context.Context, id uuid.UUID) (models.Account, error)
	AccountByNumber(ctx context.Context, number int64) (models.Account, error)
	AccountByUser(ctx context.Context, userID int64) (models.Account, error)
}

// Ledger is the account store plus the transaction log. Mutations only happen
// inside WithinTx.
type Ledger interface {
	AccountReader

	// WithinTx runs fn as one all-or-nothing unit of work. If fn returns an
	// error nothing it did is visible afterwards.
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	// Transactions returns matching records ordered by CreatedAt.
	Transactions(ctx context.Context, q TransactionQuery) ([]models.Transaction, error)
	SumAmounts(ctx context.Context, q TransactionQuery) (decimal.Decimal, error)
	ReserveTotal(ctx context.Context) (decimal.Decimal, error)
}

// LedgerTx is the view of the store inside a unit of work.
type LedgerTx interface {
	// LockAccounts acquires exclusive locks on the given accounts in ascending
	// ID order and returns them in the order requested. A lock that cannot be
	// obtained within the store's bound yields ErrConflict; a missing account
	// yields ErrNotFound.
	LockAccounts(ctx context.Context, ids ...uuid.UUID) ([]models.Account, error)
	SetBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error
	// AdjustReserve adds delta to the reserve shard of the account.
	AdjustReserve(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error
	ReserveTotal(ctx context.Context) (decimal.Decimal, error)

	AppendTransaction(ctx context.Context, t models.Transaction) error
	// Transaction reads a record as seen by this unit of work.
	Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	UpdateTransaction(ctx context.Context, t models.Transaction) error
	CountLoans(ctx context.Context, accountID uuid.UUID, status models.LoanStatus) (int, error)
	// LatestPostedAt returns the newest PostedAt on the account, zero if none.
	LatestPostedAt(ctx context.Context, accountID uuid.UUID) (time.Time, error)

	// FindRequest returns what was committed for a request ID.
	FindRequest(ctx context.Context, requestID string) (ProcessedRequest, bool, error)
	// SaveRequest records a request ID; a concurrent duplicate yields ErrConflict.
	SaveRequest(ctx context.Context, requestID string, req ProcessedRequest) error
}

// Package ledger validates and applies balance-changing operations and keeps
// the per-account transaction history consistent with balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// Engine runs operations against a storage.Ledger. It is safe for concurrent use.
type Engine struct {
	store    storage.Ledger
	policy   Policy
	now      func() time.Time
	attempts int
	backoff  time.Duration
	flight   singleflight.Group
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now as the source of commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRetry sets how many times a conflicting unit of work is attempted and
// the initial backoff between attempts. The backoff doubles each time.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.attempts = attempts
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

// NewEngine creates an engine enforcing policy.
func NewEngine(store storage.Ledger, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		policy:   policy,
		now:      time.Now,
		attempts: 3,
		backoff:  25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the limits the engine enforces.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Execute validates and commits op as one unit. Operations carrying a
// RequestID that was already committed return the records from the first
// commit, or ErrRequestReused if the ID was committed for a different operation.
// Duplicates in flight share one commit, which outlives any single caller's
// cancellation.
func (e *Engine) Execute(ctx context.Context, op Operation) (Result, error) {
	s, ok := strategies[op.Kind]
	if !ok {
		return Result{}, fmt.Errorf("ledger: unknown operation %s", op.Kind)
	}
	if err := s.precheck(e.policy, op); err != nil {
		return Result{}, err
	}
	if op.RequestID == "" {
		return e.run(ctx, s, op)
	}
	v, err, _ := e.flight.Do(op.RequestID+"\x00"+op.fingerprint(), func() (any, error) {
		return e.run(context.WithoutCancel(ctx), s, op)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (e *Engine) run(ctx context.Context, s strategy, op Operation) (Result, error) {
	delay := e.backoff
	for attempt := 1; ; attempt++ {
		res, err := e.attempt(ctx, s, op)
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= e.attempts {
			if errors.Is(err, ErrStoreFailure) {
				log.Printf("ledger: %s failed: %v", op.Kind, err)
			}
			return res, err
		}
		log.Printf("ledger: %s conflict on attempt %d/%d: %v", op.Kind, attempt, e.attempts, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, fmt.Errorf("%w: %w", ErrConflict, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

func (e *Engine) attempt(ctx context.Context, s strategy, op Operation) (Result, error) {
	var res Result
	err := e.store.WithinTx(ctx, func(tx storage.LedgerTx) error {
		res = Result{Kind: op.Kind}
		if op.RequestID != "" {
			prior, found, err := tx.FindRequest(ctx, op.RequestID)
			if err != nil {
				return err
			}
			if found {
				if prior.Fingerprint != op.fingerprint() {
					return fmt.Errorf("%w: %s", ErrRequestReused, op.Kind)
				}
				res.Replayed = true
				for _, id := range prior.TransactionIDs {
					rec, err := tx.Transaction(ctx, id)
					if err != nil {
						return err
					}
					res.Transactions = append(res.Transactions, rec)
				}
				return nil
			}
		}

		u := &unit{
			tx:        tx,
			policy:    e.policy,
			clock:     e.now().UTC().Truncate(time.Microsecond),
			requestID: op.RequestID,
		}
		recs, err := s.apply(ctx, u, op)
		if err != nil {
			return err
		}
		if op.RequestID != "" {
			ids := make([]uuid.UUID, len(recs))
			for i, rec := range recs {
				ids[i] = rec.ID
			}
			req := storage.ProcessedRequest{Fingerprint: op.fingerprint(), TransactionIDs: ids}
			if err := tx.SaveRequest(ctx, op.RequestID, req); err != nil {
				return err
			}
		}
		res.Transactions = recs
		res.Accounts = u.touched
		return nil
	})
	if err != nil {
		return Result{}, classify(err)
	}
	if res.Replayed {
		if res.Accounts, err = e.accountsOf(ctx, res.Transactions); err != nil {
			return Result{}, classify(err)
		}
	}
	return res, nil
}

func (e *Engine) accountsOf(ctx context.Context, recs []models.Transaction) ([]models.Account, error) {
	var out []models.Account
	seen := make(map[uuid.UUID]bool)
	for _, rec := range recs {
		if seen[rec.AccountID] {
			continue
		}
		seen[rec.AccountID] = true
		a, err := e.store.AccountByID(ctx, rec.AccountID)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Deposit credits amount to the account.
func (e *Engine) Deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (models.Transaction, error) {
	return e.single(ctx, Operation{Kind: KindDeposit, AccountID: accountID, Amount: amount})
}

// Withdraw debits amount from the account.
func (e *Engine) Withdraw(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (models.Transaction, error) {
	return e.single(ctx, Operation{Kind: KindWithdraw, AccountID: accountID, Amount: amount})
}

// Transfer moves amount between two accounts and returns the sender's and
// receiver's records.
func (e *Engine) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal) (models.Transaction, models.Transaction, error) {
	res, err := e.Execute(ctx, Operation{Kind: KindTransfer, AccountID: from, CounterpartyID: to, Amount: amount})
	if err != nil {
		return models.Transaction{}, models.Transaction{}, err
	}
	return res.Pair()
}

// RequestLoan records a pending loan; the balance is unchanged.
func (e *Engine) RequestLoan(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (models.Transaction, error) {
	return e.single(ctx, Operation{Kind: KindLoanRequest, AccountID: accountID, Amount: amount})
}

// ApproveLoan marks a pending loan approved.
func (e *Engine) ApproveLoan(ctx context.Context, loanID uuid.UUID) (models.Transaction, error) {
	return e.single(ctx, Operation{Kind: KindLoanApproval, LoanID: loanID})
}

// RejectLoan closes a pending loan without approving it.
func (e *Engine) RejectLoan(ctx context.Context, loanID uuid.UUID) (models.Transaction, error) {
	return e.single(ctx, Operation{Kind: KindLoanRejection, LoanID: loanID})
}

// PayLoan repays an approved loan in full from the account and returns the
// loan record, now of type loan_payment.
func (e *Engine) PayLoan(ctx context.Context, accountID, loanID uuid.UUID) (models.Transaction, error) {
	return e.single(ctx, Operation{Kind: KindLoanPayment, AccountID: accountID, LoanID: loanID})
}

func (e *Engine) single(ctx context.Context, op Operation) (models.Transaction, error) {
	res, err := e.Execute(ctx, op)
	if err != nil {
		return models.Transaction{}, err
	}
	return res.Transactions[0], nil
}

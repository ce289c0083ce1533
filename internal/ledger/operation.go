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

// Kind tags an Operation with the rule set and mutation it runs.
type Kind int

const (
	KindDeposit Kind = iota + 1
	KindWithdraw
	KindTransfer
	KindLoanRequest
	KindLoanApproval
	KindLoanRejection
	KindLoanPayment
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindTransfer:
		return "transfer"
	case KindLoanRequest:
		return "loan request"
	case KindLoanApproval:
		return "loan approval"
	case KindLoanRejection:
		return "loan rejection"
	case KindLoanPayment:
		return "loan payment"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is one balance-affecting request. Which fields matter depends on Kind:
// AccountID for everything except approval/rejection, CounterpartyID for
// transfers, LoanID for approval/rejection/payment, Amount for deposits,
// withdrawals, transfers and loan requests.
type Operation struct {
	Kind           Kind
	AccountID      uuid.UUID
	CounterpartyID uuid.UUID
	LoanID         uuid.UUID
	Amount         decimal.Decimal
	// RequestID de-duplicates retries of the same logical request.
	RequestID string
}

// fingerprint identifies what op does, independent of its RequestID. A
// request ID may only be replayed for an operation with the same fingerprint.
func (op Operation) fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", op.Kind, op.AccountID, op.CounterpartyID, op.LoanID, op.Amount.String())
}

// Result is what a committed operation produced.
type Result struct {
	Kind         Kind
	Transactions []models.Transaction
	// Accounts holds the post-commit state of every account involved.
	Accounts []models.Account
	// Replayed is set when RequestID had already been committed and nothing
	// was applied this time.
	Replayed bool
}

// Pair returns the sender's and receiver's records of a transfer.
func (r Result) Pair() (models.Transaction, models.Transaction, error) {
	if r.Kind != KindTransfer || len(r.Transactions) != 2 {
		return models.Transaction{}, models.Transaction{}, fmt.Errorf("%w: %s produced %d records, want a transfer pair",
			ErrStoreFailure, r.Kind, len(r.Transactions))
	}
	return r.Transactions[0], r.Transactions[1], nil
}

// strategy is the per-kind half of the engine. precheck runs before the
// store is touched; apply runs inside the unit of work.
type strategy interface {
	precheck(p Policy, op Operation) error
	apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error)
}

var strategies = map[Kind]strategy{
	KindDeposit:       depositStrategy{},
	KindWithdraw:      withdrawStrategy{},
	KindTransfer:      transferStrategy{},
	KindLoanRequest:   loanRequestStrategy{},
	KindLoanApproval:  loanDecisionStrategy{approve: true},
	KindLoanRejection: loanDecisionStrategy{approve: false},
	KindLoanPayment:   loanPaymentStrategy{},
}

// unit carries one attempt's state through a strategy.
type unit struct {
	tx        storage.LedgerTx
	policy    Policy
	clock     time.Time
	at        time.Time
	requestID string
	touched   []models.Account
}

func (u *unit) lock(ctx context.Context, ids ...uuid.UUID) ([]models.Account, error) {
	accounts, err := u.tx.LockAccounts(ctx, ids...)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrAccountNotFound, err)
	}
	return accounts, err
}

func (u *unit) approvedLoans(ctx context.Context, accountID uuid.UUID) (int, error) {
	return u.tx.CountLoans(ctx, accountID, models.LoanApproved)
}

// stamp fixes the commit time: the clock reading, but never earlier than the
// latest record already posted on any involved account.
func (u *unit) stamp(ctx context.Context, ids ...uuid.UUID) error {
	at := u.clock
	for _, id := range ids {
		latest, err := u.tx.LatestPostedAt(ctx, id)
		if err != nil {
			return err
		}
		if latest.After(at) {
			at = latest
		}
	}
	u.at = at
	return nil
}

// post moves an account balance and the reserve by delta.
func (u *unit) post(ctx context.Context, account models.Account, delta decimal.Decimal) (models.Account, error) {
	account.Balance = account.Balance.Add(delta)
	if err := u.tx.SetBalance(ctx, account.ID, account.Balance); err != nil {
		return models.Account{}, err
	}
	if err := u.tx.AdjustReserve(ctx, account.ID, delta); err != nil {
		return models.Account{}, err
	}
	u.touch(account)
	return account, nil
}

func (u *unit) touch(account models.Account) {
	for i := range u.touched {
		if u.touched[i].ID == account.ID {
			u.touched[i] = account
			return
		}
	}
	u.touched = append(u.touched, account)
}

func (u *unit) record(account models.Account, typ models.TransactionType, amount decimal.Decimal) models.Transaction {
	return models.Transaction{
		ID:           uuid.New(),
		AccountID:    account.ID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: account.Balance,
		RequestID:    u.requestID,
		CreatedAt:    u.at,
	}
}

// loan loads a loan record and locks its account, then re-reads the record
// under the lock.
func (u *unit) loan(ctx context.Context, loanID, owner uuid.UUID) (models.Transaction, models.Account, error) {
	loan, err := u.tx.Transaction(ctx, loanID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Transaction{}, models.Account{}, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	if err != nil {
		return models.Transaction{}, models.Account{}, err
	}
	if !loan.Type.IsLoan() || (owner != uuid.Nil && loan.AccountID != owner) {
		return models.Transaction{}, models.Account{}, fmt.Errorf("%w: %s", ErrLoanNotFound, loanID)
	}
	accounts, err := u.lock(ctx, loan.AccountID)
	if err != nil {
		return models.Transaction{}, models.Account{}, err
	}
	if loan, err = u.tx.Transaction(ctx, loanID); err != nil {
		return models.Transaction{}, models.Account{}, err
	}
	return loan, accounts[0], nil
}

func requireAccount(op Operation) error {
	if op.AccountID == uuid.Nil {
		return fmt.Errorf("%w: account is required", ErrAccountNotFound)
	}
	return nil
}

type depositStrategy struct{}

func (depositStrategy) precheck(p Policy, op Operation) error {
	if err := requireAccount(op); err != nil {
		return err
	}
	return p.ValidateDeposit(op.Amount)
}

func (depositStrategy) apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error) {
	accounts, err := u.lock(ctx, op.AccountID)
	if err != nil {
		return nil, err
	}
	if err := u.stamp(ctx, op.AccountID); err != nil {
		return nil, err
	}
	account, err := u.post(ctx, accounts[0], op.Amount)
	if err != nil {
		return nil, err
	}
	rec := u.record(account, models.Deposit, op.Amount)
	if err := u.tx.AppendTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return []models.Transaction{rec}, nil
}

type withdrawStrategy struct{}

func (withdrawStrategy) precheck(_ Policy, op Operation) error {
	if err := requireAccount(op); err != nil {
		return err
	}
	return CheckAmount(op.Amount)
}

func (withdrawStrategy) apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error) {
	accounts, err := u.lock(ctx, op.AccountID)
	if err != nil {
		return nil, err
	}
	reserve, err := u.tx.ReserveTotal(ctx)
	if err != nil {
		return nil, err
	}
	state := AccountState{ID: accounts[0].ID, Balance: accounts[0].Balance, Reserve: reserve}
	if err := u.policy.ValidateWithdraw(state, op.Amount); err != nil {
		return nil, err
	}
	if err := u.stamp(ctx, op.AccountID); err != nil {
		return nil, err
	}
	account, err := u.post(ctx, accounts[0], op.Amount.Neg())
	if err != nil {
		return nil, err
	}
	rec := u.record(account, models.Withdraw, op.Amount)
	if err := u.tx.AppendTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return []models.Transaction{rec}, nil
}

type transferStrategy struct{}

func (transferStrategy) precheck(_ Policy, op Operation) error {
	if err := requireAccount(op); err != nil {
		return err
	}
	if err := ValidateTransferParties(op.AccountID, op.CounterpartyID); err != nil {
		return err
	}
	return CheckAmount(op.Amount)
}

func (transferStrategy) apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error) {
	accounts, err := u.lock(ctx, op.AccountID, op.CounterpartyID)
	if err != nil {
		return nil, err
	}
	sender, receiver := accounts[0], accounts[1]
	if err := u.policy.ValidateTransfer(AccountState{ID: sender.ID, Balance: sender.Balance}, op.Amount); err != nil {
		return nil, err
	}
	if err := u.stamp(ctx, sender.ID, receiver.ID); err != nil {
		return nil, err
	}

	if sender, err = u.post(ctx, sender, op.Amount.Neg()); err != nil {
		return nil, err
	}
	if receiver, err = u.post(ctx, receiver, op.Amount); err != nil {
		return nil, err
	}

	correlation := uuid.New()
	out := u.record(sender, models.TransferOut, op.Amount)
	out.CorrelationID, out.CounterpartyID = &correlation, &receiver.ID
	in := u.record(receiver, models.TransferIn, op.Amount)
	in.CorrelationID, in.CounterpartyID = &correlation, &sender.ID

	for _, rec := range []models.Transaction{out, in} {
		if err := u.tx.AppendTransaction(ctx, rec); err != nil {
			return nil, err
		}
	}
	return []models.Transaction{out, in}, nil
}

type loanRequestStrategy struct{}

func (loanRequestStrategy) precheck(_ Policy, op Operation) error {
	if err := requireAccount(op); err != nil {
		return err
	}
	return CheckAmount(op.Amount)
}

func (loanRequestStrategy) apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error) {
	accounts, err := u.lock(ctx, op.AccountID)
	if err != nil {
		return nil, err
	}
	approved, err := u.approvedLoans(ctx, op.AccountID)
	if err != nil {
		return nil, err
	}
	state := AccountState{ID: accounts[0].ID, Balance: accounts[0].Balance, ApprovedLoans: approved}
	if err := u.policy.ValidateLoanRequest(state, op.Amount); err != nil {
		return nil, err
	}
	if err := u.stamp(ctx, op.AccountID); err != nil {
		return nil, err
	}
	u.touch(accounts[0])
	rec := u.record(accounts[0], models.LoanRequest, op.Amount)
	rec.LoanStatus = models.LoanRequested
	if err := u.tx.AppendTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return []models.Transaction{rec}, nil
}

// loanDecisionStrategy approves or rejects a pending loan. Neither moves money.
type loanDecisionStrategy struct {
	approve bool
}

func (loanDecisionStrategy) precheck(_ Policy, op Operation) error {
	if op.LoanID == uuid.Nil {
		return fmt.Errorf("%w: loan is required", ErrLoanNotFound)
	}
	return nil
}

func (s loanDecisionStrategy) apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error) {
	loan, account, err := u.loan(ctx, op.LoanID, op.AccountID)
	if err != nil {
		return nil, err
	}
	state := AccountState{ID: account.ID, Balance: account.Balance}
	if s.approve {
		if state.ApprovedLoans, err = u.approvedLoans(ctx, account.ID); err != nil {
			return nil, err
		}
		if err := u.policy.ValidateLoanApproval(state, loan); err != nil {
			return nil, err
		}
		loan.LoanStatus, loan.LoanApproved = models.LoanApproved, true
	} else {
		if err := ValidateLoanRejection(state, loan); err != nil {
			return nil, err
		}
		loan.LoanStatus = models.LoanRejected
	}
	u.touch(account)
	if err := u.tx.UpdateTransaction(ctx, loan); err != nil {
		return nil, err
	}
	return []models.Transaction{loan}, nil
}

type loanPaymentStrategy struct{}

func (loanPaymentStrategy) precheck(_ Policy, op Operation) error {
	if err := requireAccount(op); err != nil {
		return err
	}
	if op.LoanID == uuid.Nil {
		return fmt.Errorf("%w: loan is required", ErrLoanNotFound)
	}
	return nil
}

func (loanPaymentStrategy) apply(ctx context.Context, u *unit, op Operation) ([]models.Transaction, error) {
	loan, account, err := u.loan(ctx, op.LoanID, op.AccountID)
	if err != nil {
		return nil, err
	}
	if err := ValidateLoanPayment(AccountState{ID: account.ID, Balance: account.Balance}, loan); err != nil {
		return nil, err
	}
	if err := u.stamp(ctx, account.ID); err != nil {
		return nil, err
	}
	if account, err = u.post(ctx, account, loan.Amount.Neg()); err != nil {
		return nil, err
	}
	settled := u.at
	loan.Type = models.LoanPayment
	loan.LoanStatus = models.LoanRepaid
	loan.BalanceAfter = account.Balance
	loan.SettledAt = &settled
	if err := u.tx.UpdateTransaction(ctx, loan); err != nil {
		return nil, err
	}
	return []models.Transaction{loan}, nil
}

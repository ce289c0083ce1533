package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
	"github.com/hongminglow/all-in-ledger/internal/storage/memory"
)

// stepClock advances one second on every reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openAccount(t *testing.T, store *memory.Store, name, balance string) models.Account {
	t.Helper()
	_, account, err := store.CreateUserWithAccount(context.Background(),
		models.User{Username: name, Email: name + "@bank.example", Phone: "0170000000"},
		models.Account{Category: models.Savings, InitialBalance: dec(balance)},
	)
	require.NoError(t, err)
	return account
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New(time.Second)
	opts = append([]Option{WithClock(newStepClock().Now), WithRetry(3, time.Millisecond)}, opts...)
	return NewEngine(store, DefaultPolicy(), opts...), store
}

func balanceOf(t *testing.T, store storage.Ledger, id uuid.UUID) decimal.Decimal {
	t.Helper()
	a, err := store.AccountByID(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// assertReplays checks the ledger of account explains its balance: replaying
// the records in PostedAt order from the initial balance reproduces every
// BalanceAfter and ends at the current balance. Records sharing a timestamp
// may be replayed in any order that fits.
func assertReplays(t *testing.T, store storage.Ledger, account models.Account) {
	t.Helper()
	ctx := context.Background()
	txns, err := store.Transactions(ctx, storage.TransactionQuery{AccountID: account.ID})
	require.NoError(t, err)
	slices.SortStableFunc(txns, func(a, b models.Transaction) int {
		return a.PostedAt().Compare(b.PostedAt())
	})

	running := account.InitialBalance
	for len(txns) > 0 {
		n := 1
		for n < len(txns) && txns[n].PostedAt().Equal(txns[0].PostedAt()) {
			n++
		}
		group := slices.Clone(txns[:n])
		txns = txns[n:]
		for len(group) > 0 {
			i := slices.IndexFunc(group, func(rec models.Transaction) bool {
				return running.Add(rec.SignedAmount()).Equal(rec.BalanceAfter)
			})
			if !assert.GreaterOrEqual(t, i, 0, "no record at %s continues the replay from %s", group[0].PostedAt(), running) {
				return
			}
			running = running.Add(group[i].SignedAmount())
			group = slices.Delete(group, i, i+1)
		}
	}
	assertDecimal(t, balanceOf(t, store, account.ID).String(), running)
}

func TestDepositMinimum(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "0")

	_, err := engine.Deposit(ctx, account.ID, dec("99"))
	require.ErrorIs(t, err, ErrInvalidAmount)
	assertDecimal(t, "0", balanceOf(t, store, account.ID))

	rec, err := engine.Deposit(ctx, account.ID, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, models.Deposit, rec.Type)
	assertDecimal(t, "100", rec.BalanceAfter)
	assertDecimal(t, "100", balanceOf(t, store, account.ID))
	assertReplays(t, store, account)
}

func TestDepositUnknownAccount(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Deposit(context.Background(), uuid.New(), dec("100"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestWithdrawEntireBalanceRejected(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "1000")

	_, err := engine.Withdraw(ctx, account.ID, dec("1000"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertDecimal(t, "1000", balanceOf(t, store, account.ID))

	rec, err := engine.Withdraw(ctx, account.ID, dec("999"))
	require.NoError(t, err)
	assertDecimal(t, "1", rec.BalanceAfter)
	assertReplays(t, store, account)

	reserve, err := store.ReserveTotal(ctx)
	require.NoError(t, err)
	assertDecimal(t, "1", reserve)
}

func TestTransferPairsRecords(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	sender := openAccount(t, store, "alice", "1000")
	receiver := openAccount(t, store, "bob", "200")

	out, in, err := engine.Transfer(ctx, sender.ID, receiver.ID, dec("500"))
	require.NoError(t, err)

	assertDecimal(t, "500", balanceOf(t, store, sender.ID))
	assertDecimal(t, "700", balanceOf(t, store, receiver.ID))
	assert.Equal(t, models.TransferOut, out.Type)
	assert.Equal(t, models.TransferIn, in.Type)
	assert.Equal(t, out.CreatedAt, in.CreatedAt)
	require.NotNil(t, out.CorrelationID)
	require.NotNil(t, in.CorrelationID)
	assert.Equal(t, *out.CorrelationID, *in.CorrelationID)
	assert.Equal(t, receiver.ID, *out.CounterpartyID)
	assert.Equal(t, sender.ID, *in.CounterpartyID)
	assertDecimal(t, "500", out.BalanceAfter)
	assertDecimal(t, "700", in.BalanceAfter)

	assertReplays(t, store, sender)
	assertReplays(t, store, receiver)

	reserve, err := store.ReserveTotal(ctx)
	require.NoError(t, err)
	assertDecimal(t, "1200", reserve)
}

func TestTransferRules(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	sender := openAccount(t, store, "alice", "300")
	receiver := openAccount(t, store, "bob", "0")

	_, _, err := engine.Transfer(ctx, sender.ID, sender.ID, dec("100"))
	assert.ErrorIs(t, err, ErrSameAccount)

	_, _, err = engine.Transfer(ctx, sender.ID, uuid.New(), dec("100"))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, _, err = engine.Transfer(ctx, sender.ID, receiver.ID, dec("300.01"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, _, err = engine.Transfer(ctx, sender.ID, receiver.ID, dec("300"))
	require.NoError(t, err)
	assertDecimal(t, "0", balanceOf(t, store, sender.ID))
	assertDecimal(t, "300", balanceOf(t, store, receiver.ID))
}

func TestLoanLifecycle(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "1000")

	loan, err := engine.RequestLoan(ctx, account.ID, dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, models.LoanRequest, loan.Type)
	assert.Equal(t, models.LoanRequested, loan.LoanStatus)
	assert.False(t, loan.LoanApproved)
	assertDecimal(t, "1000", balanceOf(t, store, account.ID))

	_, err = engine.PayLoan(ctx, account.ID, loan.ID)
	require.ErrorIs(t, err, ErrLoanNotApproved)

	approved, err := engine.ApproveLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, approved.LoanApproved)
	assert.Equal(t, models.LoanApproved, approved.LoanStatus)
	assertDecimal(t, "1000", balanceOf(t, store, account.ID))

	_, err = engine.ApproveLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrLoanState)

	// balance equal to the loan is not enough
	_, err = engine.PayLoan(ctx, account.ID, loan.ID)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = engine.Deposit(ctx, account.ID, dec("101"))
	require.NoError(t, err)
	_, err = engine.Withdraw(ctx, account.ID, dec("100"))
	require.NoError(t, err)
	assertDecimal(t, "1001", balanceOf(t, store, account.ID))

	paid, err := engine.PayLoan(ctx, account.ID, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, loan.ID, paid.ID)
	assert.Equal(t, models.LoanPayment, paid.Type)
	assert.Equal(t, models.LoanRepaid, paid.LoanStatus)
	require.NotNil(t, paid.SettledAt)
	assertDecimal(t, "1", paid.BalanceAfter)
	assertDecimal(t, "1", balanceOf(t, store, account.ID))

	_, err = engine.PayLoan(ctx, account.ID, loan.ID)
	assert.ErrorIs(t, err, ErrLoanNotApproved)

	assertReplays(t, store, account)
}

func TestPayLoanOwnership(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	owner := openAccount(t, store, "alice", "5000")
	other := openAccount(t, store, "bob", "5000")

	loan, err := engine.RequestLoan(ctx, owner.ID, dec("100"))
	require.NoError(t, err)
	_, err = engine.ApproveLoan(ctx, loan.ID)
	require.NoError(t, err)

	_, err = engine.PayLoan(ctx, other.ID, loan.ID)
	assert.ErrorIs(t, err, ErrLoanNotFound)
	_, err = engine.PayLoan(ctx, owner.ID, uuid.New())
	assert.ErrorIs(t, err, ErrLoanNotFound)

	dep, err := engine.Deposit(ctx, owner.ID, dec("100"))
	require.NoError(t, err)
	_, err = engine.PayLoan(ctx, owner.ID, dep.ID)
	assert.ErrorIs(t, err, ErrLoanNotFound)
	_, err = engine.ApproveLoan(ctx, dep.ID)
	assert.ErrorIs(t, err, ErrLoanNotFound)
}

func TestLoanCeiling(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "0")

	for i := 0; i < 3; i++ {
		loan, err := engine.RequestLoan(ctx, account.ID, dec("500"))
		require.NoError(t, err)
		_, err = engine.ApproveLoan(ctx, loan.ID)
		require.NoError(t, err)
	}

	_, err := engine.RequestLoan(ctx, account.ID, dec("500"))
	require.ErrorIs(t, err, ErrLoanLimitExceeded)

	loans, err := store.Transactions(ctx, storage.TransactionQuery{AccountID: account.ID})
	require.NoError(t, err)
	assert.Len(t, loans, 3)
}

func TestLoanApprovalRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "0")

	var pending []models.Transaction
	for i := 0; i < 4; i++ {
		loan, err := engine.RequestLoan(ctx, account.ID, dec("500"))
		require.NoError(t, err)
		pending = append(pending, loan)
	}
	for _, loan := range pending[:3] {
		_, err := engine.ApproveLoan(ctx, loan.ID)
		require.NoError(t, err)
	}
	_, err := engine.ApproveLoan(ctx, pending[3].ID)
	assert.ErrorIs(t, err, ErrLoanLimitExceeded)

	rejected, err := engine.RejectLoan(ctx, pending[3].ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanRejected, rejected.LoanStatus)
	assert.False(t, rejected.LoanApproved)

	_, err = engine.RejectLoan(ctx, pending[3].ID)
	assert.ErrorIs(t, err, ErrLoanState)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "1000")

	var succeeded, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := engine.Withdraw(ctx, account.ID, dec("600"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assertDecimal(t, "400", balanceOf(t, store, account.ID))
	assertReplays(t, store, account)
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	a := openAccount(t, store, "alice", "5000")
	b := openAccount(t, store, "bob", "5000")

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		from, to := a.ID, b.ID
		if i%2 == 1 {
			from, to = to, from
		}
		g.Go(func() error {
			_, _, err := engine.Transfer(ctx, from, to, dec("10"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assertDecimal(t, "5000", balanceOf(t, store, a.ID))
	assertDecimal(t, "5000", balanceOf(t, store, b.ID))
	reserve, err := store.ReserveTotal(ctx)
	require.NoError(t, err)
	assertDecimal(t, "10000", reserve)
	assertReplays(t, store, a)
	assertReplays(t, store, b)
}

func TestRequestIDReplays(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "0")
	op := Operation{Kind: KindDeposit, AccountID: account.ID, Amount: dec("250"), RequestID: "7:deposit-1"}

	first, err := engine.Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := engine.Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transactions[0].ID, second.Transactions[0].ID)
	require.Len(t, second.Accounts, 1)
	assertDecimal(t, "250", second.Accounts[0].Balance)
	assertDecimal(t, "250", balanceOf(t, store, account.ID))

	other := openAccount(t, store, "bob", "0")
	for _, reused := range []Operation{
		{Kind: KindWithdraw, AccountID: account.ID, Amount: dec("250")},
		{Kind: KindDeposit, AccountID: account.ID, Amount: dec("300")},
		{Kind: KindTransfer, AccountID: account.ID, CounterpartyID: other.ID, Amount: dec("250")},
		{Kind: KindLoanRequest, AccountID: account.ID, Amount: dec("250")},
	} {
		reused.RequestID = op.RequestID
		_, err := engine.Execute(ctx, reused)
		assert.ErrorIs(t, err, ErrRequestReused, reused.Kind.String())
		assert.False(t, IsValidation(err))
	}
	assertDecimal(t, "250", balanceOf(t, store, account.ID))
	assertDecimal(t, "0", balanceOf(t, store, other.ID))

	// an equal amount written differently is the same request
	op.Amount = dec("250.00")
	third, err := engine.Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, third.Replayed)

	_, _, err = third.Pair()
	assert.ErrorIs(t, err, ErrStoreFailure)
	assertReplays(t, store, account)
}

func TestSharedRequestOutlivesCallerCancellation(t *testing.T) {
	engine, store := newTestEngine(t)
	account := openAccount(t, store, "alice", "0")
	op := Operation{Kind: KindDeposit, AccountID: account.ID, Amount: dec("100"), RequestID: "1:gone"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	again, err := engine.Execute(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assertDecimal(t, "100", balanceOf(t, store, account.ID))
}

func TestConcurrentDuplicateRequestsApplyOnce(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	sender := openAccount(t, store, "alice", "1000")
	receiver := openAccount(t, store, "bob", "0")
	op := Operation{Kind: KindTransfer, AccountID: sender.ID, CounterpartyID: receiver.ID, Amount: dec("100"), RequestID: "1:t"}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := engine.Execute(ctx, op)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assertDecimal(t, "900", balanceOf(t, store, sender.ID))
	assertDecimal(t, "100", balanceOf(t, store, receiver.ID))
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	var offset atomic.Int64
	base := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }
	engine, store := newTestEngine(t, WithClock(clock))
	account := openAccount(t, store, "alice", "0")

	first, err := engine.Deposit(ctx, account.ID, dec("100"))
	require.NoError(t, err)

	offset.Store(int64(-time.Hour))
	second, err := engine.Deposit(ctx, account.ID, dec("100"))
	require.NoError(t, err)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
	assert.Equal(t, time.UTC, second.CreatedAt.Location())
}

// faultyLedger fails the nth AppendTransaction of every unit of work, or
// reports contention for the first conflicts calls to WithinTx.
type faultyLedger struct {
	storage.Ledger
	failAppend int
	conflicts  int32
	calls      atomic.Int32
}

func (f *faultyLedger) WithinTx(ctx context.Context, fn func(storage.LedgerTx) error) error {
	if f.calls.Add(1) <= f.conflicts {
		return fmt.Errorf("lock account: %w", storage.ErrConflict)
	}
	return f.Ledger.WithinTx(ctx, func(tx storage.LedgerTx) error {
		return fn(&faultyTx{LedgerTx: tx, failOn: f.failAppend})
	})
}

type faultyTx struct {
	storage.LedgerTx
	failOn  int
	appends int
}

func (f *faultyTx) AppendTransaction(ctx context.Context, rec models.Transaction) error {
	f.appends++
	if f.appends == f.failOn {
		return errors.New("disk full")
	}
	return f.LedgerTx.AppendTransaction(ctx, rec)
}

func TestStoreFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := memory.New(time.Second)
	sender := openAccount(t, store, "alice", "1000")
	receiver := openAccount(t, store, "bob", "200")
	engine := NewEngine(&faultyLedger{Ledger: store, failAppend: 2}, DefaultPolicy())

	_, _, err := engine.Transfer(ctx, sender.ID, receiver.ID, dec("500"))
	require.ErrorIs(t, err, ErrStoreFailure)
	assert.False(t, IsValidation(err))

	assertDecimal(t, "1000", balanceOf(t, store, sender.ID))
	assertDecimal(t, "200", balanceOf(t, store, receiver.ID))
	txns, err := store.Transactions(ctx, storage.TransactionQuery{})
	require.NoError(t, err)
	assert.Empty(t, txns)
	reserve, err := store.ReserveTotal(ctx)
	require.NoError(t, err)
	assertDecimal(t, "1200", reserve)
}

func TestConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.New(time.Second)
	account := openAccount(t, store, "alice", "0")

	flaky := &faultyLedger{Ledger: store, conflicts: 2}
	engine := NewEngine(flaky, DefaultPolicy(), WithRetry(3, time.Millisecond))
	_, err := engine.Deposit(ctx, account.ID, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())

	stuck := &faultyLedger{Ledger: store, conflicts: 10}
	engine = NewEngine(stuck, DefaultPolicy(), WithRetry(2, time.Millisecond))
	_, err = engine.Deposit(ctx, account.ID, dec("100"))
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int32(2), stuck.calls.Load())
	assertDecimal(t, "100", balanceOf(t, store, account.ID))
}

func TestLockTimeoutSurfacesAsConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.New(20 * time.Millisecond)
	account := openAccount(t, store, "alice", "1000")
	engine := NewEngine(store, DefaultPolicy(), WithRetry(1, time.Millisecond))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.WithinTx(ctx, func(tx storage.LedgerTx) error {
			if _, err := tx.LockAccounts(ctx, account.ID); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	_, err := engine.Deposit(ctx, account.ID, dec("100"))
	close(done)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestExecuteUnknownKind(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Execute(context.Background(), Operation{Kind: Kind(42)})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "kind(42)")
}

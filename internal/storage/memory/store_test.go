package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

func newAccount(t *testing.T, s *Store, name string, balance int64) models.Account {
	t.Helper()
	_, account, err := s.CreateUserWithAccount(context.Background(),
		models.User{Username: name, Email: name + "@bank.example"},
		models.Account{Category: models.Current, InitialBalance: decimal.NewFromInt(balance)},
	)
	require.NoError(t, err)
	return account
}

func TestCreateUserWithAccount(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)

	a := newAccount(t, s, "alice", 500)
	b := newAccount(t, s, "bob", 0)
	assert.Equal(t, int64(firstAccountNumber), a.Number)
	assert.Equal(t, int64(firstAccountNumber+1), b.Number)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(500)))

	_, _, err := s.CreateUserWithAccount(ctx, models.User{Username: "ALICE", Email: "other@bank.example"}, models.Account{})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	user, err := s.FindByUsernameOrEmail(ctx, "alice@bank.example")
	require.NoError(t, err)
	assert.Equal(t, models.CustomerRole, user.Role)

	byUser, err := s.AccountByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byUser.ID)
	byNumber, err := s.AccountByNumber(ctx, b.Number)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byNumber.ID)

	_, err = s.AccountByNumber(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.FindUserByID(ctx, 99)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	reserve, err := s.ReserveTotal(ctx)
	require.NoError(t, err)
	assert.True(t, reserve.Equal(decimal.NewFromInt(500)))
}

func TestWithinTxCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	a := newAccount(t, s, "alice", 100)

	rec := models.Transaction{ID: uuid.New(), AccountID: a.ID, Type: models.Deposit, Amount: decimal.NewFromInt(50), CreatedAt: time.Now().UTC()}
	err := s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		accounts, err := tx.LockAccounts(ctx, a.ID)
		if err != nil {
			return err
		}
		balance := accounts[0].Balance.Add(rec.Amount)
		if err := tx.SetBalance(ctx, a.ID, balance); err != nil {
			return err
		}
		if err := tx.AdjustReserve(ctx, a.ID, rec.Amount); err != nil {
			return err
		}
		rec.BalanceAfter = balance
		if err := tx.AppendTransaction(ctx, rec); err != nil {
			return err
		}

		// staged writes are visible inside the unit of work only
		committed, err := s.AccountByID(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, committed.Balance.Equal(decimal.NewFromInt(100)))
		staged, err := tx.Transaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, staged.ID)
		total, err := tx.ReserveTotal(ctx)
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(150)))
		return nil
	})
	require.NoError(t, err)

	got, err := s.AccountByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(150)))
	stored, err := s.Transaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.BalanceAfter.Equal(decimal.NewFromInt(150)))
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	a := newAccount(t, s, "alice", 100)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		if _, err := tx.LockAccounts(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, a.ID, decimal.Zero); err != nil {
			return err
		}
		if err := tx.AdjustReserve(ctx, a.ID, decimal.NewFromInt(-100)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.AccountByID(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(100)))
	reserve, err := s.ReserveTotal(ctx)
	require.NoError(t, err)
	assert.True(t, reserve.Equal(decimal.NewFromInt(100)))

	// the lock was released
	err = s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		_, err := tx.LockAccounts(ctx, a.ID)
		return err
	})
	assert.NoError(t, err)
}

func TestWritesRequireLock(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	a := newAccount(t, s, "alice", 100)

	err := s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		return tx.SetBalance(ctx, a.ID, decimal.Zero)
	})
	assert.Error(t, err)

	err = s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		_, err := tx.LockAccounts(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	s := New(10 * time.Millisecond)
	a := newAccount(t, s, "alice", 100)

	err := s.WithinTx(ctx, func(outer storage.LedgerTx) error {
		if _, err := outer.LockAccounts(ctx, a.ID); err != nil {
			return err
		}
		return s.WithinTx(ctx, func(inner storage.LedgerTx) error {
			_, err := inner.LockAccounts(ctx, a.ID)
			return err
		})
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestRequestsAndLoans(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	a := newAccount(t, s, "alice", 0)
	at := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	loan := models.Transaction{ID: uuid.New(), AccountID: a.ID, Type: models.LoanRequest, Amount: decimal.NewFromInt(10), LoanStatus: models.LoanApproved, LoanApproved: true, CreatedAt: at}

	err := s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		if _, err := tx.LockAccounts(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, loan); err != nil {
			return err
		}
		n, err := tx.CountLoans(ctx, a.ID, models.LoanApproved)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		latest, err := tx.LatestPostedAt(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, at, latest)
		return tx.SaveRequest(ctx, "1:a", storage.ProcessedRequest{Fingerprint: "loan", TransactionIDs: []uuid.UUID{loan.ID}})
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(tx storage.LedgerTx) error {
		req, found, err := tx.FindRequest(ctx, "1:a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "loan", req.Fingerprint)
		assert.Equal(t, []uuid.UUID{loan.ID}, req.TransactionIDs)
		_, found, err = tx.FindRequest(ctx, "1:b")
		require.NoError(t, err)
		assert.False(t, found)
		return tx.SaveRequest(ctx, "1:a", storage.ProcessedRequest{Fingerprint: "other"})
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	loans, err := s.Transactions(ctx, storage.TransactionQuery{AccountID: a.ID, Types: []models.TransactionType{models.LoanRequest}})
	require.NoError(t, err)
	assert.Len(t, loans, 1)
	none, err := s.Transactions(ctx, storage.TransactionQuery{AccountID: a.ID, Since: at.Add(time.Second)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

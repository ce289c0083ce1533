package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

const accountColumns = `id, number, user_id, category, date_of_birth, gender, initial_balance, balance, created_at`

const transactionColumns = `id, account_id, type, amount, balance_after, loan_approved, loan_status,
	correlation_id, counterparty_id, request_id, created_at, settled_at`

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	var category, gender string
	if err := row.Scan(&a.ID, &a.Number, &a.UserID, &category, &a.DateOfBirth, &gender,
		&a.InitialBalance, &a.Balance, &a.CreatedAt); err != nil {
		return models.Account{}, mapErr(err)
	}
	a.Category = models.AccountCategory(category)
	a.Gender = models.Gender(gender)
	return a, nil
}

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var t models.Transaction
	var typ, status string
	if err := row.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &t.BalanceAfter, &t.LoanApproved, &status,
		&t.CorrelationID, &t.CounterpartyID, &t.RequestID, &t.CreatedAt, &t.SettledAt); err != nil {
		return models.Transaction{}, mapErr(err)
	}
	t.Type = models.TransactionType(typ)
	t.LoanStatus = models.LoanStatus(status)
	return t, nil
}

func accountBy(ctx context.Context, q querier, column string, value any) (models.Account, error) {
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+column+` = $1`, value)
	return scanAccount(row)
}

// AccountByID returns the committed state of an account.
func (s *Store) AccountByID(ctx context.Context, id uuid.UUID) (models.Account, error) {
	return accountBy(ctx, s.pool, "id", id)
}

// AccountByNumber resolves a user-facing account number.
func (s *Store) AccountByNumber(ctx context.Context, number int64) (models.Account, error) {
	return accountBy(ctx, s.pool, "number", number)
}

// AccountByUser returns the account owned by a user.
func (s *Store) AccountByUser(ctx context.Context, userID int64) (models.Account, error) {
	return accountBy(ctx, s.pool, "user_id", userID)
}

func transactionByID(ctx context.Context, q querier, id uuid.UUID) (models.Transaction, error) {
	row := q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// Transaction returns a committed ledger record.
func (s *Store) Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return transactionByID(ctx, s.pool, id)
}

// where renders q as a SQL predicate with positional arguments.
func where(q storage.TransactionQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.AccountID != uuid.Nil {
		add("account_id = $%d", q.AccountID)
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("created_at < $%d", q.Until)
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Transactions returns committed records matching q, oldest first.
func (s *Store) Transactions(ctx context.Context, q storage.TransactionQuery) ([]models.Transaction, error) {
	cond, args := where(q)
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions`+cond+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

// SumAmounts totals Amount over the matching records.
func (s *Store) SumAmounts(ctx context.Context, q storage.TransactionQuery) (decimal.Decimal, error) {
	cond, args := where(q)
	var total decimal.Decimal
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions`+cond, args...).Scan(&total); err != nil {
		return decimal.Zero, mapErr(err)
	}
	return total, nil
}

// ReserveTotal sums the committed reserve shards.
func (s *Store) ReserveTotal(ctx context.Context) (decimal.Decimal, error) {
	return reserveTotal(ctx, s.pool)
}

func reserveTotal(ctx context.Context, q querier) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := q.QueryRow(ctx, `SELECT COALESCE(SUM(total), 0) FROM reserve_shards`).Scan(&total); err != nil {
		return decimal.Zero, mapErr(err)
	}
	return total, nil
}

// WithinTx runs fn inside a database transaction with a bounded lock wait.
// Reserve adjustments are written last, in shard order.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return mapErr(err)
		}
		lt := &ledgerTx{tx: tx}
		if err := fn(lt); err != nil {
			return err
		}
		return lt.flushReserve(ctx)
	})
	return mapErr(err)
}

type ledgerTx struct {
	tx      pgx.Tx
	reserve [storage.ReserveShards]decimal.Decimal
}

func (t *ledgerTx) LockAccounts(ctx context.Context, ids ...uuid.UUID) ([]models.Account, error) {
	ordered := slices.Clone(ids)
	slices.SortFunc(ordered, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	ordered = slices.Compact(ordered)

	locked := make(map[uuid.UUID]models.Account, len(ordered))
	for _, id := range ordered {
		row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
		a, err := scanAccount(row)
		if err != nil {
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}
		locked[id] = a
	}

	out := make([]models.Account, len(ids))
	for i, id := range ids {
		out[i] = locked[id]
	}
	return out, nil
}

func (t *ledgerTx) SetBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, balance, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) AdjustReserve(_ context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	shard := storage.ReserveShard(accountID)
	t.reserve[shard] = t.reserve[shard].Add(delta)
	return nil
}

func (t *ledgerTx) ReserveTotal(ctx context.Context) (decimal.Decimal, error) {
	total, err := reserveTotal(ctx, t.tx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, delta := range t.reserve {
		total = total.Add(delta)
	}
	return total, nil
}

func (t *ledgerTx) flushReserve(ctx context.Context) error {
	for shard, delta := range t.reserve {
		if delta.IsZero() {
			continue
		}
		if _, err := t.tx.Exec(ctx, `UPDATE reserve_shards SET total = total + $1 WHERE shard = $2`, delta, shard); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *ledgerTx) AppendTransaction(ctx context.Context, rec models.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.AccountID, string(rec.Type), rec.Amount, rec.BalanceAfter, rec.LoanApproved, string(rec.LoanStatus),
		rec.CorrelationID, rec.CounterpartyID, rec.RequestID, rec.CreatedAt, rec.SettledAt)
	return mapErr(err)
}

func (t *ledgerTx) Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return transactionByID(ctx, t.tx, id)
}

func (t *ledgerTx) UpdateTransaction(ctx context.Context, rec models.Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET type = $2, balance_after = $3, loan_approved = $4, loan_status = $5, settled_at = $6
		WHERE id = $1`,
		rec.ID, string(rec.Type), rec.BalanceAfter, rec.LoanApproved, string(rec.LoanStatus), rec.SettledAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) CountLoans(ctx context.Context, accountID uuid.UUID, status models.LoanStatus) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE account_id = $1 AND type IN ('loan_request', 'loan_payment') AND loan_status = $2`,
		accountID, string(status)).Scan(&n)
	return n, mapErr(err)
}

func (t *ledgerTx) LatestPostedAt(ctx context.Context, accountID uuid.UUID) (time.Time, error) {
	var latest *time.Time
	err := t.tx.QueryRow(ctx, `
		SELECT MAX(COALESCE(settled_at, created_at)) FROM transactions WHERE account_id = $1`,
		accountID).Scan(&latest)
	if err != nil {
		return time.Time{}, mapErr(err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

func (t *ledgerTx) FindRequest(ctx context.Context, requestID string) (storage.ProcessedRequest, bool, error) {
	var (
		req storage.ProcessedRequest
		raw []string
	)
	err := t.tx.QueryRow(ctx, `SELECT fingerprint, transaction_ids FROM processed_requests WHERE request_id = $1`, requestID).
		Scan(&req.Fingerprint, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ProcessedRequest{}, false, nil
	}
	if err != nil {
		return storage.ProcessedRequest{}, false, mapErr(err)
	}
	req.TransactionIDs = make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return storage.ProcessedRequest{}, false, fmt.Errorf("request %q: parse transaction id: %w", requestID, err)
		}
		req.TransactionIDs = append(req.TransactionIDs, id)
	}
	return req, true, nil
}

func (t *ledgerTx) SaveRequest(ctx context.Context, requestID string, req storage.ProcessedRequest) error {
	raw := make([]string, len(req.TransactionIDs))
	for i, id := range req.TransactionIDs {
		raw[i] = id.String()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO processed_requests (request_id, fingerprint, transaction_ids) VALUES ($1, $2, $3)`,
		requestID, req.Fingerprint, raw)
	if err = mapErr(err); errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("request %q: %w", requestID, storage.ErrConflict)
	}
	return err
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// Ensure Store satisfies the storage interfaces at compile time.
var (
	_ storage.UserStore = (*Store)(nil)
	_ storage.Ledger    = (*Store)(nil)
)

// Store provides Postgres-backed persistence for users, accounts and the ledger.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore creates a new Store and runs migrations. lockTimeout bounds how
// long a unit of work waits for a row lock.
func NewStore(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	s := &Store{pool: pool, lockTimeout: lockTimeout}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			phone TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'customer',
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE SEQUENCE IF NOT EXISTS account_number_seq START WITH 100001;`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			number BIGINT UNIQUE NOT NULL DEFAULT nextval('account_number_seq'),
			user_id BIGINT UNIQUE NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			category TEXT NOT NULL CHECK (category IN ('savings', 'current')),
			date_of_birth DATE,
			gender TEXT NOT NULL DEFAULT '',
			initial_balance NUMERIC(14,2) NOT NULL DEFAULT 0,
			balance NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
			balance_after NUMERIC(14,2) NOT NULL,
			loan_approved BOOLEAN NOT NULL DEFAULT FALSE,
			loan_status TEXT NOT NULL DEFAULT '',
			correlation_id UUID,
			counterparty_id UUID,
			request_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS transactions_account_created_idx ON transactions (account_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS transactions_created_idx ON transactions (created_at);`,
		`CREATE TABLE IF NOT EXISTS reserve_shards (
			shard INT PRIMARY KEY,
			total NUMERIC(20,2) NOT NULL DEFAULT 0
		);`,
		fmt.Sprintf(`INSERT INTO reserve_shards (shard) SELECT generate_series(0, %d) ON CONFLICT DO NOTHING;`, storage.ReserveShards-1),
		`CREATE TABLE IF NOT EXISTS processed_requests (
			request_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL DEFAULT '',
			transaction_ids TEXT[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`ALTER TABLE processed_requests ADD COLUMN IF NOT EXISTS fingerprint TEXT NOT NULL DEFAULT '';`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (lower(username));`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email));`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

const userColumns = `id, username, email, phone, role, password_hash, created_at`

// CreateUserWithAccount inserts the user, opens its account and adds the
// opening balance to the reserve in one transaction.
func (s *Store) CreateUserWithAccount(ctx context.Context, user models.User, account models.Account) (models.User, models.Account, error) {
	if user.Role == "" {
		user.Role = models.CustomerRole
	}
	account.Balance = account.InitialBalance

	var createdUser models.User
	var createdAccount models.Account
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO users (username, email, phone, role, password_hash)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING `+userColumns, user.Username, user.Email, user.Phone, user.Role, user.PasswordHash)
		var err error
		if createdUser, err = scanUser(row); err != nil {
			return err
		}

		row = tx.QueryRow(ctx, `
			INSERT INTO accounts (id, user_id, category, date_of_birth, gender, initial_balance, balance)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+accountColumns,
			uuid.New(), createdUser.ID, string(account.Category), account.DateOfBirth, string(account.Gender),
			account.InitialBalance, account.Balance)
		if createdAccount, err = scanAccount(row); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE reserve_shards SET total = total + $1 WHERE shard = $2`,
			createdAccount.Balance, storage.ReserveShard(createdAccount.ID))
		return err
	})
	if err = mapErr(err); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return models.User{}, models.Account{}, storage.ErrAlreadyExists
		}
		return models.User{}, models.Account{}, err
	}
	return createdUser, createdAccount, nil
}

// FindByUsernameOrEmail fetches the first user matching the identifier as username or email.
func (s *Store) FindByUsernameOrEmail(ctx context.Context, identifier string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1 OR email = $1 LIMIT 1`, identifier)
	return scanUser(row)
}

// FindUserByID fetches a user by primary key.
func (s *Store) FindUserByID(ctx context.Context, id int64) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Phone, &user.Role, &user.PasswordHash, &user.CreatedAt); err != nil {
		return models.User{}, mapErr(err)
	}
	return user, nil
}

// mapErr translates driver errors into storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, pgErr.Message)
		case "55P03", "40001", "40P01":
			// lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.Message)
		}
	}
	return err
}

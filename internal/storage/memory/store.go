package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// Ensure Store satisfies the storage interfaces at compile time.
var (
	_ storage.Ledger    = (*Store)(nil)
	_ storage.UserStore = (*Store)(nil)
)

// firstAccountNumber matches the Postgres sequence start.
const firstAccountNumber = 100001

// Store keeps users, accounts and the ledger in process memory. Accounts are
// guarded by per-account semaphores; a unit of work stages its writes and
// applies them in one step at commit.
type Store struct {
	lockTimeout time.Duration

	mu         sync.RWMutex
	users      map[int64]models.User
	nextUserID int64
	nextNumber int64
	accounts   map[uuid.UUID]models.Account
	byNumber   map[int64]uuid.UUID
	byUser     map[int64]uuid.UUID
	txns       map[uuid.UUID]models.Transaction
	byAccount  map[uuid.UUID][]uuid.UUID
	requests   map[string]storage.ProcessedRequest
	reserve    [storage.ReserveShards]decimal.Decimal

	locksMu sync.Mutex
	locks   map[uuid.UUID]chan struct{}
}

// New creates an empty store. lockTimeout bounds how long a unit of work
// waits for an account lock before failing with storage.ErrConflict.
func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{
		lockTimeout: lockTimeout,
		users:       make(map[int64]models.User),
		nextNumber:  firstAccountNumber,
		accounts:    make(map[uuid.UUID]models.Account),
		byNumber:    make(map[int64]uuid.UUID),
		byUser:      make(map[int64]uuid.UUID),
		txns:        make(map[uuid.UUID]models.Transaction),
		byAccount:   make(map[uuid.UUID][]uuid.UUID),
		requests:    make(map[string]storage.ProcessedRequest),
		locks:       make(map[uuid.UUID]chan struct{}),
	}
}

// CreateUserWithAccount registers a user and opens its account.
func (s *Store) CreateUserWithAccount(_ context.Context, user models.User, account models.Account) (models.User, models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, user.Username) || strings.EqualFold(existing.Email, user.Email) {
			return models.User{}, models.Account{}, storage.ErrAlreadyExists
		}
	}

	s.nextUserID++
	user.ID = s.nextUserID
	if user.Role == "" {
		user.Role = models.CustomerRole
	}
	user.CreatedAt = time.Now().UTC()
	s.users[user.ID] = user

	account.ID = uuid.New()
	account.Number = s.nextNumber
	s.nextNumber++
	account.UserID = user.ID
	account.Balance = account.InitialBalance
	account.CreatedAt = user.CreatedAt
	s.accounts[account.ID] = account
	s.byNumber[account.Number] = account.ID
	s.byUser[user.ID] = account.ID

	shard := storage.ReserveShard(account.ID)
	s.reserve[shard] = s.reserve[shard].Add(account.Balance)

	return user, account, nil
}

// FindByUsernameOrEmail fetches the user matching the identifier as username or email.
func (s *Store) FindByUsernameOrEmail(_ context.Context, identifier string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == identifier || u.Email == identifier {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

// FindUserByID fetches a user by primary key.
func (s *Store) FindUserByID(_ context.Context, id int64) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, storage.ErrNotFound
	}
	return u, nil
}

// AccountByID returns the committed state of an account.
func (s *Store) AccountByID(_ context.Context, id uuid.UUID) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.Account{}, storage.ErrNotFound
	}
	return a, nil
}

// AccountByNumber resolves a user-facing account number.
func (s *Store) AccountByNumber(ctx context.Context, number int64) (models.Account, error) {
	s.mu.RLock()
	id, ok := s.byNumber[number]
	s.mu.RUnlock()
	if !ok {
		return models.Account{}, storage.ErrNotFound
	}
	return s.AccountByID(ctx, id)
}

// AccountByUser returns the account owned by a user.
func (s *Store) AccountByUser(ctx context.Context, userID int64) (models.Account, error) {
	s.mu.RLock()
	id, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok {
		return models.Account{}, storage.ErrNotFound
	}
	return s.AccountByID(ctx, id)
}

// Transaction returns a committed ledger record.
func (s *Store) Transaction(_ context.Context, id uuid.UUID) (models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	if !ok {
		return models.Transaction{}, storage.ErrNotFound
	}
	return t, nil
}

// Transactions returns committed records matching q, oldest first.
func (s *Store) Transactions(_ context.Context, q storage.TransactionQuery) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Transaction
	collect := func(ids []uuid.UUID) {
		for _, id := range ids {
			if t := s.txns[id]; q.Matches(t) {
				out = append(out, t)
			}
		}
	}
	if q.AccountID != uuid.Nil {
		collect(s.byAccount[q.AccountID])
	} else {
		for _, ids := range s.byAccount {
			collect(ids)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Transaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// SumAmounts totals Amount over the matching records.
func (s *Store) SumAmounts(ctx context.Context, q storage.TransactionQuery) (decimal.Decimal, error) {
	txns, err := s.Transactions(ctx, q)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range txns {
		total = total.Add(t.Amount)
	}
	return total, nil
}

// ReserveTotal sums the committed reserve shards.
func (s *Store) ReserveTotal(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, part := range s.reserve {
		total = total.Add(part)
	}
	return total, nil
}

// WithinTx runs fn with staged writes that are applied only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	t := newTx(s)
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) semaphore(id uuid.UUID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	sem, ok := s.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[id] = sem
	}
	return sem
}

func (s *Store) acquire(ctx context.Context, id uuid.UUID) error {
	sem := s.semaphore(id)
	select {
	case sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("lock account %s: %w", id, storage.ErrConflict)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) releaseLock(id uuid.UUID) {
	<-s.semaphore(id)
}

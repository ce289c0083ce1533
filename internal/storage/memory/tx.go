package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/all-in-ledger/internal/models"
	"github.com/hongminglow/all-in-ledger/internal/storage"
)

// tx stages writes until commit. Every account it writes must be locked first.
type tx struct {
	s *Store

	held     []uuid.UUID
	balances map[uuid.UUID]decimal.Decimal
	appended []models.Transaction
	updated  map[uuid.UUID]models.Transaction
	reserve  [storage.ReserveShards]decimal.Decimal
	requests map[string]storage.ProcessedRequest
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		balances: make(map[uuid.UUID]decimal.Decimal),
		updated:  make(map[uuid.UUID]models.Transaction),
		requests: make(map[string]storage.ProcessedRequest),
	}
}

func (t *tx) holds(id uuid.UUID) bool {
	return slices.Contains(t.held, id)
}

func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.releaseLock(t.held[i])
	}
	t.held = nil
}

func (t *tx) LockAccounts(ctx context.Context, ids ...uuid.UUID) ([]models.Account, error) {
	ordered := slices.Clone(ids)
	slices.SortFunc(ordered, func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	})
	ordered = slices.Compact(ordered)

	t.s.mu.RLock()
	for _, id := range ordered {
		if _, ok := t.s.accounts[id]; !ok {
			t.s.mu.RUnlock()
			return nil, fmt.Errorf("account %s: %w", id, storage.ErrNotFound)
		}
	}
	t.s.mu.RUnlock()

	for _, id := range ordered {
		if t.holds(id) {
			continue
		}
		if err := t.s.acquire(ctx, id); err != nil {
			return nil, err
		}
		t.held = append(t.held, id)
	}

	out := make([]models.Account, 0, len(ids))
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, id := range ids {
		a := t.s.accounts[id]
		if bal, ok := t.balances[id]; ok {
			a.Balance = bal
		}
		out = append(out, a)
	}
	return out, nil
}

func (t *tx) SetBalance(_ context.Context, id uuid.UUID, balance decimal.Decimal) error {
	if !t.holds(id) {
		return fmt.Errorf("set balance: account %s is not locked", id)
	}
	t.balances[id] = balance
	return nil
}

func (t *tx) AdjustReserve(_ context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	shard := storage.ReserveShard(accountID)
	t.reserve[shard] = t.reserve[shard].Add(delta)
	return nil
}

func (t *tx) ReserveTotal(ctx context.Context) (decimal.Decimal, error) {
	total, err := t.s.ReserveTotal(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, delta := range t.reserve {
		total = total.Add(delta)
	}
	return total, nil
}

func (t *tx) AppendTransaction(_ context.Context, rec models.Transaction) error {
	if !t.holds(rec.AccountID) {
		return fmt.Errorf("append transaction: account %s is not locked", rec.AccountID)
	}
	t.appended = append(t.appended, rec)
	return nil
}

func (t *tx) Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	if rec, ok := t.updated[id]; ok {
		return rec, nil
	}
	for _, rec := range t.appended {
		if rec.ID == id {
			return rec, nil
		}
	}
	return t.s.Transaction(ctx, id)
}

func (t *tx) UpdateTransaction(ctx context.Context, rec models.Transaction) error {
	if !t.holds(rec.AccountID) {
		return fmt.Errorf("update transaction: account %s is not locked", rec.AccountID)
	}
	for i := range t.appended {
		if t.appended[i].ID == rec.ID {
			t.appended[i] = rec
			return nil
		}
	}
	if _, err := t.s.Transaction(ctx, rec.ID); err != nil {
		return err
	}
	t.updated[rec.ID] = rec
	return nil
}

// view returns the account's records as this unit of work sees them.
func (t *tx) view(accountID uuid.UUID) []models.Transaction {
	t.s.mu.RLock()
	ids := t.s.byAccount[accountID]
	out := make([]models.Transaction, 0, len(ids))
	for _, id := range ids {
		rec := t.s.txns[id]
		if staged, ok := t.updated[id]; ok {
			rec = staged
		}
		out = append(out, rec)
	}
	t.s.mu.RUnlock()
	for _, rec := range t.appended {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	return out
}

func (t *tx) CountLoans(_ context.Context, accountID uuid.UUID, status models.LoanStatus) (int, error) {
	n := 0
	for _, rec := range t.view(accountID) {
		if rec.Type.IsLoan() && rec.LoanStatus == status {
			n++
		}
	}
	return n, nil
}

func (t *tx) LatestPostedAt(_ context.Context, accountID uuid.UUID) (time.Time, error) {
	var latest time.Time
	for _, rec := range t.view(accountID) {
		if at := rec.PostedAt(); at.After(latest) {
			latest = at
		}
	}
	return latest, nil
}

func (t *tx) FindRequest(_ context.Context, requestID string) (storage.ProcessedRequest, bool, error) {
	if req, ok := t.requests[requestID]; ok {
		return req, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	req, ok := t.s.requests[requestID]
	return req, ok, nil
}

func (t *tx) SaveRequest(ctx context.Context, requestID string, req storage.ProcessedRequest) error {
	if _, found, _ := t.FindRequest(ctx, requestID); found {
		return fmt.Errorf("request %q: %w", requestID, storage.ErrConflict)
	}
	req.TransactionIDs = slices.Clone(req.TransactionIDs)
	t.requests[requestID] = req
	return nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.requests {
		if _, dup := s.requests[id]; dup {
			return fmt.Errorf("request %q: %w", id, storage.ErrConflict)
		}
	}

	for id, bal := range t.balances {
		a := s.accounts[id]
		a.Balance = bal
		s.accounts[id] = a
	}
	for _, rec := range t.appended {
		s.txns[rec.ID] = rec
		s.byAccount[rec.AccountID] = append(s.byAccount[rec.AccountID], rec.ID)
	}
	for id, rec := range t.updated {
		s.txns[id] = rec
	}
	for i, delta := range t.reserve {
		s.reserve[i] = s.reserve[i].Add(delta)
	}
	for id, req := range t.requests {
		s.requests[id] = req
	}
	return nil
}

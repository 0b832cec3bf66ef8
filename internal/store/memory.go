package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

type refKey struct {
	provider domain.Provider
	ref      string
}

// Memory is an in-process store with the same constraints as the Postgres
// schema. Returned values never alias stored ones.
type Memory struct {
	mu        sync.RWMutex
	txs       map[uuid.UUID]domain.Transaction
	refs      map[refKey]uuid.UUID
	keys      map[string]uuid.UUID
	accounts  map[string]domain.ProviderAccount
	batches   map[uuid.UUID]domain.RecoveryBatch
	saveCount int

	locks keyedLocks
}

func NewMemory() *Memory {
	return &Memory{
		txs:      make(map[uuid.UUID]domain.Transaction),
		refs:     make(map[refKey]uuid.UUID),
		keys:     make(map[string]uuid.UUID),
		accounts: make(map[string]domain.ProviderAccount),
		batches:  make(map[uuid.UUID]domain.RecoveryBatch),
	}
}

// Lock holds id exclusively for every Ledger sharing this store until the
// returned func is called.
func (m *Memory) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	return m.locks.acquire(ctx, id)
}

func (m *Memory) Insert(_ context.Context, t domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[t.ID]; ok {
		return domain.ErrDuplicateKey
	}
	if t.IdempotencyKey != "" {
		if _, ok := m.keys[t.IdempotencyKey]; ok {
			return domain.ErrDuplicateKey
		}
	}
	if t.ProviderReference != "" {
		if _, ok := m.refs[refKey{t.Provider, t.ProviderReference}]; ok {
			return domain.ErrDuplicateReference
		}
		m.refs[refKey{t.Provider, t.ProviderReference}] = t.ID
	}
	if t.IdempotencyKey != "" {
		m.keys[t.IdempotencyKey] = t.ID
	}
	m.txs[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Save(_ context.Context, t domain.Transaction, expectedVersion int, _ []domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[t.ID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	if t.ProviderReference != cur.ProviderReference && t.ProviderReference != "" {
		k := refKey{t.Provider, t.ProviderReference}
		if owner, taken := m.refs[k]; taken && owner != t.ID {
			return domain.ErrDuplicateReference
		}
		m.refs[k] = t.ID
	}
	m.txs[t.ID] = t.Clone()
	m.saveCount++
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) FindByReference(ctx context.Context, p domain.Provider, ref string) (domain.Transaction, error) {
	m.mu.RLock()
	id, ok := m.refs[refKey{p, ref}]
	m.mu.RUnlock()
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return m.Get(ctx, id)
}

func (m *Memory) FindByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error) {
	m.mu.RLock()
	id, ok := m.keys[key]
	m.mu.RUnlock()
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return m.Get(ctx, id)
}

func (m *Memory) ListRecoverable(_ context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range m.txs {
		if t.ArchivedAt != nil {
			continue
		}
		switch t.Status {
		case domain.StatusConfirmed:
		case domain.StatusCreated, domain.StatusSubmitted, domain.StatusAmbiguous:
			last := t.CreatedAt
			if t.LastCheckedAt != nil {
				last = *t.LastCheckedAt
			}
			if !last.Before(olderThan) {
				continue
			}
		default:
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Stats(context.Context) (domain.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.Stats{ByStatus: make(map[domain.Status]int)}
	for _, t := range m.txs {
		stats.ByStatus[t.Status]++
		stats.Total++
		if t.RequiresCompensation {
			stats.RequiresCompensation++
		}
		if t.ManualReviewRequired {
			stats.ManualReview++
		}
	}
	return stats, nil
}

func (m *Memory) SaveProviderAccount(_ context.Context, a domain.ProviderAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(a.Provider) + "/" + a.Currency
	if cur, ok := m.accounts[key]; ok && !a.ObservedAt.After(cur.ObservedAt) {
		return nil
	}
	m.accounts[key] = a
	return nil
}

func (m *Memory) ProviderAccounts(context.Context) ([]domain.ProviderAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ProviderAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (m *Memory) CreateBatch(_ context.Context, b domain.RecoveryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return domain.ErrDuplicateKey
	}
	m.batches[b.ID] = cloneBatch(b)
	return nil
}

func (m *Memory) CompleteBatch(_ context.Context, b domain.RecoveryBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[b.ID]
	if !ok {
		return domain.ErrBatchNotFound
	}
	if cur.CompletedAt != nil {
		return domain.ErrBatchCompleted
	}
	m.batches[b.ID] = cloneBatch(b)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id uuid.UUID) (domain.RecoveryBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return domain.RecoveryBatch{}, domain.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

// Saves reports how many updates were committed.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCount
}

func cloneBatch(b domain.RecoveryBatch) domain.RecoveryBatch {
	c := b
	c.RequestedReferences = append([]string(nil), b.RequestedReferences...)
	c.Results = make(map[string]domain.BatchResult, len(b.Results))
	for k, v := range b.Results {
		c.Results[k] = v
	}
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// Package ledger owns transactions and serializes every change to them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payout_transaction_transitions_total",
	Help: "Ledger state transitions by provider, target status and trigger",
}, []string{"provider", "to", "trigger"})

// ErrUnchanged may be returned by an Update callback to skip persisting.
var ErrUnchanged = errors.New("no change")

var ErrReasonRequired = errors.New("override requires a reason")

// Store is the persistence the ledger needs. Save must compare-and-set on
// the version and append the given history entries. Lock must exclude every
// holder of the same id sharing the store, not only this process.
type Store interface {
	Lock(ctx context.Context, id uuid.UUID) (func(), error)
	Insert(ctx context.Context, t domain.Transaction) error
	Save(ctx context.Context, t domain.Transaction, expectedVersion int, appended []domain.Transition) error
	Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	FindByReference(ctx context.Context, p domain.Provider, ref string) (domain.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error)
	ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now is the ledger's clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Create persists a new transaction in status created. The ID, timestamps
// and status are assigned here.
func (l *Ledger) Create(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Currency = strings.ToUpper(t.Currency)
	t.Status = domain.StatusCreated
	t.CreatedAt = l.now().UTC()
	t.Version = 0
	t.History = nil
	t.ProviderReference = ""

	if err := l.store.Insert(ctx, t); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	l.logger.Info("transaction_created",
		"transaction_id", t.ID,
		"provider", t.Provider,
		"direction", t.Direction,
		"amount", t.Amount.String(),
		"currency", t.Currency,
	)
	return t, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) FindByReference(ctx context.Context, p domain.Provider, ref string) (domain.Transaction, error) {
	return l.store.FindByReference(ctx, p, ref)
}

func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error) {
	return l.store.FindByIdempotencyKey(ctx, key)
}

func (l *Ledger) Stats(ctx context.Context) (domain.Stats, error) {
	return l.store.Stats(ctx)
}

// ListRecoverable returns transactions recovery should look at: confirmed
// ones and non-final ones unchecked for at least staleAfter.
func (l *Ledger) ListRecoverable(ctx context.Context, staleAfter time.Duration, limit int) ([]domain.Transaction, error) {
	return l.store.ListRecoverable(ctx, l.now().Add(-staleAfter), limit)
}

// Lock serializes work on one transaction id across every ledger sharing
// the store. The returned func releases it.
func (l *Ledger) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	return l.store.Lock(ctx, id)
}

// Update runs fn on the current state of the transaction under its lock and
// persists the result. fn may return ErrUnchanged to leave it untouched.
func (l *Ledger) Update(ctx context.Context, id uuid.UUID, fn func(t *domain.Transaction) error) (domain.Transaction, error) {
	unlock, err := l.Lock(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock()
	return l.UpdateLocked(ctx, id, fn)
}

// UpdateLocked is Update for callers already holding the lock for id.
func (l *Ledger) UpdateLocked(ctx context.Context, id uuid.UUID, fn func(t *domain.Transaction) error) (domain.Transaction, error) {
	cur, err := l.store.Get(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return cur, nil
		}
		return cur, err
	}
	if next.ProviderReference != cur.ProviderReference && cur.ProviderReference != "" {
		return cur, domain.ErrReferenceImmutable
	}
	if len(next.History) < len(cur.History) {
		return cur, errors.New("history is append-only")
	}
	if err := domain.CheckHistory(next.History); err != nil {
		return cur, err
	}

	appended := next.History[len(cur.History):]
	next.Version = cur.Version + 1
	if err := l.store.Save(ctx, next, cur.Version, appended); err != nil {
		return cur, fmt.Errorf("save transaction %s: %w", id, err)
	}
	for _, tr := range appended {
		l.recordTransition(next, tr)
	}
	return next, nil
}

// Override is the manual path that may move a transaction backwards.
func (l *Ledger) Override(ctx context.Context, id uuid.UUID, to domain.Status, reason string) (domain.Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Transaction{}, ErrReasonRequired
	}
	return l.Update(ctx, id, func(t *domain.Transaction) error {
		return t.Override(to, reason, l.now().UTC())
	})
}

func (l *Ledger) recordTransition(t domain.Transaction, tr domain.Transition) {
	transitionsTotal.WithLabelValues(string(t.Provider), string(tr.To), string(tr.Trigger)).Inc()
	l.logger.Info("transaction_transition",
		"transaction_id", t.ID,
		"provider", t.Provider,
		"provider_reference", t.ProviderReference,
		"from", tr.From,
		"to", tr.To,
		"trigger", tr.Trigger,
		"note", tr.Note,
		"requires_compensation", t.RequiresCompensation,
		"manual_review_required", t.ManualReviewRequired,
	)
}

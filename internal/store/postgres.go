package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

const (
	uniqueViolation       = "23505"
	referenceConstraint   = "transactions_provider_reference_key"
	idempotencyConstraint = "transactions_idempotency_key_key"
)

type Store struct {
	Db *pgxpool.Pool

	// lockConns caps the connections parked on advisory locks so reads
	// and writes under a lock always find a free connection.
	lockConns *semaphore.Weighted
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, lockConns: semaphore.NewWeighted(lockConnLimit(config.MaxConns))}, nil
}

func lockConnLimit(maxConns int32) int64 {
	if n := int64(maxConns) / 2; n > 0 {
		return n
	}
	return 1
}

// Lock takes a transaction-scoped advisory lock on id. Every process
// sharing the database serializes on it. The returned func ends the
// transaction, which releases the lock.
func (s *Store) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	if err := s.lockConns.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		s.lockConns.Release(1)
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", id.String()); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		s.lockConns.Release(1)
		return nil, fmt.Errorf("advisory lock %s: %w", id, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			s.lockConns.Release(1)
		})
	}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

const transactionColumns = `id, direction, provider, provider_reference, status, amount::text, currency,
	destination, target_user_id, idempotency_key, request_hash, created_at, last_checked_at,
	attempt_count, requires_compensation, manual_review_required, archived_at, version`

// Insert stores a new transaction together with its initial history.
func (s *Store) Insert(ctx context.Context, t domain.Transaction) error {
	dest, err := json.Marshal(t.Destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, direction, provider, provider_reference, status, amount, currency,
			destination, target_user_id, idempotency_key, request_hash, created_at, last_checked_at,
			attempt_count, requires_compensation, manual_review_required, archived_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, string(t.Direction), string(t.Provider), nullable(t.ProviderReference), string(t.Status),
		t.Amount.String(), t.Currency, dest, nullable(t.TargetUserID), nullable(t.IdempotencyKey),
		nullable(t.RequestHash), t.CreatedAt, t.LastCheckedAt, t.AttemptCount, t.RequiresCompensation,
		t.ManualReviewRequired, t.ArchivedAt, t.Version,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if err := insertTransitions(ctx, tx, t.ID, 0, t.History); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Save writes t if the stored version still equals expectedVersion and
// appends the new history entries.
func (s *Store) Save(ctx context.Context, t domain.Transaction, expectedVersion int, appended []domain.Transition) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET
			provider_reference = $3, status = $4, last_checked_at = $5, attempt_count = $6,
			requires_compensation = $7, manual_review_required = $8, archived_at = $9, version = $10
		WHERE id = $1 AND version = $2`,
		t.ID, expectedVersion, nullable(t.ProviderReference), string(t.Status), t.LastCheckedAt,
		t.AttemptCount, t.RequiresCompensation, t.ManualReviewRequired, t.ArchivedAt, t.Version,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrTransactionNotFound
		}
		return domain.ErrVersionConflict
	}

	if err := insertTransitions(ctx, tx, t.ID, len(t.History)-len(appended), appended); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func insertTransitions(ctx context.Context, tx pgx.Tx, id uuid.UUID, firstSeq int, entries []domain.Transition) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, tr := range entries {
		batch.Queue(`
			INSERT INTO transaction_transitions (transaction_id, seq, from_status, to_status, trigger, note, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, firstSeq+i, string(tr.From), string(tr.To), string(tr.Trigger), tr.Note, tr.At,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("history insert failed: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
}

func (s *Store) FindByReference(ctx context.Context, p domain.Provider, ref string) (domain.Transaction, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE provider = $1 AND provider_reference = $2",
		string(p), ref)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (domain.Transaction, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key)
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (domain.Transaction, error) {
	t, err := scanTransaction(s.Db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, err
	}
	history, err := s.history(ctx, t.ID)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.History = history
	return t, nil
}

func (s *Store) history(ctx context.Context, id uuid.UUID) ([]domain.Transition, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT from_status, to_status, trigger, note, at
		FROM transaction_transitions WHERE transaction_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var from, to, trigger string
		if err := rows.Scan(&from, &to, &trigger, &tr.Note, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To, tr.Trigger = domain.Status(from), domain.Status(to), domain.Trigger(trigger)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListRecoverable returns confirmed transactions and non-final ones not
// checked since olderThan, oldest first. History is not loaded.
func (s *Store) ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+transactionColumns+` FROM transactions
		WHERE archived_at IS NULL AND (
			status = 'confirmed'
			OR (status IN ('created', 'submitted', 'ambiguous') AND COALESCE(last_checked_at, created_at) < $1)
		)
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT status, COUNT(*),
			COUNT(*) FILTER (WHERE requires_compensation),
			COUNT(*) FILTER (WHERE manual_review_required)
		FROM transactions GROUP BY status`)
	if err != nil {
		return domain.Stats{}, err
	}
	defer rows.Close()

	stats := domain.Stats{ByStatus: make(map[domain.Status]int)}
	for rows.Next() {
		var status string
		var n, comp, review int
		if err := rows.Scan(&status, &n, &comp, &review); err != nil {
			return domain.Stats{}, err
		}
		stats.ByStatus[domain.Status(status)] = n
		stats.Total += n
		stats.RequiresCompensation += comp
		stats.ManualReview += review
	}
	return stats, rows.Err()
}

// SaveProviderAccount upserts a snapshot unless a newer one is stored.
func (s *Store) SaveProviderAccount(ctx context.Context, a domain.ProviderAccount) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO provider_accounts (provider, currency, available_amount, pending_amount, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, currency) DO UPDATE SET
			available_amount = EXCLUDED.available_amount,
			pending_amount = EXCLUDED.pending_amount,
			observed_at = EXCLUDED.observed_at
		WHERE provider_accounts.observed_at < EXCLUDED.observed_at`,
		string(a.Provider), a.Currency, a.AvailableAmount.String(), a.PendingAmount.String(), a.ObservedAt,
	)
	return err
}

func (s *Store) ProviderAccounts(ctx context.Context) ([]domain.ProviderAccount, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT provider, currency, available_amount::text, pending_amount::text, observed_at
		FROM provider_accounts ORDER BY provider, currency`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProviderAccount
	for rows.Next() {
		var a domain.ProviderAccount
		var p, avail, pending string
		if err := rows.Scan(&p, &a.Currency, &avail, &pending, &a.ObservedAt); err != nil {
			return nil, err
		}
		a.Provider = domain.Provider(p)
		if a.AvailableAmount, err = decimal.NewFromString(avail); err != nil {
			return nil, fmt.Errorf("parse available amount: %w", err)
		}
		if a.PendingAmount, err = decimal.NewFromString(pending); err != nil {
			return nil, fmt.Errorf("parse pending amount: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateBatch(ctx context.Context, b domain.RecoveryBatch) error {
	refs, err := json.Marshal(b.RequestedReferences)
	if err != nil {
		return err
	}
	_, err = s.Db.Exec(ctx, `
		INSERT INTO recovery_batches (id, provider, direction, requested_references, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		b.ID, string(b.Provider), string(b.Direction), refs, b.StartedAt,
	)
	return err
}

// CompleteBatch records results once; a completed batch is immutable.
func (s *Store) CompleteBatch(ctx context.Context, b domain.RecoveryBatch) error {
	results, err := json.Marshal(b.Results)
	if err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx, `
		UPDATE recovery_batches SET results = $2, completed_at = $3
		WHERE id = $1 AND completed_at IS NULL`,
		b.ID, results, b.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBatch(ctx, b.ID); err != nil {
			return err
		}
		return domain.ErrBatchCompleted
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (domain.RecoveryBatch, error) {
	var b domain.RecoveryBatch
	var p, dir string
	var refs, results []byte
	err := s.Db.QueryRow(ctx, `
		SELECT id, provider, direction, requested_references, results, started_at, completed_at
		FROM recovery_batches WHERE id = $1`, id).Scan(
		&b.ID, &p, &dir, &refs, &results, &b.StartedAt, &b.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RecoveryBatch{}, domain.ErrBatchNotFound
		}
		return domain.RecoveryBatch{}, err
	}
	b.Provider, b.Direction = domain.Provider(p), domain.Direction(dir)
	if err := json.Unmarshal(refs, &b.RequestedReferences); err != nil {
		return domain.RecoveryBatch{}, fmt.Errorf("decode references: %w", err)
	}
	if err := json.Unmarshal(results, &b.Results); err != nil {
		return domain.RecoveryBatch{}, fmt.Errorf("decode results: %w", err)
	}
	return b, nil
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var direction, provider, status, amount string
	var ref, target, key, hash *string
	var dest []byte
	err := row.Scan(
		&t.ID, &direction, &provider, &ref, &status, &amount, &t.Currency,
		&dest, &target, &key, &hash, &t.CreatedAt, &t.LastCheckedAt,
		&t.AttemptCount, &t.RequiresCompensation, &t.ManualReviewRequired, &t.ArchivedAt, &t.Version,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.Direction = domain.Direction(direction)
	t.Provider = domain.Provider(provider)
	t.Status = domain.Status(status)
	t.ProviderReference = deref(ref)
	t.TargetUserID = deref(target)
	t.IdempotencyKey = deref(key)
	t.RequestHash = deref(hash)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if len(dest) > 0 {
		if err := json.Unmarshal(dest, &t.Destination); err != nil {
			return domain.Transaction{}, fmt.Errorf("decode destination: %w", err)
		}
	}
	return t, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case referenceConstraint:
			return domain.ErrDuplicateReference
		case idempotencyConstraint:
			return domain.ErrDuplicateKey
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

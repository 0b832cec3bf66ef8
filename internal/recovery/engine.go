// Package recovery reconciles transactions whose provider outcome is unknown.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/provider"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_recovery_batches_total",
		Help: "Recovery batches run per provider",
	}, []string{"provider"})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_recovery_results_total",
		Help: "Per-reference recovery outcomes",
	}, []string{"provider", "outcome"})
)

var (
	ErrEmptyBatch    = errors.New("recovery batch has no references")
	ErrBatchTooLarge = errors.New("recovery batch exceeds the size limit")
)

// Config bounds recovery work. Zero values fall back to DefaultConfig.
type Config struct {
	// StaleAfter is how long a created or submitted transaction may sit
	// unchecked before recovery queries it.
	StaleAfter time.Duration
	// NotFoundGrace is the minimum age before a provider "not found" is
	// taken as a failure.
	NotFoundGrace       time.Duration
	MinNotFoundAttempts int
	MaxAttempts         int
	Workers             int
	MaxBatchSize        int
	RateLimits          map[domain.Provider]RateLimit
}

type RateLimit struct {
	PerSecond float64
	Burst     int
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:          10 * time.Minute,
		NotFoundGrace:       30 * time.Minute,
		MinNotFoundAttempts: 3,
		MaxAttempts:         12,
		Workers:             8,
		MaxBatchSize:        500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.NotFoundGrace <= 0 {
		c.NotFoundGrace = d.NotFoundGrace
	}
	if c.MinNotFoundAttempts <= 0 {
		c.MinNotFoundAttempts = d.MinNotFoundAttempts
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	return c
}

type Adapters interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

// BatchStore keeps recovery batches. CompleteBatch must refuse a batch that
// is already completed.
type BatchStore interface {
	CreateBatch(ctx context.Context, b domain.RecoveryBatch) error
	CompleteBatch(ctx context.Context, b domain.RecoveryBatch) error
	GetBatch(ctx context.Context, id uuid.UUID) (domain.RecoveryBatch, error)
}

// Request selects the transactions of one batch. References are transaction
// ids or provider references.
type Request struct {
	Provider   domain.Provider
	Direction  domain.Direction
	References []string
}

type Engine struct {
	ledger   *ledger.Ledger
	adapters Adapters
	batches  BatchStore
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[domain.Provider]*rate.Limiter
}

func NewEngine(l *ledger.Ledger, adapters Adapters, batches BatchStore, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   l,
		adapters: adapters,
		batches:  batches,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		limiters: make(map[domain.Provider]*rate.Limiter),
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Run reconciles every reference of req and returns the completed batch.
// Per-reference failures are reported in the batch results, not as errors.
func (e *Engine) Run(ctx context.Context, req Request) (domain.RecoveryBatch, error) {
	refs := dedupe(req.References)
	if len(refs) == 0 {
		return domain.RecoveryBatch{}, ErrEmptyBatch
	}
	if len(refs) > e.cfg.MaxBatchSize {
		return domain.RecoveryBatch{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(refs), e.cfg.MaxBatchSize)
	}
	if req.Direction == "" {
		req.Direction = domain.DirectionPayout
	}
	adapter, err := e.adapters.Get(req.Provider)
	if err != nil {
		return domain.RecoveryBatch{}, err
	}

	batch := domain.RecoveryBatch{
		ID:                  uuid.New(),
		Provider:            req.Provider,
		Direction:           req.Direction,
		RequestedReferences: refs,
		Results:             make(map[string]domain.BatchResult, len(refs)),
		StartedAt:           e.ledger.Now().UTC(),
	}
	if err := e.batches.CreateBatch(ctx, batch); err != nil {
		return domain.RecoveryBatch{}, fmt.Errorf("create batch: %w", err)
	}
	batchesTotal.WithLabelValues(string(req.Provider)).Inc()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			res := e.reconcile(ctx, adapter, req, ref)
			resultsTotal.WithLabelValues(string(req.Provider), string(res.Outcome)).Inc()
			mu.Lock()
			batch.Results[ref] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	completed := e.ledger.Now().UTC()
	batch.CompletedAt = &completed
	if err := e.batches.CompleteBatch(context.WithoutCancel(ctx), batch); err != nil {
		return batch, fmt.Errorf("complete batch: %w", err)
	}
	e.logger.Info("recovery batch completed",
		"batch_id", batch.ID,
		"provider", batch.Provider,
		"references", len(refs),
		"summary", batch.Summary(),
	)
	return batch, nil
}

func (e *Engine) Batch(ctx context.Context, id uuid.UUID) (domain.RecoveryBatch, error) {
	return e.batches.GetBatch(ctx, id)
}

func (e *Engine) reconcile(ctx context.Context, adapter provider.Adapter, req Request, ref string) domain.BatchResult {
	tx, err := e.resolve(ctx, req.Provider, ref)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.BatchResult{Outcome: domain.OutcomeUnknownReference}
		}
		return errorResult(nil, err)
	}
	id := tx.ID
	if tx.Provider != req.Provider || tx.Direction != req.Direction {
		return domain.BatchResult{TransactionID: &id, Outcome: domain.OutcomeMismatch, Status: tx.Status}
	}

	unlock, err := e.ledger.Lock(ctx, id)
	if err != nil {
		return errorResult(&id, err)
	}
	defer unlock()

	// Reload under the lock: a concurrent batch may have finished it.
	tx, err = e.ledger.Get(ctx, id)
	if err != nil {
		return errorResult(&id, err)
	}
	now := e.ledger.Now().UTC()

	switch tx.Status {
	case domain.StatusFailed, domain.StatusReconciled:
		return resultFor(tx, domain.OutcomeAlreadyFinal, false)
	case domain.StatusConfirmed:
		tx, err = e.ledger.UpdateLocked(ctx, id, func(t *domain.Transaction) error {
			return t.Resolve(true, domain.TriggerRecovery, "confirmed before recovery", now)
		})
		if err != nil {
			return errorResult(&id, err)
		}
		return resultFor(tx, domain.OutcomeReconciledConfirmed, false)
	case domain.StatusCreated, domain.StatusSubmitted:
		last := tx.CreatedAt
		if tx.LastCheckedAt != nil {
			last = *tx.LastCheckedAt
		}
		if now.Sub(last) < e.cfg.StaleAfter {
			return resultFor(tx, domain.OutcomeNotStale, false)
		}
	}

	if tx.AttemptCount >= e.cfg.MaxAttempts {
		tx, err = e.ledger.UpdateLocked(ctx, id, func(t *domain.Transaction) error {
			return flagForReview(t, now)
		})
		if err != nil {
			return errorResult(&id, err)
		}
		res := resultFor(tx, domain.OutcomeManualReview, false)
		res.Error = domain.ErrManualReviewRequired.Error()
		e.logger.Warn("retry cap reached", "transaction_id", id, "attempts", tx.AttemptCount)
		return res
	}

	if err := e.limiter(req.Provider).Wait(ctx); err != nil {
		return errorResult(&id, err)
	}
	status, qerr := adapter.QueryStatus(ctx, provider.StatusQuery{
		Direction:         tx.Direction,
		ProviderReference: tx.ProviderReference,
		ClientReference:   tx.ID.String(),
	})

	var outcome domain.BatchOutcome
	tx, err = e.ledger.UpdateLocked(ctx, id, func(t *domain.Transaction) error {
		if t.Status.Terminal() {
			outcome = domain.OutcomeAlreadyFinal
			return ledger.ErrUnchanged
		}
		outcome = domain.OutcomeStillPending
		checked := now
		t.AttemptCount++
		t.LastCheckedAt = &checked

		switch {
		case qerr == nil && status == provider.StatusSucceeded:
			outcome = domain.OutcomeReconciledConfirmed
			return resolveFrom(t, true, now)
		case qerr == nil && status == provider.StatusFailed:
			outcome = domain.OutcomeReconciledFailed
			return resolveFrom(t, false, now)
		case errors.Is(qerr, domain.ErrNotFound):
			if now.Sub(t.CreatedAt) >= e.cfg.NotFoundGrace && t.AttemptCount >= e.cfg.MinNotFoundAttempts {
				outcome = domain.OutcomeReconciledFailed
				return resolveFrom(t, false, now)
			}
			return markAmbiguous(t, "not found at provider", now)
		default:
			return nil
		}
	})
	if err != nil {
		res := errorResult(&id, err)
		res.ProviderCalled = true
		return res
	}

	res := resultFor(tx, outcome, true)
	if qerr != nil && !errors.Is(qerr, domain.ErrNotFound) {
		res.Error = qerr.Error()
		e.logger.Warn("recovery query failed", "transaction_id", id, "provider", req.Provider, "error", qerr)
	}
	return res
}

func (e *Engine) resolve(ctx context.Context, p domain.Provider, ref string) (domain.Transaction, error) {
	if id, err := uuid.Parse(ref); err == nil {
		tx, err := e.ledger.Get(ctx, id)
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return tx, err
		}
	}
	return e.ledger.FindByReference(ctx, p, ref)
}

func (e *Engine) limiter(p domain.Provider) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[p]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if rl, ok := e.cfg.RateLimits[p]; ok && rl.PerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
	}
	e.limiters[p] = l
	return l
}

// resolveFrom reconciles a definitive outcome from any non-final state.
// A created transaction first moves to submitted since the provider has
// evidently seen it.
func resolveFrom(t *domain.Transaction, succeeded bool, now time.Time) error {
	if t.Status == domain.StatusCreated {
		if err := t.Transition(domain.StatusSubmitted, domain.TriggerRecovery, "found at provider", now); err != nil {
			return err
		}
	}
	return t.Resolve(succeeded, domain.TriggerRecovery, "", now)
}

func markAmbiguous(t *domain.Transaction, note string, now time.Time) error {
	if t.Status == domain.StatusCreated {
		if err := t.Transition(domain.StatusSubmitted, domain.TriggerRecovery, note, now); err != nil {
			return err
		}
	}
	if t.Status == domain.StatusSubmitted {
		return t.Transition(domain.StatusAmbiguous, domain.TriggerRecovery, note, now)
	}
	return nil
}

// flagForReview closes a transaction that exhausted its retries. Money may
// or may not have moved, so compensation and review are both flagged.
func flagForReview(t *domain.Transaction, now time.Time) error {
	const note = "retry cap reached"
	for t.Status != domain.StatusAmbiguous {
		next := domain.StatusSubmitted
		if t.Status == domain.StatusSubmitted {
			next = domain.StatusAmbiguous
		}
		if err := t.Transition(next, domain.TriggerRetryCap, note, now); err != nil {
			return err
		}
	}
	if err := t.Transition(domain.StatusReconciled, domain.TriggerRetryCap, note, now); err != nil {
		return err
	}
	t.RequiresCompensation = true
	t.ManualReviewRequired = true
	return nil
}

func resultFor(t domain.Transaction, outcome domain.BatchOutcome, called bool) domain.BatchResult {
	id := t.ID
	return domain.BatchResult{
		TransactionID:        &id,
		Outcome:              outcome,
		Status:               t.Status,
		FinalStatus:          t.FinalStatus(),
		RequiresCompensation: t.RequiresCompensation,
		ProviderCalled:       called,
	}
}

func errorResult(id *uuid.UUID, err error) domain.BatchResult {
	return domain.BatchResult{TransactionID: id, Outcome: domain.OutcomeError, Error: err.Error()}
}

func dedupe(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

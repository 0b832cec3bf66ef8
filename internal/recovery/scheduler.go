package recovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/ledger"
)

// Scheduler periodically turns recoverable transactions into batches, one
// per provider and direction.
type Scheduler struct {
	engine   *Engine
	ledger   *ledger.Ledger
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(engine *Engine, l *ledger.Ledger, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: engine, ledger: l, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("recovery scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

type batchKey struct {
	provider  domain.Provider
	direction domain.Direction
}

// RunOnce runs a single sweep and returns the batches it produced.
func (s *Scheduler) RunOnce(ctx context.Context) ([]domain.RecoveryBatch, error) {
	cfg := s.engine.Config()
	candidates, err := s.ledger.ListRecoverable(ctx, cfg.StaleAfter, cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}

	groups := make(map[batchKey][]string)
	for _, tx := range candidates {
		k := batchKey{tx.Provider, tx.Direction}
		groups[k] = append(groups[k], tx.ID.String())
	}
	keys := make([]batchKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].provider != keys[j].provider {
			return keys[i].provider < keys[j].provider
		}
		return keys[i].direction < keys[j].direction
	})

	var out []domain.RecoveryBatch
	for _, k := range keys {
		b, err := s.engine.Run(ctx, Request{Provider: k.provider, Direction: k.direction, References: groups[k]})
		if err != nil {
			s.logger.Error("scheduled batch failed", "provider", k.provider, "direction", k.direction, "error", err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Package balance gates payouts on provider liquidity.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/provider"
)

const DefaultFreshness = 60 * time.Second

var (
	guardChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_balance_checks_total",
		Help: "Balance guard decisions by provider and result",
	}, []string{"provider", "result"})

	availableBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payout_provider_available_balance",
		Help: "Last observed available balance per provider and currency",
	}, []string{"provider", "currency"})
)

// Policy is the per-provider gating configuration.
type Policy struct {
	SafetyMargin decimal.Decimal
	// FailOpen lets payouts proceed when the balance cannot be read.
	FailOpen bool
}

// Adapters resolves the adapter used to read balances.
type Adapters interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

// SnapshotStore persists observed snapshots.
type SnapshotStore interface {
	SaveProviderAccount(ctx context.Context, acct domain.ProviderAccount) error
}

type Guard struct {
	adapters Adapters
	store    SnapshotStore
	policies map[domain.Provider]Policy
	window   time.Duration
	logger   *slog.Logger

	cache    *cache.Cache
	refresh  singleflight.Group
	mu       sync.Mutex
	observed map[string]time.Time

	now func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithStore(s SnapshotStore) Option {
	return func(g *Guard) { g.store = s }
}

func NewGuard(adapters Adapters, policies map[domain.Provider]Policy, window time.Duration, logger *slog.Logger, opts ...Option) *Guard {
	if window <= 0 {
		window = DefaultFreshness
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		adapters: adapters,
		policies: policies,
		window:   window,
		logger:   logger,
		cache:    cache.New(window, 2*window),
		observed: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check returns nil when the provider holds at least amount plus the safety
// margin in currency. It never creates ledger records.
func (g *Guard) Check(ctx context.Context, p domain.Provider, currency string, amount decimal.Decimal) error {
	policy := g.policies[p]

	snap, err := g.Snapshot(ctx, p, currency)
	if err != nil {
		if policy.FailOpen {
			g.logger.Warn("balance unreadable, failing open",
				"provider", p, "currency", currency, "error", err)
			guardChecksTotal.WithLabelValues(string(p), "fail_open").Inc()
			return nil
		}
		guardChecksTotal.WithLabelValues(string(p), "fail_closed").Inc()
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return fmt.Errorf("balance %s/%s: %w", p, currency, err)
		}
		return fmt.Errorf("balance %s/%s: %v: %w", p, currency, err, domain.ErrProviderUnavailable)
	}

	required := amount.Add(policy.SafetyMargin)
	if snap.AvailableAmount.LessThan(required) {
		guardChecksTotal.WithLabelValues(string(p), "insufficient").Inc()
		g.logger.Warn("insufficient provider liquidity",
			"provider", p,
			"currency", currency,
			"available", snap.AvailableAmount.String(),
			"required", required.String(),
		)
		return domain.ErrInsufficientProviderLiquidity
	}
	guardChecksTotal.WithLabelValues(string(p), "ok").Inc()
	return nil
}

// Snapshot returns a fresh snapshot, reading the provider only when the
// cached one is older than the freshness window. Concurrent refreshes of the
// same pair share one provider call.
func (g *Guard) Snapshot(ctx context.Context, p domain.Provider, currency string) (domain.ProviderAccount, error) {
	currency = strings.ToUpper(currency)
	key := string(p) + "/" + currency

	if v, ok := g.cache.Get(key); ok {
		if snap := v.(domain.ProviderAccount); snap.Fresh(g.now(), g.window) {
			return snap, nil
		}
	}

	v, err, _ := g.refresh.Do(key, func() (any, error) {
		return g.fetch(ctx, key, p, currency)
	})
	if err != nil {
		return domain.ProviderAccount{}, err
	}
	return v.(domain.ProviderAccount), nil
}

func (g *Guard) fetch(ctx context.Context, key string, p domain.Provider, currency string) (domain.ProviderAccount, error) {
	adapter, err := g.adapters.Get(p)
	if err != nil {
		return domain.ProviderAccount{}, err
	}
	b, err := adapter.GetBalance(ctx, currency)
	if err != nil {
		return domain.ProviderAccount{}, err
	}

	snap := domain.ProviderAccount{
		Provider:        p,
		Currency:        currency,
		AvailableAmount: b.Available,
		PendingAmount:   b.Pending,
		ObservedAt:      g.stamp(key),
	}
	g.cache.Set(key, snap, cache.DefaultExpiration)
	f, _ := b.Available.Float64()
	availableBalance.WithLabelValues(string(p), currency).Set(f)

	if g.store != nil {
		if err := g.store.SaveProviderAccount(ctx, snap); err != nil {
			g.logger.Warn("persist balance snapshot", "provider", p, "currency", currency, "error", err)
		}
	}
	return snap, nil
}

// stamp returns an observation time strictly after the previous one for key.
// The step is a microsecond, the resolution Postgres keeps.
func (g *Guard) stamp(key string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	at := g.now()
	if prev, ok := g.observed[key]; ok && !at.After(prev) {
		at = prev.Add(time.Microsecond)
	}
	g.observed[key] = at
	return at
}

// Invalidate drops the cached snapshot so the next check reads the provider.
func (g *Guard) Invalidate(p domain.Provider, currency string) {
	g.cache.Delete(string(p) + "/" + strings.ToUpper(currency))
}

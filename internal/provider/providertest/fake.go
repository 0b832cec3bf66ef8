// Package providertest offers a scriptable in-memory provider adapter.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/provider"
)

// Fake implements provider.Adapter. Unset hooks behave like an instantly
// successful provider; counters record how often each capability ran.
type Fake struct {
	Provider domain.Provider

	InitiateFunc        func(ctx context.Context, intent provider.Intent) (provider.InitiateResult, error)
	QueryStatusFunc     func(ctx context.Context, q provider.StatusQuery) (provider.Status, error)
	GetBalanceFunc      func(ctx context.Context, currency string) (provider.Balance, error)
	EnsureRecipientFunc func(ctx context.Context, c provider.Contact) (provider.RecipientResult, error)

	InitiateCalls  atomic.Int64
	QueryCalls     atomic.Int64
	BalanceCalls   atomic.Int64
	RecipientCalls atomic.Int64

	mu       sync.Mutex
	intents  []provider.Intent
	queries  []provider.StatusQuery
	sequence int
}

func New(p domain.Provider) *Fake {
	return &Fake{Provider: p}
}

func (f *Fake) Name() domain.Provider { return f.Provider }

func (f *Fake) Initiate(ctx context.Context, intent provider.Intent) (provider.InitiateResult, error) {
	f.InitiateCalls.Add(1)
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	f.sequence++
	seq := f.sequence
	f.mu.Unlock()

	if f.InitiateFunc != nil {
		return f.InitiateFunc(ctx, intent)
	}
	return provider.InitiateResult{
		ProviderReference: fmt.Sprintf("%s-%d", f.Provider, seq),
		Status:            provider.StatusSucceeded,
	}, nil
}

func (f *Fake) QueryStatus(ctx context.Context, q provider.StatusQuery) (provider.Status, error) {
	f.QueryCalls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.QueryStatusFunc != nil {
		return f.QueryStatusFunc(ctx, q)
	}
	return provider.StatusSucceeded, nil
}

func (f *Fake) GetBalance(ctx context.Context, currency string) (provider.Balance, error) {
	f.BalanceCalls.Add(1)
	if f.GetBalanceFunc != nil {
		return f.GetBalanceFunc(ctx, currency)
	}
	return provider.Balance{}, domain.ErrUnsupported
}

func (f *Fake) EnsureRecipient(ctx context.Context, c provider.Contact) (provider.RecipientResult, error) {
	f.RecipientCalls.Add(1)
	if f.EnsureRecipientFunc != nil {
		return f.EnsureRecipientFunc(ctx, c)
	}
	return provider.RecipientResult{}, nil
}

// ParseWebhook accepts {"reference","client_reference","status","direction","verify"}.
func (f *Fake) ParseWebhook(body []byte) (provider.WebhookUpdate, error) {
	var in struct {
		Reference       string `json:"reference"`
		ClientReference string `json:"client_reference"`
		Status          string `json:"status"`
		Direction       string `json:"direction"`
		Verify          bool   `json:"verify"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return provider.WebhookUpdate{}, fmt.Errorf("fake webhook: %w", err)
	}
	dir, ok := domain.ParseDirection(in.Direction)
	if !ok {
		dir = domain.DirectionPayout
	}
	return provider.WebhookUpdate{
		ProviderReference: in.Reference,
		ClientReference:   in.ClientReference,
		Direction:         dir,
		Status:            provider.Status(in.Status),
		Verify:            in.Verify,
		RawPayload:        body,
	}, nil
}

// Intents returns a copy of every intent received so far.
func (f *Fake) Intents() []provider.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Intent(nil), f.intents...)
}

func (f *Fake) Queries() []provider.StatusQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.StatusQuery(nil), f.queries...)
}

package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// Status is the normalized provider-side state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Intent describes the operation to submit.
type Intent struct {
	TransactionID uuid.UUID
	Direction     domain.Direction
	Amount        decimal.Decimal
	Currency      string
	Destination   domain.Destination
}

type InitiateResult struct {
	ProviderReference string
	Status            Status
}

// StatusQuery identifies an operation at the provider. ClientReference is the
// transaction id we sent at initiation; adapters fall back to it when no
// provider reference was recorded.
type StatusQuery struct {
	Direction         domain.Direction
	ProviderReference string
	ClientReference   string
}

type Balance struct {
	Available decimal.Decimal
	Pending   decimal.Decimal
}

// Contact is the recipient registered ahead of a payout.
type Contact struct {
	PhoneNumber string
	CountryCode string
	Name        string
	Surname     string
	Email       string
}

type RecipientResult struct {
	AlreadyExists bool
}

// WebhookUpdate is a provider-pushed status update, already normalized.
// Verify marks notifications that only name the operation; their status
// must be read back with QueryStatus before it is applied.
type WebhookUpdate struct {
	ProviderReference string
	ClientReference   string
	Direction         domain.Direction
	Status            Status
	Verify            bool
	RawPayload        []byte
}

// Adapter is the uniform capability set over one payment gateway. Methods a
// gateway does not offer return domain.ErrUnsupported.
type Adapter interface {
	Name() domain.Provider
	Initiate(ctx context.Context, intent Intent) (InitiateResult, error)
	QueryStatus(ctx context.Context, q StatusQuery) (Status, error)
	GetBalance(ctx context.Context, currency string) (Balance, error)
	EnsureRecipient(ctx context.Context, c Contact) (RecipientResult, error)
	ParseWebhook(body []byte) (WebhookUpdate, error)
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured: %w", p, domain.ErrUnsupported)
	}
	return a, nil
}

func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

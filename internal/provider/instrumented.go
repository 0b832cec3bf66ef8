package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

var (
	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_provider_calls_total",
		Help: "Provider adapter calls, labeled by capability and normalized result",
	}, []string{"provider", "capability", "result"})

	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_provider_call_duration_seconds",
		Help:    "Latency distribution of provider adapter calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "capability"})
)

// Timeouts are per-capability budgets. Zero values take DefaultTimeouts.
type Timeouts struct {
	Initiate  time.Duration
	Query     time.Duration
	Balance   time.Duration
	Recipient time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initiate:  30 * time.Second,
		Query:     10 * time.Second,
		Balance:   10 * time.Second,
		Recipient: 15 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Initiate <= 0 {
		t.Initiate = d.Initiate
	}
	if t.Query <= 0 {
		t.Query = d.Query
	}
	if t.Balance <= 0 {
		t.Balance = d.Balance
	}
	if t.Recipient <= 0 {
		t.Recipient = d.Recipient
	}
	return t
}

// Instrumented enforces a mandatory timeout on every call of the wrapped
// adapter and records metrics. A call that runs out of time is reported as
// ambiguous and is never retried here.
type Instrumented struct {
	next     Adapter
	timeouts Timeouts
}

func NewInstrumented(next Adapter, timeouts Timeouts) *Instrumented {
	return &Instrumented{next: next, timeouts: timeouts.withDefaults()}
}

func (i *Instrumented) Name() domain.Provider { return i.next.Name() }

func (i *Instrumented) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	var res InitiateResult
	err := i.call(ctx, "initiate", i.timeouts.Initiate, func(ctx context.Context) error {
		var err error
		res, err = i.next.Initiate(ctx, intent)
		return err
	})
	return res, err
}

func (i *Instrumented) QueryStatus(ctx context.Context, q StatusQuery) (Status, error) {
	var st Status
	err := i.call(ctx, "query_status", i.timeouts.Query, func(ctx context.Context) error {
		var err error
		st, err = i.next.QueryStatus(ctx, q)
		return err
	})
	return st, err
}

func (i *Instrumented) GetBalance(ctx context.Context, currency string) (Balance, error) {
	var b Balance
	err := i.call(ctx, "get_balance", i.timeouts.Balance, func(ctx context.Context) error {
		var err error
		b, err = i.next.GetBalance(ctx, currency)
		return err
	})
	return b, err
}

func (i *Instrumented) EnsureRecipient(ctx context.Context, c Contact) (RecipientResult, error) {
	var r RecipientResult
	err := i.call(ctx, "ensure_recipient", i.timeouts.Recipient, func(ctx context.Context) error {
		var err error
		r, err = i.next.EnsureRecipient(ctx, c)
		return err
	})
	return r, err
}

func (i *Instrumented) ParseWebhook(body []byte) (WebhookUpdate, error) {
	return i.next.ParseWebhook(body)
}

func (i *Instrumented) call(ctx context.Context, capability string, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := prometheus.NewTimer(providerCallDuration.WithLabelValues(string(i.next.Name()), capability))
	err := fn(ctx)
	timer.ObserveDuration()

	if err != nil && !errors.Is(err, domain.ErrProviderAmbiguous) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%s after %s: %w", capability, timeout, domain.ErrProviderAmbiguous)
	}
	providerCallsTotal.WithLabelValues(string(i.next.Name()), capability, resultLabel(err)).Inc()
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrProviderAmbiguous):
		return "ambiguous"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnsupported):
		return "unsupported"
	default:
		return "error"
	}
}

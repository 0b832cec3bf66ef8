package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/provider"
)

var (
	ErrInvalidRequest = errors.New("invalid payout request")
	ErrInvalidWebhook = errors.New("unreadable webhook payload")
)

type Router interface {
	SelectFor(dir domain.Direction, country, currency string, amount decimal.Decimal) (domain.Provider, error)
}

type Guard interface {
	Check(ctx context.Context, p domain.Provider, currency string, amount decimal.Decimal) error
}

type Adapters interface {
	Get(p domain.Provider) (provider.Adapter, error)
}

type PayoutService struct {
	router   Router
	guard    Guard
	adapters Adapters
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

func NewPayoutService(router Router, guard Guard, adapters Adapters, l *ledger.Ledger, logger *slog.Logger) *PayoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutService{router: router, guard: guard, adapters: adapters, ledger: l, logger: logger}
}

// SubmitResult carries the outcome of a payout request. Replayed is set when
// an idempotency key matched an earlier request.
type SubmitResult struct {
	Transaction domain.Transaction
	Outcome     domain.TransactionOutcome
	Replayed    bool
}

// Submit routes, gates and initiates a payout. Routing and liquidity
// failures return before anything is recorded. An initiation whose outcome
// is unknown is recorded as ambiguous and reported as pending, not as an
// error. The provider call is detached from ctx: a caller that gives up
// receives a pending outcome while the call completes and is recorded.
func (s *PayoutService) Submit(ctx context.Context, req domain.PayoutRequest) (SubmitResult, error) {
	if err := validate(req); err != nil {
		return SubmitResult{}, err
	}
	if req.IdempotencyKey != "" {
		if res, ok, err := s.replay(ctx, req); ok || err != nil {
			return res, err
		}
	}

	dir := direction(req)
	currency := strings.ToUpper(req.Currency)
	p, err := s.router.SelectFor(dir, req.Destination.CountryCode, currency, req.Amount)
	if err != nil {
		return SubmitResult{}, err
	}
	// Collected payments draw nothing from the float and need no contact.
	if dir == domain.DirectionPayout {
		if err := s.guard.Check(ctx, p, currency, req.Amount); err != nil {
			return SubmitResult{}, err
		}
	}
	adapter, err := s.adapters.Get(p)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrNoEligibleProvider, err)
	}
	if dir == domain.DirectionPayout {
		if err := s.ensureRecipient(ctx, adapter, req); err != nil {
			return SubmitResult{}, err
		}
	}

	tx, err := s.ledger.Create(ctx, domain.Transaction{
		Direction:      dir,
		Provider:       p,
		Amount:         req.Amount,
		Currency:       currency,
		Destination:    req.Destination,
		TargetUserID:   req.TargetUserID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
	})
	if errors.Is(err, domain.ErrDuplicateKey) && req.IdempotencyKey != "" {
		if res, ok, rerr := s.replay(ctx, req); ok || rerr != nil {
			return res, rerr
		}
	}
	if err != nil {
		return SubmitResult{}, err
	}

	tx, err = s.ledger.Update(ctx, tx.ID, func(t *domain.Transaction) error {
		return t.Transition(domain.StatusSubmitted, domain.TriggerInitiate, "", s.ledger.Now().UTC())
	})
	if err != nil {
		return SubmitResult{}, err
	}

	intent := provider.Intent{
		TransactionID: tx.ID,
		Direction:     tx.Direction,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Destination:   tx.Destination,
	}
	done := make(chan initiated, 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		res, callErr := adapter.Initiate(detached, intent)
		final, err := s.recordInitiation(detached, tx.ID, res, callErr)
		done <- initiated{tx: final, callErr: callErr, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return SubmitResult{}, r.err
		}
		result := SubmitResult{Transaction: r.tx, Outcome: r.tx.Outcome()}
		if errors.Is(r.callErr, domain.ErrProviderRejected) || r.tx.Status == domain.StatusFailed {
			return result, fmt.Errorf("%s %s: %w", dir, tx.ID, domain.ErrProviderRejected)
		}
		return result, nil
	case <-ctx.Done():
		s.logger.Warn("caller left before initiation finished", "transaction_id", tx.ID)
		return SubmitResult{Transaction: tx, Outcome: tx.Outcome()}, nil
	}
}

type initiated struct {
	tx      domain.Transaction
	callErr error
	err     error
}

// recordInitiation applies an initiate result to a submitted transaction.
func (s *PayoutService) recordInitiation(ctx context.Context, id uuid.UUID, res provider.InitiateResult, callErr error) (domain.Transaction, error) {
	return s.ledger.Update(ctx, id, func(t *domain.Transaction) error {
		if t.Status != domain.StatusSubmitted {
			// A webhook got there first.
			return ledger.ErrUnchanged
		}
		refChanged := false
		if res.ProviderReference != "" && t.ProviderReference == "" {
			if err := t.AssignReference(res.ProviderReference); err != nil {
				return err
			}
			refChanged = true
		}
		now := s.ledger.Now().UTC()

		switch {
		case callErr == nil && res.Status == provider.StatusSucceeded:
			return t.Resolve(true, domain.TriggerProviderResponse, "confirmed at initiation", now)
		case callErr == nil && res.Status == provider.StatusFailed,
			errors.Is(callErr, domain.ErrProviderRejected):
			if err := t.Transition(domain.StatusFailed, domain.TriggerProviderResponse, "rejected at initiation", now); err != nil {
				return err
			}
			t.RequiresCompensation = t.Direction == domain.DirectionPayout
			return nil
		case errors.Is(callErr, domain.ErrUnsupported):
			// Refused before any request left, so nothing moved.
			return t.Transition(domain.StatusFailed, domain.TriggerProviderResponse, "unsupported at initiation", now)
		case callErr == nil:
			if !refChanged {
				return ledger.ErrUnchanged
			}
			return nil
		default:
			s.logger.Warn("initiation outcome unknown",
				"transaction_id", t.ID, "provider", t.Provider, "error", callErr)
			return t.Transition(domain.StatusAmbiguous, domain.TriggerProviderResponse, callErr.Error(), now)
		}
	})
}

func (s *PayoutService) replay(ctx context.Context, req domain.PayoutRequest) (SubmitResult, bool, error) {
	existing, err := s.ledger.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return SubmitResult{}, false, nil
	}
	if err != nil {
		return SubmitResult{}, false, err
	}
	if existing.RequestHash != req.RequestHash {
		return SubmitResult{}, true, domain.ErrIdempotencyMismatch
	}
	return SubmitResult{Transaction: existing, Outcome: existing.Outcome(), Replayed: true}, true, nil
}

func (s *PayoutService) ensureRecipient(ctx context.Context, adapter provider.Adapter, req domain.PayoutRequest) error {
	if req.Destination.PhoneNumber == "" {
		return nil
	}
	res, err := adapter.EnsureRecipient(ctx, provider.Contact{
		PhoneNumber: req.Destination.PhoneNumber,
		CountryCode: req.Destination.CountryCode,
		Name:        req.TargetUserID,
	})
	switch {
	case err == nil:
		if res.AlreadyExists {
			s.logger.Debug("recipient already registered", "provider", adapter.Name(), "country", req.Destination.CountryCode)
		}
		return nil
	case errors.Is(err, domain.ErrUnsupported), errors.Is(err, domain.ErrRecipientAlreadyExists):
		return nil
	default:
		return fmt.Errorf("register recipient: %w", err)
	}
}

func direction(req domain.PayoutRequest) domain.Direction {
	if req.Direction == "" {
		return domain.DirectionPayout
	}
	return req.Direction
}

func validate(req domain.PayoutRequest) error {
	if req.Direction != "" && req.Direction != domain.DirectionPayout && req.Direction != domain.DirectionPayment {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, req.Direction)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	if provider.WholeUnitsOnly(req.Currency) && !req.Amount.IsInteger() {
		return fmt.Errorf("%w: %s amounts must be whole numbers", ErrInvalidRequest, strings.ToUpper(req.Currency))
	}
	d := req.Destination
	if direction(req) == domain.DirectionPayout && d.PhoneNumber == "" && d.Address == "" {
		return fmt.Errorf("%w: destination needs a phone number or an address", ErrInvalidRequest)
	}
	if d.PhoneNumber != "" && d.CountryCode == "" {
		return fmt.Errorf("%w: country code is required for mobile money", ErrInvalidRequest)
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/provider"
)

// WebhookResult reports what a delivery did. Applied is false for
// duplicates and for updates that carry no new information.
type WebhookResult struct {
	Transaction domain.Transaction
	Outcome     domain.TransactionOutcome
	Applied     bool
}

// HandleWebhook applies a provider-pushed status update. Only transactions
// that are submitted or ambiguous accept updates; redelivery is a no-op.
func (s *PayoutService) HandleWebhook(ctx context.Context, p domain.Provider, body []byte) (WebhookResult, error) {
	adapter, err := s.adapters.Get(p)
	if err != nil {
		return WebhookResult{}, err
	}
	upd, err := adapter.ParseWebhook(body)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	tx, err := s.lookup(ctx, p, upd)
	if err != nil {
		return WebhookResult{}, err
	}
	if upd.Verify && !tx.Status.Terminal() {
		if upd.Status, err = s.verify(ctx, adapter, tx, upd); err != nil {
			return WebhookResult{}, err
		}
	}

	before := len(tx.History)
	tx, err = s.ledger.Update(ctx, tx.ID, func(t *domain.Transaction) error {
		if t.Status != domain.StatusSubmitted && t.Status != domain.StatusAmbiguous {
			return ledger.ErrUnchanged
		}
		refChanged := false
		if t.ProviderReference == "" && upd.ProviderReference != "" {
			if err := t.AssignReference(upd.ProviderReference); err != nil {
				return err
			}
			refChanged = true
		}
		now := s.ledger.Now().UTC()
		switch upd.Status {
		case provider.StatusSucceeded:
			return t.Resolve(true, domain.TriggerWebhook, "", now)
		case provider.StatusFailed:
			return t.Resolve(false, domain.TriggerWebhook, "", now)
		default:
			if refChanged {
				return nil
			}
			return ledger.ErrUnchanged
		}
	})
	if err != nil {
		return WebhookResult{}, err
	}

	applied := len(tx.History) > before
	s.logger.Info("webhook received",
		"provider", p,
		"transaction_id", tx.ID,
		"provider_status", upd.Status,
		"applied", applied,
	)
	return WebhookResult{Transaction: tx, Outcome: tx.Outcome(), Applied: applied}, nil
}

// verify reads the status of a notification that only named the operation.
// NotFound leaves the transaction untouched; recovery settles it later.
func (s *PayoutService) verify(ctx context.Context, adapter provider.Adapter, tx domain.Transaction, upd provider.WebhookUpdate) (provider.Status, error) {
	ref := tx.ProviderReference
	if ref == "" {
		ref = upd.ProviderReference
	}
	st, err := adapter.QueryStatus(ctx, provider.StatusQuery{
		Direction:         tx.Direction,
		ProviderReference: ref,
		ClientReference:   tx.ID.String(),
	})
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, domain.ErrNotFound):
		return provider.StatusPending, nil
	default:
		return "", fmt.Errorf("verify webhook for %s: %w", tx.ID, err)
	}
}

// lookup resolves the transaction by provider reference, falling back to
// the client reference we sent at initiation.
func (s *PayoutService) lookup(ctx context.Context, p domain.Provider, upd provider.WebhookUpdate) (domain.Transaction, error) {
	if upd.ProviderReference != "" {
		tx, err := s.ledger.FindByReference(ctx, p, upd.ProviderReference)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.Transaction{}, err
		}
	}
	if id, err := uuid.Parse(upd.ClientReference); err == nil {
		tx, err := s.ledger.Get(ctx, id)
		if err == nil && tx.Provider == p {
			if tx.ProviderReference != "" && upd.ProviderReference != "" && tx.ProviderReference != upd.ProviderReference {
				return domain.Transaction{}, fmt.Errorf("%w: reference mismatch", domain.ErrUnknownTransaction)
			}
			return tx, nil
		}
		if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
			return domain.Transaction{}, err
		}
	}
	return domain.Transaction{}, fmt.Errorf("%w: %s %q", domain.ErrUnknownTransaction, p, upd.ProviderReference)
}

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction tells whether money leaves the platform or comes in.
type Direction string

const (
	DirectionPayout  Direction = "payout"
	DirectionPayment Direction = "payment"
)

func ParseDirection(s string) (Direction, bool) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionPayout:
		return DirectionPayout, true
	case DirectionPayment:
		return DirectionPayment, true
	}
	return "", false
}

// Provider names an external payment gateway.
type Provider string

const (
	ProviderCinetPay    Provider = "cinetpay"
	ProviderFeexPay     Provider = "feexpay"
	ProviderNOWPayments Provider = "nowpayments"
)

func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderCinetPay:
		return ProviderCinetPay, true
	case ProviderFeexPay:
		return ProviderFeexPay, true
	case ProviderNOWPayments:
		return ProviderNOWPayments, true
	}
	return "", false
}

// CollectsPayments reports whether the gateway can take inbound payments.
// FeexPay is wired for payouts only.
func (p Provider) CollectsPayments() bool {
	return p == ProviderCinetPay || p == ProviderNOWPayments
}

// Destination identifies where a payout lands, or who pays for a payment.
type Destination struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	CountryCode string `json:"country_code"`
	Operator    string `json:"operator,omitempty"`
	// Address is a wallet address for crypto payouts.
	Address string `json:"address,omitempty"`
}

// PayoutRequest is the inbound value object handed over by the service layer.
// An empty Direction means payout.
type PayoutRequest struct {
	Direction      Direction
	TargetUserID   string
	Amount         decimal.Decimal
	Currency       string
	Destination    Destination
	IdempotencyKey string
	RequestHash    string
}

// Transition is one entry of a transaction's ordered history.
type Transition struct {
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Trigger Trigger   `json:"trigger"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// Transaction is one attempt to move money via a provider.
type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	Direction            Direction       `json:"direction"`
	Provider             Provider        `json:"provider"`
	ProviderReference    string          `json:"provider_reference,omitempty"`
	Status               Status          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Destination          Destination     `json:"destination"`
	TargetUserID         string          `json:"target_user_id,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
	RequestHash          string          `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
	LastCheckedAt        *time.Time      `json:"last_checked_at,omitempty"`
	AttemptCount         int             `json:"attempt_count"`
	RequiresCompensation bool            `json:"requires_compensation"`
	ManualReviewRequired bool            `json:"manual_review_required"`
	ArchivedAt           *time.Time      `json:"archived_at,omitempty"`
	Version              int             `json:"version"`
	History              []Transition    `json:"history"`
}

// Clone returns a copy that shares no mutable state with t.
func (t Transaction) Clone() Transaction {
	c := t
	c.History = append([]Transition(nil), t.History...)
	if t.LastCheckedAt != nil {
		v := *t.LastCheckedAt
		c.LastCheckedAt = &v
	}
	if t.ArchivedAt != nil {
		v := *t.ArchivedAt
		c.ArchivedAt = &v
	}
	return c
}

// AssignReference sets the provider reference. A reference already assigned
// never changes.
func (t *Transaction) AssignReference(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == t.ProviderReference {
		return nil
	}
	if t.ProviderReference != "" {
		return ErrReferenceImmutable
	}
	t.ProviderReference = ref
	return nil
}

// Outcome collapses the ledger status into what callers may show end users.
func (t Transaction) Outcome() TransactionOutcome {
	return TransactionOutcome{
		TransactionID:        t.ID,
		FinalStatus:          t.FinalStatus(),
		Status:               t.Status,
		RequiresCompensation: t.RequiresCompensation,
	}
}

// FinalStatus reports succeeded, failed or pending.
func (t Transaction) FinalStatus() FinalStatus {
	switch t.Status {
	case StatusConfirmed:
		return FinalSucceeded
	case StatusFailed:
		return FinalFailed
	case StatusReconciled:
		if t.ManualReviewRequired {
			return FinalPending
		}
		if t.reachedConfirmed() {
			return FinalSucceeded
		}
		return FinalFailed
	}
	return FinalPending
}

func (t Transaction) reachedConfirmed() bool {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].To == StatusConfirmed {
			return true
		}
	}
	return false
}

// FinalStatus is the user-visible state of a transaction.
type FinalStatus string

const (
	FinalSucceeded FinalStatus = "succeeded"
	FinalFailed    FinalStatus = "failed"
	FinalPending   FinalStatus = "pending"
)

// TransactionOutcome is returned to the calling service layer, which decides
// which notification to send.
type TransactionOutcome struct {
	TransactionID        uuid.UUID   `json:"transaction_id"`
	FinalStatus          FinalStatus `json:"final_status"`
	Status               Status      `json:"status"`
	RequiresCompensation bool        `json:"requires_compensation"`
}

// ProviderAccount is a liquidity snapshot for a (provider, currency) pair.
type ProviderAccount struct {
	Provider        Provider        `json:"provider"`
	Currency        string          `json:"currency"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
	PendingAmount   decimal.Decimal `json:"pending_amount"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// Fresh reports whether the snapshot can still be used for gating at now.
func (a ProviderAccount) Fresh(now time.Time, window time.Duration) bool {
	if a.ObservedAt.IsZero() {
		return false
	}
	return now.Sub(a.ObservedAt) <= window
}

// BatchOutcome classifies what recovery did with a single reference.
type BatchOutcome string

const (
	OutcomeReconciledConfirmed BatchOutcome = "reconciled_confirmed"
	OutcomeReconciledFailed    BatchOutcome = "reconciled_failed"
	OutcomeStillPending        BatchOutcome = "still_pending"
	OutcomeManualReview        BatchOutcome = "manual_review"
	OutcomeAlreadyFinal        BatchOutcome = "already_final"
	OutcomeNotStale            BatchOutcome = "skipped_not_stale"
	OutcomeUnknownReference    BatchOutcome = "unknown_reference"
	OutcomeMismatch            BatchOutcome = "provider_mismatch"
	OutcomeError               BatchOutcome = "error"
)

// BatchResult is the per-reference entry of a RecoveryBatch.
type BatchResult struct {
	TransactionID        *uuid.UUID   `json:"transaction_id,omitempty"`
	Outcome              BatchOutcome `json:"outcome"`
	Status               Status       `json:"status,omitempty"`
	FinalStatus          FinalStatus  `json:"final_status,omitempty"`
	RequiresCompensation bool         `json:"requires_compensation"`
	ProviderCalled       bool         `json:"provider_called"`
	Error                string       `json:"error,omitempty"`
}

// RecoveryBatch is a bounded set of references selected for reconciliation.
type RecoveryBatch struct {
	ID                  uuid.UUID              `json:"id"`
	Provider            Provider               `json:"provider"`
	Direction           Direction              `json:"direction"`
	RequestedReferences []string               `json:"requested_references"`
	Results             map[string]BatchResult `json:"results"`
	StartedAt           time.Time              `json:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
}

// Summary counts results by outcome.
func (b RecoveryBatch) Summary() map[BatchOutcome]int {
	out := make(map[BatchOutcome]int)
	for _, r := range b.Results {
		out[r.Outcome]++
	}
	return out
}

// Stats aggregates ledger counts for operators.
type Stats struct {
	ByStatus             map[Status]int `json:"by_status"`
	RequiresCompensation int            `json:"requires_compensation"`
	ManualReview         int            `json:"manual_review"`
	Total                int            `json:"total"`
}

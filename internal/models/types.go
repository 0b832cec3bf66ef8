package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// PayoutRequest is the payload of POST /payouts and POST /payments. For a
// payment, Destination identifies the payer.
type PayoutRequest struct {
	TargetUserID string             `json:"target_user_id"`
	Amount       decimal.Decimal    `json:"amount"`
	Currency     string             `json:"currency"`
	Destination  domain.Destination `json:"destination"`
}

// PayoutResponse is the canonical response of POST /payouts and /payments.
type PayoutResponse struct {
	domain.TransactionOutcome
	Provider          domain.Provider `json:"provider"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Replayed          bool            `json:"replayed"`
}

type WebhookResponse struct {
	Applied bool                      `json:"applied"`
	Outcome domain.TransactionOutcome `json:"outcome"`
}

// OverrideRequest moves a transaction outside the forward state machine.
type OverrideRequest struct {
	Status domain.Status `json:"status"`
	Reason string        `json:"reason"`
}

// RecoveryBatchRequest selects references for reconciliation. Type is the
// transaction direction, payout when empty.
type RecoveryBatchRequest struct {
	Provider   string   `json:"provider"`
	Type       string   `json:"type"`
	References []string `json:"references"`
}

type ErrorResponse struct {
	Error         string     `json:"error"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

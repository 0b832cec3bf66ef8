package domain

import "errors"

// Taxonomy surfaced by the core. Provider-specific codes never escape the
// adapters; everything is expressed with these sentinels.
var (
	ErrNoEligibleProvider            = errors.New("no eligible provider")
	ErrInsufficientProviderLiquidity = errors.New("insufficient provider liquidity")
	ErrProviderUnavailable           = errors.New("provider unavailable")
	ErrProviderRejected              = errors.New("provider rejected")
	ErrProviderAmbiguous             = errors.New("provider outcome ambiguous")
	ErrRecipientAlreadyExists        = errors.New("recipient already exists")
	ErrManualReviewRequired          = errors.New("manual review required")

	ErrNotFound    = errors.New("not found at provider")
	ErrUnsupported = errors.New("capability not supported by provider")
)

// Ledger errors.
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrVersionConflict     = errors.New("transaction modified concurrently")
	ErrDuplicateReference  = errors.New("provider reference already assigned")
	ErrReferenceImmutable  = errors.New("provider reference is immutable")
	ErrDuplicateKey        = errors.New("idempotency key already used")
	ErrIdempotencyMismatch = errors.New("idempotency key reuse with mismatched payload")
	ErrUnknownTransaction  = errors.New("no pending transaction for reference")
	ErrBatchNotFound       = errors.New("recovery batch not found")
	ErrBatchCompleted      = errors.New("recovery batch already completed")
)

// Retryable reports whether err may succeed if the same call is repeated later.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrProviderAmbiguous)
}

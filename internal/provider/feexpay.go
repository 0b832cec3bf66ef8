package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

const feexpayBaseURL = "https://api.feexpay.me"

type FeexPayConfig struct {
	Token   string
	ShopID  string
	BaseURL string
}

// FeexPay only offers payouts. It exposes no balance endpoint and needs no
// recipient registration.
type FeexPay struct {
	cfg    FeexPayConfig
	client *http.Client
	logger *slog.Logger
}

func NewFeexPay(cfg FeexPayConfig, client *http.Client, logger *slog.Logger) *FeexPay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = feexpayBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FeexPay{cfg: cfg, client: client, logger: logger}
}

func (f *FeexPay) Name() domain.Provider { return domain.ProviderFeexPay }

type feexpayTransfer struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (f *FeexPay) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
}

func (f *FeexPay) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	if intent.Direction != domain.DirectionPayout {
		return InitiateResult{}, fmt.Errorf("feexpay %s: %w", intent.Direction, domain.ErrUnsupported)
	}
	prefix, phone, ok := splitPhone(intent.Destination.CountryCode, intent.Destination.PhoneNumber)
	if !ok || strings.TrimSpace(intent.Destination.Operator) == "" {
		return InitiateResult{}, fmt.Errorf("feexpay: invalid destination: %w", domain.ErrProviderRejected)
	}

	amount, err := wholeAmount(intent.Amount)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("feexpay: %w", err)
	}

	req, err := newJSONRequest(ctx, http.MethodPost, f.cfg.BaseURL+"/api/payouts/public/transfer/global", map[string]any{
		"phoneNumber": prefix + phone,
		"amount":      amount,
		"shop":        f.cfg.ShopID,
		"network":     strings.ToUpper(intent.Destination.Operator),
		"motif":       "payout " + intent.TransactionID.String(),
		"reference":   intent.TransactionID.String(),
	})
	if err != nil {
		return InitiateResult{}, err
	}
	f.authorize(req)

	resp, err := do(f.client, req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("feexpay transfer: %w", err)
	}
	var out feexpayTransfer
	_ = json.Unmarshal(resp.Body, &out)
	if cerr := classifyHTTPStatus(resp.StatusCode, true); cerr != nil {
		logRaw(f.logger, f.Name(), "transfer", resp.StatusCode, out.Message)
		return InitiateResult{}, fmt.Errorf("feexpay transfer: %w", cerr)
	}
	if out.Reference == "" {
		return InitiateResult{}, fmt.Errorf("feexpay transfer: no reference: %w", domain.ErrProviderAmbiguous)
	}
	st := feexpayStatus(out.Status)
	if st == StatusFailed {
		logRaw(f.logger, f.Name(), "transfer", out.Status, out.Message)
		return InitiateResult{ProviderReference: out.Reference}, fmt.Errorf("feexpay transfer: %w", domain.ErrProviderRejected)
	}
	return InitiateResult{ProviderReference: out.Reference, Status: st}, nil
}

func (f *FeexPay) QueryStatus(ctx context.Context, q StatusQuery) (Status, error) {
	if q.Direction != domain.DirectionPayout {
		return "", fmt.Errorf("feexpay %s status: %w", q.Direction, domain.ErrUnsupported)
	}
	if q.ProviderReference == "" {
		// Lookups by merchant reference are not offered; without the provider
		// reference we cannot tell "never received" from "unknown to us".
		return "", fmt.Errorf("feexpay status by client reference: %w", domain.ErrUnsupported)
	}
	req, err := newJSONRequest(ctx, http.MethodGet, f.cfg.BaseURL+"/api/payouts/status/public/"+url.PathEscape(q.ProviderReference), nil)
	if err != nil {
		return "", err
	}
	f.authorize(req)
	resp, err := do(f.client, req)
	if err != nil {
		return "", fmt.Errorf("feexpay status: %w", err)
	}
	if cerr := classifyHTTPStatus(resp.StatusCode, false); cerr != nil {
		return "", fmt.Errorf("feexpay status: %w", cerr)
	}
	var out feexpayTransfer
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", fmt.Errorf("feexpay status: %w", err)
	}
	return feexpayStatus(out.Status), nil
}

func (f *FeexPay) GetBalance(context.Context, string) (Balance, error) {
	return Balance{}, fmt.Errorf("feexpay balance: %w", domain.ErrUnsupported)
}

func (f *FeexPay) EnsureRecipient(context.Context, Contact) (RecipientResult, error) {
	return RecipientResult{}, fmt.Errorf("feexpay recipients: %w", domain.ErrUnsupported)
}

func (f *FeexPay) ParseWebhook(body []byte) (WebhookUpdate, error) {
	fields, err := flattenPayload(body)
	if err != nil {
		return WebhookUpdate{}, fmt.Errorf("feexpay webhook: %w", err)
	}
	if fields["reference"] == "" {
		return WebhookUpdate{}, fmt.Errorf("feexpay webhook: missing reference")
	}
	return WebhookUpdate{
		ProviderReference: fields["reference"],
		ClientReference:   fields["custom_id"],
		Direction:         domain.DirectionPayout,
		Status:            feexpayStatus(fields["status"]),
		RawPayload:        body,
	}, nil
}

func feexpayStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESSFUL", "SUCCESS":
		return StatusSucceeded
	case "FAILED", "CANCELED", "CANCELLED":
		return StatusFailed
	default:
		return StatusPending
	}
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

const (
	nowpaymentsBaseURL  = "https://api.nowpayments.io"
	nowpaymentsTokenTTL = 4 * time.Minute
)

type NOWPaymentsConfig struct {
	APIKey         string
	Email          string
	Password       string
	IPNCallbackURL string
	BaseURL        string
}

// NOWPayments handles crypto payouts and invoice payments. Wallet
// addresses need no registration.
type NOWPayments struct {
	cfg    NOWPaymentsConfig
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewNOWPayments(cfg NOWPaymentsConfig, client *http.Client, logger *slog.Logger) *NOWPayments {
	if cfg.BaseURL == "" {
		cfg.BaseURL = nowpaymentsBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NOWPayments{cfg: cfg, client: client, logger: logger}
}

func (n *NOWPayments) Name() domain.Provider { return domain.ProviderNOWPayments }

type nowpaymentsError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (n *NOWPayments) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	req, err := newJSONRequest(ctx, method, n.cfg.BaseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", n.cfg.APIKey)
	return req, nil
}

func (n *NOWPayments) bearer(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.token != "" && time.Now().Before(n.tokenExpiry) {
		return n.token, nil
	}
	req, err := n.newRequest(ctx, http.MethodPost, "/v1/auth", map[string]string{
		"email":    n.cfg.Email,
		"password": n.cfg.Password,
	})
	if err != nil {
		return "", err
	}
	resp, err := do(n.client, req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nowpayments auth: %w", domain.ErrProviderUnavailable)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Token == "" {
		return "", fmt.Errorf("nowpayments auth: %w", domain.ErrProviderUnavailable)
	}
	n.token = out.Token
	n.tokenExpiry = time.Now().Add(nowpaymentsTokenTTL)
	return n.token, nil
}

func (n *NOWPayments) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	if intent.Direction == domain.DirectionPayment {
		return n.createPayment(ctx, intent)
	}
	return n.createPayout(ctx, intent)
}

func (n *NOWPayments) createPayout(ctx context.Context, intent Intent) (InitiateResult, error) {
	if strings.TrimSpace(intent.Destination.Address) == "" {
		return InitiateResult{}, fmt.Errorf("nowpayments payout: missing address: %w", domain.ErrProviderRejected)
	}
	token, err := n.bearer(ctx)
	if err != nil {
		return InitiateResult{}, err
	}
	req, err := n.newRequest(ctx, http.MethodPost, "/v1/payout", map[string]any{
		"ipn_callback_url": n.cfg.IPNCallbackURL,
		"withdrawals": []map[string]any{{
			"address":            intent.Destination.Address,
			"currency":           strings.ToLower(intent.Currency),
			"amount":             json.Number(intent.Amount.String()),
			"unique_external_id": intent.TransactionID.String(),
			"ipn_callback_url":   n.cfg.IPNCallbackURL,
		}},
	})
	if err != nil {
		return InitiateResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := do(n.client, req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("nowpayments payout: %w", err)
	}
	if cerr := classifyHTTPStatus(resp.StatusCode, true); cerr != nil {
		n.logError("payout", resp)
		return InitiateResult{}, fmt.Errorf("nowpayments payout: %w", cerr)
	}
	var out struct {
		ID          string `json:"id"`
		Withdrawals []struct {
			Status string `json:"status"`
		} `json:"withdrawals"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return InitiateResult{}, fmt.Errorf("nowpayments payout: %w", err)
	}
	if out.ID == "" {
		return InitiateResult{}, fmt.Errorf("nowpayments payout: no batch id: %w", domain.ErrProviderAmbiguous)
	}
	st := StatusPending
	if len(out.Withdrawals) > 0 {
		st = nowpaymentsPayoutStatus(out.Withdrawals[0].Status)
	}
	return InitiateResult{ProviderReference: out.ID, Status: st}, nil
}

func (n *NOWPayments) createPayment(ctx context.Context, intent Intent) (InitiateResult, error) {
	req, err := n.newRequest(ctx, http.MethodPost, "/v1/payment", map[string]any{
		"price_amount":     json.Number(intent.Amount.String()),
		"price_currency":   strings.ToLower(intent.Currency),
		"pay_currency":     strings.ToLower(intent.Currency),
		"order_id":         intent.TransactionID.String(),
		"ipn_callback_url": n.cfg.IPNCallbackURL,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	resp, err := do(n.client, req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("nowpayments payment: %w", err)
	}
	if cerr := classifyHTTPStatus(resp.StatusCode, true); cerr != nil {
		n.logError("payment", resp)
		return InitiateResult{}, fmt.Errorf("nowpayments payment: %w", cerr)
	}
	var out struct {
		PaymentID     json.Number `json:"payment_id"`
		PaymentStatus string      `json:"payment_status"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return InitiateResult{}, fmt.Errorf("nowpayments payment: %w", err)
	}
	return InitiateResult{
		ProviderReference: out.PaymentID.String(),
		Status:            nowpaymentsPaymentStatus(out.PaymentStatus),
	}, nil
}

func (n *NOWPayments) QueryStatus(ctx context.Context, q StatusQuery) (Status, error) {
	if q.ProviderReference == "" {
		return "", fmt.Errorf("nowpayments status by client reference: %w", domain.ErrUnsupported)
	}
	if q.Direction == domain.DirectionPayment {
		return n.queryPayment(ctx, q.ProviderReference)
	}
	return n.queryPayout(ctx, q.ProviderReference)
}

func (n *NOWPayments) queryPayout(ctx context.Context, ref string) (Status, error) {
	token, err := n.bearer(ctx)
	if err != nil {
		return "", err
	}
	req, err := n.newRequest(ctx, http.MethodGet, "/v1/payout/"+url.PathEscape(ref), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := do(n.client, req)
	if err != nil {
		return "", fmt.Errorf("nowpayments payout status: %w", err)
	}
	if cerr := classifyHTTPStatus(resp.StatusCode, false); cerr != nil {
		return "", fmt.Errorf("nowpayments payout status: %w", cerr)
	}
	var items []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		var wrapped struct {
			Withdrawals []struct {
				Status string `json:"status"`
			} `json:"withdrawals"`
		}
		if err := decodeJSON(resp.Body, &wrapped); err != nil {
			return "", fmt.Errorf("nowpayments payout status: %w", err)
		}
		for _, w := range wrapped.Withdrawals {
			items = append(items, struct {
				Status string `json:"status"`
			}{Status: w.Status})
		}
	}
	if len(items) == 0 {
		return "", fmt.Errorf("nowpayments payout status: %w", domain.ErrNotFound)
	}
	return nowpaymentsPayoutStatus(items[0].Status), nil
}

func (n *NOWPayments) queryPayment(ctx context.Context, ref string) (Status, error) {
	req, err := n.newRequest(ctx, http.MethodGet, "/v1/payment/"+url.PathEscape(ref), nil)
	if err != nil {
		return "", err
	}
	resp, err := do(n.client, req)
	if err != nil {
		return "", fmt.Errorf("nowpayments payment status: %w", err)
	}
	if cerr := classifyHTTPStatus(resp.StatusCode, false); cerr != nil {
		return "", fmt.Errorf("nowpayments payment status: %w", cerr)
	}
	var out struct {
		PaymentStatus string `json:"payment_status"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", fmt.Errorf("nowpayments payment status: %w", err)
	}
	return nowpaymentsPaymentStatus(out.PaymentStatus), nil
}

func (n *NOWPayments) GetBalance(ctx context.Context, currency string) (Balance, error) {
	req, err := n.newRequest(ctx, http.MethodGet, "/v1/balance", nil)
	if err != nil {
		return Balance{}, err
	}
	resp, err := do(n.client, req)
	if err != nil {
		return Balance{}, fmt.Errorf("nowpayments balance: %w", err)
	}
	if cerr := classifyHTTPStatus(resp.StatusCode, false); cerr != nil {
		return Balance{}, fmt.Errorf("nowpayments balance: %w", cerr)
	}
	var out map[string]struct {
		Amount        decimal.Decimal `json:"amount"`
		PendingAmount decimal.Decimal `json:"pendingAmount"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return Balance{}, fmt.Errorf("nowpayments balance: %w", err)
	}
	b, ok := out[strings.ToLower(currency)]
	if !ok {
		return Balance{}, nil
	}
	return Balance{Available: b.Amount, Pending: b.PendingAmount}, nil
}

func (n *NOWPayments) EnsureRecipient(context.Context, Contact) (RecipientResult, error) {
	return RecipientResult{}, fmt.Errorf("nowpayments recipients: %w", domain.ErrUnsupported)
}

// ParseWebhook reads IPN callbacks for both payouts and payments.
func (n *NOWPayments) ParseWebhook(body []byte) (WebhookUpdate, error) {
	fields, err := flattenPayload(body)
	if err != nil {
		return WebhookUpdate{}, fmt.Errorf("nowpayments webhook: %w", err)
	}
	if id := fields["payment_id"]; id != "" {
		return WebhookUpdate{
			ProviderReference: id,
			ClientReference:   fields["order_id"],
			Direction:         domain.DirectionPayment,
			Status:            nowpaymentsPaymentStatus(fields["payment_status"]),
			RawPayload:        body,
		}, nil
	}
	ref := fields["batch_withdrawal_id"]
	if ref == "" {
		ref = fields["id"]
	}
	if ref == "" {
		return WebhookUpdate{}, fmt.Errorf("nowpayments webhook: missing id")
	}
	return WebhookUpdate{
		ProviderReference: ref,
		ClientReference:   fields["unique_external_id"],
		Direction:         domain.DirectionPayout,
		Status:            nowpaymentsPayoutStatus(fields["status"]),
		RawPayload:        body,
	}, nil
}

func (n *NOWPayments) logError(op string, resp httpResponse) {
	var e nowpaymentsError
	_ = json.Unmarshal(resp.Body, &e)
	logRaw(n.logger, n.Name(), op, e.Code, e.Message)
}

func nowpaymentsPayoutStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FINISHED":
		return StatusSucceeded
	case "FAILED", "REJECTED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func nowpaymentsPaymentStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "finished":
		return StatusSucceeded
	case "failed", "expired", "refunded":
		return StatusFailed
	default:
		return StatusPending
	}
}

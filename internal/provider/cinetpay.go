package provider

import (
	"context"
	"encoding/json"
	"errors"
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
	cinetpayTransferURL = "https://client.cinetpay.com"
	cinetpayCheckoutURL = "https://api-checkout.cinetpay.com"

	// cinetpayContactExists is returned when the phone is already in the
	// merchant's contact book.
	cinetpayContactExists = 726
	cinetpayTokenTTL      = 4 * time.Minute
)

// CinetPayConfig holds credentials for the transfer and checkout APIs.
type CinetPayConfig struct {
	APIKey      string
	Password    string
	SiteID      string
	NotifyURL   string
	TransferURL string
	CheckoutURL string
	// Currency is the settlement currency of the merchant account.
	Currency string
}

// CinetPay supports the full capability set: payouts through the transfer
// API and payments through the checkout API.
type CinetPay struct {
	cfg    CinetPayConfig
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewCinetPay(cfg CinetPayConfig, client *http.Client, logger *slog.Logger) *CinetPay {
	if cfg.TransferURL == "" {
		cfg.TransferURL = cinetpayTransferURL
	}
	if cfg.CheckoutURL == "" {
		cfg.CheckoutURL = cinetpayCheckoutURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "XOF"
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CinetPay{cfg: cfg, client: client, logger: logger}
}

func (c *CinetPay) Name() domain.Provider { return domain.ProviderCinetPay }

type cinetpayEnvelope struct {
	Code        json.RawMessage `json:"code"`
	Message     string          `json:"message"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data"`
}

// codeString reads the code field, which the transfer API sends as a number
// and the checkout API as a string.
func (e cinetpayEnvelope) codeString() string {
	return strings.Trim(string(e.Code), `"`)
}

type cinetpayTransferItem struct {
	Code                json.RawMessage `json:"code"`
	Status              string          `json:"status"`
	Message             string          `json:"message"`
	TransactionID       string          `json:"transaction_id"`
	ClientTransactionID string          `json:"client_transaction_id"`
	TreatmentStatus     string          `json:"treatment_status"`
	SendingStatus       string          `json:"sending_status"`
}

func (i cinetpayTransferItem) codeString() string {
	return strings.Trim(string(i.Code), `"`)
}

func (c *CinetPay) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := newFormRequest(ctx, c.cfg.TransferURL+"/v1/auth/login", url.Values{
		"apikey":   {c.cfg.APIKey},
		"password": {c.cfg.Password},
	})
	if err != nil {
		return "", err
	}
	resp, err := do(c.client, req)
	if err != nil {
		// Authentication has no side effect; any failure is plain unavailability.
		return "", fmt.Errorf("cinetpay auth: %w", domain.ErrProviderUnavailable)
	}
	var env cinetpayEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env.codeString() != "0" {
		logRaw(c.logger, c.Name(), "auth", env.codeString(), env.Message)
		return "", fmt.Errorf("cinetpay auth: %w", domain.ErrProviderUnavailable)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return "", fmt.Errorf("cinetpay auth: %w", domain.ErrProviderUnavailable)
	}
	c.token = data.Token
	c.tokenExpiry = time.Now().Add(cinetpayTokenTTL)
	return c.token, nil
}

func (c *CinetPay) transferEndpoint(path, token string, extra url.Values) string {
	q := url.Values{"token": {token}, "lang": {"fr"}}
	for k, v := range extra {
		q[k] = v
	}
	return c.cfg.TransferURL + path + "?" + q.Encode()
}

func (c *CinetPay) Initiate(ctx context.Context, intent Intent) (InitiateResult, error) {
	if intent.Direction == domain.DirectionPayment {
		return c.initiatePayment(ctx, intent)
	}
	return c.initiatePayout(ctx, intent)
}

func (c *CinetPay) initiatePayout(ctx context.Context, intent Intent) (InitiateResult, error) {
	prefix, phone, ok := splitPhone(intent.Destination.CountryCode, intent.Destination.PhoneNumber)
	if !ok {
		return InitiateResult{}, fmt.Errorf("cinetpay: invalid destination: %w", domain.ErrProviderRejected)
	}
	amount, err := wholeAmount(intent.Amount)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("cinetpay: %w", err)
	}
	token, err := c.authToken(ctx)
	if err != nil {
		return InitiateResult{}, err
	}

	data, err := json.Marshal([]map[string]any{{
		"prefix":                prefix,
		"phone":                 phone,
		"amount":                amount,
		"client_transaction_id": intent.TransactionID.String(),
		"notify_url":            c.cfg.NotifyURL,
		"payment_method":        strings.ToUpper(intent.Destination.Operator),
	}})
	if err != nil {
		return InitiateResult{}, err
	}
	req, err := newFormRequest(ctx, c.transferEndpoint("/v1/transfer/money/send/contact", token, nil), url.Values{"data": {string(data)}})
	if err != nil {
		return InitiateResult{}, err
	}
	resp, err := do(c.client, req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("cinetpay send: %w", err)
	}
	// A 5xx envelope code says nothing about whether the transfer left.
	if resp.StatusCode >= http.StatusInternalServerError {
		var env cinetpayEnvelope
		if json.Unmarshal(resp.Body, &env) == nil {
			logRaw(c.logger, c.Name(), "send", env.codeString(), env.Message)
		}
		return InitiateResult{}, fmt.Errorf("cinetpay send: %w", classifyHTTPStatus(resp.StatusCode, true))
	}

	item, env, err := c.firstTransferItem(resp)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("cinetpay send: %w", err)
	}
	if env.codeString() != "0" || (item.codeString() != "" && item.codeString() != "0") {
		code, msg := env.codeString(), env.Message
		if item.codeString() != "" && item.codeString() != "0" {
			code, msg = item.codeString(), item.Message
		}
		logRaw(c.logger, c.Name(), "send", code, msg)
		return InitiateResult{}, fmt.Errorf("cinetpay send: %w", domain.ErrProviderRejected)
	}
	return InitiateResult{
		ProviderReference: item.TransactionID,
		Status:            cinetpayTreatmentStatus(item.TreatmentStatus),
	}, nil
}

// firstTransferItem unwraps the nested data arrays of transfer responses.
func (c *CinetPay) firstTransferItem(resp httpResponse) (cinetpayTransferItem, cinetpayEnvelope, error) {
	var env cinetpayEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		if cerr := classifyHTTPStatus(resp.StatusCode, true); cerr != nil {
			return cinetpayTransferItem{}, env, cerr
		}
		return cinetpayTransferItem{}, env, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return cinetpayTransferItem{}, env, nil
	}

	var nested [][]cinetpayTransferItem
	if err := json.Unmarshal(env.Data, &nested); err == nil {
		if len(nested) > 0 && len(nested[0]) > 0 {
			return nested[0][0], env, nil
		}
		return cinetpayTransferItem{}, env, nil
	}
	var flat []cinetpayTransferItem
	if err := json.Unmarshal(env.Data, &flat); err == nil {
		if len(flat) > 0 {
			return flat[0], env, nil
		}
		return cinetpayTransferItem{}, env, nil
	}
	var single cinetpayTransferItem
	if err := json.Unmarshal(env.Data, &single); err == nil {
		return single, env, nil
	}
	return cinetpayTransferItem{}, env, fmt.Errorf("unexpected data shape: %w", domain.ErrProviderAmbiguous)
}

func (c *CinetPay) initiatePayment(ctx context.Context, intent Intent) (InitiateResult, error) {
	amount, err := wholeAmount(intent.Amount)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("cinetpay: %w", err)
	}
	payload := map[string]any{
		"apikey":                c.cfg.APIKey,
		"site_id":               c.cfg.SiteID,
		"transaction_id":        intent.TransactionID.String(),
		"amount":                amount,
		"currency":              intent.Currency,
		"description":           "payment " + intent.TransactionID.String(),
		"notify_url":            c.cfg.NotifyURL,
		"channels":              "ALL",
		"customer_phone_number": intent.Destination.PhoneNumber,
	}
	req, err := newJSONRequest(ctx, http.MethodPost, c.cfg.CheckoutURL+"/v2/payment", payload)
	if err != nil {
		return InitiateResult{}, err
	}
	resp, err := do(c.client, req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("cinetpay payment: %w", err)
	}
	var env cinetpayEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return InitiateResult{}, fmt.Errorf("cinetpay payment: %w", err)
	}
	if env.codeString() != "201" {
		logRaw(c.logger, c.Name(), "payment", env.codeString(), env.Message)
		if cerr := classifyHTTPStatus(resp.StatusCode, true); cerr != nil {
			return InitiateResult{}, fmt.Errorf("cinetpay payment: %w", cerr)
		}
		return InitiateResult{}, fmt.Errorf("cinetpay payment: %w", domain.ErrProviderRejected)
	}
	// Checkout payments are keyed by the merchant transaction id.
	return InitiateResult{
		ProviderReference: intent.TransactionID.String(),
		Status:            StatusPending,
	}, nil
}

func (c *CinetPay) QueryStatus(ctx context.Context, q StatusQuery) (Status, error) {
	if q.Direction == domain.DirectionPayment {
		return c.queryPayment(ctx, q)
	}
	return c.queryPayout(ctx, q)
}

func (c *CinetPay) queryPayout(ctx context.Context, q StatusQuery) (Status, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	switch {
	case q.ProviderReference != "":
		params.Set("transaction_id", q.ProviderReference)
	case q.ClientReference != "":
		params.Set("client_transaction_id", q.ClientReference)
	default:
		return "", fmt.Errorf("cinetpay check: no reference: %w", domain.ErrNotFound)
	}
	req, err := newJSONRequest(ctx, http.MethodGet, c.transferEndpoint("/v1/transfer/check/money", token, params), nil)
	if err != nil {
		return "", err
	}
	resp, err := do(c.client, req)
	if err != nil {
		return "", fmt.Errorf("cinetpay check: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("cinetpay check: %w", domain.ErrNotFound)
	}
	item, env, err := c.firstTransferItem(resp)
	if err != nil {
		return "", fmt.Errorf("cinetpay check: %w", err)
	}
	if env.codeString() != "0" {
		logRaw(c.logger, c.Name(), "check", env.codeString(), env.Message)
		if strings.Contains(strings.ToUpper(env.Message), "NOT_FOUND") {
			return "", fmt.Errorf("cinetpay check: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("cinetpay check: %w", domain.ErrProviderUnavailable)
	}
	if item.TreatmentStatus == "" {
		return "", fmt.Errorf("cinetpay check: %w", domain.ErrNotFound)
	}
	return cinetpayTreatmentStatus(item.TreatmentStatus), nil
}

func (c *CinetPay) queryPayment(ctx context.Context, q StatusQuery) (Status, error) {
	ref := q.ProviderReference
	if ref == "" {
		ref = q.ClientReference
	}
	if ref == "" {
		return "", fmt.Errorf("cinetpay payment check: no reference: %w", domain.ErrNotFound)
	}
	req, err := newJSONRequest(ctx, http.MethodPost, c.cfg.CheckoutURL+"/v2/payment/check", map[string]string{
		"apikey":         c.cfg.APIKey,
		"site_id":        c.cfg.SiteID,
		"transaction_id": ref,
	})
	if err != nil {
		return "", err
	}
	resp, err := do(c.client, req)
	if err != nil {
		return "", fmt.Errorf("cinetpay payment check: %w", err)
	}
	var env cinetpayEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return "", fmt.Errorf("cinetpay payment check: %w", err)
	}
	var data struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(env.Data, &data)

	if strings.Contains(strings.ToUpper(env.Message), "NOT_FOUND") || resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("cinetpay payment check: %w", domain.ErrNotFound)
	}
	if data.Status == "" {
		logRaw(c.logger, c.Name(), "payment_check", env.codeString(), env.Message)
		return "", fmt.Errorf("cinetpay payment check: %w", domain.ErrProviderUnavailable)
	}
	return cinetpayPaymentStatus(data.Status), nil
}

func (c *CinetPay) GetBalance(ctx context.Context, currency string) (Balance, error) {
	if !strings.EqualFold(currency, c.cfg.Currency) {
		return Balance{}, fmt.Errorf("cinetpay balance in %s: %w", currency, domain.ErrUnsupported)
	}
	token, err := c.authToken(ctx)
	if err != nil {
		return Balance{}, err
	}
	req, err := newJSONRequest(ctx, http.MethodGet, c.transferEndpoint("/v1/transfer/check/balance", token, nil), nil)
	if err != nil {
		return Balance{}, err
	}
	resp, err := do(c.client, req)
	if err != nil {
		return Balance{}, fmt.Errorf("cinetpay balance: %w", err)
	}
	var env cinetpayEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return Balance{}, fmt.Errorf("cinetpay balance: %w", err)
	}
	if env.codeString() != "0" {
		logRaw(c.logger, c.Name(), "balance", env.codeString(), env.Message)
		return Balance{}, fmt.Errorf("cinetpay balance: %w", domain.ErrProviderUnavailable)
	}
	var data struct {
		Amount    decimal.Decimal `json:"amount"`
		InUsing   decimal.Decimal `json:"inUsing"`
		Available decimal.Decimal `json:"available"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Balance{}, fmt.Errorf("cinetpay balance: %w", domain.ErrProviderUnavailable)
	}
	return Balance{Available: data.Available, Pending: data.InUsing}, nil
}

func (c *CinetPay) EnsureRecipient(ctx context.Context, contact Contact) (RecipientResult, error) {
	prefix, phone, ok := splitPhone(contact.CountryCode, contact.PhoneNumber)
	if !ok {
		return RecipientResult{}, fmt.Errorf("cinetpay contact: invalid phone: %w", domain.ErrProviderRejected)
	}
	token, err := c.authToken(ctx)
	if err != nil {
		return RecipientResult{}, err
	}
	data, err := json.Marshal([]map[string]string{{
		"prefix":  prefix,
		"phone":   phone,
		"name":    valueOr(contact.Name, "Client"),
		"surname": valueOr(contact.Surname, phone),
		"email":   valueOr(contact.Email, phone+"@payout.local"),
	}})
	if err != nil {
		return RecipientResult{}, err
	}
	req, err := newFormRequest(ctx, c.transferEndpoint("/v1/transfer/contact", token, nil), url.Values{"data": {string(data)}})
	if err != nil {
		return RecipientResult{}, err
	}
	resp, err := do(c.client, req)
	if err != nil {
		// Registering the same contact twice is harmless, so a lost answer
		// is just unavailability.
		if errors.Is(err, domain.ErrProviderAmbiguous) {
			return RecipientResult{}, fmt.Errorf("cinetpay contact: %w", domain.ErrProviderUnavailable)
		}
		return RecipientResult{}, fmt.Errorf("cinetpay contact: %w", err)
	}
	item, env, err := c.firstTransferItem(resp)
	if err != nil {
		return RecipientResult{}, fmt.Errorf("cinetpay contact: %w", domain.ErrProviderUnavailable)
	}
	if isCinetPayContactExists(env.codeString(), env.Message) || isCinetPayContactExists(item.codeString(), item.Status+" "+item.Message) {
		return RecipientResult{AlreadyExists: true}, nil
	}
	if env.codeString() != "0" || (item.codeString() != "" && item.codeString() != "0") {
		logRaw(c.logger, c.Name(), "contact", item.codeString(), env.Message+" "+item.Message)
		return RecipientResult{}, fmt.Errorf("cinetpay contact: %w", domain.ErrProviderRejected)
	}
	return RecipientResult{}, nil
}

func isCinetPayContactExists(code, message string) bool {
	if code == fmt.Sprint(cinetpayContactExists) {
		return true
	}
	return strings.Contains(strings.ToUpper(message), "ALREADY_MY_CONTACT")
}

// ParseWebhook accepts the transfer notification (form or JSON) and the
// checkout notification, which only carries the merchant transaction id.
func (c *CinetPay) ParseWebhook(body []byte) (WebhookUpdate, error) {
	fields, err := flattenPayload(body)
	if err != nil {
		return WebhookUpdate{}, fmt.Errorf("cinetpay webhook: %w", err)
	}

	if ref := fields["cpm_trans_id"]; ref != "" {
		// Checkout notifications are unsigned, so any status fields in
		// them are ignored and the payment is checked instead.
		return WebhookUpdate{
			ProviderReference: ref,
			ClientReference:   ref,
			Direction:         domain.DirectionPayment,
			Status:            StatusPending,
			Verify:            true,
			RawPayload:        body,
		}, nil
	}
	if fields["transaction_id"] == "" && fields["client_transaction_id"] == "" {
		return WebhookUpdate{}, fmt.Errorf("cinetpay webhook: missing transaction reference")
	}
	return WebhookUpdate{
		ProviderReference: fields["transaction_id"],
		ClientReference:   fields["client_transaction_id"],
		Direction:         domain.DirectionPayout,
		Status:            cinetpayTreatmentStatus(fields["treatment_status"]),
		RawPayload:        body,
	}, nil
}

func cinetpayTreatmentStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "VAL":
		return StatusSucceeded
	case "REJ":
		return StatusFailed
	default:
		return StatusPending
	}
}

func cinetpayPaymentStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPTED", "00":
		return StatusSucceeded
	case "REFUSED", "CANCELED", "CANCELLED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

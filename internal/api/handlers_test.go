package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/provider"
	"github.com/punchamoorthee/payoutops/internal/provider/providertest"
	"github.com/punchamoorthee/payoutops/internal/recovery"
	"github.com/punchamoorthee/payoutops/internal/routing"
	"github.com/punchamoorthee/payoutops/internal/service"
	"github.com/punchamoorthee/payoutops/internal/store"
)

type guardFunc func(ctx context.Context, p domain.Provider, currency string, amount decimal.Decimal) error

func (f guardFunc) Check(ctx context.Context, p domain.Provider, currency string, amount decimal.Decimal) error {
	return f(ctx, p, currency, amount)
}

type testServer struct {
	srv    *httptest.Server
	fake   *providertest.Fake
	ledger *ledger.Ledger
}

func newTestServer(t *testing.T, guard guardFunc, opts Options) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	l := ledger.New(mem, logger)
	fake := providertest.New(domain.ProviderCinetPay)
	reg := provider.NewRegistry(fake)
	table := routing.Table{"SN": {{
		Provider:   domain.ProviderCinetPay,
		MinAmount:  decimal.NewFromInt(300),
		Directions: []domain.Direction{domain.DirectionPayout, domain.DirectionPayment},
	}}}
	if guard == nil {
		guard = func(context.Context, domain.Provider, string, decimal.Decimal) error { return nil }
	}
	svc := service.NewPayoutService(routing.NewRouter(table), guard, reg, l, logger)
	engine := recovery.NewEngine(l, reg, mem, recovery.Config{}, logger)

	h := NewHandler(svc, l, engine, nil, logger)
	srv := httptest.NewServer(h.Routes(opts))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, fake: fake, ledger: l}
}

func (s *testServer) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func payoutBody(amount int) string {
	return fmt.Sprintf(`{"target_user_id":"u-1","amount":"%d","currency":"XOF","destination":{"phone_number":"771234567","country_code":"SN"}}`, amount)
}

func TestCreatePayout(t *testing.T) {
	s := newTestServer(t, nil, Options{})

	resp, data := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, data)
	}
	var out models.PayoutResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.FinalStatus != domain.FinalSucceeded || out.Provider != domain.ProviderCinetPay || out.Replayed {
		t.Fatalf("unexpected response %+v", out)
	}
	if !strings.HasSuffix(resp.Header.Get("Location"), out.TransactionID.String()) {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}

	resp, data = s.do(t, "GET", "/api/v1/transactions/"+out.TransactionID.String(), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var tx domain.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if tx.Status != domain.StatusReconciled || len(tx.History) == 0 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
}

func TestCreatePayoutIdempotency(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	key := map[string]string{"Idempotency-Key": "abc"}

	first, _ := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), key)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.StatusCode)
	}
	replay, data := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), key)
	if replay.StatusCode != http.StatusOK || !strings.Contains(string(data), `"replayed":true`) {
		t.Fatalf("expected replay, got %d: %s", replay.StatusCode, data)
	}
	if s.fake.InitiateCalls.Load() != 1 {
		t.Fatalf("replay initiated again")
	}
	mismatch, _ := s.do(t, "POST", "/api/v1/payouts", payoutBody(600), key)
	if mismatch.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for mismatched reuse, got %d", mismatch.StatusCode)
	}
}

func TestCreatePayoutErrors(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	if resp, _ := s.do(t, "POST", "/api/v1/payouts", payoutBody(100), nil); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("below minimum: expected 422, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "POST", "/api/v1/payouts", `{"amount":`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}

	dry := newTestServer(t, func(context.Context, domain.Provider, string, decimal.Decimal) error {
		return domain.ErrInsufficientProviderLiquidity
	}, Options{})
	if resp, _ := dry.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("liquidity: expected 503, got %d", resp.StatusCode)
	}
}

func TestGatedResponseHidesProviderDetails(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: cinetpay has 100 XOF, needs 5500", domain.ErrInsufficientProviderLiquidity), domain.ErrInsufficientProviderLiquidity.Error()},
		{fmt.Errorf("balance cinetpay/XOF: dial tcp 10.0.0.7:443: %w", domain.ErrProviderUnavailable), domain.ErrProviderUnavailable.Error()},
	}
	for _, tc := range cases {
		s := newTestServer(t, func(context.Context, domain.Provider, string, decimal.Decimal) error { return tc.err }, Options{})
		resp, data := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", resp.StatusCode)
		}
		var out models.ErrorResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if out.Error != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, out.Error)
		}
	}
}

func TestRejectedPayoutCarriesTransactionID(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	s.fake.InitiateFunc = func(context.Context, provider.Intent) (provider.InitiateResult, error) {
		return provider.InitiateResult{}, domain.ErrProviderRejected
	}
	resp, data := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var out models.ErrorResponse
	if err := json.Unmarshal(data, &out); err != nil || out.TransactionID == nil {
		t.Fatalf("expected a transaction id in %s", data)
	}
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	s.fake.InitiateFunc = func(context.Context, provider.Intent) (provider.InitiateResult, error) {
		return provider.InitiateResult{ProviderReference: "CP-1", Status: provider.StatusPending}, nil
	}
	if resp, _ := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d", resp.StatusCode)
	}

	body := `{"reference":"CP-1","status":"succeeded"}`
	resp, data := s.do(t, "POST", "/api/v1/webhooks/cinetpay", body, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"applied":true`) {
		t.Fatalf("first delivery: %d %s", resp.StatusCode, data)
	}
	resp, data = s.do(t, "POST", "/api/v1/webhooks/cinetpay", body, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"applied":false`) {
		t.Fatalf("redelivery: %d %s", resp.StatusCode, data)
	}

	if resp, _ := s.do(t, "POST", "/api/v1/webhooks/paypal", body, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown provider: expected 404, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "POST", "/api/v1/webhooks/cinetpay", `{"reference":"CP-404","status":"failed"}`, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown reference: expected 404, got %d", resp.StatusCode)
	}
}

func TestGetTransactionErrors(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	if resp, _ := s.do(t, "GET", "/api/v1/transactions/not-a-uuid", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "GET", "/api/v1/transactions/6f1c7a52-0d3e-4c55-9d0a-6b7f3f1f2a11", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOverride(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	s.fake.InitiateFunc = func(context.Context, provider.Intent) (provider.InitiateResult, error) {
		return provider.InitiateResult{}, domain.ErrProviderAmbiguous
	}
	_, data := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil)
	var out models.PayoutResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	path := "/api/v1/transactions/" + out.TransactionID.String() + "/override"

	if resp, _ := s.do(t, "POST", path, `{"status":"failed"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing reason: expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "POST", path, `{"status":"lost","reason":"x"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status: expected 400, got %d", resp.StatusCode)
	}
	resp, data := s.do(t, "POST", path, `{"status":"failed","reason":"confirmed with provider support"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override: %d %s", resp.StatusCode, data)
	}
	got, _ := s.ledger.Get(context.Background(), out.TransactionID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestRecoveryBatchEndpoints(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	s.fake.InitiateFunc = func(context.Context, provider.Intent) (provider.InitiateResult, error) {
		return provider.InitiateResult{}, domain.ErrProviderAmbiguous
	}
	_, data := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), nil)
	var out models.PayoutResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	body := fmt.Sprintf(`{"provider":"cinetpay","type":"payout","references":["%s"]}`, out.TransactionID)
	resp, data := s.do(t, "POST", "/api/v1/recovery/batches", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create batch: %d %s", resp.StatusCode, data)
	}
	var batch domain.RecoveryBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if res := batch.Results[out.TransactionID.String()]; res.Outcome != domain.OutcomeReconciledConfirmed {
		t.Fatalf("unexpected result %+v", res)
	}

	resp, _ = s.do(t, "GET", "/api/v1/recovery/batches/"+batch.ID.String(), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get batch: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "POST", "/api/v1/recovery/batches", `{"provider":"cinetpay","references":[]}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch: expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "POST", "/api/v1/recovery/batches", `{"provider":"cinetpay","type":"refund","references":["x"]}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad type: expected 400, got %d", resp.StatusCode)
	}

	resp, data = s.do(t, "GET", "/api/v1/stats", "", nil)
	var stats domain.Stats
	if resp.StatusCode != http.StatusOK || json.Unmarshal(data, &stats) != nil || stats.Total != 1 {
		t.Fatalf("stats: %d %s", resp.StatusCode, data)
	}
}

func TestCreatePaymentThenRecover(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	s.fake.InitiateFunc = func(context.Context, provider.Intent) (provider.InitiateResult, error) {
		return provider.InitiateResult{}, domain.ErrProviderAmbiguous
	}

	resp, data := s.do(t, "POST", "/api/v1/payments", payoutBody(1500), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, data)
	}
	var out models.PayoutResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.FinalStatus != domain.FinalPending || out.Status != domain.StatusAmbiguous {
		t.Fatalf("unexpected response %+v", out)
	}
	tx, err := s.ledger.Get(context.Background(), out.TransactionID)
	if err != nil || tx.Direction != domain.DirectionPayment {
		t.Fatalf("expected a payment transaction, got %+v %v", tx, err)
	}
	if s.fake.RecipientCalls.Load() != 0 {
		t.Fatalf("payments must not register a recipient")
	}

	body := fmt.Sprintf(`{"provider":"cinetpay","type":"payout","references":["%s"]}`, out.TransactionID)
	_, data = s.do(t, "POST", "/api/v1/recovery/batches", body, nil)
	var batch domain.RecoveryBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if res := batch.Results[out.TransactionID.String()]; res.Outcome != domain.OutcomeMismatch {
		t.Fatalf("payout batch must not settle a payment, got %+v", res)
	}

	body = fmt.Sprintf(`{"provider":"cinetpay","type":"payment","references":["%s"]}`, out.TransactionID)
	resp, data = s.do(t, "POST", "/api/v1/recovery/batches", body, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create batch: %d %s", resp.StatusCode, data)
	}
	batch = domain.RecoveryBatch{}
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if res := batch.Results[out.TransactionID.String()]; res.Outcome != domain.OutcomeReconciledConfirmed || res.RequiresCompensation {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestIdempotencyKeyIsScopedByDirection(t *testing.T) {
	s := newTestServer(t, nil, Options{})
	key := map[string]string{"Idempotency-Key": "shared"}

	if resp, _ := s.do(t, "POST", "/api/v1/payouts", payoutBody(500), key); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, _ := s.do(t, "POST", "/api/v1/payments", payoutBody(500), key)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("payment reusing a payout key: expected 422, got %d", resp.StatusCode)
	}
	if s.fake.InitiateCalls.Load() != 1 {
		t.Fatalf("expected a single initiation, got %d", s.fake.InitiateCalls.Load())
	}
}

func TestThrottle(t *testing.T) {
	s := newTestServer(t, nil, Options{RateLimit: 0.001, Burst: 1})
	first, _ := s.do(t, "GET", "/api/v1/stats", "", nil)
	second, _ := s.do(t, "GET", "/api/v1/stats", "", nil)
	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 200 then 429, got %d then %d", first.StatusCode, second.StatusCode)
	}
	if resp, _ := s.do(t, "GET", "/health", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health must not be throttled, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("route: %w", domain.ErrNoEligibleProvider), http.StatusUnprocessableEntity},
		{domain.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{domain.ErrBatchNotFound, http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{recovery.ErrBatchTooLarge, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

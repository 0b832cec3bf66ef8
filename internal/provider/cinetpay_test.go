package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCinetPayServer(t *testing.T, routes map[string]string) (*CinetPay, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"message":"OPERATION_SUCCES","data":{"token":"tok"}}`))
	})
	for path, body := range routes {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/v1/") && r.URL.Query().Get("token") != "tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewCinetPay(CinetPayConfig{
		APIKey:      "key",
		Password:    "pwd",
		SiteID:      "site",
		TransferURL: srv.URL,
		CheckoutURL: srv.URL,
	}, srv.Client(), discardLogger())
	return c, srv
}

func TestCinetPayEnsureRecipientAlreadyMyContact(t *testing.T) {
	c, _ := newCinetPayServer(t, map[string]string{
		"/v1/transfer/contact": `{"code":0,"message":"OPERATION_SUCCES","data":[[{"code":726,"status":"ERROR_PHONE_ALREADY_MY_CONTACT","lot":"1"}]]}`,
	})

	res, err := c.EnsureRecipient(context.Background(), Contact{PhoneNumber: "+221771234567", CountryCode: "SN"})
	if err != nil {
		t.Fatalf("expected already-existing contact to be a success, got %v", err)
	}
	if !res.AlreadyExists {
		t.Fatalf("expected AlreadyExists to be reported")
	}
}

func TestCinetPayEnsureRecipientNewContact(t *testing.T) {
	c, _ := newCinetPayServer(t, map[string]string{
		"/v1/transfer/contact": `{"code":0,"message":"OPERATION_SUCCES","data":[[{"code":0,"status":"success","lot":"1"}]]}`,
	})

	res, err := c.EnsureRecipient(context.Background(), Contact{PhoneNumber: "771234567", CountryCode: "SN"})
	if err != nil {
		t.Fatalf("ensure recipient: %v", err)
	}
	if res.AlreadyExists {
		t.Fatalf("new contact must not be reported as existing")
	}
}

func TestCinetPayEnsureRecipientRejectsUnknownCountry(t *testing.T) {
	c, _ := newCinetPayServer(t, nil)

	_, err := c.EnsureRecipient(context.Background(), Contact{PhoneNumber: "771234567", CountryCode: "FR"})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
}

func TestCinetPayInitiatePayout(t *testing.T) {
	var gotData string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"token":"tok"}}`))
	})
	mux.HandleFunc("/v1/transfer/money/send/contact", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotData = r.PostForm.Get("data")
		w.Write([]byte(`{"code":0,"message":"OPERATION_SUCCES","data":[[{"code":0,"status":"success","transaction_id":"CP-1","treatment_status":"NEW"}]]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCinetPay(CinetPayConfig{TransferURL: srv.URL, CheckoutURL: srv.URL}, srv.Client(), discardLogger())
	id := uuid.New()
	res, err := c.Initiate(context.Background(), Intent{
		TransactionID: id,
		Direction:     domain.DirectionPayout,
		Amount:        decimal.NewFromInt(500),
		Currency:      "XOF",
		Destination:   domain.Destination{PhoneNumber: "221771234567", CountryCode: "SN", Operator: "om"},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.ProviderReference != "CP-1" || res.Status != StatusPending {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(gotData, id.String()) || !strings.Contains(gotData, `"prefix":"221"`) || !strings.Contains(gotData, `"phone":"771234567"`) {
		t.Fatalf("unexpected send payload %s", gotData)
	}
}

func TestCinetPayInitiatePayoutRejected(t *testing.T) {
	c, _ := newCinetPayServer(t, map[string]string{
		"/v1/transfer/money/send/contact": `{"code":602,"message":"INSUFFICIENT_BALANCE","data":null}`,
	})

	_, err := c.Initiate(context.Background(), Intent{
		TransactionID: uuid.New(),
		Direction:     domain.DirectionPayout,
		Amount:        decimal.NewFromInt(500),
		Currency:      "XOF",
		Destination:   domain.Destination{PhoneNumber: "771234567", CountryCode: "SN"},
	})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if strings.Contains(err.Error(), "INSUFFICIENT_BALANCE") || strings.Contains(err.Error(), "602") {
		t.Fatalf("provider code leaked past the adapter: %v", err)
	}
}

func TestCinetPayServerErrorOnSendIsAmbiguous(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"code":0,"data":{"token":"tok"}}`))
			})
			mux.HandleFunc("/v1/transfer/money/send/contact", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				w.Write([]byte(`{"code":500,"message":"INTERNAL_ERROR"}`))
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			c := NewCinetPay(CinetPayConfig{TransferURL: srv.URL}, srv.Client(), discardLogger())
			_, err := c.Initiate(context.Background(), Intent{
				TransactionID: uuid.New(),
				Direction:     domain.DirectionPayout,
				Amount:        decimal.NewFromInt(500),
				Currency:      "XOF",
				Destination:   domain.Destination{PhoneNumber: "771234567", CountryCode: "SN"},
			})
			if !errors.Is(err, domain.ErrProviderAmbiguous) {
				t.Fatalf("expected ErrProviderAmbiguous, got %v", err)
			}
			if errors.Is(err, domain.ErrProviderRejected) {
				t.Fatalf("server error must never read as a rejection: %v", err)
			}
		})
	}
}

func TestCinetPayQueryPayoutStatus(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Status
		err  error
	}{
		{"validated", `{"code":0,"data":[{"transaction_id":"CP-1","treatment_status":"VAL"}]}`, StatusSucceeded, nil},
		{"rejected", `{"code":0,"data":[{"transaction_id":"CP-1","treatment_status":"REJ"}]}`, StatusFailed, nil},
		{"in progress", `{"code":0,"data":[{"transaction_id":"CP-1","treatment_status":"NEW"}]}`, StatusPending, nil},
		{"unknown", `{"code":0,"data":[]}`, "", domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newCinetPayServer(t, map[string]string{"/v1/transfer/check/money": tc.body})

			got, err := c.QueryStatus(context.Background(), StatusQuery{Direction: domain.DirectionPayout, ProviderReference: "CP-1"})
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCinetPayQueryFallsBackToClientReference(t *testing.T) {
	var query url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"token":"tok"}}`))
	})
	mux.HandleFunc("/v1/transfer/check/money", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"code":0,"data":[{"treatment_status":"VAL"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCinetPay(CinetPayConfig{TransferURL: srv.URL}, srv.Client(), discardLogger())
	if _, err := c.QueryStatus(context.Background(), StatusQuery{Direction: domain.DirectionPayout, ClientReference: "tx-1"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if query.Get("client_transaction_id") != "tx-1" || query.Get("transaction_id") != "" {
		t.Fatalf("unexpected query %v", query)
	}
}

func TestCinetPayInitiatePayment(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/payment", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"code":"201","message":"CREATED","data":{"payment_url":"https://checkout.example/p"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCinetPay(CinetPayConfig{APIKey: "key", SiteID: "site", CheckoutURL: srv.URL}, srv.Client(), discardLogger())
	id := uuid.New()
	res, err := c.Initiate(context.Background(), Intent{
		TransactionID: id,
		Direction:     domain.DirectionPayment,
		Amount:        decimal.NewFromInt(1500),
		Currency:      "XOF",
		Destination:   domain.Destination{PhoneNumber: "771234567", CountryCode: "SN"},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.ProviderReference != id.String() || res.Status != StatusPending {
		t.Fatalf("unexpected result %+v", res)
	}
	if got["transaction_id"] != id.String() || got["amount"] != float64(1500) || got["site_id"] != "site" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestCinetPayPaymentServerErrorIsAmbiguous(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/payment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"code":"500","message":"ERROR"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCinetPay(CinetPayConfig{CheckoutURL: srv.URL}, srv.Client(), discardLogger())
	_, err := c.Initiate(context.Background(), Intent{
		TransactionID: uuid.New(),
		Direction:     domain.DirectionPayment,
		Amount:        decimal.NewFromInt(1500),
		Currency:      "XOF",
	})
	if !errors.Is(err, domain.ErrProviderAmbiguous) {
		t.Fatalf("expected ErrProviderAmbiguous, got %v", err)
	}
}

func TestCinetPayQueryPaymentStatus(t *testing.T) {
	c, _ := newCinetPayServer(t, map[string]string{
		"/v2/payment/check": `{"code":"00","message":"SUCCES","data":{"status":"ACCEPTED","amount":"500"}}`,
	})

	got, err := c.QueryStatus(context.Background(), StatusQuery{Direction: domain.DirectionPayment, ProviderReference: "tx-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got)
	}
}

func TestCinetPayGetBalance(t *testing.T) {
	c, _ := newCinetPayServer(t, map[string]string{
		"/v1/transfer/check/balance": `{"code":0,"data":{"amount":"15000","inUsing":"5000","available":"10000"}}`,
	})

	b, err := c.GetBalance(context.Background(), "XOF")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.Equal(decimal.NewFromInt(10000)) || !b.Pending.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("unexpected balance %+v", b)
	}

	if _, err := c.GetBalance(context.Background(), "USD"); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for foreign currency, got %v", err)
	}
}

func TestCinetPayParseTransferWebhook(t *testing.T) {
	c := NewCinetPay(CinetPayConfig{}, nil, discardLogger())

	body := []byte("transaction_id=CP-9&client_transaction_id=abc&treatment_status=VAL&sending_status=CONFIRM")
	upd, err := c.ParseWebhook(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if upd.ProviderReference != "CP-9" || upd.ClientReference != "abc" || upd.Status != StatusSucceeded {
		t.Fatalf("unexpected update %+v", upd)
	}
	if _, err := c.ParseWebhook([]byte(`{"foo":"bar"}`)); err == nil {
		t.Fatalf("expected error for payload without reference")
	}
}

func TestCinetPayCheckoutWebhookNeedsVerification(t *testing.T) {
	c := NewCinetPay(CinetPayConfig{}, nil, discardLogger())

	upd, err := c.ParseWebhook([]byte("cpm_site_id=site&cpm_trans_id=tx-42&cpm_result_status=ACCEPTED"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !upd.Verify || upd.Status != StatusPending || upd.Direction != domain.DirectionPayment {
		t.Fatalf("checkout notification must be verified, not trusted: %+v", upd)
	}
	if upd.ProviderReference != "tx-42" {
		t.Fatalf("unexpected reference %q", upd.ProviderReference)
	}
}

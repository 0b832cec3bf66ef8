package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

func newNOWPaymentsServer(t *testing.T) *NOWPayments {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":"jwt"}`))
	})
	mux.HandleFunc("/v1/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"btc":{"amount":0.0005,"pendingAmount":0},"usdttrc20":{"amount":120.5,"pendingAmount":3}}`))
	})
	mux.HandleFunc("/v1/payout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"5000000713","withdrawals":[{"id":"5000000000","status":"WAITING"}]}`))
	})
	mux.HandleFunc("/v1/payout/5000000713", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"5000000000","status":"FINISHED"}]`))
	})
	mux.HandleFunc("/v1/payment/4522625843", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payment_id":4522625843,"payment_status":"expired"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewNOWPayments(NOWPaymentsConfig{APIKey: "key", BaseURL: srv.URL}, srv.Client(), discardLogger())
}

func TestNOWPaymentsGetBalance(t *testing.T) {
	n := newNOWPaymentsServer(t)

	b, err := n.GetBalance(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString("0.0005")) {
		t.Fatalf("unexpected available %s", b.Available)
	}

	b, err = n.GetBalance(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Available.IsZero() {
		t.Fatalf("missing currency should report zero, got %s", b.Available)
	}
}

func TestNOWPaymentsPayoutLifecycle(t *testing.T) {
	n := newNOWPaymentsServer(t)

	res, err := n.Initiate(context.Background(), Intent{
		TransactionID: uuid.New(),
		Direction:     domain.DirectionPayout,
		Amount:        decimal.RequireFromString("0.001"),
		Currency:      "BTC",
		Destination:   domain.Destination{Address: "bc1qexample"},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.ProviderReference != "5000000713" || res.Status != StatusPending {
		t.Fatalf("unexpected result %+v", res)
	}

	st, err := n.QueryStatus(context.Background(), StatusQuery{Direction: domain.DirectionPayout, ProviderReference: res.ProviderReference})
	if err != nil || st != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s, %v", st, err)
	}
}

func TestNOWPaymentsPayoutNeedsAddress(t *testing.T) {
	n := newNOWPaymentsServer(t)

	_, err := n.Initiate(context.Background(), Intent{Direction: domain.DirectionPayout, Amount: decimal.NewFromInt(1), Currency: "BTC"})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
}

func TestNOWPaymentsCreatePayment(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment" || r.Header.Get("x-api-key") != "key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"payment_id":4522625843,"payment_status":"waiting"}`))
	}))
	defer srv.Close()

	n := NewNOWPayments(NOWPaymentsConfig{APIKey: "key", BaseURL: srv.URL}, srv.Client(), discardLogger())
	id := uuid.New()
	res, err := n.Initiate(context.Background(), Intent{
		TransactionID: id,
		Direction:     domain.DirectionPayment,
		Amount:        decimal.RequireFromString("0.002"),
		Currency:      "BTC",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.ProviderReference != "4522625843" || res.Status != StatusPending {
		t.Fatalf("unexpected result %+v", res)
	}
	if got["order_id"] != id.String() || got["pay_currency"] != "btc" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestNOWPaymentsPaymentStatus(t *testing.T) {
	n := newNOWPaymentsServer(t)

	st, err := n.QueryStatus(context.Background(), StatusQuery{Direction: domain.DirectionPayment, ProviderReference: "4522625843"})
	if err != nil || st != StatusFailed {
		t.Fatalf("expected failed, got %s, %v", st, err)
	}
	if _, err := n.QueryStatus(context.Background(), StatusQuery{Direction: domain.DirectionPayment, ProviderReference: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNOWPaymentsParseIPN(t *testing.T) {
	n := NewNOWPayments(NOWPaymentsConfig{}, nil, discardLogger())

	upd, err := n.ParseWebhook([]byte(`{"payment_id":4522625843,"payment_status":"finished","order_id":"abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if upd.ProviderReference != "4522625843" || upd.Direction != domain.DirectionPayment || upd.Status != StatusSucceeded {
		t.Fatalf("unexpected update %+v", upd)
	}

	upd, err = n.ParseWebhook([]byte(`{"id":"5000000000","batch_withdrawal_id":"5000000713","status":"FAILED","unique_external_id":"abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if upd.ProviderReference != "5000000713" || upd.Direction != domain.DirectionPayout || upd.Status != StatusFailed {
		t.Fatalf("unexpected update %+v", upd)
	}
}

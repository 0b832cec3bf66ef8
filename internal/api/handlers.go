package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/recovery"
)

const maxBodyBytes = 1 << 20

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.DirectionPayout)
}

// CreatePaymentHandler collects money from a payer through a checkout or
// invoice gateway.
func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.DirectionPayment)
}

// submit hashes the direction with the body, so one idempotency key cannot
// replay a payout as a payment.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, dir domain.Direction) {
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	hasher := sha256.New()
	hasher.Write([]byte(dir))
	hasher.Write(bodyBytes)
	reqHash := hex.EncodeToString(hasher.Sum(nil))

	var req models.PayoutRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	res, err := h.payouts.Submit(r.Context(), domain.PayoutRequest{
		Direction:      dir,
		TargetUserID:   req.TargetUserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Destination:    req.Destination,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestHash:    reqHash,
	})
	if err != nil {
		if errors.Is(err, domain.ErrProviderRejected) && res.Transaction.ID != uuid.Nil {
			id := res.Transaction.ID
			respondWithJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: err.Error(), TransactionID: &id})
			return
		}
		h.respondWithServiceError(w, r, err)
		return
	}

	body := models.PayoutResponse{
		TransactionOutcome: res.Outcome,
		Provider:           res.Transaction.Provider,
		ProviderReference:  res.Transaction.ProviderReference,
		Replayed:           res.Replayed,
	}
	if res.Replayed {
		respondWithJSON(w, http.StatusOK, body)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", res.Transaction.ID))
	respondWithJSON(w, http.StatusCreated, body)
}

func (h *Handler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := domain.ParseProvider(mux.Vars(r)["provider"])
	if !ok {
		respondWithError(w, http.StatusNotFound, "Unknown provider")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}

	res, err := h.payouts.HandleWebhook(r.Context(), p, body)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.WebhookResponse{Applied: res.Applied, Outcome: res.Outcome})
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tx, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) OverrideHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req models.OverrideRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	to, ok := domain.ParseStatus(string(req.Status))
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Unknown status")
		return
	}

	tx, err := h.ledger.Override(r.Context(), id, to, req.Reason)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	h.logger.Warn("manual override", "transaction_id", id, "to", to, "reason", req.Reason)
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) CreateRecoveryBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RecoveryBatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	p, ok := domain.ParseProvider(req.Provider)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Unknown provider")
		return
	}
	dir := domain.DirectionPayout
	if req.Type != "" {
		if dir, ok = domain.ParseDirection(req.Type); !ok {
			respondWithError(w, http.StatusBadRequest, "Type must be payout or payment")
			return
		}
	}

	batch, err := h.recovery.Run(r.Context(), recovery.Request{Provider: p, Direction: dir, References: req.References})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/recovery/batches/%s", batch.ID))
	respondWithJSON(w, http.StatusCreated, batch)
}

func (h *Handler) GetRecoveryBatchHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	batch, err := h.recovery.Batch(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, batch)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

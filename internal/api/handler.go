package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/payoutops/internal/domain"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/recovery"
	"github.com/punchamoorthee/payoutops/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payout_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

type Payouts interface {
	Submit(ctx context.Context, req domain.PayoutRequest) (service.SubmitResult, error)
	HandleWebhook(ctx context.Context, p domain.Provider, body []byte) (service.WebhookResult, error)
}

type Ledger interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	Override(ctx context.Context, id uuid.UUID, to domain.Status, reason string) (domain.Transaction, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type Recovery interface {
	Run(ctx context.Context, req recovery.Request) (domain.RecoveryBatch, error)
	Batch(ctx context.Context, id uuid.UUID) (domain.RecoveryBatch, error)
}

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	payouts  Payouts
	ledger   Ledger
	recovery Recovery
	db       Pinger
	logger   *slog.Logger
}

func NewHandler(payouts Payouts, l Ledger, rec Recovery, db Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{payouts: payouts, ledger: l, recovery: rec, db: db, logger: logger}
}

// Options tune the router. A zero RateLimit disables throttling.
type Options struct {
	RateLimit float64
	Burst     int
}

// Routes builds the full HTTP surface.
func (h *Handler) Routes(opts Options) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(instrument)
	if opts.RateLimit > 0 {
		v1.Use(throttle(rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))))
	}
	v1.HandleFunc("/payouts", h.CreatePayoutHandler).Methods("POST")
	v1.HandleFunc("/payments", h.CreatePaymentHandler).Methods("POST")
	v1.HandleFunc("/webhooks/{provider}", h.WebhookHandler).Methods("POST")
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods("GET")
	v1.HandleFunc("/transactions/{id}/override", h.OverrideHandler).Methods("POST")
	v1.HandleFunc("/recovery/batches", h.CreateRecoveryBatchHandler).Methods("POST")
	v1.HandleFunc("/recovery/batches/{id}", h.GetRecoveryBatchHandler).Methods("GET")
	v1.HandleFunc("/stats", h.StatsHandler).Methods("GET")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency labeled by route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func throttle(l *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, domain.ErrNoEligibleProvider),
		errors.Is(err, domain.ErrProviderRejected),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInsufficientProviderLiquidity),
		errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrUnknownTransaction),
		errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidWebhook),
		errors.Is(err, ledger.ErrReasonRequired),
		errors.Is(err, recovery.ErrEmptyBatch),
		errors.Is(err, recovery.ErrBatchTooLarge),
		errors.Is(err, domain.ErrUnsupported):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondWithServiceError hides internal errors from clients.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, code, "Internal Server Error")
		return
	}
	if code == http.StatusServiceUnavailable {
		// Balances and provider internals stay in the logs.
		h.logger.Warn("request gated", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, code, unavailableMessage(err))
		return
	}
	respondWithError(w, code, err.Error())
}

func unavailableMessage(err error) string {
	if errors.Is(err, domain.ErrInsufficientProviderLiquidity) {
		return domain.ErrInsufficientProviderLiquidity.Error()
	}
	return domain.ErrProviderUnavailable.Error()
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

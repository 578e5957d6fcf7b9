package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/models"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refundops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refundops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// NewRouter mounts the health, metrics and /api/v1 routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	route := func(method, path string, fn http.HandlerFunc) {
		v1.Handle(path, instrument(method, "/api/v1"+path, fn)).Methods(method)
	}
	route(http.MethodPost, "/refunds", h.CreateRefundHandler)
	route(http.MethodGet, "/refunds", h.ListRefundsHandler)
	route(http.MethodGet, "/refunds/stats", h.RefundStatsHandler)
	route(http.MethodPost, "/refunds/auto-approve", h.requireAdmin("auto_approve", h.AutoApproveHandler))
	route(http.MethodGet, "/refunds/{id:[0-9]+}", h.GetRefundHandler)
	route(http.MethodPost, "/refunds/{id:[0-9]+}/review", h.ReviewRefundHandler)
	route(http.MethodPost, "/refunds/{id:[0-9]+}/approve", h.ApproveRefundHandler)
	route(http.MethodPost, "/refunds/{id:[0-9]+}/deny", h.DenyRefundHandler)
	route(http.MethodPost, "/refunds/{id:[0-9]+}/process", h.requireAdmin("process_refund", h.ProcessRefundHandler))
	route(http.MethodPost, "/treasury/process", h.requireAdmin("process_approved", h.ProcessApprovedHandler))
	route(http.MethodPost, "/treasury/auto-process", h.requireAdmin("auto_process", h.AutoProcessHandler))
	route(http.MethodGet, "/treasury/stats", h.TreasuryStatsHandler)
	route(http.MethodGet, "/correlations/{id}", h.CorrelationHandler)
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

func instrument(method, endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
		defer timer.ObserveDuration()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeValidation, domain.CodeInvalidSource, domain.CodeCapacity:
		return http.StatusUnprocessableEntity
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeTransient:
		return http.StatusServiceUnavailable
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := models.ErrorResponse{Error: err.Error(), Code: domain.CodeOf(err)}

	var de *domain.Error
	if errors.As(err, &de) {
		body.Error = de.Message
	}
	if after, ok := domain.RetryAfterOf(err); ok {
		setRetryAfter(w, after)
		body.RetryAfter = after.String()
	}

	log := h.log(r)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		body.Error = "Internal Server Error"
	} else {
		log.Warn().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request rejected")
	}
	respondWithJSON(w, code, body)
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
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

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/models"
	"github.com/punchamoorthee/refundops/internal/service"
)

// AdminHeader carries the acting administrator for lifecycle decisions and
// for every route that can move treasury funds.
const AdminHeader = "X-Admin-Principal"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type Handler struct {
	ledger *service.Ledger
	proc   *service.Processor
	corr   *correlation.Manager
	logger zerolog.Logger
}

func NewHandler(ledger *service.Ledger, proc *service.Processor, corr *correlation.Manager) *Handler {
	return &Handler{ledger: ledger, proc: proc, corr: corr, logger: logging.WithComponent("api")}
}

func (h *Handler) log(r *http.Request) zerolog.Logger {
	return logging.Enrich(r.Context(), h.logger)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateRefundHandler(w http.ResponseWriter, r *http.Request) {
	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	// 2. Read Body
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}

	var req models.CreateRefundRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	// 3. Call Ledger
	id, replayed, err := h.ledger.CreateIdempotent(r.Context(), req.Input(idempotencyKey))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/refunds/%d", id))
	if replayed {
		respondWithJSON(w, http.StatusOK, models.CreateRefundResponse{ID: id})
		return
	}
	respondWithJSON(w, http.StatusCreated, models.CreateRefundResponse{ID: id})
}

func (h *Handler) GetRefundHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	refund, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, refund)
}

func (h *Handler) ListRefundsHandler(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.ledger.List(r.Context(), f)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []domain.RefundRequest{}
	}
	respondWithJSON(w, http.StatusOK, models.RefundList{
		Items:  items,
		Total:  page.Total,
		Offset: page.Offset,
		Limit:  page.Limit,
	})
}

func parseFilter(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	f := domain.Filter{
		Status:      domain.Status(q.Get("status")),
		RequestedBy: q.Get("requested_by"),
		Limit:       defaultPageSize,
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be RFC3339", p.name)
			}
			*p.dst = t
		}
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"offset", &f.Offset}, {"limit", &f.Limit}} {
		if v := q.Get(p.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%s must be a non-negative integer", p.name)
			}
			*p.dst = n
		}
	}
	if f.Limit == 0 || f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return f, nil
}

func (h *Handler) RefundStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) ReviewRefundHandler(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id int64, admin, _ string) error {
		return h.ledger.BeginReview(r.Context(), id, admin)
	})
}

func (h *Handler) ApproveRefundHandler(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id int64, admin, note string) error {
		return h.ledger.Approve(r.Context(), id, admin, note)
	})
}

func (h *Handler) DenyRefundHandler(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, func(id int64, admin, note string) error {
		return h.ledger.Deny(r.Context(), id, admin, note)
	})
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, act func(id int64, admin, note string) error) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body models.DecisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}
	if err := act(id, r.Header.Get(AdminHeader), body.Note); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	refund, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, refund)
}

func (h *Handler) AutoApproveHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := h.ledger.AutoApproveEligible(r.Context())
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	respondWithJSON(w, http.StatusOK, models.AutoApproveResponse{Approved: ids})
}

// ProcessRefundHandler runs one request through the treasury pipeline. A
// pipeline that ran answers 200 with its result even when it failed; a
// transient failure answers 503 with Retry-After.
func (h *Handler) ProcessRefundHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.proc.Process(r.Context(), id)
	if res == nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if res.Retrying {
		if after, ok := domain.RetryAfterOf(err); ok {
			setRetryAfter(w, after)
		}
		respondWithJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (h *Handler) ProcessApprovedHandler(w http.ResponseWriter, r *http.Request) {
	batch, err := h.proc.ProcessApproved(r.Context(), r.Header.Get(AdminHeader))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, batch)
}

func (h *Handler) AutoProcessHandler(w http.ResponseWriter, r *http.Request) {
	batch, err := h.proc.AutoProcessEligible(r.Context(), r.Header.Get(AdminHeader))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, batch)
}

// requireAdmin refuses the request with 403 unless AdminHeader names a
// principal the ledger accepts for op.
func (h *Handler) requireAdmin(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.ledger.Authorize(op, r.Header.Get(AdminHeader)); err != nil {
			h.respondWithDomainError(w, r, err)
			return
		}
		next(w, r)
	}
}

func (h *Handler) TreasuryStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.proc.TreasuryStats(r.Context())
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) CorrelationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	nodes := h.corr.Trace(id)
	if len(nodes) == 0 {
		respondWithError(w, http.StatusNotFound, "Correlation not found")
		return
	}
	respondWithJSON(w, http.StatusOK, models.CorrelationTrace{ID: id, Nodes: nodes})
}

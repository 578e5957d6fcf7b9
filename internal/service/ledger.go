package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/metrics"
	"github.com/punchamoorthee/refundops/internal/store"
)

// SystemPrincipal is the identity recorded on automated approvals.
const SystemPrincipal = "system:auto-approver"

// LedgerService is the name the ledger uses in correlation contexts.
const LedgerService = "refund-ledger"

// CreateInput is everything a caller supplies to open a refund request.
type CreateInput struct {
	OriginID    string
	OriginType  domain.OriginType
	RequestedBy string
	Amount      int64
	TokenID     string
	Source      domain.RefundSource
	Reason      string

	// IdempotencyKey is the caller's key for this creation. Empty disables
	// deduplication.
	IdempotencyKey string
}

// Ledger owns the refund request lifecycle. It is the only writer of status
// and of the admin fields.
type Ledger struct {
	store   store.RefundStore
	corr    *correlation.Manager
	idem    *idempotency.Manager
	events  *events.Emitter
	admins  map[string]struct{}
	idemTTL time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

type LedgerOption func(*Ledger)

// WithAdmins restricts approval and denial to the listed principals. With
// no admins configured any non-empty principal may act.
func WithAdmins(principals ...string) LedgerOption {
	return func(l *Ledger) {
		for _, p := range principals {
			if p != "" {
				l.admins[p] = struct{}{}
			}
		}
	}
}

// WithCreateTTL sets how long create-request idempotency results are kept.
func WithCreateTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) { l.idemTTL = ttl }
}

func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(st store.RefundStore, corr *correlation.Manager, idem *idempotency.Manager, em *events.Emitter, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:   st,
		corr:    corr,
		idem:    idem,
		events:  em,
		admins:  make(map[string]struct{}),
		idemTTL: idempotency.TTLHours(24),
		now:     time.Now,
		logger:  logging.WithComponent("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create validates and persists a new request in status Requested and
// returns its id. With an idempotency key, a replay of the same payload
// returns the original id and a replay with a different payload is a
// conflict.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (int64, error) {
	id, _, err := l.CreateIdempotent(ctx, in)
	return id, err
}

// CreateIdempotent is Create that also reports whether the id came from a
// previous creation under the same idempotency key.
func (l *Ledger) CreateIdempotent(ctx context.Context, in CreateInput) (int64, bool, error) {
	const op = "ledger.Create"
	if err := validateCreate(op, in); err != nil {
		return 0, false, err
	}

	cc, root := l.correlate(ctx, "create_refund", in.RequestedBy, "origin:"+string(in.OriginType))
	if root {
		defer l.corr.Complete(cc.RootID)
	}
	ctx = correlation.With(ctx, cc)

	if in.IdempotencyKey == "" {
		id, err := l.insert(ctx, in, cc)
		return id, false, err
	}

	key := idempotency.Key("create_refund", in.RequestedBy, in.IdempotencyKey)
	fp := fingerprint(in)
	status, rec, err := l.idem.Reserve(ctx, key, fp)
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		return 0, false, domain.ConflictError(op, "idempotency key reused with a different payload")
	case err != nil:
		return 0, false, err
	}
	switch status {
	case idempotency.StatusExisting:
		id, err := strconv.ParseInt(rec.Result, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("stored create result %q: %w", rec.Result, err)
		}
		return id, true, nil
	case idempotency.StatusInProgress:
		return 0, false, domain.ConflictError(op, "request in progress")
	}

	id, err := l.insert(ctx, in, cc)
	if err != nil {
		if rerr := l.idem.Release(ctx, key); rerr != nil {
			l.logger.Warn().Err(rerr).Msg("release create reservation")
		}
		return 0, false, err
	}
	if err := l.idem.Complete(ctx, key, fp, strconv.FormatInt(id, 10), l.idemTTL); err != nil {
		// The request exists; replays conflict until the reservation expires.
		l.logger.Error().Err(err).Int64(logging.FieldRefundID, id).Msg("store create result")
	}
	return id, false, nil
}

func (l *Ledger) insert(ctx context.Context, in CreateInput, cc correlation.Context) (int64, error) {
	now := l.now().UTC()
	r := &domain.RefundRequest{
		OriginID:        in.OriginID,
		OriginType:      in.OriginType,
		RequestedBy:     in.RequestedBy,
		Amount:          in.Amount,
		TokenID:         in.TokenID,
		Source:          in.Source,
		Reason:          in.Reason,
		Status:          domain.StatusRequested,
		ProcessingState: domain.StatePending,
		Correlation:     &cc,
		Priority:        domain.PriorityNormal,
		RequestedAt:     now,
		LastUpdatedAt:   now,
	}
	id, err := l.store.Insert(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("insert refund request: %w", err)
	}

	metrics.RefundsCreated.WithLabelValues(string(in.Source.Kind())).Inc()
	log := logging.Enrich(ctx, l.logger)
	log.Info().
		Int64(logging.FieldRefundID, id).
		Str("origin", fmt.Sprintf("%s#%s", in.OriginType, in.OriginID)).
		Int64("amount", in.Amount).
		Str("source", string(in.Source.Kind())).
		Msg("refund requested")

	l.events.Emit(ctx, events.RefundRequested{
		RefundID:    id,
		OriginType:  in.OriginType,
		OriginID:    in.OriginID,
		RequestedBy: in.RequestedBy,
		Amount:      in.Amount,
		Reason:      in.Reason,
		Timestamp:   now,
	},
		events.WithPriority(domain.PriorityHigh),
		events.WithTags("refund", string(in.OriginType)),
		events.WithCorrelation(&cc),
	)
	return id, nil
}

func validateCreate(op string, in CreateInput) error {
	if in.Amount <= 0 {
		return domain.ValidationError(op, "amount must be greater than zero, got %d", in.Amount)
	}
	if !in.OriginType.Valid() {
		return domain.ValidationError(op, "unknown origin type %q", in.OriginType)
	}
	if in.OriginID == "" {
		return domain.ValidationError(op, "origin id is required")
	}
	if in.RequestedBy == "" {
		return domain.ValidationError(op, "requester is required")
	}
	switch src := in.Source.(type) {
	case nil:
		return domain.ValidationError(op, "refund source is required")
	case domain.UserFunds:
		if src.FromUser == "" {
			return domain.ValidationError(op, "user funds source needs from_user")
		}
	case domain.TreasurySource:
	case domain.Hybrid:
		if src.UserPortion < 0 || src.TreasuryPortion <= 0 {
			return domain.ValidationError(op, "hybrid portions must be non-negative with a positive treasury portion")
		}
		if src.UserPortion+src.TreasuryPortion != in.Amount {
			return domain.ValidationError(op, "hybrid portions %d + %d do not sum to amount %d",
				src.UserPortion, src.TreasuryPortion, in.Amount)
		}
	default:
		panic(fmt.Sprintf("unhandled refund source %T", src))
	}
	return nil
}

// fingerprint hashes the business payload of a create so key reuse with a
// different body is detectable.
func fingerprint(in CreateInput) string {
	b, _ := json.Marshal(struct {
		OriginID    string            `json:"origin_id"`
		OriginType  domain.OriginType `json:"origin_type"`
		RequestedBy string            `json:"requested_by"`
		Amount      int64             `json:"amount"`
		TokenID     string            `json:"token_id"`
		Source      domain.SourceJSON `json:"source"`
		Reason      string            `json:"reason"`
	}{in.OriginID, in.OriginType, in.RequestedBy, in.Amount, in.TokenID, domain.SourceJSON{RefundSource: in.Source}, in.Reason})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// correlate derives a child of the context on ctx, or starts a new root.
func (l *Ledger) correlate(ctx context.Context, op, initiator, source string) (correlation.Context, bool) {
	if parent, ok := correlation.From(ctx); ok {
		return l.corr.Child(parent, op, LedgerService), false
	}
	return l.corr.NewRoot(op, initiator, source, LedgerService), true
}

// BeginReview moves a Requested request into PendingReview.
func (l *Ledger) BeginReview(ctx context.Context, id int64, admin string) error {
	const op = "ledger.BeginReview"
	if err := l.authorize(op, admin); err != nil {
		return err
	}
	_, err := l.transition(ctx, op, id, domain.StatusPendingReview, func(r *domain.RefundRequest) error {
		r.AdminPrincipal = admin
		return nil
	})
	return err
}

// Approve transitions a Requested or PendingReview request to Approved and
// raises its priority to critical.
func (l *Ledger) Approve(ctx context.Context, id int64, admin, note string) error {
	const op = "ledger.Approve"
	if err := l.authorize(op, admin); err != nil {
		return err
	}
	return l.decide(ctx, op, id, true, admin, note, false)
}

// Deny transitions a Requested or PendingReview request to Denied.
func (l *Ledger) Deny(ctx context.Context, id int64, admin, note string) error {
	const op = "ledger.Deny"
	if err := l.authorize(op, admin); err != nil {
		return err
	}
	return l.decide(ctx, op, id, false, admin, note, false)
}

// Authorize reports whether principal may run the administrative operation
// op. An empty principal is always refused; an empty allowlist accepts any
// other.
func (l *Ledger) Authorize(op, principal string) error {
	return l.authorize(op, principal)
}

func (l *Ledger) authorize(op, admin string) error {
	if admin == "" {
		return domain.UnauthorizedError(op, admin)
	}
	if len(l.admins) == 0 {
		return nil
	}
	if _, ok := l.admins[admin]; !ok {
		return domain.UnauthorizedError(op, admin)
	}
	return nil
}

func (l *Ledger) decide(ctx context.Context, op string, id int64, approve bool, admin, note string, automatic bool) error {
	to := domain.StatusDenied
	if approve {
		to = domain.StatusApproved
	}
	r, err := l.transition(ctx, op, id, to, func(r *domain.RefundRequest) error {
		r.AdminPrincipal = admin
		r.AdminNote = note
		if approve {
			r.ProcessingState = domain.StatePending
			r.Priority = domain.PriorityCritical
		}
		return nil
	})
	if err != nil {
		return err
	}

	opts := []events.Option{
		events.WithTags("refund", string(r.OriginType)),
		events.WithCorrelation(r.Correlation),
	}
	if c, ok := correlation.From(ctx); ok {
		opts = append(opts, events.WithCorrelation(&c))
	}
	if !approve {
		l.events.Emit(ctx, events.RefundDenied{
			RefundID:       id,
			AdminPrincipal: admin,
			AdminNote:      note,
			Timestamp:      r.LastUpdatedAt,
		}, opts...)
		return nil
	}
	approval := "manual"
	if automatic {
		approval = "automatic"
	}
	opts = append(opts, events.WithPriority(domain.PriorityCritical), events.WithMeta("approval", approval))
	l.events.Emit(ctx, events.RefundApproved{
		RefundID:       id,
		AdminPrincipal: admin,
		AdminNote:      note,
		Timestamp:      r.LastUpdatedAt,
	}, opts...)
	return nil
}

// transition moves id to status to under the store's row lock. mutate may
// touch ledger-owned fields only; an error from it aborts the update.
func (l *Ledger) transition(ctx context.Context, op string, id int64, to domain.Status, mutate func(r *domain.RefundRequest) error) (*domain.RefundRequest, error) {
	var from domain.Status
	r, err := l.store.Update(ctx, id, func(r *domain.RefundRequest) error {
		from = r.Status
		if !domain.CanTransition(r.Status, to) {
			return domain.ConflictError(op, "invalid status %s for this operation", r.Status)
		}
		r.Status = to
		r.LastUpdatedAt = l.now().UTC()
		if to.Terminal() {
			t := r.LastUpdatedAt
			r.ProcessedAt = &t
		}
		if mutate != nil {
			return mutate(r)
		}
		return nil
	})
	if err != nil {
		return nil, l.storeErr(op, id, err)
	}

	metrics.LifecycleTransitions.WithLabelValues(string(to)).Inc()
	log := logging.Enrich(ctx, l.logger)
	log.Info().
		Int64(logging.FieldRefundID, id).
		Str(logging.FieldOldState, string(from)).
		Str(logging.FieldNewState, string(to)).
		Msg("refund status changed")
	return r, nil
}

func (l *Ledger) storeErr(op string, id int64, err error) error {
	var de *domain.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return err
	case errors.Is(err, store.ErrNotFound):
		return domain.NotFoundError(op, id)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// MarkProcessing records that the processor is about to move money.
func (l *Ledger) MarkProcessing(ctx context.Context, id int64) error {
	_, err := l.transition(ctx, "ledger.MarkProcessing", id, domain.StatusProcessing, nil)
	return err
}

// MarkProcessed is the terminal transition reported by the processor. It
// fails unless the request is Approved or Processing.
func (l *Ledger) MarkProcessed(ctx context.Context, id int64, out Outcome) error {
	const op = "ledger.MarkProcessed"
	to := domain.StatusFailed
	if out.Success {
		to = domain.StatusCompleted
	}
	r, err := l.transition(ctx, op, id, to, func(r *domain.RefundRequest) error {
		if out.Success && out.TxID != "" && r.TreasuryTxID != "" && r.TreasuryTxID != out.TxID {
			return domain.ConflictError(op, "transaction %s does not match recorded %s", out.TxID, r.TreasuryTxID)
		}
		if !out.Success {
			r.LastError = out.ErrorMsg
		}
		return nil
	})
	if err != nil {
		return err
	}

	opts := []events.Option{
		events.WithTags("refund", string(r.OriginType), string(to)),
		events.WithCorrelation(r.Correlation),
	}
	if c, ok := correlation.From(ctx); ok {
		opts = append(opts, events.WithCorrelation(&c))
	}
	if !out.Success {
		opts = append(opts, events.WithPriority(domain.PriorityHigh))
	}
	l.events.Emit(ctx, events.RefundProcessed{
		RefundID:    id,
		ProcessedAt: *r.ProcessedAt,
		Success:     out.Success,
		ErrorMsg:    out.ErrorMsg,
	}, opts...)
	return nil
}

// UpdateProcessing applies fn to the processor-owned fields of id. Changes
// fn makes to any other field are discarded.
func (l *Ledger) UpdateProcessing(ctx context.Context, id int64, fn func(r *domain.RefundRequest)) error {
	_, err := l.store.Update(ctx, id, func(r *domain.RefundRequest) error {
		work := r.Clone()
		fn(work)
		r.ProcessingState = work.ProcessingState
		r.TreasuryTxID = work.TreasuryTxID
		r.RetryCount = work.RetryCount
		r.LastError = work.LastError
		r.SettlementRef = work.SettlementRef
		r.LastUpdatedAt = l.now().UTC()
		return nil
	})
	return l.storeErr("ledger.UpdateProcessing", id, err)
}

// AutoApproveEligible approves every Requested treasury refund that does not
// require an admin, under SystemPrincipal. It returns the approved ids.
func (l *Ledger) AutoApproveEligible(ctx context.Context) ([]int64, error) {
	page, err := l.store.List(ctx, domain.Filter{Status: domain.StatusRequested})
	if err != nil {
		return nil, fmt.Errorf("list requested refunds: %w", err)
	}
	var approved []int64
	for i := range page.Items {
		r := &page.Items[i]
		if !autoApprovable(r.Source) {
			continue
		}
		err := l.decide(ctx, "ledger.AutoApprove", r.ID, true, SystemPrincipal, "auto-approved: treasury source without approval requirement", true)
		if domain.IsCode(err, domain.CodeConflict) {
			// Changed underneath us since the listing.
			continue
		}
		if err != nil {
			return approved, err
		}
		approved = append(approved, r.ID)
	}
	return approved, nil
}

func autoApprovable(src domain.RefundSource) bool {
	switch s := src.(type) {
	case domain.TreasurySource:
		return !s.RequiresApproval
	case domain.UserFunds, domain.Hybrid:
		return false
	default:
		panic(fmt.Sprintf("unhandled refund source %T", src))
	}
}

func (l *Ledger) Get(ctx context.Context, id int64) (*domain.RefundRequest, error) {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, l.storeErr("ledger.Get", id, err)
	}
	return r, nil
}

// List returns a filtered page in creation order. A zero limit returns every
// match.
func (l *Ledger) List(ctx context.Context, f domain.Filter) (domain.Page, error) {
	if f.Offset < 0 || f.Limit < 0 {
		return domain.Page{}, domain.ValidationError("ledger.List", "offset and limit must not be negative")
	}
	if f.Status != "" && !f.Status.Valid() {
		return domain.Page{}, domain.ValidationError("ledger.List", "unknown status %q", f.Status)
	}
	page, err := l.store.List(ctx, f)
	if err != nil {
		return domain.Page{}, fmt.Errorf("list refunds: %w", err)
	}
	return page, nil
}

func (l *Ledger) Stats(ctx context.Context) (domain.Stats, error) {
	s, err := l.store.Stats(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("refund stats: %w", err)
	}
	return s, nil
}

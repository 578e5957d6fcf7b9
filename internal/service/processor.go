package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/metrics"
)

// ProcessorService is the name the processor uses in correlation contexts.
const ProcessorService = "treasury-processor"

// ProcessorConfig tunes the pipeline.
type ProcessorConfig struct {
	ResultTTL   time.Duration // how long a pipeline result is replayed
	MaxRetries  int           // transient failures before a request is failed
	RetryAfter  time.Duration // suggested delay when the treasury is locked
	Concurrency int           // batch workers
	StaleAfter  time.Duration // time in processing without progress before reconciliation
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ResultTTL:   idempotency.TTLHours(24),
		MaxRetries:  5,
		RetryAfter:  30 * time.Second,
		Concurrency: 4,
		StaleAfter:  15 * time.Minute,
	}
}

// ProcessingContext is the in-flight state of one request in the pipeline.
type ProcessingContext struct {
	RequestID     int64
	State         domain.ProcessingState
	Correlation   correlation.Context
	StartTime     time.Time
	RetryCount    int
	Compensations domain.CompensationStack
	TxID          string

	request       *domain.RefundRequest
	required      int64
	settlementRef string
}

// ProcessingResult is the outcome of one pipeline run. It is also the value
// stored under the run's idempotency key.
type ProcessingResult struct {
	RefundID      int64                  `json:"refund_id"`
	Success       bool                   `json:"success"`
	Status        domain.Status          `json:"status"`
	State         domain.ProcessingState `json:"processing_state"`
	TxID          string                 `json:"treasury_transaction_id,omitempty"`
	SettlementRef string                 `json:"settlement_ref,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorCode     domain.Code            `json:"error_code,omitempty"`
	Compensated   bool                   `json:"compensated,omitempty"`
	Retrying      bool                   `json:"retrying,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	Replayed      bool                   `json:"replayed,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
}

// BatchResult summarises one sweep over approved requests.
type BatchResult struct {
	CorrelationID string             `json:"correlation_id"`
	AutoApproved  []int64            `json:"auto_approved,omitempty"`
	Results       []ProcessingResult `json:"results"`
	Succeeded     int                `json:"succeeded"`
	Failed        int                `json:"failed"`
	Retried       int                `json:"retried"`
	Skipped       int                `json:"skipped"`
}

// TreasuryStats is the processor's view of the treasury.
type TreasuryStats struct {
	AvailableBalance int64 `json:"available_balance"`
	Locked           bool  `json:"locked"`
	InFlight         int   `json:"in_flight"`
}

// Processor drives approved treasury-touching refunds through
// validate, withdraw, credit and finalize, compensating on failure.
type Processor struct {
	ledger   RefundLedger
	treasury Treasury
	settler  OriginSettler
	corr     *correlation.Manager
	idem     *idempotency.Manager
	events   *events.Emitter
	cfg      ProcessorConfig
	now      func() time.Time
	logger   zerolog.Logger
	audit    zerolog.Logger

	mu       sync.Mutex
	inFlight map[int64]*ProcessingContext
}

type ProcessorOption func(*Processor)

func WithProcessorConfig(cfg ProcessorConfig) ProcessorOption {
	return func(p *Processor) {
		def := DefaultProcessorConfig()
		if cfg.ResultTTL <= 0 {
			cfg.ResultTTL = def.ResultTTL
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = def.MaxRetries
		}
		if cfg.RetryAfter <= 0 {
			cfg.RetryAfter = def.RetryAfter
		}
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = def.Concurrency
		}
		if cfg.StaleAfter <= 0 {
			cfg.StaleAfter = def.StaleAfter
		}
		p.cfg = cfg
	}
}

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(ledger RefundLedger, treasury Treasury, settler OriginSettler, corr *correlation.Manager, idem *idempotency.Manager, em *events.Emitter, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger:   ledger,
		treasury: treasury,
		settler:  settler,
		corr:     corr,
		idem:     idem,
		events:   em,
		cfg:      DefaultProcessorConfig(),
		now:      time.Now,
		logger:   logging.WithComponent("processor"),
		audit:    logging.WithComponent("audit").With().Str("log_type", "audit").Logger(),
		inFlight: make(map[int64]*ProcessingContext),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one approved request through the pipeline. A request whose
// pipeline already produced a result gets that result back with Replayed set
// and nothing re-executes.
//
// Stage failures are recorded on the request; the returned error is the
// stage error, alongside a non-nil result.
func (p *Processor) Process(ctx context.Context, id int64) (*ProcessingResult, error) {
	cc, root := p.correlate(ctx, fmt.Sprintf("process_refund:%d", id))
	if root {
		defer p.corr.Complete(cc.RootID)
	}
	return p.process(correlation.With(ctx, cc), id, cc, nil)
}

// ProcessHybrid is Process restricted to hybrid refunds.
func (p *Processor) ProcessHybrid(ctx context.Context, id int64) (*ProcessingResult, error) {
	cc, root := p.correlate(ctx, fmt.Sprintf("process_hybrid_refund:%d", id))
	if root {
		defer p.corr.Complete(cc.RootID)
	}
	onlyHybrid := func(r *domain.RefundRequest) error {
		if _, ok := r.Source.(domain.Hybrid); !ok {
			return domain.ValidationError("processor.ProcessHybrid", "request %d has %s source, not hybrid", r.ID, r.Source.Kind())
		}
		return nil
	}
	return p.process(correlation.With(ctx, cc), id, cc, onlyHybrid)
}

func (p *Processor) correlate(ctx context.Context, op string) (correlation.Context, bool) {
	if parent, ok := correlation.From(ctx); ok {
		return p.corr.Child(parent, op, ProcessorService), false
	}
	return p.corr.NewRoot(op, "system", "api", ProcessorService), true
}

func (p *Processor) process(ctx context.Context, id int64, cc correlation.Context, accept func(*domain.RefundRequest) error) (*ProcessingResult, error) {
	const op = "processor.Process"
	req, err := p.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if accept != nil {
		if err := accept(req); err != nil {
			return nil, err
		}
	}
	// Non-treasury requests never reach the idempotency store or the
	// treasury.
	if !domain.TouchesTreasury(req.Source) {
		return nil, domain.InvalidSourceError(op, req.Source.Kind())
	}

	key := runKey(req)
	status, rec, err := p.idem.Reserve(ctx, key, "")
	if err != nil {
		return nil, err
	}
	switch status {
	case idempotency.StatusExisting:
		var res ProcessingResult
		if err := json.Unmarshal([]byte(rec.Result), &res); err != nil {
			return nil, fmt.Errorf("decode stored result for refund %d: %w", id, err)
		}
		res.Replayed = true
		metrics.ProcessingOutcomes.WithLabelValues("replayed").Inc()
		return &res, nil
	case idempotency.StatusInProgress:
		return nil, domain.ConflictError(op, "processing of request %d in progress", id)
	}

	// Re-read under the reservation; the first read may predate another
	// run that finished in between.
	if req, err = p.ledger.Get(ctx, id); err != nil {
		p.release(ctx, key)
		return nil, err
	}
	if req.Status != domain.StatusApproved {
		p.release(ctx, key)
		return nil, domain.ConflictError(op, "invalid status %s for this operation", req.Status)
	}

	pc := &ProcessingContext{
		RequestID:   id,
		State:       req.ProcessingState,
		Correlation: cc,
		StartTime:   p.now(),
		RetryCount:  req.RetryCount,
		request:     req,
		required:    domain.TreasuryAmount(req.Source, req.Amount),
	}
	if pc.State == "" {
		pc.State = domain.StatePending
	}
	p.track(pc)
	defer p.untrack(id)

	res, runErr := p.run(ctx, pc)
	p.record(ctx, key, res)
	return res, runErr
}

// record stores a terminal result under key for replay. Any other result
// releases key: a request still Approved is picked up by the next batch and
// one left in Processing by ReconcileStale.
func (p *Processor) record(ctx context.Context, key string, res *ProcessingResult) {
	ctx = context.WithoutCancel(ctx)
	log := logging.Enrich(ctx, p.logger)
	if res.Retrying || !res.Status.Terminal() {
		if res.Status == domain.StatusProcessing {
			log.Error().
				Int64(logging.FieldRefundID, res.RefundID).
				Str(logging.FieldStage, string(res.State)).
				Msg("refund left in processing, awaiting reconciliation")
		}
		p.release(ctx, key)
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Int64(logging.FieldRefundID, res.RefundID).Msg("encode pipeline result")
		p.release(ctx, key)
		return
	}
	if err := p.idem.Complete(ctx, key, "", string(b), p.cfg.ResultTTL); err != nil {
		log.Error().Err(err).Int64(logging.FieldRefundID, res.RefundID).Msg("store pipeline result")
	}
}

// runKey is stable for the life of a request: the creation correlation id
// is part of the business key so a recreated request never inherits a
// previous result.
func runKey(r *domain.RefundRequest) string {
	origin := ""
	if r.Correlation != nil {
		origin = r.Correlation.ID
	}
	return idempotency.Key("process_refund", r.RequestedBy, fmt.Sprintf("%d:%s", r.ID, origin))
}

func (p *Processor) release(ctx context.Context, key string) {
	if err := p.idem.Release(ctx, key); err != nil {
		log := logging.Enrich(ctx, p.logger)
		log.Warn().Err(err).Msg("release pipeline reservation")
	}
}

func (p *Processor) track(pc *ProcessingContext) {
	p.mu.Lock()
	p.inFlight[pc.RequestID] = pc
	p.mu.Unlock()
	metrics.InFlight.Inc()
}

func (p *Processor) untrack(id int64) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
	metrics.InFlight.Dec()
}

func (p *Processor) running(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

// ProcessApproved runs every Approved treasury-touching request through the
// pipeline under its own child correlation. One request's failure never
// affects another's.
func (p *Processor) ProcessApproved(ctx context.Context, initiator string) (*BatchResult, error) {
	root := p.corr.NewRoot("process_approved_refunds", initiator, "sweeper", ProcessorService)
	defer p.corr.Complete(root.RootID)
	ctx = correlation.With(ctx, root)
	log := logging.Enrich(ctx, p.logger)

	page, err := p.ledger.List(ctx, domain.Filter{Status: domain.StatusApproved})
	if err != nil {
		return nil, err
	}
	var ids []int64
	for i := range page.Items {
		if domain.TouchesTreasury(page.Items[i].Source) {
			ids = append(ids, page.Items[i].ID)
		}
	}

	results := make([]ProcessingResult, len(ids))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id // per-iteration copies; go.mod targets go 1.21 (pre-1.22 loopvar semantics)
		g.Go(func() error {
			cc := p.corr.Child(root, fmt.Sprintf("process_refund:%d", id), ProcessorService)
			res, err := p.process(correlation.With(ctx, cc), id, cc, nil)
			if res == nil {
				res = &ProcessingResult{
					RefundID:      id,
					Error:         err.Error(),
					ErrorCode:     domain.CodeOf(err),
					CorrelationID: cc.ID,
				}
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{CorrelationID: root.ID, Results: results}
	for _, r := range results {
		switch {
		case r.Success:
			batch.Succeeded++
		case r.Retrying:
			batch.Retried++
		case r.ErrorCode == domain.CodeConflict || r.ErrorCode == domain.CodeNotFound:
			batch.Skipped++
		default:
			batch.Failed++
		}
	}

	p.events.Emit(ctx, events.MaintenanceCompleted{
		ProcessedCount: batch.Succeeded + batch.Failed,
		RetriedCount:   batch.Retried,
		Timestamp:      p.now().UTC(),
	}, events.WithTags("treasury", "batch"), events.WithCorrelation(&root))

	log.Info().
		Int("candidates", len(ids)).
		Int("succeeded", batch.Succeeded).
		Int("failed", batch.Failed).
		Int("retried", batch.Retried).
		Int("skipped", batch.Skipped).
		Msg("batch processed")
	return batch, nil
}

// AutoProcessEligible auto-approves eligible requests and then processes
// every approved request.
func (p *Processor) AutoProcessEligible(ctx context.Context, initiator string) (*BatchResult, error) {
	approved, err := p.ledger.AutoApproveEligible(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := p.ProcessApproved(ctx, initiator)
	if err != nil {
		return nil, err
	}
	batch.AutoApproved = approved
	return batch, nil
}

// TreasuryStats reports the native-token balance, lock state and how many
// requests are currently in the pipeline.
func (p *Processor) TreasuryStats(ctx context.Context) (TreasuryStats, error) {
	bal, err := p.treasury.Balance(ctx, "")
	if err != nil {
		return TreasuryStats{}, fmt.Errorf("treasury balance: %w", err)
	}
	locked, err := p.treasury.IsLocked(ctx)
	if err != nil {
		return TreasuryStats{}, fmt.Errorf("treasury lock state: %w", err)
	}
	p.mu.Lock()
	n := len(p.inFlight)
	p.mu.Unlock()
	return TreasuryStats{AvailableBalance: bal, Locked: locked, InFlight: n}, nil
}

// InFlight returns a snapshot of the requests currently in the pipeline.
func (p *Processor) InFlight() []ProcessingContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProcessingContext, 0, len(p.inFlight))
	for _, pc := range p.inFlight {
		out = append(out, ProcessingContext{
			RequestID:   pc.RequestID,
			State:       pc.State,
			Correlation: pc.Correlation,
			StartTime:   pc.StartTime,
			TxID:        pc.TxID,
		})
	}
	return out
}

func isTransient(err error) bool {
	var de *domain.Error
	return errors.As(err, &de) && de.Code == domain.CodeTransient
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/metrics"
)

type stageFunc func(ctx context.Context, pc *ProcessingContext) error

// run drives pc through the stages. Every state change is persisted through
// the ledger before the stage's external call starts.
//
// The caller's ctx only governs validation. Once the request is marked
// Processing, cancellation and deadlines are detached: after money moves the
// run ends in a recorded outcome, with compensation if needed.
func (p *Processor) run(ctx context.Context, pc *ProcessingContext) (*ProcessingResult, error) {
	if err := p.stage(ctx, pc, domain.StateValidating, "treasury", p.validate); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return p.result(pc, domain.StatusApproved, cerr), cerr
		}
		if isTransient(err) {
			return p.retryLater(ctx, pc, err)
		}
		return p.fail(ctx, pc, err)
	}
	if err := ctx.Err(); err != nil {
		return p.result(pc, domain.StatusApproved, err), err
	}

	ctx = context.WithoutCancel(ctx)
	if err := p.ledger.MarkProcessing(ctx, pc.RequestID); err != nil {
		return p.result(pc, domain.StatusApproved, err), err
	}

	if err := p.stage(ctx, pc, domain.StateWithdrawing, "treasury", p.withdraw); err != nil {
		return p.fail(ctx, pc, err)
	}
	if err := p.stage(ctx, pc, domain.StateCrediting, "origin", p.credit); err != nil {
		return p.fail(ctx, pc, err)
	}
	return p.finalize(ctx, pc)
}

func (p *Processor) stage(ctx context.Context, pc *ProcessingContext, to domain.ProcessingState, target string, fn stageFunc) error {
	if err := p.enter(ctx, pc, to, nil); err != nil {
		return err
	}
	sc := p.corr.Child(pc.Correlation, string(to), target)
	start := time.Now()
	err := fn(correlation.With(ctx, sc), pc)
	observeStage(to, start, err)
	return err
}

func observeStage(s domain.ProcessingState, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StageDuration.WithLabelValues(string(s), result).Observe(time.Since(start).Seconds())
}

// enter persists the move to state to and emits RefundStageChanged.
func (p *Processor) enter(ctx context.Context, pc *ProcessingContext, to domain.ProcessingState, mutate func(r *domain.RefundRequest)) error {
	from := pc.State
	err := p.ledger.UpdateProcessing(ctx, pc.RequestID, func(r *domain.RefundRequest) {
		r.ProcessingState = to
		if mutate != nil {
			mutate(r)
		}
	})
	if err != nil {
		return fmt.Errorf("persist %s state: %w", to, err)
	}
	p.mu.Lock()
	pc.State = to
	p.mu.Unlock()

	log := logging.Enrich(ctx, p.logger)
	log.Info().
		Int64(logging.FieldRefundID, pc.RequestID).
		Str(logging.FieldOldState, string(from)).
		Str(logging.FieldNewState, string(to)).
		Msg("stage changed")
	p.events.Emit(ctx, events.RefundStageChanged{RefundID: pc.RequestID, From: from, To: to},
		events.WithTags("refund", "stage", string(to)),
		events.WithCorrelation(&pc.Correlation),
	)
	return nil
}

func (p *Processor) validate(ctx context.Context, pc *ProcessingContext) error {
	const op = "processor.validate"
	switch src := pc.request.Source.(type) {
	case domain.UserFunds:
		return domain.InvalidSourceError(op, src.Kind())
	case domain.TreasurySource, domain.Hybrid:
	default:
		panic(fmt.Sprintf("unhandled refund source %T", src))
	}

	locked, err := p.treasury.IsLocked(ctx)
	if err != nil {
		return p.unavailable(op, err)
	}
	if locked {
		return domain.TransientError(op, p.cfg.RetryAfter)
	}
	bal, err := p.treasury.Balance(ctx, pc.request.TokenID)
	if err != nil {
		return p.unavailable(op, err)
	}
	if bal < pc.required {
		return domain.CapacityError(op, pc.required, bal)
	}
	return nil
}

func (p *Processor) unavailable(op string, err error) error {
	return &domain.Error{
		Code:       domain.CodeTransient,
		Op:         op,
		Message:    "treasury unavailable - retry later",
		RetryAfter: p.cfg.RetryAfter,
		Err:        err,
	}
}

func (p *Processor) withdraw(ctx context.Context, pc *ProcessingContext) error {
	r := pc.request
	desc := fmt.Sprintf("refund #%d for %s#%s to %s (correlation %s)",
		r.ID, r.OriginType, r.OriginID, r.RequestedBy, pc.Correlation.ID)
	txID, err := p.treasury.Withdraw(ctx, r.RequestedBy, pc.required, r.TokenID, desc)
	if err != nil {
		return fmt.Errorf("treasury withdrawal: %w", err)
	}

	p.mu.Lock()
	pc.TxID = txID
	p.mu.Unlock()
	pc.Compensations.Push(domain.AuditEntry{
		Message: fmt.Sprintf("refund #%d unwound after withdrawal %s", r.ID, txID),
	})
	pc.Compensations.Push(domain.ReverseWithdrawal{TxID: txID, Amount: pc.required, TokenID: r.TokenID})

	log := logging.Enrich(ctx, p.logger)
	log.Info().
		Int64(logging.FieldRefundID, r.ID).
		Str(logging.FieldTxID, txID).
		Int64("amount", pc.required).
		Msg("treasury withdrawal succeeded")

	err = p.ledger.UpdateProcessing(ctx, r.ID, func(rr *domain.RefundRequest) { rr.TreasuryTxID = txID })
	if err != nil {
		return fmt.Errorf("record treasury transaction: %w", err)
	}
	return nil
}

// credit settles the recipient side. A treasury withdrawal is itself the
// settlement; a hybrid refund also settles the user portion with the
// originating service.
func (p *Processor) credit(ctx context.Context, pc *ProcessingContext) error {
	r := pc.request
	switch src := r.Source.(type) {
	case domain.TreasurySource:
		return nil
	case domain.Hybrid:
		if src.UserPortion == 0 {
			return nil
		}
		ref, err := p.settler.SettleUserPortion(ctx, domain.SettlementRequest{
			RefundID:       r.ID,
			OriginType:     r.OriginType,
			OriginID:       r.OriginID,
			Requester:      r.RequestedBy,
			Amount:         src.UserPortion,
			IdempotencyKey: idempotency.Key("settle_user_portion", r.RequestedBy, fmt.Sprint(r.ID)),
		})
		if err != nil {
			return fmt.Errorf("settle user portion: %w", err)
		}
		pc.settlementRef = ref
		pc.Compensations.Push(domain.NotifyAdmin{
			Message: fmt.Sprintf("refund #%d: user portion %d was settled by %s as %s and must be reversed there",
				r.ID, src.UserPortion, r.OriginType, ref),
			Severity: domain.SeverityHigh,
		})
		err = p.ledger.UpdateProcessing(ctx, r.ID, func(rr *domain.RefundRequest) { rr.SettlementRef = ref })
		if err != nil {
			return fmt.Errorf("record settlement: %w", err)
		}
		return nil
	case domain.UserFunds:
		return domain.InvalidSourceError("processor.credit", src.Kind())
	default:
		panic(fmt.Sprintf("unhandled refund source %T", src))
	}
}

// finalize commits success in the ledger. If the ledger refuses, the money
// already moved is unwound.
func (p *Processor) finalize(ctx context.Context, pc *ProcessingContext) (*ProcessingResult, error) {
	start := time.Now()
	err := p.ledger.MarkProcessed(ctx, pc.RequestID, Outcome{Success: true, TxID: pc.TxID})
	observeStage(domain.StateFinalized, start, err)
	if err != nil && !p.committed(ctx, pc) {
		return p.fail(ctx, pc, fmt.Errorf("finalize: %w", err))
	}
	if err := p.enter(ctx, pc, domain.StateFinalized, nil); err != nil {
		log := logging.Enrich(ctx, p.logger)
		log.Warn().Err(err).Int64(logging.FieldRefundID, pc.RequestID).Msg("record finalized state")
	}
	metrics.ProcessingOutcomes.WithLabelValues("completed").Inc()
	return p.result(pc, domain.StatusCompleted, nil), nil
}

// committed reports whether the ledger recorded completion despite
// MarkProcessed returning an error, e.g. a reply lost after commit.
func (p *Processor) committed(ctx context.Context, pc *ProcessingContext) bool {
	r, err := p.ledger.Get(ctx, pc.RequestID)
	return err == nil && r.Status == domain.StatusCompleted && r.TreasuryTxID == pc.TxID
}

// fail compensates whatever already happened, records the failure and
// returns cause alongside the result.
func (p *Processor) fail(ctx context.Context, pc *ProcessingContext, cause error) (*ProcessingResult, error) {
	log := logging.Enrich(ctx, p.logger)
	compensated := pc.Compensations.Len() > 0
	if compensated {
		p.compensate(ctx, pc, cause)
	}

	err := p.enter(ctx, pc, domain.StateFailedCompensated, func(r *domain.RefundRequest) {
		r.LastError = cause.Error()
		r.RetryCount = pc.RetryCount
	})
	if err != nil {
		log.Error().Err(err).Int64(logging.FieldRefundID, pc.RequestID).Msg("record failed state")
	}

	status := domain.StatusFailed
	if err := p.ledger.MarkProcessed(ctx, pc.RequestID, Outcome{ErrorMsg: cause.Error()}); err != nil {
		log.Error().Err(err).Int64(logging.FieldRefundID, pc.RequestID).Msg("record failed outcome")
		if r, gerr := p.ledger.Get(ctx, pc.RequestID); gerr == nil {
			status = r.Status
		}
	}

	log.Warn().Err(cause).
		Int64(logging.FieldRefundID, pc.RequestID).
		Bool("compensated", compensated).
		Msg("refund processing failed")
	metrics.ProcessingOutcomes.WithLabelValues("failed").Inc()

	res := p.result(pc, status, cause)
	res.Compensated = compensated
	return res, cause
}

// retryLater leaves the request Approved so a later sweep picks it up, until
// MaxRetries transient failures have been seen.
func (p *Processor) retryLater(ctx context.Context, pc *ProcessingContext, cause error) (*ProcessingResult, error) {
	pc.RetryCount++
	if pc.RetryCount >= p.cfg.MaxRetries {
		return p.fail(ctx, pc, fmt.Errorf("giving up after %d attempts: %w", pc.RetryCount, cause))
	}
	err := p.enter(ctx, pc, domain.StateRetrying, func(r *domain.RefundRequest) {
		r.RetryCount = pc.RetryCount
		r.LastError = cause.Error()
	})
	if err != nil {
		return p.result(pc, domain.StatusApproved, err), err
	}

	log := logging.Enrich(ctx, p.logger)
	log.Info().
		Int64(logging.FieldRefundID, pc.RequestID).
		Int("retry_count", pc.RetryCount).
		Msg("treasury unavailable, will retry")
	metrics.ProcessingOutcomes.WithLabelValues("retrying").Inc()

	res := p.result(pc, domain.StatusApproved, cause)
	res.Retrying = true
	return res, cause
}

func (p *Processor) result(pc *ProcessingContext, status domain.Status, err error) *ProcessingResult {
	res := &ProcessingResult{
		RefundID:      pc.RequestID,
		Success:       status == domain.StatusCompleted,
		Status:        status,
		State:         pc.State,
		TxID:          pc.TxID,
		SettlementRef: pc.settlementRef,
		RetryCount:    pc.RetryCount,
		CorrelationID: pc.Correlation.ID,
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = domain.CodeOf(err)
	}
	return res
}

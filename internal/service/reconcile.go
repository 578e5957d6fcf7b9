package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/logging"
)

// ReconcileStale fails every request that has been in Processing without
// progress for longer than StaleAfter and has no live pipeline. What the
// recorded state shows was done is unwound first. It returns the ids it
// settled.
func (p *Processor) ReconcileStale(ctx context.Context, initiator string) ([]int64, error) {
	root := p.corr.NewRoot("reconcile_stale_refunds", initiator, "sweeper", ProcessorService)
	defer p.corr.Complete(root.RootID)
	ctx = correlation.With(ctx, root)
	log := logging.Enrich(ctx, p.logger)

	page, err := p.ledger.List(ctx, domain.Filter{Status: domain.StatusProcessing})
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-p.cfg.StaleAfter)

	var settled []int64
	for i := range page.Items {
		r := &page.Items[i]
		if r.LastUpdatedAt.After(cutoff) || p.running(r.ID) {
			continue
		}
		ok, err := p.reconcile(ctx, root, r)
		if err != nil {
			log.Warn().Err(err).Int64(logging.FieldRefundID, r.ID).Msg("reconcile stale refund")
			continue
		}
		if ok {
			settled = append(settled, r.ID)
		}
	}
	if len(settled) > 0 {
		log.Warn().Ints64("refunds", settled).Msg("stale refunds reconciled")
	}
	return settled, nil
}

func (p *Processor) reconcile(ctx context.Context, root correlation.Context, r *domain.RefundRequest) (bool, error) {
	key := runKey(r)
	status, _, err := p.idem.Reserve(ctx, key, "")
	if err != nil {
		return false, err
	}
	if status == idempotency.StatusInProgress {
		// Another worker still holds the run.
		return false, nil
	}

	cc := p.corr.Child(root, fmt.Sprintf("reconcile_refund:%d", r.ID), ProcessorService)
	ctx = correlation.With(context.WithoutCancel(ctx), cc)
	pc := &ProcessingContext{
		RequestID:     r.ID,
		State:         r.ProcessingState,
		Correlation:   cc,
		StartTime:     p.now(),
		RetryCount:    r.RetryCount,
		TxID:          r.TreasuryTxID,
		request:       r,
		required:      domain.TreasuryAmount(r.Source, r.Amount),
		settlementRef: r.SettlementRef,
	}
	p.track(pc)
	defer p.untrack(r.ID)

	// failed_compensated means compensation already ran and only the
	// terminal status is missing.
	if r.ProcessingState != domain.StateFailedCompensated {
		switch {
		case r.TreasuryTxID != "":
			pc.Compensations.Push(domain.AuditEntry{
				Message: fmt.Sprintf("stale refund #%d unwound after withdrawal %s", r.ID, r.TreasuryTxID),
			})
			pc.Compensations.Push(domain.ReverseWithdrawal{TxID: r.TreasuryTxID, Amount: pc.required, TokenID: r.TokenID})
		case r.ProcessingState == domain.StateWithdrawing:
			pc.Compensations.Push(domain.NotifyAdmin{
				Message:  fmt.Sprintf("refund #%d stalled during withdrawal with no transaction recorded; check the treasury", r.ID),
				Severity: domain.SeverityCritical,
			})
		}
		if r.SettlementRef != "" {
			pc.Compensations.Push(domain.NotifyAdmin{
				Message:  fmt.Sprintf("refund #%d: user portion was settled as %s and must be reversed there", r.ID, r.SettlementRef),
				Severity: domain.SeverityHigh,
			})
		}
	}

	cause := fmt.Errorf("stalled in %s since %s", r.ProcessingState, r.LastUpdatedAt.Format(time.RFC3339))
	res, _ := p.fail(ctx, pc, cause)
	p.record(ctx, key, res)
	return res.Status.Terminal(), nil
}

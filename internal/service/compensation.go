package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/metrics"
)

// compensate runs the accumulated actions most recent first. A failing
// action is logged, audited and escalated; the remaining actions still run.
func (p *Processor) compensate(ctx context.Context, pc *ProcessingContext, cause error) {
	actions := pc.Compensations.Drain()
	log := logging.Enrich(ctx, p.logger)
	failed := 0

	for _, a := range actions {
		cc := p.corr.Child(pc.Correlation, "compensate:"+a.Kind(), "treasury")
		actx := correlation.With(ctx, cc)

		err := p.execute(actx, pc, a)
		outcome := events.CompensationExecuted{
			RefundID: pc.RequestID,
			Action:   a.Kind(),
			Detail:   a.Describe(),
			Success:  err == nil,
		}
		if err != nil {
			failed++
			outcome.ErrorMsg = err.Error()
			metrics.Compensations.WithLabelValues(a.Kind(), "failed").Inc()
			log.Error().Err(err).
				Int64(logging.FieldRefundID, pc.RequestID).
				Str("action", a.Kind()).
				Msg("compensation failed")
			p.audit.Error().Err(err).
				Int64(logging.FieldRefundID, pc.RequestID).
				Str(logging.FieldCorrelationID, cc.ID).
				Str("action", a.Kind()).
				Str("detail", a.Describe()).
				Msg("compensation failed, manual reconciliation required")
			p.notify(actx, pc.RequestID, domain.SeverityCritical,
				fmt.Sprintf("refund #%d: compensation %s failed: %v", pc.RequestID, a.Describe(), err))
		} else {
			metrics.Compensations.WithLabelValues(a.Kind(), "ok").Inc()
		}
		p.events.Emit(actx, outcome,
			events.WithTags("refund", "compensation", a.Kind()),
			events.WithCorrelation(&cc),
		)
	}

	p.notify(ctx, pc.RequestID, domain.SeverityHigh,
		fmt.Sprintf("refund #%d failed (%v); ran %d compensation action(s), %d failed",
			pc.RequestID, cause, len(actions), failed))
}

func (p *Processor) execute(ctx context.Context, pc *ProcessingContext, a domain.CompensationAction) error {
	switch a := a.(type) {
	case domain.ReverseWithdrawal:
		if a.TxID == "" {
			return errors.New("reversal without transaction id")
		}
		return p.treasury.Reverse(ctx, a.TxID, a.Amount,
			fmt.Sprintf("reverse refund #%d withdrawal (correlation %s)", pc.RequestID, pc.Correlation.ID))
	case domain.RecreditTreasury:
		_, err := p.treasury.Deposit(ctx, a.Amount, a.TokenID, a.Reason)
		return err
	case domain.NotifyAdmin:
		p.notify(ctx, pc.RequestID, a.Severity, a.Message)
		return nil
	case domain.AuditEntry:
		c, _ := correlation.From(ctx)
		p.audit.Info().
			Int64(logging.FieldRefundID, pc.RequestID).
			Str(logging.FieldCorrelationID, c.ID).
			Msg(a.Message)
		return nil
	default:
		panic(fmt.Sprintf("unhandled compensation %T", a))
	}
}

func (p *Processor) notify(ctx context.Context, refundID int64, sev domain.Severity, msg string) {
	opts := []events.Option{
		events.WithPriority(severityPriority(sev)),
		events.WithTags("admin", string(sev)),
	}
	if c, ok := correlation.From(ctx); ok {
		opts = append(opts, events.WithCorrelation(&c))
	}
	p.events.Emit(ctx, events.AdminNotification{RefundID: refundID, Severity: sev, Message: msg}, opts...)
}

func severityPriority(s domain.Severity) domain.Priority {
	switch s {
	case domain.SeverityCritical:
		return domain.PriorityCritical
	case domain.SeverityHigh:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

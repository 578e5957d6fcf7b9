package models

import (
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/service"
)

// CreateRefundRequest is the payload from the originating service.
type CreateRefundRequest struct {
	OriginID    string            `json:"origin_id"`
	OriginType  domain.OriginType `json:"origin_type"`
	RequestedBy string            `json:"requested_by"`
	Amount      int64             `json:"amount"`
	TokenID     string            `json:"token_id,omitempty"`
	Source      domain.SourceJSON `json:"refund_source"`
	Reason      string            `json:"reason,omitempty"`
}

// Input converts the payload for the ledger.
func (r CreateRefundRequest) Input(idempotencyKey string) service.CreateInput {
	return service.CreateInput{
		OriginID:       r.OriginID,
		OriginType:     r.OriginType,
		RequestedBy:    r.RequestedBy,
		Amount:         r.Amount,
		TokenID:        r.TokenID,
		Source:         r.Source.RefundSource,
		Reason:         r.Reason,
		IdempotencyKey: idempotencyKey,
	}
}

// CreateRefundResponse carries the assigned id.
type CreateRefundResponse struct {
	ID int64 `json:"id"`
}

// DecisionRequest is the body of approve and deny.
type DecisionRequest struct {
	Note string `json:"note,omitempty"`
}

// AutoApproveResponse lists requests approved by the automatic rule.
type AutoApproveResponse struct {
	Approved []int64 `json:"approved"`
}

// RefundList is one page of refund requests.
type RefundList struct {
	Items  []domain.RefundRequest `json:"items"`
	Total  int                    `json:"total"`
	Offset int                    `json:"offset"`
	Limit  int                    `json:"limit"`
}

// CorrelationTrace is every context recorded for one flow.
type CorrelationTrace struct {
	ID    string                      `json:"id"`
	Nodes []domain.CorrelationContext `json:"nodes"`
}

// ErrorResponse is the canonical error body.
type ErrorResponse struct {
	Error      string      `json:"error"`
	Code       domain.Code `json:"code,omitempty"`
	RetryAfter string      `json:"retry_after,omitempty"`
}

package service

import (
	"context"

	"github.com/punchamoorthee/refundops/internal/domain"
)

// Treasury is the shared pool of funds. The processor never mutates
// balances itself; it requests movements and keeps the transaction ids.
type Treasury interface {
	Withdraw(ctx context.Context, requester string, amount int64, tokenID, description string) (string, error)
	Reverse(ctx context.Context, txID string, amount int64, description string) error
	Deposit(ctx context.Context, amount int64, tokenID, description string) (string, error)
	Balance(ctx context.Context, tokenID string) (int64, error)
	IsLocked(ctx context.Context) (bool, error)
}

// OriginSettler is the originating services' endpoint for settling the
// user-funded portion of a hybrid refund.
type OriginSettler interface {
	SettleUserPortion(ctx context.Context, req domain.SettlementRequest) (string, error)
}

// RefundLedger is what the processor needs from the ledger.
type RefundLedger interface {
	Get(ctx context.Context, id int64) (*domain.RefundRequest, error)
	List(ctx context.Context, f domain.Filter) (domain.Page, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkProcessed(ctx context.Context, id int64, out Outcome) error
	UpdateProcessing(ctx context.Context, id int64, fn func(r *domain.RefundRequest)) error
	AutoApproveEligible(ctx context.Context) ([]int64, error)
}

// Outcome is the terminal result reported to the ledger.
type Outcome struct {
	Success  bool
	TxID     string
	ErrorMsg string
}

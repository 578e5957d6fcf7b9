package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/punchamoorthee/refundops/internal/domain"
)

// MemoryWallet holds per-principal user balances.
type MemoryWallet struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{balances: make(map[string]int64)}
}

// Credit adds amount to principal and returns the new balance.
func (w *MemoryWallet) Credit(_ context.Context, principal string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[principal] += amount
	return w.balances[principal], nil
}

func (w *MemoryWallet) Balance(_ context.Context, principal string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[principal], nil
}

// Creditor is the wallet operation WalletSettler needs.
type Creditor interface {
	Credit(ctx context.Context, principal string, amount int64) (int64, error)
}

// WalletSettler stands in for the originating services: it settles the
// user-funded portion of a hybrid refund by crediting the requester's wallet.
// Settlements are deduplicated by SettlementRequest.IdempotencyKey.
type WalletSettler struct {
	wallet Creditor

	mu      sync.Mutex
	settled map[string]string
}

func NewWalletSettler(wallet Creditor) *WalletSettler {
	return &WalletSettler{wallet: wallet, settled: make(map[string]string)}
}

// SettleUserPortion returns a settlement reference.
func (s *WalletSettler) SettleUserPortion(ctx context.Context, req domain.SettlementRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.settled[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return ref, nil
	}
	if _, err := s.wallet.Credit(ctx, req.Requester, req.Amount); err != nil {
		return "", err
	}
	ref := "stl-" + uuid.NewString()
	if req.IdempotencyKey != "" {
		s.settled[req.IdempotencyKey] = ref
	}
	return ref, nil
}

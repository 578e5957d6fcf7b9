// Package collab provides in-process implementations of the services the
// refund engine talks to: the shared treasury, user wallets, and the
// originating services' settlement endpoint. The daemon uses them when no
// external services are configured; tests use them to observe effects.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrTreasuryLocked     = errors.New("treasury locked")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrAlreadyReversed    = errors.New("transaction already reversed")
	ErrAmountMismatch     = errors.New("reversal amount does not match withdrawal")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// Transaction is one treasury movement. Negative Delta is a withdrawal.
type Transaction struct {
	ID          string    `json:"id"`
	Requester   string    `json:"requester,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	Delta       int64     `json:"delta"`
	Description string    `json:"description"`
	Reversed    bool      `json:"reversed,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MemoryTreasury is the shared pool. All balance mutation goes through its
// methods; callers only ever hold transaction ids.
type MemoryTreasury struct {
	mu       sync.Mutex
	balances map[string]int64
	locked   bool
	txs      map[string]*Transaction
	log      []string
}

// NewMemoryTreasury seeds the native token ("") with balance.
func NewMemoryTreasury(balance int64) *MemoryTreasury {
	return &MemoryTreasury{
		balances: map[string]int64{"": balance},
		txs:      make(map[string]*Transaction),
	}
}

func (t *MemoryTreasury) Withdraw(_ context.Context, requester string, amount int64, tokenID, description string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locked {
		return "", ErrTreasuryLocked
	}
	if t.balances[tokenID] < amount {
		return "", fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, t.balances[tokenID], amount)
	}
	t.balances[tokenID] -= amount
	return t.record(requester, tokenID, -amount, description), nil
}

// Reverse returns a prior withdrawal to the pool. Each withdrawal can be
// reversed once.
func (t *MemoryTreasury) Reverse(_ context.Context, txID string, amount int64, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}
	if tx.Reversed {
		return fmt.Errorf("%w: %s", ErrAlreadyReversed, txID)
	}
	if -tx.Delta != amount {
		return fmt.Errorf("%w: withdrawn %d, reversing %d", ErrAmountMismatch, -tx.Delta, amount)
	}
	tx.Reversed = true
	t.balances[tx.TokenID] += amount
	t.record(tx.Requester, tx.TokenID, amount, description)
	return nil
}

func (t *MemoryTreasury) Deposit(_ context.Context, amount int64, tokenID, description string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[tokenID] += amount
	return t.record("", tokenID, amount, description), nil
}

func (t *MemoryTreasury) Balance(_ context.Context, tokenID string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[tokenID], nil
}

func (t *MemoryTreasury) IsLocked(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked, nil
}

// SetLocked suspends or resumes withdrawals.
func (t *MemoryTreasury) SetLocked(locked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locked = locked
}

// Transactions returns movements in the order they happened.
func (t *MemoryTreasury) Transactions() []Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transaction, 0, len(t.log))
	for _, id := range t.log {
		out = append(out, *t.txs[id])
	}
	return out
}

// Withdrawals counts withdrawal transactions, reversed or not.
func (t *MemoryTreasury) Withdrawals() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, tx := range t.txs {
		if tx.Delta < 0 {
			n++
		}
	}
	return n
}

func (t *MemoryTreasury) record(requester, tokenID string, delta int64, description string) string {
	id := "ttx-" + uuid.NewString()
	t.txs[id] = &Transaction{
		ID:          id,
		Requester:   requester,
		TokenID:     tokenID,
		Delta:       delta,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	t.log = append(t.log, id)
	return id
}

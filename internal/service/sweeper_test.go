package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/punchamoorthee/refundops/internal/domain"
)

func TestSweeperProcessesEligibleRefunds(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, 5000)
	id := h.create(t, domain.TreasurySource{RequiresApproval: false}, 500)
	manual := h.create(t, domain.TreasurySource{RequiresApproval: true}, 500)

	ctx, cancel := context.WithCancel(context.Background())
	sw := NewSweeper(h.proc, h.idem, h.corr, 10*time.Millisecond, time.Hour)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		r, err := h.ledger.Get(context.Background(), id)
		return err == nil && r.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	assert.Equal(t, domain.StatusRequested, h.get(t, manual).Status)
	assert.EqualValues(t, 4500, h.balance(t))
}

func TestSweeperDisabledReturnsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, 0)
	sw := NewSweeper(h.proc, h.idem, h.corr, 0, 0)
	finished := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper kept running")
	}
}

func TestSweepPrunesCompletedFlows(t *testing.T) {
	h := newHarness(t, 5000)
	h.create(t, domain.TreasurySource{RequiresApproval: true}, 10)
	require.Positive(t, h.corr.Stats().TotalIssued)

	sw := NewSweeper(h.proc, h.idem, h.corr, time.Minute, time.Hour)
	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	sw.Sweep(context.Background())

	r := h.get(t, 1)
	require.NotNil(t, r.Correlation)
	_, ok := h.corr.Get(r.Correlation.ID)
	assert.False(t, ok, "creation flow should be pruned")
}

func TestSweepReconcilesStalledRefunds(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()
	id := h.approved(t, domain.TreasurySource{}, 800)
	require.NoError(t, h.ledger.MarkProcessing(ctx, id))
	txID, err := h.treasury.Withdraw(ctx, "alice", 800, "", "interrupted run")
	require.NoError(t, err)
	require.NoError(t, h.ledger.UpdateProcessing(ctx, id, func(r *domain.RefundRequest) {
		r.ProcessingState = domain.StateWithdrawing
		r.TreasuryTxID = txID
	}))

	proc := h.processor(h.ledger, WithProcessorClock(fixedClock(time.Now().Add(time.Hour))))
	NewSweeper(proc, h.idem, h.corr, time.Minute, time.Hour).Sweep(ctx)

	assert.Equal(t, domain.StatusFailed, h.get(t, id).Status)
	assert.EqualValues(t, 5000, h.balance(t))
}

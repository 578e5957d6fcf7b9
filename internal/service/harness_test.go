package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/refundops/internal/collab"
	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/store"
)

const admin = "ops@refundops"

type harness struct {
	store    *store.MemoryStore
	sink     *events.MemorySink
	emitter  *events.Emitter
	corr     *correlation.Manager
	idem     *idempotency.Manager
	ledger   *Ledger
	treasury *spyTreasury
	wallet   *collab.MemoryWallet
	settler  OriginSettler
	proc     *Processor
}

func newHarness(t *testing.T, balance int64, opts ...ProcessorOption) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		sink:     events.NewMemorySink(),
		corr:     correlation.NewManager("refundops-test", correlation.WithGenerator(correlation.NewSequenceGenerator("c"))),
		idem:     idempotency.NewManager(idempotency.NewMemoryStore()),
		treasury: &spyTreasury{MemoryTreasury: collab.NewMemoryTreasury(balance)},
		wallet:   collab.NewMemoryWallet(),
	}
	h.emitter = events.NewEmitter(h.sink)
	h.settler = collab.NewWalletSettler(h.wallet)
	h.ledger = NewLedger(h.store, h.corr, h.idem, h.emitter, WithAdmins(admin))
	h.proc = h.processor(h.ledger, opts...)
	return h
}

// processor builds a processor sharing the harness collaborators but talking
// to the given ledger.
func (h *harness) processor(l RefundLedger, opts ...ProcessorOption) *Processor {
	return NewProcessor(l, h.treasury, h.settler, h.corr, h.idem, h.emitter, opts...)
}

func (h *harness) create(t *testing.T, src domain.RefundSource, amount int64) int64 {
	t.Helper()
	id, err := h.ledger.Create(context.Background(), CreateInput{
		OriginID:    "42",
		OriginType:  domain.OriginPayment,
		RequestedBy: "alice",
		Amount:      amount,
		Source:      src,
		Reason:      "duplicate charge",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) approved(t *testing.T, src domain.RefundSource, amount int64) int64 {
	t.Helper()
	id := h.create(t, src, amount)
	require.NoError(t, h.ledger.Approve(context.Background(), id, admin, "ok"))
	return id
}

func (h *harness) get(t *testing.T, id int64) *domain.RefundRequest {
	t.Helper()
	r, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.treasury.Balance(context.Background(), "")
	require.NoError(t, err)
	return b
}

// spyTreasury counts calls and can be told to fail reversals.
type spyTreasury struct {
	*collab.MemoryTreasury
	calls      atomic.Int32
	reverseErr error
}

func (s *spyTreasury) Withdraw(ctx context.Context, requester string, amount int64, tokenID, description string) (string, error) {
	s.calls.Add(1)
	return s.MemoryTreasury.Withdraw(ctx, requester, amount, tokenID, description)
}

func (s *spyTreasury) Reverse(ctx context.Context, txID string, amount int64, description string) error {
	s.calls.Add(1)
	if s.reverseErr != nil {
		return s.reverseErr
	}
	return s.MemoryTreasury.Reverse(ctx, txID, amount, description)
}

func (s *spyTreasury) Balance(ctx context.Context, tokenID string) (int64, error) {
	s.calls.Add(1)
	return s.MemoryTreasury.Balance(ctx, tokenID)
}

func (s *spyTreasury) IsLocked(ctx context.Context) (bool, error) {
	s.calls.Add(1)
	return s.MemoryTreasury.IsLocked(ctx)
}

// finalizeFails refuses every successful outcome.
type finalizeFails struct{ *Ledger }

func (f finalizeFails) MarkProcessed(ctx context.Context, id int64, out Outcome) error {
	if out.Success {
		return errors.New("ledger unavailable")
	}
	return f.Ledger.MarkProcessed(ctx, id, out)
}

type failingSettler struct{}

func (failingSettler) SettleUserPortion(context.Context, domain.SettlementRequest) (string, error) {
	return "", errors.New("origin service unreachable")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// flakyLedger fails every MarkProcessed while down is set.
type flakyLedger struct {
	*Ledger
	down atomic.Bool
}

func (f *flakyLedger) MarkProcessed(ctx context.Context, id int64, out Outcome) error {
	if f.down.Load() {
		return errors.New("ledger write timed out")
	}
	return f.Ledger.MarkProcessed(ctx, id, out)
}

// ctxStore refuses to read or write once ctx is done, the way a database
// driver does.
type ctxStore struct{ store.RefundStore }

func (s ctxStore) Get(ctx context.Context, id int64) (*domain.RefundRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.RefundStore.Get(ctx, id)
}

func (s ctxStore) Update(ctx context.Context, id int64, fn func(r *domain.RefundRequest) error) (*domain.RefundRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.RefundStore.Update(ctx, id, fn)
}

func (s ctxStore) List(ctx context.Context, f domain.Filter) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return domain.Page{}, err
	}
	return s.RefundStore.List(ctx, f)
}

// cancellingTreasury honours ctx on every call and fires cancel as soon as a
// withdrawal lands, standing in for a client that disconnects mid-run.
type cancellingTreasury struct {
	*collab.MemoryTreasury
	cancel context.CancelFunc
}

func (c *cancellingTreasury) Withdraw(ctx context.Context, requester string, amount int64, tokenID, description string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	txID, err := c.MemoryTreasury.Withdraw(ctx, requester, amount, tokenID, description)
	if err == nil {
		c.cancel()
	}
	return txID, err
}

func (c *cancellingTreasury) Reverse(ctx context.Context, txID string, amount int64, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryTreasury.Reverse(ctx, txID, amount, description)
}

func (c *cancellingTreasury) Balance(ctx context.Context, tokenID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.MemoryTreasury.Balance(ctx, tokenID)
}

func (c *cancellingTreasury) IsLocked(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.MemoryTreasury.IsLocked(ctx)
}

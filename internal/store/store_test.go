package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/refundops/internal/domain"
)

func sampleRequest(requester string, amount int64, at time.Time) *domain.RefundRequest {
	return &domain.RefundRequest{
		OriginID:      "42",
		OriginType:    domain.OriginPayment,
		RequestedBy:   requester,
		Amount:        amount,
		Source:        domain.TreasurySource{RequiresApproval: false},
		Status:        domain.StatusRequested,
		Priority:      domain.PriorityHigh,
		RequestedAt:   at,
		LastUpdatedAt: at,
		Correlation:   &domain.CorrelationContext{ID: "c-1", RootID: "c-1", Operation: "create_refund"},
	}
}

// exerciseStore runs the shared contract against any RefundStore.
func exerciseStore(t *testing.T, s RefundStore) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	id1, err := s.Insert(ctx, sampleRequest("alice", 100, base))
	require.NoError(t, err)
	id2, err := s.Insert(ctx, sampleRequest("bob", 250, base.Add(time.Hour)))
	require.NoError(t, err)
	id3, err := s.Insert(ctx, sampleRequest("alice", 50, base.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Less(t, id1, id2)
	assert.Less(t, id2, id3)

	got, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, domain.TreasurySource{RequiresApproval: false}, got.Source)
	require.NotNil(t, got.Correlation)
	assert.Equal(t, "c-1", got.Correlation.ID)

	_, err = s.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := s.Update(ctx, id2, func(r *domain.RefundRequest) error {
		r.Status = domain.StatusApproved
		r.AdminPrincipal = "admin"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, updated.Status)

	boom := errors.New("rejected")
	_, err = s.Update(ctx, id3, func(r *domain.RefundRequest) error {
		r.Status = domain.StatusDenied
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = s.Get(ctx, id3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequested, got.Status, "failed update must not persist")

	page, err := s.List(ctx, domain.Filter{RequestedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, id1, page.Items[0].ID)
	assert.Equal(t, id3, page.Items[1].ID)

	page, err = s.List(ctx, domain.Filter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id2, page.Items[0].ID)

	page, err = s.List(ctx, domain.Filter{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id2, page.Items[0].ID)

	page, err = s.List(ctx, domain.Filter{Status: domain.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.EqualValues(t, 400, st.TotalAmount)
	assert.Equal(t, 2, st.ByStatus[domain.StatusRequested])
	assert.Equal(t, 1, st.ByStatus[domain.StatusApproved])
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, err := s.Insert(ctx, sampleRequest("alice", 10, time.Now()))
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	got.Status = domain.StatusCompleted
	got.Correlation.ID = "mutated"

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequested, again.Status)
	assert.Equal(t, "c-1", again.Correlation.ID)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.Db.Exec(ctx, "TRUNCATE TABLE refund_requests RESTART IDENTITY")
	require.NoError(t, err)

	exerciseStore(t, s)
}

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/refundops/internal/domain"
)

type failingSink struct{ calls int }

func (f *failingSink) Emit(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

func TestEmitterStampsEnvelope(t *testing.T) {
	sink := NewMemorySink()
	em := NewEmitter(sink)
	corr := &domain.CorrelationContext{ID: "c-2", RootID: "c-1"}

	em.Emit(context.Background(),
		RefundRequested{RefundID: 1, Amount: 1000},
		WithPriority(domain.PriorityHigh),
		WithTags("refund", "payment"),
		WithMeta("approval", "automatic"),
		WithCorrelation(corr),
	)

	got := sink.Events()
	require.Len(t, got, 1)
	e := got[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, KindRefundRequested, e.Kind)
	assert.Equal(t, domain.PriorityHigh, e.Priority)
	assert.Equal(t, []string{"refund", "payment"}, e.Tags)
	assert.Equal(t, "automatic", e.Metadata["approval"])
	require.NotNil(t, e.Correlation)
	assert.Equal(t, "c-1", e.Correlation.RootID)
	assert.False(t, e.Timestamp.IsZero())

	corr.ID = "mutated"
	assert.Equal(t, "c-2", sink.Events()[0].Correlation.ID, "envelope must not alias the caller's context")
}

func TestEmitterDefaultsToNormalPriority(t *testing.T) {
	sink := NewMemorySink()
	NewEmitter(sink).Emit(context.Background(), RefundStageChanged{RefundID: 3})
	assert.Equal(t, domain.PriorityNormal, sink.Events()[0].Priority)
}

func TestEmitterSwallowsSinkErrors(t *testing.T) {
	failing := &failingSink{}
	mem := NewMemorySink()
	em := NewEmitter(Fanout{failing, mem})

	assert.NotPanics(t, func() {
		em.Emit(context.Background(), MaintenanceCompleted{ProcessedCount: 2})
	})
	assert.Equal(t, 1, failing.calls)
	assert.Len(t, mem.OfKind(KindMaintenanceCompleted), 1, "fanout keeps delivering after a failing sink")
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	err := sink.Emit(context.Background(), Event{
		ID:       "e1",
		Kind:     KindAdminNotification,
		Payload:  AdminNotification{RefundID: 5, Severity: domain.SeverityCritical, Message: "reversal failed"},
		Priority: domain.PriorityCritical,
		Metadata: map[string]string{"stage": "finalize"},
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "AdminNotification", line["kind"])
	assert.Equal(t, "finalize", line["meta_stage"])
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "refund-events")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "refund-events")
	require.NoError(t, sink.Emit(ctx, Event{ID: "e1", Kind: KindRefundProcessed, Payload: RefundProcessed{RefundID: 9, Success: true}}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var decoded struct {
		Kind    Kind            `json:"kind"`
		Payload RefundProcessed `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
	assert.Equal(t, KindRefundProcessed, decoded.Kind)
	assert.EqualValues(t, 9, decoded.Payload.RefundID)
	assert.True(t, decoded.Payload.Success)
}

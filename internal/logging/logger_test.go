package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/refundops/internal/correlation"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var fields map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields), buf.String())
	return fields
}

func TestEnrichAddsCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	ctx := correlation.With(context.Background(), correlation.Context{ID: "c-2", RootID: "c-1"})
	el := Enrich(ctx, l)
	el.Info().Msg("stage entered")

	fields := decodeLine(t, &buf)
	assert.Equal(t, "c-2", fields[FieldCorrelationID])
	assert.Equal(t, "c-1", fields[FieldRootID])
}

func TestEnrichWithoutCorrelation(t *testing.T) {
	var buf bytes.Buffer
	el := Enrich(context.Background(), zerolog.New(&buf))
	el.Info().Msg("plain")

	fields := decodeLine(t, &buf)
	assert.NotContains(t, fields, FieldCorrelationID)
	assert.Equal(t, "plain", fields["message"])
}

func TestWithComponentNamesComponent(t *testing.T) {
	l := WithComponent("ledger")
	var buf bytes.Buffer
	out := l.Output(&buf)
	out.Warn().Msg("x")

	fields := decodeLine(t, &buf)
	assert.Equal(t, "ledger", fields[FieldComponent])
	assert.Equal(t, "refundops", fields["service"])
}

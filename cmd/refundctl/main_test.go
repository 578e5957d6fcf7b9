package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/refundops/internal/api"
	"github.com/punchamoorthee/refundops/internal/collab"
	"github.com/punchamoorthee/refundops/internal/correlation"
	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/events"
	"github.com/punchamoorthee/refundops/internal/idempotency"
	"github.com/punchamoorthee/refundops/internal/service"
	"github.com/punchamoorthee/refundops/internal/store"
)

func newServer(t *testing.T) (*httptest.Server, *service.Ledger) {
	t.Helper()
	corr := correlation.NewManager("refundctl-test")
	idem := idempotency.NewManager(idempotency.NewMemoryStore())
	em := events.NewEmitter(events.NewMemorySink())
	ledger := service.NewLedger(store.NewMemoryStore(), corr, idem, em, service.WithAdmins("ops"))
	proc := service.NewProcessor(ledger, collab.NewMemoryTreasury(10_000),
		collab.NewWalletSettler(collab.NewMemoryWallet()), corr, idem, em)
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(ledger, proc, corr)))
	t.Cleanup(srv.Close)
	return srv, ledger
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, ledger *service.Ledger, requiresApproval bool) int64 {
	t.Helper()
	id, err := ledger.Create(context.Background(), service.CreateInput{
		OriginID:    "7",
		OriginType:  domain.OriginEscrow,
		RequestedBy: "carol",
		Amount:      700,
		Source:      domain.TreasurySource{RequiresApproval: requiresApproval},
	})
	require.NoError(t, err)
	return id
}

func TestApproveAndProcess(t *testing.T) {
	srv, ledger := newServer(t)
	id := seed(t, ledger, true)

	_, err := run(t, srv, "approve", "1")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	out, err := run(t, srv, "--admin", "ops", "approve", "1", "--note", "verified")
	require.NoError(t, err)
	assert.Contains(t, out, "refund #1 is now approved")

	_, err = run(t, srv, "process", "--all")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	out, err = run(t, srv, "--admin", "ops", "process", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "1 succeeded")

	r, err := ledger.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	assert.Equal(t, "verified", r.AdminNote)
}

func TestListAndStats(t *testing.T) {
	srv, ledger := newServer(t)
	seed(t, ledger, false)
	seed(t, ledger, true)

	out, err := run(t, srv, "--admin", "ops", "process", "--auto")
	require.NoError(t, err)
	assert.Contains(t, out, "1 succeeded")

	out, err = run(t, srv, "list", "--status", "completed")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, out, "escrow#7")
	assert.Contains(t, out, "1 of 1")

	out, err = run(t, srv, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"available_balance": 9300`)
}

func TestArgumentErrors(t *testing.T) {
	srv, _ := newServer(t)

	_, err := run(t, srv, "get", "abc")
	assert.EqualError(t, err, `invalid refund id "abc"`)

	_, err = run(t, srv, "process")
	assert.Error(t, err)

	_, err = run(t, srv, "get", "99")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, domain.CodeNotFound, apiErr.Body.Code)
}

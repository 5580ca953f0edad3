// Package main tests for the posync command line tool.
// Each test runs the root command against a temporary data directory.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/services"
	"github.com/kimhsiao/posync/backend/internal/sync/scheduler"
)

const saleJSON = `{
  "receipt_number": "R-1001",
  "sold_at": "2026-03-01T10:00:00Z",
  "currency": "USD",
  "lines": [{"sku": "COF-01", "name": "Coffee", "quantity": "2", "unit_price": "3.50", "tax_rate": "10"}],
  "payments": [{"method": "cash", "amount": "10"}]
}`

// writeTestConfig writes a config file pointing at baseURL and returns its path.
func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`data_dir: %s
tenant_id: shop-1
remote:
  base_url: %s
  timeout: 2s
connectivity:
  probe_timeout: 1s
`, filepath.Join(dir, "data"), baseURL)

	path := filepath.Join(dir, "posync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writeSale(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sale.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "posync v"+Version+"\n", out)
}

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCLI(t, "status", "--format", "yaml", "--config", writeTestConfig(t, "http://127.0.0.1:1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStatus_emptyQueue(t *testing.T) {
	cfg := writeTestConfig(t, "http://127.0.0.1:1")

	out, err := runCLI(t, "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:        0")
	assert.Contains(t, out, "Failed:         0")
}

func TestEnqueue_thenStatusJSON(t *testing.T) {
	cfg := writeTestConfig(t, "http://127.0.0.1:1")

	out, err := runCLI(t, "enqueue", "--file", writeSale(t, saleJSON), "--config", cfg, "--format", "json")
	require.NoError(t, err)

	var txn models.QueuedTransaction
	require.NoError(t, json.Unmarshal([]byte(out), &txn))
	assert.Equal(t, models.StateUnsynced, txn.State)
	assert.Equal(t, "shop-1", txn.TenantID)
	assert.NotEmpty(t, txn.IdempotencyKey)

	out, err = runCLI(t, "status", "--config", cfg, "--format", "json")
	require.NoError(t, err)

	var status services.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 1, status.Pending.PendingCount)
	assert.Equal(t, 0, status.Pending.FailedCount)
}

func TestEnqueue_invalidSaleRejected(t *testing.T) {
	cfg := writeTestConfig(t, "http://127.0.0.1:1")
	unpaid := strings.Replace(saleJSON, `"amount": "10"`, `"amount": "1"`, 1)

	_, err := runCLI(t, "enqueue", "--file", writeSale(t, unpaid), "--config", cfg)
	require.Error(t, err)

	out, err := runCLI(t, "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:        0")
}

func TestEnqueue_rawPayload(t *testing.T) {
	cfg := writeTestConfig(t, "http://127.0.0.1:1")

	out, err := runCLI(t, "enqueue", "--raw", "--file", writeSale(t, `{"anything":true}`), "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued #1")
}

func TestEnqueue_requiresFile(t *testing.T) {
	_, err := runCLI(t, "enqueue", "--config", writeTestConfig(t, "http://127.0.0.1:1"))
	require.Error(t, err)
}

func TestSync_offlineIsSkipped(t *testing.T) {
	cfg := writeTestConfig(t, "http://127.0.0.1:1")
	_, err := runCLI(t, "enqueue", "--file", writeSale(t, saleJSON), "--config", cfg)
	require.NoError(t, err)

	out, err := runCLI(t, "sync", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Sync skipped: offline")
}

func TestSync_deliversAndPurges(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"txn_1"}`))
	}))
	defer srv.Close()

	cfg := writeTestConfig(t, srv.URL)
	_, err := runCLI(t, "enqueue", "--file", writeSale(t, saleJSON), "--config", cfg)
	require.NoError(t, err)

	out, err := runCLI(t, "sync", "--config", cfg, "--format", "json")
	require.NoError(t, err)

	var outcome scheduler.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcome))
	assert.False(t, outcome.Skipped)
	assert.Equal(t, 1, outcome.Summary.Succeeded)
	assert.Equal(t, int64(1), outcome.Summary.Purged)
	assert.Equal(t, int32(1), posts.Load())

	out, err = runCLI(t, "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:        0")
}

func TestFailed_listsRejectedSales(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"unknown sku"}`))
	}))
	defer srv.Close()

	cfg := writeTestConfig(t, srv.URL)
	_, err := runCLI(t, "enqueue", "--file", writeSale(t, saleJSON), "--config", cfg)
	require.NoError(t, err)
	_, err = runCLI(t, "sync", "--config", cfg)
	require.NoError(t, err)

	out, err := runCLI(t, "failed", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "unknown sku")
}

func TestFailed_emptyJSONIsArray(t *testing.T) {
	out, err := runCLI(t, "failed", "--config", writeTestConfig(t, "http://127.0.0.1:1"), "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestPurge_nothingToPurge(t *testing.T) {
	out, err := runCLI(t, "purge", "--config", writeTestConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, err)
	assert.Equal(t, "Purged 0 synced record(s)\n", out)
}

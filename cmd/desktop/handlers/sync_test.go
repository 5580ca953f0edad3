// Package handlers tests for the sale and sync REST endpoints.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/services"
	"github.com/kimhsiao/posync/backend/internal/sync/pending"
	"github.com/kimhsiao/posync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/posync/backend/internal/sync/worker"
)

type fakeService struct {
	status    services.Status
	outcome   scheduler.Outcome
	syncErr   error
	recorded  []*models.Sale
	recordErr error
	failed    []models.QueuedTransaction
	online    []bool
}

func (f *fakeService) Status() services.Status { return f.status }

func (f *fakeService) SyncNow(context.Context) (scheduler.Outcome, error) {
	return f.outcome, f.syncErr
}

func (f *fakeService) RecordSale(_ context.Context, sale *models.Sale) (*models.QueuedTransaction, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	f.recorded = append(f.recorded, sale)
	return &models.QueuedTransaction{
		LocalID:        int64(len(f.recorded)),
		IdempotencyKey: "key-1",
		State:          models.StateUnsynced,
	}, nil
}

func (f *fakeService) ListFailed(context.Context) ([]models.QueuedTransaction, error) {
	return f.failed, nil
}

func (f *fakeService) SetOnline(online bool) { f.online = append(f.online, online) }

const validSale = `{
  "receipt_number": "R-1",
  "sold_at": "2026-03-01T10:00:00Z",
  "currency": "USD",
  "lines": [{"sku": "COF-01", "name": "Coffee", "quantity": "1", "unit_price": "3.50"}],
  "payments": [{"method": "card", "amount": "3.50"}]
}`

func serve(t *testing.T, svc SyncService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewSyncHandler(svc).Register(mux)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestGetStatus(t *testing.T) {
	svc := &fakeService{status: services.Status{
		Pending: pending.Snapshot{PendingCount: 4, FailedCount: 1},
		DataDir: "/data",
	}}

	w := serve(t, svc, http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got services.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Pending.PendingCount)
	assert.Equal(t, 1, got.Pending.FailedCount)
}

func TestGetStatus_methodNotAllowed(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodDelete, "/api/sync/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSyncNow_returnsSummary(t *testing.T) {
	svc := &fakeService{outcome: scheduler.Outcome{Summary: worker.Summary{Succeeded: 3}}}

	w := serve(t, svc, http.MethodPost, "/api/sync/now", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got scheduler.Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Skipped)
	assert.Equal(t, 3, got.Summary.Succeeded)
}

func TestSyncNow_skippedIsNotAnError(t *testing.T) {
	svc := &fakeService{outcome: scheduler.Outcome{Skipped: true, Reason: scheduler.SkipOffline}}

	w := serve(t, svc, http.MethodPost, "/api/sync/now", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"offline"`)
}

func TestSyncNow_failure(t *testing.T) {
	svc := &fakeService{syncErr: errors.New(errors.ErrSyncFailed, "queue unreadable")}

	w := serve(t, svc, http.MethodPost, "/api/sync/now", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(errors.ErrSyncFailed))
}

func TestRecordSale_created(t *testing.T) {
	svc := &fakeService{}

	w := serve(t, svc, http.MethodPost, "/api/sales", validSale)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, svc.recorded, 1)
	assert.Equal(t, "R-1", svc.recorded[0].ReceiptNumber)

	var txn models.QueuedTransaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
	assert.Equal(t, "key-1", txn.IdempotencyKey)
}

func TestRecordSale_malformedJSON(t *testing.T) {
	svc := &fakeService{}

	w := serve(t, svc, http.MethodPost, "/api/sales", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.recorded)
}

func TestRecordSale_validationError(t *testing.T) {
	svc := &fakeService{recordErr: errors.New(errors.ErrValidation, "payments do not cover total")}

	w := serve(t, svc, http.MethodPost, "/api/sales", validSale)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "payments do not cover total")
}

func TestRecordSale_tooLarge(t *testing.T) {
	body := `{"note":"` + strings.Repeat("x", maxSaleBytes) + `"}`

	w := serve(t, &fakeService{}, http.MethodPost, "/api/sales", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListFailed_emptyIsArray(t *testing.T) {
	w := serve(t, &fakeService{}, http.MethodGet, "/api/sync/failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestListFailed(t *testing.T) {
	svc := &fakeService{failed: []models.QueuedTransaction{
		{LocalID: 7, State: models.StateFailed, LastError: "422 unknown sku"},
	}}

	w := serve(t, svc, http.MethodGet, "/api/sync/failed", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got []models.QueuedTransaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].LocalID)
}

func TestSetConnectivity(t *testing.T) {
	svc := &fakeService{}

	w := serve(t, svc, http.MethodPut, "/api/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []bool{true}, svc.online)

	w = serve(t, svc, http.MethodPut, "/api/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, svc.online, 1)
}

func TestWriteError_unknownErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, bytes.ErrTooLarge)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(errors.ErrInternal))
}

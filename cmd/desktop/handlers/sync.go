// Package handlers provides REST API handlers for recording sales and
// controlling reconciliation from the desktop UI.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/services"
	"github.com/kimhsiao/posync/backend/internal/sync/scheduler"
)

// maxSaleBytes bounds a POST /api/sales body.
const maxSaleBytes = 1 << 20

// SyncService is the part of the reconciliation service the handlers use.
type SyncService interface {
	Status() services.Status
	SyncNow(ctx context.Context) (scheduler.Outcome, error)
	RecordSale(ctx context.Context, sale *models.Sale) (*models.QueuedTransaction, error)
	ListFailed(ctx context.Context) ([]models.QueuedTransaction, error)
	SetOnline(online bool)
}

// SyncHandler handles sale recording and sync operations.
type SyncHandler struct {
	svc SyncService
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Register adds the sync routes to mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)
	mux.HandleFunc("POST /api/sync/now", h.SyncNow)
	mux.HandleFunc("GET /api/sync/failed", h.ListFailed)
	mux.HandleFunc("POST /api/sales", h.RecordSale)
	mux.HandleFunc("PUT /api/connectivity", h.SetConnectivity)
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// SyncNow handles POST /api/sync/now
// A skipped run (offline or already running) is not an error: the response
// carries skipped=true and the reason.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.svc.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// RecordSale handles POST /api/sales
// The sale is durable once 201 is returned.
func (h *SyncHandler) RecordSale(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSaleBytes+1))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "failed to read request body", err))
		return
	}
	if len(body) > maxSaleBytes {
		writeError(w, errors.New(errors.ErrInvalid, "sale is too large"))
		return
	}

	sale, err := models.ParseSale(body)
	if err != nil {
		writeError(w, err)
		return
	}

	txn, err := h.svc.RecordSale(r.Context(), sale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// ListFailed handles GET /api/sync/failed
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := h.svc.ListFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if failed == nil {
		failed = []models.QueuedTransaction{}
	}
	writeJSON(w, http.StatusOK, failed)
}

// SetConnectivity handles PUT /api/connectivity
// The UI forwards OS network-change callbacks here.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, errors.New(errors.ErrInvalid, "online is required"))
		return
	}

	h.svc.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *request.Online})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, ok := errors.CodeOf(err)
	if !ok {
		code = errors.ErrInternal
	}

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid, errors.ErrValidation:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrInvalidState:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err)
	}

	writeJSON(w, status, map[string]string{
		"code":    string(code),
		"message": err.Error(),
	})
}

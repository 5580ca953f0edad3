package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/posync/backend/internal/config"
	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/services"
)

// bridge holds the single service instance behind the C exports. The host
// app reports connectivity through SetOnline from its network callbacks, so
// no HTTP prober is started.
type bridge struct {
	mu  sync.Mutex
	svc *services.ReconciliationService

	errMu   sync.RWMutex
	lastErr string
}

var core = &bridge{}

func (b *bridge) init(dataDir, configFile string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc != nil {
		return nil
	}

	loader := config.NewLoader(configFile)
	if dataDir != "" {
		loader.Override("data_dir", dataDir)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LoggingOptions())

	svc, err := services.New(context.Background(), cfg, services.WithoutProber(online))
	if err != nil {
		return err
	}
	if err := svc.Start(context.Background()); err != nil {
		svc.Stop()
		return err
	}
	b.svc = svc
	return nil
}

func (b *bridge) service() (*services.ReconciliationService, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil, errors.New(errors.ErrInvalidState, "posync is not initialized")
	}
	return b.svc, nil
}

func (b *bridge) cleanup() error {
	b.mu.Lock()
	svc := b.svc
	b.svc = nil
	b.mu.Unlock()
	if svc == nil {
		return nil
	}
	return svc.Stop()
}

func (b *bridge) recordSale(saleJSON string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	sale, err := models.ParseSale([]byte(saleJSON))
	if err != nil {
		return "", err
	}
	txn, err := svc.RecordSale(context.Background(), sale)
	if err != nil {
		return "", err
	}
	return encode(txn)
}

func (b *bridge) setOnline(online bool) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	svc.SetOnline(online)
	return nil
}

func (b *bridge) syncNow() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	outcome, err := svc.SyncNow(context.Background())
	if err != nil {
		return "", err
	}
	return encode(outcome)
}

func (b *bridge) status() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	return encode(svc.Status())
}

func (b *bridge) listFailed() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	failed, err := svc.ListFailed(context.Background())
	if err != nil {
		return "", err
	}
	if failed == nil {
		failed = []models.QueuedTransaction{}
	}
	return encode(failed)
}

// waitForChange blocks until the pending state differs from the current one
// or timeout elapses, and returns the latest snapshot either way.
func (b *bridge) waitForChange(timeout time.Duration) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	updates, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	current := <-updates
	select {
	case next, ok := <-updates:
		if ok {
			current = next
		}
	case <-time.After(timeout):
	}
	return encode(current)
}

func (b *bridge) setLastError(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if err == nil {
		b.lastErr = ""
		return
	}
	b.lastErr = err.Error()
}

func (b *bridge) lastError() string {
	b.errMu.RLock()
	defer b.errMu.RUnlock()
	return b.lastErr
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to serialize result", err)
	}
	return string(data), nil
}

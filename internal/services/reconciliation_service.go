// Package services provides the reconciliation service the shells talk to.
// It owns the durable queue, the connectivity monitor, the scheduler, the
// worker and the pending-state projector, and wires them together explicitly.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/posync/backend/internal/config"
	"github.com/kimhsiao/posync/backend/internal/connectivity"
	"github.com/kimhsiao/posync/backend/internal/db"
	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/sync/pending"
	"github.com/kimhsiao/posync/backend/internal/sync/queue"
	"github.com/kimhsiao/posync/backend/internal/sync/remote"
	"github.com/kimhsiao/posync/backend/internal/sync/scheduler"
	"github.com/kimhsiao/posync/backend/internal/sync/worker"
)

// ReconciliationService records sales durably and reconciles them with the
// backend in the background.
type ReconciliationService struct {
	cfg       *config.Config
	db        *db.DB
	queue     *queue.TransactionQueue
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	worker    *worker.Worker
	projector *pending.Projector
	scheduler *scheduler.Scheduler

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancelProbe context.CancelFunc
	probeWG     sync.WaitGroup
}

type options struct {
	endpoint remote.Endpoint
	notifier worker.Notifier
	clock    func() time.Time
	online   bool
	noProber bool
}

// Option customizes a ReconciliationService.
type Option func(*options)

// WithEndpoint replaces the HTTP endpoint built from config.
func WithEndpoint(endpoint remote.Endpoint) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithNotifier sets the receiver of run success notifications.
func WithNotifier(notifier worker.Notifier) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithClock overrides the time source used for backoff.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithoutProber disables the HTTP prober; connectivity is then driven only by
// SetOnline. initial is the starting state.
func WithoutProber(initial bool) Option {
	return func(o *options) {
		o.noProber = true
		o.online = initial
	}
}

// New opens the queue database in cfg.DataDir and builds the service.
// Records left in flight by a previous process are returned to unsynced.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*ReconciliationService, error) {
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	database, err := db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open queue database", err)
	}

	endpoint := o.endpoint
	if endpoint == nil {
		endpoint, err = remote.NewHTTPEndpoint(remote.HTTPConfig{
			BaseURL: cfg.Remote.BaseURL,
			Path:    cfg.Remote.Path,
			APIKey:  cfg.Remote.APIKey,
			Timeout: cfg.Remote.Timeout,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	q := queue.New(database.DB,
		queue.WithClock(o.clock),
		queue.WithBackoff(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax))

	if _, err := q.RecoverInFlight(ctx); err != nil {
		database.Close()
		return nil, err
	}

	monitor := connectivity.NewMonitor(o.online)
	projector := pending.NewProjector(q)
	w := worker.New(q, endpoint, worker.Config{
		Timeout:  cfg.Remote.Timeout,
		Notifier: o.notifier,
		Clock:    o.clock,
	})

	s := &ReconciliationService{
		cfg:       cfg,
		db:        database,
		queue:     q,
		monitor:   monitor,
		worker:    w,
		projector: projector,
		scheduler: scheduler.NewScheduler(w, projector, monitor, &scheduler.SchedulerConfig{
			SyncInterval: cfg.Sync.Interval,
		}),
	}
	if !o.noProber && cfg.ProbeTarget() != "" {
		s.prober = connectivity.NewProber(monitor, connectivity.ProberConfig{
			URL:      cfg.ProbeTarget(),
			Interval: cfg.Connectivity.ProbeInterval,
			Timeout:  cfg.Connectivity.ProbeTimeout,
		})
	}
	return s, nil
}

// Start computes the initial pending state, then starts the scheduler and the
// connectivity prober.
func (s *ReconciliationService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return errors.New(errors.ErrInvalidState, "service is stopped")
	}
	s.started = true

	if err := s.projector.Refresh(ctx); err != nil {
		return err
	}
	s.scheduler.Start(ctx)

	if s.prober != nil {
		probeCtx, cancel := context.WithCancel(ctx)
		s.cancelProbe = cancel
		s.probeWG.Add(1)
		go func() {
			defer s.probeWG.Done()
			s.prober.Run(probeCtx)
		}()
	}

	logging.Info("Reconciliation service started", map[string]interface{}{
		"data_dir":      s.cfg.DataDir,
		"pending_count": s.projector.PendingCount(),
		"failed_count":  s.projector.FailedCount(),
	})
	return nil
}

// Stop stops background work, waits for an active run and closes the database.
func (s *ReconciliationService) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancelProbe
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.probeWG.Wait()
	s.scheduler.Stop()

	if err := s.db.Close(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to close queue database", err)
	}
	logging.Info("Reconciliation service stopped", nil)
	return nil
}

// RecordSale validates a finalized sale and enqueues it. The sale is durable
// when RecordSale returns; delivery happens in the background. Sales without
// a tenant are recorded under the configured tenant.
func (s *ReconciliationService) RecordSale(ctx context.Context, sale *models.Sale) (*models.QueuedTransaction, error) {
	if sale.TenantID == "" {
		sale.TenantID = s.cfg.TenantID
	}
	payload, err := sale.Payload()
	if err != nil {
		return nil, err
	}
	txn, err := s.enqueue(ctx, sale.TenantID, payload)
	if err != nil {
		return nil, err
	}

	logging.Info("Sale recorded", map[string]interface{}{
		"local_id":       txn.LocalID,
		"receipt_number": sale.ReceiptNumber,
		"total":          sale.Totals().Total.StringFixed(2),
	})
	return txn, nil
}

// Enqueue stores an opaque payload for the configured tenant.
func (s *ReconciliationService) Enqueue(ctx context.Context, payload []byte) (*models.QueuedTransaction, error) {
	return s.enqueue(ctx, s.cfg.TenantID, payload)
}

func (s *ReconciliationService) enqueue(ctx context.Context, tenantID string, payload []byte) (*models.QueuedTransaction, error) {
	txn, err := s.queue.Enqueue(ctx, tenantID, payload)
	if err != nil {
		return nil, err
	}

	// the record is already durable; a failed refresh only delays the count
	_ = s.projector.Refresh(ctx)

	s.mu.Lock()
	running := s.started && !s.stopped
	s.mu.Unlock()
	if running {
		s.scheduler.TriggerSync(ctx, worker.TriggerEnqueue)
	}
	return txn, nil
}

// SyncNow runs a reconciliation immediately unless offline or already running.
func (s *ReconciliationService) SyncNow(ctx context.Context) (scheduler.Outcome, error) {
	return s.scheduler.SyncNow(ctx)
}

// ProbeNow checks reachability once and updates the connectivity state.
// Without a prober it reports the current state unchanged.
func (s *ReconciliationService) ProbeNow(ctx context.Context) bool {
	if s.prober == nil {
		return s.monitor.IsOnline()
	}
	return s.prober.Probe(ctx)
}

// SetOnline feeds a host reachability signal, e.g. from an OS network callback.
func (s *ReconciliationService) SetOnline(online bool) {
	s.monitor.SetOnline(online)
}

// IsOnline returns the current connectivity state.
func (s *ReconciliationService) IsOnline() bool {
	return s.monitor.IsOnline()
}

// PendingCount returns the number of sales still waiting for the backend.
// Sales parked as failed are not included; see FailedCount.
func (s *ReconciliationService) PendingCount() int {
	return s.projector.PendingCount()
}

// FailedCount returns the number of sales that need manual review.
func (s *ReconciliationService) FailedCount() int {
	return s.projector.FailedCount()
}

// IsSyncing reports whether a reconciliation run is active.
func (s *ReconciliationService) IsSyncing() bool {
	return s.projector.IsSyncing()
}

// RefreshPending recomputes the pending state from the queue. Start does this
// too; one-shot callers that never start the service use it directly.
func (s *ReconciliationService) RefreshPending(ctx context.Context) error {
	return s.projector.Refresh(ctx)
}

// Snapshot returns the current pending state.
func (s *ReconciliationService) Snapshot() pending.Snapshot {
	return s.projector.Snapshot()
}

// Subscribe streams pending-state changes.
func (s *ReconciliationService) Subscribe() (<-chan pending.Snapshot, func()) {
	return s.projector.Subscribe()
}

// ListFailed returns the sales parked for manual review.
func (s *ReconciliationService) ListFailed(ctx context.Context) ([]models.QueuedTransaction, error) {
	return s.queue.ListFailed(ctx)
}

// ListUnsynced returns the sales not yet reconciled, oldest first.
func (s *ReconciliationService) ListUnsynced(ctx context.Context) ([]models.QueuedTransaction, error) {
	return s.queue.ListUnsynced(ctx)
}

// PurgeSynced deletes reconciled records left behind by an interrupted run.
func (s *ReconciliationService) PurgeSynced(ctx context.Context) (int64, error) {
	n, err := s.queue.PurgeSynced(ctx)
	if err != nil {
		return 0, err
	}
	_ = s.projector.Refresh(ctx)
	return n, nil
}

// Status describes the service for status endpoints and the CLI.
type Status struct {
	Pending   pending.Snapshot          `json:"pending"`
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	DataDir   string                    `json:"data_dir"`
}

// Status returns the combined pending and scheduler state.
func (s *ReconciliationService) Status() Status {
	return Status{
		Pending:   s.projector.Snapshot(),
		Scheduler: s.scheduler.Status(),
		DataDir:   s.cfg.DataDir,
	}
}

// ApplyConfig applies the settings that can change without a restart.
func (s *ReconciliationService) ApplyConfig(cfg *config.Config) {
	logging.Get().SetLevel(cfg.LoggingOptions().Level)
}

// Package scheduler decides when sync runs happen: on reconnect, on a fixed
// interval while online, and on demand. At most one run is active at a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/posync/backend/internal/connectivity"
	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/sync/worker"
)

// Runner performs one sync run.
type Runner interface {
	Run(ctx context.Context, trigger worker.Trigger) (worker.Summary, error)
}

// Projector is told when runs start and end.
type Projector interface {
	SetSyncing(syncing bool)
	Refresh(ctx context.Context) error
}

// Connectivity is the reachability source the scheduler listens to.
type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Event, func())
}

// SkipReason explains why a trigger did not start a run.
type SkipReason string

const (
	SkipOffline    SkipReason = "offline"
	SkipInProgress SkipReason = "in_progress"
	SkipStopped    SkipReason = "stopped"
)

// Outcome is the result of an on-demand sync.
type Outcome struct {
	Skipped bool           `json:"skipped"`
	Reason  SkipReason     `json:"reason,omitempty"`
	Summary worker.Summary `json:"summary"`
}

// Scheduler manages background sync runs.
type Scheduler struct {
	runner       Runner
	projector    Projector
	monitor      Connectivity
	syncInterval time.Duration

	// run-lock: set by compare-and-swap, cleared when the run returns
	syncing atomic.Bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	runMu     sync.Mutex
	runWG     sync.WaitGroup
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	lastRunTime time.Time
	lastSummary *worker.Summary
	lastError   string
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync while online (default: 30 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 30 * time.Second,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner Runner, projector Projector, monitor Connectivity, config *SchedulerConfig) *Scheduler {
	if config == nil || config.SyncInterval <= 0 {
		config = DefaultSchedulerConfig()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:       runner,
		projector:    projector,
		monitor:      monitor,
		syncInterval: config.SyncInterval,
		runCtx:       runCtx,
		cancelRun:    cancel,
		stopCh:       make(chan struct{}),
	}
}

// Start starts listening for connectivity changes and the periodic timer.
// A stopped scheduler cannot be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	events, unsubscribe := s.monitor.Subscribe()

	s.wg.Add(2)
	go s.connectivityLoop(ctx, events, unsubscribe)
	go s.periodicSyncLoop(ctx)

	logging.Info("Background sync scheduler started",
		map[string]interface{}{"interval_seconds": s.syncInterval.Seconds()})
}

// Stop stops the scheduler, cancels the active run and waits for it to return.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if s.stopped {
		s.runMu.Unlock()
		return
	}
	s.stopped = true
	s.runMu.Unlock()

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.cancelRun()

	s.wg.Wait()
	s.runWG.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// connectivityLoop starts a run on every offline-to-online transition.
func (s *Scheduler) connectivityLoop(ctx context.Context, events <-chan connectivity.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event != connectivity.EventBecameOnline {
				continue
			}
			s.runIfIdle(ctx, worker.TriggerReconnect)
		}
	}
}

// periodicSyncLoop starts a run every interval while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runIfIdle(ctx, worker.TriggerInterval)
		}
	}
}

func (s *Scheduler) runIfIdle(ctx context.Context, trigger worker.Trigger) {
	if reason, ok := s.acquire(); !ok {
		logging.Debug("Sync trigger ignored", map[string]interface{}{
			"trigger": string(trigger),
			"reason":  string(reason),
		})
		return
	}
	s.execute(ctx, trigger)
}

// acquire takes the run-lock. Triggers that arrive while offline or during a
// run are dropped, not queued.
func (s *Scheduler) acquire() (SkipReason, bool) {
	if !s.monitor.IsOnline() {
		return SkipOffline, false
	}
	if !s.syncing.CompareAndSwap(false, true) {
		return SkipInProgress, false
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopped {
		s.syncing.Store(false)
		return SkipStopped, false
	}
	s.runWG.Add(1)
	return "", true
}

// execute runs the worker while holding the run-lock and releases it on every
// exit path, including a panicking runner.
func (s *Scheduler) execute(ctx context.Context, trigger worker.Trigger) (summary worker.Summary, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	stopRelay := context.AfterFunc(s.runCtx, cancel)

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrSyncFailed, fmt.Sprintf("sync run panicked: %v", r))
		}
		if summary.Trigger == "" {
			summary.Trigger = trigger
		}

		stopRelay()
		cancel()
		s.projector.SetSyncing(false)
		s.syncing.Store(false)
		if refreshErr := s.projector.Refresh(context.WithoutCancel(ctx)); refreshErr != nil {
			logging.Warn("Pending state refresh after sync failed", map[string]interface{}{"error": refreshErr.Error()})
		}
		s.record(summary, err)
		s.runWG.Done()
	}()

	s.projector.SetSyncing(true)
	logging.Debug("Starting sync run", map[string]interface{}{"trigger": string(trigger)})
	return s.runner.Run(runCtx, trigger)
}

func (s *Scheduler) record(summary worker.Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRunTime = time.Now()
	if err != nil {
		s.lastError = err.Error()
		logging.ErrorWithCode("Sync run failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": string(summary.Trigger)})
		return
	}
	s.lastError = ""
	s.lastSummary = &summary
}

// TriggerSync starts a run in the background.
// Returns true if a run was started, false if offline or a run is already active.
func (s *Scheduler) TriggerSync(ctx context.Context, trigger worker.Trigger) bool {
	if _, ok := s.acquire(); !ok {
		return false
	}
	go s.execute(context.WithoutCancel(ctx), trigger)
	return true
}

// SyncNow runs a sync immediately and waits for it to finish. If a run is
// already active or the device is offline it returns at once with a skipped
// Outcome; the request is not queued.
func (s *Scheduler) SyncNow(ctx context.Context) (Outcome, error) {
	reason, ok := s.acquire()
	if !ok {
		return Outcome{Skipped: true, Reason: reason}, nil
	}

	summary, err := s.execute(ctx, worker.TriggerManual)
	if err != nil {
		return Outcome{Summary: summary}, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"retried":   summary.Retried,
	})
	return Outcome{Summary: summary}, nil
}

// SchedulerStatus describes the scheduler for status endpoints.
type SchedulerStatus struct {
	IsRunning      bool            `json:"is_running"`
	IsOnline       bool            `json:"is_online"`
	SyncInProgress bool            `json:"sync_in_progress"`
	LastSyncTime   *time.Time      `json:"last_sync_time,omitempty"`
	LastSummary    *worker.Summary `json:"last_summary,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.IsOnline(),
		SyncInProgress: s.syncing.Load(),
		LastError:      s.lastError,
	}
	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		status.LastSyncTime = &t
	}
	if s.lastSummary != nil {
		summary := *s.lastSummary
		status.LastSummary = &summary
	}
	return status
}

// IsSyncing reports whether a run holds the run-lock.
func (s *Scheduler) IsSyncing() bool {
	return s.syncing.Load()
}

// IsOnline returns the connectivity state the scheduler acts on.
func (s *Scheduler) IsOnline() bool {
	return s.monitor.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Package worker drains the durable queue against the remote endpoint.
package worker

import (
	"context"
	"time"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/sync/queue"
	"github.com/kimhsiao/posync/backend/internal/sync/remote"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerReconnect Trigger = "reconnect"
	TriggerInterval  Trigger = "interval"
	TriggerManual    Trigger = "manual"
	TriggerEnqueue   Trigger = "enqueue"
)

// Queue is the part of the durable queue a run needs.
type Queue interface {
	ListDue(ctx context.Context, now time.Time) ([]models.QueuedTransaction, error)
	Counts(ctx context.Context) (queue.Counts, error)
	MarkInFlight(ctx context.Context, localID int64) error
	MarkSynced(ctx context.Context, localID int64, remoteID string) error
	MarkRetry(ctx context.Context, localID int64, reason string) (time.Time, error)
	MarkFailed(ctx context.Context, localID int64, reason string) error
	PurgeSynced(ctx context.Context) (int64, error)
	RecoverInFlight(ctx context.Context) (int64, error)
}

// Summary reports the outcome of one run.
type Summary struct {
	Trigger   Trigger       `json:"trigger"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Purged    int64         `json:"purged"`
	Duration  time.Duration `json:"duration"`
}

// Notifier receives the user-facing success notification of a run.
type Notifier interface {
	NotifySynced(ctx context.Context, count int)
}

// LogNotifier writes the notification to the log.
type LogNotifier struct{}

// NotifySynced implements Notifier.
func (LogNotifier) NotifySynced(_ context.Context, count int) {
	logging.Info("Transactions synced", map[string]interface{}{"count": count})
}

// Config holds worker configuration.
type Config struct {
	Timeout  time.Duration // per remote call, default: 15 seconds
	Notifier Notifier      // default: LogNotifier
	Clock    func() time.Time
}

// Worker performs sync runs. It holds no run state; mutual exclusion is the
// scheduler's job.
type Worker struct {
	queue    Queue
	endpoint remote.Endpoint
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
}

// New creates a Worker.
func New(q Queue, endpoint remote.Endpoint, config Config) *Worker {
	w := &Worker{
		queue:    q,
		endpoint: endpoint,
		notifier: config.Notifier,
		timeout:  config.Timeout,
		now:      config.Clock,
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{}
	}
	if w.timeout <= 0 {
		w.timeout = remote.DefaultTimeout
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Run snapshots the due records once and attempts each in order. Records
// enqueued while the run is active wait for the next trigger. Delivery
// failures are recorded on the record. The run fails when the queue cannot be
// read or an outcome cannot be written; the records involved are left for the
// next run.
//
// The caller must hold the run-lock: any record still in_flight when a run
// starts belongs to an earlier run and is returned to unsynced first.
func (w *Worker) Run(ctx context.Context, trigger Trigger) (Summary, error) {
	start := time.Now()
	summary := Summary{Trigger: trigger}

	if _, err := w.queue.RecoverInFlight(ctx); err != nil {
		return summary, errors.Wrap(errors.ErrSyncFailed, "failed to release in-flight transactions", err)
	}

	due, err := w.queue.ListDue(ctx, w.now())
	if err != nil {
		return summary, errors.Wrap(errors.ErrSyncFailed, "failed to read queue snapshot", err)
	}

	if counts, err := w.queue.Counts(ctx); err == nil {
		if deferred := counts.Unsynced - len(due); deferred > 0 {
			summary.Deferred = deferred
		}
	}

	var runErr error
	for i := range due {
		if ctx.Err() != nil {
			logging.Warn("Sync run cancelled", map[string]interface{}{
				"trigger":   string(trigger),
				"remaining": len(due) - i,
			})
			break
		}
		if runErr = w.process(ctx, &due[i], &summary); runErr != nil {
			logging.Warn("Sync run aborted", map[string]interface{}{
				"trigger":   string(trigger),
				"remaining": len(due) - i - 1,
			})
			break
		}
	}

	if runErr != nil {
		// the record left in_flight goes back to unsynced if storage allows
		if _, err := w.queue.RecoverInFlight(context.WithoutCancel(ctx)); err != nil {
			logging.ErrorWithCode("Failed to release in-flight transaction", string(errors.ErrQueueStorage), err, nil)
		}
	}

	purged, err := w.queue.PurgeSynced(context.WithoutCancel(ctx))
	if err != nil {
		logging.ErrorWithCode("Failed to purge synced transactions", string(errors.ErrQueueStorage), err, nil)
	}
	summary.Purged = purged
	summary.Duration = time.Since(start)

	logging.Info("Sync run completed", map[string]interface{}{
		"trigger":     string(trigger),
		"attempted":   summary.Attempted,
		"succeeded":   summary.Succeeded,
		"retried":     summary.Retried,
		"failed":      summary.Failed,
		"deferred":    summary.Deferred,
		"duration_ms": summary.Duration.Milliseconds(),
	})

	if summary.Succeeded > 0 {
		w.notifier.NotifySynced(ctx, summary.Succeeded)
	}

	return summary, runErr
}

// process attempts one record. It returns an error only for queue storage
// failures, which end the run.
func (w *Worker) process(ctx context.Context, txn *models.QueuedTransaction, summary *Summary) error {
	fields := map[string]interface{}{
		"local_id":        txn.LocalID,
		"idempotency_key": txn.IdempotencyKey,
	}

	if err := w.queue.MarkInFlight(ctx, txn.LocalID); err != nil {
		logging.ErrorWithCode("Failed to claim transaction", string(errors.ErrQueueStorage), err, fields)
		if errors.IsStorage(err) {
			return err
		}
		return nil
	}
	summary.Attempted++

	receipt, err := w.deliver(ctx, txn)

	// outcomes are recorded even when the run is being cancelled
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil, errors.IsAlreadyApplied(err):
		if markErr := w.queue.MarkSynced(ctx, txn.LocalID, receipt.RemoteID); markErr != nil {
			logging.ErrorWithCode("Failed to mark transaction synced", string(errors.ErrQueueStorage), markErr, fields)
			return errors.Storage("failed to record delivered transaction", markErr)
		}
		summary.Succeeded++
		if receipt.Replayed || err != nil {
			logging.Debug("Transaction was already applied remotely", fields)
		}

	case errors.IsTerminal(err):
		if markErr := w.queue.MarkFailed(ctx, txn.LocalID, err.Error()); markErr != nil {
			logging.ErrorWithCode("Failed to mark transaction failed", string(errors.ErrQueueStorage), markErr, fields)
			return errors.Storage("failed to record rejected transaction", markErr)
		}
		summary.Failed++
		logging.Warn("Transaction rejected by backend", merge(fields, "reason", err.Error()))

	default:
		// retryable and unclassified errors alike
		next, markErr := w.queue.MarkRetry(ctx, txn.LocalID, err.Error())
		if markErr != nil {
			logging.ErrorWithCode("Failed to schedule retry", string(errors.ErrQueueStorage), markErr, fields)
			return errors.Storage("failed to record retry", markErr)
		}
		summary.Retried++
		logging.Debug("Transaction delivery will be retried", merge(fields, "next_attempt_at", next.Format(time.RFC3339)))
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, txn *models.QueuedTransaction) (remote.Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	return w.endpoint.CreateTransaction(callCtx, remote.Delivery{
		LocalID:        txn.LocalID,
		IdempotencyKey: txn.IdempotencyKey,
		TenantID:       txn.TenantID,
		Payload:        txn.Payload,
	})
}

func merge(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

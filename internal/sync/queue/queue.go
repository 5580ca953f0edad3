// Package queue provides the durable local queue of transactions awaiting reconciliation.
// Records live in the SQLite table queued_transactions and survive process restarts.
package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/posync/backend/internal/errors"
	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/models"
	"github.com/kimhsiao/posync/backend/internal/uuid"
)

const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

const columns = `local_id, idempotency_key, tenant_id, payload, state, attempts,
	last_error, remote_id, next_attempt_at, created_at, updated_at`

// Counts holds the number of records per state.
type Counts struct {
	Unsynced int
	InFlight int
	Synced   int
	Failed   int
}

// Pending returns the records the engine will still try to deliver.
func (c Counts) Pending() int {
	return c.Unsynced + c.InFlight
}

// Total returns the number of records in the queue.
func (c Counts) Total() int {
	return c.Unsynced + c.InFlight + c.Synced + c.Failed
}

// TransactionQueue is the durable queue. Every method is a single atomic
// statement or a short transaction scoped to one record.
type TransactionQueue struct {
	db          *sql.DB
	now         func() time.Time
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Option configures a TransactionQueue.
type Option func(*TransactionQueue)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *TransactionQueue) {
		q.now = now
	}
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(q *TransactionQueue) {
		if base > 0 {
			q.backoffBase = base
		}
		if max > 0 {
			q.backoffMax = max
		}
	}
}

// New creates a TransactionQueue on a migrated database.
func New(db *sql.DB, opts ...Option) *TransactionQueue {
	q := &TransactionQueue{
		db:          db,
		now:         time.Now,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.backoffMax < q.backoffBase {
		q.backoffMax = q.backoffBase
	}
	return q
}

// Enqueue persists a new record in the unsynced state with a fresh
// idempotency key. The record is durable once Enqueue returns.
func (q *TransactionQueue) Enqueue(ctx context.Context, tenantID string, payload []byte) (*models.QueuedTransaction, error) {
	if len(payload) == 0 {
		return nil, errors.New(errors.ErrInvalid, "payload is empty")
	}

	key, err := uuid.NewIdempotencyKey()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create idempotency key", err)
	}

	now := q.now()
	ms := now.UnixMilli()
	body := append([]byte(nil), payload...)

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queued_transactions
			(idempotency_key, tenant_id, payload, state, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		key, tenantID, body, models.StateUnsynced, ms, ms, ms)
	if err != nil {
		return nil, errors.Storage("failed to enqueue transaction", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Storage("failed to read local id", err)
	}

	logging.Debug("Enqueued transaction", map[string]interface{}{
		"local_id":        id,
		"idempotency_key": key,
	})

	return &models.QueuedTransaction{
		LocalID:        id,
		IdempotencyKey: key,
		TenantID:       tenantID,
		Payload:        body,
		State:          models.StateUnsynced,
		NextAttemptAt:  fromMillis(ms),
		CreatedAt:      fromMillis(ms),
		UpdatedAt:      fromMillis(ms),
	}, nil
}

// ListUnsynced returns every non-terminal record, oldest first.
func (q *TransactionQueue) ListUnsynced(ctx context.Context) ([]models.QueuedTransaction, error) {
	return q.list(ctx, `WHERE state IN (?, ?) ORDER BY created_at, local_id`,
		models.StateUnsynced, models.StateInFlight)
}

// ListDue returns unsynced records whose backoff has elapsed at now, oldest first.
func (q *TransactionQueue) ListDue(ctx context.Context, now time.Time) ([]models.QueuedTransaction, error) {
	return q.list(ctx, `WHERE state = ? AND next_attempt_at <= ? ORDER BY created_at, local_id`,
		models.StateUnsynced, now.UnixMilli())
}

// ListFailed returns records parked for operator review, oldest first.
func (q *TransactionQueue) ListFailed(ctx context.Context) ([]models.QueuedTransaction, error) {
	return q.list(ctx, `WHERE state = ? ORDER BY created_at, local_id`, models.StateFailed)
}

// Get returns a single record.
func (q *TransactionQueue) Get(ctx context.Context, localID int64) (*models.QueuedTransaction, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+columns+` FROM queued_transactions WHERE local_id = ?`, localID)
	txn, err := scan(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("transaction %d not found", localID))
	}
	if err != nil {
		return nil, errors.Storage("failed to read transaction", err)
	}
	return txn, nil
}

// MarkInFlight claims an unsynced record for the running worker.
func (q *TransactionQueue) MarkInFlight(ctx context.Context, localID int64) error {
	return q.transition(ctx, localID, []models.TransactionState{models.StateUnsynced}, `
		UPDATE queued_transactions SET state = ?, updated_at = ?
		WHERE local_id = ? AND state = ?`,
		models.StateInFlight, q.now().UnixMilli(), localID, models.StateUnsynced)
}

// MarkSynced records a successful delivery and clears the last error.
func (q *TransactionQueue) MarkSynced(ctx context.Context, localID int64, remoteID string) error {
	return q.transition(ctx, localID, []models.TransactionState{models.StateInFlight, models.StateUnsynced}, `
		UPDATE queued_transactions
		SET state = ?, attempts = attempts + 1, last_error = '', remote_id = ?, updated_at = ?
		WHERE local_id = ? AND state IN (?, ?)`,
		models.StateSynced, remoteID, q.now().UnixMilli(), localID, models.StateInFlight, models.StateUnsynced)
}

// MarkFailed parks a record for manual review. It is never retried automatically.
func (q *TransactionQueue) MarkFailed(ctx context.Context, localID int64, reason string) error {
	return q.transition(ctx, localID, []models.TransactionState{models.StateInFlight, models.StateUnsynced}, `
		UPDATE queued_transactions
		SET state = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE local_id = ? AND state IN (?, ?)`,
		models.StateFailed, reason, q.now().UnixMilli(), localID, models.StateInFlight, models.StateUnsynced)
}

// MarkRetry returns an in-flight record to unsynced after a retryable failure,
// counting the attempt and scheduling the next one with exponential backoff.
// It returns the time the record becomes due again.
func (q *TransactionQueue) MarkRetry(ctx context.Context, localID int64, reason string) (time.Time, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, errors.Storage("failed to begin retry", err)
	}
	defer tx.Rollback()

	var attempts int
	var state models.TransactionState
	err = tx.QueryRowContext(ctx, `SELECT attempts, state FROM queued_transactions WHERE local_id = ?`, localID).
		Scan(&attempts, &state)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errors.New(errors.ErrNotFound, fmt.Sprintf("transaction %d not found", localID))
	}
	if err != nil {
		return time.Time{}, errors.Storage("failed to read attempts", err)
	}
	if state != models.StateInFlight {
		return time.Time{}, errors.New(errors.ErrInvalidState,
			fmt.Sprintf("transaction %d is %s, want %s", localID, state, models.StateInFlight))
	}

	attempts++
	now := q.now()
	next := now.Add(q.Backoff(attempts))

	if _, err := tx.ExecContext(ctx, `
		UPDATE queued_transactions
		SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE local_id = ?`,
		models.StateUnsynced, attempts, reason, next.UnixMilli(), now.UnixMilli(), localID); err != nil {
		return time.Time{}, errors.Storage("failed to record retry", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, errors.Storage("failed to commit retry", err)
	}

	logging.Debug("Scheduled transaction retry", map[string]interface{}{
		"local_id": localID,
		"attempts": attempts,
		"next_at":  next.UTC().Format(time.RFC3339),
	})
	return fromMillis(next.UnixMilli()), nil
}

// PurgeSynced deletes every synced record and returns how many were removed.
func (q *TransactionQueue) PurgeSynced(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queued_transactions WHERE state = ?`, models.StateSynced)
	if err != nil {
		return 0, errors.Storage("failed to purge synced transactions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Storage("failed to purge synced transactions", err)
	}
	return n, nil
}

// RecoverInFlight returns records left in_flight by a worker that is no longer
// running (a crashed process or an aborted run) to unsynced. Attempts are left
// untouched. Call it only while no worker runs.
func (q *TransactionQueue) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queued_transactions SET state = ?, updated_at = ? WHERE state = ?`,
		models.StateUnsynced, q.now().UnixMilli(), models.StateInFlight)
	if err != nil {
		return 0, errors.Storage("failed to recover in-flight transactions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Storage("failed to recover in-flight transactions", err)
	}
	if n > 0 {
		logging.Warn("Recovered in-flight transactions", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Counts returns the number of records per state.
func (q *TransactionQueue) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queued_transactions GROUP BY state`)
	if err != nil {
		return Counts{}, errors.Storage("failed to count transactions", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var state models.TransactionState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, errors.Storage("failed to scan counts", err)
		}
		switch state {
		case models.StateUnsynced:
			c.Unsynced = n
		case models.StateInFlight:
			c.InFlight = n
		case models.StateSynced:
			c.Synced = n
		case models.StateFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, errors.Storage("failed to count transactions", err)
	}
	return c, nil
}

// Backoff returns the delay before the given attempt number is retried.
// Formula: base * 2^(attempts-1), capped at max.
func (q *TransactionQueue) Backoff(attempts int) time.Duration {
	return calculateBackoff(attempts, q.backoffBase, q.backoffMax)
}

func calculateBackoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 30 {
		return max
	}
	backoff := base << uint(shift)
	if backoff <= 0 || backoff > max {
		return max
	}
	return backoff
}

// transition runs a guarded single-record update and explains a miss.
func (q *TransactionQueue) transition(ctx context.Context, localID int64, from []models.TransactionState, query string, args ...interface{}) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Storage("failed to update transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Storage("failed to update transaction", err)
	}
	if n == 1 {
		return nil
	}

	current, err := q.Get(ctx, localID)
	if err != nil {
		return err
	}
	want := make([]string, len(from))
	for i, s := range from {
		want[i] = string(s)
	}
	return errors.New(errors.ErrInvalidState,
		fmt.Sprintf("transaction %d is %s, want %s", localID, current.State, strings.Join(want, " or ")))
}

func (q *TransactionQueue) list(ctx context.Context, where string, args ...interface{}) ([]models.QueuedTransaction, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+columns+` FROM queued_transactions `+where, args...)
	if err != nil {
		return nil, errors.Storage("failed to list transactions", err)
	}
	defer rows.Close()

	var out []models.QueuedTransaction
	for rows.Next() {
		txn, err := scan(rows)
		if err != nil {
			return nil, errors.Storage("failed to scan transaction", err)
		}
		out = append(out, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage("failed to list transactions", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (*models.QueuedTransaction, error) {
	var txn models.QueuedTransaction
	var payload []byte
	var nextAt, createdAt, updatedAt int64
	if err := s.Scan(&txn.LocalID, &txn.IdempotencyKey, &txn.TenantID, &payload, &txn.State,
		&txn.Attempts, &txn.LastError, &txn.RemoteID, &nextAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	txn.Payload = payload
	txn.NextAttemptAt = fromMillis(nextAt)
	txn.CreatedAt = fromMillis(createdAt)
	txn.UpdatedAt = fromMillis(updatedAt)
	return &txn, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

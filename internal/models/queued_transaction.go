// Package models provides data model definitions for posync.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TransactionState is the reconciliation state of a queued transaction.
//
//	unsynced --(worker picks up)--> in_flight
//	in_flight --(2xx / replay)--> synced --(purge)--> deleted
//	in_flight --(retryable error)--> unsynced
//	in_flight --(terminal error)--> failed
type TransactionState string

const (
	StateUnsynced TransactionState = "unsynced"
	StateInFlight TransactionState = "in_flight"
	StateSynced   TransactionState = "synced"
	StateFailed   TransactionState = "failed"
)

// Valid reports whether s is a known state.
func (s TransactionState) Valid() bool {
	switch s {
	case StateUnsynced, StateInFlight, StateSynced, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the engine will never touch a record in s again.
func (s TransactionState) Terminal() bool {
	return s == StateSynced || s == StateFailed
}

// Value implements driver.Valuer for TransactionState.
func (s TransactionState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid transaction state %q", string(s))
	}
	return string(s), nil
}

// Scan implements sql.Scanner for TransactionState.
func (s *TransactionState) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into TransactionState", value)
	}
	state := TransactionState(raw)
	if !state.Valid() {
		return fmt.Errorf("invalid transaction state %q", raw)
	}
	*s = state
	return nil
}

// QueuedTransaction is one locally recorded transaction awaiting reconciliation.
type QueuedTransaction struct {
	LocalID        int64            `db:"local_id" json:"local_id"`
	IdempotencyKey string           `db:"idempotency_key" json:"idempotency_key"`
	TenantID       string           `db:"tenant_id" json:"tenant_id,omitempty"`
	Payload        json.RawMessage  `db:"payload" json:"payload"`
	State          TransactionState `db:"state" json:"state"`
	Attempts       int              `db:"attempts" json:"attempts"`
	LastError      string           `db:"last_error" json:"last_error,omitempty"`
	RemoteID       string           `db:"remote_id" json:"remote_id,omitempty"`
	NextAttemptAt  time.Time        `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedTransaction.
func (QueuedTransaction) TableName() string {
	return "queued_transactions"
}

// FailureReason returns the reason a failed record was parked for review.
func (t *QueuedTransaction) FailureReason() string {
	if t.State != StateFailed {
		return ""
	}
	return t.LastError
}

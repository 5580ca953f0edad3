// Package remote defines the remote transaction-creation endpoint the sync
// worker delivers queued transactions to.
package remote

import (
	"context"
	"encoding/json"
)

// Delivery is one queued transaction sent to the backend.
type Delivery struct {
	LocalID        int64
	IdempotencyKey string
	TenantID       string
	Payload        json.RawMessage
}

// Receipt is the backend's acknowledgement of a delivery.
// Replayed is set when the backend had already applied the same idempotency key.
type Receipt struct {
	RemoteID string
	Replayed bool
}

// Endpoint creates transactions on the remote backend.
//
// Implementations classify failures with the delivery codes of the errors
// package: Retryable for failures that may pass later, Terminal for rejections
// and AlreadyApplied for idempotent replays. Unclassified errors are retried.
type Endpoint interface {
	CreateTransaction(ctx context.Context, d Delivery) (Receipt, error)
}

// Func adapts a function to the Endpoint interface.
type Func func(ctx context.Context, d Delivery) (Receipt, error)

// CreateTransaction calls f.
func (f Func) CreateTransaction(ctx context.Context, d Delivery) (Receipt, error) {
	return f(ctx, d)
}

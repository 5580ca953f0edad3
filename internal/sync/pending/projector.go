// Package pending projects the queue into the small read model the UI shows:
// how many sales still wait for the backend, how many need review, and
// whether a sync run is active.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/posync/backend/internal/logging"
	"github.com/kimhsiao/posync/backend/internal/sync/queue"
)

// Counter is the queue query the projector recomputes from.
type Counter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Snapshot is one observation of the pending state.
type Snapshot struct {
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	IsSyncing    bool      `json:"is_syncing"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Projector keeps the latest Snapshot and fans changes out to subscribers.
// It never polls; callers Refresh it after every enqueue and every run.
type Projector struct {
	counter Counter

	mu          sync.RWMutex
	current     Snapshot
	subscribers map[int]chan Snapshot
	nextID      int
}

// NewProjector creates a Projector. The snapshot is empty until the first Refresh.
func NewProjector(counter Counter) *Projector {
	return &Projector{
		counter:     counter,
		subscribers: make(map[int]chan Snapshot),
	}
}

// Refresh recomputes the counts from the queue.
func (p *Projector) Refresh(ctx context.Context) error {
	counts, err := p.counter.Counts(ctx)
	if err != nil {
		logging.Error("Failed to refresh pending state", err, nil)
		return err
	}

	p.update(func(s *Snapshot) {
		s.PendingCount = counts.Pending()
		s.FailedCount = counts.Failed
	})
	return nil
}

// SetSyncing mirrors the scheduler's run-lock.
func (p *Projector) SetSyncing(syncing bool) {
	p.update(func(s *Snapshot) {
		s.IsSyncing = syncing
	})
}

// PendingCount returns the number of records neither synced nor failed.
func (p *Projector) PendingCount() int {
	return p.Snapshot().PendingCount
}

// FailedCount returns the number of records awaiting manual review.
func (p *Projector) FailedCount() int {
	return p.Snapshot().FailedCount
}

// IsSyncing reports whether a sync run is active.
func (p *Projector) IsSyncing() bool {
	return p.Snapshot().IsSyncing
}

// Snapshot returns the current state.
func (p *Projector) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives the current snapshot immediately
// and every changed snapshot afterwards. Slow subscribers only see the latest
// value. The returned function unsubscribes and closes the channel.
func (p *Projector) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Snapshot, 1)
	ch <- p.current
	p.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			close(ch)
			p.mu.Unlock()
		})
	}
}

func (p *Projector) update(apply func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current
	apply(&next)
	if next.PendingCount == p.current.PendingCount &&
		next.FailedCount == p.current.FailedCount &&
		next.IsSyncing == p.current.IsSyncing &&
		!p.current.UpdatedAt.IsZero() {
		return
	}
	next.UpdatedAt = time.Now().UTC()
	p.current = next

	for _, ch := range p.subscribers {
		// replace a stale unread value with the latest one
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

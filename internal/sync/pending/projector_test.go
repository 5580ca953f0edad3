package pending

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/backend/internal/sync/queue"
)

type stubCounter struct {
	mu     sync.Mutex
	counts queue.Counts
	err    error
}

func (s *stubCounter) Counts(context.Context) (queue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts, s.err
}

func (s *stubCounter) set(c queue.Counts) {
	s.mu.Lock()
	s.counts = c
	s.mu.Unlock()
}

func TestRefresh_excludesFailedFromPending(t *testing.T) {
	counter := &stubCounter{counts: queue.Counts{Unsynced: 2, InFlight: 1, Synced: 4, Failed: 1}}
	p := NewProjector(counter)

	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 3, p.PendingCount())
	assert.Equal(t, 1, p.FailedCount())
	assert.False(t, p.IsSyncing())
}

func TestRefresh_errorKeepsLastSnapshot(t *testing.T) {
	counter := &stubCounter{counts: queue.Counts{Unsynced: 2}}
	p := NewProjector(counter)
	require.NoError(t, p.Refresh(context.Background()))

	counter.err = stderrors.New("disk gone")
	assert.Error(t, p.Refresh(context.Background()))
	assert.Equal(t, 2, p.PendingCount())
}

func TestSetSyncing(t *testing.T) {
	p := NewProjector(&stubCounter{})
	p.SetSyncing(true)
	assert.True(t, p.IsSyncing())
	p.SetSyncing(false)
	assert.False(t, p.IsSyncing())
}

func TestSubscribe_receivesCurrentThenLatest(t *testing.T) {
	counter := &stubCounter{counts: queue.Counts{Unsynced: 1}}
	p := NewProjector(counter)
	require.NoError(t, p.Refresh(context.Background()))

	ch, cancel := p.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, 1, first.PendingCount)

	counter.set(queue.Counts{Unsynced: 2})
	require.NoError(t, p.Refresh(context.Background()))
	counter.set(queue.Counts{Unsynced: 5})
	require.NoError(t, p.Refresh(context.Background()))
	p.SetSyncing(true)

	latest := <-ch
	assert.Equal(t, 5, latest.PendingCount)
	assert.True(t, latest.IsSyncing)
	assert.Len(t, ch, 0)
}

func TestSubscribe_unchangedStateIsNotPublished(t *testing.T) {
	counter := &stubCounter{counts: queue.Counts{Unsynced: 1}}
	p := NewProjector(counter)
	require.NoError(t, p.Refresh(context.Background()))

	ch, cancel := p.Subscribe()
	defer cancel()
	<-ch

	require.NoError(t, p.Refresh(context.Background()))
	assert.Len(t, ch, 0)
}

func TestSubscribe_cancelClosesChannel(t *testing.T) {
	p := NewProjector(&stubCounter{})
	ch, cancel := p.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	p.SetSyncing(true)
}

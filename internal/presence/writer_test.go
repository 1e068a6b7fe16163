package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore records every Put; failures and a gate can be injected
type recordingStore struct {
	mu       sync.Mutex
	puts     []domain.Record
	failures int
	gate     chan struct{}
}

func (s *recordingStore) Put(ctx context.Context, r domain.Record) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New(errors.ErrorTypeStore, "UNAVAILABLE", "store unavailable")
	}
	s.puts = append(s.puts, r)
	return nil
}

func (s *recordingStore) Get(context.Context, string) (domain.Record, error) {
	return domain.Record{}, domain.ErrRecordNotFound
}

func (s *recordingStore) List(context.Context) ([]domain.Record, error) { return nil, nil }

func (s *recordingStore) Subscribe(context.Context, store.Handler) (store.Unsubscribe, error) {
	return func() {}, nil
}

func (s *recordingStore) BulkTransitionOnlineToOffline(context.Context) (int, error) { return 0, nil }

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) statuses(userID string) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Status
	for _, r := range s.puts {
		if r.UserID == userID {
			out = append(out, r.Status)
		}
	}
	return out
}

func rec(id string, status domain.Status) domain.Record {
	return domain.Record{UserID: id, Status: status, LastSeen: time.Now()}
}

func fastOptions() WriterOptions {
	opts := DefaultWriterOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	return opts
}

func TestWriterKeepsPerIdentifierOrder(t *testing.T) {
	st := &recordingStore{}
	w := NewWriter(st, logging.Discard(), metrics.Noop{}, fastOptions())

	w.Enqueue(rec("alice", domain.StatusOnline))
	w.Enqueue(rec("bob", domain.StatusOnline))
	require.NoError(t, w.Drain(context.Background()))

	// writes issued after the first drain are dropped
	w.Enqueue(rec("alice", domain.StatusBusy))

	assert.Equal(t, []domain.Status{domain.StatusOnline}, st.statuses("alice"))
	assert.Equal(t, []domain.Status{domain.StatusOnline}, st.statuses("bob"))
}

func TestWriterCoalescesQueuedRecords(t *testing.T) {
	st := &recordingStore{gate: make(chan struct{})}
	opts := fastOptions()
	opts.Workers = 1
	w := NewWriter(st, logging.Discard(), metrics.Noop{}, opts)

	// the first write blocks on the gate while the rest queue up
	w.Enqueue(rec("alice", domain.StatusOnline))
	require.Eventually(t, func() bool { return w.Pending() == 0 }, time.Second, time.Millisecond)

	w.Enqueue(rec("alice", domain.StatusAway))
	w.Enqueue(rec("bob", domain.StatusOnline))
	w.Enqueue(rec("alice", domain.StatusBusy))
	w.Enqueue(rec("alice", domain.StatusOffline))
	assert.Equal(t, 2, w.Pending())

	close(st.gate)
	require.NoError(t, w.Drain(context.Background()))

	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusOffline}, st.statuses("alice"))
	assert.Equal(t, []domain.Status{domain.StatusOnline}, st.statuses("bob"))
}

func TestWriterRetriesFailedWrites(t *testing.T) {
	st := &recordingStore{failures: 2}
	w := NewWriter(st, logging.Discard(), metrics.Noop{}, fastOptions())

	w.Enqueue(rec("alice", domain.StatusOnline))
	require.NoError(t, w.Drain(context.Background()))

	assert.Equal(t, []domain.Status{domain.StatusOnline}, st.statuses("alice"))
}

func TestWriterGivesUpAfterRetries(t *testing.T) {
	st := &recordingStore{failures: 10}
	opts := fastOptions()
	opts.Retries = 2
	w := NewWriter(st, logging.Discard(), metrics.Noop{}, opts)

	w.Enqueue(rec("alice", domain.StatusOnline))
	w.Enqueue(rec("bob", domain.StatusOnline))
	require.NoError(t, w.Drain(context.Background()))

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.puts)
	assert.Equal(t, 4, st.failures, "three attempts for each record")
}

func TestWriterDrainTimeout(t *testing.T) {
	st := &recordingStore{gate: make(chan struct{})}
	opts := fastOptions()
	opts.Workers = 1
	w := NewWriter(st, logging.Discard(), metrics.Noop{}, opts)

	w.Enqueue(rec("alice", domain.StatusOnline))
	w.Enqueue(rec("bob", domain.StatusOnline))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeTimeout, errors.TypeOf(err))
	assert.Empty(t, st.statuses("alice"))
}

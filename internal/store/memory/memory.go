// Package memory is a process-local Store. Every accepted Put is published
// to all subscribers, so several presence managers sharing one Store see
// each other's writes. Writes carry no origin: a manager also receives its
// own writes back, and discards them because their LastSeen is never newer
// than the record it already holds.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
)

type subscription struct {
	id      string
	handler store.Handler
}

// Store is an in-memory Store
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.Record

	// subsMu is held while handlers run so Unsubscribe can wait them out
	subsMu sync.RWMutex
	subs   []*subscription

	clock  clock.Clock
	closed bool
}

// New creates an empty store
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		records: make(map[string]domain.Record),
		clock:   clk,
	}
}

// Put implements store.Store
func (s *Store) Put(ctx context.Context, r domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	if cur, ok := s.records[r.UserID]; ok && !store.Supersedes(r, cur) {
		s.mu.Unlock()
		return nil
	}
	s.records[r.UserID] = r.Clone()
	s.mu.Unlock()

	s.publish(r)
	return nil
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, userID string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[userID]
	if !ok {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	return r.Clone(), nil
}

// List implements store.Store. Records are ordered by identifier.
func (s *Store) List(ctx context.Context) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Subscribe implements store.Store
func (s *Store) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{id: xid.New().String(), handler: h}

	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(sub.id) })
	}, nil
}

// BulkTransitionOnlineToOffline implements store.Store. The change is not
// published: it runs before any subscriber exists.
func (s *Store) BulkTransitionOnlineToOffline(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.records {
		if r.Status == domain.StatusOffline {
			continue
		}
		s.records[id] = store.Offline(r, now)
		n++
	}
	return n, nil
}

// Close implements store.Store
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.subsMu.Lock()
	s.subs = nil
	s.subsMu.Unlock()
	return nil
}

// Subscribers returns the number of live subscriptions
func (s *Store) Subscribers() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return len(s.subs)
}

func (s *Store) publish(r domain.Record) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for _, sub := range s.subs {
		sub.handler(r.Clone())
	}
}

func (s *Store) unsubscribe(id string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

var _ store.Store = (*Store)(nil)

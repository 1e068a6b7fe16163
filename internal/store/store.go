// Package store defines the durable presence store contract. The in-memory
// presence map is authoritative for serving traffic; a Store is a
// durability sink plus a change feed from other writers.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
)

// ErrClosed is returned by a store after Close
var ErrClosed = errors.New(errors.ErrorTypeStore, "STORE_CLOSED", "store is closed")

// Handler receives records changed by other writers
type Handler func(domain.Record)

// Unsubscribe cancels a subscription. After it returns the handler is never
// invoked again. It is safe to call more than once.
type Unsubscribe func()

// Store is the persistent presence store
type Store interface {
	// Put upserts r unless the stored record has a newer LastSeen
	Put(ctx context.Context, r domain.Record) error

	// Get returns the stored record, or domain.ErrRecordNotFound
	Get(ctx context.Context, userID string) (domain.Record, error)

	// List returns every stored record
	List(ctx context.Context) ([]domain.Record, error)

	// Subscribe registers h for records written by other processes
	Subscribe(ctx context.Context, h Handler) (Unsubscribe, error)

	// BulkTransitionOnlineToOffline forces every record that is not OFFLINE
	// to OFFLINE and returns how many changed
	BulkTransitionOnlineToOffline(ctx context.Context) (int, error)

	// Close releases the store's resources
	Close() error
}

// Change is the change-feed envelope shared by the networked stores.
// Origin identifies the writing process so it can skip its own echoes.
type Change struct {
	Origin string        `json:"origin"`
	Record domain.Record `json:"record"`
}

// EncodeChange serializes a change-feed envelope
func EncodeChange(origin string, r domain.Record) ([]byte, error) {
	return json.Marshal(Change{Origin: origin, Record: r})
}

// DecodeChange parses a change-feed envelope
func DecodeChange(data []byte) (Change, error) {
	var c Change
	err := json.Unmarshal(data, &c)
	return c, err
}

// Supersedes reports whether next may replace current under
// last-write-wins on LastSeen. Equal timestamps overwrite, so repeated puts
// are idempotent.
func Supersedes(next, current domain.Record) bool {
	return !current.LastSeen.After(next.LastSeen)
}

// Offline returns r forced to OFFLINE at the given time
func Offline(r domain.Record, at time.Time) domain.Record {
	out := r.Clone()
	out.Status = domain.StatusOffline
	if at.After(out.LastSeen) {
		out.LastSeen = at
	}
	return out
}

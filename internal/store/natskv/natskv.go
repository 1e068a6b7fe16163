// Package natskv stores presence records in a NATS JetStream key-value
// bucket. The bucket watcher is the change feed.
package natskv

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/nats-io/nats.go"
)

// Config holds the NATS settings
type Config struct {
	URL      string
	User     string
	Password string
	Bucket   string
}

// maxCASAttempts bounds the read-compare-update loop of one Put
const maxCASAttempts = 8

// Store is a JetStream KV backed store.Store. Values are store.Change
// envelopes so watchers can skip their own writes.
type Store struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	origin string
	logger *logging.Logger

	mu     sync.Mutex
	subs   map[*watch]struct{}
	closed bool
}

type watch struct {
	watcher nats.KeyWatcher
	stop    chan struct{}
	done    chan struct{}
}

// New connects to NATS and binds or creates the bucket
func New(ctx context.Context, cfg Config, origin string, logger *logging.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "PRESENCE"
	}

	log := logger.WithFields(map[string]any{"component": "store", "driver": "nats"})

	opts := []nats.Option{
		nats.Name("presenced"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "NATS_UNAVAILABLE", "nats connect")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "NATS_UNAVAILABLE", "jetstream context")
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "NATS_UNAVAILABLE", "bind presence bucket")
	}

	return &Store{
		nc:     nc,
		kv:     kv,
		origin: origin,
		logger: log,
		subs:   make(map[*watch]struct{}),
	}, nil
}

// encodeKey maps an identifier onto the KV key alphabet
func encodeKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// Put implements store.Store with a compare-and-swap on the entry revision
func (s *Store) Put(ctx context.Context, r domain.Record) error {
	data, err := store.EncodeChange(s.origin, r)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "ENCODE_FAILED", "encode change")
	}
	key := encodeKey(r.UserID)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			if _, err = s.kv.Create(key, data); errors.Is(err, nats.ErrKeyExists) {
				continue
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeStore, "PUT_FAILED", "kv create")
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStore, "PUT_FAILED", "kv get")
		}

		if cur, derr := store.DecodeChange(entry.Value()); derr == nil && !store.Supersedes(r, cur.Record) {
			return nil
		}

		_, err = s.kv.Update(key, data, entry.Revision())
		if errors.Is(err, nats.ErrKeyExists) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStore, "PUT_FAILED", "kv update")
		}
		return nil
	}
	return errors.New(errors.ErrorTypeStore, "PUT_CONTENDED", "kv update kept losing the revision race")
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, userID string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}

	entry, err := s.kv.Get(encodeKey(userID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Record{}, errors.Wrap(err, errors.ErrorTypeStore, "GET_FAILED", "kv get")
	}

	change, err := store.DecodeChange(entry.Value())
	if err != nil {
		return domain.Record{}, errors.Wrap(err, errors.ErrorTypeStore, "DECODE_FAILED", "decode record")
	}
	return change.Record, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context) ([]domain.Record, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "LIST_FAILED", "kv keys")
	}

	out := make([]domain.Record, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := s.kv.Get(key)
		if err != nil {
			continue
		}
		change, err := store.DecodeChange(entry.Value())
		if err != nil {
			s.logger.Warn("skipping undecodable record", "key", key, "error", err)
			continue
		}
		out = append(out, change.Record)
	}
	return out, nil
}

// Subscribe implements store.Store
func (s *Store) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.mu.Unlock()

	watcher, err := s.kv.WatchAll(nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "SUBSCRIBE_FAILED", "kv watch")
	}

	w := &watch{watcher: watcher, stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.subs[w] = struct{}{}
	s.mu.Unlock()

	go s.consume(w, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, w)
			s.mu.Unlock()
			w.close()
		})
	}, nil
}

func (s *Store) consume(w *watch, h store.Handler) {
	defer close(w.done)

	updates := w.watcher.Updates()
	for {
		select {
		case <-w.stop:
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			if entry == nil || entry.Operation() != nats.KeyValuePut {
				continue
			}
			change, err := store.DecodeChange(entry.Value())
			if err != nil {
				s.logger.Warn("dropping malformed change", "key", entry.Key(), "error", err)
				continue
			}
			if change.Origin == s.origin {
				continue
			}
			h(change.Record)
		}
	}
}

func (w *watch) close() {
	close(w.stop)
	<-w.done
	_ = w.watcher.Stop()
}

// BulkTransitionOnlineToOffline implements store.Store
func (s *Store) BulkTransitionOnlineToOffline(ctx context.Context) (int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, r := range records {
		if r.Status == domain.StatusOffline {
			continue
		}
		if err := s.Put(ctx, store.Offline(r, now)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close implements store.Store
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for w := range subs {
		w.close()
	}
	s.nc.Close()
	return nil
}

// HealthCheck reports the connection status
func (s *Store) HealthCheck(context.Context) error {
	if !s.nc.IsConnected() {
		return errors.New(errors.ErrorTypeStore, "NATS_DISCONNECTED", "nats connection is "+s.nc.Status().String())
	}
	return nil
}

var _ store.Store = (*Store)(nil)

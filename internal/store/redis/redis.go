// Package redis stores presence records in Redis hashes and publishes every
// accepted write on a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	Channel      string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// putScript writes the record unless the stored one is newer, indexes the
// id and publishes the change, atomically.
//
// KEYS[1] record hash, KEYS[2] id set
// ARGV[1] last-seen in unix micros, ARGV[2] record JSON, ARGV[3] user id,
// ARGV[4] channel, ARGV[5] change envelope
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if ARGV[4] ~= '' then
  redis.call('PUBLISH', ARGV[4], ARGV[5])
end
return 1
`)

// Store is a Redis backed store.Store
type Store struct {
	client *redis.Client
	config Config
	origin string
	logger *logging.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, origin string, logger *logging.Logger) (*Store, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "presence:"
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.KeyPrefix + "changes"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "REDIS_UNAVAILABLE", "redis ping failed")
	}

	return NewWithClient(client, cfg, origin, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, cfg Config, origin string, logger *logging.Logger) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "presence:"
	}
	if cfg.Channel == "" {
		cfg.Channel = cfg.KeyPrefix + "changes"
	}
	return &Store{
		client: client,
		config: cfg,
		origin: origin,
		logger: logger.WithFields(map[string]any{"component": "store", "driver": "redis"}),
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (s *Store) recordKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Store) indexKey() string {
	return s.config.KeyPrefix + "ids"
}

// Put implements store.Store
func (s *Store) Put(ctx context.Context, r domain.Record) error {
	return s.put(ctx, r, s.config.Channel)
}

func (s *Store) put(ctx context.Context, r domain.Record, channel string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "ENCODE_FAILED", "encode record")
	}
	change, err := store.EncodeChange(s.origin, r)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "ENCODE_FAILED", "encode change")
	}

	keys := []string{s.recordKey(r.UserID), s.indexKey()}
	args := []any{r.LastSeen.UnixMicro(), data, r.UserID, channel, change}
	if err := putScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "PUT_FAILED", "redis put")
	}
	return nil
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, userID string) (domain.Record, error) {
	data, err := s.client.HGet(ctx, s.recordKey(userID), "data").Bytes()
	if err == redis.Nil {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Record{}, errors.Wrap(err, errors.ErrorTypeStore, "GET_FAILED", "redis get")
	}

	var r domain.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Record{}, errors.Wrap(err, errors.ErrorTypeStore, "DECODE_FAILED", "decode record")
	}
	return r, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context) ([]domain.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "LIST_FAILED", "redis smembers")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.recordKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "LIST_FAILED", "redis pipeline")
	}

	out := make([]domain.Record, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var r domain.Record
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("skipping undecodable record", "user_id", ids[i], "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Subscribe implements store.Store. Changes written by this store's own
// origin are skipped.
func (s *Store) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	s.mu.Unlock()

	pubsub := s.client.Subscribe(ctx, s.config.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "SUBSCRIBE_FAILED", "redis subscribe")
	}

	s.mu.Lock()
	s.subs[pubsub] = struct{}{}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			change, err := store.DecodeChange([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("dropping malformed change", "error", err)
				continue
			}
			if change.Origin == s.origin {
				continue
			}
			h(change.Record)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, pubsub)
			s.mu.Unlock()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// BulkTransitionOnlineToOffline implements store.Store. The writes are not
// published.
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
		if err := s.put(ctx, store.Offline(r, now), ""); err != nil {
			return n, fmt.Errorf("transition %s: %w", r.UserID, err)
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

	for pubsub := range subs {
		_ = pubsub.Close()
	}
	return s.client.Close()
}

// HealthCheck pings Redis
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ store.Store = (*Store)(nil)

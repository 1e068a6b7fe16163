// Package postgres stores presence records in PostgreSQL and uses
// LISTEN/NOTIFY as the change feed.
package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the PostgreSQL settings
type Config struct {
	DSN      string
	Channel  string
	MaxConns int32
	// TraceSQL logs every statement at debug level
	TraceSQL bool
}

const schema = `CREATE TABLE IF NOT EXISTS presence_records (
	user_id   TEXT PRIMARY KEY,
	status    TEXT NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	metadata  JSONB NOT NULL DEFAULT '{}'::jsonb,
	origin    TEXT NOT NULL DEFAULT ''
)`

// The upsert only wins when the stored row is not newer; pg_notify runs
// only for rows that were actually written.
const putQuery = `WITH up AS (
	INSERT INTO presence_records (user_id, status, last_seen, metadata, origin)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (user_id) DO UPDATE
	SET status = EXCLUDED.status,
	    last_seen = EXCLUDED.last_seen,
	    metadata = EXCLUDED.metadata,
	    origin = EXCLUDED.origin
	WHERE presence_records.last_seen <= EXCLUDED.last_seen
	RETURNING user_id
)
SELECT pg_notify($6, $7) FROM up`

const selectColumns = `SELECT user_id, status, last_seen, metadata FROM presence_records`

// Store is a PostgreSQL backed store.Store
type Store struct {
	pool    *pgxpool.Pool
	channel string
	origin  string
	logger  *logging.Logger

	mu     sync.Mutex
	cancel map[*subscription]struct{}
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New opens a pool, verifies it and creates the table
func New(ctx context.Context, cfg Config, origin string, logger *logging.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_DSN", "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.TraceSQL {
		poolCfg.ConnConfig.Tracer = newTracer(logger)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "POSTGRES_UNAVAILABLE", "open postgres pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "POSTGRES_UNAVAILABLE", "postgres ping failed")
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "MIGRATE_FAILED", "create presence table")
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "presence_changes"
	}

	return &Store{
		pool:    pool,
		channel: channel,
		origin:  origin,
		logger:  logger.WithFields(map[string]any{"component": "store", "driver": "postgres"}),
		cancel:  make(map[*subscription]struct{}),
	}, nil
}

// Put implements store.Store
func (s *Store) Put(ctx context.Context, r domain.Record) error {
	metadata, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	change, err := store.EncodeChange(s.origin, r)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "ENCODE_FAILED", "encode change")
	}

	_, err = s.pool.Exec(ctx, putQuery,
		r.UserID, string(r.Status), r.LastSeen, metadata, s.origin, s.channel, string(change))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStore, "PUT_FAILED", "postgres upsert")
	}
	return nil
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, userID string) (domain.Record, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE user_id = $1`, userID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.Record{}, errors.Wrap(err, errors.ErrorTypeStore, "GET_FAILED", "postgres select")
	}
	return r, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` ORDER BY user_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "LIST_FAILED", "postgres select")
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStore, "LIST_FAILED", "postgres scan")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "LIST_FAILED", "postgres rows")
	}
	return out, nil
}

// Subscribe implements store.Store. One pooled connection is held for the
// LISTEN until the subscription is cancelled.
func (s *Store) Subscribe(ctx context.Context, h store.Handler) (store.Unsubscribe, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "SUBSCRIBE_FAILED", "acquire listen connection")
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "SUBSCRIBE_FAILED", "postgres listen")
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.cancel[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		defer func() {
			// the connection is mid-wait when cancelled; drop it from the pool
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					s.logger.Error("listen connection lost", "error", err)
				}
				return
			}
			change, err := store.DecodeChange([]byte(n.Payload))
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
			delete(s.cancel, sub)
			s.mu.Unlock()
			sub.cancel()
			<-sub.done
		})
	}, nil
}

// BulkTransitionOnlineToOffline implements store.Store
func (s *Store) BulkTransitionOnlineToOffline(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE presence_records
		 SET status = $1, last_seen = GREATEST(last_seen, now()), origin = $2
		 WHERE status <> $1`,
		string(domain.StatusOffline), s.origin)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStore, "RECONCILE_FAILED", "postgres bulk offline")
	}
	return int(tag.RowsAffected()), nil
}

// Close implements store.Store
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.cancel
	s.cancel = make(map[*subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.cancel()
		<-sub.done
	}
	s.pool.Close()
	return nil
}

// HealthCheck pings the pool
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		r        domain.Record
		status   string
		metadata []byte
	)
	if err := row.Scan(&r.UserID, &status, &r.LastSeen, &metadata); err != nil {
		return domain.Record{}, err
	}
	r.Status = domain.Status(status)
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return domain.Record{}, err
		}
	}
	return r, nil
}

func encodeMetadata(m domain.Metadata) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStore, "ENCODE_FAILED", "encode metadata")
	}
	return data, nil
}

var _ store.Store = (*Store)(nil)

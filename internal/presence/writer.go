package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/cenkalti/backoff/v4"
)

// WriterOptions configures the persistence writer
type WriterOptions struct {
	Workers int
	Retries int
	// Timeout bounds a single store call
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultWriterOptions returns the default writer options
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Workers:        4,
		Retries:        3,
		Timeout:        5 * time.Second,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Writer persists records off the event loop. Identifiers are hashed onto
// shards; each shard is a FIFO served by one worker, so writes for one
// identifier are issued in the order they were enqueued. A record still
// waiting in the queue is replaced by a newer one for the same identifier,
// so intermediate states may never reach the store: ordering holds for the
// writes that are issued, not for every transition.
type Writer struct {
	store   store.Store
	shards  []*shard
	options WriterOptions
	logger  *logging.Logger
	metrics metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type shard struct {
	mu      sync.Mutex
	queue   []string
	pending map[string]domain.Record
	closed  bool
	wake    chan struct{}
}

// NewWriter creates a writer and starts its workers
func NewWriter(s store.Store, logger *logging.Logger, recorder metrics.Recorder, options WriterOptions) *Writer {
	defaults := DefaultWriterOptions()
	if options.Workers <= 0 {
		options.Workers = defaults.Workers
	}
	if options.Retries < 0 {
		options.Retries = 0
	}
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	if options.InitialBackoff <= 0 {
		options.InitialBackoff = defaults.InitialBackoff
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = defaults.MaxBackoff
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:   s,
		shards:  make([]*shard, options.Workers),
		options: options,
		logger:  logger.WithFields(map[string]any{"component": "writer"}),
		metrics: recorder,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range w.shards {
		w.shards[i] = &shard{
			pending: make(map[string]domain.Record),
			wake:    make(chan struct{}, 1),
		}
		w.wg.Add(1)
		go w.work(w.shards[i])
	}
	return w
}

// Enqueue schedules r for persistence. It never blocks.
func (w *Writer) Enqueue(r domain.Record) {
	sh := w.shardFor(r.UserID)

	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		w.logger.Warn("writer closed, dropping record", "user_id", r.UserID)
		w.metrics.StoreError("put_dropped")
		return
	}
	if _, queued := sh.pending[r.UserID]; !queued {
		sh.queue = append(sh.queue, r.UserID)
	}
	sh.pending[r.UserID] = r.Clone()
	sh.mu.Unlock()

	select {
	case sh.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of records waiting to be written
func (w *Writer) Pending() int {
	n := 0
	for _, sh := range w.shards {
		sh.mu.Lock()
		n += len(sh.queue)
		sh.mu.Unlock()
	}
	return n
}

// Drain stops accepting records and waits for the queued ones to be
// written. When ctx expires first, in-flight retries are abandoned and the
// remaining records are dropped.
func (w *Writer) Drain(ctx context.Context) error {
	w.once.Do(func() {
		for _, sh := range w.shards {
			sh.mu.Lock()
			sh.closed = true
			sh.mu.Unlock()
			select {
			case sh.wake <- struct{}{}:
			default:
			}
		}
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		dropped := w.Pending()
		w.cancel()
		<-done
		w.logger.Error("writer drain timed out", "dropped", dropped)
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "DRAIN_TIMEOUT", "persistence writer did not drain")
	}
}

func (w *Writer) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return w.shards[h.Sum32()%uint32(len(w.shards))]
}

func (w *Writer) work(sh *shard) {
	defer w.wg.Done()

	for {
		sh.mu.Lock()
		if len(sh.queue) == 0 {
			closed := sh.closed
			sh.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-sh.wake:
			case <-w.ctx.Done():
				return
			}
			continue
		}
		id := sh.queue[0]
		sh.queue = sh.queue[1:]
		r := sh.pending[id]
		delete(sh.pending, id)
		sh.mu.Unlock()

		if w.ctx.Err() != nil {
			continue
		}
		w.write(r)
	}
}

func (w *Writer) write(r domain.Record) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.options.InitialBackoff
	b.MaxInterval = w.options.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.options.Retries)), w.ctx)

	op := func() error {
		ctx, cancel := context.WithTimeout(w.ctx, w.options.Timeout)
		defer cancel()

		start := time.Now()
		err := w.store.Put(ctx, r)
		w.metrics.StoreLatency("put", time.Since(start))
		if err != nil && errors.TypeOf(err) == errors.ErrorTypeValidation {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		w.metrics.StoreError("put")
		w.logger.Warn("store write failed, retrying",
			"user_id", r.UserID,
			"error", err,
			"retry_in", next,
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		w.metrics.StoreError("put")
		w.logger.Error("store write abandoned",
			"user_id", r.UserID,
			"status", r.Status,
			"error", err,
		)
	}
}

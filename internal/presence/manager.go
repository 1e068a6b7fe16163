package presence

import (
	"context"
	"sort"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/registry"
	"github.com/HMasataka/presence/internal/store"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/benbjohnson/clock"
)

// Connections is the part of the registry the manager reads and sends through
type Connections interface {
	ConnectionCount(identifier string) int
	Send(c *registry.Conn, payload []byte) error
	Broadcast(payload []byte, excludeIdentifier string) (delivered, failed int)
}

// Scheduler runs functions on the event loop
type Scheduler interface {
	Post(name string, fn func()) error
	Call(ctx context.Context, name string, fn func()) error
}

// Options holds the manager's collaborators
type Options struct {
	Connections Connections
	Store       store.Store
	Writer      *Writer
	Scheduler   Scheduler
	Clock       clock.Clock
	Logger      *logging.Logger
	Metrics     metrics.Recorder
}

// Manager owns the identifier to Presence Record map. Every method except
// Start and Stop must run on the event loop.
type Manager struct {
	records     map[string]domain.Record
	conns       Connections
	store       store.Store
	writer      *Writer
	loop        Scheduler
	clock       clock.Clock
	logger      *logging.Logger
	metrics     metrics.Recorder
	unsubscribe store.Unsubscribe
}

// New creates a new manager
func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	return &Manager{
		records: make(map[string]domain.Record),
		conns:   opts.Connections,
		store:   opts.Store,
		writer:  opts.Writer,
		loop:    opts.Scheduler,
		clock:   opts.Clock,
		logger:  opts.Logger.WithFields(map[string]any{"component": "presence"}),
		metrics: opts.Metrics,
	}
}

// Start reconciles stale records left by a previous process, loads the
// stored records and subscribes to the store's change feed. The loop must
// already be running. Store failures are logged and do not prevent startup.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.store.BulkTransitionOnlineToOffline(ctx)
	if err != nil {
		m.metrics.StoreError("reconcile")
		m.logger.Error("startup reconciliation failed", "error", err)
	} else {
		m.logger.Info("startup reconciliation done", "transitioned", n)
	}

	records, err := m.store.List(ctx)
	if err != nil {
		m.metrics.StoreError("list")
		m.logger.Error("loading stored records failed", "error", err)
	}
	if len(records) > 0 {
		if err := m.loop.Call(ctx, "presence.load", func() { m.load(records) }); err != nil {
			return err
		}
	}

	unsubscribe, err := m.store.Subscribe(ctx, func(r domain.Record) {
		if err := m.loop.Post("presence.remote", func() { m.applyRemote(r) }); err != nil {
			m.logger.Debug("dropping remote change after stop", "user_id", r.UserID)
		}
	})
	if err != nil {
		m.metrics.StoreError("subscribe")
		m.logger.Error("change feed subscription failed", "error", err)
	} else {
		m.unsubscribe = unsubscribe
	}

	m.logger.Info("presence manager started", "records", len(records))
	return nil
}

// Stop cancels the change feed and drains pending writes
func (m *Manager) Stop(ctx context.Context) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	return m.writer.Drain(ctx)
}

// load merges stored records into the map. Any identifier that already has
// a live connection keeps its local record.
func (m *Manager) load(records []domain.Record) {
	for _, r := range records {
		if _, ok := m.records[r.UserID]; ok {
			continue
		}
		if m.conns.ConnectionCount(r.UserID) == 0 {
			r.Status = domain.StatusOffline
		}
		m.records[r.UserID] = r.Clone()
	}
}

// OnConnect implements registry.Observer. The new connection gets a CONNECT
// confirmation and a snapshot of every other active record. On the first
// connection of an identifier its record is reset to ONLINE, persisted and
// broadcast to every connection.
func (m *Manager) OnConnect(c *registry.Conn) {
	id := c.Identifier()
	first := m.conns.ConnectionCount(id) == 1

	rec, ok := m.records[id]
	if first || !ok {
		rec = domain.Record{
			UserID:   id,
			Status:   domain.StatusOnline,
			LastSeen: m.clock.Now(),
		}
		m.commit(rec)
	}

	m.send(c, domain.NewPresenceMessage(domain.MessageTypeConnect, rec))
	for _, other := range m.sorted() {
		if other.UserID == id || !other.Active() {
			continue
		}
		m.send(c, domain.NewPresenceMessage(domain.MessageTypePresenceUpdate, other))
	}

	if first || !ok {
		m.broadcast(rec)
	}
}

// OnDisconnect implements registry.Observer. It runs only once the
// identifier's last connection is gone.
func (m *Manager) OnDisconnect(identifier string) {
	rec, ok := m.records[identifier]
	if !ok {
		rec = domain.Record{UserID: identifier}
	}
	rec = rec.Clone()
	rec.Status = domain.StatusOffline
	rec.LastSeen = m.clock.Now()

	m.commit(rec)
	m.broadcast(rec)
}

// UpdateStatus applies an explicit status change from a live connection.
// It is a no-op, and returns false, when the identifier has no live
// connection or the metadata patch is invalid.
func (m *Manager) UpdateStatus(identifier string, status domain.Status, patch domain.MetadataPatch) bool {
	if m.conns.ConnectionCount(identifier) == 0 {
		m.metrics.MessageDropped("no_live_connection")
		m.logger.Debug("ignoring update without live connection", "user_id", identifier)
		return false
	}
	if !status.Valid() {
		m.metrics.MessageDropped("invalid_status")
		return false
	}

	rec, ok := m.records[identifier]
	if !ok {
		rec = domain.Record{UserID: identifier}
	}

	merged, err := rec.Metadata.Merge(patch)
	if err != nil {
		m.metrics.MessageDropped("invalid_metadata")
		m.logger.Debug("ignoring update with invalid metadata", "user_id", identifier, "error", err)
		return false
	}

	rec = domain.Record{
		UserID:   identifier,
		Status:   status,
		LastSeen: m.clock.Now(),
		Metadata: merged,
	}
	m.commit(rec)
	m.broadcast(rec)
	return true
}

// Query returns the record for identifier
func (m *Manager) Query(identifier string) (domain.Record, bool) {
	r, ok := m.records[identifier]
	if !ok {
		return domain.Record{}, false
	}
	return r.Clone(), true
}

// QueryAll returns every record ordered by identifier
func (m *Manager) QueryAll() []domain.Record {
	out := m.sorted()
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}

// CountByStatus returns the number of records per status
func (m *Manager) CountByStatus() map[domain.Status]int {
	counts := make(map[domain.Status]int, len(domain.Statuses))
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts
}

// applyRemote merges a record written by another process. Only newer
// records are applied, and the local connection count decides between
// OFFLINE and a live status.
func (m *Manager) applyRemote(r domain.Record) {
	local, ok := m.records[r.UserID]
	if ok && !r.LastSeen.After(local.LastSeen) {
		return
	}

	next := r.Clone()
	live := m.conns.ConnectionCount(r.UserID) > 0
	switch {
	case !live:
		next.Status = domain.StatusOffline
	case next.Status == domain.StatusOffline && ok:
		next.Status = local.Status
	case next.Status == domain.StatusOffline:
		next.Status = domain.StatusOnline
	}

	m.records[r.UserID] = next

	if ok && local.Status == next.Status && local.Metadata.Equal(next.Metadata) {
		return
	}
	m.metrics.PresenceChanged(next.Status)
	m.logger.Debug("applied remote change", "user_id", r.UserID, "status", next.Status)
	m.broadcast(next)
}

// commit updates the map synchronously and hands the record to the writer
func (m *Manager) commit(r domain.Record) {
	m.records[r.UserID] = r
	m.writer.Enqueue(r)
	m.metrics.PresenceChanged(r.Status)
	m.logger.Debug("presence changed", "user_id", r.UserID, "status", r.Status)
}

func (m *Manager) broadcast(r domain.Record) {
	payload, err := domain.NewPresenceMessage(domain.MessageTypePresenceUpdate, r).Marshal()
	if err != nil {
		m.metrics.Fault("presence_marshal")
		m.logger.Error("failed to encode presence update", "user_id", r.UserID, "error", err)
		return
	}
	m.conns.Broadcast(payload, "")
}

func (m *Manager) send(c *registry.Conn, msg domain.Message) {
	payload, err := msg.Marshal()
	if err != nil {
		m.metrics.Fault("presence_marshal")
		m.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return
	}
	if err := m.conns.Send(c, payload); err != nil {
		m.logger.Debug("send failed", "conn_id", c.ID(), "error", err)
	}
}

func (m *Manager) sorted() []domain.Record {
	out := make([]domain.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

var _ registry.Observer = (*Manager)(nil)

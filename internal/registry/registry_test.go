package registry

import (
	"testing"
	"time"

	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/internal/metrics"
	"github.com/HMasataka/presence/internal/transport/fake"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/HMasataka/presence/pkg/errors"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	connects    []string
	disconnects []string
}

func (o *recordingObserver) OnConnect(c *Conn) {
	o.connects = append(o.connects, c.Identifier())
}

func (o *recordingObserver) OnDisconnect(identifier string) {
	o.disconnects = append(o.disconnects, identifier)
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clock.Mock, *recordingObserver) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(logging.Discard(), metrics.Noop{}, clk, opts)
	obs := &recordingObserver{}
	r.SetObserver(obs)
	return r, clk, obs
}

func TestAcceptRejectsEmptyIdentifier(t *testing.T) {
	r, _, obs := newTestRegistry(t, DefaultOptions())

	c, err := r.Accept("", fake.New(), "")

	assert.Nil(t, c)
	assert.ErrorIs(t, err, domain.ErrMissingIdentifier)
	assert.Equal(t, domain.CloseProtocolError, domain.CloseCodeFor(err))
	assert.Zero(t, r.Len())
	assert.Zero(t, r.IdentifierCount())
	assert.Empty(t, obs.connects)
}

func TestAcceptEnforcesCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConnectionsPerIdentifier = 2
	r, _, obs := newTestRegistry(t, opts)

	_, err := r.Accept("alice", fake.New(), "web")
	require.NoError(t, err)
	_, err = r.Accept("alice", fake.New(), "web")
	require.NoError(t, err)

	c, err := r.Accept("alice", fake.New(), "web")
	assert.Nil(t, c)
	assert.ErrorIs(t, err, domain.ErrConnectionLimit)
	assert.Equal(t, domain.ClosePolicyViolation, domain.CloseCodeFor(err))
	assert.Equal(t, 2, r.ConnectionCount("alice"))

	// other identifiers are unaffected
	_, err = r.Accept("bob", fake.New(), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "alice", "bob"}, obs.connects)
}

func TestAcceptInitializesConnection(t *testing.T) {
	r, clk, _ := newTestRegistry(t, DefaultOptions())

	tr := fake.New()
	c, err := r.Accept("alice", tr, "ios")
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "alice", c.Identifier())
	assert.Equal(t, "ios", c.ClientType())
	assert.Equal(t, clk.Now(), c.CreatedAt())
	assert.Equal(t, Alive, c.Liveness())
	assert.Same(t, tr, c.Transport())
	assert.False(t, c.Released())
}

func TestReleaseRemovesKeyOnLastConnection(t *testing.T) {
	r, _, obs := newTestRegistry(t, DefaultOptions())

	first, err := r.Accept("alice", fake.New(), "")
	require.NoError(t, err)
	second, err := r.Accept("alice", fake.New(), "")
	require.NoError(t, err)

	r.Release(first, domain.CloseNormal)
	assert.Equal(t, 1, r.ConnectionCount("alice"))
	assert.Equal(t, 1, r.IdentifierCount())
	assert.Empty(t, obs.disconnects, "sibling still open")

	r.Release(second, domain.CloseNormal)
	assert.Zero(t, r.ConnectionCount("alice"))
	assert.Zero(t, r.IdentifierCount())
	assert.Nil(t, r.Connections("alice"))
	assert.Equal(t, []string{"alice"}, obs.disconnects)
}

func TestReleaseIsIdempotent(t *testing.T) {
	r, _, obs := newTestRegistry(t, DefaultOptions())

	c, err := r.Accept("alice", fake.New(), "")
	require.NoError(t, err)
	_, err = r.Accept("bob", fake.New(), "")
	require.NoError(t, err)

	r.Release(c, domain.CloseNormal)
	r.Release(c, domain.CloseNormal)
	r.Close(c, domain.CloseNormal, "again")

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"alice"}, obs.disconnects)
	assert.True(t, c.Released())
}

func TestBroadcastExcludesIdentifierAndIsolatesFailures(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultOptions())

	alice := fake.New()
	bob1 := fake.New()
	bob2 := fake.New()
	carol := fake.New()
	for tr, id := range map[*fake.Transport]string{alice: "alice", bob1: "bob", bob2: "bob", carol: "carol"} {
		_, err := r.Accept(id, tr, "")
		require.NoError(t, err)
	}
	bob1.FailSends(errors.New(errors.ErrorTypeTransport, "BROKEN", "broken pipe"))

	delivered, failed := r.Broadcast([]byte(`{"type":"HEARTBEAT_ACK"}`), "")
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 1, failed)
	assert.Len(t, alice.Messages(), 1)
	assert.Len(t, bob2.Messages(), 1)
	assert.Len(t, carol.Messages(), 1)

	delivered, failed = r.Broadcast([]byte(`{"type":"HEARTBEAT_ACK"}`), "bob")
	assert.Equal(t, 2, delivered)
	assert.Zero(t, failed)
	assert.Len(t, bob2.Messages(), 1)
	assert.Len(t, alice.Messages(), 2)
}

func TestSweepTerminatesSilentConnections(t *testing.T) {
	r, _, obs := newTestRegistry(t, DefaultOptions())

	silentTr := fake.New()
	silent, err := r.Accept("alice", silentTr, "")
	require.NoError(t, err)
	chattyTr := fake.New()
	chatty, err := r.Accept("bob", chattyTr, "")
	require.NoError(t, err)

	probed, terminated := r.Sweep()
	assert.Equal(t, 2, probed)
	assert.Zero(t, terminated)
	assert.Equal(t, AwaitingResponse, silent.Liveness())
	assert.Equal(t, 1, silentTr.Pings())

	r.MarkAlive(chatty)
	assert.Equal(t, Alive, chatty.Liveness())

	probed, terminated = r.Sweep()
	assert.Equal(t, 1, probed)
	assert.Equal(t, 1, terminated)

	closed, code := silentTr.Closed()
	assert.True(t, closed)
	assert.Equal(t, domain.CloseAbnormal, code)
	assert.True(t, silent.Released())
	assert.Equal(t, []string{"alice"}, obs.disconnects)

	closed, _ = chattyTr.Closed()
	assert.False(t, closed)
	assert.Equal(t, 2, chattyTr.Pings())
}

func TestSweepProbesEvenWhenPingFails(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultOptions())

	tr := fake.New()
	tr.FailPings(domain.ErrSendBufferFull)
	c, err := r.Accept("alice", tr, "")
	require.NoError(t, err)

	r.Sweep()
	assert.Equal(t, AwaitingResponse, c.Liveness())

	_, terminated := r.Sweep()
	assert.Equal(t, 1, terminated)
}

func TestAllowMessageFixedWindow(t *testing.T) {
	r, clk, _ := newTestRegistry(t, DefaultOptions())

	c, err := r.Accept("alice", fake.New(), "")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, r.AllowMessage(c), "message %d", i+1)
	}
	err = r.AllowMessage(c)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.ClosePolicyViolation, domain.CloseCodeFor(err))

	clk.Add(time.Second)
	assert.NoError(t, r.AllowMessage(c), "a new window starts fresh")
}

func TestAllowMessageWindowResetsBeforeLimit(t *testing.T) {
	r, clk, _ := newTestRegistry(t, DefaultOptions())

	c, err := r.Accept("alice", fake.New(), "")
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		require.NoError(t, r.AllowMessage(c))
	}
	clk.Add(999 * time.Millisecond)
	for i := 0; i < 40; i++ {
		require.NoError(t, r.AllowMessage(c))
	}
	assert.Error(t, r.AllowMessage(c))

	clk.Add(time.Millisecond)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.AllowMessage(c))
	}
}

func TestCheckSize(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxMessageSize = 10
	r, _, _ := newTestRegistry(t, opts)

	assert.NoError(t, r.CheckSize(10))
	err := r.CheckSize(11)
	assert.ErrorIs(t, err, domain.ErrMessageTooLarge)
	assert.Equal(t, domain.ClosePolicyViolation, domain.CloseCodeFor(err))
}

func TestViolateSendsErrorThenCloses(t *testing.T) {
	r, _, obs := newTestRegistry(t, DefaultOptions())

	tr := fake.New()
	c, err := r.Accept("alice", tr, "")
	require.NoError(t, err)

	r.Violate(c, domain.ErrRateLimited.WithDetails("101 messages"))

	msgs := tr.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageTypeError, msgs[0].Type)
	require.NotNil(t, msgs[0].Payload)
	assert.Equal(t, "RATE_LIMITED", msgs[0].Payload.Code)

	closed, code := tr.Closed()
	assert.True(t, closed)
	assert.Equal(t, domain.ClosePolicyViolation, code)
	assert.True(t, c.Released())
	assert.Equal(t, []string{"alice"}, obs.disconnects)
}

func TestCloseAll(t *testing.T) {
	r, _, obs := newTestRegistry(t, DefaultOptions())

	trs := []*fake.Transport{fake.New(), fake.New(), fake.New()}
	for i, id := range []string{"alice", "alice", "bob"} {
		_, err := r.Accept(id, trs[i], "")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, r.CloseAll(domain.CloseNormal, "shutdown"))
	assert.Zero(t, r.Len())
	assert.ElementsMatch(t, []string{"alice", "bob"}, obs.disconnects)
	for _, tr := range trs {
		closed, code := tr.Closed()
		assert.True(t, closed)
		assert.Equal(t, domain.CloseNormal, code)
	}
}

func TestSendOnReleasedConnection(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultOptions())

	c, err := r.Accept("alice", fake.New(), "")
	require.NoError(t, err)
	require.NoError(t, r.Send(c, []byte(`{}`)))

	r.Release(c, domain.CloseNormal)
	assert.ErrorIs(t, r.Send(c, []byte(`{}`)), domain.ErrConnectionClosed)
}

package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/HMasataka/presence/internal/config"
	"github.com/HMasataka/presence/internal/logging"
	"github.com/HMasataka/presence/pkg/client"
	"github.com/HMasataka/presence/pkg/domain"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type running struct {
	app     *App
	baseURL string
	wsURL   string
	cancel  context.CancelFunc
	done    chan error
}

func startApp(t *testing.T) *running {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Store.Driver = config.DriverMemory

	a, err := newApp(context.Background(), cfg, logging.Discard(), clock.New())
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		app:     a,
		baseURL: "http://" + l.Addr().String(),
		wsURL:   "ws://" + l.Addr().String() + "/ws",
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { r.done <- a.Serve(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, a.Ready, 2*time.Second, 10*time.Millisecond)
	return r
}

func (r *running) dial(t *testing.T, userID string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), r.wsURL, userID, client.DefaultOptions())
	require.NoError(t, err)
	return c
}

func (r *running) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(r.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

// waitFor reads frames until one matches
func waitFor(t *testing.T, c *client.Client, match func(domain.Message) bool) domain.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-c.Events():
			require.True(t, ok, "connection ended while waiting")
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatal("timed out waiting for a frame")
		}
	}
}

func presenceOf(userID string, status domain.Status) func(domain.Message) bool {
	return func(m domain.Message) bool {
		return m.Type == domain.MessageTypePresenceUpdate && m.UserID == userID &&
			m.Payload != nil && m.Payload.Status == status
	}
}

func TestEndToEnd(t *testing.T) {
	r := startApp(t)

	alice := r.dial(t, "alice")
	first := waitFor(t, alice, func(m domain.Message) bool { return true })
	assert.Equal(t, domain.MessageTypeConnect, first.Type)
	assert.Equal(t, "alice", first.UserID)

	bob := r.dial(t, "bob")
	assert.Equal(t, domain.MessageTypeConnect, waitFor(t, bob, func(domain.Message) bool { return true }).Type)
	waitFor(t, bob, presenceOf("alice", domain.StatusOnline))
	waitFor(t, alice, presenceOf("bob", domain.StatusOnline))

	device := domain.StringValue("phone")
	require.NoError(t, bob.UpdateStatus(domain.StatusBusy, domain.MetadataPatch{"device": &device}))
	update := waitFor(t, alice, presenceOf("bob", domain.StatusBusy))
	assert.Contains(t, update.Payload.Metadata, "device")

	require.NoError(t, bob.Heartbeat())
	ack := waitFor(t, bob, func(m domain.Message) bool { return m.Type == domain.MessageTypeHeartbeatAck })
	assert.Equal(t, "bob", ack.UserID)

	code, body := r.get(t, "/v1/presence/bob")
	require.Equal(t, http.StatusOK, code)
	var record map[string]any
	require.NoError(t, json.Unmarshal(body, &record))
	assert.Equal(t, "busy", record["status"])
	assert.Equal(t, map[string]any{"device": "phone"}, record["metadata"])

	code, _ = r.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	code, body = r.get(t, "/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "presence_connections_accepted_total")

	require.NoError(t, bob.Disconnect())
	select {
	case <-bob.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bob was not disconnected")
	}
	closeCode, _ := bob.CloseStatus()
	assert.Equal(t, domain.CloseNormal, closeCode)
	waitFor(t, alice, presenceOf("bob", domain.StatusOffline))

	assert.Eventually(t, func() bool {
		stored, err := r.app.store.Get(context.Background(), "bob")
		return err == nil && stored.Status == domain.StatusOffline
	}, 3*time.Second, 10*time.Millisecond, "the offline transition is persisted")

	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	r.done <- nil

	select {
	case <-alice.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("alice was not closed on shutdown")
	}
	closeCode, reason := alice.CloseStatus()
	assert.Equal(t, domain.CloseNormal, closeCode)
	assert.Equal(t, "server shutdown", reason)
	assert.False(t, r.app.Ready())
}

func TestConnectionCapOverWebSocket(t *testing.T) {
	r := startApp(t)

	var clients []*client.Client
	for i := 0; i < 5; i++ {
		c := r.dial(t, "carol")
		waitFor(t, c, func(m domain.Message) bool { return m.Type == domain.MessageTypeConnect })
		clients = append(clients, c)
	}

	extra := r.dial(t, "carol")
	select {
	case <-extra.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("the sixth connection was not closed")
	}
	code, _ := extra.CloseStatus()
	assert.Equal(t, domain.ClosePolicyViolation, code)

	for _, c := range clients {
		select {
		case <-c.Done():
			t.Fatal("an admitted connection was closed")
		default:
		}
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default().Store
	cfg.Driver = "etcd"

	_, err := OpenStore(logging.WithLogger(context.Background(), logging.Discard()), cfg, "origin", clock.New())
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "store.driver", cfgErr.Field)
}

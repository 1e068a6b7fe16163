package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/presence/pkg/domain"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer greets with CONNECT, acks heartbeats, records updates and
// closes normally on DISCONNECT
type fakeServer struct {
	mu         sync.Mutex
	clientType string
	updates    []domain.Message
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.clientType = r.Header.Get("X-Client-Type")
	f.mu.Unlock()

	upgrader := gorillaws.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	greeting, _ := domain.NewPresenceMessage(domain.MessageTypeConnect, domain.Record{
		UserID:   userID,
		Status:   domain.StatusOnline,
		LastSeen: time.Now(),
	}).Marshal()
	_ = conn.WriteMessage(gorillaws.TextMessage, greeting)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case domain.MessageTypeHeartbeat:
			ack, _ := domain.NewHeartbeatAck(userID, time.Now()).Marshal()
			_ = conn.WriteMessage(gorillaws.TextMessage, ack)
		case domain.MessageTypePresenceUpdate:
			f.mu.Lock()
			f.updates = append(f.updates, msg)
			f.mu.Unlock()
		case domain.MessageTypeDisconnect:
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "client disconnect"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (f *fakeServer) Updates() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.updates...)
}

func startFake(t *testing.T) (*fakeServer, string) {
	t.Helper()
	f := &fakeServer{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func next(t *testing.T, c *Client) domain.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return domain.Message{}
	}
}

func TestDialReceivesGreeting(t *testing.T) {
	f, url := startFake(t)

	options := DefaultOptions()
	options.ClientType = "web"
	c, err := Dial(context.Background(), url, "alice", options)
	require.NoError(t, err)
	defer c.Close(context.Background())

	msg := next(t, c)
	assert.Equal(t, domain.MessageTypeConnect, msg.Type)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "alice", c.UserID())

	f.mu.Lock()
	assert.Equal(t, "web", f.clientType)
	f.mu.Unlock()
}

func TestHeartbeatIsAcknowledged(t *testing.T) {
	_, url := startFake(t)

	c, err := Dial(context.Background(), url, "alice", DefaultOptions())
	require.NoError(t, err)
	defer c.Close(context.Background())
	next(t, c)

	require.NoError(t, c.Heartbeat())
	msg := next(t, c)
	assert.Equal(t, domain.MessageTypeHeartbeatAck, msg.Type)
}

func TestHeartbeatLoop(t *testing.T) {
	_, url := startFake(t)

	options := DefaultOptions()
	options.HeartbeatInterval = 20 * time.Millisecond
	c, err := Dial(context.Background(), url, "alice", options)
	require.NoError(t, err)
	defer c.Close(context.Background())
	next(t, c)

	assert.Equal(t, domain.MessageTypeHeartbeatAck, next(t, c).Type)
	assert.Equal(t, domain.MessageTypeHeartbeatAck, next(t, c).Type)
}

func TestUpdateStatusSendsPatch(t *testing.T) {
	f, url := startFake(t)

	c, err := Dial(context.Background(), url, "alice", DefaultOptions())
	require.NoError(t, err)
	defer c.Close(context.Background())
	next(t, c)

	device := domain.StringValue("phone")
	patch := domain.MetadataPatch{"device": &device}
	require.NoError(t, c.UpdateStatus(domain.StatusBusy, patch))

	assert.Eventually(t, func() bool { return len(f.Updates()) == 1 }, 2*time.Second, 10*time.Millisecond)
	update := f.Updates()[0]
	assert.Equal(t, "alice", update.UserID)
	require.NotNil(t, update.Payload)
	assert.Equal(t, domain.StatusBusy, update.Payload.Status)
	assert.Contains(t, update.Payload.Metadata, "device")
}

func TestDisconnectEndsWithNormalClose(t *testing.T) {
	_, url := startFake(t)

	c, err := Dial(context.Background(), url, "alice", DefaultOptions())
	require.NoError(t, err)
	next(t, c)

	require.NoError(t, c.Disconnect())

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not end")
	}
	code, reason := c.CloseStatus()
	assert.Equal(t, domain.CloseNormal, code)
	assert.Equal(t, "client disconnect", reason)

	_, ok := <-c.Events()
	assert.False(t, ok, "events are closed after the connection ends")
}

func TestDialRejectedIsNotRetried(t *testing.T) {
	_, url := startFake(t)

	options := DefaultOptions()
	options.DialAttempts = 5
	options.DialBackoff = time.Second

	start := time.Now()
	_, err := Dial(context.Background(), url, "", options)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "a 4xx handshake response is permanent")
}

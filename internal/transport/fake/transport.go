// Package fake provides an in-memory domain.Transport for tests.
package fake

import (
	"encoding/json"
	"sync"

	"github.com/HMasataka/presence/pkg/domain"
	"github.com/rs/xid"
)

// Transport records everything the core asks it to do
type Transport struct {
	mu sync.Mutex

	id      string
	sent    [][]byte
	pings   int
	closed  bool
	code    domain.CloseCode
	reason  string
	sendErr error
	pingErr error
}

// New creates a new fake transport
func New() *Transport {
	return &Transport{id: xid.New().String()}
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Send(message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrConnectionClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, append([]byte(nil), message...))
	return nil
}

func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pingErr != nil {
		return t.pingErr
	}
	t.pings++
	return nil
}

func (t *Transport) Close(code domain.CloseCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.code = code
	t.reason = reason
	return nil
}

// FailSends makes every following Send return err
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// FailPings makes every following Ping return err
func (t *Transport) FailPings(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingErr = err
}

// Closed reports whether Close was called and with which code
func (t *Transport) Closed() (bool, domain.CloseCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.code
}

// Pings returns the number of probes sent
func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

// Messages decodes every frame sent so far
func (t *Transport) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Message, 0, len(t.sent))
	for _, raw := range t.sent {
		var m domain.Message
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets the frames sent so far
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}

var _ domain.Transport = (*Transport)(nil)

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/realtime-relay/messages"
	"github.com/room4-2/realtime-relay/upstream"
)

var errClientGone = errors.New("client gone")

type fakeClient struct {
	mu          sync.Mutex
	written     [][]byte
	closeFrames int
	closes      int
	writeErr    error

	reads    chan []byte
	closedCh chan struct{}
	once     sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		reads:    make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (c *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-c.reads:
		if !ok {
			return 0, nil, errClientGone
		}
		return websocket.TextMessage, frame, nil
	case <-c.closedCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeClient) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return errors.New("write on closed connection")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType == websocket.CloseMessage {
		c.closeFrames++
		return nil
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.closedCh) })
	return nil
}

type sentFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (c *fakeClient) sent(t *testing.T) []sentFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentFrame, 0, len(c.written))
	for _, raw := range c.written {
		var f sentFrame
		require.NoError(t, sonic.Unmarshal(raw, &f))
		out = append(out, f)
	}
	return out
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeUpstream struct {
	mu         sync.Mutex
	handler    upstream.Handler
	onOpen     func(h upstream.Handler)
	openErr    error
	appendErr  error
	requestErr error
	opened     bool
	appended   [][]byte
	requests   int
	closes     int
}

func (u *fakeUpstream) Open(context.Context) error {
	u.mu.Lock()
	h := u.handler
	if u.openErr == nil {
		u.opened = true
	}
	u.mu.Unlock()
	if u.onOpen != nil {
		u.onOpen(h)
	}
	return u.openErr
}

func (u *fakeUpstream) AppendAudio(audio []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closes > 0 {
		return upstream.ErrClosed
	}
	if !u.opened {
		return upstream.ErrNotReady
	}
	if u.appendErr != nil {
		return u.appendErr
	}
	u.appended = append(u.appended, append([]byte(nil), audio...))
	return nil
}

func (u *fakeUpstream) RequestResponse() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.requestErr != nil {
		return u.requestErr
	}
	u.requests++
	return nil
}

func (u *fakeUpstream) OnEvent(h upstream.Handler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	u.closes++
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) requestCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests
}

func (u *fakeUpstream) closeCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closes
}

func (u *fakeUpstream) emit(ev upstream.Event) {
	u.mu.Lock()
	h := u.handler
	u.mu.Unlock()
	h(ev)
}

func newTestSession(t *testing.T) (*RelaySession, *fakeClient, *fakeUpstream) {
	t.Helper()
	client := newFakeClient()
	up := &fakeUpstream{}
	s := NewRelaySession(context.Background(), "test-session", client, up, NewAudioGuard(32000), nil)
	return s, client, up
}

// activate performs the handshake transition without running the loop.
func activate(s *RelaySession, up *fakeUpstream) {
	up.mu.Lock()
	up.opened = true
	up.mu.Unlock()
	s.handle(event{kind: evUpstreamOpened})
}

func audioFrame(audio []byte) event {
	return event{
		kind:        evClientFrame,
		messageType: websocket.TextMessage,
		frame:       messages.EncodeClientAudio(base64.StdEncoding.EncodeToString(audio)),
	}
}

func textFrame(raw string) event {
	return event{kind: evClientFrame, messageType: websocket.TextMessage, frame: []byte(raw)}
}

func upstreamEvent(ev upstream.Event) event {
	return event{kind: evUpstream, upstream: ev}
}

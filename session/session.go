package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/realtime-relay/logging"
	"github.com/room4-2/realtime-relay/messages"
	"github.com/room4-2/realtime-relay/upstream"
)

const (
	eventQueueSize = 64
	writeTimeout   = 10 * time.Second
)

// ErrProtocolViolation marks a well-formed frame the relay cannot act on
var ErrProtocolViolation = errors.New("protocol violation")

// State is the lifecycle state of a relay session
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the client side socket; *websocket.Conn satisfies it
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type eventKind int

const (
	evClientFrame eventKind = iota
	evClientClosed
	evUpstreamOpened
	evUpstreamFailed
	evUpstream
)

type event struct {
	kind        eventKind
	messageType int
	frame       []byte
	err         error
	upstream    upstream.Event
}

// RelaySession bridges one client connection to one upstream connection.
//
// Every reaction to a socket event runs on the goroutine executing Run, one
// event at a time, so state and responseActive need no lock. Reader
// goroutines only enqueue events.
type RelaySession struct {
	ID        string
	CreatedAt time.Time

	client   ClientConn
	upstream upstream.Adapter
	guard    *AudioGuard
	logger   *slog.Logger

	// Owned by the Run goroutine
	responseActive bool

	state        atomic.Int32
	lastActivity atomic.Int64
	started      atomic.Bool

	events chan event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRelaySession wires a client socket to an unopened upstream adapter.
// The session does nothing until Run is called.
func NewRelaySession(parent context.Context, id string, client ClientConn, up upstream.Adapter, guard *AudioGuard, logger *slog.Logger) *RelaySession {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now()

	s := &RelaySession{
		ID:        id,
		CreatedAt: now,
		client:    client,
		upstream:  up,
		guard:     guard,
		logger:    logging.OrDiscard(logger).With("session_id", id),
		events:    make(chan event, eventQueueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.lastActivity.Store(now.UnixNano())
	up.OnEvent(func(ev upstream.Event) {
		s.post(event{kind: evUpstream, upstream: ev})
	})
	return s
}

// Run opens the upstream connection and processes events until the session
// closes. It blocks; call it once.
func (s *RelaySession) Run() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	go s.readClient()
	go s.openUpstream()

	for {
		select {
		case <-s.ctx.Done():
			s.fail("session closed by server")
			return
		case ev := <-s.events:
			s.handle(ev)
			if s.State() == StateClosed {
				return
			}
		}
	}
}

// Close asks the session to terminate; both sockets are closed. Idempotent.
func (s *RelaySession) Close() {
	s.cancel()
	if s.started.CompareAndSwap(false, true) {
		// Run never started, so nothing else touches the session state.
		s.teardown(false)
		close(s.done)
	}
}

// Done is closed once the session has torn down both sockets
func (s *RelaySession) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state
func (s *RelaySession) State() State {
	return State(s.state.Load())
}

// LastActivity returns the time of the last client or upstream event
func (s *RelaySession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *RelaySession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *RelaySession) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *RelaySession) readClient() {
	for {
		messageType, frame, err := s.client.ReadMessage()
		if err != nil {
			s.post(event{kind: evClientClosed, err: err})
			return
		}
		s.post(event{kind: evClientFrame, messageType: messageType, frame: frame})
	}
}

func (s *RelaySession) openUpstream() {
	if err := s.upstream.Open(s.ctx); err != nil {
		s.post(event{kind: evUpstreamFailed, err: err})
		return
	}
	s.post(event{kind: evUpstreamOpened})
}

func (s *RelaySession) handle(ev event) {
	if s.State() == StateClosed {
		return
	}

	switch ev.kind {
	case evClientFrame:
		s.touch()
		s.handleClientFrame(ev.messageType, ev.frame)
	case evClientClosed:
		s.logger.Info("client disconnected", "reason", ev.err)
		s.teardown(true)
	case evUpstreamOpened:
		if s.State() == StateConnecting {
			s.state.Store(int32(StateActive))
			s.logger.Info("upstream ready")
		}
	case evUpstreamFailed:
		s.logger.Error("upstream handshake failed", "error", ev.err)
		s.fail(fmt.Sprintf("upstream unavailable: %v", ev.err))
	case evUpstream:
		s.touch()
		s.handleUpstream(ev.upstream)
	}
}

func (s *RelaySession) handleClientFrame(messageType int, frame []byte) {
	if messageType == websocket.BinaryMessage {
		s.logger.Debug("ignoring binary client frame", "bytes", len(frame))
		return
	}

	msg, err := messages.DecodeClient(frame)
	if err != nil {
		s.logger.Warn("dropping malformed client frame", "error", err)
		return
	}

	switch msg.Kind {
	case messages.KindAudio:
		s.handleAudio(msg.Data)
	default:
		s.logger.Debug("ignoring client message", "type", msg.Type)
	}
}

func (s *RelaySession) handleAudio(data string) {
	if data == "" {
		s.reject(fmt.Errorf("%w: audio message missing data", ErrProtocolViolation))
		return
	}
	audio, err := s.guard.Decode(data)
	if err != nil {
		s.reject(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	}

	bounded, truncated := s.guard.Bound(audio)
	if truncated {
		s.logger.Warn("audio chunk truncated", "bytes", len(audio), "max_bytes", s.guard.MaxSize())
	}

	if err := s.upstream.AppendAudio(bounded); err != nil {
		s.logger.Warn("failed to forward audio", "error", err)
		s.send(messages.NewErrorMessage(err.Error()))
		return
	}

	if s.responseActive {
		s.logger.Debug("response already active, skipping request")
		return
	}
	s.responseActive = true
	if err := s.upstream.RequestResponse(); err != nil {
		s.responseActive = false
		s.logger.Warn("failed to request response", "error", err)
		s.send(messages.NewErrorMessage(err.Error()))
		return
	}
	s.logger.Debug("requested response")
}

func (s *RelaySession) handleUpstream(ev upstream.Event) {
	if s.State() == StateConnecting {
		s.state.Store(int32(StateActive))
	}

	switch ev.Kind {
	case upstream.EventResponseStarted:
		s.responseActive = true
	case upstream.EventResponseTextDelta, upstream.EventResponseAudioDelta:
		s.send(messages.NewAIResponseMessage(ev.Delta))
	case upstream.EventResponseDone:
		s.send(messages.NewAIResponseCompleteMessage(ev.Output))
		s.responseActive = false
	case upstream.EventError:
		s.logger.Error("upstream error", "message", ev.Message)
		s.fail("upstream error: " + ev.Message)
	case upstream.EventClosed:
		s.logger.Info("upstream closed")
		s.fail("upstream connection closed")
	}
}

// reject answers a recoverable client error; the session continues.
func (s *RelaySession) reject(err error) {
	s.logger.Warn("rejected client message", "error", err)
	s.send(messages.NewErrorMessage(err.Error()))
}

// send writes one frame to the client. A failed write means the client is
// gone, which closes the session.
func (s *RelaySession) send(msg *messages.ServerMessage) {
	if s.State() == StateClosed {
		return
	}
	_ = s.client.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.client.WriteMessage(websocket.TextMessage, msg.Encode()); err != nil {
		s.logger.Info("client write failed", "error", err)
		s.teardown(true)
	}
}

// fail notifies the client and closes the session.
func (s *RelaySession) fail(reason string) {
	s.send(messages.NewErrorMessage(reason))
	s.teardown(false)
}

// teardown closes both sockets. clientGone skips the close handshake toward a
// client that already disconnected.
func (s *RelaySession) teardown(clientGone bool) {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.responseActive = false
	s.cancel()

	if err := s.upstream.Close(); err != nil {
		s.logger.Warn("upstream close failed", "error", err)
	}

	if !clientGone {
		_ = s.client.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	_ = s.client.Close()
	s.logger.Info("session closed")
}

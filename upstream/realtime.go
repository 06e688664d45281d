package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/room4-2/realtime-relay/logging"
	"github.com/room4-2/realtime-relay/messages"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 16 * 1024 * 1024
)

// Dialer opens the upstream WebSocket; *websocket.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// RealtimeConfig configures an OpenAI realtime adapter
type RealtimeConfig struct {
	URL         string // e.g. wss://api.openai.com/v1/realtime
	Model       string
	APIKey      string
	DialTimeout time.Duration
	Dialer      Dialer // Optional, defaults to a proxy-aware websocket.Dialer
	Logger      *slog.Logger
}

// Realtime speaks the OpenAI realtime WebSocket protocol
type Realtime struct {
	cfg    RealtimeConfig
	dialer Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	closed  bool

	writeMu sync.Mutex // Serializes frame writes
}

var _ Adapter = (*Realtime)(nil)

// NewRealtime creates an unopened realtime adapter
func NewRealtime(cfg RealtimeConfig) *Realtime {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		}
	}
	return &Realtime{
		cfg:    cfg,
		dialer: dialer,
		logger: logging.OrDiscard(cfg.Logger),
	}
}

// OnEvent registers the event handler
func (r *Realtime) OnEvent(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *Realtime) endpoint() (string, error) {
	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime URL: %w", err)
	}
	if r.cfg.Model != "" {
		q := u.Query()
		q.Set("model", r.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open dials the realtime endpoint and starts the receive loop
func (r *Realtime) Open(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return ErrClosed
	case r.conn != nil:
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	endpoint, err := r.endpoint()
	if err != nil {
		return &UnavailableError{Err: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	if r.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DialTimeout)
		defer cancel()
	}

	conn, resp, err := r.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		unavailable := &UnavailableError{Err: err}
		if resp != nil {
			unavailable.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		return unavailable
	}
	conn.SetReadLimit(readLimit)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	r.conn = conn
	r.mu.Unlock()

	r.logger.Info("connected to realtime upstream", "model", r.cfg.Model)
	go r.receive(conn)
	return nil
}

// AppendAudio sends an input_audio_buffer.append event
func (r *Realtime) AppendAudio(audio []byte) error {
	frame := messages.NewAudioAppend(newEventID(), base64.StdEncoding.EncodeToString(audio))
	if err := r.write(frame.Encode()); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	r.logger.Debug("sent audio to upstream", "bytes", len(audio))
	return nil
}

// RequestResponse sends a response.create event
func (r *Realtime) RequestResponse() error {
	if err := r.write(messages.NewResponseCreate(newEventID()).Encode()); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	r.logger.Debug("requested upstream response")
	return nil
}

func (r *Realtime) write(frame []byte) error {
	r.mu.Lock()
	conn, closed := r.conn, r.closed
	r.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotReady
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (r *Realtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Realtime) emit(ev Event) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (r *Realtime) receive(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if r.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info("realtime upstream closed", "error", err)
				r.emit(Event{Kind: EventClosed, Err: err})
			} else {
				r.logger.Error("realtime upstream read failed", "error", err)
				r.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
			}
			return
		}

		ev, ok, err := Classify(raw)
		if err != nil {
			r.logger.Warn("dropping malformed upstream frame", "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.emit(ev)
	}
}

// Close sends a close frame and closes the connection. Safe to call repeatedly.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
	r.logger.Info("realtime upstream connection closed")
	return nil
}

// Classify maps one raw realtime frame to an Event. ok is false for frame
// types the relay does not consume; those are ignored, not errors.
func Classify(raw []byte) (ev Event, ok bool, err error) {
	f, err := messages.DecodeUpstream(raw)
	if err != nil {
		return Event{}, false, err
	}

	switch f.Type {
	case messages.UpstreamResponseCreated:
		return Event{Kind: EventResponseStarted}, true, nil
	case messages.UpstreamResponseTextDelta:
		return Event{Kind: EventResponseTextDelta, Delta: f.Delta}, true, nil
	case messages.UpstreamResponseAudioDelta:
		return Event{Kind: EventResponseAudioDelta, Delta: f.Delta}, true, nil
	case messages.UpstreamResponseDone:
		ev := Event{Kind: EventResponseDone}
		if f.Response != nil {
			ev.Output = f.Response.Output
		}
		return ev, true, nil
	case messages.UpstreamError:
		msg := "upstream error"
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		return Event{Kind: EventError, Message: msg}, true, nil
	default:
		return Event{}, false, nil
	}
}

func newEventID() string {
	return "evt_" + ulid.Make().String()
}

package upstream

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/realtime-relay/messages"
)

type fakeUpstream struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
	queries chan url.Values
}

func newFakeUpstream(t *testing.T, status int) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
		queries: make(chan url.Values, 4),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.headers <- r.Header.Clone()
		f.queries <- r.URL.Query()
		if status != http.StatusSwitchingProtocols {
			http.Error(w, "denied", status)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/realtime"
}

func (f *fakeUpstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection not accepted")
		return nil
	}
}

func readFrame(t *testing.T, c *websocket.Conn) messages.UpstreamFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := messages.DecodeUpstream(raw)
	require.NoError(t, err)
	return f
}

func collect(a Adapter) <-chan Event {
	ch := make(chan Event, 32)
	a.OnEvent(func(ev Event) { ch <- ev })
	return ch
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for upstream event")
		return Event{}
	}
}

func openRealtime(t *testing.T, f *fakeUpstream) (*Realtime, <-chan Event, *websocket.Conn) {
	t.Helper()
	r := NewRealtime(RealtimeConfig{
		URL:         f.url(),
		Model:       "gpt-test",
		APIKey:      "sk-test",
		DialTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = r.Close() })
	events := collect(r)
	require.NoError(t, r.Open(context.Background()))
	return r, events, f.accept(t)
}

func TestRealtime_OpenSendsCredentialsAndModel(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	openRealtime(t, f)

	h := <-f.headers
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "realtime=v1", h.Get("OpenAI-Beta"))
	assert.Equal(t, "gpt-test", (<-f.queries).Get("model"))
}

func TestRealtime_AppendAudioAndRequestResponse(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	r, _, conn := openRealtime(t, f)

	audio := []byte{0, 1, 2, 3, 250}
	require.NoError(t, r.AppendAudio(audio))
	require.NoError(t, r.RequestResponse())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var appendFrame messages.AudioAppend
	require.NoError(t, sonic.Unmarshal(raw, &appendFrame))
	assert.Equal(t, messages.UpstreamInputAudioAppend, appendFrame.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString(audio), appendFrame.Audio)
	assert.True(t, strings.HasPrefix(appendFrame.EventID, "evt_"))

	create := readFrame(t, conn)
	assert.Equal(t, messages.UpstreamResponseCreate, create.Type)
	assert.NotEqual(t, appendFrame.EventID, create.EventID)
}

func TestRealtime_DemultiplexesEventsInOrder(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	_, events, conn := openRealtime(t, f)

	for _, frame := range []string{
		`{"type":"session.created","session":{}}`,
		`{"type":"response.created","response":{"id":"r1"}}`,
		`not json at all`,
		`{"type":"response.text.delta","delta":"Hi"}`,
		`{"type":"response.audio.delta","delta":"AAEC"}`,
		`{"type":"response.audio_transcript.delta","delta":"ignored"}`,
		`{"type":"response.done","response":{"output":"Hi there"}}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	assert.Equal(t, EventResponseStarted, nextEvent(t, events).Kind)

	ev := nextEvent(t, events)
	assert.Equal(t, EventResponseTextDelta, ev.Kind)
	assert.Equal(t, "Hi", ev.Delta)

	ev = nextEvent(t, events)
	assert.Equal(t, EventResponseAudioDelta, ev.Kind)
	assert.Equal(t, "AAEC", ev.Delta)

	ev = nextEvent(t, events)
	assert.Equal(t, EventResponseDone, ev.Kind)
	assert.JSONEq(t, `"Hi there"`, string(ev.Output))
}

func TestRealtime_ErrorFrame(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	_, events, conn := openRealtime(t, f)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"error","error":{"type":"server_error","message":"quota exceeded"}}`)))

	ev := nextEvent(t, events)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "quota exceeded", ev.Message)
}

func TestRealtime_NormalCloseEmitsClosed(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	_, events, conn := openRealtime(t, f)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	assert.Equal(t, EventClosed, nextEvent(t, events).Kind)
}

func TestRealtime_AbruptDropEmitsError(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	_, events, conn := openRealtime(t, f)

	require.NoError(t, conn.Close())

	ev := nextEvent(t, events)
	assert.Equal(t, EventError, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestRealtime_HandshakeRejected(t *testing.T) {
	f := newFakeUpstream(t, http.StatusUnauthorized)
	r := NewRealtime(RealtimeConfig{URL: f.url(), APIKey: "bad"})

	err := r.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, http.StatusUnauthorized, unavailable.StatusCode)
}

func TestRealtime_DialFailure(t *testing.T) {
	r := NewRealtime(RealtimeConfig{URL: "ws://127.0.0.1:1/v1/realtime", DialTimeout: time.Second})
	assert.ErrorIs(t, r.Open(context.Background()), ErrUnavailable)
}

func TestRealtime_NotReadyAndClosed(t *testing.T) {
	r := NewRealtime(RealtimeConfig{URL: "ws://127.0.0.1:1"})

	assert.ErrorIs(t, r.AppendAudio([]byte{1}), ErrNotReady)
	assert.ErrorIs(t, r.RequestResponse(), ErrNotReady)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.AppendAudio([]byte{1}), ErrClosed)
	assert.ErrorIs(t, r.Open(context.Background()), ErrClosed)
}

func TestRealtime_LocalCloseIsSilent(t *testing.T) {
	f := newFakeUpstream(t, http.StatusSwitchingProtocols)
	r, events, conn := openRealtime(t, f)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	// The peer observes the close frame.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err=%v", err)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after local close: %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClassify(t *testing.T) {
	ev, ok, err := Classify([]byte(`{"type":"response.created"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, EventResponseStarted, ev.Kind)

	ev, ok, err = Classify([]byte(`{"type":"error"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "upstream error", ev.Message)

	_, ok, err = Classify([]byte(`{"type":"rate_limits.updated"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Classify([]byte(`{oops`))
	assert.ErrorIs(t, err, messages.ErrMalformed)
	assert.False(t, ok)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "response_done", EventResponseDone.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}

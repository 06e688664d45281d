package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/genai"

	"github.com/room4-2/realtime-relay/logging"
)

// GeminiConfig configures a Gemini Live adapter
type GeminiConfig struct {
	APIKey      string
	Model       string
	SampleRate  int // Input PCM rate advertised in the blob MIME type
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Gemini relays audio through the Gemini Live API using the official SDK
type Gemini struct {
	cfg    GeminiConfig
	logger *slog.Logger

	mu      sync.RWMutex
	session *genai.Session
	handler Handler
	closed  bool
}

var _ Adapter = (*Gemini)(nil)

// NewGemini creates an unopened Gemini Live adapter
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Gemini{cfg: cfg, logger: logging.OrDiscard(cfg.Logger)}
}

// OnEvent registers the event handler
func (g *Gemini) OnEvent(h Handler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

// Open establishes the Live session and starts the receive loop
func (g *Gemini) Open(ctx context.Context) error {
	g.mu.RLock()
	closed, open := g.closed, g.session != nil
	g.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if open {
		return nil
	}

	if g.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.DialTimeout)
		defer cancel()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return &UnavailableError{Err: fmt.Errorf("create GenAI client: %w", err)}
	}

	session, err := client.Live.Connect(ctx, g.cfg.Model, &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
	})
	if err != nil {
		return &UnavailableError{Err: fmt.Errorf("connect to Live API: %w", err)}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = session.Close()
		return ErrClosed
	}
	g.session = session
	g.mu.Unlock()

	g.logger.Info("connected to Gemini Live", "model", g.cfg.Model)
	go g.receive(session)
	return nil
}

func (g *Gemini) current() (*genai.Session, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, ErrClosed
	}
	if g.session == nil {
		return nil, ErrNotReady
	}
	return g.session, nil
}

// AppendAudio streams a PCM chunk as realtime input
func (g *Gemini) AppendAudio(audio []byte) error {
	session, err := g.current()
	if err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", g.cfg.SampleRate),
			Data:     audio,
		},
	})
	if err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	g.logger.Debug("sent audio to Gemini", "bytes", len(audio))
	return nil
}

// RequestResponse signals the end of the audio stream, which makes Gemini
// answer the accumulated input
func (g *Gemini) RequestResponse() error {
	session, err := g.current()
	if err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	if err := session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	g.logger.Debug("sent audio stream end to Gemini")
	return nil
}

func (g *Gemini) emit(ev Event) {
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (g *Gemini) receive(session *genai.Session) {
	var tr liveTranslator
	for {
		resp, err := session.Receive()
		if err != nil {
			g.mu.RLock()
			closed := g.closed
			g.mu.RUnlock()
			if !closed {
				g.logger.Error("Gemini receive failed", "error", err)
				g.emit(Event{Kind: EventError, Message: err.Error(), Err: err})
			}
			return
		}
		for _, ev := range tr.translate(resp) {
			g.emit(ev)
		}
	}
}

// Close terminates the Live session
func (g *Gemini) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	session := g.session
	g.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// liveTranslator turns Live server messages into Events. It synthesizes
// response_started on the first model content of a turn and accumulates the
// turn's text as the done output.
type liveTranslator struct {
	inTurn bool
	text   strings.Builder
}

func (t *liveTranslator) translate(resp *genai.LiveServerMessage) []Event {
	if resp == nil || resp.ServerContent == nil {
		return nil
	}
	content := resp.ServerContent

	var events []Event
	if content.ModelTurn != nil && len(content.ModelTurn.Parts) > 0 {
		if !t.inTurn {
			t.inTurn = true
			events = append(events, Event{Kind: EventResponseStarted})
		}
		for _, part := range content.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				t.text.WriteString(part.Text)
				events = append(events, Event{Kind: EventResponseTextDelta, Delta: part.Text})
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				events = append(events, Event{
					Kind:  EventResponseAudioDelta,
					Delta: base64.StdEncoding.EncodeToString(part.InlineData.Data),
				})
			}
		}
	}

	if content.TurnComplete || content.Interrupted {
		output, _ := sonic.Marshal(t.text.String())
		events = append(events, Event{Kind: EventResponseDone, Output: output})
		t.inTurn = false
		t.text.Reset()
	}
	return events
}

// Package upstream owns the outbound connection from a relay session to the
// remote conversational service. Adapters translate relay intents (append
// audio, request a response) into the remote wire protocol and demultiplex
// remote frames into a small Event set.
//
// Adapters carry no turn-taking state: deciding when a response may be
// requested belongs to the caller.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by sends issued before the handshake completed
	ErrNotReady = errors.New("upstream connection not ready")
	// ErrClosed is returned by sends issued after Close
	ErrClosed = errors.New("upstream connection closed")
	// ErrUnavailable is matched by every *UnavailableError
	ErrUnavailable = errors.New("upstream unavailable")
)

// UnavailableError reports a failed handshake or connection
type UnavailableError struct {
	StatusCode int // HTTP status of a rejected handshake, 0 if none
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", ErrUnavailable, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// EventKind classifies an upstream event
type EventKind int

const (
	EventResponseStarted EventKind = iota + 1
	EventResponseTextDelta
	EventResponseAudioDelta
	EventResponseDone
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventResponseStarted:
		return "response_started"
	case EventResponseTextDelta:
		return "response_text_delta"
	case EventResponseAudioDelta:
		return "response_audio_delta"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one demultiplexed upstream event
type Event struct {
	Kind    EventKind
	Delta   string          // Text fragment, or base64 audio for audio deltas
	Output  json.RawMessage // Final output of a done response
	Message string          // Error description
	Err     error           // Underlying transport error, if any
}

// Handler receives upstream events in arrival order
type Handler func(Event)

// Adapter is one outbound upstream connection
type Adapter interface {
	// Open performs the handshake and starts delivering events to the
	// registered handler. Failures are returned as *UnavailableError.
	Open(ctx context.Context) error
	// AppendAudio forwards PCM audio. Returns ErrNotReady before Open succeeds.
	AppendAudio(audio []byte) error
	// RequestResponse asks the upstream to produce a response.
	RequestResponse() error
	// OnEvent registers the event handler. Call before Open.
	OnEvent(h Handler)
	// Close is idempotent.
	Close() error
}

// Factory creates a fresh, unopened adapter for each relay session
type Factory func() Adapter

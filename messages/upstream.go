package messages

import "encoding/json"

// Upstream (OpenAI realtime) message types the relay produces or inspects
const (
	UpstreamInputAudioAppend   = "input_audio_buffer.append"
	UpstreamResponseCreate     = "response.create"
	UpstreamResponseCreated    = "response.created"
	UpstreamResponseTextDelta  = "response.text.delta"
	UpstreamResponseAudioDelta = "response.audio.delta"
	UpstreamResponseDone       = "response.done"
	UpstreamError              = "error"
)

// UpstreamFrame is the subset of an inbound upstream event the relay reads
type UpstreamFrame struct {
	Type     string             `json:"type"`
	EventID  string             `json:"event_id,omitempty"`
	Delta    string             `json:"delta,omitempty"`
	Response *UpstreamResponse  `json:"response,omitempty"`
	Error    *UpstreamErrorBody `json:"error,omitempty"`
}

// UpstreamResponse carries the final output of a response.done event
type UpstreamResponse struct {
	ID     string          `json:"id,omitempty"`
	Status string          `json:"status,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// UpstreamErrorBody is the payload of an upstream error event
type UpstreamErrorBody struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DecodeUpstream parses one upstream frame
func DecodeUpstream(raw []byte) (UpstreamFrame, error) {
	var f UpstreamFrame
	if err := decode(raw, &f); err != nil {
		return UpstreamFrame{}, err
	}
	return f, nil
}

// AudioAppend instructs the upstream to append audio to its input buffer
type AudioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"` // Base64 PCM
}

// NewAudioAppend creates an input_audio_buffer.append event
func NewAudioAppend(eventID, base64Audio string) *AudioAppend {
	return &AudioAppend{Type: UpstreamInputAudioAppend, EventID: eventID, Audio: base64Audio}
}

// Encode serializes the event
func (m *AudioAppend) Encode() []byte { return encode(m) }

// ResponseCreate asks the upstream to start a response
type ResponseCreate struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

// NewResponseCreate creates a response.create event
func NewResponseCreate(eventID string) *ResponseCreate {
	return &ResponseCreate{Type: UpstreamResponseCreate, EventID: eventID}
}

// Encode serializes the event
func (m *ResponseCreate) Encode() []byte { return encode(m) }

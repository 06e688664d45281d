package messages

import "encoding/json"

// ServerMessage represents a message sent to the client
type ServerMessage struct {
	Type string `json:"type"` // "ai_response", "ai_response_complete", "error"
	Data any    `json:"data"`
}

// NewAIResponseMessage wraps one text or audio fragment
func NewAIResponseMessage(fragment string) *ServerMessage {
	return &ServerMessage{Type: TypeAIResponse, Data: fragment}
}

// NewAIResponseCompleteMessage carries the upstream's final output verbatim
func NewAIResponseCompleteMessage(output json.RawMessage) *ServerMessage {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	return &ServerMessage{Type: TypeAIResponseComplete, Data: output}
}

// NewErrorMessage creates an error message
func NewErrorMessage(message string) *ServerMessage {
	return &ServerMessage{Type: TypeError, Data: message}
}

// Encode serializes a server message. It always returns a frame.
func (m *ServerMessage) Encode() []byte {
	return encode(m)
}

// DecodeServer parses a frame sent to the client (used by clients and tests)
func DecodeServer(raw []byte) (ServerMessage, json.RawMessage, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := decode(raw, &env); err != nil {
		return ServerMessage{}, nil, err
	}
	return ServerMessage{Type: env.Type}, env.Data, nil
}

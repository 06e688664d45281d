package messages

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeAudio              = "audio"
	TypeAIResponse         = "ai_response"
	TypeAIResponseComplete = "ai_response_complete"
	TypeError              = "error"
)

// ClientKind classifies an inbound client frame
type ClientKind int

const (
	KindUnknown ClientKind = iota
	KindAudio
)

// ClientMessage is a decoded inbound client frame
type ClientMessage struct {
	Kind ClientKind
	Type string // Raw type tag as sent by the client
	Data string // Base64 PCM audio; empty when absent or not a string
}

type clientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeClient parses one client frame. Non-JSON input yields a *DecodeError.
// Any type other than "audio" decodes to KindUnknown.
func DecodeClient(raw []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := decode(raw, &env); err != nil {
		return ClientMessage{}, err
	}

	msg := ClientMessage{Type: env.Type}
	if env.Type != TypeAudio {
		return msg, nil
	}
	msg.Kind = KindAudio

	if len(env.Data) > 0 {
		var data string
		if err := sonic.Unmarshal(env.Data, &data); err == nil {
			msg.Data = data
		}
	}
	return msg, nil
}

// EncodeClientAudio builds an inbound audio frame (used by clients and tests)
func EncodeClientAudio(base64Data string) []byte {
	return encode(struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}{Type: TypeAudio, Data: base64Data})
}

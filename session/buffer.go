package session

import (
	"encoding/base64"
	"errors"
)

// ErrInvalidAudio is returned when an audio payload is not valid base64
var ErrInvalidAudio = errors.New("invalid base64 audio data")

// AudioGuard bounds inbound audio chunks to a fixed duration before relay
type AudioGuard struct {
	maxSize int
}

// NewAudioGuard creates a guard with the specified maximum chunk size in bytes
func NewAudioGuard(maxSize int) *AudioGuard {
	return &AudioGuard{maxSize: maxSize}
}

// MaxSize returns the maximum chunk size
func (g *AudioGuard) MaxSize() int {
	return g.maxSize
}

// Bound returns chunk unchanged if it fits, otherwise its first MaxSize bytes.
// truncated reports whether trailing audio was dropped.
func (g *AudioGuard) Bound(chunk []byte) (bounded []byte, truncated bool) {
	if g.maxSize <= 0 || len(chunk) <= g.maxSize {
		return chunk, false
	}
	return chunk[:g.maxSize], true
}

// Decode turns a base64 payload into PCM bytes. Unpadded input is accepted.
func (g *AudioGuard) Decode(data string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return audio, nil
	}
	if audio, rawErr := base64.RawStdEncoding.DecodeString(data); rawErr == nil {
		return audio, nil
	}
	return nil, ErrInvalidAudio
}

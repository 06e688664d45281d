package messages

import (
	"errors"

	"github.com/bytedance/sonic"
)

// ErrMalformed is matched by every DecodeError
var ErrMalformed = errors.New("malformed frame")

// DecodeError reports a frame that could not be parsed. The frame is dropped;
// the connection it arrived on stays open.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	if e == nil || e.Err == nil {
		return ErrMalformed.Error()
	}
	return ErrMalformed.Error() + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformed) true for any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

var errEmptyFrame = errors.New("empty frame")

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return &DecodeError{Err: errEmptyFrame}
	}
	if err := sonic.Unmarshal(raw, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// fallbackFrame is written if marshalling one of our own envelopes ever fails.
var fallbackFrame = []byte(`{"type":"error","data":"internal encoding failure"}`)

func encode(v any) []byte {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fallbackFrame
	}
	return data
}

// Package stomp carries STOMP 1.2 frames in WebSocket text messages, one
// frame per message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// HeaderAuthorization is sent on CONNECT; the broker reads the bearer token
// from it.
const HeaderAuthorization = "Authorization"

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Marshal renders f as a single message. A content-length header is set
// from the body so bodies may contain NULL bytes.
func Marshal(f *frame.Frame) ([]byte, error) {
	if f == nil || f.Command == "" {
		return nil, ErrEmptyFrame
	}

	out := f
	if len(f.Body) > 0 {
		out = f.Clone()
		out.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	}

	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses one message. A message made only of EOLs is a heart-beat
// and yields ErrEmptyFrame.
func Unmarshal(data []byte) (*frame.Frame, error) {
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f == nil {
		return nil, ErrEmptyFrame
	}
	return f, nil
}

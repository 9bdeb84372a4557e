// Package native speaks the native messaging protocol: each message is a
// 4-byte little-endian length followed by that many bytes of JSON.
package native

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxHostMessage is the largest message a helper may send back.
	MaxHostMessage = 1 << 20
	// MaxClientMessage is the largest message accepted from the relay side.
	MaxClientMessage = 64 << 20
)

// ErrMessageTooLarge is returned when a frame exceeds its limit.
var ErrMessageTooLarge = errors.New("native message too large")

// WriteMessage encodes v as JSON and writes one frame.
func WriteMessage(w io.Writer, v interface{}, limit int) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if limit > 0 && len(payload) > limit {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame and returns its raw payload. io.EOF is returned
// only when the stream ends cleanly before a header.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if limit > 0 && uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single payload; larger length prefixes are treated
// as a corrupted stream.
const MaxFrameSize = 10 * 1024 * 1024

const headerSize = 4

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Coder writes and reads length-framed payloads on a stream.
type Coder interface {
	Encode(payload []byte) ([]byte, error)
	Decode(r io.Reader) ([]byte, error)
}

// FrameCoder frames a payload as a 4-byte big-endian length prefix followed
// by that many bytes.
type FrameCoder struct{}

func (c FrameCoder) Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out, nil
}

func (c FrameCoder) Decode(r io.Reader) ([]byte, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}

// Package wire implements the length-prefixed framing contract (C1) that
// every session on the IPC endpoint speaks: a 4-byte big-endian length
// followed by exactly that many body bytes. The body is an opaque,
// schema-encoded envelope (see package envelope); wire never looks inside it.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrZeroLengthFrame is returned by ReadFrame when a frame declares a
// zero-byte body. Zero-length frames are illegal on the wire.
var ErrZeroLengthFrame = fmt.Errorf("wire: zero-length frame is illegal")

// FrameTooLargeError is raised when an inbound or outbound frame exceeds
// the session's configured limit. The session that produced it must be
// closed with an error status.
type FrameTooLargeError struct {
	Size  int
	Limit int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("wire: frame size %d exceeds limit %d", e.Size, e.Limit)
}

const lengthPrefixBytes = 4

// ReadFrame reads exactly one frame from r: a 4-byte BE length prefix
// followed by that many body bytes. Any short read is a fatal error for
// the session (propagated as-is, typically io.ErrUnexpectedEOF or io.EOF).
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var lenBuf [lengthPrefixBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, ErrZeroLengthFrame
	}
	if int(length) > limits.MaxFrameBytes {
		return nil, &FrameTooLargeError{Size: int(length), Limit: limits.MaxFrameBytes}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame atomically writes the length prefix and body. Callers must
// ensure only one goroutine ever calls WriteFrame on a given writer — the
// session's writer half is the sole owner.
func WriteFrame(w io.Writer, body []byte, limits Limits) error {
	if len(body) == 0 {
		return ErrZeroLengthFrame
	}
	if len(body) > limits.MaxFrameBytes {
		return &FrameTooLargeError{Size: len(body), Limit: limits.MaxFrameBytes}
	}

	var lenBuf [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	full := make([]byte, 0, lengthPrefixBytes+len(body))
	full = append(full, lenBuf[:]...)
	full = append(full, body...)

	if _, err := w.Write(full); err != nil {
		return fmt.Errorf("wire: short write closes session: %w", err)
	}
	return nil
}

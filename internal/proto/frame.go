package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

// HeaderSize: 4-byte big-endian payload length.
const HeaderSize = 4

var ErrFrameTooLarge = errors.New("proto: frame too large")

// Assembler splits a byte stream into length-prefixed payloads. Not safe for concurrent use.
type Assembler struct {
	// MaxPayload rejects frames declaring more bytes; 0 = unlimited.
	MaxPayload uint32
	buf        []byte
}

// Feed appends chunk and returns the payloads now complete, in arrival order.
// The sequence is lazy: frames are cut while iterating, and anything left
// unconsumed (early break) is yielded by the next iteration or Feed.
// On an oversize prefix it yields (nil, ErrFrameTooLarge) and stops.
func (a *Assembler) Feed(chunk []byte) iter.Seq2[[]byte, error] {
	a.buf = append(a.buf, chunk...)
	return a.drain
}

func (a *Assembler) drain(yield func([]byte, error) bool) {
	for len(a.buf) >= HeaderSize {
		n := binary.BigEndian.Uint32(a.buf[:HeaderSize])
		if a.MaxPayload > 0 && n > a.MaxPayload {
			yield(nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, a.MaxPayload))
			return
		}
		end := HeaderSize + int(n)
		if len(a.buf) < end {
			return
		}
		payload := make([]byte, n)
		copy(payload, a.buf[HeaderSize:end])
		a.buf = a.buf[end:]
		if len(a.buf) == 0 {
			a.buf = nil
		}
		if !yield(payload, nil) {
			return
		}
	}
}

// Buffered returns bytes received but not yet yielded.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Reset drops (and zeroes) anything buffered.
func (a *Assembler) Reset() {
	for i := range a.buf {
		a.buf[i] = 0
	}
	a.buf = nil
}

// AppendFrame appends length prefix + payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > 0xffffffff {
		return ErrFrameTooLarge
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload))
	return err
}

// Package protocol implements the binary wire protocol spoken by game
// clients: ULEB128-length-prefixed frames carrying little-endian typed
// payloads, with a one-shot version byte at the start of each connection.
//
// The codec is total: malformed or unknown frames are reported without
// panicking and without poisoning the connection, so the transport can
// drain the bad frame and keep reading.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxStringLength bounds decoded strings. Anything larger is treated as a
// malformed frame rather than an allocation request.
const MaxStringLength = 4096

// MaxSequenceLength bounds decoded sequences (ranking lists, user lists).
const MaxSequenceLength = 1024

// ErrShortBuffer is returned when a read runs past the end of the frame.
var ErrShortBuffer = errors.New("protocol: not enough data")

// Reader provides methods for reading typed payload data.
// Uses Little-Endian byte order for all multi-byte values and ULEB128 for
// lengths.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a reader over one frame's payload.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Drain consumes the rest of the frame. Used to skip unknown or opaque
// payloads so the next frame starts clean.
func (r *Reader) Drain() {
	r.pos = len(r.data)
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("ReadByte at %d/%d: %w", r.pos, len(r.data), ErrShortBuffer)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBool reads a one-byte boolean. Any non-zero value is true.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadUvarint reads a ULEB128-encoded unsigned integer.
func (r *Reader) ReadUvarint() (uint64, error) {
	var val uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("ReadUvarint: %w", err)
		}
		if shift >= 64 {
			return 0, errors.New("ReadUvarint: value overflows uint64")
		}
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
	}
}

// ReadInt32 reads an int32 (4 bytes, LE).
func (r *Reader) ReadInt32() (int32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("ReadInt32 at %d/%d: %w", r.pos, len(r.data), ErrShortBuffer)
	}
	val := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return val, nil
}

// ReadInt64 reads an int64 (8 bytes, LE).
func (r *Reader) ReadInt64() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("ReadInt64 at %d/%d: %w", r.pos, len(r.data), ErrShortBuffer)
	}
	val := int64(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return val, nil
}

// ReadFloat32 reads a float32 (4 bytes, LE, IEEE 754).
func (r *Reader) ReadFloat32() (float32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("ReadFloat32 at %d/%d: %w", r.pos, len(r.data), ErrShortBuffer)
	}
	bits := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return math.Float32frombits(bits), nil
}

// ReadString reads a ULEB128-length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return "", fmt.Errorf("ReadString length: %w", err)
	}
	if n > MaxStringLength {
		return "", fmt.Errorf("ReadString: length %d exceeds limit %d", n, MaxStringLength)
	}
	if r.pos+int(n) > len(r.data) {
		return "", fmt.Errorf("ReadString body at %d/%d: %w", r.pos, len(r.data), ErrShortBuffer)
	}
	raw := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	if !utf8.Valid(raw) {
		return "", errors.New("ReadString: invalid UTF-8")
	}
	return string(raw), nil
}

// ReadBytes reads n bytes as a copy of the frame contents.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ReadBytes: negative count %d", n)
	}
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("ReadBytes at %d/%d need %d: %w", r.pos, len(r.data), n, ErrShortBuffer)
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:])
	r.pos += n
	return out, nil
}

// ReadOptionInt32 reads bool discriminant + int32.
func (r *Reader) ReadOptionInt32() (*int32, error) {
	ok, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	v, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the protocol version this server speaks. A client announces
// its version in the very first byte after connect.
const Version byte = 1

// MaxFrameSize bounds a single frame payload. Oversized frames are skipped
// byte-by-byte so the stream stays aligned.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is reported once per skipped oversized frame.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")

// EncodeFrame wraps a payload in its ULEB128 length prefix.
func EncodeFrame(payload []byte) []byte {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(payload)))
	out := make([]byte, 0, n+len(payload))
	out = append(out, hdr[:n]...)
	return append(out, payload...)
}

// FrameSplitter accumulates raw connection bytes and yields complete
// frames. The first byte pushed is consumed as the protocol version.
//
// Not safe for concurrent use; each connection owns one splitter.
type FrameSplitter struct {
	buf         []byte
	versionSeen bool
	version     byte
	skip        uint64 // remaining bytes of an oversized frame to discard
}

// Push appends newly read connection bytes.
func (s *FrameSplitter) Push(p []byte) {
	if !s.versionSeen && len(p) > 0 {
		s.version = p[0]
		s.versionSeen = true
		p = p[1:]
	}
	if s.skip > 0 && len(p) > 0 {
		n := uint64(len(p))
		if n > s.skip {
			n = s.skip
		}
		s.skip -= n
		p = p[n:]
	}
	if len(p) > 0 {
		s.buf = append(s.buf, p...)
	}
}

// Version returns the announced protocol version once the first byte has
// arrived.
func (s *FrameSplitter) Version() (byte, bool) {
	return s.version, s.versionSeen
}

// Next extracts the next complete frame payload, or (nil, nil) when more
// bytes are needed. An oversized frame yields ErrFrameTooLarge exactly
// once; subsequent pushes silently discard its body.
func (s *FrameSplitter) Next() ([]byte, error) {
	if len(s.buf) == 0 {
		return nil, nil
	}
	length, n := binary.Uvarint(s.buf)
	if n == 0 {
		// Length prefix itself incomplete.
		return nil, nil
	}
	if n < 0 {
		return nil, errors.New("protocol: malformed frame length")
	}
	if length > MaxFrameSize {
		rest := s.buf[n:]
		avail := uint64(len(rest))
		if avail >= length {
			s.buf = rest[length:]
		} else {
			s.buf = nil
			s.skip = length - avail
		}
		return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, length)
	}
	if uint64(len(s.buf)-n) < length {
		return nil, nil
	}
	payload := make([]byte, length)
	copy(payload, s.buf[n:n+int(length)])
	s.buf = s.buf[n+int(length):]
	return payload, nil
}

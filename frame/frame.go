// Package frame implements the DNS over TCP message framing from RFC 1035
// section 4.2.2: every message travels behind a two byte big-endian length
// prefix.
package frame

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderLen the size of the length prefix preceding every message
	HeaderLen = 2

	// MaxPayload the largest message a two byte prefix can describe
	MaxPayload = 1<<16 - 1
)

var (
	ErrOversize   = errors.New("frame: payload larger than 65535 bytes")
	ErrIncomplete = errors.New("frame: frame not complete")
	ErrOverrun    = errors.New("frame: data beyond the declared length")
)

// Encode returns payload preceded by its two byte big-endian length.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrOversize
	}

	var buf = make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[HeaderLen:], payload)

	return buf, nil
}

// Declared returns the payload length announced by the prefix of buf. The
// second return is false while the prefix itself is still incomplete.
func Declared(buf []byte) (int, bool) {
	if len(buf) < HeaderLen {
		return 0, false
	}

	return int(binary.BigEndian.Uint16(buf)), true
}

// Complete reports whether buf holds one whole frame. Call it after every
// partial read; a buffer still missing bytes, including one holding only the
// first prefix byte, reports false. A buffer carrying more bytes than the
// prefix declared returns ErrOverrun.
func Complete(buf []byte) (bool, error) {
	want, ok := Declared(buf)
	if !ok {
		return false, nil
	}

	switch got := len(buf) - HeaderLen; {
	case got < want:
		return false, nil
	case got > want:
		return false, ErrOverrun
	default:
		return true, nil
	}
}

// Decode strips the length prefix from a complete frame. The returned slice
// aliases buf.
func Decode(buf []byte) ([]byte, error) {
	done, err := Complete(buf)
	if err != nil {
		return nil, err
	}

	if !done {
		return nil, ErrIncomplete
	}

	return buf[HeaderLen:], nil
}

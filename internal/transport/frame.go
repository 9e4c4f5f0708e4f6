package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// pingLength marks a heartbeat in place of a frame length. No body follows.
const pingLength int32 = -2

// DefaultMaxFrame bounds a single frame read from a stream.
const DefaultMaxFrame = 16 * 1024 * 1024

var (
	// ErrFrameTooLarge is returned for frames above the configured limit.
	ErrFrameTooLarge = errors.New("transport: frame too large")
	// ErrBadLength is returned for a negative length other than the ping marker.
	ErrBadLength = errors.New("transport: invalid frame length")
	// ErrPeerSilent is returned when nothing, not even a ping, arrived within
	// the heartbeat window.
	ErrPeerSilent = errors.New("transport: peer silent")
	// ErrClosed is returned by Transmit after Close.
	ErrClosed = errors.New("transport: link closed")
)

// WriteFrame writes frame as [int32 little-endian length][frame].
func WriteFrame(w io.Writer, frame []byte, maxFrame int) error {
	if len(frame) > maxFrame {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(frame), maxFrame)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// writePing writes a bare heartbeat marker.
func writePing(w io.Writer) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(pingLength))
	_, err := w.Write(hdr[:])
	return err
}

// ReadFrame reads one length-prefixed frame. A heartbeat returns a nil frame
// and ping set.
func ReadFrame(r io.Reader, maxFrame int) (frame []byte, ping bool, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, err
	}
	n := int32(binary.LittleEndian.Uint32(hdr[:]))
	switch {
	case n == pingLength:
		return nil, true, nil
	case n < 0:
		return nil, false, fmt.Errorf("%w: %d", ErrBadLength, n)
	case int(n) > maxFrame:
		return nil, false, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, n, maxFrame)
	}
	frame = make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, err
	}
	return frame, false, nil
}

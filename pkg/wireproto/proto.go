// Package wireproto implements the socket-path replication control
// protocol (spec.md §6): a fixed sentinel/size/payload sequence exchanged
// between the primary's MC loop and the secondary's MC receiver.
package wireproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel is a control-protocol marker, always written as a big-endian
// int32 on the wire.
type Sentinel int32

const (
	NACK   Sentinel = -1
	COMMIT Sentinel = 1
	CANCEL Sentinel = 2
	ACK    Sentinel = 3
)

func (s Sentinel) String() string {
	switch s {
	case NACK:
		return "NACK"
	case COMMIT:
		return "COMMIT"
	case CANCEL:
		return "CANCEL"
	case ACK:
		return "ACK"
	default:
		return fmt.Sprintf("Sentinel(%d)", int32(s))
	}
}

// ErrProtocolViolation is returned for any wire condition the protocol
// forbids, e.g. a zero-length COMMIT size.
var ErrProtocolViolation = errors.New("wireproto: protocol violation")

// WriteSentinel writes a control sentinel as a big-endian int32.
func WriteSentinel(w io.Writer, s Sentinel) error {
	return binary.Write(w, binary.BigEndian, int32(s))
}

// ReadSentinel reads a control sentinel.
func ReadSentinel(r io.Reader) (Sentinel, error) {
	var v int32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("wireproto: read sentinel: %w", err)
	}
	return Sentinel(v), nil
}

// SendCheckpoint writes the primary→secondary sequence for one checkpoint:
// COMMIT, a u32 size prefix, then exactly size bytes copied from body.
func SendCheckpoint(w io.Writer, body io.Reader, size uint32) error {
	if err := WriteSentinel(w, COMMIT); err != nil {
		return fmt.Errorf("wireproto: send COMMIT: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, size); err != nil {
		return fmt.Errorf("wireproto: send size: %w", err)
	}
	n, err := io.CopyN(w, body, int64(size))
	if err != nil {
		return fmt.Errorf("wireproto: send body (%d/%d bytes): %w", n, size, err)
	}
	return nil
}

// ReceiveCheckpoint reads one checkpoint from the secondary's side: the
// leading sentinel (COMMIT, or CANCEL which the caller must treat as an
// orderly-stop request per spec.md §9), the u32 size, then exactly that
// many bytes copied into body. A zero size is a protocol violation.
func ReceiveCheckpoint(r io.Reader, body io.Writer) (Sentinel, uint32, error) {
	sentinel, err := ReadSentinel(r)
	if err != nil {
		return 0, 0, err
	}
	if sentinel == CANCEL {
		return CANCEL, 0, nil
	}
	if sentinel != COMMIT {
		return sentinel, 0, fmt.Errorf("%w: expected COMMIT, got %s", ErrProtocolViolation, sentinel)
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return sentinel, 0, fmt.Errorf("wireproto: read size: %w", err)
	}
	if size == 0 {
		return sentinel, 0, fmt.Errorf("%w: zero-size COMMIT", ErrProtocolViolation)
	}

	n, err := io.CopyN(body, r, int64(size))
	if err != nil {
		return sentinel, uint32(n), fmt.Errorf("wireproto: read body (%d/%d bytes): %w", n, size, err)
	}
	return sentinel, size, nil
}

// SendACK writes the secondary→primary ACK sentinel for a received and
// applied checkpoint.
func SendACK(w io.Writer) error {
	return WriteSentinel(w, ACK)
}

// AwaitACK blocks for the primary's expected ACK sentinel.
func AwaitACK(r io.Reader) error {
	s, err := ReadSentinel(r)
	if err != nil {
		return err
	}
	if s != ACK {
		return fmt.Errorf("%w: expected ACK, got %s", ErrProtocolViolation, s)
	}
	return nil
}

// Package wire implements the daemon's request/response framing and dual
// JSON/binary codec (spec.md §4.A, §6): a 4-byte little-endian length
// prefix followed by that many bytes of payload, the payload itself
// either a JSON object (when its first byte is '{') or this package's
// gob-based binary encoding otherwise. The length-prefix framing follows
// the teacher's own encoding/binary-LittleEndian idiom (see
// internal/testing/binary_snapshot.go's version/count headers), applied
// here to request/response messages instead of index snapshots.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageBytes is the hard cap on a single frame's payload (spec.md
// §4.A "Maximum message size 1 MiB; larger is a fatal framing error").
const MaxMessageBytes = 1 << 20

// FramingError marks a fatal framing violation: the caller must close
// the connection rather than attempt to recover and read another frame.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "wire: framing error: " + e.Reason }

// ReadFrame reads one length-prefixed message from r. io.EOF is returned
// unwrapped when the connection closes cleanly before any bytes of a new
// frame arrive; any other read failure, or a length exceeding
// MaxMessageBytes, is a *FramingError.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, &FramingError{Reason: "truncated length prefix"}
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxMessageBytes {
		return nil, &FramingError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d byte limit", n, MaxMessageBytes)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &FramingError{Reason: "truncated payload"}
	}
	return payload, nil
}

// WriteFrame writes payload prefixed with its little-endian u32 length.
// A payload longer than MaxMessageBytes is a programmer error, not a
// wire-level one (the codec must never produce one), so it panics rather
// than returning an error a caller might silently swallow.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageBytes {
		panic(fmt.Sprintf("wire: refusing to write %d byte payload, exceeds %d byte limit", len(payload), MaxMessageBytes))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

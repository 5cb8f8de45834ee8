// Package wireframe implements the worker-pool wire framing spec §4.8
// specifies byte-for-byte: a 4-byte length prefix, a 1-byte tag, a
// 4-byte call-id, then the tag-specific payload. All multi-byte
// integers are platform-native, matching spec §6's "platform-native" on
// the framing wire (workers and host run the same binary on the same
// machine, so there is no cross-endian concern to guard against).
package wireframe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies a frame's kind (spec §4.8): a call dispatched to a
// worker, a successful result, or an exception outcome.
type Tag byte

const (
	TagCall   Tag = 'c'
	TagResult Tag = 'r'
	TagExc    Tag = 'e'
)

func (t Tag) String() string {
	switch t {
	case TagCall:
		return "call"
	case TagResult:
		return "result"
	case TagExc:
		return "exception"
	default:
		return fmt.Sprintf("wireframe.Tag(%d)", byte(t))
	}
}

// headerLen is 1 tag byte + 4 call-id bytes; the on-wire length prefix
// covers header+payload, not itself.
const headerLen = 1 + 4

// MaxPayload bounds a single frame's payload, guarding a corrupted or
// hostile stream from driving an unbounded allocation.
const MaxPayload = 64 << 20

// Frame is one decoded unit of the worker-pool protocol.
type Frame struct {
	Tag     Tag
	CallID  uint32
	Payload []byte
}

// WriteFrame encodes and writes one frame: length-prefix, tag, call-id,
// payload, in that order, matching spec §4.8's framing verbatim.
func WriteFrame(w io.Writer, f Frame) error {
	length := uint32(headerLen + len(f.Payload))
	buf := make([]byte, 4+int(length))
	binary.NativeEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(f.Tag)
	binary.NativeEndian.PutUint32(buf[5:9], f.CallID)
	copy(buf[9:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// DecodeFrame parses at most one frame from the front of data without
// blocking, for a non-blocking incremental reader such as a Stream
// consumer accumulating bytes across turns. It returns n == 0 (and no
// error) when data does not yet hold a complete frame; the caller
// should wait for more bytes. A non-nil error means the data so far is
// not a valid frame prefix and the link should be abandoned.
func DecodeFrame(data []byte) (f Frame, n int, err error) {
	if len(data) < 4 {
		return Frame{}, 0, nil
	}
	length := binary.NativeEndian.Uint32(data[:4])
	if length < headerLen {
		return Frame{}, 0, fmt.Errorf("wireframe: frame length %d shorter than header", length)
	}
	if length-headerLen > MaxPayload {
		return Frame{}, 0, fmt.Errorf("wireframe: frame payload %d exceeds maximum %d", length-headerLen, MaxPayload)
	}
	total := 4 + int(length)
	if len(data) < total {
		return Frame{}, 0, nil
	}
	rest := data[4:total]
	payload := append([]byte(nil), rest[5:]...)
	return Frame{
		Tag:     Tag(rest[0]),
		CallID:  binary.NativeEndian.Uint32(rest[1:5]),
		Payload: payload,
	}, total, nil
}

// ReadFrame reads and decodes exactly one frame from r, blocking until a
// complete frame (or an error) is available.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.NativeEndian.Uint32(lenBuf[:])
	if length < headerLen {
		return Frame{}, fmt.Errorf("wireframe: frame length %d shorter than header", length)
	}
	if length-headerLen > MaxPayload {
		return Frame{}, fmt.Errorf("wireframe: frame payload %d exceeds maximum %d", length-headerLen, MaxPayload)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, err
	}
	return Frame{
		Tag:     Tag(rest[0]),
		CallID:  binary.NativeEndian.Uint32(rest[1:5]),
		Payload: rest[5:],
	}, nil
}

package marshal

import (
	"encoding/binary"
	"fmt"
)

// nullLength is the flat marshaller's sentinel for a null string,
// distinguished from any valid (possibly zero) length. Resolves the
// "undefined versus empty string" Open Question in favor of one
// explicit sentinel rather than overloading zero length (see
// DESIGN.md).
const nullLength uint32 = 0xFFFFFFFF

// Flat encodes a tuple of strings (any of which may be nil, representing
// an undefined/null value distinct from ""). Each element is a 32-bit
// platform-native length prefix followed by that many bytes, or the
// nullLength sentinel with no following bytes. Suited to call
// signatures whose arguments and results are plain strings — the common
// case spec §6 names for the worker pool's simplest consumers.
type Flat struct{}

func (Flat) MarshalArgs(args []any) ([]byte, error) { return encodeTuple(args) }

func (Flat) UnmarshalArgs(payload []byte) ([]any, error) { return decodeTuple(payload) }

func (Flat) MarshalRet(ret any) ([]byte, error) { return encodeTuple([]any{ret}) }

func (Flat) UnmarshalRet(payload []byte) (any, error) {
	vals, err := decodeTuple(payload)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("marshal: flat return payload encoded %d values, want 1", len(vals))
	}
	return vals[0], nil
}

func encodeTuple(vals []any) ([]byte, error) {
	var out []byte
	for _, v := range vals {
		if v == nil {
			out = appendUint32(out, nullLength)
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("marshal: flat marshaller only encodes string or nil, got %T", v)
		}
		out = appendUint32(out, uint32(len(s)))
		out = append(out, s...)
	}
	return out, nil
}

func decodeTuple(payload []byte) ([]any, error) {
	var out []any
	for len(payload) > 0 {
		if len(payload) < 4 {
			return nil, fmt.Errorf("marshal: flat payload truncated before length prefix")
		}
		n := binary.NativeEndian.Uint32(payload[:4])
		payload = payload[4:]
		if n == nullLength {
			out = append(out, nil)
			continue
		}
		if uint64(n) > uint64(len(payload)) {
			return nil, fmt.Errorf("marshal: flat payload declares length %d beyond remaining %d bytes", n, len(payload))
		}
		out = append(out, string(payload[:n]))
		payload = payload[n:]
	}
	return out, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	var tmp [4]byte
	binary.NativeEndian.PutUint32(tmp[:], v)
	return append(dst, tmp[:]...)
}

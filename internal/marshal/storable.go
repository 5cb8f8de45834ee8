package marshal

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Storable encodes arbitrary structured Go values — nested slices,
// maps, structs registered with gob.Register — via encoding/gob. Chosen
// over a pack-provided serialization library because none of the
// retrieved repos ship one whose wire format is both self-describing
// and round-trips arbitrary Go types between two processes running the
// same binary as well as gob already does out of the box (see
// DESIGN.md); this is the one payload codec in the whole module that
// stays on the standard library, and it is justified there.
type Storable struct{}

func init() {
	// Common container shapes a worker function's result is likely to
	// hold; register so UnmarshalRet's decode-into-any succeeds without
	// the caller having to register them itself for the ordinary case.
	gob.Register([]any{})
	gob.Register(map[string]any{})
	gob.Register(0)
	gob.Register("")
	gob.Register(false)
}

func (Storable) MarshalArgs(args []any) ([]byte, error) { return gobEncode(args) }

func (Storable) UnmarshalArgs(payload []byte) ([]any, error) {
	var args []any
	if err := gobDecode(payload, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func (Storable) MarshalRet(ret any) ([]byte, error) { return gobEncode(&ret) }

func (Storable) UnmarshalRet(payload []byte) (any, error) {
	var ret any
	if err := gobDecode(payload, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("marshal: storable encode: %w", err)
	}
	return buf.Bytes(), nil
}

func gobDecode(payload []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(out); err != nil {
		return fmt.Errorf("marshal: storable decode: %w", err)
	}
	return nil
}

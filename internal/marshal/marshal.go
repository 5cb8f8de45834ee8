// Package marshal implements the two payload-encoding strategies spec
// §6/§9 calls for: a flat, length-prefixed tuple-of-strings encoding for
// simple call signatures, and a structured encoding for arbitrary
// nested Go values. Exactly one strategy is configured per worker.Pool;
// both ends must agree (spec §9: "by handshake or configuration, not by
// inference" — this package picks configuration).
package marshal

// Marshaller converts call arguments and return values to and from the
// byte payload carried inside a wireframe.Frame.
type Marshaller interface {
	MarshalArgs(args []any) ([]byte, error)
	UnmarshalArgs(payload []byte) ([]any, error)
	MarshalRet(ret any) ([]byte, error)
	UnmarshalRet(payload []byte) (any, error)
}

// Package codec provides pluggable value serialization for querycache.
//
// A Codec is used in two places: framing values for the second-level store,
// and taking deep snapshots of cached data before an optimistic update
// (snapshot = Decode(Encode(v)), which detaches slices, maps and pointers
// from the live value).
package codec

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Clone deep-copies v through c. Handy for snapshot/rollback of values that
// share mutable state (slices, maps, pointers).
func Clone[V any](c Codec[V], v V) (V, error) {
	b, err := c.Encode(v)
	if err != nil {
		var zero V
		return zero, err
	}
	return c.Decode(b)
}

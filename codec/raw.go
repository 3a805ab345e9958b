package codec

// Bytes is an identity codec for []byte values. Encode/Decode return the
// input unchanged. Useful when the fetched value is already a raw byte slice
// and you only need querycache's wire framing and validation.
//
// Note: Bytes does not detach the slice, so it is unsuitable as a snapshot
// codec; wrap with Copy semantics at the caller if rollback must not alias.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }

// String is a trivial codec for Go string values. Encode converts to []byte,
// and Decode converts back to string. By convention this assumes UTF-8 and
// performs no validation.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

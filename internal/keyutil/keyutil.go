// Package keyutil canonicalizes structural query keys.
//
// A query key is an ordered sequence of primitive values. Two keys are the
// same query iff their canonical forms are byte-equal, so the encoding must
// be injective: every part carries a type tag and string parts are escaped
// so that separators inside values cannot collide with the separator itself.
package keyutil

import (
	"crypto/sha256"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Canon returns the canonical string form of a key.
//
// Supported part types: string, bool, all int/uint widths, float32/float64.
// Anything else (including nil) is rejected, since structural equality over
// arbitrary types is not well-defined.
func Canon(parts []any) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("keyutil: empty key")
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('/')
		}
		if err := writePart(&b, p); err != nil {
			return "", fmt.Errorf("keyutil: part %d: %w", i, err)
		}
	}
	return b.String(), nil
}

func writePart(b *strings.Builder, p any) error {
	switch v := p.(type) {
	case string:
		b.WriteString("s:")
		b.WriteString(escape(v))
	case bool:
		b.WriteString("b:")
		b.WriteString(strconv.FormatBool(v))
	case int:
		writeInt(b, int64(v))
	case int8:
		writeInt(b, int64(v))
	case int16:
		writeInt(b, int64(v))
	case int32:
		writeInt(b, int64(v))
	case int64:
		writeInt(b, v)
	case uint:
		writeUint(b, uint64(v))
	case uint8:
		writeUint(b, uint64(v))
	case uint16:
		writeUint(b, uint64(v))
	case uint32:
		writeUint(b, uint64(v))
	case uint64:
		writeUint(b, v)
	case float32:
		writeFloat(b, float64(v))
	case float64:
		writeFloat(b, v)
	default:
		return fmt.Errorf("unsupported type %T", p)
	}
	return nil
}

func writeInt(b *strings.Builder, v int64) {
	b.WriteString("i:")
	b.WriteString(strconv.FormatInt(v, 10))
}

func writeUint(b *strings.Builder, v uint64) {
	b.WriteString("u:")
	b.WriteString(strconv.FormatUint(v, 10))
}

func writeFloat(b *strings.Builder, v float64) {
	b.WriteString("f:")
	// 'b' format is exact (mantissa*2^exp), so distinct floats never collide
	// and NaN payload differences do not matter.
	if math.IsNaN(v) {
		b.WriteString("nan")
		return
	}
	b.WriteString(strconv.FormatFloat(v, 'b', -1, 64))
}

// escape protects '/' (part separator) and '%' (escape lead) inside strings.
func escape(s string) string {
	if !strings.ContainsAny(s, "/%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '/':
			b.WriteString("%2F")
		case '%':
			b.WriteString("%25")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// StoreKey returns a fixed-length storage key for the second-level store:
// namespace prefix + short hash of the canonical key.
func StoreKey(ns, canon string) string {
	sum := sha256.Sum256([]byte(canon))
	return fmt.Sprintf("q:%s:%x", ns, sum[:8])
}

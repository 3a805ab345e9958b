// Package wire frames entries persisted to the second-level store.
//
// Layout:
//
//	magic(4) | ver(1) | epoch(u64 be) | fetchedAt(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
//
// The epoch is validated against the key's current invalidation epoch on read;
// fetchedAt feeds the staleness check. Decode rejects trailing bytes so foreign
// writes under the cache's key prefix surface as corruption, not silent data.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("querycache: corrupt store entry")
	magic4     = [...]byte{'Q', 'R', 'Y', 'C'}
)

const header = 4 + 1 + 8 + 8 + 4

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload with the entry's epoch and fetch time.
func Encode(epoch uint64, fetchedAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(header + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], epoch)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(fetchedAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode parses a framed entry. The returned payload aliases b (zero-copy).
func Decode(b []byte) (epoch uint64, fetchedAt time.Time, payload []byte, err error) {
	if len(b) < header || !hasMagic(b) || b[4] != version {
		return 0, time.Time{}, nil, ErrCorrupt
	}

	off := 5

	epoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	nanos := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact length; trailing bytes are corruption
		return 0, time.Time{}, nil, ErrCorrupt
	}

	return epoch, time.Unix(0, nanos), b[off : off+vlen], nil
}

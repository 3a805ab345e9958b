package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func mustDecode(t *testing.T, b []byte) (uint64, time.Time, []byte) {
	t.Helper()
	epoch, at, p, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	return epoch, at, p
}

func TestRoundTrip(t *testing.T) {
	now := time.Unix(0, 1724918400123456789)
	cases := []struct {
		epoch   uint64
		payload []byte
	}{
		{0, nil},
		{42, []byte("hello")},
		{math.MaxUint64, []byte{0, 1, 2, 3, 4}},
	}
	for _, tc := range cases {
		enc := Encode(tc.epoch, now, tc.payload)
		epoch, at, p := mustDecode(t, enc)
		if epoch != tc.epoch {
			t.Fatalf("epoch mismatch: got %d want %d", epoch, tc.epoch)
		}
		if !at.Equal(now) {
			t.Fatalf("fetchedAt mismatch: got %v want %v", at, now)
		}
		if !bytes.Equal(p, tc.payload) {
			t.Fatalf("payload mismatch: got %x want %x", p, tc.payload)
		}
	}
}

func TestRejectsTrailingBytes(t *testing.T) {
	enc := Encode(7, time.Now(), []byte("x"))
	enc = append(enc, 0xDE, 0xAD)
	if _, _, _, err := Decode(enc); err == nil {
		t.Fatalf("expected error on trailing bytes")
	}
}

func TestCorruptHeadersAndLengths(t *testing.T) {
	enc := Encode(1, time.Now(), []byte("abc"))

	// bad magic
	badMagic := append([]byte(nil), enc...)
	badMagic[0] = 'X'
	if _, _, _, err := Decode(badMagic); err == nil {
		t.Fatalf("expected error on bad magic")
	}

	// wrong version
	badVer := append([]byte(nil), enc...)
	badVer[4] = version + 1
	if _, _, _, err := Decode(badVer); err == nil {
		t.Fatalf("expected error on bad version")
	}

	// vlen too large (announce more than available)
	tooLong := append([]byte(nil), enc...)
	// vlen is at offset 21..24 (4 magic +1 ver +8 epoch +8 fetchedAt)
	binary.BigEndian.PutUint32(tooLong[21:25], uint32(len("abc")+1))
	if _, _, _, err := Decode(tooLong); err == nil {
		t.Fatalf("expected error on vlen beyond buffer")
	}

	// truncated buffer
	trunc := enc[:len(enc)-1]
	if _, _, _, err := Decode(trunc); err == nil {
		t.Fatalf("expected error on truncated buffer")
	}

	// not even a header
	if _, _, _, err := Decode([]byte("short")); err == nil {
		t.Fatalf("expected error on short buffer")
	}
}

func TestZeroCopyPayload(t *testing.T) {
	enc := Encode(1, time.Now(), []byte("Z"))
	_, _, p := mustDecode(t, enc)
	if len(p) != 1 {
		t.Fatalf("unexpected payload len")
	}
	// mutate payload slice. should mutate underlying enc bytes (zero-copy)
	p[0] = 'Q'
	_, _, p2 := mustDecode(t, enc)
	if p2[0] != 'Q' {
		t.Fatalf("expected zero-copy slice into enc buffer")
	}
}

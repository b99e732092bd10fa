package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrCorrupt = errors.New("encoding: corrupt rle data")

// EncodeRLE packs a field of small values as base64(varint pairs). The pairs
// are (value, run_len) repeated. Light fields are mostly PhaseNone with long
// runs of identical phases, so they shrink to a few bytes.
func EncodeRLE(vals []uint8) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(vals) {
		v := vals[i]
		run := 1
		for j := i + 1; j < len(vals) && vals[j] == v; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE reverses EncodeRLE. want is the expected number of values; the
// data must expand to exactly that many.
func DecodeRLE(b64 string, want int) ([]uint8, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out := make([]uint8, 0, want)
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad varint at %d", ErrCorrupt, i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad varint at %d", ErrCorrupt, i)
		}
		i += n
		if v > 0xFF {
			return nil, fmt.Errorf("%w: value too large: %d", ErrCorrupt, v)
		}
		if run == 0 || run > uint64(want-len(out)) {
			return nil, fmt.Errorf("%w: run of %d overflows %d values", ErrCorrupt, run, want)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint8(v))
		}
	}
	if len(out) != want {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrCorrupt, len(out), want)
	}
	return out, nil
}

package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"urbanflow.ai/internal/sim/grid"
)

// stateDigest hashes everything a tick can change: vehicles, congestion and
// light state. Two runs from the same seeds produce the same digest chain.
func (w *World) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	writeU64(h, &tmp, nowTick)
	writeU64(h, &tmp, uint64(w.cfg.Seed))
	writeU64(h, &tmp, uint64(w.episode))
	writeU64(h, &tmp, uint64(w.env.LightTicks()))

	writeU64(h, &tmp, uint64(len(w.vehicles)))
	for _, v := range w.vehicles {
		writeU64(h, &tmp, uint64(v.ID))
		writeU64(h, &tmp, uint64(int64(v.Position.X)))
		writeU64(h, &tmp, uint64(int64(v.Position.Y)))
		writeU64(h, &tmp, uint64(v.Steps))
		writeU64(h, &tmp, math.Float64bits(v.TotalReward))
		if v.Reached {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	n := w.env.Size()
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			p := grid.Pos{X: x, Y: y}
			writeU64(h, &tmp, math.Float64bits(w.env.CongestionAt(p)))
			b := byte(w.env.LightAt(p))
			if w.env.IsObstacle(p) {
				b |= 0x80
			}
			h.Write([]byte{b})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeU64(h hash.Hash, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

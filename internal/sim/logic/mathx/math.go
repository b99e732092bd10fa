package mathx

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// ClampInt returns v limited to [lo, hi]. lo must not exceed hi.
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// DeriveSeed mixes a base seed with two integers into a new seed, so that
// per-episode and per-component RNG streams stay independent and reproducible.
func DeriveSeed(seed int64, a, b int) int64 {
	ua := uint64(uint32(int32(a)))
	ub := uint64(uint32(int32(b)))
	v := uint64(seed) ^ (ua * 0x9e3779b97f4a7c15) ^ (ub * 0xbf58476d1ce4e5b9)
	return int64(mix64(v) >> 1)
}

package reward

import (
	"math"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/logic/mathx"
)

// CongestionReader is the environment view the reward needs.
type CongestionReader interface {
	CongestionAt(grid.Pos) float64
}

// Input describes one candidate move. History is the vehicle's path so far,
// ending with its current position.
type Input struct {
	Prev        grid.Pos
	Candidate   grid.Pos
	Destination grid.Pos
	GridSize    int

	Env         CongestionReader
	History     []grid.Pos
	OptimalPath []grid.Pos
}

// Compute scores a candidate move. It is a pure function of its inputs.
// Destination, red-light and loop terms are added by the caller.
func Compute(in Input, cfg *Config) float64 {
	var r float64
	switch s := cfg.Shaping.(type) {
	case Proximity:
		r = proximity(in, s)
	case Exponential:
		r = exponential(in, s)
	}
	return r + common(in, cfg)
}

func proximity(in Input, s Proximity) float64 {
	r := s.StepPenalty

	path := in.OptimalPath
	if len(path) >= 2 {
		if in.Candidate == nextWaypoint(path, in.Prev) {
			r += s.FollowReward
		} else if indexOf(path, in.Candidate) >= 0 {
			r += s.OnPathReward
		}
	}

	oldDist := grid.Manhattan(in.Prev, in.Destination)
	newDist := grid.Manhattan(in.Candidate, in.Destination)
	if newDist < oldDist {
		r += s.CloserReward
	}

	progress := 1.0
	if in.GridSize > 0 {
		progress = 1 - float64(newDist)/float64(2*in.GridSize)
	}
	r += float64(oldDist-newDist) * (s.ProximityBase + s.ProximityMax*progress)

	if len(path) > 0 {
		idx, d := nearestWaypoint(path, in.Candidate)
		weight := 1 + float64(idx)/float64(len(path))
		r += (s.PathDistanceBase - s.PathDistancePenalty*float64(d)) * weight
	}
	return r
}

func exponential(in Input, s Exponential) float64 {
	dx := float64(mathx.AbsInt(in.Candidate.X - in.Destination.X))
	dy := float64(mathx.AbsInt(in.Candidate.Y - in.Destination.Y))
	return s.Base + s.Amplitude*math.Exp(-(dx/s.XScale + dy/s.YScale))
}

func common(in Input, cfg *Config) float64 {
	var r float64
	if in.Env != nil {
		if c := in.Env.CongestionAt(in.Candidate); c > cfg.CongestionThreshold {
			r -= cfg.CongestionMultiplier * c
		}
	}
	h := in.History
	if len(h) >= 2 && in.Candidate == h[len(h)-2] {
		r += cfg.BacktrackPenalty
	}
	if len(h) >= 3 && in.Candidate == h[len(h)-3] {
		r += cfg.OscillationPenalty
	}
	if len(h) >= 5 && in.Candidate == h[len(h)-5] {
		r += cfg.LongOscillationPenalty
	}
	return r
}

// nextWaypoint is the entry after from in path, or path[1] when from is not
// on the path (or is its last entry).
func nextWaypoint(path []grid.Pos, from grid.Pos) grid.Pos {
	if i := indexOf(path, from); i >= 0 && i+1 < len(path) {
		return path[i+1]
	}
	return path[1]
}

func indexOf(path []grid.Pos, p grid.Pos) int {
	for i, q := range path {
		if q == p {
			return i
		}
	}
	return -1
}

func nearestWaypoint(path []grid.Pos, p grid.Pos) (idx, dist int) {
	idx, dist = 0, grid.Manhattan(path[0], p)
	for i := 1; i < len(path); i++ {
		if d := grid.Manhattan(path[i], p); d < dist {
			idx, dist = i, d
		}
	}
	return idx, dist
}

package policy

import (
	"math"

	"urbanflow.ai/internal/sim/grid"
)

// Action is one of the four compass moves. The numeric order is part of the
// table layout and must not change.
type Action int

const (
	Up Action = iota
	Right
	Down
	Left
)

const NumActions = 4

var actionDeltas = [NumActions]grid.Pos{
	Up:    {X: 0, Y: 1},
	Right: {X: 1, Y: 0},
	Down:  {X: 0, Y: -1},
	Left:  {X: -1, Y: 0},
}

func (a Action) Delta() (dx, dy int) {
	d := actionDeltas[a]
	return d.X, d.Y
}

func (a Action) Apply(p grid.Pos) grid.Pos {
	d := actionDeltas[a]
	return p.Add(d.X, d.Y)
}

func (a Action) String() string {
	switch a {
	case Up:
		return "up"
	case Right:
		return "right"
	case Down:
		return "down"
	case Left:
		return "left"
	default:
		return "?"
	}
}

const (
	CongestionBuckets = 5
	BearingBuckets    = 8

	// NoBearing marks keys built by a policy that is not destination-aware.
	NoBearing = -1
)

// StateKey is the discretized observation a table row is keyed by.
type StateKey struct {
	X          int `json:"x"`
	Y          int `json:"y"`
	Congestion int `json:"congestion"`
	Bearing    int `json:"bearing"`
}

// CongestionBucket maps a congestion level in [0,1] to [0, CongestionBuckets).
func CongestionBucket(level float64) int {
	b := int(math.Floor(level * CongestionBuckets))
	if b < 0 {
		return 0
	}
	return min(CongestionBuckets-1, b)
}

// BearingBucket splits the angle from pos to dest into eight 45° sectors,
// sector 0 starting at due east and increasing counter-clockwise. A vehicle
// standing on its destination gets sector 0.
func BearingBucket(pos, dest grid.Pos) int {
	dx := float64(dest.X - pos.X)
	dy := float64(dest.Y - pos.Y)
	if dx == 0 && dy == 0 {
		return 0
	}
	angle := math.Atan2(dy, dx)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	b := int(math.Floor(angle / (math.Pi / 4)))
	return b % BearingBuckets
}

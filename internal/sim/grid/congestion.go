package grid

import (
	"math"

	"urbanflow.ai/internal/sim/logic/mathx"
)

// ResetCongestion draws every cell uniformly from [0, 0.3).
func (g *Grid) ResetCongestion() {
	g.FillCongestion(0, 0.3)
}

// FillCongestion draws every cell uniformly from [lo, hi), clamped to [0,1].
func (g *Grid) FillCongestion(lo, hi float64) {
	for x := range g.congestion {
		for y := range g.congestion[x] {
			g.congestion[x][y] = mathx.Clamp01(lo + g.rng.Float64()*(hi-lo))
		}
	}
}

// UpdateCongestion blends the occupancy histogram of the given positions into
// the field as an exponential moving average and renormalizes so the maximum
// is 1 when any cell is congested. Repeated positions count once per entry.
// Positions outside the grid are ignored.
func (g *Grid) UpdateCongestion(occupied []Pos) {
	n := g.cfg.Size
	hist := make([]float64, n*n)
	for _, p := range occupied {
		if !g.InBounds(p) {
			continue
		}
		hist[p.X*n+p.Y]++
	}

	rate := g.cfg.CongestionRate
	peak := 0.0
	for x := 0; x < n; x++ {
		row := g.congestion[x]
		for y := 0; y < n; y++ {
			v := (1-rate)*row[y] + rate*hist[x*n+y]
			row[y] = v
			if v > peak {
				peak = v
			}
		}
	}
	if peak <= 0 {
		return
	}
	for x := 0; x < n; x++ {
		row := g.congestion[x]
		for y := 0; y < n; y++ {
			row[y] /= peak
		}
	}
}

// CongestionAt returns the congestion of p, or 0 outside the grid.
func (g *Grid) CongestionAt(p Pos) float64 {
	if !g.InBounds(p) {
		return 0
	}
	return g.congestion[p.X][p.Y]
}

// SetCongestion overrides a single cell, clamped to [0,1].
func (g *Grid) SetCongestion(x, y int, v float64) {
	g.congestion[x][y] = mathx.Clamp01(v)
}

// AdjustCongestionArea paints a congestion spot centred on c: every cell
// within Euclidean radius gets level scaled by a linear falloff, 1 at the
// centre and 0 at the rim. Cells outside the radius are untouched. A radius
// of 0 sets only c.
func (g *Grid) AdjustCongestionArea(c Pos, radius int, level float64) {
	if radius <= 0 {
		if g.InBounds(c) {
			g.SetCongestion(c.X, c.Y, level)
		}
		return
	}
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			p := c.Add(dx, dy)
			if !g.InBounds(p) {
				continue
			}
			d := math.Sqrt(float64(dx*dx + dy*dy))
			if d > float64(radius) {
				continue
			}
			g.SetCongestion(p.X, p.Y, level*(1-d/float64(radius)))
		}
	}
}

// CongestionWindowAverage is the mean congestion over a window×window square
// centred on (x,y), clipped to the grid bounds.
func (g *Grid) CongestionWindowAverage(x, y, window int) float64 {
	half := window / 2
	xMin := max(0, x-half)
	xMax := min(g.cfg.Size-1, x+half)
	yMin := max(0, y-half)
	yMax := min(g.cfg.Size-1, y+half)
	if xMin > xMax || yMin > yMax {
		return 0
	}

	sum := 0.0
	cells := 0
	for i := xMin; i <= xMax; i++ {
		for j := yMin; j <= yMax; j++ {
			sum += g.congestion[i][j]
			cells++
		}
	}
	return sum / float64(cells)
}

func (g *Grid) MaxCongestion() float64 {
	peak := 0.0
	for x := range g.congestion {
		for _, v := range g.congestion[x] {
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

// CongestionField returns a copy of the field indexed [x][y].
func (g *Grid) CongestionField() [][]float64 {
	out := newFloats(g.cfg.Size)
	for x := range g.congestion {
		copy(out[x], g.congestion[x])
	}
	return out
}

// LoadCongestionField replaces the field with a copy of f. f must be size×size.
func (g *Grid) LoadCongestionField(f [][]float64) {
	for x := range g.congestion {
		for y := range g.congestion[x] {
			g.congestion[x][y] = mathx.Clamp01(f[x][y])
		}
	}
}

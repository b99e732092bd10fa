package grid

// Phase is the state of a traffic light.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseNorthSouth
	PhaseEastWest
)

func (p Phase) String() string {
	switch p {
	case PhaseNorthSouth:
		return "NS"
	case PhaseEastWest:
		return "EW"
	default:
		return "-"
	}
}

// Allows reports whether a unit move (dx,dy) onto a cell with this phase may
// proceed. Vertical moves need a north-south green, horizontal moves an
// east-west green.
func (p Phase) Allows(dx, dy int) bool {
	switch p {
	case PhaseNorthSouth:
		return dx == 0
	case PhaseEastWest:
		return dy == 0
	default:
		return true
	}
}

// InitTrafficLights places a light on every cell whose coordinates are both
// odd and resets the cycle counter.
func (g *Grid) InitTrafficLights() {
	for x := range g.lights {
		clear(g.lights[x])
	}
	for x := 1; x < g.cfg.Size; x += 2 {
		for y := 1; y < g.cfg.Size; y += 2 {
			if (x+y)%2 == 0 {
				g.lights[x][y] = PhaseNorthSouth
			} else {
				g.lights[x][y] = PhaseEastWest
			}
		}
	}
	g.lightTicks = 0
}

// UpdateTrafficLights advances the cycle counter; every LightCycle ticks all
// lights switch together.
func (g *Grid) UpdateTrafficLights() {
	g.lightTicks++
	if g.cfg.DisableLights || g.lightTicks%g.cfg.LightCycle != 0 {
		return
	}
	for x := range g.lights {
		for y, p := range g.lights[x] {
			if p != PhaseNone {
				g.lights[x][y] = 3 - p
			}
		}
	}
}

func (g *Grid) LightAt(p Pos) Phase {
	if !g.InBounds(p) {
		return PhaseNone
	}
	return g.lights[p.X][p.Y]
}

func (g *Grid) LightTicks() int { return g.lightTicks }

// LightField returns a copy of the phase field indexed [x][y].
func (g *Grid) LightField() [][]Phase {
	out := newPhases(g.cfg.Size)
	for x := range g.lights {
		copy(out[x], g.lights[x])
	}
	return out
}

// RestoreLights replaces the phase field and cycle counter. f must be size×size.
func (g *Grid) RestoreLights(f [][]Phase, ticks int) {
	for x := range g.lights {
		copy(g.lights[x], f[x])
	}
	g.lightTicks = ticks
}

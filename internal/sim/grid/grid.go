package grid

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"urbanflow.ai/internal/sim/logic/mathx"
)

var ErrInvalidConfig = errors.New("grid: invalid config")

// Pos addresses a cell. X grows to the east, Y grows to the north.
type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Pos) Add(dx, dy int) Pos { return Pos{X: p.X + dx, Y: p.Y + dy} }

func (p Pos) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

func Manhattan(a, b Pos) int {
	return mathx.AbsInt(a.X-b.X) + mathx.AbsInt(a.Y-b.Y)
}

type Config struct {
	Size int
	// CongestionRate is the blend factor of UpdateCongestion, in (0,1].
	CongestionRate float64
	// LightCycle is the number of ticks between phase switches. It is ignored
	// when DisableLights is set.
	LightCycle int

	// DisableLights leaves every cell without a traffic light.
	DisableLights bool
}

const (
	DefaultCongestionRate = 0.1
	DefaultLightCycle     = 10
)

// DefaultConfig is a size×size grid with the default congestion rate and
// light cycle.
func DefaultConfig(size int) Config {
	return Config{Size: size, CongestionRate: DefaultCongestionRate, LightCycle: DefaultLightCycle}
}

func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	if math.IsNaN(c.CongestionRate) || c.CongestionRate <= 0 || c.CongestionRate > 1 {
		return fmt.Errorf("%w: congestion rate must be in (0,1], got %v", ErrInvalidConfig, c.CongestionRate)
	}
	if !c.DisableLights && c.LightCycle <= 0 {
		return fmt.Errorf("%w: light cycle must be positive, got %d", ErrInvalidConfig, c.LightCycle)
	}
	return nil
}

// Grid is the city environment: obstacle mask, congestion field and
// traffic-light field. It is single-writer; callers must not mutate it while
// vehicles of the same tick are reading it.
type Grid struct {
	cfg Config
	rng *rand.Rand

	obstacles  [][]bool
	congestion [][]float64
	lights     [][]Phase

	lightTicks int
}

// New builds an empty grid (no obstacles, zero congestion). A nil rng gets a
// fixed-seed source so behaviour is reproducible.
func New(cfg Config, rng *rand.Rand) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	g := &Grid{
		cfg:        cfg,
		rng:        rng,
		obstacles:  newBools(cfg.Size),
		congestion: newFloats(cfg.Size),
		lights:     newPhases(cfg.Size),
	}
	if !cfg.DisableLights {
		g.InitTrafficLights()
	}
	return g, nil
}

func (g *Grid) Size() int      { return g.cfg.Size }
func (g *Grid) Config() Config { return g.cfg }

func (g *Grid) InBounds(p Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.cfg.Size && p.Y < g.cfg.Size
}

func (g *Grid) IsObstacle(p Pos) bool {
	if !g.InBounds(p) {
		return false
	}
	return g.obstacles[p.X][p.Y]
}

// Passable reports whether a vehicle may occupy p.
func (g *Grid) Passable(p Pos) bool {
	return g.InBounds(p) && !g.obstacles[p.X][p.Y]
}

// AddObstacle marks (x,y) impassable. Out-of-range coordinates panic.
func (g *Grid) AddObstacle(x, y int) { g.obstacles[x][y] = true }

func (g *Grid) RemoveObstacle(x, y int) { g.obstacles[x][y] = false }

func (g *Grid) ClearObstacles() {
	for x := range g.obstacles {
		clear(g.obstacles[x])
	}
}

// RandomObstacles clears the mask and drops density*size*size obstacles at
// random cells. Cells are drawn with replacement, so the resulting count can
// be lower. It returns the number of draws.
func (g *Grid) RandomObstacles(density float64) int {
	g.ClearObstacles()
	n := int(density * float64(g.cfg.Size*g.cfg.Size))
	for i := 0; i < n; i++ {
		g.AddObstacle(g.rng.Intn(g.cfg.Size), g.rng.Intn(g.cfg.Size))
	}
	return n
}

// AddIncident blocks a 3-cell horizontal stretch centred on c, clipped to the grid.
func (g *Grid) AddIncident(c Pos) {
	for dx := -1; dx <= 1; dx++ {
		p := c.Add(dx, 0)
		if g.InBounds(p) {
			g.AddObstacle(p.X, p.Y)
		}
	}
}

func (g *Grid) ObstacleCount() int {
	n := 0
	for x := range g.obstacles {
		for _, o := range g.obstacles[x] {
			if o {
				n++
			}
		}
	}
	return n
}

// RandomFreeCell samples a uniformly random passable cell. It returns false
// when the grid has no passable cell.
func (g *Grid) RandomFreeCell(rng *rand.Rand) (Pos, bool) {
	if rng == nil {
		rng = g.rng
	}
	free := g.cfg.Size*g.cfg.Size - g.ObstacleCount()
	if free <= 0 {
		return Pos{}, false
	}
	for {
		p := Pos{X: rng.Intn(g.cfg.Size), Y: rng.Intn(g.cfg.Size)}
		if !g.obstacles[p.X][p.Y] {
			return p, true
		}
	}
}

func (g *Grid) Obstacles() []Pos {
	var out []Pos
	for x := range g.obstacles {
		for y, o := range g.obstacles[x] {
			if o {
				out = append(out, Pos{X: x, Y: y})
			}
		}
	}
	return out
}

func newBools(n int) [][]bool {
	out := make([][]bool, n)
	for i := range out {
		out[i] = make([]bool, n)
	}
	return out
}

func newFloats(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	return out
}

func newPhases(n int) [][]Phase {
	out := make([][]Phase, n)
	for i := range out {
		out[i] = make([]Phase, n)
	}
	return out
}

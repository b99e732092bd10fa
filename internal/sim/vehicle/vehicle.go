package vehicle

import (
	"errors"
	"fmt"
	"math/rand"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/planner"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
)

var (
	ErrInvalidSpawn   = errors.New("vehicle: invalid spawn")
	ErrInvalidOptions = errors.New("vehicle: invalid options")
)

const (
	DefaultReplanEvery      = 10
	DefaultCongestionWindow = 3
)

type Options struct {
	// ReplanEvery is the step interval between A* refreshes. Zero picks
	// DefaultReplanEvery.
	ReplanEvery int
	// CongestionWindow is the side of the square averaged into the state key.
	// Zero picks DefaultCongestionWindow.
	CongestionWindow int
	// Planner is used as given; the zero value plans plain shortest paths.
	Planner planner.Options
}

func (o Options) Validate() error {
	if o.ReplanEvery < 0 || o.CongestionWindow < 0 {
		return fmt.Errorf("%w: replan interval and congestion window must not be negative (%d, %d)",
			ErrInvalidOptions, o.ReplanEvery, o.CongestionWindow)
	}
	if err := o.Planner.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.ReplanEvery == 0 {
		o.ReplanEvery = DefaultReplanEvery
	}
	if o.CongestionWindow == 0 {
		o.CongestionWindow = DefaultCongestionWindow
	}
}

// StepResult describes what one Move did.
type StepResult struct {
	Reward float64
	From   grid.Pos
	To     grid.Pos
	Action policy.Action

	// Waited is set when the vehicle stayed put: a red light, or a move into
	// an obstacle or off the grid (Blocked).
	Waited      bool
	Blocked     bool
	Reached     bool
	Looping     bool
	LoopPenalty float64
}

// Vehicle is one learning agent moving across the grid. Vehicles of a run
// share one policy and one reward config.
type Vehicle struct {
	ID          int
	Start       grid.Pos
	Position    grid.Pos
	Destination grid.Pos

	Path        []grid.Pos
	Reached     bool
	Steps       int
	TotalReward float64

	OptimalPath []grid.Pos

	env  *grid.Grid
	pol  *policy.Policy
	cfg  *reward.Config
	opts Options

	planStale     bool
	visits        map[grid.Pos]int
	loopPenalized map[grid.Pos]struct{}
}

func New(id int, env *grid.Grid, pol *policy.Policy, cfg *reward.Config, start, dest grid.Pos, opts Options) (*Vehicle, error) {
	if !env.InBounds(start) || !env.InBounds(dest) {
		return nil, fmt.Errorf("%w: %v -> %v outside %dx%d grid", ErrInvalidSpawn, start, dest, env.Size(), env.Size())
	}
	if start == dest {
		return nil, fmt.Errorf("%w: start equals destination %v", ErrInvalidSpawn, start)
	}
	if env.IsObstacle(start) {
		return nil, fmt.Errorf("%w: start %v is an obstacle", ErrInvalidSpawn, start)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	return &Vehicle{
		ID:            id,
		Start:         start,
		Position:      start,
		Destination:   dest,
		Path:          []grid.Pos{start},
		env:           env,
		pol:           pol,
		cfg:           cfg,
		opts:          opts,
		planStale:     true,
		visits:        map[grid.Pos]int{start: 1},
		loopPenalized: map[grid.Pos]struct{}{},
	}, nil
}

// Spawn places a vehicle on a random passable cell with a distinct random
// passable destination.
func Spawn(id int, env *grid.Grid, pol *policy.Policy, cfg *reward.Config, rng *rand.Rand, opts Options) (*Vehicle, error) {
	if env.Size()*env.Size()-env.ObstacleCount() < 2 {
		return nil, fmt.Errorf("%w: need two free cells", ErrInvalidSpawn)
	}
	start, _ := env.RandomFreeCell(rng)
	dest := start
	for dest == start {
		dest, _ = env.RandomFreeCell(rng)
	}
	return New(id, env, pol, cfg, start, dest, opts)
}

// InvalidatePath forces a replan on the next Move, e.g. after obstacle edits.
func (v *Vehicle) InvalidatePath() { v.planStale = true }

func (v *Vehicle) replan() {
	v.OptimalPath = planner.Plan(v.Position, v.Destination, v.env, v.opts.Planner)
	v.planStale = false
}

func (v *Vehicle) stateKey(p grid.Pos) policy.StateKey {
	c := v.env.CongestionWindowAverage(p.X, p.Y, v.opts.CongestionWindow)
	return v.pol.StateKey(p, c, v.Destination)
}

// Move advances the vehicle by one tick. Once the destination is reached it
// is a no-op returning a zero result.
func (v *Vehicle) Move() StepResult {
	if v.Reached {
		return StepResult{From: v.Position, To: v.Position}
	}

	// A failed plan stays nil until the next interval or an explicit invalidation.
	if v.planStale || v.Steps%v.opts.ReplanEvery == 0 {
		v.replan()
	}

	state := v.stateKey(v.Position)
	action := v.pol.ChooseAction(v.env, state, v.Position)
	from := v.Position
	candidate := action.Apply(from)

	r := reward.Compute(reward.Input{
		Prev:        from,
		Candidate:   candidate,
		Destination: v.Destination,
		GridSize:    v.env.Size(),
		Env:         v.env,
		History:     v.Path,
		OptimalPath: v.OptimalPath,
	}, v.cfg)

	res := StepResult{From: from, Action: action}
	dx, dy := action.Delta()
	switch {
	case !v.env.Passable(candidate):
		res.Waited, res.Blocked = true, true
	case !v.env.LightAt(candidate).Allows(dx, dy):
		res.Waited = true
		r += v.cfg.RedLightWaitPenalty
	}

	if res.Waited {
		v.Path = append(v.Path, v.Position)
	} else {
		if candidate == v.Destination {
			r += v.cfg.DestinationReward
			v.Reached = true
		}
		v.Position = candidate
		v.Path = append(v.Path, candidate)
	}
	v.Steps++

	v.visits[v.Position]++
	threshold := v.cfg.LoopThreshold(v.env.Size())
	if n := v.visits[v.Position]; n > threshold {
		if _, done := v.loopPenalized[v.Position]; !done {
			res.Looping = true
			res.LoopPenalty = v.cfg.LoopPenalty(n - threshold)
			r += res.LoopPenalty
			v.loopPenalized[v.Position] = struct{}{}
			v.pol.ResetStateValues(state)
		}
	}

	v.TotalReward += r
	next := v.stateKey(v.Position)
	v.pol.Update(state, action, r, next)

	res.Reward = r
	res.To = v.Position
	res.Reached = v.Reached
	return res
}

// RemainingPath is the part of the cached plan after the current position.
// It is nil when there is no plan or the vehicle left it.
func (v *Vehicle) RemainingPath() []grid.Pos {
	for i, p := range v.OptimalPath {
		if p == v.Position {
			out := make([]grid.Pos, len(v.OptimalPath)-i-1)
			copy(out, v.OptimalPath[i+1:])
			return out
		}
	}
	return nil
}

// Visits is the number of times the vehicle stood on p, including the spawn.
func (v *Vehicle) Visits(p grid.Pos) int { return v.visits[p] }

func (v *Vehicle) LoopPenalized(p grid.Pos) bool {
	_, ok := v.loopPenalized[p]
	return ok
}

// PathEfficiency is the Manhattan lower bound over steps taken, for vehicles
// that arrived. It is 0 otherwise.
func (v *Vehicle) PathEfficiency() float64 {
	if !v.Reached || v.Steps == 0 {
		return 0
	}
	return float64(grid.Manhattan(v.Start, v.Destination)) / float64(v.Steps)
}

// State is a detached copy of a vehicle's observable fields.
type State struct {
	ID            int        `json:"id"`
	Start         grid.Pos   `json:"start"`
	Position      grid.Pos   `json:"position"`
	Destination   grid.Pos   `json:"destination"`
	Path          []grid.Pos `json:"path"`
	Reached       bool       `json:"reached"`
	Steps         int        `json:"steps"`
	TotalReward   float64    `json:"total_reward"`
	RemainingPath []grid.Pos `json:"remaining_path,omitempty"`
}

func (v *Vehicle) Snapshot() State {
	path := make([]grid.Pos, len(v.Path))
	copy(path, v.Path)
	return State{
		ID:            v.ID,
		Start:         v.Start,
		Position:      v.Position,
		Destination:   v.Destination,
		Path:          path,
		Reached:       v.Reached,
		Steps:         v.Steps,
		TotalReward:   v.TotalReward,
		RemainingPath: v.RemainingPath(),
	}
}

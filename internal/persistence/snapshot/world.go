package snapshot

import (
	"fmt"
	"log"
	"math/rand"

	"urbanflow.ai/internal/sim/encoding"
	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/planner"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/world"
)

// FromWorld captures the world's policy, reward config and grid state.
func FromWorld(w *world.World) SnapshotV1 {
	cfg := w.Config()
	env := w.Grid()
	gc := env.Config()

	g := GridV1{
		Size:           gc.Size,
		CongestionRate: gc.CongestionRate,
		LightCycle:     gc.LightCycle,
		DisableLights:  gc.DisableLights,
		Obstacles:      [][2]int{},
		Congestion:     env.CongestionField(),
		LightTicks:     env.LightTicks(),
	}
	for _, p := range env.Obstacles() {
		g.Obstacles = append(g.Obstacles, [2]int{p.X, p.Y})
	}
	phases := make([]uint8, 0, gc.Size*gc.Size)
	for _, col := range env.LightField() {
		for _, p := range col {
			phases = append(phases, uint8(p))
		}
	}
	g.Lights = encoding.EncodeRLE(phases)

	return SnapshotV1{
		Header: Header{
			Version: Version,
			WorldID: cfg.ID,
			Tick:    w.Tick(),
			Episode: w.Episode(),
		},
		Seed:             cfg.Seed,
		TickRate:         cfg.TickRateHz,
		NumVehicles:      cfg.NumVehicles,
		MaxSteps:         cfg.MaxSteps,
		ObstacleDensity:  cfg.ObstacleDensity,
		ReplanEvery:      cfg.ReplanEvery,
		CongestionWindow: cfg.CongestionWindow,
		Planner: PlannerV1{
			CongestionThreshold: cfg.Planner.CongestionThreshold,
			CongestionWeight:    cfg.Planner.CongestionWeight,
		},
		Grid:   g,
		Reward: RewardFromConfig(w.Rewards()),
		Policy: w.Policy().Snapshot(),
	}
}

func RewardFromConfig(c *reward.Config) RewardV1 {
	out := RewardV1{
		Algorithm:              reward.AlgorithmName(c.Shaping),
		CongestionThreshold:    c.CongestionThreshold,
		CongestionMultiplier:   c.CongestionMultiplier,
		BacktrackPenalty:       c.BacktrackPenalty,
		OscillationPenalty:     c.OscillationPenalty,
		LongOscillationPenalty: c.LongOscillationPenalty,
		RedLightWaitPenalty:    c.RedLightWaitPenalty,
		DestinationReward:      c.DestinationReward,
		LoopThresholdBase:      c.LoopThresholdBase,
		LoopThresholdMax:       c.LoopThresholdMax,
		LoopPenaltyBase:        c.LoopPenaltyBase,
		LoopPenaltyMax:         c.LoopPenaltyMax,
	}
	switch s := c.Shaping.(type) {
	case reward.Proximity:
		out.Proximity = &ProximityV1{
			StepPenalty:         s.StepPenalty,
			FollowReward:        s.FollowReward,
			OnPathReward:        s.OnPathReward,
			CloserReward:        s.CloserReward,
			ProximityBase:       s.ProximityBase,
			ProximityMax:        s.ProximityMax,
			PathDistanceBase:    s.PathDistanceBase,
			PathDistancePenalty: s.PathDistancePenalty,
		}
	case reward.Exponential:
		out.Exponential = &ExponentialV1{Base: s.Base, Amplitude: s.Amplitude, XScale: s.XScale, YScale: s.YScale}
	}
	return out
}

func (r RewardV1) Config() (*reward.Config, error) {
	c := &reward.Config{
		CongestionThreshold:    r.CongestionThreshold,
		CongestionMultiplier:   r.CongestionMultiplier,
		BacktrackPenalty:       r.BacktrackPenalty,
		OscillationPenalty:     r.OscillationPenalty,
		LongOscillationPenalty: r.LongOscillationPenalty,
		RedLightWaitPenalty:    r.RedLightWaitPenalty,
		DestinationReward:      r.DestinationReward,
		LoopThresholdBase:      r.LoopThresholdBase,
		LoopThresholdMax:       r.LoopThresholdMax,
		LoopPenaltyBase:        r.LoopPenaltyBase,
		LoopPenaltyMax:         r.LoopPenaltyMax,
	}
	switch r.Algorithm {
	case reward.AlgorithmProximity:
		if r.Proximity == nil {
			return nil, fmt.Errorf("%w: missing proximity parameters", reward.ErrInvalidConfig)
		}
		p := r.Proximity
		c.Shaping = reward.Proximity{
			StepPenalty:         p.StepPenalty,
			FollowReward:        p.FollowReward,
			OnPathReward:        p.OnPathReward,
			CloserReward:        p.CloserReward,
			ProximityBase:       p.ProximityBase,
			ProximityMax:        p.ProximityMax,
			PathDistanceBase:    p.PathDistanceBase,
			PathDistancePenalty: p.PathDistancePenalty,
		}
	case reward.AlgorithmExponential:
		if r.Exponential == nil {
			return nil, fmt.Errorf("%w: missing exponential parameters", reward.ErrInvalidConfig)
		}
		e := r.Exponential
		c.Shaping = reward.Exponential{Base: e.Base, Amplitude: e.Amplitude, XScale: e.XScale, YScale: e.YScale}
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", reward.ErrInvalidConfig, r.Algorithm)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Restore rebuilds a world with the saved policy, rewards and grid state.
// The world has no vehicles; callers start an episode themselves.
func Restore(snap SnapshotV1, rng *rand.Rand, logger *log.Logger) (*world.World, error) {
	if snap.Header.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	rc, err := snap.Reward.Config()
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(snap.Policy.Params, rng)
	if err != nil {
		return nil, err
	}
	if err := pol.Restore(snap.Policy); err != nil {
		return nil, err
	}

	g := snap.Grid
	w, err := world.New(world.WorldConfig{
		ID: snap.Header.WorldID,
		Grid: grid.Config{
			Size:           g.Size,
			CongestionRate: g.CongestionRate,
			LightCycle:     g.LightCycle,
			DisableLights:  g.DisableLights,
		},
		Seed:            snap.Seed,
		NumVehicles:     snap.NumVehicles,
		MaxSteps:        snap.MaxSteps,
		ObstacleDensity: snap.ObstacleDensity,
		Planner: planner.Options{
			CongestionThreshold: snap.Planner.CongestionThreshold,
			CongestionWeight:    snap.Planner.CongestionWeight,
		},
		ReplanEvery:      snap.ReplanEvery,
		CongestionWindow: snap.CongestionWindow,
		TickRateHz:       snap.TickRate,
		Logger:           logger,
	}, pol, rc)
	if err != nil {
		return nil, err
	}

	w.ResumeCounters(snap.Header.Tick, snap.Header.Episode)

	env := w.Grid()
	for _, p := range g.Obstacles {
		if !w.AddObstacle(grid.Pos{X: p[0], Y: p[1]}) {
			return nil, fmt.Errorf("snapshot: obstacle %v outside %dx%d grid", p, g.Size, g.Size)
		}
	}
	if !square(len(g.Congestion), g.Size, func(x int) int { return len(g.Congestion[x]) }) {
		return nil, fmt.Errorf("snapshot: congestion field is not %dx%d", g.Size, g.Size)
	}
	if len(g.Congestion) > 0 {
		env.LoadCongestionField(g.Congestion)
	}
	if g.Lights != "" {
		phases, err := encoding.DecodeRLE(g.Lights, g.Size*g.Size)
		if err != nil {
			return nil, fmt.Errorf("snapshot: light field: %w", err)
		}
		lights := make([][]grid.Phase, g.Size)
		for x := range lights {
			lights[x] = make([]grid.Phase, g.Size)
			for y := range lights[x] {
				lights[x][y] = grid.Phase(phases[x*g.Size+y])
			}
		}
		env.RestoreLights(lights, g.LightTicks)
	}
	return w, nil
}

// square reports whether an optional [x][y] field is empty or exactly n×n.
func square(cols, n int, colLen func(int) int) bool {
	if cols == 0 {
		return true
	}
	if cols != n {
		return false
	}
	for x := 0; x < cols; x++ {
		if colLen(x) != n {
			return false
		}
	}
	return true
}

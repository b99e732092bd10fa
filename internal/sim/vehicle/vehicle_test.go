package vehicle

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/planner"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
)

type fixture struct {
	env *grid.Grid
	pol *policy.Policy
	cfg *reward.Config
}

func newFixture(t *testing.T, gcfg grid.Config, params policy.Params) fixture {
	t.Helper()
	env, err := grid.New(gcfg, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	pol, err := policy.New(params, rand.New(rand.NewSource(12)))
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	// Flat shaping so only the controller terms show up in rewards.
	cfg := reward.DefaultConfig()
	cfg.Shaping = reward.Exponential{Base: 0, Amplitude: 0, XScale: 1, YScale: 1}
	return fixture{env: env, pol: pol, cfg: cfg}
}

func greedy() policy.Params {
	return policy.Params{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: 0}
}

func (f fixture) vehicle(t *testing.T, start, dest grid.Pos) *Vehicle {
	t.Helper()
	v, err := New(1, f.env, f.pol, f.cfg, start, dest, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestNew_RejectsInvalidSpawn(t *testing.T) {
	f := newFixture(t, grid.Config{Size: 5, CongestionRate: grid.DefaultCongestionRate, DisableLights: true}, greedy())
	f.env.AddObstacle(1, 1)
	cases := []struct{ start, dest grid.Pos }{
		{grid.Pos{X: 2, Y: 2}, grid.Pos{X: 2, Y: 2}},
		{grid.Pos{X: 1, Y: 1}, grid.Pos{X: 3, Y: 3}},
		{grid.Pos{X: -1, Y: 0}, grid.Pos{X: 3, Y: 3}},
		{grid.Pos{X: 0, Y: 0}, grid.Pos{X: 5, Y: 0}},
	}
	for _, c := range cases {
		if _, err := New(1, f.env, f.pol, f.cfg, c.start, c.dest, Options{}); !errors.Is(err, ErrInvalidSpawn) {
			t.Fatalf("%v->%v: expected ErrInvalidSpawn, got %v", c.start, c.dest, err)
		}
	}
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	f := newFixture(t, grid.DefaultConfig(5), greedy())
	start, dest := grid.Pos{X: 0, Y: 0}, grid.Pos{X: 4, Y: 4}
	for _, o := range []Options{
		{ReplanEvery: -1},
		{CongestionWindow: -3},
		{Planner: planner.Options{CongestionThreshold: 2}},
		{Planner: planner.Options{CongestionWeight: -1}},
	} {
		if _, err := New(1, f.env, f.pol, f.cfg, start, dest, o); !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("%+v: expected ErrInvalidOptions, got %v", o, err)
		}
	}
	if _, err := New(1, f.env, f.pol, f.cfg, start, dest, Options{Planner: planner.Options{CongestionThreshold: 2}}); !errors.Is(err, planner.ErrInvalidOptions) {
		t.Fatalf("planner error not wrapped: %v", err)
	}
}

func TestSpawn_DistinctFreeCells(t *testing.T) {
	f := newFixture(t, grid.DefaultConfig(6), greedy())
	f.env.RandomObstacles(0.2)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		v, err := Spawn(i, f.env, f.pol, f.cfg, rng, Options{})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if v.Start == v.Destination || f.env.IsObstacle(v.Start) || f.env.IsObstacle(v.Destination) {
			t.Fatalf("bad spawn %v -> %v", v.Start, v.Destination)
		}
	}
}

func TestMove_RedLightWaits(t *testing.T) {
	f := newFixture(t, grid.DefaultConfig(6), greedy())
	start := grid.Pos{X: 0, Y: 1}
	if f.env.LightAt(grid.Pos{X: 1, Y: 1}) != grid.PhaseNorthSouth {
		t.Fatalf("expected (1,1) to start north-south green")
	}
	v := f.vehicle(t, start, grid.Pos{X: 5, Y: 1})
	key := f.pol.StateKey(start, 0, v.Destination)
	f.pol.SetValues(key, [policy.NumActions]float64{0, 100, 0, 0})

	res := v.Move()
	if !res.Waited || res.Blocked || res.Action != policy.Right {
		t.Fatalf("expected red-light wait moving right, got %+v", res)
	}
	if v.Position != start || v.Steps != 1 || len(v.Path) != 2 || v.Path[1] != start {
		t.Fatalf("wait not recorded: pos=%v steps=%d path=%v", v.Position, v.Steps, v.Path)
	}
	if res.Reward != -5 {
		t.Fatalf("reward=%v want -5", res.Reward)
	}
	// Same state before and after: bootstrap reads the pre-update max of 100.
	want := 0.9*100 + 0.1*(-5+0.9*100)
	if got := f.pol.Values(key)[policy.Right]; math.Abs(got-want) > 1e-9 {
		t.Fatalf("Q=%v want %v", got, want)
	}
}

func TestMove_GreenLightPasses(t *testing.T) {
	f := newFixture(t, grid.DefaultConfig(6), greedy())
	start := grid.Pos{X: 1, Y: 0}
	v := f.vehicle(t, start, grid.Pos{X: 1, Y: 5})
	f.pol.SetValues(f.pol.StateKey(start, 0, v.Destination), [policy.NumActions]float64{100, 0, 0, 0})
	res := v.Move()
	if res.Waited || v.Position != (grid.Pos{X: 1, Y: 1}) {
		t.Fatalf("vertical move onto north-south green must pass, got %+v", res)
	}
}

func TestMove_ReachesDestinationThenIdles(t *testing.T) {
	f := newFixture(t, grid.Config{Size: 5, CongestionRate: grid.DefaultCongestionRate, DisableLights: true}, greedy())
	start, dest := grid.Pos{X: 2, Y: 2}, grid.Pos{X: 3, Y: 2}
	v := f.vehicle(t, start, dest)
	f.pol.SetValues(f.pol.StateKey(start, 0, dest), [policy.NumActions]float64{0, 50, 0, 0})

	res := v.Move()
	if !res.Reached || !v.Reached || v.Position != dest {
		t.Fatalf("expected arrival, got %+v", res)
	}
	if res.Reward != 100 || v.TotalReward != 100 {
		t.Fatalf("reward=%v total=%v want 100", res.Reward, v.TotalReward)
	}

	again := v.Move()
	if again.Reward != 0 || v.Steps != 1 || len(v.Path) != 2 {
		t.Fatalf("reached vehicle must not move: %+v steps=%d", again, v.Steps)
	}
	if v.PathEfficiency() != 1 {
		t.Fatalf("efficiency=%v want 1", v.PathEfficiency())
	}
}

func TestMove_LoopPenaltyAppliedOnce(t *testing.T) {
	f := newFixture(t, grid.Config{Size: 5, CongestionRate: grid.DefaultCongestionRate, DisableLights: true}, greedy())
	start := grid.Pos{X: 2, Y: 2}
	for _, p := range []grid.Pos{{X: 2, Y: 3}, {X: 3, Y: 2}, {X: 2, Y: 1}, {X: 1, Y: 2}} {
		f.env.AddObstacle(p.X, p.Y)
	}
	v := f.vehicle(t, start, grid.Pos{X: 4, Y: 4})

	threshold := f.cfg.LoopThreshold(5)
	penalties := 0
	for i := 0; i < 25; i++ {
		res := v.Move()
		if !res.Waited || !res.Blocked {
			t.Fatalf("enclosed vehicle moved: %+v", res)
		}
		if res.Looping {
			penalties++
			if v.Visits(start) != threshold+1 {
				t.Fatalf("penalty at visit %d, want %d", v.Visits(start), threshold+1)
			}
			if res.LoopPenalty != -20 {
				t.Fatalf("loop penalty=%v want -20", res.LoopPenalty)
			}
		}
	}
	if penalties != 1 {
		t.Fatalf("loop penalty applied %d times, want 1", penalties)
	}
	if !v.LoopPenalized(start) || v.Visits(start) != 26 {
		t.Fatalf("penalized=%v visits=%d", v.LoopPenalized(start), v.Visits(start))
	}
	if v.TotalReward != -20 {
		t.Fatalf("total reward=%v want -20", v.TotalReward)
	}
	if v.OptimalPath != nil {
		t.Fatalf("enclosed vehicle cannot have a plan: %v", v.OptimalPath)
	}
}

func TestMove_ReplansAfterInvalidate(t *testing.T) {
	f := newFixture(t, grid.Config{Size: 8, CongestionRate: grid.DefaultCongestionRate, DisableLights: true}, greedy())
	v := f.vehicle(t, grid.Pos{X: 0, Y: 0}, grid.Pos{X: 7, Y: 0})
	v.Move()
	if len(v.OptimalPath) == 0 {
		t.Fatalf("expected an initial plan")
	}
	for x := 2; x <= 5; x++ {
		f.env.AddObstacle(x, 0)
	}
	v.InvalidatePath()
	res := v.Move()
	if v.OptimalPath[0] != res.From {
		t.Fatalf("plan must start at the pre-move position %v, got %v", res.From, v.OptimalPath[0])
	}
	for _, p := range v.OptimalPath {
		if f.env.IsObstacle(p) {
			t.Fatalf("replanned path crosses obstacle %v", p)
		}
	}
}

func TestRemainingPathAndSnapshot(t *testing.T) {
	f := newFixture(t, grid.Config{Size: 5, CongestionRate: grid.DefaultCongestionRate, DisableLights: true}, greedy())
	v := f.vehicle(t, grid.Pos{X: 0, Y: 0}, grid.Pos{X: 0, Y: 3})
	v.OptimalPath = []grid.Pos{{X: 0, Y: 0}, {X: 0, Y: 1}, {X: 0, Y: 2}, {X: 0, Y: 3}}
	if got := v.RemainingPath(); len(got) != 3 || got[0] != (grid.Pos{X: 0, Y: 1}) {
		t.Fatalf("remaining=%v", got)
	}
	s := v.Snapshot()
	s.Path[0] = grid.Pos{X: 9, Y: 9}
	if v.Path[0] != (grid.Pos{X: 0, Y: 0}) {
		t.Fatalf("snapshot aliases vehicle path")
	}
}

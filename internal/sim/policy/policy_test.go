package policy

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"urbanflow.ai/internal/sim/grid"
)

func newEnv(t *testing.T, size int) *grid.Grid {
	t.Helper()
	g, err := grid.New(grid.Config{Size: size, CongestionRate: grid.DefaultCongestionRate, DisableLights: true}, nil)
	if err != nil {
		t.Fatalf("grid.New: %v", err)
	}
	return g
}

func newPolicy(t *testing.T, params Params) *Policy {
	t.Helper()
	p, err := New(params, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_RejectsOutOfRangeParams(t *testing.T) {
	for _, params := range []Params{
		{LearningRate: 0, DiscountFactor: 0.9, Epsilon: 0.1},
		{LearningRate: 1.1, DiscountFactor: 0.9, Epsilon: 0.1},
		{LearningRate: 0.1, DiscountFactor: 0, Epsilon: 0.1},
		{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: -0.01},
		{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: 1.01},
		{LearningRate: math.NaN(), DiscountFactor: 0.9, Epsilon: 0.1},
	} {
		if _, err := New(params, nil); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("params %+v: expected ErrInvalidParams, got %v", params, err)
		}
	}
	p := newPolicy(t, DefaultParams())
	if err := p.SetParams(Params{LearningRate: 2, DiscountFactor: 0.9}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("SetParams: expected ErrInvalidParams, got %v", err)
	}
	if p.Params() != DefaultParams() {
		t.Fatalf("rejected SetParams must not change params")
	}
}

func TestStateKey_Discretization(t *testing.T) {
	p := newPolicy(t, DefaultParams())

	cases := []struct {
		level float64
		want  int
	}{{0, 0}, {0.19, 0}, {0.2, 1}, {0.59, 2}, {0.99, 4}, {1, 4}}
	for _, c := range cases {
		k := p.StateKey(grid.Pos{X: 3, Y: 4}, c.level, grid.Pos{X: 9, Y: 9})
		if k.Congestion != c.want {
			t.Fatalf("congestion %v -> bucket %d want %d", c.level, k.Congestion, c.want)
		}
		if k.Bearing != NoBearing || k.X != 3 || k.Y != 4 {
			t.Fatalf("unexpected key %+v", k)
		}
	}

	aware := newPolicy(t, Params{LearningRate: 0.1, DiscountFactor: 0.9, DestinationAware: true})
	origin := grid.Pos{X: 5, Y: 5}
	bearings := map[grid.Pos]int{
		{X: 9, Y: 5}: 0, // east
		{X: 7, Y: 9}: 1, // north-north-east
		{X: 5, Y: 9}: 2, // north
		{X: 1, Y: 5}: 4, // west
		{X: 6, Y: 1}: 6, // south-south-east
		{X: 9, Y: 2}: 7, // south-east
	}
	for dest, want := range bearings {
		if got := aware.StateKey(origin, 0, dest).Bearing; got != want {
			t.Fatalf("bearing to %v = %d want %d", dest, got, want)
		}
	}
}

func TestValidActions(t *testing.T) {
	env := newEnv(t, 5)
	p := newPolicy(t, DefaultParams())

	got := p.ValidActions(env, grid.Pos{X: 0, Y: 0})
	if len(got) != 2 || got[0] != Up || got[1] != Right {
		t.Fatalf("corner actions = %v", got)
	}

	env.AddObstacle(2, 3)
	env.AddObstacle(3, 2)
	got = p.ValidActions(env, grid.Pos{X: 2, Y: 2})
	if len(got) != 2 || got[0] != Down || got[1] != Left {
		t.Fatalf("blocked actions = %v", got)
	}

	env.AddObstacle(2, 1)
	env.AddObstacle(1, 2)
	got = p.ValidActions(env, grid.Pos{X: 2, Y: 2})
	if len(got) != NumActions {
		t.Fatalf("enclosed position must fall back to all actions, got %v", got)
	}
}

func TestValidActions_EnvPerCall(t *testing.T) {
	p := newPolicy(t, DefaultParams())
	small, large := newEnv(t, 3), newEnv(t, 6)
	pos := grid.Pos{X: 2, Y: 2}
	if got := p.ValidActions(small, pos); len(got) != 2 || got[0] != Down || got[1] != Left {
		t.Fatalf("3x3 corner actions = %v", got)
	}
	if got := p.ValidActions(large, pos); len(got) != NumActions {
		t.Fatalf("6x6 interior actions = %v", got)
	}
	// Deciding on one grid leaves the other untouched.
	if got := p.ValidActions(small, pos); len(got) != 2 {
		t.Fatalf("3x3 after 6x6 = %v", got)
	}
}

func TestChooseAction_GreedyPicksBestValid(t *testing.T) {
	env := newEnv(t, 5)
	p := newPolicy(t, Params{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: 0})
	pos := grid.Pos{X: 0, Y: 2}
	key := p.StateKey(pos, 0, grid.Pos{X: 4, Y: 4})
	// Left is the best raw value but leaves the grid.
	p.SetValues(key, [NumActions]float64{1, 3, 2, 10})
	for i := 0; i < 50; i++ {
		if a := p.ChooseAction(env, key, pos); a != Right {
			t.Fatalf("greedy choice = %v want right", a)
		}
	}
}

func TestChooseAction_TiesSpreadAcrossMaximizers(t *testing.T) {
	env := newEnv(t, 5)
	p := newPolicy(t, Params{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: 0})
	pos := grid.Pos{X: 2, Y: 2}
	key := p.StateKey(pos, 0, pos)
	p.SetValues(key, [NumActions]float64{5, 5, 1, 5})
	seen := map[Action]int{}
	for i := 0; i < 300; i++ {
		seen[p.ChooseAction(env, key, pos)]++
	}
	if seen[Down] != 0 {
		t.Fatalf("non-maximizer chosen: %v", seen)
	}
	for _, a := range []Action{Up, Right, Left} {
		if seen[a] == 0 {
			t.Fatalf("maximizer %v never chosen: %v", a, seen)
		}
	}
}

func TestChooseAction_ExploresOnlyValid(t *testing.T) {
	env := newEnv(t, 5)
	p := newPolicy(t, Params{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: 1})
	pos := grid.Pos{X: 4, Y: 4}
	key := p.StateKey(pos, 0, pos)
	for i := 0; i < 100; i++ {
		a := p.ChooseAction(env, key, pos)
		if a != Down && a != Left {
			t.Fatalf("explored invalid action %v", a)
		}
	}
}

func TestUpdate_BellmanRule(t *testing.T) {
	params := Params{LearningRate: 0.3, DiscountFactor: 0.8, Epsilon: 0}
	p := newPolicy(t, params)
	s := StateKey{X: 1, Y: 1, Bearing: NoBearing}
	next := StateKey{X: 1, Y: 2, Bearing: NoBearing}
	p.SetValues(s, [NumActions]float64{0, 4, 0, 0})
	p.SetValues(next, [NumActions]float64{-3, 2.5, 7, 1})

	p.Update(s, Right, -2, next)
	want := (1-0.3)*4 + 0.3*(-2+0.8*7)
	if got := p.Values(s)[Right]; math.Abs(got-want) > 1e-12 {
		t.Fatalf("Q=%v want %v", got, want)
	}
	if got := p.Values(s)[Up]; got != 0 {
		t.Fatalf("other actions must stay untouched, got %v", got)
	}
}

func TestUpdate_BootstrapsFromAllSlots(t *testing.T) {
	p := newPolicy(t, Params{LearningRate: 1, DiscountFactor: 1})
	s := StateKey{X: 0, Y: 1, Bearing: NoBearing}
	edge := StateKey{X: 0, Y: 0, Bearing: NoBearing}
	// Left and Down are illegal at (0,0) but still count for the bootstrap.
	p.SetValues(edge, [NumActions]float64{-1, -1, 3, 9})
	p.Update(s, Down, 0, edge)
	if got := p.Values(s)[Down]; got != 9 {
		t.Fatalf("Q=%v want 9", got)
	}
}

func TestResetStateValuesAndLazyRows(t *testing.T) {
	p := newPolicy(t, DefaultParams())
	k := StateKey{X: 2, Y: 2, Bearing: NoBearing}
	if p.Values(k) != ([NumActions]float64{}) || p.Len() != 0 {
		t.Fatalf("Values must not create rows")
	}
	p.SetValues(k, [NumActions]float64{1, 2, 3, 4})
	p.ResetStateValues(k)
	if p.Values(k) != ([NumActions]float64{}) {
		t.Fatalf("reset left values %v", p.Values(k))
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", p.Len())
	}
}

func TestSnapshotRestore(t *testing.T) {
	p := newPolicy(t, DefaultParams())
	p.SetValues(StateKey{X: 3, Y: 1, Bearing: NoBearing}, [NumActions]float64{1, 0, 0, 2})
	p.SetValues(StateKey{X: 0, Y: 4, Congestion: 2, Bearing: NoBearing}, [NumActions]float64{0, -1, 0, 0})
	snap := p.Snapshot()
	if len(snap.Entries) != 2 || snap.Entries[0].Key.X != 0 {
		t.Fatalf("snapshot not sorted: %+v", snap.Entries)
	}

	q := newPolicy(t, Params{LearningRate: 0.5, DiscountFactor: 0.5, Epsilon: 0.5})
	if err := q.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if q.Params() != p.Params() {
		t.Fatalf("params not restored: %+v", q.Params())
	}
	for _, e := range snap.Entries {
		if q.Values(e.Key) != e.Values {
			t.Fatalf("row %+v = %v want %v", e.Key, q.Values(e.Key), e.Values)
		}
	}

	// Restored rows are detached from the snapshot.
	snap.Entries[0].Values[0] = 42
	if q.Values(snap.Entries[0].Key)[0] == 42 {
		t.Fatalf("restore aliased snapshot storage")
	}

	dup := TableSnapshot{Params: DefaultParams(), Entries: []TableEntry{{Key: StateKey{}}, {Key: StateKey{}}}}
	if err := q.Restore(dup); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

package worldtest

import (
	"math/rand"
	"testing"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/vehicle"
	world "urbanflow.ai/internal/sim/world"
)

// Harness is a small black-box test helper for driving a world via exported APIs.
// It intentionally avoids touching world internals so tests can live outside the world package.
type Harness struct {
	T   *testing.T
	W   *world.World
	Pol *policy.Policy
}

// Options overrides the harness defaults. Zero values keep them.
type Options struct {
	Params      *policy.Params
	Rewards     *reward.Config
	PolicySeed  int64
	WorldConfig world.WorldConfig
}

func NewHarness(t *testing.T, opts Options) *Harness {
	t.Helper()

	params := policy.DefaultParams()
	if opts.Params != nil {
		params = *opts.Params
	}
	rewards := opts.Rewards
	if rewards == nil {
		rewards = reward.DefaultConfig()
	}
	seed := opts.PolicySeed
	if seed == 0 {
		seed = 1
	}
	pol, err := policy.New(params, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	w, err := world.New(opts.WorldConfig, pol, rewards)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return &Harness{T: t, W: w, Pol: pol}
}

func (h *Harness) AddVehicle(start, dest grid.Pos) *vehicle.Vehicle {
	h.T.Helper()
	v, err := h.W.AddVehicle(start, dest)
	if err != nil {
		h.T.Fatalf("AddVehicle %v->%v: %v", start, dest, err)
	}
	return v
}

func (h *Harness) Wall(cells ...grid.Pos) {
	h.T.Helper()
	for _, p := range cells {
		if !h.W.AddObstacle(p) {
			h.T.Fatalf("obstacle %v outside grid", p)
		}
	}
}

// StepFor runs n ticks and returns their results.
func (h *Harness) StepFor(n int) []world.TickResult {
	out := make([]world.TickResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, h.W.StepOnce())
	}
	return out
}

// StepUntilDone steps until the episode ends, failing after limit ticks.
func (h *Harness) StepUntilDone(limit int) int {
	h.T.Helper()
	for i := 0; i < limit; i++ {
		if h.W.Done() {
			return i
		}
		h.W.StepOnce()
	}
	if !h.W.Done() {
		h.T.Fatalf("episode still running after %d ticks", limit)
	}
	return limit
}

// Prefer seeds every state of the grid, in every congestion bucket, so the
// given actions have value q and the rest stay zero.
func (h *Harness) Prefer(q float64, actions ...policy.Action) {
	var row [policy.NumActions]float64
	for _, a := range actions {
		row[a] = q
	}
	n := h.W.Grid().Size()
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for c := 0; c < policy.CongestionBuckets; c++ {
				h.Pol.SetValues(policy.StateKey{X: x, Y: y, Congestion: c, Bearing: policy.NoBearing}, row)
			}
		}
	}
}

package experiment

import (
	"context"
	"fmt"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/world"
)

// The incident scenario: a wall across the direct route between two cells
// on the same row.
var (
	IncidentStart = grid.Pos{X: 1, Y: 5}
	IncidentGoal  = grid.Pos{X: 8, Y: 5}
)

const (
	DefaultIncidentTrials   = 5
	DefaultIncidentMaxSteps = 50
	unlimitedIncidentSteps  = 10000
)

type IncidentConfig struct {
	Trials int
	// MaxSteps bounds one trial. 0 means 10 steps per grid row.
	MaxSteps int
	// Unlimited runs each trial until arrival, capped at 10000 steps.
	Unlimited bool
}

type IncidentResult struct {
	Trial       int        `json:"trial"`
	Reached     bool       `json:"reached"`
	Steps       int        `json:"steps"`
	TotalReward float64    `json:"total_reward"`
	Path        []grid.Pos `json:"path"`
}

func IncidentWall() []grid.Pos {
	out := make([]grid.Pos, 0, 4)
	for x := 3; x <= 6; x++ {
		out = append(out, grid.Pos{X: x, Y: 5})
	}
	return out
}

// IncidentResponse drops the current episode and runs single-vehicle trials
// against the incident wall with the world's learned policy. Only the
// traffic lights advance during a trial; congestion is redrawn per trial and
// otherwise left alone. The policy keeps learning, as in training.
func IncidentResponse(ctx context.Context, w *world.World, cfg IncidentConfig) ([]IncidentResult, error) {
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultIncidentTrials
	}
	g := w.Grid()
	if !g.InBounds(IncidentGoal) || !g.InBounds(grid.Pos{X: 6, Y: 5}) {
		return nil, fmt.Errorf("%w: incident scenario needs a grid of at least 9x9, got %d", ErrInvalidConfig, g.Size())
	}
	limit := cfg.MaxSteps
	switch {
	case cfg.Unlimited:
		limit = unlimitedIncidentSteps
	case limit <= 0:
		limit = g.Size() * 10
	}

	out := make([]IncidentResult, 0, cfg.Trials)
	for trial := 1; trial <= cfg.Trials; trial++ {
		w.ClearVehicles()
		g.ResetCongestion()
		g.ClearObstacles()
		for _, p := range IncidentWall() {
			w.AddObstacle(p)
		}
		v, err := w.AddVehicle(IncidentStart, IncidentGoal)
		if err != nil {
			return out, err
		}
		steps := 0
		for !v.Reached && steps < limit {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			g.UpdateTrafficLights()
			v.Move()
			steps++
		}
		st := v.Snapshot()
		out = append(out, IncidentResult{
			Trial:       trial,
			Reached:     st.Reached,
			Steps:       steps,
			TotalReward: st.TotalReward,
			Path:        st.Path,
		})
	}
	w.ClearVehicles()
	return out, nil
}

// IncidentSuccessRate is the share of trials that arrived.
func IncidentSuccessRate(res []IncidentResult) float64 {
	if len(res) == 0 {
		return 0
	}
	n := 0
	for _, r := range res {
		if r.Reached {
			n++
		}
	}
	return float64(n) / float64(len(res))
}

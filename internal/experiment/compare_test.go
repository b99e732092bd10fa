package experiment

import (
	"context"
	"errors"
	"testing"

	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/world"
)

func TestCompare_RunsEveryCell(t *testing.T) {
	base := smallConfig()
	base.Episodes = 2
	m := Matrix{
		Algorithms: []string{reward.AlgorithmProximity, reward.AlgorithmExponential},
		Densities:  []float64{0, 0.2},
		Congestion: []string{CongestionLow, CongestionHigh},
	}
	var starts []string
	cmp, err := Compare(context.Background(), base, m, Hooks{
		OnStart: func(_ string, w *world.World) {
			starts = append(starts, reward.AlgorithmName(w.Rewards().Shaping))
			if w.Config().ObstacleDensity != 0 && w.Config().ObstacleDensity != 0.2 {
				t.Fatalf("density %v not from the matrix", w.Config().ObstacleDensity)
			}
		},
	})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(cmp.Rows) != 8 || len(starts) != 8 {
		t.Fatalf("rows=%d starts=%d", len(cmp.Rows), len(starts))
	}
	want := []ComparisonRow{
		{Algorithm: reward.AlgorithmProximity, ObstacleDensity: 0, Congestion: CongestionLow},
		{Algorithm: reward.AlgorithmProximity, ObstacleDensity: 0, Congestion: CongestionHigh},
		{Algorithm: reward.AlgorithmProximity, ObstacleDensity: 0.2, Congestion: CongestionLow},
	}
	for i, w := range want {
		r := cmp.Rows[i]
		if r.Algorithm != w.Algorithm || r.ObstacleDensity != w.ObstacleDensity || r.Congestion != w.Congestion {
			t.Fatalf("row %d=%+v want %+v", i, r, w)
		}
	}
	for i, r := range cmp.Rows {
		if r.Summary.Episodes != 2 || r.RunID == "" {
			t.Fatalf("row %d: %+v", i, r)
		}
		if starts[i] != r.Algorithm {
			t.Fatalf("row %d trained with %s", i, starts[i])
		}
	}
	if a := cmp.ByAlgorithm[reward.AlgorithmExponential]; a.Runs != 4 {
		t.Fatalf("by algorithm=%+v", cmp.ByAlgorithm)
	}
	if len(cmp.ByDensity) != 2 || cmp.ByDensity["0.2"].Runs != 4 || cmp.ByCongestion[CongestionHigh].Runs != 4 {
		t.Fatalf("by density=%+v by congestion=%+v", cmp.ByDensity, cmp.ByCongestion)
	}
	if got := SortedKeys(cmp.ByCongestion); len(got) != 2 || got[0] != CongestionHigh {
		t.Fatalf("keys=%v", got)
	}
	// The base reward config is cloned per cell, never edited.
	if reward.AlgorithmName(base.Rewards.Shaping) != reward.AlgorithmProximity {
		t.Fatalf("base rewards changed to %s", reward.AlgorithmName(base.Rewards.Shaping))
	}
}

func TestCompare_ZeroDensityHasNoObstacles(t *testing.T) {
	base := smallConfig()
	base.Episodes = 1
	var counts []int
	_, err := Compare(context.Background(), base, Matrix{
		Algorithms: []string{reward.AlgorithmProximity},
		Densities:  []float64{0},
		Congestion: []string{CongestionLow},
	}, Hooks{OnEpisode: func(string, world.EpisodeResult) {}, OnEnd: func(r *Report) {
		counts = append(counts, r.World.Grid().ObstacleCount())
	}})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(counts) != 1 || counts[0] != 0 {
		t.Fatalf("obstacles=%v", counts)
	}
}

func TestCompare_KeepsTunedShaping(t *testing.T) {
	base := smallConfig()
	base.Episodes = 1
	base.Rewards = reward.DefaultConfig()
	tuned := reward.DefaultExponential()
	tuned.Amplitude = 77
	base.Rewards.Shaping = tuned
	var got reward.Shaping
	_, err := Compare(context.Background(), base, Matrix{
		Algorithms: []string{reward.AlgorithmExponential},
		Densities:  []float64{0.1},
		Congestion: []string{CongestionLow},
	}, Hooks{OnStart: func(_ string, w *world.World) { got = w.Rewards().Shaping }})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if e, ok := got.(reward.Exponential); !ok || e.Amplitude != 77 {
		t.Fatalf("shaping=%+v", got)
	}
}

func TestCompare_Rejects(t *testing.T) {
	ok := Matrix{Algorithms: []string{reward.AlgorithmProximity}, Densities: []float64{0.1}, Congestion: []string{CongestionLow}}
	for name, m := range map[string]Matrix{
		"empty":      {},
		"algorithm":  {Algorithms: []string{"teleport"}, Densities: ok.Densities, Congestion: ok.Congestion},
		"density":    {Algorithms: ok.Algorithms, Densities: []float64{1}, Congestion: ok.Congestion},
		"congestion": {Algorithms: ok.Algorithms, Densities: ok.Densities, Congestion: []string{"medium"}},
	} {
		if _, err := Compare(context.Background(), smallConfig(), m, Hooks{}); err == nil {
			t.Fatalf("%s: accepted %+v", name, m)
		}
	}

	w, err := NewWorld(smallConfig())
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	cont := smallConfig()
	cont.Continue = w
	if _, err := Compare(context.Background(), cont, ok, Hooks{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("continue: %v", err)
	}
}

func TestCompare_CancelKeepsFinishedCells(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	base := smallConfig()
	base.Episodes = 1
	cells := 0
	cmp, err := Compare(ctx, base, DefaultMatrix(), Hooks{OnEnd: func(*Report) {
		cells++
		if cells == 2 {
			cancel()
		}
	}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	// Two finished cells plus the one that saw the cancellation.
	if cmp == nil || len(cmp.Rows) != 3 || cmp.ByAlgorithm[reward.AlgorithmProximity].Runs != 3 {
		t.Fatalf("comparison=%+v", cmp)
	}
}

func TestParseMatrix(t *testing.T) {
	m, err := ParseMatrix("", " 0, 0.3 ", "high")
	if err != nil {
		t.Fatalf("ParseMatrix: %v", err)
	}
	if len(m.Algorithms) != 2 || len(m.Densities) != 2 || m.Densities[1] != 0.3 || len(m.Congestion) != 1 || m.Congestion[0] != CongestionHigh {
		t.Fatalf("matrix=%+v", m)
	}
	if _, err := ParseMatrix("", "lots", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad density: %v", err)
	}
	if _, err := ParseMatrix("", "", "medium"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad level: %v", err)
	}
}

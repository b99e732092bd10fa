package experiment

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"urbanflow.ai/internal/sim/reward"
)

// Congestion levels of a comparison cell. Low episodes start from the usual
// [0, 0.3) field, high ones from [HighCongestionLow, HighCongestionHigh).
const (
	CongestionLow  = "low"
	CongestionHigh = "high"
)

// Matrix is the sweep Compare trains over: every algorithm on every obstacle
// density at every congestion level.
type Matrix struct {
	Algorithms []string
	Densities  []float64
	Congestion []string
}

func DefaultMatrix() Matrix {
	return Matrix{
		Algorithms: []string{reward.AlgorithmProximity, reward.AlgorithmExponential},
		Densities:  []float64{0.1, 0.25},
		Congestion: []string{CongestionLow, CongestionHigh},
	}
}

// ParseMatrix reads comma separated lists. An empty list keeps the
// DefaultMatrix entry.
func ParseMatrix(algorithms, densities, congestion string) (Matrix, error) {
	m := DefaultMatrix()
	if s := splitList(algorithms); len(s) > 0 {
		m.Algorithms = s
	}
	if s := splitList(densities); len(s) > 0 {
		m.Densities = m.Densities[:0:0]
		for _, d := range s {
			v, err := strconv.ParseFloat(d, 64)
			if err != nil {
				return Matrix{}, fmt.Errorf("%w: density %q: %v", ErrInvalidConfig, d, err)
			}
			m.Densities = append(m.Densities, v)
		}
	}
	if s := splitList(congestion); len(s) > 0 {
		m.Congestion = s
	}
	return m, m.validate()
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (m Matrix) validate() error {
	if len(m.Algorithms) == 0 || len(m.Densities) == 0 || len(m.Congestion) == 0 {
		return fmt.Errorf("%w: empty comparison matrix", ErrInvalidConfig)
	}
	for _, a := range m.Algorithms {
		if _, err := reward.ParseAlgorithm(a); err != nil {
			return err
		}
	}
	for _, d := range m.Densities {
		if math.IsNaN(d) || d < 0 || d >= 1 {
			return fmt.Errorf("%w: obstacle density must be in [0,1), got %v", ErrInvalidConfig, d)
		}
	}
	for _, c := range m.Congestion {
		if c != CongestionLow && c != CongestionHigh {
			return fmt.Errorf("%w: congestion level must be %q or %q, got %q", ErrInvalidConfig, CongestionLow, CongestionHigh, c)
		}
	}
	return nil
}

type ComparisonRow struct {
	Algorithm       string  `json:"algorithm"`
	ObstacleDensity float64 `json:"obstacle_density"`
	Congestion      string  `json:"congestion"`
	RunID           string  `json:"run_id"`
	Summary         Summary `json:"summary"`
}

// Aggregate averages the cell means of every row sharing one factor level.
type Aggregate struct {
	Runs        int     `json:"runs"`
	SuccessRate float64 `json:"success_rate"`
	AvgSteps    float64 `json:"avg_steps"`
	Reward      float64 `json:"reward"`
	Efficiency  float64 `json:"efficiency"`
}

type Comparison struct {
	Rows         []ComparisonRow      `json:"rows"`
	ByAlgorithm  map[string]Aggregate `json:"by_algorithm"`
	ByDensity    map[string]Aggregate `json:"by_density"`
	ByCongestion map[string]Aggregate `json:"by_congestion"`
}

// Compare trains a fresh policy for every cell of m, starting from base with
// the cell's shaping, obstacle density and congestion level swapped in. Other
// reward weights come from base.Rewards, as does the shaping itself when it is
// already of the cell's algorithm. Rows follow matrix order. On error
// the cells finished so far are returned with it.
func Compare(ctx context.Context, base Config, m Matrix, hooks Hooks) (*Comparison, error) {
	if base.Continue != nil {
		return nil, fmt.Errorf("%w: a comparison trains fresh worlds", ErrInvalidConfig)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if err := base.validate(); err != nil {
		return nil, err
	}

	cmp := &Comparison{}
	for _, alg := range m.Algorithms {
		shaping, err := reward.ParseAlgorithm(alg)
		if err != nil {
			return cmp.finish(), err
		}
		if reward.AlgorithmName(base.Rewards.Shaping) == reward.AlgorithmName(shaping) {
			shaping = base.Rewards.Shaping
		}
		for _, d := range m.Densities {
			for _, level := range m.Congestion {
				cfg := base
				cfg.Name = fmt.Sprintf("%s/%s/%.2f/%s", base.Name, alg, d, level)
				cfg.Rewards = base.Rewards.Clone()
				cfg.Rewards.Shaping = shaping
				cfg.World.ObstacleDensity = d
				cfg.HighCongestion = level == CongestionHigh

				rep, err := Run(ctx, cfg, hooks)
				if rep != nil {
					cmp.Rows = append(cmp.Rows, ComparisonRow{
						Algorithm:       alg,
						ObstacleDensity: d,
						Congestion:      level,
						RunID:           rep.RunID,
						Summary:         rep.Summary,
					})
				}
				if err != nil {
					return cmp.finish(), err
				}
			}
		}
	}
	return cmp.finish(), nil
}

func (c *Comparison) finish() *Comparison {
	c.ByAlgorithm = aggregate(c.Rows, func(r ComparisonRow) string { return r.Algorithm })
	c.ByDensity = aggregate(c.Rows, func(r ComparisonRow) string { return strconv.FormatFloat(r.ObstacleDensity, 'g', -1, 64) })
	c.ByCongestion = aggregate(c.Rows, func(r ComparisonRow) string { return r.Congestion })
	return c
}

func aggregate(rows []ComparisonRow, key func(ComparisonRow) string) map[string]Aggregate {
	groups := map[string][]ComparisonRow{}
	for _, r := range rows {
		groups[key(r)] = append(groups[key(r)], r)
	}
	out := make(map[string]Aggregate, len(groups))
	for k, g := range groups {
		col := func(f func(Summary) float64) float64 {
			x := make([]float64, len(g))
			for i, r := range g {
				x[i] = f(r.Summary)
			}
			return stat.Mean(x, nil)
		}
		out[k] = Aggregate{
			Runs:        len(g),
			SuccessRate: col(func(s Summary) float64 { return s.SuccessRate.Mean }),
			AvgSteps:    col(func(s Summary) float64 { return s.AvgSteps.Mean }),
			Reward:      col(func(s Summary) float64 { return s.Reward.Mean }),
			Efficiency:  col(func(s Summary) float64 { return s.Efficiency.Mean }),
		}
	}
	return out
}

// SortedKeys returns the keys of an aggregate map in order.
func SortedKeys(m map[string]Aggregate) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package experiment

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Metric struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

type Summary struct {
	Episodes    int    `json:"episodes"`
	Reward      Metric `json:"reward"`
	AvgSteps    Metric `json:"avg_steps"`
	SuccessRate Metric `json:"success_rate"`
	Efficiency  Metric `json:"efficiency"`

	// RewardTrend is the least-squares slope of total reward over episode
	// index. Positive means the run was still improving.
	RewardTrend float64 `json:"reward_trend"`
	// FinalSuccessRate is the mean success rate over the last tenth of the
	// run (at least one episode).
	FinalSuccessRate float64 `json:"final_success_rate"`
}

// Summarize computes per-metric statistics over the given episodes. Efficiency
// only counts episodes in which at least one vehicle arrived.
func Summarize(eps []EpisodeStats) Summary {
	s := Summary{Episodes: len(eps)}
	if len(eps) == 0 {
		return s
	}
	idx := make([]float64, len(eps))
	rewards := make([]float64, len(eps))
	steps := make([]float64, len(eps))
	success := make([]float64, len(eps))
	eff := make([]float64, 0, len(eps))
	for i, e := range eps {
		idx[i] = float64(i)
		rewards[i] = e.TotalReward
		steps[i] = e.AvgSteps
		success[i] = e.SuccessRate
		if e.SuccessRate > 0 {
			eff = append(eff, e.AvgEfficiency)
		}
	}
	s.Reward = metric(rewards)
	s.AvgSteps = metric(steps)
	s.SuccessRate = metric(success)
	s.Efficiency = metric(eff)

	if len(eps) > 1 {
		_, beta := stat.LinearRegression(idx, rewards, nil, false)
		s.RewardTrend = finite(beta)
	}
	tail := len(eps) / 10
	if tail < 1 {
		tail = 1
	}
	s.FinalSuccessRate = stat.Mean(success[len(success)-tail:], nil)
	return s
}

func metric(x []float64) Metric {
	if len(x) == 0 {
		return Metric{}
	}
	m := Metric{Min: floats.Min(x), Max: floats.Max(x)}
	if len(x) == 1 {
		m.Mean = x[0]
		return m
	}
	mean, std := stat.MeanStdDev(x, nil)
	m.Mean = mean
	m.StdDev = finite(std)
	return m
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

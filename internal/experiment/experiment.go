package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/world"
)

var ErrInvalidConfig = errors.New("experiment: invalid config")

// High-congestion runs start every episode from this range instead of the
// usual [0, 0.3).
const (
	HighCongestionLow  = 0.3
	HighCongestionHigh = 0.8
)

type Config struct {
	Name     string
	Episodes int

	World      world.WorldConfig
	Params     policy.Params
	PolicySeed int64
	Rewards    *reward.Config

	HighCongestion bool
	// LogEvery prints a progress line every N episodes. 0 disables it.
	LogEvery int
	Logger   *log.Logger

	// Continue trains an existing world, for example one restored from a
	// snapshot. World, Params, PolicySeed and Rewards are then ignored.
	Continue *world.World
}

// Hooks observe a run. Any of them may be nil.
type Hooks struct {
	OnStart   func(runID string, w *world.World)
	OnEpisode func(runID string, res world.EpisodeResult)
	OnEnd     func(rep *Report)
}

type EpisodeStats struct {
	Episode       int     `json:"episode"`
	Steps         int     `json:"steps"`
	TotalReward   float64 `json:"total_reward"`
	AvgSteps      float64 `json:"avg_steps"`
	SuccessRate   float64 `json:"success_rate"`
	AvgEfficiency float64 `json:"avg_efficiency"`
	PolicyStates  int     `json:"policy_states"`
}

type Report struct {
	RunID     string         `json:"run_id"`
	Name      string         `json:"name"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Episodes  []EpisodeStats `json:"episodes"`
	Summary   Summary        `json:"summary"`

	World *world.World `json:"-"`
}

func (c *Config) validate() error {
	if c.Episodes <= 0 {
		return fmt.Errorf("%w: episodes must be > 0", ErrInvalidConfig)
	}
	if c.LogEvery < 0 {
		return fmt.Errorf("%w: log_every must be >= 0", ErrInvalidConfig)
	}
	if c.Continue == nil && c.Rewards == nil {
		return fmt.Errorf("%w: nil reward config", ErrInvalidConfig)
	}
	return nil
}

// NewWorld builds the world a fresh run trains on.
func NewWorld(cfg Config) (*world.World, error) {
	if cfg.Continue != nil {
		return cfg.Continue, nil
	}
	pol, err := policy.New(cfg.Params, rand.New(rand.NewSource(cfg.PolicySeed)))
	if err != nil {
		return nil, err
	}
	wcfg := cfg.World
	if wcfg.Logger == nil {
		wcfg.Logger = cfg.Logger
	}
	return world.New(wcfg, pol, cfg.Rewards)
}

// Run trains for cfg.Episodes episodes and summarises them. On cancellation
// it returns the episodes finished so far together with ctx.Err().
func Run(ctx context.Context, cfg Config, hooks Hooks) (*Report, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w, err := NewWorld(cfg)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:     uuid.New().String(),
		Name:      cfg.Name,
		StartedAt: time.Now().UTC(),
		Episodes:  make([]EpisodeStats, 0, cfg.Episodes),
		World:     w,
	}
	if hooks.OnStart != nil {
		hooks.OnStart(rep.RunID, w)
	}
	logger.Printf("run %s: %d episodes on %dx%d (%s)", rep.RunID, cfg.Episodes, w.Grid().Size(), w.Grid().Size(),
		reward.AlgorithmName(w.Rewards().Shaping))

	var runErr error
	for i := 0; i < cfg.Episodes; i++ {
		res, err := runEpisode(ctx, w, cfg.HighCongestion)
		if err != nil {
			runErr = err
			break
		}
		st := EpisodeStats{
			Episode:       res.Episode,
			Steps:         res.Steps,
			TotalReward:   res.TotalReward,
			AvgSteps:      res.AvgSteps,
			SuccessRate:   res.SuccessRate,
			AvgEfficiency: res.AvgEfficiency,
			PolicyStates:  w.Policy().Len(),
		}
		rep.Episodes = append(rep.Episodes, st)
		if hooks.OnEpisode != nil {
			hooks.OnEpisode(rep.RunID, res)
		}
		if cfg.LogEvery > 0 && i%cfg.LogEvery == 0 {
			logger.Printf("episode %d: reward %.2f steps %.2f success %.2f", st.Episode, st.TotalReward, st.AvgSteps, st.SuccessRate)
		}
	}

	rep.EndedAt = time.Now().UTC()
	rep.Summary = Summarize(rep.Episodes)
	if hooks.OnEnd != nil {
		hooks.OnEnd(rep)
	}
	return rep, runErr
}

func runEpisode(ctx context.Context, w *world.World, highCongestion bool) (world.EpisodeResult, error) {
	if err := w.ResetEpisode(); err != nil {
		return world.EpisodeResult{}, err
	}
	if highCongestion {
		w.Grid().FillCongestion(HighCongestionLow, HighCongestionHigh)
	}
	for !w.Done() {
		if err := ctx.Err(); err != nil {
			return world.EpisodeResult{}, err
		}
		w.StepOnce()
	}
	return w.RunEpisode(), nil
}

// Evaluate runs episodes greedily and restores the policy table and
// exploration rate afterwards, so evaluation never changes what was learned.
func Evaluate(ctx context.Context, w *world.World, episodes int) (Summary, []EpisodeStats, error) {
	if episodes <= 0 {
		return Summary{}, nil, fmt.Errorf("%w: episodes must be > 0", ErrInvalidConfig)
	}
	pol := w.Policy()
	table := pol.Snapshot()
	greedy := table.Params
	greedy.Epsilon = 0
	if err := pol.SetParams(greedy); err != nil {
		return Summary{}, nil, err
	}
	defer func() { _ = pol.Restore(table) }()

	out := make([]EpisodeStats, 0, episodes)
	for i := 0; i < episodes; i++ {
		res, err := runEpisode(ctx, w, false)
		if err != nil {
			return Summarize(out), out, err
		}
		out = append(out, EpisodeStats{
			Episode:       res.Episode,
			Steps:         res.Steps,
			TotalReward:   res.TotalReward,
			AvgSteps:      res.AvgSteps,
			SuccessRate:   res.SuccessRate,
			AvgEfficiency: res.AvgEfficiency,
			PolicyStates:  len(table.Entries),
		})
	}
	return Summarize(out), out, nil
}

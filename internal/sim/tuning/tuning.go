package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"urbanflow.ai/internal/experiment"
	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/planner"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/vehicle"
	"urbanflow.ai/internal/sim/world"
)

var ErrInvalid = errors.New("tuning: invalid")

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	World      World      `yaml:"world"`
	Grid       Grid       `yaml:"grid"`
	Planner    Planner    `yaml:"planner"`
	Vehicle    Vehicle    `yaml:"vehicle"`
	Policy     Policy     `yaml:"policy"`
	Reward     Reward     `yaml:"reward"`
	Experiment Experiment `yaml:"experiment"`
}

type World struct {
	ID              string  `yaml:"id"`
	Seed            int64   `yaml:"seed"`
	TickRateHz      int     `yaml:"tick_rate_hz"`
	NumVehicles     int     `yaml:"num_vehicles"`
	MaxSteps        int     `yaml:"max_steps"`
	ObstacleDensity float64 `yaml:"obstacle_density"`
	Continuous      bool    `yaml:"continuous"`
}

type Grid struct {
	Size           int     `yaml:"size"`
	CongestionRate float64 `yaml:"congestion_rate"`
	LightCycle     int     `yaml:"light_cycle"`
	DisableLights  bool    `yaml:"disable_lights"`
}

type Planner struct {
	CongestionThreshold float64 `yaml:"congestion_threshold"`
	CongestionWeight    float64 `yaml:"congestion_weight"`
}

type Vehicle struct {
	ReplanEvery      int `yaml:"replan_every"`
	CongestionWindow int `yaml:"congestion_window"`
}

type Policy struct {
	LearningRate     float64 `yaml:"learning_rate"`
	DiscountFactor   float64 `yaml:"discount_factor"`
	Epsilon          float64 `yaml:"epsilon"`
	DestinationAware bool    `yaml:"destination_aware"`
	Seed             int64   `yaml:"seed"`
}

// Reward picks a preset and an algorithm, then overrides single weights.
// Unset overrides keep the preset's value.
type Reward struct {
	Preset    string `yaml:"preset"`
	Algorithm string `yaml:"algorithm"`

	StepPenalty         *float64 `yaml:"step_penalty"`
	FollowReward        *float64 `yaml:"follow_reward"`
	OnPathReward        *float64 `yaml:"on_path_reward"`
	CloserReward        *float64 `yaml:"closer_reward"`
	ProximityBase       *float64 `yaml:"proximity_base"`
	ProximityMax        *float64 `yaml:"proximity_max"`
	PathDistanceBase    *float64 `yaml:"path_distance_base"`
	PathDistancePenalty *float64 `yaml:"path_distance_penalty"`

	ExpBase      *float64 `yaml:"exp_base"`
	ExpAmplitude *float64 `yaml:"exp_amplitude"`
	ExpXScale    *float64 `yaml:"exp_x_scale"`
	ExpYScale    *float64 `yaml:"exp_y_scale"`

	CongestionThreshold    *float64 `yaml:"congestion_threshold"`
	CongestionMultiplier   *float64 `yaml:"congestion_multiplier"`
	BacktrackPenalty       *float64 `yaml:"backtrack_penalty"`
	OscillationPenalty     *float64 `yaml:"oscillation_penalty"`
	LongOscillationPenalty *float64 `yaml:"long_oscillation_penalty"`
	RedLightWaitPenalty    *float64 `yaml:"red_light_wait_penalty"`
	DestinationReward      *float64 `yaml:"destination_reward"`
	LoopThresholdBase      *int     `yaml:"loop_threshold_base"`
	LoopThresholdMax       *int     `yaml:"loop_threshold_max"`
	LoopPenaltyBase        *float64 `yaml:"loop_penalty_base"`
	LoopPenaltyMax         *float64 `yaml:"loop_penalty_max"`
}

type Experiment struct {
	Name              string `yaml:"name"`
	Episodes          int    `yaml:"episodes"`
	LogEvery          int    `yaml:"log_every"`
	HighCongestion    bool   `yaml:"high_congestion"`
	IncidentTests     int    `yaml:"incident_tests"`
	IncidentSteps     int    `yaml:"incident_steps"`
	IncidentUnlimited bool   `yaml:"incident_unlimited"`
}

func Defaults() Tuning {
	pp := policy.DefaultParams()
	po := planner.DefaultOptions()
	return Tuning{
		ProtocolVersion: "1.0",
		World: World{
			ID:              "city-1",
			Seed:            1337,
			TickRateHz:      world.DefaultTickRateHz,
			NumVehicles:     world.DefaultNumVehicles,
			MaxSteps:        200,
			ObstacleDensity: world.DefaultObstacleDensity,
			Continuous:      true,
		},
		Grid: Grid{Size: 20, CongestionRate: grid.DefaultCongestionRate, LightCycle: grid.DefaultLightCycle},
		Planner: Planner{
			CongestionThreshold: po.CongestionThreshold,
			CongestionWeight:    po.CongestionWeight,
		},
		Vehicle: Vehicle{
			ReplanEvery:      vehicle.DefaultReplanEvery,
			CongestionWindow: vehicle.DefaultCongestionWindow,
		},
		Policy: Policy{
			LearningRate:   pp.LearningRate,
			DiscountFactor: pp.DiscountFactor,
			Epsilon:        pp.Epsilon,
			Seed:           7,
		},
		Reward: Reward{Preset: "balanced", Algorithm: reward.AlgorithmProximity},
		Experiment: Experiment{
			Name:          "baseline",
			Episodes:      1000,
			LogEvery:      10,
			IncidentTests: 5,
			IncidentSteps: 50,
		},
	}
}

// Load reads a YAML file on top of Defaults and validates the result.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate checks every section. A file is loaded over Defaults, so a 0 here
// was written explicitly: counts the world would otherwise fill in must be
// positive, while obstacle_density and the planner knobs accept 0 as given.
func (t Tuning) Validate() error {
	if t.World.NumVehicles <= 0 || t.World.TickRateHz <= 0 {
		return fmt.Errorf("%w: world.num_vehicles and world.tick_rate_hz must be positive", ErrInvalid)
	}
	if t.Vehicle.ReplanEvery <= 0 || t.Vehicle.CongestionWindow <= 0 {
		return fmt.Errorf("%w: vehicle.replan_every and vehicle.congestion_window must be positive", ErrInvalid)
	}
	if err := t.WorldConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if t.Experiment.Episodes < 0 || t.Experiment.LogEvery < 0 || t.Experiment.IncidentTests < 0 || t.Experiment.IncidentSteps < 0 {
		return fmt.Errorf("%w: experiment counts must not be negative", ErrInvalid)
	}
	if err := t.PolicyParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rc, err := t.RewardConfig()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (t Tuning) GridConfig() grid.Config {
	return grid.Config{
		Size:           t.Grid.Size,
		CongestionRate: t.Grid.CongestionRate,
		LightCycle:     t.Grid.LightCycle,
		DisableLights:  t.Grid.DisableLights,
	}
}

func (t Tuning) PlannerOptions() planner.Options {
	return planner.Options{
		CongestionThreshold: t.Planner.CongestionThreshold,
		CongestionWeight:    t.Planner.CongestionWeight,
	}
}

func (t Tuning) PolicyParams() policy.Params {
	return policy.Params{
		LearningRate:     t.Policy.LearningRate,
		DiscountFactor:   t.Policy.DiscountFactor,
		Epsilon:          t.Policy.Epsilon,
		DestinationAware: t.Policy.DestinationAware,
	}
}

func (t Tuning) WorldConfig() world.WorldConfig {
	return world.WorldConfig{
		ID:               t.World.ID,
		Grid:             t.GridConfig(),
		Seed:             t.World.Seed,
		NumVehicles:      t.World.NumVehicles,
		MaxSteps:         t.World.MaxSteps,
		ObstacleDensity:  t.World.ObstacleDensity,
		Planner:          t.PlannerOptions(),
		ReplanEvery:      t.Vehicle.ReplanEvery,
		CongestionWindow: t.Vehicle.CongestionWindow,
		TickRateHz:       t.World.TickRateHz,
		Continuous:       t.World.Continuous,
	}
}

// ExperimentConfig assembles a training run. It fails only when the reward
// section does not resolve.
func (t Tuning) ExperimentConfig() (experiment.Config, error) {
	rc, err := t.RewardConfig()
	if err != nil {
		return experiment.Config{}, err
	}
	wcfg := t.WorldConfig()
	wcfg.Continuous = false
	return experiment.Config{
		Name:           t.Experiment.Name,
		Episodes:       t.Experiment.Episodes,
		World:          wcfg,
		Params:         t.PolicyParams(),
		PolicySeed:     t.Policy.Seed,
		Rewards:        rc,
		HighCongestion: t.Experiment.HighCongestion,
		LogEvery:       t.Experiment.LogEvery,
	}, nil
}

func (t Tuning) IncidentConfig() experiment.IncidentConfig {
	return experiment.IncidentConfig{
		Trials:    t.Experiment.IncidentTests,
		MaxSteps:  t.Experiment.IncidentSteps,
		Unlimited: t.Experiment.IncidentUnlimited,
	}
}

// RewardConfig resolves the preset, the algorithm and every override.
func (t Tuning) RewardConfig() (*reward.Config, error) {
	r := t.Reward
	c, err := reward.Preset(r.Preset)
	if err != nil {
		return nil, err
	}
	if r.Algorithm != "" && r.Algorithm != reward.AlgorithmName(c.Shaping) {
		s, err := reward.ParseAlgorithm(r.Algorithm)
		if err != nil {
			return nil, err
		}
		c.Shaping = s
	}

	switch s := c.Shaping.(type) {
	case reward.Proximity:
		set(&s.StepPenalty, r.StepPenalty)
		set(&s.FollowReward, r.FollowReward)
		set(&s.OnPathReward, r.OnPathReward)
		set(&s.CloserReward, r.CloserReward)
		set(&s.ProximityBase, r.ProximityBase)
		set(&s.ProximityMax, r.ProximityMax)
		set(&s.PathDistanceBase, r.PathDistanceBase)
		set(&s.PathDistancePenalty, r.PathDistancePenalty)
		c.Shaping = s
	case reward.Exponential:
		set(&s.Base, r.ExpBase)
		set(&s.Amplitude, r.ExpAmplitude)
		set(&s.XScale, r.ExpXScale)
		set(&s.YScale, r.ExpYScale)
		c.Shaping = s
	}

	set(&c.CongestionThreshold, r.CongestionThreshold)
	set(&c.CongestionMultiplier, r.CongestionMultiplier)
	set(&c.BacktrackPenalty, r.BacktrackPenalty)
	set(&c.OscillationPenalty, r.OscillationPenalty)
	set(&c.LongOscillationPenalty, r.LongOscillationPenalty)
	set(&c.RedLightWaitPenalty, r.RedLightWaitPenalty)
	set(&c.DestinationReward, r.DestinationReward)
	set(&c.LoopThresholdBase, r.LoopThresholdBase)
	set(&c.LoopThresholdMax, r.LoopThresholdMax)
	set(&c.LoopPenaltyBase, r.LoopPenaltyBase)
	set(&c.LoopPenaltyMax, r.LoopPenaltyMax)
	return c, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

package reward

import (
	"errors"
	"fmt"
	"math"

	"urbanflow.ai/internal/sim/logic/mathx"
)

var ErrInvalidConfig = errors.New("reward: invalid config")

const (
	AlgorithmProximity   = "proximity_based"
	AlgorithmExponential = "exponential_distance"
)

// Shaping is the base reward algorithm. It is one of Proximity or Exponential.
type Shaping interface {
	algorithm() string
}

// Proximity rewards following the planner's path and getting closer to the
// destination.
type Proximity struct {
	StepPenalty  float64
	FollowReward float64
	OnPathReward float64
	CloserReward float64

	ProximityBase float64
	ProximityMax  float64

	PathDistanceBase    float64
	PathDistancePenalty float64
}

// Exponential rewards straight-line proximity only:
// Base + Amplitude*exp(-(|dx|/XScale + |dy|/YScale)).
type Exponential struct {
	Base      float64
	Amplitude float64
	XScale    float64
	YScale    float64
}

func (Proximity) algorithm() string   { return AlgorithmProximity }
func (Exponential) algorithm() string { return AlgorithmExponential }

// AlgorithmName returns the configuration name of s, or "" for nil.
func AlgorithmName(s Shaping) string {
	if s == nil {
		return ""
	}
	return s.algorithm()
}

// Config holds every weight of the reward function, including the terms the
// vehicle controller applies itself. It must not change during an episode.
type Config struct {
	Shaping Shaping

	CongestionThreshold  float64
	CongestionMultiplier float64

	BacktrackPenalty       float64
	OscillationPenalty     float64
	LongOscillationPenalty float64

	RedLightWaitPenalty float64
	DestinationReward   float64

	LoopThresholdBase int
	LoopThresholdMax  int
	LoopPenaltyBase   float64
	LoopPenaltyMax    float64
}

func DefaultProximity() Proximity {
	return Proximity{
		StepPenalty:         -1,
		FollowReward:        10,
		OnPathReward:        5,
		CloserReward:        3,
		ProximityBase:       5,
		ProximityMax:        15,
		PathDistanceBase:    10,
		PathDistancePenalty: 2,
	}
}

func DefaultExponential() Exponential {
	return Exponential{Base: -1, Amplitude: 40, XScale: 1.5, YScale: 2.0}
}

func DefaultConfig() *Config {
	return &Config{
		Shaping:                DefaultProximity(),
		CongestionThreshold:    0.5,
		CongestionMultiplier:   5,
		BacktrackPenalty:       -30,
		OscillationPenalty:     -40,
		LongOscillationPenalty: -50,
		RedLightWaitPenalty:    -5,
		DestinationReward:      100,
		LoopThresholdBase:      3,
		LoopThresholdMax:       5,
		LoopPenaltyBase:        -20,
		LoopPenaltyMax:         -100,
	}
}

// Balanced is the default tuning.
func Balanced() *Config { return DefaultConfig() }

// Aggressive pushes vehicles to commit to the planned route.
func Aggressive() *Config {
	c := DefaultConfig()
	p := DefaultProximity()
	p.StepPenalty = -3
	p.FollowReward = 20
	c.Shaping = p
	c.DestinationReward = 300
	c.BacktrackPenalty = -100
	c.CongestionMultiplier = 15
	return c
}

// Cautious softens every penalty to encourage exploration.
func Cautious() *Config {
	c := DefaultConfig()
	p := DefaultProximity()
	p.StepPenalty = -0.5
	p.FollowReward = 5
	c.Shaping = p
	c.DestinationReward = 50
	c.BacktrackPenalty = -10
	c.CongestionMultiplier = 2
	return c
}

// Preset looks a named preset up.
func Preset(name string) (*Config, error) {
	switch name {
	case "", "balanced":
		return Balanced(), nil
	case "aggressive":
		return Aggressive(), nil
	case "cautious":
		return Cautious(), nil
	default:
		return nil, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
	}
}

// ParseAlgorithm returns the default shaping for a configuration name.
func ParseAlgorithm(name string) (Shaping, error) {
	switch name {
	case "", AlgorithmProximity:
		return DefaultProximity(), nil
	case AlgorithmExponential:
		return DefaultExponential(), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, name)
	}
}

func (c *Config) Validate() error {
	switch s := c.Shaping.(type) {
	case Proximity:
	case Exponential:
		if !(s.XScale > 0) || !(s.YScale > 0) {
			return fmt.Errorf("%w: exponential scales must be positive, got %v/%v", ErrInvalidConfig, s.XScale, s.YScale)
		}
	case nil:
		return fmt.Errorf("%w: missing shaping algorithm", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unsupported shaping %T", ErrInvalidConfig, s)
	}
	if math.IsNaN(c.CongestionThreshold) || c.CongestionThreshold < 0 || c.CongestionThreshold > 1 {
		return fmt.Errorf("%w: congestion threshold must be in [0,1], got %v", ErrInvalidConfig, c.CongestionThreshold)
	}
	if c.LoopThresholdBase <= 0 || c.LoopThresholdMax < c.LoopThresholdBase {
		return fmt.Errorf("%w: loop thresholds must satisfy 0 < base <= max, got %d/%d",
			ErrInvalidConfig, c.LoopThresholdBase, c.LoopThresholdMax)
	}
	return nil
}

// LoopThreshold is the visit count a position may reach before it counts as
// a loop: size/5 clamped to [LoopThresholdBase, LoopThresholdMax].
func (c *Config) LoopThreshold(gridSize int) int {
	return mathx.ClampInt(gridSize/5, c.LoopThresholdBase, c.LoopThresholdMax)
}

// LoopPenalty scales with how far past the threshold a position was
// revisited, floored at LoopPenaltyMax.
func (c *Config) LoopPenalty(excess int) float64 {
	return math.Max(c.LoopPenaltyMax, c.LoopPenaltyBase*float64(excess))
}

// Clone returns a copy that can be edited between episodes without touching
// vehicles still holding c.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

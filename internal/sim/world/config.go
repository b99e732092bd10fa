package world

import (
	"fmt"
	"log"
	"math"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/planner"
	"urbanflow.ai/internal/sim/vehicle"
)

const (
	DefaultNumVehicles     = 5
	DefaultObstacleDensity = 0.05
	DefaultTickRateHz      = 5
)

type WorldConfig struct {
	// ID names the world in logs and snapshots. Empty picks "city-1".
	ID   string
	Grid grid.Config
	Seed int64

	// NumVehicles spawned per episode. Zero picks DefaultNumVehicles.
	NumVehicles int
	// MaxSteps bounds one episode. 0 means run until every vehicle arrived.
	MaxSteps int
	// ObstacleDensity is the share of cells drawn as obstacles by ResetEpisode,
	// in [0,1). Draws are with replacement, so the realised share can be
	// lower. Zero means no random obstacles.
	ObstacleDensity float64

	// Planner is used as given; see planner.DefaultOptions.
	Planner planner.Options
	// ReplanEvery and CongestionWindow pick the vehicle defaults when zero.
	ReplanEvery      int
	CongestionWindow int

	// Live mode only. Zero picks DefaultTickRateHz.
	TickRateHz int
	// Continuous makes Run start a new episode when one ends instead of returning.
	Continuous bool

	Logger *log.Logger
}

// DefaultConfig is a size×size city with every knob at its default,
// including random obstacles and a congestion-aware planner.
func DefaultConfig(size int) WorldConfig {
	return WorldConfig{
		ID:               "city-1",
		Grid:             grid.DefaultConfig(size),
		NumVehicles:      DefaultNumVehicles,
		ObstacleDensity:  DefaultObstacleDensity,
		Planner:          planner.DefaultOptions(),
		ReplanEvery:      vehicle.DefaultReplanEvery,
		CongestionWindow: vehicle.DefaultCongestionWindow,
		TickRateHz:       DefaultTickRateHz,
	}
}

// Validate rejects values outside their documented range. Fields documented
// as "zero picks the default" are accepted at zero.
func (c WorldConfig) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if c.NumVehicles < 0 || c.MaxSteps < 0 || c.TickRateHz < 0 {
		return fmt.Errorf("%w: num_vehicles, max_steps and tick_rate_hz must not be negative (%d, %d, %d)",
			ErrInvalidConfig, c.NumVehicles, c.MaxSteps, c.TickRateHz)
	}
	if math.IsNaN(c.ObstacleDensity) || c.ObstacleDensity < 0 || c.ObstacleDensity >= 1 {
		return fmt.Errorf("%w: obstacle density must be in [0,1), got %v", ErrInvalidConfig, c.ObstacleDensity)
	}
	if err := c.vehicleOptions().Validate(); err != nil {
		return err
	}
	return nil
}

func (c *WorldConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "city-1"
	}
	if c.NumVehicles == 0 {
		c.NumVehicles = DefaultNumVehicles
	}
	if c.ReplanEvery == 0 {
		c.ReplanEvery = vehicle.DefaultReplanEvery
	}
	if c.CongestionWindow == 0 {
		c.CongestionWindow = vehicle.DefaultCongestionWindow
	}
	if c.TickRateHz == 0 {
		c.TickRateHz = DefaultTickRateHz
	}
}

func (c WorldConfig) vehicleOptions() vehicle.Options {
	return vehicle.Options{
		ReplanEvery:      c.ReplanEvery,
		CongestionWindow: c.CongestionWindow,
		Planner:          c.Planner,
	}
}

package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"sync"

	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/logic/mathx"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/vehicle"
)

var ErrInvalidConfig = errors.New("world: invalid config")

// Seed streams derived from WorldConfig.Seed.
const (
	streamGrid = 1 + iota
	streamSpawn
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type EpisodeLogger interface {
	WriteEpisode(res EpisodeResult) error
}

// World owns one grid and the vehicles of the current episode. It is driven
// either synchronously (StepOnce, RunEpisode) or by Run, which then owns it
// exclusively until it returns.
type World struct {
	cfg     WorldConfig
	logger  *log.Logger
	env     *grid.Grid
	pol     *policy.Policy
	rewards *reward.Config
	rng     *rand.Rand

	vehicles      []*vehicle.Vehicle
	nextVehicleID int

	tick        uint64
	episode     int
	episodeStep int

	tickLogger    TickLogger
	episodeLogger EpisodeLogger

	// Live mode.
	observers     map[string]*observerClient
	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	obstacleReq   chan obstacleReq
	bootstrapReq  chan bootstrapReq
	stop          chan struct{}
	stopOnce      sync.Once
}

// New builds a world on an empty grid. The policy is shared, never bound to
// the grid; rewards must stay unchanged while vehicles hold them.
func New(cfg WorldConfig, pol *policy.Policy, rewards *reward.Config) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if pol == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidConfig)
	}
	if rewards == nil {
		return nil, fmt.Errorf("%w: nil reward config", ErrInvalidConfig)
	}
	if err := rewards.Validate(); err != nil {
		return nil, err
	}
	env, err := grid.New(cfg.Grid, rand.New(rand.NewSource(mathx.DeriveSeed(cfg.Seed, streamGrid, 0))))
	if err != nil {
		return nil, err
	}
	cfg.Grid = env.Config()

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &World{
		cfg:           cfg,
		logger:        logger,
		env:           env,
		pol:           pol,
		rewards:       rewards,
		rng:           rand.New(rand.NewSource(mathx.DeriveSeed(cfg.Seed, streamSpawn, 0))),
		nextVehicleID: 1,
		observers:     map[string]*observerClient{},
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		obstacleReq:   make(chan obstacleReq),
		bootstrapReq:  make(chan bootstrapReq),
		stop:          make(chan struct{}),
	}, nil
}

func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.cfg.ID
}

func (w *World) Config() WorldConfig        { return w.cfg }
func (w *World) Grid() *grid.Grid           { return w.env }
func (w *World) Policy() *policy.Policy     { return w.pol }
func (w *World) Rewards() *reward.Config    { return w.rewards }
func (w *World) Tick() uint64               { return w.tick }
func (w *World) Episode() int               { return w.episode }
func (w *World) EpisodeStep() int           { return w.episodeStep }
func (w *World) SetTickLogger(l TickLogger) { w.tickLogger = l }

func (w *World) SetEpisodeLogger(l EpisodeLogger) { w.episodeLogger = l }

// ResumeCounters continues tick and episode numbering of a restored world.
func (w *World) ResumeCounters(tick uint64, episode int) {
	w.tick = tick
	w.episode = episode
}

// SetContinuous switches live mode between one episode and an endless run.
// It must not be called while Run executes.
func (w *World) SetContinuous(on bool) { w.cfg.Continuous = on }

// Vehicles returns the vehicles of the current episode in move order.
func (w *World) Vehicles() []*vehicle.Vehicle {
	out := make([]*vehicle.Vehicle, len(w.vehicles))
	copy(out, w.vehicles)
	return out
}

// ResetEpisode starts a new episode: fresh random congestion, a new random
// obstacle layout and NumVehicles new vehicles. Light phases and the policy
// carry over.
func (w *World) ResetEpisode() error {
	w.episode++
	w.episodeStep = 0
	w.vehicles = nil
	w.nextVehicleID = 1

	w.env.ResetCongestion()
	w.env.ClearObstacles()
	if w.cfg.ObstacleDensity > 0 {
		w.env.RandomObstacles(w.cfg.ObstacleDensity)
	}
	_, err := w.SpawnVehicles(w.cfg.NumVehicles)
	return err
}

// ClearVehicles drops every vehicle without touching the grid.
func (w *World) ClearVehicles() {
	w.vehicles = nil
	w.nextVehicleID = 1
	w.episodeStep = 0
}

func (w *World) SpawnVehicles(n int) ([]*vehicle.Vehicle, error) {
	out := make([]*vehicle.Vehicle, 0, n)
	for i := 0; i < n; i++ {
		v, err := vehicle.Spawn(w.nextVehicleID, w.env, w.pol, w.rewards, w.rng, w.cfg.vehicleOptions())
		if err != nil {
			return out, err
		}
		w.nextVehicleID++
		w.vehicles = append(w.vehicles, v)
		out = append(out, v)
	}
	return out, nil
}

func (w *World) AddVehicle(start, dest grid.Pos) (*vehicle.Vehicle, error) {
	v, err := vehicle.New(w.nextVehicleID, w.env, w.pol, w.rewards, start, dest, w.cfg.vehicleOptions())
	if err != nil {
		return nil, err
	}
	w.nextVehicleID++
	w.vehicles = append(w.vehicles, v)
	return v, nil
}

// AddObstacle blocks p and makes every vehicle replan on its next move.
// It reports false when p is outside the grid.
func (w *World) AddObstacle(p grid.Pos) bool {
	if !w.env.InBounds(p) {
		return false
	}
	w.env.AddObstacle(p.X, p.Y)
	w.invalidatePaths()
	return true
}

func (w *World) RemoveObstacle(p grid.Pos) bool {
	if !w.env.InBounds(p) {
		return false
	}
	w.env.RemoveObstacle(p.X, p.Y)
	w.invalidatePaths()
	return true
}

// AddIncident blocks a short horizontal segment centred on c.
func (w *World) AddIncident(c grid.Pos) {
	w.env.AddIncident(c)
	w.invalidatePaths()
}

// AdjustCongestion paints congestion around c, level at the centre fading
// to 0 at radius, and makes every vehicle replan.
func (w *World) AdjustCongestion(c grid.Pos, radius int, level float64) error {
	if !w.env.InBounds(c) {
		return fmt.Errorf("position %v outside grid", c)
	}
	if radius < 0 || math.IsNaN(level) || level < 0 || level > 1 {
		return fmt.Errorf("congestion brush radius=%d level=%v out of range", radius, level)
	}
	w.env.AdjustCongestionArea(c, radius, level)
	w.invalidatePaths()
	return nil
}

func (w *World) invalidatePaths() {
	for _, v := range w.vehicles {
		v.InvalidatePath()
	}
}

func (w *World) allReached() bool {
	for _, v := range w.vehicles {
		if !v.Reached {
			return false
		}
	}
	return true
}

// Done reports whether the current episode is over.
func (w *World) Done() bool {
	if w.allReached() {
		return true
	}
	return w.cfg.MaxSteps > 0 && w.episodeStep >= w.cfg.MaxSteps
}

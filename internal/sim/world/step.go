package world

import (
	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/vehicle"
)

type Move struct {
	VehicleID int      `json:"vehicle_id"`
	Action    string   `json:"action"`
	From      grid.Pos `json:"from"`
	To        grid.Pos `json:"to"`
	Reward    float64  `json:"reward"`
	Waited    bool     `json:"waited,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Reached   bool     `json:"reached,omitempty"`
	Looping   bool     `json:"looping,omitempty"`
}

type TickResult struct {
	Tick        uint64
	Episode     int
	EpisodeStep int
	Moves       []Move
	Done        bool
	Digest      string
}

type TickLogEntry struct {
	Tick        uint64 `json:"tick"`
	Episode     int    `json:"episode"`
	EpisodeStep int    `json:"episode_step"`
	Moves       []Move `json:"moves,omitempty"`
	Digest      string `json:"digest"`
}

type EpisodeResult struct {
	WorldID string `json:"world_id"`
	Episode int    `json:"episode"`
	Steps   int    `json:"steps"`

	TotalReward   float64 `json:"total_reward"`
	AvgSteps      float64 `json:"avg_steps"`
	SuccessRate   float64 `json:"success_rate"`
	AvgEfficiency float64 `json:"avg_efficiency"`

	Vehicles []vehicle.State `json:"vehicles"`
}

// StepOnce advances the world by a single tick: congestion is refreshed from
// the positions of vehicles still travelling, lights advance, then every
// active vehicle moves once in index order.
func (w *World) StepOnce() TickResult {
	tick := w.tick

	occupied := make([]grid.Pos, 0, len(w.vehicles))
	for _, v := range w.vehicles {
		if !v.Reached {
			occupied = append(occupied, v.Position)
		}
	}
	w.env.UpdateCongestion(occupied)
	w.env.UpdateTrafficLights()

	moves := make([]Move, 0, len(occupied))
	for _, v := range w.vehicles {
		if v.Reached {
			continue
		}
		res := v.Move()
		moves = append(moves, Move{
			VehicleID: v.ID,
			Action:    res.Action.String(),
			From:      res.From,
			To:        res.To,
			Reward:    res.Reward,
			Waited:    res.Waited,
			Blocked:   res.Blocked,
			Reached:   res.Reached,
			Looping:   res.Looping,
		})
	}

	w.tick++
	w.episodeStep++
	digest := w.stateDigest(tick)

	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(TickLogEntry{
			Tick:        tick,
			Episode:     w.episode,
			EpisodeStep: w.episodeStep,
			Moves:       moves,
			Digest:      digest,
		}); err != nil {
			w.logger.Printf("tick log: %v", err)
		}
	}

	return TickResult{
		Tick:        tick,
		Episode:     w.episode,
		EpisodeStep: w.episodeStep,
		Moves:       moves,
		Done:        w.Done(),
		Digest:      digest,
	}
}

// RunEpisode steps until every vehicle arrived or MaxSteps ticks passed.
// With MaxSteps 0 it may not return if a vehicle can never arrive.
func (w *World) RunEpisode() EpisodeResult {
	for !w.Done() {
		w.StepOnce()
	}
	return w.finishEpisode()
}

func (w *World) finishEpisode() EpisodeResult {
	res := w.EpisodeStats()
	if w.episodeLogger != nil {
		if err := w.episodeLogger.WriteEpisode(res); err != nil {
			w.logger.Printf("episode log: %v", err)
		}
	}
	return res
}

// EpisodeStats summarises the current episode so far.
func (w *World) EpisodeStats() EpisodeResult {
	res := EpisodeResult{
		WorldID:  w.cfg.ID,
		Episode:  w.episode,
		Steps:    w.episodeStep,
		Vehicles: make([]vehicle.State, 0, len(w.vehicles)),
	}
	if len(w.vehicles) == 0 {
		return res
	}
	var steps, reached, eff float64
	for _, v := range w.vehicles {
		res.TotalReward += v.TotalReward
		steps += float64(v.Steps)
		if v.Reached {
			reached++
			eff += v.PathEfficiency()
		}
		res.Vehicles = append(res.Vehicles, v.Snapshot())
	}
	n := float64(len(w.vehicles))
	res.AvgSteps = steps / n
	res.SuccessRate = reached / n
	if reached > 0 {
		res.AvgEfficiency = eff / reached
	}
	return res
}

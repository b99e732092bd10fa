package world

import (
	"urbanflow.ai/internal/observerproto"
	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/vehicle"
)

// Observation is a detached, read-only view of the world after a tick.
type Observation struct {
	WorldID     string
	Tick        uint64
	Episode     int
	EpisodeStep int

	Vehicles   []vehicle.State
	Congestion [][]float64
	Lights     [][]grid.Phase
	Obstacles  []grid.Pos
}

func (w *World) Observe() Observation {
	obs := Observation{
		WorldID:     w.cfg.ID,
		Tick:        w.tick,
		Episode:     w.episode,
		EpisodeStep: w.episodeStep,
		Vehicles:    make([]vehicle.State, 0, len(w.vehicles)),
		Congestion:  w.env.CongestionField(),
		Lights:      w.env.LightField(),
		Obstacles:   w.env.Obstacles(),
	}
	for _, v := range w.vehicles {
		obs.Vehicles = append(obs.Vehicles, v.Snapshot())
	}
	return obs
}

func xy(p grid.Pos) [2]int { return [2]int{p.X, p.Y} }

func xys(ps []grid.Pos) [][2]int {
	if len(ps) == 0 {
		return nil
	}
	out := make([][2]int, len(ps))
	for i, p := range ps {
		out[i] = xy(p)
	}
	return out
}

func (w *World) buildTickMsg(res TickResult, cfg observerCfg) observerproto.TickMsg {
	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		WorldID:         w.cfg.ID,
		Tick:            res.Tick,
		Episode:         res.Episode,
		EpisodeStep:     res.EpisodeStep,
		Vehicles:        make([]observerproto.VehicleState, 0, len(w.vehicles)),
		Digest:          res.Digest,
	}
	for _, v := range w.vehicles {
		vs := observerproto.VehicleState{
			ID:          v.ID,
			Pos:         xy(v.Position),
			Dest:        xy(v.Destination),
			Reached:     v.Reached,
			Steps:       v.Steps,
			TotalReward: v.TotalReward,
		}
		if cfg.paths {
			vs.Path = xys(v.RemainingPath())
		}
		msg.Vehicles = append(msg.Vehicles, vs)
	}
	for _, m := range res.Moves {
		msg.Moves = append(msg.Moves, observerproto.MoveInfo{
			VehicleID: m.VehicleID,
			Action:    m.Action,
			From:      xy(m.From),
			To:        xy(m.To),
			Reward:    m.Reward,
			Waited:    m.Waited,
			Reached:   m.Reached,
		})
	}
	if cfg.fields {
		msg.Congestion = w.env.CongestionField()
		for x, col := range w.env.LightField() {
			for y, p := range col {
				if p == grid.PhaseNone {
					continue
				}
				msg.Lights = append(msg.Lights, observerproto.LightState{Pos: [2]int{x, y}, Phase: p.String()})
			}
		}
	}
	return msg
}

func (w *World) buildEpisodeEndMsg(res EpisodeResult) observerproto.EpisodeEndMsg {
	return observerproto.EpisodeEndMsg{
		Type:            observerproto.TypeEpisodeEnd,
		ProtocolVersion: observerproto.Version,
		WorldID:         res.WorldID,
		Episode:         res.Episode,
		Steps:           res.Steps,
		TotalReward:     res.TotalReward,
		AvgSteps:        res.AvgSteps,
		SuccessRate:     res.SuccessRate,
	}
}

// Bootstrap describes the static parts of the world for a new observer.
func (w *World) Bootstrap() observerproto.BootstrapResponse {
	gc := w.env.Config()
	obstacles := xys(w.env.Obstacles())
	if obstacles == nil {
		obstacles = [][2]int{}
	}
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		WorldID:         w.cfg.ID,
		Tick:            w.tick,
		Episode:         w.episode,
		WorldParams: observerproto.WorldParams{
			TickRateHz:     w.cfg.TickRateHz,
			GridSize:       gc.Size,
			Seed:           w.cfg.Seed,
			LightCycle:     gc.LightCycle,
			CongestionRate: gc.CongestionRate,
			NumVehicles:    w.cfg.NumVehicles,
			MaxSteps:       w.cfg.MaxSteps,
			Algorithm:      reward.AlgorithmName(w.rewards.Shaping),
		},
		Obstacles: obstacles,
	}
}

package world

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"urbanflow.ai/internal/observerproto"
	"urbanflow.ai/internal/sim/grid"
)

type ObserverJoinRequest struct {
	SessionID string
	TickOut   chan []byte

	Fields bool
	Paths  bool
}

type ObserverSubscribeRequest struct {
	SessionID string
	Fields    bool
	Paths     bool
}

type observerCfg struct {
	fields bool
	paths  bool
}

type observerClient struct {
	id      string
	tickOut chan []byte
	cfg     observerCfg
}

// ObstacleKind selects what RequestObstacle does.
type ObstacleKind int

const (
	ObstacleAdd ObstacleKind = iota
	ObstacleRemove
	ObstacleIncident
	ObstacleCongestion
)

func (k ObstacleKind) String() string {
	switch k {
	case ObstacleAdd:
		return "add"
	case ObstacleRemove:
		return "remove"
	case ObstacleIncident:
		return "incident"
	case ObstacleCongestion:
		return "congestion"
	default:
		return "unknown"
	}
}

type obstacleReq struct {
	Kind ObstacleKind
	Pos  grid.Pos
	Resp chan error

	// ObstacleCongestion only.
	Radius int
	Level  float64
}

type bootstrapReq struct {
	Resp chan observerproto.BootstrapResponse
}

func (w *World) ObserverJoin() chan<- ObserverJoinRequest           { return w.observerJoin }
func (w *World) ObserverSubscribe() chan<- ObserverSubscribeRequest { return w.observerSub }
func (w *World) ObserverLeave() chan<- string                       { return w.observerLeave }

// Run drives the world at TickRateHz until ctx is cancelled, Stop is called
// or, unless Continuous is set, the current episode ends. A world without a
// running episode starts a new one first. Run owns the world while it executes; other
// goroutines must go through the request channels.
func (w *World) Run(ctx context.Context) error {
	if len(w.vehicles) == 0 || w.Done() {
		if err := w.ResetEpisode(); err != nil {
			return err
		}
	}
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer w.closeObservers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.observerJoin:
			w.handleObserverJoin(req)
		case req := <-w.observerSub:
			w.handleObserverSubscribe(req)
		case id := <-w.observerLeave:
			w.handleObserverLeave(id)
		case req := <-w.obstacleReq:
			w.handleObstacleReq(req)
		case req := <-w.bootstrapReq:
			req.Resp <- w.Bootstrap()
		case <-ticker.C:
			res := w.StepOnce()
			w.broadcastTick(res)
			if !res.Done {
				continue
			}
			ep := w.finishEpisode()
			w.broadcastEpisodeEnd(ep)
			w.logger.Printf("episode %d done: steps=%d reward=%.2f success=%.2f",
				ep.Episode, ep.Steps, ep.TotalReward, ep.SuccessRate)
			if !w.cfg.Continuous {
				return nil
			}
			if err := w.ResetEpisode(); err != nil {
				return err
			}
		}
	}
}

// Stop makes Run return. It is safe to call more than once.
func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// RequestObstacle edits the grid from outside the Run goroutine.
func (w *World) RequestObstacle(ctx context.Context, kind ObstacleKind, p grid.Pos) error {
	return w.requestEdit(ctx, obstacleReq{Kind: kind, Pos: p})
}

// RequestCongestion paints congestion around c from outside the Run
// goroutine; see AdjustCongestion.
func (w *World) RequestCongestion(ctx context.Context, c grid.Pos, radius int, level float64) error {
	return w.requestEdit(ctx, obstacleReq{Kind: ObstacleCongestion, Pos: c, Radius: radius, Level: level})
}

func (w *World) requestEdit(ctx context.Context, req obstacleReq) error {
	req.Resp = make(chan error, 1)
	select {
	case w.obstacleReq <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *World) handleObstacleReq(req obstacleReq) {
	var err error
	switch req.Kind {
	case ObstacleAdd:
		if !w.AddObstacle(req.Pos) {
			err = errors.New("position outside grid")
		}
	case ObstacleRemove:
		if !w.RemoveObstacle(req.Pos) {
			err = errors.New("position outside grid")
		}
	case ObstacleIncident:
		if !w.env.InBounds(req.Pos) {
			err = errors.New("position outside grid")
		} else {
			w.AddIncident(req.Pos)
		}
	case ObstacleCongestion:
		err = w.AdjustCongestion(req.Pos, req.Radius, req.Level)
	default:
		err = errors.New("unknown obstacle request")
	}
	if err == nil && req.Kind == ObstacleCongestion {
		w.logger.Printf("congestion %.2f radius %d at %v", req.Level, req.Radius, req.Pos)
	} else if err == nil {
		w.logger.Printf("obstacle %s at %v", req.Kind, req.Pos)
	}
	req.Resp <- err
}

// RequestBootstrap asks the Run goroutine for the observer bootstrap.
func (w *World) RequestBootstrap(ctx context.Context) (observerproto.BootstrapResponse, error) {
	req := bootstrapReq{Resp: make(chan observerproto.BootstrapResponse, 1)}
	select {
	case w.bootstrapReq <- req:
	case <-ctx.Done():
		return observerproto.BootstrapResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp, nil
	case <-ctx.Done():
		return observerproto.BootstrapResponse{}, ctx.Err()
	}
}

func (w *World) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.TickOut == nil {
		return
	}
	if old := w.observers[req.SessionID]; old != nil && old.tickOut != req.TickOut {
		close(old.tickOut)
	}
	w.observers[req.SessionID] = &observerClient{
		id:      req.SessionID,
		tickOut: req.TickOut,
		cfg:     observerCfg{fields: req.Fields, paths: req.Paths},
	}
}

func (w *World) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := w.observers[req.SessionID]
	if c == nil {
		return
	}
	c.cfg = observerCfg{fields: req.Fields, paths: req.Paths}
}

func (w *World) handleObserverLeave(sessionID string) {
	c := w.observers[sessionID]
	if c == nil {
		return
	}
	delete(w.observers, sessionID)
	close(c.tickOut)
}

func (w *World) closeObservers() {
	for id, c := range w.observers {
		delete(w.observers, id)
		close(c.tickOut)
	}
}

func (w *World) broadcastTick(res TickResult) {
	if len(w.observers) == 0 {
		return
	}
	// One encoding per distinct subscription.
	cache := map[observerCfg][]byte{}
	for _, c := range w.observers {
		b, ok := cache[c.cfg]
		if !ok {
			var err error
			b, err = json.Marshal(w.buildTickMsg(res, c.cfg))
			if err != nil {
				w.logger.Printf("encode tick: %v", err)
				return
			}
			cache[c.cfg] = b
		}
		sendLatest(c.tickOut, b)
	}
}

func (w *World) broadcastEpisodeEnd(res EpisodeResult) {
	if len(w.observers) == 0 {
		return
	}
	b, err := json.Marshal(w.buildEpisodeEndMsg(res))
	if err != nil {
		w.logger.Printf("encode episode end: %v", err)
		return
	}
	for _, c := range w.observers {
		sendLatest(c.tickOut, b)
	}
}

// sendLatest never blocks: when the buffer is full the oldest message is dropped.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

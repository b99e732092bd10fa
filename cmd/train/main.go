package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"urbanflow.ai/internal/experiment"
	"urbanflow.ai/internal/persistence/indexdb"
	persistlog "urbanflow.ai/internal/persistence/log"
	"urbanflow.ai/internal/persistence/snapshot"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/tuning"
	"urbanflow.ai/internal/sim/world"
)

func main() {
	var (
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
		snapPath   = flag.String("snapshot", "", "continue training from this snapshot (optional)")

		name      = flag.String("name", "", "run name (default: experiment.name)")
		episodes  = flag.Int("episodes", 0, "episodes to train (default: experiment.episodes)")
		incidents = flag.Int("incident_tests", -1, "incident-response trials after training (default: experiment.incident_tests)")
		tickLog   = flag.Bool("tick_log", false, "write per-tick logs next to the episode log")

		compare    = flag.Bool("compare", false, "train one fresh run per algorithm x density x congestion cell and compare them")
		algorithms = flag.String("algorithms", "", "comma separated algorithms for -compare (default: proximity_based,exponential_distance)")
		densities  = flag.String("densities", "", "comma separated obstacle densities for -compare (default: 0.1,0.25)")
		congestion = flag.String("congestion", "", "comma separated congestion levels for -compare, low or high (default: low,high)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[train] ", log.LstdFlags|log.Lmicroseconds)

	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if *name != "" {
		tune.Experiment.Name = *name
	}
	if *episodes > 0 {
		tune.Experiment.Episodes = *episodes
	}
	if *incidents >= 0 {
		tune.Experiment.IncidentTests = *incidents
	}

	cfg, err := tune.ExperimentConfig()
	if err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	cfg.Logger = logger
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		cfg.Continue, err = snapshot.Restore(snap, rand.New(rand.NewSource(tune.Policy.Seed)), logger)
		if err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("continuing from %s (episode %d, %d policy states)", *snapPath, snap.Header.Episode, len(snap.Policy.Entries))
	}

	worldDir := filepath.Join(*dataDir, "worlds", tune.World.ID)
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *compare {
		if cfg.Continue != nil {
			logger.Fatalf("-compare trains fresh worlds and cannot continue a snapshot")
		}
		m, err := experiment.ParseMatrix(*algorithms, *densities, *congestion)
		if err != nil {
			logger.Fatalf("compare: %v", err)
		}
		cmp, err := experiment.Compare(ctx, cfg, m, experiment.Hooks{
			OnStart: func(runID string, w *world.World) {
				idx.RecordRunStart(indexdb.RunInfo{
					RunID:     runID,
					Name:      cfg.Name,
					Seed:      w.Config().Seed,
					GridSize:  w.Grid().Size(),
					Algorithm: reward.AlgorithmName(w.Rewards().Shaping),
					Episodes:  cfg.Episodes,
					Config:    tune,
				})
			},
			OnEnd: func(rep *experiment.Report) {
				idx.RecordRunEnd(rep.RunID, len(rep.Episodes), rep.Summary)
			},
		})
		switch {
		case cmp == nil:
			logger.Fatalf("compare: %v", err)
		case err != nil:
			logger.Printf("compare stopped after %d cells: %v", len(cmp.Rows), err)
		}
		path := filepath.Join(worldDir, "comparisons", time.Now().UTC().Format("20060102T150405Z")+".json")
		if err := writeJSON(path, cmp); err != nil {
			logger.Printf("comparison: %v", err)
		} else {
			logger.Printf("comparison written to %s", path)
		}
		printComparison(os.Stdout, cmp)
		return
	}

	var (
		runDir  string
		closers []func() error
	)
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	hooks := experiment.Hooks{
		OnStart: func(runID string, w *world.World) {
			runDir = filepath.Join(worldDir, "runs", runID)
			epLog := persistlog.NewEpisodeLogger(runDir)
			closers = append(closers, epLog.Close)
			w.SetEpisodeLogger(teeEpisodes{epLog, idx.EpisodeSink(runID)})
			if *tickLog {
				tl := persistlog.NewTickLogger(runDir)
				closers = append(closers, tl.Close)
				w.SetTickLogger(tl)
			}
			idx.RecordRunStart(indexdb.RunInfo{
				RunID:     runID,
				Name:      cfg.Name,
				Seed:      w.Config().Seed,
				GridSize:  w.Grid().Size(),
				Algorithm: reward.AlgorithmName(w.Rewards().Shaping),
				Episodes:  cfg.Episodes,
				Config:    tune,
			})
		},
		OnEnd: func(rep *experiment.Report) {
			idx.RecordRunEnd(rep.RunID, len(rep.Episodes), rep.Summary)
		},
	}

	rep, err := experiment.Run(ctx, cfg, hooks)
	switch {
	case rep == nil:
		logger.Fatalf("run: %v", err)
	case errors.Is(err, context.Canceled):
		logger.Printf("interrupted after %d episodes", len(rep.Episodes))
	case err != nil:
		logger.Printf("run stopped: %v", err)
	}
	w := rep.World
	w.SetTickLogger(nil)
	w.SetEpisodeLogger(nil)

	snap := snapshot.FromWorld(w)
	path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		logger.Printf("snapshot write: %v", err)
	} else {
		idx.RecordSnapshot(rep.RunID, path, snap)
		logger.Printf("snapshot written to %s (%d policy states)", path, len(snap.Policy.Entries))
	}

	out := trainReport{Report: rep}
	if tune.Experiment.IncidentTests > 0 && ctx.Err() == nil {
		res, err := experiment.IncidentResponse(ctx, w, tune.IncidentConfig())
		if err != nil {
			logger.Printf("incident response: %v", err)
		}
		for _, r := range res {
			idx.RecordIncident(rep.RunID, indexdb.IncidentRow{
				Trial:       r.Trial,
				Reached:     r.Reached,
				Steps:       r.Steps,
				TotalReward: r.TotalReward,
			})
		}
		out.Incidents = res
		out.IncidentSuccessRate = experiment.IncidentSuccessRate(res)
	}

	if runDir != "" {
		if err := writeJSON(filepath.Join(runDir, "report.json"), out); err != nil {
			logger.Printf("report: %v", err)
		}
	}
	printSummary(os.Stdout, out)
}

type trainReport struct {
	*experiment.Report
	Incidents           []experiment.IncidentResult `json:"incidents,omitempty"`
	IncidentSuccessRate float64                     `json:"incident_success_rate,omitempty"`
}

func printSummary(f io.Writer, r trainReport) {
	s := r.Summary
	fmt.Fprintf(f, "run %s (%s): %d episodes\n", r.RunID, r.Name, s.Episodes)
	fmt.Fprintf(f, "  reward      mean=%.2f std=%.2f min=%.2f max=%.2f trend=%+.4f/episode\n",
		s.Reward.Mean, s.Reward.StdDev, s.Reward.Min, s.Reward.Max, s.RewardTrend)
	fmt.Fprintf(f, "  avg steps   mean=%.2f std=%.2f\n", s.AvgSteps.Mean, s.AvgSteps.StdDev)
	fmt.Fprintf(f, "  success     mean=%.2f final=%.2f\n", s.SuccessRate.Mean, s.FinalSuccessRate)
	fmt.Fprintf(f, "  efficiency  mean=%.2f\n", s.Efficiency.Mean)
	if len(r.Incidents) > 0 {
		fmt.Fprintf(f, "  incident    %d trials, success=%.2f\n", len(r.Incidents), r.IncidentSuccessRate)
		for _, in := range r.Incidents {
			fmt.Fprintf(f, "    trial %d: reached=%v steps=%d reward=%.2f\n", in.Trial, in.Reached, in.Steps, in.TotalReward)
		}
	}
}

func printComparison(f io.Writer, c *experiment.Comparison) {
	fmt.Fprintf(f, "%-22s %8s %-10s %8s %9s %9s %10s\n", "algorithm", "density", "congestion", "success", "avg steps", "reward", "efficiency")
	for _, r := range c.Rows {
		s := r.Summary
		fmt.Fprintf(f, "%-22s %8.2f %-10s %8.3f %9.2f %9.2f %10.3f\n",
			r.Algorithm, r.ObstacleDensity, r.Congestion, s.SuccessRate.Mean, s.AvgSteps.Mean, s.Reward.Mean, s.Efficiency.Mean)
	}
	for _, g := range []struct {
		name string
		m    map[string]experiment.Aggregate
	}{{"algorithm", c.ByAlgorithm}, {"density", c.ByDensity}, {"congestion", c.ByCongestion}} {
		fmt.Fprintf(f, "by %s\n", g.name)
		for _, k := range experiment.SortedKeys(g.m) {
			a := g.m[k]
			fmt.Fprintf(f, "  %-20s runs=%d success=%.3f steps=%.2f reward=%.2f efficiency=%.3f\n",
				k, a.Runs, a.SuccessRate, a.AvgSteps, a.Reward, a.Efficiency)
		}
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

type teeEpisodes []world.EpisodeLogger

func (t teeEpisodes) WriteEpisode(res world.EpisodeResult) error {
	for _, l := range t {
		if l != nil {
			_ = l.WriteEpisode(res)
		}
	}
	return nil
}

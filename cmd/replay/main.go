package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"urbanflow.ai/internal/experiment"
	"urbanflow.ai/internal/persistence/indexdb"
	persistlog "urbanflow.ai/internal/persistence/log"
	"urbanflow.ai/internal/persistence/snapshot"
	"urbanflow.ai/internal/sim/tuning"
	"urbanflow.ai/internal/sim/world"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst to inspect")
		evalEps    = flag.Int("eval", 0, "greedy evaluation episodes on the snapshot's policy (0 = skip)")
		runDir     = flag.String("run", "", "run directory holding ticks/ and episodes/ logs")
		verify     = flag.Bool("verify", false, "re-run the logged run and compare tick digests (needs -run and -tuning)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "tuning the run was trained with (default: <configs>/tuning.yaml)")
		dbPath     = flag.String("db", "", "index database to list runs from")
		runID      = flag.String("run_id", "", "with -db: show episodes, incidents and snapshots of one run")
	)
	flag.Parse()

	if *snapPath == "" && *runDir == "" && *dbPath == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -snapshot, -run or -db")
		os.Exit(2)
	}
	ctx := context.Background()

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		describeSnapshot(os.Stdout, snap)
		if *evalEps > 0 {
			w, err := snapshot.Restore(snap, rand.New(rand.NewSource(snap.Seed)), nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, "restore snapshot:", err)
				os.Exit(1)
			}
			sum, _, err := experiment.Evaluate(ctx, w, *evalEps)
			if err != nil {
				fmt.Fprintln(os.Stderr, "evaluate:", err)
				os.Exit(1)
			}
			fmt.Printf("greedy eval: %d episodes reward=%.2f±%.2f avg_steps=%.2f success=%.2f efficiency=%.2f\n",
				sum.Episodes, sum.Reward.Mean, sum.Reward.StdDev, sum.AvgSteps.Mean, sum.SuccessRate.Mean, sum.Efficiency.Mean)
		}
	}

	if *runDir != "" {
		rs, err := summarizeRun(*runDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read run logs:", err)
			os.Exit(1)
		}
		fmt.Printf("run %s: ticks=%d moves=%d arrivals=%d episodes=%d\n",
			filepath.Base(*runDir), rs.Ticks, rs.Moves, rs.Arrivals, rs.Summary.Episodes)
		if rs.Summary.Episodes > 0 {
			s := rs.Summary
			fmt.Printf("  reward mean=%.2f std=%.2f trend=%+.4f  success mean=%.2f final=%.2f\n",
				s.Reward.Mean, s.Reward.StdDev, s.RewardTrend, s.SuccessRate.Mean, s.FinalSuccessRate)
		}

		if *verify {
			tp := *tuningPath
			if tp == "" {
				tp = filepath.Join(*configDir, "tuning.yaml")
			}
			tune, err := tuning.Load(tp)
			if err != nil {
				fmt.Fprintln(os.Stderr, "load tuning:", err)
				os.Exit(1)
			}
			cfg, err := tune.ExperimentConfig()
			if err != nil {
				fmt.Fprintln(os.Stderr, "tuning:", err)
				os.Exit(1)
			}
			checked, err := verifyRun(ctx, *runDir, cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, "verify:", err)
				os.Exit(1)
			}
			fmt.Printf("replay ok: checked=%d ticks\n", checked)
		}
	}

	if *dbPath != "" {
		if err := listRuns(ctx, os.Stdout, *dbPath, *runID); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(1)
		}
	}
}

func describeSnapshot(out io.Writer, snap snapshot.SnapshotV1) {
	fmt.Fprintf(out, "snapshot v%d world=%s tick=%d episode=%d seed=%d grid=%dx%d obstacles=%d vehicles=%d algorithm=%s policy_states=%d\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, snap.Header.Episode, snap.Seed,
		snap.Grid.Size, snap.Grid.Size, len(snap.Grid.Obstacles), snap.NumVehicles, snap.Reward.Algorithm, len(snap.Policy.Entries))
	p := snap.Policy.Params
	fmt.Fprintf(out, "  policy lr=%.3f gamma=%.3f epsilon=%.3f destination_aware=%v\n",
		p.LearningRate, p.DiscountFactor, p.Epsilon, p.DestinationAware)
}

type runSummary struct {
	Ticks    int
	Moves    int
	Arrivals int
	Episodes []experiment.EpisodeStats
	Summary  experiment.Summary
}

func summarizeRun(runDir string) (runSummary, error) {
	var rs runSummary
	err := persistlog.ReadTicks(runDir, func(e world.TickLogEntry) error {
		rs.Ticks++
		rs.Moves += len(e.Moves)
		for _, m := range e.Moves {
			if m.Reached {
				rs.Arrivals++
			}
		}
		return nil
	})
	if err != nil {
		return rs, err
	}
	err = persistlog.ReadEpisodes(runDir, func(res world.EpisodeResult) error {
		rs.Episodes = append(rs.Episodes, experiment.EpisodeStats{
			Episode:       res.Episode,
			Steps:         res.Steps,
			TotalReward:   res.TotalReward,
			AvgSteps:      res.AvgSteps,
			SuccessRate:   res.SuccessRate,
			AvgEfficiency: res.AvgEfficiency,
		})
		return nil
	})
	if err != nil {
		return rs, err
	}
	rs.Summary = experiment.Summarize(rs.Episodes)
	return rs, nil
}

var errDigestMismatch = errors.New("digest mismatch")

// digestChecker compares a re-run tick by tick against the logged entries.
// Ticks past the end of the log are ignored, so interrupted runs verify too.
type digestChecker struct {
	want []world.TickLogEntry
	n    int
	err  error
}

func (c *digestChecker) WriteTick(got world.TickLogEntry) error {
	if c.err != nil || c.n >= len(c.want) {
		return nil
	}
	want := c.want[c.n]
	c.n++
	if got.Tick != want.Tick || got.Digest != want.Digest {
		c.err = fmt.Errorf("%w at tick %d (episode %d step %d): got=%s want=%s",
			errDigestMismatch, want.Tick, want.Episode, want.EpisodeStep, got.Digest, want.Digest)
	}
	return nil
}

// verifyRun retrains from scratch with cfg for as many episodes as the log
// covers and checks every logged digest. Only runs that started from a fresh
// world can be verified.
func verifyRun(ctx context.Context, runDir string, cfg experiment.Config) (int, error) {
	var want []world.TickLogEntry
	if err := persistlog.ReadTicks(runDir, func(e world.TickLogEntry) error {
		want = append(want, e)
		return nil
	}); err != nil {
		return 0, err
	}
	if len(want) == 0 {
		return 0, fmt.Errorf("no tick log under %s (train with -tick_log)", runDir)
	}
	if want[0].Episode != 1 || want[0].Tick != 0 {
		return 0, fmt.Errorf("log starts at tick %d episode %d; only runs from a fresh world replay", want[0].Tick, want[0].Episode)
	}

	chk := &digestChecker{want: want}
	cfg.Episodes = want[len(want)-1].Episode
	cfg.Logger = nil
	cfg.LogEvery = 0
	cfg.Continue = nil
	_, err := experiment.Run(ctx, cfg, experiment.Hooks{
		OnStart: func(_ string, w *world.World) { w.SetTickLogger(chk) },
	})
	if chk.err != nil {
		return chk.n - 1, chk.err
	}
	if err != nil {
		return chk.n, err
	}
	if chk.n < len(want) {
		return chk.n, fmt.Errorf("re-run produced %d ticks, log has %d", chk.n, len(want))
	}
	return chk.n, nil
}

func listRuns(ctx context.Context, out io.Writer, dbPath, runID string) error {
	r, err := indexdb.OpenReader(dbPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if runID == "" {
		runs, err := r.Runs(ctx)
		if err != nil {
			return err
		}
		for _, run := range runs {
			ended := run.EndedAt
			if ended == "" {
				ended = "running"
			}
			fmt.Fprintf(out, "%s %-12s seed=%d grid=%d algorithm=%s episodes=%d/%d started=%s ended=%s\n",
				run.RunID, run.Name, run.Seed, run.GridSize, run.Algorithm, run.Episodes, run.PlannedEpisodes, run.StartedAt, ended)
		}
		return nil
	}

	eps, err := r.Episodes(ctx, runID)
	if err != nil {
		return err
	}
	stats := make([]experiment.EpisodeStats, 0, len(eps))
	for _, e := range eps {
		stats = append(stats, experiment.EpisodeStats{
			Episode:       e.Episode,
			Steps:         e.Steps,
			TotalReward:   e.TotalReward,
			AvgSteps:      e.AvgSteps,
			SuccessRate:   e.SuccessRate,
			AvgEfficiency: e.AvgEfficiency,
		})
	}
	s := experiment.Summarize(stats)
	fmt.Fprintf(out, "run %s: %d episodes reward=%.2f±%.2f success=%.2f final=%.2f\n",
		runID, s.Episodes, s.Reward.Mean, s.Reward.StdDev, s.SuccessRate.Mean, s.FinalSuccessRate)

	inc, err := r.Incidents(ctx, runID)
	if err != nil {
		return err
	}
	for _, in := range inc {
		fmt.Fprintf(out, "  incident trial %d: reached=%v steps=%d reward=%.2f\n", in.Trial, in.Reached, in.Steps, in.TotalReward)
	}
	snaps, err := r.Snapshots(ctx, runID)
	if err != nil {
		return err
	}
	for _, sn := range snaps {
		fmt.Fprintf(out, "  snapshot %s tick=%d episode=%d policy_states=%d\n", sn.Path, sn.Tick, sn.Episode, sn.PolicyStates)
	}
	return nil
}

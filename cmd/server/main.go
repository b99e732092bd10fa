package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"urbanflow.ai/internal/experiment"
	"urbanflow.ai/internal/persistence/indexdb"
	persistlog "urbanflow.ai/internal/persistence/log"
	"urbanflow.ai/internal/persistence/snapshot"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/tuning"
	"urbanflow.ai/internal/sim/world"
	"urbanflow.ai/internal/transport/observer"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite run index")
		allowRemote = flag.Bool("allow_remote", false, "serve observer and admin endpoints to non-loopback clients")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := *tuningPath
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", tune.World.ID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index db: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	loadPath := *snapPath
	if loadPath == "" && *loadLatest {
		loadPath = latestSnapshot(worldDir)
	}

	var w *world.World
	if loadPath != "" {
		snap, err := snapshot.ReadSnapshot(loadPath)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		w, err = snapshot.Restore(snap, rand.New(rand.NewSource(tune.Policy.Seed)), logger)
		if err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("loaded snapshot %s (tick %d, episode %d, %d policy states)",
			loadPath, snap.Header.Tick, snap.Header.Episode, len(snap.Policy.Entries))
	} else {
		cfg, err := tune.ExperimentConfig()
		if err != nil {
			logger.Fatalf("tuning: %v", err)
		}
		cfg.Logger = logger
		w, err = experiment.NewWorld(cfg)
		if err != nil {
			logger.Fatalf("world: %v", err)
		}
	}
	w.SetContinuous(tune.World.Continuous)

	runID := uuid.New().String()
	idx.RecordRunStart(indexdb.RunInfo{
		RunID:     runID,
		Name:      "live",
		Seed:      w.Config().Seed,
		GridSize:  w.Grid().Size(),
		Algorithm: reward.AlgorithmName(w.Rewards().Shaping),
		Config:    tune,
	})

	logDir := filepath.Join(worldDir, "logs")
	tickLog := persistlog.NewTickLogger(logDir)
	episodeLog := persistlog.NewEpisodeLogger(logDir)
	defer tickLog.Close()
	defer episodeLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
		w.SetEpisodeLogger(multiEpisodeLogger{a: episodeLog, b: idx.EpisodeSink(runID)})
	} else {
		w.SetTickLogger(tickLog)
		w.SetEpisodeLogger(episodeLog)
	}

	ctx, cancel := signalContext()
	defer cancel()

	// The world goroutine owns w until Run returns; only then is it safe to
	// snapshot it.
	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("world stopped: %v", err)
		}
		if path, err := saveSnapshot(w, worldDir, idx, runID); err != nil {
			logger.Printf("snapshot write: %v", err)
		} else {
			logger.Printf("snapshot written to %s", path)
		}
		idx.RecordRunEnd(runID, w.Episode(), w.EpisodeStats())
		cancel()
	}()

	obsSrv := observer.NewServer(w, logger)
	obsSrv.AllowRemote = *allowRemote
	enablePprofHTTP := envBool("URBANFLOW_ENABLE_PPROF_HTTP", false)
	mux := buildMux(w, obsSrv, idx, enablePprofHTTP)
	if !enablePprofHTTP {
		logger.Printf("pprof endpoints disabled (URBANFLOW_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (world %s, grid %dx%d)", *addr, w.ID(), w.Grid().Size(), w.Grid().Size())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	<-worldDone
}

func buildMux(w *world.World, obs *observer.Server, idx *indexdb.SQLiteIndex, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, idx))
	obs.Register(mux)
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func metricsHandler(w *world.World, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	id := w.ID()
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		boot, err := w.RequestBootstrap(ctx)
		up := 1
		if err != nil {
			up = 0
		}

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP urbanflow_world_up Whether the world loop answered.\n")
		fmt.Fprintf(rw, "# TYPE urbanflow_world_up gauge\n")
		fmt.Fprintf(rw, "urbanflow_world_up{world=%q} %d\n", id, up)
		if err == nil {
			fmt.Fprintf(rw, "# HELP urbanflow_world_tick Current world tick.\n")
			fmt.Fprintf(rw, "# TYPE urbanflow_world_tick gauge\n")
			fmt.Fprintf(rw, "urbanflow_world_tick{world=%q} %d\n", id, boot.Tick)

			fmt.Fprintf(rw, "# HELP urbanflow_world_episode Current episode.\n")
			fmt.Fprintf(rw, "# TYPE urbanflow_world_episode gauge\n")
			fmt.Fprintf(rw, "urbanflow_world_episode{world=%q} %d\n", id, boot.Episode)

			fmt.Fprintf(rw, "# HELP urbanflow_world_obstacles Obstacle cells on the grid.\n")
			fmt.Fprintf(rw, "# TYPE urbanflow_world_obstacles gauge\n")
			fmt.Fprintf(rw, "urbanflow_world_obstacles{world=%q} %d\n", id, len(boot.Obstacles))
		}

		if idx == nil {
			return
		}
		s := idx.Stats()
		fmt.Fprintf(rw, "# HELP urbanflow_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE urbanflow_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "urbanflow_index_queue_depth{world=%q} %d\n", id, s.QueueDepth)

		fmt.Fprintf(rw, "# HELP urbanflow_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE urbanflow_index_dropped_total counter\n")
		fmt.Fprintf(rw, "urbanflow_index_dropped_total{world=%q,kind=%q} %d\n", id, "tick", s.DropTickTotal)
		fmt.Fprintf(rw, "urbanflow_index_dropped_total{world=%q,kind=%q} %d\n", id, "episode", s.DropEpisodeTotal)
		fmt.Fprintf(rw, "urbanflow_index_dropped_total{world=%q,kind=%q} %d\n", id, "run", s.DropRunTotal)
		fmt.Fprintf(rw, "urbanflow_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot", s.DropSnapshotTotal)
	}
}

func saveSnapshot(w *world.World, worldDir string, idx *indexdb.SQLiteIndex, runID string) (string, error) {
	snap := snapshot.FromWorld(w)
	path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	idx.RecordSnapshot(runID, path, snap)
	return path, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

type multiTickLogger struct {
	a world.TickLogger
	b world.TickLogger
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiEpisodeLogger struct {
	a world.EpisodeLogger
	b world.EpisodeLogger
}

func (m multiEpisodeLogger) WriteEpisode(res world.EpisodeResult) error {
	if m.a != nil {
		_ = m.a.WriteEpisode(res)
	}
	if m.b != nil {
		_ = m.b.WriteEpisode(res)
	}
	return nil
}

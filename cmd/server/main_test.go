package main

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"urbanflow.ai/internal/persistence/indexdb"
	"urbanflow.ai/internal/persistence/snapshot"
	"urbanflow.ai/internal/sim/grid"
	"urbanflow.ai/internal/sim/policy"
	"urbanflow.ai/internal/sim/reward"
	"urbanflow.ai/internal/sim/world"
	"urbanflow.ai/internal/transport/observer"
)

func newServerWorld(t *testing.T) *world.World {
	t.Helper()
	pol, err := policy.New(policy.DefaultParams(), rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	w, err := world.New(world.WorldConfig{
		ID:         "m-1",
		Grid:       grid.DefaultConfig(10),
		Seed:       4,
		MaxSteps:   40,
		TickRateHz: 1,
	}, pol, reward.DefaultConfig())
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return w
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestBuildMux_HealthAndMetrics(t *testing.T) {
	w := newServerWorld(t)
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "world.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	mux := buildMux(w, observer.NewServer(w, nil), idx, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if rec := get(t, mux, "/healthz"); rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, mux, "/metrics")
	body := rec.Body.String()
	for _, want := range []string{
		`urbanflow_world_up{world="m-1"} 1`,
		`urbanflow_world_episode{world="m-1"} 1`,
		`urbanflow_index_queue_depth{world="m-1"}`,
		`urbanflow_index_dropped_total{world="m-1",kind="tick"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if rec := get(t, mux, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof should be off, got %d", rec.Code)
	}
}

func TestMetrics_WorldNotRunning(t *testing.T) {
	w := newServerWorld(t)
	mux := buildMux(w, observer.NewServer(w, nil), nil, true)

	body := get(t, mux, "/metrics").Body.String()
	if !strings.Contains(body, `urbanflow_world_up{world="m-1"} 0`) {
		t.Fatalf("metrics=%s", body)
	}
	if strings.Contains(body, "urbanflow_world_tick") || strings.Contains(body, "urbanflow_index_") {
		t.Fatalf("unexpected series:\n%s", body)
	}
}

func TestSaveSnapshot_LatestIsRestorable(t *testing.T) {
	dir := t.TempDir()
	w := newServerWorld(t)
	if err := w.ResetEpisode(); err != nil {
		t.Fatalf("ResetEpisode: %v", err)
	}
	w.RunEpisode()

	first, err := saveSnapshot(w, dir, nil, "")
	if err != nil {
		t.Fatalf("saveSnapshot: %v", err)
	}
	if err := w.ResetEpisode(); err != nil {
		t.Fatalf("ResetEpisode: %v", err)
	}
	w.RunEpisode()
	second, err := saveSnapshot(w, dir, nil, "")
	if err != nil {
		t.Fatalf("saveSnapshot: %v", err)
	}
	if first == second {
		t.Fatalf("snapshots share a path: %s", first)
	}
	// Files that don't look like snapshots are skipped.
	if err := os.WriteFile(filepath.Join(dir, "snapshots", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := latestSnapshot(dir); got != second {
		t.Fatalf("latest=%s want %s", got, second)
	}
	snap, err := snapshot.ReadSnapshot(second)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	r, err := snapshot.Restore(snap, rand.New(rand.NewSource(1)), nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if r.Episode() != 2 || r.Policy().Len() != w.Policy().Len() {
		t.Fatalf("restored episode=%d states=%d", r.Episode(), r.Policy().Len())
	}

	if got := latestSnapshot(t.TempDir()); got != "" {
		t.Fatalf("empty dir gave %q", got)
	}
}

func TestOpenRuntimeIndex_Backends(t *testing.T) {
	dir := t.TempDir()
	if idx, err := openRuntimeIndex(dir, true); idx != nil || err != nil {
		t.Fatalf("disabled: %v %v", idx, err)
	}

	t.Setenv("URBANFLOW_INDEX_BACKEND", "off")
	if idx, err := openRuntimeIndex(dir, false); idx != nil || err != nil {
		t.Fatalf("off: %v %v", idx, err)
	}

	t.Setenv("URBANFLOW_INDEX_BACKEND", "d1")
	if _, err := openRuntimeIndex(dir, false); err == nil {
		t.Fatalf("expected unsupported backend error")
	}

	t.Setenv("URBANFLOW_INDEX_BACKEND", "")
	idx, err := openRuntimeIndex(dir, false)
	if err != nil || idx == nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer idx.Close()
	if _, err := os.Stat(filepath.Join(dir, "index", "world.sqlite")); err != nil {
		t.Fatalf("db file: %v", err)
	}
}

package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"urbanflow.ai/internal/persistence/snapshot"
	"urbanflow.ai/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index of training runs. Writes are
// queued to a single writer goroutine and dropped when the queue is full; the
// JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropEpisode  atomic.Uint64
	dropRun      atomic.Uint64
	dropSnapshot atomic.Uint64
	dropIncident atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqRunStart
	reqRunEnd
	reqEpisode
	reqSnapshot
	reqIncident
)

type req struct {
	kind reqKind

	runID    string
	tick     world.TickLogEntry
	run      RunInfo
	end      runEndRow
	episode  world.EpisodeResult
	snapshot snapshotRow
	incident IncidentRow
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	RunID     string
	Name      string
	Seed      int64
	GridSize  int
	Algorithm string
	Episodes  int
	Config    any
}

type runEndRow struct {
	Episodes int
	Summary  any
	EndedAt  string
}

type snapshotRow struct {
	Path         string
	WorldID      string
	Tick         uint64
	Episode      int
	Seed         int64
	GridSize     int
	Obstacles    int
	PolicyStates int
	RecordedAt   string
}

// IncidentRow is one incident-response trial.
type IncidentRow struct {
	Trial       int
	Reached     bool
	Steps       int
	TotalReward float64
}

// QueueStats reports writer queue depth and per-kind drop counters.
type QueueStats struct {
	QueueDepth    int
	QueueCapacity int

	DropTickTotal     uint64
	DropEpisodeTotal  uint64
	DropRunTotal      uint64
	DropSnapshotTotal uint64
	DropIncidentTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Sized for a long tick stream from cmd/server between commits.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			seed INTEGER NOT NULL,
			grid_size INTEGER NOT NULL,
			algorithm TEXT NOT NULL,
			planned_episodes INTEGER NOT NULL,
			config_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			episodes INTEGER,
			summary_json TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			run_id TEXT NOT NULL,
			episode INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			total_reward REAL NOT NULL,
			avg_steps REAL NOT NULL,
			success_rate REAL NOT NULL,
			avg_efficiency REAL NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, episode)
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			episode INTEGER NOT NULL,
			episode_step INTEGER NOT NULL,
			digest TEXT NOT NULL,
			moves INTEGER NOT NULL,
			reached INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_episode ON ticks(episode, episode_step);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			world_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			grid_size INTEGER NOT NULL,
			obstacles INTEGER NOT NULL,
			policy_states INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS incidents (
			run_id TEXT NOT NULL,
			trial INTEGER NOT NULL,
			reached INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			total_reward REAL NOT NULL,
			PRIMARY KEY (run_id, trial)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropEpisodeTotal:  s.dropEpisode.Load(),
		DropRunTotal:      s.dropRun.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropIncidentTotal: s.dropIncident.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// WriteTick implements world.TickLogger.
func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqTick, tick: entry}, &s.dropTick)
	return nil
}

func (s *SQLiteIndex) RecordRunStart(info RunInfo) {
	if s == nil || info.RunID == "" {
		return
	}
	s.enqueue(req{kind: reqRunStart, runID: info.RunID, run: info}, &s.dropRun)
}

func (s *SQLiteIndex) RecordRunEnd(runID string, episodes int, summary any) {
	if s == nil || runID == "" {
		return
	}
	s.enqueue(req{kind: reqRunEnd, runID: runID, end: runEndRow{
		Episodes: episodes,
		Summary:  summary,
		EndedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}}, &s.dropRun)
}

func (s *SQLiteIndex) RecordEpisode(runID string, res world.EpisodeResult) {
	if s == nil || runID == "" {
		return
	}
	s.enqueue(req{kind: reqEpisode, runID: runID, episode: res}, &s.dropEpisode)
}

func (s *SQLiteIndex) RecordIncident(runID string, row IncidentRow) {
	if s == nil || runID == "" {
		return
	}
	s.enqueue(req{kind: reqIncident, runID: runID, incident: row}, &s.dropIncident)
}

func (s *SQLiteIndex) RecordSnapshot(runID, path string, snap snapshot.SnapshotV1) {
	if s == nil || path == "" {
		return
	}
	s.enqueue(req{kind: reqSnapshot, runID: runID, snapshot: snapshotRow{
		Path:         path,
		WorldID:      snap.Header.WorldID,
		Tick:         snap.Header.Tick,
		Episode:      snap.Header.Episode,
		Seed:         snap.Seed,
		GridSize:     snap.Grid.Size,
		Obstacles:    len(snap.Grid.Obstacles),
		PolicyStates: len(snap.Policy.Entries),
		RecordedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}}, &s.dropSnapshot)
}

// EpisodeSink binds the index to one run so a world can log into it.
func (s *SQLiteIndex) EpisodeSink(runID string) world.EpisodeLogger {
	return episodeSink{s: s, runID: runID}
}

type episodeSink struct {
	s     *SQLiteIndex
	runID string
}

func (e episodeSink) WriteEpisode(res world.EpisodeResult) error {
	e.s.RecordEpisode(e.runID, res)
	return nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,episode,episode_step,digest,moves,reached,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,name,seed,grid_size,algorithm,planned_episodes,config_json,started_at) VALUES(?,?,?,?,?,?,?,?)`)
	updateRun, _ := s.db.Prepare(`UPDATE runs SET ended_at=?, episodes=?, summary_json=? WHERE run_id=?`)
	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(run_id,episode,steps,total_reward,avg_steps,success_rate,avg_efficiency,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,run_id,world_id,tick,episode,seed,grid_size,obstacles,policy_states,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertIncident, _ := s.db.Prepare(`INSERT OR REPLACE INTO incidents(run_id,trial,reached,steps,total_reward) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertRun, updateRun, insertEpisode, insertSnapshot, insertIncident} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			b, _ := json.Marshal(r.tick)
			reached := 0
			for _, m := range r.tick.Moves {
				if m.Reached {
					reached++
				}
			}
			exec(insertTick, int64(r.tick.Tick), r.tick.Episode, r.tick.EpisodeStep, r.tick.Digest, len(r.tick.Moves), reached, string(b))

		case reqRunStart:
			cfg, _ := json.Marshal(r.run.Config)
			exec(insertRun, r.runID, r.run.Name, r.run.Seed, r.run.GridSize, r.run.Algorithm, r.run.Episodes, string(cfg),
				time.Now().UTC().Format(time.RFC3339Nano))

		case reqRunEnd:
			sum, _ := json.Marshal(r.end.Summary)
			exec(updateRun, r.end.EndedAt, r.end.Episodes, string(sum), r.runID)

		case reqEpisode:
			e := r.episode
			raw, _ := json.Marshal(e)
			exec(insertEpisode, r.runID, e.Episode, e.Steps, e.TotalReward, e.AvgSteps, e.SuccessRate, e.AvgEfficiency, string(raw))

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Path, r.runID, sn.WorldID, int64(sn.Tick), sn.Episode, sn.Seed, sn.GridSize, sn.Obstacles, sn.PolicyStates, sn.RecordedAt)

		case reqIncident:
			in := r.incident
			exec(insertIncident, r.runID, in.Trial, in.Reached, in.Steps, in.TotalReward)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

package indexdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Reader queries an index database. It opens its own connection so it can
// be used while another process is still writing through SQLiteIndex.
type Reader struct {
	db *sql.DB
}

type RunRow struct {
	RunID           string
	Name            string
	Seed            int64
	GridSize        int
	Algorithm       string
	PlannedEpisodes int
	StartedAt       string
	EndedAt         string
	Episodes        int
	SummaryJSON     string
}

type EpisodeRow struct {
	Episode       int
	Steps         int
	TotalReward   float64
	AvgSteps      float64
	SuccessRate   float64
	AvgEfficiency float64
}

type SnapshotRow struct {
	Path         string
	RunID        string
	WorldID      string
	Tick         uint64
	Episode      int
	PolicyStates int
}

func OpenReader(path string) (*Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// Runs lists runs, most recently started first.
func (r *Reader) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT run_id,name,seed,grid_size,algorithm,planned_episodes,started_at,
		COALESCE(ended_at,''),COALESCE(episodes,0),COALESCE(summary_json,'')
		FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var x RunRow
		if err := rows.Scan(&x.RunID, &x.Name, &x.Seed, &x.GridSize, &x.Algorithm, &x.PlannedEpisodes,
			&x.StartedAt, &x.EndedAt, &x.Episodes, &x.SummaryJSON); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// Episodes returns the recorded episodes of one run in episode order.
func (r *Reader) Episodes(ctx context.Context, runID string) ([]EpisodeRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT episode,steps,total_reward,avg_steps,success_rate,avg_efficiency
		FROM episodes WHERE run_id=? ORDER BY episode`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpisodeRow
	for rows.Next() {
		var x EpisodeRow
		if err := rows.Scan(&x.Episode, &x.Steps, &x.TotalReward, &x.AvgSteps, &x.SuccessRate, &x.AvgEfficiency); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (r *Reader) Incidents(ctx context.Context, runID string) ([]IncidentRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT trial,reached,steps,total_reward FROM incidents WHERE run_id=? ORDER BY trial`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncidentRow
	for rows.Next() {
		var x IncidentRow
		if err := rows.Scan(&x.Trial, &x.Reached, &x.Steps, &x.TotalReward); err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

func (r *Reader) Snapshots(ctx context.Context, runID string) ([]SnapshotRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT path,run_id,world_id,tick,episode,policy_states
		FROM snapshots WHERE run_id=? ORDER BY tick`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var (
			x    SnapshotRow
			tick int64
		)
		if err := rows.Scan(&x.Path, &x.RunID, &x.WorldID, &tick, &x.Episode, &x.PolicyStates); err != nil {
			return nil, err
		}
		x.Tick = uint64(tick)
		out = append(out, x)
	}
	return out, rows.Err()
}

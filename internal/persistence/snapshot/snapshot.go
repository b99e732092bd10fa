package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"urbanflow.ai/internal/sim/policy"
)

const Version = 1

var ErrVersion = errors.New("snapshot: unsupported version")

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
	Episode int    `json:"episode"`
}

// SnapshotV1 holds exactly what is needed to rebuild a learned policy and the
// city it was trained on. Vehicles are episode state and are not saved.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed        int64 `json:"seed"`
	TickRate    int   `json:"tick_rate_hz"`
	NumVehicles int   `json:"num_vehicles"`
	MaxSteps    int   `json:"max_steps"`

	ObstacleDensity  float64 `json:"obstacle_density"`
	ReplanEvery      int     `json:"replan_every"`
	CongestionWindow int     `json:"congestion_window"`

	Planner PlannerV1            `json:"planner"`
	Grid    GridV1               `json:"grid"`
	Reward  RewardV1             `json:"reward"`
	Policy  policy.TableSnapshot `json:"policy"`
}

type PlannerV1 struct {
	CongestionThreshold float64 `json:"congestion_threshold"`
	CongestionWeight    float64 `json:"congestion_weight"`
}

type GridV1 struct {
	Size           int     `json:"size"`
	CongestionRate float64 `json:"congestion_rate"`
	LightCycle     int     `json:"light_cycle"`
	DisableLights  bool    `json:"disable_lights,omitempty"`

	Obstacles  [][2]int    `json:"obstacles"`
	Congestion [][]float64 `json:"congestion"`
	// Lights is the phase field, x-major, run-length encoded.
	Lights     string      `json:"lights_rle"`
	LightTicks int         `json:"light_ticks"`
}

// RewardV1 carries the algorithm name plus the parameter block of that
// algorithm only.
type RewardV1 struct {
	Algorithm   string         `json:"algorithm"`
	Proximity   *ProximityV1   `json:"proximity,omitempty"`
	Exponential *ExponentialV1 `json:"exponential,omitempty"`

	CongestionThreshold    float64 `json:"congestion_threshold"`
	CongestionMultiplier   float64 `json:"congestion_multiplier"`
	BacktrackPenalty       float64 `json:"backtrack_penalty"`
	OscillationPenalty     float64 `json:"oscillation_penalty"`
	LongOscillationPenalty float64 `json:"long_oscillation_penalty"`
	RedLightWaitPenalty    float64 `json:"red_light_wait_penalty"`
	DestinationReward      float64 `json:"destination_reward"`
	LoopThresholdBase      int     `json:"loop_threshold_base"`
	LoopThresholdMax       int     `json:"loop_threshold_max"`
	LoopPenaltyBase        float64 `json:"loop_penalty_base"`
	LoopPenaltyMax         float64 `json:"loop_penalty_max"`
}

type ProximityV1 struct {
	StepPenalty         float64 `json:"step_penalty"`
	FollowReward        float64 `json:"follow_reward"`
	OnPathReward        float64 `json:"on_path_reward"`
	CloserReward        float64 `json:"closer_reward"`
	ProximityBase       float64 `json:"proximity_base"`
	ProximityMax        float64 `json:"proximity_max"`
	PathDistanceBase    float64 `json:"path_distance_base"`
	PathDistancePenalty float64 `json:"path_distance_penalty"`
}

type ExponentialV1 struct {
	Base      float64 `json:"base"`
	Amplitude float64 `json:"amplitude"`
	XScale    float64 `json:"x_scale"`
	YScale    float64 `json:"y_scale"`
}

// WriteSnapshot writes a JSON header line followed by the JSON body, all
// zstd-compressed.
func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := json.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("json encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if err := json.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("json decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"urbanflow.ai/internal/sim/reward"
)

func TestDefaults_Validate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Grid.Size != 20 || tu.World.NumVehicles != 5 || tu.World.MaxSteps != 200 {
		t.Fatalf("unexpected tuning: %+v", tu)
	}
	wc := tu.WorldConfig()
	if wc.Grid.Size != 20 || wc.Planner.CongestionThreshold != 0.5 || wc.ReplanEvery != 10 {
		t.Fatalf("world config: %+v", wc)
	}
	rc, err := tu.RewardConfig()
	if err != nil {
		t.Fatalf("reward config: %v", err)
	}
	if reward.AlgorithmName(rc.Shaping) != reward.AlgorithmProximity || rc.DestinationReward != 100 {
		t.Fatalf("reward config: %+v", rc)
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	tu, err := Load(writeYAML(t, "grid:\n  size: 12\npolicy:\n  epsilon: 0.3\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.Grid.Size != 12 || tu.Policy.Epsilon != 0.3 {
		t.Fatalf("overrides lost: %+v", tu)
	}
	if tu.Grid.LightCycle != 10 || tu.Policy.LearningRate != 0.1 || tu.World.NumVehicles != 5 {
		t.Fatalf("defaults lost: %+v", tu)
	}
}

func TestLoad_ExplicitZerosKept(t *testing.T) {
	tu, err := Load(writeYAML(t, `
world:
  obstacle_density: 0
grid:
  light_cycle: 0
  disable_lights: true
planner:
  congestion_threshold: 0
  congestion_weight: 0
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wc := tu.WorldConfig()
	if wc.ObstacleDensity != 0 || wc.Planner.CongestionThreshold != 0 || wc.Planner.CongestionWeight != 0 || wc.Grid.LightCycle != 0 {
		t.Fatalf("explicit zeros rewritten: %+v", wc)
	}
	if err := wc.Validate(); err != nil {
		t.Fatalf("world config: %v", err)
	}
}

func TestRewardConfig_PresetAlgorithmOverrides(t *testing.T) {
	tu, err := Load(writeYAML(t, `
reward:
  preset: aggressive
  algorithm: exponential_distance
  exp_amplitude: 55
  destination_reward: 250
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rc, err := tu.RewardConfig()
	if err != nil {
		t.Fatalf("reward config: %v", err)
	}
	exp, ok := rc.Shaping.(reward.Exponential)
	if !ok {
		t.Fatalf("shaping=%T want Exponential", rc.Shaping)
	}
	if exp.Amplitude != 55 || exp.XScale != 1.5 {
		t.Fatalf("exponential=%+v", exp)
	}
	// Preset weights survive unless overridden.
	if rc.DestinationReward != 250 || rc.BacktrackPenalty != -100 || rc.CongestionMultiplier != 15 {
		t.Fatalf("reward config=%+v", rc)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"grid":      "grid:\n  size: 0\n",
		"epsilon":   "policy:\n  epsilon: 2\n",
		"preset":    "reward:\n  preset: reckless\n",
		"algorithm": "reward:\n  algorithm: teleport\n",
		"scale":     "reward:\n  algorithm: exponential_distance\n  exp_y_scale: 0\n",
		"density":   "world:\n  obstacle_density: 1.5\n",
		"rate":      "grid:\n  congestion_rate: 0\n",
		"cycle":     "grid:\n  light_cycle: 0\n",
		"threshold": "planner:\n  congestion_threshold: 1.5\n",
		"weight":    "planner:\n  congestion_weight: -1\n",
		"vehicles":  "world:\n  num_vehicles: 0\n",
		"tick_rate": "world:\n  tick_rate_hz: 0\n",
		"replan":    "vehicle:\n  replan_every: 0\n",
		"window":    "vehicle:\n  congestion_window: -2\n",
	}
	for name, body := range cases {
		if _, err := Load(writeYAML(t, body)); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
	if _, err := Load(writeYAML(t, "grid: [")); err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("syntax error should surface as a parse error, got %v", err)
	}
}

func TestExperimentConfig(t *testing.T) {
	tu, err := Load(writeYAML(t, "experiment:\n  name: rush-hour\n  episodes: 20\n  high_congestion: true\n  incident_steps: 0\nreward:\n  preset: cautious\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ec, err := tu.ExperimentConfig()
	if err != nil {
		t.Fatalf("ExperimentConfig: %v", err)
	}
	if ec.Name != "rush-hour" || ec.Episodes != 20 || !ec.HighCongestion || ec.PolicySeed != 7 || ec.LogEvery != 10 {
		t.Fatalf("experiment config: %+v", ec)
	}
	if ec.World.Continuous || ec.World.Grid.Size != 20 {
		t.Fatalf("training world must stop after each episode: %+v", ec.World)
	}
	if ec.Rewards.DestinationReward != reward.Cautious().DestinationReward {
		t.Fatalf("preset not applied: %+v", ec.Rewards)
	}
	ic := tu.IncidentConfig()
	if ic.Trials != 5 || ic.MaxSteps != 0 || ic.Unlimited {
		t.Fatalf("incident config: %+v", ic)
	}
}

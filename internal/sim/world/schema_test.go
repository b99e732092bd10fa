package world

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"urbanflow.ai/internal/sim/grid"
)

func validateAgainst(t *testing.T, schema string, v any) {
	t.Helper()
	s, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", schema))
	if err != nil {
		t.Fatalf("compile %s: %v", schema, err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := s.Validate(generic); err != nil {
		t.Fatalf("%s: %v\n%s", schema, err, b)
	}
}

func TestObserverMessages_MatchSchemas(t *testing.T) {
	w := newWorld(t, WorldConfig{Grid: grid.Config{Size: 9, CongestionRate: grid.DefaultCongestionRate, LightCycle: 3}, Seed: 8, MaxSteps: 12})
	if err := w.ResetEpisode(); err != nil {
		t.Fatalf("ResetEpisode: %v", err)
	}
	w.AddIncident(grid.Pos{X: 4, Y: 4})
	validateAgainst(t, "bootstrap.schema.json", w.Bootstrap())

	for _, cfg := range []observerCfg{{}, {fields: true}, {paths: true}, {fields: true, paths: true}} {
		res := w.StepOnce()
		validateAgainst(t, "tick.schema.json", w.buildTickMsg(res, cfg))
	}
	validateAgainst(t, "episode_end.schema.json", w.buildEpisodeEndMsg(w.RunEpisode()))
}

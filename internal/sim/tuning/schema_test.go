package tuning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// yamlDoc decodes YAML into the generic JSON form the validator expects.
func yamlDoc(t *testing.T, body []byte) any {
	t.Helper()
	var raw map[string]any
	if err := yaml.Unmarshal(body, &raw); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func TestTuningSchema(t *testing.T) {
	root := filepath.Join("..", "..", "..")
	s, err := jsonschema.Compile(filepath.Join(root, "schemas", "tuning.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(root, "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.Validate(yamlDoc(t, body)); err != nil {
		t.Fatalf("repo tuning.yaml: %v", err)
	}

	for name, bad := range map[string]string{
		"unknown section": "traffic:\n  lanes: 2\n",
		"typo":            "world:\n  num_vehicle: 5\n",
		"epsilon":         "policy:\n  epsilon: 1.5\n",
		"preset":          "reward:\n  preset: reckless\n",
		"weight type":     "reward:\n  destination_reward: lots\n",
		"rate":            "grid:\n  congestion_rate: 0\n",
		"threshold":       "planner:\n  congestion_threshold: 1.5\n",
		"replan":          "vehicle:\n  replan_every: 0\n",
	} {
		if err := s.Validate(yamlDoc(t, []byte(bad))); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

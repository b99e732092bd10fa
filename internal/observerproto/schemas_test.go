package observerproto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"urbanflow.ai/internal/observerproto"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip turns a Go value into the generic form the validator expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	var sub any
	_ = json.Unmarshal([]byte(`{"type":"SUBSCRIBE","protocol_version":"1.0","fields":true,"paths":false}`), &sub)
	validate(compile(t, "subscribe.schema.json"), sub)

	var boot any
	_ = json.Unmarshal([]byte(`{
	  "protocol_version":"1.0",
	  "world_id":"city-1",
	  "tick":42,
	  "episode":3,
	  "world_params":{
	    "tick_rate_hz":5,
	    "grid_size":20,
	    "seed":1337,
	    "light_cycle":10,
	    "congestion_rate":0.1,
	    "num_vehicles":5,
	    "max_steps":200,
	    "algorithm":"proximity_based"
	  },
	  "obstacles":[[3,5],[4,5]]
	}`), &boot)
	validate(compile(t, "bootstrap.schema.json"), boot)

	tick := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		WorldID:         "city-1",
		Tick:            7,
		Episode:         1,
		EpisodeStep:     8,
		Vehicles: []observerproto.VehicleState{
			{ID: 1, Pos: [2]int{2, 3}, Dest: [2]int{9, 9}, Steps: 8, TotalReward: -4.5, Path: [][2]int{{3, 3}, {4, 3}}},
		},
		Moves: []observerproto.MoveInfo{
			{VehicleID: 1, Action: "right", From: [2]int{1, 3}, To: [2]int{2, 3}, Reward: 9.5},
		},
		Congestion: [][]float64{{0, 0.25}, {1, 0.5}},
		Lights:     []observerproto.LightState{{Pos: [2]int{1, 1}, Phase: "NS"}},
		Digest:     "5d41402abc4b2a76b9719d911017c5925d41402abc4b2a76b9719d911017c592",
	}
	validate(compile(t, "tick.schema.json"), roundTrip(t, tick))

	end := observerproto.EpisodeEndMsg{
		Type:            observerproto.TypeEpisodeEnd,
		ProtocolVersion: observerproto.Version,
		WorldID:         "city-1",
		Episode:         1,
		Steps:           40,
		TotalReward:     120.5,
		AvgSteps:        31.2,
		SuccessRate:     0.8,
	}
	validate(compile(t, "episode_end.schema.json"), roundTrip(t, end))
}

func TestSchemas_RejectBadMessages(t *testing.T) {
	tickSchema := compile(t, "tick.schema.json")
	cases := map[string]string{
		"type":       `{"type":"OBS","protocol_version":"1.0","world_id":"c","tick":0,"episode":1,"episode_step":1,"vehicles":[],"digest":"` + zeros64 + `"}`,
		"action":     `{"type":"TICK","protocol_version":"1.0","world_id":"c","tick":0,"episode":1,"episode_step":1,"vehicles":[],"moves":[{"vehicle_id":1,"action":"jump","from":[0,0],"to":[0,1],"reward":0}],"digest":"` + zeros64 + `"}`,
		"congestion": `{"type":"TICK","protocol_version":"1.0","world_id":"c","tick":0,"episode":1,"episode_step":1,"vehicles":[],"congestion":[[1.5]],"digest":"` + zeros64 + `"}`,
		"digest":     `{"type":"TICK","protocol_version":"1.0","world_id":"c","tick":0,"episode":1,"episode_step":1,"vehicles":[],"digest":"abc"}`,
		"cell":       `{"type":"TICK","protocol_version":"1.0","world_id":"c","tick":0,"episode":1,"episode_step":1,"vehicles":[{"id":1,"pos":[1],"dest":[2,2],"reached":false,"steps":0,"total_reward":0}],"digest":"` + zeros64 + `"}`,
	}
	for name, raw := range cases {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("%s: bad fixture: %v", name, err)
		}
		if err := tickSchema.Validate(v); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	var sub any
	_ = json.Unmarshal([]byte(`{"type":"SUBSCRIBE","protocol_version":"1.0","fields":"yes"}`), &sub)
	if err := compile(t, "subscribe.schema.json").Validate(sub); err == nil {
		t.Fatalf("expected subscribe validation error")
	}
}

const zeros64 = "0000000000000000000000000000000000000000000000000000000000000000"

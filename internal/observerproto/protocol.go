package observerproto

// Version is the observer protocol version.
const Version = "1.0"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeTick       = "TICK"
	TypeEpisodeEnd = "EPISODE_END"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Fields requests the congestion field and light phases on every tick.
	Fields bool `json:"fields"`
	// Paths requests each vehicle's remaining planned path.
	Paths bool `json:"paths"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	Tick            uint64      `json:"tick"`
	Episode         int         `json:"episode"`
	WorldParams     WorldParams `json:"world_params"`
	Obstacles       [][2]int    `json:"obstacles"`
}

type WorldParams struct {
	TickRateHz     int     `json:"tick_rate_hz"`
	GridSize       int     `json:"grid_size"`
	Seed           int64   `json:"seed"`
	LightCycle     int     `json:"light_cycle"`
	CongestionRate float64 `json:"congestion_rate"`
	NumVehicles    int     `json:"num_vehicles"`
	MaxSteps       int     `json:"max_steps"`
	Algorithm      string  `json:"algorithm"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	Tick            uint64 `json:"tick"`
	Episode         int    `json:"episode"`
	EpisodeStep     int    `json:"episode_step"`

	Vehicles []VehicleState `json:"vehicles"`
	Moves    []MoveInfo     `json:"moves,omitempty"`

	// Only sent to subscribers that asked for fields.
	Congestion [][]float64  `json:"congestion,omitempty"`
	Lights     []LightState `json:"lights,omitempty"`

	Digest string `json:"digest"`
}

type VehicleState struct {
	ID          int      `json:"id"`
	Pos         [2]int   `json:"pos"`
	Dest        [2]int   `json:"dest"`
	Reached     bool     `json:"reached"`
	Steps       int      `json:"steps"`
	TotalReward float64  `json:"total_reward"`
	Path        [][2]int `json:"path,omitempty"`
}

type MoveInfo struct {
	VehicleID int     `json:"vehicle_id"`
	Action    string  `json:"action"`
	From      [2]int  `json:"from"`
	To        [2]int  `json:"to"`
	Reward    float64 `json:"reward"`
	Waited    bool    `json:"waited,omitempty"`
	Reached   bool    `json:"reached,omitempty"`
}

type LightState struct {
	Pos   [2]int `json:"pos"`
	Phase string `json:"phase"`
}

// Server -> Client. Sent once when an episode finishes.
type EpisodeEndMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	WorldID         string  `json:"world_id"`
	Episode         int     `json:"episode"`
	Steps           int     `json:"steps"`
	TotalReward     float64 `json:"total_reward"`
	AvgSteps        float64 `json:"avg_steps"`
	SuccessRate     float64 `json:"success_rate"`
}

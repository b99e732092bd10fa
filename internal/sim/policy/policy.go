package policy

import (
	"errors"
	"fmt"
	"math/rand"

	"urbanflow.ai/internal/sim/grid"
)

var ErrInvalidParams = errors.New("policy: invalid params")

// Env is the part of the city the policy needs to decide which moves are
// legal. Callers pass it per decision; the policy holds no environment.
type Env interface {
	InBounds(grid.Pos) bool
	IsObstacle(grid.Pos) bool
}

type Params struct {
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	DiscountFactor float64 `json:"discount_factor" yaml:"discount_factor"`
	Epsilon        float64 `json:"epsilon" yaml:"epsilon"`

	// DestinationAware adds a bearing-to-destination bucket to every state key.
	DestinationAware bool `json:"destination_aware" yaml:"destination_aware"`
}

func DefaultParams() Params {
	return Params{LearningRate: 0.1, DiscountFactor: 0.9, Epsilon: 0.1}
}

func (p Params) Validate() error {
	if !(p.LearningRate > 0 && p.LearningRate <= 1) {
		return fmt.Errorf("%w: learning rate must be in (0,1], got %v", ErrInvalidParams, p.LearningRate)
	}
	if !(p.DiscountFactor > 0 && p.DiscountFactor <= 1) {
		return fmt.Errorf("%w: discount factor must be in (0,1], got %v", ErrInvalidParams, p.DiscountFactor)
	}
	if !(p.Epsilon >= 0 && p.Epsilon <= 1) {
		return fmt.Errorf("%w: epsilon must be in [0,1], got %v", ErrInvalidParams, p.Epsilon)
	}
	return nil
}

// Policy is a tabular epsilon-greedy Q-learner. One Policy is shared by every
// vehicle of a run; it is not safe for concurrent use.
type Policy struct {
	params Params
	rng    *rand.Rand

	table map[StateKey]*[NumActions]float64
}

func New(params Params, rng *rand.Rand) (*Policy, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Policy{
		params: params,
		rng:    rng,
		table:  make(map[StateKey]*[NumActions]float64),
	}, nil
}

func (p *Policy) Params() Params { return p.params }

// SetParams swaps hyper-parameters between episodes. The table is kept.
func (p *Policy) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	p.params = params
	return nil
}

// Len is the number of table rows created so far.
func (p *Policy) Len() int { return len(p.table) }

func (p *Policy) StateKey(pos grid.Pos, congestion float64, dest grid.Pos) StateKey {
	k := StateKey{X: pos.X, Y: pos.Y, Congestion: CongestionBucket(congestion), Bearing: NoBearing}
	if p.params.DestinationAware {
		k.Bearing = BearingBucket(pos, dest)
	}
	return k
}

// row returns the values for key, inserting a zero row on first access.
func (p *Policy) row(key StateKey) *[NumActions]float64 {
	r, ok := p.table[key]
	if !ok {
		r = new([NumActions]float64)
		p.table[key] = r
	}
	return r
}

// Values reads a row without creating it.
func (p *Policy) Values(key StateKey) [NumActions]float64 {
	if r, ok := p.table[key]; ok {
		return *r
	}
	return [NumActions]float64{}
}

func (p *Policy) SetValues(key StateKey, v [NumActions]float64) {
	*p.row(key) = v
}

// ValidActions lists moves from pos that stay inside env and avoid obstacles.
// A fully enclosed position gets all four actions so callers never deadlock;
// the mover absorbs the illegal move.
func (p *Policy) ValidActions(env Env, pos grid.Pos) []Action {
	out := make([]Action, 0, NumActions)
	for a := Action(0); a < NumActions; a++ {
		next := a.Apply(pos)
		if env.InBounds(next) && !env.IsObstacle(next) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return []Action{Up, Right, Down, Left}
	}
	return out
}

// ChooseAction is epsilon-greedy over the valid actions at pos. Greedy ties
// are broken uniformly at random.
func (p *Policy) ChooseAction(env Env, key StateKey, pos grid.Pos) Action {
	valid := p.ValidActions(env, pos)
	if p.rng.Float64() < p.params.Epsilon {
		return valid[p.rng.Intn(len(valid))]
	}

	q := p.row(key)
	best := q[valid[0]]
	for _, a := range valid[1:] {
		if q[a] > best {
			best = q[a]
		}
	}
	ties := make([]Action, 0, len(valid))
	for _, a := range valid {
		if q[a] == best {
			ties = append(ties, a)
		}
	}
	return ties[p.rng.Intn(len(ties))]
}

// Update applies Q(s,a) <- (1-α)Q(s,a) + α(r + γ max_a' Q(s',a')). The max runs
// over all four slots of s', legal or not.
func (p *Policy) Update(key StateKey, action Action, reward float64, next StateKey) {
	nq := p.row(next)
	best := nq[0]
	for _, v := range nq[1:] {
		if v > best {
			best = v
		}
	}
	q := p.row(key)
	alpha := p.params.LearningRate
	q[action] = (1-alpha)*q[action] + alpha*(reward+p.params.DiscountFactor*best)
}

// ResetStateValues zeroes every action value of key.
func (p *Policy) ResetStateValues(key StateKey) {
	*p.row(key) = [NumActions]float64{}
}

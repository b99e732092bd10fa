package planner

import (
	"container/heap"
	"errors"
	"fmt"
	"math"

	"urbanflow.ai/internal/sim/grid"
)

// Env is the read-only view of the city the planner searches over.
type Env interface {
	Size() int
	IsObstacle(grid.Pos) bool
	CongestionAt(grid.Pos) float64
}

var ErrInvalidOptions = errors.New("planner: invalid options")

// Options tune the step cost. They are independent of the reward model's
// congestion threshold even though both default to 0.5. The zero value is a
// plain shortest-path search: no cell costs more than 1.
type Options struct {
	// CongestionThreshold is the congestion above which a cell costs extra, in [0,1].
	CongestionThreshold float64
	// CongestionWeight scales the surcharge; 0 turns it off.
	CongestionWeight float64
}

func DefaultOptions() Options {
	return Options{CongestionThreshold: 0.5, CongestionWeight: 2}
}

func (o Options) Validate() error {
	if math.IsNaN(o.CongestionThreshold) || o.CongestionThreshold < 0 || o.CongestionThreshold > 1 {
		return fmt.Errorf("%w: congestion threshold must be in [0,1], got %v", ErrInvalidOptions, o.CongestionThreshold)
	}
	if math.IsNaN(o.CongestionWeight) || math.IsInf(o.CongestionWeight, 0) || o.CongestionWeight < 0 {
		return fmt.Errorf("%w: congestion weight must be a non-negative number, got %v", ErrInvalidOptions, o.CongestionWeight)
	}
	return nil
}

// Fixed neighbor order (up, right, down, left) for determinism.
var dirs = [4]grid.Pos{{X: 0, Y: 1}, {X: 1, Y: 0}, {X: 0, Y: -1}, {X: -1, Y: 0}}

// StepCost is the cost of entering p.
func StepCost(env Env, p grid.Pos, opts Options) float64 {
	c := env.CongestionAt(p)
	if c > opts.CongestionThreshold {
		return 1 + c*opts.CongestionWeight
	}
	return 1
}

func inBounds(size int, p grid.Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < size && p.Y < size
}

// Plan runs A* from start to goal over 4-connected passable cells and returns
// the lowest-cost path including both endpoints, or nil when goal cannot be
// reached. Frontier ties on f are broken in push order.
func Plan(start, goal grid.Pos, env Env, opts Options) []grid.Pos {
	size := env.Size()
	if !inBounds(size, start) || !inBounds(size, goal) || env.IsObstacle(goal) {
		return nil
	}
	if start == goal {
		return []grid.Pos{start}
	}

	frontier := &openSet{}
	var seq uint64
	heap.Push(frontier, openItem{pos: start, f: 0, seq: seq})
	cameFrom := map[grid.Pos]grid.Pos{}
	costSoFar := map[grid.Pos]float64{start: 0}

	for frontier.Len() > 0 {
		cur := heap.Pop(frontier).(openItem).pos
		if cur == goal {
			return reconstruct(cameFrom, start, goal)
		}
		for _, d := range dirs {
			next := grid.Pos{X: cur.X + d.X, Y: cur.Y + d.Y}
			if !inBounds(size, next) || env.IsObstacle(next) {
				continue
			}
			newCost := costSoFar[cur] + StepCost(env, next, opts)
			if old, ok := costSoFar[next]; ok && newCost >= old {
				continue
			}
			costSoFar[next] = newCost
			cameFrom[next] = cur
			seq++
			heap.Push(frontier, openItem{
				pos: next,
				f:   newCost + float64(grid.Manhattan(next, goal)),
				seq: seq,
			})
		}
	}
	return nil
}

func reconstruct(cameFrom map[grid.Pos]grid.Pos, start, goal grid.Pos) []grid.Pos {
	path := []grid.Pos{goal}
	for cur := goal; cur != start; {
		cur = cameFrom[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Cost sums StepCost over every cell entered along path.
func Cost(path []grid.Pos, env Env, opts Options) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += StepCost(env, path[i], opts)
	}
	return total
}

type openItem struct {
	pos grid.Pos
	f   float64
	seq uint64
}

type openSet []openItem

func (s openSet) Len() int { return len(s) }
func (s openSet) Less(i, j int) bool {
	if s[i].f != s[j].f {
		return s[i].f < s[j].f
	}
	return s[i].seq < s[j].seq
}
func (s openSet) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s *openSet) Push(x any)   { *s = append(*s, x.(openItem)) }
func (s *openSet) Pop() any {
	old := *s
	n := len(old)
	it := old[n-1]
	*s = old[:n-1]
	return it
}

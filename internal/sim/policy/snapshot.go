package policy

import (
	"fmt"
	"sort"
)

// TableSnapshot is a detached copy of the table and hyper-parameters that a
// persistence layer can encode and later hand back to Restore.
type TableSnapshot struct {
	Params  Params       `json:"params"`
	Entries []TableEntry `json:"entries"`
}

type TableEntry struct {
	Key    StateKey            `json:"key"`
	Values [NumActions]float64 `json:"values"`
}

// Snapshot copies the table, sorted by key so equal tables encode identically.
func (p *Policy) Snapshot() TableSnapshot {
	entries := make([]TableEntry, 0, len(p.table))
	for k, v := range p.table {
		entries = append(entries, TableEntry{Key: k, Values: *v})
	}
	sort.Slice(entries, func(i, j int) bool { return keyLess(entries[i].Key, entries[j].Key) })
	return TableSnapshot{Params: p.params, Entries: entries}
}

// Restore replaces the table and hyper-parameters with the snapshot's.
func (p *Policy) Restore(s TableSnapshot) error {
	if err := s.Params.Validate(); err != nil {
		return err
	}
	table := make(map[StateKey]*[NumActions]float64, len(s.Entries))
	for _, e := range s.Entries {
		if _, dup := table[e.Key]; dup {
			return fmt.Errorf("policy: duplicate state key %+v in snapshot", e.Key)
		}
		v := e.Values
		table[e.Key] = &v
	}
	p.params = s.Params
	p.table = table
	return nil
}

func keyLess(a, b StateKey) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	if a.Congestion != b.Congestion {
		return a.Congestion < b.Congestion
	}
	return a.Bearing < b.Bearing
}

// Package buffer holds measurement results written by an execution backend.
package buffer

import (
	"encoding/json"
	"sort"
	"sync"
)

// Child is the outcome of one measured sub-program.
type Child struct {
	Name   string         `json:"name"`
	ExpVal float64        `json:"exp_val_z"`
	Counts map[string]int `json:"counts,omitempty"`
}

// Register is a named qubit register together with the results of the most
// recent evaluation. It is a single mutable slot, not a history: Reset
// discards everything written by the previous dispatch.
type Register struct {
	name string
	size int

	mu       sync.RWMutex
	children []*Child
	index    map[string]int
	info     map[string]float64
}

// NewRegister allocates a register of size qubits.
func NewRegister(name string, size int) *Register {
	return &Register{
		name:  name,
		size:  size,
		index: make(map[string]int),
		info:  make(map[string]float64),
	}
}

// Name returns the register name.
func (r *Register) Name() string { return r.name }

// Size returns the number of qubits.
func (r *Register) Size() int { return r.size }

// Reset clears all results.
func (r *Register) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = nil
	r.index = make(map[string]int)
	r.info = make(map[string]float64)
}

// AddChild records the result of one measured program. A later child with
// the same name replaces the earlier one.
func (r *Register) AddChild(name string, expVal float64, counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Child{Name: name, ExpVal: expVal, Counts: counts}
	if i, ok := r.index[name]; ok {
		r.children[i] = c
		return
	}
	r.index[name] = len(r.children)
	r.children = append(r.children, c)
}

// ExpVal returns the expectation value recorded for name.
func (r *Register) ExpVal(name string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return 0, false
	}
	return r.children[i].ExpVal, true
}

// Children returns a copy of the recorded children in insertion order.
func (r *Register) Children() []Child {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Child, len(r.children))
	for i, c := range r.children {
		out[i] = *c
	}
	return out
}

// SetInfo stores a named scalar alongside the results (e.g. the aggregated
// energy of the evaluation).
func (r *Register) SetInfo(key string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info[key] = v
}

// Info returns a named scalar set with SetInfo.
func (r *Register) Info(key string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.info[key]
	return v, ok
}

// Snapshot is the serializable view of a Register.
type Snapshot struct {
	Name     string             `json:"name"`
	Size     int                `json:"size"`
	Children []Child            `json:"children"`
	Info     map[string]float64 `json:"info,omitempty"`
}

// Snapshot copies the register state.
func (r *Register) Snapshot() Snapshot {
	children := r.Children()
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := make(map[string]float64, len(r.info))
	for k, v := range r.info {
		info[k] = v
	}
	return Snapshot{Name: r.name, Size: r.size, Children: children, Info: info}
}

// MarshalJSON implements json.Marshaler.
func (r *Register) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// FromSnapshot rebuilds a register from its serialized form.
func FromSnapshot(s Snapshot) *Register {
	r := NewRegister(s.Name, s.Size)
	for _, c := range s.Children {
		r.AddChild(c.Name, c.ExpVal, c.Counts)
	}
	keys := make([]string, 0, len(s.Info))
	for k := range s.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.SetInfo(k, s.Info[k])
	}
	return r
}

// Package transform holds named rewrite passes over captured programs.
package transform

import (
	"sort"
	"sync"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// Transformation rewrites a program in place.
type Transformation interface {
	Name() string
	Apply(p *ir.Program) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Transformation{}
)

func init() {
	Register(GateCancellation{})
	Register(RotationFolding{})
}

// Register makes t available to Get under t.Name().
func Register(t Transformation) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t.Name()] = t
}

// Get looks up a transformation by name.
func Get(name string) (Transformation, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	if !ok {
		return nil, qverrors.E(qverrors.KindNotFound, "transformation %q", name).WithComponent("transform")
	}
	return t, nil
}

// Names lists the registered transformations.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Apply runs the named transformations on p in order. Unknown names fail
// before p is touched.
func Apply(p *ir.Program, names ...string) error {
	ts := make([]Transformation, 0, len(names))
	for _, n := range names {
		t, err := Get(n)
		if err != nil {
			return err
		}
		ts = append(ts, t)
	}
	for _, t := range ts {
		if err := t.Apply(p); err != nil {
			return qverrors.Wrapf(err, "transformation %s", t.Name()).WithComponent("transform")
		}
	}
	return nil
}

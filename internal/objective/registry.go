package objective

import (
	"sort"
	"sync"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/observable"
	"github.com/copyleftdev/qvopt/internal/qrt"
)

// Factory creates an uninitialized objective on rt.
type Factory func(rt *qrt.Runtime) Objective

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"vqe": func(rt *qrt.Runtime) Objective { return NewVQE(rt) },
	}
)

// Register makes an objective type available to New.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New creates the objective registered under name.
func New(name string, rt *qrt.Runtime) (Objective, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, qverrors.E(qverrors.KindNotFound, "objective %q", name).WithComponent("objective")
	}
	return f(rt), nil
}

// Names lists the registered objective types.
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

// Create builds, configures and initializes an objective in one step.
func Create(name string, rt *qrt.Runtime, k *qrt.Kernel, obs observable.Observable, opts Options) (Objective, error) {
	obj, err := New(name, rt)
	if err != nil {
		return nil, err
	}
	obj.SetOptions(opts)
	if err := obj.Initialize(obs, k); err != nil {
		return nil, err
	}
	return obj, nil
}

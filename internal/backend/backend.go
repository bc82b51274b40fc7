// Package backend defines the execution backend that runs measured programs
// and writes their statistics into a results register.
package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// Backend executes programs synchronously. For every program it records a
// child on reg named after the program, holding the expectation value of
// the parity of the measured qubits.
type Backend interface {
	Name() string
	Execute(ctx context.Context, reg *buffer.Register, programs []*ir.Program) error
}

// Options configure a backend created through the registry.
type Options struct {
	Shots int
	Seed  uint64
}

// Factory creates a backend.
type Factory func(opts Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name. It panics on duplicates,
// like database/sql drivers.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// New creates the backend registered under name.
func New(name string, opts Options) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, qverrors.E(qverrors.KindNotFound, "backend %q", name).WithComponent("backend")
	}
	return f(opts)
}

// Names lists registered backends.
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

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, reg *buffer.Register, programs []*ir.Program) error

// Name implements Backend.
func (Func) Name() string { return "func" }

// Execute implements Backend.
func (f Func) Execute(ctx context.Context, reg *buffer.Register, programs []*ir.Program) error {
	return f(ctx, reg, programs)
}

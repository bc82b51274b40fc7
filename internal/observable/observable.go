// Package observable decomposes a cost operator into measurable programs and
// aggregates their measured expectation values into a scalar.
package observable

import (
	"sort"
	"sync"

	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// Observable is a cost operator made of weighted measurement terms.
// Implementations are read-only once built and may be shared across
// evaluations.
type Observable interface {
	// Observe returns one measurable program per measurement grouping. The
	// kernel is not modified. Each returned program is named after the
	// grouping so its result can be found in the register.
	Observe(kernel *ir.Program) ([]*ir.Program, error)
	// Aggregate combines the expectation values recorded in reg, which
	// must hold results for every program returned by Observe.
	Aggregate(reg *buffer.Register) (float64, error)
	String() string
}

// Factory builds an observable from its string representation.
type Factory func(repr string) (Observable, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"pauli": func(repr string) (Observable, error) { return ParsePauli(repr) },
	}
)

// Register makes an observable kind available to New.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

// New builds an observable of the given kind.
func New(kind, repr string) (Observable, error) {
	registryMu.RLock()
	f, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, qverrors.E(qverrors.KindNotFound, "observable kind %q", kind).WithComponent("observable")
	}
	return f(repr)
}

// Create builds a Pauli observable from repr.
func Create(repr string) (Observable, error) {
	return New("pauli", repr)
}

// Kinds lists the registered observable kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Package qrt captures kernels into structural programs and dispatches them
// to an execution backend.
//
// All capture state lives on a Runtime: the program currently being built,
// whether dispatch is enabled, and the active control qubits. Capture and
// controlled sequences hold the runtime's capture mutex for their whole
// duration, so sessions started from concurrent optimization tasks never
// interleave. A kernel body must not start another session on its own
// runtime; it composes other kernels through its Builder. Doing so anyway
// fails with an Invalid error.
package qrt

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
	"github.com/copyleftdev/qvopt/internal/logging"
)

// Runtime owns the capture state and the execution backend.
type Runtime struct {
	// mu serializes capture sessions and guards the fields below it.
	mu       sync.Mutex
	owner    atomic.Uint64 // goroutine running a session, or 0
	current  *ir.Program
	execute  bool
	controls []int

	cfgMu       sync.RWMutex
	backend     backend.Backend
	backendName string
	opts        backend.Options
	verbose     bool
	logger      *zap.Logger
}

// New returns a runtime dispatching to b. Dispatch starts enabled.
func New(b backend.Backend, logger *zap.Logger) *Runtime {
	rt := &Runtime{
		execute: true,
		backend: b,
		logger:  logging.OrNop(logger).Named("qrt"),
	}
	if b != nil {
		rt.backendName = b.Name()
	}
	return rt
}

// Open returns a runtime using the backend registered under name.
func Open(name string, opts backend.Options, logger *zap.Logger) (*Runtime, error) {
	b, err := backend.New(name, opts)
	if err != nil {
		return nil, err
	}
	rt := New(b, logger)
	rt.backendName = name
	rt.opts = opts
	return rt, nil
}

var defaultRuntime atomic.Pointer[Runtime]

// Default returns the process-wide runtime, creating one without a backend
// on first use.
func Default() *Runtime {
	if rt := defaultRuntime.Load(); rt != nil {
		return rt
	}
	defaultRuntime.CompareAndSwap(nil, New(nil, nil))
	return defaultRuntime.Load()
}

// SetDefault replaces the process-wide runtime.
func SetDefault(rt *Runtime) { defaultRuntime.Store(rt) }

// Backend returns the current backend, or nil.
func (rt *Runtime) Backend() backend.Backend {
	rt.cfgMu.RLock()
	defer rt.cfgMu.RUnlock()
	return rt.backend
}

// SetBackend switches to the backend registered under name, keeping the
// current shot count and seed.
func (rt *Runtime) SetBackend(name string) error {
	rt.cfgMu.Lock()
	defer rt.cfgMu.Unlock()
	b, err := backend.New(name, rt.opts)
	if err != nil {
		return err
	}
	rt.backend, rt.backendName = b, name
	return nil
}

// Shots returns the configured shot count.
func (rt *Runtime) Shots() int {
	rt.cfgMu.RLock()
	defer rt.cfgMu.RUnlock()
	return rt.opts.Shots
}

// SetShots recreates the named backend with a new shot count. Runtimes built
// around an unregistered backend only record the value.
func (rt *Runtime) SetShots(shots int) error {
	rt.cfgMu.Lock()
	defer rt.cfgMu.Unlock()
	if shots < 0 {
		return qverrors.E(qverrors.KindInvalid, "shots must be non-negative, got %d", shots)
	}
	rt.opts.Shots = shots
	if rt.backendName == "" {
		return nil
	}
	b, err := backend.New(rt.backendName, rt.opts)
	if err != nil {
		if qverrors.Is(err, qverrors.ErrNotFound) {
			return nil
		}
		return err
	}
	rt.backend = b
	return nil
}

// SetVerbose toggles per-dispatch debug logging.
func (rt *Runtime) SetVerbose(v bool) {
	rt.cfgMu.Lock()
	rt.verbose = v
	rt.cfgMu.Unlock()
}

func (rt *Runtime) isVerbose() bool {
	rt.cfgMu.RLock()
	defer rt.cfgMu.RUnlock()
	return rt.verbose
}

// SetDispatch enables or disables forwarding programs to the backend.
// Inside a kernel body the change lasts until the session ends.
func (rt *Runtime) SetDispatch(enabled bool) {
	if rt.inSession() {
		rt.execute = enabled
		return
	}
	rt.mu.Lock()
	rt.execute = enabled
	rt.mu.Unlock()
}

// Executing reports whether dispatch is enabled. Other goroutines block
// while a capture session is in progress.
func (rt *Runtime) Executing() bool {
	if rt.inSession() {
		return rt.execute
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.execute
}

// CurrentProgram returns the program under construction. Outside a capture
// session it is always nil.
func (rt *Runtime) CurrentProgram() *ir.Program {
	if rt.inSession() {
		return rt.current
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

// ActiveControls returns a copy of the active control qubits.
func (rt *Runtime) ActiveControls() []int {
	if rt.inSession() {
		return append([]int(nil), rt.controls...)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]int(nil), rt.controls...)
}

// inSession reports whether the calling goroutine is running a capture
// session, and so already holds mu.
func (rt *Runtime) inSession() bool {
	id := rt.owner.Load()
	return id != 0 && id == goid()
}

// Execute runs programs on the backend, writing results into reg. It is a
// no-op while dispatch is disabled. Backend failures are returned as
// BackendDispatchFailure and never retried.
func (rt *Runtime) Execute(ctx context.Context, reg *buffer.Register, programs []*ir.Program) error {
	var enabled bool
	if rt.inSession() {
		enabled = rt.execute
	} else {
		rt.mu.Lock()
		enabled = rt.execute
		rt.mu.Unlock()
	}
	if !enabled {
		return nil
	}

	b := rt.Backend()
	if b == nil {
		return qverrors.E(qverrors.KindBackendDispatch, "no backend configured").
			WithComponent("qrt").WithOperation("Execute")
	}
	if rt.isVerbose() {
		names := make([]string, len(programs))
		for i, p := range programs {
			names[i] = p.Name
		}
		rt.logger.Debug("dispatching programs",
			zap.String("backend", b.Name()),
			zap.Strings("programs", names))
	}
	if err := b.Execute(ctx, reg, programs); err != nil {
		return qverrors.WrapKind(qverrors.KindBackendDispatch, err, "backend %s", b.Name()).
			WithComponent("qrt").WithOperation("Execute")
	}
	return nil
}

// session runs build against a fresh current program with dispatch
// suspended. The slot is cleared, and the dispatch flag and controls are
// restored, on every exit path. Starting a session from inside another one
// on the same goroutine fails instead of deadlocking.
func (rt *Runtime) session(op, name string, build func(b *Builder) error) (prog *ir.Program, err error) {
	if rt.inSession() {
		return nil, qverrors.E(qverrors.KindInvalid,
			"kernel %s: %s called from inside a kernel body; compose kernels with Builder.Call or Builder.Controlled", name, op).
			WithComponent("qrt").WithOperation(op)
	}
	rt.mu.Lock()
	rt.owner.Store(goid())
	prevExec, prevControls := rt.execute, rt.controls
	rt.current = ir.NewProgram(name)
	rt.execute = false
	defer func() {
		rt.current = nil
		rt.execute = prevExec
		rt.controls = prevControls
		rt.owner.Store(0)
		rt.mu.Unlock()
	}()

	prog = rt.current
	if err = guarded(func() error { return build(&Builder{rt: rt, prog: prog}) }); err != nil {
		return nil, err
	}
	return prog, nil
}

func guarded(fn func() error) (err error) {
	defer qverrors.Recover(&err, "qrt.Capture")
	return fn()
}

// goid returns the calling goroutine's id from the "goroutine N [" header
// of its stack trace.
func goid() uint64 {
	var buf [64]byte
	s := buf[:runtime.Stack(buf[:], false)]
	s = bytes.TrimPrefix(s, []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	id, _ := strconv.ParseUint(string(s), 10, 64)
	return id
}

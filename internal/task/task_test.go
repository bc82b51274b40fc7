package task

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/qvopt/internal/args"
	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/backend/sim"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
	"github.com/copyleftdev/qvopt/internal/objective"
	"github.com/copyleftdev/qvopt/internal/observable"
	"github.com/copyleftdev/qvopt/internal/optimization"
	"github.com/copyleftdev/qvopt/internal/optimization/local"
	"github.com/copyleftdev/qvopt/internal/qrt"
)

type fixture struct {
	rt     *qrt.Runtime
	kernel *qrt.Kernel
	obj    objective.Objective
	reg    *buffer.Register
}

func newFixture(t *testing.T, b backend.Backend, src, obs string, nQubits int) *fixture {
	t.Helper()
	rt := qrt.New(b, nil)
	k, err := qrt.FromSource(src)
	require.NoError(t, err)
	o, err := observable.Create(obs)
	require.NoError(t, err)
	obj, err := objective.Create("vqe", rt, k, o, nil)
	require.NoError(t, err)
	return &fixture{rt: rt, kernel: k, obj: obj, reg: buffer.NewRegister("q", nQubits)}
}

func (f *fixture) translator() args.Translator {
	return args.ShapeTranslator(f.kernel.Shape, f.reg)
}

const twoParam = "kernel ansatz\nparams a b\nRy(a) 0\nRy(b) 1"

func TestTwoPointScan(t *testing.T) {
	f := newFixture(t, sim.New(0), twoParam, "Z0 + Z1", 2)
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRunner(nil, m)

	opt := optimization.NewSequence([]float64{0, 0}, []float64{1, 1})
	h := r.InitiateTranslated(context.Background(), f.obj, opt, f.translator(), 2)
	assert.NotEmpty(t, h.ID())

	b, err := h.Sync()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, b.OptParams)
	assert.InDelta(t, 2*math.Cos(1), b.OptVal, 1e-9)
	assert.Same(t, f.reg, b.Buffer)
	v, ok := b.Buffer.Info(OptValKey)
	assert.True(t, ok)
	assert.Equal(t, b.OptVal, v)
	assert.Equal(t, 2, b.Result.Evaluations)

	assert.Equal(t, StatusCompleted, h.Status())
	assert.Equal(t, 2, h.Evaluations())
	assert.False(t, h.Finished().IsZero())
	assert.Equal(t, []float64{1, 1}, h.Best().Parameters)
	assert.Len(t, h.History(), 2)

	r.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Started))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Running))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Evaluations))
}

func TestSyncTwice(t *testing.T) {
	f := newFixture(t, sim.New(0), twoParam, "Z0 + Z1", 2)
	h := NewRunner(nil, nil).InitiateTranslated(context.Background(), f.obj,
		optimization.NewSequence([]float64{0, 0}), f.translator(), 2)

	_, err := h.Sync()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.Sync()
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, qverrors.ErrDoubleSynchronize)
	case <-time.After(time.Second):
		t.Fatal("second Sync blocked")
	}
}

func TestSyncTwiceWhileRunning(t *testing.T) {
	release := make(chan struct{})
	fn := func(x, _ []float64) (float64, error) {
		<-release
		return x[0], nil
	}
	h := NewRunner(nil, nil).Initiate(context.Background(), nil, optimization.NewSequence([]float64{3}), fn, 1)

	first := make(chan *Bundle, 1)
	go func() {
		b, _ := h.Sync()
		first <- b
	}()
	require.Eventually(t, h.consumed.Load, time.Second, time.Millisecond)

	_, err := h.Sync()
	assert.ErrorIs(t, err, qverrors.ErrDoubleSynchronize)

	close(release)
	b := <-first
	require.NotNil(t, b)
	assert.Equal(t, 3.0, b.OptVal)
	assert.Nil(t, b.Buffer)
}

func TestFailuresPropagateThroughHandle(t *testing.T) {
	failing := backend.Func(func(context.Context, *buffer.Register, []*ir.Program) error {
		return assert.AnError
	})

	tests := []struct {
		name   string
		obj    func(t *testing.T) (objective.Objective, args.Translator)
		target error
	}{
		{
			name: "backend failure",
			obj: func(t *testing.T) (objective.Objective, args.Translator) {
				f := newFixture(t, failing, twoParam, "Z0 + Z1", 2)
				return f.obj, f.translator()
			},
			target: qverrors.ErrBackendDispatch,
		},
		{
			name: "uninitialized objective",
			obj: func(t *testing.T) (objective.Objective, args.Translator) {
				k, err := qrt.FromSource(twoParam)
				require.NoError(t, err)
				return objective.NewVQE(qrt.New(sim.New(0), nil)),
					args.ShapeTranslator(k.Shape, buffer.NewRegister("q", 2))
			},
			target: qverrors.ErrUninitializedObjective,
		},
		{
			name: "shape mismatch",
			obj: func(t *testing.T) (objective.Objective, args.Translator) {
				f := newFixture(t, sim.New(0), twoParam, "Z0 + Z1", 2)
				return f.obj, args.ShapeTranslator(args.Shape{args.VectorSlot("x", 2)}, f.reg)
			},
			target: qverrors.ErrShapeMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetrics(prometheus.NewRegistry())
			obj, translate := tt.obj(t)
			h := NewRunner(nil, m).InitiateTranslated(context.Background(), obj,
				optimization.NewSequence([]float64{0, 0}, []float64{1, 1}), translate, 2)

			b, err := h.Sync()
			assert.Nil(t, b)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, StatusFailed, h.Status())
			assert.Equal(t, 1, h.Evaluations(), "a failed evaluation ends the task")
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("failed")))
		})
	}
}

func TestPanicInCallbackFailsTask(t *testing.T) {
	fn := func([]float64, []float64) (float64, error) { panic("boom") }
	h := NewRunner(nil, nil).Initiate(context.Background(), nil, optimization.NewSequence([]float64{0}), fn, 1)
	_, err := h.Sync()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StatusFailed, h.Status())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn := func(x, _ []float64) (float64, error) { return 0, nil }
	h := NewRunner(nil, nil).Initiate(ctx, nil, optimization.NewSequence([]float64{0}), fn, 1)

	<-h.Done()
	assert.Equal(t, StatusCancelled, h.Status())
	_, err := h.Sync()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGradientTask(t *testing.T) {
	f := newFixture(t, sim.New(0), "kernel ansatz\nparams theta\nRy(theta) 0", "Z0", 1)
	opt, err := local.New(local.LBFGS, optimization.OptimizerConfig{InitialParameters: []float64{0.5}})
	require.NoError(t, err)

	ctx := context.Background()
	translate := f.translator()
	grad := objective.CentralDifference(ctx, f.obj, translate, 1e-5)
	h := NewRunner(nil, nil).InitiateWithGradient(ctx, f.obj, opt, grad, translate, 1)

	b, err := h.Sync()
	require.NoError(t, err)
	assert.InDelta(t, -1, b.OptVal, 1e-6)
	assert.InDelta(t, math.Pi, b.OptParams[0], 1e-2)
	assert.NotEmpty(t, f.obj.Gradient())
}

func TestConcurrentTasks(t *testing.T) {
	r := NewRunner(nil, nil)
	handles := make([]*Handle, 4)
	fixtures := make([]*fixture, len(handles))
	for i := range handles {
		fixtures[i] = newFixture(t, sim.New(0), twoParam, "Z0 + Z1", 2)
		angle := float64(i)
		handles[i] = r.InitiateTranslated(context.Background(), fixtures[i].obj,
			optimization.NewSequence([]float64{angle, angle}), fixtures[i].translator(), 2)
	}
	for i, h := range handles {
		b, err := h.Sync()
		require.NoError(t, err)
		assert.InDelta(t, 2*math.Cos(float64(i)), b.OptVal, 1e-9)
		assert.Same(t, fixtures[i].reg, b.Buffer)
	}
	r.Wait()
}

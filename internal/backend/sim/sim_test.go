package sim

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

func run(t *testing.T, shots int, src string) (float64, buffer.Child) {
	t.Helper()
	p, err := ir.Compile(src)
	require.NoError(t, err)
	reg := buffer.NewRegister("q", 0)
	require.NoError(t, New(shots).Execute(context.Background(), reg, []*ir.Program{p}))
	children := reg.Children()
	require.Len(t, children, 1)
	return children[0].ExpVal, children[0]
}

func TestExactExpectations(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want float64
	}{
		{"ground state", "Measure 0", 1},
		{"flipped", "X 0\nMeasure 0", -1},
		{"superposition", "H 0\nMeasure 0", 0},
		{"bell parity", "H 0\nCNOT 0 1\nMeasure 0\nMeasure 1", 1},
		{"bell single qubit", "H 0\nCNOT 0 1\nMeasure 1", 0},
		{"ry rotation", "Ry(0.7) 0\nMeasure 0", math.Cos(0.7)},
		{"rx rotation", "Rx(1.1) 0\nMeasure 0", math.Cos(1.1)},
		{"rz is diagonal", "Rz(1.3) 0\nMeasure 0", 1},
		{"inactive control", "ctrl(1) X 0\nMeasure 0", 1},
		{"active control", "X 1\nctrl(1) X 0\nMeasure 0", -1},
		{"cz phase kick", "H 0\nX 1\nCZ 1 0\nH 0\nMeasure 0", -1},
		{"swap", "X 0\nSwap 0 1\nMeasure 1", -1},
		{"y eigenstate rotated to z", "H 0\nS 0\nRx(pi/2) 0\nMeasure 0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := run(t, 0, tt.src)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestShotSampling(t *testing.T) {
	got, child := run(t, 4000, "H 0\nMeasure 0")
	assert.InDelta(t, 0, got, 0.1)

	total := 0
	for k, v := range child.Counts {
		assert.Contains(t, []string{"0", "1"}, k)
		total += v
	}
	assert.Equal(t, 4000, total)

	got, child = run(t, 100, "X 0\nX 1\nMeasure 0\nMeasure 1")
	assert.Equal(t, 1.0, got)
	assert.Equal(t, map[string]int{"11": 100}, child.Counts)
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown gate", "U3(1, 2, 3) 0"},
		{"rotation without angle", "Ry 0"},
		{"cnot arity", "CNOT 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ir.Compile(tt.src)
			require.NoError(t, err)
			err = New(0).Execute(context.Background(), buffer.NewRegister("q", 1), []*ir.Program{p})
			assert.ErrorIs(t, err, qverrors.ErrInvalid)
		})
	}
}

func TestExecuteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(0).Execute(ctx, buffer.NewRegister("q", 1), []*ir.Program{ir.NewProgram("p")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistered(t *testing.T) {
	b, err := backend.New("sim", backend.Options{Shots: 10})
	require.NoError(t, err)
	assert.Equal(t, "sim", b.Name())
	assert.Contains(t, backend.Names(), "sim")

	_, err = backend.New("qpu", backend.Options{})
	assert.ErrorIs(t, err, qverrors.ErrNotFound)
}

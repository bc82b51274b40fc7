package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
)

const ansatzSrc = `
kernel ansatz
params theta x[2]
X 0
Ry(theta) 1   # entangler input
CNOT 1 0
Rz(-0.5*x[1], pi/2) 0
ctrl(2) Rx(x[0]) 1
`

func TestCompile(t *testing.T) {
	p, err := Compile(ansatzSrc)
	require.NoError(t, err)

	assert.Equal(t, "ansatz", p.Name)
	assert.Equal(t, []Variable{Scalar("theta"), Vector("x", 2)}, p.Vars)
	assert.Equal(t, 3, p.Width())
	require.Len(t, p.Instructions, 5)

	ry := p.Instructions[1]
	assert.Equal(t, "Ry", ry.Name)
	assert.Equal(t, []int{1}, ry.Qubits)
	assert.Equal(t, Param{Ref: 0, Coeff: 1, Label: "theta"}, ry.Params[0])

	rz := p.Instructions[3]
	assert.Equal(t, Param{Ref: 2, Coeff: -0.5, Label: "x[1]"}, rz.Params[0])
	assert.True(t, rz.Params[1].IsLiteral())
	assert.InDelta(t, math.Pi/2, rz.Params[1].Value, 1e-15)

	assert.Equal(t, []int{2}, p.Instructions[4].Controls)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind error
	}{
		{"unknown parameter", "Ry(phi) 0", qverrors.ErrNotFound},
		{"index out of range", "params x[2]\nRy(x[2]) 0", qverrors.ErrShapeMismatch},
		{"bad qubit", "H a", qverrors.ErrInvalid},
		{"late params", "H 0\nparams theta", qverrors.ErrInvalid},
		{"bad width", "params x[0]", qverrors.ErrInvalid},
		{"unterminated", "Ry(theta 0", qverrors.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestRebindKeepsStructure(t *testing.T) {
	p, err := Compile(ansatzSrc)
	require.NoError(t, err)
	first := p.Instructions[1]

	require.NoError(t, p.Rebind([]float64{0.3, 1, 2}))
	assert.Same(t, first, p.Instructions[1])
	assert.Equal(t, []float64{0.3, 1, 2}, p.Bound())
	assert.InDelta(t, 0.3, p.Resolve(first.Params[0]), 1e-15)
	assert.InDelta(t, -1.0, p.Resolve(p.Instructions[3].Params[0]), 1e-15)

	err = p.Rebind([]float64{1})
	assert.ErrorIs(t, err, qverrors.ErrShapeMismatch)
}

func TestWalkResolvesAndMergesControls(t *testing.T) {
	body := NewProgram("body").Add(Gate("X", []int{0}), Gate("Rz", []int{1}, 0.25))
	outer := NewProgram("outer").Add(Gate("H", []int{0}))
	outer.Add(&Instruction{Name: "body", Controls: []int{3}, Body: body})

	var seen []*Instruction
	require.NoError(t, outer.Walk(func(in *Instruction) error {
		seen = append(seen, in)
		return nil
	}))

	require.Len(t, seen, 3)
	assert.Empty(t, seen[0].Controls)
	assert.Equal(t, []int{3}, seen[1].Controls)
	assert.Equal(t, "Rz", seen[2].Name)
	assert.Equal(t, 0.25, seen[2].Params[0].Value)

	assert.Equal(t, 3, outer.NInstructions())
	assert.Equal(t, 4, outer.NQubits())
	assert.Len(t, outer.Flatten().Instructions, 3)
}

func TestDepth(t *testing.T) {
	p := NewProgram("d").Add(
		Gate("H", []int{0}),
		Gate("H", []int{1}),
		Gate("CNOT", []int{0, 1}),
		Gate("X", []int{2}),
		Gate("Measure", []int{1}),
	)
	assert.Equal(t, 3, p.Depth())
	assert.Equal(t, 0, NewProgram("empty").Depth())
}

func TestCloneIsDeep(t *testing.T) {
	p, err := Compile(ansatzSrc)
	require.NoError(t, err)
	require.NoError(t, p.Rebind([]float64{1, 2, 3}))

	c := p.Clone()
	c.Instructions[0].Qubits[0] = 7
	require.NoError(t, c.Rebind([]float64{0, 0, 0}))

	assert.Equal(t, 0, p.Instructions[0].Qubits[0])
	assert.Equal(t, []float64{1, 2, 3}, p.Bound())
}

func TestStringRoundTrip(t *testing.T) {
	p, err := Compile(ansatzSrc)
	require.NoError(t, err)

	again, err := Compile(p.String())
	require.NoError(t, err)
	assert.Equal(t, p.String(), again.String())
	assert.Equal(t, p.Vars, again.Vars)
}

func TestListingUsesBoundValues(t *testing.T) {
	p, err := Compile(ansatzSrc)
	require.NoError(t, err)
	require.NoError(t, p.Rebind([]float64{0.25, 1, 2}))

	out := p.Listing()
	assert.NotContains(t, out, "params")
	assert.Contains(t, out, "Ry(0.25) 1\n")
	assert.Contains(t, out, "Rz(-1, 1.5707963267948966) 0\n")
	assert.Contains(t, out, "ctrl(2) Rx(1) 1\n")
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, "CNOT", Canonical("cx"))
	assert.Equal(t, "Measure", Canonical("MZ"))
	assert.Equal(t, "U3", Canonical("U3"))
	assert.Equal(t, "Ry", NewInstruction("ry", []int{0}, Lit(1)).Name)
}

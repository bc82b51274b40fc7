// Package sim is a state-vector simulator backend.
package sim

import (
	"context"
	"math"
	"math/bits"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// MaxQubits bounds the state size the simulator accepts.
const MaxQubits = 20

func init() {
	backend.Register("sim", func(opts backend.Options) (backend.Backend, error) {
		return New(opts.Shots), nil
	})
}

// Simulator runs each program on a fresh |0...0> state. With shots == 0 it
// reports exact expectation values.
type Simulator struct {
	shots int
}

// New returns a simulator sampling shots measurements per program.
func New(shots int) *Simulator {
	return &Simulator{shots: shots}
}

// Name implements backend.Backend.
func (s *Simulator) Name() string { return "sim" }

// Execute implements backend.Backend.
func (s *Simulator) Execute(ctx context.Context, reg *buffer.Register, programs []*ir.Program) error {
	for _, p := range programs {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := p.NQubits()
		if reg != nil && reg.Size() > n {
			n = reg.Size()
		}
		if n > MaxQubits {
			return qverrors.E(qverrors.KindInvalid, "program %s needs %d qubits, simulator supports %d", p.Name, n, MaxQubits)
		}
		st := newState(n)
		var measured []int
		err := p.Walk(func(in *ir.Instruction) error {
			if in.Name == "Measure" {
				measured = append(measured, in.Qubits...)
				return nil
			}
			return st.apply(in)
		})
		if err != nil {
			return qverrors.Wrapf(err, "simulating %s", p.Name).WithComponent("sim")
		}

		expVal, counts := s.measure(st, measured)
		if reg != nil {
			reg.AddChild(p.Name, expVal, counts)
		}
	}
	return nil
}

func (s *Simulator) measure(st *state, measured []int) (float64, map[string]int) {
	var mask uint
	for _, q := range measured {
		mask |= 1 << uint(q)
	}
	probs := make([]float64, len(st.amp))
	for i, a := range st.amp {
		probs[i] = real(a)*real(a) + imag(a)*imag(a)
	}

	if s.shots <= 0 {
		exp := 0.0
		for i, p := range probs {
			exp += p * parity(uint(i)&mask)
		}
		return exp, nil
	}

	dist := distuv.NewCategorical(probs, nil)
	counts := make(map[string]int)
	exp := 0.0
	for k := 0; k < s.shots; k++ {
		i := uint(dist.Rand())
		counts[bitstring(i, measured)]++
		exp += parity(i & mask)
	}
	return exp / float64(s.shots), counts
}

func parity(x uint) float64 {
	if bits.OnesCount(x)%2 == 1 {
		return -1
	}
	return 1
}

func bitstring(i uint, qubits []int) string {
	var b strings.Builder
	for _, q := range qubits {
		if i&(1<<uint(q)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

type state struct {
	n   int
	amp []complex128
}

func newState(n int) *state {
	amp := make([]complex128, 1<<uint(n))
	amp[0] = 1
	return &state{n: n, amp: amp}
}

type matrix [2][2]complex128

var fixed = map[string]matrix{
	"I":   {{1, 0}, {0, 1}},
	"H":   {{complex(1/math.Sqrt2, 0), complex(1/math.Sqrt2, 0)}, {complex(1/math.Sqrt2, 0), complex(-1/math.Sqrt2, 0)}},
	"X":   {{0, 1}, {1, 0}},
	"Y":   {{0, -1i}, {1i, 0}},
	"Z":   {{1, 0}, {0, -1}},
	"S":   {{1, 0}, {0, 1i}},
	"Sdg": {{1, 0}, {0, -1i}},
	"T":   {{1, 0}, {0, cmplx.Exp(1i * math.Pi / 4)}},
	"Tdg": {{1, 0}, {0, cmplx.Exp(-1i * math.Pi / 4)}},
}

func rotation(name string, theta float64) matrix {
	c, s := math.Cos(theta/2), math.Sin(theta/2)
	switch name {
	case "Rx":
		return matrix{{complex(c, 0), complex(0, -s)}, {complex(0, -s), complex(c, 0)}}
	case "Ry":
		return matrix{{complex(c, 0), complex(-s, 0)}, {complex(s, 0), complex(c, 0)}}
	default:
		return matrix{{cmplx.Exp(complex(0, -theta/2)), 0}, {0, cmplx.Exp(complex(0, theta/2))}}
	}
}

func (st *state) apply(in *ir.Instruction) error {
	for _, q := range append(append([]int(nil), in.Qubits...), in.Controls...) {
		if q >= st.n {
			return qverrors.E(qverrors.KindInvalid, "%s: qubit %d out of range", in.Name, q)
		}
	}
	switch in.Name {
	case "Rx", "Ry", "Rz":
		if len(in.Params) != 1 || len(in.Qubits) != 1 {
			return qverrors.E(qverrors.KindInvalid, "%s takes one parameter and one qubit", in.Name)
		}
		st.single(rotation(in.Name, in.Params[0].Value), in.Qubits[0], in.Controls)
	case "CNOT", "CZ":
		if len(in.Qubits) != 2 {
			return qverrors.E(qverrors.KindInvalid, "%s takes two qubits", in.Name)
		}
		target := fixed["X"]
		if in.Name == "CZ" {
			target = fixed["Z"]
		}
		st.single(target, in.Qubits[1], append([]int{in.Qubits[0]}, in.Controls...))
	case "Swap":
		if len(in.Qubits) != 2 {
			return qverrors.E(qverrors.KindInvalid, "Swap takes two qubits")
		}
		a, b := in.Qubits[0], in.Qubits[1]
		st.single(fixed["X"], b, append([]int{a}, in.Controls...))
		st.single(fixed["X"], a, append([]int{b}, in.Controls...))
		st.single(fixed["X"], b, append([]int{a}, in.Controls...))
	default:
		m, ok := fixed[in.Name]
		if !ok {
			return qverrors.E(qverrors.KindInvalid, "unsupported gate %q", in.Name)
		}
		if len(in.Qubits) != 1 {
			return qverrors.E(qverrors.KindInvalid, "%s takes one qubit", in.Name)
		}
		st.single(m, in.Qubits[0], in.Controls)
	}
	return nil
}

// single applies m to target on the subspace where every control is |1>.
func (st *state) single(m matrix, target int, controls []int) {
	var cmask uint
	for _, c := range controls {
		cmask |= 1 << uint(c)
	}
	tbit := uint(1) << uint(target)
	for i := range st.amp {
		u := uint(i)
		if u&tbit != 0 || u&cmask != cmask {
			continue
		}
		j := u | tbit
		a0, a1 := st.amp[u], st.amp[j]
		st.amp[u] = m[0][0]*a0 + m[0][1]*a1
		st.amp[j] = m[1][0]*a0 + m[1][1]*a1
	}
}

package observable

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/ir"
)

// imagTolerance is the largest imaginary residue Aggregate accepts.
const imagTolerance = 1e-8

// Term is a weighted tensor product of single-qubit Pauli operators. Qubits
// without an entry carry the identity.
type Term struct {
	Coeff complex128
	Ops   map[int]byte
}

// IsIdentity reports whether the term measures nothing.
func (t Term) IsIdentity() bool { return len(t.Ops) == 0 }

func (t Term) qubits() []int {
	qs := make([]int, 0, len(t.Ops))
	for q := range t.Ops {
		qs = append(qs, q)
	}
	sort.Ints(qs)
	return qs
}

// Key is the canonical Pauli string of the term, e.g. "X0Z3", or "I".
func (t Term) Key() string {
	if t.IsIdentity() {
		return "I"
	}
	var b strings.Builder
	for _, q := range t.qubits() {
		b.WriteByte(t.Ops[q])
		b.WriteString(strconv.Itoa(q))
	}
	return b.String()
}

// PauliSum is a sum of Pauli terms. Terms with the same Pauli string are
// merged, so each distinct string yields exactly one measured program.
type PauliSum struct {
	terms []Term
}

// NewPauliSum merges terms by Pauli string, keeping first-seen order.
func NewPauliSum(terms ...Term) *PauliSum {
	ps := &PauliSum{}
	index := map[string]int{}
	for _, t := range terms {
		key := t.Key()
		if i, ok := index[key]; ok {
			ps.terms[i].Coeff += t.Coeff
			continue
		}
		ops := make(map[int]byte, len(t.Ops))
		for q, op := range t.Ops {
			ops[q] = op
		}
		index[key] = len(ps.terms)
		ps.terms = append(ps.terms, Term{Coeff: t.Coeff, Ops: ops})
	}
	return ps
}

// AllZ is the product Z0 Z1 ... Z(n-1) with unit weight.
func AllZ(n int) *PauliSum {
	ops := make(map[int]byte, n)
	for q := 0; q < n; q++ {
		ops[q] = 'Z'
	}
	return NewPauliSum(Term{Coeff: 1, Ops: ops})
}

// Terms returns a copy of the merged terms.
func (p *PauliSum) Terms() []Term {
	return append([]Term(nil), p.terms...)
}

// NQubits is one more than the largest qubit acted on.
func (p *PauliSum) NQubits() int {
	n := 0
	for _, t := range p.terms {
		for q := range t.Ops {
			if q+1 > n {
				n = q + 1
			}
		}
	}
	return n
}

// Observe appends a basis change and measurements for every non-identity
// term to a copy of kernel.
func (p *PauliSum) Observe(kernel *ir.Program) ([]*ir.Program, error) {
	if kernel == nil {
		return nil, qverrors.E(qverrors.KindInvalid, "observe: nil kernel")
	}
	out := make([]*ir.Program, 0, len(p.terms))
	for _, t := range p.terms {
		if t.IsIdentity() {
			continue
		}
		prog := kernel.Clone()
		prog.Name = t.Key()
		qs := t.qubits()
		for _, q := range qs {
			switch t.Ops[q] {
			case 'X':
				prog.Add(ir.Gate("H", []int{q}))
			case 'Y':
				prog.Add(ir.Gate("Rx", []int{q}, math.Pi/2))
			}
		}
		for _, q := range qs {
			prog.Add(ir.Gate("Measure", []int{q}))
		}
		out = append(out, prog)
	}
	return out, nil
}

// Aggregate computes sum_k coeff_k * <term_k>, with identity terms
// contributing their coefficient directly.
func (p *PauliSum) Aggregate(reg *buffer.Register) (float64, error) {
	if reg == nil {
		return 0, qverrors.E(qverrors.KindInvalid, "aggregate: nil register")
	}
	re := make([]float64, 0, len(p.terms))
	im := make([]float64, 0, len(p.terms))
	vals := make([]float64, 0, len(p.terms))
	for _, t := range p.terms {
		v := 1.0
		if !t.IsIdentity() {
			var ok bool
			v, ok = reg.ExpVal(t.Key())
			if !ok {
				return 0, qverrors.E(qverrors.KindInvalid, "no result for term %s in register %s", t.Key(), reg.Name())
			}
		}
		re = append(re, real(t.Coeff))
		im = append(im, imag(t.Coeff))
		vals = append(vals, v)
	}
	if residue := floats.Dot(im, vals); math.Abs(residue) > imagTolerance {
		return 0, qverrors.E(qverrors.KindInvalid, "aggregate has imaginary part %g", residue)
	}
	return floats.Dot(re, vals), nil
}

func (p *PauliSum) String() string {
	if len(p.terms) == 0 {
		return "0"
	}
	parts := make([]string, len(p.terms))
	for i, t := range p.terms {
		coeff := strconv.FormatComplex(t.Coeff, 'g', -1, 128)
		if imag(t.Coeff) == 0 {
			coeff = strconv.FormatFloat(real(t.Coeff), 'g', -1, 64)
		}
		if t.IsIdentity() {
			parts[i] = coeff
			continue
		}
		ops := make([]string, 0, len(t.Ops))
		for _, q := range t.qubits() {
			ops = append(ops, fmt.Sprintf("%c%d", t.Ops[q], q))
		}
		parts[i] = coeff + " " + strings.Join(ops, " ")
	}
	return strings.Join(parts, " + ")
}

// ParsePauli parses a sum such as "2.0 Z0 - 1.0 X0 X1 + (0.5+0.5i) Y2 + 3".
// Operators may be written separately ("X0 X1") or packed ("X0X1"); a term
// without a coefficient has weight 1, a term without operators is the
// identity.
func ParsePauli(s string) (*PauliSum, error) {
	var (
		terms   []Term
		sign    complex128 = 1
		coeff   complex128
		hasCoef bool
		ops     map[int]byte
	)
	flush := func() {
		if !hasCoef && ops == nil {
			return
		}
		if !hasCoef {
			coeff = 1
		}
		terms = append(terms, Term{Coeff: sign * coeff, Ops: ops})
		sign, coeff, hasCoef, ops = 1, 0, false, nil
	}

	for _, tok := range strings.Fields(s) {
		switch {
		case tok == "+" || tok == "-":
			flush()
			if tok == "-" {
				sign = -1
			}
		case isPauliToken(tok):
			if ops == nil {
				ops = map[int]byte{}
			}
			if err := parseOps(tok, ops); err != nil {
				return nil, err
			}
		default:
			if hasCoef || ops != nil {
				flush()
			}
			c, err := strconv.ParseComplex(tok, 128)
			if err != nil {
				return nil, qverrors.E(qverrors.KindInvalid, "bad coefficient %q", tok)
			}
			coeff, hasCoef = c, true
		}
	}
	flush()
	if len(terms) == 0 {
		return nil, qverrors.E(qverrors.KindInvalid, "empty observable %q", s)
	}
	return NewPauliSum(terms...), nil
}

func isPauliToken(tok string) bool {
	if len(tok) < 2 {
		return false
	}
	switch unicode.ToUpper(rune(tok[0])) {
	case 'X', 'Y', 'Z', 'I':
		return unicode.IsDigit(rune(tok[1]))
	}
	return false
}

func parseOps(tok string, ops map[int]byte) error {
	for i := 0; i < len(tok); {
		op := byte(unicode.ToUpper(rune(tok[i])))
		if !strings.ContainsRune("XYZI", rune(op)) {
			return qverrors.E(qverrors.KindInvalid, "bad Pauli operator in %q", tok)
		}
		j := i + 1
		for j < len(tok) && unicode.IsDigit(rune(tok[j])) {
			j++
		}
		q, err := strconv.Atoi(tok[i+1 : j])
		if err != nil {
			return qverrors.E(qverrors.KindInvalid, "missing qubit index in %q", tok)
		}
		i = j
		if op == 'I' {
			continue
		}
		if _, dup := ops[q]; dup {
			return qverrors.E(qverrors.KindInvalid, "qubit %d repeated in term", q)
		}
		ops[q] = op
	}
	return nil
}

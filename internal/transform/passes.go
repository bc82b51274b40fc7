package transform

import (
	"math"
	"slices"

	"github.com/copyleftdev/qvopt/internal/ir"
)

var selfInverse = map[string]bool{
	"H": true, "X": true, "Y": true, "Z": true,
	"CNOT": true, "CZ": true, "Swap": true,
}

// GateCancellation removes adjacent pairs of identical self-inverse gates.
// Composite instructions act as barriers on the qubits they touch.
type GateCancellation struct{}

// Name implements Transformation.
func (GateCancellation) Name() string { return "gate-cancellation" }

// Apply implements Transformation.
func (GateCancellation) Apply(p *ir.Program) error {
	p.Instructions = rewrite(p.Instructions, func(a, b *ir.Instruction) ([]*ir.Instruction, bool) {
		if !selfInverse[a.Name] || !sameTarget(a, b) || a.Name != b.Name {
			return nil, false
		}
		return nil, true
	})
	return nil
}

// RotationFolding merges adjacent literal rotations about the same axis and
// drops rotations whose angle is a multiple of 4*pi.
type RotationFolding struct{}

// Name implements Transformation.
func (RotationFolding) Name() string { return "rotation-folding" }

// Apply implements Transformation.
func (RotationFolding) Apply(p *ir.Program) error {
	p.Instructions = rewrite(p.Instructions, func(a, b *ir.Instruction) ([]*ir.Instruction, bool) {
		if !isRotation(a) || a.Name != b.Name || !sameTarget(a, b) {
			return nil, false
		}
		if !a.Params[0].IsLiteral() || !b.Params[0].IsLiteral() {
			return nil, false
		}
		merged := ir.Gate(a.Name, a.Qubits, a.Params[0].Value+b.Params[0].Value)
		merged.Controls = append([]int(nil), a.Controls...)
		return []*ir.Instruction{merged}, true
	})

	kept := p.Instructions[:0]
	for _, in := range p.Instructions {
		if isRotation(in) && in.Params[0].IsLiteral() && isIdentityAngle(in.Params[0].Value) {
			continue
		}
		kept = append(kept, in)
	}
	p.Instructions = kept
	return nil
}

func isRotation(in *ir.Instruction) bool {
	switch in.Name {
	case "Rx", "Ry", "Rz":
		return len(in.Params) == 1 && !in.IsComposite()
	}
	return false
}

func isIdentityAngle(theta float64) bool {
	r := math.Mod(theta, 4*math.Pi)
	return math.Abs(r) < 1e-12 || math.Abs(math.Abs(r)-4*math.Pi) < 1e-12
}

func sameTarget(a, b *ir.Instruction) bool {
	return !a.IsComposite() && !b.IsComposite() &&
		slices.Equal(a.Qubits, b.Qubits) && slices.Equal(a.Controls, b.Controls)
}

func touched(in *ir.Instruction) []int {
	qs := append(append([]int(nil), in.Qubits...), in.Controls...)
	if in.IsComposite() {
		// A composite without explicit qubits touches everything its body does.
		_ = in.Body.Walk(func(inner *ir.Instruction) error {
			qs = append(qs, inner.Qubits...)
			qs = append(qs, inner.Controls...)
			return nil
		})
	}
	return qs
}

func overlaps(a, b []int) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

// rewrite repeatedly offers each instruction and the next instruction that
// shares a qubit with it to combine, until a full pass changes nothing.
// combine returns the replacement for the pair.
func rewrite(ins []*ir.Instruction, combine func(a, b *ir.Instruction) ([]*ir.Instruction, bool)) []*ir.Instruction {
	out := append([]*ir.Instruction(nil), ins...)
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(out) && !changed; i++ {
			qi := touched(out[i])
			for j := i + 1; j < len(out); j++ {
				if !overlaps(qi, touched(out[j])) {
					continue
				}
				if repl, ok := combine(out[i], out[j]); ok {
					next := make([]*ir.Instruction, 0, len(out))
					next = append(next, out[:i]...)
					next = append(next, repl...)
					next = append(next, out[i+1:j]...)
					next = append(next, out[j+1:]...)
					out = next
					changed = true
				}
				break
			}
		}
	}
	return out
}

package objective

import (
	"context"

	"github.com/copyleftdev/qvopt/internal/ir"
	"github.com/copyleftdev/qvopt/internal/qrt"
)

// EnergyKey is the buffer info key under which VQE records each value.
const EnergyKey = "energy"

// VQE is the variational eigensolver cost: the expectation value of the
// observable in the state prepared by the kernel.
type VQE struct {
	Base
}

// NewVQE returns an uninitialized VQE objective on rt.
func NewVQE(rt *qrt.Runtime) *VQE {
	v := &VQE{}
	v.init("vqe", rt, v.energy)
	return v
}

func (v *VQE) energy(ctx context.Context, prog *ir.Program) (float64, error) {
	reg := v.Buffer()
	e, err := v.rt.ObserveProgram(ctx, prog, v.Observable(), reg)
	if err != nil {
		return 0, err
	}
	reg.SetInfo(EnergyKey, e)
	return e, nil
}

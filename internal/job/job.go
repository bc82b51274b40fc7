// Package job describes optimization runs as TOML or JSON documents and
// turns them into running tasks.
package job

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/copyleftdev/qvopt/internal/args"
	"github.com/copyleftdev/qvopt/internal/backend"
	"github.com/copyleftdev/qvopt/internal/buffer"
	qverrors "github.com/copyleftdev/qvopt/internal/errors"
	"github.com/copyleftdev/qvopt/internal/logging"
	"github.com/copyleftdev/qvopt/internal/objective"
	"github.com/copyleftdev/qvopt/internal/observable"
	"github.com/copyleftdev/qvopt/internal/optimization"
	"github.com/copyleftdev/qvopt/internal/qrt"
	"github.com/copyleftdev/qvopt/internal/task"
	"github.com/copyleftdev/qvopt/internal/transform"
)

// Gradient strategies.
const (
	GradientCentral = "central"
	GradientNone    = "none"
)

// Spec is a job document.
//
//	name = "deuteron"
//	kernel = """
//	kernel ansatz
//	params theta
//	X 0
//	Ry(theta) 1
//	CNOT 1 0
//	"""
//	observable = "5.907 - 2.1433 X0X1 - 2.1433 Y0Y1 + 0.21829 Z0 - 6.125 Z1"
//
//	[optimizer]
//	name = "nelder-mead"
//	initial_parameters = [0.5]
type Spec struct {
	Name string `toml:"name" json:"name"`

	// Kernel is program source text.
	Kernel     string   `toml:"kernel" json:"kernel"`
	Transforms []string `toml:"transforms" json:"transforms,omitempty"`

	Observable     string `toml:"observable" json:"observable"`
	ObservableKind string `toml:"observable_kind" json:"observable_kind,omitempty"`

	Objective string            `toml:"objective" json:"objective,omitempty"`
	Options   objective.Options `toml:"options" json:"options,omitempty"`

	// Qubits sizes the result register; the kernel's qubit count when 0.
	Qubits int `toml:"qubits" json:"qubits,omitempty"`

	// Backend and Shots give the job its own runtime when set.
	Backend string `toml:"backend" json:"backend,omitempty"`
	Shots   int    `toml:"shots" json:"shots,omitempty"`
	Seed    uint64 `toml:"seed" json:"seed,omitempty"`

	Gradient     string  `toml:"gradient" json:"gradient,omitempty"`
	GradientStep float64 `toml:"gradient_step" json:"gradient_step,omitempty"`

	Optimizer OptimizerSpec `toml:"optimizer" json:"optimizer"`
}

// OptimizerSpec selects and configures the optimizer.
type OptimizerSpec struct {
	Name              string       `toml:"name" json:"name"`
	MaxIterations     int          `toml:"max_iterations" json:"max_iterations,omitempty"`
	InitialParameters []float64    `toml:"initial_parameters" json:"initial_parameters,omitempty"`
	Bounds            [][2]float64 `toml:"bounds" json:"bounds,omitempty"`
	Points            [][]float64  `toml:"points" json:"points,omitempty"`
	InitialPoints     int          `toml:"initial_points" json:"initial_points,omitempty"`
	Tolerance         float64      `toml:"tolerance" json:"tolerance,omitempty"`
	Seed              int64        `toml:"seed" json:"seed,omitempty"`
}

// Load reads a job file. Files ending in .json are JSON, anything else TOML.
func Load(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qverrors.Wrapf(err, "opening job %s", path).WithComponent("job")
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DecodeJSON(f)
	}
	return DecodeTOML(f)
}

// DecodeTOML reads a TOML job. Unknown keys are rejected.
func DecodeTOML(r io.Reader) (*Spec, error) {
	var s Spec
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, qverrors.WrapKind(qverrors.KindInvalid, err, "decoding toml job")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, qverrors.E(qverrors.KindInvalid, "unknown job keys: %s", strings.Join(keys, ", "))
	}
	return &s, s.Validate()
}

// DecodeJSON reads a JSON job. Unknown fields are rejected.
func DecodeJSON(r io.Reader) (*Spec, error) {
	var s Spec
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, qverrors.WrapKind(qverrors.KindInvalid, err, "decoding json job")
	}
	return &s, s.Validate()
}

// Validate checks required fields and fills defaults.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Kernel) == "" {
		return qverrors.E(qverrors.KindInvalid, "job has no kernel")
	}
	if strings.TrimSpace(s.Observable) == "" {
		return qverrors.E(qverrors.KindInvalid, "job has no observable")
	}
	if s.Shots < 0 {
		return qverrors.E(qverrors.KindInvalid, "shots must be >= 0, got %d", s.Shots)
	}
	if s.Qubits < 0 {
		return qverrors.E(qverrors.KindInvalid, "qubits must be >= 0, got %d", s.Qubits)
	}
	switch s.Gradient {
	case "":
		s.Gradient = GradientCentral
	case GradientCentral, GradientNone:
	default:
		return qverrors.E(qverrors.KindInvalid, "unknown gradient strategy %q", s.Gradient)
	}
	if s.GradientStep < 0 {
		return qverrors.E(qverrors.KindInvalid, "gradient_step must be >= 0")
	}
	if s.ObservableKind == "" {
		s.ObservableKind = "pauli"
	}
	if s.Objective == "" {
		s.Objective = "vqe"
	}
	if s.Optimizer.Name == "" {
		s.Optimizer.Name = "nelder-mead"
	}
	return nil
}

// Job is a Spec resolved against the registries, ready to start.
type Job struct {
	Spec       *Spec
	Runtime    *qrt.Runtime
	Kernel     *qrt.Kernel
	Observable observable.Observable
	Objective  objective.Objective
	Optimizer  optimization.Optimizer
	Register   *buffer.Register
}

// Build resolves s. The job uses rt unless it names its own backend or shot
// count.
func (s *Spec) Build(rt *qrt.Runtime, logger *zap.Logger) (*Job, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	k, err := qrt.FromSource(s.Kernel)
	if err != nil {
		return nil, err
	}
	if len(s.Transforms) > 0 {
		if err := transform.Apply(k.Program(), s.Transforms...); err != nil {
			return nil, err
		}
	}

	if s.Backend != "" || s.Shots > 0 {
		name := s.Backend
		if name == "" {
			name = "sim"
		}
		rt, err = qrt.Open(name, backend.Options{Shots: s.Shots, Seed: s.Seed}, logger)
		if err != nil {
			return nil, err
		}
	} else if rt == nil {
		rt = qrt.Default()
	}

	obs, err := observable.New(s.ObservableKind, s.Observable)
	if err != nil {
		return nil, err
	}
	obj, err := objective.Create(s.Objective, rt, k, obs, s.Options)
	if err != nil {
		return nil, err
	}

	opt, err := optimization.New(s.Optimizer.Name, optimization.OptimizerConfig{
		InitialParameters: s.Optimizer.InitialParameters,
		Bounds:            s.Optimizer.Bounds,
		Points:            s.Optimizer.Points,
		MaxIterations:     s.Optimizer.MaxIterations,
		NInitialPoints:    s.Optimizer.InitialPoints,
		Tolerance:         s.Optimizer.Tolerance,
		RandomSeed:        s.Optimizer.Seed,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if opt.NeedsGradient() && s.Gradient == GradientNone {
		return nil, qverrors.E(qverrors.KindInvalid, "optimizer %s needs a gradient", opt.Name())
	}

	qubits := s.Qubits
	if qubits == 0 {
		qubits = k.Program().NQubits()
	}
	return &Job{
		Spec:       s,
		Runtime:    rt,
		Kernel:     k,
		Observable: obs,
		Objective:  obj,
		Optimizer:  opt,
		Register:   buffer.NewRegister("q", qubits),
	}, nil
}

// Dim is the number of parameters the optimizer searches over.
func (j *Job) Dim() int { return j.Kernel.Shape.Width() }

// Translator maps optimizer vectors onto the kernel arguments.
func (j *Job) Translator() args.Translator {
	return args.ShapeTranslator(j.Kernel.Shape, j.Register)
}

// Args returns the kernel arguments at the optimizer's starting point, or
// at zero.
func (j *Job) Args() (args.Args, error) {
	x := j.Spec.Optimizer.InitialParameters
	if len(x) == 0 {
		x = make([]float64, j.Dim())
	}
	return j.Translator()(x)
}

// Start initiates the job's task on r.
func (j *Job) Start(ctx context.Context, r *task.Runner) *task.Handle {
	translate := j.Translator()
	var gradient objective.GradientEvaluator
	if j.Optimizer.NeedsGradient() {
		step := j.Spec.GradientStep
		if step == 0 {
			step = objective.DefaultStep
		}
		gradient = objective.CentralDifference(ctx, j.Objective, translate, step)
	}
	return r.InitiateWithGradient(ctx, j.Objective, j.Optimizer, gradient, translate, j.Dim())
}

// Start builds s and initiates its task.
func (s *Spec) Start(ctx context.Context, r *task.Runner, rt *qrt.Runtime) (*task.Handle, *Job, error) {
	j, err := s.Build(rt, r.Logger())
	if err != nil {
		return nil, nil, err
	}
	return j.Start(ctx, r), j, nil
}

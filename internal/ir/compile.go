package ir

import (
	"bufio"
	"math"
	"strconv"
	"strings"

	qverrors "github.com/copyleftdev/qvopt/internal/errors"
)

// Compiler turns source text into a structural program.
type Compiler interface {
	Compile(src string) (*Program, error)
}

// TextCompiler compiles the line-oriented program format produced by
// Program.String:
//
//	kernel ansatz
//	params theta x[2]
//	X 0
//	Ry(theta) 1
//	ctrl(0) Rz(-0.5*x[1]) 1
//	CNOT 1 0
//
// Blank lines and text after '#' are ignored.
type TextCompiler struct{}

// Compile implements Compiler.
func (TextCompiler) Compile(src string) (*Program, error) {
	p := NewProgram("")
	sc := bufio.NewScanner(strings.NewReader(src))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := compileLine(p, line); err != nil {
			return nil, qverrors.Wrapf(err, "line %d", lineNo).WithComponent("ir").WithOperation("Compile")
		}
	}
	if err := sc.Err(); err != nil {
		return nil, qverrors.Wrap(err, "reading source")
	}
	if p.Name == "" {
		p.Name = "kernel"
	}
	return p, nil
}

// Compile compiles src with the TextCompiler.
func Compile(src string) (*Program, error) {
	return TextCompiler{}.Compile(src)
}

func compileLine(p *Program, line string) error {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "kernel":
		if len(fields) != 2 {
			return qverrors.E(qverrors.KindInvalid, "kernel directive takes one name")
		}
		p.Name = fields[1]
		return nil
	case "params":
		if len(p.Instructions) > 0 {
			return qverrors.E(qverrors.KindInvalid, "params must precede instructions")
		}
		for _, f := range fields[1:] {
			v, err := parseVariable(f)
			if err != nil {
				return err
			}
			p.Declare(v)
		}
		return nil
	}

	var controls []int
	if strings.HasPrefix(strings.ToLower(line), "ctrl(") {
		end := strings.IndexByte(line, ')')
		if end < 0 {
			return qverrors.E(qverrors.KindInvalid, "unterminated ctrl(")
		}
		var err error
		controls, err = parseInts(strings.Split(line[len("ctrl("):end], ","))
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line[end+1:])
	}

	name, paramSrc, rest, err := splitGate(line)
	if err != nil {
		return err
	}
	qubits, err := parseInts(strings.Fields(rest))
	if err != nil {
		return err
	}
	var params []Param
	if paramSrc != "" {
		for _, expr := range strings.Split(paramSrc, ",") {
			pr, err := parseParam(p, strings.TrimSpace(expr))
			if err != nil {
				return err
			}
			params = append(params, pr)
		}
	}
	in := NewInstruction(name, qubits, params...)
	in.Controls = controls
	p.Add(in)
	return nil
}

func splitGate(line string) (name, params, rest string, err error) {
	open := strings.IndexByte(line, '(')
	space := strings.IndexAny(line, " \t")
	if open < 0 || (space >= 0 && space < open) {
		if space < 0 {
			return line, "", "", nil
		}
		return line[:space], "", line[space+1:], nil
	}
	end := strings.IndexByte(line, ')')
	if end < open {
		return "", "", "", qverrors.E(qverrors.KindInvalid, "unterminated parameter list in %q", line)
	}
	return line[:open], line[open+1 : end], line[end+1:], nil
}

func parseVariable(f string) (Variable, error) {
	open := strings.IndexByte(f, '[')
	if open < 0 {
		return Scalar(f), nil
	}
	if !strings.HasSuffix(f, "]") {
		return Variable{}, qverrors.E(qverrors.KindInvalid, "malformed parameter %q", f)
	}
	width, err := strconv.Atoi(f[open+1 : len(f)-1])
	if err != nil || width < 1 {
		return Variable{}, qverrors.E(qverrors.KindInvalid, "malformed width in %q", f)
	}
	return Vector(f[:open], width), nil
}

// parseParam accepts a literal ("0.5", "pi", "-pi/2") or a reference with
// an optional coefficient ("theta", "-x[1]", "0.5*x[0]").
func parseParam(p *Program, expr string) (Param, error) {
	if v, ok := parseLiteral(expr); ok {
		return Lit(v), nil
	}

	coeff := 1.0
	if star := strings.IndexByte(expr, '*'); star >= 0 {
		c, ok := parseLiteral(strings.TrimSpace(expr[:star]))
		if !ok {
			return Param{}, qverrors.E(qverrors.KindInvalid, "bad coefficient in %q", expr)
		}
		coeff = c
		expr = strings.TrimSpace(expr[star+1:])
	} else if strings.HasPrefix(expr, "-") {
		coeff = -1
		expr = expr[1:]
	}

	name, index := expr, 0
	if open := strings.IndexByte(expr, '['); open >= 0 && strings.HasSuffix(expr, "]") {
		i, err := strconv.Atoi(expr[open+1 : len(expr)-1])
		if err != nil {
			return Param{}, qverrors.E(qverrors.KindInvalid, "bad index in %q", expr)
		}
		name, index = expr[:open], i
	}
	return p.Ref(name, index, coeff)
}

func parseLiteral(s string) (float64, bool) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign, s = -1, s[1:]
	}
	if s == "pi" {
		return sign * math.Pi, true
	}
	if strings.HasPrefix(s, "pi/") {
		d, err := strconv.ParseFloat(s[3:], 64)
		if err == nil && d != 0 {
			return sign * math.Pi / d, true
		}
	}
	return 0, false
}

func parseInts(fields []string) ([]int, error) {
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, qverrors.E(qverrors.KindInvalid, "bad qubit index %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

package loss

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// UnknownObjectiveError is returned for an unregistered built-in objective name.
type UnknownObjectiveError struct {
	Name string
}

func (e *UnknownObjectiveError) Error() string {
	return fmt.Sprintf("unknown objective %q (available: %v)", e.Name, BuiltinNames())
}

type builtinFactory func(coeffs map[string]float64) Function

var builtins = map[string]builtinFactory{
	// a*x^2 + b*x + c, minimum at -b/2a. Defaults give (x-2)^2.
	"quadratic": func(c map[string]float64) Function {
		a, b, k := coeff(c, "a", 1), coeff(c, "b", -4), coeff(c, "c", 4)
		return FuncOf([]string{"x"}, func(_ context.Context, args map[string]float64) (float64, error) {
			x := args["x"]
			return a*x*x + b*x + k, nil
		})
	},
	// sum of (p - target)^2 over every parameter.
	"shifted-bowl": func(c map[string]float64) Function {
		target := coeff(c, "target", 0)
		return FuncOf(nil, func(_ context.Context, args map[string]float64) (float64, error) {
			var sum float64
			for _, v := range args {
				d := v - target
				sum += d * d
			}
			return sum, nil
		})
	},
	// k*j^2 + y^2
	"scaled-bowl": func(map[string]float64) Function {
		return FuncOf([]string{"j", "y", "k"}, func(_ context.Context, args map[string]float64) (float64, error) {
			j, y := args["j"], args["y"]
			return args["k"]*j*j + y*y, nil
		})
	},
	"rosenbrock": func(c map[string]float64) Function {
		a, b := coeff(c, "a", 1), coeff(c, "b", 100)
		return FuncOf([]string{"x", "y"}, func(_ context.Context, args map[string]float64) (float64, error) {
			x, y := args["x"], args["y"]
			return (a-x)*(a-x) + b*(y-x*x)*(y-x*x), nil
		})
	},
	// no signal: the same value for every policy.
	"constant": func(c map[string]float64) Function {
		v := coeff(c, "value", 1)
		return FuncOf(nil, func(context.Context, map[string]float64) (float64, error) {
			return v, nil
		})
	},
	"failing": func(map[string]float64) Function {
		return FuncOf(nil, func(context.Context, map[string]float64) (float64, error) {
			return math.NaN(), errors.New("simulator unavailable")
		})
	},
}

// Builtin returns a registered analytic objective configured with coeffs.
func Builtin(name string, coeffs map[string]float64) (Function, error) {
	factory, ok := builtins[name]
	if !ok {
		return nil, &UnknownObjectiveError{Name: name}
	}
	return factory(coeffs), nil
}

// BuiltinNames lists the registered objectives in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func coeff(c map[string]float64, name string, def float64) float64 {
	if v, ok := c[name]; ok {
		return v
	}
	return def
}

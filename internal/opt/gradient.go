package opt

import (
	"context"
	"fmt"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// DefaultLearningRate is the plain gradient descent step scale.
const DefaultLearningRate = 0.01

// GradientDescent applies value -= learningRate * derivative to each parameter in turn.
type GradientDescent struct {
	settings Settings
}

// NewGradientDescent validates settings and fills defaults for zero fields.
func NewGradientDescent(settings Settings) (*GradientDescent, error) {
	settings = settings.withDefaults(DefaultLearningRate)
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("gradient descent: %w", err)
	}
	return &GradientDescent{settings: settings}, nil
}

func (g *GradientDescent) Name() string { return "gd" }

// Settings returns the effective settings after defaults.
func (g *GradientDescent) Settings() Settings { return g.settings }

func (g *GradientDescent) Run(ctx context.Context, f loss.Function, initial policy.Policy) (*Report, error) {
	d := &descent{
		method:   g.Name(),
		settings: g.settings,
		rule:     plainRule{learningRate: g.settings.LearningRate},
	}
	return d.run(ctx, f, initial)
}

type plainRule struct {
	learningRate float64
}

func (plainRule) reset([]string) {}

func (r plainRule) apply(_ string, value, grad float64, _ int) float64 {
	return value - r.learningRate*grad
}

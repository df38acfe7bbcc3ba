package opt

import (
	"context"
	"fmt"
	"math"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
)

// Adam defaults.
const (
	DefaultAdamLearningRate = 0.001
	DefaultBeta1            = 0.9
	DefaultBeta2            = 0.999
	DefaultEpsilon          = 1e-8
)

// AdamSettings extends Settings with the moment decay rates and early stopping.
// Zero Beta1, Beta2 and Epsilon select the defaults; set betas must lie in (0, 1).
type AdamSettings struct {
	Settings

	Beta1   float64
	Beta2   float64
	Epsilon float64

	// Patience stops the run once the best loss has not improved for this many
	// consecutive iterations. Zero disables it.
	Patience int
}

// Adam applies bias-corrected adaptive moment updates per parameter.
type Adam struct {
	settings AdamSettings
}

// NewAdam validates settings and fills defaults for zero fields.
func NewAdam(settings AdamSettings) (*Adam, error) {
	settings.Settings = settings.Settings.withDefaults(DefaultAdamLearningRate)
	if settings.Beta1 == 0 {
		settings.Beta1 = DefaultBeta1
	}
	if settings.Beta2 == 0 {
		settings.Beta2 = DefaultBeta2
	}
	if settings.Epsilon == 0 {
		settings.Epsilon = DefaultEpsilon
	}
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("adam: %w", err)
	}
	if settings.Beta1 <= 0 || settings.Beta1 >= 1 {
		return nil, fmt.Errorf("adam: beta1 must be in (0, 1), got %g", settings.Beta1)
	}
	if settings.Beta2 <= 0 || settings.Beta2 >= 1 {
		return nil, fmt.Errorf("adam: beta2 must be in (0, 1), got %g", settings.Beta2)
	}
	if settings.Epsilon < 0 {
		return nil, fmt.Errorf("adam: epsilon must be positive, got %g", settings.Epsilon)
	}
	if settings.Patience < 0 {
		return nil, fmt.Errorf("adam: patience cannot be negative, got %d", settings.Patience)
	}
	return &Adam{settings: settings}, nil
}

func (a *Adam) Name() string { return "adam" }

// Settings returns the effective settings after defaults.
func (a *Adam) Settings() AdamSettings { return a.settings }

func (a *Adam) Run(ctx context.Context, f loss.Function, initial policy.Policy) (*Report, error) {
	d := &descent{
		method:   a.Name(),
		settings: a.settings.Settings,
		rule: &adamRule{
			learningRate: a.settings.LearningRate,
			beta1:        a.settings.Beta1,
			beta2:        a.settings.Beta2,
			epsilon:      a.settings.Epsilon,
		},
		patience: a.settings.Patience,
	}
	return d.run(ctx, f, initial)
}

// moment holds the running first and second moment estimates of one parameter.
type moment struct {
	m, v float64
}

// adamRule owns the moment state of a single run.
type adamRule struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	moments      map[string]*moment
}

func (r *adamRule) reset(names []string) {
	r.moments = make(map[string]*moment, len(names))
	for _, name := range names {
		r.moments[name] = &moment{}
	}
}

// apply updates the moments of name with grad at 1-indexed iteration t and
// returns the new parameter value.
func (r *adamRule) apply(name string, value, grad float64, t int) float64 {
	st := r.moments[name]
	st.m = r.beta1*st.m + (1-r.beta1)*grad
	st.v = r.beta2*st.v + (1-r.beta2)*grad*grad
	mHat := biasCorrect(st.m, r.beta1, t)
	vHat := biasCorrect(st.v, r.beta2, t)
	return value - r.learningRate*mHat/(math.Sqrt(vHat)+r.epsilon)
}

// biasCorrect removes the zero-initialisation bias of an exponential moving
// average after t >= 1 updates: est / (1 - beta^t).
func biasCorrect(est, beta float64, t int) float64 {
	return est / (1 - math.Pow(beta, float64(t)))
}

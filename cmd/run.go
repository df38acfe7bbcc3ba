package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lequ02/econ-modelling/internal/config"
	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/opt"
	"github.com/lequ02/econ-modelling/internal/policy"
	"github.com/lequ02/econ-modelling/internal/store"
)

// runOptions are the flags shared by run and resume. Flags left unset keep
// the value from --config, or the default.
type runOptions struct {
	configPath string

	params    []string
	objective string
	coefs     []string
	command   string
	args      []string
	timeout   string

	method      string
	lr          float64
	step        float64
	iterations  int
	auto        bool
	tolerance   float64
	consecutive int
	patience    int
	integer     []string
	integerAll  bool

	population int
	seed       int64
	lower      float64
	upper      float64

	save    string
	dataDir string
	jobID   string
	store   string
}

func (o *runOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML run configuration")

	f.StringArrayVarP(&o.params, "param", "p", nil, "Policy parameter name=value (repeatable, order is kept)")
	f.StringVar(&o.objective, "objective", "", "Built-in objective: "+strings.Join(loss.BuiltinNames(), ", "))
	f.StringArrayVar(&o.coefs, "coef", nil, "Built-in objective coefficient name=value (repeatable)")
	f.StringVar(&o.command, "command", "", "External simulator evaluated once per loss call")
	f.StringArrayVar(&o.args, "arg", nil, "Argument passed to --command before the policy flags (repeatable)")
	f.StringVar(&o.timeout, "timeout", "", "Per-evaluation timeout for --command, e.g. 10m")

	f.StringVarP(&o.method, "method", "m", "", "Optimization method: gd, adam, mayfly")
	f.Float64Var(&o.lr, "lr", 0, "Learning rate (0 = method default)")
	f.Float64Var(&o.step, "step", 0, "Finite-difference step (0 = 1e-4)")
	f.IntVarP(&o.iterations, "iterations", "n", 0, "Iterations for the fixed rule, or the cap with --auto")
	f.BoolVar(&o.auto, "auto", false, "Stop once the loss stops improving by more than --tolerance")
	f.Float64Var(&o.tolerance, "tolerance", 0, "Improvement threshold for --auto (0 = 1e-6)")
	f.IntVar(&o.consecutive, "consecutive", 0, "Non-improving iterations in a row for --auto (0 = 3)")
	f.IntVar(&o.patience, "patience", 0, "Adam early stopping: iterations without a new best (0 = off)")
	f.StringSliceVar(&o.integer, "integer", nil, "Parameters rounded to integers after every update")
	f.BoolVar(&o.integerAll, "integer-all", false, "Round every parameter to an integer")

	f.IntVar(&o.population, "pop", 0, "Mayfly population size")
	f.Int64Var(&o.seed, "seed", 0, "Mayfly random seed")
	f.Float64Var(&o.lower, "lower", 0, "Mayfly lower search bound")
	f.Float64Var(&o.upper, "upper", 0, "Mayfly upper search bound")

	f.StringVar(&o.save, "save", "", "Write the final checkpoint to this JSON file")
	f.StringVar(&o.dataDir, "data-dir", "", "Checkpoint store directory")
	f.StringVar(&o.jobID, "job-id", "", "Store the checkpoint and trace under this job ID")
	f.StringVar(&o.store, "store", "", "Checkpoint store backend: fs, sqlite")

	cmd.MarkFlagsMutuallyExclusive("objective", "command")
}

// config loads --config (or the defaults) and applies every flag that was set.
// The result is not validated.
func (o *runOptions) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	changed := cmd.Flags().Changed

	if len(o.params) > 0 {
		p, err := applyParams(cfg.Policy, o.params)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}
	if changed("objective") {
		cfg.Objective = config.Objective{Builtin: o.objective}
	}
	if changed("command") {
		cfg.Objective = config.Objective{Command: o.command, Args: cfg.Objective.Args, Timeout: cfg.Objective.Timeout}
	}
	if len(o.coefs) > 0 {
		if cfg.Objective.Coefficients == nil {
			cfg.Objective.Coefficients = make(map[string]float64)
		}
		for _, c := range o.coefs {
			name, v, err := parseAssignment(c)
			if err != nil {
				return nil, fmt.Errorf("invalid --coef: %w", err)
			}
			cfg.Objective.Coefficients[name] = v
		}
	}
	if changed("arg") {
		cfg.Objective.Args = o.args
	}
	if changed("timeout") {
		cfg.Objective.Timeout = o.timeout
	}

	if changed("method") {
		cfg.Method = o.method
	}
	if changed("lr") {
		cfg.LearningRate = o.lr
	}
	if changed("step") {
		cfg.Step = o.step
	}
	if o.auto {
		cfg.Stopping.Mode = config.ModeAuto
	}
	if changed("iterations") {
		if cfg.Stopping.Mode == config.ModeAuto {
			cfg.Stopping.MaxIterations = o.iterations
		} else {
			cfg.Stopping.Mode = config.ModeFixed
			cfg.Stopping.Iterations = o.iterations
		}
	}
	if changed("tolerance") {
		cfg.Stopping.Tolerance = o.tolerance
	}
	if changed("consecutive") {
		cfg.Stopping.Consecutive = o.consecutive
	}
	if changed("patience") {
		cfg.Patience = o.patience
	}
	if changed("integer") {
		cfg.Integer = o.integer
	}
	if changed("integer-all") {
		cfg.IntegerAll = o.integerAll
	}

	if changed("pop") {
		cfg.Population = o.population
	}
	if changed("seed") {
		cfg.Seed = o.seed
	}
	if changed("lower") {
		cfg.Bounds.Lower = o.lower
	}
	if changed("upper") {
		cfg.Bounds.Upper = o.upper
	}

	if changed("save") {
		cfg.Checkpoint.Save = o.save
	}
	if changed("data-dir") {
		cfg.Checkpoint.DataDir = o.dataDir
	}
	if changed("store") {
		cfg.Checkpoint.Store = o.store
	}
	return cfg, nil
}

// applyParams overrides existing parameters and appends new ones in flag order.
func applyParams(base policy.Policy, assignments []string) (policy.Policy, error) {
	params := base.Params()
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p.Name] = i
	}
	for _, a := range assignments {
		name, v, err := parseAssignment(a)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("invalid --param: %w", err)
		}
		if i, ok := index[name]; ok {
			params[i].Value = v
			continue
		}
		index[name] = len(params)
		params = append(params, policy.Param{Name: name, Value: v})
	}
	return policy.New(params...)
}

func parseAssignment(s string) (string, float64, error) {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("%q is not name=value", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", 0, fmt.Errorf("%q: %w", s, err)
	}
	return name, v, nil
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single optimization",
		Long: `Runs one optimization from the configured starting policy and prints the best
policy, its loss (or "none" when every evaluation failed), the convergence
signal and the iteration count.

The exit status is zero whatever the convergence signal; a non-zero status
means the run could not be configured, for example an unknown parameter or an
objective command that cannot be found.`,
		Example: `  policyfit run -p x=10 --objective quadratic --lr 0.1 -n 500
  policyfit run -c configs/policyfit.yaml --job-id calib-1
  policyfit run -p ctax_intensity=0.5 --command ./scripts/sir-macro-loss.sh --auto`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimization(cmd, o)
		},
	}
	o.register(cmd)
	return cmd
}

func runOptimization(cmd *cobra.Command, o *runOptions) error {
	cfg, err := o.config(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !rootCmd.PersistentFlags().Changed("log-level") && o.configPath != "" {
		setupLogger(cfg.LogLevel)
	}

	f, err := cfg.BuildObjective()
	if err != nil {
		return err
	}

	var st store.Store
	jobID := o.jobID
	if jobID != "" {
		st, err = store.Open(cfg.Checkpoint.Store, cfg.Checkpoint.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()
	} else {
		jobID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := optimize(ctx, cfg, f, st, jobID, 0, false)
	if err != nil {
		return err
	}

	cp := store.FromReport(jobID, report, cfg.JobConfig())
	printResult(cmd.OutOrStdout(), cp, report.Evaluations)
	return persist(cp, st, cfg.Checkpoint.Save)
}

// optimize runs the configured method. With a store, every snapshot is traced
// with its iteration shifted by offset.
func optimize(ctx context.Context, cfg *config.Config, f loss.Function, st store.Store, jobID string, offset int, appendTrace bool) (*opt.Report, error) {
	var trace *store.TraceWriter
	if st != nil {
		tw, err := store.NewTraceWriter(st.BaseDir(), jobID, appendTrace)
		if err != nil {
			return nil, err
		}
		trace = tw
		defer func() {
			if err := trace.Close(); err != nil {
				slog.Warn("Failed to close trace", "job_id", jobID, "error", err)
			}
		}()
	}

	observer := func(s policy.Snapshot) {
		if trace == nil {
			return
		}
		s.Iteration += offset
		if err := trace.WriteSnapshot(s); err != nil {
			slog.Warn("Failed to write trace entry", "job_id", jobID, "iteration", s.Iteration, "error", err)
		}
	}

	if cfg.Method == config.MethodMayfly && (len(cfg.Integer) > 0 || cfg.IntegerAll) {
		slog.Warn("Integer constraints are not applied by mayfly", "integer", cfg.Integer, "integer_all", cfg.IntegerAll)
	}

	optimizer, err := cfg.BuildOptimizer(observer)
	if err != nil {
		return nil, err
	}
	return optimizer.Run(ctx, f, cfg.Policy)
}

// persist writes cp to the store and/or a standalone file. I/O failures only
// warn: the result has already been printed and stays valid.
func persist(cp *store.Checkpoint, st store.Store, savePath string) error {
	if st != nil {
		err := st.SaveCheckpoint(cp.JobID, cp)
		if err := saveFailed(err, "job_id", cp.JobID); err != nil {
			return err
		}
		if err == nil {
			slog.Info("Checkpoint saved", "job_id", cp.JobID, "data_dir", st.BaseDir())
		}
	}
	if savePath != "" {
		err := store.WriteFile(savePath, cp)
		if err := saveFailed(err, "path", savePath); err != nil {
			return err
		}
		if err == nil {
			slog.Info("Checkpoint written", "path", savePath)
		}
	}
	return nil
}

// saveFailed logs checkpoint I/O errors and returns everything else.
func saveFailed(err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrCheckpointIO) {
		slog.Warn("Failed to save checkpoint", append(attrs, "error", err)...)
		return nil
	}
	return fmt.Errorf("failed to save checkpoint: %w", err)
}

func printResult(w io.Writer, cp *store.Checkpoint, evaluations int) {
	fmt.Fprintf(w, "Best policy: %s\n", cp.Policy)
	if cp.Loss != nil {
		fmt.Fprintf(w, "Loss: %g\n", *cp.Loss)
	} else {
		fmt.Fprintln(w, "Loss: none")
	}
	fmt.Fprintf(w, "Signal: %s\n", cp.Signal)
	fmt.Fprintf(w, "Iterations: %d (%d evaluations)\n", cp.Iterations, evaluations)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

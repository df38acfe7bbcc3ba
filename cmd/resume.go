package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lequ02/econ-modelling/internal/store"
)

func newResumeCmd() *cobra.Command {
	o := &runOptions{}
	var from string
	cmd := &cobra.Command{
		Use:   "resume [job-id]",
		Short: "Resume an optimization from its checkpoint",
		Long: `Continues a stored job from its best policy with a fresh optimizer. The
objective and parameter set must match the checkpoint; the method, learning
rate and stopping rule may change. Only the best policy is stored, so Adam's
moment estimates restart from zero.

Without --param or a policy in --config, the checkpoint's parameters are used.

With --from, the checkpoint is read from a file written by --save instead of the
store. The result is written back to that file unless --save names another one.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case from != "" && len(args) > 0:
				return fmt.Errorf("pass either a job ID or --from, not both")
			case from == "" && len(args) == 0:
				return fmt.Errorf("requires a job ID or --from")
			}
			if len(args) > 0 {
				o.jobID = args[0]
			}
			return runResume(cmd, o, from)
		},
	}
	o.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "Resume from a checkpoint file written by --save")
	cmd.Flags().MarkHidden("job-id")
	return cmd
}

func runResume(cmd *cobra.Command, o *runOptions, from string) error {
	cfg, err := o.config(cmd)
	if err != nil {
		return err
	}

	var (
		st   store.Store
		prev *store.Checkpoint
	)
	if from != "" {
		prev, err = store.ReadFile(from)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		o.jobID = prev.JobID
		if o.jobID == "" {
			o.jobID = uuid.New().String()
		}
		if cfg.Checkpoint.Save == "" {
			cfg.Checkpoint.Save = from
		}
	} else {
		st, err = store.Open(cfg.Checkpoint.Store, cfg.Checkpoint.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		prev, err = st.LoadCheckpoint(o.jobID)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
	}

	if cfg.Policy.IsZero() {
		cfg.Policy = prev.Policy
	}
	if cfg.Objective.Builtin == "" && cfg.Objective.Command == "" && !prev.Config.Command {
		cfg.Objective.Builtin = prev.Config.Objective
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := prev.IsCompatible(cfg.JobConfig()); err != nil {
		return err
	}
	start, err := prev.PolicyFor(cfg.Policy.Names())
	if err != nil {
		return err
	}
	cfg.Policy = start

	f, err := cfg.BuildObjective()
	if err != nil {
		return err
	}

	slog.Info("Resuming job",
		"job_id", o.jobID,
		"from_iteration", prev.Iterations,
		"method", cfg.Method,
		"policy", start.String(),
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := optimize(ctx, cfg, f, st, o.jobID, prev.Iterations, true)
	if err != nil {
		return err
	}

	cp := mergeResumed(prev, store.FromReport(o.jobID, report, cfg.JobConfig()))
	printResult(cmd.OutOrStdout(), cp, report.Evaluations)
	return persist(cp, st, cfg.Checkpoint.Save)
}

// mergeResumed continues prev's iteration count and history with next.
// The earlier best is kept when the resumed run never improved on it.
func mergeResumed(prev, next *store.Checkpoint) *store.Checkpoint {
	offset := prev.Iterations
	next.Iteration += offset
	next.Iterations += offset

	history := make([]store.Entry, 0, len(prev.History)+len(next.History))
	history = append(history, prev.History...)
	for _, e := range next.History {
		e.Iteration += offset
		history = append(history, e)
	}
	next.History = history

	if prev.Loss != nil && (next.Loss == nil || *prev.Loss < *next.Loss) {
		next.Policy = prev.Policy
		next.Loss = prev.Loss
		next.Iteration = prev.Iteration
	}
	return next
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}

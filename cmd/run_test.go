package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lequ02/econ-modelling/internal/loss"
	"github.com/lequ02/econ-modelling/internal/policy"
	"github.com/lequ02/econ-modelling/internal/store"
)

func execute(t *testing.T, newCmd func() *cobra.Command, args ...string) (string, error) {
	t.Helper()
	c := newCmd()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&bytes.Buffer{})
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func TestParseAssignment(t *testing.T) {
	name, v, err := parseAssignment(" ctax_intensity = 0.5 ")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if name != "ctax_intensity" || v != 0.5 {
		t.Errorf("Expected ctax_intensity=0.5, got %s=%g", name, v)
	}

	for _, bad := range []string{"x", "=1", "x=abc", ""} {
		if _, _, err := parseAssignment(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestApplyParams(t *testing.T) {
	base := policy.MustNew(
		policy.Param{Name: "start_stayhome", Value: 10},
		policy.Param{Name: "duration_stayhome", Value: 20},
	)

	p, err := applyParams(base, []string{"duration_stayhome=25", "ctax_intensity=0.5"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	names := p.Names()
	want := []string{"start_stayhome", "duration_stayhome", "ctax_intensity"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Expected order %v, got %v", want, names)
	}
	if v, _ := p.Get("duration_stayhome"); v != 25 {
		t.Errorf("Expected duration_stayhome 25, got %g", v)
	}
	if v, _ := base.Get("duration_stayhome"); v != 20 {
		t.Error("Base policy should not be modified")
	}

	if _, err := applyParams(policy.Policy{}, []string{"x=1", "x=2"}); err != nil {
		t.Errorf("Repeated names should override, got %v", err)
	}
}

func TestRunCommand_Quadratic(t *testing.T) {
	out, err := execute(t, newRunCmd, "-p", "x=10", "--objective", "quadratic", "--lr", "0.1", "-n", "500")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	for _, want := range []string{
		"Best policy: {x: ",
		"Signal: exhausted_iterations",
		"Iterations: 500 (1501 evaluations)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Loss: none") {
		t.Errorf("Expected a loss value:\n%s", out)
	}
}

func TestRunCommand_AllEvaluationsFail(t *testing.T) {
	out, err := execute(t, newRunCmd, "-p", "x=1", "--objective", "failing", "-n", "3")
	if err != nil {
		t.Fatalf("Failed evaluations should not fail the command: %v", err)
	}
	if !strings.Contains(out, "Loss: none") {
		t.Errorf("Expected Loss: none in output:\n%s", out)
	}
	if !strings.Contains(out, "Best policy: {x: 1}") {
		t.Errorf("Expected the initial policy in output:\n%s", out)
	}
}

func TestRunCommand_Misconfiguration(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no policy", []string{"--objective", "quadratic"}},
		{"bad param", []string{"-p", "x", "--objective", "quadratic"}},
		{"unknown objective", []string{"-p", "x=1", "--objective", "nope"}},
		{"integer on missing key", []string{"-p", "x=1", "--objective", "quadratic", "--integer", "y"}},
		{"missing command", []string{"-p", "x=1", "--command", "/nonexistent/sir-macro"}},
		{"objective and command", []string{"-p", "x=1", "--objective", "quadratic", "--command", "true"}},
		{"negative learning rate", []string{"-p", "x=1", "--objective", "quadratic", "--lr", "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, newRunCmd, tt.args...); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestRunCommand_UnacceptedParameter(t *testing.T) {
	// quadratic only accepts x
	_, err := execute(t, newRunCmd, "-p", "y=1", "--objective", "quadratic", "-n", "3")
	if !errors.Is(err, loss.ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
}

func TestRunCommand_ConfigFile(t *testing.T) {
	out, err := execute(t, newRunCmd, "-c", "../configs/policyfit.yaml", "-n", "20")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "start_stayhome") {
		t.Errorf("Expected the configured policy in output:\n%s", out)
	}
}

func TestRunAndResume(t *testing.T) {
	dataDir := t.TempDir()
	savePath := filepath.Join(t.TempDir(), "best.json")

	_, err := execute(t, newRunCmd,
		"-p", "x=10", "--objective", "quadratic", "--lr", "0.1", "-n", "5",
		"--data-dir", dataDir, "--job-id", "calib-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	st, err := store.NewFSStore(dataDir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	first, err := st.LoadCheckpoint("calib-1")
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if first.Iterations != 5 || len(first.History) != 6 {
		t.Fatalf("Expected 5 iterations and 6 entries, got %d and %d", first.Iterations, len(first.History))
	}

	out, err := execute(t, newResumeCmd, "calib-1",
		"--data-dir", dataDir, "--lr", "0.1", "-n", "5", "--save", savePath)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !strings.Contains(out, "Iterations: 10") {
		t.Errorf("Expected the iteration count to continue:\n%s", out)
	}

	resumed, err := st.LoadCheckpoint("calib-1")
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if resumed.Iterations != 10 {
		t.Errorf("Expected 10 iterations, got %d", resumed.Iterations)
	}
	if len(resumed.History) != 12 {
		t.Errorf("Expected 12 history entries, got %d", len(resumed.History))
	}
	if *resumed.Loss >= *first.Loss {
		t.Errorf("Resumed loss %g should improve on %g", *resumed.Loss, *first.Loss)
	}

	trace, err := store.ReadTrace(dataDir, "calib-1")
	if err != nil {
		t.Fatalf("Failed to read trace: %v", err)
	}
	if len(trace) != 12 {
		t.Fatalf("Expected 12 trace entries, got %d", len(trace))
	}
	if trace[6].Iteration != 5 || trace[11].Iteration != 10 {
		t.Errorf("Resumed trace should continue numbering, got %d and %d", trace[6].Iteration, trace[11].Iteration)
	}

	saved, err := store.ReadFile(savePath)
	if err != nil {
		t.Fatalf("Failed to read saved checkpoint: %v", err)
	}
	if !saved.Policy.Equal(resumed.Policy) {
		t.Errorf("Saved policy %s differs from stored %s", saved.Policy, resumed.Policy)
	}
}

func TestResumeCommand_Incompatible(t *testing.T) {
	dataDir := t.TempDir()
	if _, err := execute(t, newRunCmd,
		"-p", "x=10", "--objective", "quadratic", "-n", "2",
		"--data-dir", dataDir, "--job-id", "calib-1"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	_, err := execute(t, newResumeCmd, "calib-1", "--data-dir", dataDir, "-p", "y=1", "--objective", "shifted-bowl")
	var compat *store.CompatibilityError
	if !errors.As(err, &compat) {
		t.Errorf("Expected CompatibilityError, got %v", err)
	}

	_, err = execute(t, newResumeCmd, "missing", "--data-dir", dataDir)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRunCommand_SaveFailureOnlyWarns(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	out, err := execute(t, newRunCmd,
		"-p", "x=10", "--objective", "quadratic", "--lr", "0.1", "-n", "50",
		"--save", filepath.Join(blocker, "cp.json"))
	if err != nil {
		t.Fatalf("A failed checkpoint write should not fail the run: %v", err)
	}
	if !strings.Contains(out, "Best policy: {x: 2") {
		t.Errorf("Expected the result to be printed:\n%s", out)
	}
	if !strings.Contains(out, "Signal: exhausted_iterations") {
		t.Errorf("Expected the signal to be printed:\n%s", out)
	}
}

func TestResumeCommand_FromFile(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "best.json")

	if _, err := execute(t, newRunCmd,
		"-p", "x=10", "--objective", "quadratic", "--lr", "0.1", "-n", "5",
		"--save", savePath); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	first, err := store.ReadFile(savePath)
	if err != nil {
		t.Fatalf("Failed to read saved checkpoint: %v", err)
	}

	out, err := execute(t, newResumeCmd, "--from", savePath, "--lr", "0.1", "-n", "5")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if !strings.Contains(out, "Iterations: 10") {
		t.Errorf("Expected the iteration count to continue:\n%s", out)
	}

	resumed, err := store.ReadFile(savePath)
	if err != nil {
		t.Fatalf("Failed to read resumed checkpoint: %v", err)
	}
	if resumed.JobID != first.JobID {
		t.Errorf("Expected job ID %s to be kept, got %s", first.JobID, resumed.JobID)
	}
	if resumed.Iterations != 10 {
		t.Errorf("Expected 10 iterations, got %d", resumed.Iterations)
	}
	if *resumed.Loss >= *first.Loss {
		t.Errorf("Resumed loss %g should improve on %g", *resumed.Loss, *first.Loss)
	}
}

func TestResumeCommand_FromFileRejectsMismatchedKeys(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "best.json")
	if _, err := execute(t, newRunCmd,
		"-p", "x=10", "--objective", "quadratic", "-n", "2", "--save", savePath); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	_, err := execute(t, newResumeCmd, "--from", savePath, "-p", "y=1", "--objective", "quadratic")
	var compat *store.CompatibilityError
	if !errors.As(err, &compat) {
		t.Errorf("Expected CompatibilityError, got %v", err)
	}

	_, err = execute(t, newResumeCmd, "--from", filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, store.ErrCheckpointIO) {
		t.Errorf("Expected ErrCheckpointIO for a missing file, got %v", err)
	}
}

func TestResumeCommand_Arguments(t *testing.T) {
	if _, err := execute(t, newResumeCmd); err == nil {
		t.Error("Expected error without a job ID or --from")
	}
	if _, err := execute(t, newResumeCmd, "calib-1", "--from", "best.json"); err == nil {
		t.Error("Expected error when both a job ID and --from are given")
	}
}

func TestMergeResumed_KeepsEarlierBest(t *testing.T) {
	p := policy.MustNew(policy.Param{Name: "x", Value: 2})
	q := policy.MustNew(policy.Param{Name: "x", Value: 3})
	prevLoss, nextLoss := 0.5, 1.0

	prev := &store.Checkpoint{Policy: p, Loss: &prevLoss, Iteration: 4, Iterations: 10,
		History: []store.Entry{{Iteration: 0, Policy: p, Loss: &prevLoss}}}
	next := &store.Checkpoint{Policy: q, Loss: &nextLoss, Iteration: 1, Iterations: 3,
		History: []store.Entry{{Iteration: 0, Policy: q, Loss: &nextLoss}}}

	merged := mergeResumed(prev, next)

	if !merged.Policy.Equal(p) || *merged.Loss != 0.5 || merged.Iteration != 4 {
		t.Errorf("Expected the earlier best to be kept, got %s %g at %d", merged.Policy, *merged.Loss, merged.Iteration)
	}
	if merged.Iterations != 13 {
		t.Errorf("Expected 13 iterations, got %d", merged.Iterations)
	}
	if len(merged.History) != 2 || merged.History[1].Iteration != 10 {
		t.Errorf("Expected shifted history, got %+v", merged.History)
	}
}

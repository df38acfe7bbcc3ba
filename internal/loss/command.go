package loss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds one external simulator evaluation.
const DefaultCommandTimeout = 10 * time.Minute

// Command evaluates the loss by running an external simulator once per call.
//
// The policy is written to the process's stdin as a JSON object and is also
// appended to the argument list as --name=value flags in sorted name order.
// The last non-empty line on stdout must be the loss as a decimal number.
// A non-zero exit status, a timeout or unparsable output is a simulation failure.
type Command struct {
	Path    string
	Args    []string
	Names   []string
	Timeout time.Duration
	Env     []string
}

// NewCommand creates a command objective accepting params (empty = any name).
func NewCommand(path string, args, params []string, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Command{
		Path:    path,
		Args:    args,
		Names:   params,
		Timeout: timeout,
	}
}

func (c *Command) Params() []string { return c.Names }

// Check verifies that the executable can be found.
// Failing here means the loss function cannot be invoked at all.
func (c *Command) Check() error {
	if c.Path == "" {
		return fmt.Errorf("objective command is empty")
	}
	if _, err := exec.LookPath(c.Path); err != nil {
		return fmt.Errorf("objective command %q not found: %w", c.Path, err)
	}
	return nil
}

func (c *Command) Eval(ctx context.Context, args map[string]float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	input, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("failed to encode policy: %w", err)
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	argv := append([]string(nil), c.Args...)
	for _, name := range names {
		argv = append(argv, "--"+name+"="+strconv.FormatFloat(args[name], 'g', -1, 64))
	}

	cmd := exec.CommandContext(ctx, c.Path, argv...)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	// Orphaned grandchildren can hold stdout open after the kill.
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	slog.Debug("Objective command finished", "command", c.Path, "duration", time.Since(start), "error", runErr)

	if ctx.Err() == context.DeadlineExceeded {
		return 0, &SimulationError{Err: fmt.Errorf("command timed out after %s", c.Timeout)}
	}
	if runErr != nil {
		return 0, &SimulationError{Err: fmt.Errorf("command failed: %w%s", runErr, stderrTail(stderr.String()))}
	}

	line := lastLine(stdout.String())
	if line == "" {
		return 0, &SimulationError{Err: fmt.Errorf("command produced no output")}
	}
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, &SimulationError{Err: fmt.Errorf("cannot parse loss %q: %w", line, err)}
	}
	return v, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	const max = 512
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return " (stderr: " + s + ")"
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lequ02/econ-modelling/internal/policy"
	"github.com/lequ02/econ-modelling/internal/store"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the server's job and status payloads.
type jobStatus struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Config      store.JobConfig `json:"config"`
	BestPolicy  policy.Policy   `json:"bestPolicy"`
	BestLoss    *float64        `json:"bestLoss"`
	InitialLoss *float64        `json:"initialLoss"`
	Iterations  int             `json:"iterations"`
	Evaluations int             `json:"evaluations"`
	Signal      string          `json:"signal"`
	Elapsed     float64         `json:"elapsed"`
	Rate        float64         `json:"rate"`
	Error       string          `json:"error"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		// List all jobs
		return listJobs(out, fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	// Get specific job status
	jobID := args[0]
	return getJobStatus(out, fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func fetch(url string, v any) (int, error) {
	resp, err := http.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listJobs(out io.Writer, url string) error {
	var jobs []jobStatus
	if _, err := fetch(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "Job ID: %s\n", job.ID)
		fmt.Fprintf(out, "  State: %s\n", job.State)
		fmt.Fprintf(out, "  Method: %s\n", job.Config.Method)
		fmt.Fprintf(out, "  Objective: %s\n", job.Config.Objective)
		if job.BestLoss != nil {
			fmt.Fprintf(out, "  Loss: %s -> %s\n", formatLoss(job.InitialLoss), formatLoss(job.BestLoss))
		}
		fmt.Fprintln(out)
	}

	return nil
}

func getJobStatus(out io.Writer, url, jobID string) error {
	var status jobStatus
	code, err := fetch(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	// Display status
	fmt.Fprintf(out, "Job: %s\n", status.ID)
	fmt.Fprintf(out, "State: %s\n", status.State)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Method: %s\n", status.Config.Method)
	fmt.Fprintf(out, "  Objective: %s\n", status.Config.Objective)
	fmt.Fprintf(out, "  Parameters: %v\n", status.Config.Params)
	fmt.Fprintf(out, "  Stopping: %s\n", status.Config.Stopping)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Progress:")
	fmt.Fprintf(out, "  Iterations: %d (%d evaluations)\n", status.Iterations, status.Evaluations)
	fmt.Fprintf(out, "  Initial Loss: %s\n", formatLoss(status.InitialLoss))
	fmt.Fprintf(out, "  Best Loss: %s\n", formatLoss(status.BestLoss))
	if status.InitialLoss != nil && status.BestLoss != nil && *status.InitialLoss != 0 {
		improvement := *status.InitialLoss - *status.BestLoss
		fmt.Fprintf(out, "  Improvement: %.6g (%.1f%%)\n", improvement, improvement / *status.InitialLoss * 100)
	}
	if !status.BestPolicy.IsZero() {
		fmt.Fprintf(out, "  Best Policy: %s\n", status.BestPolicy)
	}
	if status.Signal != "" {
		fmt.Fprintf(out, "  Signal: %s\n", status.Signal)
	}

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(out, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.Rate > 0 {
		fmt.Fprintf(out, "  Throughput: %.1f evaluations/sec\n", status.Rate)
	}

	if status.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", status.Error)
	}

	return nil
}

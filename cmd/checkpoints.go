package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lequ02/econ-modelling/internal/store"
)

var (
	checkpointDataDir string
	checkpointBackend string
	keepLast          int
	olderThanDays     int
	forceClean        bool
	showHistory       bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage optimization checkpoints",
	Long: `Manage optimization checkpoints including listing, inspecting and cleaning old checkpoints.
Checkpoints allow resuming long-running calibrations from their best policy.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	Long:  `Display all checkpoints with metadata including job ID, timestamp, method, iterations, loss and size on disk.`,
	RunE:  runListCheckpoints,
}

var showCheckpointCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old checkpoints and their traces based on retention policy.
You can keep only the N most recent checkpoints or delete checkpoints older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	// Add checkpoints command to root
	rootCmd.AddCommand(checkpointsCmd)

	// Add subcommands
	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(showCheckpointCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	// Global flags for checkpoints command
	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "./data", "Base directory for checkpoint storage")
	checkpointsCmd.PersistentFlags().StringVar(&checkpointBackend, "store", store.BackendFS, "Checkpoint store backend: fs, sqlite")

	showCheckpointCmd.Flags().BoolVar(&showHistory, "history", false, "Print every recorded iteration")

	// Clean command flags
	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the N most recent checkpoints (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	// Create store
	checkpointStore, err := store.Open(checkpointBackend, checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer checkpointStore.Close()

	// List all checkpoints
	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	// Display checkpoints in a table
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTIMESTAMP\tMETHOD\tITERATIONS\tLOSS\tSIGNAL\tSIZE")
	fmt.Fprintln(w, "------\t---------\t------\t----------\t----\t------\t----")

	for _, info := range infos {
		// Traces live under the job directory for both backends.
		size, err := getDirSize(store.JobDir(checkpointDataDir, info.JobID))
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(info.JobID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Method,
			info.Iterations,
			formatLoss(info.Loss),
			info.Signal,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runShowCheckpoint(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.Open(checkpointBackend, checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer checkpointStore.Close()

	cp, err := checkpointStore.LoadCheckpoint(args[0])
	if err != nil {
		return err
	}
	printCheckpoint(cmd.OutOrStdout(), cp, showHistory)
	return nil
}

func printCheckpoint(out io.Writer, cp *store.Checkpoint, history bool) {
	fmt.Fprintf(out, "Job: %s\n", cp.JobID)
	fmt.Fprintf(out, "Saved: %s\n", cp.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "Method: %s\n", cp.Method)
	fmt.Fprintf(out, "Objective: %s\n", cp.Config.Objective)
	fmt.Fprintf(out, "Stopping: %s\n", cp.Config.Stopping)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Best policy: %s\n", cp.Policy)
	fmt.Fprintf(out, "Loss: %s (iteration %d)\n", formatLoss(cp.Loss), cp.Iteration)
	fmt.Fprintf(out, "Signal: %s\n", cp.Signal)
	fmt.Fprintf(out, "Iterations: %d\n", cp.Iterations)

	if !history || len(cp.History) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITERATION\tLOSS\tPOLICY\tFAILURE")
	for _, e := range cp.History {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Iteration, formatLoss(e.Loss), e.Policy, e.Failure)
	}
	w.Flush()
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	// Validate flags
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	// Create store
	checkpointStore, err := store.Open(checkpointBackend, checkpointDataDir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer checkpointStore.Close()

	// List all checkpoints
	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	// Determine which checkpoints to delete
	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)

	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	// Show what will be deleted
	fmt.Printf("Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%d iterations, loss %s, %s)\n",
			shortID(info.JobID),
			info.Iterations,
			formatLoss(info.Loss),
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	// Ask for confirmation unless --force is set
	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Delete checkpoints
	deleted := 0
	failed := 0
	for _, info := range toDelete {
		err := checkpointStore.DeleteCheckpoint(info.JobID)
		if err != nil {
			slog.Error("Failed to delete checkpoint", "job_id", info.JobID, "error", err)
			failed++
		} else {
			slog.Info("Deleted checkpoint", "job_id", info.JobID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion determines which checkpoints should be deleted based on retention policy.
// Each job has a single checkpoint, so --keep-last counts jobs.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int) []store.CheckpointInfo {
	selected := make(map[string]bool)
	var toDelete []store.CheckpointInfo
	add := func(info store.CheckpointInfo) {
		if !selected[info.JobID] {
			selected[info.JobID] = true
			toDelete = append(toDelete, info)
		}
	}

	// Apply age-based deletion
	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				add(info)
			}
		}
	}

	// Apply count-based deletion, oldest first
	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.CheckpointInfo, len(infos))
		copy(sorted, infos)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})
		for _, info := range sorted[:len(sorted)-keepLast] {
			add(info)
		}
	}

	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func formatLoss(loss *float64) string {
	if loss == nil {
		return "none"
	}
	return fmt.Sprintf("%.6g", *loss)
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

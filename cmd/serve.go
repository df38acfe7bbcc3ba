package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lequ02/econ-modelling/internal/server"
	"github.com/lequ02/econ-modelling/internal/store"
)

var (
	serveAddr         string
	healthAddr        string
	serveDataDir      string
	serveBackend      string
	allowCommand      bool
	shutdownGraceTime time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job server",
	Long: `Starts the HTTP job API and a gRPC health service. Jobs are submitted as JSON
run configurations to POST /api/v1/jobs and run in the background; their
traces and final checkpoints go to the checkpoint store.

Command objectives run arbitrary programs on this host and are refused unless
--allow-command is given.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "HTTP listen address")
	serveCmd.Flags().StringVar(&healthAddr, "health-addr", ":9090", "gRPC health listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./data", "Checkpoint store directory")
	serveCmd.Flags().StringVar(&serveBackend, "store", store.BackendFS, "Checkpoint store backend: fs, sqlite")
	serveCmd.Flags().BoolVar(&allowCommand, "allow-command", false, "Accept jobs with command objectives")
	serveCmd.Flags().DurationVar(&shutdownGraceTime, "shutdown-timeout", 30*time.Second, "Time allowed for running jobs to checkpoint on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := store.Open(serveBackend, serveDataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	lis, err := net.Listen("tcp", healthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health: %w", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(serveAddr, st, allowCommand)
	health := server.NewHealthServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return health.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown requested")
		health.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceTime)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped")
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/l7plane/internal/core/api"
	"github.com/solatis/l7plane/internal/core/server"
	"github.com/solatis/l7plane/internal/core/service"
	"github.com/solatis/l7plane/internal/dataplane/fileagent"
	"github.com/solatis/l7plane/internal/dispatch"
	"github.com/solatis/l7plane/internal/reconciler"
	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC API, the reconciler and the file data plane",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50051, "gRPC server port")
	serveCmd.Flags().String("data-dir", "./data", "directory the file data plane writes listener configuration to")
	serveCmd.Flags().Bool("migrate", false, "apply pending migrations before starting")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	migrate, _ := cmd.Flags().GetBool("migrate")

	s, err := openStore(cfg, migrate)
	if err != nil {
		return err
	}
	defer s.Close()

	agent, err := fileagent.New(fileagent.Config{
		DataDir:     cfg.DataPlane.DataDir,
		AllowCustom: cfg.DataPlane.AllowCustom,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to start data plane: %w", err)
	}
	defer agent.Close()

	locker := store.NewLocker()
	tracker := status.NewTracker(s, logger)
	dispatcher := dispatch.New(agent, s, tracker, dispatch.Policy{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		BaseDelay:      cfg.Dispatch.BaseDelay,
		MaxDelay:       cfg.Dispatch.MaxDelay,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
	}, logger)
	rec := reconciler.New(s, locker, rules.NewEngine(), tracker, dispatcher, reconciler.Config{
		Interval:       cfg.Reconciler.Interval,
		MaxConcurrency: cfg.Reconciler.MaxConcurrency,
		NackThreshold:  cfg.Reconciler.NackThreshold,
	}, logger)

	svc, err := service.New(s, locker, tracker, rec, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	rpc, err := api.NewListenerRulesService(svc)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	grpcServer, err := server.NewGRPCServer(&cfg.Server, rpc, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := grpcServer.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Str("addr", grpcServer.Addr().String()).
		Str("data_dir", cfg.DataPlane.DataDir).
		Msg("starting l7plane")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

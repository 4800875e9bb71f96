package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/glinharesb/quorum-vault/internal/audit"
	"github.com/glinharesb/quorum-vault/internal/config"
	"github.com/glinharesb/quorum-vault/internal/coordinator"
	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/hsm"
	"github.com/glinharesb/quorum-vault/internal/metrics"
	"github.com/glinharesb/quorum-vault/internal/ops"
	"github.com/glinharesb/quorum-vault/internal/provision"
	"github.com/glinharesb/quorum-vault/internal/server"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signing authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load[config.Server](cmd, config.ServerDefaults(), *cfgFile)
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: 2, err: fmt.Errorf("invalid config: %w", err)}
			}
			return serve(cmd.Context(), cfg)
		},
	}
	addServerFlags(cmd)
	return cmd
}

func serve(parent context.Context, cfg config.Server) error {
	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()

	device, keys, err := openDevice(cfg.HSM, log)
	if err != nil {
		return err
	}
	backend := hsm.NewBackend(device, credential(cfg.HSM),
		hsm.WithMaxSessions(cfg.HSM.MaxSessions),
		hsm.WithLogger(log.With("component", "hsm")),
		hsm.WithObserver(m),
	)
	if err := backend.Probe(ctx); err != nil {
		if errs.Is(err, errs.DeviceAuth) {
			return &exitError{code: 1, err: fmt.Errorf("hsm credential rejected: %w", err)}
		}
		log.Warn("hsm not reachable at startup", "error", err)
	}

	auditLog := audit.NewLogger(cfg.AuditBuffer, os.Stdout)
	defer auditLog.Close()
	m.GaugeFunc("audit_dropped_entries", "Audit entries dropped because the buffer was full or closed.", func() float64 {
		return float64(auditLog.Dropped())
	})

	svc := coordinator.New(st, backend,
		coordinator.WithConfig(coordinator.Config{
			DefaultTTL:    cfg.Requests.DefaultTTL,
			SweepInterval: cfg.Requests.SweepInterval,
			AutoRetry:     cfg.Requests.AutoRetry,
		}),
		coordinator.WithAuditor(auditLog),
		coordinator.WithObserver(m),
		coordinator.WithLogger(log.With("component", "coordinator")),
	)

	if cfg.ProvisionFile != "" {
		manifest, err := provision.Load(cfg.ProvisionFile)
		if err != nil {
			return err
		}
		if _, err := provision.Apply(ctx, svc, keys, manifest, log); err != nil {
			return fmt.Errorf("provision: %w", err)
		}
	}

	opts := server.Options{
		AuthToken:    cfg.AuthToken,
		RateLimitRPS: cfg.RateLimitRPS,
		Log:          log.With("component", "grpc"),
		Metrics:      m,
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load tls: %w", err)
		}
		opts.Creds = creds
	}
	grpcSrv := server.NewGRPCServer(svc, auditLog, opts)

	opsSrv := ops.New(&ops.Config{
		ListenAddr:               cfg.OpsAddr,
		AuthToken:                cfg.AuthToken,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		Metrics:                  m.Handler(),
		Ready:                    backend.Probe,
		GracefulShutdownDuration: cfg.ShutdownTimeout,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             30 * time.Second,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.Info("server starting", "addr", cfg.GRPCAddr, "tls", opts.Creds != nil)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(opsSrv.ListenAndServe)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			log.Info("shutting down")
		case reason := <-opsSrv.ShutdownRequested():
			log.Info("shutting down", "reason", reason)
		}
		cancel()
		opsSrv.SetReady(false)
		shutdown(log, grpcSrv, svc, cfg.ShutdownTimeout)
		opsSrv.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// shutdown stops accepting RPCs, lets in-flight ones finish within
// timeout and then waits for outstanding device calls.
func shutdown(log *slog.Logger, srv *grpc.Server, svc *coordinator.Service, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("graceful shutdown timed out, forcing stop")
		srv.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := svc.Drain(ctx); err != nil {
		log.Error("device calls still in flight at exit", "error", err)
	}
}

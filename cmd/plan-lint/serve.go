package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/plan-lint/internal/server"
	"github.com/polisai/plan-lint/internal/tls"
	"github.com/polisai/plan-lint/pkg/config"
	"github.com/polisai/plan-lint/pkg/loader"
	"github.com/polisai/plan-lint/pkg/policy"
	"github.com/polisai/plan-lint/pkg/telemetry"
	"github.com/polisai/plan-lint/pkg/validator"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve plan validation over HTTP",
		Long: `Run an HTTP service that validates plans posted to /v1/validate.

The policy file is watched and reloaded on change; a policy that fails to
load leaves the previous one in effect. Prometheus metrics are exposed on
/metrics and liveness on /healthz.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().String("listen", "", "Address to listen on (overrides config)")
	cmd.Flags().StringP("engine", "e", "", "Evaluation engine (builtin, opa, opa-embedded)")
	cmd.Flags().String("opa-path", "", "Path to the opa executable")
	cmd.Flags().String("rego", "", "Rego module evaluated instead of the compiled policy (opa engines only)")
	cmd.Flags().Bool("no-watch", false, "Do not reload the policy file on change")
	cmd.Flags().String("tls-cert", "", "PEM certificate for HTTPS")
	cmd.Flags().String("tls-key", "", "PEM private key for HTTPS")
	cmd.Flags().String("tls-client-ca", "", "PEM CA bundle; clients must present a certificate it signs")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	explicit := engineExplicit(cmd.Flags().Changed("engine"), cfg.Engine.Backend)
	if err := cfg.Server.TLS.Validate(); err != nil {
		return err
	}
	if cfg.Policy == "" {
		return fmt.Errorf("a policy is required: use --policy or set policy in the config file")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer setupTracing(ctx, cfg)()

	logger := slog.Default()
	metrics := telemetry.NewMetrics()
	engine := policy.NewEngine(policy.EngineOptions{CacheMaxEntries: cfg.Engine.CacheMax})

	policies, closePolicies, err := openPolicies(cfg, logger, metrics, engine)
	if err != nil {
		return err
	}
	defer closePolicies()

	var rego string
	if cfg.Rego != "" {
		if rego, err = readRego(cfg.Rego); err != nil {
			return err
		}
	}

	v, err := newServeValidator(cfg, explicit, policies.Current().IsRego() || rego != "", logger, metrics, engine)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Validator:    v,
		Policies:     policies,
		Rego:         rego,
		Metrics:      metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	return listenAndServe(ctx, cfg.Server, srv.Handler(), logger)
}

// newServeValidator builds the validator shared by every request. Rego
// policies select the external OPA engine unless one was chosen.
func newServeValidator(cfg *config.Config, explicit, rego bool, logger *slog.Logger, metrics *telemetry.Metrics, engine *policy.Engine) (*validator.Validator, error) {
	backend, err := validator.ParseBackend(cfg.Engine.Backend)
	if err != nil {
		return nil, err
	}
	backend = backendFor(backend, explicit, rego)
	if rego && backend == validator.BackendBuiltin {
		return nil, fmt.Errorf("%s is a Rego module; use --engine opa or opa-embedded", cfg.Policy)
	}

	return validator.New(validator.Options{
		Backend: backend,
		OPAPath: cfg.Engine.OPAPath,
		Timeout: cfg.Engine.Timeout,
		Logger:  logger,
		Metrics: metrics,
		Engine:  engine,
	})
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Address, _ = flags.GetString("listen")
	}
	if flags.Changed("engine") {
		cfg.Engine.Backend, _ = flags.GetString("engine")
	}
	if flags.Changed("opa-path") {
		cfg.Engine.OPAPath, _ = flags.GetString("opa-path")
	}
	if flags.Changed("rego") {
		cfg.Rego, _ = flags.GetString("rego")
	}
	if noWatch, _ := flags.GetBool("no-watch"); noWatch {
		cfg.Server.WatchPolicy = false
	}
	if flags.Changed("tls-cert") {
		cfg.Server.TLS.CertFile, _ = flags.GetString("tls-cert")
	}
	if flags.Changed("tls-key") {
		cfg.Server.TLS.KeyFile, _ = flags.GetString("tls-key")
	}
	if flags.Changed("tls-client-ca") {
		cfg.Server.TLS.ClientCAFile, _ = flags.GetString("tls-client-ca")
	}
}

func openPolicies(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics, engine *policy.Engine) (server.PolicySource, func(), error) {
	if !cfg.Server.WatchPolicy {
		doc, err := loader.LoadPolicy(cfg.Policy)
		if err != nil {
			return nil, nil, err
		}
		return server.StaticPolicy{Doc: doc}, func() {}, nil
	}

	watcher, err := config.NewPolicyWatcher(cfg.Policy, logger)
	if err != nil {
		return nil, nil, err
	}
	watcher.OnReload(func(_ *loader.PolicyDocument, err error) {
		metrics.RecordPolicyReload(err == nil)
		if err == nil {
			engine.FlushCache()
		}
	})
	return watcher, func() {
		if err := watcher.Close(); err != nil {
			logger.Warn("Failed to close policy watcher", "error", err)
		}
	}, nil
}

func listenAndServe(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	inner, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Address, err)
	}
	listener, err := tls.Listen(inner, cfg.TLS)
	if err != nil {
		_ = inner.Close()
		return err
	}
	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String(), "tls", cfg.TLS.Enabled())

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/punchsync/internal/config"
	"github.com/roach88/punchsync/internal/connector"
	"github.com/roach88/punchsync/internal/devices"
	"github.com/roach88/punchsync/internal/gateway"
	"github.com/roach88/punchsync/internal/metrics"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ListenAddr  string
	MetricsAddr string
	NoDevices   bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion gateway and device workers",
		Long: `Run punchsync: the HTTP ingestion gateway for push devices, one
supervised worker per poll or stream device, and the background
re-resolution of unresolved punches.

Runs until interrupted (SIGINT or SIGTERM), then drains and shuts down.

Example:
  punchsync serve --config ./punchsync.yaml
  punchsync serve --db ./punchsync.db --listen :8080 --metrics :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "Prometheus listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoDevices, "no-devices", false, "do not start device workers (push only)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	e, err := setup(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.cfg
	if opts.ListenAddr != "" {
		cfg.HTTP.ListenAddr = opts.ListenAddr
	}
	if opts.MetricsAddr != "" {
		cfg.HTTP.MetricsAddr = opts.MetricsAddr
	}
	log := e.log

	m := metrics.New()
	pipe := e.newPipeline(m)

	var mgr *devices.Manager
	if !opts.NoDevices {
		mgr = newManager(cfg, e, pipe, m)
	}

	deps := gateway.Deps{
		Store:    e.store,
		Pipeline: pipe,
		Amender:  pipe.Reconciler(),
		Metrics:  m,
	}
	if mgr != nil {
		deps.Devices = mgr
	}
	srv, err := gateway.New(httpServerConfig(cfg, log), deps)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pipe.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})
	if mgr != nil {
		g.Go(func() error {
			return mgr.Run(gctx)
		})
	}

	srv.RunInBackground()
	g.Go(func() error {
		select {
		case err := <-srv.Err():
			return err
		case <-gctx.Done():
			return nil
		}
	})

	log.Info("punchsync started", "listen", cfg.HTTP.ListenAddr, "db", cfg.Database, "devices", mgr != nil)
	fmt.Fprintf(cmd.OutOrStdout(), "punchsync listening on %s\n", cfg.HTTP.ListenAddr)

	err = g.Wait()
	srv.Shutdown()
	if err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	log.Info("punchsync stopped gracefully")
	return nil
}

func httpServerConfig(cfg config.Config, log *slog.Logger) *gateway.HTTPServerConfig {
	return &gateway.HTTPServerConfig{
		ListenAddr:               cfg.HTTP.ListenAddr,
		MetricsAddr:              cfg.HTTP.MetricsAddr,
		EnablePprof:              cfg.HTTP.EnablePprof,
		AdminToken:               cfg.HTTP.AdminToken,
		Log:                      log,
		DrainDuration:            cfg.HTTP.DrainDuration,
		GracefulShutdownDuration: cfg.HTTP.ShutdownTimeout,
		ReadTimeout:              cfg.HTTP.ReadTimeout,
		WriteTimeout:             cfg.HTTP.WriteTimeout,
		Ingest:                   cfg.Ingest,
		MDNS:                     cfg.MDNS,
	}
}

// newManager wires the device connection manager with the default transports.
func newManager(cfg config.Config, e *env, sink devices.Sink, m *metrics.Metrics) *devices.Manager {
	client := &http.Client{Timeout: cfg.Devices.PollTimeout}
	factory := connector.NewDefaultFactory(client, cfg.Classifier(), connector.MQTTConfig(cfg.MQTT), e.log)
	return devices.NewManager(e.store, sink, factory, devices.Config(cfg.Devices),
		devices.WithMetrics(m),
		devices.WithLogger(e.log),
	)
}

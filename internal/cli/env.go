package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/punchsync/internal/config"
	"github.com/roach88/punchsync/internal/logging"
	"github.com/roach88/punchsync/internal/metrics"
	"github.com/roach88/punchsync/internal/pipeline"
	"github.com/roach88/punchsync/internal/store"
)

// env is the loaded configuration, logger and store shared by commands.
type env struct {
	cfg    config.Config
	log    *slog.Logger
	store  *store.Store
	closer io.Closer
}

// loadConfig reads the configuration the global flags point at.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// setup loads configuration, installs the default logger and opens the store.
func setup(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	log, closer, err := logging.New(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	slog.SetDefault(log)

	log.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		closer.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return &env{cfg: cfg, log: log, store: st, closer: closer}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.log.Error("error closing database", "err", err)
	}
	e.closer.Close()
}

// formatter returns the output formatter for a command.
func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// render writes data as JSON, or through text in text format.
func render(opts *RootOptions, cmd *cobra.Command, data any, text func(w io.Writer)) error {
	if opts.Format == "json" {
		return formatter(opts, cmd).Success(data)
	}
	text(cmd.OutOrStdout())
	return nil
}

// newPipeline builds the ingestion pipeline from the reconcile settings.
// m may be nil for one-shot commands.
func (e *env) newPipeline(m *metrics.Metrics) *pipeline.Pipeline {
	return pipeline.New(e.store, pipeline.Options{
		OvernightGrace:  e.cfg.Reconcile.OvernightGrace,
		LockStripes:     e.cfg.Reconcile.LockStripes,
		RetryMaxElapsed: e.cfg.Reconcile.RetryMaxElapsed,
		SweepInterval:   e.cfg.Reconcile.SweepInterval,
		Metrics:         m,
		Log:             e.log,
	})
}

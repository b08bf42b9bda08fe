package cli

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roach88/replica/internal/catalog"
	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replication"
)

// loadConfig reads --config (defaults when unset) and applies the --db and
// --tenant overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		var err error
		if cfg, err = config.Load(o.Config); err != nil {
			return nil, err
		}
	}
	if o.DB != "" {
		cfg.Database.Path = o.DB
	}
	if o.Tenant != "" {
		cfg.Tenant = o.Tenant
	}
	return cfg, cfg.Validate()
}

// loadCatalog compiles --catalog, then the catalog named by cfg, then the
// built-in catalog.
func (o *RootOptions) loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	path := o.Catalog
	if path == "" {
		path = cfg.Catalog
	}
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

// newLogger builds the command logger. Without --verbose only warnings and
// errors reach stderr, whatever the configured level.
func (o *RootOptions) newLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := cfg.Logging
	if o.Verbose {
		lc.Level = "debug"
	} else if level, err := zapcore.ParseLevel(lc.Level); err == nil && level < zapcore.WarnLevel {
		lc.Level = "warn"
	}
	return lc.NewLogger()
}

// session is an open runtime plus what it was built from. registry is nil
// when metrics are disabled.
type session struct {
	cfg      *config.Config
	rt       *replication.Runtime
	logger   *zap.Logger
	registry *prometheus.Registry
}

func (s *session) close(ctx context.Context) {
	if err := s.rt.Close(ctx); err != nil {
		s.logger.Warn("close runtime", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// openLocal opens the local cache with no backend: the network monitor
// reports offline, so nothing is pulled or submitted.
func (o *RootOptions) openLocal(cmd *cobra.Command, f *OutputFormatter) (*session, error) {
	src := remote.NewMemory(nil)
	src.SetOnline(false)
	return o.open(cmd, f, src, network.NewMonitor(false))
}

func (o *RootOptions) open(cmd *cobra.Command, f *OutputFormatter, src remote.Source, mon *network.Monitor) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	cat, err := o.loadCatalog(cfg)
	if err != nil {
		return nil, catalogFailure(f, err)
	}
	logger, err := o.newLogger(cfg)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid logging configuration", err)
	}

	ropts := []replication.Option{
		replication.WithLogger(logger),
		replication.WithMonitor(mon),
	}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		ropts = append(ropts, replication.WithRegisterer(reg))
	}

	f.VerboseLog("Opening %s (tenant %s, %d tables)", cfg.Database.Path, cfg.Tenant, len(cat.Tables))
	rt, err := replication.Open(commandContext(cmd), cfg, cat, src, ropts...)
	if err != nil {
		_ = logger.Sync()
		return nil, f.Fail(ExitCommandError, ErrCodeStorage, "failed to open cache", err)
	}
	for name, initErr := range rt.InitErrors() {
		f.VerboseLog("Table %s failed to initialize: %v", name, initErr)
	}
	return &session{cfg: cfg, rt: rt, logger: logger, registry: reg}, nil
}

func catalogFailure(f *OutputFormatter, err error) error {
	var cErr *catalog.CompileError
	if errors.As(err, &cErr) {
		return f.Fail(ExitFailure, ErrCodeCatalog, "invalid catalog", cErr)
	}
	return f.Fail(ExitCommandError, ErrCodeCatalog, "failed to load catalog", err)
}

// commandContext returns cmd's context, or Background when the command was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

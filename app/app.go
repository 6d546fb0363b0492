// Package app wires the job protocol into a daemon: ledger, prover, archive,
// mirror, sweeps, the HTTP API, health checks and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cosmossdk.io/log"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/paw-chain/mosaic/api"
	"github.com/paw-chain/mosaic/app/health"
	"github.com/paw-chain/mosaic/app/telemetry"
	"github.com/paw-chain/mosaic/x/jobs/archive"
	"github.com/paw-chain/mosaic/x/jobs/chain"
	"github.com/paw-chain/mosaic/x/jobs/circuits"
	"github.com/paw-chain/mosaic/x/jobs/keeper"
	"github.com/paw-chain/mosaic/x/jobs/prover"
	"github.com/paw-chain/mosaic/x/jobs/settlement"
	"github.com/paw-chain/mosaic/x/jobs/types"
)

// Version is set at build time.
var Version = "dev"

const (
	// submittedBacklog is the SUBMITTED job count above which the ledger
	// reports degraded.
	submittedBacklog = 1000

	slowMirror = 2 * time.Second

	eventBuffer = 256
)

// App is a fully wired mosaicd node.
type App struct {
	Config Config
	Logger log.Logger

	Bank         *keeper.MemBank
	Keeper       *keeper.Keeper
	Gate         *keeper.Gate
	Registry     *circuits.Registry
	Adapter      *prover.Adapter
	Orchestrator *settlement.Orchestrator
	Runner       *settlement.Runner
	Events       *settlement.Broadcaster
	Archive      archive.Store
	Mirror       chain.Mirror

	Health    *health.Checker
	API       *api.Server
	Telemetry *telemetry.Provider
	Metrics   *prometheus.Registry
}

// New builds every component from cfg. It does not open listeners; call
// Start for that.
func New(ctx context.Context, cfg Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: prometheus.NewRegistry(),
		Events:  settlement.NewBroadcaster(eventBuffer),
	}
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	tcfg := cfg.Telemetry
	tcfg.PrometheusEnabled = tcfg.Enabled && cfg.MetricsAddr != ""
	tp, err := telemetry.NewProvider(tcfg)
	if err != nil {
		return nil, err
	}
	a.Telemetry = tp

	a.Registry = circuits.NewRegistry(logger)
	if err := a.loadCircuits(); err != nil {
		return nil, err
	}

	a.Bank = keeper.NewMemBank()
	for account, amount := range cfg.Allocations {
		a.Bank.Mint(account, cfg.Params.StakeDenom, amount)
	}

	if a.Archive, err = openArchive(ctx, cfg); err != nil {
		return nil, err
	}

	sink := settlement.MultiSink{settlement.NewLogSink(logger), a.Events}
	opts := []keeper.Option{
		keeper.WithEventSink(sink),
		keeper.WithVerifier(a.Registry),
		keeper.WithMetrics(keeper.NewMetrics(a.Metrics)),
		keeper.WithOperators(cfg.Operators...),
	}
	if a.Archive != nil {
		opts = append(opts, keeper.WithArchive(a.Archive))
	}
	if cfg.MirrorEnabled {
		contract := chain.NewMemContract(time.Now, cfg.Params.GasBufferPercentage)
		a.Mirror = chain.NewRetryingMirror(contract, cfg.Mirror, logger)
		opts = append(opts, keeper.WithMirror(a.Mirror))
	}
	a.Keeper, err = keeper.NewKeeper(cfg.Params, a.Bank, logger, opts...)
	if err != nil {
		return nil, err
	}
	a.Gate = keeper.NewGate(a.Keeper)

	var provider prover.ProofProvider
	switch cfg.ProverBackend {
	case ProverProcess:
		provider = prover.NewProcessProvider(cfg.ProverCommand, cfg.ProverArgs, 30*time.Second)
	default:
		provider = prover.NewGroth16Provider(a.Registry)
	}
	a.Adapter = prover.NewAdapter(provider, a.Registry, cfg.Params, logger,
		prover.WithMetrics(prover.NewMetrics(a.Metrics)))
	if cfg.StaticProofPath != "" {
		if err := a.Adapter.LoadStaticArtifact(cfg.StaticProofPath); err != nil {
			return nil, fmt.Errorf("load static proof: %w", err)
		}
	}

	var orders api.OrderRunner
	if cfg.Worker != "" && cfg.ExecutorCommand != "" {
		exec := &settlement.CommandExecutor{
			Command: cfg.ExecutorCommand,
			Args:    cfg.ExecutorArgs,
			Timeout: cfg.ExecutorTimeout,
		}
		a.Orchestrator, err = settlement.NewOrchestrator(a.Keeper, a.Adapter, exec, cfg.Worker, logger,
			settlement.WithEventSink(sink), settlement.WithMeter(a.Telemetry.Meter()))
		if err != nil {
			return nil, err
		}
		orders = a.Orchestrator
	} else {
		logger.Info("no worker or executor configured; orders are disabled")
	}
	a.Runner = settlement.NewRunner(a.Keeper, cfg.SweepInterval, logger)

	if a.Health, err = a.newHealthChecker(); err != nil {
		return nil, err
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = cfg.APIAddr
	apiCfg.JWTSecret = []byte(cfg.JWTSecret)
	apiCfg.CORSOrigins = cfg.CORSOrigins
	if cfg.RateLimit > 0 {
		apiCfg.RateLimit.RPS = cfg.RateLimit
		apiCfg.RateLimit.Burst = max(cfg.RateBurst, 1)
	} else {
		apiCfg.RateLimit.Enabled = false
	}
	deps := api.Deps{
		Keeper:  a.Keeper,
		Gate:    a.Gate,
		Orders:  orders,
		Archive: a.Archive,
		Events:  a.Events,
	}
	if a.API, err = api.NewServer(deps, apiCfg, logger); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// loadCircuits reads keys from KeysDir and sets up configured models that
// have none. Only the in-process prover can use freshly generated keys, so
// the process backend requires them on disk.
func (a *App) loadCircuits() error {
	cfg := a.Config
	if _, err := os.Stat(cfg.KeysDir); err == nil {
		if err := a.Registry.Load(cfg.KeysDir); err != nil {
			return err
		}
	}

	var created bool
	for _, model := range cfg.Models {
		if a.Registry.HasVerifyingKey(model) {
			continue
		}
		if cfg.ProverBackend == ProverProcess {
			return fmt.Errorf("no verifying key for model %q in %s", model, cfg.KeysDir)
		}
		a.Logger.Info("generating circuit keys", "model_id", model)
		if err := a.Registry.Setup(model); err != nil {
			return err
		}
		created = true
	}
	if created {
		return a.Registry.Save(cfg.KeysDir)
	}
	return nil
}

func openArchive(ctx context.Context, cfg Config) (archive.Store, error) {
	switch cfg.ArchiveBackend {
	case ArchiveMemory:
		return archive.NewLevelStore(dbm.NewMemDB()), nil
	case ArchiveLevelDB:
		return archive.OpenLevelStore("archive", cfg.ArchiveDir)
	case ArchivePostgres:
		return archive.NewPostgresStore(ctx, cfg.ArchiveDSN)
	default:
		return nil, nil
	}
}

func (a *App) newHealthChecker() (*health.Checker, error) {
	hcfg := health.DefaultConfig()
	hcfg.Version = Version
	checker, err := health.NewChecker(a.Logger, hcfg)
	if err != nil {
		return nil, err
	}
	checker.Register("ledger", health.LedgerCheck(a.Keeper, submittedBacklog))
	checker.Register("prover", health.ProverCheck(a.Adapter, a.Config.Params.FallbackEnabled))
	if a.Mirror != nil {
		checker.Register("mirror", health.MirrorCheck(a.Mirror, slowMirror))
	}
	if a.Archive != nil {
		checker.RegisterDetailed("archive", health.ArchiveCheck(a.Archive))
	}
	checker.RegisterDetailed("telemetry", func(context.Context) health.ComponentHealth {
		if err := a.Telemetry.HealthCheck(); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusHealthy}
	})
	return checker, nil
}

// HealthHandler serves /health, /health/ready and /health/detailed.
func (a *App) HealthHandler() http.Handler {
	router := mux.NewRouter()
	a.Health.RegisterRoutes(router)
	return handlers.CORS(
		handlers.AllowedOrigins(a.Config.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet}),
	)(router)
}

// MetricsHandler serves the node registry and the OpenTelemetry exporter's
// default-registry metrics on /metrics.
func (a *App) MetricsHandler() http.Handler {
	router := mux.NewRouter()
	gatherers := prometheus.Gatherers{a.Metrics, prometheus.DefaultGatherer}
	router.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	return router
}

// Start runs the sweeper and every listener until ctx is cancelled or one of
// them fails.
func (a *App) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Runner.Run(ctx) })
	g.Go(func() error { return a.API.Start(ctx) })
	if a.Config.HealthAddr != "" {
		g.Go(func() error { return serve(ctx, a.Logger, "health", a.Config.HealthAddr, a.HealthHandler()) })
	}
	if a.Config.MetricsAddr != "" {
		g.Go(func() error { return serve(ctx, a.Logger, "metrics", a.Config.MetricsAddr, a.MetricsHandler()) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(ctx context.Context, logger log.Logger, name, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "server", name, "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the archive and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.API != nil {
		a.API.Close()
	}
	if a.Archive != nil {
		errs = append(errs, a.Archive.Close())
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RunOrder runs one order through the node's worker.
func (a *App) RunOrder(ctx context.Context, order settlement.Order) (*settlement.Outcome, error) {
	if a.Orchestrator == nil {
		return nil, types.ErrUnauthorized.Wrap("no worker and executor configured")
	}
	return a.Orchestrator.Run(ctx, order)
}

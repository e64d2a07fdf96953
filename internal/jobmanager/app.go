package jobmanager

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/app"
	"github.com/liveq/jobmanager/internal/common/health"
	"github.com/liveq/jobmanager/internal/common/logging"
	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/util"
	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/configuration"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/interpolator"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/jobevents"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/merger"
	"github.com/liveq/jobmanager/internal/jobmanager/metrics"
	"github.com/liveq/jobmanager/internal/jobmanager/results"
	"github.com/liveq/jobmanager/internal/jobmanager/scheduler"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
	"github.com/liveq/jobmanager/internal/jobmanager/workerpool"
)

const httpShutdownTimeout = 5 * time.Second

// Run sets up a job manager and runs it until a SIGTERM is received.
func Run(config configuration.Configuration) error {
	logging.MustConfigureLogging(config.Logging)
	ctx := app.CreateContextWithShutdown()
	g, ctx := lqcontext.ErrGroup(ctx)
	clk := clock.RealClock{}

	startupCompleteCheck := health.NewStartupCompleteChecker()
	checks := []health.Checker{startupCompleteCheck}

	// Services are started together once everything has been set up.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Labs and quantisation
	//////////////////////////////////////////////////////////////////////////
	labs, err := lab.NewRegistry(config.Labs...)
	if err != nil {
		return errors.WithMessage(err, "error loading labs")
	}
	quantisation, err := tune.QuantisationTableFromOptions(TuningOptions(config.Tuning, config.Labs))
	if err != nil {
		return errors.WithMessage(err, "error loading tuning options")
	}

	//////////////////////////////////////////////////////////////////////////
	// Bus
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Connecting to %s bus", config.Bus.Type)
	b, err := createBus(ctx, config.Bus)
	if err != nil {
		return err
	}
	defer util.CloseResource("bus", b)
	checks = append(checks, b)

	//////////////////////////////////////////////////////////////////////////
	// Job store and job events
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Opening %s job store", config.Store.Type)
	jobRepository, err := createJobRepository(ctx, config.Store)
	if err != nil {
		return err
	}
	defer util.CloseResource("job store", jobRepository)
	checks = append(checks, jobRepository)

	publisher, err := createPublisher(config.Events)
	if err != nil {
		return err
	}
	defer util.CloseResource("job event publisher", publisher)

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	registry := prometheus.NewRegistry()
	jobManagerMetrics := metrics.New()
	if err := jobManagerMetrics.Register(registry); err != nil {
		return errors.WithMessage(err, "error registering metrics")
	}

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	agents, err := agentdb.NewAgentDb(agentdb.Config{
		FailureDelay:      config.FailureDelay,
		FailureLimit:      config.FailureLimit,
		FailureRetryDelay: config.FailureRetryDelay,
	}, clk)
	if err != nil {
		return errors.WithMessage(err, "error creating agent registry")
	}
	if err := registry.Register(metrics.NewAgentCollector(agents, clk.Now)); err != nil {
		return errors.WithMessage(err, "error registering agent metrics")
	}

	packing := histogram.Options{Compress: config.Interpolator.Compress, Encode: config.Interpolator.Encode}
	cache := interpolator.NewCache(interpolator.Config{
		BudgetPerLab:      config.Interpolator.BudgetPerLab,
		NeighborhoodScale: config.Interpolator.NeighborhoodScale,
		MinEvents:         config.MinEventThreshold,
	}, labs, quantisation)
	interpolatorService := interpolator.NewService(cache, b, packing)
	services = append(services, func() error { return interpolatorService.Run(ctx) })

	pool := workerpool.New(workerpool.Config{
		Workers:   config.Persistence.Workers,
		QueueSize: config.Persistence.QueueSize,
	}, jobManagerMetrics.ObserveTask)
	services = append(services, func() error { return pool.Run(ctx) })

	writer := results.NewWriter(results.Config{
		Dir:            config.ResultsPath,
		MaxRetries:     config.Persistence.MaxRetries,
		InitialBackoff: config.Persistence.InitialBackoff,
		MaxBackoff:     config.Persistence.MaxBackoff,
	})

	s := scheduler.New(
		SchedulerConfig(config),
		b,
		labs,
		quantisation,
		agents,
		jobRepository,
		merger.New(config.Merger.MaxQueuedFrames, clk),
		cache,
		pool,
		writer,
		publisher,
		jobManagerMetrics,
		clk,
	)
	services = append(services, func() error { return s.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Health and metrics endpoints
	//////////////////////////////////////////////////////////////////////////
	if config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		health.SetupHttpMux(mux, health.NewMultiChecker(checks...))
		server := &http.Server{Addr: fmt.Sprintf(":%d", config.MetricsPort), Handler: mux}
		services = append(services, func() error { return serveHttp(ctx, server) })
	}

	for _, service := range services {
		g.Go(service)
	}

	// Startup completes once the scheduler has recovered unfinished jobs and listens on the bus.
	select {
	case <-s.Ready():
		startupCompleteCheck.MarkComplete()
		ctx.Log.Info("Job manager started")
	case <-ctx.Done():
	}

	return g.Wait()
}

// SchedulerConfig collects the scheduler settings spread over the configuration file.
func SchedulerConfig(config configuration.Configuration) scheduler.Config {
	return scheduler.Config{
		TrustedChannels:         config.TrustedChannels,
		MinEvents:               config.MinEventThreshold,
		DefaultEvents:           config.Scheduler.DefaultEvents,
		DefaultTeam:             config.Scheduler.DefaultTeam,
		MaxAgentsPerJob:         config.Scheduler.MaxAgentsPerJob,
		MaxRedistributionRounds: config.Scheduler.MaxRedistributionRounds,
		RequestTimeout:          config.Bus.RequestTimeout,
		HeartbeatTimeout:        config.Scheduler.HeartbeatTimeout,
		DrainGrace:              config.Scheduler.DrainGrace,
		RecoveryGrace:           config.Scheduler.RecoveryGrace,
		PartialInterval:         config.Scheduler.PartialInterval,
		ScheduleDeadline:        config.Scheduler.ScheduleDeadline,
		ReplacementGrace:        config.Scheduler.ReplacementGrace,
		PresenceTimeout:         config.Scheduler.PresenceTimeout,
		EvictAfter:              config.Scheduler.EvictAfter,
		TickInterval:            config.Scheduler.TickInterval,
		CancelledJobRetention:   config.Scheduler.CancelledJobRetention,
		Quotas:                  config.Scheduler.Quotas,
		Packing:                 histogram.Options{Compress: config.Interpolator.Compress, Encode: config.Interpolator.Encode},
	}
}

// TuningOptions restores the parameter names of tuning options. Configuration keys are case-insensitive, so
// round-timeshower:alphasvalue is renamed to round-TimeShower:alphaSvalue when a lab exposes that parameter.
func TuningOptions(tuning map[string]float64, labs []lab.Lab) map[string]float64 {
	names := map[string]string{}
	for _, l := range labs {
		for _, p := range l.Parameters {
			names[strings.ToLower(p)] = p
		}
	}
	options := make(map[string]float64, len(tuning))
	for key, value := range tuning {
		prefix, name, found := strings.Cut(key, "-")
		if canonical, ok := names[strings.ToLower(name)]; found && ok {
			key = prefix + "-" + canonical
		}
		options[key] = value
	}
	return options
}

func createBus(ctx *lqcontext.Context, config configuration.BusConfig) (bus.Bus, error) {
	switch config.Type {
	case configuration.BusMemory:
		log.Warn("Using the in-memory bus; only agents within this process can connect")
		return bus.NewInMemoryBus(ctx, bus.NewInMemoryHub()), nil
	case configuration.BusNats:
		b, err := bus.ConnectNats(ctx, config.Nats)
		if err != nil {
			return nil, errors.WithMessage(err, "error connecting to nats")
		}
		return b, nil
	default:
		return nil, errors.Errorf("%s is not a valid bus type", config.Type)
	}
}

func createJobRepository(ctx context.Context, config configuration.StoreConfig) (jobdb.JobRepository, error) {
	switch config.Type {
	case configuration.StoreMemory:
		log.Warn("Using the in-memory job store; jobs are lost on restart")
		return jobdb.NewInMemoryJobRepository(), nil
	case configuration.StoreRedis:
		return jobdb.NewRedisJobRepository(redis.NewUniversalClient(config.Redis.AsUniversalOptions())), nil
	case configuration.StoreSqlite:
		r, err := jobdb.OpenSqlite(ctx, config.Sqlite.Path)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening sqlite job store")
		}
		return r, nil
	case configuration.StorePostgres:
		r, err := jobdb.OpenPostgres(ctx, config.Postgres.Connection)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening postgres job store")
		}
		return r, nil
	default:
		return nil, errors.Errorf("%s is not a valid store type", config.Type)
	}
}

func createPublisher(config configuration.EventsConfig) (jobevents.Publisher, error) {
	switch config.Type {
	case "", configuration.EventsNone:
		return jobevents.NoopPublisher{}, nil
	case configuration.EventsPulsar:
		p, err := jobevents.NewPulsarPublisher(config.Pulsar)
		if err != nil {
			return nil, errors.WithMessage(err, "error creating pulsar publisher")
		}
		return p, nil
	default:
		return nil, errors.Errorf("%s is not a valid events type", config.Type)
	}
}

// serveHttp runs server until ctx is cancelled and then shuts it down gracefully.
func serveHttp(ctx *lqcontext.Context, server *http.Server) error {
	errs := make(chan error, 1)
	go func() {
		ctx.Log.Infof("Serving metrics and health checks on %s", server.Addr)
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down http server")
	}
	return nil
}

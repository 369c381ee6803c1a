package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/analytics"
	"github.com/djlord-it/easy-mail/internal/api"
	"github.com/djlord-it/easy-mail/internal/config"
	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/firetime"
	"github.com/djlord-it/easy-mail/internal/logging"
	"github.com/djlord-it/easy-mail/internal/mail"
	"github.com/djlord-it/easy-mail/internal/metrics"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/scheduler"
	"github.com/djlord-it/easy-mail/internal/store/postgres"
	"github.com/djlord-it/easy-mail/internal/store/sqlite"
	"github.com/djlord-it/easy-mail/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// jobStore is everything the running service needs from a storage backend.
type jobStore interface {
	scheduler.Store
	dispatcher.Store
	api.Store
	reconciler.Store
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	if err := config.LoadEnvFile(envFile()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitInvalidConfig)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		os.Exit(runMigrate())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func envFile() string {
	if path := os.Getenv("ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

func printUsage() {
	fmt.Println(`easymail - durable one-shot email scheduler

Usage:
  easymail <command>

Commands:
  serve      Start the API, scheduler and dispatcher
  migrate    Apply the database schema and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables (also read from ENV_FILE, default ".env"):
  STORE_DRIVER              "postgres" or "sqlite" (default: "postgres")
  DATABASE_URL              PostgreSQL connection string (required for postgres)
  SQLITE_PATH               SQLite database file (default: "easymail.db")
  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  MISFIRE_THRESHOLD         Lateness after which a fire counts as misfired (default: "1m")
  SCHEDULER_RETRY_DELAY     Delay before a failed trigger claim is retried (default: "5s")
  EVENTBUS_BUFFER_SIZE      Fired triggers buffered for delivery (default: "100")
  DISPATCHER_WORKERS        Concurrent deliveries (default: "4")
  DELIVERY_TIMEOUT          Timeout of a single email delivery (default: "1m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  DISPATCHER_DRAIN_TIMEOUT  Dispatcher event drain timeout (default: "30s")

  MAIL_DRIVER               "smtp" or "log" (default: "smtp")
  SMTP_HOST                 SMTP relay host (required for smtp)
  SMTP_PORT                 SMTP relay port (default: "587")
  SMTP_USERNAME             SMTP username (optional)
  SMTP_PASSWORD             SMTP password (optional)
  SMTP_TLS                  "opportunistic", "mandatory" or "none" (default: "opportunistic")
  MAIL_FROM                 Sender address (default: SMTP_USERNAME)

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Re-register persisted pending triggers periodically (default: "false")
  RECONCILE_SCHEDULE        Cron spec of the reconciler (default: "@every 1m")
  RECONCILE_BATCH_SIZE      Triggers read per page (default: "500")

  REDIS_ADDR                Redis address for delivery analytics (optional)
  LOG_LEVEL                 trace, debug, info, warn, error (default: "info")
  LOG_FORMAT                "json" or "console" (default: "json")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logConfigWarnings(log, &cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	store, closeStore, err := openStore(startCtx, cfg, log)
	if err == nil {
		err = store.Migrate(startCtx)
	}
	cancelStart()
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("store unavailable")
		if closeStore != nil {
			_ = closeStore()
		}
		return exitRuntimeError
	}
	defer closeStore()

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logging.Component(log, "metrics"))

		// Metrics are served on a separate port.
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("port", cfg.MetricsPort).Str("path", cfg.MetricsPath).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	bus := channel.NewEventBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))

	sched := scheduler.New(
		scheduler.Config{
			MisfireThreshold: cfg.MisfireThreshold,
			RetryDelay:       cfg.SchedulerRetryDelay,
		},
		store,
		bus,
	).WithMetrics(sink).WithLogger(logging.Component(log, "scheduler"))

	sender, from := newSender(cfg, log)
	disp := dispatcher.New(store, dispatcher.NewEmailAction(sender, from)).
		WithWorkers(cfg.DispatcherWorkers).
		WithDrainTimeout(cfg.DispatcherDrainTimeout).
		WithDeliveryTimeout(cfg.DeliveryTimeout).
		WithMetrics(sink).
		WithLogger(logging.Component(log, "dispatcher"))

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			// Analytics are best effort; keep going and let the sink log failures.
			log.Warn().Err(err).Str("redis", cfg.RedisAddr).Msg("redis not reachable")
		}
		cancelPing()
		disp.WithAnalytics(analytics.NewRedisSink(redisClient).WithLogger(logging.Component(log, "analytics")))
		log.Info().Str("redis", cfg.RedisAddr).Msg("analytics enabled")
	}

	apiHandler := api.NewHandler(sched, store, firetime.NewResolver()).
		WithHealthChecker(store).
		WithMetrics(sink).
		WithLogger(logging.Component(log, "api"))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	// Separate contexts allow an ordered shutdown.
	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var schedulerWg, dispatcherWg, reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	schedulerWg.Add(1)
	go func() {
		defer schedulerWg.Done()
		_ = sched.Run(schedulerCtx)
	}()

	if cfg.ReconcileEnabled {
		recon, err := reconciler.New(
			reconciler.Config{
				Schedule:  cfg.ReconcileSchedule,
				BatchSize: cfg.ReconcileBatchSize,
			},
			store,
			sched,
		)
		if err != nil {
			// Validate already parsed the schedule.
			log.Error().Err(err).Msg("reconciler disabled")
		} else {
			recon.WithMetrics(sink).WithLogger(logging.Component(log, "reconciler"))

			var reconcilerCtx context.Context
			reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
			reconcilerWg.Add(1)
			go func() {
				defer reconcilerWg.Done()
				recon.Run(reconcilerCtx)
			}()
		}
	}

	log.Info().
		Str("version", version).
		Str("store", cfg.StoreDriver).
		Str("mail", cfg.MailDriver).
		Str("http", cfg.HTTPAddr).
		Msg("easymail started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Info().Str("signal", received.String()).Msg("shutting down")

	// Phase 1: stop accepting schedule requests.
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	log.Info().Msg("http server stopped")

	// Phase 2: stop firing. Unfired triggers stay scheduled in the store.
	cancelScheduler()
	schedulerWg.Wait()

	// Phase 3: stop the reconciler.
	if cancelReconciler != nil {
		cancelReconciler()
		reconcilerWg.Wait()
		log.Info().Msg("reconciler stopped")
	}

	// Phase 4: drain fired triggers that are still buffered.
	log.Info().Dur("drain_timeout", cfg.DispatcherDrainTimeout).Msg("stopping dispatcher")
	cancelDispatcher()
	dispatcherWg.Wait()

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info().Msg("easymail stopped")
	return exitSuccess
}

// openStore connects the configured backend. The returned close function is
// non-nil whenever a connection was opened, even on error.
func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (jobStore, func() error, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

		if err := db.PingContext(ctx); err != nil {
			return nil, db.Close, fmt.Errorf("connect to database: %w", err)
		}

		log.Info().
			Int("max_open", cfg.DBMaxOpenConns).
			Int("max_idle", cfg.DBMaxIdleConns).
			Dur("max_lifetime", cfg.DBConnMaxLifetime).
			Dur("max_idle_time", cfg.DBConnMaxIdleTime).
			Msg("postgres pool configured")
		return postgres.New(db, cfg.DBOpTimeout), db.Close, nil

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.DBOpTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// defaultLogSender is the sender address used by the log driver when none is set.
const defaultLogSender = "easymail@localhost"

func newSender(cfg config.Config, log zerolog.Logger) (mail.Sender, string) {
	if cfg.MailDriver == "log" {
		from := cfg.MailFrom
		if from == "" {
			from = defaultLogSender
		}
		return mail.NewLogSender(logging.Component(log, "mail")), from
	}

	return mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      mail.TLSPolicy(cfg.SMTPTLS),
	}), cfg.MailFrom
}

// logConfigWarnings reports settings that are valid but risky.
func logConfigWarnings(log zerolog.Logger, cfg *config.Config) {
	for _, w := range cfg.Warnings {
		log.Warn().Msg("config: " + w)
	}

	if !cfg.ReconcileEnabled {
		log.Warn().Msg("RECONCILE_ENABLED=false: persisted triggers are only re-registered at startup")
	}
	if cfg.MailDriver == "log" {
		log.Warn().Msg("MAIL_DRIVER=log: fired emails are logged, not sent")
	}
	if cfg.MailDriver == "smtp" && cfg.SMTPTLS == string(mail.TLSNone) && cfg.SMTPPassword != "" {
		log.Warn().Msg("SMTP_TLS=none with SMTP_PASSWORD set: credentials travel in plain text")
	}
	if !cfg.MetricsEnabled {
		log.Info().Msg("METRICS_ENABLED=false: metrics disabled")
	}
	if cfg.StoreDriver == "sqlite" && cfg.DispatcherWorkers > 1 {
		log.Info().Int("workers", cfg.DispatcherWorkers).Msg("STORE_DRIVER=sqlite: delivery attempts are written one at a time")
	}
}

func runMigrate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, log)
	if closeStore != nil {
		defer closeStore()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}

	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}

	fmt.Println("schema applied")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easymail version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

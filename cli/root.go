// Package cli wires the service's three independently-deployable processes
// — the HTTP frontend adaptor, the job controller, and the response
// handler — behind a single Cobra binary with one subcommand per process,
// following spec.md §5's "no shared memory between frontend, controller,
// and response handler — all coordination is through the durable broker"
// rule: nothing here is shared across subcommands except the broker.Store
// and cache.Cache each one constructs fresh in its own RunE.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wikimetrics.dev/usermetrics/broker"
	"wikimetrics.dev/usermetrics/cache"
	"wikimetrics.dev/usermetrics/cohort"
	"wikimetrics.dev/usermetrics/common"
	"wikimetrics.dev/usermetrics/config"
	"wikimetrics.dev/usermetrics/controller"
	ehttp "wikimetrics.dev/usermetrics/http"
	"wikimetrics.dev/usermetrics/httpapi"
	"wikimetrics.dev/usermetrics/metric"
	"wikimetrics.dev/usermetrics/responder"
	"wikimetrics.dev/usermetrics/security"
	"wikimetrics.dev/usermetrics/statemanager"
	"wikimetrics.dev/usermetrics/worker"
)

// version is reported on the /healthz endpoints of the serve and controller
// subcommands.
const version = "0.1.0"

var cfgFile string

// RootCmd is the usermetrics binary's entry point. It carries no Run of its
// own; one of its subcommands (serve, controller, respond) must be chosen.
var RootCmd = &cobra.Command{
	Use:   "usermetrics",
	Short: "an asynchronous metrics-over-cohorts API service",
	Long: `usermetrics computes named metrics over named user cohorts.

Because metrics can take minutes against large backing databases, the
service is split into three independently-deployable processes that
coordinate only through a durable broker:

  serve       the HTTP frontend: builds requests, serves cache hits, and
              enqueues everything else
  controller  pops queued requests and runs bounded-concurrency workers
              against them, under a leader lease
  respond     drains completed responses and commits them into the result
              cache

Point every process at the same broker for a single deployment; run
multiple "controller" instances against it and only one will hold the
lease at a time.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.usermetrics.yaml or ./.usermetrics.yaml)")

	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	RootCmd.PersistentFlags().Int("http-port", 0, "HTTP port for the frontend (or the controller's admin server)")
	RootCmd.PersistentFlags().String("jwt-secret", "", "HMAC secret for session tokens; empty disables /login and /reauth")
	RootCmd.PersistentFlags().String("cors-origin", "", "allowed CORS origin for the frontend")
	RootCmd.PersistentFlags().Float64("rate-limit", 0, "frontend requests/sec per client (0 disables)")
	RootCmd.PersistentFlags().String("broker-backend", "", "broker backend: bolt or redis")
	RootCmd.PersistentFlags().String("broker-bolt-path", "", "bbolt database path for the bolt broker backend")
	RootCmd.PersistentFlags().String("broker-redis-url", "", "redis:// URL for the redis broker backend")
	RootCmd.PersistentFlags().String("postgres-dsn", "", "postgres:// DSN for the cohort resolver and metric data source")
	RootCmd.PersistentFlags().Int("jobs-max-concurrent", 0, "maximum concurrently-running worker jobs")
	RootCmd.PersistentFlags().Duration("jobs-timeout", 0, "per-job wall-clock deadline")
	RootCmd.PersistentFlags().Duration("jobs-poll-interval", 0, "controller/responder broker poll interval")
	RootCmd.PersistentFlags().Int("worker-user-threads", 0, "USER_THREADS passed to metric.Options")
	RootCmd.PersistentFlags().Int("worker-revision-threads", 0, "REVISION_THREADS passed to metric.Options")
	RootCmd.PersistentFlags().Int("worker-max-block-size", 0, "maximum response chunk size in bytes")

	bind := map[string]string{
		"log.level":               "log-level",
		"log.format":              "log-format",
		"http.port":               "http-port",
		"jwt.secret":              "jwt-secret",
		"cors.origin":             "cors-origin",
		"rate.limit":              "rate-limit",
		"broker.backend":          "broker-backend",
		"broker.bolt.path":        "broker-bolt-path",
		"broker.redis.url":        "broker-redis-url",
		"postgres.dsn":            "postgres-dsn",
		"jobs.max_concurrent":     "jobs-max-concurrent",
		"jobs.timeout":            "jobs-timeout",
		"jobs.poll_interval":      "jobs-poll-interval",
		"worker.user_threads":     "worker-user-threads",
		"worker.revision_threads": "worker-revision-threads",
		"worker.max_block_size":   "worker-max-block-size",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, RootCmd.PersistentFlags().Lookup(flag))
	}

	RootCmd.AddCommand(serveCmd, controllerCmd, respondCmd)
}

// initConfig discovers an optional config file: an explicit --config flag
// wins, otherwise look for .usermetrics.yaml in $HOME and the working
// directory. Environment variables always override file values.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".usermetrics")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("usermetrics: using config file", viper.ConfigFileUsed())
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP frontend adaptor",
	RunE:  runServe,
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "run the job controller",
	RunE:  runController,
}

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "run the response handler",
	RunE:  runRespond,
}

// openStore constructs the broker.Store cfg.Broker selects.
func openStore(ctx context.Context, cfg config.Config) (broker.Store, error) {
	switch cfg.Broker {
	case config.BrokerBackendRedis:
		return broker.NewRedisStore(ctx, cfg.RedisURL, "usermetrics")
	default:
		return broker.OpenBoltStore(cfg.BoltPath)
	}
}

// waitForSignal blocks until SIGINT or SIGTERM is received.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

// awaitSignal returns a channel closed once SIGINT or SIGTERM arrives, so
// callers can select on it alongside other channels.
func awaitSignal() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		waitForSignal()
		close(done)
	}()
	return done
}

// runServe wires the frontend adaptor (spec.md §4.8) to its own broker and
// cache handles and serves it over HTTP until a shutdown signal arrives.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	common.Configure(common.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	common.Logger.WithFields(cfg.LogFields()).Info("usermetrics: configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cli: open broker store: %w", err)
	}
	defer store.Close()

	var jwtSvc *security.JWTService
	if cfg.JWTSecret != "" {
		jwtSvc = security.NewJWTServiceWithIssuer(cfg.JWTSecret, "usermetrics", "usermetrics-api")
	}

	api := httpapi.New(store, cache.New(store), nil, jwtSvc)

	serverCfg := ehttp.ServerConfig{
		Port:            cfg.HTTPPort,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{cfg.CORSOrigin},
		RateLimit:       cfg.RateLimit,
	}
	e := ehttp.NewEchoServer(serverCfg)
	e.GET("/healthz", ehttp.HealthCheckHandler("usermetrics-frontend", version))
	api.RegisterRoutes(e.Group(""))

	errCh := make(chan error, 1)
	go func() {
		if err := ehttp.StartServer(e, serverCfg); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	common.Logger.WithField("port", cfg.HTTPPort).Info("serve: frontend listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("cli: frontend server: %w", err)
	case <-awaitSignal():
	}
	return ehttp.GracefulShutdown(e, serverCfg.ShutdownTimeout)
}

// buildExecutor constructs the worker.Executor the controller dispatches
// to, sharing one pgxpool between the cohort resolver and the metric data
// source (spec.md §4.6). The caller must Close the returned PGResolver.
func buildExecutor(ctx context.Context, cfg config.Config) (*worker.Executor, *cohort.PGResolver, error) {
	resolver, err := cohort.NewPGResolver(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: connect cohort resolver: %w", err)
	}
	source := metric.NewPGDataSource(resolver.Pool())
	return &worker.Executor{
		Resolver:        resolver,
		ActiveUsers:     resolver.ActiveUsers,
		Source:          source,
		UserThreads:     cfg.UserThreads,
		RevisionThreads: cfg.RevisionThreads,
	}, resolver, nil
}

// leaderHolderID identifies this controller process for the leader lease
// (controller/leader.go), so a restart of the same host/pid combination
// never collides with a genuinely different instance.
func leaderHolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// renewLeadershipLoop refreshes the controller's lease at a third of its
// TTL until ctx is cancelled, per leader.go's "called periodically" contract.
func renewLeadershipLoop(ctx context.Context, store broker.Store, holderID string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := controller.RenewLeadership(ctx, store, holderID, ttl); err != nil {
				common.Logger.WithError(err).Error("controller: renew leadership lease")
			}
		}
	}
}

// runController wires the job controller (spec.md §4.5) to a leader-elected
// broker connection and the worker executor, and exposes a small admin HTTP
// server (health check, operation listing, and the spec's suggested "drop
// job" endpoint) on cfg.HTTPPort+1.
func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	common.Configure(common.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	common.Logger.WithFields(cfg.LogFields()).Info("usermetrics: configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cli: open broker store: %w", err)
	}
	defer store.Close()

	exec, resolver, err := buildExecutor(ctx, cfg)
	if err != nil {
		return err
	}
	defer resolver.Close()

	holderID := leaderHolderID()
	const leaseTTL = 30 * time.Second
	if err := controller.AcquireLeadership(ctx, store, holderID, leaseTTL); err != nil {
		return fmt.Errorf("cli: acquire controller leadership: %w", err)
	}
	go renewLeadershipLoop(ctx, store, holderID, leaseTTL)

	states := statemanager.New(statemanager.Config{MaxJobs: cfg.MaxConcurrentJobs * 4})
	ctrl := controller.New(store, exec, controller.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		JobTimeout:        cfg.JobTimeout,
		PollInterval:      cfg.QueuePollInterval,
		MaxBlockSize:      cfg.MaxBlockSize,
	}).WithStateManager(states)

	adminCfg := ehttp.ServerConfig{Port: cfg.HTTPPort + 1, ShutdownTimeout: 5 * time.Second}
	admin := ehttp.NewEchoServer(adminCfg)
	admin.GET("/healthz", ehttp.HealthCheckHandlerWithDetails("usermetrics-controller", version, func() map[string]interface{} {
		return map[string]interface{}{
			"running_jobs":        ctrl.RunningJobs(),
			"max_concurrent_jobs": cfg.MaxConcurrentJobs,
		}
	}))
	states.RegisterRoutes(admin.Group("/admin"))
	admin.POST("/admin/jobs/:fingerprint/drop", func(c echo.Context) error {
		fp := c.Param("fingerprint")
		if !ctrl.DropJob(fp) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "drop queue full, retry"})
		}
		return c.NoContent(http.StatusAccepted)
	})

	adminErrCh := make(chan error, 1)
	go func() {
		if err := ehttp.StartServer(admin, adminCfg); err != nil && err != http.ErrServerClosed {
			adminErrCh <- err
		}
	}()

	common.Logger.WithField("holder", holderID).Info("controller: leadership acquired, starting poll loop")

	runDone := make(chan error, 1)
	go func() { runDone <- ctrl.Run(ctx) }()

	select {
	case err := <-adminErrCh:
		cancel()
		<-runDone
		return fmt.Errorf("cli: controller admin server: %w", err)
	case <-awaitSignal():
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil {
			return err
		}
	}
	return ehttp.GracefulShutdown(admin, adminCfg.ShutdownTimeout)
}

// runRespond wires the response handler (spec.md §4.7) to its own broker
// and cache handles and polls until a shutdown signal arrives.
func runRespond(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	common.Configure(common.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	common.Logger.WithFields(cfg.LogFields()).Info("usermetrics: configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cli: open broker store: %w", err)
	}
	defer store.Close()

	resp := responder.New(store, cache.New(store), cfg.QueuePollInterval)

	go func() {
		waitForSignal()
		cancel()
	}()

	common.Logger.Info("respond: starting poll loop")
	return resp.Run(ctx)
}

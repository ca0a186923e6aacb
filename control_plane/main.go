package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/ovhsniper/control_plane/config"
	"github.com/itskum47/ovhsniper/control_plane/coordination"
	"github.com/itskum47/ovhsniper/control_plane/idempotency"
	"github.com/itskum47/ovhsniper/control_plane/notify"
	"github.com/itskum47/ovhsniper/control_plane/provider"
	"github.com/itskum47/ovhsniper/control_plane/recorder"
	"github.com/itskum47/ovhsniper/control_plane/scheduler"
	"github.com/itskum47/ovhsniper/control_plane/settings"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	gitCommit = "unknown"
)

const (
	shutdownTimeout  = 30 * time.Second
	collectorPeriod  = 15 * time.Second
	storeOpenTimeout = 10 * time.Second
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "ovhsniper",
	Short:        "Watches OVH dedicated server stock and orders when it appears",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the acquisition scheduler",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("ovhsniper %s\n", version)
		fmt.Printf("  commit:     %s\n", gitCommit)
		fmt.Printf("  go version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func setupLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if lvl < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()

	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn("Using in-memory store, queue and history are lost on restart")
		return store.NewMemoryStore(), nil
	case config.DriverSQLite:
		log.Infof("Using SQLite store at %s", cfg.SQLitePath)
		return store.NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.DriverPostgres:
		log.Info("Using PostgreSQL store")
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	}
	return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
}

func runServe(_ *cobra.Command, _ []string) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nodeID := generateNodeID()
	logger := log.WithFields(log.Fields{"component": "main", "node": nodeID})

	// 1. Storage
	s, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer s.Close()

	creds, err := settings.New(ctx, s)
	if err != nil {
		return errors.Wrap(err, "load settings")
	}
	rec := recorder.New(s, cfg.Recorder.MaxLogEntries)

	// 2. Provider
	client := provider.New(creds, provider.Config{
		CacheTTL:         cfg.Provider.CacheTTL,
		RequestTimeout:   cfg.Provider.RequestTimeout,
		RateLimit:        cfg.Provider.RateLimit,
		RateBurst:        cfg.Provider.RateBurst,
		BreakerThreshold: cfg.Provider.BreakerThreshold,
		BreakerCooldown:  cfg.Provider.BreakerCooldown,
	}, nil, rec)
	client.Start()
	defer client.Stop()

	// 3. Coordination. Redis is optional; without it locks are process-local.
	local := coordination.NewLocalLocker()
	var locks coordination.Locker = local
	var inspect coordination.Inspectable = local
	var idemStore idempotency.Store
	if cfg.Redis.Addr != "" {
		rdb, err := coordination.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()

		remote, err := coordination.NewRedisLocker(ctx, rdb)
		if err != nil {
			return err
		}
		locks = coordination.NewLayered(local, remote)
		inspect = remote
		idemStore = idempotency.NewRedisStore(rdb, cfg.API.IdempotencyTTL)
		logger.Infof("Using Redis at %s for attempt locks and idempotency", cfg.Redis.Addr)
	} else {
		mem := idempotency.NewMemoryStore(cfg.API.IdempotencyTTL)
		mem.Start()
		defer mem.Stop()
		idemStore = mem
		logger.Info("Redis not configured, running in standalone mode")
	}

	// 4. Scheduler
	sched := scheduler.NewScheduler(s, scheduler.Deps{
		Inventory:   client,
		Orders:      client,
		Credentials: creds,
		Journal:     rec,
		Notifier:    notify.NewTelegramNotifier(creds, cfg.Notify.TelegramAPI),
		Locker:      locks,
		Fallback:    local,
	}, scheduler.Config{
		AttemptTimeout: cfg.Scheduler.AttemptTimeout,
		RetryUnit:      cfg.Scheduler.RetryUnit,
		LockTTL:        cfg.Scheduler.LockTTL,
		Owner:          nodeID,
	})

	// 5. HTTP API
	api := NewAPI(APIDeps{
		Store:       s,
		Settings:    creds,
		Catalog:     client,
		Scheduler:   sched,
		Recorder:    rec,
		Idempotency: idemStore,
		Locks:       locks,
		Owner:       nodeID,
	}, cfg.API)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(cfg.API),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return api.hub.Run(gctx) })
	g.Go(func() error { return coordination.NewLockJanitor(inspect, s, cfg.Scheduler.JanitorEvery).Run(gctx) })
	g.Go(func() error { return runQueueCollector(gctx, s, collectorPeriod) })
	g.Go(func() error {
		logger.Infof("ovhsniper %s listening on %s", version, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()
	logger.Info("Stopped")
	return err
}

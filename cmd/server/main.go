/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the node rental and billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, config.yml, NODERENTAL_* env)
  2. Build the zap logger
  3. Open the SQLite store (migrations run on open)
  4. Apply the bootstrap catalog, if configured
  5. Register Prometheus collectors
  6. Create API handler and router
  7. Start the period-close scheduler
  8. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config  Extra directory to search for config.yml
  -port    Overrides server.port
  -db      Overrides database.path ("" keeps the configured value)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight close)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_grace)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/noderental.db"

  # Run with in-memory database and the sample catalog
  NODERENTAL_CATALOG_PATH=factory/testdata/catalog.json ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/noderental/api"
	"github.com/warp/noderental/config"
	"github.com/warp/noderental/factory"
	"github.com/warp/noderental/generic"
	"github.com/warp/noderental/observability/logger"
	"github.com/warp/noderental/observability/metrics"
	"github.com/warp/noderental/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configDir := flag.String("config", "", "directory containing config.yml")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, v, err := config.Load(paths...)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log, err := logger.New(logger.Config{
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
		Version:     cfg.App.Version,
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Error("failed to initialize database", zap.String("path", cfg.Database.Path), zap.Error(err))
		return err
	}
	defer store.Close()

	if cfg.Catalog.Path != "" {
		if err := bootstrapCatalog(store, cfg.Catalog.Path, log); err != nil {
			return err
		}
	}

	m := metrics.WithConfig(metrics.Config{ServiceName: cfg.App.Name, Environment: cfg.App.Environment})

	access := config.NewAccessHolder(cfg.Access)
	access.Watch(v, log)

	// Initialize handler
	handler := api.NewHandler(store, api.Options{
		Location:           cfg.Location(),
		LeadTimeDays:       cfg.Booking.LeadTimeDays,
		HorizonMonths:      cfg.Booking.HorizonMonths,
		ProrateMaintenance: cfg.Billing.ProrateMaintenance,
		Workers:            cfg.Billing.Workers,
		Access:             access,
		Audit:              logger.NewAuditSink(log),
		Reservations:       m,
		Invoices:           m,
		Log:                log,
	})

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        m.Handler(),
		Log:            log,
	})

	scheduler := api.NewPeriodCloseScheduler(handler)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Metrics = m
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Path),
			zap.String("timezone", cfg.Booking.Timezone))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		log.Error("server failed", zap.Error(err))
		return err
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	log.Info("server stopped")
	return nil
}

// bootstrapCatalog applies the configured catalog. It is idempotent, so it
// runs on every start.
func bootstrapCatalog(store *sqlite.Store, path string, log *zap.Logger) error {
	f := factory.NewCatalogFactory()
	catalog, err := f.LoadFile(path)
	if err != nil {
		log.Error("failed to load catalog", zap.String("path", path), zap.Error(err))
		return err
	}
	summary, err := f.Apply(context.Background(), store, catalog, "system:bootstrap", generic.SystemClock{}.Now())
	if err != nil {
		log.Error("failed to apply catalog", zap.String("path", path), zap.Error(err))
		return err
	}
	log.Info("catalog applied",
		zap.String("path", path),
		zap.Int("skus", summary.SKUs),
		zap.Int("rates", summary.Rates),
		zap.Int("nodes", summary.Nodes),
		zap.Int("projects", summary.Projects),
		zap.Int("memberships", summary.Memberships),
		zap.Int("subscriptions", summary.Subscriptions))
	return nil
}

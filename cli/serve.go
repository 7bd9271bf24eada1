package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/sessionflow/bus"
	"github.com/petal-labs/sessionflow/catalog"
	"github.com/petal-labs/sessionflow/config"
	"github.com/petal-labs/sessionflow/core"
	"github.com/petal-labs/sessionflow/datastore"
	"github.com/petal-labs/sessionflow/recorder"
	"github.com/petal-labs/sessionflow/runtime"
	"github.com/petal-labs/sessionflow/server"
	"github.com/petal-labs/sessionflow/session"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session engine HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default from config, :8080)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (default *)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database for workflows, executions and events (default: in memory)")
	cmd.Flags().String("redis-url", "", "Redis URL for session data (default: in memory)")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint")
	cmd.Flags().String("config", "", "Path to sessionflow.yaml")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 keeps event streams open)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Workflow schedule poll interval")
	cmd.Flags().Duration("event-retention", 0, "Delete stored events older than this (0 keeps all)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveServeConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := config.NewLogger(cmd.ErrOrStderr(), cfg.Log, verbose)
	if configPath != "" {
		logger.Info("loaded config", "path", configPath)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention, _ := cmd.Flags().GetDuration("event-retention")
	storage, err := openStorage(ctx, cfg.Storage, retention, logger)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer storage.Close()

	reg, builtins := newRegistry(cfg)
	defer func() { _ = builtins.Close() }()

	tel, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() { _ = tel.shutdown(context.Background()) }()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer func() { _ = eb.Close() }()

	eventHandlers := append([]runtime.EventHandler{bus.NewStoreSubscriber(storage.events, logger).Handle}, tel.handlers...)
	mc, err := engineConfig(cfg, session.Config{
		Catalog:      storage.catalog,
		Registry:     reg,
		Store:        storage.data,
		Recorder:     storage.recorder,
		EventHandler: runtime.MultiEventHandler(eventHandlers...),
		Bus:          eb,
		Decorator:    tel.decorator,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	mgr, err := session.NewManager(mc)
	if err != nil {
		return exitError(exitRuntime, "creating session manager: %v", err)
	}

	maxBody, _ := cmd.Flags().GetInt64("max-body")
	srv := server.NewServer(server.ServerConfig{
		Manager:    mgr,
		Catalog:    storage.catalog,
		Registry:   reg,
		Bus:        eb,
		EventStore: storage.events,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	schedulePoll, _ := cmd.Flags().GetDuration("schedule-poll")
	scheduler, err := server.NewScheduler(server.SchedulerConfig{
		Sessions:     mgr,
		Store:        storage.catalog,
		PollInterval: schedulePoll,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating scheduler: %v", err)
	}
	scheduler.Start()

	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "SessionFlow listening on %s\n", cfg.Server.Addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = exitError(exitRuntime, "server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := shutdown(shutdownCtx, httpServer, scheduler, mgr); err != nil && serveErr == nil {
		serveErr = exitError(exitRuntime, "shutdown error: %v", err)
	}
	return serveErr
}

// shutdown stops accepting requests, then stops firing schedules, then
// cancels and drains running sessions.
func shutdown(ctx context.Context, httpServer *http.Server, scheduler *server.Scheduler, mgr *session.Manager) error {
	return errors.Join(
		httpServer.Shutdown(ctx),
		scheduler.Stop(ctx),
		mgr.Shutdown(ctx),
	)
}

func resolveServeConfig(cmd *cobra.Command) (*config.File, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	providerFlags, _ := cmd.Flags().GetStringArray("provider-key")
	cfg, path, err := config.Resolve(explicit, providerFlags)
	if err != nil {
		return nil, "", exitError(exitInputParse, "loading config: %v", err)
	}

	overrides := map[string]*string{
		"addr":          &cfg.Server.Addr,
		"cors-origin":   &cfg.Server.CORSOrigin,
		"sqlite-path":   &cfg.Storage.SQLitePath,
		"redis-url":     &cfg.Storage.RedisURL,
		"otlp-endpoint": &cfg.Telemetry.OTLPEndpoint,
	}
	for flag, dst := range overrides {
		if cmd.Flags().Changed(flag) {
			*dst, _ = cmd.Flags().GetString(flag)
		}
	}
	return cfg, path, nil
}

// serveStorage bundles the persistence backends used by serve.
type serveStorage struct {
	catalog  catalog.Store
	recorder core.Recorder
	events   bus.EventStore
	data     datastore.Store
	closers  []io.Closer
}

// openStorage opens SQLite for workflows, executions and events when a path
// is set and Redis for session data when a URL is set. Anything unset lives
// in memory.
func openStorage(ctx context.Context, cfg config.StorageConfig, retention time.Duration, logger *slog.Logger) (*serveStorage, error) {
	s := &serveStorage{}
	logRecorder := recorder.NewLog(logger)

	if dsn := sqliteDSN(cfg.SQLitePath); dsn != "" {
		workflows, err := catalog.NewSQLiteStore(catalog.SQLiteStoreConfig{DSN: dsn})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite workflow store: %w", err)
		}
		s.closers = append(s.closers, workflows)
		s.catalog = workflows

		executions, err := recorder.NewSQLite(recorder.SQLiteConfig{DSN: dsn})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening sqlite execution recorder: %w", err)
		}
		s.closers = append(s.closers, executions)
		s.recorder = recorder.Multi{executions, logRecorder}

		events, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: dsn, RetentionAge: retention})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening sqlite event store: %w", err)
		}
		s.closers = append(s.closers, events)
		s.events = events
	} else {
		s.catalog = catalog.NewMemoryStore()
		s.recorder = logRecorder
		s.events = bus.NewMemEventStore()
	}

	if cfg.RedisURL != "" {
		data, err := datastore.OpenRedisStore(ctx, cfg.RedisURL, datastore.WithTTL(cfg.RedisTTL))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening redis session data store: %w", err)
		}
		s.closers = append(s.closers, data)
		s.data = data
	} else {
		s.data = datastore.NewMemStore()
	}
	return s, nil
}

// Close releases backends in reverse open order.
func (s *serveStorage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
}

func sqliteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" || strings.HasPrefix(strings.ToLower(dsn), "file:") {
		return dsn
	}
	return filepath.Clean(dsn)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"slawatch/internal/bizcal"
	"slawatch/internal/clock"
	"slawatch/internal/config"
	"slawatch/internal/logging"
	"slawatch/internal/notify"
	"slawatch/internal/state"
	"slawatch/internal/tracker"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable monitoring service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	cal       bizcal.Calendar
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	manager   *Manager
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	cal, err := cfg.Calendar.Build()
	if err != nil {
		closeLog()
		return nil, err
	}

	store, err := buildStore(cfg, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	trackerClient := tracker.NewHTTPClient(cfg.Tracker)
	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	manager := NewManager(cfg, cal, logger, store, trackerClient, dispatcher, clk)

	service := &Service{
		source:   source,
		cfg:      cfg,
		cal:      cal,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		manager:  manager,
		clock:    clk,
	}

	if cfg.HTTP.Enabled {
		service.buildHTTPServer()
	}

	return service, nil
}

// RunOnce executes a single monitoring run and releases all resources.
// Params: bounding context.
// Returns: run report or execution error; used by the CLI once mode.
func (s *Service) RunOnce(ctx context.Context) (RunReport, error) {
	defer s.closeResources()
	return s.manager.RunOnce(ctx)
}

// Run starts the interval loop and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	interval := time.Duration(s.cfg.Service.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	go func() {
		s.runScheduled(shutdownCtx)
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				s.runScheduled(shutdownCtx)
			}
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// runScheduled executes one interval-driven run when the schedule allows it.
// Params: shutdown-aware context.
// Returns: nothing; run failures are logged, the loop keeps going.
func (s *Service) runScheduled(ctx context.Context) {
	if s.cfg.Service.BusinessHoursOnly && !s.cal.InBusinessHours(s.clock.Now()) {
		s.logger.Debug("run skipped outside business hours")
		return
	}
	if _, err := s.manager.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled run failed", "error", err.Error())
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// closeResources releases store and log sinks without HTTP shutdown.
// Params: none.
// Returns: resources closed best-effort; used by the once mode.
func (s *Service) closeResources() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.closeLog != nil {
		s.closeLog()
	}
}

// buildHTTPServer wires health, readiness, and run-trigger endpoints.
// Params: none.
// Returns: server stored on the service.
func (s *Service) buildHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.RunPath, NewTriggerHandler(s.manager))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildStore creates the state backend selected by config.
// Params: root config snapshot and clock.
// Returns: selected store backend.
func buildStore(cfg config.Config, clk clock.Clock) (state.Store, error) {
	lockTTL := time.Duration(cfg.Service.RunLockTTLSec) * time.Second
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return state.NewMemoryStore(clk.Now), nil
	case config.StoreBackendNATS:
		return state.NewNATSStore(cfg.Store.NATS, lockTTL)
	case config.StoreBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return state.NewPostgresStore(ctx, cfg.Store.Postgres)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

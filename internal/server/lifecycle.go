// Package server manages the ordered startup and shutdown of the
// long-running subsystems a binary is composed of.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stopWatchdog bounds how long a single service may take to stop before the
// shutdown moves on without it. A wedged websocket close or a slow queue
// drain must not block the remaining teardown.
const stopWatchdog = 15 * time.Second

// Service is a long-running component. Start blocks until the service ends
// or fails; Stop asks it to end.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

type namedService struct {
	name string
	svc  Service
}

// Lifecycle starts its services in registration order and stops them in
// reverse, so later services may depend on earlier ones being up.
type Lifecycle struct {
	logger   *zap.Logger
	mu       sync.Mutex
	services []namedService
}

// NewLifecycle creates a Lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service. Registration order is start order.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, svc: svc})
}

// Run starts every service, then blocks until SIGINT/SIGTERM, context
// cancellation, or the first service failure, whichever comes first.
//
// Postcondition: Every service has been asked to stop, in reverse
// registration order, before Run returns. A service failure is returned
// after the shutdown completes.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	failed := make(chan error, len(services))
	for _, ns := range services {
		go func(ns namedService) {
			l.logger.Info("starting service", zap.String("service", ns.name))
			up := time.Now()
			if err := ns.svc.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Duration("uptime", time.Since(up)),
					zap.Error(err),
				)
				failed <- fmt.Errorf("service %s: %w", ns.name, err)
				cancel()
			}
		}(ns)
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-failed:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		// A failing service cancels the context after reporting, so both
		// arms can be ready at once. Prefer the error.
		select {
		case runErr = <-failed:
			l.logger.Error("service error, shutting down", zap.Error(runErr))
		default:
			l.logger.Info("context cancelled, shutting down")
		}
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

// shutdown stops services in reverse order, bounding each Stop with the
// watchdog so one stuck service cannot hold the rest hostage.
func (l *Lifecycle) shutdown(services []namedService) {
	begin := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		l.logger.Info("stopping service", zap.String("service", ns.name))

		stopped := make(chan struct{})
		stopStart := time.Now()
		go func() {
			ns.svc.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(stopStart)),
			)
		case <-time.After(stopWatchdog):
			l.logger.Warn("service stop timed out, abandoning",
				zap.String("service", ns.name),
				zap.Duration("waited", stopWatchdog),
			)
		}
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(begin)))
}

package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Service is started once the link has an address and stopped when it
// goes down.
type Service interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

// ServiceSet starts and stops address-bound services as a unit.
type ServiceSet struct {
	services    []Service
	logger      *slog.Logger
	spawn       func(func())
	stopTimeout time.Duration
	running     bool
}

// NewServiceSet creates a set. spawn runs shutdown work off the poll
// goroutine; nil starts a goroutine.
func NewServiceSet(logger *slog.Logger, spawn func(func()), services ...Service) *ServiceSet {
	if logger == nil {
		logger = slog.Default()
	}
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	return &ServiceSet{
		services:    services,
		logger:      logger,
		spawn:       spawn,
		stopTimeout: 5 * time.Second,
	}
}

// Add appends a service. Adding after StartAll is a programming error.
func (s *ServiceSet) Add(svc Service) {
	if s.running {
		panic("connectivity: service added to a running set")
	}
	s.services = append(s.services, svc)
}

// Running reports whether StartAll has run without a matching StopAll.
func (s *ServiceSet) Running() bool { return s.running }

// StartAll starts every service in order. A service that fails to start
// is logged and skipped. Starting a running set panics.
func (s *ServiceSet) StartAll() {
	if s.running {
		panic("connectivity: services already started")
	}
	s.running = true
	for _, svc := range s.services {
		if err := svc.Start(); err != nil {
			s.logger.Error("service failed to start", "service", svc.Name(), "error", err)
			continue
		}
		s.logger.Info("service started", "service", svc.Name())
	}
}

// StopAll stops every service in reverse order off the poll goroutine.
func (s *ServiceSet) StopAll() {
	if !s.running {
		return
	}
	s.running = false
	services := append([]Service(nil), s.services...)
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
		defer cancel()
		s.stop(ctx, services)
	})
}

// Shutdown stops a running set on the calling goroutine.
func (s *ServiceSet) Shutdown(ctx context.Context) {
	if !s.running {
		return
	}
	s.running = false
	s.stop(ctx, s.services)
}

func (s *ServiceSet) stop(ctx context.Context, services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(ctx); err != nil {
			s.logger.Warn("service stop failed", "service", services[i].Name(), "error", err)
			continue
		}
		s.logger.Info("service stopped", "service", services[i].Name())
	}
}

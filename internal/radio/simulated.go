package radio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/settings"
)

// SimulatedConfig configures a Simulated radio.
type SimulatedConfig struct {
	// Delay is how long association takes.
	Delay time.Duration
	// Address is reported on success (default 127.0.0.1).
	Address string
	// Accept decides whether credentials associate. Nil accepts all.
	Accept func(settings.Credentials) bool
	// Networks is returned by Scan.
	Networks []AccessPoint
	// Provisioner captures credentials in provisioning mode. Nil makes
	// provisioning wait forever.
	Provisioner Provisioner
	Logger      *slog.Logger
}

// Simulated is a radio for workstations and tests. Association
// completes after a fixed delay.
type Simulated struct {
	cfg    SimulatedConfig
	logger *slog.Logger
	events chan Event

	mu           sync.Mutex
	timer        *time.Timer
	provisioning bool
	closed       bool

	stopping sync.WaitGroup
}

// NewSimulated creates a simulated radio.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	if cfg.Networks == nil {
		cfg.Networks = []AccessPoint{
			{Channel: 6, EncType: EncWPA2PSK, RSSI: -48, SSID: "TuneSync Lab"},
			{Channel: 11, EncType: EncOpen, RSSI: -71, SSID: "Guest"},
		}
	}
	return &Simulated{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan Event, 8),
	}
}

// Connect schedules association. A later Connect replaces a pending one.
func (s *Simulated) Connect(creds settings.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	accepted := s.cfg.Accept == nil || s.cfg.Accept(creds)
	s.logger.Debug("simulated association started", "ssid", creds.SSID, "accepted", accepted)
	s.timer = time.AfterFunc(s.cfg.Delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if accepted {
			emit(s.events, Event{Kind: EventGotAddress, Address: s.cfg.Address})
		} else {
			emit(s.events, Event{Kind: EventAssociationFailed})
		}
	})
	return nil
}

// Drop reports a link loss as if the access point went away.
func (s *Simulated) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		emit(s.events, Event{Kind: EventDisconnected})
	}
}

// StartProvisioning starts the provisioner, if any.
func (s *Simulated) StartProvisioning() error {
	s.mu.Lock()
	s.provisioning = true
	s.mu.Unlock()
	if s.cfg.Provisioner == nil {
		return nil
	}
	return s.cfg.Provisioner.Start()
}

// StopProvisioning stops the provisioner, if any, in the background.
// Close waits for it.
func (s *Simulated) StopProvisioning() error {
	s.mu.Lock()
	s.provisioning = false
	s.mu.Unlock()
	if s.cfg.Provisioner == nil {
		return nil
	}
	s.stopping.Add(1)
	go func() {
		defer s.stopping.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Provisioner.Stop(ctx); err != nil {
			s.logger.Warn("provisioning portal stop failed", "error", err)
		}
	}()
	return nil
}

// ProvisioningResult returns captured credentials while provisioning.
func (s *Simulated) ProvisioningResult() (settings.Credentials, bool) {
	s.mu.Lock()
	active := s.provisioning
	s.mu.Unlock()
	if !active || s.cfg.Provisioner == nil {
		return settings.Credentials{}, false
	}
	return s.cfg.Provisioner.Result()
}

// Scan returns the configured networks.
func (s *Simulated) Scan(ctx context.Context) ([]AccessPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]AccessPoint, len(s.cfg.Networks))
	copy(out, s.cfg.Networks)
	return out, nil
}

// Events returns the link event channel.
func (s *Simulated) Events() <-chan Event { return s.events }

// Close cancels pending association and waits for a provisioner
// shutdown in progress.
func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.stopping.Wait()
	return nil
}

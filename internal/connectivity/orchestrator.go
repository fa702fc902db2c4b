package connectivity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/clock"
	"github.com/csetera/TuneSyncMQ/internal/mqtt"
	"github.com/csetera/TuneSyncMQ/internal/ota"
)

// SessionPoller is the pub/sub session as the orchestrator drives it.
// *mqtt.Session implements it.
type SessionPoller interface {
	Poll(now time.Time)
	Suspend()
	Status() mqtt.Status
}

// UpdatePoller is the update coordinator as the orchestrator drives it.
// *ota.Coordinator implements it.
type UpdatePoller interface {
	Poll()
	Status() ota.Status
}

// Mirror forwards process log lines to remote viewers while the link
// is up. *logmirror.Writer implements it.
type Mirror interface {
	Attach()
	Detach()
}

// Snapshot is the read-only view the control plane serves. A new value
// is published at the end of every poll.
type Snapshot struct {
	State        State        `json:"state"`
	Since        time.Time    `json:"since"`
	SSID         string       `json:"ssid"`
	Address      string       `json:"address"`
	Hostname     string       `json:"hostname"`
	Provisioning bool         `json:"provisioning"`
	Broker       *mqtt.Status `json:"broker,omitempty"`
	Update       ota.Status   `json:"update"`
	TakenAt      time.Time    `json:"taken_at"`
}

// OrchestratorConfig wires the orchestrator. Session, Update, Services
// and Mirror are optional.
type OrchestratorConfig struct {
	Machine  MachineConfig
	Session  SessionPoller
	Update   UpdatePoller
	Services *ServiceSet
	Mirror   Mirror
	Hostname string
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Orchestrator is the single cooperative poll entry point. Poll and Run
// belong to one goroutine; Snapshot may be read from anywhere.
type Orchestrator struct {
	machine  *Machine
	session  SessionPoller
	update   UpdatePoller
	services *ServiceSet
	mirror   Mirror
	hostname string
	clock    clock.Clock
	logger   *slog.Logger

	snapshot atomic.Pointer[Snapshot]
}

// NewOrchestrator builds the machine and hooks the address-bound
// components to its Connected and Disconnected transitions.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Services == nil {
		cfg.Services = NewServiceSet(cfg.Logger, nil)
	}
	if cfg.Machine.Logger == nil {
		cfg.Machine.Logger = cfg.Logger
	}

	o := &Orchestrator{
		session:  cfg.Session,
		update:   cfg.Update,
		services: cfg.Services,
		mirror:   cfg.Mirror,
		hostname: cfg.Hostname,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	mc := cfg.Machine
	mc.OnConnected = o.onConnected
	mc.OnDisconnected = o.onDisconnected
	o.machine = NewMachine(mc)
	o.publish(cfg.Clock.Now())
	return o
}

// Machine returns the connectivity machine.
func (o *Orchestrator) Machine() *Machine { return o.machine }

// Snapshot returns the most recently published snapshot.
func (o *Orchestrator) Snapshot() *Snapshot { return o.snapshot.Load() }

// Poll runs one cycle: the connectivity machine first, then the broker
// session and the update coordinator when the link is up, then the
// snapshot publication.
func (o *Orchestrator) Poll(now time.Time) {
	o.machine.Poll(now)

	if o.machine.State() == StateConnected {
		if o.session != nil {
			o.session.Poll(now)
		}
		if o.update != nil {
			o.update.Poll()
		}
	}

	o.publish(now)
}

// Run polls every interval until ctx is cancelled, then stops the
// address-bound services.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("poll loop started", "interval", interval)
	o.Poll(o.clock.Now())
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
			o.Poll(o.clock.Now())
		}
	}
}

func (o *Orchestrator) shutdown() {
	if o.session != nil {
		o.session.Suspend()
	}
	if o.mirror != nil {
		o.mirror.Detach()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.services.Shutdown(ctx)
	o.logger.Info("poll loop stopped", "state", o.machine.State().String())
}

func (o *Orchestrator) onConnected(address string) {
	o.services.StartAll()
	if o.mirror != nil {
		o.mirror.Attach()
	}
}

func (o *Orchestrator) onDisconnected() {
	if o.mirror != nil {
		o.mirror.Detach()
	}
	if o.session != nil {
		o.session.Suspend()
	}
	o.services.StopAll()
}

func (o *Orchestrator) publish(now time.Time) {
	snap := &Snapshot{
		State:        o.machine.State(),
		Since:        o.machine.Since(),
		SSID:         o.machine.SSID(),
		Address:      o.machine.Address(),
		Hostname:     o.hostname,
		Provisioning: o.machine.Provisioning(),
		TakenAt:      now,
	}
	if o.session != nil {
		st := o.session.Status()
		snap.Broker = &st
	}
	if o.update != nil {
		snap.Update = o.update.Status()
	} else {
		snap.Update = ota.Status{State: ota.StateIdle}
	}
	o.snapshot.Store(snap)
}

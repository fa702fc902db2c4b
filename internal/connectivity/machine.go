// Package connectivity owns the WiFi lifecycle and the top-level poll
// that drives every network component of the conductor.
//
// The machine moves BeforeStart → ConnectionWait when credentials are
// stored, or BeforeStart → ProvisioningWait when they are not.
// Provisioned credentials lead to ConnectionWait and are persisted only
// once the link proves them. A connection wait that outlives its
// timeout falls back to provisioning. A link loss after Connected is
// terminal: the device stays in Disconnected until restarted.
package connectivity

import (
	"log/slog"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/display"
	"github.com/csetera/TuneSyncMQ/internal/events"
	"github.com/csetera/TuneSyncMQ/internal/radio"
	"github.com/csetera/TuneSyncMQ/internal/settings"
)

// State is the connectivity state.
type State int

const (
	StateBeforeStart State = iota
	StateProvisioningWait
	StateConnectionWait
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateBeforeStart:
		return "BeforeStart"
	case StateProvisioningWait:
		return "ProvisioningWait"
	case StateConnectionWait:
		return "ConnectionWait"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultConnectTimeout bounds a connection wait.
const DefaultConnectTimeout = 30 * time.Second

// Progress messages shown while the machine waits.
const (
	MsgWaitingProvisioning = "Waiting for provisioning..."
	MsgWaitingWiFi         = "Waiting for WiFi..."
)

// CredentialStore is the slice of the settings store the machine uses.
// *settings.Store implements it.
type CredentialStore interface {
	Credentials() (settings.Credentials, bool, error)
	SaveCredentials(settings.Credentials) error
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	Radio          radio.Radio
	Store          CredentialStore
	Sink           display.ProgressSink
	Bus            *events.Bus
	Logger         *slog.Logger
	ConnectTimeout time.Duration

	// OnConnected runs once on entry to Connected, after pending
	// credentials are persisted.
	OnConnected func(address string)
	// OnDisconnected runs once on entry to Disconnected.
	OnDisconnected func()
}

// Machine is the connectivity state machine. It is driven only from
// Poll and is not safe for concurrent use.
type Machine struct {
	cfg    MachineConfig
	logger *slog.Logger

	state     State
	enteredAt time.Time
	creds     settings.Credentials
	// pending holds provisioned credentials that have not yet been
	// proven by a successful association.
	pending *settings.Credentials
	address string
}

// NewMachine creates a machine in BeforeStart.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Radio == nil || cfg.Store == nil {
		panic("connectivity: machine requires a radio and a credential store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = display.LogSink{Logger: cfg.Logger}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Machine{cfg: cfg, logger: cfg.Logger}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time { return m.enteredAt }

// SSID returns the network being joined or joined.
func (m *Machine) SSID() string { return m.creds.SSID }

// Address returns the station address once Connected.
func (m *Machine) Address() string { return m.address }

// Provisioning reports whether unproven provisioned credentials are
// being tried.
func (m *Machine) Provisioning() bool { return m.pending != nil }

// Poll applies pending radio events, then advances the current state.
// It never blocks.
func (m *Machine) Poll(now time.Time) {
	m.drainEvents(now)

	switch m.state {
	case StateBeforeStart:
		creds, ok, err := m.cfg.Store.Credentials()
		if err != nil {
			m.logger.Warn("settings unavailable, entering provisioning", "error", err)
			m.enterProvisioning(now)
			return
		}
		if !ok {
			m.enterProvisioning(now)
			return
		}
		m.startConnect(now, creds)

	case StateProvisioningWait:
		creds, ok := m.cfg.Radio.ProvisioningResult()
		if !ok {
			return
		}
		if err := m.cfg.Radio.StopProvisioning(); err != nil {
			m.logger.Warn("stop provisioning", "error", err)
		}
		m.pending = &creds
		m.startConnect(now, creds)

	case StateConnectionWait:
		if now.Sub(m.enteredAt) < m.cfg.ConnectTimeout {
			return
		}
		m.logger.Warn("wifi connection timed out", "ssid", m.creds.SSID, "timeout", m.cfg.ConnectTimeout)
		m.pending = nil
		m.enterProvisioning(now)
	}
}

func (m *Machine) drainEvents(now time.Time) {
	for {
		select {
		case ev := <-m.cfg.Radio.Events():
			m.handleEvent(now, ev)
		default:
			return
		}
	}
}

func (m *Machine) handleEvent(now time.Time, ev radio.Event) {
	m.logger.Debug("radio event", "kind", ev.Kind.String(), "state", m.state.String())

	switch ev.Kind {
	case radio.EventGotAddress:
		switch m.state {
		case StateConnectionWait:
			m.address = ev.Address
			m.enterConnected(now)
		case StateConnected:
			m.address = ev.Address
		}
	case radio.EventDisconnected:
		if m.state == StateConnected {
			m.enterDisconnected(now)
		}
	case radio.EventAssociationFailed:
		if m.state == StateConnectionWait {
			m.logger.Warn("wifi association failed", "ssid", m.creds.SSID, "error", ev.Err)
		}
	}
}

func (m *Machine) enterProvisioning(now time.Time) {
	m.transition(now, StateProvisioningWait)
	m.cfg.Sink.StartProgress(true)
	m.cfg.Sink.SetProgress(-1, MsgWaitingProvisioning)
	if err := m.cfg.Radio.StartProvisioning(); err != nil {
		m.logger.Error("start provisioning", "error", err)
	}
}

func (m *Machine) startConnect(now time.Time, creds settings.Credentials) {
	m.creds = creds
	m.address = ""
	m.transition(now, StateConnectionWait)
	m.cfg.Sink.StartProgress(true)
	m.cfg.Sink.SetProgress(-1, MsgWaitingWiFi)
	if err := m.cfg.Radio.Connect(creds); err != nil {
		m.logger.Error("request wifi connection", "ssid", creds.SSID, "error", err)
	}
}

func (m *Machine) enterConnected(now time.Time) {
	if m.pending != nil {
		if err := m.cfg.Store.SaveCredentials(*m.pending); err != nil {
			m.logger.Error("persist provisioned credentials", "ssid", m.pending.SSID, "error", err)
		} else {
			m.logger.Info("provisioned credentials saved", "ssid", m.pending.SSID)
		}
		m.pending = nil
	}
	m.transition(now, StateConnected)
	m.cfg.Sink.CompleteProgress()
	m.logger.Info("wifi connected", "ssid", m.creds.SSID, "address", m.address)
	if m.cfg.OnConnected != nil {
		m.cfg.OnConnected(m.address)
	}
}

func (m *Machine) enterDisconnected(now time.Time) {
	m.transition(now, StateDisconnected)
	m.logger.Warn("wifi link lost", "ssid", m.creds.SSID)
	if m.cfg.OnDisconnected != nil {
		m.cfg.OnDisconnected()
	}
}

func (m *Machine) transition(now time.Time, to State) {
	from := m.state
	m.state = to
	m.enteredAt = now
	m.logger.Info("connectivity state changed", "from", from.String(), "to", to.String())
	m.cfg.Bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceConnectivity,
		Kind:      events.KindStateChanged,
		Data:      map[string]any{"from": from.String(), "to": to.String()},
	})
}

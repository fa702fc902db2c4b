// Package radio abstracts the WiFi link. A driver can request a
// connection by credentials, report link events, enter a provisioning
// mode that captures new credentials, and scan for access points.
// Drivers never block the caller: association and scanning work happens
// on driver goroutines and results arrive on the Events channel.
package radio

import (
	"context"
	"errors"

	"github.com/csetera/TuneSyncMQ/internal/settings"
)

// ErrNotSupported is returned by drivers that lack a capability.
var ErrNotSupported = errors.New("not supported by radio driver")

// EventKind tags a link Event.
type EventKind int

const (
	// EventGotAddress reports association success with an address.
	EventGotAddress EventKind = iota + 1
	// EventDisconnected reports that the station link went down.
	EventDisconnected
	// EventAssociationFailed reports a rejected connection request.
	// The connectivity machine keeps waiting; the timeout decides.
	EventAssociationFailed
)

func (k EventKind) String() string {
	switch k {
	case EventGotAddress:
		return "got_address"
	case EventDisconnected:
		return "disconnected"
	case EventAssociationFailed:
		return "association_failed"
	default:
		return "unknown"
	}
}

// Event is a link event delivered to the connectivity machine's poll.
type Event struct {
	Kind    EventKind
	Address string
	Err     error
}

// Encryption types reported in AccessPoint.EncType. The numbering
// matches what the bundled web application renders.
const (
	EncOpen    = 0
	EncWEP     = 1
	EncWPAPSK  = 2
	EncWPA2PSK = 3
	EncWPAWPA2 = 4
)

// AccessPoint is one network scan entry.
type AccessPoint struct {
	Channel int    `json:"CHANNEL"`
	EncType int    `json:"ENC_TYPE"`
	RSSI    int    `json:"RSSI"`
	SSID    string `json:"SSID"`
}

// Provisioner captures credentials while the radio is in provisioning
// mode. *provision.Portal implements it.
type Provisioner interface {
	Start() error
	Stop(ctx context.Context) error
	Result() (settings.Credentials, bool)
}

// Radio is the link capability the connectivity machine drives.
type Radio interface {
	// Connect requests association with creds. It returns once the
	// request is queued; the outcome arrives on Events.
	Connect(creds settings.Credentials) error
	// StartProvisioning enters provisioning mode.
	StartProvisioning() error
	// StopProvisioning leaves provisioning mode.
	StopProvisioning() error
	// ProvisioningResult returns credentials captured in provisioning
	// mode, once.
	ProvisioningResult() (settings.Credentials, bool)
	// Scan returns visible access points. It blocks and must not be
	// called from the poll goroutine.
	Scan(ctx context.Context) ([]AccessPoint, error)
	// Events delivers link events. It is never closed while the radio
	// is open.
	Events() <-chan Event
	Close() error
}

// emit sends ev without blocking; events are dropped when the poll
// loop has fallen far behind.
func emit(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/csetera/TuneSyncMQ/internal/settings"
)

const (
	nmDest              = "org.freedesktop.NetworkManager"
	nmPath              = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmIface             = "org.freedesktop.NetworkManager"
	nmDeviceIface       = nmIface + ".Device"
	nmWirelessIface     = nmDeviceIface + ".Wireless"
	nmAccessPointIface  = nmIface + ".AccessPoint"
	nmSettingsConnIface = nmIface + ".Settings.Connection"
	dbusPropsGetAll     = "org.freedesktop.DBus.Properties.GetAll"

	connectionID = "conductor"
	hotspotID    = "conductor-setup"
)

// NetworkManager device states used by the driver.
const (
	nmStateDisconnected uint32 = 30
	nmStateActivated    uint32 = 100
	nmStateFailed       uint32 = 120
)

// Access point security flags.
const (
	nm80211APFlagsPrivacy uint32 = 0x1
)

type linkMode int

const (
	modeIdle linkMode = iota
	modeStation
	modeHotspot
)

// NetworkManagerConfig configures a NetworkManager radio.
type NetworkManagerConfig struct {
	Interface  string
	Hostname   string
	APSSID     string
	APPassword string
	// Provisioner captures credentials while the hotspot is up.
	Provisioner Provisioner
	Logger      *slog.Logger
}

// NetworkManager drives the wireless interface through NetworkManager
// on the system D-Bus. All D-Bus calls run on one worker goroutine in
// submission order.
type NetworkManager struct {
	cfg     NetworkManagerConfig
	logger  *slog.Logger
	conn    *dbus.Conn
	nm      dbus.BusObject
	device  dbus.ObjectPath
	events  chan Event
	signals chan *dbus.Signal
	jobs    chan func()
	done    chan struct{}

	mu       sync.Mutex
	mode     linkMode
	profile  dbus.ObjectPath // settings connection created by us
	active   dbus.ObjectPath
	closed   bool
	closeErr error
}

// NewNetworkManager opens a private system bus connection and resolves
// the configured interface.
func NewNetworkManager(cfg NetworkManagerConfig) (*NetworkManager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	nm := conn.Object(nmDest, nmPath)
	var device dbus.ObjectPath
	if err := nm.Call(nmIface+".GetDeviceByIpIface", 0, cfg.Interface).Store(&device); err != nil {
		conn.Close()
		return nil, fmt.Errorf("find device %s: %w", cfg.Interface, err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(device),
		dbus.WithMatchInterface(nmDeviceIface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("watch device state: %w", err)
	}

	n := &NetworkManager{
		cfg:     cfg,
		logger:  cfg.Logger,
		conn:    conn,
		nm:      nm,
		device:  device,
		events:  make(chan Event, 8),
		signals: make(chan *dbus.Signal, 16),
		jobs:    make(chan func(), 8),
		done:    make(chan struct{}),
	}
	conn.Signal(n.signals)

	go n.worker()
	go n.watch()

	n.logger.Info("networkmanager radio ready", "interface", cfg.Interface, "device", device)
	return n, nil
}

func (n *NetworkManager) worker() {
	for {
		select {
		case <-n.done:
			return
		case job := <-n.jobs:
			job()
		}
	}
}

func (n *NetworkManager) enqueue(job func()) error {
	select {
	case <-n.done:
		return errors.New("radio closed")
	case n.jobs <- job:
		return nil
	default:
		return errors.New("radio command queue full")
	}
}

func (n *NetworkManager) watch() {
	for {
		select {
		case <-n.done:
			return
		case sig, ok := <-n.signals:
			if !ok {
				return
			}
			if sig.Name != nmDeviceIface+".StateChanged" || len(sig.Body) < 2 {
				continue
			}
			newState, _ := sig.Body[0].(uint32)
			oldState, _ := sig.Body[1].(uint32)
			n.onStateChanged(newState, oldState)
		}
	}
}

func (n *NetworkManager) onStateChanged(newState, oldState uint32) {
	n.mu.Lock()
	mode := n.mode
	n.mu.Unlock()

	n.logger.Debug("device state changed", "new", newState, "old", oldState, "station", mode == modeStation)
	if mode != modeStation {
		return
	}
	if ev, ok := stationEvent(newState, oldState); ok {
		if ev.Kind == EventGotAddress {
			ev.Address = interfaceAddress(n.cfg.Interface)
		}
		emit(n.events, ev)
	}
}

// stationEvent maps a device state transition to a link event.
func stationEvent(newState, oldState uint32) (Event, bool) {
	switch {
	case newState == nmStateActivated:
		return Event{Kind: EventGotAddress}, true
	case oldState == nmStateActivated && newState < nmStateActivated:
		return Event{Kind: EventDisconnected}, true
	case newState == nmStateFailed:
		return Event{Kind: EventAssociationFailed, Err: errors.New("device activation failed")}, true
	}
	return Event{}, false
}

// Connect adds and activates a station profile for creds.
func (n *NetworkManager) Connect(creds settings.Credentials) error {
	n.mu.Lock()
	n.mode = modeStation
	n.mu.Unlock()

	return n.enqueue(func() {
		n.removeProfile()
		if err := n.activate(stationSettings(creds, n.cfg.Hostname)); err != nil {
			n.logger.Warn("association request failed", "ssid", creds.SSID, "error", err)
			emit(n.events, Event{Kind: EventAssociationFailed, Err: err})
		}
	})
}

// StartProvisioning brings up the setup hotspot and the provisioner.
func (n *NetworkManager) StartProvisioning() error {
	n.mu.Lock()
	n.mode = modeHotspot
	n.mu.Unlock()

	if err := n.enqueue(func() {
		n.removeProfile()
		if err := n.activate(hotspotSettings(n.cfg.APSSID, n.cfg.APPassword)); err != nil {
			n.logger.Error("hotspot activation failed", "ssid", n.cfg.APSSID, "error", err)
		}
	}); err != nil {
		return err
	}
	if n.cfg.Provisioner == nil {
		return nil
	}
	return n.cfg.Provisioner.Start()
}

// StopProvisioning queues the provisioner shutdown and hotspot
// teardown on the worker.
func (n *NetworkManager) StopProvisioning() error {
	n.mu.Lock()
	n.mode = modeIdle
	n.mu.Unlock()

	return n.enqueue(func() {
		if n.cfg.Provisioner != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := n.cfg.Provisioner.Stop(ctx); err != nil {
				n.logger.Warn("provisioning portal stop failed", "error", err)
			}
			cancel()
		}
		n.removeProfile()
	})
}

// ProvisioningResult returns credentials captured by the provisioner.
func (n *NetworkManager) ProvisioningResult() (settings.Credentials, bool) {
	n.mu.Lock()
	mode := n.mode
	n.mu.Unlock()
	if mode != modeHotspot || n.cfg.Provisioner == nil {
		return settings.Credentials{}, false
	}
	return n.cfg.Provisioner.Result()
}

// Scan requests a fresh scan and returns the access points
// NetworkManager currently knows about, strongest first. Hidden
// networks are omitted.
func (n *NetworkManager) Scan(ctx context.Context) ([]AccessPoint, error) {
	dev := n.conn.Object(nmDest, n.device)
	if call := dev.CallWithContext(ctx, nmWirelessIface+".RequestScan", 0, map[string]dbus.Variant{}); call.Err != nil {
		// A scan already in progress or rate limited; cached results still apply.
		n.logger.Debug("scan request refused", "error", call.Err)
	}

	var paths []dbus.ObjectPath
	if err := dev.CallWithContext(ctx, nmWirelessIface+".GetAllAccessPoints", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("list access points: %w", err)
	}

	aps := make([]AccessPoint, 0, len(paths))
	for _, p := range paths {
		var props map[string]dbus.Variant
		if err := n.conn.Object(nmDest, p).CallWithContext(ctx, dbusPropsGetAll, 0, nmAccessPointIface).Store(&props); err != nil {
			n.logger.Debug("access point vanished", "path", p, "error", err)
			continue
		}
		if ap, ok := accessPointFromProps(props); ok {
			aps = append(aps, ap)
		}
	}
	sort.SliceStable(aps, func(i, j int) bool { return aps[i].RSSI > aps[j].RSSI })
	return aps, nil
}

// Events returns the link event channel.
func (n *NetworkManager) Events() <-chan Event { return n.events }

// Close stops the driver and closes the bus connection. Profiles
// created by the driver are left in place so the link survives a
// daemon restart.
func (n *NetworkManager) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return n.closeErr
	}
	n.closed = true
	close(n.done)
	n.conn.RemoveSignal(n.signals)
	n.closeErr = n.conn.Close()
	return n.closeErr
}

func (n *NetworkManager) activate(conn map[string]map[string]dbus.Variant) error {
	var profile, active dbus.ObjectPath
	err := n.nm.Call(nmIface+".AddAndActivateConnection", 0, conn, n.device, dbus.ObjectPath("/")).Store(&profile, &active)
	if err != nil {
		return fmt.Errorf("add and activate connection: %w", err)
	}
	n.mu.Lock()
	n.profile = profile
	n.active = active
	n.mu.Unlock()
	return nil
}

// removeProfile deactivates and deletes the profile this driver last
// created. Runs on the worker.
func (n *NetworkManager) removeProfile() {
	n.mu.Lock()
	profile, active := n.profile, n.active
	n.profile, n.active = "", ""
	n.mu.Unlock()

	if active != "" {
		if call := n.nm.Call(nmIface+".DeactivateConnection", 0, active); call.Err != nil {
			n.logger.Debug("deactivate connection", "path", active, "error", call.Err)
		}
	}
	if profile != "" {
		if call := n.conn.Object(nmDest, profile).Call(nmSettingsConnIface+".Delete", 0); call.Err != nil {
			n.logger.Debug("delete connection", "path", profile, "error", call.Err)
		}
	}
}

func stationSettings(creds settings.Credentials, hostname string) map[string]map[string]dbus.Variant {
	s := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(connectionID),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(true),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(creds.SSID)),
			"mode": dbus.MakeVariant("infrastructure"),
		},
		"ipv4": {
			"method": dbus.MakeVariant("auto"),
		},
		"ipv6": {
			"method": dbus.MakeVariant("auto"),
		},
	}
	if hostname != "" {
		s["ipv4"]["dhcp-hostname"] = dbus.MakeVariant(hostname)
	}
	if creds.Password != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(creds.Password),
		}
	}
	return s
}

func hotspotSettings(ssid, password string) map[string]map[string]dbus.Variant {
	s := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(hotspotID),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid": dbus.MakeVariant([]byte(ssid)),
			"mode": dbus.MakeVariant("ap"),
			"band": dbus.MakeVariant("bg"),
		},
		"ipv4": {
			"method": dbus.MakeVariant("shared"),
		},
		"ipv6": {
			"method": dbus.MakeVariant("ignore"),
		},
	}
	if password != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}
	return s
}

func accessPointFromProps(props map[string]dbus.Variant) (AccessPoint, bool) {
	var ssid []byte
	if v, ok := props["Ssid"]; ok {
		v.Store(&ssid)
	}
	if len(ssid) == 0 {
		return AccessPoint{}, false
	}
	var strength byte
	var freq, flags, wpa, rsn uint32
	if v, ok := props["Strength"]; ok {
		v.Store(&strength)
	}
	if v, ok := props["Frequency"]; ok {
		v.Store(&freq)
	}
	if v, ok := props["Flags"]; ok {
		v.Store(&flags)
	}
	if v, ok := props["WpaFlags"]; ok {
		v.Store(&wpa)
	}
	if v, ok := props["RsnFlags"]; ok {
		v.Store(&rsn)
	}
	return AccessPoint{
		Channel: channelFromFrequency(freq),
		EncType: encType(flags, wpa, rsn),
		RSSI:    rssiFromStrength(strength),
		SSID:    string(ssid),
	}, true
}

// channelFromFrequency converts a centre frequency in MHz to an 802.11
// channel number. Unknown bands map to 0.
func channelFromFrequency(mhz uint32) int {
	switch {
	case mhz == 2484:
		return 14
	case mhz >= 2412 && mhz < 2484:
		return int(mhz-2407) / 5
	case mhz >= 5000 && mhz < 5900:
		return int(mhz-5000) / 5
	case mhz >= 5955 && mhz <= 7115:
		return int(mhz-5950) / 5
	}
	return 0
}

// rssiFromStrength approximates dBm from NetworkManager's 0-100
// quality percentage.
func rssiFromStrength(strength byte) int {
	if strength > 100 {
		strength = 100
	}
	return int(strength)/2 - 100
}

func encType(flags, wpa, rsn uint32) int {
	switch {
	case wpa != 0 && rsn != 0:
		return EncWPAWPA2
	case rsn != 0:
		return EncWPA2PSK
	case wpa != 0:
		return EncWPAPSK
	case flags&nm80211APFlagsPrivacy != 0:
		return EncWEP
	}
	return EncOpen
}

// interfaceAddress returns the first IPv4 address on name, or "".
func interfaceAddress(name string) string {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil && !ipn.IP.IsLoopback() {
			return ipn.IP.String()
		}
	}
	return ""
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/albumart"
	"github.com/csetera/TuneSyncMQ/internal/api"
	"github.com/csetera/TuneSyncMQ/internal/buildinfo"
	"github.com/csetera/TuneSyncMQ/internal/config"
	"github.com/csetera/TuneSyncMQ/internal/connectivity"
	"github.com/csetera/TuneSyncMQ/internal/connwatch"
	"github.com/csetera/TuneSyncMQ/internal/display"
	"github.com/csetera/TuneSyncMQ/internal/events"
	"github.com/csetera/TuneSyncMQ/internal/httpkit"
	"github.com/csetera/TuneSyncMQ/internal/logmirror"
	"github.com/csetera/TuneSyncMQ/internal/mdns"
	"github.com/csetera/TuneSyncMQ/internal/mqtt"
	"github.com/csetera/TuneSyncMQ/internal/ota"
	"github.com/csetera/TuneSyncMQ/internal/provision"
	"github.com/csetera/TuneSyncMQ/internal/radio"
	"github.com/csetera/TuneSyncMQ/internal/settings"
)

// daemon holds everything runServe builds so it can be torn down in
// reverse order.
type daemon struct {
	logger       *slog.Logger
	bus          *events.Bus
	mirror       *logmirror.Writer
	store        *settings.Store
	portal       *provision.Portal
	radio        radio.Radio
	progress     *display.Tracker
	orchestrator *connectivity.Orchestrator
}

// newDaemon wires the components for cfg. Logs are written to stdout
// through the log mirror, which starts forwarding lines to viewers once
// the link is up.
func newDaemon(cfg *config.Config, stdout io.Writer) (*daemon, error) {
	d := &daemon{bus: events.New(), progress: &display.Tracker{}}
	d.mirror = logmirror.NewWriter(stdout, d.bus)

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(d.mirror, level, cfg.LogFormat)
	d.logger = logger

	deviceID, err := mqtt.DeviceID(cfg.Device.Interface, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	hostname := mqtt.Hostname(cfg.Device.NamePrefix, deviceID)
	logger.Info("device identity", "hostname", hostname, "interface", cfg.Device.Interface)

	d.store, err = settings.NewStore(dataPath(cfg, "settings.db"), cfg.Settings.Options)
	if err != nil {
		logger.Error("settings store unavailable, credentials will not persist", "error", err)
		d.store = settings.Unavailable(err, cfg.Settings.Options)
	}

	d.portal = provision.NewPortal(provision.PortalConfig{
		Addr:       cfg.Provisioning.Listen,
		APSSID:     cfg.Provisioning.APSSID,
		APPassword: cfg.Provisioning.APPassword,
		Logger:     logger.With("component", "provision"),
	})

	d.radio, err = newRadio(cfg, hostname, d.portal, logger.With("component", "radio"))
	if err != nil {
		d.close()
		return nil, err
	}

	sink := display.Tee{display.LogSink{Logger: logger}, d.progress}
	connMgr := connwatch.NewManager(logger)

	art := albumart.NewAssembler(albumart.Config{
		Dir:    dataPath(cfg, "albumart"),
		Logger: logger.With("component", "albumart"),
	})
	playback := albumart.NewPlayback(logger.With("component", "playback"))

	// Left nil when no broker is configured; a typed nil would make the
	// orchestrator poll it.
	var session connectivity.SessionPoller
	if cfg.MQTT.Configured() {
		s, err := newSession(cfg, hostname, connMgr, d.bus, logger.With("component", "mqtt"))
		if err != nil {
			d.close()
			return nil, err
		}
		s.Subscribe(cfg.MQTT.AlbumArtTopic, art.HandleMessage)
		s.Subscribe(cfg.MQTT.PlaybackTopic, playback.HandleMessage)
		session = s
	} else {
		logger.Warn("mqtt broker not configured, session disabled")
	}

	coordinator := ota.NewCoordinator(sink, d.bus, logger.With("component", "ota"))
	receiver := ota.NewReceiver(ota.ReceiverConfig{
		Addr:         ":" + strconv.Itoa(cfg.OTA.Port),
		PasswordHash: cfg.OTA.PasswordHash,
		StagingDir:   cfg.OTA.StagingDir,
		Logger:       logger.With("component", "ota"),
	}, coordinator)

	var puller api.Puller
	if cfg.OTA.Release.Configured() {
		httpClient := httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		)
		p, err := ota.NewReleasePuller(httpClient, ota.PullerConfig{
			Repo:           cfg.OTA.Release.Repo,
			Asset:          cfg.OTA.Release.Asset,
			Token:          cfg.OTA.Release.Token,
			CurrentVersion: buildinfo.Version,
		}, receiver, logger.With("component", "release"))
		if err != nil {
			d.close()
			return nil, fmt.Errorf("release puller: %w", err)
		}
		puller = p
	}

	services := connectivity.NewServiceSet(logger, nil)
	d.orchestrator = connectivity.NewOrchestrator(connectivity.OrchestratorConfig{
		Machine: connectivity.MachineConfig{
			Radio:          d.radio,
			Store:          d.store,
			Sink:           sink,
			Bus:            d.bus,
			ConnectTimeout: time.Duration(cfg.WiFi.ConnectTimeoutSec) * time.Second,
		},
		Session:  session,
		Update:   coordinator,
		Services: services,
		Mirror:   d.mirror,
		Hostname: hostname,
		Logger:   logger,
	})

	services.Add(mdns.NewResponder(cfg.Device.MDNSName, logger.With("component", "mdns")))
	services.Add(receiver)
	services.Add(api.NewServer(api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		MaxConnections: cfg.Listen.MaxConnections,
		Snapshot:       d.orchestrator.Snapshot,
		Networks:       d.radio,
		Settings:       d.store,
		LogViewer:      logmirror.NewHandler(d.bus, 0, logger.With("component", "logmirror")),
		Puller:         puller,
		AlbumArt:       art.Last,
		Playback:       playback.Last,
		Watchers:       connMgr.Status,
		Progress:       d.progress.Current,
		Bus:            d.bus,
		Logger:         logger.With("component", "api"),
	}))

	return d, nil
}

func newRadio(cfg *config.Config, hostname string, portal *provision.Portal, logger *slog.Logger) (radio.Radio, error) {
	switch cfg.WiFi.Driver {
	case config.DriverSimulated:
		return radio.NewSimulated(radio.SimulatedConfig{
			Delay:       time.Duration(cfg.WiFi.SimulatedDelayMs) * time.Millisecond,
			Provisioner: portal,
			Logger:      logger,
		}), nil
	case config.DriverNetworkManager:
		nm, err := radio.NewNetworkManager(radio.NetworkManagerConfig{
			Interface:   cfg.Device.Interface,
			Hostname:    hostname,
			APSSID:      cfg.Provisioning.APSSID,
			APPassword:  cfg.Provisioning.APPassword,
			Provisioner: portal,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("networkmanager radio: %w", err)
		}
		return nm, nil
	default:
		return nil, fmt.Errorf("unknown wifi driver %q", cfg.WiFi.Driver)
	}
}

func newSession(cfg *config.Config, clientID string, connMgr *connwatch.Manager, bus *events.Bus, logger *slog.Logger) (*mqtt.Session, error) {
	transport, err := mqtt.NewPahoTransport(cfg.MQTT.Broker, logger)
	if err != nil {
		return nil, err
	}
	cooldown := time.Duration(cfg.MQTT.ReconnectCooldownSec) * time.Second
	schedule := connMgr.Track("mqtt", connwatch.BackoffConfig{
		Interval:   cooldown,
		Multiplier: 1,
		MaxDelay:   cooldown,
	})
	return mqtt.NewSession(mqtt.SessionConfig{
		ClientID:      clientID,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		CommandTopic:  cfg.MQTT.CommandTopic,
		AnnounceTopic: cfg.MQTT.AnnounceTopic,
		KeepAliveSec:  cfg.MQTT.KeepAliveSec,
		MaxBatch:      cfg.MQTT.MaxBatch,
		Schedule:      schedule,
		Bus:           bus,
		Logger:        logger,
	}, transport), nil
}

// close releases what newDaemon opened. The orchestrator has already
// stopped its services by the time this runs.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.portal != nil {
		if err := d.portal.Stop(ctx); err != nil {
			d.logger.Warn("provisioning portal stop failed", "error", err)
		}
	}
	if d.radio != nil {
		if err := d.radio.Close(); err != nil {
			d.logger.Warn("radio close failed", "error", err)
		}
	}
	if d.store != nil {
		d.store.Close()
	}
}

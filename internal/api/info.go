package api

import (
	"runtime"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/albumart"
	"github.com/csetera/TuneSyncMQ/internal/buildinfo"
	"github.com/csetera/TuneSyncMQ/internal/connwatch"
	"github.com/csetera/TuneSyncMQ/internal/display"
)

// Capability names reported under Features.
const (
	FeatureLogMirror   = "LogMirror"
	FeatureAlbumArt    = "AlbumArt"
	FeatureReleasePull = "ReleasePull"
)

// Info is the diagnostic document served by /api/info. /api/features
// returns only Features.
type Info struct {
	Features []string                 `json:"Features"`
	General  *GeneralInfo             `json:"General,omitempty"`
	Network  *NetworkInfo             `json:"Network,omitempty"`
	Broker   *BrokerInfo              `json:"Broker,omitempty"`
	Update   *UpdateInfo              `json:"Update,omitempty"`
	Heap     *HeapInfo                `json:"Heap,omitempty"`
	Host     *HostInfo                `json:"Host,omitempty"`
	Playback *albumart.PlaybackStatus `json:"Playback,omitempty"`
	AlbumArt *albumart.Completed      `json:"AlbumArt,omitempty"`

	Services map[string]connwatch.ServiceStatus `json:"Services,omitempty"`
	Display  *display.Progress                  `json:"Display,omitempty"`
}

type GeneralInfo struct {
	Build     string `json:"Build"`
	Version   string `json:"Version"`
	IpAddr    string `json:"IpAddr"`
	GoVersion string `json:"GoVersion"`
	Uptime    string `json:"Uptime"`
}

type NetworkInfo struct {
	State    string    `json:"State"`
	Since    time.Time `json:"Since"`
	SSID     string    `json:"SSID"`
	Hostname string    `json:"Hostname"`
}

type BrokerInfo struct {
	Connected   bool      `json:"Connected"`
	ClientID    string    `json:"ClientID"`
	LastAttempt time.Time `json:"LastAttempt"`
	LastError   string    `json:"LastError,omitempty"`
}

type UpdateInfo struct {
	State   string `json:"State"`
	Percent int    `json:"Percent"`
}

// HeapInfo reports Go runtime memory statistics in bytes.
type HeapInfo struct {
	Sys       uint64 `json:"Sys"`
	Alloc     uint64 `json:"Alloc"`
	HeapInuse uint64 `json:"HeapInuse"`
	NumGC     uint32 `json:"NumGC"`
}

type HostInfo struct {
	OS   string `json:"OS"`
	Arch string `json:"Arch"`
	CPUs int    `json:"CPUs"`
}

func (s *Server) features() []string {
	f := []string{}
	if s.cfg.LogViewer != nil {
		f = append(f, FeatureLogMirror)
	}
	if s.cfg.AlbumArt != nil {
		f = append(f, FeatureAlbumArt)
	}
	if s.cfg.Puller != nil {
		f = append(f, FeatureReleasePull)
	}
	return f
}

func (s *Server) info(featuresOnly bool) Info {
	info := Info{Features: s.features()}
	if featuresOnly {
		return info
	}

	info.General = &GeneralInfo{
		Build:     buildinfo.BuildTimestamp(),
		Version:   buildinfo.Version,
		GoVersion: runtime.Version(),
		Uptime:    buildinfo.Uptime().String(),
	}

	if snap := s.cfg.Snapshot(); snap != nil {
		info.General.IpAddr = snap.Address
		info.Network = &NetworkInfo{
			State:    snap.State.String(),
			Since:    snap.Since,
			SSID:     snap.SSID,
			Hostname: snap.Hostname,
		}
		if snap.Broker != nil {
			info.Broker = &BrokerInfo{
				Connected:   snap.Broker.Connected,
				ClientID:    snap.Broker.ClientID,
				LastAttempt: snap.Broker.LastAttempt,
				LastError:   snap.Broker.LastError,
			}
		}
		info.Update = &UpdateInfo{State: string(snap.Update.State), Percent: snap.Update.Percent}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.Heap = &HeapInfo{Sys: ms.Sys, Alloc: ms.Alloc, HeapInuse: ms.HeapInuse, NumGC: ms.NumGC}
	info.Host = &HostInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, CPUs: runtime.NumCPU()}

	if s.cfg.Playback != nil {
		if st, ok := s.cfg.Playback(); ok {
			info.Playback = &st
		}
	}
	if s.cfg.AlbumArt != nil {
		if c, ok := s.cfg.AlbumArt(); ok {
			info.AlbumArt = &c
		}
	}
	if s.cfg.Watchers != nil {
		info.Services = s.cfg.Watchers()
	}
	if s.cfg.Progress != nil {
		p := s.cfg.Progress()
		info.Display = &p
	}
	return info
}

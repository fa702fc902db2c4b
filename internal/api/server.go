// Package api implements the conductor's control-plane HTTP server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/csetera/TuneSyncMQ/internal/albumart"
	"github.com/csetera/TuneSyncMQ/internal/connectivity"
	"github.com/csetera/TuneSyncMQ/internal/connwatch"
	"github.com/csetera/TuneSyncMQ/internal/display"
	"github.com/csetera/TuneSyncMQ/internal/events"
	"github.com/csetera/TuneSyncMQ/internal/ota"
	"github.com/csetera/TuneSyncMQ/internal/radio"
	"github.com/csetera/TuneSyncMQ/internal/settings"
)

const apiPrefix = "/api/"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Scanner performs a synchronous network scan.
type Scanner interface {
	Scan(ctx context.Context) ([]radio.AccessPoint, error)
}

// SettingsStore is the part of the settings store the server uses.
type SettingsStore interface {
	Snapshot() (settings.View, error)
	Apply(u settings.Update) ([]string, error)
}

// Puller fetches a published release into the update pipeline.
type Puller interface {
	Pull(ctx context.Context) (ota.PullResult, error)
}

// Config configures a Server. Snapshot, Networks and Settings are
// required; the rest are optional.
type Config struct {
	Address        string
	Port           int
	MaxConnections int

	Snapshot func() *connectivity.Snapshot
	Networks Scanner
	Settings SettingsStore

	// LogViewer serves the log mirror WebSocket at /ws_serial.
	LogViewer http.Handler
	Puller    Puller
	AlbumArt  func() (albumart.Completed, bool)
	Playback  func() (albumart.PlaybackStatus, bool)

	// Watchers reports reconnect schedules under Services in /api/info.
	Watchers func() map[string]connwatch.ServiceStatus
	Progress func() display.Progress

	Bus    *events.Bus
	Logger *slog.Logger
}

// Server is the control-plane HTTP server. It is started once the link
// is up and stopped when it drops.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// NewServer creates a server. It panics when a required dependency is
// missing.
func NewServer(cfg Config) *Server {
	if cfg.Snapshot == nil || cfg.Networks == nil || cfg.Settings == nil {
		panic("api: snapshot, networks and settings are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Name identifies the service in logs.
func (s *Server) Name() string { return "api" }

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.HandleFunc("GET /api/features", s.handleFeatures)
	mux.HandleFunc("GET /api/networks", s.handleNetworks)
	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("POST /api/settings", s.handleSettingsPost)
	if s.cfg.Puller != nil {
		mux.HandleFunc("POST /api/update/pull", s.handleUpdatePull)
	}

	if s.cfg.LogViewer != nil {
		mux.Handle("GET /ws_serial", s.cfg.LogViewer)
	}

	mux.HandleFunc("/", s.handleNotFound)

	return s.withLogging(withCORS(mux))
}

// Start listens on the configured address. At most MaxConnections
// connections are served at once when it is positive.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	s.server = srv
	s.addr = ln.Addr()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	s.logger.Info("api server listening", "addr", s.addr.String(), "max_connections", s.cfg.MaxConnections)
	return nil
}

// Addr returns the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.addr = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withCORS adds CORS headers to every API response and answers
// preflight requests for any path under the API prefix.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, apiPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.errorResponse(w, http.StatusNotFound, "not found")
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("received info request")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.info(false), s.logger)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("received features request")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.info(true), s.logger)
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("received networks request")
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	aps, err := s.cfg.Networks.Scan(ctx)
	switch {
	case errors.Is(err, radio.ErrNotSupported):
		s.errorResponse(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		s.logger.Warn("network scan failed", "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, "scan failed")
		return
	}
	if aps == nil {
		aps = []radio.AccessPoint{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, aps, s.logger)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.cfg.Settings.Snapshot()
	if err != nil {
		s.logger.Error("settings read failed", "error", err)
		s.errorResponse(w, settingsStatus(err), "settings unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func settingsStatus(err error) int {
	if errors.Is(err, settings.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed, err := s.cfg.Settings.Apply(u)
	switch {
	case errors.Is(err, settings.ErrInvalid):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("settings write failed", "error", err)
		s.errorResponse(w, settingsStatus(err), "settings not saved")
		return
	}

	if len(changed) > 0 {
		s.logger.Info("settings saved", "keys", changed)
		s.cfg.Bus.Publish(events.Event{
			Source: events.SourceSettings,
			Kind:   events.KindSettingsSaved,
			Data:   map[string]any{"keys": changed},
		})
	}
	s.handleSettingsGet(w, r)
}

func (s *Server) handleUpdatePull(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Puller.Pull(r.Context())
	switch {
	case errors.Is(err, ota.ErrNoUpdate):
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{"status": "up_to_date", "tag": res.Tag}, s.logger)
	case errors.Is(err, ota.ErrBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Warn("release pull failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, res, s.logger)
	}
}

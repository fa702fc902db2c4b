// Package provision serves the credential capture page a phone or laptop
// uses to hand WiFi credentials to an unprovisioned conductor. The radio
// layer brings up the access point; the portal only accepts and holds
// the submitted credentials until the connectivity machine collects
// them.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/csetera/TuneSyncMQ/internal/settings"
)

// PortalConfig configures a Portal.
type PortalConfig struct {
	// Addr is the listen address, e.g. ":8081".
	Addr string
	// APSSID and APPassword describe the setup access point. They are
	// encoded into the join QR code.
	APSSID     string
	APPassword string
	Logger     *slog.Logger
}

// Portal captures credentials over HTTP. Result is safe to call from
// the poll goroutine while requests are served concurrently.
type Portal struct {
	cfg    PortalConfig
	logger *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	pending *settings.Credentials
}

// NewPortal creates a portal. It does not listen until Start.
func NewPortal(cfg PortalConfig) *Portal {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Portal{cfg: cfg, logger: cfg.Logger}
}

// Handler returns the portal routes.
func (p *Portal) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", p.handleIndex)
	mux.HandleFunc("GET /qr.png", p.handleQR)
	mux.HandleFunc("GET /status", p.handleStatus)
	mux.HandleFunc("POST /provision", p.handleProvision)
	return mux
}

// Start listens and serves in the background. Calling Start on a
// running portal is a no-op so the radio may re-enter provisioning.
func (p *Portal) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("provisioning portal stopped", "error", err)
		}
	}()
	p.logger.Info("provisioning portal listening", "addr", ln.Addr().String(), "ap_ssid", p.cfg.APSSID)
	return nil
}

// Stop shuts the portal down. Credentials not yet collected are
// discarded.
func (p *Portal) Stop(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.pending = nil
	p.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Result returns submitted credentials once and clears them.
func (p *Portal) Result() (settings.Credentials, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return settings.Credentials{}, false
	}
	c := *p.pending
	p.pending = nil
	return c, true
}

// Submit records credentials as if they had been posted. The latest
// submission wins until Result collects it.
func (p *Portal) Submit(c settings.Credentials) error {
	if err := c.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.pending = &c
	p.mu.Unlock()
	p.logger.Info("credentials received", "ssid", c.SSID)
	return nil
}

// JoinURI returns the WIFI: URI phones understand for joining the
// setup access point.
func (p *Portal) JoinURI() string {
	auth := "WPA"
	if p.cfg.APPassword == "" {
		auth = "nopass"
	}
	return fmt.Sprintf("WIFI:T:%s;S:%s;P:%s;;", auth, escapeWiFi(p.cfg.APSSID), escapeWiFi(p.cfg.APPassword))
}

func escapeWiFi(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	return r.Replace(s)
}

type provisionRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

func (p *Portal) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		req.SSID = r.PostFormValue("ssid")
		req.Password = r.PostFormValue("password")
	}

	if err := p.Submit(settings.Credentials{SSID: req.SSID, Password: req.Password}); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting", "ssid": req.SSID})
}

func (p *Portal) handleStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	waiting := p.pending == nil
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"waiting": waiting})
}

func (p *Portal) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(p.JoinURI(), qrcode.Medium, 256)
	if err != nil {
		p.logger.Warn("qr encode failed", "error", err)
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><meta name="viewport" content="width=device-width"><title>Conductor setup</title></head>
<body>
<h1>Conductor setup</h1>
<form method="post" action="/provision">
<label>Network <input name="ssid" maxlength="32" required></label><br>
<label>Password <input name="password" type="password" maxlength="63"></label><br>
<button type="submit">Connect</button>
</form>
<p>Setup network: {{.SSID}}</p>
<img src="/qr.png" alt="join {{.SSID}}" width="256" height="256">
</body></html>
`))

func (p *Portal) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, struct{ SSID string }{p.cfg.APSSID}); err != nil {
		p.logger.Debug("failed to write index", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

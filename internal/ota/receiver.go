package ota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Reporter receives update lifecycle callbacks. *Coordinator
// implements it.
type Reporter interface {
	Start(target Target)
	Progress(done, total int64)
	End()
	Fail(code ErrorCode, err error)
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Addr is the listen address, e.g. ":3232".
	Addr string
	// PasswordHash is a bcrypt hash checked against the HTTP basic auth
	// password. Empty disables authentication.
	PasswordHash string
	StagingDir   string
	Logger       *slog.Logger
}

// Receiver accepts pushed images on POST /update and stages them. Only
// one transfer runs at a time; the release puller shares the same gate
// through Accept.
type Receiver struct {
	cfg      ReceiverConfig
	reporter Reporter
	stager   Stager
	logger   *slog.Logger
	busy     atomic.Bool

	mu     sync.Mutex
	server *http.Server
}

// NewReceiver creates a receiver. It does not listen until Start.
func NewReceiver(cfg ReceiverConfig, reporter Reporter) *Receiver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		cfg:      cfg,
		reporter: reporter,
		stager:   Stager{Dir: cfg.StagingDir},
		logger:   cfg.Logger,
	}
}

// Name identifies the service in logs.
func (r *Receiver) Name() string { return "ota" }

// Handler returns the receiver's routes.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /update", r.handleUpdate)
	return mux
}

// Start listens on the configured address and serves in the background.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server != nil {
		return errors.New("ota receiver already started")
	}

	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.server = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("ota receiver stopped", "error", err)
		}
	}()
	r.logger.Info("ota receiver listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down, waiting for an active transfer until
// ctx expires.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	srv := r.server
	r.server = nil
	r.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Busy reports whether a transfer is running.
func (r *Receiver) Busy() bool {
	return r.busy.Load()
}

// Accept stages an image of size bytes from body and reports its
// lifecycle. It returns ErrBusy without reporting when another
// transfer is running.
func (r *Receiver) Accept(target Target, body io.Reader, size int64, sha256Hex string) (string, error) {
	return r.transfer(target, func() (io.ReadCloser, int64, string, error) {
		return io.NopCloser(body), size, sha256Hex, nil
	})
}

// opener produces an image stream, its size and optional SHA-256.
type opener func() (io.ReadCloser, int64, string, error)

// transfer holds the single-transfer gate for the whole lifecycle,
// including opening the source, so a failed download is reported as a
// connect error of this run.
func (r *Receiver) transfer(target Target, open opener) (string, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer r.busy.Store(false)

	r.reporter.Start(target)
	body, size, sum, err := open()
	if err != nil {
		r.reporter.Fail(ErrorConnect, err)
		return "", stageErr(ErrorConnect, err)
	}
	defer body.Close()

	path, err := r.stager.Stage(target, body, size, sum, r.reporter.Progress)
	if err != nil {
		r.reporter.Fail(Code(err), err)
		return "", err
	}
	r.reporter.End()
	r.logger.Info("update image staged", "target", target.String(), "path", path, "bytes", size)
	return path, nil
}

func (r *Receiver) authorized(req *http.Request) bool {
	if r.cfg.PasswordHash == "" {
		return true
	}
	_, password, ok := req.BasicAuth()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(r.cfg.PasswordHash), []byte(password)) == nil
}

func (r *Receiver) handleUpdate(w http.ResponseWriter, req *http.Request) {
	if r.busy.Load() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": ErrBusy.Error()})
		return
	}

	if !r.authorized(req) {
		r.reporter.Fail(ErrorAuth, ErrUnauthorized)
		w.Header().Set("WWW-Authenticate", `Basic realm="conductor"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": ErrUnauthorized.Error()})
		return
	}

	target, err := ParseTarget(req.URL.Query().Get("target"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ContentLength <= 0 {
		r.reporter.Fail(ErrorBegin, errors.New("missing Content-Length"))
		writeJSON(w, http.StatusLengthRequired, map[string]string{"error": "Content-Length required"})
		return
	}

	path, err := r.Accept(target, req.Body, req.ContentLength, req.Header.Get("X-Update-SHA256"))
	switch {
	case errors.Is(err, ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		status := http.StatusInternalServerError
		if c := Code(err); c == ErrorReceive || c == ErrorEnd {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "code": Code(err).String()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"target": target.String(),
			"bytes":  req.ContentLength,
			"path":   path,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package mdns answers multicast DNS queries for the conductor's
// .local name once the link has an address.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/pion/logging"
	pionmdns "github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"

	"github.com/csetera/TuneSyncMQ/internal/config"
)

// Responder publishes a single name over IPv4 mDNS.
type Responder struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	conn *pionmdns.Conn
}

// NewResponder creates a responder for name. A missing ".local"
// suffix is added.
func NewResponder(name string, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{name: LocalName(name), logger: logger}
}

// LocalName returns name qualified with ".local".
func LocalName(name string) string {
	name = strings.TrimSuffix(name, ".")
	if strings.HasSuffix(name, ".local") {
		return name
	}
	return name + ".local"
}

// Name identifies the service in logs.
func (r *Responder) Name() string { return "mdns" }

// Hostname returns the published name.
func (r *Responder) Hostname() string { return r.name }

// Start joins the mDNS multicast group and begins answering.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return errors.New("mdns responder already started")
	}

	addr, err := net.ResolveUDPAddr("udp4", pionmdns.DefaultAddressIPv4)
	if err != nil {
		return fmt.Errorf("resolve mdns address: %w", err)
	}
	l, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen mdns: %w", err)
	}

	conn, err := pionmdns.Server(ipv4.NewPacketConn(l), nil, &pionmdns.Config{
		Name:          "conductor",
		LocalNames:    []string{r.name},
		LoggerFactory: loggerFactory{logger: r.logger},
	})
	if err != nil {
		l.Close()
		return fmt.Errorf("start mdns server: %w", err)
	}
	r.conn = conn
	r.logger.Info("mdns responder started", "name", r.name)
	return nil
}

// Stop leaves the multicast group.
func (r *Responder) Stop(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// loggerFactory routes pion's scoped loggers into slog.
type loggerFactory struct {
	logger *slog.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{logger: f.logger.With("scope", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l leveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l leveledLogger) Trace(msg string) { l.log(config.LevelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...any) {
	l.log(config.LevelTrace, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...any) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...any) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}

package logmirror

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csetera/TuneSyncMQ/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 256
)

// Handler serves the log viewer WebSocket.
type Handler struct {
	bus        *events.Bus
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxViewers int32
	viewers    atomic.Int32
}

// NewHandler creates a handler that accepts up to maxViewers
// concurrent viewers (0 means 4).
func NewHandler(bus *events.Bus, maxViewers int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxViewers <= 0 {
		maxViewers = 4
	}
	return &Handler{
		bus:        bus,
		logger:     logger,
		maxViewers: int32(maxViewers),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  512,
			WriteBufferSize: 4096,
			// The bundled web application may be served from a
			// development host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Viewers returns the number of connected viewers.
func (h *Handler) Viewers() int { return int(h.viewers.Load()) }

// ServeHTTP upgrades the connection and streams log lines until the
// viewer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.viewers.Add(1) > h.maxViewers {
		h.viewers.Add(-1)
		http.Error(w, "too many log viewers", http.StatusServiceUnavailable)
		return
	}
	defer h.viewers.Add(-1)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("log viewer upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	lines := h.bus.Subscribe(sendBuffer)
	defer h.bus.Unsubscribe(lines)

	h.logger.Debug("log viewer connected", "remote", r.RemoteAddr)
	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, lines, done)
	h.logger.Debug("log viewer disconnected", "remote", r.RemoteAddr)
}

// readPump discards viewer input and closes done when the connection
// fails.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("log viewer read error", "error", err)
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, lines <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-lines:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if ev.Kind != events.KindLogLine {
				continue
			}
			line, _ := ev.Data["line"].(string)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

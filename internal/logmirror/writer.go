// Package logmirror copies the process log stream to remote viewers.
// The Writer sits between the slog handler and stdout and publishes
// each completed line on the event bus while attached; the Handler
// upgrades viewer connections to WebSockets and sends one text frame
// per line.
package logmirror

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/csetera/TuneSyncMQ/internal/events"
)

// maxLine bounds a buffered partial line. Longer lines are split.
const maxLine = 4096

// Writer forwards everything to an underlying writer and, while
// attached, mirrors completed lines onto the bus.
type Writer struct {
	out      io.Writer
	bus      *events.Bus
	attached atomic.Bool

	mu  sync.Mutex
	buf []byte
}

// NewWriter returns a detached writer over out.
func NewWriter(out io.Writer, bus *events.Bus) *Writer {
	return &Writer{out: out, bus: bus}
}

// Attach starts mirroring.
func (w *Writer) Attach() { w.attached.Store(true) }

// Detach stops mirroring and drops any partial line.
func (w *Writer) Detach() {
	w.attached.Store(false)
	w.mu.Lock()
	w.buf = w.buf[:0]
	w.mu.Unlock()
}

// Attached reports whether lines are being mirrored.
func (w *Writer) Attached() bool { return w.attached.Load() }

// Write writes p to the underlying writer, then mirrors it.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	if !w.attached.Load() {
		return n, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLine {
		w.emit(w.buf[:maxLine])
		w.buf = w.buf[maxLine:]
	}
	// Compact so the backing array does not grow without bound.
	w.buf = append(w.buf[:0:0], w.buf...)
	return n, err
}

func (w *Writer) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	w.bus.Publish(events.Event{
		Source: events.SourceLog,
		Kind:   events.KindLogLine,
		Data:   map[string]any{"line": string(line)},
	})
}

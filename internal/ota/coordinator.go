// Package ota receives firmware and filesystem images over the network
// and reports the update lifecycle (start, progress, end, error) to the
// display. Transfers run on their own goroutines; the Coordinator turns
// their lifecycle events into throttled progress notifications from the
// poll loop.
package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/csetera/TuneSyncMQ/internal/display"
	"github.com/csetera/TuneSyncMQ/internal/events"
)

// Target is the image an update replaces.
type Target int

const (
	TargetFirmware Target = iota
	TargetFilesystem
)

func (t Target) String() string {
	switch t {
	case TargetFirmware:
		return "firmware"
	case TargetFilesystem:
		return "filesystem"
	default:
		return fmt.Sprintf("target(%d)", int(t))
	}
}

// ParseTarget maps "firmware" (or "") and "filesystem" to a Target.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "", "firmware":
		return TargetFirmware, nil
	case "filesystem":
		return TargetFilesystem, nil
	}
	return 0, fmt.Errorf("unknown update target %q", s)
}

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle       State = "Idle"
	StateInProgress State = "InProgress"
)

// ErrorCode is the fixed update failure taxonomy.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorAuth
	ErrorBegin
	ErrorConnect
	ErrorReceive
	ErrorEnd
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorAuth:
		return "auth"
	case ErrorBegin:
		return "begin"
	case ErrorConnect:
		return "connect"
	case ErrorReceive:
		return "receive"
	case ErrorEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by the receiver and stager. Code maps them
// onto the taxonomy.
var (
	ErrUnauthorized = errors.New("update authentication failed")
	ErrBusy         = errors.New("update already in progress")
	ErrShortImage   = errors.New("image shorter than announced")
	ErrChecksum     = errors.New("image checksum mismatch")
)

// Code classifies err into the update error taxonomy.
func Code(err error) ErrorCode {
	var se *StageError
	switch {
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, ErrUnauthorized):
		return ErrorAuth
	case errors.Is(err, ErrBusy):
		return ErrorBegin
	case errors.Is(err, ErrShortImage):
		return ErrorReceive
	case errors.Is(err, ErrChecksum):
		return ErrorEnd
	default:
		return ErrorUnknown
	}
}

type eventKind int

const (
	eventStart eventKind = iota
	eventProgress
	eventEnd
	eventError
)

// event is one lifecycle callback delivered into Poll.
type event struct {
	kind   eventKind
	target Target
	done   int64
	total  int64
	code   ErrorCode
	err    error
}

// Status is the coordinator's externally visible state.
type Status struct {
	State     State  `json:"state"`
	Target    string `json:"target,omitempty"`
	Percent   int    `json:"percent"`
	LastError string `json:"last_error,omitempty"`
}

// maxQueued bounds the lifecycle events held between polls. Consecutive
// progress reports share one slot.
const maxQueued = 64

// Coordinator owns the update lifecycle. Start, Progress, End and Fail
// are safe to call from transfer goroutines and never block; Poll and
// Status belong to the poll goroutine.
type Coordinator struct {
	sink   display.ProgressSink
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	queue []event

	state            State
	target           Target
	percent          int
	lastLoggedDecile int
	lastErr          string
}

// NewCoordinator returns an idle coordinator reporting to sink.
func NewCoordinator(sink display.ProgressSink, bus *events.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sink:             sink,
		bus:              bus,
		logger:           logger,
		state:            StateIdle,
		lastLoggedDecile: -1,
	}
}

// Start reports that a transfer for target has begun.
func (c *Coordinator) Start(target Target) {
	c.enqueue(event{kind: eventStart, target: target})
}

// Progress reports bytes received so far. A report replaces an
// unapplied report queued right before it.
func (c *Coordinator) Progress(done, total int64) {
	c.enqueue(event{kind: eventProgress, done: done, total: total})
}

// End reports a successful transfer.
func (c *Coordinator) End() {
	c.enqueue(event{kind: eventEnd})
}

// Fail reports a failed transfer.
func (c *Coordinator) Fail(code ErrorCode, err error) {
	c.enqueue(event{kind: eventError, code: code, err: err})
}

func (c *Coordinator) enqueue(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if ev.kind == eventProgress && n > 0 && c.queue[n-1].kind == eventProgress {
		c.queue[n-1] = ev
		return
	}
	if n >= maxQueued {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, ev)
}

// Poll applies every queued lifecycle event in order.
func (c *Coordinator) Poll() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, ev := range queued {
		c.apply(ev)
	}
}

// Status returns the current update state.
func (c *Coordinator) Status() Status {
	st := Status{State: c.state, Percent: c.percent, LastError: c.lastErr}
	if c.state == StateInProgress {
		st.Target = c.target.String()
	}
	return st
}

func (c *Coordinator) apply(ev event) {
	switch ev.kind {
	case eventStart:
		c.onStart(ev.target)
	case eventProgress:
		c.onProgress(ev.done, ev.total)
	case eventEnd:
		c.onEnd()
	case eventError:
		c.onError(ev.code, ev.err)
	}
}

func (c *Coordinator) onStart(target Target) {
	c.state = StateInProgress
	c.target = target
	c.percent = 0
	c.lastLoggedDecile = -1
	c.lastErr = ""

	msg := "OTA firmware update starting"
	if target == TargetFilesystem {
		msg = "OTA filesystem update starting"
	}
	c.logger.Info(msg, "target", target.String())
	c.sink.StartProgress(true)
	c.sink.SetProgress(-1, msg)
}

func (c *Coordinator) onProgress(done, total int64) {
	if c.state != StateInProgress || total <= 0 {
		return
	}
	percent := int(done * 100 / total)
	percent = max(0, min(percent, 100))
	c.percent = percent

	// Reads rarely land on an exact multiple of ten; report the decile
	// bucket the transfer has reached.
	decile := percent / 10 * 10
	if decile <= c.lastLoggedDecile {
		return
	}
	c.lastLoggedDecile = decile
	percent = decile

	msg := fmt.Sprintf("OTA Progress: %d%%", percent)
	c.logger.Info(msg, "percent", percent)
	c.sink.SetProgress(percent, msg)
	c.bus.Publish(events.Event{
		Source: events.SourceOTA,
		Kind:   events.KindUpdateProgress,
		Data:   map[string]any{"target": c.target.String(), "percent": percent},
	})
}

func (c *Coordinator) onEnd() {
	if c.state != StateInProgress {
		return
	}
	target := c.target
	c.reset()

	c.logger.Info("OTA Complete", "target", target.String())
	c.sink.SetProgress(100, "OTA Complete")
	c.sink.CompleteProgress()
	c.bus.Publish(events.Event{
		Source: events.SourceOTA,
		Kind:   events.KindUpdateFinished,
		Data:   map[string]any{"target": target.String(), "ok": true},
	})
}

func (c *Coordinator) onError(code ErrorCode, err error) {
	wasActive := c.state == StateInProgress
	target := c.target
	c.reset()
	c.lastErr = code.String()

	c.logger.Error("OTA error",
		"code", code.String(),
		"target", target.String(),
		"error", err,
	)
	if wasActive {
		c.sink.SetProgress(-1, fmt.Sprintf("OTA Error: %s", code))
		c.sink.CompleteProgress()
	}
	c.bus.Publish(events.Event{
		Source: events.SourceOTA,
		Kind:   events.KindUpdateFinished,
		Data:   map[string]any{"target": target.String(), "ok": false, "code": code.String()},
	})
}

func (c *Coordinator) reset() {
	c.state = StateIdle
	c.percent = 0
	c.lastLoggedDecile = -1
}

// Package display defines the progress sink the connectivity machine
// and update coordinator report to, and the sinks this daemon ships:
// one that logs and one that remembers the current progress for the
// control plane. Screen rendering lives outside this module.
package display

import (
	"log/slog"
	"sync"
)

// ProgressSink receives progress notifications. Calls come from the
// poll goroutine and must return quickly.
type ProgressSink interface {
	// StartProgress begins a progress flow. An indeterminate flow has
	// no meaningful percentage until the first SetProgress with a
	// non-negative percent.
	StartProgress(indeterminate bool)
	// SetProgress updates the flow. A negative percent leaves the bar
	// indeterminate and only changes the message.
	SetProgress(percent int, message string)
	// CompleteProgress ends the current flow.
	CompleteProgress()
}

// LogSink writes progress to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// StartProgress logs the start of a flow at debug level.
func (s LogSink) StartProgress(indeterminate bool) {
	s.logger().Debug("progress started", "indeterminate", indeterminate)
}

// SetProgress logs the message at info level.
func (s LogSink) SetProgress(percent int, message string) {
	if percent < 0 {
		s.logger().Info(message)
		return
	}
	s.logger().Info(message, "percent", percent)
}

// CompleteProgress logs the end of a flow at debug level.
func (s LogSink) CompleteProgress() {
	s.logger().Debug("progress complete")
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Progress is a point-in-time view of a Tracker.
type Progress struct {
	Active        bool   `json:"active"`
	Indeterminate bool   `json:"indeterminate"`
	Percent       int    `json:"percent"`
	Message       string `json:"message,omitempty"`
}

// Tracker remembers the latest progress so it can be read from other
// goroutines.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

// StartProgress resets the tracked flow.
func (t *Tracker) StartProgress(indeterminate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p = Progress{Active: true, Indeterminate: indeterminate}
}

// SetProgress records the latest message and, when non-negative, the
// percentage.
func (t *Tracker) SetProgress(percent int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Message = message
	if percent >= 0 {
		t.p.Indeterminate = false
		t.p.Percent = percent
	}
}

// CompleteProgress marks the flow finished, keeping the last message.
func (t *Tracker) CompleteProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Active = false
}

// Current returns the tracked progress.
func (t *Tracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

// Tee fans notifications out to every sink in order.
type Tee []ProgressSink

func (t Tee) StartProgress(indeterminate bool) {
	for _, s := range t {
		s.StartProgress(indeterminate)
	}
}

func (t Tee) SetProgress(percent int, message string) {
	for _, s := range t {
		s.SetProgress(percent, message)
	}
}

func (t Tee) CompleteProgress() {
	for _, s := range t {
		s.CompleteProgress()
	}
}

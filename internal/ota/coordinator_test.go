package ota

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/events"
)

type recordingSink struct {
	calls []string
}

func (r *recordingSink) StartProgress(indeterminate bool) {
	r.calls = append(r.calls, fmt.Sprintf("start(%v)", indeterminate))
}

func (r *recordingSink) SetProgress(percent int, message string) {
	r.calls = append(r.calls, fmt.Sprintf("set(%d,%s)", percent, message))
}

func (r *recordingSink) CompleteProgress() {
	r.calls = append(r.calls, "complete")
}

func (r *recordingSink) progressMessages() []string {
	var out []string
	for _, c := range r.calls {
		if strings.Contains(c, "OTA Progress") {
			out = append(out, c)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator() (*Coordinator, *recordingSink) {
	sink := &recordingSink{}
	return NewCoordinator(sink, nil, discardLogger()), sink
}

func TestCoordinatorDeciles(t *testing.T) {
	c, sink := newTestCoordinator()

	c.Start(TargetFirmware)
	c.Poll()
	// Fire far more often than the deciles change.
	for done := int64(0); done <= 1000; done++ {
		c.Progress(done, 1000)
		c.Poll()
	}
	c.End()
	c.Poll()

	var want []string
	for p := 0; p <= 100; p += 10 {
		want = append(want, fmt.Sprintf("set(%d,OTA Progress: %d%%)", p, p))
	}
	if got := sink.progressMessages(); !slices.Equal(got, want) {
		t.Errorf("progress notifications:\n got %v\nwant %v", got, want)
	}
	if st := c.Status(); st.State != StateIdle {
		t.Errorf("state after end = %s, want Idle", st.State)
	}
}

func TestCoordinatorReportsDecileBuckets(t *testing.T) {
	c, sink := newTestCoordinator()
	c.Start(TargetFilesystem)
	c.Poll()

	for _, done := range []int64{5, 15, 33, 50, 50, 49, 77, 99} {
		c.Progress(done, 100)
		c.Poll()
	}

	want := []string{
		"set(0,OTA Progress: 0%)",
		"set(10,OTA Progress: 10%)",
		"set(30,OTA Progress: 30%)",
		"set(50,OTA Progress: 50%)",
		"set(70,OTA Progress: 70%)",
		"set(90,OTA Progress: 90%)",
	}
	if got := sink.progressMessages(); !slices.Equal(got, want) {
		t.Errorf("progress notifications = %v, want %v", got, want)
	}
	if st := c.Status(); st.Percent != 99 || st.Target != "filesystem" {
		t.Errorf("status = %+v", st)
	}
}

func TestCoordinatorStartResetsDecile(t *testing.T) {
	c, sink := newTestCoordinator()

	for run := 0; run < 2; run++ {
		c.Start(TargetFirmware)
		c.Progress(10, 100)
		c.Poll()
		c.Fail(ErrorReceive, errors.New("connection reset"))
		c.Poll()
	}

	want := []string{"set(10,OTA Progress: 10%)", "set(10,OTA Progress: 10%)"}
	if got := sink.progressMessages(); !slices.Equal(got, want) {
		t.Errorf("progress notifications = %v, want one per run", got)
	}
	if st := c.Status(); st.State != StateIdle || st.LastError != "receive" {
		t.Errorf("status after error = %+v", st)
	}
}

func TestCoordinatorStartMessages(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{TargetFirmware, "set(-1,OTA firmware update starting)"},
		{TargetFilesystem, "set(-1,OTA filesystem update starting)"},
	}
	for _, tt := range tests {
		t.Run(tt.target.String(), func(t *testing.T) {
			c, sink := newTestCoordinator()
			c.Start(tt.target)
			c.Poll()
			if want := []string{"start(true)", tt.want}; !slices.Equal(sink.calls, want) {
				t.Errorf("sink calls = %v, want %v", sink.calls, want)
			}
		})
	}
}

func TestCoordinatorProgressIgnoredWhenIdle(t *testing.T) {
	c, sink := newTestCoordinator()
	c.Progress(50, 100)
	c.End()
	c.Poll()
	if len(sink.calls) != 0 {
		t.Errorf("idle coordinator produced sink calls: %v", sink.calls)
	}
}

func TestCoordinatorPublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	c := NewCoordinator(&recordingSink{}, bus, discardLogger())
	c.Start(TargetFirmware)
	c.Progress(100, 100)
	c.End()
	c.Poll()

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{events.KindUpdateProgress, events.KindUpdateFinished}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorAuth, "auth"},
		{ErrorBegin, "begin"},
		{ErrorConnect, "connect"},
		{ErrorReceive, "receive"},
		{ErrorEnd, "end"},
		{ErrorUnknown, "unknown"},
		{ErrorCode(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", int(tt.code), got, tt.want)
		}
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"unauthorized", ErrUnauthorized, ErrorAuth},
		{"busy", ErrBusy, ErrorBegin},
		{"stage error", stageErr(ErrorEnd, ErrChecksum), ErrorEnd},
		{"wrapped short", fmt.Errorf("x: %w", ErrShortImage), ErrorReceive},
		{"other", errors.New("boom"), ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Transfers run on their own goroutines; reporting must not wait for
// the poll loop, which stops polling the coordinator once the link is
// gone.
func TestCoordinatorUnpolledNeverBlocks(t *testing.T) {
	c, sink := newTestCoordinator()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			c.Start(TargetFirmware)
			for n := int64(0); n <= 100; n++ {
				c.Progress(n, 100)
			}
			c.End()
		}
		c.Start(TargetFilesystem)
		c.Progress(37, 100)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lifecycle reporting blocked without a poll")
	}

	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	if queued > maxQueued {
		t.Errorf("queued %d events, want at most %d", queued, maxQueued)
	}

	c.Poll()
	if st := c.Status(); st.State != StateInProgress || st.Target != "filesystem" || st.Percent != 37 {
		t.Errorf("status = %+v, want filesystem in progress at 37%%", st)
	}
	if got := sink.progressMessages(); len(got) == 0 || got[len(got)-1] != "set(30,OTA Progress: 30%)" {
		t.Errorf("last progress = %v, want 30%%", got)
	}
}

func TestCoordinatorCoalescedProgressKeepsOrder(t *testing.T) {
	c, sink := newTestCoordinator()

	c.Start(TargetFirmware)
	c.Progress(10, 100)
	c.Progress(64, 100)
	c.End()
	c.Start(TargetFirmware)
	c.Progress(20, 100)
	c.Poll()

	want := []string{
		"start(true)",
		"set(-1,OTA firmware update starting)",
		"set(60,OTA Progress: 60%)",
		"set(100,OTA Complete)",
		"complete",
		"start(true)",
		"set(-1,OTA firmware update starting)",
		"set(20,OTA Progress: 20%)",
	}
	if !slices.Equal(sink.calls, want) {
		t.Errorf("sink calls:\n got %v\nwant %v", sink.calls, want)
	}
}

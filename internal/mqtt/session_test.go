package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/events"
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	subscribed  [][]string
	published   []Message
	disconnects int
	onMessage   func(Message)
	onLost      func(error)
}

func (f *fakeTransport) Connect(_ context.Context, _ ConnectOptions, onMessage func(Message), onLost func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.onMessage = onMessage
	f.onLost = onLost
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, slices.Clone(topics))
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	cb(Message{Topic: topic, Payload: []byte(payload)})
}

func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	cb := f.onLost
	f.mu.Unlock()
	cb(err)
}

func (f *fakeTransport) snapshot() (connects int, subscribed [][]string, published []Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, slices.Clone(f.subscribed), slices.Clone(f.published)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, ft *fakeTransport) *Session {
	t.Helper()
	return NewSession(SessionConfig{
		ClientID:      "tunesyncmq-abc123",
		CommandTopic:  "tunesyncmq/command",
		AnnounceTopic: "tunesyncmq/controllers",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Spawn:         func(f func()) { f() },
	}, ft)
}

// connect drives two polls: one to start the attempt, one to apply it.
func connect(t *testing.T, s *Session, now time.Time) {
	t.Helper()
	s.Poll(now)
	s.Poll(now)
	if !s.Connected() {
		t.Fatal("session did not connect")
	}
}

func TestPublishBeforeConnectIsNoop(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	s.Publish("tunesyncmq/command", []byte("play"))
	s.PublishCommand("pause")

	if n := len(s.outbox); n != 0 {
		t.Errorf("outbox holds %d messages before connect, want 0", n)
	}
	if _, _, pub := ft.snapshot(); len(pub) != 0 {
		t.Errorf("transport saw %d publishes before connect", len(pub))
	}
}

func TestConnectResubscribesAndAnnounces(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	s.Subscribe("tunesyncmq/playback", func(string, []byte) {})
	s.Subscribe("tunesyncmq/albumart", func(string, []byte) {})

	connect(t, s, t0)

	connects, subs, pub := ft.snapshot()
	if connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
	want := [][]string{{"tunesyncmq/albumart", "tunesyncmq/playback"}}
	if len(subs) != 1 || !slices.Equal(subs[0], want[0]) {
		t.Errorf("subscribed = %v, want %v", subs, want)
	}
	if len(pub) != 1 || pub[0].Topic != "tunesyncmq/controllers" || string(pub[0].Payload) != "tunesyncmq-abc123" {
		t.Errorf("announce = %+v, want hostname on tunesyncmq/controllers", pub)
	}
}

func TestSubscribeTwiceDeliversOnce(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	var first, second int
	s.Subscribe("tunesyncmq/playback", func(string, []byte) { first++ })
	s.Subscribe("tunesyncmq/playback", func(string, []byte) { second++ })

	connect(t, s, t0)
	ft.deliver("tunesyncmq/playback", `{"state":"paused"}`)
	s.Poll(t0)

	if first != 0 || second != 1 {
		t.Errorf("deliveries first=%d second=%d, want 0 and 1", first, second)
	}
	if _, subs, _ := ft.snapshot(); len(subs[0]) != 1 {
		t.Errorf("subscribed = %v, want a single topic", subs)
	}
}

func TestDispatchExactMatch(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	var got []string
	s.Subscribe("a/b", func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	})
	connect(t, s, t0)

	ft.deliver("a/b", "1")
	ft.deliver("a/b/c", "2")
	ft.deliver("a/+", "3")
	ft.deliver("a/b", "4")
	s.Poll(t0)

	if want := []string{"a/b=1", "a/b=4"}; !slices.Equal(got, want) {
		t.Errorf("dispatched %v, want %v", got, want)
	}
	if n := s.Status().UnhandledInbound; n != 2 {
		t.Errorf("UnhandledInbound = %d, want 2", n)
	}
}

func TestDispatchBatchCap(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)

	count := 0
	s.Subscribe("x", func(string, []byte) { count++ })
	connect(t, s, t0)

	for range 20 {
		ft.deliver("x", "")
	}
	s.Poll(t0)
	if count != 16 {
		t.Errorf("first poll dispatched %d, want 16", count)
	}
	s.Poll(t0)
	if count != 20 {
		t.Errorf("second poll total %d, want 20", count)
	}
}

func TestReconnectCooldownAfterDrop(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	s.Subscribe("x", func(string, []byte) {})
	connect(t, s, t0)

	drop := t0.Add(time.Minute)
	ft.mu.Lock()
	ft.connectErr = errors.New("connection refused")
	ft.mu.Unlock()
	ft.drop(io.EOF)
	s.Poll(drop)

	if s.Connected() {
		t.Fatal("session should report disconnected after drop")
	}

	tests := []struct {
		offset       time.Duration
		wantConnects int
	}{
		{0, 1},
		{4 * time.Second, 1},
		{4999 * time.Millisecond, 1},
		{5 * time.Second, 2},
		{6 * time.Second, 2},
		{9 * time.Second, 2},
		{10 * time.Second, 3},
		{12 * time.Second, 3},
	}
	for _, tt := range tests {
		s.Poll(drop.Add(tt.offset))
		if got, _, _ := ft.snapshot(); got != tt.wantConnects {
			t.Fatalf("at +%v: connects = %d, want %d", tt.offset, got, tt.wantConnects)
		}
	}
}

func TestReconnectResubscribesOncePerTopic(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	s.Subscribe("a", func(string, []byte) {})
	s.Subscribe("b", func(string, []byte) {})
	connect(t, s, t0)

	ft.drop(io.EOF)
	s.Poll(t0)
	connect(t, s, t0.Add(5*time.Second))

	_, subs, pub := ft.snapshot()
	if len(subs) != 2 {
		t.Fatalf("subscribe calls = %d, want 2 (one per session)", len(subs))
	}
	if !slices.Equal(subs[1], []string{"a", "b"}) {
		t.Errorf("resubscribed %v, want [a b]", subs[1])
	}
	if len(pub) != 2 {
		t.Errorf("announces = %d, want one per session", len(pub))
	}
}

func TestPublishWhenConnected(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(t, ft)
	connect(t, s, t0)
	defer s.Suspend()

	s.PublishCommand("next")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, _, pub := ft.snapshot()
		if len(pub) == 2 {
			if pub[1].Topic != "tunesyncmq/command" || string(pub[1].Payload) != "next" {
				t.Errorf("published %+v", pub[1])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("command was not published")
}

func TestSuspend(t *testing.T) {
	ft := &fakeTransport{}
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	s := NewSession(SessionConfig{
		ClientID: "id",
		Bus:      bus,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Spawn:    func(f func()) { f() },
	}, ft)
	connect(t, s, t0)

	if ev := <-ch; ev.Kind != events.KindSessionUp {
		t.Errorf("event = %q, want %q", ev.Kind, events.KindSessionUp)
	}

	s.Suspend()
	s.Publish("x", []byte("y"))
	s.Poll(t0.Add(time.Hour))

	connects, _, _ := ft.snapshot()
	if connects != 1 {
		t.Errorf("connects after suspend = %d, want 1", connects)
	}
	ft.mu.Lock()
	disconnects := ft.disconnects
	ft.mu.Unlock()
	if disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
	if s.Connected() {
		t.Error("Connected() = true after Suspend")
	}
}

func TestSubscribePanics(t *testing.T) {
	s := newTestSession(t, &fakeTransport{})
	tests := []struct {
		name    string
		topic   string
		handler Handler
	}{
		{"empty topic", "", func(string, []byte) {}},
		{"nil handler", "x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Subscribe should panic")
				}
			}()
			s.Subscribe(tt.topic, tt.handler)
		})
	}
}

func TestLossBeforeResultApplied(t *testing.T) {
	tests := []struct {
		name string
		// lossFirst hands the loss to a poll before the attempt's
		// result is visible.
		lossFirst bool
	}{
		{"loss and result in same poll", false},
		{"loss in earlier poll", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			s := newTestSession(t, ft)

			s.Poll(t0) // attempt runs inline and queues its result
			if tt.lossFirst {
				r := <-s.results
				ft.drop(io.EOF)
				s.Poll(t0)
				s.results <- r
			} else {
				ft.drop(io.EOF)
			}
			s.Poll(t0)

			if s.Connected() {
				t.Fatal("Connected() = true on a link lost during connect")
			}
			for i := 1; i <= 6; i++ {
				s.Poll(t0.Add(time.Duration(i) * 5 * time.Second))
			}
			if connects, _, _ := ft.snapshot(); connects != 2 {
				t.Errorf("connects = %d, want 2", connects)
			}
			if !s.Connected() {
				t.Error("session did not reconnect")
			}
		})
	}
}

func TestSuspendDuringAttempt(t *testing.T) {
	tests := []struct {
		name string
		// running keeps the attempt from finishing until after Suspend.
		running bool
	}{
		{"result not yet applied", false},
		{"attempt still running", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			var held []func()
			s := NewSession(SessionConfig{
				ClientID: "id",
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
				Spawn: func(f func()) {
					if tt.running {
						held = append(held, f)
						return
					}
					f()
				},
			}, ft)

			s.Poll(t0)
			s.Suspend()
			for _, f := range held {
				f()
			}
			s.Poll(t0.Add(time.Hour))

			ft.mu.Lock()
			connects, disconnects := ft.connects, ft.disconnects
			ft.mu.Unlock()
			if connects != 1 {
				t.Errorf("connects = %d, want 1", connects)
			}
			if disconnects != 1 {
				t.Errorf("disconnects = %d, want 1", disconnects)
			}
			if s.Connected() {
				t.Error("Connected() = true after Suspend")
			}
		})
	}
}

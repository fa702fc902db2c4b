package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/config"
	"github.com/csetera/TuneSyncMQ/internal/connwatch"
	"github.com/csetera/TuneSyncMQ/internal/events"
)

// Handler is invoked synchronously from [Session.Poll] for each message
// on its topic. Handlers must not block.
type Handler func(topic string, payload []byte)

// SessionConfig configures a [Session].
type SessionConfig struct {
	// ClientID is presented to the broker and announced on
	// AnnounceTopic after every connect.
	ClientID      string
	Username      string
	Password      string
	CommandTopic  string
	AnnounceTopic string
	KeepAliveSec  int
	// MaxBatch caps how many inbound messages one Poll dispatches
	// (default: 16).
	MaxBatch int
	// Backoff gates reconnect attempts. Zero fields take
	// connwatch defaults (a fixed five-second cooldown).
	Backoff connwatch.BackoffConfig

	// Schedule, when set, replaces the schedule built from Backoff so
	// that it can be registered with a connwatch.Manager.
	Schedule *connwatch.Schedule
	Bus      *events.Bus
	Logger   *slog.Logger
	// Spawn runs blocking transport work. Defaults to starting a
	// goroutine; tests run it inline.
	Spawn func(func())
}

// Status is the session's externally visible state.
type Status struct {
	Connected        bool      `json:"connected"`
	ClientID         string    `json:"client_id"`
	LastAttempt      time.Time `json:"last_attempt"`
	LastError        string    `json:"last_error,omitempty"`
	Topics           []string  `json:"topics"`
	DroppedInbound   int64     `json:"dropped_inbound"`
	DroppedOutbound  int64     `json:"dropped_outbound"`
	UnhandledInbound int64     `json:"unhandled_inbound"`
}

type attemptResult struct {
	gen uint64
	err error
}

type lostEvent struct {
	gen uint64
	err error
}

const (
	inboxSize   = 256
	outboxSize  = 64
	sendTimeout = 5 * time.Second
)

// Session is the pub/sub session manager. Poll, Subscribe and Suspend
// belong to the poll goroutine; Publish and Status may be called from
// anywhere.
type Session struct {
	cfg       SessionConfig
	transport Transport
	schedule  *connwatch.Schedule
	logger    *slog.Logger
	spawn     func(func())

	mu       sync.RWMutex
	handlers map[string]Handler

	connected atomic.Bool
	gen       uint64 // incremented per attempt; stale results are ignored
	stopPump  context.CancelFunc

	// attemptMu orders an attempt's result hand-off against Suspend so a
	// connection opened after suspension is always closed.
	attemptMu sync.Mutex
	suspended atomic.Bool

	// pendingLoss holds a loss for the current attempt that arrived
	// before its result was applied.
	pendingLoss *lostEvent

	results chan attemptResult
	lost    chan lostEvent
	inbox   chan Message
	outbox  chan Message

	droppedIn   atomic.Int64
	droppedOut  atomic.Int64
	unhandledIn atomic.Int64
}

// NewSession creates a disconnected session. No network activity
// happens until the first Poll.
func NewSession(cfg SessionConfig, transport Transport) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 16
	}
	if cfg.KeepAliveSec <= 0 {
		cfg.KeepAliveSec = 30
	}
	if cfg.Spawn == nil {
		cfg.Spawn = func(f func()) { go f() }
	}
	sched := cfg.Schedule
	if sched == nil {
		sched = connwatch.NewSchedule("mqtt", cfg.Backoff, cfg.Logger)
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		schedule:  sched,
		logger:    cfg.Logger,
		spawn:     cfg.Spawn,
		handlers:  make(map[string]Handler),
		results:   make(chan attemptResult, 1),
		lost:      make(chan lostEvent, 1),
		inbox:     make(chan Message, inboxSize),
		outbox:    make(chan Message, outboxSize),
	}
}

// Subscribe registers handler for an exact topic name. Registering the
// same topic again replaces its handler; the broker still sees one
// subscription. Topics added while connected are subscribed
// immediately.
//
// Panics if topic is empty or handler is nil.
func (s *Session) Subscribe(topic string, handler Handler) {
	if topic == "" {
		panic("mqtt: Subscribe topic must not be empty")
	}
	if handler == nil {
		panic("mqtt: Subscribe handler must not be nil")
	}

	s.mu.Lock()
	_, existed := s.handlers[topic]
	s.handlers[topic] = handler
	s.mu.Unlock()

	if !existed && s.connected.Load() {
		gen := s.gen
		s.spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := s.transport.Subscribe(ctx, []string{topic}); err != nil {
				s.logger.Warn("mqtt late subscribe failed", "topic", topic, "error", err)
				s.reportLost(gen, err)
			}
		})
	}
}

// Topics returns the registered topic names in sorted order.
func (s *Session) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Connected reports whether a broker session is established.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Publish queues payload for topic. It is a silent no-op unless a
// session is established and never blocks: when the outbound queue is
// full the message is dropped.
func (s *Session) Publish(topic string, payload []byte) {
	if !s.connected.Load() {
		s.logger.Log(context.Background(), config.LevelTrace, "mqtt publish skipped, not connected", "topic", topic)
		return
	}
	select {
	case s.outbox <- Message{Topic: topic, Payload: payload}:
	default:
		s.droppedOut.Add(1)
		s.logger.Debug("mqtt outbound queue full, message dropped", "topic", topic)
	}
}

// PublishCommand publishes a controller command on the command topic.
func (s *Session) PublishCommand(command string) {
	s.Publish(s.cfg.CommandTopic, []byte(command))
}

// Poll advances the session: it applies finished connect attempts and
// connection losses, starts a new attempt when the cooldown allows, and
// dispatches at most one batch of inbound messages.
func (s *Session) Poll(now time.Time) {
	if s.suspended.Load() {
		return
	}

	select {
	case r := <-s.results:
		if r.gen == s.gen {
			s.finishAttempt(r.err)
		} else if r.err == nil {
			s.discard()
		}
	default:
	}

	select {
	case ev := <-s.lost:
		if ev.gen == s.gen {
			s.pendingLoss = &ev
		}
	default:
	}
	if s.pendingLoss != nil && s.connected.Load() {
		ev := s.pendingLoss
		s.pendingLoss = nil
		s.markDown(now, ev.err)
	}

	if !s.connected.Load() {
		if s.schedule.Due(now) {
			s.startAttempt(now)
		}
		return
	}

	s.dispatch()
}

// Suspend stops all broker activity for good. The orchestrator calls
// it when the link goes down; publish becomes a no-op and Poll returns
// immediately.
func (s *Session) Suspend() {
	if s.suspended.Load() {
		return
	}
	s.attemptMu.Lock()
	s.suspended.Store(true)
	select {
	case r := <-s.results:
		if r.err == nil {
			s.discard()
		}
	default:
	}
	s.attemptMu.Unlock()

	wasConnected := s.connected.Swap(false)
	s.gen++
	s.pendingLoss = nil
	if s.stopPump != nil {
		s.stopPump()
		s.stopPump = nil
	}
	s.drainOutbox()
	if wasConnected {
		s.discard()
	}
	s.logger.Info("mqtt session suspended")
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := s.schedule.Status()
	return Status{
		Connected:        s.connected.Load(),
		ClientID:         s.cfg.ClientID,
		LastAttempt:      st.LastAttempt,
		LastError:        st.LastError,
		Topics:           s.Topics(),
		DroppedInbound:   s.droppedIn.Load(),
		DroppedOutbound:  s.droppedOut.Load(),
		UnhandledInbound: s.unhandledIn.Load(),
	}
}

func (s *Session) startAttempt(now time.Time) {
	s.schedule.Begin(now)
	s.gen++
	s.pendingLoss = nil
	gen := s.gen
	topics := s.Topics()
	opts := ConnectOptions{
		ClientID:     s.cfg.ClientID,
		Username:     s.cfg.Username,
		Password:     s.cfg.Password,
		KeepAliveSec: uint16(s.cfg.KeepAliveSec),
	}

	s.spawn(func() {
		err := s.establish(gen, opts, topics)

		s.attemptMu.Lock()
		suspended := s.suspended.Load()
		if !suspended {
			s.results <- attemptResult{gen: gen, err: err}
		}
		s.attemptMu.Unlock()
		if suspended && err == nil {
			s.disconnect()
		}
	})
}

// discard closes a connection whose attempt result will never be
// applied.
func (s *Session) discard() {
	s.spawn(s.disconnect)
}

func (s *Session) disconnect() {
	if err := s.transport.Disconnect(); err != nil {
		s.logger.Debug("mqtt disconnect failed", "error", err)
	}
}

// establish runs on a worker goroutine: connect, re-subscribe every
// registered topic, then announce.
func (s *Session) establish(gen uint64, opts ConnectOptions, topics []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.KeepAliveSec)*time.Second)
	defer cancel()

	onMessage := func(m Message) {
		select {
		case s.inbox <- m:
		default:
			s.droppedIn.Add(1)
		}
	}
	onLost := func(err error) { s.reportLost(gen, err) }

	if err := s.transport.Connect(ctx, opts, onMessage, onLost); err != nil {
		return err
	}
	if err := s.transport.Subscribe(ctx, topics); err != nil {
		s.transport.Disconnect()
		return fmt.Errorf("resubscribe: %w", err)
	}
	if s.cfg.AnnounceTopic != "" {
		if err := s.transport.Publish(ctx, Message{Topic: s.cfg.AnnounceTopic, Payload: []byte(s.cfg.ClientID)}); err != nil {
			s.transport.Disconnect()
			return fmt.Errorf("announce: %w", err)
		}
	}
	return nil
}

func (s *Session) reportLost(gen uint64, err error) {
	select {
	case s.lost <- lostEvent{gen: gen, err: err}:
	default:
	}
}

func (s *Session) finishAttempt(err error) {
	if err != nil {
		s.pendingLoss = nil
		s.schedule.Failed(err)
		return
	}

	s.schedule.Succeeded()
	s.connected.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	s.stopPump = cancel
	go s.pump(ctx, s.gen)

	s.logger.Info("mqtt session established",
		"client_id", s.cfg.ClientID,
		"topics", len(s.Topics()),
	)
	s.cfg.Bus.Publish(events.Event{
		Source: events.SourceMQTT,
		Kind:   events.KindSessionUp,
		Data:   map[string]any{"client_id": s.cfg.ClientID},
	})
}

func (s *Session) markDown(now time.Time, err error) {
	s.connected.Store(false)
	if s.stopPump != nil {
		s.stopPump()
		s.stopPump = nil
	}
	s.drainOutbox()
	s.schedule.Dropped(now, err)
	s.cfg.Bus.Publish(events.Event{
		Source: events.SourceMQTT,
		Kind:   events.KindSessionDown,
		Data:   map[string]any{"error": fmt.Sprint(err)},
	})
}

// pump forwards queued outbound messages to the transport until ctx is
// cancelled.
func (s *Session) pump(ctx context.Context, gen uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := s.transport.Publish(sendCtx, m)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("mqtt publish failed", "topic", m.Topic, "error", err)
				s.reportLost(gen, err)
			}
		}
	}
}

func (s *Session) drainOutbox() {
	for {
		select {
		case <-s.outbox:
		default:
			return
		}
	}
}

func (s *Session) dispatch() {
	for range s.cfg.MaxBatch {
		select {
		case m := <-s.inbox:
			logMessage(s.logger, m.Topic, m.Payload)
			s.mu.RLock()
			h, ok := s.handlers[m.Topic]
			s.mu.RUnlock()
			if !ok {
				s.unhandledIn.Add(1)
				continue
			}
			h(m.Topic, m.Payload)
		default:
			return
		}
	}
}

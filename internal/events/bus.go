// Package events provides a broadcast bus carrying log lines and state
// changes from the conductor's components to live viewers such as the
// /ws_serial log mirror. The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceLog          = "log"
	SourceConnectivity = "connectivity"
	SourceMQTT         = "mqtt"
	SourceOTA          = "ota"
	SourceSettings     = "settings"
)

// Kind constants describe the type of event within a source.
const (
	// KindLogLine carries one completed log line.
	// Data: line.
	KindLogLine = "log_line"

	// KindStateChanged signals a connectivity state transition.
	// Data: from, to.
	KindStateChanged = "state_changed"

	// KindSessionUp signals an established broker session.
	// Data: client_id.
	KindSessionUp = "session_up"
	// KindSessionDown signals a lost broker session.
	// Data: error.
	KindSessionDown = "session_down"

	// KindUpdateProgress signals a reported update decile.
	// Data: target, percent.
	KindUpdateProgress = "update_progress"
	// KindUpdateFinished signals the end of an update run.
	// Data: target, ok, code.
	KindUpdateFinished = "update_finished"

	// KindSettingsSaved signals persisted settings.
	// Data: keys.
	KindSettingsSaved = "settings_saved"
)

// Event represents a single event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed out by Subscribe
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

package albumart

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// PlaybackStatus is the latest status document received on the
// playback topic. The document is kept verbatim; State and Title are
// lifted out for logging when present.
type PlaybackStatus struct {
	State      string          `json:"state,omitempty"`
	Title      string          `json:"title,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Playback remembers the last valid playback status.
type Playback struct {
	logger *slog.Logger

	mu   sync.Mutex
	last *PlaybackStatus
}

// NewPlayback creates an empty playback tracker.
func NewPlayback(logger *slog.Logger) *Playback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Playback{logger: logger}
}

// HandleMessage is the playback topic handler. Payloads that are not
// a JSON object are dropped.
func (p *Playback) HandleMessage(topic string, payload []byte) {
	var fields struct {
		State string `json:"state"`
		Title string `json:"title"`
	}
	if !json.Valid(payload) || json.Unmarshal(payload, &fields) != nil {
		p.logger.Warn("playback status dropped, not a JSON object", "topic", topic, "size", len(payload))
		return
	}

	st := &PlaybackStatus{
		State:      fields.State,
		Title:      fields.Title,
		Raw:        append(json.RawMessage(nil), payload...),
		ReceivedAt: time.Now(),
	}
	p.mu.Lock()
	p.last = st
	p.mu.Unlock()
	p.logger.Info("playback status", "state", st.State, "title", st.Title)
}

// Last returns the most recent status, if any.
func (p *Playback) Last() (PlaybackStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return PlaybackStatus{}, false
	}
	return *p.last, true
}

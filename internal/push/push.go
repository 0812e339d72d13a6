// Package push fans session progress out to connected observers. Pushes
// are strictly best effort: a slow or absent observer never blocks a
// report, and dropped events are recovered by the version counter on the
// next push or a direct session read.
package push

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncrelay/syncrelay/internal/config"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/tracking"
)

// EventType discriminates the payload of an Event.
type EventType string

const (
	// EventTypeProgress carries a session snapshot mid-run
	EventTypeProgress EventType = "progress"

	// EventTypeEnd announces the session's terminal state
	EventTypeEnd EventType = "end"
)

// ProgressPush is a session snapshot sent to observers.
type ProgressPush struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label,omitempty"`

	TrackingActionSummaries []tracking.ActionSummary `json:"trackingActionSummaries,omitempty"`

	TotalActionsCount    int64 `json:"totalActionsCount"`
	FinishedActionsCount int64 `json:"finishedActionsCount"`
	ErrorActionsCount    int64 `json:"errorActionsCount"`
	ProcessedVolume      int64 `json:"processedVolume"`
	ExchangedVolume      int64 `json:"exchangedVolume"`
	Version              int64 `json:"version"`

	AbortRequested bool `json:"abortRequested"`
}

// EndPush announces that a session ended.
type EndPush struct {
	SessionID  string            `json:"sessionId"`
	Status     session.EndStatus `json:"status"`
	FinishedOn time.Time         `json:"finishedOn"`
	Version    int64             `json:"version"`
}

// Event is one notification delivered to a subscriber.
type Event struct {
	Type     EventType     `json:"type"`
	Progress *ProgressPush `json:"progress,omitempty"`
	End      *EndPush      `json:"end,omitempty"`
}

// Broadcaster distributes events to per-session subscribers. Progress
// snapshots are coalesced with a rate limiter so a burst of reports
// yields a handful of pushes; end events bypass the limiter because they
// are the last word on the session.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event
	limiters    map[string]*rate.Limiter

	cfg    config.PushConfig
	logger *loggy.Logger
}

// NewBroadcaster creates a broadcaster with the given push tuning.
func NewBroadcaster(cfg config.PushConfig, logger *loggy.Logger) *Broadcaster {
	if logger == nil {
		logger = loggy.NewNoopLogger()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		limiters:    make(map[string]*rate.Limiter),
		cfg:         cfg,
		logger:      logger,
	}
}

// Subscribe registers an observer for one session. The returned channel
// is buffered; events that would block are dropped. The cancel func
// unregisters and closes the channel.
func (b *Broadcaster) Subscribe(sessionID, memberID string) (<-chan Event, func()) {
	ch := make(chan Event, b.cfg.MemberBuffer)

	b.mu.Lock()
	members, ok := b.subscribers[sessionID]
	if !ok {
		members = make(map[string]chan Event)
		b.subscribers[sessionID] = members
	}
	if old, ok := members[memberID]; ok {
		close(old)
	}
	members[memberID] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		members, ok := b.subscribers[sessionID]
		if !ok {
			return
		}
		if current, ok := members[memberID]; ok && current == ch {
			delete(members, memberID)
			close(ch)
			if len(members) == 0 {
				delete(b.subscribers, sessionID)
				delete(b.limiters, sessionID)
			}
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of observers of a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// NotifyProgress publishes a progress snapshot, subject to coalescing.
// A suppressed snapshot is not an information loss: the next admitted
// push carries strictly newer counters, and Version tells observers what
// they missed.
func (b *Broadcaster) NotifyProgress(sessionID string, sync *session.Synchronization, summaries []tracking.ActionSummary) {
	if !b.limiter(sessionID).Allow() {
		b.logger.Debug("progress push coalesced", "session_id", sessionID, "version", sync.Version)
		return
	}
	b.publish(sessionID, Event{Type: EventTypeProgress, Progress: snapshot(sync, summaries)})
}

// NotifyEnd publishes the terminal event, bypassing the limiter.
func (b *Broadcaster) NotifyEnd(sessionID string, sync *session.Synchronization) {
	if sync.EndedOn == nil {
		return
	}
	b.publish(sessionID, Event{Type: EventTypeEnd, End: &EndPush{
		SessionID:  sync.SessionID,
		Status:     sync.EndStatus,
		FinishedOn: *sync.EndedOn,
		Version:    sync.Version,
	}})
}

// CloseSession drops every subscriber of a session. Called when the
// session is purged.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers[sessionID] {
		close(ch)
	}
	delete(b.subscribers, sessionID)
	delete(b.limiters, sessionID)
}

func (b *Broadcaster) publish(sessionID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for memberID, ch := range b.subscribers[sessionID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("push dropped, member buffer full",
				"session_id", sessionID,
				"member_id", memberID,
				"event_type", string(ev.Type))
		}
	}
}

func (b *Broadcaster) limiter(sessionID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(b.cfg.SnapshotMinGap), b.cfg.SnapshotBurst)
		b.limiters[sessionID] = lim
	}
	return lim
}

func snapshot(sync *session.Synchronization, summaries []tracking.ActionSummary) *ProgressPush {
	return &ProgressPush{
		SessionID:               sync.SessionID,
		Label:                   sync.Label,
		TrackingActionSummaries: summaries,
		TotalActionsCount:       sync.TotalActionsCount,
		FinishedActionsCount:    sync.FinishedActionsCount,
		ErrorActionsCount:       sync.ErrorsCount,
		ProcessedVolume:         sync.ProcessedVolume,
		ExchangedVolume:         sync.ExchangedVolume,
		Version:                 sync.Version,
		AbortRequested:          sync.IsAbortRequested(),
	}
}

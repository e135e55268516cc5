package stream

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultReplaySize = 512
	defaultSubBuffer  = 256
)

// Hub fans session events out to subscribers and keeps a bounded replay
// buffer per session so reconnecting clients can resume by event id.
type Hub struct {
	mu         sync.Mutex
	topics     map[string]*topic
	replaySize int
	subBuffer  int
	nextSubID  int64
	tap        func(Event)
	logger     *slog.Logger
}

type topic struct {
	lastID int64
	buf    []Event
	subs   map[int64]*Subscription
}

// Subscription receives a session's live events. C is closed when the
// subscriber falls behind, the session is forgotten, or Close is called.
type Subscription struct {
	C         <-chan Event
	ch        chan Event
	id        int64
	sessionID string
	hub       *Hub
	once      sync.Once
	dropped   bool
}

// NewHub creates a hub. replaySize <= 0 selects the default.
func NewHub(replaySize int, logger *slog.Logger) *Hub {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		topics:     make(map[string]*topic),
		replaySize: replaySize,
		subBuffer:  defaultSubBuffer,
		logger:     logger,
	}
}

// SetTap registers fn to observe every published event.
func (h *Hub) SetTap(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tap = fn
}

func (h *Hub) topicLocked(sessionID string) *topic {
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[int64]*Subscription)}
		h.topics[sessionID] = t
	}
	return t
}

// Publish assigns the next event id, buffers the event and delivers it to
// every subscriber without blocking. The stamped event is returned.
func (h *Hub) Publish(sessionID string, ev Event) Event {
	h.mu.Lock()
	t := h.topicLocked(sessionID)
	t.lastID++
	ev.ID = t.lastID
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	t.buf = append(t.buf, ev)
	if over := len(t.buf) - h.replaySize; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: drop it; it can resume from its last event id.
			sub.dropped = true
			delete(t.subs, id)
			sub.closeChan()
			h.logger.Warn("Dropping slow event subscriber", "session_id", sessionID, "event_id", ev.ID)
		}
	}
	tap := h.tap
	h.mu.Unlock()

	if tap != nil {
		tap(ev)
	}
	return ev
}

// Subscribe returns the buffered events after afterID and a live
// subscription for everything published later. A negative afterID skips replay.
func (h *Hub) Subscribe(sessionID string, afterID int64) (*Subscription, []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(sessionID)
	var missed []Event
	if afterID >= 0 {
		for _, ev := range t.buf {
			if ev.ID > afterID {
				missed = append(missed, ev)
			}
		}
	}

	h.nextSubID++
	ch := make(chan Event, h.subBuffer)
	sub := &Subscription{C: ch, ch: ch, id: h.nextSubID, sessionID: sessionID, hub: h}
	t.subs[sub.id] = sub
	return sub, missed
}

// LastID returns the id of the newest event published for a session.
func (h *Hub) LastID(sessionID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sessionID]; ok {
		return t.lastID
	}
	return 0
}

// Forget drops a session's buffer and closes its subscriptions.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[sessionID]
	if !ok {
		return
	}
	for _, sub := range t.subs {
		sub.closeChan()
	}
	delete(h.topics, sessionID)
}

// Close unsubscribes. Safe to call more than once. A topic that never saw
// an event is dropped with its last subscriber.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	if t, ok := s.hub.topics[s.sessionID]; ok {
		delete(t.subs, s.id)
		if len(t.subs) == 0 && t.lastID == 0 {
			delete(s.hub.topics, s.sessionID)
		}
	}
	s.hub.mu.Unlock()
	s.closeChan()
}

// Dropped reports whether the hub dropped this subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

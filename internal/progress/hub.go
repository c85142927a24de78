package progress

import (
	"errors"
	"sync"
)

const DefaultBuffer = 64

// ErrSlowSubscriber is reported by a subscription the hub closed because its
// buffer was full.
var ErrSlowSubscriber = errors.New("progress: subscriber too slow, events dropped")

// Hub is an in-process registry of per-plan subscriptions. Publish never
// blocks: a subscriber whose buffer is full is closed instead of skipping
// events in the middle of its sequence.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	onDrop func()
}

type Option func(*Hub)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithDropHook registers fn to be called whenever a slow subscriber is closed.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: DefaultBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription receives the events of one plan published after it was created.
type Subscription struct {
	hub    *Hub
	planID string
	ch     chan Event
	closed bool
	err    error
}

// Subscribe starts watching planID. Past events are not replayed.
func (h *Hub) Subscribe(planID string) *Subscription {
	s := &Subscription{
		hub:    h,
		planID: planID,
		ch:     make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[planID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[planID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers evt to every subscriber of evt.PlanID. A terminal event
// closes the plan's subscriptions after delivery.
func (h *Hub) Publish(evt Event) {
	var dropped int

	h.mu.Lock()
	set := h.subs[evt.PlanID]
	for s := range set {
		select {
		case s.ch <- evt:
		default:
			h.closeLocked(s, ErrSlowSubscriber)
			dropped++
		}
	}
	if evt.Kind.Terminal() {
		for s := range h.subs[evt.PlanID] {
			h.closeLocked(s, nil)
		}
	}
	h.mu.Unlock()

	if h.onDrop != nil {
		for i := 0; i < dropped; i++ {
			h.onDrop()
		}
	}
}

// Subscribers returns the number of open subscriptions of planID.
func (h *Hub) Subscribers(planID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[planID])
}

func (h *Hub) closeLocked(s *Subscription, err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)

	set := h.subs[s.planID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.planID)
	}
}

// Events yields events in publication order. The channel is closed after the
// terminal event, on Close, or when the subscriber fell behind.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.closeLocked(s, nil)
}

// Err is ErrSlowSubscriber when the hub dropped this subscription, nil otherwise.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"peerlink/native/internal/domain"
)

// Broadcast as a message destination addresses every other peer.
const Broadcast = -1

var (
	errUnknownPeer = errors.New("unknown peer")
	errNameTaken   = errors.New("name already signed in")
)

// notice is one event queued for a member's wait stream. data is a
// presence line or a domain.MessageEvent.
type notice struct {
	event string
	id    string
	data  any
}

// PresenceEvent is published to feed subscribers.
type PresenceEvent struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type member struct {
	id       int
	name     string
	lastSeen time.Time

	queue  []notice
	notify chan struct{}
	gone   chan struct{}
}

func (m *member) presence(connected bool) string {
	state := 0
	if connected {
		state = 1
	}
	return fmt.Sprintf("%s,%d,%d", m.name, m.id, state)
}

// push must be called with the hub lock held.
func (m *member) push(n notice) {
	m.queue = append(m.queue, n)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// hub is the registry of signed-in peers.
type hub struct {
	now func() time.Time

	mu      sync.Mutex
	nextID  int
	members map[int]*member
	subs    map[chan PresenceEvent]struct{}
}

func newHub(now func() time.Time) *hub {
	if now == nil {
		now = time.Now
	}
	return &hub{
		now:     now,
		nextID:  1,
		members: make(map[int]*member),
		subs:    make(map[chan PresenceEvent]struct{}),
	}
}

// join signs name in and returns the new member and the presence lines of
// everyone connected, the new member first.
func (h *hub) join(name string) (*member, []string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.members {
		if m.name == name {
			return nil, nil, errNameTaken
		}
	}

	m := &member{
		id:       h.nextID,
		name:     name,
		lastSeen: h.now(),
		notify:   make(chan struct{}, 1),
		gone:     make(chan struct{}),
	}
	h.nextID++

	lines := []string{m.presence(true)}
	for _, other := range h.sorted() {
		lines = append(lines, other.presence(true))
		other.push(notice{event: "peer", data: m.presence(true)})
	}
	h.members[m.id] = m
	h.publish(PresenceEvent{Type: "join", ID: m.id, Name: m.name})
	return m, lines, nil
}

// leave signs id out.
func (h *hub) leave(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remove(id)
}

func (h *hub) remove(id int) bool {
	m, ok := h.members[id]
	if !ok {
		return false
	}
	delete(h.members, id)
	close(m.gone)

	for _, other := range h.members {
		other.push(notice{event: "peer", data: m.presence(false)})
	}
	h.publish(PresenceEvent{Type: "leave", ID: m.id, Name: m.name})
	return true
}

// touch records activity for id.
func (h *hub) touch(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if ok {
		m.lastSeen = h.now()
	}
	return ok
}

func (h *hub) lookup(id int) (*member, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	return m, ok
}

// deliver queues payload from one member to another, or to every other
// member for Broadcast.
func (h *hub) deliver(from, to int, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sender, ok := h.members[from]
	if !ok {
		return fmt.Errorf("sender %d: %w", from, errUnknownPeer)
	}
	sender.lastSeen = h.now()

	n := notice{event: "message", id: fmt.Sprint(from), data: domain.MessageEvent{Payload: payload}}
	if to == Broadcast {
		for id, m := range h.members {
			if id != from {
				m.push(n)
			}
		}
		return nil
	}

	target, ok := h.members[to]
	if !ok {
		return fmt.Errorf("recipient %d: %w", to, errUnknownPeer)
	}
	target.push(n)
	return nil
}

// drain takes every queued notice for m.
func (h *hub) drain(m *member) []notice {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := m.queue
	m.queue = nil
	return out
}

// expire removes members not seen since cutoff and returns their ids.
func (h *hub) expire(cutoff time.Time) []int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ids []int
	for _, m := range h.sorted() {
		if m.lastSeen.Before(cutoff) {
			ids = append(ids, m.id)
			h.remove(m.id)
		}
	}
	return ids
}

// snapshot lists current members in id order.
func (h *hub) snapshot() []PresenceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []PresenceEvent
	for _, m := range h.sorted() {
		out = append(out, PresenceEvent{Type: "join", ID: m.id, Name: m.name})
	}
	return out
}

func (h *hub) subscribe() (<-chan PresenceEvent, func()) {
	ch := make(chan PresenceEvent, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// publish drops events for subscribers that fall behind.
func (h *hub) publish(ev PresenceEvent) {
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) sorted() []*member {
	out := make([]*member, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

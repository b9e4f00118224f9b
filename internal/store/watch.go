package store

import "sync"

// Event describes one committed write, local or remote in origin.
type Event struct {
	Table string
	ID    string
}

// watchHub fans committed-write events out to subscribers. Notification is
// best-effort: a subscriber that has fallen behind misses coalesced events
// but is always woken for the latest one, which is enough to restart a
// reactive query.
type watchHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
	closed bool
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string]map[int]chan Event)}
}

// Watch subscribes to committed writes on a table. The returned cancel
// function must be called to release the subscription. Pass an empty table
// name to receive events for every table.
func (s *Store) Watch(table string) (<-chan Event, func()) {
	return s.watchers.watch(table)
}

func (h *watchHub) watch(table string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	if h.subs[table] == nil {
		h.subs[table] = make(map[int]chan Event)
	}
	h.subs[table][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[table]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
		}
	}
	return ch, cancel
}

func (h *watchHub) notify(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs[ev.Table] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range h.subs[""] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *watchHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subs = make(map[string]map[int]chan Event)
}

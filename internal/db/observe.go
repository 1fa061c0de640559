package db

import "sync"

// ChangeEvent announces that a committed write touched a table. Observers
// re-run their query on receipt; the event intentionally carries no row data
// so a slow observer can coalesce bursts.
type ChangeEvent struct {
	Table string
}

// hub fans committed-write notifications out to table observers.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan ChangeEvent
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]chan ChangeEvent)}
}

// Observe subscribes to commits touching table. The returned channel emits
// on every commit that touched matching rows until cancel is called; after
// cancel the channel is closed. Resubscribing restarts the stream.
func (s *Store) Observe(table string) (<-chan ChangeEvent, func()) {
	return s.hub.subscribe(table)
}

func (h *hub) subscribe(table string) (<-chan ChangeEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	// Buffer of one: a pending notification coalesces with later ones, so a
	// slow observer sees at least one event per burst and never blocks commits.
	ch := make(chan ChangeEvent, 1)
	if h.subs[table] == nil {
		h.subs[table] = make(map[int]chan ChangeEvent)
	}
	h.subs[table][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[table][id]; ok {
			delete(h.subs[table], id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *hub) notify(table string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[table] {
		select {
		case ch <- ChangeEvent{Table: table}:
		default:
			// observer already has a pending event
		}
	}
}

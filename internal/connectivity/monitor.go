// Package connectivity reports the device's online state and its edge
// transitions. The monitor only observes; it never touches the local store.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/brewlog/core/internal/logging"
)

// Event is an edge transition of the online state.
type Event int

const (
	BecameOnline Event = iota
	BecameOffline
)

// Prober checks reachability of the remote service once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber probes by issuing a HEAD request. Any HTTP response counts as
// online; only transport-level failure counts as offline.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor tracks the current online state and broadcasts edge events.
// It starts offline and flips on the first successful probe, so the first
// BecameOnline edge kicks off the initial sync.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	nextID int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor polling prober at the given interval.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		subs:     make(map[int]chan Event),
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing in the background until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		// immediate first probe, then the ticker
		m.SetOnline(m.prober.Probe(ctx))

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.SetOnline(m.prober.Probe(ctx))
			}
		}
	}()
}

// Stop halts probing and waits for the background goroutine.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Online returns the current online state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the probed state and broadcasts an event on edges.
// Exported so a websocket disconnect or an OS reachability callback can feed
// the monitor directly.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	event := BecameOffline
	if online {
		event = BecameOnline
	}
	subs := make([]chan Event, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	logging.Info("connectivity changed", logging.Fields{"online": online})

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// subscriber is lagging; it will re-read Online() anyway
		}
	}
}

// Events subscribes to edge transitions. The stream is infinite until cancel
// is called; resubscribing restarts it.
func (m *Monitor) Events() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

package remote

import (
	"context"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brewlog/core/internal/config"
	"github.com/brewlog/core/internal/connectivity"
	"github.com/brewlog/core/internal/logging"
)

// Trigger is the slice of the sync manager the feed needs.
type Trigger interface {
	TriggerSync() bool
}

// Feed listens on the backend's websocket change stream and nudges the sync
// manager whenever another device publishes, so pulls happen in near real
// time instead of waiting for the periodic timer. The feed is advisory: sync
// correctness never depends on it.
type Feed struct {
	url     string
	token   string
	trigger Trigger
	monitor *connectivity.Monitor

	stopCh   chan struct{}
	stopOnce stdsync.Once
	wg       stdsync.WaitGroup
}

// NewFeed creates a Feed. Returns nil when no feed URL is configured.
func NewFeed(cfg config.RemoteConfig, trigger Trigger, monitor *connectivity.Monitor) *Feed {
	if cfg.FeedURL == "" {
		return nil
	}
	return &Feed{
		url:     cfg.FeedURL,
		token:   cfg.AuthToken,
		trigger: trigger,
		monitor: monitor,
		stopCh:  make(chan struct{}),
	}
}

// Start maintains the websocket connection in the background, reconnecting
// with doubling delays after drops.
func (f *Feed) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		delay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			default:
			}

			if err := f.listen(ctx); err != nil && ctx.Err() == nil {
				logging.Debug("change feed disconnected", logging.Fields{
					"error": err.Error(),
				})
			}
			if ctx.Err() != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-time.After(delay):
			}
			if delay < time.Minute {
				delay *= 2
			}
		}
	}()
}

// Stop closes the feed and waits for the background goroutine.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

// listen dials once and reads until the connection drops. Any message means
// something changed remotely; the payload itself is ignored, the next pull
// fetches the authoritative delta.
func (f *Feed) listen(ctx context.Context) error {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	logging.Info("change feed connected", logging.Fields{"url": f.url})
	if f.monitor != nil {
		// A live websocket is better evidence than the last probe.
		f.monitor.SetOnline(true)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.stopCh:
		case <-done:
		}
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		f.trigger.TriggerSync()
	}
}

// Package concurrency holds small shared concurrency utilities: a
// recently-seen event cache used to suppress duplicate update deliveries.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Deduplicator is a thread-safe recently-seen cache. It suppresses
// re-processing of an event signature within a fixed window — Telegram can
// redeliver the same update across reconnects, and the listener must not
// enqueue a post twice for it. The signature is `<channelID>:<msgID>:<editDate>`,
// so an edited message (new editDate) naturally reads as a fresh event.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time // key -> expiry
	window time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator creates a cache with a window of windowSec seconds.
func NewDeduplicator(windowSec int) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: time.Duration(windowSec) * time.Second,
	}
}

// Start launches the background eviction loop. Repeated calls are ignored.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	}()
}

// Stop terminates the eviction loop and waits for it to finish.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// Seen reports whether the (channelID, msgID, editDate) signature was
// already observed within the window. A fresh signature is registered and
// reported as unseen.
func (d *Deduplicator) Seen(channelID int64, msgID int, editDate int) bool {
	key := fmt.Sprintf("%d:%d:%d", channelID, msgID, editDate)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup drops every expired entry. Called periodically by the loop
// Start launches; safe to call directly.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}

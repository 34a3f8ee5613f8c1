// Package telegramruntime holds timing helpers for Telegram-facing code:
// context-aware randomized waits used to space out API calls (dialog page
// fetches, channel joins) so they don't land in lockstep.
package telegramruntime

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

const (
	// defaultWaitMinMs/defaultWaitMaxMs bound WaitRandomTime's window.
	defaultWaitMinMs = 1111
	defaultWaitMaxMs = 3333
)

// WaitRandomTimeMs blocks for a uniform-random interval from [minMs, maxMs),
// returning immediately on ctx cancellation. Edge cases: minMs == maxMs
// waits exactly that long; both zero uses the default window; minMs <= 0 or
// maxMs < minMs logs an error and returns without waiting.
func WaitRandomTimeMs(ctx context.Context, minMs, maxMs int) {
	switch {
	case minMs == 0 && maxMs == 0:
		minMs = defaultWaitMinMs
		maxMs = defaultWaitMaxMs
	case minMs <= 0:
		logger.Error("WaitRandomTimeMs: wait time <= 0")
		return
	case maxMs < minMs:
		logger.Error("WaitRandomTimeMs: max < min")
		return
	}

	// Upper bound excluded.
	delta := maxMs
	if maxMs > minMs {
		delta = rand.IntN((maxMs - minMs)) + minMs // #nosec G404
	}
	delay := time.Duration(delta) * time.Millisecond

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Drain the channel if the tick already fired so nothing leaks
		// into a later select on the same timer.
		if !timer.Stop() {
			<-timer.C
		}
		return
	case <-timer.C:
		return
	}
}

// WaitRandomTime waits using the default window; equivalent to
// WaitRandomTimeMs(ctx, 0, 0).
func WaitRandomTime(ctx context.Context) {
	WaitRandomTimeMs(ctx, 0, 0)
}

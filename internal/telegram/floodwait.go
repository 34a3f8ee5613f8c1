// Package telegram holds Telegram-wide adapter glue: the flood-wait
// extractor used by the throttler that paces media downloads (other
// components call tgerr.AsFloodWait directly), message fetching by id, and
// marked-id conversion; client/session/auth construction lives in its
// subpackages.
package telegram

import (
	rand "math/rand/v2"
	"time"

	"github.com/archivist/tgarchiver/internal/infra/throttle"

	"github.com/gotd/td/tgerr"
)

// floodWaitJitterMax caps the random jitter added on top of a mandatory
// FLOOD_WAIT, spreading the retries of concurrent workers so they don't
// re-enter the limit together.
const floodWaitJitterMax = 3 * time.Second

// FloodWaitExtractor builds a throttle.WaitExtractor recognizing
// FLOOD_WAIT and FLOOD_PREMIUM_WAIT errors. For a recognized error it
// returns the mandated pause plus jitter up to floodWaitJitterMax; for
// anything else (0, false), letting the throttler's backoff apply.
func FloodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}

		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}

		return wait + nextFloodWaitJitter(), true
	}
}

func nextFloodWaitJitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	// math/rand/v2 is safe for concurrent use; cryptographic strength is
	// not needed for retry spacing.
	return time.Duration(rand.IntN(sec)) * time.Second // #nosec G404
}

// Package scanloop runs periodic maintenance functions on a jittered
// interval so concurrent sweepers don't align their wakeups.
package scanloop

import (
	"math/rand/v2"
	"time"
)

// Run calls sweep on a randomized cadence until stopCh closes. Each
// wait lasts base plus up to jitter extra; the first sweep happens
// after one full wait, not immediately.
func Run(stopCh <-chan struct{}, base, jitter time.Duration, sweep func()) {
	if base <= 0 {
		base = time.Second
	}
	if jitter < 0 {
		jitter = 0
	}

	timer := time.NewTimer(nextWait(base, jitter))
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		sweep()
		timer.Reset(nextWait(base, jitter))
	}
}

func nextWait(base, jitter time.Duration) time.Duration {
	if jitter == 0 {
		return base
	}
	return base + rand.N(jitter)
}

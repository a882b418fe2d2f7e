package discovery

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tessellate-im/tessera/internal/scanloop"
)

// CacheSweeper periodically drops expired well-known entries, cached
// errors, and idle backoff state from a resolver.
type CacheSweeper struct {
	resolver    *Resolver
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	minInterval time.Duration
	jitterRange time.Duration

	// test hook: called at the beginning of each sweep.
	sweepHook func()
}

func NewCacheSweeper(resolver *Resolver) *CacheSweeper {
	return newCacheSweeperWithIntervals(resolver, 47*time.Second, 13*time.Second)
}

func newCacheSweeperWithIntervals(resolver *Resolver, minInterval, jitterRange time.Duration) *CacheSweeper {
	return &CacheSweeper{
		resolver:    resolver,
		stopCh:      make(chan struct{}),
		minInterval: minInterval,
		jitterRange: jitterRange,
	}
}

func (s *CacheSweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.Run(s.stopCh, s.minInterval, s.jitterRange, s.sweep)
	}()
}

func (s *CacheSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *CacheSweeper) sweep() {
	if s.sweepHook != nil {
		s.sweepHook()
	}

	now := s.resolver.now()
	s.resolver.wellKnown.prune(now)
	s.resolver.backoff.prune(now)

	s.resolver.errors.Range(func(serverName string, entry errorEntry) bool {
		if now.After(entry.expiresAt) {
			s.resolver.errors.Compute(serverName, func(current errorEntry, loaded bool) (errorEntry, xsync.ComputeOp) {
				if !loaded || !now.After(current.expiresAt) {
					return current, xsync.CancelOp
				}
				return current, xsync.DeleteOp
			})
		}
		return true
	})
}

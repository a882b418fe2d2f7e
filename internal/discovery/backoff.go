package discovery

import (
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

var ErrBackoff = errors.New("discovery: server in backoff window")

const (
	defaultBackoffBase = time.Second
	maxBackoffExponent = 10
	backoffIdleFor     = 24 * time.Hour
)

type backoffState struct {
	failureCount int
	nextRetryAt  time.Time
	lastFailure  time.Time
}

// Backoff tracks per-server failure streaks and refuses retries inside
// the exponential window. State is evicted after 24h without a failure.
type Backoff struct {
	states *xsync.Map[string, backoffState]
	base   time.Duration
	now    func() time.Time
}

func NewBackoff() *Backoff {
	return &Backoff{
		states: xsync.NewMap[string, backoffState](),
		base:   defaultBackoffBase,
		now:    time.Now,
	}
}

// Blocked reports whether serverName is inside its backoff window, and
// if so when the next attempt is allowed.
func (b *Backoff) Blocked(serverName string) (time.Time, bool) {
	state, ok := b.states.Load(serverName)
	if !ok {
		return time.Time{}, false
	}
	if b.now().Before(state.nextRetryAt) {
		return state.nextRetryAt, true
	}
	return time.Time{}, false
}

// RecordFailure extends the window: delay = base * 2^min(failures, 10).
func (b *Backoff) RecordFailure(serverName string) {
	now := b.now()
	b.states.Compute(serverName, func(old backoffState, _ bool) (backoffState, xsync.ComputeOp) {
		count := old.failureCount + 1
		exp := count
		if exp > maxBackoffExponent {
			exp = maxBackoffExponent
		}
		return backoffState{
			failureCount: count,
			nextRetryAt:  now.Add(b.base << exp),
			lastFailure:  now,
		}, xsync.UpdateOp
	})
}

// RecordSuccess clears the streak entirely.
func (b *Backoff) RecordSuccess(serverName string) {
	b.states.Delete(serverName)
}

// prune drops servers whose last failure is older than the idle window.
func (b *Backoff) prune(now time.Time) {
	b.states.Range(func(serverName string, state backoffState) bool {
		if now.Sub(state.lastFailure) > backoffIdleFor {
			b.states.Compute(serverName, func(current backoffState, loaded bool) (backoffState, xsync.ComputeOp) {
				if !loaded || now.Sub(current.lastFailure) <= backoffIdleFor {
					return current, xsync.CancelOp
				}
				return current, xsync.DeleteOp
			})
		}
		return true
	})
}

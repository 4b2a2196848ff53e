package game

import (
	"fmt"
	"time"

	"pixelwar/pkg/types"
)

// roundClock has two states, active and finished, and moves between them only
// with the passage of time. Every call re-reads the clock.
type roundClock struct {
	start    time.Time
	duration time.Duration
	now      func() time.Time
}

func (r roundClock) end() time.Time {
	return r.start.Add(r.duration)
}

func (r roundClock) finished() bool {
	return !r.now().Before(r.end())
}

func (r roundClock) assertActive() error {
	if r.finished() {
		return fmt.Errorf("%w: ended at %s", ErrRoundOver, r.end().UTC().Format(time.RFC3339))
	}
	return nil
}

func (r roundClock) assertFinished() error {
	if !r.finished() {
		return fmt.Errorf("%w: ends at %s", ErrRoundStillActive, r.end().UTC().Format(time.RFC3339))
	}
	return nil
}

// payoutBook holds the reward pool snapshot and the set of accounts already
// paid. The set only grows.
type payoutBook struct {
	pool      uint64
	withdrawn map[types.Account]struct{}
}

func newPayoutBook() *payoutBook {
	return &payoutBook{withdrawn: make(map[types.Account]struct{})}
}

// snapshot records the system balance after a claim; the last value written
// before the round ends is the payout base.
func (b *payoutBook) snapshot(total uint64) {
	b.pool = total
}

func (b *payoutBook) has(a types.Account) bool {
	_, ok := b.withdrawn[a]
	return ok
}

func (b *payoutBook) mark(a types.Account) {
	b.withdrawn[a] = struct{}{}
}

package game

import (
	"fmt"

	"pixelwar/pkg/types"
)

// ledger tracks how many cells each account holds. It is only ever touched
// together with a change of cell ownership.
type ledger struct {
	counts map[types.Account]uint64
}

func newLedger() *ledger {
	return &ledger{counts: make(map[types.Account]uint64)}
}

// transfer moves one cell of credit from prev (if any) to next. A recolor by
// the current owner is a no-op.
func (l *ledger) transfer(prev *types.Account, next types.Account) {
	if prev != nil {
		if *prev == next {
			return
		}
		n := l.counts[*prev]
		if n == 0 {
			panic(fmt.Sprintf("game: ledger underflow for %q", *prev))
		}
		if n == 1 {
			delete(l.counts, *prev)
		} else {
			l.counts[*prev] = n - 1
		}
	}
	l.counts[next]++
}

func (l *ledger) countOf(a types.Account) uint64 {
	return l.counts[a]
}

// Package game is the pixel war state machine: cell ownership and pricing,
// per-account cell counts, the round boundary and the reward payout.
//
// A GameState applies one mutating call at a time. Each call either commits
// all of its effects (cell, ledger, pool, withdrawal set) or none of them.
package game

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"pixelwar/pkg/types"
)

// Journal persists a delta before it is applied in memory. Returning an error
// aborts the call with nothing changed.
type Journal interface {
	RecordClaim(rec types.ClaimRecord) error
	RecordWithdrawal(p types.Payout) error
}

// Dispatcher executes payouts. Dispatch is called with the state locked, after
// the account has been marked as withdrawn, and must not block.
type Dispatcher interface {
	Dispatch(p types.Payout)
}

type nopJournal struct{}

func (nopJournal) RecordClaim(types.ClaimRecord) error { return nil }
func (nopJournal) RecordWithdrawal(types.Payout) error { return nil }

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(types.Payout) {}

type Option func(*GameState)

func WithClock(now func() time.Time) Option {
	return func(s *GameState) { s.clock.now = now }
}

func WithJournal(j Journal) Option {
	return func(s *GameState) { s.journal = j }
}

func WithDispatcher(d Dispatcher) Option {
	return func(s *GameState) { s.dispatcher = d }
}

type GameState struct {
	mu sync.RWMutex

	cfg    Config
	grid   *grid
	ledger *ledger
	clock  roundClock
	book   *payoutBook

	journal    Journal
	dispatcher Dispatcher
}

// New starts a fresh round at start.
func New(cfg Config, start time.Time, opts ...Option) (*GameState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &GameState{
		cfg:        cfg,
		grid:       newGrid(cfg),
		ledger:     newLedger(),
		clock:      roundClock{start: start, duration: cfg.Duration, now: time.Now},
		book:       newPayoutBook(),
		journal:    nopJournal{},
		dispatcher: nopDispatcher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Claim is one claim_or_recolor request. Balance is the total the host holds
// once Attached has been taken in; it becomes the reward pool snapshot.
type Claim struct {
	X, Y     uint32
	Color    uint32
	Payer    types.Account
	Attached uint64
	Balance  uint64
}

// ClaimOrRecolor buys cell (X, Y) for Payer, or recolors it if Payer already
// owns it. The price multiplies on every successful call.
func (s *GameState) ClaimOrRecolor(c Claim) (types.ClaimRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.grid.inBounds(c.X, c.Y) {
		return types.ClaimRecord{}, fmt.Errorf("%w: (%d, %d) outside %dx%d", ErrOutOfBounds, c.X, c.Y, s.cfg.Width, s.cfg.Height)
	}
	if err := s.clock.assertActive(); err != nil {
		return types.ClaimRecord{}, err
	}

	cur, _ := s.grid.lookup(c.X, c.Y)
	price, err := NextPrice(cur.price, s.cfg.PriceMultiplier)
	if err != nil {
		return types.ClaimRecord{}, fmt.Errorf("cell (%d, %d): %w", c.X, c.Y, err)
	}
	if c.Attached < price {
		return types.ClaimRecord{}, fmt.Errorf("%w: cell (%d, %d) costs %d, attached %d", ErrInsufficientPayment, c.X, c.Y, price, c.Attached)
	}

	next := pixel{owner: c.Payer, owned: true, price: price, color: c.Color}
	rec := types.ClaimRecord{
		Cell:     view(c.X, c.Y, next),
		Payer:    c.Payer,
		Attached: c.Attached,
		Pool:     c.Balance,
	}
	var prev *types.Account
	if cur.owned {
		owner := cur.owner
		prev = &owner
		rec.PreviousOwner = &owner
	}

	if err := s.journal.RecordClaim(rec); err != nil {
		return types.ClaimRecord{}, fmt.Errorf("journal claim (%d, %d): %w", c.X, c.Y, err)
	}

	s.grid.put(c.X, c.Y, next)
	s.ledger.transfer(prev, c.Payer)
	s.book.snapshot(c.Balance)
	return rec, nil
}

// Withdraw pays account its share of the frozen pool. An account may withdraw
// once, even when its share is zero.
func (s *GameState) Withdraw(account types.Account) (types.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clock.assertFinished(); err != nil {
		return types.Payout{}, err
	}
	if s.book.has(account) {
		return types.Payout{}, fmt.Errorf("%w: %s", ErrAlreadyWithdrawn, account)
	}

	share := s.ledger.countOf(account)
	p := types.Payout{
		Account: account,
		Share:   share,
		Amount:  Reward(s.book.pool, share, s.cfg.Capacity()),
	}

	if err := s.journal.RecordWithdrawal(p); err != nil {
		return types.Payout{}, fmt.Errorf("journal withdrawal %s: %w", account, err)
	}

	s.book.mark(account)
	s.dispatcher.Dispatch(p)
	return p, nil
}

// --- Reads ---

// Pixel returns a populated cell. Absent and out-of-range cells report false.
func (s *GameState) Pixel(x, y uint32) (types.CellView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.grid.inBounds(x, y) {
		return types.CellView{}, false
	}
	p, ok := s.grid.lookup(x, y)
	if !ok {
		return types.CellView{}, false
	}
	return view(x, y, p), true
}

// Cell is Pixel with the implicit default filled in for unclaimed cells.
func (s *GameState) Cell(x, y uint32) (types.CellView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.grid.inBounds(x, y) {
		return types.CellView{}, fmt.Errorf("%w: (%d, %d) outside %dx%d", ErrOutOfBounds, x, y, s.cfg.Width, s.cfg.Height)
	}
	p, _ := s.grid.lookup(x, y)
	return view(x, y, p), nil
}

// Row returns the populated cells of row y, ordered by x.
func (s *GameState) Row(y uint32) []types.CellView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grid.row(y)
}

func (s *GameState) CountOf(a types.Account) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.countOf(a)
}

func (s *GameState) HasWithdrawn(a types.Account) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.has(a)
}

func (s *GameState) RewardPool() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.pool
}

func (s *GameState) IsRoundFinished() bool {
	return s.clock.finished()
}

func (s *GameState) RoundFinishTimestamp() time.Time {
	return s.clock.end()
}

func (s *GameState) Round() types.RoundInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.RoundInfo{
		Start:    s.clock.start,
		Duration: s.clock.duration,
		End:      s.clock.end(),
		Finished: s.clock.finished(),
		Pool:     s.book.pool,
	}
}

func (s *GameState) Config() Config {
	return s.cfg
}

// --- Export / Restore ---

// State is the persisted form of a GameState.
type State struct {
	Start     time.Time
	Cells     []types.CellView
	Counts    map[types.Account]uint64 // optional; cross-checked on restore
	Withdrawn []types.Account
	Pool      uint64
}

// State returns a deep copy of everything needed to Restore this game.
func (s *GameState) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Start:     s.clock.start,
		Cells:     make([]types.CellView, 0, s.grid.len()),
		Counts:    make(map[types.Account]uint64, len(s.ledger.counts)),
		Withdrawn: make([]types.Account, 0, len(s.book.withdrawn)),
		Pool:      s.book.pool,
	}
	s.grid.each(func(x, y uint32, p pixel) {
		st.Cells = append(st.Cells, view(x, y, p))
	})
	sort.Slice(st.Cells, func(i, j int) bool {
		if st.Cells[i].Y != st.Cells[j].Y {
			return st.Cells[i].Y < st.Cells[j].Y
		}
		return st.Cells[i].X < st.Cells[j].X
	})
	for a, n := range s.ledger.counts {
		st.Counts[a] = n
	}
	for a := range s.book.withdrawn {
		st.Withdrawn = append(st.Withdrawn, a)
	}
	sort.Slice(st.Withdrawn, func(i, j int) bool { return st.Withdrawn[i] < st.Withdrawn[j] })
	return st
}

// Restore rebuilds a game from persisted state. Cell counts are derived from
// cell owners; if st.Counts is set it must agree.
func Restore(cfg Config, st State, opts ...Option) (*GameState, error) {
	s, err := New(cfg, st.Start, opts...)
	if err != nil {
		return nil, err
	}

	for _, c := range st.Cells {
		if !s.grid.inBounds(c.X, c.Y) {
			return nil, fmt.Errorf("%w: cell (%d, %d) outside %dx%d", ErrCorruptState, c.X, c.Y, cfg.Width, cfg.Height)
		}
		if c.Owner == nil {
			return nil, fmt.Errorf("%w: cell (%d, %d) stored without owner", ErrCorruptState, c.X, c.Y)
		}
		if _, dup := s.grid.lookup(c.X, c.Y); dup {
			return nil, fmt.Errorf("%w: cell (%d, %d) stored twice", ErrCorruptState, c.X, c.Y)
		}
		if !reachablePrice(c.Price, cfg.StartPrice, cfg.PriceMultiplier) {
			return nil, fmt.Errorf("%w: cell (%d, %d) price %d not on the price ladder", ErrCorruptState, c.X, c.Y, c.Price)
		}
		s.grid.put(c.X, c.Y, pixel{owner: *c.Owner, owned: true, price: c.Price, color: c.Color})
		s.ledger.transfer(nil, *c.Owner)
	}

	if st.Counts != nil {
		for a, n := range st.Counts {
			if n != 0 && s.ledger.countOf(a) != n {
				return nil, fmt.Errorf("%w: %s holds %d cells, stored count %d", ErrCorruptState, a, s.ledger.countOf(a), n)
			}
		}
		for a, n := range s.ledger.counts {
			if st.Counts[a] != n {
				return nil, fmt.Errorf("%w: %s holds %d cells, stored count %d", ErrCorruptState, a, n, st.Counts[a])
			}
		}
	}

	for _, a := range st.Withdrawn {
		s.book.mark(a)
	}
	s.book.pool = st.Pool
	return s, nil
}

// reachablePrice reports whether price == start * multiplier^k for some k >= 1.
func reachablePrice(price, start, multiplier uint64) bool {
	if price <= start || price%start != 0 {
		return false
	}
	for q := price / start; q > 1; q /= multiplier {
		if q%multiplier != 0 {
			return false
		}
	}
	return true
}

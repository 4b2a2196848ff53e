package game

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwar/pkg/types"
)

var genesis = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingDispatcher struct{ sent []types.Payout }

func (d *recordingDispatcher) Dispatch(p types.Payout) { d.sent = append(d.sent, p) }

type failingJournal struct{ err error }

func (j failingJournal) RecordClaim(types.ClaimRecord) error { return j.err }
func (j failingJournal) RecordWithdrawal(types.Payout) error { return j.err }

func testConfig() Config {
	return Config{Width: 10, Height: 10, StartPrice: 1, PriceMultiplier: 2, Duration: time.Hour}
}

func newTestGame(t *testing.T, opts ...Option) (*GameState, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: genesis}
	g, err := New(testConfig(), genesis, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return g, clock
}

func claim(x, y uint32, payer string, attached uint64) Claim {
	return Claim{X: x, Y: y, Color: 0xff0000, Payer: types.Account(payer), Attached: attached, Balance: attached}
}

// assertCountsConsistent checks that every account's count equals the cells it owns.
func assertCountsConsistent(t *testing.T, g *GameState) {
	t.Helper()
	owned := map[types.Account]uint64{}
	for y := uint32(0); y < g.Config().Height; y++ {
		for _, c := range g.Row(y) {
			require.NotNil(t, c.Owner)
			owned[*c.Owner]++
		}
	}
	st := g.State()
	assert.Equal(t, owned, st.Counts)
}

func TestPriceMonotonicity(t *testing.T) {
	g, _ := newTestGame(t)
	accounts := []string{"alice", "bob", "alice", "carol", "carol"}

	want := uint64(1)
	for k, a := range accounts {
		want *= 2
		rec, err := g.ClaimOrRecolor(claim(3, 4, a, want))
		require.NoError(t, err, "claim %d", k+1)
		assert.Equal(t, want, rec.Cell.Price)

		c, ok := g.Pixel(3, 4)
		require.True(t, ok)
		assert.Equal(t, want, c.Price)
		assert.Equal(t, types.Account(a), *c.Owner)
	}
}

func TestClaimReturnsPreviousOwner(t *testing.T) {
	g, _ := newTestGame(t)

	rec, err := g.ClaimOrRecolor(claim(0, 0, "x", 2))
	require.NoError(t, err)
	assert.Nil(t, rec.PreviousOwner)

	rec, err = g.ClaimOrRecolor(claim(0, 0, "y", 4))
	require.NoError(t, err)
	require.NotNil(t, rec.PreviousOwner)
	assert.Equal(t, types.Account("x"), *rec.PreviousOwner)
}

func TestCountConsistency(t *testing.T) {
	g, _ := newTestGame(t)

	steps := []struct {
		x, y  uint32
		payer string
	}{
		{0, 0, "a"}, {1, 0, "a"}, {2, 5, "b"}, {0, 0, "b"}, {0, 0, "b"}, {1, 0, "c"}, {9, 9, "a"},
	}
	for _, s := range steps {
		cur, err := g.Cell(s.x, s.y)
		require.NoError(t, err)
		_, err = g.ClaimOrRecolor(claim(s.x, s.y, s.payer, cur.Price*2))
		require.NoError(t, err)
		assertCountsConsistent(t, g)
	}

	assert.Equal(t, uint64(1), g.CountOf("a"))
	assert.Equal(t, uint64(2), g.CountOf("b"))
	assert.Equal(t, uint64(1), g.CountOf("c"))
	assert.Equal(t, uint64(0), g.CountOf("nobody"))
}

func TestRecolorBySameOwnerKeepsCount(t *testing.T) {
	g, _ := newTestGame(t)
	_, err := g.ClaimOrRecolor(claim(5, 5, "a", 2))
	require.NoError(t, err)

	c := claim(5, 5, "a", 4)
	c.Color = 0x00ff00
	_, err = g.ClaimOrRecolor(c)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), g.CountOf("a"))
	cell, _ := g.Pixel(5, 5)
	assert.Equal(t, uint32(0x00ff00), cell.Color)
	assert.Equal(t, uint64(4), cell.Price)
}

func TestInsufficientPaymentRejected(t *testing.T) {
	g, _ := newTestGame(t)
	_, err := g.ClaimOrRecolor(claim(1, 1, "a", 2))
	require.NoError(t, err)
	before := g.State()

	_, err = g.ClaimOrRecolor(claim(1, 1, "b", 3))
	assert.ErrorIs(t, err, ErrInsufficientPayment)
	assert.Equal(t, before, g.State())
}

func TestBoundsRejection(t *testing.T) {
	g, _ := newTestGame(t)

	_, err := g.ClaimOrRecolor(claim(10, 0, "a", 100))
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = g.ClaimOrRecolor(claim(0, 10, "a", 100))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	assert.Equal(t, uint64(0), g.CountOf("a"))
	assert.Equal(t, uint64(0), g.RewardPool())

	_, ok := g.Pixel(10, 0)
	assert.False(t, ok)
	_, err = g.Cell(0, 10)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestAbsentCellDefaults(t *testing.T) {
	g, _ := newTestGame(t)

	_, ok := g.Pixel(2, 2)
	assert.False(t, ok)

	c, err := g.Cell(2, 2)
	require.NoError(t, err)
	assert.Nil(t, c.Owner)
	assert.Equal(t, uint64(1), c.Price)
	assert.Equal(t, uint32(0), c.Color)

	assert.Empty(t, g.Row(2))
}

func TestRowReturnsPopulatedCells(t *testing.T) {
	g, _ := newTestGame(t)
	for _, x := range []uint32{7, 2, 5} {
		_, err := g.ClaimOrRecolor(claim(x, 3, "a", 2))
		require.NoError(t, err)
	}
	_, err := g.ClaimOrRecolor(claim(1, 4, "a", 2))
	require.NoError(t, err)

	row := g.Row(3)
	require.Len(t, row, 3)
	var xs []uint32
	for _, c := range row {
		assert.Equal(t, uint32(3), c.Y)
		xs = append(xs, c.X)
	}
	assert.ElementsMatch(t, []uint32{2, 5, 7}, xs)
}

func TestPriceOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.StartPrice = 1 << 62
	clock := &fakeClock{now: genesis}
	g, err := New(cfg, genesis, WithClock(clock.Now))
	require.NoError(t, err)

	_, err = g.ClaimOrRecolor(Claim{X: 0, Y: 0, Payer: "a", Attached: 1 << 63})
	require.NoError(t, err)

	_, err = g.ClaimOrRecolor(Claim{X: 0, Y: 0, Payer: "b", Attached: ^uint64(0)})
	assert.ErrorIs(t, err, ErrPriceOverflow)
	c, _ := g.Pixel(0, 0)
	assert.Equal(t, types.Account("a"), *c.Owner)
}

func TestRoundGating(t *testing.T) {
	g, clock := newTestGame(t)

	_, err := g.Withdraw("a")
	assert.ErrorIs(t, err, ErrRoundStillActive)
	assert.False(t, g.HasWithdrawn("a"))
	assert.False(t, g.IsRoundFinished())
	assert.Equal(t, genesis.Add(time.Hour), g.RoundFinishTimestamp())

	clock.Advance(time.Hour - time.Nanosecond)
	_, err = g.ClaimOrRecolor(claim(0, 0, "a", 2))
	require.NoError(t, err)

	clock.Advance(time.Nanosecond)
	assert.True(t, g.IsRoundFinished())
	_, err = g.ClaimOrRecolor(claim(1, 1, "a", 2))
	assert.ErrorIs(t, err, ErrRoundOver)
	assert.Equal(t, uint64(1), g.CountOf("a"))
}

func TestOutOfBoundsCheckedBeforeRound(t *testing.T) {
	g, clock := newTestGame(t)
	clock.Advance(2 * time.Hour)
	_, err := g.ClaimOrRecolor(claim(10, 0, "a", 2))
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestWithdrawAtMostOnce(t *testing.T) {
	d := &recordingDispatcher{}
	g, clock := newTestGame(t, WithDispatcher(d))
	clock.Advance(time.Hour)

	p, err := g.Withdraw("nobody")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.Amount)
	assert.True(t, g.HasWithdrawn("nobody"))

	_, err = g.Withdraw("nobody")
	assert.ErrorIs(t, err, ErrAlreadyWithdrawn)
	assert.Len(t, d.sent, 1)
}

func TestExampleScenario(t *testing.T) {
	d := &recordingDispatcher{}
	g, clock := newTestGame(t, WithDispatcher(d))

	_, err := g.ClaimOrRecolor(Claim{X: 0, Y: 0, Payer: "X", Attached: 2, Balance: 2})
	require.NoError(t, err)
	c, _ := g.Pixel(0, 0)
	assert.Equal(t, uint64(2), c.Price)

	_, err = g.ClaimOrRecolor(Claim{X: 0, Y: 0, Payer: "Y", Attached: 4, Balance: 1000})
	require.NoError(t, err)
	c, _ = g.Pixel(0, 0)
	assert.Equal(t, uint64(4), c.Price)
	assert.Equal(t, uint64(0), g.CountOf("X"))
	assert.Equal(t, uint64(1), g.CountOf("Y"))

	clock.Advance(time.Hour)
	assert.Equal(t, uint64(1000), g.RewardPool())

	py, err := g.Withdraw("Y")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), py.Amount)

	px, err := g.Withdraw("X")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), px.Amount)

	_, err = g.Withdraw("Y")
	assert.ErrorIs(t, err, ErrAlreadyWithdrawn)

	assert.Equal(t, []types.Payout{
		{Account: "Y", Share: 1, Amount: 5},
		{Account: "X", Share: 0, Amount: 0},
	}, d.sent)
}

func TestPoolFrozenAtRoundEnd(t *testing.T) {
	g, clock := newTestGame(t)
	_, err := g.ClaimOrRecolor(Claim{X: 0, Y: 0, Payer: "a", Attached: 2, Balance: 400})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = g.ClaimOrRecolor(Claim{X: 1, Y: 0, Payer: "a", Attached: 2, Balance: 9999})
	require.ErrorIs(t, err, ErrRoundOver)

	p, err := g.Withdraw("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), g.RewardPool())
	assert.Equal(t, uint64(2), p.Amount)
}

func TestJournalFailureCommitsNothing(t *testing.T) {
	boom := errors.New("disk full")
	d := &recordingDispatcher{}
	g, clock := newTestGame(t, WithJournal(failingJournal{err: boom}), WithDispatcher(d))

	_, err := g.ClaimOrRecolor(claim(0, 0, "a", 2))
	assert.ErrorIs(t, err, boom)
	_, ok := g.Pixel(0, 0)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), g.CountOf("a"))
	assert.Equal(t, uint64(0), g.RewardPool())

	clock.Advance(time.Hour)
	_, err = g.Withdraw("a")
	assert.ErrorIs(t, err, boom)
	assert.False(t, g.HasWithdrawn("a"))
	assert.Empty(t, d.sent)
}

func TestStateRestoreRoundTrip(t *testing.T) {
	g, clock := newTestGame(t)
	for i, a := range []string{"a", "b", "a", "c"} {
		cur, _ := g.Cell(uint32(i%2), 0)
		_, err := g.ClaimOrRecolor(Claim{X: uint32(i % 2), Y: 0, Payer: types.Account(a), Attached: cur.Price * 2, Balance: uint64(100 * (i + 1))})
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)
	_, err := g.Withdraw("a")
	require.NoError(t, err)

	st := g.State()
	r, err := Restore(testConfig(), st, WithClock(clock.Now))
	require.NoError(t, err)

	assert.Equal(t, st, r.State())
	assert.True(t, r.HasWithdrawn("a"))
	_, err = r.Withdraw("a")
	assert.ErrorIs(t, err, ErrAlreadyWithdrawn)
	assert.Equal(t, g.CountOf("c"), r.CountOf("c"))
}

func TestRestoreRejectsCorruptState(t *testing.T) {
	owner := types.Account("a")
	cases := map[string]State{
		"out of bounds": {Cells: []types.CellView{{X: 10, Y: 0, Owner: &owner, Price: 2}}},
		"no owner":      {Cells: []types.CellView{{X: 0, Y: 0, Price: 2}}},
		"duplicate": {Cells: []types.CellView{
			{X: 0, Y: 0, Owner: &owner, Price: 2},
			{X: 0, Y: 0, Owner: &owner, Price: 4},
		}},
		"bad price":      {Cells: []types.CellView{{X: 0, Y: 0, Owner: &owner, Price: 3}}},
		"count mismatch": {Cells: []types.CellView{{X: 0, Y: 0, Owner: &owner, Price: 2}}, Counts: map[types.Account]uint64{"a": 2}},
		"missing count":  {Cells: []types.CellView{{X: 0, Y: 0, Owner: &owner, Price: 2}}, Counts: map[types.Account]uint64{}},
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			st.Start = genesis
			_, err := Restore(testConfig(), st)
			assert.ErrorIs(t, err, ErrCorruptState)
		})
	}
}

func TestLedgerUnderflowPanics(t *testing.T) {
	l := newLedger()
	ghost := types.Account("ghost")
	assert.Panics(t, func() { l.transfer(&ghost, "a") })
}

func TestConcurrentClaimsKeepCountsConsistent(t *testing.T) {
	g, clock := newTestGame(t)

	const workers = 8
	hot := [][2]uint32{{0, 0}, {1, 0}, {2, 0}, {0, 1}, {5, 5}, {9, 9}}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payer := types.Account(fmt.Sprintf("acct-%d", w%4))
			for i := 0; i < 200; i++ {
				cell := hot[(w+i)%len(hot)]
				switch i % 3 {
				case 0:
					_, err := g.Cell(cell[0], cell[1])
					assert.NoError(t, err)
				case 1:
					for _, c := range g.Row(cell[1]) {
						assert.NotNil(t, c.Owner)
					}
				default:
					_, err := g.ClaimOrRecolor(Claim{
						X: cell[0], Y: cell[1], Color: uint32(i), Payer: payer,
						Attached: math.MaxUint64, Balance: math.MaxUint64,
					})
					if err != nil {
						assert.ErrorIs(t, err, ErrPriceOverflow)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	assertCountsConsistent(t, g)

	clock.Advance(time.Hour)

	var mu sync.Mutex
	wins := map[types.Account]int{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			a := types.Account(fmt.Sprintf("acct-%d", w%4))
			_, err := g.Withdraw(a)
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyWithdrawn)
				return
			}
			mu.Lock()
			wins[a]++
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	require.Len(t, wins, 4)
	for a, n := range wins {
		assert.Equal(t, 1, n, a)
		assert.True(t, g.HasWithdrawn(a))
	}
}

package game

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	good := Config{Width: 10, Height: 10, StartPrice: 1, PriceMultiplier: 2, Duration: time.Hour}
	require.NoError(t, good.Validate())

	bad := []Config{
		{Width: 0, Height: 10, StartPrice: 1, PriceMultiplier: 2, Duration: time.Hour},
		{Width: 10, Height: 0, StartPrice: 1, PriceMultiplier: 2, Duration: time.Hour},
		{Width: 10, Height: 10, StartPrice: 0, PriceMultiplier: 2, Duration: time.Hour},
		{Width: 10, Height: 10, StartPrice: 1, PriceMultiplier: 1, Duration: time.Hour},
		{Width: 10, Height: 10, StartPrice: 1, PriceMultiplier: 2, Duration: 0},
	}
	for _, c := range bad {
		assert.True(t, errors.Is(c.Validate(), ErrInvalidConfig), "%+v", c)
	}
}

func TestNextPrice(t *testing.T) {
	p, err := NextPrice(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p)

	_, err = NextPrice(math.MaxUint64/2+1, 2)
	assert.ErrorIs(t, err, ErrPriceOverflow)
}

func TestReward(t *testing.T) {
	assert.Equal(t, uint64(5), Reward(1000, 1, 100))
	assert.Equal(t, uint64(0), Reward(1000, 0, 100))
	assert.Equal(t, uint64(500), Reward(1000, 100, 100), "a full board only ever gets half the pool")
	assert.Equal(t, uint64(0), Reward(199, 1, 100))
	assert.Equal(t, uint64(1), Reward(200, 1, 100))

	// pool * share overflows 64 bits but the quotient does not
	assert.Equal(t, uint64(math.MaxUint64/4), Reward(math.MaxUint64, 2, 4))
}

func TestReachablePrice(t *testing.T) {
	assert.True(t, reachablePrice(2, 1, 2))
	assert.True(t, reachablePrice(1024, 1, 2))
	assert.True(t, reachablePrice(45, 5, 3))
	assert.False(t, reachablePrice(1, 1, 2), "start price means never claimed")
	assert.False(t, reachablePrice(12, 1, 2))
	assert.False(t, reachablePrice(7, 5, 3))
}

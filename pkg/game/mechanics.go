package game

import (
	"fmt"
	"math/bits"
	"time"
)

// Defaults match the deployed contract.
const (
	DefaultStartPrice      uint64 = 1
	DefaultPriceMultiplier uint64 = 2
)

// Config holds the deployment constants. They never change after creation.
type Config struct {
	Width           uint32
	Height          uint32
	StartPrice      uint64
	PriceMultiplier uint64
	Duration        time.Duration
}

func (c Config) Validate() error {
	switch {
	case c.Width == 0 || c.Height == 0:
		return fmt.Errorf("%w: grid must be at least 1x1, got %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.StartPrice == 0:
		return fmt.Errorf("%w: start price must be positive", ErrInvalidConfig)
	case c.PriceMultiplier < 2:
		// a multiplier of 1 would let a cell change hands without the price moving
		return fmt.Errorf("%w: price multiplier must be >= 2, got %d", ErrInvalidConfig, c.PriceMultiplier)
	case c.Duration <= 0:
		return fmt.Errorf("%w: round duration must be positive", ErrInvalidConfig)
	}
	return nil
}

// Capacity is the total number of cells on the field.
func (c Config) Capacity() uint64 {
	return uint64(c.Width) * uint64(c.Height)
}

// --- Economy ---

// NextPrice is what the next claim on a cell currently priced at price costs.
func NextPrice(price, multiplier uint64) (uint64, error) {
	hi, lo := bits.Mul64(price, multiplier)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrPriceOverflow, price, multiplier)
	}
	return lo, nil
}

// Reward is floor(pool * share / (2 * capacity)). Only half the pool is ever
// distributable; the rest stays with the operator.
func Reward(pool, share, capacity uint64) uint64 {
	if share == 0 || pool == 0 || capacity == 0 {
		return 0
	}
	hi, lo := bits.Mul64(pool, share)
	if hi >= capacity {
		// share > capacity can only happen with a corrupt ledger
		panic(fmt.Sprintf("game: reward overflow (pool=%d share=%d capacity=%d)", pool, share, capacity))
	}
	// floor(floor(n/c)/2) == floor(n/(2c)), and 2*capacity may not fit in 64 bits
	q, _ := bits.Div64(hi, lo, capacity)
	return q / 2
}

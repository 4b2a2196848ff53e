package game

import "errors"

var (
	ErrOutOfBounds         = errors.New("out of bounds")
	ErrRoundOver           = errors.New("round is over")
	ErrRoundStillActive    = errors.New("round still active")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrPriceOverflow       = errors.New("price overflow")
	ErrAlreadyWithdrawn    = errors.New("already withdrawn")

	ErrInvalidConfig = errors.New("invalid config")
	ErrCorruptState  = errors.New("corrupt state")
)

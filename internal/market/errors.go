package market

import "errors"

var (
	// ErrInvalidInput is returned for malformed order or admin params.
	// No mutation is attempted.
	ErrInvalidInput = errors.New("market: invalid input")

	// ErrNotFound is returned for an unknown project.
	ErrNotFound = errors.New("market: project not found")

	// ErrInactiveProject is returned when trading a delisted project.
	ErrInactiveProject = errors.New("market: project is not active")

	// ErrInsufficientFunds is returned when a buy exceeds cash on hand.
	ErrInsufficientFunds = errors.New("market: insufficient funds")

	// ErrInsufficientShares is returned when a sell exceeds held shares.
	ErrInsufficientShares = errors.New("market: insufficient shares")
)

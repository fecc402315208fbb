// Package limits caps how many reservations the market keeps open.
//
// Two caps apply to each side independently: a global one, so the expiry
// bookkeeping stays bounded, and an optional per-counterparty one, so a
// single caller cannot hold every slot.
package limits

import (
	"errors"
	"fmt"
)

var (
	// ErrSideFull is returned when a side already holds its maximum number of locks.
	ErrSideFull = errors.New("limits: lock side is full")

	// ErrCounterpartyFull is returned when the counterparty already holds its
	// maximum number of locks on a side.
	ErrCounterpartyFull = errors.New("limits: counterparty lock limit reached")
)

// Side names a reservation side.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// LockLimiter enforces the lock caps.
type LockLimiter struct {
	// MaxBuy and MaxSell cap the active locks of each side.
	MaxBuy  int
	MaxSell int

	// MaxPerCounterparty caps one counterparty's active locks per side.
	// Zero disables the check.
	MaxPerCounterparty int
}

// NewLockLimiter creates a limiter. Negative caps are treated as zero.
func NewLockLimiter(maxBuy, maxSell, maxPerCounterparty int) *LockLimiter {
	return &LockLimiter{
		MaxBuy:             max(maxBuy, 0),
		MaxSell:            max(maxSell, 0),
		MaxPerCounterparty: max(maxPerCounterparty, 0),
	}
}

// CheckLimit validates whether one more lock may be opened on side.
//
// active is the side's current lock count and held is how many of those
// belong to the requesting counterparty.
func (l *LockLimiter) CheckLimit(side Side, active, held int) error {
	limit := l.MaxBuy
	if side == Sell {
		limit = l.MaxSell
	}

	if active >= limit {
		return fmt.Errorf("%w: %d/%d %s locks", ErrSideFull, active, limit, side)
	}
	if l.MaxPerCounterparty > 0 && held >= l.MaxPerCounterparty {
		return fmt.Errorf("%w: %d/%d %s locks", ErrCounterpartyFull, held, l.MaxPerCounterparty, side)
	}
	return nil
}

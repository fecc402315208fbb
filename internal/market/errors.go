package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/pricing"
)

var (
	ErrNonPositiveQuantity = errors.New("market: quantity must be positive")
	ErrNonPositiveBid      = errors.New("market: bid must be positive")
	ErrNonPositiveOffer    = errors.New("market: offer must be positive")

	// ErrInsufficientAvailable is returned, wrapped in an *AvailabilityError,
	// when a trade would push a holding below its floor.
	ErrInsufficientAvailable = pricing.ErrInsufficientAvailable

	ErrMaxLocksReached = errors.New("market: maximum number of locks reached")
	ErrBidTooLow       = errors.New("market: bid below quoted price")
	ErrOfferTooHigh    = errors.New("market: offer above quoted price")

	ErrUnrecognizedToken = errors.New("market: unrecognized token")
	// ErrExpiredToken means the lock existed but timed out before finalization.
	ErrExpiredToken = errors.New("market: token expired")

	ErrWrongPaymentKind    = errors.New("market: payment must be in EUR")
	ErrWrongKind           = errors.New("market: wrong kind")
	ErrInsufficientPayment = errors.New("market: insufficient payment")
	ErrInsufficientAmount  = errors.New("market: insufficient delivered amount")

	ErrUnknownKind         = errors.New("market: unknown kind")
	ErrInvalidCounterparty = errors.New("market: invalid counterparty")
	ErrInvalidConfig       = errors.New("market: invalid configuration")
)

// AvailabilityError carries the requested and available quantities of a
// floor violation.
type AvailabilityError = pricing.AvailabilityError

// PriceError reports a bid or offer that does not meet the quoted price.
// Err is ErrBidTooLow or ErrOfferTooHigh.
type PriceError struct {
	Err      error
	Quoted   decimal.Decimal
	Proposed decimal.Decimal
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("%v: proposed %s, quoted %s", e.Err, e.Proposed, e.Quoted)
}

func (e *PriceError) Unwrap() error { return e.Err }

// QuantityError reports a payment or delivery smaller than agreed.
// Err is ErrInsufficientPayment or ErrInsufficientAmount.
type QuantityError struct {
	Err       error
	Contained decimal.Decimal
	Required  decimal.Decimal
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("%v: contained %s, required %s", e.Err, e.Contained, e.Required)
}

func (e *QuantityError) Unwrap() error { return e.Err }

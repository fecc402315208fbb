// Package token builds and parses reservation tokens and validates
// counterparty identifiers.
//
// A token is derived from the operation, the counterparty and the clock tick
// at which the lock was created: lock_buy-{counterparty}-{tick}.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Supported operations.
const (
	OpLockBuy  = "lock_buy"
	OpLockSell = "lock_sell"
)

var validOps = map[string]bool{
	OpLockBuy:  true,
	OpLockSell: true,
}

// tokenRegex matches: {operation}-{counterparty}-{tick}
// Example: lock_buy-trader_7-42
var tokenRegex = regexp.MustCompile(`^([a-z_]+)-(.+)-(\d+)$`)

// counterpartyRegex bounds what a counterparty may call itself.
var counterpartyRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

var (
	ErrInvalidToken        = errors.New("token: invalid token format")
	ErrInvalidOperation    = errors.New("token: unsupported operation")
	ErrInvalidCounterparty = errors.New("token: invalid counterparty")
)

// Token is a parsed reservation token.
type Token struct {
	Raw          string `json:"token"`
	Operation    string `json:"operation"`
	Counterparty string `json:"counterparty"`
	Tick         uint64 `json:"tick"`
}

// New derives the token string for a lock created by counterparty at tick.
func New(operation, counterparty string, tick uint64) string {
	return fmt.Sprintf("%s-%s-%d", operation, counterparty, tick)
}

// Parse parses and validates a token string.
func Parse(raw string) (*Token, error) {
	matches := tokenRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {operation}-{counterparty}-{tick})", ErrInvalidToken, raw)
	}

	op := matches[1]
	if !validOps[op] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOperation, op)
	}

	tick, err := strconv.ParseUint(matches[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: tick %s", ErrInvalidToken, matches[3])
	}

	return &Token{
		Raw:          raw,
		Operation:    op,
		Counterparty: matches[2],
		Tick:         tick,
	}, nil
}

// ValidateCounterparty checks a counterparty identifier.
func ValidateCounterparty(id string) error {
	if !counterpartyRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidCounterparty, id)
	}
	return nil
}

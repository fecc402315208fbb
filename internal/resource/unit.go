// Package resource implements the amount-tagged quantity every ledger entry,
// reservation and counterparty holding is made of.
//
// Split and Merge are the only ways quantity moves between owners: a transfer
// is always one Split paired with one Merge, so quantity is never fabricated
// or dropped along the way.
package resource

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/model"
)

var (
	// ErrInsufficientAmount is returned when a split asks for more than the unit holds.
	ErrInsufficientAmount = errors.New("resource: insufficient amount")

	// ErrKindMismatch is returned when merging units of different kinds.
	ErrKindMismatch = errors.New("resource: kind mismatch")

	// ErrNegativeAmount is returned when a unit would be created or split with a negative amount.
	ErrNegativeAmount = errors.New("resource: negative amount")
)

// Unit is a quantity of a single kind. The zero value is an empty EUR unit.
type Unit struct {
	kind   model.Kind
	amount decimal.Decimal
}

// New creates a unit of the given kind. Negative amounts are rejected.
func New(kind model.Kind, amount decimal.Decimal) (*Unit, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s %s", ErrNegativeAmount, amount, kind)
	}
	return &Unit{kind: kind, amount: amount}, nil
}

// MustNew is like New but panics on a negative amount. Only for constants and tests.
func MustNew(kind model.Kind, amount decimal.Decimal) *Unit {
	u, err := New(kind, amount)
	if err != nil {
		panic(err)
	}
	return u
}

// Empty returns a zero-amount unit of kind.
func Empty(kind model.Kind) *Unit {
	return &Unit{kind: kind, amount: decimal.Zero}
}

// Kind returns the unit's kind.
func (u *Unit) Kind() model.Kind { return u.kind }

// Amount returns the quantity currently held by the unit.
func (u *Unit) Amount() decimal.Decimal { return u.amount }

// Split removes x from u and returns it as a new unit of the same kind.
// On error u is left unchanged.
func (u *Unit) Split(x decimal.Decimal) (*Unit, error) {
	if x.IsNegative() {
		return nil, fmt.Errorf("%w: split %s", ErrNegativeAmount, x)
	}
	if x.GreaterThan(u.amount) {
		return nil, fmt.Errorf("%w: split %s from %s %s", ErrInsufficientAmount, x, u.amount, u.kind)
	}
	u.amount = u.amount.Sub(x)
	return &Unit{kind: u.kind, amount: x}, nil
}

// Merge moves the whole of other into u. other is left empty and should not
// be reused as a source of quantity.
func (u *Unit) Merge(other *Unit) error {
	if other.kind != u.kind {
		return fmt.Errorf("%w: merge %s into %s", ErrKindMismatch, other.kind, u.kind)
	}
	u.amount = u.amount.Add(other.amount)
	other.amount = decimal.Zero
	return nil
}

func (u *Unit) String() string {
	return u.amount.String() + " " + u.kind.String()
}

// Package inventory holds the per-kind ledger that is the source of truth for
// the market's available supply.
//
// Every entry owns a resource.Unit. Quantity enters or leaves an entry only
// through Split/Merge on that unit, and every movement across the market's
// boundary is tallied in the entry's flow counters so the conservation
// equation in model.AuditRow can be checked at any tick.
package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/resource"
)

// ErrInvalidLedger is returned when a ledger is built from incomplete or
// negative starting data.
var ErrInvalidLedger = errors.New("inventory: invalid ledger configuration")

// Entry is the ledger record for one kind.
type Entry struct {
	held        *resource.Unit
	initial     decimal.Decimal
	defaultRate decimal.Decimal // EUR per unit at rest; fixed for the process lifetime

	BuyRate  decimal.Decimal
	SellRate decimal.Decimal
	Role     model.Role

	FinalizedIn   decimal.Decimal
	FinalizedOut  decimal.Decimal
	RebalancedIn  decimal.Decimal
	RebalancedOut decimal.Decimal
}

// Held returns the quantity currently in the entry.
func (e *Entry) Held() decimal.Decimal { return e.held.Amount() }

// Initial returns the quantity the entry started with.
func (e *Entry) Initial() decimal.Decimal { return e.initial }

// DefaultRate returns the kind's base rate in EUR per unit.
func (e *Entry) DefaultRate() decimal.Decimal { return e.defaultRate }

// Ledger maps every kind to its entry. It is not safe for concurrent use.
type Ledger struct {
	entries map[model.Kind]*Entry
}

// NewLedger builds a ledger from starting quantities and default rates.
// Every kind must be present in both maps; EUR's rate is forced to 1.
func NewLedger(quantities, defaultRates map[model.Kind]decimal.Decimal) (*Ledger, error) {
	l := &Ledger{entries: make(map[model.Kind]*Entry, len(model.Kinds))}
	for _, kind := range model.Kinds {
		qty, ok := quantities[kind]
		if !ok {
			return nil, fmt.Errorf("%w: missing starting quantity for %s", ErrInvalidLedger, kind)
		}
		held, err := resource.New(kind, qty)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLedger, err)
		}

		rate := decimal.NewFromInt(1)
		if kind != model.Reference {
			rate, ok = defaultRates[kind]
			if !ok || !rate.IsPositive() {
				return nil, fmt.Errorf("%w: default rate for %s must be positive", ErrInvalidLedger, kind)
			}
		}

		l.entries[kind] = &Entry{
			held:        held,
			initial:     qty,
			defaultRate: rate,
			BuyRate:     rate,
			SellRate:    rate,
		}
	}
	return l, nil
}

// Entry returns the entry for kind. A missing entry is a programming error.
func (l *Ledger) Entry(kind model.Kind) *Entry {
	e, ok := l.entries[kind]
	if !ok {
		panic(fmt.Sprintf("inventory: missing ledger entry for %s", kind))
	}
	return e
}

// Held returns the quantity of kind currently in the ledger.
func (l *Ledger) Held(kind model.Kind) decimal.Decimal {
	return l.Entry(kind).Held()
}

// RefQuantity returns the held quantity of kind expressed in EUR at the
// kind's default rate.
func (l *Ledger) RefQuantity(kind model.Kind) decimal.Decimal {
	e := l.Entry(kind)
	return e.Held().Mul(e.defaultRate)
}

// Reserve splits amount out of kind's entry for a reservation.
func (l *Ledger) Reserve(kind model.Kind, amount decimal.Decimal) (*resource.Unit, error) {
	return l.Entry(kind).held.Split(amount)
}

// Restore merges a reservation's unit back into its entry after expiry.
func (l *Ledger) Restore(u *resource.Unit) {
	l.merge(u)
}

// Settle merges quantity received from a counterparty on finalize.
func (l *Ledger) Settle(u *resource.Unit) {
	e := l.Entry(u.Kind())
	e.FinalizedIn = e.FinalizedIn.Add(u.Amount())
	l.merge(u)
}

// Deliver records that a reserved unit has left the market on finalize.
// The unit was split out of the entry when it was reserved.
func (l *Ledger) Deliver(u *resource.Unit) {
	e := l.Entry(u.Kind())
	e.FinalizedOut = e.FinalizedOut.Add(u.Amount())
}

// Export splits amount out of kind's entry for a rebalancing transfer.
func (l *Ledger) Export(kind model.Kind, amount decimal.Decimal) (*resource.Unit, error) {
	e := l.Entry(kind)
	u, err := e.held.Split(amount)
	if err != nil {
		return nil, err
	}
	e.RebalancedOut = e.RebalancedOut.Add(amount)
	return u, nil
}

// Import merges the proceeds of a rebalancing transfer.
func (l *Ledger) Import(u *resource.Unit) {
	e := l.Entry(u.Kind())
	e.RebalancedIn = e.RebalancedIn.Add(u.Amount())
	l.merge(u)
}

func (l *Ledger) merge(u *resource.Unit) {
	if err := l.Entry(u.Kind()).held.Merge(u); err != nil {
		panic(fmt.Sprintf("inventory: %v", err))
	}
}

// SetRates stores freshly computed rates for kind.
func (l *Ledger) SetRates(kind model.Kind, buy, sell decimal.Decimal) {
	e := l.Entry(kind)
	e.BuyRate = buy
	e.SellRate = sell
}

// SetRole assigns a rebalancing role to kind.
func (l *Ledger) SetRole(kind model.Kind, role model.Role) {
	l.Entry(kind).Role = role
}

// ResetRoles sets every kind's role back to unknown.
func (l *Ledger) ResetRoles() {
	for _, e := range l.entries {
		e.Role = model.RoleUnknown
	}
}

// Labels returns the public view of every entry in kind order.
func (l *Ledger) Labels() []model.InventoryLabel {
	labels := make([]model.InventoryLabel, 0, len(model.Kinds))
	for _, kind := range model.Kinds {
		e := l.Entry(kind)
		labels = append(labels, model.InventoryLabel{
			Kind:     kind,
			Quantity: e.Held(),
			BuyRate:  e.BuyRate,
			SellRate: e.SellRate,
		})
	}
	return labels
}

// Audit returns the conservation breakdown per kind. reserved holds the
// quantity of each kind currently owned by active reservations.
func (l *Ledger) Audit(reserved map[model.Kind]decimal.Decimal) []model.AuditRow {
	rows := make([]model.AuditRow, 0, len(model.Kinds))
	for _, kind := range model.Kinds {
		e := l.Entry(kind)
		rows = append(rows, model.AuditRow{
			Kind:          kind,
			Initial:       e.initial,
			Held:          e.Held(),
			Reserved:      reserved[kind],
			FinalizedIn:   e.FinalizedIn,
			FinalizedOut:  e.FinalizedOut,
			RebalancedIn:  e.RebalancedIn,
			RebalancedOut: e.RebalancedOut,
			Role:          e.Role.String(),
		})
	}
	return rows
}

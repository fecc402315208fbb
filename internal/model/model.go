// Package model defines the core domain types shared across the currency market.
// All quantities, rates and prices use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies one of the four fungible resources the market holds.
// EUR is the reference numeraire: its exchange rate is fixed at 1.
type Kind uint8

const (
	EUR Kind = iota
	USD
	YEN
	YUAN
)

// Reference is the numeraire kind every price is expressed in.
const Reference = EUR

// Kinds lists every kind in enumeration order. Iteration over kinds always
// uses this order so that ties resolve deterministically.
var Kinds = [...]Kind{EUR, USD, YEN, YUAN}

// Tradeable lists the kinds whose rates float with inventory pressure.
var Tradeable = [...]Kind{USD, YEN, YUAN}

func (k Kind) String() string {
	switch k {
	case EUR:
		return "EUR"
	case USD:
		return "USD"
	case YEN:
		return "YEN"
	case YUAN:
		return "YUAN"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	return k <= YUAN
}

// ParseKind parses a case-insensitive kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EUR":
		return EUR, nil
	case "USD":
		return USD, nil
	case "YEN":
		return YEN, nil
	case "YUAN":
		return YUAN, nil
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Role is the rebalancing role a kind holds until the next role reset.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleExporting
	RoleImporting
)

func (r Role) String() string {
	switch r {
	case RoleExporting:
		return "exporting"
	case RoleImporting:
		return "importing"
	default:
		return "unknown"
	}
}

// EventType names the state transition an Event describes.
type EventType string

const (
	ReservedBuy   EventType = "reserved_buy"
	FinalizedBuy  EventType = "finalized_buy"
	ReservedSell  EventType = "reserved_sell"
	FinalizedSell EventType = "finalized_sell"
)

// Event is emitted once per completed mutating operation.
// Price is always expressed in EUR.
type Event struct {
	Type   EventType       `json:"type"`
	Kind   Kind            `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	Token  string          `json:"token"`
	Tick   uint64          `json:"tick"`
}

// EventRecord is an immutable journal row for one Event.
// Once created, these are never modified or deleted.
type EventRecord struct {
	ID         string          `json:"id" db:"id"`
	Type       EventType       `json:"type" db:"type"`
	Kind       Kind            `json:"kind" db:"kind"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Token      string          `json:"token" db:"token"`
	Tick       uint64          `json:"tick" db:"tick"`
	Instance   string          `json:"instance" db:"instance"` // market instance that emitted it
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// InventoryLabel is the public view of one ledger entry.
type InventoryLabel struct {
	Kind     Kind            `json:"kind"`
	Quantity decimal.Decimal `json:"quantity"`
	BuyRate  decimal.Decimal `json:"buy_rate"`
	SellRate decimal.Decimal `json:"sell_rate"`
}

// AuditRow is the conservation breakdown for one kind:
//
//	Held + Reserved + FinalizedOut + RebalancedOut == Initial + FinalizedIn + RebalancedIn
type AuditRow struct {
	Kind          Kind            `json:"kind"`
	Initial       decimal.Decimal `json:"initial"`
	Held          decimal.Decimal `json:"held"`
	Reserved      decimal.Decimal `json:"reserved"`
	FinalizedIn   decimal.Decimal `json:"finalized_in"`
	FinalizedOut  decimal.Decimal `json:"finalized_out"`
	RebalancedIn  decimal.Decimal `json:"rebalanced_in"`
	RebalancedOut decimal.Decimal `json:"rebalanced_out"`
	Role          string          `json:"role"`
}

// Balanced reports whether the conservation equation holds exactly.
func (r AuditRow) Balanced() bool {
	lhs := r.Held.Add(r.Reserved).Add(r.FinalizedOut).Add(r.RebalancedOut)
	rhs := r.Initial.Add(r.FinalizedIn).Add(r.RebalancedIn)
	return lhs.Equal(rhs)
}

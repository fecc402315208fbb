// Package pricing implements the inventory-pressure price function of the
// currency market.
//
// A kind's buy rate floats around its default rate according to how much of
// it the market holds compared with the mean holding of the tradeable kinds:
//   - Scarce kinds (below the mean) are inflated by up to MaxInflation,
//     linearly between the mean and the holding floor
//   - Abundant kinds are discounted in fixed tiers
//   - The sell rate is always the buy rate times SellDiscount, so the market
//     never loses on a same-tick round trip
//
// All values use shopspring/decimal. The engine is stateless: inventory is
// passed in, never stored.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/inventory"
	"github.com/atmx/fx-market/internal/model"
)

var (
	// ErrNegativeQuantity is returned when a quote is asked for a negative amount.
	ErrNegativeQuantity = errors.New("pricing: quantity must not be negative")

	// ErrInsufficientAvailable is returned when a trade would push a holding below its floor.
	ErrInsufficientAvailable = errors.New("pricing: insufficient quantity available")

	// ErrInvalidParams is returned by NewEngine for out-of-range parameters.
	ErrInvalidParams = errors.New("pricing: invalid parameters")

	// MaxInflation is the largest relative increase applied to a scarce kind.
	MaxInflation = decimal.NewFromFloat(0.10)

	// RateScale is the number of decimal places rates are rounded to.
	RateScale int32 = 10

	// PriceScale is the number of decimal places quotes are rounded to.
	PriceScale int32 = 8
)

// tier maps a lower bound to the multiplier that applies from that bound up
// to the next tier's bound.
type tier struct {
	bound  decimal.Decimal
	factor decimal.Decimal
}

// deflationTiers apply when holding/mean reaches bound. Highest bound first.
var deflationTiers = []tier{
	{decimal.NewFromFloat(1.60), decimal.NewFromFloat(0.965)},
	{decimal.NewFromFloat(1.30), decimal.NewFromFloat(0.97)},
	{decimal.NewFromFloat(1.10), decimal.NewFromFloat(0.975)},
	{decimal.NewFromFloat(1.05), decimal.NewFromFloat(0.98)},
	{decimal.NewFromInt(1), decimal.NewFromInt(1)},
}

// volumeTiers apply when a buy request reaches bound of the held quantity.
var volumeTiers = []tier{
	{decimal.NewFromFloat(0.50), decimal.NewFromFloat(0.965)},
	{decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.975)},
	{decimal.NewFromFloat(0.30), decimal.NewFromFloat(0.985)},
	{decimal.NewFromFloat(0.25), decimal.NewFromFloat(0.99)},
}

// AvailabilityError describes a request that would breach a holding floor.
type AvailabilityError struct {
	Kind      model.Kind
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("%v: requested %s %s, available %s", ErrInsufficientAvailable, e.Requested, e.Kind, e.Available)
}

func (e *AvailabilityError) Unwrap() error { return ErrInsufficientAvailable }

// Params configures the engine.
type Params struct {
	// MinHeldFraction is the share of a kind's initial quantity a buy may never dip into.
	MinHeldFraction decimal.Decimal
	// MinReferenceFraction is the share of the initial EUR a sell payout may never dip into.
	MinReferenceFraction decimal.Decimal
	// SellDiscount converts a buy rate into a sell rate. Must be in (0, 1].
	SellDiscount decimal.Decimal
}

// Engine quotes and reprices against an inventory ledger.
type Engine struct {
	p Params
}

// NewEngine validates p and returns an engine.
func NewEngine(p Params) (*Engine, error) {
	one := decimal.NewFromInt(1)
	if p.MinHeldFraction.IsNegative() || p.MinHeldFraction.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: min held fraction %s not in [0,1)", ErrInvalidParams, p.MinHeldFraction)
	}
	if p.MinReferenceFraction.IsNegative() || p.MinReferenceFraction.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: min reference fraction %s not in [0,1)", ErrInvalidParams, p.MinReferenceFraction)
	}
	if !p.SellDiscount.IsPositive() || p.SellDiscount.GreaterThan(one) {
		return nil, fmt.Errorf("%w: sell discount %s not in (0,1]", ErrInvalidParams, p.SellDiscount)
	}
	return &Engine{p: p}, nil
}

// Params returns the engine's parameters.
func (e *Engine) Params() Params { return e.p }

// QuoteBuy returns the EUR price the market asks for amount of kind,
// volume discount included.
func (e *Engine) QuoteBuy(l *inventory.Ledger, kind model.Kind, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeQuantity
	}

	entry := l.Entry(kind)
	held := entry.Held()
	floor := entry.Initial().Mul(e.p.MinHeldFraction)
	tradeable := held.Sub(floor)
	if amount.GreaterThan(tradeable) {
		return decimal.Zero, &AvailabilityError{Kind: kind, Requested: amount, Available: nonNegative(tradeable)}
	}

	price := entry.BuyRate.Mul(amount).Mul(VolumeDiscount(amount, held))
	return price.Round(PriceScale), nil
}

// QuoteSell returns the EUR price the market pays for amount of kind.
// The payout is checked against the EUR floor since that is what leaves.
func (e *Engine) QuoteSell(l *inventory.Ledger, kind model.Kind, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeQuantity
	}

	price := l.Entry(kind).SellRate.Mul(amount).Round(PriceScale)

	ref := l.Entry(model.Reference)
	floor := ref.Initial().Mul(e.p.MinReferenceFraction)
	tradeable := ref.Held().Sub(floor)
	if price.GreaterThan(tradeable) {
		return decimal.Zero, &AvailabilityError{Kind: model.Reference, Requested: price, Available: nonNegative(tradeable)}
	}
	return price, nil
}

// VolumeDiscount returns the multiplier for buying amount out of held.
func VolumeDiscount(amount, held decimal.Decimal) decimal.Decimal {
	if !held.IsPositive() {
		return decimal.NewFromInt(1)
	}
	for _, t := range volumeTiers {
		if amount.GreaterThanOrEqual(held.Mul(t.bound)) {
			return t.factor
		}
	}
	return decimal.NewFromInt(1)
}

// Reprice recomputes kind's buy and sell rates from the current inventory.
// Repricing EUR is a programming error.
func (e *Engine) Reprice(l *inventory.Ledger, kind model.Kind) {
	if kind == model.Reference {
		panic("pricing: the reference kind is never repriced")
	}

	entry := l.Entry(kind)
	qty := l.RefQuantity(kind)
	floor := entry.Initial().Mul(e.p.MinHeldFraction).Mul(entry.DefaultRate())

	buy := BuyRate(entry.DefaultRate(), qty, MeanTradeable(l), floor).Round(RateScale)
	sell := buy.Mul(e.p.SellDiscount).Round(RateScale)
	l.SetRates(kind, buy, sell)
}

// RepriceAll reprices every tradeable kind.
func (e *Engine) RepriceAll(l *inventory.Ledger) {
	for _, kind := range model.Tradeable {
		e.Reprice(l, kind)
	}
}

// MeanTradeable returns the average EUR-equivalent holding of the tradeable kinds.
func MeanTradeable(l *inventory.Ledger) decimal.Decimal {
	sum := decimal.Zero
	for _, kind := range model.Tradeable {
		sum = sum.Add(l.RefQuantity(kind))
	}
	return sum.Div(decimal.NewFromInt(int64(len(model.Tradeable))))
}

// BuyRate is the price function. qty, mean and floor are EUR-equivalent
// quantities; floor is the kind's holding floor.
func BuyRate(defaultRate, qty, mean, floor decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if !mean.IsPositive() {
		return defaultRate.Mul(one.Add(MaxInflation))
	}

	if qty.LessThan(mean) {
		inflation := MaxInflation
		if span := mean.Sub(floor); span.IsPositive() {
			inflation = MaxInflation.Mul(one.Sub(qty.Sub(floor).Div(span)))
		}
		inflation = decimal.Min(decimal.Max(inflation, decimal.Zero), MaxInflation)
		return defaultRate.Mul(one.Add(inflation))
	}

	for _, t := range deflationTiers {
		if qty.GreaterThanOrEqual(mean.Mul(t.bound)) {
			return defaultRate.Mul(t.factor)
		}
	}
	return defaultRate
}

func nonNegative(x decimal.Decimal) decimal.Decimal {
	if x.IsNegative() {
		return decimal.Zero
	}
	return x
}

package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/limits"
	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/reservation"
	"github.com/atmx/fx-market/internal/resource"
	"github.com/atmx/fx-market/internal/token"
)

// QuoteSell returns the EUR price the market pays for amount of kind.
func (m *Market) QuoteSell(kind model.Kind, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := tradeable(kind); err != nil {
		return decimal.Zero, err
	}
	price, err := m.pricing.QuoteSell(m.ledger, kind, amount)
	return price, quoteError(err, amount)
}

// ReserveSell agrees to buy amount of kind from counterparty for offer EUR.
// The market sets the EUR aside now so the payout cannot be spent twice.
func (m *Market) ReserveSell(kind model.Kind, amount, offer decimal.Decimal, counterparty string) (string, error) {
	if err := checkCounterparty(counterparty); err != nil {
		return "", err
	}
	if err := tradeable(kind); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrNonPositiveQuantity, amount)
	}

	quoted, err := m.QuoteSell(kind, amount)
	if err != nil {
		return "", err
	}
	if !offer.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrNonPositiveOffer, offer)
	}
	if err := m.limiter.CheckLimit(limits.Sell, m.book.ActiveSells(), m.book.CounterpartySells(counterparty)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMaxLocksReached, err)
	}
	if offer.GreaterThan(quoted) {
		return "", &PriceError{Err: ErrOfferTooHigh, Quoted: quoted, Proposed: offer}
	}

	payout, err := m.ledger.Reserve(model.Reference, offer)
	if err != nil {
		panic(fmt.Sprintf("market: reserve %s EUR after quote: %v", offer, err))
	}

	tok := token.New(token.OpLockSell, counterparty, m.tick)
	m.book.InsertSell(&reservation.SellLock{
		Token:        tok,
		Counterparty: counterparty,
		Payout:       payout,
		Kind:         kind,
		Amount:       amount,
		CreatedAt:    m.tick,
	})

	m.emit(model.Event{Type: model.ReservedSell, Kind: kind, Amount: amount, Price: offer, Token: tok, Tick: m.tick})
	m.advance()
	m.pricing.Reprice(m.ledger, kind)
	return tok, nil
}

// FinalizeSell completes a sell lock. The agreed amount is split out of
// delivered and the pre-funded EUR is returned to the caller.
func (m *Market) FinalizeSell(tok string, delivered *resource.Unit) (*resource.Unit, error) {
	lock, ok := m.book.Sell(tok)
	if !ok {
		return nil, m.missingToken(tok)
	}
	if delivered == nil {
		return nil, &QuantityError{Err: ErrInsufficientAmount, Contained: decimal.Zero, Required: lock.Amount}
	}
	if delivered.Kind() != lock.Kind {
		return nil, fmt.Errorf("%w: got %s, agreed %s", ErrWrongKind, delivered.Kind(), lock.Kind)
	}
	if delivered.Amount().LessThan(lock.Amount) {
		return nil, &QuantityError{Err: ErrInsufficientAmount, Contained: delivered.Amount(), Required: lock.Amount}
	}

	goods, err := delivered.Split(lock.Amount)
	if err != nil {
		panic(fmt.Sprintf("market: split delivery for %s: %v", tok, err))
	}
	m.ledger.Settle(goods)
	m.book.RemoveSell(tok)
	m.ledger.Deliver(lock.Payout)

	m.emit(model.Event{
		Type:   model.FinalizedSell,
		Kind:   lock.Kind,
		Amount: lock.Amount,
		Price:  lock.Payout.Amount(),
		Token:  tok,
		Tick:   m.tick,
	})
	m.advance()
	m.pricing.Reprice(m.ledger, lock.Kind)
	return lock.Payout, nil
}

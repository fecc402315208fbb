package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/limits"
	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/pricing"
	"github.com/atmx/fx-market/internal/reservation"
	"github.com/atmx/fx-market/internal/resource"
	"github.com/atmx/fx-market/internal/token"
)

// QuoteBuy returns the EUR price the market asks for amount of kind.
func (m *Market) QuoteBuy(kind model.Kind, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := tradeable(kind); err != nil {
		return decimal.Zero, err
	}
	price, err := m.pricing.QuoteBuy(m.ledger, kind, amount)
	return price, quoteError(err, amount)
}

// ReserveBuy locks amount of kind for counterparty at bid and returns the
// token that finalizes the purchase. The goods leave the ledger now and come
// back if the lock expires.
func (m *Market) ReserveBuy(kind model.Kind, amount, bid decimal.Decimal, counterparty string) (string, error) {
	if err := checkCounterparty(counterparty); err != nil {
		return "", err
	}
	if err := tradeable(kind); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrNonPositiveQuantity, amount)
	}

	quoted, err := m.QuoteBuy(kind, amount)
	if err != nil {
		return "", err
	}
	if !bid.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrNonPositiveBid, bid)
	}
	if err := m.limiter.CheckLimit(limits.Buy, m.book.ActiveBuys(), m.book.CounterpartyBuys(counterparty)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMaxLocksReached, err)
	}
	if bid.LessThan(quoted) {
		return "", &PriceError{Err: ErrBidTooLow, Quoted: quoted, Proposed: bid}
	}

	unit, err := m.ledger.Reserve(kind, amount)
	if err != nil {
		panic(fmt.Sprintf("market: reserve %s %s after quote: %v", amount, kind, err))
	}

	tok := token.New(token.OpLockBuy, counterparty, m.tick)
	m.book.InsertBuy(&reservation.BuyLock{
		Token:        tok,
		Counterparty: counterparty,
		Unit:         unit,
		Price:        bid,
		CreatedAt:    m.tick,
	})

	m.emit(model.Event{Type: model.ReservedBuy, Kind: kind, Amount: amount, Price: bid, Token: tok, Tick: m.tick})
	m.advance()
	m.pricing.Reprice(m.ledger, kind)
	return tok, nil
}

// FinalizeBuy completes a buy lock. The agreed price is split out of payment
// and the locked goods are returned to the caller.
func (m *Market) FinalizeBuy(tok string, payment *resource.Unit) (*resource.Unit, error) {
	lock, ok := m.book.Buy(tok)
	if !ok {
		return nil, m.missingToken(tok)
	}
	if payment == nil {
		return nil, &QuantityError{Err: ErrInsufficientPayment, Contained: decimal.Zero, Required: lock.Price}
	}
	if payment.Kind() != model.Reference {
		return nil, fmt.Errorf("%w: got %s", ErrWrongPaymentKind, payment.Kind())
	}
	if payment.Amount().LessThan(lock.Price) {
		return nil, &QuantityError{Err: ErrInsufficientPayment, Contained: payment.Amount(), Required: lock.Price}
	}

	paid, err := payment.Split(lock.Price)
	if err != nil {
		panic(fmt.Sprintf("market: split payment for %s: %v", tok, err))
	}
	m.ledger.Settle(paid)
	m.book.RemoveBuy(tok)
	m.ledger.Deliver(lock.Unit)

	m.emit(model.Event{
		Type:   model.FinalizedBuy,
		Kind:   lock.Unit.Kind(),
		Amount: lock.Unit.Amount(),
		Price:  lock.Price,
		Token:  tok,
		Tick:   m.tick,
	})
	m.advance()
	return lock.Unit, nil
}

func (m *Market) missingToken(tok string) error {
	if m.book.IsExpired(tok) {
		return fmt.Errorf("%w: %s", ErrExpiredToken, tok)
	}
	return fmt.Errorf("%w: %s", ErrUnrecognizedToken, tok)
}

// quoteError maps pricing failures onto the market's error set.
func quoteError(err error, amount decimal.Decimal) error {
	if errors.Is(err, pricing.ErrNegativeQuantity) {
		return fmt.Errorf("%w: %s", ErrNonPositiveQuantity, amount)
	}
	return err
}

func checkCounterparty(id string) error {
	if err := token.ValidateCounterparty(id); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCounterparty, err)
	}
	return nil
}

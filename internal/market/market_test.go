package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/fx-market/internal/limits"
	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/reservation"
	"github.com/atmx/fx-market/internal/resource"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixedRand struct{ v float64 }

func (f fixedRand) Float64() float64                   { return f.v }
func (f fixedRand) Shuffle(n int, swap func(i, j int)) {}

type recorder struct{ events []model.Event }

func (r *recorder) Notify(e model.Event) { r.events = append(r.events, e) }

// testConfig prices every kind at 1 EUR and disables rebalancing, so
// quantities and EUR equivalents coincide.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RebalanceProbability = 0
	cfg.DefaultRates = map[model.Kind]decimal.Decimal{model.USD: d(1), model.YEN: d(1), model.YUAN: d(1)}
	return cfg
}

func newTestMarket(t *testing.T, cfg Config, opts ...Option) *Market {
	t.Helper()
	m, err := New(cfg, map[model.Kind]decimal.Decimal{
		model.EUR:  d(1000),
		model.USD:  d(100),
		model.YEN:  d(100),
		model.YUAN: d(100),
	}, opts...)
	require.NoError(t, err)
	return m
}

func requireBalanced(t *testing.T, m *Market) {
	t.Helper()
	for _, row := range m.Audit() {
		require.Truef(t, row.Balanced(), "%s: conservation broken: %+v", row.Kind, row)
	}
}

func requireRatesOrdered(t *testing.T, m *Market) {
	t.Helper()
	for _, label := range m.ListInventory() {
		require.Truef(t, label.SellRate.LessThanOrEqual(label.BuyRate),
			"%s: sell rate %s above buy rate %s", label.Kind, label.SellRate, label.BuyRate)
	}
}

func requireOldestExact(t *testing.T, m *Market) {
	t.Helper()
	require.Equal(t, m.book.ScanOldestBuy(), m.book.OldestBuy())
	require.Equal(t, m.book.ScanOldestSell(), m.book.OldestSell())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLockTicks = 0
	_, err := New(cfg, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.SellDiscount = d(1.5)
	_, err = New(cfg, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(testConfig(), map[model.Kind]decimal.Decimal{model.EUR: d(1)})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_InitialState(t *testing.T) {
	m := newTestMarket(t, testConfig())

	require.Equal(t, uint64(0), m.Tick())
	require.True(t, m.Budget().Equal(d(1000)))

	labels := m.ListInventory()
	require.Len(t, labels, 4)
	require.Equal(t, model.EUR, labels[0].Kind)
	for _, label := range labels {
		require.Truef(t, label.BuyRate.Equal(d(1)), "%s should start at its default rate", label.Kind)
	}
	requireRatesOrdered(t, m)
}

func TestNewRandom_DistributesCapital(t *testing.T) {
	cfg := DefaultConfig()
	rng := fixedRand{v: 0.5}

	m, err := NewRandom(cfg, rng)
	require.NoError(t, err)

	total := decimal.Zero
	for _, kind := range model.Kinds {
		total = total.Add(m.ledger.RefQuantity(kind))
	}
	require.True(t, total.Sub(cfg.StartingCapital).Abs().LessThan(d(0.01)),
		"capital should be preserved up to rounding, got %s", total)

	// Midpoint draws: EUR gets 30%, then 33% and 50% of the remainder.
	require.True(t, m.Budget().Sub(d(300000)).Abs().LessThan(d(0.01)), "got %s", m.Budget())
	require.True(t, m.ledger.RefQuantity(model.USD).Sub(d(231000)).Abs().LessThan(d(0.01)))
	require.True(t, m.ledger.RefQuantity(model.YEN).Sub(d(234500)).Abs().LessThan(d(0.01)))
	require.True(t, m.ledger.RefQuantity(model.YUAN).Sub(d(234500)).Abs().LessThan(d(0.01)))
}

func TestNewRandom_NoCapital(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartingCapital = decimal.Zero
	_, err := NewRandom(cfg, fixedRand{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// --- Quotes ---

func TestQuote_KindChecks(t *testing.T) {
	m := newTestMarket(t, testConfig())

	_, err := m.QuoteBuy(model.EUR, d(1))
	require.ErrorIs(t, err, ErrWrongKind)
	_, err = m.QuoteSell(model.EUR, d(1))
	require.ErrorIs(t, err, ErrWrongKind)
	_, err = m.QuoteBuy(model.Kind(9), d(1))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestQuote_Quantity(t *testing.T) {
	m := newTestMarket(t, testConfig())

	_, err := m.QuoteBuy(model.USD, d(-1))
	require.ErrorIs(t, err, ErrNonPositiveQuantity)
	_, err = m.QuoteSell(model.USD, d(-1))
	require.ErrorIs(t, err, ErrNonPositiveQuantity)

	price, err := m.QuoteBuy(model.USD, decimal.Zero)
	require.NoError(t, err)
	require.True(t, price.IsZero())
}

// --- Buy lifecycle ---

func TestReserveBuy_Floor(t *testing.T) {
	m := newTestMarket(t, testConfig())

	_, err := m.ReserveBuy(model.USD, d(80), d(1000), "alice")
	var avail *AvailabilityError
	require.ErrorAs(t, err, &avail)
	require.ErrorIs(t, err, ErrInsufficientAvailable)
	require.True(t, avail.Requested.Equal(d(80)))
	require.True(t, avail.Available.Equal(d(75)))
	require.Equal(t, uint64(0), m.Tick(), "a failed reservation must not advance the clock")

	tok, err := m.ReserveBuy(model.USD, d(70), d(1000), "alice")
	require.NoError(t, err)
	require.Equal(t, "lock_buy-alice-0", tok)
	require.True(t, m.ledger.Held(model.USD).Equal(d(30)))
	require.Equal(t, uint64(1), m.Tick())
	requireBalanced(t, m)
}

func TestReserveBuy_Validation(t *testing.T) {
	m := newTestMarket(t, testConfig())

	tests := []struct {
		name   string
		kind   model.Kind
		amount float64
		bid    float64
		cp     string
		want   error
	}{
		{"zero amount", model.USD, 0, 10, "alice", ErrNonPositiveQuantity},
		{"negative amount", model.USD, -5, 10, "alice", ErrNonPositiveQuantity},
		{"zero bid", model.USD, 10, 0, "alice", ErrNonPositiveBid},
		{"bid too low", model.USD, 10, 9, "alice", ErrBidTooLow},
		{"reference kind", model.EUR, 10, 10, "alice", ErrWrongKind},
		{"bad counterparty", model.USD, 10, 10, "a b", ErrInvalidCounterparty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ReserveBuy(tt.kind, d(tt.amount), d(tt.bid), tt.cp)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Equal(t, 0, m.Stats().ActiveBuys)
	require.Equal(t, uint64(0), m.Tick())
}

func TestReserveBuy_BidTooLowCarriesQuote(t *testing.T) {
	m := newTestMarket(t, testConfig())

	_, err := m.ReserveBuy(model.YEN, d(10), d(9.99), "alice")
	var perr *PriceError
	require.ErrorAs(t, err, &perr)
	require.True(t, perr.Quoted.Equal(d(10)))
	require.True(t, perr.Proposed.Equal(d(9.99)))
}

func TestBuy_ReserveAndFinalize(t *testing.T) {
	rec := &recorder{}
	m := newTestMarket(t, testConfig(), WithNotifier(rec))

	// 70 of 100 held earns the deepest volume discount: 70 * 0.965.
	quoted, err := m.QuoteBuy(model.USD, d(70))
	require.NoError(t, err)
	require.True(t, quoted.Equal(d(67.55)))

	tok, err := m.ReserveBuy(model.USD, d(70), quoted, "alice")
	require.NoError(t, err)

	payment := resource.MustNew(model.EUR, d(67.55))
	goods, err := m.FinalizeBuy(tok, payment)
	require.NoError(t, err)

	require.Equal(t, model.USD, goods.Kind())
	require.True(t, goods.Amount().Equal(d(70)))
	require.True(t, payment.Amount().IsZero(), "the agreed price is split out of the payment")
	require.Equal(t, 0, m.Stats().ActiveBuys)
	require.True(t, m.Budget().Equal(d(1067.55)))
	require.Equal(t, reservation.StateUnknown, m.TokenState(tok))
	requireBalanced(t, m)
	requireOldestExact(t, m)

	require.Len(t, rec.events, 2)
	require.Equal(t, model.ReservedBuy, rec.events[0].Type)
	require.Equal(t, uint64(0), rec.events[0].Tick)
	require.Equal(t, model.FinalizedBuy, rec.events[1].Type)
	require.Equal(t, uint64(1), rec.events[1].Tick)
	require.True(t, rec.events[1].Price.Equal(d(67.55)))
}

func TestBuy_OverpaymentKeepsChange(t *testing.T) {
	m := newTestMarket(t, testConfig())
	tok, err := m.ReserveBuy(model.YUAN, d(10), d(12), "alice")
	require.NoError(t, err)

	payment := resource.MustNew(model.EUR, d(20))
	_, err = m.FinalizeBuy(tok, payment)
	require.NoError(t, err)
	require.True(t, payment.Amount().Equal(d(8)), "agreed price is the bid, not the quote")
}

func TestFinalizeBuy_Errors(t *testing.T) {
	rec := &recorder{}
	m := newTestMarket(t, testConfig(), WithNotifier(rec))
	tok, err := m.ReserveBuy(model.USD, d(10), d(10), "alice")
	require.NoError(t, err)

	_, err = m.FinalizeBuy("lock_buy-nobody-0", resource.MustNew(model.EUR, d(10)))
	require.ErrorIs(t, err, ErrUnrecognizedToken)

	_, err = m.FinalizeBuy(tok, resource.MustNew(model.YEN, d(10)))
	require.ErrorIs(t, err, ErrWrongPaymentKind)

	short := resource.MustNew(model.EUR, d(9))
	_, err = m.FinalizeBuy(tok, short)
	var qerr *QuantityError
	require.ErrorAs(t, err, &qerr)
	require.ErrorIs(t, err, ErrInsufficientPayment)
	require.True(t, qerr.Contained.Equal(d(9)))
	require.True(t, qerr.Required.Equal(d(10)))
	require.True(t, short.Amount().Equal(d(9)), "a rejected payment is left untouched")

	_, err = m.FinalizeBuy(tok, nil)
	require.ErrorIs(t, err, ErrInsufficientPayment)

	// A sell token never finalizes a buy.
	_, err = m.FinalizeSell(tok, resource.MustNew(model.USD, d(10)))
	require.ErrorIs(t, err, ErrUnrecognizedToken)

	require.Len(t, rec.events, 1, "failed finalizations emit nothing")
	require.Equal(t, reservation.StateActive, m.TokenState(tok))
	requireBalanced(t, m)
}

// --- Sell lifecycle ---

func TestSell_ReserveAndFinalize(t *testing.T) {
	rec := &recorder{}
	m := newTestMarket(t, testConfig(), WithNotifier(rec))

	quoted, err := m.QuoteSell(model.YEN, d(10))
	require.NoError(t, err)
	require.True(t, quoted.Equal(d(9.3)))

	tok, err := m.ReserveSell(model.YEN, d(10), quoted, "bob")
	require.NoError(t, err)
	require.Equal(t, "lock_sell-bob-0", tok)
	require.True(t, m.Budget().Equal(d(990.7)), "the payout is set aside at reservation")
	requireBalanced(t, m)

	delivered := resource.MustNew(model.YEN, d(12))
	payout, err := m.FinalizeSell(tok, delivered)
	require.NoError(t, err)

	require.Equal(t, model.EUR, payout.Kind())
	require.True(t, payout.Amount().Equal(d(9.3)))
	require.True(t, delivered.Amount().Equal(d(2)))
	require.True(t, m.ledger.Held(model.YEN).Equal(d(110)))
	require.Equal(t, 0, m.Stats().ActiveSells)
	requireBalanced(t, m)
	requireRatesOrdered(t, m)

	require.Len(t, rec.events, 2)
	require.Equal(t, model.FinalizedSell, rec.events[1].Type)
	require.True(t, rec.events[1].Amount.Equal(d(10)))
	require.True(t, rec.events[1].Price.Equal(d(9.3)))
}

func TestReserveSell_Validation(t *testing.T) {
	m := newTestMarket(t, testConfig())

	_, err := m.ReserveSell(model.EUR, d(10), d(5), "bob")
	require.ErrorIs(t, err, ErrWrongKind)

	_, err = m.ReserveSell(model.YEN, d(10), d(0), "bob")
	require.ErrorIs(t, err, ErrNonPositiveOffer)

	_, err = m.ReserveSell(model.YEN, d(10), d(9.31), "bob")
	var perr *PriceError
	require.ErrorAs(t, err, &perr)
	require.ErrorIs(t, err, ErrOfferTooHigh)
	require.True(t, perr.Quoted.Equal(d(9.3)))

	// EUR floor: 20% of 1000 must stay, so at most 800 EUR can be paid out.
	_, err = m.ReserveSell(model.YEN, d(900), d(800), "bob")
	require.ErrorIs(t, err, ErrInsufficientAvailable)
}

func TestFinalizeSell_Errors(t *testing.T) {
	m := newTestMarket(t, testConfig())
	tok, err := m.ReserveSell(model.YEN, d(10), d(9), "bob")
	require.NoError(t, err)

	_, err = m.FinalizeSell(tok, resource.MustNew(model.USD, d(10)))
	require.ErrorIs(t, err, ErrWrongKind)

	_, err = m.FinalizeSell(tok, resource.MustNew(model.YEN, d(9.5)))
	var qerr *QuantityError
	require.ErrorAs(t, err, &qerr)
	require.ErrorIs(t, err, ErrInsufficientAmount)
	require.True(t, qerr.Required.Equal(d(10)))

	_, err = m.FinalizeBuy(tok, resource.MustNew(model.EUR, d(100)))
	require.ErrorIs(t, err, ErrUnrecognizedToken)
	requireBalanced(t, m)
}

// --- Lock caps ---

func TestLockCap_PerSide(t *testing.T) {
	m := newTestMarket(t, testConfig())

	for i := 0; i < 4; i++ {
		_, err := m.ReserveBuy(model.YUAN, d(1), d(2), "alice")
		require.NoError(t, err)
	}
	_, err := m.ReserveBuy(model.YUAN, d(1), d(2), "bob")
	require.ErrorIs(t, err, ErrMaxLocksReached)
	require.ErrorIs(t, err, limits.ErrSideFull)

	// The sell side has its own cap.
	_, err = m.ReserveSell(model.YUAN, d(1), d(0.5), "bob")
	require.NoError(t, err)
	require.Equal(t, 4, m.Stats().ActiveBuys)
	requireOldestExact(t, m)
}

func TestLockCap_PerCounterparty(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLocksPerCounterparty = 2
	m := newTestMarket(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := m.ReserveBuy(model.YUAN, d(1), d(2), "alice")
		require.NoError(t, err)
	}
	_, err := m.ReserveBuy(model.YUAN, d(1), d(2), "alice")
	require.ErrorIs(t, err, ErrMaxLocksReached)
	require.ErrorIs(t, err, limits.ErrCounterpartyFull)

	_, err = m.ReserveBuy(model.YUAN, d(1), d(2), "bob")
	require.NoError(t, err)
}

func TestInternalPanicsStayInternal(t *testing.T) {
	m := newTestMarket(t, testConfig())
	require.Panics(t, func() { m.pricing.Reprice(m.ledger, model.EUR) })
	require.Panics(t, func() { m.ledger.Entry(model.Kind(7)) })
}

func TestErrorsWrapSentinels(t *testing.T) {
	perr := &PriceError{Err: ErrBidTooLow, Quoted: d(2), Proposed: d(1)}
	require.True(t, errors.Is(perr, ErrBidTooLow))
	require.Contains(t, perr.Error(), "quoted 2")

	qerr := &QuantityError{Err: ErrInsufficientAmount, Contained: d(1), Required: d(2)}
	require.True(t, errors.Is(qerr, ErrInsufficientAmount))
}

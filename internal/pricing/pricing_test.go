package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/inventory"
	"github.com/atmx/fx-market/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func defaultParams() Params {
	return Params{
		MinHeldFraction:      d(0.25),
		MinReferenceFraction: d(0.20),
		SellDiscount:         d(0.93),
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(defaultParams())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// newLedger builds a ledger where every tradeable kind has rate 1, so
// holdings and EUR equivalents coincide.
func newLedger(t *testing.T, eur, usd, yen, yuan float64) *inventory.Ledger {
	t.Helper()
	l, err := inventory.NewLedger(
		map[model.Kind]decimal.Decimal{model.EUR: d(eur), model.USD: d(usd), model.YEN: d(yen), model.YUAN: d(yuan)},
		map[model.Kind]decimal.Decimal{model.USD: d(1), model.YEN: d(1), model.YUAN: d(1)},
	)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

// --- Constructor tests ---

func TestNewEngine_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		p    Params
	}{
		{"held fraction one", Params{MinHeldFraction: d(1), MinReferenceFraction: d(0.2), SellDiscount: d(0.93)}},
		{"negative reference fraction", Params{MinHeldFraction: d(0.25), MinReferenceFraction: d(-0.1), SellDiscount: d(0.93)}},
		{"zero discount", Params{MinHeldFraction: d(0.25), MinReferenceFraction: d(0.2), SellDiscount: d(0)}},
		{"discount above one", Params{MinHeldFraction: d(0.25), MinReferenceFraction: d(0.2), SellDiscount: d(1.01)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.p); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

// --- Price function tests ---

func TestBuyRate_Tiers(t *testing.T) {
	mean := d(100)
	floor := d(25)
	def := d(2)

	tests := []struct {
		qty  float64
		want float64
	}{
		{100, 2},    // at the mean
		{104.9, 2},  // still default
		{105, 1.96}, // 0.98
		{110, 1.95}, // 0.975
		{130, 1.94}, // 0.97
		{160, 1.93}, // 0.965
		{500, 1.93}, // capped at the last tier
		{25, 2.2},   // at the floor: full inflation
		{62.5, 2.1}, // halfway between floor and mean
		{10, 2.2},   // below the floor: clamped
	}
	for _, tt := range tests {
		got := BuyRate(def, d(tt.qty), mean, floor)
		if !got.Equal(d(tt.want)) {
			t.Errorf("qty=%.1f: expected %.3f, got %s", tt.qty, tt.want, got)
		}
	}
}

func TestBuyRate_ZeroMean(t *testing.T) {
	got := BuyRate(d(1), d(0), d(0), d(0))
	if !got.Equal(d(1.1)) {
		t.Errorf("expected full inflation for empty market, got %s", got)
	}
}

func TestBuyRate_MonotoneNonIncreasing(t *testing.T) {
	mean := d(100)
	floor := d(25)
	prev := BuyRate(d(1), d(0), mean, floor)
	for q := 1; q <= 300; q++ {
		rate := BuyRate(d(1), decimal.NewFromInt(int64(q)), mean, floor)
		if rate.GreaterThan(prev) {
			t.Fatalf("rate should not rise with holdings: qty=%d rate=%s prev=%s", q, rate, prev)
		}
		prev = rate
	}
}

func TestReprice_SellBelowBuy(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 1000, 50, 100, 300)

	e.RepriceAll(l)

	for _, kind := range model.Tradeable {
		entry := l.Entry(kind)
		if entry.SellRate.GreaterThan(entry.BuyRate) {
			t.Errorf("%s: sell rate %s above buy rate %s", kind, entry.SellRate, entry.BuyRate)
		}
		if !entry.SellRate.Equal(entry.BuyRate.Mul(d(0.93)).Round(RateScale)) {
			t.Errorf("%s: sell rate should be 93%% of buy", kind)
		}
	}
}

func TestReprice_ScarceKindCostsMore(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 1000, 50, 100, 300)
	e.RepriceAll(l)

	scarce := l.Entry(model.USD).BuyRate
	abundant := l.Entry(model.YUAN).BuyRate
	if !scarce.GreaterThan(abundant) {
		t.Errorf("scarce USD (%s) should price above abundant YUAN (%s)", scarce, abundant)
	}
}

func TestReprice_ReferencePanics(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 1000, 100, 100, 100)
	defer func() {
		if recover() == nil {
			t.Error("repricing EUR should panic")
		}
	}()
	e.Reprice(l, model.EUR)
}

// --- Quote tests ---

func TestQuoteBuy_NegativeQuantity(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 1000, 100, 100, 100)
	if _, err := e.QuoteBuy(l, model.USD, d(-1)); !errors.Is(err, ErrNegativeQuantity) {
		t.Errorf("expected ErrNegativeQuantity, got %v", err)
	}
}

func TestQuoteBuy_Floor(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 1000, 100, 100, 100)

	_, err := e.QuoteBuy(l, model.USD, d(80))
	var avail *AvailabilityError
	if !errors.As(err, &avail) {
		t.Fatalf("expected AvailabilityError, got %v", err)
	}
	if !avail.Available.Equal(d(75)) || !avail.Requested.Equal(d(80)) {
		t.Errorf("expected requested=80 available=75, got %s/%s", avail.Requested, avail.Available)
	}
	if !errors.Is(err, ErrInsufficientAvailable) {
		t.Error("AvailabilityError should unwrap to ErrInsufficientAvailable")
	}

	if _, err := e.QuoteBuy(l, model.USD, d(75)); err != nil {
		t.Errorf("buying exactly down to the floor should be allowed: %v", err)
	}
}

func TestQuoteBuy_VolumeDiscount(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 1000, 100, 100, 100)
	e.RepriceAll(l)

	tests := []struct {
		amount float64
		want   float64
	}{
		{10, 10},    // no discount
		{25, 24.75}, // 0.99
		{30, 29.55}, // 0.985
		{40, 39},    // 0.975
		{50, 48.25}, // 0.965
		{70, 67.55}, // 0.965
	}
	for _, tt := range tests {
		got, err := e.QuoteBuy(l, model.USD, d(tt.amount))
		if err != nil {
			t.Fatalf("amount=%.0f: %v", tt.amount, err)
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("amount=%.0f: expected %.2f, got %s", tt.amount, tt.want, got)
		}
	}
}

func TestQuoteSell_ReferenceFloor(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 100, 1000, 1000, 1000)
	e.RepriceAll(l)

	// EUR floor is 20, so at most 80 EUR can be paid out. Sell rate is 0.93.
	if _, err := e.QuoteSell(l, model.USD, d(86)); err != nil {
		t.Errorf("payout of 79.98 should be allowed: %v", err)
	}
	_, err := e.QuoteSell(l, model.USD, d(87))
	var avail *AvailabilityError
	if !errors.As(err, &avail) {
		t.Fatalf("expected AvailabilityError, got %v", err)
	}
	if avail.Kind != model.EUR {
		t.Errorf("sell availability is measured in EUR, got %s", avail.Kind)
	}
}

func TestQuoteSell_NoDiscount(t *testing.T) {
	e := newEngine(t)
	l := newLedger(t, 10000, 100, 100, 100)
	e.RepriceAll(l)

	got, err := e.QuoteSell(l, model.YEN, d(60))
	if err != nil {
		t.Fatalf("QuoteSell: %v", err)
	}
	if !got.Equal(d(55.8)) {
		t.Errorf("expected 60 * 0.93 = 55.8, got %s", got)
	}
}

func TestVolumeDiscount_EmptyHolding(t *testing.T) {
	if got := VolumeDiscount(d(1), d(0)); !got.Equal(d(1)) {
		t.Errorf("expected no discount on an empty holding, got %s", got)
	}
}

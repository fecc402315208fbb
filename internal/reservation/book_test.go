package reservation

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/resource"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func buyLock(token string, tick uint64, amount float64) *BuyLock {
	return &BuyLock{
		Token:        token,
		Counterparty: "trader",
		Unit:         resource.MustNew(model.USD, d(amount)),
		Price:        d(amount),
		CreatedAt:    tick,
	}
}

func sellLock(token string, tick uint64, payout float64) *SellLock {
	return &SellLock{
		Token:        token,
		Counterparty: "trader",
		Payout:       resource.MustNew(model.EUR, d(payout)),
		Kind:         model.YEN,
		Amount:       d(payout * 100),
		CreatedAt:    tick,
	}
}

func assertOldestExact(t *testing.T, b *Book) {
	t.Helper()
	if got, want := b.OldestBuy(), b.ScanOldestBuy(); got != want {
		t.Errorf("cached oldest buy %+v, scan says %+v", got, want)
	}
	if got, want := b.OldestSell(), b.ScanOldestSell(); got != want {
		t.Errorf("cached oldest sell %+v, scan says %+v", got, want)
	}
}

func TestBook_EmptyHasNoOldest(t *testing.T) {
	b := NewBook()
	if b.OldestBuy().Valid || b.OldestSell().Valid {
		t.Error("empty book should have no oldest pointer")
	}
}

func TestBook_InsertSetsOldestOnFirst(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 5, 1))
	b.InsertBuy(buyLock("b", 6, 1))

	o := b.OldestBuy()
	if !o.Valid || o.Token != "a" || o.Tick != 5 {
		t.Errorf("expected oldest a@5, got %+v", o)
	}
	assertOldestExact(t, b)
}

func TestBook_RemoveOldestRecomputes(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 5, 1))
	b.InsertBuy(buyLock("b", 7, 1))
	b.InsertBuy(buyLock("c", 6, 1))

	if _, ok := b.RemoveBuy("a"); !ok {
		t.Fatal("expected to remove a")
	}
	o := b.OldestBuy()
	if o.Token != "c" || o.Tick != 6 {
		t.Errorf("expected oldest c@6, got %+v", o)
	}

	b.RemoveBuy("c")
	b.RemoveBuy("b")
	if b.OldestBuy().Valid {
		t.Error("oldest should be cleared once the side is empty")
	}
	assertOldestExact(t, b)
}

func TestBook_RemoveNonOldestKeepsPointer(t *testing.T) {
	b := NewBook()
	b.InsertSell(sellLock("a", 1, 10))
	b.InsertSell(sellLock("b", 2, 10))

	b.RemoveSell("b")
	if o := b.OldestSell(); o.Token != "a" {
		t.Errorf("expected oldest a, got %+v", o)
	}
	assertOldestExact(t, b)
}

func TestBook_DuplicateTokenPanics(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 1, 1))
	defer func() {
		if recover() == nil {
			t.Error("duplicate token should panic")
		}
	}()
	b.InsertBuy(buyLock("a", 2, 1))
}

func TestBook_ExpireBoundary(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 10, 3))

	if got := b.ExpireBuys(22, 12); len(got) != 0 {
		t.Fatalf("lock aged exactly 12 should still be active, expired %d", len(got))
	}
	if b.State("a") != StateActive {
		t.Errorf("expected active, got %s", b.State("a"))
	}

	got := b.ExpireBuys(23, 12)
	if len(got) != 1 || got[0].Token != "a" {
		t.Fatalf("expected a to expire at age 13, got %v", got)
	}
	if b.State("a") != StateExpired {
		t.Errorf("expected expired, got %s", b.State("a"))
	}
	if b.ActiveBuys() != 0 || b.OldestBuy().Valid {
		t.Error("expired lock should leave the side empty")
	}
}

func TestBook_ExpireSidesIndependent(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("buy", 0, 1))
	b.InsertSell(sellLock("sell", 5, 1))

	if got := b.ExpireSells(13, 12); len(got) != 0 {
		t.Errorf("sell lock should not expire yet")
	}
	if got := b.ExpireBuys(13, 12); len(got) != 1 {
		t.Errorf("buy lock should expire")
	}
	if b.ActiveSells() != 1 {
		t.Errorf("sell side should be untouched")
	}
}

func TestBook_ExpireSeveral(t *testing.T) {
	b := NewBook()
	for i := 0; i < 4; i++ {
		b.InsertBuy(buyLock(fmt.Sprintf("t%d", i), uint64(i), 1))
	}
	got := b.ExpireBuys(15, 12)
	if len(got) != 3 {
		t.Fatalf("expected 3 expired locks, got %d", len(got))
	}
	for i, l := range got {
		if l.CreatedAt != uint64(i) {
			t.Errorf("locks should expire oldest first, got %d at %d", l.CreatedAt, i)
		}
	}
	assertOldestExact(t, b)
}

func TestBook_StateUnknown(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 1, 1))
	b.RemoveBuy("a")
	if s := b.State("a"); s != StateUnknown {
		t.Errorf("finalized token should be unknown, got %s", s)
	}
	if s := b.State("nope"); s != StateUnknown {
		t.Errorf("never-issued token should be unknown, got %s", s)
	}
}

func TestBook_CounterpartyCounts(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 1, 1))
	l := buyLock("b", 2, 1)
	l.Counterparty = "other"
	b.InsertBuy(l)

	if n := b.CounterpartyBuys("trader"); n != 1 {
		t.Errorf("expected 1 lock for trader, got %d", n)
	}
	if n := b.CounterpartySells("trader"); n != 0 {
		t.Errorf("expected 0 sell locks for trader, got %d", n)
	}
}

func TestBook_Renormalize(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 100, 1))
	b.InsertBuy(buyLock("b", 104, 1))
	b.InsertSell(sellLock("c", 102, 1))
	b.InsertSell(sellLock("old", 90, 1))
	b.ExpireSells(103, 12) // expires "old"

	now := b.Renormalize(110)
	if now != 10 {
		t.Errorf("expected clock rebased to 10, got %d", now)
	}
	if l, _ := b.Buy("a"); l.CreatedAt != 0 {
		t.Errorf("oldest lock should be rebased to 0, got %d", l.CreatedAt)
	}
	if l, _ := b.Buy("b"); l.CreatedAt != 4 {
		t.Errorf("expected b at 4, got %d", l.CreatedAt)
	}
	if l, _ := b.Sell("c"); l.CreatedAt != 2 {
		t.Errorf("expected c at 2, got %d", l.CreatedAt)
	}
	if b.OldestBuy().Tick != 0 || b.OldestSell().Tick != 2 {
		t.Errorf("oldest pointers should be rebased, got %+v / %+v", b.OldestBuy(), b.OldestSell())
	}
	if b.IsExpired("old") {
		t.Error("renormalization should clear the expired set")
	}
	assertOldestExact(t, b)
}

func TestBook_RenormalizeEmpty(t *testing.T) {
	b := NewBook()
	if now := b.Renormalize(12345); now != 0 {
		t.Errorf("empty book should restart the clock at 0, got %d", now)
	}
}

func TestBook_Reserved(t *testing.T) {
	b := NewBook()
	b.InsertBuy(buyLock("a", 1, 3))
	b.InsertBuy(buyLock("b", 2, 4))
	b.InsertSell(sellLock("c", 3, 10))

	r := b.Reserved()
	if !r[model.USD].Equal(d(7)) {
		t.Errorf("expected 7 USD reserved, got %s", r[model.USD])
	}
	if !r[model.EUR].Equal(d(10)) {
		t.Errorf("expected 10 EUR reserved, got %s", r[model.EUR])
	}
}

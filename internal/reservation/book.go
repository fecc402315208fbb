// Package reservation keeps the market's outstanding buy and sell locks.
//
// Each side is a token-indexed map plus a cached pointer to its oldest lock,
// so the per-tick expiry check is O(1) and only a removal of the oldest lock
// costs a scan over the (capped) active set. Expired tokens are remembered so
// callers can tell "expired" from "never existed".
package reservation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/resource"
)

// State is the lifecycle state of a token as seen by the book.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired"
	StateUnknown State = "unknown" // never existed, or finalized and forgotten
)

// BuyLock holds goods the market has promised to a counterparty.
type BuyLock struct {
	Token        string
	Counterparty string
	Unit         *resource.Unit // split out of the ledger; owned exclusively by the lock
	Price        decimal.Decimal
	CreatedAt    uint64
}

// SellLock holds the EUR the market has pre-paid for goods it will receive.
type SellLock struct {
	Token        string
	Counterparty string
	Payout       *resource.Unit // EUR split out of the ledger
	Kind         model.Kind
	Amount       decimal.Decimal
	CreatedAt    uint64
}

func (l *BuyLock) createdAt() uint64     { return l.CreatedAt }
func (l *BuyLock) shift(delta uint64)    { l.CreatedAt -= delta }
func (l *BuyLock) counterparty() string  { return l.Counterparty }
func (l *SellLock) createdAt() uint64    { return l.CreatedAt }
func (l *SellLock) shift(delta uint64)   { l.CreatedAt -= delta }
func (l *SellLock) counterparty() string { return l.Counterparty }

type lock interface {
	createdAt() uint64
	shift(delta uint64)
	counterparty() string
}

// Oldest points at the oldest active lock of a side. Valid is false iff the
// side is empty.
type Oldest struct {
	Tick  uint64
	Token string
	Valid bool
}

type side[L lock] struct {
	locks  map[string]L
	oldest Oldest
}

func newSide[L lock]() side[L] {
	return side[L]{locks: make(map[string]L)}
}

func (s *side[L]) insert(token string, l L) {
	if _, dup := s.locks[token]; dup {
		panic(fmt.Sprintf("reservation: duplicate token %s", token))
	}
	s.locks[token] = l
	if !s.oldest.Valid || l.createdAt() < s.oldest.Tick {
		s.oldest = Oldest{Tick: l.createdAt(), Token: token, Valid: true}
	}
}

func (s *side[L]) remove(token string) (L, bool) {
	l, ok := s.locks[token]
	if !ok {
		return l, false
	}
	delete(s.locks, token)
	if s.oldest.Token == token {
		s.oldest = oldestOf(s.locks)
	}
	return l, true
}

// expired pops every lock whose age exceeds maxAge, oldest first.
func (s *side[L]) expired(now, maxAge uint64) []L {
	var out []L
	for s.oldest.Valid && now-s.oldest.Tick > maxAge {
		l, _ := s.remove(s.oldest.Token)
		out = append(out, l)
	}
	return out
}

func (s *side[L]) shift(delta uint64) {
	for _, l := range s.locks {
		l.shift(delta)
	}
	if s.oldest.Valid {
		s.oldest.Tick -= delta
	}
}

func (s *side[L]) countFor(counterparty string) int {
	n := 0
	for _, l := range s.locks {
		if l.counterparty() == counterparty {
			n++
		}
	}
	return n
}

// oldestOf scans locks for the minimum creation tick. Ties go to the
// lexically smallest token.
func oldestOf[L lock](locks map[string]L) Oldest {
	var o Oldest
	for token, l := range locks {
		t := l.createdAt()
		if !o.Valid || t < o.Tick || (t == o.Tick && token < o.Token) {
			o = Oldest{Tick: t, Token: token, Valid: true}
		}
	}
	return o
}

// Book is the reservation ledger. It is not safe for concurrent use.
type Book struct {
	buys    side[*BuyLock]
	sells   side[*SellLock]
	expired map[string]struct{}
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		buys:    newSide[*BuyLock](),
		sells:   newSide[*SellLock](),
		expired: make(map[string]struct{}),
	}
}

// InsertBuy adds a buy lock under its token. Duplicate tokens panic.
func (b *Book) InsertBuy(l *BuyLock) { b.buys.insert(l.Token, l) }

// InsertSell adds a sell lock under its token. Duplicate tokens panic.
func (b *Book) InsertSell(l *SellLock) { b.sells.insert(l.Token, l) }

// Buy looks up an active buy lock.
func (b *Book) Buy(token string) (*BuyLock, bool) {
	l, ok := b.buys.locks[token]
	return l, ok
}

// Sell looks up an active sell lock.
func (b *Book) Sell(token string) (*SellLock, bool) {
	l, ok := b.sells.locks[token]
	return l, ok
}

// RemoveBuy deletes an active buy lock, keeping the oldest pointer exact.
func (b *Book) RemoveBuy(token string) (*BuyLock, bool) { return b.buys.remove(token) }

// RemoveSell deletes an active sell lock, keeping the oldest pointer exact.
func (b *Book) RemoveSell(token string) (*SellLock, bool) { return b.sells.remove(token) }

// ExpireBuys removes every buy lock older than maxAge ticks at now and
// records their tokens as expired. The caller owns the returned units.
func (b *Book) ExpireBuys(now, maxAge uint64) []*BuyLock {
	out := b.buys.expired(now, maxAge)
	for _, l := range out {
		b.expired[l.Token] = struct{}{}
	}
	return out
}

// ExpireSells is ExpireBuys for the sell side.
func (b *Book) ExpireSells(now, maxAge uint64) []*SellLock {
	out := b.sells.expired(now, maxAge)
	for _, l := range out {
		b.expired[l.Token] = struct{}{}
	}
	return out
}

// IsExpired reports whether token belonged to a lock that expired in the
// current clock epoch.
func (b *Book) IsExpired(token string) bool {
	_, ok := b.expired[token]
	return ok
}

// State reports the lifecycle state of token.
func (b *Book) State(token string) State {
	if _, ok := b.buys.locks[token]; ok {
		return StateActive
	}
	if _, ok := b.sells.locks[token]; ok {
		return StateActive
	}
	if b.IsExpired(token) {
		return StateExpired
	}
	return StateUnknown
}

// ActiveBuys returns the number of active buy locks.
func (b *Book) ActiveBuys() int { return len(b.buys.locks) }

// ActiveSells returns the number of active sell locks.
func (b *Book) ActiveSells() int { return len(b.sells.locks) }

// CounterpartyBuys returns the number of active buy locks held by counterparty.
func (b *Book) CounterpartyBuys(counterparty string) int { return b.buys.countFor(counterparty) }

// CounterpartySells returns the number of active sell locks held by counterparty.
func (b *Book) CounterpartySells(counterparty string) int { return b.sells.countFor(counterparty) }

// OldestBuy returns the cached oldest buy pointer.
func (b *Book) OldestBuy() Oldest { return b.buys.oldest }

// OldestSell returns the cached oldest sell pointer.
func (b *Book) OldestSell() Oldest { return b.sells.oldest }

// ScanOldestBuy recomputes the oldest buy pointer from scratch. Used to
// verify the cache.
func (b *Book) ScanOldestBuy() Oldest { return oldestOf(b.buys.locks) }

// ScanOldestSell recomputes the oldest sell pointer from scratch.
func (b *Book) ScanOldestSell() Oldest { return oldestOf(b.sells.locks) }

// Renormalize rebases every creation tick so the oldest active lock sits at
// zero, clears the expired-token set and returns the rebased clock value.
// With no active locks the clock restarts at zero.
func (b *Book) Renormalize(now uint64) uint64 {
	clear(b.expired)

	base, ok := uint64(0), false
	for _, o := range []Oldest{b.buys.oldest, b.sells.oldest} {
		if o.Valid && (!ok || o.Tick < base) {
			base, ok = o.Tick, true
		}
	}
	if !ok {
		return 0
	}

	b.buys.shift(base)
	b.sells.shift(base)
	return now - base
}

// Reserved returns the quantity of each kind currently owned by active locks.
func (b *Book) Reserved() map[model.Kind]decimal.Decimal {
	out := make(map[model.Kind]decimal.Decimal, len(model.Kinds))
	for _, l := range b.buys.locks {
		out[l.Unit.Kind()] = out[l.Unit.Kind()].Add(l.Unit.Amount())
	}
	for _, l := range b.sells.locks {
		out[l.Payout.Kind()] = out[l.Payout.Kind()].Add(l.Payout.Amount())
	}
	return out
}

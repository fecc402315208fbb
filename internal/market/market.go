// Package market is the single-actor currency market: it owns the inventory
// ledger, the pricing engine, the reservation book and the logical clock, and
// exposes the quote / lock / finalize operations counterparties trade through.
//
// A Market is not safe for concurrent use. Its owner serializes calls, and
// the Notifier it reports to must not call back into it.
package market

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/inventory"
	"github.com/atmx/fx-market/internal/limits"
	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/pricing"
	"github.com/atmx/fx-market/internal/rebalance"
	"github.com/atmx/fx-market/internal/reservation"
)

// Notifier receives one event per completed mutating operation.
type Notifier interface {
	Notify(model.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(model.Event)

func (f NotifierFunc) Notify(e model.Event) { f(e) }

// Rand is the randomness the market draws on for random initialization and
// rebalancing. *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	Shuffle(n int, swap func(i, j int))
}

// Config holds the market's tunables.
type Config struct {
	MaxLockTicks            uint64
	MaxBuyLocks             int
	MaxSellLocks            int
	MaxLocksPerCounterparty int // 0 disables the per-counterparty cap

	MinHeldFraction      decimal.Decimal
	MinReferenceFraction decimal.Decimal
	SellDiscount         decimal.Decimal

	RebalanceProbability float64
	RoleResetTicks       uint64

	// StartingCapital is the EUR-equivalent wealth NewRandom distributes.
	StartingCapital decimal.Decimal
	// DefaultRates is the resting EUR price of one unit of each tradeable kind.
	DefaultRates map[model.Kind]decimal.Decimal
}

// unitsPerEUR are the resting exchange rates the default configuration
// starts from.
var unitsPerEUR = map[model.Kind]string{
	model.USD:  "1.03576",
	model.YEN:  "143.38",
	model.YUAN: "7.0794",
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	rates := make(map[model.Kind]decimal.Decimal, len(unitsPerEUR))
	for kind, per := range unitsPerEUR {
		rates[kind] = decimal.NewFromInt(1).Div(decimal.RequireFromString(per))
	}
	return Config{
		MaxLockTicks:         12,
		MaxBuyLocks:          4,
		MaxSellLocks:         4,
		MinHeldFraction:      decimal.NewFromFloat(0.25),
		MinReferenceFraction: decimal.NewFromFloat(0.20),
		SellDiscount:         decimal.NewFromFloat(0.93),
		RebalanceProbability: 0.05,
		RoleResetTicks:       24,
		StartingCapital:      decimal.NewFromInt(1_000_000),
		DefaultRates:         rates,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxLockTicks == 0:
		return fmt.Errorf("%w: max lock ticks must be positive", ErrInvalidConfig)
	case c.MaxBuyLocks <= 0 || c.MaxSellLocks <= 0:
		return fmt.Errorf("%w: lock caps must be positive", ErrInvalidConfig)
	case c.MaxLocksPerCounterparty < 0:
		return fmt.Errorf("%w: per-counterparty cap must not be negative", ErrInvalidConfig)
	case c.RebalanceProbability < 0 || c.RebalanceProbability > 1:
		return fmt.Errorf("%w: rebalance probability %v not in [0,1]", ErrInvalidConfig, c.RebalanceProbability)
	case c.RoleResetTicks == 0:
		return fmt.Errorf("%w: role reset interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats counts what the market has done on its own, outside caller requests.
type Stats struct {
	ActiveBuys       int    `json:"active_buys"`
	ActiveSells      int    `json:"active_sells"`
	ExpiredBuys      uint64 `json:"expired_buys"`
	ExpiredSells     uint64 `json:"expired_sells"`
	Rebalances       uint64 `json:"rebalances"`
	Transfers        uint64 `json:"transfers"`
	Renormalizations uint64 `json:"renormalizations"`
}

// Market is the market aggregate.
type Market struct {
	cfg        Config
	ledger     *inventory.Ledger
	pricing    *pricing.Engine
	book       *reservation.Book
	limiter    *limits.LockLimiter
	rebalancer *rebalance.Rebalancer

	notifier Notifier
	logger   *slog.Logger
	rng      Rand

	tick    uint64
	maxTick uint64
	stats   Stats
}

// Option configures a Market.
type Option func(*Market)

// WithNotifier registers the event sink.
func WithNotifier(n Notifier) Option {
	return func(m *Market) { m.notifier = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Market) { m.logger = l }
}

// WithRand sets the random source used by the rebalancer.
func WithRand(r Rand) Option {
	return func(m *Market) { m.rng = r }
}

// New creates a market holding the given starting quantities, in native
// units of each kind.
func New(cfg Config, quantities map[model.Kind]decimal.Decimal, opts ...Option) (*Market, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	engine, err := pricing.NewEngine(pricing.Params{
		MinHeldFraction:      cfg.MinHeldFraction,
		MinReferenceFraction: cfg.MinReferenceFraction,
		SellDiscount:         cfg.SellDiscount,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ledger, err := inventory.NewLedger(quantities, cfg.DefaultRates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m := &Market{
		cfg:     cfg,
		ledger:  ledger,
		pricing: engine,
		book:    reservation.NewBook(),
		limiter: limits.NewLockLimiter(cfg.MaxBuyLocks, cfg.MaxSellLocks, cfg.MaxLocksPerCounterparty),
		maxTick: math.MaxUint64,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.rebalancer = rebalance.New(cfg.RebalanceProbability, m.rng)

	engine.RepriceAll(ledger)
	return m, nil
}

// Starting-capital shares drawn by NewRandom.
const (
	eurShareMin    = 0.25
	eurShareMax    = 0.35
	secondShareMin = 0.30
	secondShareMax = 0.36
	thirdShareMin  = 0.45
	thirdShareMax  = 0.55
)

// NewRandom creates a market whose starting capital is split at random:
// EUR takes 25-35%, then the tradeable kinds in shuffled order take 30-36%
// and 45-55% of what remains, and the last kind takes the rest.
func NewRandom(cfg Config, rng Rand, opts ...Option) (*Market, error) {
	if !cfg.StartingCapital.IsPositive() {
		return nil, fmt.Errorf("%w: starting capital must be positive", ErrInvalidConfig)
	}

	uniform := func(lo, hi float64) decimal.Decimal {
		return decimal.NewFromFloat(lo + (hi-lo)*rng.Float64())
	}

	worth := make(map[model.Kind]decimal.Decimal, len(model.Kinds))
	rest := cfg.StartingCapital
	worth[model.Reference] = rest.Mul(uniform(eurShareMin, eurShareMax))
	rest = rest.Sub(worth[model.Reference])

	order := model.Tradeable
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	worth[order[0]] = rest.Mul(uniform(secondShareMin, secondShareMax))
	rest = rest.Sub(worth[order[0]])
	worth[order[1]] = rest.Mul(uniform(thirdShareMin, thirdShareMax))
	rest = rest.Sub(worth[order[1]])
	worth[order[2]] = rest

	quantities := make(map[model.Kind]decimal.Decimal, len(model.Kinds))
	for kind, w := range worth {
		if kind == model.Reference {
			quantities[kind] = w.Round(pricing.PriceScale)
			continue
		}
		rate, ok := cfg.DefaultRates[kind]
		if !ok || !rate.IsPositive() {
			return nil, fmt.Errorf("%w: default rate for %s must be positive", ErrInvalidConfig, kind)
		}
		quantities[kind] = w.Div(rate).Round(pricing.PriceScale)
	}

	return New(cfg, quantities, append([]Option{WithRand(rng)}, opts...)...)
}

// Config returns the market's configuration.
func (m *Market) Config() Config { return m.cfg }

// Tick returns the current logical time.
func (m *Market) Tick() uint64 { return m.tick }

// Budget returns the EUR the market currently holds outside reservations.
func (m *Market) Budget() decimal.Decimal { return m.ledger.Held(model.Reference) }

// ListInventory returns every kind's held quantity and current rates.
func (m *Market) ListInventory() []model.InventoryLabel { return m.ledger.Labels() }

// Audit returns the per-kind conservation breakdown.
func (m *Market) Audit() []model.AuditRow { return m.ledger.Audit(m.book.Reserved()) }

// Stats returns lock counts and background activity counters.
func (m *Market) Stats() Stats {
	s := m.stats
	s.ActiveBuys = m.book.ActiveBuys()
	s.ActiveSells = m.book.ActiveSells()
	return s
}

// TokenState reports whether token is active, expired or unknown.
func (m *Market) TokenState(token string) reservation.State { return m.book.State(token) }

func (m *Market) emit(e model.Event) {
	if m.notifier != nil {
		m.notifier.Notify(e)
	}
}

// tradeable rejects kinds the market does not quote.
func tradeable(kind model.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if kind == model.Reference {
		return fmt.Errorf("%w: %s is the reference kind and is not traded", ErrWrongKind, kind)
	}
	return nil
}

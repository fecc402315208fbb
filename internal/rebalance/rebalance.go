// Package rebalance evens out the market's holdings by exchanging surplus
// kinds for scarce ones with the outside world.
//
// A pass pairs the lowest kind below the mean (not already exporting) with
// the highest kind above it (not already importing) and moves the smaller of
// the two gaps, measured in EUR, from one to the other. Roles are sticky
// until the market resets them, so a kind cannot flip direction mid-cycle.
package rebalance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/inventory"
	"github.com/atmx/fx-market/internal/model"
	"github.com/atmx/fx-market/internal/resource"
)

// Source is the randomness the rebalancer rolls against. *rand.Rand from
// math/rand/v2 satisfies it.
type Source interface {
	Float64() float64
}

// Transfer describes one exchange performed by a pass.
type Transfer struct {
	From  model.Kind      `json:"from"`
	To    model.Kind      `json:"to"`
	Worth decimal.Decimal `json:"worth"` // EUR-equivalent moved
	Out   decimal.Decimal `json:"out"`   // native units exported from From
	In    decimal.Decimal `json:"in"`    // native units imported into To
}

// Rebalancer fires a pass with a fixed probability per clock advance.
type Rebalancer struct {
	probability float64
	rng         Source
}

// New returns a rebalancer. probability is clamped to [0, 1].
func New(probability float64, rng Source) *Rebalancer {
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}
	return &Rebalancer{probability: probability, rng: rng}
}

// Probability returns the per-advance firing probability.
func (r *Rebalancer) Probability() float64 { return r.probability }

// Maybe rolls once and runs a pass on a hit. It returns nil when the roll
// misses or the ledger is already level.
func (r *Rebalancer) Maybe(l *inventory.Ledger) []Transfer {
	if r.probability <= 0 || r.rng == nil {
		return nil
	}
	if r.rng.Float64() >= r.probability {
		return nil
	}
	return Run(l)
}

// Run performs one full pass over l and returns the transfers it made.
// Ties resolve by kind order, so the result is deterministic for a given
// ledger state.
func Run(l *inventory.Ledger) []Transfer {
	qty := make(map[model.Kind]decimal.Decimal, len(model.Kinds))
	sum := decimal.Zero
	for _, kind := range model.Kinds {
		qty[kind] = l.RefQuantity(kind)
		sum = sum.Add(qty[kind])
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(model.Kinds))))

	var out []Transfer
	// Each transfer levels at least one side of the pair, so a pass never
	// needs more steps than there are kinds.
	for range model.Kinds {
		suffering, ok := lowest(l, qty, mean)
		if !ok {
			break
		}
		eligible, ok := highest(l, qty, mean)
		if !ok {
			break
		}

		worth := decimal.Min(mean.Sub(qty[suffering]), qty[eligible].Sub(mean))
		l.SetRole(suffering, model.RoleImporting)
		l.SetRole(eligible, model.RoleExporting)

		t := move(l, eligible, suffering, worth)
		out = append(out, t)

		qty[suffering] = qty[suffering].Add(worth)
		qty[eligible] = qty[eligible].Sub(worth)
	}
	return out
}

func lowest(l *inventory.Ledger, qty map[model.Kind]decimal.Decimal, mean decimal.Decimal) (model.Kind, bool) {
	var pick model.Kind
	found := false
	for _, kind := range model.Kinds {
		if l.Entry(kind).Role == model.RoleExporting || !qty[kind].LessThan(mean) {
			continue
		}
		if !found || qty[kind].LessThan(qty[pick]) {
			pick, found = kind, true
		}
	}
	return pick, found
}

func highest(l *inventory.Ledger, qty map[model.Kind]decimal.Decimal, mean decimal.Decimal) (model.Kind, bool) {
	var pick model.Kind
	found := false
	for _, kind := range model.Kinds {
		if l.Entry(kind).Role == model.RoleImporting || !qty[kind].GreaterThan(mean) {
			continue
		}
		if !found || qty[kind].GreaterThan(qty[pick]) {
			pick, found = kind, true
		}
	}
	return pick, found
}

// move exports worth EUR of from and imports the same worth of to, both
// converted at their default rates.
func move(l *inventory.Ledger, from, to model.Kind, worth decimal.Decimal) Transfer {
	outAmt := decimal.Min(worth.Div(l.Entry(from).DefaultRate()), l.Held(from))
	inAmt := worth.Div(l.Entry(to).DefaultRate())

	if _, err := l.Export(from, outAmt); err != nil {
		panic(fmt.Sprintf("rebalance: export %s %s: %v", outAmt, from, err))
	}
	l.Import(resource.MustNew(to, inAmt))

	return Transfer{From: from, To: to, Worth: worth, Out: outAmt, In: inAmt}
}

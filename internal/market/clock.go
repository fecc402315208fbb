package market

import "github.com/atmx/fx-market/internal/model"

// AdvanceClock moves logical time forward by one tick without trading.
// An external scheduler calls it to simulate idle time.
func (m *Market) AdvanceClock() {
	m.advance()
}

// advance increments the clock, then expires stale locks, maybe rebalances
// and resets roles on the reset cadence.
func (m *Market) advance() {
	if m.tick == m.maxTick {
		m.renormalize()
	}
	m.tick++

	m.sweep()

	if transfers := m.rebalancer.Maybe(m.ledger); len(transfers) > 0 {
		m.stats.Rebalances++
		m.stats.Transfers += uint64(len(transfers))
		m.pricing.RepriceAll(m.ledger)
		for _, t := range transfers {
			m.logger.Debug("rebalanced",
				"tick", m.tick,
				"from", t.From.String(),
				"to", t.To.String(),
				"worth", t.Worth.String(),
			)
		}
	}

	if m.tick%m.cfg.RoleResetTicks == 0 {
		m.ledger.ResetRoles()
	}
}

// sweep expires every lock older than MaxLockTicks and returns its quantity
// to the ledger. Each tradeable kind touched is repriced once.
func (m *Market) sweep() {
	var touched [len(model.Kinds)]bool

	for _, l := range m.book.ExpireBuys(m.tick, m.cfg.MaxLockTicks) {
		m.ledger.Restore(l.Unit)
		touched[l.Unit.Kind()] = true
		m.stats.ExpiredBuys++
		m.logger.Debug("buy lock expired", "token", l.Token, "tick", m.tick)
	}
	for _, l := range m.book.ExpireSells(m.tick, m.cfg.MaxLockTicks) {
		m.ledger.Restore(l.Payout)
		touched[l.Payout.Kind()] = true
		m.stats.ExpiredSells++
		m.logger.Debug("sell lock expired", "token", l.Token, "tick", m.tick)
	}

	for _, kind := range model.Tradeable {
		if touched[kind] {
			m.pricing.Reprice(m.ledger, kind)
		}
	}
}

// renormalize rebases the clock and every lock so the oldest active lock
// sits at tick zero. Called only when the clock is about to overflow; the
// sweep at the previous tick guarantees the remaining locks are younger than
// MaxLockTicks, so the rebased clock is small.
func (m *Market) renormalize() {
	before := m.tick
	m.tick = m.book.Renormalize(m.tick)
	m.stats.Renormalizations++
	m.logger.Info("clock renormalized", "from", before, "to", m.tick)
}

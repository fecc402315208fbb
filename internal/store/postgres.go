package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/fx-market/internal/model"
)

// Schema creates the journal table. Amounts and prices are NUMERIC for
// exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS market_events (
	seq         BIGSERIAL PRIMARY KEY,
	id          UUID        NOT NULL UNIQUE,
	type        TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	amount      NUMERIC     NOT NULL,
	price       NUMERIC     NOT NULL,
	token       TEXT        NOT NULL,
	tick        NUMERIC(20) NOT NULL,
	instance    TEXT        NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS market_events_kind_idx ON market_events (kind, seq);
CREATE INDEX IF NOT EXISTS market_events_token_idx ON market_events (token);
`

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the journal table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.EventRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_events (id, type, kind, amount, price, token, tick, instance, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)`,
		e.ID, string(e.Type), e.Kind.String(),
		e.Amount.String(), e.Price.String(),
		e.Token, fmt.Sprint(e.Tick), e.Instance, e.RecordedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, e.ID)
	}
	return err
}

const selectEvents = `SELECT id::TEXT, type, kind, amount::TEXT, price::TEXT, token, tick::TEXT, instance, recorded_at, seq
		 FROM market_events`

func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (`+selectEvents+` ORDER BY seq DESC LIMIT $1) recent ORDER BY seq`,
		pgLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByKind(ctx context.Context, kind model.Kind, limit int) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (`+selectEvents+` WHERE kind = $1 ORDER BY seq DESC LIMIT $2) recent ORDER BY seq`,
		kind.String(), pgLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByToken(ctx context.Context, token string) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx, selectEvents+` WHERE token = $1 ORDER BY seq`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// pgLimit maps "no limit" onto NULL, which LIMIT treats as unbounded.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// scanEvents reads pgx rows into EventRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.EventRecord, error) {
	events := []model.EventRecord{}
	for rows.Next() {
		var e model.EventRecord
		var typ, kind, amountS, priceS, tickS string
		var seq int64

		if err := rows.Scan(&e.ID, &typ, &kind, &amountS, &priceS,
			&e.Token, &tickS, &e.Instance, &e.RecordedAt, &seq); err != nil {
			return nil, err
		}

		k, err := model.ParseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("scan event %s: %w", e.ID, err)
		}
		e.Type = model.EventType(typ)
		e.Kind = k
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.Tick, _ = strconv.ParseUint(tickS, 10, 64)

		events = append(events, e)
	}
	return events, rows.Err()
}

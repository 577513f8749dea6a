package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/model"
	"github.com/atmx/prediction-amm/internal/money"
)

// Schema creates the tables used by PostgresStore. Amounts are NUMERIC(78,0)
// so any 256-bit integer round-trips exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	market_id         TEXT PRIMARY KEY,
	yes_reserves      NUMERIC(78,0) NOT NULL,
	no_reserves       NUMERIC(78,0) NOT NULL,
	k                 NUMERIC(78,0) NOT NULL,
	virtual_liquidity NUMERIC(78,0) NOT NULL,
	total_collateral  NUMERIC(78,0) NOT NULL,
	finalized         BOOLEAN NOT NULL DEFAULT FALSE,
	resolution        JSONB,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	market_id  TEXT NOT NULL REFERENCES pools(market_id),
	user_id    TEXT NOT NULL,
	yes_shares NUMERIC(78,0) NOT NULL,
	no_shares  NUMERIC(78,0) NOT NULL,
	cost_basis NUMERIC(78,0) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (market_id, user_id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	market_id  TEXT NOT NULL REFERENCES pools(market_id),
	side       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	amount     NUMERIC(78,0) NOT NULL,
	shares     NUMERIC(78,0) NOT NULL,
	price      NUMERIC NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_market_idx ON ledger_entries (market_id, timestamp);
CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id, timestamp);

CREATE TABLE IF NOT EXISTS settlements (
	market_id  TEXT PRIMARY KEY REFERENCES pools(market_id),
	document   JSONB NOT NULL,
	settled_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	collateral     NUMERIC(78,0) NOT NULL,
	yield_rate_bps INTEGER NOT NULL,
	status         TEXT NOT NULL,
	bets           JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	closed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS sessions_bets_idx ON sessions USING GIN (bets jsonb_path_ops);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact integer precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back if fn fails.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Pools ---

const poolColumns = `market_id, yes_reserves::TEXT, no_reserves::TEXT, k::TEXT,
	virtual_liquidity::TEXT, total_collateral::TEXT, finalized, resolution, created_at, updated_at`

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.Pool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (market_id, yes_reserves, no_reserves, k, virtual_liquidity, total_collateral,
		                    finalized, resolution, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10)`,
		p.MarketID, p.YesReserves.String(), p.NoReserves.String(), p.K.String(),
		p.VirtualLiquidity.String(), p.TotalCollateral.String(),
		p.Finalized, p.Resolution, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrMarketExists.With(p.MarketID)
	}
	if err != nil {
		return fmt.Errorf("create pool %s: %w", p.MarketID, err)
	}
	return nil
}

func (s *PostgresStore) GetPool(ctx context.Context, marketID string) (*model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE market_id = $1`, marketID)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound.With(marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func updatePool(ctx context.Context, tx pgx.Tx, p *model.Pool) error {
	tag, err := tx.Exec(ctx,
		`UPDATE pools
		 SET yes_reserves = $2::NUMERIC, no_reserves = $3::NUMERIC, k = $4::NUMERIC,
		     total_collateral = $5::NUMERIC, finalized = $6, resolution = $7, updated_at = $8
		 WHERE market_id = $1`,
		p.MarketID, p.YesReserves.String(), p.NoReserves.String(), p.K.String(),
		p.TotalCollateral.String(), p.Finalized, p.Resolution, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound.With(p.MarketID)
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) ApplyTrade(ctx context.Context, p *model.Pool, pos *model.Position, e *model.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := updatePool(ctx, tx, p); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (market_id, user_id, yes_shares, no_shares, cost_basis, created_at, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
			 ON CONFLICT (market_id, user_id) DO UPDATE
			 SET yes_shares = EXCLUDED.yes_shares, no_shares = EXCLUDED.no_shares,
			     cost_basis = EXCLUDED.cost_basis, updated_at = EXCLUDED.updated_at`,
			pos.MarketID, pos.UserID, pos.YesShares.String(), pos.NoShares.String(),
			pos.TotalCostBasis.String(), pos.CreatedAt, pos.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (id, user_id, market_id, side, kind, amount, shares, price, session_id, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			e.ID, e.UserID, e.MarketID, e.Side, e.Kind,
			e.Amount.String(), e.Shares.String(), e.Price.String(), e.SessionID, e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		return nil
	})
}

const ledgerColumns = `id, user_id, market_id, side, kind, amount::TEXT, shares::TEXT, price::TEXT, session_id, timestamp`

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// --- Positions ---

const positionColumns = `market_id, user_id, yes_shares::TEXT, no_shares::TEXT, cost_basis::TEXT, created_at, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 AND user_id = $2`, marketID, userID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound.With(marketID + "/" + userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY user_id`, marketID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, arg string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetUserExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, cost_basis::TEXT FROM positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var marketID, costS string
		if err := rows.Scan(&marketID, &costS); err != nil {
			return nil, err
		}
		cost, err := decimal.NewFromString(costS)
		if err != nil {
			return nil, fmt.Errorf("cost basis %q: %w", costS, err)
		}
		exposures[marketID] = cost
	}
	return exposures, rows.Err()
}

// --- Settlement ---

func (s *PostgresStore) FinalizeMarket(ctx context.Context, p *model.Pool, settlement *model.MarketSettlement) error {
	doc, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := updatePool(ctx, tx, p); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlements (market_id, document, settled_at) VALUES ($1, $2, $3)`,
			settlement.MarketID, doc, settlement.SettledAt,
		); err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM settlements WHERE market_id = $1`, marketID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSettlementNotFound.With(marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", marketID, err)
	}
	var st model.MarketSettlement
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", marketID, err)
	}
	return &st, nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, a *model.CollateralAccount) error {
	bets, err := json.Marshal(a.Bets)
	if err != nil {
		return fmt.Errorf("encode bets: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, collateral, yield_rate_bps, status, bets, created_at, closed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
		a.SessionID, a.User, a.Collateral.String(), a.YieldRateBps, a.Status, bets, a.CreatedAt, a.ClosedAt,
	)
	if isUniqueViolation(err) {
		return ErrSessionExists.With(a.SessionID)
	}
	if err != nil {
		return fmt.Errorf("create session %s: %w", a.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.CollateralAccount, error) {
	var (
		a           model.CollateralAccount
		collateralS string
		bets        []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, user_id, collateral::TEXT, yield_rate_bps, status, bets, created_at, closed_at
		 FROM sessions WHERE session_id = $1`, sessionID).
		Scan(&a.SessionID, &a.User, &collateralS, &a.YieldRateBps, &a.Status, &bets, &a.CreatedAt, &a.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound.With(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if a.Collateral, err = money.Parse(collateralS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bets, &a.Bets); err != nil {
		return nil, fmt.Errorf("decode bets: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, a *model.CollateralAccount) error {
	bets, err := json.Marshal(a.Bets)
	if err != nil {
		return fmt.Errorf("encode bets: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, bets = $3, closed_at = $4 WHERE session_id = $1`,
		a.SessionID, a.Status, bets, a.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", a.SessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound.With(a.SessionID)
	}
	return nil
}

func (s *PostgresStore) ListSessionsWithOpenBets(ctx context.Context, marketID string) ([]string, error) {
	filter, err := json.Marshal([]map[string]any{{"market_id": marketID, "resolved": false}})
	if err != nil {
		return nil, fmt.Errorf("encode bet filter: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id FROM sessions
		 WHERE status <> $1 AND bets @> $2::JSONB
		 ORDER BY session_id`, string(model.SessionClosed), filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", marketID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan sessions for %s: %w", marketID, err)
	}
	return ids, nil
}

// --- Scanning ---

func parseAmounts(dst []*money.Amount, src []string) error {
	for i, s := range src {
		a, err := money.Parse(s)
		if err != nil {
			return err
		}
		*dst[i] = a
	}
	return nil
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var (
		p          model.Pool
		amounts    [5]string
		resolution []byte
	)
	if err := row.Scan(&p.MarketID, &amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4],
		&p.Finalized, &resolution, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	dst := []*money.Amount{&p.YesReserves, &p.NoReserves, &p.K, &p.VirtualLiquidity, &p.TotalCollateral}
	if err := parseAmounts(dst, amounts[:]); err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.MarketID, err)
	}
	if len(resolution) > 0 && string(resolution) != "null" {
		var r model.MarketResolution
		if err := json.Unmarshal(resolution, &r); err != nil {
			return nil, fmt.Errorf("pool %s resolution: %w", p.MarketID, err)
		}
		p.Resolution = &r
	}
	return &p, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var yesS, noS, costBasisS string

	if err := row.Scan(&p.MarketID, &p.UserID, &yesS, &noS, &costBasisS, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseAmounts([]*money.Amount{&p.YesShares, &p.NoShares}, []string{yesS, noS}); err != nil {
		return nil, fmt.Errorf("position %s/%s: %w", p.MarketID, p.UserID, err)
	}
	cost, err := decimal.NewFromString(costBasisS)
	if err != nil {
		return nil, fmt.Errorf("position %s/%s cost basis: %w", p.MarketID, p.UserID, err)
	}
	p.TotalCostBasis = cost
	return &p, nil
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, sharesS, priceS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &e.Side, &e.Kind,
			&amountS, &sharesS, &priceS, &e.SessionID, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := parseAmounts([]*money.Amount{&e.Amount, &e.Shares}, []string{amountS, sharesS}); err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}
		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %s price: %w", e.ID, err)
		}
		e.Price = price

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

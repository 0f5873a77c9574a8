package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one row of current_positions.
type Position struct {
	StrategyID      string
	Account         string
	TradeDate       string
	AssetID         int64
	// OrderID is the order whose fill last touched the row.
	OrderID         int64
	TimestampDB     time.Time
	TargetPosition  float64
	CurrentPosition float64
	OpenQuantity    float64
	// NetCost is the cash spent acquiring the position: it decreases by
	// price × shares on every fill.
	NetCost float64
}

// PositionFill describes one fill to apply to current_positions.
type PositionFill struct {
	StrategyID string
	Account    string
	TradeDate  string
	AssetID    int64
	OrderID    int64
	Timestamp  time.Time
	// OrderShares is the size of the order being filled; the row's target
	// becomes the prior position plus this amount.
	OrderShares float64
	Shares      float64
	Price       float64
}

// CurrentPositions returns the positions of account on tradeDate ordered
// by asset id.
func (d *DB) CurrentPositions(ctx context.Context, account, tradeDate string) ([]Position, error) {
	q := d.rebind(`SELECT strategyid, account, tradedate, asset_id, order_id, timestamp_db, target_position,
		current_position, open_quantity, net_cost FROM ` + TableCurrentPositions +
		` WHERE account = ? AND tradedate = ? ORDER BY asset_id`)
	return d.queryPositions(ctx, q, account, tradeDate)
}

// LatestPositions returns, per asset, the account's most recent row with a
// trade date on or before tradeDate. Positions held overnight carry into
// the next session this way.
func (d *DB) LatestPositions(ctx context.Context, account, tradeDate string) ([]Position, error) {
	q := d.rebind(`SELECT strategyid, account, tradedate, asset_id, order_id, timestamp_db, target_position,
		current_position, open_quantity, net_cost FROM ` + TableCurrentPositions + ` p
		WHERE account = ? AND tradedate = (SELECT MAX(tradedate) FROM ` + TableCurrentPositions + ` q
			WHERE q.account = p.account AND q.asset_id = p.asset_id AND q.tradedate <= ?)
		ORDER BY asset_id`)
	return d.queryPositions(ctx, q, account, tradeDate)
}

func (d *DB) queryPositions(ctx context.Context, q string, args ...any) ([]Position, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", TableCurrentPositions, err)
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SeedPosition inserts or replaces a position row.
func (d *DB) SeedPosition(ctx context.Context, p Position) error {
	_, err := d.db.ExecContext(ctx, d.upsertQuery(), p.StrategyID, p.Account, p.TradeDate, p.AssetID,
		p.OrderID, p.TimestampDB.UTC(), p.TargetPosition, p.CurrentPosition, p.OpenQuantity, p.NetCost)
	if err != nil {
		return fmt.Errorf("seeding %s asset %d: %w", TableCurrentPositions, p.AssetID, err)
	}
	return nil
}

// ApplyFill adds a fill to the asset's row, creating it if needed:
// current_position grows by the filled shares and net_cost falls by their
// cost. A new row starts from the asset's latest earlier trade date.
// Arithmetic is done in decimal so repeated fills do not drift.
func (d *DB) ApplyFill(ctx context.Context, f PositionFill) (Position, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Position{}, fmt.Errorf("applying fill to %s: %w", TableCurrentPositions, err)
	}
	defer tx.Rollback()

	q := d.rebind(`SELECT strategyid, account, tradedate, asset_id, order_id, timestamp_db, target_position,
		current_position, open_quantity, net_cost FROM ` + TableCurrentPositions +
		` WHERE account = ? AND tradedate = ? AND asset_id = ?`)
	cur, err := scanPosition(tx.QueryRowContext(ctx, q, f.Account, f.TradeDate, f.AssetID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = Position{StrategyID: f.StrategyID, Account: f.Account, TradeDate: f.TradeDate, AssetID: f.AssetID}
		prev, err := scanPosition(tx.QueryRowContext(ctx, d.rebind(`SELECT strategyid, account, tradedate,
			asset_id, order_id, timestamp_db, target_position, current_position, open_quantity, net_cost FROM ` +
			TableCurrentPositions + ` WHERE account = ? AND asset_id = ? AND tradedate < ?
			ORDER BY tradedate DESC LIMIT 1`), f.Account, f.AssetID, f.TradeDate))
		switch {
		case err == nil:
			cur.CurrentPosition = prev.CurrentPosition
			cur.NetCost = prev.NetCost
		case !errors.Is(err, sql.ErrNoRows):
			return Position{}, err
		}
	case err != nil:
		return Position{}, err
	}

	prior := decimal.NewFromFloat(cur.CurrentPosition)
	shares := decimal.NewFromFloat(f.Shares)
	position := prior.Add(shares)
	netCost := decimal.NewFromFloat(cur.NetCost).Sub(decimal.NewFromFloat(f.Price).Mul(shares))
	target := prior.Add(decimal.NewFromFloat(f.OrderShares))

	cur.StrategyID = f.StrategyID
	cur.OrderID = f.OrderID
	cur.TimestampDB = f.Timestamp.UTC()
	cur.TargetPosition = target.InexactFloat64()
	cur.CurrentPosition = position.InexactFloat64()
	cur.OpenQuantity = target.Sub(position).InexactFloat64()
	cur.NetCost = netCost.InexactFloat64()

	_, err = tx.ExecContext(ctx, d.upsertQuery(), cur.StrategyID, cur.Account, cur.TradeDate, cur.AssetID,
		cur.OrderID, cur.TimestampDB, cur.TargetPosition, cur.CurrentPosition, cur.OpenQuantity, cur.NetCost)
	if err != nil {
		return Position{}, fmt.Errorf("upserting %s asset %d: %w", TableCurrentPositions, f.AssetID, err)
	}
	if err := tx.Commit(); err != nil {
		return Position{}, fmt.Errorf("committing fill for asset %d: %w", f.AssetID, err)
	}
	d.log.Debug("position updated", "account", cur.Account, "asset_id", cur.AssetID,
		"current_position", cur.CurrentPosition, "net_cost", cur.NetCost)
	return cur, nil
}

func (d *DB) upsertQuery() string {
	return d.rebind(`INSERT INTO ` + TableCurrentPositions + ` (strategyid, account, tradedate, asset_id,
		order_id, timestamp_db, target_position, current_position, open_quantity, net_cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, tradedate, asset_id) DO UPDATE SET
			strategyid = excluded.strategyid,
			order_id = excluded.order_id,
			timestamp_db = excluded.timestamp_db,
			target_position = excluded.target_position,
			current_position = excluded.current_position,
			open_quantity = excluded.open_quantity,
			net_cost = excluded.net_cost`)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (Position, error) {
	var p Position
	err := s.Scan(&p.StrategyID, &p.Account, &p.TradeDate, &p.AssetID, &p.OrderID, &p.TimestampDB,
		&p.TargetPosition, &p.CurrentPosition, &p.OpenQuantity, &p.NetCost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Position{}, err
		}
		return Position{}, fmt.Errorf("scanning %s: %w", TableCurrentPositions, err)
	}
	p.TimestampDB = p.TimestampDB.UTC()
	return p, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubmittedBatch is one row of submitted_orders: a batch of orders
// rendered as text, identified by its filename.
type SubmittedBatch struct {
	ID           int64
	Filename     string
	TimestampDB  time.Time
	OrdersAsText string
}

// Acceptance is one row of accepted_orders, written by the order processor
// once it has taken ownership of a batch.
type Acceptance struct {
	TargetListID       int64
	TradeDate          string
	Filename           string
	StrategyID         string
	TimestampProcessed time.Time
	TimestampDB        time.Time
	TargetCount        int
	ChangedCount       int
	NoActionCount      int
	Success            bool
	Reason             string
}

// InsertSubmittedOrders stores a batch and returns its row id.
func (d *DB) InsertSubmittedOrders(ctx context.Context, filename string, ts time.Time, ordersAsText string) (int64, error) {
	q := d.rebind(`INSERT INTO ` + TableSubmittedOrders + ` (filename, timestamp_db, orders_as_txt) VALUES (?, ?, ?) RETURNING id`)
	var id int64
	if err := d.db.QueryRowContext(ctx, q, filename, ts.UTC(), ordersAsText).Scan(&id); err != nil {
		return 0, fmt.Errorf("inserting %s into %s: %w", filename, TableSubmittedOrders, err)
	}
	d.log.Debug("submitted orders stored", "filename", filename, "id", id)
	return id, nil
}

// SubmittedOrdersAfter returns the batches with id greater than afterID in
// insertion order.
func (d *DB) SubmittedOrdersAfter(ctx context.Context, afterID int64) ([]SubmittedBatch, error) {
	q := d.rebind(`SELECT id, filename, timestamp_db, orders_as_txt FROM ` + TableSubmittedOrders +
		` WHERE id > ? ORDER BY id`)
	rows, err := d.db.QueryContext(ctx, q, afterID)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", TableSubmittedOrders, err)
	}
	defer rows.Close()
	var out []SubmittedBatch
	for rows.Next() {
		var b SubmittedBatch
		if err := rows.Scan(&b.ID, &b.Filename, &b.TimestampDB, &b.OrdersAsText); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", TableSubmittedOrders, err)
		}
		b.TimestampDB = b.TimestampDB.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertAcceptance stores an acceptance record.
func (d *DB) InsertAcceptance(ctx context.Context, a Acceptance) error {
	q := d.rebind(`INSERT INTO ` + TableAcceptedOrders + ` (targetlistid, tradedate, filename, strategyid,
		timestamp_processed, timestamp_db, target_count, changed_count, noaction_count, success, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := d.db.ExecContext(ctx, q, a.TargetListID, a.TradeDate, a.Filename, a.StrategyID,
		a.TimestampProcessed.UTC(), a.TimestampDB.UTC(), a.TargetCount, a.ChangedCount, a.NoActionCount,
		a.Success, a.Reason)
	if err != nil {
		return fmt.Errorf("inserting %s into %s: %w", a.Filename, TableAcceptedOrders, err)
	}
	d.log.Debug("acceptance stored", "filename", a.Filename, "success", a.Success)
	return nil
}

// AcceptanceFor returns the acceptance record for filename, if any.
func (d *DB) AcceptanceFor(ctx context.Context, filename string) (Acceptance, bool, error) {
	q := d.rebind(`SELECT targetlistid, tradedate, filename, strategyid, timestamp_processed, timestamp_db,
		target_count, changed_count, noaction_count, success, reason FROM ` + TableAcceptedOrders +
		` WHERE filename = ? ORDER BY id DESC LIMIT 1`)
	var a Acceptance
	err := d.db.QueryRowContext(ctx, q, filename).Scan(&a.TargetListID, &a.TradeDate, &a.Filename,
		&a.StrategyID, &a.TimestampProcessed, &a.TimestampDB, &a.TargetCount, &a.ChangedCount,
		&a.NoActionCount, &a.Success, &a.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Acceptance{}, false, nil
	}
	if err != nil {
		return Acceptance{}, false, fmt.Errorf("querying %s for %s: %w", TableAcceptedOrders, filename, err)
	}
	a.TimestampProcessed = a.TimestampProcessed.UTC()
	a.TimestampDB = a.TimestampDB.UTC()
	return a, true, nil
}

// ResumePoint returns where an order processor picks up after a restart:
// the highest submitted_orders id that already has an acceptance, and the
// next free target list id.
func (d *DB) ResumePoint(ctx context.Context) (lastAcceptedID, nextTargetListID int64, err error) {
	q := `SELECT COALESCE(MAX(s.id), 0) FROM ` + TableSubmittedOrders + ` s
		JOIN ` + TableAcceptedOrders + ` a ON a.filename = s.filename`
	if err := d.db.QueryRowContext(ctx, q).Scan(&lastAcceptedID); err != nil {
		return 0, 0, fmt.Errorf("querying %s: %w", TableAcceptedOrders, err)
	}
	q = `SELECT COALESCE(MAX(targetlistid) + 1, 0) FROM ` + TableAcceptedOrders
	if err := d.db.QueryRowContext(ctx, q).Scan(&nextTargetListID); err != nil {
		return 0, 0, fmt.Errorf("querying %s: %w", TableAcceptedOrders, err)
	}
	return lastAcceptedID, nextTargetListID, nil
}

// Package store persists the order mailbox shared by the trading loop and
// the order processor: submitted order batches, their acceptance records,
// and the current positions table. The same SQL runs on SQLite and
// Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Registers the "pgx" database/sql driver.
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver.
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Table names.
const (
	TableSubmittedOrders  = "submitted_orders"
	TableAcceptedOrders   = "accepted_orders"
	TableCurrentPositions = "current_positions"
)

var ErrUnknownDriver = errors.New("unknown database driver")

// DB is the mailbox database.
type DB struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

// Open connects to the database and creates the mailbox tables if they do
// not exist. driver is DriverSQLite (dsn is a file path) or DriverPostgres
// (dsn is a connection URL).
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	var sqlDriver string
	switch driver {
	case DriverSQLite:
		sqlDriver = "sqlite"
	case DriverPostgres:
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, driver)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; serialise access from the pool.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	d := &DB{db: db, driver: driver, log: log.With("component", "store", "driver", driver)}
	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Driver returns the driver name the database was opened with.
func (d *DB) Driver() string { return d.driver }

// Migrate creates the mailbox tables.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range d.schema() {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

func (d *DB) schema() []string {
	serial, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if d.driver == DriverPostgres {
		serial, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + TableSubmittedOrders + ` (
			id ` + serial + `,
			filename TEXT NOT NULL UNIQUE,
			timestamp_db ` + ts + ` NOT NULL,
			orders_as_txt TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableAcceptedOrders + ` (
			id ` + serial + `,
			targetlistid BIGINT NOT NULL,
			tradedate TEXT NOT NULL,
			filename TEXT NOT NULL,
			strategyid TEXT NOT NULL,
			timestamp_processed ` + ts + ` NOT NULL,
			timestamp_db ` + ts + ` NOT NULL,
			target_count INTEGER NOT NULL,
			changed_count INTEGER NOT NULL,
			noaction_count INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			reason TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TableCurrentPositions + ` (
			strategyid TEXT NOT NULL,
			account TEXT NOT NULL,
			tradedate TEXT NOT NULL,
			asset_id BIGINT NOT NULL,
			order_id BIGINT NOT NULL,
			timestamp_db ` + ts + ` NOT NULL,
			target_position DOUBLE PRECISION NOT NULL,
			current_position DOUBLE PRECISION NOT NULL,
			open_quantity DOUBLE PRECISION NOT NULL,
			net_cost DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (account, tradedate, asset_id)
		)`,
	}
}

// rebind rewrites "?" placeholders as "$n" for Postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

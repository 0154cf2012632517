package database

import (
	"database/sql"
	"fmt"
)

var (
	createPositionsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_positions (
    ledger_id     VARCHAR       NOT NULL,
    position_id   BIGINT        NOT NULL,
    owner         VARCHAR       NOT NULL,
    start_time    BIGINT        NOT NULL,
    duration      BIGINT        NOT NULL,
    amount        NUMERIC(78,0) NOT NULL,
    released      NUMERIC(78,0) NOT NULL,

    PRIMARY KEY (ledger_id, position_id)
);`

	createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_events (
    event_id      VARCHAR       NOT NULL,
    ledger_id     VARCHAR       NOT NULL,
    kind          VARCHAR       NOT NULL,
    position_id   BIGINT        NOT NULL,
    children      VARCHAR       NOT NULL,
    owner         VARCHAR       NOT NULL,
    amount        NUMERIC(78,0) NOT NULL,
    start_time    BIGINT        NOT NULL,
    duration      BIGINT        NOT NULL,
    event_time    BIGINT        NOT NULL,
    seq           BIGSERIAL,

    PRIMARY KEY (event_id)
);`

	createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_events_position_idx
ON %s_events (ledger_id, position_id);`

	createCountersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_counters (
    ledger_id     VARCHAR       NOT NULL,
    next_id       BIGINT        NOT NULL,

    PRIMARY KEY (ledger_id)
);`
)

// Migrate creates the positions, events, and counters tables with indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createPositionsTable(db, tableName); err != nil {
		return err
	}

	if err := createEventsTable(db, tableName); err != nil {
		return err
	}

	if err := createEventsIndex(db, tableName); err != nil {
		return err
	}

	if err := createCountersTable(db, tableName); err != nil {
		return err
	}

	return nil
}

func createPositionsTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createPositionsTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create positions table: %w", err)
	}
	return nil
}

func createEventsTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createEventsTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

func createEventsIndex(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createEventsIndexSQL, tableName, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create events index: %w", err)
	}
	return nil
}

func createCountersTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createCountersTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create counters table: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

// WithTx returns a copy of the Queries bound to a transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{
		db:        tx,
		tableName: q.tableName,
	}
}

var (
	listPositionsSQL = `
SELECT ledger_id, position_id, owner, start_time, duration, amount, released
FROM %s_positions
WHERE ledger_id = $1
ORDER BY position_id ASC;`

	getPositionSQL = `
SELECT ledger_id, position_id, owner, start_time, duration, amount, released
FROM %s_positions
WHERE ledger_id = $1 AND position_id = $2;`

	setPositionSQL = `
INSERT INTO %s_positions (ledger_id, position_id, owner, start_time, duration, amount, released)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (ledger_id, position_id)
DO UPDATE SET
    owner = EXCLUDED.owner,
    start_time = EXCLUDED.start_time,
    duration = EXCLUDED.duration,
    amount = EXCLUDED.amount,
    released = EXCLUDED.released;`

	deletePositionSQL = `
DELETE FROM %s_positions
WHERE ledger_id = $1 AND position_id = $2;`

	insertEventSQL = `
INSERT INTO %s_events (event_id, ledger_id, kind, position_id, children, owner, amount, start_time, duration, event_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`

	listEventsSQL = `
SELECT event_id, ledger_id, kind, position_id, children, owner, amount, start_time, duration, event_time
FROM %s_events
WHERE ledger_id = $1
ORDER BY seq ASC;`

	listPositionEventsSQL = `
SELECT event_id, ledger_id, kind, position_id, children, owner, amount, start_time, duration, event_time
FROM %s_events
WHERE ledger_id = $1 AND position_id = $2
ORDER BY seq ASC;`

	getNextIDSQL = `
SELECT next_id
FROM %s_counters
WHERE ledger_id = $1;`

	setNextIDSQL = `
INSERT INTO %s_counters (ledger_id, next_id)
VALUES ($1, $2)
ON CONFLICT (ledger_id)
DO UPDATE SET next_id = EXCLUDED.next_id;`
)

// ListPositions returns all live positions for a ledger, ordered by identifier.
func (q *Queries) ListPositions(ctx context.Context, ledgerID string) ([]*PositionRecord, error) {
	var (
		query     = fmt.Sprintf(listPositionsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, ledgerID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []*PositionRecord
	for rows.Next() {
		var position PositionRecord
		if err := rows.Scan(&position.LedgerID, &position.PositionID, &position.Owner,
			&position.StartTime, &position.Duration, &position.Amount, &position.Released); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, &position)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return positions, nil
}

// GetPosition retrieves a single position by identifier.
func (q *Queries) GetPosition(ctx context.Context, ledgerID string, positionID int64) (*PositionRecord, error) {
	var (
		query    = fmt.Sprintf(getPositionSQL, q.tableName)
		position PositionRecord
		err      = q.db.QueryRowContext(ctx, query, ledgerID, positionID).Scan(
			&position.LedgerID, &position.PositionID, &position.Owner,
			&position.StartTime, &position.Duration, &position.Amount, &position.Released,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	return &position, nil
}

// SetPosition inserts or updates a position.
func (q *Queries) SetPosition(ctx context.Context, position *PositionRecord) error {
	var query = fmt.Sprintf(setPositionSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		position.LedgerID, position.PositionID, position.Owner,
		position.StartTime, position.Duration, position.Amount, position.Released,
	)
	if err != nil {
		return fmt.Errorf("failed to set position: %w", err)
	}
	return nil
}

// DeletePosition removes a position by identifier.
func (q *Queries) DeletePosition(ctx context.Context, ledgerID string, positionID int64) error {
	var query = fmt.Sprintf(deletePositionSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, ledgerID, positionID)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// InsertEvent appends an event to the audit journal. The journal is
// append-only; there is no update or delete.
func (q *Queries) InsertEvent(ctx context.Context, event *EventRecord) error {
	var query = fmt.Sprintf(insertEventSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		event.EventID, event.LedgerID, event.Kind, event.PositionID, event.Children,
		event.Owner, event.Amount, event.StartTime, event.Duration, event.EventTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns the full audit journal for a ledger in emission order.
func (q *Queries) ListEvents(ctx context.Context, ledgerID string) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listEventsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, ledgerID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListPositionEvents returns the audit journal entries touching one position.
func (q *Queries) ListPositionEvents(ctx context.Context, ledgerID string, positionID int64) ([]*EventRecord, error) {
	var (
		query     = fmt.Sprintf(listPositionEventsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, ledgerID, positionID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list position events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		var event EventRecord
		if err := rows.Scan(&event.EventID, &event.LedgerID, &event.Kind, &event.PositionID,
			&event.Children, &event.Owner, &event.Amount, &event.StartTime,
			&event.Duration, &event.EventTime); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// GetNextID returns the identifier counter for a ledger, or 0 if none
// has been stored yet.
func (q *Queries) GetNextID(ctx context.Context, ledgerID string) (int64, error) {
	var (
		query  = fmt.Sprintf(getNextIDSQL, q.tableName)
		nextID int64
		err    = q.db.QueryRowContext(ctx, query, ledgerID).Scan(&nextID)
	)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get next id: %w", err)
	}

	return nextID, nil
}

// SetNextID stores the identifier counter for a ledger.
func (q *Queries) SetNextID(ctx context.Context, ledgerID string, nextID int64) error {
	var query = fmt.Sprintf(setNextIDSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, ledgerID, nextID)
	if err != nil {
		return fmt.Errorf("failed to set next id: %w", err)
	}
	return nil
}

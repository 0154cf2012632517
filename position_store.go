package vestring

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"go-vestring/database"
)

// positionStore handles all database operations for positions and the
// audit journal. Every ledger mutation is written through it as a
// single transaction before the in-memory state changes.
type positionStore struct {
	ledgerID string
	db       *sql.DB
	queries  *database.Queries
}

// newPositionStore creates a positionStore for the given ledger.
func newPositionStore(ledgerID string, db *sql.DB) *positionStore {
	return &positionStore{
		ledgerID: ledgerID,
		db:       db,
		queries:  database.NewQueries(db, ledgerID),
	}
}

// commit is the staged outcome of one mutating operation. Apply writes
// it atomically: either all of it persists or none of it does.
type commit struct {
	upserts []ownedPosition
	deletes []uint64
	events  []Event
	nextID  uint64
}

// ownedPosition pairs a position with its registry owner for persistence.
type ownedPosition struct {
	position *Position
	owner    string
}

// Apply writes a staged commit in one transaction. The transfer
// callback runs after the rows are staged and before the transaction
// commits, so a failed token transfer rolls the whole operation back.
func (s *positionStore) Apply(ctx context.Context, c *commit, transfer func() error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var queries = s.queries.WithTx(tx)

	for _, id := range c.deletes {
		if err := queries.DeletePosition(ctx, s.ledgerID, int64(id)); err != nil {
			return fmt.Errorf("failed to delete position %d: %w", id, err)
		}
	}

	for _, owned := range c.upserts {
		if err := queries.SetPosition(ctx, positionToRecord(s.ledgerID, owned)); err != nil {
			return fmt.Errorf("failed to set position %d: %w", owned.position.ID, err)
		}
	}

	for i := range c.events {
		if err := queries.InsertEvent(ctx, eventToRecord(&c.events[i])); err != nil {
			return fmt.Errorf("failed to journal event %s: %w", c.events[i].EventID, err)
		}
	}

	if err := queries.SetNextID(ctx, s.ledgerID, int64(c.nextID)); err != nil {
		return fmt.Errorf("failed to persist id counter: %w", err)
	}

	if transfer != nil {
		if err := transfer(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	return nil
}

// LoadState returns all live positions with their owners, plus the
// identifier counter high-water mark.
func (s *positionStore) LoadState(ctx context.Context) ([]ownedPosition, uint64, error) {
	var records, err = s.queries.ListPositions(ctx, s.ledgerID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load positions: %w", err)
	}

	var positions = make([]ownedPosition, len(records))
	for i, record := range records {
		var position, convErr = recordToPosition(record)
		if convErr != nil {
			return nil, 0, convErr
		}
		positions[i] = ownedPosition{position: position, owner: record.Owner}
	}

	nextID, err := s.queries.GetNextID(ctx, s.ledgerID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load id counter: %w", err)
	}

	return positions, uint64(nextID), nil
}

// LoadEvents returns the full audit journal in emission order.
func (s *positionStore) LoadEvents(ctx context.Context) ([]Event, error) {
	var records, err = s.queries.ListEvents(ctx, s.ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	var events = make([]Event, len(records))
	for i, record := range records {
		var event, convErr = recordToEvent(record)
		if convErr != nil {
			return nil, convErr
		}
		events[i] = event
	}

	return events, nil
}

func positionToRecord(ledgerID string, owned ownedPosition) *database.PositionRecord {
	return &database.PositionRecord{
		LedgerID:   ledgerID,
		PositionID: int64(owned.position.ID),
		Owner:      owned.owner,
		StartTime:  int64(owned.position.StartTime),
		Duration:   int64(owned.position.Duration),
		Amount:     owned.position.Amount.String(),
		Released:   owned.position.Released.String(),
	}
}

func recordToPosition(record *database.PositionRecord) (*Position, error) {
	var amount, ok = new(big.Int).SetString(record.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse amount %q for position %d", record.Amount, record.PositionID)
	}

	released, ok := new(big.Int).SetString(record.Released, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse released %q for position %d", record.Released, record.PositionID)
	}

	return &Position{
		ID:        uint64(record.PositionID),
		StartTime: uint64(record.StartTime),
		Duration:  uint64(record.Duration),
		Amount:    amount,
		Released:  released,
	}, nil
}

func eventToRecord(event *Event) *database.EventRecord {
	return &database.EventRecord{
		EventID:    event.EventID,
		LedgerID:   event.LedgerID,
		Kind:       string(event.Kind),
		PositionID: int64(event.Position),
		Children:   joinIDs(event.Children),
		Owner:      event.Owner,
		Amount:     event.Amount.String(),
		StartTime:  int64(event.StartTime),
		Duration:   int64(event.Duration),
		EventTime:  int64(event.Time),
	}
}

func recordToEvent(record *database.EventRecord) (Event, error) {
	var amount, ok = new(big.Int).SetString(record.Amount, 10)
	if !ok {
		return Event{}, fmt.Errorf("failed to parse amount %q for event %s", record.Amount, record.EventID)
	}

	children, err := splitIDs(record.Children)
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse children for event %s: %w", record.EventID, err)
	}

	return Event{
		EventID:   record.EventID,
		LedgerID:  record.LedgerID,
		Kind:      EventKind(record.Kind),
		Position:  uint64(record.PositionID),
		Children:  children,
		Owner:     record.Owner,
		Amount:    amount,
		StartTime: uint64(record.StartTime),
		Duration:  uint64(record.Duration),
		Time:      uint64(record.EventTime),
	}, nil
}

func joinIDs(ids []uint64) string {
	var parts = make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(joined string) ([]uint64, error) {
	if joined == "" {
		return nil, nil
	}

	var parts = strings.Split(joined, ",")
	var ids = make([]uint64, len(parts))
	for i, part := range parts {
		var id, err = strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

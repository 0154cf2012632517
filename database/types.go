package database

// PositionRecord represents a vesting position record in the database.
// Amounts travel as decimal strings so the full unsigned 256-bit range
// survives the round trip.
type PositionRecord struct {
	LedgerID   string
	PositionID int64
	Owner      string
	StartTime  int64
	Duration   int64
	Amount     string
	Released   string
}

// EventRecord represents an audit journal entry in the database.
type EventRecord struct {
	EventID    string
	LedgerID   string
	Kind       string
	PositionID int64
	Children   string // Comma-separated child identifiers, empty for non-splits
	Owner      string
	Amount     string
	StartTime  int64
	Duration   int64
	EventTime  int64
}

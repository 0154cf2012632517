package vestring

import (
	"context"
	"math/big"

	"github.com/google/uuid"
)

// EventKind identifies the mutating operation that produced an event.
type EventKind string

const (
	EventCreate  EventKind = "create"
	EventRelease EventKind = "release"
	EventSplit   EventKind = "split"
	EventExtend  EventKind = "extend"
)

// Event is the audit record emitted by every mutating operation. The
// journal of events is sufficient to reconstruct the conservation
// invariant off-process.
type Event struct {
	EventID   string    `json:"event_id"`
	LedgerID  string    `json:"ledger_id"`
	Kind      EventKind `json:"kind"`
	Position  uint64    `json:"position"`
	Children  []uint64  `json:"children,omitempty"` // Resulting identifiers for splits
	Owner     string    `json:"owner"`
	Amount    *big.Int  `json:"amount"`   // Quantity locked, released, or carried into children
	StartTime uint64    `json:"start_time"`
	Duration  uint64    `json:"duration"`
	Time      uint64    `json:"time"` // Ledger clock at emission
}

// EventSink receives audit events from the background dispatcher.
// Publish errors are logged, never propagated back into the operation
// that produced the event.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, event Event) error

// Publish calls the wrapped function.
func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// newEvent stamps an event with a fresh identifier and the ledger clock.
func (l *Ledger) newEvent(kind EventKind, owner string, p *Position, children []uint64, amount *big.Int, now uint64) Event {
	return Event{
		EventID:   uuid.New().String(),
		LedgerID:  l.ledgerID,
		Kind:      kind,
		Position:  p.ID,
		Children:  children,
		Owner:     owner,
		Amount:    new(big.Int).Set(amount),
		StartTime: p.StartTime,
		Duration:  p.Duration,
		Time:      now,
	}
}

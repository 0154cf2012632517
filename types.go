package vestring

import (
	"database/sql"
	"math/big"

	"github.com/sasha-s/go-deadlock"
)

// Ledger owns a collection of vesting positions and serializes every
// mutation on them.
type Ledger struct {
	mu         deadlock.RWMutex
	positions  map[uint64]*Position // Live positions keyed by identifier
	nextID     uint64               // Monotonic, never reused, one increment per new position
	ledgerID   string
	custody    string // Account holding locked tokens
	token      TokenLedger
	registry   OwnerRegistry
	options    options
	db         *sql.DB        // Database connection for persistence (nil = memory only)
	store      *positionStore // Persistence layer, nil when db is nil
	dispatcher *dispatcher    // Fans audit events out to sinks
	stopped    bool           // Mutations fail with ErrLedgerStopped once set
}

// Position is a single vesting schedule over a fixed locked quantity.
type Position struct {
	ID        uint64
	StartTime uint64   // Unlock rate is zero before this
	Duration  uint64   // Seconds; end time is StartTime+Duration
	Amount    *big.Int // Total quantity locked into this position
	Released  *big.Int // Cumulative quantity already paid out
}

// EndTime returns the timestamp at which the position is fully vested.
func (p *Position) EndTime() uint64 {
	return p.StartTime + p.Duration
}

// Remaining returns the quantity not yet released.
func (p *Position) Remaining() *big.Int {
	return new(big.Int).Sub(p.Amount, p.Released)
}

// clone returns an independent copy so callers never alias ledger state.
func (p *Position) clone() *Position {
	return &Position{
		ID:        p.ID,
		StartTime: p.StartTime,
		Duration:  p.Duration,
		Amount:    new(big.Int).Set(p.Amount),
		Released:  new(big.Int).Set(p.Released),
	}
}

// Date is a schedule boundary for SplitByDates. Construct one with At
// or CurrentTime.
type Date struct {
	time        uint64
	currentTime bool
}

// At returns a Date at an explicit timestamp.
func At(t uint64) Date {
	return Date{time: t}
}

// CurrentTime returns a Date that resolves to the ledger clock when the
// split executes. It is only valid as the first element of a
// SplitByDates sequence.
func CurrentTime() Date {
	return Date{currentTime: true}
}

// resolve substitutes the ledger clock for a current-time marker.
func (d Date) resolve(now uint64) uint64 {
	if d.currentTime {
		return now
	}
	return d.time
}

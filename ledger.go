package vestring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"go-vestring/database"
)

var (
	// ErrInvalidLedgerID is returned when the ledgerID contains invalid characters
	ErrInvalidLedgerID = errors.New("ledgerID must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validLedgerIDPattern validates PostgreSQL-safe identifiers
	validLedgerIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// NewLedger creates a new Ledger instance backed by the given token
// ledger and ownership registry. A nil db runs the ledger memory-only,
// which is what the unit tests use; with a db, every mutation is
// committed in a single transaction before in-memory state changes.
//
// The ledgerID must be a valid PostgreSQL identifier (lowercase
// letters, numbers, underscores, starting with a letter).
func NewLedger(db *sql.DB, ledgerID string, token TokenLedger, registry OwnerRegistry, opts ...Option) *Ledger {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var custody = options.custody
	if custody == "" {
		custody = "custody:" + ledgerID
	}

	var ledger = &Ledger{
		positions: make(map[uint64]*Position),
		nextID:    1,
		ledgerID:  ledgerID,
		custody:   custody,
		token:     token,
		registry:  registry,
		options:   options,
		db:        db,
	}

	if db != nil {
		ledger.store = newPositionStore(ledgerID, db)
	}

	return ledger
}

// Start migrates and loads persisted state, re-registers loaded owners,
// and launches the event dispatcher. It must be called once before any
// operation.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		if err := ValidateLedgerID(l.ledgerID); err != nil {
			return fmt.Errorf("invalid ledgerID: %w", err)
		}

		if err := database.Migrate(l.db, l.ledgerID); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		var loaded, nextID, err = l.store.LoadState(ctx)
		if err != nil {
			return fmt.Errorf("failed to load ledger state: %w", err)
		}

		for _, owned := range loaded {
			l.positions[owned.position.ID] = owned.position
			if err := l.registry.Mint(owned.position.ID, owned.owner); err != nil {
				return fmt.Errorf("failed to register owner of position %d: %w", owned.position.ID, err)
			}
		}
		if nextID > l.nextID {
			l.nextID = nextID
		}
	}

	l.dispatcher = newDispatcher(l.options.eventBufferSize, l.options.sinks, l.options.logger)
	l.dispatcher.start()

	l.options.logger.Info("ledger started",
		"ledger_id", l.ledgerID,
		"positions", len(l.positions),
		"next_id", l.nextID)

	return nil
}

// Stop flushes the event dispatcher and shuts the ledger down. Further
// mutations fail with ErrLedgerStopped; calling Stop again is a no-op.
func (l *Ledger) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dispatcher == nil {
		return fmt.Errorf("ledger not started")
	}
	if l.stopped {
		return nil
	}

	l.stopped = true
	l.dispatcher.stop()
	return nil
}

// ValidateLedgerID checks if the ledgerID is valid for use as a PostgreSQL identifier.
func ValidateLedgerID(ledgerID string) error {
	if ledgerID == "" {
		return errors.New("ledgerID cannot be empty")
	}

	if len(ledgerID) > 63 {
		return errors.New("ledgerID must be 63 characters or less")
	}

	if !validLedgerIDPattern.MatchString(ledgerID) {
		return ErrInvalidLedgerID
	}

	return nil
}

// Create locks amount tokens pulled from the caller and opens a new
// position vesting linearly over [startTime, startTime+duration).
// Returns the fresh identifier.
func (l *Ledger) Create(ctx context.Context, caller string, startTime, duration uint64, amount *big.Int) (uint64, error) {
	if duration == 0 {
		return 0, ErrInvalidDuration
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return 0, ErrLedgerStopped
	}

	var (
		now      = l.options.clock()
		id       = l.nextID
		position = &Position{
			ID:        id,
			StartTime: startTime,
			Duration:  duration,
			Amount:    new(big.Int).Set(amount),
			Released:  new(big.Int),
		}
		staged = &commit{
			upserts: []ownedPosition{{position: position, owner: caller}},
			events:  []Event{},
			nextID:  id + 1,
		}
	)
	staged.events = append(staged.events, l.newEvent(EventCreate, caller, position, nil, amount, now))

	var pull = func() error {
		return l.token.TransferFrom(caller, l.custody, amount)
	}
	if err := l.applyCommit(ctx, staged, pull); err != nil {
		return 0, fmt.Errorf("failed to create position: %w", err)
	}

	l.positions[id] = position
	l.nextID = id + 1
	l.mustMint(id, caller)
	l.finish(staged)

	return id, nil
}

// Release pays the caller everything vested but not yet released on the
// position. A fully released position is destroyed atomically with the
// final payout. Returns the quantity paid out.
func (l *Ledger) Release(ctx context.Context, caller string, id uint64) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil, ErrLedgerStopped
	}

	var position, owner, err = l.authorize(caller, id)
	if err != nil {
		return nil, err
	}

	var (
		now       = l.options.clock()
		claimable = claimableAt(position, now)
	)
	if claimable.Sign() == 0 {
		return nil, ErrNothingToRelease
	}

	var (
		updated   = position.clone()
		destroyed bool
	)
	updated.Released.Add(updated.Released, claimable)
	destroyed = updated.Released.Cmp(updated.Amount) == 0

	var staged = &commit{nextID: l.nextID}
	if destroyed {
		staged.deletes = []uint64{id}
	} else {
		staged.upserts = []ownedPosition{{position: updated, owner: owner}}
	}
	staged.events = []Event{l.newEvent(EventRelease, owner, updated, nil, claimable, now)}

	var payout = func() error {
		return l.token.Transfer(l.custody, owner, claimable)
	}
	if err := l.applyCommit(ctx, staged, payout); err != nil {
		return nil, fmt.Errorf("failed to release position %d: %w", id, err)
	}

	if destroyed {
		delete(l.positions, id)
		l.mustBurn(id)
	} else {
		l.positions[id] = updated
	}
	l.finish(staged)

	return claimable, nil
}

// SetEndDate lengthens the position's schedule so it ends at newEnd.
// Whatever is already vested is released to the owner first. The start
// time never changes and the end time never moves earlier, so not-yet
// vested tokens only ever unlock at the same rate or slower.
func (l *Ledger) SetEndDate(ctx context.Context, caller string, id uint64, newEnd uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrLedgerStopped
	}

	var position, owner, err = l.authorize(caller, id)
	if err != nil {
		return err
	}

	var (
		now       = l.options.clock()
		claimable = claimableAt(position, now)
		released  = new(big.Int).Add(position.Released, claimable)
		remaining = new(big.Int).Sub(position.Amount, released)
	)
	if remaining.Sign() == 0 {
		// Fully vested; there is no schedule left to move.
		return ErrNothingToExtend
	}
	if newEnd < position.EndTime() {
		return ErrNewEndTooEarly
	}

	// The release happened against the original schedule; the journal
	// records it that way.
	var releasedPosition = position.clone()
	releasedPosition.Released.Set(released)

	var updated = releasedPosition.clone()
	updated.Duration = newEnd - updated.StartTime

	var staged = &commit{
		upserts: []ownedPosition{{position: updated, owner: owner}},
		nextID:  l.nextID,
	}
	if claimable.Sign() > 0 {
		staged.events = append(staged.events, l.newEvent(EventRelease, owner, releasedPosition, nil, claimable, now))
	}
	staged.events = append(staged.events, l.newEvent(EventExtend, owner, updated, nil, remaining, now))

	var payout = l.payoutFunc(owner, claimable)
	if err := l.applyCommit(ctx, staged, payout); err != nil {
		return fmt.Errorf("failed to extend position %d: %w", id, err)
	}

	l.positions[id] = updated
	l.finish(staged)

	return nil
}

// VestedAmount returns the quantity vested on a position as of t.
func (l *Ledger) VestedAmount(id uint64, t uint64) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var position, exists = l.positions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return vestedAt(position, t), nil
}

// Claimable returns vested-minus-released on a position as of t.
func (l *Ledger) Claimable(id uint64, t uint64) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var position, exists = l.positions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return claimableAt(position, t), nil
}

// GetPosition returns a snapshot of a live position.
func (l *Ledger) GetPosition(id uint64) (*Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var position, exists = l.positions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return position.clone(), nil
}

// LivePositions returns snapshots of every live position, ordered by identifier.
func (l *Ledger) LivePositions() []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var positions = make([]*Position, 0, len(l.positions))
	for _, position := range l.positions {
		positions = append(positions, position.clone())
	}

	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ID < positions[j].ID
	})

	return positions
}

// Events returns the persisted audit journal in emission order. It is
// only available when the ledger runs with a database.
func (l *Ledger) Events(ctx context.Context) ([]Event, error) {
	if l.store == nil {
		return nil, fmt.Errorf("ledger %s is not persisted", l.ledgerID)
	}
	return l.store.LoadEvents(ctx)
}

// authorize looks a position up and checks the registry's current owner
// against the caller. Must be called with the lock held.
func (l *Ledger) authorize(caller string, id uint64) (*Position, string, error) {
	var position, exists = l.positions[id]
	if !exists {
		return nil, "", fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}

	owner, err := l.registry.OwnerOf(id)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve owner of position %d: %w", id, err)
	}
	if owner != caller {
		return nil, "", ErrOnlyOwner
	}

	return position, owner, nil
}

// applyCommit persists a staged commit, running the token transfer
// inside the transaction window so a failed transfer rolls back every
// staged row. Memory-only ledgers just run the transfer.
func (l *Ledger) applyCommit(ctx context.Context, staged *commit, transfer func() error) error {
	if l.store == nil {
		if transfer != nil {
			return transfer()
		}
		return nil
	}
	return l.store.Apply(ctx, staged, transfer)
}

// payoutFunc returns a transfer callback paying claimable to the owner,
// or nil when there is nothing to pay.
func (l *Ledger) payoutFunc(owner string, claimable *big.Int) func() error {
	if claimable.Sign() == 0 {
		return nil
	}
	return func() error {
		return l.token.Transfer(l.custody, owner, claimable)
	}
}

// finish logs and dispatches the committed events. Must be called after
// the commit succeeded.
func (l *Ledger) finish(staged *commit) {
	for _, event := range staged.events {
		l.options.logger.Info("ledger event",
			"ledger_id", l.ledgerID,
			"kind", event.Kind,
			"position", event.Position,
			"children", event.Children,
			"owner", event.Owner,
			"amount", event.Amount.String(),
			"time", event.Time)
		l.dispatcher.publish(event)
	}
}

// mustMint registers a fresh identifier. The ledger issues identifiers
// from its own monotonic counter, so a mint can only fail if the
// registry fell out of lockstep with the position table.
func (l *Ledger) mustMint(id uint64, owner string) {
	if err := l.registry.Mint(id, owner); err != nil {
		panic(fmt.Sprintf("vestring: registry rejected mint of %d: %v", id, err))
	}
}

// mustBurn removes a destroyed identifier.
func (l *Ledger) mustBurn(id uint64) {
	if err := l.registry.Burn(id); err != nil {
		panic(fmt.Sprintf("vestring: registry rejected burn of %d: %v", id, err))
	}
}

// String returns a visual representation of the ledger state.
func (l *Ledger) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		now = l.options.clock()
		b   strings.Builder
	)

	b.WriteString(fmt.Sprintf("Ledger: %s\n", l.ledgerID))
	b.WriteString(fmt.Sprintf("Positions: %d | Custody: %s (%s)\n",
		len(l.positions), l.custody, l.token.BalanceOf(l.custody)))

	if len(l.positions) == 0 {
		b.WriteString("\n[Empty Ledger]\n")
		return b.String()
	}

	var ids = make([]uint64, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	b.WriteString("\nPositions:\n")
	b.WriteString("┌──────────────────────────────────────────────────────────────────────────┐\n")

	for _, id := range ids {
		var (
			position  = l.positions[id]
			owner, _  = l.registry.OwnerOf(id)
			claimable = claimableAt(position, now)
		)

		b.WriteString(fmt.Sprintf("│ #%-5d  %-12s  [%d..%d]  locked:%-12s released:%-12s claimable:%s\n",
			position.ID, owner, position.StartTime, position.EndTime(),
			position.Amount, position.Released, claimable))
	}

	b.WriteString("└──────────────────────────────────────────────────────────────────────────┘\n")

	return b.String()
}

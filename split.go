package vestring

import (
	"context"
	"fmt"
	"math/big"
)

// Splitting destroys the parent position and mints child positions
// carrying the parent's remaining amount. Every variant first releases
// whatever the parent has already vested (a zero result is not an error
// here), so children only ever cover tokens that were still locked.
// The whole thing, pre-release included, commits or aborts as one
// atomic step.

// splitPlan is the staged outcome of a split's shared front half.
type splitPlan struct {
	parent    *Position
	owner     string
	now       uint64
	claimable *big.Int // Vested on the parent, paid out with the split
	released  *big.Int // Parent's released after the pre-release
	remaining *big.Int // What the children divide up
}

// SplitByDates partitions a position into consecutive date intervals.
// The sequence must be strictly increasing; the first element may be
// CurrentTime(), the first interval must not start before the parent's
// start or before now, and the last date must not precede the parent's
// end time. The remaining amount is distributed proportionally to each
// interval's width. Returns the child identifiers in interval order.
func (l *Ledger) SplitByDates(ctx context.Context, caller string, id uint64, dates []Date) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil, ErrLedgerStopped
	}

	var plan, err = l.planSplit(caller, id, l.options.clock())
	if err != nil {
		return nil, err
	}

	if len(dates) < 2 {
		return nil, fmt.Errorf("%w: need at least two dates, got %d", ErrInvalidTimestamps, len(dates))
	}

	var timestamps = make([]uint64, len(dates))
	for i, date := range dates {
		if date.currentTime && i != 0 {
			return nil, fmt.Errorf("%w: current-time marker is only valid as the first date", ErrInvalidTimestamps)
		}
		timestamps[i] = date.resolve(plan.now)
	}

	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] <= timestamps[i-1] {
			return nil, fmt.Errorf("%w: dates must be strictly increasing", ErrInvalidTimestamps)
		}
	}

	var (
		scheduleStart = timestamps[0]
		scheduleEnd   = timestamps[len(timestamps)-1]
	)
	if scheduleStart < maxTime(plan.parent.StartTime, plan.now) {
		return nil, fmt.Errorf("%w: schedule cannot start before %d", ErrInvalidTimestamps, maxTime(plan.parent.StartTime, plan.now))
	}
	if scheduleEnd < plan.parent.EndTime() {
		return nil, fmt.Errorf("%w: schedule cannot end before %d", ErrInvalidTimestamps, plan.parent.EndTime())
	}

	// Interval widths are the allocation weights: each child's share of
	// the remaining amount is proportional to its share of the remaining
	// span, dust carried left to right.
	var weights = make([]*big.Int, len(timestamps)-1)
	for i := range weights {
		weights[i] = new(big.Int).SetUint64(timestamps[i+1] - timestamps[i])
	}

	var (
		shares   = allocate(plan.remaining, weights)
		children = make([]*Position, len(shares))
	)
	for i, share := range shares {
		children[i] = &Position{
			ID:        l.nextID + uint64(i),
			StartTime: timestamps[i],
			Duration:  timestamps[i+1] - timestamps[i],
			Amount:    share,
			Released:  new(big.Int),
		}
	}

	return l.commitSplit(ctx, plan, children)
}

// SplitByShares partitions a position proportionally to positive integer
// weights. Unlike SplitByDates this is allowed at any time: every child
// gets an identical schedule compressed to start now (or at the
// parent's start, if that is still in the future) and ending exactly
// where the parent would have ended. Returns the child identifiers in
// weight order.
func (l *Ledger) SplitByShares(ctx context.Context, caller string, id uint64, shares []uint64) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil, ErrLedgerStopped
	}

	var plan, err = l.planSplit(caller, id, l.options.clock())
	if err != nil {
		return nil, err
	}

	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: need at least two shares, got %d", ErrInvalidAmounts, len(shares))
	}

	var weights = make([]*big.Int, len(shares))
	for i, share := range shares {
		if share == 0 {
			return nil, fmt.Errorf("%w: share weights must be positive", ErrInvalidAmounts)
		}
		weights[i] = new(big.Int).SetUint64(share)
	}

	// The parent still has something unvested here, so now is strictly
	// before its end time and the compressed duration is positive.
	var (
		newStart    = maxTime(plan.parent.StartTime, plan.now)
		newDuration = plan.parent.EndTime() - newStart
		amounts     = allocate(plan.remaining, weights)
		children    = make([]*Position, len(amounts))
	)
	for i, amount := range amounts {
		children[i] = &Position{
			ID:        l.nextID + uint64(i),
			StartTime: newStart,
			Duration:  newDuration,
			Amount:    amount,
			Released:  new(big.Int),
		}
	}

	return l.commitSplit(ctx, plan, children)
}

// SplitByAmounts partitions a position into exact quantities. It is
// only permitted before vesting has started; the amounts must all be
// positive and sum to exactly the parent's remaining amount, with no
// rounding tolerance. Each child inherits the parent's schedule
// unchanged. Returns the child identifiers in input order.
func (l *Ledger) SplitByAmounts(ctx context.Context, caller string, id uint64, amounts []*big.Int) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil, ErrLedgerStopped
	}

	var position, _, err = l.authorize(caller, id)
	if err != nil {
		return nil, err
	}

	var now = l.options.clock()
	if position.StartTime <= now {
		return nil, fmt.Errorf("%w: position %d has already started vesting", ErrInvalidTimestamps, id)
	}

	// The pre-release is a no-op before the start, but it runs through
	// the same path as the other splits for uniformity.
	plan, err := l.planSplit(caller, id, now)
	if err != nil {
		return nil, err
	}

	if len(amounts) < 2 {
		return nil, fmt.Errorf("%w: need at least two amounts, got %d", ErrInvalidAmounts, len(amounts))
	}

	var total = new(big.Int)
	for _, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidAmounts)
		}
		total.Add(total, amount)
	}
	if total.Cmp(plan.remaining) != 0 {
		return nil, fmt.Errorf("%w: amounts sum to %s, remaining is %s", ErrInvalidAmounts, total, plan.remaining)
	}

	var children = make([]*Position, len(amounts))
	for i, amount := range amounts {
		children[i] = &Position{
			ID:        l.nextID + uint64(i),
			StartTime: position.StartTime,
			Duration:  position.Duration,
			Amount:    new(big.Int).Set(amount),
			Released:  new(big.Int),
		}
	}

	return l.commitSplit(ctx, plan, children)
}

// planSplit runs the shared front half of every split: authorization
// and the staged pre-release. Must be called with the lock held.
func (l *Ledger) planSplit(caller string, id uint64, now uint64) (*splitPlan, error) {
	var position, owner, err = l.authorize(caller, id)
	if err != nil {
		return nil, err
	}

	var (
		claimable = claimableAt(position, now)
		released  = new(big.Int).Add(position.Released, claimable)
		remaining = new(big.Int).Sub(position.Amount, released)
	)
	if remaining.Sign() == 0 {
		return nil, ErrNothingToSplit
	}

	return &splitPlan{
		parent:    position,
		owner:     owner,
		now:       now,
		claimable: claimable,
		released:  released,
		remaining: remaining,
	}, nil
}

// commitSplit stages the parent's destruction and the children's
// creation, pays out the pre-released claim, and commits the lot
// atomically. Must be called with the lock held.
func (l *Ledger) commitSplit(ctx context.Context, plan *splitPlan, children []*Position) ([]uint64, error) {
	var childIDs = make([]uint64, len(children))
	for i, child := range children {
		childIDs[i] = child.ID
	}

	var staged = &commit{
		deletes: []uint64{plan.parent.ID},
		nextID:  l.nextID + uint64(len(children)),
	}
	for _, child := range children {
		staged.upserts = append(staged.upserts, ownedPosition{position: child, owner: plan.owner})
	}

	var releasedParent = plan.parent.clone()
	releasedParent.Released.Set(plan.released)
	if plan.claimable.Sign() > 0 {
		staged.events = append(staged.events, l.newEvent(EventRelease, plan.owner, releasedParent, nil, plan.claimable, plan.now))
	}
	staged.events = append(staged.events, l.newEvent(EventSplit, plan.owner, releasedParent, childIDs, plan.remaining, plan.now))
	for _, child := range children {
		staged.events = append(staged.events, l.newEvent(EventCreate, plan.owner, child, nil, child.Amount, plan.now))
	}

	var payout = l.payoutFunc(plan.owner, plan.claimable)
	if err := l.applyCommit(ctx, staged, payout); err != nil {
		return nil, fmt.Errorf("failed to split position %d: %w", plan.parent.ID, err)
	}

	delete(l.positions, plan.parent.ID)
	l.mustBurn(plan.parent.ID)
	for _, child := range children {
		l.positions[child.ID] = child
		l.mustMint(child.ID, plan.owner)
	}
	l.nextID = staged.nextID
	l.finish(staged)

	return childIDs, nil
}

package vestring

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLedgerID = "test_ledger"
	testCustody  = "custody:" + testLedgerID
	alice        = "alice"
	bob          = "bob"
)

// testLedger bundles a memory-only ledger with its collaborators and a
// manual clock.
type testLedger struct {
	*Ledger
	token    *MemoryTokenLedger
	registry *MemoryOwnerRegistry
	clock    *manualClock
}

func newTestLedger(t *testing.T, opts ...Option) *testLedger {
	var (
		clock    = newManualClock(1000)
		token    = NewMemoryTokenLedger()
		registry = NewMemoryOwnerRegistry()
	)
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	var ledger = NewLedger(nil, testLedgerID, token, registry, opts...)
	require.NoError(t, ledger.Start(context.Background()))
	t.Cleanup(func() {
		_ = ledger.Stop(context.Background())
	})

	token.Mint(alice, big.NewInt(1_000_000_000))
	token.Approve(alice, testCustody, big.NewInt(1_000_000_000))

	return &testLedger{Ledger: ledger, token: token, registry: registry, clock: clock}
}

func TestCreate(t *testing.T) {
	var ctx = context.Background()

	t.Run("should create a position and lock the tokens", func(t *testing.T) {
		// Arrange
		var sut = newTestLedger(t)

		// Act
		var id, err = sut.Create(ctx, alice, 2000, 100, big.NewInt(5000))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)

		position, getErr := sut.GetPosition(id)
		require.NoError(t, getErr)
		assert.Equal(t, uint64(2000), position.StartTime)
		assert.Equal(t, uint64(100), position.Duration)
		assert.Equal(t, int64(5000), position.Amount.Int64())
		assert.Zero(t, position.Released.Sign())

		owner, ownerErr := sut.registry.OwnerOf(id)
		require.NoError(t, ownerErr)
		assert.Equal(t, alice, owner)

		assert.Equal(t, int64(5000), sut.token.BalanceOf(testCustody).Int64())
	})

	t.Run("should reject zero duration", func(t *testing.T) {
		// Arrange
		var sut = newTestLedger(t)

		// Act
		var _, err = sut.Create(ctx, alice, 2000, 0, big.NewInt(5000))

		// Assert
		assert.ErrorIs(t, err, ErrInvalidDuration)
	})

	t.Run("should reject zero amount", func(t *testing.T) {
		// Arrange
		var sut = newTestLedger(t)

		// Act
		var _, err = sut.Create(ctx, alice, 2000, 100, big.NewInt(0))

		// Assert
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("should not consume an identifier on a failed token pull", func(t *testing.T) {
		// Arrange: bob has no balance and no allowance
		var sut = newTestLedger(t)

		// Act
		var _, err = sut.Create(ctx, bob, 2000, 100, big.NewInt(5000))

		// Assert
		require.ErrorIs(t, err, ErrInsufficientAllowance)
		assert.Empty(t, sut.LivePositions())

		id, createErr := sut.Create(ctx, alice, 2000, 100, big.NewInt(5000))
		require.NoError(t, createErr)
		assert.Equal(t, uint64(1), id, "failed create must not burn an identifier")
	})

	t.Run("should issue fresh identifiers for every position", func(t *testing.T) {
		// Arrange
		var sut = newTestLedger(t)

		// Act
		id1, err1 := sut.Create(ctx, alice, 2000, 100, big.NewInt(100))
		id2, err2 := sut.Create(ctx, alice, 2000, 100, big.NewInt(100))

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, uint64(1), id1)
		assert.Equal(t, uint64(2), id2)
	})
}

func TestRelease(t *testing.T) {
	var ctx = context.Background()

	t.Run("should pay out the vested amount", func(t *testing.T) {
		// Arrange: 1000 tokens over 100s starting at t=1000
		var (
			sut    = newTestLedger(t)
			id, _  = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
			before = sut.token.BalanceOf(alice)
		)
		sut.clock.Advance(25)

		// Act
		var released, err = sut.Release(ctx, alice, id)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(250), released.Int64())

		position, getErr := sut.GetPosition(id)
		require.NoError(t, getErr)
		assert.Equal(t, int64(250), position.Released.Int64())

		var gained = new(big.Int).Sub(sut.token.BalanceOf(alice), before)
		assert.Equal(t, int64(250), gained.Int64())
	})

	t.Run("should fail with nothing to release before start", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 2000, 100, big.NewInt(1000))
		)

		// Act
		var _, err = sut.Release(ctx, alice, id)

		// Assert
		assert.ErrorIs(t, err, ErrNothingToRelease)
	})

	t.Run("should fail with nothing to release twice at the same instant", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)
		_, err := sut.Release(ctx, alice, id)
		require.NoError(t, err)

		// Act
		_, err = sut.Release(ctx, alice, id)

		// Assert
		assert.ErrorIs(t, err, ErrNothingToRelease)
	})

	t.Run("should destroy the position with the final payout", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(100)

		// Act
		var released, err = sut.Release(ctx, alice, id)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(1000), released.Int64())

		_, getErr := sut.GetPosition(id)
		assert.ErrorIs(t, getErr, ErrUnknownPosition)

		_, ownerErr := sut.registry.OwnerOf(id)
		assert.ErrorIs(t, ownerErr, ErrUnknownPosition)

		// A second release finds no position at all
		_, err = sut.Release(ctx, alice, id)
		assert.ErrorIs(t, err, ErrUnknownPosition)

		assert.Zero(t, sut.token.BalanceOf(testCustody).Sign())
	})

	t.Run("should reject a caller who is not the owner", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)

		// Act
		var _, err = sut.Release(ctx, bob, id)

		// Assert
		assert.ErrorIs(t, err, ErrOnlyOwner)
	})

	t.Run("should follow ownership transfers in the registry", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)
		require.NoError(t, sut.registry.Transfer(id, bob))

		// Act
		var released, err = sut.Release(ctx, bob, id)

		// Assert: the new owner collects, the old owner cannot
		require.NoError(t, err)
		assert.Equal(t, int64(500), released.Int64())
		assert.Equal(t, int64(500), sut.token.BalanceOf(bob).Int64())

		_, err = sut.Release(ctx, alice, id)
		assert.ErrorIs(t, err, ErrOnlyOwner)
	})

	t.Run("should keep claimable monotonic without mutations", func(t *testing.T) {
		// Arrange
		var (
			sut      = newTestLedger(t)
			id, _    = sut.Create(ctx, alice, 1000, 97, big.NewInt(12345))
			previous = new(big.Int)
		)

		// Act & Assert
		for ts := uint64(990); ts <= 1120; ts++ {
			var claimable, err = sut.Claimable(id, ts)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, claimable.Cmp(previous), 0, "claimable decreased at t=%d", ts)
			previous = claimable
		}
	})

	t.Run("should abort without state change when the payout fails", func(t *testing.T) {
		// Arrange: drain custody behind the ledger's back to force a
		// payout failure
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)
		require.NoError(t, sut.token.Transfer(testCustody, bob, big.NewInt(1000)))

		// Act
		var _, err = sut.Release(ctx, alice, id)

		// Assert
		require.ErrorIs(t, err, ErrInsufficientBalance)

		position, getErr := sut.GetPosition(id)
		require.NoError(t, getErr)
		assert.Zero(t, position.Released.Sign(), "failed payout must not record a release")
	})
}

func TestSetEndDate(t *testing.T) {
	var ctx = context.Background()

	t.Run("should lengthen the schedule and release vested first", func(t *testing.T) {
		// Arrange: halfway through a 100s schedule
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)

		// Act: push the end from 1100 to 1200
		var err = sut.SetEndDate(ctx, alice, id, 1200)

		// Assert
		require.NoError(t, err)

		position, getErr := sut.GetPosition(id)
		require.NoError(t, getErr)
		assert.Equal(t, uint64(1000), position.StartTime, "start time never changes")
		assert.Equal(t, uint64(200), position.Duration)
		assert.Equal(t, int64(500), position.Released.Int64(), "vested half was paid out")
		assert.Equal(t, int64(999_999_500), sut.token.BalanceOf(alice).Int64())
	})

	t.Run("should reject an end before the current one", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)

		// Act
		var err = sut.SetEndDate(ctx, alice, id, 1099)

		// Assert
		assert.ErrorIs(t, err, ErrNewEndTooEarly)
	})

	t.Run("should accept an end equal to the current one", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)

		// Act
		var err = sut.SetEndDate(ctx, alice, id, 1100)

		// Assert
		require.NoError(t, err)

		position, getErr := sut.GetPosition(id)
		require.NoError(t, getErr)
		assert.Equal(t, uint64(100), position.Duration)
	})

	t.Run("should never accelerate the unlock of unvested tokens", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(30)
		var beforeAt80, _ = sut.VestedAmount(id, 1080)

		// Act
		require.NoError(t, sut.SetEndDate(ctx, alice, id, 1300))

		// Assert: vested at any time before the original end only shrinks
		afterAt80, err := sut.VestedAmount(id, 1080)
		require.NoError(t, err)
		assert.LessOrEqual(t, afterAt80.Cmp(beforeAt80), 0)
	})

	t.Run("should leave nothing claimable until vesting catches back up", func(t *testing.T) {
		// Arrange: extend at the halfway point, doubling the duration
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)
		require.NoError(t, sut.SetEndDate(ctx, alice, id, 1200))

		// Act & Assert: 500 went out with the extension, and the
		// stretched schedule only passes 500 vested at t=1100
		claimable, err := sut.Claimable(id, 1050)
		require.NoError(t, err)
		assert.Zero(t, claimable.Sign())

		_, err = sut.Release(ctx, alice, id)
		assert.ErrorIs(t, err, ErrNothingToRelease)

		claimable, err = sut.Claimable(id, 1150)
		require.NoError(t, err)
		assert.Equal(t, int64(250), claimable.Int64())
	})

	t.Run("should fail on a fully vested position", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(100)

		// Act
		var err = sut.SetEndDate(ctx, alice, id, 1500)

		// Assert: nothing unvested is left to reschedule
		assert.ErrorIs(t, err, ErrNothingToExtend)
	})

	t.Run("should journal the release against the pre-extend schedule", func(t *testing.T) {
		// Arrange
		var (
			mu       sync.Mutex
			observed []Event
			sink     = EventSinkFunc(func(_ context.Context, event Event) error {
				mu.Lock()
				defer mu.Unlock()
				observed = append(observed, event)
				return nil
			})
			sut   = newTestLedger(t, WithEventSink(sink))
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(50)

		// Act
		require.NoError(t, sut.SetEndDate(ctx, alice, id, 1200))
		require.NoError(t, sut.Stop(ctx))

		// Assert: the release happened under the 100s schedule, only
		// the extend event carries the stretched one
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, observed, 3)
		assert.Equal(t, EventRelease, observed[1].Kind)
		assert.Equal(t, uint64(100), observed[1].Duration)
		assert.Equal(t, EventExtend, observed[2].Kind)
		assert.Equal(t, uint64(200), observed[2].Duration)
	})
}

func TestStop(t *testing.T) {
	var ctx = context.Background()

	t.Run("should reject mutations after stop", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 2000, 100, big.NewInt(1000))
		)
		require.NoError(t, sut.Stop(ctx))

		// Act & Assert: every mutation fails cleanly instead of
		// reaching the shut-down dispatcher
		assert.NotPanics(t, func() {
			_, err := sut.Create(ctx, alice, 2000, 100, big.NewInt(1000))
			assert.ErrorIs(t, err, ErrLedgerStopped)

			_, err = sut.Release(ctx, alice, id)
			assert.ErrorIs(t, err, ErrLedgerStopped)

			_, err = sut.SplitByShares(ctx, alice, id, []uint64{1, 1})
			assert.ErrorIs(t, err, ErrLedgerStopped)

			_, err = sut.SplitByAmounts(ctx, alice, id, []*big.Int{big.NewInt(500), big.NewInt(500)})
			assert.ErrorIs(t, err, ErrLedgerStopped)

			_, err = sut.SplitByDates(ctx, alice, id, []Date{At(2000), At(2100)})
			assert.ErrorIs(t, err, ErrLedgerStopped)

			err = sut.SetEndDate(ctx, alice, id, 2200)
			assert.ErrorIs(t, err, ErrLedgerStopped)
		})
	})

	t.Run("should keep reads working after stop", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 2000, 100, big.NewInt(1000))
		)
		require.NoError(t, sut.Stop(ctx))

		// Act & Assert
		position, err := sut.GetPosition(id)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), position.Amount.Int64())
		assert.Len(t, sut.LivePositions(), 1)
	})

	t.Run("should tolerate a second stop", func(t *testing.T) {
		// Arrange
		var sut = newTestLedger(t)

		// Act & Assert
		require.NoError(t, sut.Stop(ctx))
		assert.NotPanics(t, func() {
			assert.NoError(t, sut.Stop(ctx))
		})
	})
}

func TestAccessors(t *testing.T) {
	var ctx = context.Background()

	t.Run("should report vested and claimable consistently", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)
		sut.clock.Advance(40)
		_, err := sut.Release(ctx, alice, id)
		require.NoError(t, err)

		// Act
		vested, vestedErr := sut.VestedAmount(id, 1070)
		claimable, claimableErr := sut.Claimable(id, 1070)

		// Assert
		require.NoError(t, vestedErr)
		require.NoError(t, claimableErr)
		assert.Equal(t, int64(700), vested.Int64())
		assert.Equal(t, int64(300), claimable.Int64(), "claimable is vested minus released")
	})

	t.Run("should fail on unknown identifiers", func(t *testing.T) {
		// Arrange
		var sut = newTestLedger(t)

		// Act & Assert
		_, err := sut.VestedAmount(42, 1000)
		assert.ErrorIs(t, err, ErrUnknownPosition)
		_, err = sut.Claimable(42, 1000)
		assert.ErrorIs(t, err, ErrUnknownPosition)
		_, err = sut.GetPosition(42)
		assert.ErrorIs(t, err, ErrUnknownPosition)
	})

	t.Run("should return an independent snapshot", func(t *testing.T) {
		// Arrange
		var (
			sut   = newTestLedger(t)
			id, _ = sut.Create(ctx, alice, 1000, 100, big.NewInt(1000))
		)

		// Act
		position, err := sut.GetPosition(id)
		require.NoError(t, err)
		position.Amount.SetInt64(0)

		// Assert
		fresh, freshErr := sut.GetPosition(id)
		require.NoError(t, freshErr)
		assert.Equal(t, int64(1000), fresh.Amount.Int64(), "snapshot mutation must not reach ledger state")
	})
}

// TestConservation drives a web of splits, releases, and extensions off
// one root position and checks that paid-out plus still-locked tokens
// always equal the amount originally locked.
func TestConservation(t *testing.T) {
	var (
		ctx = context.Background()
		sut = newTestLedger(t)
	)

	var checkConservation = func(locked int64) {
		var outstanding = new(big.Int)
		for _, position := range sut.LivePositions() {
			outstanding.Add(outstanding, position.Remaining())
		}
		assert.Equal(t, outstanding.String(), sut.token.BalanceOf(testCustody).String(),
			"custody must hold exactly the outstanding total")

		var total = new(big.Int).Add(sut.token.BalanceOf(alice), sut.token.BalanceOf(testCustody))
		assert.Equal(t, int64(1_000_000_000), total.Int64(),
			"tokens must never appear or vanish (locked: %d)", locked)
	}

	// One root: 999_999 tokens over 1000s (an amount that does not
	// divide evenly, to exercise dust handling)
	root, err := sut.Create(ctx, alice, 1000, 1000, big.NewInt(999_999))
	require.NoError(t, err)
	checkConservation(999_999)

	// Mid-vesting split by shares
	sut.clock.Advance(300)
	children, err := sut.SplitByShares(ctx, alice, root, []uint64{3, 5, 7})
	require.NoError(t, err)
	checkConservation(999_999)

	// Release one child partway
	sut.clock.Advance(200)
	_, err = sut.Release(ctx, alice, children[0])
	require.NoError(t, err)
	checkConservation(999_999)

	// Split another child by dates
	grandchildren, err := sut.SplitByDates(ctx, alice, children[1], []Date{
		CurrentTime(), At(2000), At(2500), At(3000),
	})
	require.NoError(t, err)
	require.Len(t, grandchildren, 3)
	checkConservation(999_999)

	// Extend the third child
	require.NoError(t, sut.SetEndDate(ctx, alice, children[2], 2600))
	checkConservation(999_999)

	// Vest everything out and drain every live position
	sut.clock.Set(3000)
	for _, position := range sut.LivePositions() {
		if position.Remaining().Sign() > 0 {
			_, err = sut.Release(ctx, alice, position.ID)
			require.NoError(t, err)
		}
	}
	checkConservation(999_999)

	assert.Empty(t, sut.LivePositions(), "fully released positions are destroyed")
	assert.Equal(t, int64(1_000_000_000), sut.token.BalanceOf(alice).Int64(),
		"every token came back to the owner")
}

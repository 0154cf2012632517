package vestring

import (
	"fmt"
	"math/big"
)

// vestedAt computes the quantity vested on a position as of timestamp t.
// The result is monotonic non-decreasing in t and bounded in [0, Amount].
func vestedAt(p *Position, t uint64) *big.Int {
	if t < p.StartTime {
		return new(big.Int)
	}
	if p.Duration == 0 || t >= p.EndTime() {
		return new(big.Int).Set(p.Amount)
	}

	// amount * elapsed / duration, floored. The multiplication is carried
	// out on big.Int so it cannot wrap no matter how large the amount or
	// the span.
	var (
		elapsed = new(big.Int).SetUint64(t - p.StartTime)
		vested  = new(big.Int).Mul(p.Amount, elapsed)
	)
	return vested.Quo(vested, new(big.Int).SetUint64(p.Duration))
}

// claimableAt computes vested-minus-released as of timestamp t, floored
// at zero. Released can temporarily exceed vested right after an
// extension stretches the schedule; until vesting catches back up there
// is simply nothing to claim.
func claimableAt(p *Position, t uint64) *big.Int {
	var claimable = vestedAt(p, t)
	claimable.Sub(claimable, p.Released)
	if claimable.Sign() < 0 {
		return new(big.Int)
	}
	return claimable
}

// allocate distributes total across weights left to right, carrying the
// running remainder so rounding dust is absorbed across the whole
// sequence instead of dumped on one slice. Each step allocates
// floor(weight * remainingTotal / remainingWeight), then consumes both.
// The final remainders must both reach exactly zero; anything else is
// an arithmetic defect and trips a panic rather than a silent error.
//
// All weights must be positive; the caller validates that.
func allocate(total *big.Int, weights []*big.Int) []*big.Int {
	var (
		remaining       = new(big.Int).Set(total)
		remainingWeight = new(big.Int)
		shares          = make([]*big.Int, len(weights))
	)
	for _, w := range weights {
		remainingWeight.Add(remainingWeight, w)
	}

	for i, w := range weights {
		var share = new(big.Int).Mul(w, remaining)
		share.Quo(share, remainingWeight)

		shares[i] = share
		remaining.Sub(remaining, share)
		remainingWeight.Sub(remainingWeight, w)
	}

	if remaining.Sign() != 0 || remainingWeight.Sign() != 0 {
		panic(fmt.Sprintf("vestring: allocation left remainder %s over weight %s",
			remaining, remainingWeight))
	}

	return shares
}

// maxTime returns the later of two timestamps.
func maxTime(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

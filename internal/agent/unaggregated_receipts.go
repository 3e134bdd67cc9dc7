package agent

import "math/big"

// UnaggregatedReceipts is a sender-allocation actor's in-memory running
// total: the highest receipt row id it has observed, and the sum of
// receipt values newer than the pair's last RAV. Grounded on
// tap-agent/src/agent/unaggregated_receipts.go's UnaggregatedReceipts.
type UnaggregatedReceipts struct {
	LastID uint64
	Value  *big.Int
}

// ZeroUnaggregatedReceipts is the value pushed to the parent on post-stop
// and before any receipt has been observed.
func ZeroUnaggregatedReceipts() UnaggregatedReceipts {
	return UnaggregatedReceipts{LastID: 0, Value: big.NewInt(0)}
}

// maxUint128 bounds SaturatingAdd's clamp, matching u128::MAX in the
// source; receipts past this point are economically implausible but
// must not crash the actor.
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// SaturatingAdd adds delta to the receipts' value, clamping to
// maxUint128 on overflow instead of wrapping or panicking. It reports
// whether clamping occurred, so the caller can log the one-time warning
// spec.md §4.D mandates.
func (u *UnaggregatedReceipts) SaturatingAdd(delta *big.Int) (clamped bool) {
	sum := new(big.Int).Add(u.Value, delta)
	if sum.Cmp(maxUint128) > 0 {
		u.Value = new(big.Int).Set(maxUint128)
		return true
	}
	u.Value = sum
	return false
}

// Clone returns an independent copy, since Value is a pointer shared
// across the UpdateReceiptFees message sent up to the parent actor.
func (u UnaggregatedReceipts) Clone() UnaggregatedReceipts {
	return UnaggregatedReceipts{LastID: u.LastID, Value: new(big.Int).Set(u.Value)}
}

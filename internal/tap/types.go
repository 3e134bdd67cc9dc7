// Package tap implements the TAP (Timeline Aggregation Protocol) wire
// types: signed receipts, receipt aggregate vouchers, and the EIP-712
// machinery used to sign and recover them.
package tap

import (
	"encoding/json"
	"math/big"

	"github.com/streamingfast/eth-go"
)

// Address is a 20-byte account identifier. Transport encoding is
// case-insensitive hex with a 0x prefix; storage encoding is lowercase
// hex without the prefix (see hexOf in internal/store).
type Address = eth.Address

// MaxUint128 is the maximum value representable in the wire u128 fields.
var MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Receipt is a single signed off-chain micropayment authorization for one
// query, scoped to an allocation.
type Receipt struct {
	AllocationID Address  `json:"allocation_id"`
	Nonce        uint64   `json:"nonce"`
	TimestampNs  uint64   `json:"timestamp_ns"`
	Value        *big.Int `json:"value"`
}

// RAV (Receipt Aggregate Voucher) is a signed aggregate of receipts,
// redeemable on-chain in one transaction.
type RAV struct {
	AllocationID   Address  `json:"allocation_id"`
	TimestampNs    uint64   `json:"timestamp_ns"`
	ValueAggregate *big.Int `json:"value_aggregate"`
}

// MarshalJSON renders Value as a decimal string; u128 values do not fit
// losslessly in a JSON number.
func (r Receipt) MarshalJSON() ([]byte, error) {
	type alias struct {
		AllocationID Address `json:"allocation_id"`
		Nonce        uint64  `json:"nonce"`
		TimestampNs  uint64  `json:"timestamp_ns"`
		Value        string  `json:"value"`
	}
	v := "0"
	if r.Value != nil {
		v = r.Value.String()
	}
	return json.Marshal(alias{r.AllocationID, r.Nonce, r.TimestampNs, v})
}

// UnmarshalJSON parses Value from a decimal string.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type alias struct {
		AllocationID Address `json:"allocation_id"`
		Nonce        uint64  `json:"nonce"`
		TimestampNs  uint64  `json:"timestamp_ns"`
		Value        string  `json:"value"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(a.Value, 10)
	if !ok {
		value = big.NewInt(0)
	}
	*r = Receipt{a.AllocationID, a.Nonce, a.TimestampNs, value}
	return nil
}

func (r RAV) MarshalJSON() ([]byte, error) {
	type alias struct {
		AllocationID Address `json:"allocation_id"`
		TimestampNs  uint64  `json:"timestamp_ns"`
		ValueAggregate string `json:"value_aggregate"`
	}
	v := "0"
	if r.ValueAggregate != nil {
		v = r.ValueAggregate.String()
	}
	return json.Marshal(alias{r.AllocationID, r.TimestampNs, v})
}

func (r *RAV) UnmarshalJSON(data []byte) error {
	type alias struct {
		AllocationID Address `json:"allocation_id"`
		TimestampNs  uint64  `json:"timestamp_ns"`
		ValueAggregate string `json:"value_aggregate"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(a.ValueAggregate, 10)
	if !ok {
		value = big.NewInt(0)
	}
	*r = RAV{a.AllocationID, a.TimestampNs, value}
	return nil
}

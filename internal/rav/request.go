// Package rav implements RAV (Receipt Aggregate Voucher) request
// construction and verification: selecting the receipts to aggregate,
// calling the sender's remote aggregator, and checking that the returned
// RAV matches what was expected before it is persisted.
package rav

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/graphprotocol/tap-agent/internal/tap"
)

var (
	// ErrNoValidReceipts is returned by BuildRequest when every candidate
	// receipt falls within the timestamp buffer, every remaining one was
	// signed by an unauthorized signer, or the pair has none.
	ErrNoValidReceipts = errors.New("no valid receipts for rav request")
	// ErrInvalidReceivedRAV is returned when the aggregator's response
	// does not match the expected RAV (wrong allocation, a timestamp
	// differing from the expected one, or wrong value_aggregate).
	ErrInvalidReceivedRAV = errors.New("received rav does not match expected rav")
	// ErrInvalidRecoveredSigner is returned when the returned RAV's
	// signature does not recover to an authorized aggregator signer.
	ErrInvalidRecoveredSigner = errors.New("rav signature recovers to an unauthorized signer")
)

// ReceiptWithSigner pairs a stored receipt with its already-recovered
// signer, so the request builder never has to re-verify a signature that
// admission already checked.
type ReceiptWithSigner struct {
	Receipt *tap.SignedReceipt
	Signer  tap.Address
}

// Request is the input to a single aggregate_receipts RPC call, mirroring
// tap_core::rav::RAVRequest.
type Request struct {
	// RequestID correlates this attempt across the warn/error log lines it
	// produces downstream (aggregator warnings, verification failures)
	// without needing the full receipt set to cross-reference.
	RequestID       string
	ValidReceipts   []*tap.SignedReceipt
	InvalidReceipts []ReceiptWithSigner
	PreviousRAV     *tap.SignedRAV
	ExpectedRAV     *tap.RAV
}

// BuildRequest partitions candidateReceipts into valid and invalid sets,
// excluding any receipt newer than now-bufferNs (the wall-clock skew
// guard from spec.md §4.D step 1), and computes the ExpectedRAV the
// aggregator's response will be checked against. allowedSigners is the
// sender's currently authorized signer set; a receipt from a signer
// outside that set is invalid, not merely excluded.
func BuildRequest(
	allocationID tap.Address,
	candidates []ReceiptWithSigner,
	allowedSigners map[tap.Address]bool,
	previousRAV *tap.SignedRAV,
	nowNs uint64,
	bufferNs uint64,
) (*Request, error) {
	var valid []*tap.SignedReceipt
	var invalid []ReceiptWithSigner

	cutoff := uint64(0)
	if nowNs > bufferNs {
		cutoff = nowNs - bufferNs
	}

	for _, c := range candidates {
		if c.Receipt.Message.TimestampNs > cutoff {
			// Within the clock-skew buffer: excluded from this batch but
			// remains in the DB for the next RAV request.
			continue
		}
		if !allowedSigners[c.Signer] {
			invalid = append(invalid, c)
			continue
		}
		valid = append(valid, c.Receipt)
	}

	if len(valid) == 0 {
		return nil, fmt.Errorf("%w: trigger value crossed but every candidate receipt fell inside the %d ns timestamp buffer or was signed by an unauthorized signer",
			ErrNoValidReceipts, bufferNs)
	}

	sum := new(big.Int)
	if previousRAV != nil {
		sum.Set(previousRAV.Message.ValueAggregate)
	}
	maxTimestamp := uint64(0)
	if previousRAV != nil {
		maxTimestamp = previousRAV.Message.TimestampNs
	}
	for _, r := range valid {
		sum.Add(sum, r.Message.Value)
		if r.Message.TimestampNs > maxTimestamp {
			maxTimestamp = r.Message.TimestampNs
		}
	}

	return &Request{
		RequestID:       uuid.New().String(),
		ValidReceipts:   valid,
		InvalidReceipts: invalid,
		PreviousRAV:     previousRAV,
		ExpectedRAV: &tap.RAV{
			AllocationID:   allocationID,
			TimestampNs:    maxTimestamp,
			ValueAggregate: sum,
		},
	}, nil
}

// Verify checks that the RAV returned by the aggregator matches the
// request's ExpectedRAV and carries a valid signature from one of
// authorizedAggregators, per spec.md §4.D step 5.
func Verify(domain *tap.Domain, req *Request, received *tap.SignedRAV, authorizedAggregators map[tap.Address]bool) error {
	if received.Message.AllocationID != req.ExpectedRAV.AllocationID {
		return fmt.Errorf("%w: allocation mismatch", ErrInvalidReceivedRAV)
	}
	if received.Message.TimestampNs != req.ExpectedRAV.TimestampNs {
		return fmt.Errorf("%w: timestamp mismatch", ErrInvalidReceivedRAV)
	}
	if received.Message.ValueAggregate.Cmp(req.ExpectedRAV.ValueAggregate) != 0 {
		return fmt.Errorf("%w: value_aggregate mismatch", ErrInvalidReceivedRAV)
	}

	signer, err := received.RecoverSigner(domain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecoveredSigner, err)
	}
	if !authorizedAggregators[signer] {
		return ErrInvalidRecoveredSigner
	}
	return nil
}

// Clock is the subset of time.Now the request builder needs, abstracted
// so tests can supply a fixed instant.
type Clock func() time.Time

// NowNs converts clock's current time to the TAP wire unit (nanoseconds
// since epoch).
func NowNs(clock Clock) uint64 {
	if clock == nil {
		clock = time.Now
	}
	return uint64(clock().UnixNano())
}

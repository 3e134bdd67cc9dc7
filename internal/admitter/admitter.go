// Package admitter implements the Receipt Admitter (TapManager): the
// synchronous, concurrency-safe entry point that verifies a single
// signed receipt against the live allocation/escrow snapshots and writes
// it through to the store.
package admitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graphprotocol/tap-agent/internal/snapshot"
	"github.com/graphprotocol/tap-agent/internal/store"
	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("admitter", "github.com/graphprotocol/tap-agent/internal/admitter")

var (
	// ErrIneligibleAllocation is returned when the receipt's allocation_id
	// is not present in the current allocations snapshot.
	ErrIneligibleAllocation = errors.New("allocation is not eligible for receipts")
	// ErrSignatureInvalid is returned when the EIP-712 signature does not
	// recover to any address.
	ErrSignatureInvalid = errors.New("receipt signature is invalid")
	// ErrUnknownSigner is returned when the recovered signer is not
	// authorized by any sender in the escrow snapshot.
	ErrUnknownSigner = errors.New("receipt signer is not authorized by any sender")
	// ErrIneligibleSender is returned when the signer's sender has a zero
	// escrow balance.
	ErrIneligibleSender = errors.New("sender has no escrow balance")
)

// TapManager verifies and durably records signed receipts on the query
// hot path. It holds no mutable state of its own: eligibility comes from
// the snapshot feeds (never blocks past their first publish) and
// durability comes from the store.
type TapManager struct {
	domain                       *tap.Domain
	allocations                  *snapshot.AllocationsFeed
	escrow                       *snapshot.EscrowFeed
	store                        *store.Store
	recentlyClosedAllocationBuffer time.Duration
}

// New builds a TapManager bound to the given domain separator, snapshot
// feeds and store. The feeds must already have published at least one
// value by the time VerifyAndStore is called; callers are expected to
// block on each feed's first Next during process startup. buffer is the
// recently_closed_allocation_buffer from spec.md §3.
func New(domain *tap.Domain, allocations *snapshot.AllocationsFeed, escrow *snapshot.EscrowFeed, st *store.Store, buffer time.Duration) *TapManager {
	return &TapManager{
		domain:                         domain,
		allocations:                    allocations,
		escrow:                         escrow,
		store:                          st,
		recentlyClosedAllocationBuffer: buffer,
	}
}

// VerifyAndStore implements spec.md §4.C's five-step admission contract.
// It may be called concurrently from any number of ingress goroutines;
// it does not mutate any sender/allocation state itself — the
// sender-allocation actors react to admitted receipts asynchronously via
// the store's notification channel.
func (m *TapManager) VerifyAndStore(ctx context.Context, signed *tap.SignedReceipt) error {
	allocations := m.allocations.Current()
	allocation, ok := allocations[signed.Message.AllocationID]
	if !ok {
		return ErrIneligibleAllocation
	}
	if !allocation.EligibleForReceipts(time.Now(), m.recentlyClosedAllocationBuffer) {
		return ErrIneligibleAllocation
	}

	signer, err := signed.RecoverSigner(m.domain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	escrowAccounts := m.escrow.Current()
	sender, ok := escrowAccounts.SenderForSigner(signer)
	if !ok {
		return ErrUnknownSigner
	}

	balance := escrowAccounts.Balance(sender)
	if balance == nil || balance.Sign() == 0 {
		return ErrIneligibleSender
	}

	if _, err := m.store.InsertReceipt(ctx, signer, signed); err != nil {
		if errors.Is(err, store.ErrDuplicateReceipt) {
			zlog.Debug("duplicate receipt signature, treating as soft failure",
				zap.Stringer("allocation", allocation.ID),
			)
			return fmt.Errorf("storage error: %w", err)
		}
		return fmt.Errorf("storage error: %w", err)
	}

	return nil
}

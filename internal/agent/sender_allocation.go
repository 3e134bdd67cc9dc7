// Package agent implements the sender-allocation, sender-account and
// sender-accounts-manager actors (spec.md §4.D-F): the goroutine-based
// realization of design note 9's actor model, reacting to admitted
// receipts and driving RAV requests against the sender's aggregator.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/graphprotocol/tap-agent/internal/rav"
	"github.com/graphprotocol/tap-agent/internal/snapshot"
	"github.com/graphprotocol/tap-agent/internal/store"
	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("agent", "github.com/graphprotocol/tap-agent/internal/agent")

// SenderAllocationConfig holds everything a sender-allocation actor needs
// that does not vary per instance.
type SenderAllocationConfig struct {
	Domain                 *tap.Domain
	Store                  *store.Store
	Escrow                 *snapshot.EscrowFeed
	Aggregator             *rav.AggregatorClient
	AuthorizedAggregators  map[tap.Address]bool
	RAVRequestTimestampBufferNs uint64
	Clock                  rav.Clock
}

// SenderAllocation is the D actor from spec.md §4.D: addressable by
// (allocation_id, sender), one instance per pair, mailbox-driven and
// strictly single-threaded.
type SenderAllocation struct {
	allocationID tap.Address
	sender       tap.Address
	cfg          SenderAllocationConfig
	inbox        chan SenderAllocationMessage
	toParent     chan<- SenderAccountMessage

	state            UnaggregatedReceipts
	knownSigners     map[tap.Address]struct{}
	overflowWarnOnce sync.Once
}

// NewSenderAllocation returns an unstarted actor; call Run to drive its
// mailbox loop. toParent is the sender-account actor's inbox, used to
// report UnaggregatedReceipts changes.
func NewSenderAllocation(allocationID, sender tap.Address, cfg SenderAllocationConfig, toParent chan<- SenderAccountMessage) *SenderAllocation {
	return &SenderAllocation{
		allocationID: allocationID,
		sender:       sender,
		cfg:          cfg,
		inbox:        make(chan SenderAllocationMessage, 64),
		toParent:     toParent,
		knownSigners: make(map[tap.Address]struct{}),
	}
}

// Inbox returns the send side of the actor's mailbox.
func (a *SenderAllocation) Inbox() chan<- SenderAllocationMessage {
	return a.inbox
}

// Run executes the actor's full lifecycle: pre-start computation, mailbox
// loop, post-stop notification. It returns nil on a clean CloseAllocation
// stop or context cancellation, and a non-nil error on any condition the
// supervisor should treat as an actor failure (restart candidate).
func (a *SenderAllocation) Run(ctx context.Context) error {
	for _, signer := range a.cfg.Escrow.Current().Signers(a.sender) {
		a.knownSigners[signer] = struct{}{}
	}

	state, err := a.calculateUnaggregatedFee(ctx)
	if err != nil {
		return fmt.Errorf("pre-start calculation for allocation %s: %w", a.allocationID.Pretty(), err)
	}
	a.state = state
	a.pushState(ctx)
	defer a.pushZero()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.inbox:
			if err := a.handle(ctx, msg); err != nil {
				return err
			}
			if _, closed := msg.(CloseAllocationMessage); closed {
				return nil
			}
		}
	}
}

func (a *SenderAllocation) handle(ctx context.Context, msg SenderAllocationMessage) error {
	switch m := msg.(type) {
	case NewReceiptMessage:
		a.handleNewReceipt(ctx, m)
		return nil
	case TriggerRAVRequestMessage:
		return a.handleTriggerRAVRequest(ctx, m)
	case CloseAllocationMessage:
		return a.handleCloseAllocation(ctx)
	default:
		return fmt.Errorf("unknown sender-allocation message %T", msg)
	}
}

// calculateUnaggregatedFee implements spec.md §4.D's pre-start
// computation, re-run verbatim whenever the actor (re)starts.
func (a *SenderAllocation) calculateUnaggregatedFee(ctx context.Context) (UnaggregatedReceipts, error) {
	if err := a.cfg.Store.DeleteObsolete(ctx, a.allocationID, a.sender); err != nil {
		return UnaggregatedReceipts{}, fmt.Errorf("deleting obsolete receipts: %w", err)
	}

	signers := a.cfg.Escrow.Current().Signers(a.sender)
	ravTimestamp, err := a.cfg.Store.CurrentRAVTimestamp(ctx, a.allocationID, a.sender)
	if err != nil {
		return UnaggregatedReceipts{}, fmt.Errorf("reading current rav timestamp: %w", err)
	}

	maxID, sum, err := a.cfg.Store.SumValues(ctx, a.allocationID, signers, ravTimestamp)
	if err != nil {
		return UnaggregatedReceipts{}, fmt.Errorf("summing receipt values: %w", err)
	}

	result := ZeroUnaggregatedReceipts()
	if maxID != nil {
		result.LastID = uint64(*maxID)
	}
	if sum != nil {
		result.Value = sum
	}
	return result, nil
}

// handleNewReceipt implements the NewReceipt handler: the id>last_id
// guard tolerates out-of-order notifications from concurrent ingress
// writers, and SaturatingAdd clamps instead of wrapping or crashing.
func (a *SenderAllocation) handleNewReceipt(ctx context.Context, msg NewReceiptMessage) {
	n := msg.Notification
	a.knownSigners[n.SignerAddress] = struct{}{}

	if uint64(n.ID) <= a.state.LastID {
		return
	}
	a.state.LastID = uint64(n.ID)

	if clamped := a.state.SaturatingAdd(n.Value); clamped {
		a.overflowWarnOnce.Do(func() {
			zlog.Warn("unaggregated receipts value saturated at the u128 maximum",
				zap.Stringer("allocation", eth.Address(a.allocationID)),
				zap.Stringer("sender", eth.Address(a.sender)),
			)
		})
	}

	a.pushState(ctx)
}

func (a *SenderAllocation) handleTriggerRAVRequest(ctx context.Context, msg TriggerRAVRequestMessage) error {
	if err := a.performRAVRequest(ctx, false); err != nil {
		return fmt.Errorf("triggered rav request: %w", err)
	}

	state, err := a.calculateUnaggregatedFee(ctx)
	if err != nil {
		return fmt.Errorf("recomputing state after rav request: %w", err)
	}
	a.state = state
	a.pushState(ctx)

	if msg.Reply != nil {
		select {
		case msg.Reply <- a.state.Clone():
		default:
		}
	}
	return nil
}

func (a *SenderAllocation) handleCloseAllocation(ctx context.Context) error {
	if err := a.performRAVRequest(ctx, true); err != nil {
		return fmt.Errorf("close-allocation rav request: %w", err)
	}
	if err := a.cfg.Store.MarkRAVFinal(ctx, a.allocationID, a.sender); err != nil {
		return fmt.Errorf("marking rav final on close: %w", err)
	}
	return nil
}

// performRAVRequest implements the eight-step RAV request protocol from
// spec.md §4.D. It is only ever called from the actor's own mailbox loop,
// so at most one is ever in flight per pair.
func (a *SenderAllocation) performRAVRequest(ctx context.Context, final bool) error {
	allReceipts, err := a.cfg.Store.ListReceipts(ctx, a.allocationID)
	if err != nil {
		return fmt.Errorf("listing receipts: %w", err)
	}

	allowed := make(map[tap.Address]bool, len(a.knownSigners))
	for _, signer := range a.cfg.Escrow.Current().Signers(a.sender) {
		allowed[signer] = true
		a.knownSigners[signer] = struct{}{}
	}

	previousRAV, err := a.cfg.Store.CurrentRAV(ctx, a.allocationID, a.sender)
	if err != nil {
		return fmt.Errorf("reading previous rav: %w", err)
	}

	var candidates []rav.ReceiptWithSigner
	for _, r := range allReceipts {
		if _, known := a.knownSigners[r.SignerAddress]; !known {
			// Belongs to a different sender sharing this allocation; never
			// ours to begin with.
			continue
		}
		if previousRAV != nil && r.TimestampNs <= previousRAV.Message.TimestampNs {
			// Already covered by the current RAV (timestamp_ns > rav
			// timestamp_ns, strict).
			continue
		}
		candidates = append(candidates, rav.ReceiptWithSigner{
			Receipt: &tap.SignedReceipt{
				Message: &tap.Receipt{
					AllocationID: a.allocationID,
					Nonce:        r.Nonce,
					TimestampNs:  r.TimestampNs,
					Value:        r.Value,
				},
				Signature: r.Signature,
			},
			Signer: r.SignerAddress,
		})
	}

	nowNs := rav.NowNs(a.cfg.Clock)
	req, err := rav.BuildRequest(a.allocationID, candidates, allowed, previousRAV, nowNs, a.cfg.RAVRequestTimestampBufferNs)
	if err != nil {
		if errors.Is(err, rav.ErrNoValidReceipts) {
			zlog.Warn("no valid receipts for rav request, will retry once more receipts or time pass",
				zap.Stringer("allocation", eth.Address(a.allocationID)),
				zap.Stringer("sender", eth.Address(a.sender)),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("building rav request: %w", err)
	}

	for _, invalid := range req.InvalidReceipts {
		if err := a.cfg.Store.InsertInvalidReceipt(ctx, invalid.Signer, invalid.Receipt); err != nil {
			return fmt.Errorf("persisting invalid receipt: %w", err)
		}
	}

	signedRAV, warnings, err := a.cfg.Aggregator.AggregateReceipts(ctx, req.ValidReceipts, req.PreviousRAV)
	if err != nil {
		// Transient: the sender is not marked malicious for an
		// unreachable or slow aggregator.
		return fmt.Errorf("calling aggregator: %w", err)
	}
	for _, w := range warnings {
		zlog.Warn("aggregator warning",
			zap.String("request_id", req.RequestID),
			zap.Stringer("allocation", eth.Address(a.allocationID)),
			zap.String("warning", w),
		)
	}

	if err := rav.Verify(a.cfg.Domain, req, signedRAV, a.cfg.AuthorizedAggregators); err != nil {
		ravResponse, marshalErr := json.Marshal(signedRAV)
		if marshalErr != nil {
			ravResponse = json.RawMessage("null")
		}
		zlog.Warn("aggregator misbehavior, persisting failed rav",
			zap.String("request_id", req.RequestID),
			zap.Stringer("allocation", eth.Address(a.allocationID)),
			zap.Stringer("sender", eth.Address(a.sender)),
			zap.Error(err),
		)
		if dbErr := a.cfg.Store.InsertFailedRAV(ctx, a.allocationID, a.sender, req.ExpectedRAV, ravResponse, err.Error()); dbErr != nil {
			return fmt.Errorf("persisting failed rav after verification error %v: %w", err, dbErr)
		}
		return fmt.Errorf("aggregator misbehavior: %w", err)
	}

	if err := a.cfg.Store.UpsertRAV(ctx, a.allocationID, a.sender, signedRAV, final); err != nil {
		return fmt.Errorf("upserting rav: %w", err)
	}
	return nil
}

func (a *SenderAllocation) pushState(ctx context.Context) {
	select {
	case a.toParent <- UpdateReceiptFeesMessage{AllocationID: a.allocationID, Receipts: a.state.Clone()}:
	case <-ctx.Done():
	}
}

// pushZero is the post-stop notification; it is best-effort since by the
// time it runs ctx may already be done.
func (a *SenderAllocation) pushZero() {
	select {
	case a.toParent <- UpdateReceiptFeesMessage{AllocationID: a.allocationID, Receipts: ZeroUnaggregatedReceipts()}:
	case <-time.After(time.Second):
	}
}

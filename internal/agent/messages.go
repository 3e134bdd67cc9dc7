package agent

import (
	"github.com/graphprotocol/tap-agent/internal/store"
	"github.com/graphprotocol/tap-agent/internal/tap"
)

// SenderAllocationMessage is the typed mailbox message union a
// sender-allocation actor (D) drains. Go has no native tagged union, so
// this is the idiomatic realization design note 9 asks for: an
// interface with an unexported marker method, implemented by one struct
// per message kind.
type SenderAllocationMessage interface {
	isSenderAllocationMessage()
}

// NewReceiptMessage notifies a sender-allocation actor of a newly
// admitted receipt for its (allocation, sender) pair.
type NewReceiptMessage struct {
	Notification *store.ReceiptNotification
}

func (NewReceiptMessage) isSenderAllocationMessage() {}

// TriggerRAVRequestMessage asks the actor to perform exactly one RAV
// request; Reply receives the recomputed state once it completes
// successfully, or is left untouched on error (the caller observes the
// error through the actor's error channel instead).
type TriggerRAVRequestMessage struct {
	Reply chan UnaggregatedReceipts
}

func (TriggerRAVRequestMessage) isSenderAllocationMessage() {}

// CloseAllocationMessage asks the actor to perform a final RAV request,
// mark the stored RAV final, and stop.
type CloseAllocationMessage struct{}

func (CloseAllocationMessage) isSenderAllocationMessage() {}

// SenderAccountMessage is the typed mailbox message union a
// sender-account actor (E) drains.
type SenderAccountMessage interface {
	isSenderAccountMessage()
}

// UpdateReceiptFeesMessage is pushed by a child sender-allocation actor
// whenever its UnaggregatedReceipts changes (including to zero, on
// pre-start and post-stop).
type UpdateReceiptFeesMessage struct {
	AllocationID tap.Address
	Receipts     UnaggregatedReceipts
}

func (UpdateReceiptFeesMessage) isSenderAccountMessage() {}

// UpdateAllocationsMessage is pushed by the supervisor (F) whenever the
// set of eligible allocations for this sender changes.
type UpdateAllocationsMessage struct {
	Eligible map[tap.Address]struct{}
}

func (UpdateAllocationsMessage) isSenderAccountMessage() {}

// UpdateEscrowMessage is pushed by the supervisor (F) whenever the
// escrow snapshot changes; balance<=0 triggers sender-wide close.
type UpdateEscrowMessage struct {
	BalancePositive bool
	AllowedSigners  map[tap.Address]bool
}

func (UpdateEscrowMessage) isSenderAccountMessage() {}

// RouteReceiptMessage is pushed by the supervisor (F) when a
// scalar_tap_receipt_notification arrives for one of this sender's
// allocations; the sender-account actor forwards it to the matching D
// child as a NewReceiptMessage.
type RouteReceiptMessage struct {
	Notification *store.ReceiptNotification
}

func (RouteReceiptMessage) isSenderAccountMessage() {}

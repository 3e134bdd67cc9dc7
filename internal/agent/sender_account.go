package agent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
	"go.uber.org/zap"
)

// restartChildMessage asks the actor to respawn a previously-crashed D
// child, if it is still in the eligible set. Internal to the package:
// posted by onChildDone's backoff timer, never by a caller.
type restartChildMessage struct {
	allocationID tap.Address
	restartEpoch string
}

func (restartChildMessage) isSenderAccountMessage() {}

type childActor struct {
	handle *SenderAllocation
	cancel context.CancelFunc
}

type childResult struct {
	allocationID tap.Address
	err          error
}

// SenderAccount is the E actor from spec.md §4.E: addressable by sender,
// owning per-allocation totals and the set of live D children.
type SenderAccount struct {
	sender       tap.Address
	allocationCfg SenderAllocationConfig
	triggerValue *big.Int

	inbox     chan SenderAccountMessage
	childDone chan childResult

	totals          map[tap.Address]UnaggregatedReceipts
	children        map[tap.Address]*childActor
	eligible        map[tap.Address]struct{}
	restartAttempts map[tap.Address]int

	ravInFlight       bool
	pendingAllocation tap.Address
	pendingReply      chan UnaggregatedReceipts
}

// NewSenderAccount returns an unstarted actor; call Run to drive its
// mailbox loop. triggerValue is tap.rav_request_trigger_value.
func NewSenderAccount(sender tap.Address, allocationCfg SenderAllocationConfig, triggerValue *big.Int) *SenderAccount {
	return &SenderAccount{
		sender:          sender,
		allocationCfg:   allocationCfg,
		triggerValue:    triggerValue,
		inbox:           make(chan SenderAccountMessage, 64),
		childDone:       make(chan childResult, 16),
		totals:          make(map[tap.Address]UnaggregatedReceipts),
		children:        make(map[tap.Address]*childActor),
		eligible:        make(map[tap.Address]struct{}),
		restartAttempts: make(map[tap.Address]int),
	}
}

// Inbox returns the send side of the actor's mailbox.
func (s *SenderAccount) Inbox() chan<- SenderAccountMessage {
	return s.inbox
}

// Run drives the actor until ctx is done, a message cannot be handled
// (returned as an error), or the sender becomes ineligible (which is a
// clean, non-error stop after all children have been asked to close). A
// child that stops with an error is restarted with backoff, not returned.
func (s *SenderAccount) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case res := <-s.childDone:
			s.onChildDone(ctx, res)

		case newState := <-s.pendingReply:
			s.totals[s.pendingAllocation] = newState
			s.ravInFlight = false
			s.pendingReply = nil
			s.maybeTriggerRAV(ctx)

		case msg := <-s.inbox:
			stop, err := s.handle(ctx, msg)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

func (s *SenderAccount) handle(ctx context.Context, msg SenderAccountMessage) (stop bool, err error) {
	switch m := msg.(type) {
	case UpdateReceiptFeesMessage:
		s.totals[m.AllocationID] = m.Receipts
		s.maybeTriggerRAV(ctx)
		return false, nil

	case UpdateAllocationsMessage:
		s.reconcileAllocations(ctx, m.Eligible)
		return false, nil

	case UpdateEscrowMessage:
		if !m.BalancePositive {
			s.closeAll(ctx)
			return true, nil
		}
		return false, nil

	case restartChildMessage:
		if _, ok := s.eligible[m.allocationID]; ok {
			if _, running := s.children[m.allocationID]; !running {
				zlog.Info("restarting sender-allocation actor",
					zap.String("restart_id", m.restartEpoch),
					zap.Stringer("allocation", eth.Address(m.allocationID)),
					zap.Stringer("sender", eth.Address(s.sender)),
				)
				s.spawnChild(ctx, m.allocationID)
			}
		}
		return false, nil

	case RouteReceiptMessage:
		child, ok := s.children[m.Notification.AllocationID]
		if !ok {
			// The notification arrived before reconcile spawned this
			// allocation's actor, or after it stopped; the actor's own
			// pre-start recomputation will pick this receipt up from the
			// store once it (re)starts.
			return false, nil
		}
		select {
		case child.handle.Inbox() <- NewReceiptMessage{Notification: m.Notification}:
		case <-ctx.Done():
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown sender-account message %T", msg)
	}
}

func (s *SenderAccount) spawnChild(ctx context.Context, allocationID tap.Address) {
	childCtx, cancel := context.WithCancel(ctx)
	handle := NewSenderAllocation(allocationID, s.sender, s.allocationCfg, s.inbox)
	s.children[allocationID] = &childActor{handle: handle, cancel: cancel}
	go func() {
		err := handle.Run(childCtx)
		select {
		case s.childDone <- childResult{allocationID: allocationID, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *SenderAccount) reconcileAllocations(ctx context.Context, eligible map[tap.Address]struct{}) {
	s.eligible = eligible
	for allocationID := range eligible {
		if _, exists := s.children[allocationID]; !exists {
			s.spawnChild(ctx, allocationID)
		}
	}
	for allocationID, child := range s.children {
		if _, stillEligible := eligible[allocationID]; !stillEligible {
			s.sendClose(child)
		}
	}
}

func (s *SenderAccount) closeAll(ctx context.Context) {
	for _, child := range s.children {
		s.sendClose(child)
	}
}

func (s *SenderAccount) sendClose(child *childActor) {
	select {
	case child.handle.Inbox() <- CloseAllocationMessage{}:
	default:
		// Mailbox full; the child will see CloseAllocation soon enough via
		// the next reconcile, and forcing a block here would stall every
		// other child of this sender.
	}
}

// maybeTriggerRAV implements spec.md §4.E's trigger rule: largest value
// wins, ties broken by oldest (smallest) last_id, at most one RAV request
// in flight per sender at a time.
func (s *SenderAccount) maybeTriggerRAV(ctx context.Context) {
	if s.ravInFlight || s.triggerValue == nil {
		return
	}

	sum := new(big.Int)
	for _, ur := range s.totals {
		sum.Add(sum, ur.Value)
	}
	if sum.Cmp(s.triggerValue) < 0 {
		return
	}

	var chosen tap.Address
	var chosenState UnaggregatedReceipts
	found := false
	for allocationID, ur := range s.totals {
		if ur.Value == nil || ur.Value.Sign() == 0 {
			continue
		}
		if !found {
			chosen, chosenState, found = allocationID, ur, true
			continue
		}
		cmp := ur.Value.Cmp(chosenState.Value)
		if cmp > 0 || (cmp == 0 && ur.LastID < chosenState.LastID) {
			chosen, chosenState = allocationID, ur
		}
	}
	if !found {
		return
	}

	child, ok := s.children[chosen]
	if !ok {
		return
	}

	reply := make(chan UnaggregatedReceipts, 1)
	select {
	case child.handle.Inbox() <- TriggerRAVRequestMessage{Reply: reply}:
	case <-ctx.Done():
		return
	}
	s.ravInFlight = true
	s.pendingAllocation = chosen
	s.pendingReply = reply
}

func (s *SenderAccount) onChildDone(ctx context.Context, res childResult) {
	delete(s.children, res.allocationID)
	if res.allocationID == s.pendingAllocation {
		s.ravInFlight = false
		s.pendingReply = nil
	}
	if res.err == nil {
		return
	}

	restartEpoch := uuid.New().String()
	zlog.Warn("sender-allocation actor stopped with error",
		zap.String("restart_id", restartEpoch),
		zap.Stringer("allocation", eth.Address(res.allocationID)),
		zap.Stringer("sender", eth.Address(s.sender)),
		zap.Error(res.err),
	)

	if _, stillEligible := s.eligible[res.allocationID]; !stillEligible {
		return
	}

	attempt := s.restartAttempts[res.allocationID]
	s.restartAttempts[res.allocationID] = attempt + 1
	delay := backoffForAttempt(attempt)

	time.AfterFunc(delay, func() {
		select {
		case s.inbox <- restartChildMessage{allocationID: res.allocationID, restartEpoch: restartEpoch}:
		case <-ctx.Done():
		}
	})
}

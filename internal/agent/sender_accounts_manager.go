package agent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/graphprotocol/tap-agent/internal/snapshot"
	"github.com/graphprotocol/tap-agent/internal/store"
	"github.com/graphprotocol/tap-agent/internal/tap"
	"github.com/streamingfast/eth-go"
	"go.uber.org/zap"
)

type routedReceipt struct {
	sender       tap.Address
	notification *store.ReceiptNotification
}

// restartSignal carries the restart_id logged when the crash was first
// observed through to the reconcile that actually respawns the actor, so
// the two log lines can be correlated.
type restartSignal struct {
	sender       tap.Address
	restartEpoch string
}

// SenderAccountsManagerConfig holds the manager's dependencies: the two
// snapshot feeds it subscribes to and everything a spawned SenderAccount
// needs to, in turn, spawn its own D children.
type SenderAccountsManagerConfig struct {
	Allocations      *snapshot.AllocationsFeed
	Escrow           *snapshot.EscrowFeed
	AllocationConfig SenderAllocationConfig
	TriggerValue     *big.Int
}

type senderChild struct {
	account *SenderAccount
	cancel  context.CancelFunc
}

type senderChildResult struct {
	sender tap.Address
	err    error
}

// SenderAccountsManager is the F actor from spec.md §4.F: the top-level
// supervisor that diffs both snapshot feeds against its live E registry
// and restarts crashed children with backoff.
type SenderAccountsManager struct {
	cfg SenderAccountsManagerConfig

	children        map[tap.Address]*senderChild
	childDone       chan senderChildResult
	restartSender   chan restartSignal
	restartAttempts map[tap.Address]int
	routeReceipt    chan routedReceipt
}

// New returns an unstarted supervisor; call Run to start it. Both feeds
// must already be wired to their Run loops elsewhere.
func New(cfg SenderAccountsManagerConfig) *SenderAccountsManager {
	return &SenderAccountsManager{
		cfg:             cfg,
		children:        make(map[tap.Address]*senderChild),
		childDone:       make(chan senderChildResult, 16),
		restartSender:   make(chan restartSignal, 16),
		restartAttempts: make(map[tap.Address]int),
		routeReceipt:    make(chan routedReceipt, 256),
	}
}

// Run blocks, subscribing to both snapshot feeds and reconciling the live
// sender-account set against them, until ctx is done.
func (m *SenderAccountsManager) Run(ctx context.Context) error {
	if !m.cfg.Allocations.Ready() {
		if _, err := m.cfg.Allocations.Next(ctx); err != nil {
			return fmt.Errorf("waiting for initial allocations snapshot: %w", err)
		}
	}
	if !m.cfg.Escrow.Ready() {
		if _, err := m.cfg.Escrow.Next(ctx); err != nil {
			return fmt.Errorf("waiting for initial escrow snapshot: %w", err)
		}
	}
	m.reconcile(ctx)

	allocationUpdates := make(chan struct{}, 1)
	escrowUpdates := make(chan struct{}, 1)
	go m.watch(ctx, func(ctx context.Context) error { _, err := m.cfg.Allocations.Next(ctx); return err }, allocationUpdates)
	go m.watch(ctx, func(ctx context.Context) error { _, err := m.cfg.Escrow.Next(ctx); return err }, escrowUpdates)

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-m.childDone:
			m.onChildDone(ctx, res)
		case rr := <-m.routeReceipt:
			if child, ok := m.children[rr.sender]; ok {
				m.sendToChild(ctx, child, RouteReceiptMessage{Notification: rr.notification})
			}
		case <-allocationUpdates:
			m.reconcile(ctx)
		case <-escrowUpdates:
			m.reconcile(ctx)
		case sig := <-m.restartSender:
			zlog.Info("restarting sender-account actor",
				zap.String("restart_id", sig.restartEpoch),
				zap.Stringer("sender", eth.Address(sig.sender)),
			)
			m.reconcile(ctx)
		}
	}
}

// RouteReceipt resolves notification's signer to its sender via the
// current escrow snapshot and forwards it to that sender's actor, if
// one is running. Intended to be called from the goroutine draining
// store.Listener.Next; safe to call concurrently with Run.
func (m *SenderAccountsManager) RouteReceipt(ctx context.Context, notification *store.ReceiptNotification) {
	sender, ok := m.cfg.Escrow.Current().SenderForSigner(notification.SignerAddress)
	if !ok {
		return
	}
	select {
	case m.routeReceipt <- routedReceipt{sender: sender, notification: notification}:
	case <-ctx.Done():
	}
}

func (m *SenderAccountsManager) watch(ctx context.Context, next func(context.Context) error, out chan<- struct{}) {
	for {
		if err := next(ctx); err != nil {
			return
		}
		select {
		case out <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

// reconcile implements spec.md §4.F's diff: it recomputes the eligible
// sender and allocation sets from the two feeds' current values, spawns
// missing E children, signals ineligible ones to wind down, and forwards
// allocation/escrow deltas to every child still live.
func (m *SenderAccountsManager) reconcile(ctx context.Context) {
	allocations := m.cfg.Allocations.Current()
	escrow := m.cfg.Escrow.Current()

	eligibleAllocations := make(map[tap.Address]struct{}, len(allocations))
	for id := range allocations {
		eligibleAllocations[id] = struct{}{}
	}

	eligibleSenders := make(map[tap.Address]struct{})
	for _, sender := range escrow.Senders() {
		if balance := escrow.Balance(sender); balance != nil && balance.Sign() > 0 {
			eligibleSenders[sender] = struct{}{}
		}
	}

	for sender := range eligibleSenders {
		if _, exists := m.children[sender]; !exists {
			m.spawnSender(ctx, sender)
		}
	}

	for sender, child := range m.children {
		if _, stillEligible := eligibleSenders[sender]; !stillEligible {
			m.sendToChild(ctx, child, UpdateEscrowMessage{BalancePositive: false})
			continue
		}
		m.sendToChild(ctx, child, UpdateAllocationsMessage{Eligible: eligibleAllocations})
		m.sendToChild(ctx, child, UpdateEscrowMessage{
			BalancePositive: true,
			AllowedSigners:  signersSet(escrow.Signers(sender)),
		})
	}
}

func signersSet(signers []tap.Address) map[tap.Address]bool {
	out := make(map[tap.Address]bool, len(signers))
	for _, s := range signers {
		out[s] = true
	}
	return out
}

func (m *SenderAccountsManager) spawnSender(ctx context.Context, sender tap.Address) {
	childCtx, cancel := context.WithCancel(ctx)
	account := NewSenderAccount(sender, m.cfg.AllocationConfig, m.cfg.TriggerValue)
	m.children[sender] = &senderChild{account: account, cancel: cancel}
	go func() {
		err := account.Run(childCtx)
		select {
		case m.childDone <- senderChildResult{sender: sender, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (m *SenderAccountsManager) sendToChild(ctx context.Context, child *senderChild, msg SenderAccountMessage) {
	select {
	case child.account.Inbox() <- msg:
	case <-ctx.Done():
	}
}

func (m *SenderAccountsManager) onChildDone(ctx context.Context, res senderChildResult) {
	delete(m.children, res.sender)
	if res.err == nil {
		return
	}

	restartEpoch := uuid.New().String()
	zlog.Warn("sender-account actor stopped with error",
		zap.String("restart_id", restartEpoch),
		zap.Stringer("sender", eth.Address(res.sender)),
		zap.Error(res.err),
	)

	escrow := m.cfg.Escrow.Current()
	balance := escrow.Balance(res.sender)
	if balance == nil || balance.Sign() == 0 {
		return
	}

	attempt := m.restartAttempts[res.sender]
	m.restartAttempts[res.sender] = attempt + 1
	delay := backoffForAttempt(attempt)

	time.AfterFunc(delay, func() {
		select {
		case m.restartSender <- restartSignal{sender: res.sender, restartEpoch: restartEpoch}:
		case <-ctx.Done():
		}
	})
}

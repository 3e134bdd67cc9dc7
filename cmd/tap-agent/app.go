package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/streamingfast/cli/sflags"
	"github.com/streamingfast/shutter"
	"go.uber.org/zap"

	"github.com/graphprotocol/tap-agent/internal/admitter"
	"github.com/graphprotocol/tap-agent/internal/agent"
	"github.com/graphprotocol/tap-agent/internal/config"
	"github.com/graphprotocol/tap-agent/internal/ingress"
	"github.com/graphprotocol/tap-agent/internal/rav"
	"github.com/graphprotocol/tap-agent/internal/snapshot"
	"github.com/graphprotocol/tap-agent/internal/store"
	"github.com/graphprotocol/tap-agent/internal/tap"
)

// recentlyClosedAllocationBuffer bounds how long a just-closed allocation
// remains eligible for receipts after closing, per spec.md §3's
// Allocation.EligibleForReceipts grace window.
const recentlyClosedAllocationBuffer = 5 * time.Minute

// application wires every component together and owns their shared
// lifetime, in the teacher's *shutter.Shutter-embedding idiom (see
// provider/sidecar.Sidecar): OnTerminating propagates a stop signal down
// to every goroutine this process started.
type application struct {
	*shutter.Shutter

	cfg         *config.Config
	store       *store.Store
	allocations *snapshot.AllocationsFeed
	escrow      *snapshot.EscrowFeed
	manager     *agent.SenderAccountsManager
	httpServer  *http.Server
	listener    *store.Listener
}

func runStart(cmd *cobra.Command, args []string) error {
	configFile := sflags.MustGetString(cmd, "config-file")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}

	go app.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		zlog.Info("shutdown signal received")
		app.Shutdown(nil)
	case <-app.Terminating():
	}

	<-app.Terminated()
	cancel()
	return app.Err()
}

// newApplication opens the store and builds every component, but starts
// nothing yet; call Run to start the snapshot feeds, the actor
// supervisor, the notification pump and the ingress HTTP server.
func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	st, err := store.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, err
	}

	domain := tap.NewDomain(cfg.Receipts.VerifierChainID, cfg.Receipts.VerifierAddress)

	allocations := snapshot.NewAllocationsFeed()
	escrow := snapshot.NewEscrowFeed()

	authorizedAggregators := make(map[tap.Address]bool, len(cfg.TAP.AuthorizedAggregators))
	for _, addr := range cfg.TAP.AuthorizedAggregators {
		authorizedAggregators[addr] = true
	}

	manager := agent.New(agent.SenderAccountsManagerConfig{
		Allocations:  allocations,
		Escrow:       escrow,
		TriggerValue: cfg.TAP.RAVRequestTriggerValue,
		AllocationConfig: agent.SenderAllocationConfig{
			Domain:                      domain,
			Store:                       st,
			Escrow:                      escrow,
			Aggregator:                  rav.NewAggregatorClient(cfg.TAP.AggregatorEndpoint, cfg.TAP.RAVRequestTimeout),
			AuthorizedAggregators:       authorizedAggregators,
			RAVRequestTimestampBufferNs: cfg.TAP.RAVRequestTimestampBufferMs * uint64(time.Millisecond),
		},
	})

	verifier := admitter.New(domain, allocations, escrow, st, recentlyClosedAllocationBuffer)

	router := mux.NewRouter()
	noopQueryHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	ingress.NewHandler(verifier, noopQueryHandler).Register(router, cfg.Server.URLPrefix)

	app := &application{
		Shutter:     shutter.New(),
		cfg:         cfg,
		store:       st,
		allocations: allocations,
		escrow:      escrow,
		manager:     manager,
		httpServer:  &http.Server{Addr: cfg.Server.HostAndPort, Handler: router},
	}

	app.OnTerminating(func(_ error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.httpServer.Shutdown(shutdownCtx)
		if app.listener != nil {
			app.listener.Close(shutdownCtx)
		}
		app.store.Close()
	})

	return app, nil
}

// Run starts every component and blocks until ctx is done or a fatal
// component error fires the shutter. It is meant to be launched in its
// own goroutine by runStart.
func (a *application) Run(ctx context.Context) {
	networkClient := snapshot.NewGraphQLClient(a.cfg.NetworkSubgraph.QueryURL)
	escrowClient := snapshot.NewGraphQLClient(a.cfg.EscrowSubgraph.QueryURL)

	go a.allocations.Run(ctx, networkClient, a.cfg.Indexer.IndexerAddress, a.cfg.NetworkSubgraph.SyncingInterval, recentlyClosedAllocationBuffer)
	go a.escrow.Run(ctx, escrowClient, a.cfg.Indexer.IndexerAddress, a.cfg.EscrowSubgraph.SyncingInterval)

	listener, err := a.store.Listen(ctx)
	if err != nil {
		a.Shutdown(err)
		return
	}
	a.listener = listener
	go a.pumpNotifications(ctx, listener)

	go func() {
		if err := a.manager.Run(ctx); err != nil {
			zlog.Error("sender-accounts manager stopped with error", zap.Error(err))
			a.Shutdown(err)
		}
	}()

	// The admission endpoint must not open until both snapshot feeds hold
	// a real value: admitter.VerifyAndStore reads AllocationsFeed.Current
	// and EscrowFeed.Current synchronously, and an unpublished feed would
	// serve its zero value, wrongly rejecting every receipt as ineligible.
	// Mirrors the first-publish wait at the top of SenderAccountsManager.Run.
	if !a.allocations.Ready() {
		if _, err := a.allocations.Next(ctx); err != nil {
			a.Shutdown(err)
			return
		}
	}
	if !a.escrow.Ready() {
		if _, err := a.escrow.Next(ctx); err != nil {
			a.Shutdown(err)
			return
		}
	}

	zlog.Info("starting ingress http server", zap.String("addr", a.cfg.Server.HostAndPort))
	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Shutdown(err)
		return
	}
	a.Shutdown(nil)
}

// pumpNotifications drains the dedicated LISTEN connection and routes
// every scalar_tap_receipt_notification to the actor tree via
// SenderAccountsManager.RouteReceipt.
func (a *application) pumpNotifications(ctx context.Context, listener *store.Listener) {
	for {
		notification, err := listener.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zlog.Warn("receipt notification listener error, reconnecting is not implemented; relying on actor pre-start recomputation", zap.Error(err))
			return
		}
		a.manager.RouteReceipt(ctx, notification)
	}
}

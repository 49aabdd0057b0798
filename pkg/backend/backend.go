// Package backend assembles the staking node from its configuration and
// runs its HTTP surface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/stable-net/stakingd/pkg/attest"
	"github.com/stable-net/stakingd/pkg/cheats"
	"github.com/stable-net/stakingd/pkg/config"
	"github.com/stable-net/stakingd/pkg/eventdb"
	"github.com/stable-net/stakingd/pkg/genesis"
	"github.com/stable-net/stakingd/pkg/ledger"
	"github.com/stable-net/stakingd/pkg/metrics"
	"github.com/stable-net/stakingd/pkg/rpc"
	"github.com/stable-net/stakingd/pkg/snapshot"
	"github.com/stable-net/stakingd/pkg/state"
	"github.com/stable-net/stakingd/pkg/store"
	"github.com/stable-net/stakingd/pkg/token"
)

var logger = log.New("pkg", "backend")

const shutdownTimeout = 5 * time.Second

// Backend owns every component of a running node.
type Backend struct {
	config *config.Config
	plan   *genesis.Plan

	state     state.Manager
	token     *token.Ledger
	cheats    *cheats.Manager
	ledger    *ledger.Ledger
	snapshots *snapshot.Manager
	store     *store.LevelDB
	events    *eventdb.EventDB
	metrics   *metrics.Metrics

	server  *rpc.Server
	subs    *rpc.Subscriptions
	handler http.Handler

	stopOnce sync.Once
}

// New builds a node from cfg. With a data directory, state saved by an
// earlier run is restored; otherwise the genesis plan is applied.
func New(cfg *config.Config) (_ *Backend, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	plan, err := genesis.NewPlan(cfg)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		config:  cfg.Copy(),
		plan:    plan,
		state:   state.NewInMemoryManager(),
		token:   token.NewLedger(cfg.Token),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			b.Stop()
		}
	}()

	b.cheats = cheats.NewManager(b.token)
	b.cheats.SetAutoImpersonate(cfg.AutoImpersonate)

	if cfg.IsPersistent() {
		if b.store, err = store.New(cfg.StatePath(), store.Options{}); err != nil {
			return nil, err
		}
		if b.events, err = eventdb.New(cfg.EventsPath()); err != nil {
			return nil, err
		}
	} else {
		if b.store, err = store.NewMem(); err != nil {
			return nil, err
		}
		if b.events, err = eventdb.NewMem(); err != nil {
			return nil, err
		}
	}

	lastSeq, err := b.events.LastSeq(context.Background())
	if err != nil {
		return nil, err
	}
	verifier, err := attest.NewVerifier(cfg.Ledger.SignerCacheSize)
	if err != nil {
		return nil, err
	}

	gate := ledger.NewOwnerGate(plan.Admin)
	b.ledger, err = ledger.New(plan.Ledger, b.state, b.token, gate, b.cheats,
		ledger.WithPersister(b.store.Persister(b.token)),
		ledger.WithIndexer(b.events),
		ledger.WithMetrics(b.metrics),
		ledger.WithVerifier(verifier),
		ledger.WithStartSeq(lastSeq),
	)
	if err != nil {
		return nil, err
	}

	restored, err := b.store.Load(b.state, b.token)
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	if restored {
		// Recomputes the root and the totals gauges
		if err := b.ledger.Exclusive(func() error { return nil }); err != nil {
			return nil, err
		}
		logger.Info("Restored ledger state", "root", b.ledger.StateRoot(), "lastSeq", lastSeq)
	} else {
		if err := plan.Apply(b.ledger, b.token); err != nil {
			return nil, fmt.Errorf("apply genesis: %w", err)
		}
		logger.Info("Applied genesis", "ledger", plan.Ledger, "admin", plan.Admin,
			"bouncer", plan.Bouncer, "accounts", len(plan.Accounts))
	}

	b.snapshots = snapshot.NewManager(b.state, b.token, b.ledger)
	b.server = rpc.NewServer(rpc.Config{
		ChainID:   cfg.ChainID,
		Ledger:    b.ledger,
		State:     b.state,
		Token:     b.token,
		Cheats:    b.cheats,
		Snapshots: b.snapshots,
		Events:    b.events,
		Metrics:   b.metrics,
		Accounts:  plan.Accounts,
		Gate:      gate,
		Genesis:   plan,
	})
	b.subs = rpc.NewSubscriptions(b.ledger, rpc.ParseOrigins(cfg.AllowOrigin))

	opts := rpc.Options{AllowedOrigins: cfg.AllowOrigin}
	if cfg.Metrics {
		opts.Metrics = b.metrics.Handler()
	}
	b.handler = rpc.NewHandler(b.server, b.subs, opts)

	return b, nil
}

// Handler returns the HTTP surface of the node.
func (b *Backend) Handler() http.Handler { return b.handler }

// Ledger returns the staking ledger.
func (b *Backend) Ledger() *ledger.Ledger { return b.ledger }

// Token returns the asset ledger.
func (b *Backend) Token() *token.Ledger { return b.token }

// Cheats returns the dev controls.
func (b *Backend) Cheats() *cheats.Manager { return b.cheats }

// Plan returns the resolved genesis.
func (b *Backend) Plan() *genesis.Plan { return b.plan }

// Config returns a copy of the node configuration.
func (b *Backend) Config() *config.Config { return b.config.Copy() }

// Start listens on the configured address and serves until ctx is done.
func (b *Backend) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.config.ServerAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return b.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts the server down.
func (b *Backend) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           b.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Websocket streams are hijacked and outlive Shutdown
		b.subs.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Stop releases every component. It is safe to call more than once.
func (b *Backend) Stop() error {
	var errs []error
	b.stopOnce.Do(func() {
		if b.subs != nil {
			b.subs.Close()
		}
		if b.ledger != nil {
			b.ledger.Close()
		}
		if b.events != nil {
			if err := b.events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close event index: %w", err))
			}
		}
		if b.store != nil {
			if err := b.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close state store: %w", err))
			}
		}
		logger.Info("Backend stopped")
	})
	return errors.Join(errs...)
}

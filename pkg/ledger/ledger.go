// Package ledger implements the custodial staking ledger and its reward
// settlement engine.
//
// Every public operation runs under a single writer lock. The program state and
// the asset ledger are snapshotted together before the operation runs; any
// failure, including a failed transfer or a failed write to the persister,
// reverts both so no partial update is ever observable.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/stable-net/stakingd/pkg/attest"
	"github.com/stable-net/stakingd/pkg/state"
)

// LockupPeriod is the delay after a stake starts before rewards can be claimed.
const LockupPeriod uint64 = 30 * 24 * 60 * 60

var logger = log.New("pkg", "ledger")

// AssetLedger is the transfer capability of the custodied token.
type AssetLedger interface {
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Clock returns the current unix time in seconds. Zero is not a valid time:
// a start timestamp of 0 marks a record that is not staking.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

// Now calls f.
func (f ClockFunc) Now() uint64 { return f() }

// Persister makes committed state durable.
type Persister interface {
	Persist(st state.Manager) error
}

// Indexer records committed events.
type Indexer interface {
	Insert(ctx context.Context, events []Event) error
}

// Metrics receives operation outcomes and the fund totals.
type Metrics interface {
	ObserveOp(op, outcome string)
	SetTotals(staked, rewards *uint256.Int)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPersister writes every committed operation through p.
func WithPersister(p Persister) Option {
	return func(l *Ledger) { l.persister = p }
}

// WithIndexer hands committed events to idx.
func WithIndexer(idx Indexer) Option {
	return func(l *Ledger) { l.indexer = idx }
}

// WithMetrics reports operations to m.
func WithMetrics(m Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithVerifier sets the attestation verifier.
func WithVerifier(v *attest.Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithStartSeq makes the first event carry seq+1.
func WithStartSeq(seq uint64) Option {
	return func(l *Ledger) { l.seq = seq }
}

// Ledger is the staking ledger.
type Ledger struct {
	address   common.Address
	state     state.Manager
	token     AssetLedger
	gate      Gate
	clock     Clock
	verifier  *attest.Verifier
	persister Persister
	indexer   Indexer
	metrics   Metrics

	feed  event.Feed
	scope event.SubscriptionScope
	seq   uint64

	mu sync.Mutex
}

// New creates a ledger whose custody account in tok is address.
func New(address common.Address, st state.Manager, tok AssetLedger, gate Gate, clock Clock, opts ...Option) (*Ledger, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("ledger address: %w", ErrInvalidArgument)
	}
	l := &Ledger{
		address: address,
		state:   st,
		token:   tok,
		gate:    gate,
		clock:   clock,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.verifier == nil {
		v, err := attest.NewVerifier(attest.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		l.verifier = v
	}
	if l.metrics != nil {
		g := st.Globals()
		l.metrics.SetTotals(&g.StakedFundsTotal, &g.RewardsFundsTotal)
	}
	return l, nil
}

// Address returns the ledger's identity.
func (l *Ledger) Address() common.Address {
	return l.address
}

// txn collects the events of a running operation.
type txn struct {
	now    uint64
	events []Event
}

func (tx *txn) emit(kind Kind, account common.Address, amount *uint256.Int) {
	ev := Event{Kind: kind, Account: account, Time: tx.now}
	if amount != nil {
		ev.Amount = *amount
	}
	tx.events = append(tx.events, ev)
}

// apply runs fn as one all-or-nothing operation.
func (l *Ledger) apply(op string, fn func(tx *txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stateSnap := l.state.Snapshot()
	tokenSnap := l.token.Snapshot()

	tx := &txn{now: l.clock.Now()}
	var err error
	if tx.now == 0 {
		err = ErrClockUnset
	} else {
		err = fn(tx)
	}
	if err == nil && l.persister != nil {
		if perr := l.persister.Persist(l.state); perr != nil {
			logger.Error("Failed to persist state", "op", op, "err", perr)
			err = fmt.Errorf("persist: %w", perr)
		}
	}
	if err != nil {
		l.state.RevertToSnapshot(stateSnap)
		l.token.RevertToSnapshot(tokenSnap)
		l.observe(op, err)
		logger.Debug("Operation rejected", "op", op, "err", err)
		return err
	}

	l.state.DiscardSnapshot(stateSnap)
	l.token.DiscardSnapshot(tokenSnap)
	if _, err := l.state.Commit(); err != nil {
		return err
	}
	l.observe(op, nil)
	l.publish(tx.events)
	return nil
}

func (l *Ledger) observe(op string, err error) {
	if l.metrics == nil {
		return
	}
	l.metrics.ObserveOp(op, Outcome(err))
	if err == nil {
		g := l.state.Globals()
		l.metrics.SetTotals(&g.StakedFundsTotal, &g.RewardsFundsTotal)
	}
}

// publish numbers events and hands them to the indexer and subscribers.
// Called with the lock held so events leave in commit order.
func (l *Ledger) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	for i := range events {
		l.seq++
		events[i].Seq = l.seq
	}
	if l.indexer != nil {
		if err := l.indexer.Insert(context.Background(), events); err != nil {
			logger.Warn("Failed to index events", "from", events[0].Seq, "count", len(events), "err", err)
		}
	}
	for _, ev := range events {
		l.feed.Send(ev)
	}
}

// SubscribeEvents delivers committed events to ch in commit order. Sends
// happen under the writer lock, so ch must never block for long; network
// consumers relay through their own bounded queue.
func (l *Ledger) SubscribeEvents(ch chan<- Event) event.Subscription {
	return l.scope.Track(l.feed.Subscribe(ch))
}

// Close ends all event subscriptions.
func (l *Ledger) Close() {
	l.scope.Close()
}

// LastSeq returns the sequence number of the last published event.
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Exclusive runs fn with the writer lock held, then recomputes the root and
// persists whatever fn changed. Used for wholesale state replacement.
func (l *Ledger) Exclusive(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := fn(); err != nil {
		return err
	}
	if _, err := l.state.Commit(); err != nil {
		return err
	}
	if l.persister != nil {
		if err := l.persister.Persist(l.state); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	if l.metrics != nil {
		g := l.state.Globals()
		l.metrics.SetTotals(&g.StakedFundsTotal, &g.RewardsFundsTotal)
	}
	return nil
}

// Initialize registers deployer as the bouncer of a fresh ledger. It does
// nothing once a bouncer is set.
func (l *Ledger) Initialize(deployer common.Address) error {
	if deployer == (common.Address{}) {
		return ErrInvalidArgument
	}
	return l.apply("initialize", func(tx *txn) error {
		g := l.state.Globals()
		if g.Bouncer != (common.Address{}) {
			return nil
		}
		g.Bouncer = deployer
		l.state.SetGlobals(g)
		return nil
	})
}

// SetBouncer replaces the attestation authority.
func (l *Ledger) SetBouncer(caller, bouncer common.Address) error {
	return l.apply("setBouncer", func(tx *txn) error {
		if !l.gate.IsAdministrator(caller) {
			return ErrUnauthorized
		}
		if bouncer == (common.Address{}) {
			return ErrInvalidArgument
		}
		g := l.state.Globals()
		g.Bouncer = bouncer
		l.state.SetGlobals(g)

		logger.Info("Bouncer changed", "bouncer", bouncer)
		return nil
	})
}

// ToggleActive flips the master switch.
func (l *Ledger) ToggleActive(caller common.Address) error {
	return l.apply("toggleActive", func(tx *txn) error {
		if !l.gate.IsAdministrator(caller) {
			return ErrUnauthorized
		}
		g := l.state.Globals()
		g.Active = !g.Active
		l.state.SetGlobals(g)

		tx.emit(KindStatus, caller, nil)
		tx.events[len(tx.events)-1].Active = g.Active
		logger.Info("Staking status changed", "active", g.Active)
		return nil
	})
}

// DepositRewardsFunds pulls amount from the administrator into the reward pool.
// The administrator must have approved the ledger address beforehand.
func (l *Ledger) DepositRewardsFunds(caller common.Address, amount *uint256.Int) error {
	return l.apply("depositRewardsFunds", func(tx *txn) error {
		if !l.gate.IsAdministrator(caller) {
			return ErrUnauthorized
		}
		if amount == nil || amount.IsZero() {
			return ErrInvalidArgument
		}
		g := l.state.Globals()
		if _, overflow := g.RewardsFundsTotal.AddOverflow(&g.RewardsFundsTotal, amount); overflow {
			return ErrInvalidArgument
		}
		if err := l.token.TransferFrom(l.address, caller, l.address, amount); err != nil {
			return err
		}
		l.state.SetGlobals(g)

		tx.emit(KindDeposit, caller, amount)
		return nil
	})
}

// WithdrawRewardsFunds sends the whole reward pool to the administrator.
// Staked funds are never touched.
func (l *Ledger) WithdrawRewardsFunds(caller common.Address) error {
	return l.apply("withdrawRewardsFunds", func(tx *txn) error {
		if !l.gate.IsAdministrator(caller) {
			return ErrUnauthorized
		}
		g := l.state.Globals()
		if g.RewardsFundsTotal.IsZero() {
			return ErrNothingToWithdraw
		}
		amount := g.RewardsFundsTotal
		g.RewardsFundsTotal.Clear()
		l.state.SetGlobals(g)

		if err := l.token.Transfer(l.address, caller, &amount); err != nil {
			return err
		}
		tx.emit(KindWithdraw, caller, &amount)
		return nil
	})
}

// Stake moves amount from caller into custody. A fresh position starts the
// lockup clock; a top-up keeps the original start time.
func (l *Ledger) Stake(caller common.Address, amount *uint256.Int) error {
	return l.apply("stake", func(tx *txn) error {
		g := l.state.Globals()
		if !g.Active {
			return ErrNotActive
		}
		if amount == nil || amount.IsZero() {
			return ErrInvalidArgument
		}
		if _, overflow := g.StakedFundsTotal.AddOverflow(&g.StakedFundsTotal, amount); overflow {
			return ErrInvalidArgument
		}
		l.state.SetGlobals(g)

		rec := l.state.User(caller)
		if rec.AmountStaked.IsZero() {
			rec.StakingStartTimestamp = tx.now
		}
		rec.AmountStaked.Add(&rec.AmountStaked, amount)
		l.state.SetUser(caller, rec)

		if err := l.token.TransferFrom(l.address, caller, l.address, amount); err != nil {
			return err
		}
		tx.emit(KindStake, caller, amount)
		return nil
	})
}

// Unstake returns caller's whole stake and deletes its record, including the
// claimed-rewards history.
func (l *Ledger) Unstake(caller common.Address) error {
	return l.apply("unstake", func(tx *txn) error {
		rec := l.state.User(caller)
		if rec.AmountStaked.IsZero() {
			return ErrNothingToUnstake
		}
		amount := rec.AmountStaked

		g := l.state.Globals()
		if _, underflow := g.StakedFundsTotal.SubOverflow(&g.StakedFundsTotal, &amount); underflow {
			return fmt.Errorf("staked total below stake of %s", caller)
		}
		l.state.SetGlobals(g)
		l.state.DeleteUser(caller)

		if err := l.token.Transfer(l.address, caller, &amount); err != nil {
			return err
		}
		tx.emit(KindUnstake, caller, &amount)
		return nil
	})
}

// ClaimRewards pays the difference between the attested cumulative figure
// newTotal and what caller has already been paid.
func (l *Ledger) ClaimRewards(caller common.Address, newTotal *uint256.Int, sig attest.Signature) error {
	if newTotal == nil {
		newTotal = new(uint256.Int)
	}
	return l.apply("claimRewards", func(tx *txn) error {
		g := l.state.Globals()
		if !g.Active {
			return ErrNotActive
		}
		rec := l.state.User(caller)
		if rec.StakingStartTimestamp == 0 {
			return ErrNotStaking
		}
		if !lockupElapsed(rec.StakingStartTimestamp, tx.now) {
			return ErrLockupNotElapsed
		}
		if err := l.verifier.Verify(l.address, caller, rec.StakingStartTimestamp, newTotal, sig, g.Bouncer); err != nil {
			return ErrBadSignature
		}
		if newTotal.Cmp(&rec.TotalRewardsClaimed) <= 0 {
			return ErrNoNewRewards
		}

		incremental := new(uint256.Int).Sub(newTotal, &rec.TotalRewardsClaimed)
		if g.RewardsFundsTotal.Lt(incremental) {
			return ErrInsufficientRewardFunds
		}

		rec.TotalRewardsClaimed = *newTotal
		l.state.SetUser(caller, rec)
		g.RewardsFundsTotal.Sub(&g.RewardsFundsTotal, incremental)
		l.state.SetGlobals(g)

		if err := l.token.Transfer(l.address, caller, incremental); err != nil {
			return err
		}
		tx.emit(KindClaim, caller, incremental)
		return nil
	})
}

// User returns the record of addr; absent records are zero.
func (l *Ledger) User(addr common.Address) state.UserRecord {
	return l.state.User(addr)
}

// Globals returns the program-wide scalars.
func (l *Ledger) Globals() state.Globals {
	return l.state.Globals()
}

// IsActive reports the master switch.
func (l *Ledger) IsActive() bool {
	return l.state.Globals().Active
}

// Bouncer returns the attestation authority.
func (l *Ledger) Bouncer() common.Address {
	return l.state.Globals().Bouncer
}

// ClaimableAt returns the first time addr may claim, or 0 if it is not
// staking. A lockup ending past the clock's range reports math.MaxUint64.
func (l *Ledger) ClaimableAt(addr common.Address) uint64 {
	start := l.state.User(addr).StakingStartTimestamp
	if start == 0 {
		return 0
	}
	if start > math.MaxUint64-LockupPeriod {
		return math.MaxUint64
	}
	return start + LockupPeriod
}

// lockupElapsed reports whether a position started at start may claim at now.
// The boundary itself counts as elapsed.
func lockupElapsed(start, now uint64) bool {
	return now >= start && now-start >= LockupPeriod
}

// StateRoot returns the root of the last committed state.
func (l *Ledger) StateRoot() common.Hash {
	return l.state.Root()
}

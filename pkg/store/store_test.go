package store

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stable-net/stakingd/pkg/state"
	"github.com/stable-net/stakingd/pkg/token"
)

var (
	bouncer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	alice   = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob     = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func newMem(t *testing.T) *LevelDB {
	db, err := NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(staked, claimed, start uint64) state.UserRecord {
	var rec state.UserRecord
	rec.AmountStaked.SetUint64(staked)
	rec.TotalRewardsClaimed.SetUint64(claimed)
	rec.StakingStartTimestamp = start
	return rec
}

func populate(st state.Manager) {
	var g state.Globals
	g.Active = true
	g.Bouncer = bouncer
	g.StakedFundsTotal.SetUint64(30)
	g.RewardsFundsTotal.SetUint64(1000)
	st.SetGlobals(g)
	st.SetUser(alice, record(10, 5, 1700000000))
	st.SetUser(bob, record(20, 0, 1700000100))
}

func TestLoad_Empty(t *testing.T) {
	db := newMem(t)
	st := state.NewInMemoryManager()

	ok, err := db.Load(st, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, st.UserCount())
}

func TestPersistAndLoad(t *testing.T) {
	db := newMem(t)
	st := state.NewInMemoryManager()
	populate(st)
	root, err := st.Commit()
	require.NoError(t, err)

	require.NoError(t, db.Persist(st, nil))
	assert.True(t, st.TakeDirty().Empty())

	restored := state.NewInMemoryManager()
	ok, err := db.Load(restored, nil)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, st.Globals(), restored.Globals())
	assert.Equal(t, st.User(alice), restored.User(alice))
	assert.Equal(t, st.User(bob), restored.User(bob))
	assert.Equal(t, root, restored.Root())
	assert.True(t, restored.TakeDirty().Empty())
}

func TestPersist_Incremental(t *testing.T) {
	db := newMem(t)
	st := state.NewInMemoryManager()
	populate(st)
	require.NoError(t, db.Persist(st, nil))

	st.DeleteUser(alice)
	st.SetUser(bob, record(25, 0, 1700000100))
	g := st.Globals()
	g.StakedFundsTotal.SetUint64(25)
	st.SetGlobals(g)
	require.NoError(t, db.Persist(st, nil))

	restored := state.NewInMemoryManager()
	_, err := db.Load(restored, nil)
	require.NoError(t, err)

	assert.True(t, restored.User(alice).IsZero())
	assert.Equal(t, []common.Address{bob}, restored.Users())
	rec := restored.User(bob)
	assert.Equal(t, uint64(25), rec.AmountStaked.Uint64())
	rg := restored.Globals()
	assert.Equal(t, uint64(25), rg.StakedFundsTotal.Uint64())
}

func TestPersist_FullRewriteDropsStaleUsers(t *testing.T) {
	db := newMem(t)
	st := state.NewInMemoryManager()
	populate(st)
	require.NoError(t, db.Persist(st, nil))

	// Replace the whole state; alice disappears without a tracked delete
	replacement := state.NewInMemoryManager()
	replacement.SetUser(bob, record(1, 0, 5))
	dump := replacement.Dump()
	require.NoError(t, st.Load(dump))
	require.NoError(t, db.Persist(st, nil))

	restored := state.NewInMemoryManager()
	_, err := db.Load(restored, nil)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{bob}, restored.Users())
	assert.False(t, restored.Globals().Active)
}

func TestPersist_WithToken(t *testing.T) {
	db := newMem(t)
	st := state.NewInMemoryManager()
	populate(st)

	tok := token.NewLedger(nil)
	require.NoError(t, tok.Mint(alice, uint256.NewInt(77)))
	require.NoError(t, tok.Approve(alice, bob, uint256.NewInt(3)))

	p := db.Persister(tok)
	require.NoError(t, p.Persist(st))

	restoredTok := token.NewLedger(nil)
	ok, err := db.Load(state.NewInMemoryManager(), restoredTok)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, uint256.NewInt(77), restoredTok.BalanceOf(alice))
	assert.Equal(t, uint256.NewInt(3), restoredTok.Allowance(alice, bob))
	assert.Equal(t, uint256.NewInt(77), restoredTok.TotalSupply())
}

func TestPersist_NothingDirty(t *testing.T) {
	db := newMem(t)
	st := state.NewInMemoryManager()
	require.NoError(t, db.Persist(st, nil))

	ok, err := db.Load(state.NewInMemoryManager(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoad_Corrupt(t *testing.T) {
	db := newMem(t)
	require.NoError(t, db.db.Put(globalsKey, []byte{1, 2, 3}, nil))

	st := state.NewInMemoryManager()
	_, err := db.Load(st, nil)
	assert.Error(t, err)
}

func TestNew_Reopen(t *testing.T) {
	dir := t.TempDir()

	db, err := New(dir, Options{})
	require.NoError(t, err)
	st := state.NewInMemoryManager()
	populate(st)
	require.NoError(t, db.Persist(st, nil))
	require.NoError(t, db.Close())

	db, err = New(dir, Options{CacheSize: 32})
	require.NoError(t, err)
	defer db.Close()

	restored := state.NewInMemoryManager()
	ok, err := db.Load(restored, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, st.User(alice), restored.User(alice))
}

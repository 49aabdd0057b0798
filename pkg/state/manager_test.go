package state

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func record(staked, claimed, start uint64) UserRecord {
	return UserRecord{
		AmountStaked:          *uint256.NewInt(staked),
		TotalRewardsClaimed:   *uint256.NewInt(claimed),
		StakingStartTimestamp: start,
	}
}

func TestNewInMemoryManager(t *testing.T) {
	sm := NewInMemoryManager()
	require.NotNil(t, sm)
	assert.Equal(t, Globals{}, sm.Globals())
	assert.Equal(t, 0, sm.UserCount())
}

func TestStateGlobals(t *testing.T) {
	sm := NewInMemoryManager()

	g := Globals{
		Active:            true,
		Bouncer:           alice,
		StakedFundsTotal:  *uint256.NewInt(100),
		RewardsFundsTotal: *uint256.NewInt(50),
	}
	sm.SetGlobals(g)

	assert.Equal(t, g, sm.Globals())
}

func TestStateUser(t *testing.T) {
	sm := NewInMemoryManager()

	// Absent key reads as a zero record
	assert.True(t, sm.User(alice).IsZero())

	sm.SetUser(alice, record(10, 0, 1700000000))
	assert.Equal(t, record(10, 0, 1700000000), sm.User(alice))
	assert.Equal(t, 1, sm.UserCount())
}

func TestStateSetUser_ZeroDeletes(t *testing.T) {
	sm := NewInMemoryManager()

	sm.SetUser(alice, record(10, 0, 1))
	sm.SetUser(alice, UserRecord{})

	assert.Equal(t, 0, sm.UserCount())
	assert.Empty(t, sm.Users())
}

func TestStateDeleteUser(t *testing.T) {
	sm := NewInMemoryManager()

	sm.SetUser(alice, record(10, 5, 1))
	sm.DeleteUser(alice)

	assert.True(t, sm.User(alice).IsZero())
	assert.Equal(t, 0, sm.UserCount())
}

func TestStateUsers_Sorted(t *testing.T) {
	sm := NewInMemoryManager()

	sm.SetUser(bob, record(2, 0, 1))
	sm.SetUser(alice, record(1, 0, 1))

	assert.Equal(t, []common.Address{alice, bob}, sm.Users())
}

func TestStateSnapshot(t *testing.T) {
	sm := NewInMemoryManager()
	sm.SetUser(alice, record(10, 0, 1))

	snapID := sm.Snapshot()

	sm.SetUser(alice, record(20, 0, 1))
	sm.SetGlobals(Globals{Active: true})
	assert.Equal(t, record(20, 0, 1), sm.User(alice))

	sm.RevertToSnapshot(snapID)
	assert.Equal(t, record(10, 0, 1), sm.User(alice))
	assert.False(t, sm.Globals().Active)
}

func TestStateMultipleSnapshots(t *testing.T) {
	sm := NewInMemoryManager()

	sm.SetUser(alice, record(1, 0, 1))
	snap1 := sm.Snapshot()

	sm.SetUser(alice, record(2, 0, 1))
	snap2 := sm.Snapshot()

	sm.SetUser(alice, record(3, 0, 1))

	sm.RevertToSnapshot(snap2)
	assert.Equal(t, record(2, 0, 1), sm.User(alice))

	sm.RevertToSnapshot(snap1)
	assert.Equal(t, record(1, 0, 1), sm.User(alice))
}

func TestStateDiscardSnapshot(t *testing.T) {
	sm := NewInMemoryManager()

	sm.SetUser(alice, record(1, 0, 1))
	outer := sm.Snapshot()

	sm.SetUser(alice, record(2, 0, 1))
	inner := sm.Snapshot()
	sm.SetUser(alice, record(3, 0, 1))
	sm.DiscardSnapshot(inner)

	// Discarding keeps the current state
	assert.Equal(t, record(3, 0, 1), sm.User(alice))

	// and leaves older snapshots usable
	sm.RevertToSnapshot(outer)
	assert.Equal(t, record(1, 0, 1), sm.User(alice))

	// Reverting to a discarded id is a no-op
	sm.SetUser(alice, record(4, 0, 1))
	sm.RevertToSnapshot(inner)
	assert.Equal(t, record(4, 0, 1), sm.User(alice))
}

func TestStateTakeDirty(t *testing.T) {
	sm := NewInMemoryManager()
	assert.True(t, sm.TakeDirty().Empty())

	sm.SetUser(bob, record(1, 0, 1))
	sm.SetUser(alice, record(1, 0, 1))
	sm.SetGlobals(Globals{Active: true})

	d := sm.TakeDirty()
	assert.False(t, d.Full)
	assert.True(t, d.Globals)
	assert.Equal(t, []common.Address{alice, bob}, d.Users)

	// Reset after take
	assert.True(t, sm.TakeDirty().Empty())
}

func TestStateTakeDirty_RevertWithinGeneration(t *testing.T) {
	sm := NewInMemoryManager()
	sm.TakeDirty()

	snapID := sm.Snapshot()
	sm.SetUser(alice, record(1, 0, 1))
	sm.RevertToSnapshot(snapID)

	d := sm.TakeDirty()
	assert.False(t, d.Full)
	assert.Equal(t, []common.Address{alice}, d.Users)
}

func TestStateTakeDirty_RevertAcrossGenerations(t *testing.T) {
	sm := NewInMemoryManager()

	snapID := sm.Snapshot()
	sm.SetUser(alice, record(1, 0, 1))
	sm.TakeDirty()

	sm.RevertToSnapshot(snapID)

	d := sm.TakeDirty()
	assert.True(t, d.Full)
	assert.Nil(t, d.Users)
}

func TestStateRoot(t *testing.T) {
	sm := NewInMemoryManager()

	// Empty state has empty root
	root, err := sm.Commit()
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, root)

	sm.SetUser(alice, record(10, 0, 1))
	root1, err := sm.Commit()
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, root1)
	assert.Equal(t, root1, sm.Root())

	sm.SetUser(alice, record(11, 0, 1))
	root2, err := sm.Commit()
	require.NoError(t, err)
	assert.NotEqual(t, root1, root2)
}

func TestStateRoot_Deterministic(t *testing.T) {
	sm1 := NewInMemoryManager()
	sm1.SetUser(alice, record(1, 0, 1))
	sm1.SetUser(bob, record(2, 0, 2))

	sm2 := NewInMemoryManager()
	sm2.SetUser(bob, record(2, 0, 2))
	sm2.SetUser(alice, record(1, 0, 1))

	root1, _ := sm1.Commit()
	root2, _ := sm2.Commit()
	assert.Equal(t, root1, root2)
}

func TestEncodeGlobals_RoundTrip(t *testing.T) {
	g := Globals{
		Active:            true,
		Bouncer:           bob,
		StakedFundsTotal:  *uint256.MustFromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935"),
		RewardsFundsTotal: *uint256.NewInt(544),
	}

	data := EncodeGlobals(g)
	assert.Len(t, data, GlobalsSize)

	decoded, err := DecodeGlobals(data)
	require.NoError(t, err)
	assert.Equal(t, g, decoded)
}

func TestDecodeGlobals_Invalid(t *testing.T) {
	_, err := DecodeGlobals([]byte{1, 2, 3})
	assert.Error(t, err)

	data := EncodeGlobals(Globals{})
	data[0] = 7
	_, err = DecodeGlobals(data)
	assert.Error(t, err)
}

func TestEncodeUser_RoundTrip(t *testing.T) {
	rec := record(579, 123, 1700000000)

	data := EncodeUser(rec)
	assert.Len(t, data, UserSize)

	decoded, err := DecodeUser(data)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	_, err = DecodeUser(data[:10])
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	sm := NewInMemoryManager()
	sm.SetGlobals(Globals{
		Active:            true,
		Bouncer:           bob,
		StakedFundsTotal:  *uint256.NewInt(579),
		RewardsFundsTotal: *uint256.NewInt(1000),
	})
	sm.SetUser(alice, record(579, 0, 1700000000))

	dump := sm.Dump()
	require.NotNil(t, dump)

	assert.True(t, dump.Active)
	assert.Equal(t, bob.Hex(), dump.Bouncer)
	assert.Equal(t, "0x243", dump.StakedFundsTotal)
	assert.Equal(t, "0x3e8", dump.RewardsFundsTotal)

	ud, ok := dump.Users[alice.Hex()]
	require.True(t, ok)
	assert.Equal(t, "0x243", ud.AmountStaked)
	assert.Equal(t, "0x0", ud.TotalRewardsClaimed)
	assert.Equal(t, "0x6553f100", ud.StakingStartTimestamp)
}

func TestLoad_NilDump(t *testing.T) {
	sm := NewInMemoryManager()
	assert.NoError(t, sm.Load(nil))
}

func TestLoad_InvalidAmount(t *testing.T) {
	sm := NewInMemoryManager()
	sm.SetUser(alice, record(1, 0, 1))

	err := sm.Load(&StateDump{StakedFundsTotal: "not-hex"})
	assert.Error(t, err)

	// State untouched on failure
	assert.Equal(t, record(1, 0, 1), sm.User(alice))
}

func TestLoad_InvalidAddress(t *testing.T) {
	sm := NewInMemoryManager()

	err := sm.Load(&StateDump{Users: map[string]UserDump{"0xzz": {}}})
	assert.Error(t, err)
}

func TestDumpAndLoad_RoundTrip(t *testing.T) {
	sm := NewInMemoryManager()
	sm.SetGlobals(Globals{
		Active:            true,
		Bouncer:           bob,
		StakedFundsTotal:  *uint256.NewInt(30),
		RewardsFundsTotal: *uint256.NewInt(544),
	})
	sm.SetUser(alice, record(10, 456, 1700000000))
	sm.SetUser(bob, record(20, 0, 1700000500))
	root, err := sm.Commit()
	require.NoError(t, err)

	data, err := json.Marshal(sm.Dump())
	require.NoError(t, err)

	var dump StateDump
	require.NoError(t, json.Unmarshal(data, &dump))
	restored := NewInMemoryManager()
	require.NoError(t, restored.Load(&dump))

	assert.Equal(t, sm.Globals(), restored.Globals())
	assert.Equal(t, sm.User(alice), restored.User(alice))
	assert.Equal(t, sm.User(bob), restored.User(bob))
	assert.Equal(t, root, restored.Root())
	assert.True(t, restored.TakeDirty().Full)
}

func TestClear(t *testing.T) {
	sm := NewInMemoryManager()
	sm.SetUser(alice, record(1, 0, 1))
	sm.SetGlobals(Globals{Active: true})
	sm.Commit()

	sm.Clear()

	assert.Equal(t, 0, sm.UserCount())
	assert.Equal(t, Globals{}, sm.Globals())
	assert.Equal(t, common.Hash{}, sm.Root())
}

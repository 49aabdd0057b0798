// Package state provides the staking ledger's program state.
package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Globals holds the program-wide scalars.
type Globals struct {
	Active            bool
	Bouncer           common.Address
	StakedFundsTotal  uint256.Int
	RewardsFundsTotal uint256.Int
}

// UserRecord is the per-address staking position.
// A zero record is equivalent to an absent one.
type UserRecord struct {
	AmountStaked          uint256.Int
	TotalRewardsClaimed   uint256.Int
	StakingStartTimestamp uint64
}

// IsZero reports whether the record carries no position at all.
func (u UserRecord) IsZero() bool {
	return u.AmountStaked.IsZero() && u.TotalRewardsClaimed.IsZero() && u.StakingStartTimestamp == 0
}

// Reader provides read-only state access.
// Follows Interface Segregation Principle (ISP).
type Reader interface {
	Globals() Globals
	User(addr common.Address) UserRecord
	Users() []common.Address
	UserCount() int
	Root() common.Hash
}

// Writer provides state modification.
// Follows Interface Segregation Principle (ISP).
type Writer interface {
	SetGlobals(g Globals)
	SetUser(addr common.Address, rec UserRecord)
	DeleteUser(addr common.Address)
}

// Manager combines read and write operations.
type Manager interface {
	Reader
	Writer
	Commit() (common.Hash, error)
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
	TakeDirty() Dirty
	Dump() *StateDump
	Load(dump *StateDump) error
	Clear()
}

// Dirty lists what changed since the last TakeDirty call.
// Full is set when the whole state was replaced and must be rewritten.
type Dirty struct {
	Full    bool
	Globals bool
	Users   []common.Address
}

// Empty reports whether nothing needs to be written.
func (d Dirty) Empty() bool {
	return !d.Full && !d.Globals && len(d.Users) == 0
}

// snapshot holds a point-in-time state capture.
type snapshot struct {
	id       int
	dirtyGen uint64
	globals  Globals
	users    map[common.Address]UserRecord
}

// InMemoryManager implements Manager using in-memory storage.
type InMemoryManager struct {
	globals    Globals
	users      map[common.Address]UserRecord
	snapshots  []*snapshot
	nextSnapID int
	stateRoot  common.Hash

	dirtyFull    bool
	dirtyGlobals bool
	dirtyUsers   map[common.Address]struct{}
	dirtyGen     uint64 // bumped by every TakeDirty

	mu sync.RWMutex
}

// NewInMemoryManager creates a new in-memory state manager.
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		users:      make(map[common.Address]UserRecord),
		snapshots:  make([]*snapshot, 0),
		dirtyUsers: make(map[common.Address]struct{}),
	}
}

// Globals returns a copy of the program-wide scalars.
func (m *InMemoryManager) Globals() Globals {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.globals
}

// User returns the record of addr, zeroed if absent.
func (m *InMemoryManager) User(addr common.Address) UserRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.users[addr]
}

// Users returns every address holding a record, in ascending byte order.
func (m *InMemoryManager) Users() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedUsers()
}

func (m *InMemoryManager) sortedUsers() []common.Address {
	addrs := make([]common.Address, 0, len(m.users))
	for addr := range m.users {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	return addrs
}

// SetGlobals replaces the program-wide scalars.
func (m *InMemoryManager) SetGlobals(g Globals) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.globals = g
	m.dirtyGlobals = true
}

// SetUser stores the record of addr. Storing a zero record deletes it.
func (m *InMemoryManager) SetUser(addr common.Address, rec UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IsZero() {
		delete(m.users, addr)
	} else {
		m.users[addr] = rec
	}
	m.dirtyUsers[addr] = struct{}{}
}

// DeleteUser removes the record of addr.
func (m *InMemoryManager) DeleteUser(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, addr)
	m.dirtyUsers[addr] = struct{}{}
}

// Root returns the state root computed by the last Commit.
func (m *InMemoryManager) Root() common.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.stateRoot
}

// Commit recomputes the state root over the canonical encoding and returns it.
func (m *InMemoryManager) Commit() (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateRoot = m.calculateRoot()
	return m.stateRoot, nil
}

// calculateRoot hashes the globals followed by every record in address order.
func (m *InMemoryManager) calculateRoot() common.Hash {
	if len(m.users) == 0 && m.globals == (Globals{}) {
		return common.Hash{}
	}

	data := EncodeGlobals(m.globals)
	for _, addr := range m.sortedUsers() {
		data = append(data, addr.Bytes()...)
		data = append(data, EncodeUser(m.users[addr])...)
	}
	return crypto.Keccak256Hash(data)
}

// Snapshot captures the current state and returns an id for RevertToSnapshot.
func (m *InMemoryManager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make(map[common.Address]UserRecord, len(m.users))
	for addr, rec := range m.users {
		users[addr] = rec
	}

	snap := &snapshot{
		id:       m.nextSnapID,
		dirtyGen: m.dirtyGen,
		globals:  m.globals,
		users:    users,
	}

	m.snapshots = append(m.snapshots, snap)
	m.nextSnapID++

	return snap.id
}

func (m *InMemoryManager) snapshotIndex(id int) int {
	for i, snap := range m.snapshots {
		if snap.id == id {
			return i
		}
	}
	return -1
}

// RevertToSnapshot restores the state captured by id and drops it together
// with every snapshot taken after it.
func (m *InMemoryManager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.snapshotIndex(id)
	if idx == -1 {
		return
	}

	snap := m.snapshots[idx]
	m.globals = snap.globals
	m.users = make(map[common.Address]UserRecord, len(snap.users))
	for addr, rec := range snap.users {
		m.users[addr] = rec
	}
	// The dirty set still covers every write since the snapshot unless it was
	// taken in between; then only a full rewrite is safe.
	if snap.dirtyGen != m.dirtyGen {
		m.dirtyFull = true
	}

	m.snapshots = m.snapshots[:idx]
}

// DiscardSnapshot forgets the snapshot with the given id, keeping the current
// state. Other snapshots are left untouched.
func (m *InMemoryManager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.snapshotIndex(id)
	if idx == -1 {
		return
	}
	m.snapshots = append(m.snapshots[:idx], m.snapshots[idx+1:]...)
}

// TakeDirty returns the pending change set and resets it.
func (m *InMemoryManager) TakeDirty() Dirty {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Dirty{
		Full:    m.dirtyFull,
		Globals: m.dirtyGlobals,
	}
	if !d.Full {
		for addr := range m.dirtyUsers {
			d.Users = append(d.Users, addr)
		}
		sort.Slice(d.Users, func(i, j int) bool {
			return bytes.Compare(d.Users[i][:], d.Users[j][:]) < 0
		})
	}

	m.dirtyFull = false
	m.dirtyGlobals = false
	m.dirtyUsers = make(map[common.Address]struct{})
	m.dirtyGen++
	return d
}

// Fixed encodings shared with the persistent store.
const (
	GlobalsSize = 1 + common.AddressLength + 32 + 32
	UserSize    = 32 + 32 + 8
)

// EncodeGlobals returns the fixed-size binary form of g.
func EncodeGlobals(g Globals) []byte {
	buf := make([]byte, GlobalsSize)
	if g.Active {
		buf[0] = 1
	}
	copy(buf[1:], g.Bouncer.Bytes())
	staked, rewards := g.StakedFundsTotal.Bytes32(), g.RewardsFundsTotal.Bytes32()
	copy(buf[1+common.AddressLength:], staked[:])
	copy(buf[1+common.AddressLength+32:], rewards[:])
	return buf
}

// DecodeGlobals parses the output of EncodeGlobals.
func DecodeGlobals(data []byte) (Globals, error) {
	var g Globals
	if len(data) != GlobalsSize {
		return g, fmt.Errorf("invalid globals encoding length %d", len(data))
	}
	if data[0] > 1 {
		return g, fmt.Errorf("invalid active flag %d", data[0])
	}
	g.Active = data[0] == 1
	g.Bouncer = common.BytesToAddress(data[1 : 1+common.AddressLength])
	g.StakedFundsTotal.SetBytes(data[1+common.AddressLength : 1+common.AddressLength+32])
	g.RewardsFundsTotal.SetBytes(data[1+common.AddressLength+32:])
	return g, nil
}

// EncodeUser returns the fixed-size binary form of rec.
func EncodeUser(rec UserRecord) []byte {
	buf := make([]byte, UserSize)
	staked, claimed := rec.AmountStaked.Bytes32(), rec.TotalRewardsClaimed.Bytes32()
	copy(buf[:32], staked[:])
	copy(buf[32:64], claimed[:])
	binary.BigEndian.PutUint64(buf[64:], rec.StakingStartTimestamp)
	return buf
}

// DecodeUser parses the output of EncodeUser.
func DecodeUser(data []byte) (UserRecord, error) {
	var rec UserRecord
	if len(data) != UserSize {
		return rec, fmt.Errorf("invalid user encoding length %d", len(data))
	}
	rec.AmountStaked.SetBytes(data[:32])
	rec.TotalRewardsClaimed.SetBytes(data[32:64])
	rec.StakingStartTimestamp = binary.BigEndian.Uint64(data[64:])
	return rec, nil
}

// UserDump represents a user record in the state dump.
type UserDump struct {
	AmountStaked          string `json:"amountStaked"`
	TotalRewardsClaimed   string `json:"totalRewardsClaimed"`
	StakingStartTimestamp string `json:"stakingStartTimestamp"`
}

// StateDump represents a complete state dump.
type StateDump struct {
	Active            bool                `json:"active"`
	Bouncer           string              `json:"bouncer"`
	StakedFundsTotal  string              `json:"stakedFundsTotal"`
	RewardsFundsTotal string              `json:"rewardsFundsTotal"`
	Users             map[string]UserDump `json:"users"`
}

// Dump exports the current state as a serializable structure.
func (m *InMemoryManager) Dump() *StateDump {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dump := &StateDump{
		Active:            m.globals.Active,
		Bouncer:           m.globals.Bouncer.Hex(),
		StakedFundsTotal:  m.globals.StakedFundsTotal.Hex(),
		RewardsFundsTotal: m.globals.RewardsFundsTotal.Hex(),
		Users:             make(map[string]UserDump, len(m.users)),
	}

	for addr, rec := range m.users {
		dump.Users[addr.Hex()] = UserDump{
			AmountStaked:          rec.AmountStaked.Hex(),
			TotalRewardsClaimed:   rec.TotalRewardsClaimed.Hex(),
			StakingStartTimestamp: hexutil.EncodeUint64(rec.StakingStartTimestamp),
		}
	}

	return dump
}

// Load replaces the whole state with the contents of dump.
// Nothing changes if the dump is malformed.
func (m *InMemoryManager) Load(dump *StateDump) error {
	if dump == nil {
		return nil
	}

	var g Globals
	g.Active = dump.Active
	if dump.Bouncer != "" {
		if !common.IsHexAddress(dump.Bouncer) {
			return fmt.Errorf("invalid bouncer address %q", dump.Bouncer)
		}
		g.Bouncer = common.HexToAddress(dump.Bouncer)
	}
	if err := decodeAmount(dump.StakedFundsTotal, &g.StakedFundsTotal); err != nil {
		return fmt.Errorf("stakedFundsTotal: %w", err)
	}
	if err := decodeAmount(dump.RewardsFundsTotal, &g.RewardsFundsTotal); err != nil {
		return fmt.Errorf("rewardsFundsTotal: %w", err)
	}

	users := make(map[common.Address]UserRecord, len(dump.Users))
	for addrHex, ud := range dump.Users {
		if !common.IsHexAddress(addrHex) {
			return fmt.Errorf("invalid user address %q", addrHex)
		}
		var rec UserRecord
		if err := decodeAmount(ud.AmountStaked, &rec.AmountStaked); err != nil {
			return fmt.Errorf("user %s amountStaked: %w", addrHex, err)
		}
		if err := decodeAmount(ud.TotalRewardsClaimed, &rec.TotalRewardsClaimed); err != nil {
			return fmt.Errorf("user %s totalRewardsClaimed: %w", addrHex, err)
		}
		if ud.StakingStartTimestamp != "" {
			ts, err := hexutil.DecodeUint64(ud.StakingStartTimestamp)
			if err != nil {
				return fmt.Errorf("user %s stakingStartTimestamp: %w", addrHex, err)
			}
			rec.StakingStartTimestamp = ts
		}
		if !rec.IsZero() {
			users[common.HexToAddress(addrHex)] = rec
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.globals = g
	m.users = users
	m.dirtyFull = true
	m.stateRoot = m.calculateRoot()
	return nil
}

func decodeAmount(s string, out *uint256.Int) error {
	if s == "" {
		out.Clear()
		return nil
	}
	b, err := hexutil.DecodeBig(s)
	if err != nil {
		return err
	}
	if overflow := out.SetFromBig(b); overflow {
		return fmt.Errorf("value %s exceeds 256 bits", s)
	}
	return nil
}

// Clear removes all state.
func (m *InMemoryManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.globals = Globals{}
	m.users = make(map[common.Address]UserRecord)
	m.snapshots = make([]*snapshot, 0)
	m.nextSnapID = 0
	m.stateRoot = common.Hash{}
	m.dirtyFull = true
}

// UserCount returns the number of records in the state.
func (m *InMemoryManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

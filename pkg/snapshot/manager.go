// Package snapshot provides evm_snapshot style checkpoints of the ledger
// state and the token balances it custodies.
package snapshot

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/stable-net/stakingd/pkg/state"
)

var logger = log.New("pkg", "snapshot")

// Snapshotter is a journaled store that can roll back to a checkpoint.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Serializer runs fn while no ledger operation is in flight and persists
// whatever fn changed. *ledger.Ledger implements it.
type Serializer interface {
	Exclusive(fn func() error) error
}

// Snapshot holds a point-in-time state capture.
type Snapshot struct {
	ID          uint64
	StateSnapID int
	TokenSnapID int
	Root        common.Hash
}

// Manager manages state snapshots.
type Manager struct {
	state  state.Manager
	token  Snapshotter
	serial Serializer

	snapshots map[uint64]*Snapshot
	nextID    uint64

	mu sync.RWMutex
}

// NewManager creates a new snapshot manager.
func NewManager(st state.Manager, tok Snapshotter, serial Serializer) *Manager {
	return &Manager{
		state:     st,
		token:     tok,
		serial:    serial,
		snapshots: make(map[uint64]*Snapshot),
		nextID:    1,
	}
}

// Snapshot creates a new snapshot and returns its ID.
func (m *Manager) Snapshot() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{ID: m.nextID}
	err := m.serial.Exclusive(func() error {
		snap.StateSnapID = m.state.Snapshot()
		snap.TokenSnapID = m.token.Snapshot()
		snap.Root = m.state.Root()
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.snapshots[m.nextID] = snap
	m.nextID++

	logger.Debug("Snapshot taken", "id", snap.ID, "root", snap.Root)
	return snap.ID, nil
}

// Revert reverts to a previous snapshot. The snapshot and all later ones are
// consumed.
func (m *Manager) Revert(id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, exists := m.snapshots[id]
	if !exists {
		return false, nil
	}

	err := m.serial.Exclusive(func() error {
		m.state.RevertToSnapshot(snap.StateSnapID)
		m.token.RevertToSnapshot(snap.TokenSnapID)
		return nil
	})

	// The underlying stores dropped every later checkpoint either way
	for snapID := range m.snapshots {
		if snapID >= id {
			delete(m.snapshots, snapID)
		}
	}
	if err != nil {
		return false, err
	}

	logger.Info("Reverted to snapshot", "id", id, "root", snap.Root)
	return true, nil
}

// Delete removes a snapshot.
func (m *Manager) Delete(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, exists := m.snapshots[id]
	if !exists {
		return false
	}

	m.discard(snap)
	delete(m.snapshots, id)
	return true
}

func (m *Manager) discard(snap *Snapshot) {
	_ = m.serial.Exclusive(func() error {
		m.state.DiscardSnapshot(snap.StateSnapID)
		m.token.DiscardSnapshot(snap.TokenSnapID)
		return nil
	})
}

// List returns all snapshot IDs in creation order.
func (m *Manager) List() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uint64, 0, len(m.snapshots))
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear removes all snapshots.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range m.snapshots {
		m.discard(snap)
	}
	m.snapshots = make(map[uint64]*Snapshot)
}

// Count returns the number of snapshots.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.snapshots)
}

// Get retrieves a snapshot by ID.
func (m *Manager) Get(id uint64) (*Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, exists := m.snapshots[id]
	return snap, exists
}


// Package cheats provides the dev node's cheat codes: a virtual clock that can
// be moved forward, account impersonation and direct token balance edits.
package cheats

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/stable-net/stakingd/pkg/token"
)

var (
	// ErrTimestampInPast is returned when asked to move the clock backwards.
	ErrTimestampInPast = errors.New("timestamp is before the current time")
	// ErrTimeOverflow is returned when a jump would run past the clock's range.
	ErrTimeOverflow = errors.New("timestamp overflows uint64")
)

// Manager implements cheat code functionality.
type Manager struct {
	token *token.Ledger

	// Impersonation
	impersonated    map[common.Address]bool
	autoImpersonate bool

	// Time manipulation
	wallClock     func() time.Time
	timeOffset    uint64
	nextTimestamp uint64
	lastTimestamp uint64

	mu sync.RWMutex
}

// NewManager creates a new cheat code manager.
func NewManager(tok *token.Ledger) *Manager {
	return &Manager{
		token:        tok,
		impersonated: make(map[common.Address]bool),
		wallClock:    time.Now,
	}
}

// SetWallClock replaces the time source the virtual clock runs on.
func (m *Manager) SetWallClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wallClock = now
}

// Deal sets the token balance of an address, minting or burning the difference.
func (m *Manager) Deal(addr common.Address, amount *uint256.Int) error {
	current := m.token.BalanceOf(addr)
	switch current.Cmp(amount) {
	case -1:
		return m.token.Mint(addr, new(uint256.Int).Sub(amount, current))
	case 1:
		return m.token.Burn(addr, new(uint256.Int).Sub(current, amount))
	}
	return nil
}

// ImpersonateAccount enables impersonation for an address.
func (m *Manager) ImpersonateAccount(addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.impersonated[addr] = true
	return nil
}

// StopImpersonatingAccount disables impersonation for an address.
func (m *Manager) StopImpersonatingAccount(addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.impersonated, addr)
	return nil
}

// IsImpersonating returns true if the address is being impersonated.
func (m *Manager) IsImpersonating(addr common.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.autoImpersonate {
		return true
	}
	return m.impersonated[addr]
}

// SetAutoImpersonate enables or disables auto-impersonation for all addresses.
func (m *Manager) SetAutoImpersonate(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.autoImpersonate = enabled
}

// IsAutoImpersonate returns true if auto-impersonation is enabled.
func (m *Manager) IsAutoImpersonate() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.autoImpersonate
}

// GetImpersonatedAccounts returns all impersonated addresses, sorted.
func (m *Manager) GetImpersonatedAccounts() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]common.Address, 0, len(m.impersonated))
	for addr := range m.impersonated {
		accounts = append(accounts, addr)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Cmp(accounts[j]) < 0
	})
	return accounts
}

func (m *Manager) wall() uint64 {
	return uint64(m.wallClock().Unix())
}

// current returns the virtual time without consuming a pending timestamp.
// Callers hold the lock.
func (m *Manager) current() uint64 {
	if m.nextTimestamp != 0 {
		return m.nextTimestamp
	}
	ts := uint64(math.MaxUint64)
	if wall := m.wall(); m.timeOffset <= math.MaxUint64-wall {
		ts = wall + m.timeOffset
	}
	if ts < m.lastTimestamp {
		ts = m.lastTimestamp
	}
	return ts
}

// Now returns the virtual time and consumes a timestamp set with
// SetNextTimestamp. The clock never goes backwards.
func (m *Manager) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.current()
	if m.nextTimestamp != 0 {
		// Keep running from the pinned time.
		if wall := m.wall(); ts > wall {
			m.timeOffset = ts - wall
		}
		m.nextTimestamp = 0
	}
	m.lastTimestamp = ts
	return ts
}

// GetCurrentTimestamp returns the current virtual timestamp.
func (m *Manager) GetCurrentTimestamp() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current()
}

// IncreaseTime moves the clock forward and returns the new timestamp.
func (m *Manager) IncreaseTime(seconds uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seconds > math.MaxUint64-m.current() {
		return 0, ErrTimeOverflow
	}
	if m.nextTimestamp != 0 {
		m.nextTimestamp += seconds
		return m.nextTimestamp, nil
	}
	m.timeOffset += seconds
	return m.current(), nil
}

// SetNextTimestamp pins the time the next operation observes.
func (m *Manager) SetNextTimestamp(timestamp uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextTimestamp == 0 && timestamp < m.current() {
		return ErrTimestampInPast
	}
	if m.nextTimestamp != 0 && timestamp < m.lastTimestamp {
		return ErrTimestampInPast
	}
	m.nextTimestamp = timestamp
	return nil
}

// GetNextTimestamp returns the pinned timestamp, or 0.
func (m *Manager) GetNextTimestamp() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.nextTimestamp
}

// Reset resets all cheat state.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.impersonated = make(map[common.Address]bool)
	m.autoImpersonate = false
	m.timeOffset = 0
	m.nextTimestamp = 0
	m.lastTimestamp = 0
}

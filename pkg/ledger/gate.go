package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Gate decides who may run privileged operations.
type Gate interface {
	IsAdministrator(caller common.Address) bool
}

// OwnerGate is a single-owner Gate.
type OwnerGate struct {
	owner common.Address
	mu    sync.RWMutex
}

// NewOwnerGate creates a gate owned by owner.
func NewOwnerGate(owner common.Address) *OwnerGate {
	return &OwnerGate{owner: owner}
}

// IsAdministrator reports whether caller is the owner.
func (g *OwnerGate) IsAdministrator(caller common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return caller == g.owner && caller != (common.Address{})
}

// Owner returns the current owner.
func (g *OwnerGate) Owner() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// Package token provides the fungible asset ledger the staking ledger takes
// custody through: balances, allowances and transfers with ERC20 semantics.
package token

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// MaxAllowance is treated as an infinite approval and never decremented.
var MaxAllowance = new(uint256.Int).SetAllOne()

// Config holds the token metadata.
type Config struct {
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// DefaultConfig returns the default token metadata.
func DefaultConfig() *Config {
	return &Config{
		Name:     "Stake Token",
		Symbol:   "STK",
		Decimals: 18,
	}
}

type snapshot struct {
	id          int
	balances    map[common.Address]uint256.Int
	allowances  map[common.Address]map[common.Address]uint256.Int
	totalSupply uint256.Int
}

// Ledger manages token balances and allowances.
type Ledger struct {
	config      Config
	balances    map[common.Address]uint256.Int
	allowances  map[common.Address]map[common.Address]uint256.Int
	totalSupply uint256.Int

	snapshots  []*snapshot
	nextSnapID int

	mu sync.RWMutex
}

// NewLedger creates an empty token ledger. A nil config selects DefaultConfig.
func NewLedger(cfg *Config) *Ledger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Ledger{
		config:     *cfg,
		balances:   make(map[common.Address]uint256.Int),
		allowances: make(map[common.Address]map[common.Address]uint256.Int),
	}
}

// Name returns the token name.
func (l *Ledger) Name() string { return l.config.Name }

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string { return l.config.Symbol }

// Decimals returns the token decimals.
func (l *Ledger) Decimals() uint8 { return l.config.Decimals }

// BalanceOf returns the balance of addr.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bal := l.balances[addr]
	return bal.Clone()
}

// Allowance returns how much spender may pull from owner.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a := l.allowances[owner][spender]
	return a.Clone()
}

// TotalSupply returns the total supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.totalSupply.Clone()
}

// Mint creates amount tokens for to.
func (l *Ledger) Mint(to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	supply, overflow := new(uint256.Int).AddOverflow(&l.totalSupply, amount)
	if overflow {
		return ErrOverflow
	}

	bal := l.balances[to]
	bal.Add(&bal, amount)
	l.balances[to] = bal
	l.totalSupply = *supply

	return nil
}

// Burn destroys amount tokens held by from.
func (l *Ledger) Burn(from common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balances[from]
	if bal.Lt(amount) {
		return ErrInsufficientBalance
	}

	bal.Sub(&bal, amount)
	l.setBalance(from, bal)
	l.totalSupply.Sub(&l.totalSupply, amount)

	return nil
}

// Approve sets the amount spender may pull from owner.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender == (common.Address{}) {
		return ErrZeroAddress
	}

	l.setAllowance(owner, spender, *amount)
	return nil
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.transfer(from, to, amount)
}

// TransferFrom moves amount from from to to on behalf of spender, consuming
// allowance. The allowance is checked before the balance.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowances[from][spender]
	if allowed.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := l.transfer(from, to, amount); err != nil {
		return err
	}
	if !allowed.Eq(MaxAllowance) {
		allowed.Sub(&allowed, amount)
		l.setAllowance(from, spender, allowed)
	}
	return nil
}

func (l *Ledger) transfer(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}

	fromBal := l.balances[from]
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	fromBal.Sub(&fromBal, amount)
	l.setBalance(from, fromBal)

	// Cannot overflow: the sum of all balances is the total supply.
	toBal := l.balances[to]
	toBal.Add(&toBal, amount)
	l.setBalance(to, toBal)

	return nil
}

func (l *Ledger) setBalance(addr common.Address, bal uint256.Int) {
	if bal.IsZero() {
		delete(l.balances, addr)
		return
	}
	l.balances[addr] = bal
}

func (l *Ledger) setAllowance(owner, spender common.Address, amount uint256.Int) {
	if amount.IsZero() {
		if m, ok := l.allowances[owner]; ok {
			delete(m, spender)
			if len(m) == 0 {
				delete(l.allowances, owner)
			}
		}
		return
	}
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[common.Address]uint256.Int)
		l.allowances[owner] = m
	}
	m[spender] = amount
}

// Snapshot captures balances and allowances and returns an id for RevertToSnapshot.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &snapshot{
		id:          l.nextSnapID,
		balances:    make(map[common.Address]uint256.Int, len(l.balances)),
		allowances:  copyAllowances(l.allowances),
		totalSupply: l.totalSupply,
	}
	for addr, bal := range l.balances {
		snap.balances[addr] = bal
	}

	l.snapshots = append(l.snapshots, snap)
	l.nextSnapID++
	return snap.id
}

func copyAllowances(src map[common.Address]map[common.Address]uint256.Int) map[common.Address]map[common.Address]uint256.Int {
	dst := make(map[common.Address]map[common.Address]uint256.Int, len(src))
	for owner, m := range src {
		inner := make(map[common.Address]uint256.Int, len(m))
		for spender, a := range m {
			inner[spender] = a
		}
		dst[owner] = inner
	}
	return dst
}

func (l *Ledger) snapshotIndex(id int) int {
	for i, snap := range l.snapshots {
		if snap.id == id {
			return i
		}
	}
	return -1
}

// RevertToSnapshot restores the ledger captured by id and drops it together
// with every later snapshot.
func (l *Ledger) RevertToSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.snapshotIndex(id)
	if idx == -1 {
		return
	}

	snap := l.snapshots[idx]
	l.balances = make(map[common.Address]uint256.Int, len(snap.balances))
	for addr, bal := range snap.balances {
		l.balances[addr] = bal
	}
	l.allowances = copyAllowances(snap.allowances)
	l.totalSupply = snap.totalSupply

	l.snapshots = l.snapshots[:idx]
}

// DiscardSnapshot forgets the snapshot with the given id and keeps the current state.
func (l *Ledger) DiscardSnapshot(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.snapshotIndex(id)
	if idx == -1 {
		return
	}
	l.snapshots = append(l.snapshots[:idx], l.snapshots[idx+1:]...)
}

// Dump represents the token ledger in exported form.
type Dump struct {
	TotalSupply string                       `json:"totalSupply"`
	Balances    map[string]string            `json:"balances"`
	Allowances  map[string]map[string]string `json:"allowances,omitempty"`
}

// Dump exports balances and allowances.
func (l *Ledger) Dump() *Dump {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d := &Dump{
		TotalSupply: l.totalSupply.Hex(),
		Balances:    make(map[string]string, len(l.balances)),
	}
	for addr, bal := range l.balances {
		d.Balances[addr.Hex()] = bal.Hex()
	}
	if len(l.allowances) > 0 {
		d.Allowances = make(map[string]map[string]string, len(l.allowances))
		for owner, m := range l.allowances {
			inner := make(map[string]string, len(m))
			for spender, a := range m {
				inner[spender.Hex()] = a.Hex()
			}
			d.Allowances[owner.Hex()] = inner
		}
	}
	return d
}

// DumpJSON exports the ledger as JSON.
func (l *Ledger) DumpJSON() ([]byte, error) {
	return json.Marshal(l.Dump())
}

// Load replaces balances and allowances with the contents of d.
// The total supply is recomputed from the balances.
func (l *Ledger) Load(d *Dump) error {
	if d == nil {
		return nil
	}

	balances := make(map[common.Address]uint256.Int, len(d.Balances))
	var supply uint256.Int
	for addrHex, balHex := range d.Balances {
		if !common.IsHexAddress(addrHex) {
			return fmt.Errorf("invalid address %q", addrHex)
		}
		bal, err := parseAmount(balHex)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", addrHex, err)
		}
		if _, overflow := supply.AddOverflow(&supply, bal); overflow {
			return ErrOverflow
		}
		if !bal.IsZero() {
			balances[common.HexToAddress(addrHex)] = *bal
		}
	}

	allowances := make(map[common.Address]map[common.Address]uint256.Int, len(d.Allowances))
	for ownerHex, m := range d.Allowances {
		if !common.IsHexAddress(ownerHex) {
			return fmt.Errorf("invalid owner %q", ownerHex)
		}
		inner := make(map[common.Address]uint256.Int, len(m))
		for spenderHex, aHex := range m {
			if !common.IsHexAddress(spenderHex) {
				return fmt.Errorf("invalid spender %q", spenderHex)
			}
			a, err := parseAmount(aHex)
			if err != nil {
				return fmt.Errorf("allowance %s/%s: %w", ownerHex, spenderHex, err)
			}
			if !a.IsZero() {
				inner[common.HexToAddress(spenderHex)] = *a
			}
		}
		if len(inner) > 0 {
			allowances[common.HexToAddress(ownerHex)] = inner
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = balances
	l.allowances = allowances
	l.totalSupply = supply
	return nil
}

// LoadJSON imports the ledger from JSON.
func (l *Ledger) LoadJSON(data []byte) error {
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	return l.Load(&d)
}

func parseAmount(s string) (*uint256.Int, error) {
	b, err := hexutil.DecodeBig(s)
	if err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// Clear resets all balances, allowances and supply.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[common.Address]uint256.Int)
	l.allowances = make(map[common.Address]map[common.Address]uint256.Int)
	l.totalSupply.Clear()
	l.snapshots = nil
}

// Package genesis derives the dev accounts and seeds a fresh staking ledger.
package genesis

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/stable-net/stakingd/pkg/config"
	"github.com/stable-net/stakingd/pkg/ledger"
	"github.com/stable-net/stakingd/pkg/token"
)

var logger = log.New("pkg", "genesis")

// Account represents a dev account with its private key.
type Account struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// GenerateAccounts derives count accounts from a mnemonic along the default
// path m/44'/60'/0'/0/i.
func GenerateAccounts(mnemonic string, count int) ([]*Account, error) {
	return DeriveAccounts(mnemonic, config.DefaultDerivationPath, count)
}

// DeriveAccounts derives count accounts from a mnemonic. base is a BIP-44
// path prefix the account index is appended to.
func DeriveAccounts(mnemonic, base string, count int) ([]*Account, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	accs := make([]*Account, count)

	for i := 0; i < count; i++ {
		path, err := accounts.ParseDerivationPath(base + strconv.Itoa(i))
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path %q: %w", base, err)
		}
		key, err := deriveKey(seed, path)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key %d: %w", i, err)
		}

		accs[i] = &Account{
			Address:    crypto.PubkeyToAddress(key.PublicKey),
			PrivateKey: key,
		}
	}

	return accs, nil
}

// deriveKey walks path from the BIP-32 master key of seed.
func deriveKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, index := range path {
		if key, err = key.NewChildKey(index); err != nil {
			return nil, fmt.Errorf("child %d: %w", index, err)
		}
	}
	return crypto.ToECDSA(common.LeftPadBytes(key.Key, 32))
}

// Plan is the resolved genesis of a ledger.
type Plan struct {
	Accounts []*Account
	Admin    common.Address
	Bouncer  common.Address
	Ledger   common.Address

	Balance        *uint256.Int
	InitialRewards *uint256.Int
	Active         bool
}

// NewPlan resolves the genesis described by cfg. The administrator defaults
// to the first dev account, the bouncer to the administrator and the ledger
// address to the administrator's first contract address.
func NewPlan(cfg *config.Config) (*Plan, error) {
	accs, err := DeriveAccounts(cfg.Mnemonic, cfg.DerivationPath, cfg.AccountCount)
	if err != nil {
		return nil, fmt.Errorf("failed to generate accounts: %w", err)
	}

	p := &Plan{
		Accounts:       accs,
		Balance:        new(uint256.Int),
		InitialRewards: new(uint256.Int),
	}
	if cfg.DefaultBalance != nil {
		if overflow := p.Balance.SetFromBig(cfg.DefaultBalance); overflow {
			return nil, fmt.Errorf("defaultBalance exceeds 256 bits")
		}
	}

	lc := cfg.Ledger
	if lc == nil {
		lc = &config.LedgerConfig{}
	}
	switch {
	case lc.Admin != nil:
		p.Admin = *lc.Admin
	case len(accs) > 0:
		p.Admin = accs[0].Address
	default:
		return nil, fmt.Errorf("no administrator: set ledger.admin or accountCount")
	}
	p.Bouncer = p.Admin
	if lc.Bouncer != nil {
		p.Bouncer = *lc.Bouncer
	}
	p.Ledger = crypto.CreateAddress(p.Admin, 0)
	if lc.Address != nil {
		p.Ledger = *lc.Address
	}
	if lc.InitialRewards != nil {
		if overflow := p.InitialRewards.SetFromBig(lc.InitialRewards); overflow {
			return nil, fmt.Errorf("initialRewards exceeds 256 bits")
		}
	}
	p.Active = lc.Active

	return p, nil
}

// Account returns the dev account with the given address.
func (p *Plan) Account(addr common.Address) (*Account, bool) {
	for _, acc := range p.Accounts {
		if acc.Address == addr {
			return acc, true
		}
	}
	return nil, false
}

// Addresses lists the dev accounts in derivation order.
func (p *Plan) Addresses() []common.Address {
	addrs := make([]common.Address, len(p.Accounts))
	for i, acc := range p.Accounts {
		addrs[i] = acc.Address
	}
	return addrs
}

// Apply seeds a fresh ledger: funds the dev accounts, registers the
// bouncer, deposits the initial rewards and turns the program on.
func (p *Plan) Apply(l *ledger.Ledger, tok *token.Ledger) error {
	err := l.Exclusive(func() error {
		if !p.Balance.IsZero() {
			for _, acc := range p.Accounts {
				if err := tok.Mint(acc.Address, p.Balance); err != nil {
					return fmt.Errorf("fund %s: %w", acc.Address, err)
				}
			}
		}
		if p.InitialRewards.IsZero() {
			return nil
		}
		if err := tok.Mint(p.Admin, p.InitialRewards); err != nil {
			return fmt.Errorf("fund administrator: %w", err)
		}
		return tok.Approve(p.Admin, p.Ledger, p.InitialRewards)
	})
	if err != nil {
		return err
	}

	if err := l.Initialize(p.Admin); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if p.Bouncer != p.Admin {
		if err := l.SetBouncer(p.Admin, p.Bouncer); err != nil {
			return fmt.Errorf("set bouncer: %w", err)
		}
	}
	if !p.InitialRewards.IsZero() {
		if err := l.DepositRewardsFunds(p.Admin, p.InitialRewards); err != nil {
			return fmt.Errorf("deposit rewards: %w", err)
		}
	}
	if p.Active && !l.IsActive() {
		if err := l.ToggleActive(p.Admin); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}

	logger.Info("Ledger genesis applied", "ledger", p.Ledger, "admin", p.Admin, "bouncer", p.Bouncer,
		"accounts", len(p.Accounts), "rewards", p.InitialRewards, "active", l.IsActive())
	return nil
}

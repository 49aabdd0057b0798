// Package config provides configuration management for stakingd.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tyler-smith/go-bip39"
	"gopkg.in/yaml.v3"

	"github.com/stable-net/stakingd/pkg/token"
)

// Default values.
var (
	DefaultChainID         = uint64(31337)
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8545
	DefaultAccountCount    = 10
	DefaultBalance         = new(big.Int).Mul(big.NewInt(10000), big.NewInt(1e18)) // 10000 tokens
	DefaultMnemonic        = "test test test test test test test test test test test junk"
	DefaultDerivationPath  = "m/44'/60'/0'/0/"
	DefaultAllowOrigin     = "*"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "terminal"
	DefaultSignerCacheSize = 1024
)

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"crit":  true,
}

var validLogFormats = map[string]bool{
	"terminal": true,
	"json":     true,
}

// Config defines the node configuration.
type Config struct {
	ChainID uint64 `json:"chainId" yaml:"chainId"`

	// Server configuration
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	AllowOrigin string `json:"allowOrigin" yaml:"allowOrigin"`
	Metrics     bool   `json:"metrics" yaml:"metrics"`

	// Account configuration
	AccountCount    int      `json:"accountCount" yaml:"accountCount"`
	DefaultBalance  *big.Int `json:"defaultBalance" yaml:"defaultBalance"`
	Mnemonic        string   `json:"mnemonic" yaml:"mnemonic"`
	DerivationPath  string   `json:"derivationPath" yaml:"derivationPath"`
	AutoImpersonate bool     `json:"autoImpersonate" yaml:"autoImpersonate"`

	// Storage; an empty DataDir keeps everything in memory
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`

	// Logging
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`

	Token  *token.Config `json:"token,omitempty" yaml:"token,omitempty"`
	Ledger *LedgerConfig `json:"ledger,omitempty" yaml:"ledger,omitempty"`
}

// LedgerConfig defines the staking ledger genesis.
type LedgerConfig struct {
	// Address of the ledger; derived from the administrator when unset.
	Address *common.Address `json:"address,omitempty" yaml:"address,omitempty"`
	// Administrator; the first dev account when unset.
	Admin *common.Address `json:"admin,omitempty" yaml:"admin,omitempty"`
	// Bouncer; the administrator when unset.
	Bouncer *common.Address `json:"bouncer,omitempty" yaml:"bouncer,omitempty"`
	// Active turns the program on at genesis.
	Active bool `json:"active" yaml:"active"`
	// InitialRewards is deposited by the administrator at genesis.
	InitialRewards  *big.Int `json:"initialRewards,omitempty" yaml:"initialRewards,omitempty"`
	SignerCacheSize int      `json:"signerCacheSize,omitempty" yaml:"signerCacheSize,omitempty"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		ChainID:        DefaultChainID,
		Host:           DefaultHost,
		Port:           DefaultPort,
		AllowOrigin:    DefaultAllowOrigin,
		AccountCount:   DefaultAccountCount,
		DefaultBalance: new(big.Int).Set(DefaultBalance),
		Mnemonic:       DefaultMnemonic,
		DerivationPath: DefaultDerivationPath,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		Token:          token.DefaultConfig(),
		Ledger: &LedgerConfig{
			SignerCacheSize: DefaultSignerCacheSize,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.ChainID == 0 {
		errs = append(errs, "chainId must be greater than 0")
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	if c.AccountCount <= 0 {
		errs = append(errs, "accountCount must be greater than 0")
	}

	if c.DefaultBalance != nil && c.DefaultBalance.Sign() < 0 {
		errs = append(errs, "defaultBalance cannot be negative")
	}

	if c.Mnemonic != "" && !bip39.IsMnemonicValid(c.Mnemonic) {
		errs = append(errs, "mnemonic is invalid")
	}

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, "logLevel must be one of: trace, debug, info, warn, error, crit")
	}

	if !validLogFormats[c.LogFormat] {
		errs = append(errs, "logFormat must be one of: terminal, json")
	}

	if c.Ledger != nil {
		zero := common.Address{}
		if c.Ledger.Address != nil && *c.Ledger.Address == zero {
			errs = append(errs, "ledger address cannot be the zero address")
		}
		if c.Ledger.Admin != nil && *c.Ledger.Admin == zero {
			errs = append(errs, "ledger admin cannot be the zero address")
		}
		if c.Ledger.Bouncer != nil && *c.Ledger.Bouncer == zero {
			errs = append(errs, "ledger bouncer cannot be the zero address")
		}
		if c.Ledger.InitialRewards != nil && c.Ledger.InitialRewards.Sign() < 0 {
			errs = append(errs, "ledger initialRewards cannot be negative")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by extension.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Merge with defaults
	return MergeWithDefaults(&cfg), nil
}

// MergeWithDefaults merges partial config with default values.
func MergeWithDefaults(partial *Config) *Config {
	def := Default()

	if partial.ChainID != 0 {
		def.ChainID = partial.ChainID
	}
	if partial.Host != "" {
		def.Host = partial.Host
	}
	if partial.Port != 0 {
		def.Port = partial.Port
	}
	if partial.AllowOrigin != "" {
		def.AllowOrigin = partial.AllowOrigin
	}
	if partial.AccountCount != 0 {
		def.AccountCount = partial.AccountCount
	}
	if partial.DefaultBalance != nil {
		def.DefaultBalance = partial.DefaultBalance
	}
	if partial.Mnemonic != "" {
		def.Mnemonic = partial.Mnemonic
	}
	if partial.DerivationPath != "" {
		def.DerivationPath = partial.DerivationPath
	}
	if partial.LogLevel != "" {
		def.LogLevel = partial.LogLevel
	}
	if partial.LogFormat != "" {
		def.LogFormat = partial.LogFormat
	}
	if partial.Token != nil {
		if partial.Token.Name != "" {
			def.Token.Name = partial.Token.Name
		}
		if partial.Token.Symbol != "" {
			def.Token.Symbol = partial.Token.Symbol
		}
		if partial.Token.Decimals != 0 {
			def.Token.Decimals = partial.Token.Decimals
		}
	}
	if partial.Ledger != nil {
		ledger := *partial.Ledger
		if ledger.SignerCacheSize == 0 {
			ledger.SignerCacheSize = DefaultSignerCacheSize
		}
		def.Ledger = &ledger
	}
	def.Metrics = partial.Metrics
	def.AutoImpersonate = partial.AutoImpersonate
	def.DataDir = partial.DataDir

	return def
}

// Copy creates a deep copy of the configuration.
func (c *Config) Copy() *Config {
	copied := *c

	// Deep copy big.Int fields
	if c.DefaultBalance != nil {
		copied.DefaultBalance = new(big.Int).Set(c.DefaultBalance)
	}

	// Deep copy nested structs
	if c.Token != nil {
		tokenCopy := *c.Token
		copied.Token = &tokenCopy
	}
	if c.Ledger != nil {
		ledgerCopy := *c.Ledger
		if c.Ledger.Address != nil {
			addr := *c.Ledger.Address
			ledgerCopy.Address = &addr
		}
		if c.Ledger.Admin != nil {
			addr := *c.Ledger.Admin
			ledgerCopy.Admin = &addr
		}
		if c.Ledger.Bouncer != nil {
			addr := *c.Ledger.Bouncer
			ledgerCopy.Bouncer = &addr
		}
		if c.Ledger.InitialRewards != nil {
			ledgerCopy.InitialRewards = new(big.Int).Set(c.Ledger.InitialRewards)
		}
		copied.Ledger = &ledgerCopy
	}

	return &copied
}

// ServerAddr returns the server address string.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsPersistent returns true if state is kept on disk.
func (c *Config) IsPersistent() bool {
	return c.DataDir != ""
}

// StatePath returns the leveldb directory.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state")
}

// EventsPath returns the sqlite event index file.
func (c *Config) EventsPath() string {
	return filepath.Join(c.DataDir, "events.db")
}

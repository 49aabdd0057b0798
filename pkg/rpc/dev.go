package rpc

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/stable-net/stakingd/pkg/ledger"
	"github.com/stable-net/stakingd/pkg/state"
	"github.com/stable-net/stakingd/pkg/token"
)

// StateDump is the anvil_dumpState document: the ledger state together with
// the token balances it custodies.
type StateDump struct {
	State *state.StateDump `json:"state"`
	Token *token.Dump      `json:"token"`
}

// token_balanceOf returns the token balance of an address.
func (s *Server) tokenBalanceOf(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.token.BalanceOf(addr).Hex(), nil
}

// token_allowance returns what spender may still pull from owner.
func (s *Server) tokenAllowance(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	spender, rpcErr := parseAddress(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}
	return s.token.Allowance(owner, spender).Hex(), nil
}

// token_approve sets the allowance of spender over the owner's tokens.
func (s *Server) tokenApprove(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 3)
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	spender, rpcErr := parseAddress(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(args[2])
	if rpcErr != nil {
		return nil, rpcErr
	}

	err := s.ledger.Exclusive(func() error {
		return s.token.Approve(owner, spender, amount)
	})
	if err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// token_transfer moves tokens between accounts.
func (s *Server) tokenTransfer(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 3)
	if rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := s.parseCaller(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := parseAddress(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(args[2])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if from == s.ledger.Address() {
		// Custody only leaves through ledger operations
		return nil, invalidParams("Cannot transfer from the ledger account")
	}

	err := s.ledger.Exclusive(func() error {
		return s.token.Transfer(from, to, amount)
	})
	if err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// token_mint creates tokens for an address.
func (s *Server) tokenMint(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}

	err := s.ledger.Exclusive(func() error {
		return s.token.Mint(to, amount)
	})
	if err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// anvil_setBalance sets the token balance of an account.
func (s *Server) anvilSetBalance(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, rpcErr := parseAmount(args[1])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if addr == s.ledger.Address() {
		return nil, invalidParams("Cannot set the balance of the ledger account")
	}

	err := s.ledger.Exclusive(func() error {
		return s.cheats.Deal(addr, balance)
	})
	if err != nil {
		return nil, toError(err)
	}
	return true, nil
}

// anvil_impersonateAccount lets calls act as an address without its key.
func (s *Server) anvilImpersonateAccount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.cheats.ImpersonateAccount(addr); err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	return true, nil
}

// anvil_stopImpersonatingAccount disables impersonation for an address.
func (s *Server) anvilStopImpersonatingAccount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	if err := s.cheats.StopImpersonatingAccount(addr); err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	return true, nil
}

// anvil_autoImpersonateAccount enables or disables auto-impersonation.
func (s *Server) anvilAutoImpersonateAccount(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var enabled bool
	if err := json.Unmarshal(args[0], &enabled); err != nil {
		return nil, invalidParams("Invalid enabled flag")
	}

	s.cheats.SetAutoImpersonate(enabled)
	return true, nil
}

// anvil_dumpState exports the ledger state and token balances.
func (s *Server) anvilDumpState() (interface{}, *ErrorObject) {
	var dump StateDump
	// Taken together so the two halves match
	_ = s.ledger.Exclusive(func() error {
		dump.State = s.state.Dump()
		dump.Token = s.token.Dump()
		return nil
	})
	return &dump, nil
}

// anvil_loadState replaces the ledger state and token balances with a dump.
func (s *Server) anvilLoadState(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var dump StateDump
	if err := json.Unmarshal(args[0], &dump); err != nil || dump.State == nil {
		return nil, invalidParams("Invalid state dump")
	}

	// Validate both halves before touching anything
	if err := state.NewInMemoryManager().Load(dump.State); err != nil {
		return nil, invalidParams("Invalid state dump: " + err.Error())
	}
	if err := token.NewLedger(nil).Load(dump.Token); err != nil {
		return nil, invalidParams("Invalid token dump: " + err.Error())
	}

	err := s.ledger.Exclusive(func() error {
		if err := s.state.Load(dump.State); err != nil {
			return err
		}
		if dump.Token != nil {
			return s.token.Load(dump.Token)
		}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}
	logger.Info("State loaded", "users", len(dump.State.Users), "root", s.ledger.StateRoot())
	return true, nil
}

// anvil_reset wipes the ledger and the token balances and replays genesis.
// The event index is an audit log and keeps its history.
func (s *Server) anvilReset() (interface{}, *ErrorObject) {
	if s.genesis == nil {
		return nil, &ErrorObject{Code: ErrCodeServer, Message: "reset unavailable"}
	}

	// Auto-impersonation is a node setting and survives
	auto := s.cheats.IsAutoImpersonate()
	s.cheats.Reset()
	s.cheats.SetAutoImpersonate(auto)
	s.snapshots.Clear()

	err := s.ledger.Exclusive(func() error {
		s.state.Clear()
		s.token.Clear()
		return nil
	})
	if err == nil {
		err = s.genesis.Apply(s.ledger, s.token)
	}
	if err != nil {
		return nil, &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
	logger.Info("Node reset", "root", s.ledger.StateRoot())
	return true, nil
}

// NodeInfo describes the running node.
type NodeInfo struct {
	ClientVersion   string           `json:"clientVersion"`
	ChainID         hexutil.Uint64   `json:"chainId"`
	Ledger          string           `json:"ledger"`
	Admin           *common.Address  `json:"admin,omitempty"`
	Timestamp       hexutil.Uint64   `json:"timestamp"`
	NextTimestamp   *hexutil.Uint64  `json:"nextTimestamp,omitempty"`
	LockupPeriod    hexutil.Uint64   `json:"lockupPeriod"`
	Snapshots       int              `json:"snapshots"`
	Accounts        int              `json:"accounts"`
	Users           int              `json:"users"`
	AutoImpersonate bool             `json:"autoImpersonate"`
	Impersonated    []common.Address `json:"impersonated"`
}

// anvil_nodeInfo describes the running node.
func (s *Server) anvilNodeInfo() *NodeInfo {
	info := &NodeInfo{
		ClientVersion:   ClientVersion,
		ChainID:         hexutil.Uint64(s.chainID),
		Ledger:          s.ledger.Address().Hex(),
		Timestamp:       hexutil.Uint64(s.cheats.GetCurrentTimestamp()),
		LockupPeriod:    hexutil.Uint64(ledger.LockupPeriod),
		Snapshots:       s.snapshots.Count(),
		Accounts:        len(s.accounts),
		Users:           s.state.UserCount(),
		AutoImpersonate: s.cheats.IsAutoImpersonate(),
		Impersonated:    s.cheats.GetImpersonatedAccounts(),
	}
	if s.gate != nil {
		admin := s.gate.Owner()
		info.Admin = &admin
	}
	if next := s.cheats.GetNextTimestamp(); next != 0 {
		ts := hexutil.Uint64(next)
		info.NextTimestamp = &ts
	}
	return info
}

// evm_snapshot creates a snapshot.
func (s *Server) evmSnapshot() (interface{}, *ErrorObject) {
	id, err := s.snapshots.Snapshot()
	if err != nil {
		return nil, toError(err)
	}
	return hexutil.EncodeUint64(id), nil
}

// evm_revert reverts to a snapshot.
func (s *Server) evmRevert(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := parseUint64(args[0])
	if rpcErr != nil {
		return nil, invalidParams("Invalid snapshot ID")
	}

	ok, err := s.snapshots.Revert(id)
	if err != nil {
		return nil, toError(err)
	}
	return ok, nil
}

// evm_increaseTime moves the clock forward.
func (s *Server) evmIncreaseTime(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	seconds, rpcErr := parseUint64(args[0])
	if rpcErr != nil {
		return nil, invalidParams("Invalid seconds")
	}

	newTime, err := s.cheats.IncreaseTime(seconds)
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return hexutil.EncodeUint64(newTime), nil
}

// evm_setNextTimestamp pins the time the next operation observes.
func (s *Server) evmSetNextTimestamp(params json.RawMessage) (interface{}, *ErrorObject) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	ts, rpcErr := parseUint64(args[0])
	if rpcErr != nil {
		return nil, invalidParams("Invalid timestamp")
	}

	if err := s.cheats.SetNextTimestamp(ts); err != nil {
		return nil, invalidParams(err.Error())
	}
	return true, nil
}

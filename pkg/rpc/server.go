// Package rpc provides the JSON-RPC server of the staking node.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/stable-net/stakingd/pkg/cheats"
	"github.com/stable-net/stakingd/pkg/eventdb"
	"github.com/stable-net/stakingd/pkg/genesis"
	"github.com/stable-net/stakingd/pkg/ledger"
	"github.com/stable-net/stakingd/pkg/metrics"
	"github.com/stable-net/stakingd/pkg/snapshot"
	"github.com/stable-net/stakingd/pkg/state"
	"github.com/stable-net/stakingd/pkg/token"
)

var logger = log.New("pkg", "rpc")

// JSON-RPC error codes.
const (
	ErrCodeReverted       = 3
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeServer         = -32000
)

// Version information.
const (
	ClientVersion = "stakingd/v0.1.0"
)

// maxBodySize bounds a request body.
const maxBodySize = 5 * 1024 * 1024

// Request represents a JSON-RPC request.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response represents a JSON-RPC response.
type Response struct {
	Jsonrpc string       `json:"jsonrpc"`
	ID      interface{}  `json:"id"`
	Result  interface{}  `json:"result,omitempty"`
	Error   *ErrorObject `json:"error,omitempty"`
}

// ErrorObject represents a JSON-RPC error.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorObject) Error() string { return e.Message }

// EventSource answers event history queries.
type EventSource interface {
	Filter(ctx context.Context, filter *eventdb.Filter) ([]ledger.Event, error)
}

// Config lists the components a Server serves.
type Config struct {
	ChainID   uint64
	Ledger    *ledger.Ledger
	State     state.Manager
	Token     *token.Ledger
	Cheats    *cheats.Manager
	Snapshots *snapshot.Manager
	// Events may be nil; staking_getEvents then fails.
	Events   EventSource
	Metrics  *metrics.Metrics
	Accounts []*genesis.Account
	// Gate reports the administrator; may be nil.
	Gate *ledger.OwnerGate
	// Genesis is replayed by anvil_reset; nil disables it.
	Genesis *genesis.Plan
}

// Server implements the staking JSON-RPC API.
type Server struct {
	chainID   uint64
	ledger    *ledger.Ledger
	state     state.Manager
	token     *token.Ledger
	cheats    *cheats.Manager
	snapshots *snapshot.Manager
	events    EventSource
	metrics   *metrics.Metrics
	gate      *ledger.OwnerGate
	genesis   *genesis.Plan

	accounts []common.Address
	keys     map[common.Address]*genesis.Account
}

// NewServer creates a new RPC server.
func NewServer(cfg Config) *Server {
	s := &Server{
		chainID:   cfg.ChainID,
		ledger:    cfg.Ledger,
		state:     cfg.State,
		token:     cfg.Token,
		cheats:    cfg.Cheats,
		snapshots: cfg.Snapshots,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		gate:      cfg.Gate,
		genesis:   cfg.Genesis,
		keys:      make(map[common.Address]*genesis.Account, len(cfg.Accounts)),
	}
	for _, acc := range cfg.Accounts {
		s.accounts = append(s.accounts, acc.Address)
		s.keys[acc.Address] = acc
	}
	return s
}

// ServeHTTP handles HTTP requests, single or batched.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, nil, ErrCodeParseError, "Failed to read request body")
		return
	}

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			s.writeError(w, nil, ErrCodeParseError, "Parse error")
			return
		}
		if len(batch) == 0 {
			s.writeError(w, nil, ErrCodeInvalidRequest, "Empty batch")
			return
		}
		responses := make([]interface{}, 0, len(batch))
		for _, raw := range batch {
			responses = append(responses, s.handleRequest(r.Context(), raw))
		}
		json.NewEncoder(w).Encode(responses)
		return
	}

	json.NewEncoder(w).Encode(s.handleRequest(r.Context(), body))
}

// handleRequest serves one request and returns its response object.
func (s *Server) handleRequest(ctx context.Context, raw json.RawMessage) interface{} {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, ErrCodeParseError, "Parse error")
	}
	if req.Method == "" {
		return errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid request")
	}

	start := time.Now()
	result, rpcErr := s.handleMethod(ctx, req.Method, req.Params)
	s.metrics.ObserveRPC(metricLabel(req.Method, rpcErr), rpcErr == nil, time.Since(start))

	if rpcErr != nil {
		logger.Debug("RPC call failed", "method", req.Method, "code", rpcErr.Code, "err", rpcErr.Message)
		return errorResponse(req.ID, rpcErr.Code, rpcErr.Message)
	}
	logger.Trace("RPC call", "method", req.Method, "elapsed", time.Since(start))

	// Handle nil result specially to output "null" instead of omitting
	if result == nil {
		return struct {
			Jsonrpc string      `json:"jsonrpc"`
			ID      interface{} `json:"id"`
			Result  interface{} `json:"result"`
		}{
			Jsonrpc: "2.0",
			ID:      req.ID,
		}
	}
	return Response{
		Jsonrpc: "2.0",
		ID:      req.ID,
		Result:  result,
	}
}

// metricLabel keeps unknown method names out of the metric labels.
func metricLabel(method string, rpcErr *ErrorObject) string {
	if rpcErr != nil && rpcErr.Code == ErrCodeMethodNotFound {
		return "unknown"
	}
	return method
}

func errorResponse(id interface{}, code int, message string) Response {
	return Response{
		Jsonrpc: "2.0",
		ID:      id,
		Error: &ErrorObject{
			Code:    code,
			Message: message,
		},
	}
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	json.NewEncoder(w).Encode(errorResponse(id, code, message))
}

func (s *Server) handleMethod(ctx context.Context, method string, params json.RawMessage) (interface{}, *ErrorObject) {
	switch method {
	// staking_* methods
	case "staking_stake":
		return s.stakingStake(params)
	case "staking_unstake":
		return s.stakingUnstake(params)
	case "staking_claimRewards":
		return s.stakingClaimRewards(params)
	case "staking_setBouncer":
		return s.stakingSetBouncer(params)
	case "staking_toggleActive":
		return s.stakingToggleActive(params)
	case "staking_depositRewardsFunds":
		return s.stakingDepositRewardsFunds(params)
	case "staking_withdrawRewardsFunds":
		return s.stakingWithdrawRewardsFunds(params)
	case "staking_getUser":
		return s.stakingGetUser(params)
	case "staking_getTotals":
		return s.stakingGetTotals()
	case "staking_isActive":
		return s.ledger.IsActive(), nil
	case "staking_getBouncer":
		return s.ledger.Bouncer(), nil
	case "staking_claimableAt":
		return s.stakingClaimableAt(params)
	case "staking_getEvents":
		return s.stakingGetEvents(ctx, params)
	case "staking_stateRoot":
		return s.ledger.StateRoot(), nil
	case "staking_getAdmin":
		return s.stakingGetAdmin()
	case "staking_address":
		return s.ledger.Address(), nil
	case "staking_lockupPeriod":
		return hexutil.EncodeUint64(ledger.LockupPeriod), nil
	case "bouncer_sign":
		return s.bouncerSign(params)

	// token_* methods
	case "token_balanceOf":
		return s.tokenBalanceOf(params)
	case "token_allowance":
		return s.tokenAllowance(params)
	case "token_totalSupply":
		return s.token.TotalSupply().Hex(), nil
	case "token_approve":
		return s.tokenApprove(params)
	case "token_transfer":
		return s.tokenTransfer(params)
	case "token_mint":
		return s.tokenMint(params)

	// eth_* and web3_* methods
	case "eth_chainId":
		return hexutil.EncodeUint64(s.chainID), nil
	case "net_version":
		return new(big.Int).SetUint64(s.chainID).String(), nil
	case "eth_accounts":
		return s.ethAccounts(), nil
	case "web3_clientVersion":
		return ClientVersion, nil

	// anvil_* methods, with their hardhat_* aliases
	case "anvil_setBalance", "hardhat_setBalance":
		return s.anvilSetBalance(params)
	case "anvil_impersonateAccount", "hardhat_impersonateAccount":
		return s.anvilImpersonateAccount(params)
	case "anvil_stopImpersonatingAccount", "hardhat_stopImpersonatingAccount":
		return s.anvilStopImpersonatingAccount(params)
	case "anvil_autoImpersonateAccount":
		return s.anvilAutoImpersonateAccount(params)
	case "anvil_reset", "hardhat_reset":
		return s.anvilReset()
	case "anvil_dumpState":
		return s.anvilDumpState()
	case "anvil_loadState":
		return s.anvilLoadState(params)
	case "anvil_nodeInfo":
		return s.anvilNodeInfo(), nil

	// evm_* methods, with their anvil_* aliases
	case "evm_snapshot", "anvil_snapshot":
		return s.evmSnapshot()
	case "evm_revert", "anvil_revert":
		return s.evmRevert(params)
	case "evm_increaseTime", "anvil_increaseTime":
		return s.evmIncreaseTime(params)
	case "evm_setNextTimestamp", "evm_setNextBlockTimestamp", "anvil_setNextBlockTimestamp":
		return s.evmSetNextTimestamp(params)

	default:
		return nil, &ErrorObject{Code: ErrCodeMethodNotFound, Message: "Method not found"}
	}
}

// toError maps an operation failure to a JSON-RPC error. Rejections are
// reported as reverted executions carrying the error text.
func toError(err error) *ErrorObject {
	var rpcErr *ErrorObject
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if ledger.IsRevert(err) {
		return &ErrorObject{Code: ErrCodeReverted, Message: err.Error()}
	}
	return &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
}

func invalidParams(msg string) *ErrorObject {
	return &ErrorObject{Code: ErrCodeInvalidParams, Message: msg}
}

// parseArgs splits positional params, requiring at least min of them.
func parseArgs(params json.RawMessage, min int) ([]json.RawMessage, *ErrorObject) {
	var args []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, invalidParams("Invalid params")
		}
	}
	if len(args) < min {
		return nil, invalidParams("Invalid params")
	}
	return args, nil
}

func parseAddress(raw json.RawMessage) (common.Address, *ErrorObject) {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil || !common.IsHexAddress(str) {
		return common.Address{}, invalidParams("Invalid address")
	}
	return common.HexToAddress(str), nil
}

// parseAmount accepts a 0x-prefixed hex string, a decimal string or a JSON
// number.
func parseAmount(raw json.RawMessage) (*uint256.Int, *ErrorObject) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return nil, invalidParams("Invalid amount")
	}
	v, ok := new(big.Int).SetString(text, 0)
	if !ok || v.Sign() < 0 {
		return nil, invalidParams("Invalid amount")
	}
	amount, overflow := uint256.FromBig(v)
	if overflow {
		return nil, invalidParams("Amount exceeds 256 bits")
	}
	return amount, nil
}

func parseUint64(raw json.RawMessage) (uint64, *ErrorObject) {
	amount, rpcErr := parseAmount(raw)
	if rpcErr != nil {
		return 0, rpcErr
	}
	if !amount.IsUint64() {
		return 0, invalidParams("Value exceeds 64 bits")
	}
	return amount.Uint64(), nil
}

// parseCaller resolves the acting account. It must be an unlocked dev
// account or impersonated.
func (s *Server) parseCaller(raw json.RawMessage) (common.Address, *ErrorObject) {
	addr, rpcErr := parseAddress(raw)
	if rpcErr != nil {
		return addr, rpcErr
	}
	if _, ok := s.keys[addr]; ok {
		return addr, nil
	}
	if s.cheats != nil && s.cheats.IsImpersonating(addr) {
		return addr, nil
	}
	return addr, toError(ledger.ErrUnauthorized)
}

func (s *Server) ethAccounts() []common.Address {
	accounts := make([]common.Address, len(s.accounts))
	copy(accounts, s.accounts)
	return accounts
}

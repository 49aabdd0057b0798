// Package e2e drives a complete node over its HTTP surface.
package e2e

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stable-net/stakingd/pkg/backend"
	"github.com/stable-net/stakingd/pkg/config"
	"github.com/stable-net/stakingd/pkg/ledger"
)

const maxAllowance = "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

type node struct {
	backend *backend.Backend
	server  *httptest.Server

	ledger, admin, alice, bob common.Address
}

func startNode(t *testing.T, dataDir string) *node {
	cfg := config.Default()
	cfg.AccountCount = 3
	cfg.DefaultBalance = big.NewInt(1_000_000)
	cfg.Ledger.InitialRewards = big.NewInt(10_000)
	cfg.Ledger.Active = true
	cfg.Metrics = true
	cfg.DataDir = dataDir

	b, err := backend.New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(b.Handler())

	plan := b.Plan()
	n := &node{
		backend: b,
		server:  srv,
		ledger:  plan.Ledger,
		admin:   plan.Accounts[0].Address,
		alice:   plan.Accounts[1].Address,
		bob:     plan.Accounts[2].Address,
	}
	t.Cleanup(n.stop)
	return n
}

func (n *node) stop() {
	n.backend.Stop()
	n.server.Close()
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (n *node) rawCall(t *testing.T, method string, params ...interface{}) (json.RawMessage, *rpcError) {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	resp, err := http.Post(n.server.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Result, out.Error
}

func (n *node) call(t *testing.T, out interface{}, method string, params ...interface{}) {
	t.Helper()
	result, rpcErr := n.rawCall(t, method, params...)
	require.Nil(t, rpcErr, "%s: %+v", method, rpcErr)
	if out != nil {
		require.NoError(t, json.Unmarshal(result, out))
	}
}

func (n *node) mustRevert(t *testing.T, want error, method string, params ...interface{}) {
	t.Helper()
	_, rpcErr := n.rawCall(t, method, params...)
	require.NotNil(t, rpcErr, "%s succeeded", method)
	assert.Equal(t, 3, rpcErr.Code)
	assert.Equal(t, want.Error(), rpcErr.Message)
}

func (n *node) balance(t *testing.T, addr common.Address) *big.Int {
	var hex string
	n.call(t, &hex, "token_balanceOf", addr)
	v, err := hexutil.DecodeBig(hex)
	require.NoError(t, err)
	return v
}

func (n *node) user(t *testing.T, addr common.Address) (staked, claimed *big.Int, start uint64) {
	var u struct {
		AmountStaked          string         `json:"amountStaked"`
		TotalRewardsClaimed   string         `json:"totalRewardsClaimed"`
		StakingStartTimestamp hexutil.Uint64 `json:"stakingStartTimestamp"`
	}
	n.call(t, &u, "staking_getUser", addr)
	staked, err := hexutil.DecodeBig(u.AmountStaked)
	require.NoError(t, err)
	claimed, err = hexutil.DecodeBig(u.TotalRewardsClaimed)
	require.NoError(t, err)
	return staked, claimed, uint64(u.StakingStartTimestamp)
}

func TestE2E_StakingLifecycle(t *testing.T) {
	n := startNode(t, "")

	n.call(t, nil, "token_approve", n.alice, n.ledger, maxAllowance)
	n.call(t, nil, "staking_stake", n.alice, "400000")
	n.call(t, nil, "staking_stake", n.alice, "100000")

	staked, claimed, start := n.user(t, n.alice)
	assert.Equal(t, int64(500_000), staked.Int64())
	assert.Zero(t, claimed.Sign())
	require.NotZero(t, start)
	assert.Equal(t, int64(500_000), n.balance(t, n.alice).Int64())

	var sig string
	n.call(t, &sig, "bouncer_sign", n.alice, "2500")
	n.mustRevert(t, ledger.ErrLockupNotElapsed, "staking_claimRewards", n.alice, "2500", sig)

	n.call(t, nil, "evm_increaseTime", ledger.LockupPeriod)
	n.call(t, nil, "staking_claimRewards", n.alice, "2500", sig)
	assert.Equal(t, int64(502_500), n.balance(t, n.alice).Int64())

	// More than the pool holds
	n.call(t, &sig, "bouncer_sign", n.alice, "20000")
	n.mustRevert(t, ledger.ErrInsufficientRewardFunds, "staking_claimRewards", n.alice, "20000", sig)

	n.call(t, nil, "staking_unstake", n.alice)
	assert.Equal(t, int64(1_002_500), n.balance(t, n.alice).Int64())

	staked, claimed, start = n.user(t, n.alice)
	assert.Zero(t, staked.Sign())
	assert.Zero(t, claimed.Sign())
	assert.Zero(t, start)

	var totals struct {
		StakedFundsTotal  string `json:"stakedFundsTotal"`
		RewardsFundsTotal string `json:"rewardsFundsTotal"`
	}
	n.call(t, &totals, "staking_getTotals")
	assert.Equal(t, "0x0", totals.StakedFundsTotal)
	assert.Equal(t, hexutil.EncodeUint64(7_500), totals.RewardsFundsTotal)
	assert.Equal(t, int64(7_500), n.balance(t, n.ledger).Int64())

	var events []struct {
		Kind   ledger.Kind `json:"kind"`
		Amount string      `json:"amount"`
	}
	n.call(t, &events, "staking_getEvents", map[string]interface{}{"account": n.alice})
	require.Len(t, events, 4)
	assert.Equal(t, ledger.KindStake, events[0].Kind)
	assert.Equal(t, ledger.KindStake, events[1].Kind)
	assert.Equal(t, ledger.KindClaim, events[2].Kind)
	assert.Equal(t, hexutil.EncodeUint64(2_500), events[2].Amount)
	assert.Equal(t, ledger.KindUnstake, events[3].Kind)
	assert.Equal(t, hexutil.EncodeUint64(500_000), events[3].Amount)
}

func TestE2E_RestakeResetsRewardHistory(t *testing.T) {
	n := startNode(t, "")

	n.call(t, nil, "token_approve", n.bob, n.ledger, maxAllowance)
	n.call(t, nil, "staking_stake", n.bob, "1000")
	n.call(t, nil, "evm_increaseTime", ledger.LockupPeriod)

	var oldSig string
	n.call(t, &oldSig, "bouncer_sign", n.bob, "300")
	n.call(t, nil, "staking_claimRewards", n.bob, "300", oldSig)
	n.call(t, nil, "staking_unstake", n.bob)

	n.call(t, nil, "evm_increaseTime", 60)
	n.call(t, nil, "staking_stake", n.bob, "1000")
	n.call(t, nil, "evm_increaseTime", ledger.LockupPeriod)

	// An attestation bound to the previous staking period is dead
	n.mustRevert(t, ledger.ErrBadSignature, "staking_claimRewards", n.bob, "300", oldSig)

	var sig string
	n.call(t, &sig, "bouncer_sign", n.bob, "300")
	n.call(t, nil, "staking_claimRewards", n.bob, "300", sig)

	_, claimed, _ := n.user(t, n.bob)
	assert.Equal(t, int64(300), claimed.Int64())
}

func TestE2E_AdministratorControls(t *testing.T) {
	n := startNode(t, "")

	n.mustRevert(t, ledger.ErrUnauthorized, "staking_toggleActive", n.alice)
	n.mustRevert(t, ledger.ErrUnauthorized, "staking_setBouncer", n.bob, n.bob)
	n.mustRevert(t, ledger.ErrUnauthorized, "staking_withdrawRewardsFunds", n.alice)

	var active bool
	n.call(t, &active, "staking_toggleActive", n.admin)
	require.False(t, active)

	n.call(t, nil, "token_approve", n.alice, n.ledger, maxAllowance)
	n.mustRevert(t, ledger.ErrNotActive, "staking_stake", n.alice, "1")

	n.call(t, &active, "staking_toggleActive", n.admin)
	require.True(t, active)
	n.call(t, nil, "staking_stake", n.alice, "1")

	// Rotate the bouncer to bob; admin-signed attestations stop working
	n.call(t, nil, "evm_increaseTime", ledger.LockupPeriod)
	var adminSig string
	n.call(t, &adminSig, "bouncer_sign", n.alice, "5")
	n.call(t, nil, "staking_setBouncer", n.admin, n.bob)
	n.mustRevert(t, ledger.ErrBadSignature, "staking_claimRewards", n.alice, "5", adminSig)

	var sig string
	n.call(t, &sig, "bouncer_sign", n.alice, "5")
	n.call(t, nil, "staking_claimRewards", n.alice, "5", sig)

	adminBefore := n.balance(t, n.admin)
	n.call(t, nil, "staking_withdrawRewardsFunds", n.admin)
	adminAfter := n.balance(t, n.admin)
	assert.Equal(t, int64(10_000-5), new(big.Int).Sub(adminAfter, adminBefore).Int64())
	// The stake stays in custody
	assert.Equal(t, int64(1), n.balance(t, n.ledger).Int64())
}

func TestE2E_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	n := startNode(t, dir)

	n.call(t, nil, "token_approve", n.alice, n.ledger, maxAllowance)
	n.call(t, nil, "staking_stake", n.alice, "777")
	var root common.Hash
	n.call(t, &root, "staking_stateRoot")
	n.stop()

	n = startNode(t, dir)
	staked, _, _ := n.user(t, n.alice)
	assert.Equal(t, int64(777), staked.Int64())

	var after common.Hash
	n.call(t, &after, "staking_stateRoot")
	assert.Equal(t, root, after)

	var events []json.RawMessage
	n.call(t, &events, "staking_getEvents")
	// deposit, status and stake from the first run
	assert.Len(t, events, 3)

	n.call(t, nil, "staking_unstake", n.alice)
	n.call(t, &events, "staking_getEvents")
	assert.Len(t, events, 4)
}

func TestE2E_EventStream(t *testing.T) {
	n := startNode(t, "")

	url := "ws" + strings.TrimPrefix(n.server.URL, "http") + "/ws?kind=stake&kind=unstake"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	n.call(t, nil, "token_approve", n.bob, n.ledger, maxAllowance)
	n.call(t, nil, "staking_stake", n.bob, "10")
	n.call(t, nil, "staking_unstake", n.bob)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var kinds []ledger.Kind
	for i := 0; i < 2; i++ {
		var ev struct {
			Kind    ledger.Kind    `json:"kind"`
			Account common.Address `json:"account"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, n.bob, ev.Account)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []ledger.Kind{ledger.KindStake, ledger.KindUnstake}, kinds)
}

func TestE2E_Metrics(t *testing.T) {
	n := startNode(t, "")
	n.call(t, nil, "staking_isActive")

	resp, err := http.Get(n.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `stakingd_rpc_requests_total{method="staking_isActive",status="ok"} 1`)
	assert.Contains(t, buf.String(), "stakingd_ledger_rewards_funds 10000")
}

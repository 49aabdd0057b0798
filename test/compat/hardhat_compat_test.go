package compat

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHardhat_DefaultAccounts checks the mnemonic-derived accounts Hardhat
// Network also uses.
func TestHardhat_DefaultAccounts(t *testing.T) {
	n := setupCompatNode(t)

	defaultAccounts := []string{
		"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		"0x90F79bf6EB2c4f870365E785982E1f101E93b906",
		"0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65",
	}

	accounts, ok := result(t, n, "eth_accounts").([]interface{})
	require.True(t, ok)
	for i, want := range defaultAccounts {
		assert.True(t, sameAddress(want, accounts[i]), "account %d", i)
	}
}

func TestHardhat_HardhatSetBalance(t *testing.T) {
	n := setupCompatNode(t)

	assert.Equal(t, true, result(t, n, "hardhat_setBalance", someone, "0x3635c9adc5dea00000"))
	assert.Equal(t, "0x3635c9adc5dea00000", result(t, n, "token_balanceOf", someone))
}

func TestHardhat_HardhatImpersonateAccount(t *testing.T) {
	n := setupCompatNode(t)

	result(t, n, "hardhat_setBalance", someone, "0x10")
	result(t, n, "hardhat_impersonateAccount", someone)
	result(t, n, "token_transfer", someone, anvilAccount1, "0x10")
	assert.Equal(t, "0x0", result(t, n, "token_balanceOf", someone))

	result(t, n, "hardhat_stopImpersonatingAccount", someone)
	resp := makeRPCRequest(t, n, "token_transfer", []interface{}{someone, anvilAccount1, "0x0"})
	assert.Equal(t, 3, errorCode(t, resp))
}

func TestHardhat_HardhatReset(t *testing.T) {
	n := setupCompatNode(t)

	result(t, n, "hardhat_setBalance", someone, "0x10")
	assert.Equal(t, true, result(t, n, "hardhat_reset"))
	assert.Equal(t, "0x0", result(t, n, "token_balanceOf", someone))
}

func TestHardhat_EVMSnapshotRevert(t *testing.T) {
	n := setupCompatNode(t)

	first := result(t, n, "evm_snapshot")
	result(t, n, "hardhat_setBalance", someone, "0x1")
	second := result(t, n, "evm_snapshot")
	assert.NotEqual(t, first, second)
	result(t, n, "hardhat_setBalance", someone, "0x2")

	// Reverting to the first snapshot drops the later one too
	assert.Equal(t, true, result(t, n, "evm_revert", first))
	assert.Equal(t, "0x0", result(t, n, "token_balanceOf", someone))
	assert.Equal(t, false, result(t, n, "evm_revert", second))
}

func TestHardhat_EVMIncreaseTime(t *testing.T) {
	n := setupCompatNode(t)

	first, ok := result(t, n, "evm_increaseTime", 100).(string)
	require.True(t, ok)
	second, ok := result(t, n, "evm_increaseTime", "0x64").(string)
	require.True(t, ok)

	a, err := hexutil.DecodeUint64(first)
	require.NoError(t, err)
	b, err := hexutil.DecodeUint64(second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b, a+100)
}

func TestHardhat_EVMSetNextBlockTimestamp(t *testing.T) {
	n := setupCompatNode(t)

	result(t, n, "evm_setNextBlockTimestamp", 4102444800)
	info := result(t, n, "anvil_nodeInfo").(map[string]interface{})
	assert.Equal(t, hexutil.EncodeUint64(4102444800), info["timestamp"])

	// The past is rejected
	resp := makeRPCRequest(t, n, "evm_setNextBlockTimestamp", []interface{}{1})
	assert.Equal(t, -32602, errorCode(t, resp))
}

func TestHardhat_NetVersion(t *testing.T) {
	n := setupCompatNode(t)
	assert.Equal(t, "31337", result(t, n, "net_version"))
}

func TestHardhat_Web3ClientVersion(t *testing.T) {
	n := setupCompatNode(t)

	version, ok := result(t, n, "web3_clientVersion").(string)
	require.True(t, ok)
	assert.NotEmpty(t, version)
}

func TestHardhat_ErrorHandling(t *testing.T) {
	n := setupCompatNode(t)

	tests := []struct {
		name   string
		method string
		params []interface{}
		code   int
	}{
		{"unknown method", "hardhat_mine", []interface{}{}, -32601},
		{"invalid params", "hardhat_setBalance", []interface{}{"nope", "0x1"}, -32602},
		{"reverted", "staking_unstake", []interface{}{anvilAccount1}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := makeRPCRequest(t, n, tt.method, tt.params)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

package backend

import (
	"context"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stable-net/stakingd/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AccountCount = 2
	cfg.DefaultBalance = big.NewInt(5000)
	cfg.Ledger.InitialRewards = big.NewInt(700)
	cfg.Ledger.Active = true
	return cfg
}

func stake(t *testing.T, b *Backend, from common.Address, amount uint64) {
	l := b.Ledger()
	err := l.Exclusive(func() error {
		return b.Token().Approve(from, l.Address(), uint256.NewInt(amount))
	})
	require.NoError(t, err)
	require.NoError(t, l.Stake(from, uint256.NewInt(amount)))
}

func TestNew_InMemory(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)
	defer b.Stop()

	plan := b.Plan()
	require.Len(t, plan.Accounts, 2)

	l := b.Ledger()
	assert.Equal(t, plan.Ledger, l.Address())
	assert.Equal(t, plan.Admin, l.Bouncer())
	assert.True(t, l.IsActive())

	g := l.Globals()
	assert.Equal(t, uint64(700), g.RewardsFundsTotal.Uint64())
	assert.Equal(t, uint64(700), b.Token().BalanceOf(l.Address()).Uint64())
	assert.Equal(t, uint64(5000), b.Token().BalanceOf(plan.Accounts[1].Address).Uint64())
	assert.False(t, b.Cheats().IsAutoImpersonate())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 0

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestNew_AutoImpersonate(t *testing.T) {
	cfg := testConfig()
	cfg.AutoImpersonate = true

	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Stop()

	assert.True(t, b.Cheats().IsAutoImpersonate())
}

func TestStop_Twice(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)

	assert.NoError(t, b.Stop())
	assert.NoError(t, b.Stop())
}

func TestNew_RestoresPersistedState(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()

	b, err := New(cfg)
	require.NoError(t, err)
	alice := b.Plan().Accounts[1].Address
	stake(t, b, alice, 300)
	root := b.Ledger().StateRoot()
	// deposit, status, stake
	require.Equal(t, uint64(3), b.Ledger().LastSeq())
	require.NoError(t, b.Stop())

	b, err = New(cfg)
	require.NoError(t, err)
	defer b.Stop()

	l := b.Ledger()
	assert.Equal(t, root, l.StateRoot())
	assert.Equal(t, uint64(3), l.LastSeq())

	rec := l.User(alice)
	assert.Equal(t, uint64(300), rec.AmountStaked.Uint64())

	// Genesis is not applied a second time
	g := l.Globals()
	assert.Equal(t, uint64(700), g.RewardsFundsTotal.Uint64())
	assert.Equal(t, uint64(5000-300), b.Token().BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(1000), b.Token().BalanceOf(l.Address()).Uint64())

	require.NoError(t, l.Unstake(alice))
	assert.Equal(t, uint64(4), l.LastSeq())
}

func TestReset_Persisted(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()

	b, err := New(cfg)
	require.NoError(t, err)
	alice := b.Plan().Accounts[1].Address
	genesisRoot := b.Ledger().StateRoot()
	stake(t, b, alice, 300)

	body := `{"jsonrpc":"2.0","id":1,"method":"anvil_reset","params":[]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), `"result":true`)
	require.NoError(t, b.Stop())

	b, err = New(cfg)
	require.NoError(t, err)
	defer b.Stop()

	l := b.Ledger()
	assert.Equal(t, genesisRoot, l.StateRoot())
	assert.True(t, l.User(alice).IsZero())
	assert.Equal(t, uint64(5000), b.Token().BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(700), b.Token().BalanceOf(l.Address()).Uint64())
	// deposit, status, stake, then the replayed deposit and status
	assert.Equal(t, uint64(5), l.LastSeq())
}

func TestServe(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics = true
	b, err := New(cfg)
	require.NoError(t, err)
	defer b.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	body := `{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]}`
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(url + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestServe_MetricsDisabled(t *testing.T) {
	b, err := New(testConfig())
	require.NoError(t, err)
	defer b.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

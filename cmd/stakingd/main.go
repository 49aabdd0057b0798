// Command stakingd runs the custodial staking ledger as a local dev node.
package main

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/stable-net/stakingd/pkg/attest"
	"github.com/stable-net/stakingd/pkg/backend"
	"github.com/stable-net/stakingd/pkg/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "configuration file (.json, .yaml)",
		EnvVars: []string{"STAKINGD_CONFIG"},
	}
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "listen host",
		Value: config.DefaultHost,
	}
	portFlag = &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "listen port",
		Value:   config.DefaultPort,
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "state directory; in-memory when empty",
		EnvVars: []string{"STAKINGD_DATADIR"},
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chain-id",
		Usage: "chain id reported to clients",
		Value: config.DefaultChainID,
	}
	accountsFlag = &cli.IntFlag{
		Name:    "accounts",
		Aliases: []string{"a"},
		Usage:   "number of dev accounts",
		Value:   config.DefaultAccountCount,
	}
	balanceFlag = &cli.StringFlag{
		Name:  "balance",
		Usage: "token balance of each dev account, in base units",
	}
	mnemonicFlag = &cli.StringFlag{
		Name:    "mnemonic",
		Aliases: []string{"m"},
		Usage:   "BIP39 mnemonic of the dev accounts",
		Value:   config.DefaultMnemonic,
	}
	allowOriginFlag = &cli.StringFlag{
		Name:  "allow-origin",
		Usage: "comma separated CORS origins",
		Value: config.DefaultAllowOrigin,
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "serve prometheus metrics on /metrics",
	}
	autoImpersonateFlag = &cli.BoolFlag{
		Name:  "auto-impersonate",
		Usage: "accept any address as caller",
	}
	activeFlag = &cli.BoolFlag{
		Name:  "active",
		Usage: "turn staking on at genesis",
	}
	rewardsFlag = &cli.StringFlag{
		Name:  "rewards",
		Usage: "reward funds deposited by the administrator at genesis",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn, error or crit",
		Value: config.DefaultLogLevel,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "terminal or json",
		Value: config.DefaultLogFormat,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "legacy numeric log level (0-5), overrides --log-level",
	}
)

func main() {
	app := &cli.App{
		Name:    "stakingd",
		Usage:   "bouncer-attested staking ledger dev node",
		Version: Version,
		Commands: []*cli.Command{
			runCommand,
			signCommand,
		},
		DefaultCommand: "run",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Fatal:", err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "start the node",
	Flags: []cli.Flag{
		configFlag, hostFlag, portFlag, dataDirFlag, chainIDFlag, accountsFlag, balanceFlag,
		mnemonicFlag, allowOriginFlag, metricsFlag, autoImpersonateFlag, activeFlag, rewardsFlag,
		logLevelFlag, logFormatFlag, verbosityFlag,
	},
	Action: run,
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(ctx, cfg)

	b, err := backend.New(cfg)
	if err != nil {
		return err
	}
	defer b.Stop()

	printBanner(b)

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := b.Start(sigCtx); err != nil {
		return err
	}
	log.Info("Exiting...")
	return nil
}

// loadConfig reads the config file, if any, and applies explicitly set flags on top.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if ctx.IsSet(hostFlag.Name) {
		cfg.Host = ctx.String(hostFlag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Port = ctx.Int(portFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.ChainID = ctx.Uint64(chainIDFlag.Name)
	}
	if ctx.IsSet(accountsFlag.Name) {
		cfg.AccountCount = ctx.Int(accountsFlag.Name)
	}
	if ctx.IsSet(balanceFlag.Name) {
		v, ok := new(big.Int).SetString(ctx.String(balanceFlag.Name), 0)
		if !ok {
			return nil, fmt.Errorf("invalid --%s", balanceFlag.Name)
		}
		cfg.DefaultBalance = v
	}
	if ctx.IsSet(mnemonicFlag.Name) {
		cfg.Mnemonic = ctx.String(mnemonicFlag.Name)
	}
	if ctx.IsSet(allowOriginFlag.Name) {
		cfg.AllowOrigin = ctx.String(allowOriginFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Metrics = ctx.Bool(metricsFlag.Name)
	}
	if ctx.IsSet(autoImpersonateFlag.Name) {
		cfg.AutoImpersonate = ctx.Bool(autoImpersonateFlag.Name)
	}
	if ctx.IsSet(activeFlag.Name) {
		cfg.Ledger.Active = ctx.Bool(activeFlag.Name)
	}
	if ctx.IsSet(rewardsFlag.Name) {
		v, ok := new(big.Int).SetString(ctx.String(rewardsFlag.Name), 0)
		if !ok {
			return nil, fmt.Errorf("invalid --%s", rewardsFlag.Name)
		}
		cfg.Ledger.InitialRewards = v
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(logFormatFlag.Name) {
		cfg.LogFormat = ctx.String(logFormatFlag.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var logLevels = map[string]slog.Level{
	"trace": log.LevelTrace,
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
	"crit":  log.LevelCrit,
}

func setupLogger(ctx *cli.Context, cfg *config.Config) {
	lvl := logLevels[cfg.LogLevel]
	if ctx.IsSet(verbosityFlag.Name) {
		lvl = log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = log.JSONHandlerWithLevel(os.Stderr, lvl)
	} else {
		handler = log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)
	}
	log.SetDefault(log.NewLogger(handler))
}

func printBanner(b *backend.Backend) {
	cfg := b.Config()
	plan := b.Plan()

	fmt.Println("stakingd", Version)
	fmt.Println()
	fmt.Println("Available Accounts")
	fmt.Println("==================")
	for i, acc := range plan.Accounts {
		fmt.Printf("(%d) %s\n", i, acc.Address.Hex())
	}
	fmt.Println()
	fmt.Println("Private Keys")
	fmt.Println("==================")
	for i, acc := range plan.Accounts {
		fmt.Printf("(%d) 0x%x\n", i, crypto.FromECDSA(acc.PrivateKey))
	}
	fmt.Println()
	fmt.Printf("Ledger:        %s\n", plan.Ledger.Hex())
	fmt.Printf("Administrator: %s\n", plan.Admin.Hex())
	fmt.Printf("Bouncer:       %s\n", b.Ledger().Bouncer().Hex())
	fmt.Printf("Chain ID:      %d\n", cfg.ChainID)
	fmt.Println()
	fmt.Printf("Listening on %s\n", cfg.ServerAddr())
}

var signCommand = &cli.Command{
	Name:      "sign",
	Usage:     "produce a bouncer attestation offline",
	ArgsUsage: "<ledger> <claimant> <stakingStartTimestamp> <newTotal>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "key",
			Usage:    "bouncer private key as hex",
			Required: true,
			EnvVars:  []string{"STAKINGD_BOUNCER_KEY"},
		},
	},
	Action: sign,
}

func sign(ctx *cli.Context) error {
	if ctx.NArg() != 4 {
		return cli.ShowSubcommandHelp(ctx)
	}
	key, err := crypto.HexToECDSA(trimHex(ctx.String("key")))
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}

	args := ctx.Args()
	if !common.IsHexAddress(args.Get(0)) {
		return fmt.Errorf("invalid ledger address %q", args.Get(0))
	}
	if !common.IsHexAddress(args.Get(1)) {
		return fmt.Errorf("invalid claimant address %q", args.Get(1))
	}
	start, ok := new(big.Int).SetString(args.Get(2), 0)
	if !ok || !start.IsUint64() {
		return fmt.Errorf("invalid timestamp %q", args.Get(2))
	}
	total, err := uint256.FromDecimal(args.Get(3))
	if err != nil {
		if total, err = uint256.FromHex(args.Get(3)); err != nil {
			return fmt.Errorf("invalid total %q", args.Get(3))
		}
	}

	sig, err := attest.Sign(key, common.HexToAddress(args.Get(0)), common.HexToAddress(args.Get(1)), start.Uint64(), total)
	if err != nil {
		return err
	}
	fmt.Println(sig.Hex())
	return nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

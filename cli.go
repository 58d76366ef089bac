package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Every command emits exactly one JSON object on stdout. The exit code
// mirrors the status field: 0 for ok, 2 for orphaned, 1 for error.

type errorResult struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

func writeJSON(v any) {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		fmt.Printf("{\n \"status\": \"error\",\n \"errorMessage\": \"json encoding failed\"\n}\n")
		return
	}
	fmt.Println(string(data))
}

func fail(err error) int {
	writeJSON(errorResult{Status: "error", ErrorMessage: err.Error()})
	return 1
}

// runCLI dispatches subcommands. Returns the process exit code.
func runCLI(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 1
	}
	switch args[0] {
	case "ping":
		return cmdPing(args[1:])
	case "sync":
		return cmdSync(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "validate":
		return cmdValidate(args[1:])
	case "nonce":
		return cmdNonce(args[1:])
	case "leaderlog":
		return cmdLeaderlog(args[1:])
	case "sendtip":
		return cmdSendTip(args[1:])
	case "sendslots":
		return cmdSendSlots(args[1:])
	case "sign":
		return cmdSign(args[1:])
	case "verify":
		return cmdVerify(args[1:])
	case "version":
		fmt.Printf("cncli %s (%s) built %s\n", version, commitSHA, buildDate)
		return 0
	case "help", "--help", "-h":
		printHelp()
		return 0
	}
	fmt.Fprintf(os.Stderr, "Unknown command %q\n\nRun 'cncli help' for usage.\n", args[0])
	return 1
}

func printHelp() {
	fmt.Printf(`cncli - A community-built cardano-node CLI

Usage:
  cncli ping        TCP connect + handshake + report durations
  cncli sync        Continuous chain-sync into the store
  cncli status      Check whether the store tip is current
  cncli validate    Look a block up by hash prefix
  cncli nonce       Compute the epoch nonce
  cncli leaderlog   Compute the pool's elected slots for an epoch
  cncli sendtip     Stream the chain tip to PoolTool
  cncli sendslots   Publish committed slot counts to PoolTool
  cncli sign        Sign a CIP-0022 challenge with the pool VRF key
  cncli verify      Verify a CIP-0022 challenge signature
  cncli version     Show version information

Run 'cncli <command> --help' for command flags. Settings may also be
provided via cncli.yaml in the working directory.
`)
}

// newFlagSet builds a flag set that also picks defaults from the optional
// viper config.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func configString(key, fallback string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return fallback
}

func configUint(key string, fallback uint64) uint64 {
	if viper.IsSet(key) {
		return viper.GetUint64(key)
	}
	return fallback
}

func cmdPing(args []string) int {
	fs := newFlagSet("ping")
	host := fs.String("host", configString("host", ""), "cardano-node hostname to connect to")
	port := fs.Uint("port", uint(configUint("port", 3001)), "cardano-node port")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	timeout := fs.Duration("timeout", defaultConnectTimeout, "connect timeout")
	if fs.Parse(args) != nil {
		return 1
	}
	if *host == "" {
		return fail(fmt.Errorf("--host is required"))
	}

	result, err := Ping(context.Background(), *host, uint16(*port), uint32(*magic), *timeout)
	if err != nil {
		writeJSON(struct {
			Status       string `json:"status"`
			Host         string `json:"host"`
			Port         uint16 `json:"port"`
			ErrorMessage string `json:"errorMessage"`
		}{"error", *host, uint16(*port), err.Error()})
		return 1
	}
	writeJSON(result)
	return 0
}

func cmdSync(args []string) int {
	fs := newFlagSet("sync")
	db := fs.String("db", configString("db", "./cncli.db"), "sqlite database file")
	host := fs.String("host", configString("host", ""), "cardano-node hostname to connect to")
	port := fs.Uint("port", uint(configUint("port", 3001)), "cardano-node port")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	noService := fs.Bool("no-service", false, "exit once the tip is reached")
	if fs.Parse(args) != nil {
		return 1
	}
	if *host == "" {
		return fail(fmt.Errorf("--host is required"))
	}

	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(*db, genesis)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	syncer := &Syncer{
		Genesis: genesis,
		Host:    *host,
		Port:    uint16(*port),
		Sink:    store,
		OneShot: *noService,
	}
	if err := syncer.Run(context.Background()); err != nil {
		return fail(err)
	}
	writeJSON(struct {
		Status string `json:"status"`
	}{"ok"})
	return 0
}

func cmdStatus(args []string) int {
	fs := newFlagSet("status")
	db := fs.String("db", configString("db", "./cncli.db"), "sqlite database file")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	if fs.Parse(args) != nil {
		return 1
	}
	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(*db, genesis)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	result, err := SyncStatus(context.Background(), store, genesis)
	if err != nil {
		return fail(err)
	}
	writeJSON(result)
	return 0
}

func cmdValidate(args []string) int {
	fs := newFlagSet("validate")
	db := fs.String("db", configString("db", "./cncli.db"), "sqlite database file")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	hash := fs.String("hash", "", "full or partial block hash to validate")
	if fs.Parse(args) != nil {
		return 1
	}
	if *hash == "" {
		return fail(fmt.Errorf("--hash is required"))
	}
	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(*db, genesis)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	result, err := ValidateBlock(context.Background(), store, *hash)
	if err != nil {
		return fail(err)
	}
	writeJSON(result)
	if result.Status == "orphaned" {
		return 2
	}
	return 0
}

// resolveEpoch maps the tip and a ledger-set selector to the target epoch,
// refusing when the store lags the wall clock too far to be trustworthy.
func resolveEpoch(ctx context.Context, store *Store, g Genesis, ledgerSet string, epochOverride int64) (int64, error) {
	tip, err := store.Tip(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading tip: %w", err)
	}
	tipTime := g.SlotTime(tip.SlotNumber)
	if time.Since(tipTime) > 900*time.Second {
		return 0, fmt.Errorf("db not fully synced! tip time: %s", tipTime.Format(time.RFC3339))
	}
	if epochOverride > 0 {
		return epochOverride, nil
	}
	slot := int64(tip.SlotNumber)
	switch ledgerSet {
	case "next":
		slot += g.EpochLength
	case "current", "":
	case "prev":
		slot -= g.EpochLength
	default:
		return 0, fmt.Errorf("unknown ledger set %q (want prev, current, or next)", ledgerSet)
	}
	return g.EpochForSlot(uint64(slot)), nil
}

func cmdNonce(args []string) int {
	fs := newFlagSet("nonce")
	db := fs.String("db", configString("db", "./cncli.db"), "sqlite database file")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	ledgerSet := fs.String("ledger-set", "current", "prev, current, or next epoch relative to the tip")
	epoch := fs.Int64("epoch", 0, "explicit target epoch (overrides --ledger-set)")
	extraEntropy := fs.String("extra-entropy", "", "hex-encoded extra entropy mixin")
	if fs.Parse(args) != nil {
		return 1
	}
	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(*db, genesis)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	ctx := context.Background()
	targetEpoch, err := resolveEpoch(ctx, store, genesis, *ledgerSet, *epoch)
	if err != nil {
		return fail(err)
	}
	nonce, err := CalcEpochNonce(ctx, store, genesis, targetEpoch, *extraEntropy)
	if err != nil {
		return fail(err)
	}
	writeJSON(struct {
		Status string `json:"status"`
		Epoch  int64  `json:"epoch"`
		Nonce  string `json:"nonce"`
	}{"ok", nonce.Epoch, fmt.Sprintf("%x", nonce.Nonce)})
	return 0
}

func cmdLeaderlog(args []string) int {
	fs := newFlagSet("leaderlog")
	db := fs.String("db", configString("db", "./cncli.db"), "sqlite database file")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	poolID := fs.String("pool-id", configString("poolId", ""), "lower-case hex pool id")
	vrfSkeyPath := fs.String("pool-vrf-skey", configString("poolVrfSkey", ""), "pool VRF signing key file")
	poolStake := fs.Uint64("pool-stake", 0, "pool active stake in lovelace")
	activeStake := fs.Uint64("active-stake", 0, "total network active stake in lovelace")
	d := fs.Float64("d", 0, "decentralisation parameter (tpraos only)")
	extraEntropy := fs.String("extra-entropy", "", "hex-encoded extra entropy mixin")
	ledgerSet := fs.String("ledger-set", "current", "prev, current, or next epoch relative to the tip")
	epoch := fs.Int64("epoch", 0, "explicit target epoch (overrides --ledger-set)")
	consensus := fs.String("consensus", "cpraos", "consensus variant: tpraos, praos, or cpraos")
	timezone := fs.String("tz", "UTC", "timezone for slot timestamps")
	if fs.Parse(args) != nil {
		return 1
	}
	if *poolID == "" || *vrfSkeyPath == "" {
		return fail(fmt.Errorf("--pool-id and --pool-vrf-skey are required"))
	}
	if *poolStake == 0 || *activeStake == 0 {
		return fail(fmt.Errorf("--pool-stake and --active-stake are required"))
	}
	poolIDHex, err := normalizePoolID(*poolID)
	if err != nil {
		return fail(err)
	}

	variant, err := ParseConsensusVariant(*consensus)
	if err != nil {
		return fail(err)
	}
	tz, err := time.LoadLocation(*timezone)
	if err != nil {
		return fail(fmt.Errorf("timezone parse error: %w", err))
	}
	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(*db, genesis)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	ctx := context.Background()
	targetEpoch, err := resolveEpoch(ctx, store, genesis, *ledgerSet, *epoch)
	if err != nil {
		return fail(err)
	}
	nonce, err := CalcEpochNonce(ctx, store, genesis, targetEpoch, *extraEntropy)
	if err != nil {
		return fail(err)
	}

	vrfKey, err := ParseVRFKeyFile(*vrfSkeyPath)
	if err != nil {
		return fail(err)
	}
	defer vrfKey.Close()

	leaderLog, err := CalcLeaderLog(ctx, LeaderLogParams{
		Genesis:     genesis,
		Epoch:       targetEpoch,
		EpochNonce:  nonce.Nonce,
		Variant:     variant,
		PoolID:      poolIDHex,
		PoolStake:   *poolStake,
		ActiveStake: *activeStake,
		D:           *d,
		VrfKey:      vrfKey,
		Timezone:    tz,
	})
	if err != nil {
		return fail(err)
	}
	if err := store.SaveSlots(ctx, targetEpoch, poolIDHex, leaderLog.Slots()); err != nil {
		return fail(fmt.Errorf("saving slots: %w", err))
	}
	writeJSON(leaderLog)
	return 0
}

func cmdSendTip(args []string) int {
	fs := newFlagSet("sendtip")
	host := fs.String("host", configString("host", ""), "cardano-node hostname to connect to")
	port := fs.Uint("port", uint(configUint("port", 3001)), "cardano-node port")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	poolID := fs.String("pool-id", configString("poolId", ""), "lower-case hex pool id")
	poolName := fs.String("pool-name", configString("poolName", ""), "pool ticker or name")
	apiKey := fs.String("api-key", configString("pooltoolApiKey", ""), "PoolTool API key")
	nodeVersion := fs.String("node-version", "", "cardano-node version string reported to PoolTool")
	if fs.Parse(args) != nil {
		return 1
	}
	if *host == "" || *poolID == "" || *apiKey == "" {
		return fail(fmt.Errorf("--host, --pool-id, and --api-key are required"))
	}
	poolIDHex, err := normalizePoolID(*poolID)
	if err != nil {
		return fail(err)
	}

	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	syncer := &Syncer{
		Genesis: genesis,
		Host:    *host,
		Port:    uint16(*port),
		Sink: &PoolToolNotifier{
			PoolName:    *poolName,
			PoolID:      poolIDHex,
			APIKey:      *apiKey,
			NodeVersion: *nodeVersion,
		},
	}
	if err := syncer.Run(context.Background()); err != nil {
		return fail(err)
	}
	return 0
}

func cmdSendSlots(args []string) int {
	fs := newFlagSet("sendslots")
	db := fs.String("db", configString("db", "./cncli.db"), "sqlite database file")
	magic := fs.Uint("network-magic", uint(configUint("networkMagic", MainnetNetworkMagic)), "network magic")
	poolID := fs.String("pool-id", configString("poolId", ""), "lower-case hex pool id")
	apiKey := fs.String("api-key", configString("pooltoolApiKey", ""), "PoolTool API key")
	if fs.Parse(args) != nil {
		return 1
	}
	if *poolID == "" || *apiKey == "" {
		return fail(fmt.Errorf("--pool-id and --api-key are required"))
	}
	poolIDHex, err := normalizePoolID(*poolID)
	if err != nil {
		return fail(err)
	}
	genesis, err := LoadGenesis(uint32(*magic))
	if err != nil {
		return fail(err)
	}
	store, err := OpenStore(*db, genesis)
	if err != nil {
		return fail(err)
	}
	defer store.Close()

	if err := SendSlots(context.Background(), store, genesis, poolIDHex, *apiKey); err != nil {
		return fail(err)
	}
	writeJSON(struct {
		Status string `json:"status"`
	}{"ok"})
	return 0
}

func cmdSign(args []string) int {
	fs := newFlagSet("sign")
	vrfSkeyPath := fs.String("pool-vrf-skey", configString("poolVrfSkey", ""), "pool VRF signing key file")
	domain := fs.String("domain", "", "challenge domain")
	nonce := fs.String("nonce", "", "hex-encoded challenge nonce (fresh random one if empty)")
	if fs.Parse(args) != nil {
		return 1
	}
	if *vrfSkeyPath == "" || *domain == "" {
		return fail(fmt.Errorf("--pool-vrf-skey and --domain are required"))
	}
	key, err := ParseVRFKeyFile(*vrfSkeyPath)
	if err != nil {
		return fail(err)
	}
	defer key.Close()

	result, err := SignChallenge(key, *domain, *nonce)
	if err != nil {
		return fail(err)
	}
	writeJSON(result)
	return 0
}

func cmdVerify(args []string) int {
	fs := newFlagSet("verify")
	vrfVkeyPath := fs.String("pool-vrf-vkey", "", "pool VRF verification key file")
	vkeyHash := fs.String("pool-vrf-vkey-hash", "", "on-chain hash of the pool VRF vkey")
	domain := fs.String("domain", "", "challenge domain")
	nonce := fs.String("nonce", "", "hex-encoded challenge nonce")
	signature := fs.String("signature", "", "hex-encoded signature to verify")
	if fs.Parse(args) != nil {
		return 1
	}
	if *vrfVkeyPath == "" || *vkeyHash == "" || *domain == "" || *nonce == "" || *signature == "" {
		return fail(fmt.Errorf("--pool-vrf-vkey, --pool-vrf-vkey-hash, --domain, --nonce, and --signature are required"))
	}
	vkey, err := ParseVRFVKeyFile(*vrfVkeyPath)
	if err != nil {
		return fail(err)
	}
	if err := VerifyChallenge(vkey, *vkeyHash, *domain, *nonce, *signature); err != nil {
		return fail(err)
	}
	writeJSON(struct {
		Status string `json:"status"`
	}{"ok"})
	return 0
}

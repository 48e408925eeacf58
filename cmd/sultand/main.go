package main

// sultand – the Sultan node daemon. Wires storage, the shard engine with
// its 2PC coordinator, the validator registry, block sync, consensus and
// the P2P transport, then runs until signalled.
//
// Exit codes: 0 normal shutdown, 2 config error, 3 storage lock busy,
// 4 crypto failure, 5 unrecoverable consensus error.

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sultan-network/core"
	"sultan-network/internal/rpc"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitStorage   = 3
	exitCrypto    = 4
	exitConsensus = 5
)

var version = "v0.1.0"

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

type nodeFlags struct {
	validator      bool
	validatorAddr  string
	validatorStake uint64
	validatorKey   string
	dataDir        string
	rpcAddr        string
	blockTime      time.Duration
	shardCount     uint32
	bootstrapPeers []string
	listenAddr     string
	showVersion    bool
}

func rootCmd() *cobra.Command {
	var flags nodeFlags
	cmd := &cobra.Command{
		Use:   "sultand",
		Short: "Sultan L1 node",
		Run: func(cmd *cobra.Command, _ []string) {
			if flags.showVersion {
				fmt.Println("sultand", version)
				return
			}
			os.Exit(run(&flags))
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.validator, "validator", false, "run as a block-producing validator")
	f.StringVar(&flags.validatorAddr, "validator-address", "", "bech32 validator account address")
	f.Uint64Var(&flags.validatorStake, "validator-stake", core.MinStakeDisplay, "self stake in display units")
	f.StringVar(&flags.validatorKey, "validator-secret", "", "hex ed25519 seed (or SULTAN_VALIDATOR_SECRET)")
	f.StringVar(&flags.dataDir, "data-dir", "data", "data directory")
	f.StringVar(&flags.rpcAddr, "rpc-addr", "127.0.0.1:26657", "rpc listen address")
	f.DurationVar(&flags.blockTime, "block-time", core.DefaultBlockTime, "target block interval")
	f.Uint32Var(&flags.shardCount, "shard-count", core.DefaultShardCount, "number of state shards")
	f.StringSliceVar(&flags.bootstrapPeers, "bootstrap-peers", nil, "multiaddrs of bootstrap peers")
	f.StringVar(&flags.listenAddr, "p2p-listen", "/ip4/0.0.0.0/tcp/26656", "libp2p listen multiaddr")
	f.BoolVar(&flags.showVersion, "version", false, "print version and exit")
	return cmd
}

func run(flags *nodeFlags) int {
	_ = godotenv.Load()
	viper.AutomaticEnv()

	lg := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(viper.GetString("SULTAN_LOG_LEVEL")); err == nil {
		lg.SetLevel(lvl)
	}

	if flags.shardCount == 0 || flags.shardCount > core.MaxShardCount {
		lg.Errorf("shard-count %d out of range", flags.shardCount)
		return exitConfig
	}
	if err := os.MkdirAll(flags.dataDir, 0o755); err != nil {
		lg.Errorf("data dir: %v", err)
		return exitConfig
	}

	// Storage with at-rest encryption derived from the node master secret.
	encKey, code := storageKey(flags.dataDir, lg)
	if code != exitOK {
		return code
	}
	store, err := core.OpenStore(core.StoreConfig{
		Path:          filepath.Join(flags.dataDir, "db"),
		EncryptionKey: encKey,
	})
	if err != nil {
		if err == core.ErrStaleLock {
			lg.Error("storage lock busy: another sultand owns the data dir")
			return exitStorage
		}
		lg.Errorf("open storage: %v", err)
		return exitStorage
	}
	defer store.Close()

	engine, err := core.NewShardEngine(store, flags.shardCount, filepath.Join(flags.dataDir, "commit-log"))
	if err != nil {
		lg.Errorf("shard engine: %v", err)
		return exitConfig
	}

	// WAL recovery resolves every in-flight 2PC transfer before the chain
	// head may advance.
	if err := engine.Coordinator().Recover(); err != nil {
		lg.Errorf("wal recovery: %v", err)
		return exitStorage
	}

	cstate, err := core.NewConsensusState(store)
	if err != nil {
		lg.Errorf("consensus state: %v", err)
		return exitStorage
	}
	econ := core.NewEconomics(store)

	// Genesis (idempotent across restarts).
	genesisPath := filepath.Join(flags.dataDir, "genesis.json")
	if _, err := os.Stat(genesisPath); err == nil {
		g, err := core.LoadGenesis(genesisPath)
		if err != nil {
			lg.Errorf("genesis: %v", err)
			return exitConfig
		}
		if err := core.ApplyGenesis(g, engine, cstate, econ); err != nil {
			lg.Errorf("apply genesis: %v", err)
			return exitConsensus
		}
	}

	// Validator identity.
	var priv ed25519.PrivateKey
	var selfAddr core.Address
	if flags.validator {
		priv, selfAddr, err = validatorIdentity(flags)
		if err != nil {
			lg.Errorf("validator identity: %v", err)
			return exitCrypto
		}
		if _, err := cstate.Validator(selfAddr); err == core.ErrValidatorNotFound {
			stake := core.DisplayToAtomic(flags.validatorStake)
			pub := priv.Public().(ed25519.PublicKey)
			if err := cstate.RegisterValidator(selfAddr, pub, stake, 0); err != nil {
				lg.Errorf("self-register: %v", err)
				return exitConsensus
			}
		}
	}

	// Feature flags with hot activation.
	features, err := core.NewFeatureManager(filepath.Join(flags.dataDir, "features.json"))
	if err != nil {
		lg.Errorf("feature flags: %v", err)
		return exitConfig
	}
	_ = features.Drain()

	// P2P transport.
	keys := core.NewPubKeyDirectory()
	node, err := core.NewNode(core.NetworkConfig{
		ListenAddr:     flags.listenAddr,
		BootstrapPeers: flags.bootstrapPeers,
		DiscoveryTag:   "sultan",
	}, keys, lg)
	if err != nil {
		lg.Errorf("p2p: %v", err)
		return exitConfig
	}
	defer node.Close()

	// One sync manager per shard.
	syncs := make([]*core.SyncManager, flags.shardCount)
	for i := uint32(0); i < flags.shardCount; i++ {
		syncs[i] = core.NewSyncManager(core.SyncConfig{
			Shard:        core.ShardID(i),
			VerifyVoters: true,
		}, engine, cstate, lg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consensus, err := core.NewConsensus(lg, core.ConsensusConfig{
		BlockTime:   flags.blockTime,
		IsValidator: flags.validator,
		SelfAddress: selfAddr,
		PrivKey:     priv,
	}, engine, cstate, syncs, node, econ)
	if err != nil {
		lg.Errorf("consensus: %v", err)
		return exitConsensus
	}
	consensus.Start(ctx)

	// RPC adapter.
	rpcSrv := rpc.NewServer(rpc.Config{ListenAddr: flags.rpcAddr}, rpc.API{
		Engine: engine,
		CState: cstate,
		Econ:   econ,
		Syncs:  syncs,
	}, lg)
	go func() {
		if err := rpcSrv.Start(); err != nil {
			lg.Errorf("rpc: %v", err)
		}
	}()
	defer rpcSrv.Close()

	lg.WithFields(logrus.Fields{
		"shards":    flags.shardCount,
		"validator": flags.validator,
		"rpc":       flags.rpcAddr,
	}).Info("sultand started")

	// Graceful shutdown: stop producing, drain P2P, flush storage, release
	// the file lock.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lg.Info("shutdown signal received")
	cancel()
	time.Sleep(200 * time.Millisecond) // let loops observe cancellation
	return exitOK
}

// validatorIdentity resolves the signing key and address from flags/env.
func validatorIdentity(flags *nodeFlags) (ed25519.PrivateKey, core.Address, error) {
	secret := flags.validatorKey
	if secret == "" {
		secret = os.Getenv("SULTAN_VALIDATOR_SECRET")
	}
	if secret == "" {
		return nil, core.Address{}, fmt.Errorf("--validator-secret required in validator mode")
	}
	priv, err := core.PrivateKeyFromHex(secret)
	if err != nil {
		return nil, core.Address{}, err
	}
	addr, err := core.AddressFromPubKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, core.Address{}, err
	}
	if flags.validatorAddr != "" {
		want, err := core.DecodeAddress(flags.validatorAddr)
		if err != nil {
			return nil, core.Address{}, err
		}
		if want != addr {
			return nil, core.Address{}, fmt.Errorf("validator-address does not match secret")
		}
	}
	return priv, addr, nil
}

// storageKey loads (or creates) the per-datadir encryption salt and
// derives the data key from the node master secret. No secret means
// encryption-at-rest is off.
func storageKey(dataDir string, lg *logrus.Logger) ([]byte, int) {
	master := os.Getenv("SULTAN_MASTER_SECRET")
	if master == "" {
		lg.Warn("SULTAN_MASTER_SECRET unset; storage encryption disabled")
		return nil, exitOK
	}
	saltPath := filepath.Join(dataDir, "storage.salt")
	salt, err := os.ReadFile(saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			lg.Errorf("salt: %v", err)
			return nil, exitCrypto
		}
		if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
			lg.Errorf("write salt: %v", err)
			return nil, exitStorage
		}
	} else if err != nil {
		lg.Errorf("read salt: %v", err)
		return nil, exitStorage
	}
	key, err := core.DeriveStorageKey([]byte(master), salt)
	if err != nil {
		lg.Errorf("derive storage key: %v", err)
		return nil, exitCrypto
	}
	return key, exitOK
}

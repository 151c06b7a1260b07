// Package config loads the player process's configuration from a layered
// source set (flags > env > file > defaults), using knadh/koanf layered
// over spf13/pflag.
package config

import (
	"strings"
	"time"

	"github.com/dave-prt/prt-go/machine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// ChainConfig names the RPC endpoint and signing key the sender and reader
// use to talk to the tournament contracts.
type ChainConfig struct {
	RPCURL         string `koanf:"rpc-url"`
	PrivateKeyHex  string `koanf:"private-key"`
	RootTournament string `koanf:"root-tournament"`
	ChainID        uint64 `koanf:"chain-id"`
}

// StoreConfig names the local store's on-disk location.
type StoreConfig struct {
	DataDir string `koanf:"data-dir"`
}

// StrategyConfig tunes the tick loop, reader concurrency, and the
// commitment builder's hot cache.
type StrategyConfig struct {
	TickInterval        time.Duration `koanf:"tick-interval"`
	Concurrency         int           `koanf:"concurrency"`
	CommitmentCacheSize int           `koanf:"commitment-cache-size"`
}

// LogConfig controls the logrus output this process produces.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// MachineConfig names the running Cartesi-machine-compatible server the VM
// adapter dials, and where it keeps the initial machine image and the
// content-addressed snapshots it takes along the way. The emulator process
// itself is an opaque collaborator this config only ever points at.
type MachineConfig struct {
	RPCAddr          string `koanf:"rpc-addr"`
	InitialImagePath string `koanf:"initial-image-path"`
	SnapshotDir      string `koanf:"snapshot-dir"`
}

// Config is the player process's full configuration.
type Config struct {
	Chain     ChainConfig       `koanf:"chain"`
	Store     StoreConfig       `koanf:"store"`
	Machine   MachineConfig     `koanf:"machine"`
	Strategy  StrategyConfig    `koanf:"strategy"`
	Log       LogConfig         `koanf:"log"`
	Constants machine.Constants `koanf:"constants"`
}

// Default returns the configuration used when no flag, file, or environment
// variable overrides a field.
func Default() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 1337,
		},
		Store: StoreConfig{
			DataDir: "./player-data",
		},
		Machine: MachineConfig{
			RPCAddr:     "http://localhost:5001",
			SnapshotDir: "./player-data/snapshots",
		},
		Strategy: StrategyConfig{
			TickInterval:        5 * time.Second,
			Concurrency:         4,
			CommitmentCacheSize: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Constants: machine.Constants{
			Log2UarchSpanToBarch: 20,
			Log2BarchSpanToInput: 14,
			Log2InputSpanToEpoch: 24,
			Log2Stride:           34,
		},
	}
}

func defaultsMap() map[string]interface{} {
	d := Default()
	return map[string]interface{}{
		"chain.rpc-url":                       d.Chain.RPCURL,
		"chain.chain-id":                      d.Chain.ChainID,
		"store.data-dir":                      d.Store.DataDir,
		"machine.rpc-addr":                    d.Machine.RPCAddr,
		"machine.initial-image-path":          d.Machine.InitialImagePath,
		"machine.snapshot-dir":                d.Machine.SnapshotDir,
		"strategy.tick-interval":              d.Strategy.TickInterval.String(),
		"strategy.concurrency":                d.Strategy.Concurrency,
		"strategy.commitment-cache-size":      d.Strategy.CommitmentCacheSize,
		"log.level":                           d.Log.Level,
		"log.format":                          d.Log.Format,
		"constants.log2-uarch-span-to-barch":  d.Constants.Log2UarchSpanToBarch,
		"constants.log2-barch-span-to-input":  d.Constants.Log2BarchSpanToInput,
		"constants.log2-input-span-to-epoch":  d.Constants.Log2InputSpanToEpoch,
		"constants.log2-stride":               d.Constants.Log2Stride,
	}
}

// Flags registers every Config field as a pflag, except the meta-cycle
// constants (constants.*), for use by cmd/player's flag.FlagSet before Load
// is called.
func Flags(f *flag.FlagSet) {
	d := Default()
	f.String("chain.rpc-url", d.Chain.RPCURL, "JSON-RPC endpoint of the chain hosting the tournament contracts")
	f.String("chain.private-key", "", "hex-encoded private key the player signs transactions with")
	f.String("chain.root-tournament", "", "address of the root tournament contract")
	f.Uint64("chain.chain-id", d.Chain.ChainID, "chain ID used to sign transactions")
	f.String("store.data-dir", d.Store.DataDir, "directory the local store keeps its database and snapshots in")
	f.String("machine.rpc-addr", d.Machine.RPCAddr, "JSON-RPC address of the running Cartesi-machine-compatible server")
	f.String("machine.initial-image-path", "", "path the emulator server should load as the initial machine image on first run")
	f.String("machine.snapshot-dir", d.Machine.SnapshotDir, "directory the VM adapter stores content-addressed machine snapshots in")
	f.Duration("strategy.tick-interval", d.Strategy.TickInterval, "delay between fetch/decide/submit ticks")
	f.Int("strategy.concurrency", d.Strategy.Concurrency, "bound on in-flight RPC calls per tick")
	f.Int("strategy.commitment-cache-size", d.Strategy.CommitmentCacheSize, "number of recent commitments the builder keeps hot")
	f.String("log.level", d.Log.Level, "logrus level: trace, debug, info, warn, error")
	f.String("log.format", d.Log.Format, "logrus formatter: text or json")
	f.String("config", "", "path to a YAML configuration file")
}

// Load assembles a Config from defaults, an optional YAML file, environment
// variables prefixed PLAYER_, and finally f's parsed flags, each layer
// overriding the one before it.
func Load(f *flag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}

	if path, _ := f.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", path)
		}
	}

	envPrefix := "PLAYER_"
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment overrides")
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, errors.Wrap(err, "loading flag overrides")
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "unmarshaling configuration")
	}

	// machine.Constants carries no koanf tags of its own (it's the
	// protocol-shared type, not a config-package type), so its fields are
	// read out by explicit key instead of relying on struct-tag matching.
	cfg.Constants = machine.Constants{
		Log2UarchSpanToBarch: uint(k.Int("constants.log2-uarch-span-to-barch")),
		Log2BarchSpanToInput: uint(k.Int("constants.log2-barch-span-to-input")),
		Log2InputSpanToEpoch: uint(k.Int("constants.log2-input-span-to-epoch")),
		Log2Stride:           uint(k.Int("constants.log2-stride")),
	}

	if err := cfg.Constants.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid meta-cycle constants")
	}
	if cfg.Chain.RootTournament == "" {
		return nil, errors.New("chain.root-tournament is required")
	}
	if !common.IsHexAddress(cfg.Chain.RootTournament) {
		return nil, errors.Errorf("chain.root-tournament %q is not a valid address", cfg.Chain.RootTournament)
	}
	if cfg.Chain.PrivateKeyHex == "" {
		return nil, errors.New("chain.private-key is required")
	}

	return &cfg, nil
}

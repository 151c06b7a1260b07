// Command player runs one dispute player process: it loads configuration,
// opens the local store, wires the chain and VM adapters, and ticks the
// strategy engine against one root tournament until the process is
// interrupted or the tournament resolves.
package main

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dave-prt/prt-go/arena"
	"github.com/dave-prt/prt-go/arena/bindings/tournamentgen"
	"github.com/dave-prt/prt-go/commitment"
	"github.com/dave-prt/prt-go/config"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/dave-prt/prt-go/rollups"
	"github.com/dave-prt/prt-go/store"
	"github.com/dave-prt/prt-go/strategy"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	config.Flags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("parsing flags")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		logrus.WithError(err).Fatal("loading configuration")
	}

	log := newLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("player exited")
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return errors.Wrap(err, "opening local store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("closing store")
		}
	}()

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return errors.Wrap(err, "dialing chain RPC")
	}

	txOpts, err := transactOpts(cfg)
	if err != nil {
		return err
	}

	rootTournament := common.HexToAddress(cfg.Chain.RootTournament)

	rootContract, err := tournamentgen.NewTournament(rootTournament, client)
	if err != nil {
		return errors.Wrap(err, "binding root tournament")
	}
	_, _, log2Step, height, err := rootContract.TournamentLevelConstants(&bind.CallOpts{Context: ctx})
	if err != nil {
		return errors.Wrap(err, "reading root tournament level constants")
	}
	wantHeight := uint64(cfg.Constants.TotalSpanLog2() - cfg.Constants.Log2Stride)
	if log2Step != uint64(cfg.Constants.Log2Stride) || height != wantHeight {
		return errors.Errorf("configured constants (log2_stride %d, root height %d) do not match root tournament (log2step %d, height %d)",
			cfg.Constants.Log2Stride, wantHeight, log2Step, height)
	}

	source := rollups.NewSource(st, cfg.Constants, cfg.Machine.RPCAddr, cfg.Machine.SnapshotDir, log.WithField("component", "rollups"))
	if err := bootstrapMachine(ctx, st, source, cfg); err != nil {
		return err
	}

	builder, err := commitment.NewBuilder(st, cfg.Constants, source, cfg.Strategy.CommitmentCacheSize)
	if err != nil {
		return errors.Wrap(err, "constructing commitment builder")
	}

	rootInitial, err := rootInitialState(ctx, source)
	if err != nil {
		return errors.Wrap(err, "computing root initial state")
	}

	player := &strategy.Player{
		Reader:         arena.NewReader(client, cfg.Strategy.Concurrency),
		Sender:         arena.NewEthSender(client, txOpts, log.WithField("component", "sender")),
		Builder:        builder,
		ProofSource:    source,
		Constants:      cfg.Constants,
		RootTournament: rootTournament,
		RootInitial:    rootInitial,
		GC:             &strategy.GarbageCollector{Store: st, RootTournament: rootTournament},
		Log:            log.WithField("component", "player"),
	}

	return tick(ctx, cfg, st, client, player, log)
}

func tick(ctx context.Context, cfg *config.Config, st *store.Store, client *ethclient.Client, player *strategy.Player, log *logrus.Logger) error {
	ticker := newTicker(cfg.Strategy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			blockCreated, err := client.BlockNumber(ctx)
			if err != nil {
				log.WithError(err).Warn("fetching chain head")
				continue
			}

			outcome, err := player.React(ctx, blockCreated)
			if err != nil {
				if errors.Is(err, store.ErrInconsistentInput) || errors.Is(err, store.ErrInconsistentEpoch) ||
					errors.Is(err, store.ErrInconsistentLastProcessed) || errors.Is(err, store.ErrDuplicateLeaf) {
					return errors.Wrap(err, "store consistency violation")
				}
				log.WithError(err).Error("reacting to tournament state")
				continue
			}

			if err := st.UpdateLatestProcessedBlock(blockCreated); err != nil {
				log.WithError(err).Warn("persisting latest processed block")
			}

			log.WithField("outcome", outcome).Info("tick complete")
			if outcome != strategy.OutcomeRunning {
				return nil
			}
		}
	}
}

func transactOpts(cfg *config.Config) (*bind.TransactOpts, error) {
	hex := strings.TrimPrefix(cfg.Chain.PrivateKeyHex, "0x")
	key, err := crypto.HexToECDSA(hex)
	if err != nil {
		return nil, errors.Wrap(err, "parsing chain.private-key")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(cfg.Chain.ChainID))
	if err != nil {
		return nil, errors.Wrap(err, "building transactor")
	}
	return opts, nil
}

// bootstrapMachine records cfg.Machine.InitialImagePath as the reserved
// template snapshot on a fresh store. On a store that already has one
// recorded, Source.Bootstrap is a no-op and the image path may be omitted.
func bootstrapMachine(ctx context.Context, st *store.Store, source *rollups.Source, cfg *config.Config) error {
	if _, ok, err := st.TemplateMachineSnapshot(); err != nil {
		return errors.Wrap(err, "reading template machine snapshot")
	} else if ok {
		return nil
	}
	if cfg.Machine.InitialImagePath == "" {
		return errors.New("machine.initial-image-path is required on a fresh store")
	}
	return source.Bootstrap(ctx, cfg.Machine.InitialImagePath)
}

func rootInitialState(ctx context.Context, source *rollups.Source) (merkle.Digest, error) {
	m, err := source.PositionAt(ctx, uint256.NewInt(0))
	if err != nil {
		return merkle.Digest{}, err
	}
	return source.Snapshot(ctx, m)
}

func newTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return time.NewTicker(interval)
}

package arena

import (
	"context"
	"math/big"
	"strings"

	"github.com/dave-prt/prt-go/arena/bindings/tournamentgen"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sender submits the moves the strategy engine decides on. Every method
// that can fail with a contract-level revert treats that revert as a
// logged warning and returns nil: between the reader's observation and
// this submission, another participant may already have made the same
// move, and the situation will be re-examined next tick.
type Sender interface {
	JoinTournament(ctx context.Context, tournament common.Address, finalState merkle.Digest, proofLast []merkle.Digest, left, right merkle.Digest, bond *big.Int) error
	AdvanceMatch(ctx context.Context, tournament common.Address, id MatchID, left, right, newLeft, newRight merkle.Digest) error
	SealInnerMatchAndCreateInnerTournament(ctx context.Context, tournament common.Address, id MatchID, left, right, agreeState merkle.Digest, proof []merkle.Digest) error
	SealLeafMatch(ctx context.Context, tournament common.Address, id MatchID, left, right, agreeState merkle.Digest, proof []merkle.Digest) error
	WinInnerMatch(ctx context.Context, tournament, childTournament common.Address, left, right merkle.Digest) error
	WinLeafMatch(ctx context.Context, tournament common.Address, id MatchID, left, right merkle.Digest, proof []byte) error
	WinMatchByTimeout(ctx context.Context, tournament common.Address, id MatchID, left, right merkle.Digest) error
	EliminateMatchByTimeout(ctx context.Context, tournament common.Address, id MatchID) error
}

// EthSender is the Sender backed by a live chain backend. Grounded on
// solimpl.AssertionChain's writer methods and its revert-string-to-error
// translation idiom, adapted here to log-and-swallow rather than translate
// to typed sentinel errors: the strategy engine never needs to distinguish
// *which* revert happened, only that the move didn't land and should be
// reconsidered next tick.
type EthSender struct {
	Backend ChainBackend
	TxOpts  *bind.TransactOpts
	Log     logrus.FieldLogger
}

// NewEthSender builds an EthSender.
func NewEthSender(backend ChainBackend, txOpts *bind.TransactOpts, log logrus.FieldLogger) *EthSender {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EthSender{Backend: backend, TxOpts: txOpts, Log: log}
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}

func digestsToBytes32(ds []merkle.Digest) [][32]byte {
	out := make([][32]byte, len(ds))
	for i, d := range ds {
		out[i] = d
	}
	return out
}

// submit sends a transaction produced by send, waits for it to be mined,
// and converts any revert (at submission time or at the mined receipt) into
// a logged warning rather than an error.
func (s *EthSender) submit(ctx context.Context, action string, send func(*bind.TransactOpts) (*types.Transaction, error)) error {
	opts := copyTxOpts(s.TxOpts)
	opts.Context = ctx

	tx, err := send(opts)
	if err != nil {
		if isRevert(err) {
			s.Log.WithField("action", action).WithError(err).Warn("tournament call reverted, will reconsider next tick")
			return nil
		}
		return errors.Wrapf(err, "submitting %s", action)
	}

	receipt, err := bind.WaitMined(ctx, s.Backend, tx)
	if err != nil {
		return errors.Wrapf(err, "awaiting receipt for %s", action)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		s.Log.WithField("action", action).WithField("tx", tx.Hash()).Warn("tournament call reverted on-chain, will reconsider next tick")
		return nil
	}
	return nil
}

func copyTxOpts(opts *bind.TransactOpts) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:      opts.From,
		Nonce:     opts.Nonce,
		Signer:    opts.Signer,
		Value:     opts.Value,
		GasPrice:  opts.GasPrice,
		GasFeeCap: opts.GasFeeCap,
		GasTipCap: opts.GasTipCap,
		GasLimit:  opts.GasLimit,
		NoSend:    opts.NoSend,
	}
}

func (s *EthSender) JoinTournament(ctx context.Context, tournament common.Address, finalState merkle.Digest, proofLast []merkle.Digest, left, right merkle.Digest, bond *big.Int) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "joinTournament", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		opts.Value = bond
		return contract.JoinTournament(opts, finalState, digestsToBytes32(proofLast), left, right)
	})
}

func (s *EthSender) AdvanceMatch(ctx context.Context, tournament common.Address, id MatchID, left, right, newLeft, newRight merkle.Digest) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "advanceMatch", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.AdvanceMatch(opts, id.Hash(), left, right, newLeft, newRight)
	})
}

func (s *EthSender) SealInnerMatchAndCreateInnerTournament(ctx context.Context, tournament common.Address, id MatchID, left, right, agreeState merkle.Digest, proof []merkle.Digest) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "sealInnerMatchAndCreateInnerTournament", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.SealInnerMatchAndCreateInnerTournament(opts, id.Hash(), left, right, agreeState, digestsToBytes32(proof))
	})
}

func (s *EthSender) SealLeafMatch(ctx context.Context, tournament common.Address, id MatchID, left, right, agreeState merkle.Digest, proof []merkle.Digest) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "sealLeafMatch", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.SealLeafMatch(opts, id.Hash(), left, right, agreeState, digestsToBytes32(proof))
	})
}

func (s *EthSender) WinInnerMatch(ctx context.Context, tournament, childTournament common.Address, left, right merkle.Digest) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "winInnerMatch", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.WinInnerMatch(opts, childTournament, left, right)
	})
}

func (s *EthSender) WinLeafMatch(ctx context.Context, tournament common.Address, id MatchID, left, right merkle.Digest, proof []byte) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "winLeafMatch", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.WinLeafMatch(opts, id.Hash(), left, right, proof)
	})
}

func (s *EthSender) WinMatchByTimeout(ctx context.Context, tournament common.Address, id MatchID, left, right merkle.Digest) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "winMatchByTimeout", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.WinMatchByTimeout(opts, id.Hash(), left, right)
	})
}

func (s *EthSender) EliminateMatchByTimeout(ctx context.Context, tournament common.Address, id MatchID) error {
	contract, err := tournamentgen.NewTournament(tournament, s.Backend)
	if err != nil {
		return err
	}
	return s.submit(ctx, "eliminateMatchByTimeout", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return contract.EliminateMatchByTimeout(opts, id.Hash())
	})
}

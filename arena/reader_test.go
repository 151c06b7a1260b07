package arena

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeBisectBackend simulates an RPC provider that rejects any eth_getLogs
// query spanning more than maxSpan blocks, forcing fetchEventBisect to
// recursively split the range. It also tracks how many FilterLogs calls are
// in flight at once, so a test can confirm the reader's concurrency permit —
// not the recursive fan-out itself — is what bounds concurrency.
type fakeBisectBackend struct {
	maxSpan int64

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	served      [][2]int64 // [from, to] of every range the fake actually answered
}

func (f *fakeBisectBackend) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	span := new(big.Int).Sub(query.ToBlock, query.FromBlock).Int64()
	if span > f.maxSpan {
		return nil, errors.New("query returned more than 10000 results")
	}

	from, to := query.FromBlock.Int64(), query.ToBlock.Int64()
	f.mu.Lock()
	f.served = append(f.served, [2]int64{from, to})
	f.mu.Unlock()

	return []types.Log{{BlockNumber: query.FromBlock.Uint64()}}, nil
}

func (f *fakeBisectBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) SendTransaction(context.Context, *types.Transaction) error {
	return errors.New("fakeBisectBackend: not implemented")
}
func (f *fakeBisectBackend) BlockNumber(context.Context) (uint64, error) {
	return 0, errors.New("fakeBisectBackend: not implemented")
}

var _ ChainBackend = (*fakeBisectBackend)(nil)

// TestFetchEventBisectLowConcurrencyDoesNotDeadlock drives fetchEventBisect
// over a range that must be bisected many times, with Concurrency set to 1 —
// low enough that gating the recursive fan-out itself on the same permit as
// the FilterLogs calls (rather than only the calls) would deadlock: the
// goroutine holding the one permit would block forever waiting on a child
// that can never acquire it.
func TestFetchEventBisectLowConcurrencyDoesNotDeadlock(t *testing.T) {
	backend := &fakeBisectBackend{maxSpan: 1}
	r := NewReader(backend, 1)

	type result struct {
		logs []types.Log
		err  error
	}
	done := make(chan result, 1)
	go func() {
		g, gctx := errgroup.WithContext(context.Background())
		logs, err := r.fetchEventBisect(gctx, g, common.Address{}, "MatchCreated", big.NewInt(0), big.NewInt(15))
		done <- result{logs: logs, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fetchEventBisect deadlocked under low concurrency")
	}

	require.NoError(t, res.err)
	require.Greater(t, len(res.logs), 1, "a maxSpan of 1 over a 16-block range must force recursive bisection")
	require.LessOrEqual(t, backend.maxInFlight, 1, "the reader's concurrency permit must still bound in-flight calls")

	sort.Slice(backend.served, func(i, j int) bool { return backend.served[i][0] < backend.served[j][0] })
	require.Equal(t, int64(0), backend.served[0][0], "bisection must cover the range starting at the lower bound")
	require.Equal(t, int64(15), backend.served[len(backend.served)-1][1], "bisection must cover the range up to the upper bound")
	for i, rng := range backend.served {
		require.LessOrEqual(t, rng[1]-rng[0], backend.maxSpan, "every served range must respect the provider's span limit")
		if i > 0 {
			require.Equal(t, backend.served[i-1][1]+1, rng[0], "served ranges must tile the request without gaps or overlap")
		}
	}
}

// TestFetchEventBisectSingleBlockProviderFailureIsNotBisected covers the
// degenerate case where a single-block range still fails: span is already
// zero, so splitting further is impossible and the original error must
// surface instead of looping.
func TestFetchEventBisectSingleBlockProviderFailureIsNotBisected(t *testing.T) {
	backend := &fakeBisectBackend{maxSpan: -1} // reject every range, including single-block ones
	r := NewReader(backend, 2)

	g, gctx := errgroup.WithContext(context.Background())
	_, err := r.fetchEventBisect(gctx, g, common.Address{}, "MatchCreated", big.NewInt(5), big.NewInt(5))
	require.Error(t, err)
}

package config

import (
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T) *flag.FlagSet {
	t.Helper()
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	Flags(f)
	return f
}

func TestLoadRequiresRootTournament(t *testing.T) {
	f := newFlagSet(t)
	require.NoError(t, f.Set("chain.private-key", "deadbeef"))

	_, err := Load(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "root-tournament")
}

func TestLoadRequiresPrivateKey(t *testing.T) {
	f := newFlagSet(t)
	require.NoError(t, f.Set("chain.root-tournament", "0x0000000000000000000000000000000000000001"))

	_, err := Load(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "private-key")
}

func TestLoadRejectsMalformedAddress(t *testing.T) {
	f := newFlagSet(t)
	require.NoError(t, f.Set("chain.root-tournament", "not-an-address"))
	require.NoError(t, f.Set("chain.private-key", "deadbeef"))

	_, err := Load(f)
	require.Error(t, err)
}

func TestLoadAppliesFlagOverrides(t *testing.T) {
	f := newFlagSet(t)
	require.NoError(t, f.Set("chain.root-tournament", "0x0000000000000000000000000000000000000001"))
	require.NoError(t, f.Set("chain.private-key", "deadbeef"))
	require.NoError(t, f.Set("strategy.tick-interval", "2s"))
	require.NoError(t, f.Set("strategy.concurrency", "8"))

	cfg, err := Load(f)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.Strategy.TickInterval)
	require.Equal(t, 8, cfg.Strategy.Concurrency)
}

func TestDefaultConstantsValidate(t *testing.T) {
	require.NoError(t, Default().Constants.Validate())
}

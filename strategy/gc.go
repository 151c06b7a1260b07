package strategy

import (
	"context"

	"github.com/dave-prt/prt-go/arena"
	"github.com/dave-prt/prt-go/store"
	"github.com/ethereum/go-ethereum/common"
)

// GarbageCollector reclaims snapshots once a tournament's dispute is
// settled: a finished root tournament no longer needs any snapshot older
// than the epoch it disputed, since the settlement artifact already
// records the epoch's final state. Grounded on store.Store.GC's
// epoch_snapshot_index contract.
type GarbageCollector struct {
	Store *store.Store

	// RootTournament is the address React's root state is keyed under, used
	// to find the root entry in the state map each tick.
	RootTournament common.Address
}

// React runs GC if the root tournament observed this tick has settled.
// The root tournament's BaseCycle is the epoch number it disputed: once
// settled, every epoch_snapshot_index row at or before it is safe to drop.
func (g *GarbageCollector) React(ctx context.Context, states arena.TournamentStateMap) error {
	root, ok := states[g.RootTournament]
	if !ok || root.Winner == nil {
		return nil
	}
	return g.Store.GC(root.BaseCycle)
}

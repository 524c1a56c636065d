// Package prune is the reachability garbage collector over states,
// packages, and assets: compute the kept sets, drop unreachable DB rows,
// delete archived roots, then sweep orphan cache content.
package prune

import (
	"fmt"
	"os"
	"sort"

	"github.com/aerynos/moss/internal/assetcache"
	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/layoutdb"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metadb"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/statedb"
	"github.com/aerynos/moss/internal/tracelog"
)

// Strategy selects which states a prune removes.
type Strategy struct {
	// Keep retains the N most-recent archived states. With Keep zero and
	// Remove set, the strategy targets that single state instead; with both
	// zero, every archived state is removed.
	Keep int

	// IncludeNewer also keeps archived states newer than the active one.
	IncludeNewer bool

	// Remove targets one specific state id. Set when Keep is zero.
	Remove int64
}

// KeepRecent keeps the n most-recent archived states.
func KeepRecent(n int, includeNewer bool) Strategy {
	return Strategy{Keep: n, IncludeNewer: includeNewer}
}

// RemoveState targets one archived state.
func RemoveState(id int64) Strategy {
	return Strategy{Remove: id}
}

// Pruner executes prune runs over one installation's databases.
type Pruner struct {
	Inst     *installation.Installation
	StateDB  *statedb.DB
	MetaDB   *metadb.DB
	LayoutDB *layoutdb.DB
	Assets   *assetcache.Cache
}

// Result summarizes what a prune removed.
type Result struct {
	RemovedStates   []int64
	RemovedPackages int
	RemovedAssets   int
}

// States prunes per the strategy: drop state rows, drop Meta/Layout rows
// for unreachable packages, delete archived roots, then sweep assets.
func (p *Pruner) States(strategy Strategy) (Result, error) {
	var result Result

	states, err := p.StateDB.All()
	if err != nil {
		return result, err
	}

	removals, err := p.statesToRemove(states, strategy)
	if err != nil {
		return result, err
	}
	if len(removals) == 0 {
		return result, nil
	}

	removedSet := make(map[int64]struct{}, len(removals))
	for _, id := range removals {
		removedSet[id] = struct{}{}
	}

	keptPackages := make(map[metamodel.ID]struct{})
	for _, s := range states {
		if _, gone := removedSet[s.ID]; gone {
			continue
		}
		for _, sel := range s.Selections {
			keptPackages[sel.PackageID] = struct{}{}
		}
	}

	// Drop state rows first so a crash mid-prune leaves only orphan
	// packages and assets behind, which the next run collects.
	for _, id := range removals {
		if err := p.StateDB.Remove(id); err != nil {
			return result, err
		}
		result.RemovedStates = append(result.RemovedStates, id)
	}

	allMetas, err := p.MetaDB.List()
	if err != nil {
		return result, err
	}
	var doomedPackages []metamodel.ID
	for _, m := range allMetas {
		if _, kept := keptPackages[m.ID]; !kept {
			doomedPackages = append(doomedPackages, m.ID)
		}
	}
	for _, id := range doomedPackages {
		if err := p.MetaDB.Remove(id); err != nil {
			return result, err
		}
	}
	if err := p.LayoutDB.BatchRemove(doomedPackages); err != nil {
		return result, err
	}
	result.RemovedPackages = len(doomedPackages)

	var multi merr.MultiError
	for _, id := range removals {
		root := p.Inst.ArchivePath(id)
		if err := os.RemoveAll(root); err != nil {
			multi.Append(fmt.Errorf("prune: remove archived root %s: %w", root, err))
		}
	}
	if err := multi.ErrorOrNil(); err != nil {
		return result, err
	}

	removedAssets, err := p.sweepAssets()
	if err != nil {
		return result, err
	}
	result.RemovedAssets = removedAssets

	tracelog.Tracef("prune", "removed %d states, %d packages, %d assets",
		len(result.RemovedStates), result.RemovedPackages, result.RemovedAssets)
	return result, nil
}

// Cache sweeps orphan assets only, leaving states and packages untouched.
func (p *Pruner) Cache() (int, error) {
	return p.sweepAssets()
}

// sweepAssets deletes every cached asset not referenced by a Layout row.
func (p *Pruner) sweepAssets() (int, error) {
	hashes, err := p.LayoutDB.FileHashes()
	if err != nil {
		return 0, err
	}
	reachable := make(map[digest.Digest]struct{}, len(hashes))
	for hex := range hashes {
		d, err := digest.Parse(hex)
		if err != nil {
			tracelog.Warnf("layout row carries malformed digest %q, ignoring", hex)
			continue
		}
		reachable[d] = struct{}{}
	}
	return p.Assets.Prune(reachable)
}

// statesToRemove applies the strategy to the full state list, which is
// ordered by ascending id.
func (p *Pruner) statesToRemove(states []metamodel.State, strategy Strategy) ([]int64, error) {
	var activeID int64 = -1
	if p.Inst.ActiveState != nil {
		activeID = *p.Inst.ActiveState
	}

	if strategy.Keep == 0 && strategy.Remove != 0 {
		id := strategy.Remove
		if id == activeID {
			return nil, merr.NewStateAlreadyActive(id)
		}
		for _, s := range states {
			if s.ID == id {
				return []int64{id}, nil
			}
		}
		return nil, merr.NewStateDoesntExist(id)
	}

	// KeepRecent: archived states are everything but the active one.
	var archived []int64
	for _, s := range states {
		if s.ID == activeID {
			continue
		}
		archived = append(archived, s.ID)
	}
	sort.Slice(archived, func(i, j int) bool { return archived[i] > archived[j] })

	var removals []int64
	kept := 0
	for _, id := range archived {
		if strategy.IncludeNewer && id > activeID {
			continue
		}
		if kept < strategy.Keep {
			kept++
			continue
		}
		removals = append(removals, id)
	}
	return removals, nil
}

package client

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aerynos/moss/internal/activation"
	"github.com/aerynos/moss/internal/blit"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/registry"
	"github.com/aerynos/moss/internal/systemmodel"
	"github.com/aerynos/moss/internal/tracelog"
	"github.com/aerynos/moss/internal/trigger"
	"github.com/aerynos/moss/internal/vfs"
)

// NewState records the given selections as a new state, blits it, runs
// both trigger scopes, and makes it live. State insertion and activation
// are linearized by the installation's advisory lock. Ephemeral clients
// blit to their target root and record nothing; the returned state is nil.
func (c *Client) NewState(selections []metamodel.Selection, summary string) (*metamodel.State, error) {
	lock, err := c.inst.AcquireLock(func() {
		fmt.Fprintln(os.Stderr, "Waiting for lock on", c.inst.LockPath())
	})
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	guard := activation.NewGuard("Applying new state")
	defer guard.Release()

	model, err := c.updatedSystemModel(selections)
	if err != nil {
		return nil, err
	}

	tree, err := c.vfsFor(metamodel.State{Selections: selections}.PackageIDs())
	if err != nil {
		return nil, err
	}

	blitTarget := c.inst.StagingDir()
	if c.scope.ephemeral {
		blitTarget = c.scope.blitRoot
	}
	engine := blit.New(c.inst.AssetsPath("v2"))
	if _, err := engine.Run(tree, blitTarget); err != nil {
		return nil, err
	}

	if c.scope.ephemeral {
		if err := c.applyEphemeralBlit(tree, model); err != nil {
			return nil, err
		}
		return nil, c.cleanupEphemeral()
	}

	state, err := c.stateDB.Add(selections, summary, "")
	if err != nil {
		return nil, err
	}
	if err := c.applyStatefulBlit(tree, &state, model); err != nil {
		return nil, err
	}
	// The active state changed; the installed-set plugin must follow.
	if err := c.rebuildRegistry(); err != nil {
		return nil, err
	}
	return &state, nil
}

// applyStatefulBlit seals the staging tree, runs transaction triggers in
// the sandbox, performs the atomic exchange, archives the displaced tree,
// then runs system triggers.
func (c *Client) applyStatefulBlit(tree *vfs.Tree, state *metamodel.State, model *systemmodel.Model) error {
	staging := c.inst.StagingDir()

	if err := activation.WriteStateID(staging, state.ID); err != nil {
		return err
	}
	if err := activation.WriteOSRelease(staging); err != nil {
		return err
	}
	if err := activation.WriteSystemModel(staging, systemmodel.Encode(model)); err != nil {
		return err
	}
	if err := activation.CreateRootLinks(c.inst.IsolationDir()); err != nil {
		return err
	}

	if err := c.runTriggers(trigger.ScopeTransaction, staging, tree); err != nil {
		return err
	}

	oldState := c.inst.ActiveState
	if err := activation.Promote(c.inst); err != nil {
		return err
	}
	if err := activation.CreateRootLinks(c.inst.Root); err != nil {
		return err
	}
	if oldState != nil {
		if err := activation.Archive(c.inst, *oldState); err != nil {
			return err
		}
	}
	c.inst.RereadActiveState()

	if err := c.runTriggers(trigger.ScopeSystem, c.inst.Root, tree); err != nil {
		return err
	}

	if c.BootSync != nil {
		if err := c.BootSync(state); err != nil {
			return err
		}
	}

	tracelog.Tracef("state", "state %d is live", state.ID)
	return nil
}

// applyEphemeralBlit finishes an ephemeral install: generated files, root
// links, and both trigger scopes against the blit root.
func (c *Client) applyEphemeralBlit(tree *vfs.Tree, model *systemmodel.Model) error {
	root := c.scope.blitRoot

	if err := activation.WriteOSRelease(root); err != nil {
		return err
	}
	if err := activation.WriteSystemModel(root, systemmodel.Encode(model)); err != nil {
		return err
	}
	if err := activation.CreateRootLinks(root); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0o755); err != nil {
		return err
	}

	if err := c.runTriggers(trigger.ScopeTransaction, root, tree); err != nil {
		return err
	}
	return c.runTriggers(trigger.ScopeSystem, root, tree)
}

// runTriggers loads, bakes, and executes one scope's triggers against the
// target root.
func (c *Client) runTriggers(scope trigger.Scope, targetRoot string, tree *vfs.Tree) error {
	runner := &trigger.Runner{
		Scope:        scope,
		TargetRoot:   targetRoot,
		InstallRoot:  c.inst.Root,
		IsolationDir: c.inst.IsolationDir(),
	}
	stages, err := runner.Load(tree.Paths())
	if err != nil {
		return err
	}
	return runner.Execute(stages)
}

// ActivateState switches to an archived state without a new blit: the
// archived tree moves into staging, exchanges with the live usr, the
// displaced tree is archived, and system triggers re-run.
func (c *Client) ActivateState(id int64, skipTriggers bool) (int64, error) {
	if c.scope.ephemeral {
		return 0, merr.NewEphemeralProhibited("activate state")
	}

	state, found, err := c.stateDB.Get(id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, merr.NewStateDoesntExist(id)
	}
	if c.inst.ActiveState == nil {
		return 0, fmt.Errorf("client: root has no active state")
	}
	old := *c.inst.ActiveState
	if old == id {
		return 0, merr.NewStateAlreadyActive(id)
	}

	lock, err := c.inst.AcquireLock(func() {
		fmt.Fprintln(os.Stderr, "Waiting for lock on", c.inst.LockPath())
	})
	if err != nil {
		return 0, err
	}
	defer lock.Unlock()

	guard := activation.NewGuard("Activating state")
	defer guard.Release()

	staging := c.inst.StagingDir()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return 0, err
	}

	// Move the archived tree into staging, swap, then archive the
	// displaced live tree under the old id.
	if err := os.Rename(filepath.Join(c.inst.ArchivePath(id), "usr"), filepath.Join(staging, "usr")); err != nil {
		return 0, fmt.Errorf("client: stage archived state %d: %w", id, err)
	}
	if err := activation.Promote(c.inst); err != nil {
		return 0, err
	}
	if err := activation.Archive(c.inst, old); err != nil {
		return 0, err
	}
	c.inst.RereadActiveState()
	if err := c.rebuildRegistry(); err != nil {
		return 0, err
	}

	if !skipTriggers {
		tree, err := c.vfsFor(state.PackageIDs())
		if err != nil {
			return 0, err
		}
		if err := c.runTriggers(trigger.ScopeSystem, c.inst.Root, tree); err != nil {
			return 0, err
		}
	}

	if c.BootSync != nil {
		if err := c.BootSync(&state); err != nil {
			return 0, err
		}
	}
	return old, nil
}

// updatedSystemModel folds the new explicit selections and the active
// repositories into the current model.
func (c *Client) updatedSystemModel(selections []metamodel.Selection) (*systemmodel.Model, error) {
	var explicit []metamodel.ID
	for _, sel := range selections {
		if sel.Explicit {
			explicit = append(explicit, sel.PackageID)
		}
	}
	pkgs, err := c.ResolvePackages(explicit)
	if err != nil {
		return nil, err
	}
	providers := make([]metamodel.Provider, len(pkgs))
	for i, pkg := range pkgs {
		providers[i] = metamodel.Provider{Kind: metamodel.PackageName, Name: pkg.Meta.Name}
	}

	current, err := systemmodel.Load(c.inst.SystemModelPath())
	if err != nil {
		// A hand-broken model on the old root must not block the new
		// state; regenerate it from scratch.
		tracelog.Warnf("unreadable system model, regenerating: %v", err)
		current = nil
	}
	return systemmodel.Merge(current, c.repos.Active(), providers), nil
}

// selectionsForInstall computes a new state's selection set: the previous
// state's selections plus the missing packages.
func selectionsForInstall(previous []metamodel.Selection, missing []registry.Package, explicit map[metamodel.ID]bool) []metamodel.Selection {
	out := make([]metamodel.Selection, 0, len(previous)+len(missing))
	for _, pkg := range missing {
		out = append(out, metamodel.Selection{
			PackageID: pkg.ID,
			Explicit:  explicit[pkg.ID],
		})
	}
	out = append(out, previous...)
	return out
}

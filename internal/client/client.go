// Package client ties the core together: registry construction, the
// install/remove/sync flows, stateful and ephemeral blits, activation, and
// the verify walk.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aerynos/moss/internal/assetcache"
	"github.com/aerynos/moss/internal/config"
	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/layoutdb"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metadb"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/registry"
	"github.com/aerynos/moss/internal/repomanager"
	"github.com/aerynos/moss/internal/statedb"
	"github.com/aerynos/moss/internal/systemmodel"
	"github.com/aerynos/moss/internal/transaction"
	"github.com/aerynos/moss/internal/vfs"
)

// scope distinguishes a stateful client from an ephemeral one blitting to
// a throwaway root.
type scope struct {
	ephemeral bool
	blitRoot  string
}

// Client is a connection to one installation's package management state.
type Client struct {
	name string
	inst *installation.Installation
	cfg  *config.Config

	registry *registry.Registry
	cobble   *registry.Cobble
	repos    *repomanager.Manager
	fetcher  repomanager.Fetcher

	installDB *metadb.DB
	stateDB   *statedb.DB
	layoutDB  *layoutdb.DB
	assets    *assetcache.Cache

	scope scope

	// BootSync, when set, runs after activation; boot-entry management
	// itself is an external collaborator.
	BootSync func(state *metamodel.State) error

	// repoDBs keeps the per-repository databases open for the registry.
	repoDBs []*metadb.DB
}

// Options configures client construction.
type Options struct {
	// Fetcher supplies network/file streams. Defaults to FileFetcher.
	Fetcher repomanager.Fetcher

	// Repositories, when non-nil, bypasses the installation's system model
	// as the repository source (the explicit-configuration mode used by
	// build drivers). Mutating repository operations are rejected.
	Repositories []systemmodel.Repository
}

// New opens a stateful client for the installation.
func New(name string, inst *installation.Installation, opts Options) (*Client, error) {
	cfg, err := config.Load(inst.Root)
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = repomanager.FileFetcher
	}

	installDB, err := metadb.Open(inst.DBPath("install"))
	if err != nil {
		return nil, err
	}
	stateDB, err := statedb.Open(inst.DBPath("state"))
	if err != nil {
		installDB.Close()
		return nil, err
	}
	layoutDB, err := layoutdb.Open(inst.DBPath("layout"))
	if err != nil {
		installDB.Close()
		stateDB.Close()
		return nil, err
	}

	c := &Client{
		name:      name,
		inst:      inst,
		cfg:       cfg,
		fetcher:   fetcher,
		cobble:    registry.NewCobble(),
		installDB: installDB,
		stateDB:   stateDB,
		layoutDB:  layoutDB,
		assets:    assetcache.New(inst.AssetsPath()),
	}

	if opts.Repositories != nil {
		c.repos = repomanager.NewExplicit(name, inst, fetcher, opts.Repositories, cfg.MaxNetworkConcurrency)
	} else {
		repos := loadConfiguredRepositories(inst)
		c.repos = repomanager.New(name, inst, fetcher, repos, cfg.MaxNetworkConcurrency)
	}

	if err := c.rebuildRegistry(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close releases database handles.
func (c *Client) Close() error {
	var multi merr.MultiError
	for _, db := range c.repoDBs {
		multi.Append(db.Close())
	}
	c.repoDBs = nil
	if c.installDB != nil {
		multi.Append(c.installDB.Close())
	}
	if c.stateDB != nil {
		multi.Append(c.stateDB.Close())
	}
	if c.layoutDB != nil {
		multi.Append(c.layoutDB.Close())
	}
	return multi.ErrorOrNil()
}

// Ephemeral converts the client to one that blits to blitRoot and records
// no state. The blit root must differ from the installation root.
func (c *Client) Ephemeral(blitRoot string) error {
	rootAbs, err := filepath.Abs(c.inst.Root)
	if err != nil {
		return err
	}
	blitAbs, err := filepath.Abs(blitRoot)
	if err != nil {
		return err
	}
	if rootAbs == blitAbs {
		return merr.NewEphemeralProhibited("ephemeral blit onto installation root")
	}
	c.scope = scope{ephemeral: true, blitRoot: blitAbs}
	return nil
}

// IsEphemeral reports whether this client records no state.
func (c *Client) IsEphemeral() bool { return c.scope.ephemeral }

// Registry exposes the lookup registry.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Repositories exposes the repository manager.
func (c *Client) Repositories() *repomanager.Manager { return c.repos }

// AddLocalStone registers a locally supplied package with the cobble
// plugin so a transaction can select it ahead of any repository.
func (c *Client) AddLocalStone(meta metamodel.Meta) {
	c.cobble.Add(meta)
}

// rebuildRegistry reassembles the plugin list: cobble, the active state's
// installed set, then every enabled repository.
func (c *Client) rebuildRegistry() error {
	for _, db := range c.repoDBs {
		db.Close()
	}
	c.repoDBs = nil

	reg := &registry.Registry{}
	reg.AddPlugin(c.cobble)

	var active *metamodel.State
	if c.inst.ActiveState != nil {
		state, found, err := c.stateDB.Get(*c.inst.ActiveState)
		if err != nil {
			return err
		}
		if found {
			active = &state
		}
	}
	reg.AddPlugin(registry.NewActive(active, c.installDB))

	for _, repo := range c.repos.Active() {
		db, err := c.repos.OpenDB(repo)
		if err != nil {
			// An unrefreshed repository has no database yet; skip it until
			// RefreshRepositories runs.
			continue
		}
		c.repoDBs = append(c.repoDBs, db)
		reg.AddPlugin(registry.NewRepository(repo.ID, repo.Priority, db))
	}

	c.registry = reg
	return nil
}

// RefreshRepositories refreshes every enabled repository's index and
// rebuilds the registry.
func (c *Client) RefreshRepositories(ctx context.Context) error {
	if err := c.repos.RefreshAll(ctx); err != nil {
		return err
	}
	return c.rebuildRegistry()
}

// EnsureReposInitialized refreshes only repositories never fetched before.
func (c *Client) EnsureReposInitialized(ctx context.Context) (int, error) {
	n, err := c.repos.EnsureAllInitialized(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		if err := c.rebuildRegistry(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ResolveInput maps user-supplied names to package ids: each name is
// parsed as a provider and resolved against the registry in preference
// order.
func (c *Client) ResolveInput(names []string) ([]metamodel.ID, error) {
	var out []metamodel.ID
	for _, name := range names {
		provider, err := metamodel.ParseProvider(name)
		if err != nil {
			return nil, err
		}
		pkgs := c.registry.ByProvider(provider, registry.Flags{})
		if len(pkgs) == 0 {
			return nil, merr.NewNoCandidate(provider)
		}
		out = append(out, pkgs[0].ID)
	}
	return out, nil
}

// ResolvePackages maps ids to registry packages, erroring on any id with
// no metadata.
func (c *Client) ResolvePackages(ids []metamodel.ID) ([]registry.Package, error) {
	out := make([]registry.Package, 0, len(ids))
	for _, id := range ids {
		pkg, ok := c.registry.ByID(id)
		if !ok {
			return nil, merr.NewMissingMetadata(id)
		}
		out = append(out, pkg)
	}
	return out, nil
}

// newTransaction builds a transaction seeded from the active state's
// selections, so upgrades keep unrelated packages stable.
func (c *Client) newTransaction() (*transaction.Transaction, error) {
	if c.inst.ActiveState == nil || c.scope.ephemeral {
		return transaction.New(c.registry), nil
	}
	state, found, err := c.stateDB.Get(*c.inst.ActiveState)
	if err != nil {
		return nil, err
	}
	if !found {
		return transaction.New(c.registry), nil
	}
	return transaction.NewWithInstalled(c.registry, state.PackageIDs())
}

// vfsFor builds the virtual filesystem for a selection set.
func (c *Client) vfsFor(ids []metamodel.ID) (*vfs.Tree, error) {
	layouts, err := c.layoutDB.QueryOwned(ids)
	if err != nil {
		return nil, err
	}
	builder := vfs.NewBuilder(vfs.FirstWriterWins)
	for _, l := range layouts {
		if err := builder.Push(l.PackageID, l.Layout); err != nil {
			return nil, err
		}
	}
	return builder.Bake()
}

// activeState loads the active state row, if any.
func (c *Client) activeState() (*metamodel.State, error) {
	if c.inst.ActiveState == nil {
		return nil, nil
	}
	state, found, err := c.stateDB.Get(*c.inst.ActiveState)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("client: active state %d has no row", *c.inst.ActiveState)
	}
	return &state, nil
}

// loadConfiguredRepositories reads the live system model's repositories,
// tolerating a missing or unparseable file on a fresh root.
func loadConfiguredRepositories(inst *installation.Installation) []systemmodel.Repository {
	model, err := systemmodel.Load(inst.SystemModelPath())
	if err != nil || model == nil {
		return nil
	}
	return model.Repositories
}

// ListStates returns every recorded state.
func (c *Client) ListStates() ([]metamodel.State, error) {
	return c.stateDB.All()
}

// GetState returns one state row.
func (c *Client) GetState(id int64) (metamodel.State, error) {
	state, found, err := c.stateDB.Get(id)
	if err != nil {
		return metamodel.State{}, err
	}
	if !found {
		return metamodel.State{}, merr.NewStateDoesntExist(id)
	}
	return state, nil
}

// ActiveState returns the active state row, or nil when the root has none.
func (c *Client) ActiveState() (*metamodel.State, error) {
	return c.activeState()
}

// cleanupEphemeral removes the ephemeral root's .moss scaffolding after an
// ephemeral install completes.
func (c *Client) cleanupEphemeral() error {
	if !c.scope.ephemeral {
		return nil
	}
	return os.RemoveAll(filepath.Join(c.scope.blitRoot, ".moss"))
}

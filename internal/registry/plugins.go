package registry

import (
	"github.com/aerynos/moss/internal/metadb"
	"github.com/aerynos/moss/internal/metamodel"
)

// Plugin priorities. Cobble always wins, then the installed set, then
// repositories ordered by their configured priority, used as is; Active's
// fixed priority of 1<<30 sits above any smaller repository priority.
const (
	cobblePriority = int64(1) << 40
	activePriority = int64(1) << 30
)

// Cobble holds locally supplied stones, fed directly into a transaction
// without any repository involvement.
type Cobble struct {
	packages map[metamodel.ID]metamodel.Meta
}

// NewCobble returns an empty Cobble plugin.
func NewCobble() *Cobble {
	return &Cobble{packages: make(map[metamodel.ID]metamodel.Meta)}
}

// Add registers a local package.
func (c *Cobble) Add(meta metamodel.Meta) {
	c.packages[meta.ID] = meta
}

// Len returns the number of supplied packages.
func (c *Cobble) Len() int { return len(c.packages) }

func (c *Cobble) Priority() int64 { return cobblePriority }

func (c *Cobble) ByID(id metamodel.ID) (Package, bool) {
	m, ok := c.packages[id]
	if !ok {
		return Package{}, false
	}
	return Package{ID: id, Meta: m}, true
}

func (c *Cobble) ByName(name string) []Package {
	return c.collect(func(m metamodel.Meta) bool { return m.Name == name })
}

func (c *Cobble) ByProvider(p metamodel.Provider) []Package {
	return c.collect(func(m metamodel.Meta) bool { return m.ProvidesAny(p) })
}

func (c *Cobble) ByKeyword(keyword string) []Package {
	return c.collect(func(m metamodel.Meta) bool { return keywordMatch(m.Name, keyword) })
}

func (c *Cobble) List(flags Flags) []Package {
	if flags.Installed {
		return nil
	}
	return c.collect(func(metamodel.Meta) bool { return true })
}

func (c *Cobble) collect(match func(metamodel.Meta) bool) []Package {
	var metas []metamodel.Meta
	for _, m := range c.packages {
		if match(m) {
			metas = append(metas, m)
		}
	}
	metamodel.SortMetas(metas)
	out := make([]Package, len(metas))
	for i, m := range metas {
		out[i] = Package{ID: m.ID, Meta: m}
	}
	return out
}

// Active serves the currently active state's selections from the install
// Meta DB.
type Active struct {
	db         *metadb.DB
	selections map[metamodel.ID]metamodel.Selection
}

// NewActive builds the installed-set plugin for the given state. A nil
// state yields an empty plugin.
func NewActive(state *metamodel.State, db *metadb.DB) *Active {
	a := &Active{db: db, selections: make(map[metamodel.ID]metamodel.Selection)}
	if state != nil {
		for _, sel := range state.Selections {
			a.selections[sel.PackageID] = sel
		}
	}
	return a
}

func (a *Active) Priority() int64 { return activePriority }

func (a *Active) ByID(id metamodel.ID) (Package, bool) {
	if _, ok := a.selections[id]; !ok {
		return Package{}, false
	}
	m, found, err := a.db.Get(id)
	if err != nil || !found {
		return Package{}, false
	}
	return Package{ID: id, Meta: m, Installed: true}, true
}

func (a *Active) ByName(name string) []Package {
	metas, err := a.db.ByName(name)
	if err != nil {
		return nil
	}
	return a.restrict(metas)
}

func (a *Active) ByProvider(p metamodel.Provider) []Package {
	metas, err := a.db.ByProvider(p)
	if err != nil {
		return nil
	}
	return a.restrict(metas)
}

func (a *Active) ByKeyword(keyword string) []Package {
	metas, err := a.db.List()
	if err != nil {
		return nil
	}
	var filtered []metamodel.Meta
	for _, m := range metas {
		if keywordMatch(m.Name, keyword) {
			filtered = append(filtered, m)
		}
	}
	return a.restrict(filtered)
}

func (a *Active) List(flags Flags) []Package {
	if flags.Available {
		return nil
	}
	metas, err := a.db.List()
	if err != nil {
		return nil
	}
	pkgs := a.restrict(metas)
	if !flags.Explicit {
		return pkgs
	}
	var out []Package
	for _, pkg := range pkgs {
		if sel, ok := a.selections[pkg.ID]; ok && sel.Explicit {
			out = append(out, pkg)
		}
	}
	return out
}

// restrict drops Meta rows not selected in the active state. The install
// DB holds rows for every cached package across all states, so the
// selection filter is what makes this plugin "installed".
func (a *Active) restrict(metas []metamodel.Meta) []Package {
	var out []Package
	for _, m := range metas {
		if _, ok := a.selections[m.ID]; ok {
			out = append(out, Package{ID: m.ID, Meta: m, Installed: true})
		}
	}
	return out
}

// Repository serves one repository's Meta DB, weighted by the repo's
// configured priority.
type Repository struct {
	id       string
	priority int64
	db       *metadb.DB
}

// NewRepository wraps a refreshed repository database.
func NewRepository(id string, priority int64, db *metadb.DB) *Repository {
	return &Repository{id: id, priority: priority, db: db}
}

// ID returns the repository identifier.
func (r *Repository) ID() string { return r.id }

func (r *Repository) Priority() int64 { return r.priority }

func (r *Repository) ByID(id metamodel.ID) (Package, bool) {
	m, found, err := r.db.Get(id)
	if err != nil || !found {
		return Package{}, false
	}
	return Package{ID: id, Meta: m}, true
}

func (r *Repository) ByName(name string) []Package {
	metas, err := r.db.ByName(name)
	if err != nil {
		return nil
	}
	return wrap(metas)
}

func (r *Repository) ByProvider(p metamodel.Provider) []Package {
	metas, err := r.db.ByProvider(p)
	if err != nil {
		return nil
	}
	return wrap(metas)
}

func (r *Repository) ByKeyword(keyword string) []Package {
	metas, err := r.db.List()
	if err != nil {
		return nil
	}
	var filtered []metamodel.Meta
	for _, m := range metas {
		if keywordMatch(m.Name, keyword) {
			filtered = append(filtered, m)
		}
	}
	return wrap(filtered)
}

func (r *Repository) List(flags Flags) []Package {
	if flags.Installed {
		return nil
	}
	metas, err := r.db.List()
	if err != nil {
		return nil
	}
	return wrap(metas)
}

func wrap(metas []metamodel.Meta) []Package {
	metamodel.SortMetas(metas)
	out := make([]Package, len(metas))
	for i, m := range metas {
		out[i] = Package{ID: m.ID, Meta: m}
	}
	return out
}

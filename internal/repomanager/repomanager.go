// Package repomanager keeps repository index stones and their Meta
// databases current. Each repository gets a cache directory keyed by a
// 64-bit hash of its identifier and URI; a refresh downloads the index
// stone and rebuilds the Meta DB from its Meta payloads.
package repomanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metadb"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/stone"
	"github.com/aerynos/moss/internal/systemmodel"
	"github.com/aerynos/moss/internal/tracelog"
)

// Fetcher opens a read stream for a repository-relative URI. The network
// transport is an external collaborator; tests and local repositories
// supply file-backed fetchers.
type Fetcher func(ctx context.Context, uri string) (io.ReadCloser, error)

// FileFetcher serves file:// and plain-path URIs from the local
// filesystem.
func FileFetcher(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(uri, "file://")
	return os.Open(path)
}

// Manager owns the configured repositories for one installation.
type Manager struct {
	identifier string
	inst       *installation.Installation
	fetcher    Fetcher
	repos      []systemmodel.Repository

	// explicit managers were handed their repositories by a build driver
	// and reject mutating operations.
	explicit bool

	maxConcurrency int
}

// New creates a manager over the given repositories, loaded from on-disk
// configuration.
func New(identifier string, inst *installation.Installation, fetcher Fetcher, repos []systemmodel.Repository, maxConcurrency int) *Manager {
	return newManager(identifier, inst, fetcher, repos, maxConcurrency, false)
}

// NewExplicit creates a manager whose repositories were supplied directly,
// bypassing on-disk config. Add/Remove/Enable/Disable are rejected.
func NewExplicit(identifier string, inst *installation.Installation, fetcher Fetcher, repos []systemmodel.Repository, maxConcurrency int) *Manager {
	return newManager(identifier, inst, fetcher, repos, maxConcurrency, true)
}

func newManager(identifier string, inst *installation.Installation, fetcher Fetcher, repos []systemmodel.Repository, maxConcurrency int, explicit bool) *Manager {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Manager{
		identifier:     identifier,
		inst:           inst,
		fetcher:        fetcher,
		repos:          repos,
		explicit:       explicit,
		maxConcurrency: maxConcurrency,
	}
}

// IsExplicit reports whether the repositories were supplied directly.
func (m *Manager) IsExplicit() bool { return m.explicit }

// Active returns the enabled repositories.
func (m *Manager) Active() []systemmodel.Repository {
	var out []systemmodel.Repository
	for _, r := range m.repos {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// CacheDir returns the repository's cache directory, keyed by the XXH64
// hash (cespare/xxhash, not XXH3) of identifier || '-' || uri, rendered as
// 16 hex digits.
func (m *Manager) CacheDir(repo systemmodel.Repository) string {
	sum := xxhash.Sum64String(m.identifier + "-" + repo.URI)
	return m.inst.RepoPath(fmt.Sprintf("%016x", sum))
}

// IndexPath returns the cached index stone location for a repository.
func (m *Manager) IndexPath(repo systemmodel.Repository) string {
	return filepath.Join(m.CacheDir(repo), "stone.index")
}

// DBPath returns the repository Meta DB location.
func (m *Manager) DBPath(repo systemmodel.Repository) string {
	return filepath.Join(m.CacheDir(repo), "db")
}

// OpenDB opens the repository's refreshed Meta DB.
func (m *Manager) OpenDB(repo systemmodel.Repository) (*metadb.DB, error) {
	return metadb.Open(filepath.Join(m.DBPath(repo), "meta.db"))
}

// Refresh downloads the repository's index stone and rebuilds its Meta DB.
// The refreshed tree is staged in a sibling directory and swapped in by
// rename, so readers of the old files finish undisturbed.
func (m *Manager) Refresh(ctx context.Context, repo systemmodel.Repository) error {
	tracelog.Tracef("repo", "refreshing %s from %s", repo.ID, repo.URI)

	stream, err := m.fetcher(ctx, indexURI(repo.URI))
	if err != nil {
		return fmt.Errorf("repomanager: fetch index for %s: %w", repo.ID, err)
	}
	defer stream.Close()

	raw, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("repomanager: read index for %s: %w", repo.ID, err)
	}

	container, err := stone.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("repomanager: decode index for %s: %w", repo.ID, err)
	}

	staging := m.CacheDir(repo) + ".next"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("repomanager: clear staging for %s: %w", repo.ID, err)
	}
	if err := os.MkdirAll(filepath.Join(staging, "db"), 0o755); err != nil {
		return fmt.Errorf("repomanager: staging for %s: %w", repo.ID, err)
	}
	if err := os.WriteFile(filepath.Join(staging, "stone.index"), raw, 0o644); err != nil {
		return fmt.Errorf("repomanager: store index for %s: %w", repo.ID, err)
	}

	db, err := metadb.Open(filepath.Join(staging, "db", "meta.db"))
	if err != nil {
		return err
	}
	metas := indexMetas(container)
	entries := make([]struct {
		ID   metamodel.ID
		Meta metamodel.Meta
	}, len(metas))
	for i, meta := range metas {
		entries[i].ID = stone.MetaID(meta)
		entries[i].Meta = meta
	}
	if err := db.BatchAdd(entries); err != nil {
		db.Close()
		return fmt.Errorf("repomanager: populate db for %s: %w", repo.ID, err)
	}
	if err := db.Close(); err != nil {
		return err
	}

	final := m.CacheDir(repo)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("repomanager: drop stale cache for %s: %w", repo.ID, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("repomanager: activate cache for %s: %w", repo.ID, err)
	}

	tracelog.Tracef("repo", "%s: %d packages", repo.ID, len(metas))
	return nil
}

// RefreshAll refreshes every enabled repository with bounded concurrency.
func (m *Manager) RefreshAll(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(m.maxConcurrency))
	results := make(chan error)
	active := m.Active()

	for _, repo := range active {
		repo := repo
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- err
				return
			}
			defer sem.Release(1)
			results <- m.Refresh(ctx, repo)
		}()
	}

	var multi merr.MultiError
	for range active {
		multi.Append(<-results)
	}
	return multi.ErrorOrNil()
}

// EnsureAllInitialized refreshes repositories whose cache has never been
// populated, returning how many were initialized.
func (m *Manager) EnsureAllInitialized(ctx context.Context) (int, error) {
	var missing []systemmodel.Repository
	for _, repo := range m.Active() {
		if _, err := os.Stat(m.IndexPath(repo)); err != nil {
			missing = append(missing, repo)
		}
	}
	sem := semaphore.NewWeighted(int64(m.maxConcurrency))
	results := make(chan error)
	for _, repo := range missing {
		repo := repo
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- err
				return
			}
			defer sem.Release(1)
			results <- m.Refresh(ctx, repo)
		}()
	}
	var multi merr.MultiError
	for range missing {
		multi.Append(<-results)
	}
	return len(missing), multi.ErrorOrNil()
}

// Add registers a repository in a non-explicit manager.
func (m *Manager) Add(repo systemmodel.Repository) error {
	if m.explicit {
		return merr.NewEphemeralProhibited("repository add")
	}
	for _, existing := range m.repos {
		if existing.ID == repo.ID {
			return fmt.Errorf("repomanager: repository %s already exists", repo.ID)
		}
	}
	m.repos = append(m.repos, repo)
	return nil
}

// Remove drops a repository and its cache directory.
func (m *Manager) Remove(id string) error {
	if m.explicit {
		return merr.NewEphemeralProhibited("repository remove")
	}
	for i, repo := range m.repos {
		if repo.ID == id {
			_ = os.RemoveAll(m.CacheDir(repo))
			m.repos = append(m.repos[:i], m.repos[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("repomanager: no repository %s", id)
}

// SetEnabled toggles a repository.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	if m.explicit {
		return merr.NewEphemeralProhibited("repository enable/disable")
	}
	for i := range m.repos {
		if m.repos[i].ID == id {
			m.repos[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("repomanager: no repository %s", id)
}

// indexURI resolves the index stone location relative to the repo URI.
func indexURI(base string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + "stone.index"
	}
	return base + "/stone.index"
}

// indexMetas extracts every Meta payload's record set from a repository
// index stone.
func indexMetas(container *stone.Container) []metamodel.Meta {
	var out []metamodel.Meta
	for _, p := range container.Payloads {
		if p.Kind() == stone.KindMeta {
			out = append(out, stone.DecodeMeta(p.MetaRecords))
		}
	}
	return out
}

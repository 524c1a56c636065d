package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/registry"
	"github.com/aerynos/moss/internal/stone"
	"github.com/aerynos/moss/internal/tracelog"
)

// Progress reports fetch progress for one package.
type Progress struct {
	Package   string
	Completed int64
	Total     int64
	Delta     int64
}

// CachePackages downloads and unpacks the given packages with bounded
// network concurrency, then records their Meta and Layout rows. Packages
// already cached are validated and skipped. Cancelling ctx aborts
// in-flight fetches; partial downloads are deleted by the fetch path and
// no database row is written.
func (c *Client) CachePackages(ctx context.Context, pkgs []registry.Package, onProgress func(Progress)) error {
	if len(pkgs) == 0 {
		return nil
	}

	type cached struct {
		pkg       registry.Package
		container *stone.Container
	}

	sem := semaphore.NewWeighted(int64(c.cfg.MaxNetworkConcurrency))
	results := make(chan error)
	done := make([]cached, len(pkgs))

	for i, pkg := range pkgs {
		i, pkg := i, pkg
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- merr.NewCancelled("fetch "+pkg.Meta.Name, err)
				return
			}
			defer sem.Release(1)

			container, err := c.fetchAndUnpack(ctx, pkg, onProgress)
			if err != nil {
				results <- err
				return
			}
			done[i] = cached{pkg: pkg, container: container}
			results <- nil
		}()
	}

	var multi merr.MultiError
	for range pkgs {
		multi.Append(<-results)
	}
	if err := multi.ErrorOrNil(); err != nil {
		return err
	}

	// Record layouts and metadata after every package landed; each batch
	// is one transaction so readers never see a half-written package.
	var layoutEntries []struct {
		ID     metamodel.ID
		Layout metamodel.Layout
	}
	var metaEntries []struct {
		ID   metamodel.ID
		Meta metamodel.Meta
	}
	for _, d := range done {
		layouts, _ := d.container.Layouts()
		for _, l := range layouts {
			layoutEntries = append(layoutEntries, struct {
				ID     metamodel.ID
				Layout metamodel.Layout
			}{d.pkg.ID, l})
		}
		metaEntries = append(metaEntries, struct {
			ID   metamodel.ID
			Meta metamodel.Meta
		}{d.pkg.ID, d.pkg.Meta})
	}
	if err := c.layoutDB.BatchAdd(layoutEntries); err != nil {
		return err
	}
	if err := c.installDB.BatchAdd(metaEntries); err != nil {
		return err
	}

	tracelog.Tracef("cache", "cached %d packages", len(pkgs))
	return nil
}

// fetchAndUnpack downloads one stone (or reuses the cached download),
// decodes it, and unpacks its content payload into the asset cache.
func (c *Client) fetchAndUnpack(ctx context.Context, pkg registry.Package, onProgress func(Progress)) (*stone.Container, error) {
	dest := c.downloadPath(pkg.Meta)

	if _, err := os.Stat(dest); err != nil {
		uri := pkg.Meta.URI
		if uri == "" {
			return nil, fmt.Errorf("client: package %s has no download uri", pkg.Meta.Name)
		}
		stream, err := c.openURI(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("client: fetch %s: %w", pkg.Meta.Name, err)
		}
		defer stream.Close()

		var progress func(completed, total, delta int64)
		if onProgress != nil {
			progress = func(completed, total, delta int64) {
				onProgress(Progress{
					Package:   pkg.Meta.Name,
					Completed: completed,
					Total:     total,
					Delta:     delta,
				})
			}
		}
		if _, err := c.assets.Fetch(pkg.Meta, dest, stream, int64(pkg.Meta.DownloadSize), progress); err != nil {
			return nil, err
		}
	}

	raw, err := os.ReadFile(dest)
	if err != nil {
		return nil, fmt.Errorf("client: read cached stone %s: %w", dest, err)
	}
	container, err := stone.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("client: decode stone %s: %w", pkg.Meta.Name, err)
	}
	if err := c.assets.Unpack(string(pkg.ID), container); err != nil {
		return nil, err
	}
	return container, nil
}

// downloadPath places a fetched stone in the cache, keyed by its hash so
// re-releases never collide.
func (c *Client) downloadPath(meta metamodel.Meta) string {
	name := meta.Hash
	if name == "" {
		name = meta.Name + "-" + meta.VersionIdent
	}
	return c.inst.CachePath("downloads", "v1", name+".stone")
}

// openURI resolves a package URI, joining repository-relative URIs onto
// the first enabled repository that serves the package.
func (c *Client) openURI(ctx context.Context, uri string) (io.ReadCloser, error) {
	if filepath.IsAbs(uri) || hasScheme(uri) {
		return c.fetcher(ctx, uri)
	}
	for _, repo := range c.repos.Active() {
		full := joinURI(repo.URI, uri)
		if stream, err := c.fetcher(ctx, full); err == nil {
			return stream, nil
		}
	}
	return nil, fmt.Errorf("client: no repository serves %s", uri)
}

func hasScheme(uri string) bool {
	for i := 0; i < len(uri); i++ {
		switch uri[i] {
		case ':':
			return i > 0 && i+2 < len(uri) && uri[i+1] == '/' && uri[i+2] == '/'
		case '/':
			return false
		}
	}
	return false
}

func joinURI(base, rel string) string {
	// The index lives at <base>/stone.index; package URIs are relative to
	// the index's directory.
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + rel
	}
	return base + "/" + rel
}

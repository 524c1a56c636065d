// Package assetcache implements the content-addressed asset store: fetch, validate, unpack, share, and prune of 128-bit-digest-keyed
// blobs under assets/v2/.
package assetcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/stone"
	"github.com/aerynos/moss/internal/tracelog"
)

// ErrHashMismatch is raised when a fetched file's recomputed hash disagrees
// with the advertised metamodel.Meta.Hash.
var ErrHashMismatch = fmt.Errorf("assetcache: hash mismatch")

// ProgressFunc is invoked during a fetch with the running total, the
// expected total (0 if unknown), and the size of the most recent chunk
// as (completed, total, delta).
type ProgressFunc func(completed, total, delta int64)

// Cache is the on-disk content-addressed asset store rooted at dir (the
// installation's root/.moss/assets, conventionally holding a "v2"
// subdirectory).
type Cache struct {
	root string // .../assets

	unpacking singleflight.Group
}

// New returns a Cache rooted at root (the directory that directly contains
// the "v2" shard tree).
func New(root string) *Cache {
	return &Cache{root: root}
}

// AssetPath returns the on-disk path for the asset with the given digest,
// sharded as v2/<hh>/<hh>/<hh>/<32-hex-digest>.
func (c *Cache) AssetPath(d digest.Digest) string {
	a, b, cc, name := d.ShardPath()
	return filepath.Join(c.root, "v2", a, b, cc, name)
}

func (c *Cache) assetsRoot() string {
	return filepath.Join(c.root, "v2")
}

// Exists reports whether an asset for d is already present.
func (c *Cache) Exists(d digest.Digest) bool {
	_, err := os.Stat(c.AssetPath(d))
	return err == nil
}

// Fetch streams src (already opened by the caller against meta's
// repository-relative URI — the actual network transport is an external
// collaborator, not the core's concern) to a temporary path, invoking
// progress along the way, then validates the recomputed hash against
// meta.Hash before moving the file atomically into place. If dest already
// exists, the fetch is skipped entirely and cached=true is returned without
// reading src.
func (c *Cache) Fetch(meta metamodel.Meta, dest string, src io.Reader, total int64, progress ProgressFunc) (cached bool, err error) {
	if _, statErr := os.Stat(dest); statErr == nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("assetcache: mkdir: %w", err)
	}
	tmp := dest + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return false, fmt.Errorf("assetcache: create temp: %w", err)
	}
	defer os.Remove(tmp) // no-op once renamed away

	hasher := digest.NewHasher()
	var completed int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return false, fmt.Errorf("assetcache: write temp: %w", werr)
			}
			hasher.Write(buf[:n])
			completed += int64(n)
			if progress != nil {
				progress(completed, total, int64(n))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return false, fmt.Errorf("assetcache: read source: %w", readErr)
		}
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("assetcache: close temp: %w", err)
	}

	if meta.Hash != "" {
		got := hasher.Sum128().String()
		if got != meta.Hash {
			os.Remove(tmp)
			return false, fmt.Errorf("%w: %s: want %s, got %s", ErrHashMismatch, meta.Name, meta.Hash, got)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("assetcache: finalize: %w", err)
	}
	return false, nil
}

// Unpack explodes a decoded binary stone container's Content payload into
// individual assets, skipping records whose asset already exists. Calls
// racing on the same dedupeKey (the client passes the package id) are
// coalesced so only one of them performs the actual unpack; the rest wait
// on its result so at most one unpack runs per package at a time.
func (c *Cache) Unpack(dedupeKey string, container *stone.Container) error {
	_, err, _ := c.unpacking.Do(dedupeKey, func() (any, error) {
		return nil, c.unpackLocked(container)
	})
	return err
}

func (c *Cache) unpackLocked(container *stone.Container) error {
	content, index, ok := container.ContentAndIndex()
	if !ok {
		// Pure-Meta or pure-Layout stones (e.g. repository index stones)
		// carry no Content payload; nothing to unpack.
		return nil
	}

	for _, rec := range index {
		if rec.Digest.IsEmpty() {
			if err := c.createEmptyAsset(); err != nil {
				return err
			}
			continue
		}
		if c.Exists(rec.Digest) {
			continue
		}
		if rec.Start > uint64(len(content)) || rec.End > uint64(len(content)) || rec.Start > rec.End {
			return fmt.Errorf("assetcache: index record out of range for digest %s", rec.Digest)
		}
		blob := content[rec.Start:rec.End]
		if err := c.writeAsset(rec.Digest, blob); err != nil {
			return err
		}
	}
	return nil
}

// createEmptyAsset materializes the well-known empty-file digest inline
// rather than via hardlink-from-nowhere.
func (c *Cache) createEmptyAsset() error {
	path := c.AssetPath(digest.Empty)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("assetcache: mkdir for empty asset: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("assetcache: create empty asset: %w", err)
	}
	return f.Close()
}

func (c *Cache) writeAsset(d digest.Digest, blob []byte) error {
	path := c.AssetPath(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("assetcache: mkdir for %s: %w", d, err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("assetcache: write %s: %w", d, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("assetcache: finalize %s: %w", d, err)
	}
	return nil
}

// Share materializes the asset for d into dest by hardlink, falling back to
// a full copy when the destination is on a different filesystem.
func (c *Cache) Share(d digest.Digest, dest string) error {
	src := c.AssetPath(d)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("assetcache: mkdir for share: %w", err)
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("assetcache: open %s for copy: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("assetcache: create %s for copy: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("assetcache: copy to %s: %w", dest, err)
	}
	return out.Close()
}

// Prune deletes every asset under v2/ whose digest is not in reachable,
// then removes now-empty parent shard directories.
func (c *Cache) Prune(reachable map[digest.Digest]struct{}) (removed int, err error) {
	root := c.assetsRoot()
	entries, err := walkAssetFiles(root)
	if err != nil {
		return 0, err
	}
	for _, path := range entries {
		name := filepath.Base(path)
		d, parseErr := digest.Parse(name)
		if parseErr != nil {
			tracelog.Warnf("assetcache: skipping non-asset file %s during prune", path)
			continue
		}
		if _, keep := reachable[d]; keep {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("assetcache: remove %s: %w", path, err)
		}
		removed++
	}
	if err := pruneEmptyDirs(root); err != nil {
		return removed, err
	}
	return removed, nil
}

func walkAssetFiles(root string) ([]string, error) {
	var files []string
	err := filepathWalk(root, func(path string, isDir bool) {
		if !isDir {
			files = append(files, path)
		}
	})
	return files, err
}

// filepathWalk is a small wrapper so assetcache doesn't need the full
// filepath.WalkDir callback signature at call sites. The shard tree is only
// three levels deep, so one errgroup per directory level is plenty of
// parallelism for the prune scan without needing a bounded worker pool.
func filepathWalk(root string, visit func(path string, isDir bool)) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("assetcache: walk %s: %w", root, err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if e.IsDir() {
			g.Go(func() error {
				return filepathWalk(path, func(p string, isDir bool) {
					mu.Lock()
					defer mu.Unlock()
					visit(p, isDir)
				})
			})
			continue
		}
		visit(path, false)
	}
	return g.Wait()
}

func pruneEmptyDirs(root string) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("assetcache: prune dirs %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := pruneEmptyDirs(path); err != nil {
			return err
		}
		remaining, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("assetcache: read %s: %w", path, err)
		}
		if len(remaining) == 0 {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("assetcache: remove empty dir %s: %w", path, err)
			}
		}
	}
	return nil
}

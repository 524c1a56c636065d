// Package blit materializes a baked vfs.Tree into a destination root as a
// tree of hardlinks into the asset cache, real directories, and real
// symlinks, using directory-relative syscalls throughout.
package blit

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/tracelog"
	"github.com/aerynos/moss/internal/vfs"
)

// Stats accumulates per-kind inode counts over one blit.
type Stats struct {
	NumFiles    atomic.Uint64
	NumSymlinks atomic.Uint64
	NumDirs     atomic.Uint64
	NumSkipped  atomic.Uint64
}

// NumEntries returns the total number of materialized inodes.
func (s *Stats) NumEntries() uint64 {
	return s.NumFiles.Load() + s.NumSymlinks.Load() + s.NumDirs.Load()
}

// Engine writes vfs trees under a destination using hardlinks into the
// asset cache at cacheDir (the directory containing the shard tree, i.e.
// .../assets/v2).
type Engine struct {
	cacheDir string
}

// New returns an Engine linking against the given asset shard directory.
func New(cacheDir string) *Engine {
	return &Engine{cacheDir: cacheDir}
}

// Run materializes tree into dest. Any pre-existing dest is removed first;
// a failed run leaves dest in an undefined state and the caller discards
// it. Sibling entries of each directory are written in parallel; a parent
// directory is always created, and its fd opened, before any child.
func (e *Engine) Run(tree *vfs.Tree, dest string) (*Stats, error) {
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("blit: clear destination: %w", err)
	}
	if err := os.Mkdir(dest, 0o755); err != nil {
		return nil, fmt.Errorf("blit: mkdir %s: %w", dest, err)
	}

	cacheFd, err := unix.Open(e.cacheDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("blit: open asset cache %s: %w", e.cacheDir, err)
	}
	defer unix.Close(cacheFd)

	rootFd, err := unix.Open(dest, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("blit: open destination %s: %w", dest, err)
	}
	defer unix.Close(rootFd)

	stats := &Stats{}
	w := &walker{
		engine: e,
		tree:   tree,
		stats:  stats,
		slots:  semaphore.NewWeighted(int64(runtime.NumCPU())),
	}
	if err := w.children(tree.Root(), rootFd, cacheFd); err != nil {
		return nil, err
	}

	tracelog.Tracef("blit", "%d entries blitted into %s", stats.NumEntries(), dest)
	return stats, nil
}

// walker drives the parallel recursion. Sibling entries fan out onto
// goroutines while worker slots are free and fall back to inline execution
// once the pool is saturated, so a parent holding its directory fd never
// deadlocks waiting for a slot held by its own ancestors.
type walker struct {
	engine *Engine
	tree   *vfs.Tree
	stats  *Stats
	slots  *semaphore.Weighted
}

func (w *walker) children(n *vfs.Node, dirFd, cacheFd int) error {
	var g errgroup.Group
	var inlineErr error
	for _, child := range w.tree.Children(n) {
		child := child
		if w.slots.TryAcquire(1) {
			g.Go(func() error {
				defer w.slots.Release(1)
				return w.element(dirFd, cacheFd, child)
			})
		} else if inlineErr = w.element(dirFd, cacheFd, child); inlineErr != nil {
			// Spawned siblings must still drain before the parent closes
			// its directory fd.
			break
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return inlineErr
}

// element writes one node under the open parent directory fd, recursing
// into directories. The directory fd stays open until every child has
// completed.
func (w *walker) element(parentFd, cacheFd int, n *vfs.Node) error {
	name := n.Name()

	if err := w.engine.item(parentFd, cacheFd, name, n, w.stats); err != nil {
		return err
	}
	if n.Kind != vfs.KindDirectory {
		return nil
	}

	dirFd, err := unix.Openat(parentFd, name, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("blit: openat %s: %w", n.Path, err)
	}
	defer unix.Close(dirFd)

	return w.children(n, dirFd, cacheFd)
}

// item writes a single inode via the parent directory fd.
func (e *Engine) item(parentFd, cacheFd int, name string, n *vfs.Node, stats *Stats) error {
	switch n.Layout.File.Kind {
	case metamodel.FileRegular:
		d := n.Layout.File.Digest
		if d.IsEmpty() {
			// The empty-file digest never consumes an asset path: each
			// reference gets a fresh inode.
			fd, err := unix.Openat(parentFd, name, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, n.Layout.Mode)
			if err != nil {
				return fmt.Errorf("blit: create empty %s: %w", n.Path, err)
			}
			unix.Close(fd)
			stats.NumFiles.Add(1)
			return nil
		}
		a, b, c, digestName := d.ShardPath()
		rel := a + "/" + b + "/" + c + "/" + digestName
		if err := unix.Linkat(cacheFd, rel, parentFd, name, 0); err != nil {
			return fmt.Errorf("blit: linkat %s from asset %s: %w", n.Path, digestName, err)
		}
		if err := unix.Fchmodat(parentFd, name, n.Layout.Mode, 0); err != nil {
			return fmt.Errorf("blit: fchmodat %s: %w", n.Path, err)
		}
		stats.NumFiles.Add(1)

	case metamodel.FileSymlink:
		if err := unix.Symlinkat(n.Layout.File.Source, parentFd, name); err != nil {
			return fmt.Errorf("blit: symlinkat %s: %w", n.Path, err)
		}
		stats.NumSymlinks.Add(1)

	case metamodel.FileDirectory:
		if err := unix.Mkdirat(parentFd, name, n.Layout.Mode); err != nil {
			return fmt.Errorf("blit: mkdirat %s: %w", n.Path, err)
		}
		stats.NumDirs.Add(1)

	default:
		// Devices, fifos, and sockets stay in the tree but are not
		// materialized.
		tracelog.Warnf("skipping unsupported inode kind %d at %s", n.Layout.File.Kind, n.Path)
		stats.NumSkipped.Add(1)
	}
	return nil
}

// Package installation encapsulates a moss-managed root filesystem: its
// on-disk layout, mutability, the active state id, and the advisory lock
// that linearizes state insertion and activation.
package installation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aerynos/moss/internal/tracelog"
)

// Mutability describes whether we hold read-write access to the root.
type Mutability int

const (
	ReadOnly Mutability = iota
	ReadWrite
)

func (m Mutability) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// cachedirTag is written to cache/CACHEDIR.TAG so backup tools skip the
// cache tree.
const cachedirTag = `Signature: 8a477f597d28d172789f06886806bc55
# This file is a cache directory tag created by moss.
# For information about cache directory tags see https://bford.info/cachedir/`

// Installation is a root filesystem as seen from moss: path builders, the
// detected active state, and the mutability of the tree.
type Installation struct {
	// Root is the fully qualified rootfs path.
	Root string

	// Mutability records whether we have write access.
	Mutability Mutability

	// ActiveState is the currently active state id, if one was detected.
	ActiveState *int64

	// CacheDir overrides the cache location when non-empty, otherwise the
	// cache lives under Root/.moss/cache.
	CacheDir string
}

// Open opens root as an Installation, querying the active state id and
// determining mutability from effective access. The .moss directory
// skeleton is created when possible; creation failures are ignored so a
// read-only root can still be inspected.
func Open(root string) (*Installation, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("installation: root %q is invalid", root)
	}

	active := readStateID(root)
	if active != nil {
		tracelog.Tracef("installation", "active state id: %d", *active)
	} else {
		tracelog.Warnf("unable to discover active state id in %s", root)
	}

	// Create the skeleton first: root itself may need populating before the
	// access check, otherwise a fresh tree always reads as read-only.
	ensureDirs(root)

	mutability := ReadOnly
	if os.Geteuid() == 0 {
		mutability = ReadWrite
	} else if f, err := os.OpenFile(filepath.Join(root, ".moss", ".rwprobe"), os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		f.Close()
		os.Remove(filepath.Join(root, ".moss", ".rwprobe"))
		mutability = ReadWrite
	}

	tracelog.Tracef("installation", "root=%s mutability=%s", root, mutability)

	return &Installation{
		Root:        root,
		Mutability:  mutability,
		ActiveState: active,
	}, nil
}

// WithCacheDir points the installation at a custom cache directory.
func (i *Installation) WithCacheDir(dir string) (*Installation, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("installation: cache directory %q is invalid", dir)
	}
	out := *i
	out.CacheDir = dir
	return &out, nil
}

// ReadOnly reports whether we lack write access.
func (i *Installation) ReadOnly() bool {
	return i.Mutability == ReadOnly
}

func (i *Installation) mossPath(parts ...string) string {
	return filepath.Join(append([]string{i.Root, ".moss"}, parts...)...)
}

// DBPath builds a database path under .moss/db.
func (i *Installation) DBPath(name string) string {
	return i.mossPath("db", name)
}

// CachePath builds a cache path, honouring a custom cache dir.
func (i *Installation) CachePath(parts ...string) string {
	if i.CacheDir != "" {
		return filepath.Join(append([]string{i.CacheDir}, parts...)...)
	}
	return i.mossPath(append([]string{"cache"}, parts...)...)
}

// AssetsPath builds a path under .moss/assets.
func (i *Installation) AssetsPath(parts ...string) string {
	return i.mossPath(append([]string{"assets"}, parts...)...)
}

// RepoPath builds a path under .moss/repo.
func (i *Installation) RepoPath(parts ...string) string {
	return i.mossPath(append([]string{"repo"}, parts...)...)
}

// RootPath builds a path under the system roots tree, .moss/root.
func (i *Installation) RootPath(parts ...string) string {
	return i.mossPath(append([]string{"root"}, parts...)...)
}

// StagingDir returns the in-progress snapshot directory.
func (i *Installation) StagingDir() string {
	return i.RootPath("staging")
}

// StagingPath builds a path inside the staging snapshot.
func (i *Installation) StagingPath(parts ...string) string {
	return i.RootPath(append([]string{"staging"}, parts...)...)
}

// IsolationDir returns the sandbox rootfs directory for trigger execution.
func (i *Installation) IsolationDir() string {
	return i.RootPath("isolation")
}

// ArchivePath returns the archived snapshot directory for a state id.
func (i *Installation) ArchivePath(id int64) string {
	return i.RootPath(strconv.FormatInt(id, 10))
}

// LockPath returns the advisory lock file path.
func (i *Installation) LockPath() string {
	return i.mossPath("lock")
}

// SystemModelPath returns the live system-model.kdl path.
func (i *Installation) SystemModelPath() string {
	return filepath.Join(i.Root, "usr", "lib", "system-model.kdl")
}

// StateIDPath returns the live sentinel file recording the active state.
func (i *Installation) StateIDPath() string {
	return filepath.Join(i.Root, "usr", ".stateID")
}

// RereadActiveState refreshes ActiveState from the live sentinel, used
// after an activation performed through this handle.
func (i *Installation) RereadActiveState() {
	i.ActiveState = readStateID(i.Root)
}

// readStateID reads the active state from usr/.stateID. Older roots used a
// `usr -> <id>/usr` symlink instead; that form is still accepted.
func readStateID(root string) *int64 {
	usr := filepath.Join(root, "usr")
	if b, err := os.ReadFile(filepath.Join(usr, ".stateID")); err == nil {
		if id, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err == nil {
			return &id
		}
	}
	if target, err := os.Readlink(usr); err == nil {
		return readLegacyStateID(target)
	}
	return nil
}

func readLegacyStateID(usrTarget string) *int64 {
	if filepath.Base(usrTarget) != "usr" {
		return nil
	}
	base := filepath.Base(filepath.Dir(usrTarget))
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// ensureDirs creates the .moss skeleton, silently skipping failures so a
// read-only root can still be opened.
func ensureDirs(root string) {
	moss := filepath.Join(root, ".moss")
	for _, p := range []string{
		filepath.Join(moss, "db"),
		filepath.Join(moss, "cache"),
		filepath.Join(moss, "assets"),
		filepath.Join(moss, "repo"),
		filepath.Join(moss, "root", "staging"),
		filepath.Join(moss, "root", "isolation"),
	} {
		_ = os.MkdirAll(p, 0o755)
	}
	ensureCachedirTag(filepath.Join(moss, "cache"))
}

func ensureCachedirTag(cache string) {
	tag := filepath.Join(cache, "CACHEDIR.TAG")
	if _, err := os.Stat(tag); err == nil {
		return
	}
	_ = os.WriteFile(tag, []byte(cachedirTag), 0o644)
}

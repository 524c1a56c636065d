// Package activation promotes a staged snapshot to the live root: it seals
// the staging tree (state sentinel, os-release, system-model, compat
// symlinks), performs the atomic /usr exchange, and archives the displaced
// tree under the old state id.
package activation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/tracelog"
)

// rootLinks are the top-level compatibility symlinks every root carries.
var rootLinks = [][2]string{
	{"usr/sbin", "sbin"},
	{"usr/bin", "bin"},
	{"usr/lib", "lib"},
	{"usr/lib", "lib64"},
	{"usr/lib32", "lib32"},
}

// WriteStateID records the decimal state id in <root>/usr/.stateID.
func WriteStateID(root string, id int64) error {
	usr := filepath.Join(root, "usr")
	if err := os.MkdirAll(usr, 0o755); err != nil {
		return fmt.Errorf("activation: mkdir %s: %w", usr, err)
	}
	if err := os.WriteFile(filepath.Join(usr, ".stateID"), []byte(strconv.FormatInt(id, 10)), 0o644); err != nil {
		return fmt.Errorf("activation: write .stateID: %w", err)
	}
	return nil
}

// osInfo is the subset of usr/lib/os-info.json consulted when generating
// os-release.
type osInfo struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version struct {
		Full string `json:"full"`
		Name string `json:"name"`
	} `json:"version"`
	Website string `json:"website"`
}

// WriteOSRelease generates <root>/usr/lib/os-release from os-info.json when
// present, falling back to a generic placeholder.
func WriteOSRelease(root string) error {
	lib := filepath.Join(root, "usr", "lib")
	if err := os.MkdirAll(lib, 0o755); err != nil {
		return fmt.Errorf("activation: mkdir %s: %w", lib, err)
	}

	var data string
	if raw, err := os.ReadFile(filepath.Join(lib, "os-info.json")); err == nil {
		var info osInfo
		if jsonErr := json.Unmarshal(raw, &info); jsonErr == nil && info.Name != "" {
			data = fmt.Sprintf(`NAME=%q
VERSION=%q
ID=%q
VERSION_CODENAME=%s
VERSION_ID=%q
PRETTY_NAME=%q
HOME_URL=%q
`, info.Name, info.Version.Full, info.ID, info.Version.Name, info.Version.Full, info.Name+" "+info.Version.Full, info.Website)
		}
	}
	if data == "" {
		data = `NAME="Unbranded OS"
VERSION="no-os-info.json"
ID="unbranded-os"
PRETTY_NAME="Unbranded OS - missing os-info.json"
`
	}

	if err := os.WriteFile(filepath.Join(lib, "os-release"), []byte(data), 0o644); err != nil {
		return fmt.Errorf("activation: write os-release: %w", err)
	}
	return nil
}

// WriteSystemModel records the encoded system model at
// <root>/usr/lib/system-model.kdl.
func WriteSystemModel(root, encoded string) error {
	lib := filepath.Join(root, "usr", "lib")
	if err := os.MkdirAll(lib, 0o755); err != nil {
		return fmt.Errorf("activation: mkdir %s: %w", lib, err)
	}
	if err := os.WriteFile(filepath.Join(lib, "system-model.kdl"), []byte(encoded), 0o644); err != nil {
		return fmt.Errorf("activation: write system-model.kdl: %w", err)
	}
	return nil
}

// CreateRootLinks ensures the top-level compatibility symlinks exist under
// root, replacing wrong ones atomically via a staged .next link.
func CreateRootLinks(root string) error {
	for _, link := range rootLinks {
		source, target := link[0], link[1]
		final := filepath.Join(root, target)
		staged := filepath.Join(root, target+".next")

		if _, err := os.Lstat(staged); err == nil {
			if err := os.Remove(staged); err != nil {
				return fmt.Errorf("activation: remove stale %s: %w", staged, err)
			}
		}
		if existing, err := os.Readlink(final); err == nil && existing == source {
			continue
		}
		if err := os.Symlink(source, staged); err != nil {
			return fmt.Errorf("activation: symlink %s: %w", staged, err)
		}
		if err := os.Rename(staged, final); err != nil {
			return fmt.Errorf("activation: rename %s: %w", final, err)
		}
	}
	return nil
}

// AtomicExchange swaps the directories at a and b in a single kernel
// operation. Observers see either the old tree or the new one, never an
// intermediate.
func AtomicExchange(a, b string) error {
	if err := unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE); err != nil {
		return fmt.Errorf("activation: exchange %s and %s: %w", a, b, err)
	}
	return nil
}

// Promote exchanges staging/usr with the live root/usr, creating the live
// usr directory first if the root is fresh.
func Promote(inst *installation.Installation) error {
	liveUsr := filepath.Join(inst.Root, "usr")
	stagingUsr := inst.StagingPath("usr")

	if _, err := os.Stat(liveUsr); os.IsNotExist(err) {
		if err := os.MkdirAll(liveUsr, 0o755); err != nil {
			return fmt.Errorf("activation: create live usr: %w", err)
		}
	}
	return AtomicExchange(stagingUsr, liveUsr)
}

// Archive moves the displaced tree now at staging/usr into
// root/<id>/usr, creating missing parents. Cross-filesystem targets fall
// back to copy-and-delete.
func Archive(inst *installation.Installation, id int64) error {
	source := inst.StagingPath("usr")
	target := filepath.Join(inst.ArchivePath(id), "usr")

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("activation: mkdir archive parent: %w", err)
	}
	if err := os.Rename(source, target); err == nil {
		return nil
	} else if !errors.Is(err, unix.EXDEV) {
		return fmt.Errorf("activation: archive state %d: %w", id, err)
	}

	tracelog.Warnf("archive of state %d crosses filesystems, falling back to copy", id)
	if err := copyTree(source, target); err != nil {
		return fmt.Errorf("activation: archive copy state %d: %w", id, err)
	}
	if err := os.RemoveAll(source); err != nil {
		return fmt.Errorf("activation: remove archived source: %w", err)
	}
	return nil
}

// copyTree recursively copies src to dest, preserving modes and symlinks.
func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	case info.IsDir():
		if err := os.MkdirAll(dest, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}

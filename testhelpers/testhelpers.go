// Package testhelpers builds scratch installations, synthetic stones, and
// local repositories for tests.
package testhelpers

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/installation"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/stone"
)

// NewInstallation opens a fresh installation rooted in a temp directory.
func NewInstallation(t *testing.T) *installation.Installation {
	t.Helper()
	root := t.TempDir()
	inst, err := installation.Open(root)
	require.NoError(t, err)
	return inst
}

// StoneFile is one regular file carried by a synthetic stone.
type StoneFile struct {
	// Path is relative to /usr, forward slashes.
	Path    string
	Mode    uint32
	Content []byte
}

// BuildStone serializes a binary stone holding the given meta and regular
// files, adding a directory record for every parent directory.
func BuildStone(t *testing.T, meta metamodel.Meta, files []StoneFile) []byte {
	t.Helper()

	var layouts []metamodel.Layout
	var index []stone.IndexRecord
	var content bytes.Buffer

	dirs := map[string]bool{}
	for _, f := range files {
		for dir := filepath.Dir(f.Path); dir != "." && dir != "/"; dir = filepath.Dir(dir) {
			dirs[dir] = true
		}
	}
	var dirList []string
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	for _, d := range dirList {
		layouts = append(layouts, metamodel.Layout{
			Mode: 0o755,
			File: metamodel.File{Kind: metamodel.FileDirectory, TargetPath: d},
		})
	}

	for _, f := range files {
		d := digest.Sum(f.Content)
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		layouts = append(layouts, metamodel.Layout{
			Mode: mode,
			File: metamodel.File{Kind: metamodel.FileRegular, Digest: d, TargetPath: f.Path},
		})
		start := uint64(content.Len())
		content.Write(f.Content)
		index = append(index, stone.IndexRecord{Start: start, End: uint64(content.Len()), Digest: d})
	}

	var buf bytes.Buffer
	require.NoError(t, stone.WriteFull(&buf, stone.FileTypeBinary, true, stone.EncodeMeta(meta), layouts, index, content.Bytes()))
	return buf.Bytes()
}

// WriteLocalRepo writes the given stones into dir and emits a stone.index
// covering them, returning dir unchanged as a plain-path repository URI
// (repomanager.FileFetcher accepts plain paths as well as file:// URIs).
func WriteLocalRepo(t *testing.T, dir string, stones map[string][]byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var metas []metamodel.Meta
	names := make([]string, 0, len(stones))
	for name := range stones {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw := stones[name]
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))

		container, err := stone.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
		meta, ok := container.Meta()
		require.True(t, ok, "stone %s lacks metadata", name)

		meta.URI = name
		meta.Hash = digest.Sum(raw).String()
		meta.DownloadSize = uint64(len(raw))
		metas = append(metas, meta)
	}

	out, err := os.Create(filepath.Join(dir, "stone.index"))
	require.NoError(t, err)
	defer out.Close()
	require.NoError(t, stone.WriteIndexStone(out, metas))

	return dir
}

// SimpleMeta builds a Meta with a package-name provider and optional
// package-name dependencies.
func SimpleMeta(name, version string, release uint64, deps ...string) metamodel.Meta {
	m := metamodel.Meta{
		Name:          name,
		VersionIdent:  version,
		SourceRelease: release,
		BuildRelease:  1,
		Architecture:  "x86_64",
		Summary:       name + " package",
		SourceID:      name,
		Providers: []metamodel.Provider{
			{Kind: metamodel.PackageName, Name: name},
		},
	}
	for _, dep := range deps {
		m.Dependencies = append(m.Dependencies, metamodel.Provider{Kind: metamodel.PackageName, Name: dep})
	}
	return m
}

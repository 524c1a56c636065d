package activation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/installation"
)

func TestWriteStateID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteStateID(root, 12))

	got, err := os.ReadFile(filepath.Join(root, "usr", ".stateID"))
	require.NoError(t, err)
	assert.Equal(t, "12", string(got))
}

func TestWriteOSReleaseFallsBackWithoutOSInfo(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteOSRelease(root))

	got, err := os.ReadFile(filepath.Join(root, "usr", "lib", "os-release"))
	require.NoError(t, err)
	assert.Contains(t, string(got), "Unbranded OS")
}

func TestWriteOSReleaseFromOSInfo(t *testing.T) {
	root := t.TempDir()
	lib := filepath.Join(root, "usr", "lib")
	require.NoError(t, os.MkdirAll(lib, 0o755))
	osInfo := `{"name":"Aeryn OS","id":"aerynos","version":{"full":"2026.2","name":"quasar"},"website":"https://aerynos.test"}`
	require.NoError(t, os.WriteFile(filepath.Join(lib, "os-info.json"), []byte(osInfo), 0o644))

	require.NoError(t, WriteOSRelease(root))
	got, err := os.ReadFile(filepath.Join(lib, "os-release"))
	require.NoError(t, err)
	assert.Contains(t, string(got), `NAME="Aeryn OS"`)
	assert.Contains(t, string(got), `VERSION_CODENAME=quasar`)
}

func TestCreateRootLinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, CreateRootLinks(root))

	for target, source := range map[string]string{
		"sbin":  "usr/sbin",
		"bin":   "usr/bin",
		"lib":   "usr/lib",
		"lib64": "usr/lib",
		"lib32": "usr/lib32",
	} {
		got, err := os.Readlink(filepath.Join(root, target))
		require.NoError(t, err, target)
		assert.Equal(t, source, got, target)
	}

	// Idempotent: running again leaves correct links alone.
	require.NoError(t, CreateRootLinks(root))
}

func TestAtomicExchangeSwapsDirectories(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	b := filepath.Join(base, "b")
	require.NoError(t, os.MkdirAll(filepath.Join(a, "marker-a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(b, "marker-b"), 0o755))

	require.NoError(t, AtomicExchange(a, b))

	_, err := os.Stat(filepath.Join(a, "marker-b"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(b, "marker-a"))
	assert.NoError(t, err)
}

func TestPromoteAndArchive(t *testing.T) {
	inst, err := installation.Open(t.TempDir())
	require.NoError(t, err)

	// Live usr with old content; staging usr with new content.
	require.NoError(t, os.MkdirAll(filepath.Join(inst.Root, "usr"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inst.Root, "usr", "old"), []byte("1"), 0o644))
	require.NoError(t, os.MkdirAll(inst.StagingPath("usr"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inst.StagingPath("usr"), "new"), []byte("2"), 0o644))

	require.NoError(t, Promote(inst))

	// The live tree now holds the new content; the displaced old tree sits
	// in staging.
	_, err = os.Stat(filepath.Join(inst.Root, "usr", "new"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(inst.StagingPath("usr"), "old"))
	assert.NoError(t, err)

	require.NoError(t, Archive(inst, 1))
	_, err = os.Stat(filepath.Join(inst.ArchivePath(1), "usr", "old"))
	assert.NoError(t, err)
	_, err = os.Stat(inst.StagingPath("usr"))
	assert.True(t, os.IsNotExist(err))
}

func TestGuardReleaseIsReentrant(t *testing.T) {
	g := NewGuard("testing")
	g.Release()
	g.Release()

	var nilGuard *Guard
	nilGuard.Release()
}

package systemmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/metamodel"
)

const sampleModel = `
repositories {
    volatile {
        description "Rolling packages"
        uri "https://packages.example.test/volatile/x86_64"
        priority 10
    }
    local {
        uri "file:///srv/repo"
        priority 100
        enabled false
    }
}
packages {
    bash {
        why "login shell"
    }
    nano
}
`

func TestDecode(t *testing.T) {
	m, err := Decode(sampleModel)
	require.NoError(t, err)

	require.Len(t, m.Repositories, 2)
	volatile := m.Repositories[0]
	assert.Equal(t, "volatile", volatile.ID)
	assert.Equal(t, "Rolling packages", volatile.Description)
	assert.Equal(t, int64(10), volatile.Priority)
	assert.True(t, volatile.Enabled)
	assert.False(t, m.Repositories[1].Enabled)

	require.Len(t, m.Packages, 2)
	assert.Equal(t, "bash", m.Packages[0].Provider.Name)
	assert.Equal(t, "login shell", m.Packages[0].Why)
	assert.Equal(t, "nano", m.Packages[1].Provider.Name)
	assert.False(t, m.DisableWarning)
}

func TestDecodeRejectsRepositoryWithoutURI(t *testing.T) {
	_, err := Decode(`
repositories {
    broken {
        priority 1
    }
}
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uri")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original, err := Decode(sampleModel)
	require.NoError(t, err)

	encoded := Encode(original)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.ElementsMatch(t, original.Repositories, decoded.Repositories)
	assert.ElementsMatch(t, original.Packages, decoded.Packages)
}

func TestEncodeRendersProviderCanonicalNames(t *testing.T) {
	m := Create(nil, []metamodel.Provider{
		{Kind: metamodel.PackageName, Name: "bash"},
		{Kind: metamodel.Binary, Name: "sh"},
	})
	encoded := Encode(m)
	assert.Contains(t, encoded, "bash\n")
	assert.Contains(t, encoded, "Binary(sh)")
}

func TestMergePreservesReasons(t *testing.T) {
	current, err := Decode(sampleModel)
	require.NoError(t, err)

	providers := []metamodel.Provider{
		{Kind: metamodel.PackageName, Name: "bash"},
		{Kind: metamodel.PackageName, Name: "htop"},
	}
	merged := Merge(current, current.Repositories, providers)

	require.Len(t, merged.Packages, 2)
	byName := map[string]PackageEntry{}
	for _, p := range merged.Packages {
		byName[p.Provider.Name] = p
	}
	assert.Equal(t, "login shell", byName["bash"].Why, "existing reason survives the merge")
	assert.Empty(t, byName["htop"].Why)
}

func TestLoadMissingFileYieldsNil(t *testing.T) {
	m, err := Load(t.TempDir() + "/nope/system-model.kdl")
	require.NoError(t, err)
	assert.Nil(t, m)
}

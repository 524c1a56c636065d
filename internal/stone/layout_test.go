package stone

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
)

func regularLayout(d digest.Digest) metamodel.Layout {
	return metamodel.Layout{
		Mode: 0o644,
		File: metamodel.File{Kind: metamodel.FileRegular, Digest: d, TargetPath: "bin/tool"},
	}
}

// swapDigestBytes reverses the 16 digest bytes of an encoded Regular
// record in place, producing the legacy little-endian wire form.
func swapDigestBytes(raw []byte) {
	for i, j := layoutPreludeSize, layoutPreludeSize+digest.Size-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
}

func TestDecodeLayoutAcceptsLegacyLittleEndianDigests(t *testing.T) {
	d := digest.Sum([]byte("legacy blob"))

	var buf bytes.Buffer
	require.NoError(t, EncodeLayout(&buf, regularLayout(d)))

	// A current-version record round-trips big-endian.
	got, err := DecodeLayout(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, d, got.File.Digest)

	// The same digest written by the version-0 producer has its bytes
	// reversed on the wire; decoding with the legacy version recovers it.
	legacy := append([]byte(nil), buf.Bytes()...)
	swapDigestBytes(legacy)
	got, err = DecodeLayoutVersioned(bytes.NewReader(legacy), 0)
	require.NoError(t, err)
	assert.Equal(t, d, got.File.Digest)

	// Sanity: the swapped bytes decode to a different digest under the
	// current interpretation, so the version gate is load-bearing.
	wrong, err := DecodeLayout(bytes.NewReader(legacy))
	require.NoError(t, err)
	assert.NotEqual(t, d, wrong.File.Digest)
}

func TestDecodePropagatesLegacyLayoutPayloadVersion(t *testing.T) {
	d := digest.Sum([]byte("archived by an old producer"))

	var body bytes.Buffer
	require.NoError(t, EncodeLayout(&body, regularLayout(d)))
	raw := body.Bytes()
	swapDigestBytes(raw)

	// Hand-assemble a stone whose Layout payload declares version 0, the
	// way the legacy producer wrote it.
	var file bytes.Buffer
	fh := FileHeader{Version: CurrentVersion, FileType: FileTypeBinary}
	require.NoError(t, fh.Encode(&file))
	ph := PayloadHeader{
		StoredSize:  uint64(len(raw)),
		PlainSize:   uint64(len(raw)),
		Checksum:    checksumBytes(raw),
		NumRecords:  1,
		Version:     0,
		Kind:        KindLayout,
		Compression: CompressionNone,
	}
	require.NoError(t, ph.Encode(&file))
	_, err := file.Write(raw)
	require.NoError(t, err)

	c, err := Decode(&file)
	require.NoError(t, err)
	layouts, ok := c.Layouts()
	require.True(t, ok)
	require.Len(t, layouts, 1)
	assert.Equal(t, d, layouts[0].File.Digest)
}

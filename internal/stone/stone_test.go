package stone

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
)

func sampleMeta() metamodel.Meta {
	return metamodel.Meta{
		Name:          "nano",
		VersionIdent:  "7.2",
		SourceRelease: 3,
		BuildRelease:  1,
		Architecture:  "x86_64",
		Summary:       "small text editor",
		Description:   "A tiny modeless editor.",
		SourceID:      "nano",
		Homepage:      "https://nano-editor.org",
		Licenses:      []string{"GPL-3.0-or-later"},
		Dependencies: []metamodel.Provider{
			{Kind: metamodel.SharedLibrary, Name: "libc.so.6"},
		},
		Providers: []metamodel.Provider{
			{Name: "nano"},
			{Kind: metamodel.Binary, Name: "nano"},
		},
		URI:          "https://example.test/nano-7.2.stone",
		Hash:         "deadbeef",
		DownloadSize: 123456,
	}
}

func TestMetaPayloadRoundTrip(t *testing.T) {
	m := sampleMeta()
	recs := EncodeMeta(m)

	var buf bytes.Buffer
	w := NewWriter(&buf, FileTypeBinary, false)
	require.NoError(t, w.WriteMeta(recs))

	c, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, c.Payloads, 1)
	assert.Equal(t, KindMeta, c.Payloads[0].Kind())

	got, ok := c.Meta()
	require.True(t, ok)
	assert.Equal(t, m, got)
}

func TestLayoutPayloadRoundTrip(t *testing.T) {
	layouts := []metamodel.Layout{
		{
			UID: 0, GID: 0, Mode: 0o644, Tag: 1,
			File: metamodel.File{
				Kind:       metamodel.FileRegular,
				Digest:     digest.Sum([]byte("hello world")),
				TargetPath: "usr/share/doc/nano/README",
			},
		},
		{
			UID: 0, GID: 0, Mode: 0o777, Tag: 1,
			File: metamodel.File{
				Kind:       metamodel.FileSymlink,
				Source:     "nano.1.gz",
				TargetPath: "usr/share/man/man1/nano.1",
			},
		},
		{
			UID: 0, GID: 0, Mode: 0o755, Tag: 1,
			File: metamodel.File{
				Kind:       metamodel.FileDirectory,
				TargetPath: "usr/share/doc/nano",
			},
		},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf, FileTypeBinary, false)
	require.NoError(t, w.WriteLayout(layouts))

	c, err := Decode(&buf)
	require.NoError(t, err)
	got, ok := c.Layouts()
	require.True(t, ok)
	assert.Equal(t, layouts, got)
}

func TestContentAndIndexRoundTrip(t *testing.T) {
	content := []byte("aaaabbbbccccdddd")
	index := []IndexRecord{
		{Start: 0, End: 4, Digest: digest.Sum(content[0:4])},
		{Start: 4, End: 8, Digest: digest.Sum(content[4:8])},
		{Start: 8, End: 16, Digest: digest.Sum(content[8:16])},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFull(&buf, FileTypeBinary, false, nil, nil, index, content))

	c, err := Decode(&buf)
	require.NoError(t, err)
	gotContent, gotIndex, ok := c.ContentAndIndex()
	require.True(t, ok)
	assert.Equal(t, content, gotContent)
	assert.Equal(t, index, gotIndex)
}

func TestContentAndIndexRoundTripZstd(t *testing.T) {
	content := bytes.Repeat([]byte("repeat-me "), 500)
	index := []IndexRecord{{Start: 0, End: uint64(len(content)), Digest: digest.Sum(content)}}

	var buf bytes.Buffer
	require.NoError(t, WriteFull(&buf, FileTypeBinary, true, nil, nil, index, content))

	c, err := Decode(&buf)
	require.NoError(t, err)
	gotContent, gotIndex, ok := c.ContentAndIndex()
	require.True(t, ok)
	assert.Equal(t, content, gotContent)
	assert.Equal(t, index, gotIndex)
}

func TestIntegrityCheckDetectsTamperedPayload(t *testing.T) {
	m := sampleMeta()
	var buf bytes.Buffer
	w := NewWriter(&buf, FileTypeBinary, false)
	require.NoError(t, w.WriteMeta(EncodeMeta(m)))

	raw := buf.Bytes()
	// Flip a byte inside the payload body, past the fixed header+prelude.
	tampered := append([]byte(nil), raw...)
	tampered[len(tampered)-1] ^= 0xff

	kinds, err := IntegrityCheck(bytes.NewReader(tampered))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadChecksum)
	assert.Nil(t, kinds)
}

func TestIntegrityCheckAcceptsWellFormedStone(t *testing.T) {
	content := []byte("payload bytes")
	index := []IndexRecord{{Start: 0, End: uint64(len(content)), Digest: digest.Sum(content)}}

	var buf bytes.Buffer
	require.NoError(t, WriteFull(&buf, FileTypeBinary, false, EncodeMeta(sampleMeta()), nil, index, content))

	kinds, err := IntegrityCheck(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []PayloadKind{KindMeta, KindIndex, KindContent}, kinds)
}

func TestWriteIndexStoneOrdersByRepositoryOrdering(t *testing.T) {
	older := sampleMeta()
	older.Name = "zzz-older"
	older.SourceRelease = 1

	newer := sampleMeta()
	newer.Name = "aaa-newer"
	newer.SourceRelease = 5

	var buf bytes.Buffer
	require.NoError(t, WriteIndexStone(&buf, []metamodel.Meta{older, newer}))

	c, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, c.Payloads, 2)

	first := DecodeMeta(c.Payloads[0].MetaRecords)
	second := DecodeMeta(c.Payloads[1].MetaRecords)
	assert.Equal(t, "aaa-newer", first.Name)
	assert.Equal(t, "zzz-older", second.Name)
}

func TestDecodeFileHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("nope!!")
	_, err := DecodeFileHeader(buf)
	assert.ErrorIs(t, err, ErrHeaderDecode)
}

func TestDecodeRegularDigestRejectsWrongLength(t *testing.T) {
	_, err := decodeRegularDigest([]byte{1, 2, 3}, false)
	assert.ErrorIs(t, err, ErrHeaderDecode)
}

package stone

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
)

// layoutFileType is the on-disk file-type tag of a Layout record.
type layoutFileType uint8

const (
	ltRegular layoutFileType = iota + 1
	ltSymlink
	ltDirectory
	ltCharacterDevice
	ltBlockDevice
	ltFifo
	ltSocket
)

func fromFileKind(k metamodel.FileKind) layoutFileType {
	switch k {
	case metamodel.FileRegular:
		return ltRegular
	case metamodel.FileSymlink:
		return ltSymlink
	case metamodel.FileDirectory:
		return ltDirectory
	case metamodel.FileCharacterDevice:
		return ltCharacterDevice
	case metamodel.FileBlockDevice:
		return ltBlockDevice
	case metamodel.FileFifo:
		return ltFifo
	case metamodel.FileSocket:
		return ltSocket
	default:
		return ltRegular
	}
}

func (t layoutFileType) fileKind() (metamodel.FileKind, bool) {
	switch t {
	case ltRegular:
		return metamodel.FileRegular, true
	case ltSymlink:
		return metamodel.FileSymlink, true
	case ltDirectory:
		return metamodel.FileDirectory, true
	case ltCharacterDevice:
		return metamodel.FileCharacterDevice, true
	case ltBlockDevice:
		return metamodel.FileBlockDevice, true
	case ltFifo:
		return metamodel.FileFifo, true
	case ltSocket:
		return metamodel.FileSocket, true
	default:
		return 0, false
	}
}

// layoutPreludeSize is the fixed prelude preceding source/target bytes:
// uid,gid,mode,tag (4 each) + source_len,target_len (2 each) +
// file_type (1) + padding (11) = 32 bytes.
const layoutPreludeSize = 4 + 4 + 4 + 4 + 2 + 2 + 1 + 11

// layoutDigestBigEndianVersion is the first Layout payload version whose
// Regular digests are big-endian on the wire. One historical producer
// (payload version 0) wrote them little-endian; both byte orders are
// accepted on read, and the writer only ever emits big-endian.
const layoutDigestBigEndianVersion = 1

// EncodeLayout writes one Layout record.
func EncodeLayout(w io.Writer, l metamodel.Layout) error {
	source, target := layoutSourceTarget(l.File)

	var prelude [layoutPreludeSize]byte
	binary.BigEndian.PutUint32(prelude[0:4], l.UID)
	binary.BigEndian.PutUint32(prelude[4:8], l.GID)
	binary.BigEndian.PutUint32(prelude[8:12], l.Mode)
	binary.BigEndian.PutUint32(prelude[12:16], l.Tag)
	binary.BigEndian.PutUint16(prelude[16:18], uint16(len(source)))
	binary.BigEndian.PutUint16(prelude[18:20], uint16(len(target)))
	prelude[20] = byte(fromFileKind(l.File.Kind))
	// bytes 21..32 are the 11-byte padding, left zero.

	if _, err := w.Write(prelude[:]); err != nil {
		return err
	}
	if _, err := w.Write(source); err != nil {
		return err
	}
	_, err := w.Write([]byte(target))
	return err
}

// DecodeLayout reads one Layout record written by a current producer.
func DecodeLayout(r io.Reader) (metamodel.Layout, error) {
	return DecodeLayoutVersioned(r, CurrentVersion)
}

// DecodeLayoutVersioned reads one Layout record, interpreting Regular
// digests per the enclosing payload's version: little-endian below
// layoutDigestBigEndianVersion, big-endian from it onward.
func DecodeLayoutVersioned(r io.Reader, version uint16) (metamodel.Layout, error) {
	var prelude [layoutPreludeSize]byte
	if _, err := io.ReadFull(r, prelude[:]); err != nil {
		return metamodel.Layout{}, err
	}

	l := metamodel.Layout{
		UID:  binary.BigEndian.Uint32(prelude[0:4]),
		GID:  binary.BigEndian.Uint32(prelude[4:8]),
		Mode: binary.BigEndian.Uint32(prelude[8:12]),
		Tag:  binary.BigEndian.Uint32(prelude[12:16]),
	}
	sourceLen := binary.BigEndian.Uint16(prelude[16:18])
	targetLen := binary.BigEndian.Uint16(prelude[18:20])
	ft := layoutFileType(prelude[20])
	kind, ok := ft.fileKind()
	if !ok {
		return metamodel.Layout{}, ErrUnknownFileType
	}

	source := make([]byte, sourceLen)
	if sourceLen > 0 {
		if _, err := io.ReadFull(r, source); err != nil {
			return metamodel.Layout{}, err
		}
	}
	targetBuf := make([]byte, targetLen)
	if targetLen > 0 {
		if _, err := io.ReadFull(r, targetBuf); err != nil {
			return metamodel.Layout{}, err
		}
	}
	target := sanitizeNUL(string(targetBuf))

	l.File.Kind = kind
	l.File.TargetPath = target
	switch kind {
	case metamodel.FileRegular:
		d, err := decodeRegularDigest(source, version >= layoutDigestBigEndianVersion)
		if err != nil {
			return metamodel.Layout{}, err
		}
		l.File.Digest = d
	case metamodel.FileSymlink:
		l.File.Source = sanitizeNUL(string(source))
	case metamodel.FileUnknown:
		l.File.Source = sanitizeNUL(string(source))
	}
	return l, nil
}

// decodeRegularDigest reads a 16-byte digest in the byte order the
// payload version dictates. Every current producer, and this package's
// writer, emit big-endian; version-0 payloads are the legacy little-endian
// form.
func decodeRegularDigest(source []byte, bigEndian bool) (digest.Digest, error) {
	if len(source) != digest.Size {
		return digest.Digest{}, ErrHeaderDecode
	}
	return digest.FromBytes(source, bigEndian)
}

func layoutSourceTarget(f metamodel.File) (source []byte, target string) {
	target = f.TargetPath
	switch f.Kind {
	case metamodel.FileRegular:
		source = f.Digest.Bytes()
	case metamodel.FileSymlink, metamodel.FileUnknown:
		source = []byte(f.Source)
	default:
		source = nil
	}
	return source, target
}

func sanitizeNUL(s string) string {
	return strings.TrimRight(s, "\x00")
}

package stone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/metamodel"
)

// MetaTag identifies a Meta record's field. Unknown tags are
// preserved opaquely so that round-tripping a payload written by a newer
// producer never loses data.
type MetaTag uint16

const (
	TagName MetaTag = iota + 1
	TagVersionIdentifier
	TagSourceRelease
	TagBuildRelease
	TagArchitecture
	TagSummary
	TagDescription
	TagSourceID
	TagHomepage
	TagLicense
	TagDependency
	TagProvider
	TagConflict
	TagURI
	TagHash
	TagDownloadSize
)

// PrimitiveKind enumerates the value shapes a Meta record can carry.
type PrimitiveKind uint8

const (
	PrimString PrimitiveKind = iota + 1
	PrimInt64
	PrimUint64
	PrimDependency
	PrimProvider
)

// Primitive is the decoded value of a Meta record. Exactly one of the
// fields is meaningful, selected by Kind.
type Primitive struct {
	Kind         PrimitiveKind
	Str          string
	Int          int64
	Uint         uint64
	ProviderKind metamodel.ProviderKind // Dependency/Provider only
	ProviderName string                 // Dependency/Provider only
}

func StringPrimitive(s string) Primitive  { return Primitive{Kind: PrimString, Str: s} }
func Int64Primitive(v int64) Primitive    { return Primitive{Kind: PrimInt64, Int: v} }
func Uint64Primitive(v uint64) Primitive  { return Primitive{Kind: PrimUint64, Uint: v} }
func DependencyPrimitive(p metamodel.Provider) Primitive {
	return Primitive{Kind: PrimDependency, ProviderKind: p.Kind, ProviderName: p.Name}
}
func ProviderPrimitive(p metamodel.Provider) Primitive {
	return Primitive{Kind: PrimProvider, ProviderKind: p.Kind, ProviderName: p.Name}
}

func (p Primitive) AsProvider() metamodel.Provider {
	return metamodel.Provider{Kind: p.ProviderKind, Name: p.ProviderName}
}

// MetaRecord is a single (tag, primitive) pair.
type MetaRecord struct {
	Tag       MetaTag
	Primitive Primitive
}

func (r MetaRecord) encode(w io.Writer) error {
	var tagBuf [3]byte
	binary.BigEndian.PutUint16(tagBuf[0:2], uint16(r.Tag))
	tagBuf[2] = byte(r.Primitive.Kind)
	if _, err := w.Write(tagBuf[:]); err != nil {
		return err
	}
	switch r.Primitive.Kind {
	case PrimString:
		return writeLPString32(w, r.Primitive.Str)
	case PrimInt64:
		return writeU64(w, uint64(r.Primitive.Int))
	case PrimUint64:
		return writeU64(w, r.Primitive.Uint)
	case PrimDependency, PrimProvider:
		if err := writeLPString8(w, string(r.Primitive.ProviderKind)); err != nil {
			return err
		}
		return writeLPString16(w, r.Primitive.ProviderName)
	default:
		return fmt.Errorf("stone: unknown primitive kind %d", r.Primitive.Kind)
	}
}

func (r MetaRecord) size() int {
	switch r.Primitive.Kind {
	case PrimString:
		return 3 + 4 + len(r.Primitive.Str)
	case PrimInt64, PrimUint64:
		return 3 + 8
	case PrimDependency, PrimProvider:
		return 3 + 1 + len(r.Primitive.ProviderKind) + 2 + len(r.Primitive.ProviderName)
	default:
		return 3
	}
}

func decodeMetaRecord(r io.Reader) (MetaRecord, error) {
	var tagBuf [3]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return MetaRecord{}, err
	}
	tag := MetaTag(binary.BigEndian.Uint16(tagBuf[0:2]))
	kind := PrimitiveKind(tagBuf[2])
	var prim Primitive
	prim.Kind = kind
	switch kind {
	case PrimString:
		s, err := readLPString32(r)
		if err != nil {
			return MetaRecord{}, err
		}
		prim.Str = s
	case PrimInt64:
		v, err := readU64(r)
		if err != nil {
			return MetaRecord{}, err
		}
		prim.Int = int64(v)
	case PrimUint64:
		v, err := readU64(r)
		if err != nil {
			return MetaRecord{}, err
		}
		prim.Uint = v
	case PrimDependency, PrimProvider:
		k, err := readLPString8(r)
		if err != nil {
			return MetaRecord{}, err
		}
		n, err := readLPString16(r)
		if err != nil {
			return MetaRecord{}, err
		}
		prim.ProviderKind = metamodel.ProviderKind(k)
		prim.ProviderName = n
	default:
		return MetaRecord{}, fmt.Errorf("stone: unknown primitive kind %d", kind)
	}
	return MetaRecord{Tag: tag, Primitive: prim}, nil
}

// EncodeMeta flattens a metamodel.Meta into its on-disk MetaRecord sequence.
func EncodeMeta(m metamodel.Meta) []MetaRecord {
	recs := []MetaRecord{
		{TagName, StringPrimitive(m.Name)},
		{TagVersionIdentifier, StringPrimitive(m.VersionIdent)},
		{TagSourceRelease, Uint64Primitive(m.SourceRelease)},
		{TagBuildRelease, Uint64Primitive(m.BuildRelease)},
		{TagArchitecture, StringPrimitive(m.Architecture)},
		{TagSummary, StringPrimitive(m.Summary)},
		{TagDescription, StringPrimitive(m.Description)},
		{TagSourceID, StringPrimitive(m.SourceID)},
		{TagHomepage, StringPrimitive(m.Homepage)},
	}
	for _, l := range m.Licenses {
		recs = append(recs, MetaRecord{TagLicense, StringPrimitive(l)})
	}
	for _, p := range m.Dependencies {
		recs = append(recs, MetaRecord{TagDependency, DependencyPrimitive(p)})
	}
	for _, p := range m.Providers {
		recs = append(recs, MetaRecord{TagProvider, ProviderPrimitive(p)})
	}
	for _, p := range m.Conflicts {
		recs = append(recs, MetaRecord{TagConflict, ProviderPrimitive(p)})
	}
	if m.URI != "" {
		recs = append(recs, MetaRecord{TagURI, StringPrimitive(m.URI)})
	}
	if m.Hash != "" {
		recs = append(recs, MetaRecord{TagHash, StringPrimitive(m.Hash)})
	}
	if m.DownloadSize != 0 {
		recs = append(recs, MetaRecord{TagDownloadSize, Uint64Primitive(m.DownloadSize)})
	}
	return recs
}

// DecodeMeta reassembles a metamodel.Meta from its on-disk records. Tags the
// decoder does not recognize are skipped here; the payload's full record
// list is what round-trips when re-encoding a decoded payload unchanged.
func DecodeMeta(recs []MetaRecord) metamodel.Meta {
	var m metamodel.Meta
	for _, r := range recs {
		switch r.Tag {
		case TagName:
			m.Name = r.Primitive.Str
		case TagVersionIdentifier:
			m.VersionIdent = r.Primitive.Str
		case TagSourceRelease:
			m.SourceRelease = r.Primitive.Uint
		case TagBuildRelease:
			m.BuildRelease = r.Primitive.Uint
		case TagArchitecture:
			m.Architecture = r.Primitive.Str
		case TagSummary:
			m.Summary = r.Primitive.Str
		case TagDescription:
			m.Description = r.Primitive.Str
		case TagSourceID:
			m.SourceID = r.Primitive.Str
		case TagHomepage:
			m.Homepage = r.Primitive.Str
		case TagLicense:
			m.Licenses = append(m.Licenses, r.Primitive.Str)
		case TagDependency:
			m.Dependencies = append(m.Dependencies, r.Primitive.AsProvider())
		case TagProvider:
			m.Providers = append(m.Providers, r.Primitive.AsProvider())
		case TagConflict:
			m.Conflicts = append(m.Conflicts, r.Primitive.AsProvider())
		case TagURI:
			m.URI = r.Primitive.Str
		case TagHash:
			m.Hash = r.Primitive.Str
		case TagDownloadSize:
			m.DownloadSize = r.Primitive.Uint
		}
	}
	return m
}

// MetaID derives the package identifier for a Meta record set. When the
// package advertises a download hash, the id is that hash; otherwise it is
// the content hash of the encoded Meta payload, so identical metadata
// always yields an identical id.
func MetaID(m metamodel.Meta) metamodel.ID {
	if m.Hash != "" {
		return metamodel.ID(m.Hash)
	}
	var buf bytes.Buffer
	for _, rec := range EncodeMeta(m) {
		// Encoding to an in-memory buffer cannot fail.
		_ = rec.encode(&buf)
	}
	return metamodel.ID(digest.Sum(buf.Bytes()).String())
}

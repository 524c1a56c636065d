package stone

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/aerynos/moss/internal/metamodel"
)

// Payload is one decoded payload section of a stone file.
type Payload struct {
	Header PayloadHeader

	MetaRecords   []MetaRecord        // Header.Kind == KindMeta
	LayoutRecords []metamodel.Layout  // Header.Kind == KindLayout
	IndexRecords  []IndexRecord       // Header.Kind == KindIndex
	Content       []byte              // Header.Kind == KindContent, decompressed
}

// Kind is a convenience accessor for Header.Kind.
func (p Payload) Kind() PayloadKind { return p.Header.Kind }

// Container is a fully decoded stone file.
type Container struct {
	Header   FileHeader
	Payloads []Payload
}

// Meta returns the first Meta payload's records, decoded into a
// metamodel.Meta, if present.
func (c *Container) Meta() (metamodel.Meta, bool) {
	for _, p := range c.Payloads {
		if p.Kind() == KindMeta {
			return DecodeMeta(p.MetaRecords), true
		}
	}
	return metamodel.Meta{}, false
}

// Layouts returns the Layout payload's records, if present.
func (c *Container) Layouts() ([]metamodel.Layout, bool) {
	for _, p := range c.Payloads {
		if p.Kind() == KindLayout {
			return p.LayoutRecords, true
		}
	}
	return nil, false
}

// ContentAndIndex returns the decompressed Content payload bytes and the
// Index payload's records, if both are present.
func (c *Container) ContentAndIndex() ([]byte, []IndexRecord, bool) {
	var content []byte
	var index []IndexRecord
	haveContent, haveIndex := false, false
	for _, p := range c.Payloads {
		switch p.Kind() {
		case KindContent:
			content = p.Content
			haveContent = true
		case KindIndex:
			index = p.IndexRecords
			haveIndex = true
		}
	}
	return content, index, haveContent && haveIndex
}

// decompressPayload returns the plain bytes of a payload body given its
// stored (possibly compressed) bytes.
func decompressPayload(h PayloadHeader, stored []byte) ([]byte, error) {
	switch h.Compression {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("stone: zstd init: %w", err)
		}
		defer dec.Close()
		out := make([]byte, 0, h.PlainSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, dec); err != nil {
			return nil, fmt.Errorf("stone: zstd decode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, ErrUnknownCompression
	}
}

package stone

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/aerynos/moss/internal/metamodel"
)

// Writer emits a stone file, writing payloads in the stable order Meta,
// Layout, Index, Content, Attributes, computing checksums on the fly.
type Writer struct {
	w             io.Writer
	fileType      FileType
	headerWritten bool
	useZstd       bool
}

// NewWriter returns a Writer for the given file type. If useZstd is true,
// each payload is individually zstd-framed; otherwise payloads are stored
// uncompressed.
func NewWriter(w io.Writer, fileType FileType, useZstd bool) *Writer {
	return &Writer{w: w, fileType: fileType, useZstd: useZstd}
}

func (wr *Writer) ensureHeader() error {
	if wr.headerWritten {
		return nil
	}
	fh := FileHeader{Version: CurrentVersion, FileType: wr.fileType}
	if err := fh.Encode(wr.w); err != nil {
		return err
	}
	wr.headerWritten = true
	return nil
}

// WriteMeta encodes and writes a Meta payload for the given records.
func (wr *Writer) WriteMeta(recs []MetaRecord) error {
	var plain bytes.Buffer
	for _, r := range recs {
		if err := r.encode(&plain); err != nil {
			return err
		}
	}
	return wr.writePayload(KindMeta, uint32(len(recs)), plain.Bytes())
}

// WriteLayout encodes and writes a Layout payload for the given records.
func (wr *Writer) WriteLayout(recs []metamodel.Layout) error {
	var plain bytes.Buffer
	for _, r := range recs {
		if err := EncodeLayout(&plain, r); err != nil {
			return err
		}
	}
	return wr.writePayload(KindLayout, uint32(len(recs)), plain.Bytes())
}

// WriteIndex encodes and writes an Index payload for the given records.
func (wr *Writer) WriteIndex(recs []IndexRecord) error {
	var plain bytes.Buffer
	for _, r := range recs {
		if err := EncodeIndex(&plain, r); err != nil {
			return err
		}
	}
	return wr.writePayload(KindIndex, uint32(len(recs)), plain.Bytes())
}

// WriteContent writes the single opaque Content payload. num is the number
// of file blobs it addresses (for parity with the Index payload describing
// them), used only to populate NumRecords.
func (wr *Writer) WriteContent(plain []byte, num uint32) error {
	return wr.writePayload(KindContent, num, plain)
}

func (wr *Writer) writePayload(kind PayloadKind, numRecords uint32, plain []byte) error {
	if err := wr.ensureHeader(); err != nil {
		return err
	}

	compression := CompressionNone
	stored := plain
	if wr.useZstd && len(plain) > 0 {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("stone: zstd init: %w", err)
		}
		stored = enc.EncodeAll(plain, nil)
		enc.Close()
		compression = CompressionZstd
	}

	ph := PayloadHeader{
		StoredSize:  uint64(len(stored)),
		PlainSize:   uint64(len(plain)),
		Checksum:    checksumBytes(stored),
		NumRecords:  numRecords,
		Version:     CurrentVersion,
		Kind:        kind,
		Compression: compression,
	}
	if err := ph.Encode(wr.w); err != nil {
		return err
	}
	_, err := wr.w.Write(stored)
	return err
}

// WriteFull writes an entire container: Meta, Layout, Index, Content in
// order, skipping payloads whose record set is empty.
func WriteFull(w io.Writer, fileType FileType, useZstd bool, meta []MetaRecord, layout []metamodel.Layout, index []IndexRecord, content []byte) error {
	wr := NewWriter(w, fileType, useZstd)
	if len(meta) > 0 {
		if err := wr.WriteMeta(meta); err != nil {
			return err
		}
	}
	if len(layout) > 0 {
		if err := wr.WriteLayout(layout); err != nil {
			return err
		}
	}
	if len(index) > 0 {
		if err := wr.WriteIndex(index); err != nil {
			return err
		}
	}
	if len(content) > 0 || len(index) > 0 {
		if err := wr.WriteContent(content, uint32(len(index))); err != nil {
			return err
		}
	}
	return nil
}

// WriteIndexStone emits a repository index stone from a set of package
// Meta. Index stones carry one Meta payload per package, concatenated in
// repository order.
func WriteIndexStone(w io.Writer, metas []metamodel.Meta) error {
	metamodel.SortMetas(metas)
	wr := NewWriter(w, FileTypeRepository, true)
	for _, m := range metas {
		if err := wr.WriteMeta(EncodeMeta(m)); err != nil {
			return fmt.Errorf("stone: writing meta for %s: %w", m.Name, err)
		}
	}
	return nil
}

package stone

import (
	"bytes"
	"fmt"
	"io"

	"github.com/aerynos/moss/internal/metamodel"
)

// Decode reads a complete stone file into memory, verifying every payload's
// checksum. The Content payload's Index offsets
// remain valid against the returned, decompressed Content bytes.
func Decode(r io.Reader) (*Container, error) {
	fh, err := DecodeFileHeader(r)
	if err != nil {
		return nil, err
	}
	c := &Container{Header: fh}

	for {
		ph, err := DecodePayloadHeader(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		stored := make([]byte, ph.StoredSize)
		if ph.StoredSize > 0 {
			if _, err := io.ReadFull(r, stored); err != nil {
				return nil, fmt.Errorf("stone: read %s payload body: %w", ph.Kind, err)
			}
		}
		if err := verifyChecksum(ph.Checksum, stored); err != nil {
			return nil, fmt.Errorf("stone: %s payload: %w", ph.Kind, err)
		}

		plain, err := decompressPayload(ph, stored)
		if err != nil {
			return nil, err
		}

		p := Payload{Header: ph}
		if err := decodePayloadBody(&p, plain); err != nil {
			return nil, err
		}
		c.Payloads = append(c.Payloads, p)
	}

	return c, nil
}

func decodePayloadBody(p *Payload, plain []byte) error {
	switch p.Header.Kind {
	case KindMeta:
		r := bytes.NewReader(plain)
		recs := make([]MetaRecord, 0, p.Header.NumRecords)
		for i := uint32(0); i < p.Header.NumRecords; i++ {
			rec, err := decodeMetaRecord(r)
			if err != nil {
				return fmt.Errorf("stone: meta record %d: %w", i, err)
			}
			recs = append(recs, rec)
		}
		p.MetaRecords = recs
	case KindLayout:
		r := bytes.NewReader(plain)
		recs := make([]metamodel.Layout, 0, p.Header.NumRecords)
		for i := uint32(0); i < p.Header.NumRecords; i++ {
			rec, err := DecodeLayoutVersioned(r, p.Header.Version)
			if err != nil {
				return fmt.Errorf("stone: layout record %d: %w", i, err)
			}
			recs = append(recs, rec)
		}
		p.LayoutRecords = recs
	case KindIndex:
		r := bytes.NewReader(plain)
		recs := make([]IndexRecord, 0, p.Header.NumRecords)
		for i := uint32(0); i < p.Header.NumRecords; i++ {
			rec, err := DecodeIndex(r)
			if err != nil {
				return fmt.Errorf("stone: index record %d: %w", i, err)
			}
			recs = append(recs, rec)
		}
		p.IndexRecords = recs
	case KindContent:
		p.Content = plain
	case KindAttributes:
		// Attribute records are opaque to the core; kept as raw bytes by
		// callers that need them (none of the core's operations do).
	default:
		return fmt.Errorf("stone: %w: %d", ErrUnknownPayload, p.Header.Kind)
	}
	return nil
}

// IntegrityCheck validates every payload's checksum without decoding Meta,
// Layout, or Index records and without extracting individual Content
// blobs. It returns the list of payload kinds seen, in file order.
// It fails on the first checksum mismatch or header decode error.
func IntegrityCheck(r io.Reader) ([]PayloadKind, error) {
	if _, err := DecodeFileHeader(r); err != nil {
		return nil, err
	}

	var kinds []PayloadKind
	for {
		ph, err := DecodePayloadHeader(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		sum := newChecksumSink()
		if ph.StoredSize > 0 {
			if _, err := io.CopyN(sum, r, int64(ph.StoredSize)); err != nil {
				return nil, fmt.Errorf("stone: read %s payload body: %w", ph.Kind, err)
			}
		}
		if sum.checksum() != ph.Checksum {
			return nil, fmt.Errorf("stone: %s payload: %w", ph.Kind, ErrPayloadChecksum)
		}
		kinds = append(kinds, ph.Kind)
	}
	return kinds, nil
}
